// Package aistep executes one workflow step by delegating to a generative
// model: it enforces the step's action blueprint, redacts PII before anything
// leaves the trust boundary, retries transient failures with backoff, and
// escalates to human review when the model reports uncertainty.
package aistep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/operonlabs/conductor/pkg/audit"
	"github.com/operonlabs/conductor/pkg/contracts"
	"github.com/operonlabs/conductor/pkg/llm"
	"github.com/operonlabs/conductor/pkg/observability"
	"github.com/operonlabs/conductor/pkg/privacy"

	"go.opentelemetry.io/otel/attribute"
)

// Request is one AI step invocation. Blueprint and Input are raw because the
// engine delivers them either as objects or as JSON-encoded strings; they are
// normalized at this boundary.
type Request struct {
	WorkflowID      string          `json:"workflowId"`
	StepID          string          `json:"stepId"`
	StepLabel       string          `json:"stepLabel,omitempty"`
	WorkerName      string          `json:"workerName,omitempty"`
	Blueprint       json.RawMessage `json:"blueprint,omitempty"`
	Input           json.RawMessage `json:"input,omitempty"`
	GuidanceContext string          `json:"guidanceContext,omitempty"`
}

// Outcome is the executor's result: a completed step, or a request for human
// guidance with the model's question and partial result.
type Outcome struct {
	Success          bool     `json:"success"`
	Result           any      `json:"result,omitempty"`
	Actions          []string `json:"actions,omitempty"`
	Message          string   `json:"message,omitempty"`
	NeedsGuidance    bool     `json:"needsGuidance"`
	GuidanceQuestion string   `json:"guidanceQuestion,omitempty"`
	PartialResult    any      `json:"partialResult,omitempty"`
	Attempts         int      `json:"-"`
}

// modelReply is the fixed JSON shape the model is instructed to produce.
type modelReply struct {
	Result           any      `json:"result"`
	Actions          []string `json:"actions"`
	Message          string   `json:"message"`
	NeedsGuidance    bool     `json:"needsGuidance"`
	GuidanceQuestion string   `json:"guidanceQuestion"`
	PartialResult    any      `json:"partialResult"`
}

// Executor runs AI steps against a model client.
type Executor struct {
	client   llm.Client
	policy   RetryPolicy
	filter   *privacy.Filter
	activity audit.Logger
	obs      *observability.Provider
	logger   *slog.Logger
}

// NewExecutor creates an executor. A nil activity logger disables auditing.
func NewExecutor(client llm.Client, policy RetryPolicy, activity audit.Logger) *Executor {
	if activity == nil {
		activity = audit.NopLogger{}
	}
	return &Executor{
		client:   client,
		policy:   policy,
		filter:   privacy.NewFilter(),
		activity: activity,
		logger:   slog.Default().With("component", "aistep"),
	}
}

// Instrument attaches a telemetry provider. A nil provider leaves the
// executor uninstrumented.
func (e *Executor) Instrument(p *observability.Provider) *Executor {
	e.obs = p
	return e
}

// Execute runs one AI step. The returned error, if any, is always a
// classified *contracts.Error.
func (e *Executor) Execute(ctx context.Context, req Request) (*Outcome, error) {
	ctx, finish := e.obs.TrackOperation(ctx, "aistep.execute")
	outcome, err := e.execute(ctx, req)
	observability.SetSpanStatus(ctx, err)
	finish(err)
	return outcome, err
}

func (e *Executor) execute(ctx context.Context, req Request) (*Outcome, error) {
	if req.WorkflowID == "" || req.StepID == "" {
		return nil, contracts.ValidationErrorf("workflowId and stepId are required")
	}
	if e.client == nil {
		return nil, contracts.ConfigurationErrorf("model client not configured")
	}

	e.activity.Record(ctx, contracts.ActivityEntry{
		Type:       contracts.ActivityStepExecution,
		WorkflowID: req.WorkflowID,
		StepID:     req.StepID,
		Message:    fmt.Sprintf("AI step %q started", stepName(req)),
	})

	blueprint := ParseBlueprint(req.Blueprint, e.logger)
	input := ParseInput(req.Input, e.logger)

	filtered, piiDetected := e.filter.FilterMap(input)
	if piiDetected {
		e.logger.Warn("PII detected in step input, redacted before model call",
			"workflowId", req.WorkflowID, "stepId", req.StepID)
	}

	messages := composeMessages(req, blueprint, filtered)

	resp, attempts, err := e.invokeWithRetry(ctx, messages)
	if err != nil {
		classified := e.classify(err)
		observability.SpanFromContext(ctx).SetAttributes(observability.AIStepOperation(
			req.WorkflowID, req.StepID, attempts, false)...)
		e.activity.Record(ctx, contracts.ActivityEntry{
			Type:       contracts.ActivityStepFailed,
			WorkflowID: req.WorkflowID,
			StepID:     req.StepID,
			Message:    fmt.Sprintf("AI step %q failed: %s", stepName(req), classified.Message),
		})
		return nil, classified
	}

	outcome := parseOutcome(resp.Content)
	outcome.Attempts = attempts
	observability.SpanFromContext(ctx).SetAttributes(observability.AIStepOperation(
		req.WorkflowID, req.StepID, attempts, outcome.Success)...)

	e.activity.Record(ctx, contracts.ActivityEntry{
		Type:       contracts.ActivityStepComplete,
		WorkflowID: req.WorkflowID,
		StepID:     req.StepID,
		Message:    fmt.Sprintf("AI step %q finished (needsGuidance=%t)", stepName(req), outcome.NeedsGuidance),
	})
	return outcome, nil
}

// invokeWithRetry calls the model, retrying transient failures with
// exponential backoff. Attempt count is returned for auditing and tests.
func (e *Executor) invokeWithRetry(ctx context.Context, messages []llm.Message) (*llm.Response, int, error) {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= e.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.policy.ComputeBackoff(attempt - 1)
			e.logger.Info("retrying model call", "attempt", attempt, "delay", delay)
			observability.AddSpanEvent(ctx, "model retry",
				attribute.Int("conductor.step.attempt", attempt),
				attribute.String("conductor.step.backoff", delay.String()))
			if err := waitBackoff(ctx, delay); err != nil {
				return nil, attempts, lastErr
			}
		}

		resp, err := e.client.Chat(ctx, messages, &llm.Options{Temperature: 0.2})
		attempts++
		if err == nil {
			return resp, attempts, nil
		}
		lastErr = err

		if !retryable(err) {
			break
		}
	}
	return nil, attempts, lastErr
}

// retryable applies the retry policy: 5xx, 429, and network-level failures
// are retried; other 4xx are permanent.
func retryable(err error) bool {
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == 429
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset")
}

func (e *Executor) classify(err error) *contracts.Error {
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return contracts.RateLimitErrorf("model rate limit exceeded").WithCause(err)
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return contracts.ConfigurationErrorf("model credentials rejected").WithCause(err)
		case apiErr.StatusCode >= 500:
			return contracts.TransientErrorf("model service unavailable").WithCause(err)
		case apiErr.StatusCode >= 400:
			return contracts.ValidationErrorf("model rejected the request").WithCause(err)
		}
	}
	if retryable(err) {
		return contracts.TransientErrorf("model call failed: network error").WithCause(err)
	}
	return contracts.PermanentErrorf("model call failed").WithCause(err)
}

// composeMessages builds the system and user instructions. The allow-list is
// presented as permitted actions, the deny-list as hard prohibitions, and any
// prior human guidance is appended to context.
func composeMessages(req Request, bp Blueprint, input map[string]any) []llm.Message {
	var sys strings.Builder
	sys.WriteString("You are an automation step executor inside a business workflow. ")
	sys.WriteString("Perform the requested step and respond with JSON only.\n\n")

	if len(bp.GreenList) > 0 {
		sys.WriteString("Permitted actions: " + strings.Join(bp.GreenList, ", ") + ".\n")
	}
	if len(bp.RedList) > 0 {
		sys.WriteString("Prohibited actions (never perform, suggest, or simulate): " +
			strings.Join(bp.RedList, ", ") + ".\n")
	}
	if req.GuidanceContext != "" {
		sys.WriteString("\nHuman guidance from a prior review of this step:\n" + req.GuidanceContext + "\n")
	}

	sys.WriteString("\nRespond with exactly one JSON object. On completion: " +
		`{"result": <any>, "actions": [<strings>], "message": <string>, "needsGuidance": false}. ` +
		"If you are uncertain and need a human decision: " +
		`{"needsGuidance": true, "guidanceQuestion": <string>, "partialResult": <any>}.`)

	inputJSON, _ := json.Marshal(input)
	user := fmt.Sprintf("Step: %s\nInput:\n%s", stepName(req), string(inputJSON))

	return []llm.Message{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: user},
	}
}

// parseOutcome interprets the model's text. Output that is not valid JSON is
// still a usable result: it is wrapped rather than treated as a failure.
func parseOutcome(content string) *Outcome {
	text := strings.TrimSpace(content)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var reply modelReply
	if err := json.Unmarshal([]byte(text), &reply); err != nil {
		return &Outcome{
			Success:       true,
			Result:        content,
			Actions:       []string{"processed"},
			Message:       "Action completed",
			NeedsGuidance: false,
		}
	}

	if reply.NeedsGuidance {
		return &Outcome{
			Success:          false,
			NeedsGuidance:    true,
			GuidanceQuestion: reply.GuidanceQuestion,
			PartialResult:    reply.PartialResult,
		}
	}

	message := reply.Message
	if message == "" {
		message = "Action completed"
	}
	actions := reply.Actions
	if len(actions) == 0 {
		actions = []string{"processed"}
	}
	return &Outcome{
		Success: true,
		Result:  reply.Result,
		Actions: actions,
		Message: message,
	}
}

func stepName(req Request) string {
	if req.StepLabel != "" {
		return req.StepLabel
	}
	return req.StepID
}
