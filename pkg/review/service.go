// Package review implements the human-in-the-loop protocol: a step that
// needs a decision creates a pending review tied to its execution, the
// execution suspends, and a later human decision resumes the engine through
// a callback address.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/operonlabs/conductor/pkg/audit"
	"github.com/operonlabs/conductor/pkg/contracts"
	"github.com/operonlabs/conductor/pkg/observability"
	"github.com/operonlabs/conductor/pkg/store"
)

// CreateRequest asks for a new pending review.
type CreateRequest struct {
	EngineExecutionID string          `json:"executionId"`
	StepID            string          `json:"stepId,omitempty"`
	ReviewType        string          `json:"reviewType"`
	WorkerName        string          `json:"workerName,omitempty"`
	StepLabel         string          `json:"stepLabel,omitempty"`
	Data              json.RawMessage `json:"data,omitempty"`
	CallbackURL       string          `json:"callbackUrl,omitempty"`
}

// CreateResult reports the (possibly pre-existing) pending review.
type CreateResult struct {
	ReviewID      string `json:"reviewId"`
	Status        string `json:"status"`
	Message       string `json:"message"`
	ResumeURL     string `json:"resumeWebhookUrl"`
	AlreadyExists bool   `json:"alreadyExists,omitempty"`
}

// RespondResult reports the outcome of a human decision.
type RespondResult struct {
	Success         bool   `json:"success"`
	ReviewID        string `json:"reviewId"`
	Status          string `json:"status"`
	WorkflowResumed bool   `json:"workflowResumed"`
	Message         string `json:"message"`
}

// Service implements the review request/response protocol.
type Service struct {
	store         *store.Store
	dispatcher    *Dispatcher
	activity      audit.Logger
	obs           *observability.Provider
	engineBaseURL string
	reviewTimeout time.Duration
	logger        *slog.Logger
}

// NewService creates the review service. engineBaseURL is the engine address
// resume URLs are derived from; reviewTimeout bounds how long a review may
// stay pending before the reaper expires it.
func NewService(s *store.Store, dispatcher *Dispatcher, activity audit.Logger, engineBaseURL string, reviewTimeout time.Duration) *Service {
	if activity == nil {
		activity = audit.NopLogger{}
	}
	return &Service{
		store:         s,
		dispatcher:    dispatcher,
		activity:      activity,
		engineBaseURL: strings.TrimRight(engineBaseURL, "/"),
		reviewTimeout: reviewTimeout,
		logger:        slog.Default().With("component", "review"),
	}
}

// Instrument attaches a telemetry provider. A nil provider leaves the service
// uninstrumented.
func (s *Service) Instrument(p *observability.Provider) *Service {
	s.obs = p
	return s
}

// ResumeURL builds the deterministic resume address for an execution step:
// {engineBase}/webhook-waiting/{executionId}/review-{stepId}.
func (s *Service) ResumeURL(engineExecutionID, stepID string) string {
	return fmt.Sprintf("%s/webhook-waiting/%s/review-%s", s.engineBaseURL, engineExecutionID, stepID)
}

// Create registers a pending review and suspends the owning execution. The
// engine delivers at-least-once: a duplicate request for the same
// (execution, step) pair returns the existing pending review instead of
// inserting a second one.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	ctx, finish := s.obs.TrackOperation(ctx, "review.create")
	res, err := s.create(ctx, req)
	if res != nil {
		observability.SpanFromContext(ctx).SetAttributes(observability.ReviewOperation(
			res.ReviewID, req.EngineExecutionID, req.ReviewType, res.Status)...)
	}
	observability.SetSpanStatus(ctx, err)
	finish(err)
	return res, err
}

func (s *Service) create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.EngineExecutionID == "" {
		return nil, contracts.ValidationErrorf("executionId is required")
	}
	if req.ReviewType == "" {
		return nil, contracts.ValidationErrorf("reviewType is required")
	}

	now := time.Now().UTC()
	candidate := &contracts.ReviewRequest{
		ID:                uuid.New().String(),
		EngineExecutionID: req.EngineExecutionID,
		StepID:            req.StepID,
		StepLabel:         req.StepLabel,
		WorkerName:        req.WorkerName,
		ReviewType:        contracts.ReviewType(req.ReviewType),
		Status:            contracts.ReviewPending,
		Payload:           req.Data,
		ResumeURL:         s.ResumeURL(req.EngineExecutionID, req.StepID),
		CallbackURL:       req.CallbackURL,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.reviewTimeout),
	}

	review, alreadyExists, err := s.store.CreateReview(ctx, candidate)
	if err != nil {
		return nil, err
	}

	if alreadyExists {
		s.logger.Info("duplicate review creation suppressed",
			"reviewId", review.ID, "executionId", req.EngineExecutionID, "stepId", req.StepID)
		return &CreateResult{
			ReviewID:      review.ID,
			Status:        string(review.Status),
			Message:       "review already pending for this step",
			ResumeURL:     review.ResumeURL,
			AlreadyExists: true,
		}, nil
	}

	s.activity.Record(ctx, contracts.ActivityEntry{
		Type:        contracts.ActivityReviewRequested,
		ExecutionID: req.EngineExecutionID,
		StepID:      req.StepID,
		Message:     fmt.Sprintf("review requested by %s for step %s", requesterName(req), stepLabel(req)),
		Payload:     req.Data,
	})

	return &CreateResult{
		ReviewID:  review.ID,
		Status:    string(review.Status),
		Message:   "review created, execution suspended",
		ResumeURL: review.ResumeURL,
	}, nil
}

// Respond applies a human decision to a pending review and then resumes the
// engine. The review is considered resolved regardless of whether the engine
// could be reached; resume delivery is best-effort and the engine polls as a
// fallback.
func (s *Service) Respond(ctx context.Context, decision contracts.ReviewDecision) (*RespondResult, error) {
	ctx, finish := s.obs.TrackOperation(ctx, "review.respond")
	res, err := s.respond(ctx, decision)
	observability.SetSpanStatus(ctx, err)
	finish(err)
	return res, err
}

func (s *Service) respond(ctx context.Context, decision contracts.ReviewDecision) (*RespondResult, error) {
	if decision.ReviewID == "" {
		return nil, contracts.ValidationErrorf("reviewId is required")
	}
	if !decision.Status.Decision() {
		return nil, contracts.ValidationErrorf("status must be one of approved, rejected, edited")
	}

	decidedAt := time.Now().UTC()
	review, err := s.store.ResolveReview(ctx, decision, decidedAt)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, contracts.NotFoundErrorf("review %s not found", decision.ReviewID)
		case errors.Is(err, store.ErrReviewNotPending):
			return nil, contracts.ValidationErrorf("review %s already resolved (%s)", decision.ReviewID, review.Status)
		default:
			return nil, err
		}
	}

	observability.SpanFromContext(ctx).SetAttributes(observability.ReviewOperation(
		review.ID, review.EngineExecutionID, string(review.ReviewType), string(decision.Status))...)

	if decision.Feedback != "" {
		if err := s.store.AppendReviewChat(ctx, review.ID, contracts.ChatMessage{
			Role:      "reviewer",
			Content:   decision.Feedback,
			Timestamp: decidedAt,
		}); err != nil {
			s.logger.Warn("failed to append review feedback to chat history",
				"reviewId", review.ID, "error", err)
		}
	}

	s.activity.Record(ctx, contracts.ActivityEntry{
		Type:        contracts.ActivityReviewCompleted,
		ExecutionID: review.EngineExecutionID,
		StepID:      review.StepID,
		Message:     fmt.Sprintf("review %s resolved: %s", review.ID, decision.Status),
		Payload:     decision.EditedPayload,
	})

	resumed := s.dispatcher.Resume(ctx, review, decision, decidedAt)
	if resumed {
		next := contracts.ExecutionRunning
		if decision.Status == contracts.ReviewRejected {
			next = contracts.ExecutionFailed
		}
		if _, err := s.store.SetExecutionStatusByEngineID(ctx, review.EngineExecutionID, next); err != nil {
			s.logger.Warn("failed to update execution status after resume",
				"executionId", review.EngineExecutionID, "error", err)
		}
	}

	s.dispatcher.DispatchLegacy(review, decision, decidedAt)

	message := fmt.Sprintf("review %s", decision.Status)
	if !resumed {
		message += " (engine not reachable, it will pick the decision up by polling)"
	}
	return &RespondResult{
		Success:         true,
		ReviewID:        review.ID,
		Status:          string(decision.Status),
		WorkflowResumed: resumed,
		Message:         message,
	}, nil
}

// Poll returns a review's current state. It exists as the fallback path for
// engines that cannot receive the push-style resume call.
func (s *Service) Poll(ctx context.Context, reviewID string) (*contracts.ReviewRequest, error) {
	if reviewID == "" {
		return nil, contracts.ValidationErrorf("id is required")
	}
	review, err := s.store.GetReview(ctx, reviewID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, contracts.NotFoundErrorf("review %s not found", reviewID)
		}
		return nil, err
	}
	return review, nil
}

func requesterName(req CreateRequest) string {
	if req.WorkerName != "" {
		return req.WorkerName
	}
	return "workflow engine"
}

func stepLabel(req CreateRequest) string {
	if req.StepLabel != "" {
		return req.StepLabel
	}
	return req.StepID
}
