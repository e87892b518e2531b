// Package execution owns the lifecycle of one workflow execution: creation on
// first report, progress updates, terminal completion, and suspension for
// review. All state lives in the store; this service adds validation, the
// activity trail, and the idempotent completion path.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/operonlabs/conductor/pkg/audit"
	"github.com/operonlabs/conductor/pkg/contracts"
	"github.com/operonlabs/conductor/pkg/observability"
	"github.com/operonlabs/conductor/pkg/store"
)

// Service coordinates execution state transitions.
type Service struct {
	store    *store.Store
	activity audit.Logger
	obs      *observability.Provider
	logger   *slog.Logger
}

// NewService creates the execution service.
func NewService(s *store.Store, activity audit.Logger) *Service {
	if activity == nil {
		activity = audit.NopLogger{}
	}
	return &Service{
		store:    s,
		activity: activity,
		logger:   slog.Default().With("component", "execution"),
	}
}

// Instrument attaches a telemetry provider. A nil provider leaves the service
// uninstrumented.
func (s *Service) Instrument(p *observability.Provider) *Service {
	s.obs = p
	return s
}

// ReportProgress applies one engine progress report and returns the resulting
// execution. The engine retries deliveries, so the same report may arrive
// more than once; the upsert-by-engine-id is the single source of truth and
// terminal executions reject further writes.
func (s *Service) ReportProgress(ctx context.Context, report contracts.ProgressReport) (*contracts.Execution, error) {
	ctx, finish := s.obs.TrackOperation(ctx, "execution.report_progress")
	exec, err := s.reportProgress(ctx, report)
	if exec != nil {
		observability.SpanFromContext(ctx).SetAttributes(observability.ExecutionOperation(
			exec.EngineExecutionID, exec.WorkflowID, string(exec.Status), exec.CurrentStepIndex)...)
	}
	observability.SetSpanStatus(ctx, err)
	finish(err)
	return exec, err
}

func (s *Service) reportProgress(ctx context.Context, report contracts.ProgressReport) (*contracts.Execution, error) {
	if report.EngineExecutionID == "" {
		return nil, contracts.ValidationErrorf("executionId is required")
	}
	if report.Status == "" {
		return nil, contracts.ValidationErrorf("status is required")
	}
	if !report.Status.Valid() {
		return nil, contracts.ValidationErrorf("unknown status %q", report.Status)
	}

	exec, created, err := s.store.UpsertProgress(ctx, report)
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("execution created from first report",
			"executionId", report.EngineExecutionID, "status", report.Status)
	}

	s.activity.Record(ctx, contracts.ActivityEntry{
		Type:        progressActivityType(report.Status),
		ExecutionID: report.EngineExecutionID,
		WorkflowID:  exec.WorkflowID,
		WorkerID:    exec.WorkerID,
		StepID:      report.CurrentStepName,
		Message:     fmt.Sprintf("execution %s: %s (step %d)", report.EngineExecutionID, report.Status, exec.CurrentStepIndex),
		Payload:     report.OutputData,
	})
	return exec, nil
}

func progressActivityType(status contracts.ExecutionStatus) contracts.ActivityType {
	switch status {
	case contracts.ExecutionCompleted:
		return contracts.ActivityExecutionCompleted
	case contracts.ExecutionFailed:
		return contracts.ActivityExecutionFailed
	default:
		return contracts.ActivityExecutionProgress
	}
}

// Complete handles the engine's terminal callback for a workflow run. With an
// execution id present it routes through the idempotent completion in the
// store (execution terminal fields and worker availability updated together).
// Without one there is no execution row to update and only the activity entry
// is written — a degenerate but valid case for untracked workflows. Returns
// the resolved status and a human-readable message.
func (s *Service) Complete(ctx context.Context, report contracts.CompletionReport) (contracts.ExecutionStatus, string, error) {
	ctx, finish := s.obs.TrackOperation(ctx, "execution.complete")
	status, message, err := s.complete(ctx, report)
	observability.SpanFromContext(ctx).SetAttributes(observability.ExecutionOperation(
		report.EngineExecutionID, report.WorkflowID, string(status), 0)...)
	observability.SetSpanStatus(ctx, err)
	finish(err)
	return status, message, err
}

func (s *Service) complete(ctx context.Context, report contracts.CompletionReport) (contracts.ExecutionStatus, string, error) {
	if report.WorkflowID == "" {
		return "", "", contracts.ValidationErrorf("workflowId is required")
	}

	status := report.Status
	if status == "" {
		status = contracts.ExecutionCompleted
	}
	if !status.Terminal() {
		return "", "", contracts.ValidationErrorf("completion status must be terminal, got %q", status)
	}

	if report.EngineExecutionID != "" {
		if err := s.store.CompleteExecution(ctx, report.EngineExecutionID, status,
			report.Result, report.Error, report.WorkerID, report.WorkerName); err != nil {
			// The store may have applied the execution update before the
			// worker release failed (degraded sequential path); the trail
			// records the attempted completion either way.
			s.activity.Record(ctx, contracts.ActivityEntry{
				Type:        contracts.ActivityExecutionFailed,
				ExecutionID: report.EngineExecutionID,
				WorkflowID:  report.WorkflowID,
				WorkerID:    report.WorkerID,
				Message:     fmt.Sprintf("completion of workflow %s (target status %s) errored: %v", report.WorkflowID, status, err),
			})
			return "", "", err
		}
	}

	s.activity.Record(ctx, contracts.ActivityEntry{
		Type:        contracts.ActivityWorkflowComplete,
		ExecutionID: report.EngineExecutionID,
		WorkflowID:  report.WorkflowID,
		WorkerID:    report.WorkerID,
		Message:     completionMessage(report, status),
		Payload:     report.Result,
	})

	return status, fmt.Sprintf("workflow %s marked %s", report.WorkflowID, status), nil
}

func completionMessage(report contracts.CompletionReport, status contracts.ExecutionStatus) string {
	who := report.WorkerName
	if who == "" {
		who = report.WorkerID
	}
	if who == "" {
		return fmt.Sprintf("workflow %s finished with status %s", report.WorkflowID, status)
	}
	return fmt.Sprintf("workflow %s finished with status %s (worker %s)", report.WorkflowID, status, who)
}

// Get returns the execution with the given internal id, joined with its
// workflow's display name.
func (s *Service) Get(ctx context.Context, id string) (*contracts.Execution, error) {
	if id == "" {
		return nil, contracts.ValidationErrorf("id is required")
	}
	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, contracts.NotFoundErrorf("execution %s not found", id)
		}
		return nil, err
	}
	return exec, nil
}
