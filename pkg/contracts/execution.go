// Package contracts defines the shared data types exchanged between the
// coordinator's components: executions, review requests, activity entries,
// and the error taxonomy returned to the external engine.
package contracts

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of one workflow execution.
type ExecutionStatus string

const (
	ExecutionPending       ExecutionStatus = "pending"
	ExecutionRunning       ExecutionStatus = "running"
	ExecutionWaitingReview ExecutionStatus = "waiting_review"
	ExecutionCompleted     ExecutionStatus = "completed"
	ExecutionFailed        ExecutionStatus = "failed"
	ExecutionCancelled     ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known execution status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionWaitingReview,
		ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// Execution is one run of a workflow, joined to the engine by
// EngineExecutionID. The engine reports progress keyed by its own id, which
// may arrive before any internal record exists (first-report upsert).
type Execution struct {
	ID                string          `json:"id"`
	EngineExecutionID string          `json:"executionId"`
	WorkflowID        string          `json:"workflowId"`
	WorkflowName      string          `json:"workflowName,omitempty"`
	WorkerID          string          `json:"workerId,omitempty"`
	Status            ExecutionStatus `json:"status"`
	CurrentStepIndex  int             `json:"currentStepIndex"`
	CurrentStepName   string          `json:"currentStepName,omitempty"`
	StartedAt         time.Time       `json:"startedAt"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
	OutputData        json.RawMessage `json:"outputData,omitempty"`
	Error             string          `json:"error,omitempty"`
}

// ProgressReport is one status update from the engine for an execution.
type ProgressReport struct {
	EngineExecutionID string          `json:"executionId"`
	WorkflowID        string          `json:"workflowId,omitempty"`
	WorkerID          string          `json:"workerId,omitempty"`
	Status            ExecutionStatus `json:"status"`
	CurrentStepIndex  *int            `json:"currentStepIndex,omitempty"`
	CurrentStepName   string          `json:"currentStepName,omitempty"`
	OutputData        json.RawMessage `json:"outputData,omitempty"`
	Error             string          `json:"error,omitempty"`
}

// CompletionReport is the engine's terminal callback for a workflow run.
// EngineExecutionID may be absent for workflows with no per-run tracking;
// in that case only an activity entry is written.
type CompletionReport struct {
	WorkflowID        string          `json:"workflowId"`
	EngineExecutionID string          `json:"executionId,omitempty"`
	WorkerID          string          `json:"workerId,omitempty"`
	WorkerName        string          `json:"workerName,omitempty"`
	Status            ExecutionStatus `json:"status,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
}
