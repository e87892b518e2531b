package contracts

import (
	"encoding/json"
	"time"
)

// ActivityType categorizes an activity log entry.
type ActivityType string

const (
	ActivityExecutionProgress  ActivityType = "execution_progress"
	ActivityExecutionCompleted ActivityType = "execution_completed"
	ActivityExecutionFailed    ActivityType = "execution_failed"
	ActivityWorkflowComplete   ActivityType = "workflow_complete"
	ActivityReviewRequested    ActivityType = "review_requested"
	ActivityReviewCompleted    ActivityType = "review_completed"
	ActivityReviewExpired      ActivityType = "review_expired"
	ActivityStepExecution      ActivityType = "workflow_step_execution"
	ActivityStepComplete       ActivityType = "workflow_step_complete"
	ActivityStepFailed         ActivityType = "workflow_step_failed"
)

// ActivityEntry is one append-only audit record. Entries are hash-chained in
// the store and never mutated; multiple components append.
type ActivityEntry struct {
	ID          string          `json:"id"`
	Sequence    uint64          `json:"sequence"`
	Type        ActivityType    `json:"type"`
	ExecutionID string          `json:"executionId,omitempty"`
	WorkflowID  string          `json:"workflowId,omitempty"`
	StepID      string          `json:"stepId,omitempty"`
	WorkerID    string          `json:"workerId,omitempty"`
	Message     string          `json:"message"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PayloadHash string          `json:"payloadHash,omitempty"`
	PrevHash    string          `json:"prevHash"`
	EntryHash   string          `json:"entryHash"`
	CreatedAt   time.Time       `json:"createdAt"`
}
