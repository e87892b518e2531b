package contracts

import (
	"encoding/json"
	"time"
)

// ReviewStatus is the lifecycle state of a pending human decision.
// pending -> {approved, rejected, edited, expired}; all non-pending states
// are terminal.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
	ReviewEdited   ReviewStatus = "edited"
	ReviewExpired  ReviewStatus = "expired"
)

// Terminal reports whether the review admits no further decision.
func (s ReviewStatus) Terminal() bool { return s != ReviewPending }

// Decision reports whether s is a valid human decision outcome.
func (s ReviewStatus) Decision() bool {
	switch s {
	case ReviewApproved, ReviewRejected, ReviewEdited:
		return true
	}
	return false
}

// ReviewType categorizes what is being asked of the human.
type ReviewType string

const (
	ReviewTypeApproval ReviewType = "approval"
	ReviewTypeEdit     ReviewType = "edit"
	ReviewTypeDecision ReviewType = "decision"
)

// ChatMessage is one entry in a review's guidance history.
type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ReviewRequest is one pending human decision blocking an execution step.
// At most one pending review exists per (execution, step) pair.
type ReviewRequest struct {
	ID                string          `json:"id"`
	EngineExecutionID string          `json:"executionId"`
	StepID            string          `json:"stepId"`
	StepLabel         string          `json:"stepLabel,omitempty"`
	WorkerName        string          `json:"workerName,omitempty"`
	ReviewType        ReviewType      `json:"reviewType"`
	Status            ReviewStatus    `json:"status"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Feedback          string          `json:"feedback,omitempty"`
	EditedPayload     json.RawMessage `json:"editedPayload,omitempty"`
	ReviewerID        string          `json:"reviewerId,omitempty"`
	DecidedAt         *time.Time      `json:"decidedAt,omitempty"`
	ResumeURL         string          `json:"resumeWebhookUrl"`
	CallbackURL       string          `json:"callbackUrl,omitempty"`
	ChatHistory       []ChatMessage   `json:"chatHistory,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	ExpiresAt         time.Time       `json:"expiresAt"`
}

// ReviewDecision carries a human's resolution of a pending review.
type ReviewDecision struct {
	ReviewID      string          `json:"reviewId"`
	Status        ReviewStatus    `json:"status"`
	Feedback      string          `json:"feedback,omitempty"`
	EditedPayload json.RawMessage `json:"editedData,omitempty"`
	ReviewerID    string          `json:"reviewerId,omitempty"`
}
