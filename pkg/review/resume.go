package review

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/operonlabs/conductor/pkg/contracts"
)

// resumePayload is the JSON body delivered to the engine's resume address.
type resumePayload struct {
	Approved     bool            `json:"approved"`
	ReviewID     string          `json:"reviewId"`
	Status       string          `json:"status"`
	Feedback     string          `json:"feedback,omitempty"`
	EditedData   json.RawMessage `json:"editedData,omitempty"`
	ReviewerID   string          `json:"reviewerId,omitempty"`
	ResponseData json.RawMessage `json:"responseData,omitempty"`
	ReviewedAt   time.Time       `json:"reviewedAt"`
}

// Dispatcher delivers resume callbacks to the engine. Calls are best-effort:
// a failure is logged and never propagated to the caller of Respond — the
// engine falls back to polling.
type Dispatcher struct {
	client       *http.Client
	engineAPIKey string
	logger       *slog.Logger
}

// NewDispatcher creates a dispatcher with a bounded per-attempt timeout so a
// hung engine cannot starve the handler.
func NewDispatcher(engineAPIKey string, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		client:       &http.Client{Timeout: timeout},
		engineAPIKey: engineAPIKey,
		logger:       slog.Default().With("component", "review.dispatch"),
	}
}

// Resume posts the decision to the review's resume address and reports
// whether the engine acknowledged it. Runs synchronously so the caller can
// surface workflowResumed, but within the dispatcher's bounded timeout.
func (d *Dispatcher) Resume(ctx context.Context, review *contracts.ReviewRequest, decision contracts.ReviewDecision, decidedAt time.Time) bool {
	if review.ResumeURL == "" {
		return false
	}
	if err := d.post(ctx, review.ResumeURL, d.buildPayload(review, decision, decidedAt)); err != nil {
		d.logger.Warn("resume webhook delivery failed, engine will fall back to polling",
			"reviewId", review.ID, "url", review.ResumeURL, "error", err)
		return false
	}
	return true
}

// DispatchLegacy fires the review's stored callback address when it differs
// from the resume address, detached from the request path. The completion
// callback is limited to logging.
func (d *Dispatcher) DispatchLegacy(review *contracts.ReviewRequest, decision contracts.ReviewDecision, decidedAt time.Time) {
	if review.CallbackURL == "" || review.CallbackURL == review.ResumeURL {
		return
	}
	payload := d.buildPayload(review, decision, decidedAt)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.client.Timeout)
		defer cancel()
		if err := d.post(ctx, review.CallbackURL, payload); err != nil {
			d.logger.Warn("legacy callback delivery failed",
				"reviewId", review.ID, "url", review.CallbackURL, "error", err)
			return
		}
		d.logger.Info("legacy callback delivered", "reviewId", review.ID)
	}()
}

func (d *Dispatcher) buildPayload(review *contracts.ReviewRequest, decision contracts.ReviewDecision, decidedAt time.Time) resumePayload {
	responseData := review.Payload
	if len(decision.EditedPayload) > 0 {
		responseData = decision.EditedPayload
	}
	return resumePayload{
		Approved:     decision.Status == contracts.ReviewApproved || decision.Status == contracts.ReviewEdited,
		ReviewID:     review.ID,
		Status:       string(decision.Status),
		Feedback:     decision.Feedback,
		EditedData:   decision.EditedPayload,
		ReviewerID:   decision.ReviewerID,
		ResponseData: responseData,
		ReviewedAt:   decidedAt,
	}
}

func (d *Dispatcher) post(ctx context.Context, url string, payload resumePayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.engineAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.engineAPIKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("engine returned status %d", resp.StatusCode)
	}
	return nil
}
