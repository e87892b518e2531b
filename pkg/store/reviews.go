package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/operonlabs/conductor/pkg/contracts"
)

const reviewColumns = `id, engine_execution_id, step_id, step_label, worker_name, review_type,
	status, payload, feedback, edited_payload, reviewer_id, decided_at, resume_url, callback_url,
	chat_history, created_at, expires_at`

// CreateReview inserts a pending review unless one already exists for the
// same (execution, step) pair. The existence check and the insert run in one
// transaction so concurrent duplicate deliveries cannot both insert. Returns
// the review and whether it already existed.
func (s *Store) CreateReview(ctx context.Context, r *contracts.ReviewRequest) (*contracts.ReviewRequest, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin review tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+reviewColumns+` FROM reviews
		 WHERE engine_execution_id = ? AND step_id = ? AND status = 'pending'`,
		r.EngineExecutionID, r.StepID)
	if existing, err := scanReview(row); err == nil {
		return existing, true, tx.Commit()
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	chatJSON, _ := json.Marshal(r.ChatHistory)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO reviews (`+reviewColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, '', NULL, '', NULL, ?, ?, ?, ?, ?)`,
		r.ID, r.EngineExecutionID, r.StepID, r.StepLabel, r.WorkerName, string(r.ReviewType),
		rawOrNil(r.Payload), r.ResumeURL, r.CallbackURL, string(chatJSON),
		r.CreatedAt.UTC().Format(time.RFC3339Nano), r.ExpiresAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, false, fmt.Errorf("insert review: %w", err)
	}

	// Suspend the owning execution while the review is open.
	if _, err := tx.ExecContext(ctx,
		`UPDATE executions SET status = ? WHERE engine_execution_id = ? AND status NOT IN `+terminalStatuses,
		string(contracts.ExecutionWaitingReview), r.EngineExecutionID); err != nil {
		return nil, false, fmt.Errorf("suspend execution: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return r, false, nil
}

// GetReview returns the review with the given id.
func (s *Store) GetReview(ctx context.Context, id string) (*contracts.ReviewRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id = ?`, id)
	return scanReview(row)
}

// ResolveReview applies a human decision to a pending review. The status
// gate is part of the update: a concurrent expiry or duplicate decision
// loses the race and gets ErrReviewNotPending.
func (s *Store) ResolveReview(ctx context.Context, d contracts.ReviewDecision, decidedAt time.Time) (*contracts.ReviewRequest, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reviews SET status = ?, feedback = ?, edited_payload = ?, reviewer_id = ?, decided_at = ?
		 WHERE id = ? AND status = 'pending'`,
		string(d.Status), d.Feedback, rawOrNil(d.EditedPayload), d.ReviewerID,
		decidedAt.UTC().Format(time.RFC3339Nano), d.ReviewID)
	if err != nil {
		return nil, fmt.Errorf("resolve review: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.GetReview(ctx, d.ReviewID)
		if err != nil {
			return nil, err
		}
		return existing, fmt.Errorf("%w: %s is %s", ErrReviewNotPending, d.ReviewID, existing.Status)
	}
	return s.GetReview(ctx, d.ReviewID)
}

// AppendReviewChat appends a message to a review's guidance history. The
// append is one UPDATE with json_insert so concurrent appends interleave
// instead of overwriting each other.
func (s *Store) AppendReviewChat(ctx context.Context, reviewID string, msg contracts.ChatMessage) error {
	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE reviews SET chat_history = json_insert(
			CASE WHEN chat_history IS NULL OR chat_history = '' OR chat_history = 'null'
			     THEN '[]' ELSE chat_history END,
			'$[#]', json(?))
		 WHERE id = ?`,
		string(msgJSON), reviewID)
	if err != nil {
		return fmt.Errorf("append review chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireReviews marks every pending review past its deadline as expired and
// fails the owning executions. Returns the expired reviews and how many
// executions were actually moved to failed.
func (s *Store) ExpireReviews(ctx context.Context, now time.Time) ([]*contracts.ReviewRequest, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("begin expire tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := now.UTC().Format(time.RFC3339Nano)
	rows, err := tx.QueryContext(ctx,
		`SELECT `+reviewColumns+` FROM reviews WHERE status = 'pending' AND expires_at <= ?`, cutoff)
	if err != nil {
		return nil, 0, fmt.Errorf("query stale reviews: %w", err)
	}
	expired, err := collectReviews(rows)
	if err != nil {
		return nil, 0, err
	}
	if len(expired) == 0 {
		return nil, 0, tx.Commit()
	}

	staleExecutions := 0
	for _, review := range expired {
		if _, err := tx.ExecContext(ctx,
			`UPDATE reviews SET status = 'expired', decided_at = ? WHERE id = ? AND status = 'pending'`,
			cutoff, review.ID); err != nil {
			return nil, 0, fmt.Errorf("expire review %s: %w", review.ID, err)
		}
		review.Status = contracts.ReviewExpired

		res, err := tx.ExecContext(ctx,
			`UPDATE executions SET status = 'failed', error = ?, completed_at = ?
			 WHERE engine_execution_id = ? AND status NOT IN `+terminalStatuses,
			"review expired without a decision", cutoff, review.EngineExecutionID)
		if err != nil {
			return nil, 0, fmt.Errorf("fail execution %s: %w", review.EngineExecutionID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			staleExecutions++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}
	return expired, staleExecutions, nil
}

// ReviewStatusCounts returns review counts grouped by status.
func (s *Store) ReviewStatusCounts(ctx context.Context) (map[contracts.ReviewStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM reviews GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[contracts.ReviewStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[contracts.ReviewStatus(status)] = n
	}
	return counts, rows.Err()
}

// CountReviewsExpiringWithin returns how many pending reviews will expire
// before now+window.
func (s *Store) CountReviewsExpiringWithin(ctx context.Context, now time.Time, window time.Duration) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reviews WHERE status = 'pending' AND expires_at <= ?`,
		now.Add(window).UTC().Format(time.RFC3339Nano)).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReview(row rowScanner) (*contracts.ReviewRequest, error) {
	var r contracts.ReviewRequest
	var payload, edited, chat, decided sql.NullString
	var created, expires string

	err := row.Scan(&r.ID, &r.EngineExecutionID, &r.StepID, &r.StepLabel, &r.WorkerName,
		&r.ReviewType, &r.Status, &payload, &r.Feedback, &edited, &r.ReviewerID, &decided,
		&r.ResumeURL, &r.CallbackURL, &chat, &created, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan review: %w", err)
	}

	if payload.Valid && payload.String != "" {
		r.Payload = json.RawMessage(payload.String)
	}
	if edited.Valid && edited.String != "" {
		r.EditedPayload = json.RawMessage(edited.String)
	}
	if chat.Valid && chat.String != "" {
		_ = json.Unmarshal([]byte(chat.String), &r.ChatHistory)
	}
	if decided.Valid {
		if t, err := time.Parse(time.RFC3339Nano, decided.String); err == nil {
			r.DecidedAt = &t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		r.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, expires); err == nil {
		r.ExpiresAt = t
	}
	return &r, nil
}

func collectReviews(rows *sql.Rows) ([]*contracts.ReviewRequest, error) {
	defer func() { _ = rows.Close() }()
	var reviews []*contracts.ReviewRequest
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}
