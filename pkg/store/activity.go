package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/operonlabs/conductor/pkg/contracts"
)

// chainGenesis anchors the activity log's hash chain.
const chainGenesis = "genesis"

// AppendActivity appends one immutable entry to the activity log. The payload
// is canonicalized (RFC 8785) before hashing so logically-equal payloads hash
// identically, and each entry chains to its predecessor.
func (s *Store) AppendActivity(ctx context.Context, entry *contracts.ActivityEntry) (*contracts.ActivityEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin activity tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prevHash := chainGenesis
	var lastSeq uint64
	err = tx.QueryRowContext(ctx,
		`SELECT seq, entry_hash FROM activity_log ORDER BY seq DESC LIMIT 1`,
	).Scan(&lastSeq, &prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.Sequence = lastSeq + 1
	entry.PrevHash = prevHash
	entry.PayloadHash = hashPayload(entry.Payload)
	entry.EntryHash = hashEntry(entry)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO activity_log (id, entry_type, execution_id, workflow_id, step_id, worker_id,
		   message, payload, payload_hash, prev_hash, entry_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.Type), entry.ExecutionID, entry.WorkflowID, entry.StepID,
		entry.WorkerID, entry.Message, rawOrNil(entry.Payload), entry.PayloadHash,
		entry.PrevHash, entry.EntryHash, entry.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("append activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

func hashPayload(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	canonical, err := jcs.Transform(payload)
	if err != nil {
		// Non-JSON payloads hash as-is.
		canonical = payload
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:])
}

func hashEntry(e *contracts.ActivityEntry) string {
	seed := fmt.Sprintf("%d|%s|%s|%s|%s|%s",
		e.Sequence, e.Type, e.ExecutionID, e.PayloadHash, e.PrevHash,
		e.CreatedAt.Format(time.RFC3339Nano))
	h := sha256.Sum256([]byte(seed))
	return "sha256:" + hex.EncodeToString(h[:])
}

// ActivityFilter narrows activity queries.
type ActivityFilter struct {
	ExecutionID string
	Type        contracts.ActivityType
	Since       time.Time
	Until       time.Time
	Limit       int
}

// QueryActivity returns activity entries, newest first.
func (s *Store) QueryActivity(ctx context.Context, filter ActivityFilter) ([]*contracts.ActivityEntry, error) {
	query := `SELECT seq, id, entry_type, execution_id, workflow_id, step_id, worker_id,
	   message, payload, payload_hash, prev_hash, entry_hash, created_at FROM activity_log WHERE 1=1`
	var args []any
	if filter.ExecutionID != "" {
		query += ` AND execution_id = ?`
		args = append(args, filter.ExecutionID)
	}
	if filter.Type != "" {
		query += ` AND entry_type = ?`
		args = append(args, string(filter.Type))
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	if !filter.Until.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, filter.Until.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY seq DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*contracts.ActivityEntry
	for rows.Next() {
		var e contracts.ActivityEntry
		var payload sql.NullString
		var created string
		if err := rows.Scan(&e.Sequence, &e.ID, &e.Type, &e.ExecutionID, &e.WorkflowID,
			&e.StepID, &e.WorkerID, &e.Message, &payload, &e.PayloadHash,
			&e.PrevHash, &e.EntryHash, &created); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// VerifyActivityChain walks the log in sequence order and reports the first
// broken link, if any.
func (s *Store) VerifyActivityChain(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, entry_hash, prev_hash FROM activity_log ORDER BY seq ASC`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	prev := chainGenesis
	for rows.Next() {
		var seq uint64
		var entryHash, prevHash string
		if err := rows.Scan(&seq, &entryHash, &prevHash); err != nil {
			return err
		}
		if prevHash != prev {
			return fmt.Errorf("activity chain broken at seq %d", seq)
		}
		prev = entryHash
	}
	return rows.Err()
}
