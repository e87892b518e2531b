package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/operonlabs/conductor/pkg/contracts"
)

const executionColumns = `e.id, e.engine_execution_id, e.workflow_id, e.worker_id, e.status,
	e.current_step_index, e.current_step_name, e.started_at, e.completed_at, e.output_data, e.error`

// terminalStatuses is inlined in conditional updates so the terminal guard is
// enforced by the database, not by a read-then-write.
const terminalStatuses = `('completed', 'failed', 'cancelled')`

// UpsertProgress applies one engine progress report. The engine's execution id
// is the join key: a report for an unknown id creates the row (first-report
// case, step index defaulting to 0), a report for a known one updates it.
// A report against a terminal execution is rejected with ErrTerminalExecution.
func (s *Store) UpsertProgress(ctx context.Context, report contracts.ProgressReport) (*contracts.Execution, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin progress tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	// Mirror the workflow and worker references the report carries, so the
	// name join and the completion-time worker release have rows to hit.
	// Display names arrive later (completion reports, review requests).
	if report.WorkflowID != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflows (id) VALUES (?) ON CONFLICT(id) DO NOTHING`,
			report.WorkflowID); err != nil {
			return nil, false, fmt.Errorf("mirror workflow: %w", err)
		}
	}
	if report.WorkerID != "" {
		workerState := "busy"
		if report.Status.Terminal() {
			workerState = "available"
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workers (id, status, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			 ON CONFLICT(id) DO UPDATE SET status = excluded.status, updated_at = CURRENT_TIMESTAMP`,
			report.WorkerID, workerState); err != nil {
			return nil, false, fmt.Errorf("mirror worker: %w", err)
		}
	}

	var existing contracts.Execution
	var started string
	var completed sql.NullString
	var output sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT id, status, current_step_index, started_at, completed_at, output_data
		 FROM executions WHERE engine_execution_id = ?`,
		report.EngineExecutionID,
	).Scan(&existing.ID, &existing.Status, &existing.CurrentStepIndex, &started, &completed, &output)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		exec := &contracts.Execution{
			ID:                uuid.New().String(),
			EngineExecutionID: report.EngineExecutionID,
			WorkflowID:        report.WorkflowID,
			WorkerID:          report.WorkerID,
			Status:            report.Status,
			CurrentStepIndex:  0,
			CurrentStepName:   report.CurrentStepName,
			StartedAt:         now,
			OutputData:        report.OutputData,
			Error:             report.Error,
		}
		if report.CurrentStepIndex != nil {
			exec.CurrentStepIndex = *report.CurrentStepIndex
		}
		var completedAt any
		if report.Status == contracts.ExecutionCompleted || report.Status == contracts.ExecutionFailed {
			exec.CompletedAt = &now
			completedAt = now.Format(time.RFC3339Nano)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO executions (id, engine_execution_id, workflow_id, worker_id, status,
			   current_step_index, current_step_name, started_at, completed_at, output_data, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			exec.ID, exec.EngineExecutionID, exec.WorkflowID, exec.WorkerID, string(exec.Status),
			exec.CurrentStepIndex, exec.CurrentStepName, now.Format(time.RFC3339Nano), completedAt,
			rawOrNil(exec.OutputData), exec.Error)
		if err != nil {
			return nil, false, fmt.Errorf("insert execution: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		return exec, true, nil

	case err != nil:
		return nil, false, fmt.Errorf("lookup execution: %w", err)
	}

	if existing.Status.Terminal() {
		return nil, false, fmt.Errorf("%w: %s is %s", ErrTerminalExecution, report.EngineExecutionID, existing.Status)
	}

	stepIndex := existing.CurrentStepIndex
	if report.CurrentStepIndex != nil {
		stepIndex = *report.CurrentStepIndex
	}
	var completedAt any
	if report.Status == contracts.ExecutionCompleted || report.Status == contracts.ExecutionFailed {
		completedAt = now.Format(time.RFC3339Nano)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE executions SET status = ?, current_step_index = ?,
		   current_step_name = CASE WHEN ? != '' THEN ? ELSE current_step_name END,
		   output_data = COALESCE(?, output_data),
		   error = CASE WHEN ? != '' THEN ? ELSE error END,
		   completed_at = COALESCE(?, completed_at)
		 WHERE engine_execution_id = ? AND status NOT IN `+terminalStatuses,
		string(report.Status), stepIndex,
		report.CurrentStepName, report.CurrentStepName,
		rawOrNil(report.OutputData),
		report.Error, report.Error,
		completedAt,
		report.EngineExecutionID)
	if err != nil {
		return nil, false, fmt.Errorf("update execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Raced with a concurrent terminal write.
		return nil, false, fmt.Errorf("%w: %s", ErrTerminalExecution, report.EngineExecutionID)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	exec, err := s.GetExecutionByEngineID(ctx, report.EngineExecutionID)
	if err != nil {
		return nil, false, err
	}
	return exec, false, nil
}

// CompleteExecution atomically applies terminal fields to an execution and
// marks its worker available again. If the transactional path is unavailable,
// it degrades to two sequential writes, accepting a narrow partial-failure
// window, and logs a warning. Safe to call twice with identical arguments:
// the second call finds the execution already terminal and no-ops.
func (s *Store) CompleteExecution(ctx context.Context, engineExecutionID string, status contracts.ExecutionStatus, output json.RawMessage, errText, workerID, workerName string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Warn("transactional completion unavailable, falling back to sequential writes",
			"executionId", engineExecutionID, "error", err)
		return s.completeSequential(ctx, engineExecutionID, status, output, errText, workerID, workerName, now)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, completeExecutionSQL,
		string(status), rawOrNil(output), errText, errText, now, engineExecutionID); err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}
	if workerID != "" {
		if _, err := tx.ExecContext(ctx, releaseWorkerSQL, workerID, workerName); err != nil {
			return fmt.Errorf("release worker: %w", err)
		}
	}
	return tx.Commit()
}

const completeExecutionSQL = `UPDATE executions
	SET status = ?, output_data = COALESCE(?, output_data),
	    error = CASE WHEN ? != '' THEN ? ELSE error END,
	    completed_at = ?
	WHERE engine_execution_id = ? AND status NOT IN ` + terminalStatuses

// releaseWorkerSQL upserts so completion reports for workers the coordinator
// never saw a progress report for still land a row.
const releaseWorkerSQL = `INSERT INTO workers (id, name, status, updated_at)
	VALUES (?, ?, 'available', CURRENT_TIMESTAMP)
	ON CONFLICT(id) DO UPDATE SET status = 'available',
		name = CASE WHEN excluded.name != '' THEN excluded.name ELSE workers.name END,
		updated_at = CURRENT_TIMESTAMP`

func (s *Store) completeSequential(ctx context.Context, engineExecutionID string, status contracts.ExecutionStatus, output json.RawMessage, errText, workerID, workerName, now string) error {
	if _, err := s.db.ExecContext(ctx, completeExecutionSQL,
		string(status), rawOrNil(output), errText, errText, now, engineExecutionID); err != nil {
		return fmt.Errorf("complete execution (degraded): %w", err)
	}
	if workerID != "" {
		if _, err := s.db.ExecContext(ctx, releaseWorkerSQL, workerID, workerName); err != nil {
			// Execution row already updated; surface the partial failure
			// rather than hiding it.
			s.logger.Warn("degraded completion left worker status stale",
				"executionId", engineExecutionID, "workerId", workerID, "error", err)
			return fmt.Errorf("release worker (degraded, execution already updated): %w", err)
		}
	}
	return nil
}

// SetExecutionStatusByEngineID sets a non-terminal execution's status, keyed
// by the engine's execution id. Terminal rows are left untouched.
func (s *Store) SetExecutionStatusByEngineID(ctx context.Context, engineExecutionID string, status contracts.ExecutionStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ? WHERE engine_execution_id = ? AND status NOT IN `+terminalStatuses,
		string(status), engineExecutionID)
	if err != nil {
		return false, fmt.Errorf("set execution status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetExecution returns the execution with the given internal id, joined with
// its workflow's display name.
func (s *Store) GetExecution(ctx context.Context, id string) (*contracts.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+`, COALESCE(w.name, '')
		 FROM executions e LEFT JOIN workflows w ON w.id = e.workflow_id
		 WHERE e.id = ?`, id)
	return scanExecution(row, true)
}

// GetExecutionByEngineID returns the execution with the given engine id.
func (s *Store) GetExecutionByEngineID(ctx context.Context, engineExecutionID string) (*contracts.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions e WHERE e.engine_execution_id = ?`,
		engineExecutionID)
	return scanExecution(row, false)
}

func scanExecution(row *sql.Row, withWorkflowName bool) (*contracts.Execution, error) {
	var e contracts.Execution
	var started string
	var completed, output sql.NullString

	dest := []any{&e.ID, &e.EngineExecutionID, &e.WorkflowID, &e.WorkerID, &e.Status,
		&e.CurrentStepIndex, &e.CurrentStepName, &started, &completed, &output, &e.Error}
	if withWorkflowName {
		dest = append(dest, &e.WorkflowName)
	}

	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}

	if t, err := time.Parse(time.RFC3339Nano, started); err == nil {
		e.StartedAt = t
	}
	if completed.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completed.String); err == nil {
			e.CompletedAt = &t
		}
	}
	if output.Valid && output.String != "" {
		e.OutputData = json.RawMessage(output.String)
	}
	return &e, nil
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
