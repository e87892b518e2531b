package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/operonlabs/conductor/pkg/contracts"
)

// When the driver cannot open a transaction, completion degrades to two
// sequential writes instead of failing the engine's callback outright.
func TestCompleteExecutionDegradesWithoutTransactions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS workflows").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s, err := New(db)
	require.NoError(t, err)

	// No ExpectBegin: BeginTx fails and the sequential path runs.
	mock.ExpectExec("UPDATE executions").
		WithArgs("completed", `{"done":true}`, "", "", sqlmock.AnyArg(), "eng-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO workers").
		WithArgs("worker-1", "agent").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = s.CompleteExecution(context.Background(), "eng-1",
		contracts.ExecutionCompleted, json.RawMessage(`{"done":true}`), "", "worker-1", "agent")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// If the second sequential write fails, the partial failure surfaces instead
// of being swallowed.
func TestCompleteExecutionDegradedPartialFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS workflows").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s, err := New(db)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE executions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO workers").
		WillReturnError(context.DeadlineExceeded)

	err = s.CompleteExecution(context.Background(), "eng-2",
		contracts.ExecutionFailed, nil, "boom", "worker-2", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "execution already updated")
}
