package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/operonlabs/conductor/pkg/contracts"
	"github.com/operonlabs/conductor/pkg/store"
)

func TestStoreLoggerRecordsEntries(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "logger_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	l := NewStoreLogger(s)
	ctx := context.Background()

	l.Record(ctx, contracts.ActivityEntry{
		Type:        contracts.ActivityExecutionProgress,
		ExecutionID: "e1",
		Message:     "step advanced",
	})

	entries, err := s.QueryActivity(ctx, store.ActivityFilter{ExecutionID: "e1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, contracts.ActivityExecutionProgress, entries[0].Type)
	require.Equal(t, "step advanced", entries[0].Message)
}

func TestWriterLoggerEmitsParseableLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf)

	l.Record(context.Background(), contracts.ActivityEntry{
		Type:        contracts.ActivityReviewRequested,
		ExecutionID: "e2",
	})
	l.Record(context.Background(), contracts.ActivityEntry{
		Type:        contracts.ActivityReviewCompleted,
		ExecutionID: "e2",
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		require.True(t, strings.HasPrefix(line, "ACTIVITY: "))
		var entry contracts.ActivityEntry
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "ACTIVITY: ")), &entry))
		require.NotEmpty(t, entry.ID)
		require.False(t, entry.CreatedAt.IsZero())
		require.Equal(t, "e2", entry.ExecutionID)
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	NopLogger{}.Record(context.Background(), contracts.ActivityEntry{Type: contracts.ActivityExecutionFailed})
}
