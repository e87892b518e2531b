// Package audit records the coordinator's activity log: one append-only
// entry per state transition, shared by every component.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/operonlabs/conductor/pkg/contracts"
	"github.com/operonlabs/conductor/pkg/store"
)

// Logger records activity entries. Recording failures must never fail the
// operation being audited; implementations log and continue.
type Logger interface {
	Record(ctx context.Context, entry contracts.ActivityEntry)
}

// StoreLogger appends entries to the hash-chained activity log in the store.
type StoreLogger struct {
	store  *store.Store
	logger *slog.Logger
}

// NewStoreLogger creates a store-backed activity logger.
func NewStoreLogger(s *store.Store) *StoreLogger {
	return &StoreLogger{
		store:  s,
		logger: slog.Default().With("component", "audit"),
	}
}

func (l *StoreLogger) Record(ctx context.Context, entry contracts.ActivityEntry) {
	if _, err := l.store.AppendActivity(ctx, &entry); err != nil {
		l.logger.Warn("activity append failed",
			"type", entry.Type, "executionId", entry.ExecutionID, "error", err)
	}
}

// WriterLogger writes entries as JSON lines; used in tests and as a fallback
// sink when no store is configured.
type WriterLogger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewWriterLogger creates a Logger writing to w, defaulting to stdout.
func NewWriterLogger(w io.Writer) *WriterLogger {
	if w == nil {
		w = os.Stdout
	}
	return &WriterLogger{writer: w}
}

func (l *WriterLogger) Record(_ context.Context, entry contracts.ActivityEntry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_, _ = l.writer.Write(append(append([]byte("ACTIVITY: "), data...), '\n'))
}

// NopLogger discards entries.
type NopLogger struct{}

func (NopLogger) Record(context.Context, contracts.ActivityEntry) {}
