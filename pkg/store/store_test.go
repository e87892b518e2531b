package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/operonlabs/conductor/pkg/contracts"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "conductor_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func intPtr(n int) *int { return &n }

func TestUpsertProgressFirstReportCreates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exec, created, err := s.UpsertProgress(ctx, contracts.ProgressReport{
		EngineExecutionID: "eng-1",
		WorkflowID:        "wf-1",
		Status:            contracts.ExecutionRunning,
		CurrentStepName:   "fetch",
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NotEmpty(t, exec.ID)
	require.Equal(t, "eng-1", exec.EngineExecutionID)
	require.Equal(t, contracts.ExecutionRunning, exec.Status)
	require.Equal(t, 0, exec.CurrentStepIndex)
	require.False(t, exec.StartedAt.IsZero())
	require.Nil(t, exec.CompletedAt)
}

func TestUpsertProgressAdvancesStep(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.UpsertProgress(ctx, contracts.ProgressReport{
		EngineExecutionID: "eng-2",
		Status:            contracts.ExecutionRunning,
	})
	require.NoError(t, err)

	exec, created, err := s.UpsertProgress(ctx, contracts.ProgressReport{
		EngineExecutionID: "eng-2",
		Status:            contracts.ExecutionRunning,
		CurrentStepIndex:  intPtr(3),
		CurrentStepName:   "transform",
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, 3, exec.CurrentStepIndex)
	require.Equal(t, "transform", exec.CurrentStepName)
}

func TestUpsertProgressRejectsTerminalExecution(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.UpsertProgress(ctx, contracts.ProgressReport{
		EngineExecutionID: "eng-3",
		Status:            contracts.ExecutionRunning,
	})
	require.NoError(t, err)

	require.NoError(t, s.CompleteExecution(ctx, "eng-3", contracts.ExecutionCompleted,
		json.RawMessage(`{"ok":true}`), "", "", ""))

	_, _, err = s.UpsertProgress(ctx, contracts.ProgressReport{
		EngineExecutionID: "eng-3",
		Status:            contracts.ExecutionRunning,
	})
	require.ErrorIs(t, err, ErrTerminalExecution)

	// The completed record is untouched.
	exec, err := s.GetExecutionByEngineID(ctx, "eng-3")
	require.NoError(t, err)
	require.Equal(t, contracts.ExecutionCompleted, exec.Status)
	require.JSONEq(t, `{"ok":true}`, string(exec.OutputData))
}

func TestCompleteExecutionIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertWorker(ctx, "worker-1", "agent", "busy"))
	_, _, err := s.UpsertProgress(ctx, contracts.ProgressReport{
		EngineExecutionID: "eng-4",
		WorkerID:          "worker-1",
		Status:            contracts.ExecutionRunning,
	})
	require.NoError(t, err)

	err = s.CompleteExecution(ctx, "eng-4", contracts.ExecutionCompleted,
		json.RawMessage(`{"value":42}`), "", "worker-1", "")
	require.NoError(t, err)

	// Duplicate delivery: same semantic outcome, no error.
	err = s.CompleteExecution(ctx, "eng-4", contracts.ExecutionCompleted,
		json.RawMessage(`{"value":42}`), "", "worker-1", "")
	require.NoError(t, err)

	exec, err := s.GetExecutionByEngineID(ctx, "eng-4")
	require.NoError(t, err)
	require.Equal(t, contracts.ExecutionCompleted, exec.Status)
	require.NotNil(t, exec.CompletedAt)

	status, err := s.WorkerStatus(ctx, "worker-1")
	require.NoError(t, err)
	require.Equal(t, "available", status)
}

func TestCompleteExecutionDoesNotOverwriteFirstOutcome(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.UpsertProgress(ctx, contracts.ProgressReport{
		EngineExecutionID: "eng-5",
		Status:            contracts.ExecutionRunning,
	})
	require.NoError(t, err)

	require.NoError(t, s.CompleteExecution(ctx, "eng-5", contracts.ExecutionFailed,
		nil, "boom", "", ""))
	// A late completed report loses against the recorded failure.
	require.NoError(t, s.CompleteExecution(ctx, "eng-5", contracts.ExecutionCompleted,
		json.RawMessage(`{"late":true}`), "", "", ""))

	exec, err := s.GetExecutionByEngineID(ctx, "eng-5")
	require.NoError(t, err)
	require.Equal(t, contracts.ExecutionFailed, exec.Status)
	require.Equal(t, "boom", exec.Error)
	require.Empty(t, exec.OutputData)
}

func TestUpsertProgressMirrorsWorkflowAndWorker(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.UpsertProgress(ctx, contracts.ProgressReport{
		EngineExecutionID: "eng-6",
		WorkflowID:        "wf-6",
		WorkerID:          "worker-6",
		Status:            contracts.ExecutionRunning,
	})
	require.NoError(t, err)

	// The worker row exists and is held busy while the execution runs.
	status, err := s.WorkerStatus(ctx, "worker-6")
	require.NoError(t, err)
	require.Equal(t, "busy", status)

	// Completion releases the worker and records its name.
	require.NoError(t, s.CompleteExecution(ctx, "eng-6", contracts.ExecutionCompleted,
		nil, "", "worker-6", "crawler"))
	status, err = s.WorkerStatus(ctx, "worker-6")
	require.NoError(t, err)
	require.Equal(t, "available", status)

	// The mirrored workflow row backs the name join once a name is set.
	require.NoError(t, s.UpsertWorkflow(ctx, "wf-6", "Nightly Crawl"))
	exec, err := s.GetExecutionByEngineID(ctx, "eng-6")
	require.NoError(t, err)
	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, "Nightly Crawl", got.WorkflowName)
}

func TestCompleteExecutionCreatesWorkerRowWhenUnseen(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.UpsertProgress(ctx, contracts.ProgressReport{
		EngineExecutionID: "eng-7",
		Status:            contracts.ExecutionRunning,
	})
	require.NoError(t, err)

	// No progress report ever named this worker; the release still lands.
	require.NoError(t, s.CompleteExecution(ctx, "eng-7", contracts.ExecutionCompleted,
		nil, "", "worker-7", "batch-agent"))

	status, err := s.WorkerStatus(ctx, "worker-7")
	require.NoError(t, err)
	require.Equal(t, "available", status)
}

func TestGetExecutionJoinsWorkflowName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertWorkflow(ctx, "wf-9", "Invoice Intake"))
	exec, _, err := s.UpsertProgress(ctx, contracts.ProgressReport{
		EngineExecutionID: "eng-9",
		WorkflowID:        "wf-9",
		Status:            contracts.ExecutionRunning,
	})
	require.NoError(t, err)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, "Invoice Intake", got.WorkflowName)

	_, err = s.GetExecution(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func newPendingReview(engineExecID, stepID string, expiresIn time.Duration) *contracts.ReviewRequest {
	now := time.Now().UTC()
	return &contracts.ReviewRequest{
		ID:                uuid.New().String(),
		EngineExecutionID: engineExecID,
		StepID:            stepID,
		StepLabel:         "Approve payment",
		ReviewType:        contracts.ReviewTypeApproval,
		Status:            contracts.ReviewPending,
		Payload:           json.RawMessage(`{"amount":100}`),
		ResumeURL:         "http://engine/webhook-waiting/" + engineExecID + "/review-" + stepID,
		CreatedAt:         now,
		ExpiresAt:         now.Add(expiresIn),
	}
}

func TestCreateReviewSuppressesDuplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.UpsertProgress(ctx, contracts.ProgressReport{
		EngineExecutionID: "eng-10",
		Status:            contracts.ExecutionRunning,
	})
	require.NoError(t, err)

	first := newPendingReview("eng-10", "step-1", time.Hour)
	created, existed, err := s.CreateReview(ctx, first)
	require.NoError(t, err)
	require.False(t, existed)
	require.Equal(t, first.ID, created.ID)

	// Redelivery for the same (execution, step) pair returns the original.
	dup := newPendingReview("eng-10", "step-1", time.Hour)
	got, existed, err := s.CreateReview(ctx, dup)
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, first.ID, got.ID)

	// A different step gets its own review.
	other := newPendingReview("eng-10", "step-2", time.Hour)
	_, existed, err = s.CreateReview(ctx, other)
	require.NoError(t, err)
	require.False(t, existed)

	// The execution is suspended while reviews are open.
	exec, err := s.GetExecutionByEngineID(ctx, "eng-10")
	require.NoError(t, err)
	require.Equal(t, contracts.ExecutionWaitingReview, exec.Status)
}

func TestResolveReviewAppliesDecisionOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	review := newPendingReview("eng-11", "step-1", time.Hour)
	_, _, err := s.CreateReview(ctx, review)
	require.NoError(t, err)

	decided, err := s.ResolveReview(ctx, contracts.ReviewDecision{
		ReviewID:   review.ID,
		Status:     contracts.ReviewApproved,
		Feedback:   "looks right",
		ReviewerID: "alice",
	}, time.Now())
	require.NoError(t, err)
	require.Equal(t, contracts.ReviewApproved, decided.Status)
	require.Equal(t, "looks right", decided.Feedback)
	require.Equal(t, "alice", decided.ReviewerID)
	require.NotNil(t, decided.DecidedAt)

	// A second decision loses; the first stands.
	again, err := s.ResolveReview(ctx, contracts.ReviewDecision{
		ReviewID: review.ID,
		Status:   contracts.ReviewRejected,
	}, time.Now())
	require.ErrorIs(t, err, ErrReviewNotPending)
	require.Equal(t, contracts.ReviewApproved, again.Status)
}

func TestResolveReviewKeepsEditedPayload(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	review := newPendingReview("eng-12", "step-1", time.Hour)
	_, _, err := s.CreateReview(ctx, review)
	require.NoError(t, err)

	decided, err := s.ResolveReview(ctx, contracts.ReviewDecision{
		ReviewID:      review.ID,
		Status:        contracts.ReviewEdited,
		EditedPayload: json.RawMessage(`{"amount":90}`),
	}, time.Now())
	require.NoError(t, err)
	require.Equal(t, contracts.ReviewEdited, decided.Status)
	require.JSONEq(t, `{"amount":90}`, string(decided.EditedPayload))
	require.JSONEq(t, `{"amount":100}`, string(decided.Payload))
}

func TestAppendReviewChat(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	review := newPendingReview("eng-13", "step-1", time.Hour)
	_, _, err := s.CreateReview(ctx, review)
	require.NoError(t, err)

	require.NoError(t, s.AppendReviewChat(ctx, review.ID, contracts.ChatMessage{
		Role: "reviewer", Content: "needs a smaller amount", Timestamp: time.Now().UTC(),
	}))
	require.NoError(t, s.AppendReviewChat(ctx, review.ID, contracts.ChatMessage{
		Role: "system", Content: "adjusted", Timestamp: time.Now().UTC(),
	}))

	got, err := s.GetReview(ctx, review.ID)
	require.NoError(t, err)
	require.Len(t, got.ChatHistory, 2)
	require.Equal(t, "reviewer", got.ChatHistory[0].Role)

	require.ErrorIs(t, s.AppendReviewChat(ctx, "missing", contracts.ChatMessage{
		Role: "reviewer", Content: "lost",
	}), ErrNotFound)
}

func TestAppendReviewChatConcurrentAppendsKeepEveryMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	review := newPendingReview("eng-15", "step-1", time.Hour)
	_, _, err := s.CreateReview(ctx, review)
	require.NoError(t, err)

	const writers = 10
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs[n] = s.AppendReviewChat(ctx, review.ID, contracts.ChatMessage{
				Role:      "reviewer",
				Content:   fmt.Sprintf("note %d", n),
				Timestamp: time.Now().UTC(),
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetReview(ctx, review.ID)
	require.NoError(t, err)
	require.Len(t, got.ChatHistory, writers)

	seen := make(map[string]bool, writers)
	for _, msg := range got.ChatHistory {
		seen[msg.Content] = true
	}
	require.Len(t, seen, writers)
}

func TestExpireReviewsFailsOwningExecutions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.UpsertProgress(ctx, contracts.ProgressReport{
		EngineExecutionID: "eng-14",
		Status:            contracts.ExecutionRunning,
	})
	require.NoError(t, err)

	stale := newPendingReview("eng-14", "step-1", -time.Minute)
	_, _, err = s.CreateReview(ctx, stale)
	require.NoError(t, err)

	fresh := newPendingReview("eng-15", "step-1", time.Hour)
	_, _, err = s.CreateReview(ctx, fresh)
	require.NoError(t, err)

	expired, staleExecs, err := s.ExpireReviews(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, stale.ID, expired[0].ID)
	require.Equal(t, 1, staleExecs)

	got, err := s.GetReview(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.ReviewExpired, got.Status)

	exec, err := s.GetExecutionByEngineID(ctx, "eng-14")
	require.NoError(t, err)
	require.Equal(t, contracts.ExecutionFailed, exec.Status)
	require.Equal(t, "review expired without a decision", exec.Error)

	untouched, err := s.GetReview(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.ReviewPending, untouched.Status)
}

func TestExpireReviewsSkipsDecidedReviews(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	review := newPendingReview("eng-16", "step-1", -time.Minute)
	_, _, err := s.CreateReview(ctx, review)
	require.NoError(t, err)

	// The decision lands before the sweep.
	_, err = s.ResolveReview(ctx, contracts.ReviewDecision{
		ReviewID: review.ID,
		Status:   contracts.ReviewApproved,
	}, time.Now())
	require.NoError(t, err)

	expired, staleExecs, err := s.ExpireReviews(ctx, time.Now())
	require.NoError(t, err)
	require.Empty(t, expired)
	require.Zero(t, staleExecs)

	got, err := s.GetReview(ctx, review.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.ReviewApproved, got.Status)
}

func TestReviewStatusCountsAndExpiringSoon(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	soon := newPendingReview("eng-17", "step-1", 2*time.Hour)
	_, _, err := s.CreateReview(ctx, soon)
	require.NoError(t, err)

	later := newPendingReview("eng-18", "step-1", 96*time.Hour)
	_, _, err = s.CreateReview(ctx, later)
	require.NoError(t, err)

	decided := newPendingReview("eng-19", "step-1", time.Hour)
	_, _, err = s.CreateReview(ctx, decided)
	require.NoError(t, err)
	_, err = s.ResolveReview(ctx, contracts.ReviewDecision{
		ReviewID: decided.ID, Status: contracts.ReviewRejected,
	}, time.Now())
	require.NoError(t, err)

	counts, err := s.ReviewStatusCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[contracts.ReviewPending])
	require.Equal(t, 1, counts[contracts.ReviewRejected])

	n, err := s.CountReviewsExpiringWithin(ctx, time.Now(), 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestActivityChainLinksAndVerifies(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.AppendActivity(ctx, &contracts.ActivityEntry{
		Type:        contracts.ActivityExecutionProgress,
		ExecutionID: "eng-20",
		Message:     "step 1 running",
		Payload:     json.RawMessage(`{"step":1}`),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), first.Sequence)
	require.Equal(t, "genesis", first.PrevHash)
	require.NotEmpty(t, first.EntryHash)

	second, err := s.AppendActivity(ctx, &contracts.ActivityEntry{
		Type:        contracts.ActivityExecutionCompleted,
		ExecutionID: "eng-20",
		Message:     "done",
	})
	require.NoError(t, err)
	require.Equal(t, uint64(2), second.Sequence)
	require.Equal(t, first.EntryHash, second.PrevHash)

	require.NoError(t, s.VerifyActivityChain(ctx))
}

func TestActivityPayloadHashIsCanonical(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, err := s.AppendActivity(ctx, &contracts.ActivityEntry{
		Type:    contracts.ActivityExecutionProgress,
		Payload: json.RawMessage(`{"b":2,"a":1}`),
	})
	require.NoError(t, err)
	b, err := s.AppendActivity(ctx, &contracts.ActivityEntry{
		Type:    contracts.ActivityExecutionProgress,
		Payload: json.RawMessage(`{"a":1,"b":2}`),
	})
	require.NoError(t, err)
	require.Equal(t, a.PayloadHash, b.PayloadHash)
}

func TestQueryActivityFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.AppendActivity(ctx, &contracts.ActivityEntry{
			Type:        contracts.ActivityExecutionProgress,
			ExecutionID: "eng-21",
			Message:     "tick",
		})
		require.NoError(t, err)
	}
	_, err := s.AppendActivity(ctx, &contracts.ActivityEntry{
		Type:        contracts.ActivityReviewRequested,
		ExecutionID: "eng-22",
		Message:     "review",
	})
	require.NoError(t, err)

	entries, err := s.QueryActivity(ctx, ActivityFilter{ExecutionID: "eng-21"})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Newest first.
	require.Greater(t, entries[0].Sequence, entries[1].Sequence)

	entries, err = s.QueryActivity(ctx, ActivityFilter{Type: contracts.ActivityReviewRequested})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entries, err = s.QueryActivity(ctx, ActivityFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
}
