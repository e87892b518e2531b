// Package reaper expires stale pending reviews so executions never stay
// suspended indefinitely. It is invoked on an external schedule; it does not
// self-schedule.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/operonlabs/conductor/pkg/audit"
	"github.com/operonlabs/conductor/pkg/contracts"
	"github.com/operonlabs/conductor/pkg/store"
)

// RunResult reports one sweep.
type RunResult struct {
	Success             bool   `json:"success"`
	ExpiredReviewCount  int    `json:"expiredReviewCount"`
	StaleExecutionCount int    `json:"staleExecutionCount"`
	Message             string `json:"message"`
}

// StatusResult is the read-only companion report for operational visibility.
type StatusResult struct {
	ReviewStatusCounts map[contracts.ReviewStatus]int `json:"reviewStatusCounts"`
	ExpiringSoon24h    int                            `json:"expiringSoon24h"`
	LastChecked        time.Time                      `json:"lastChecked"`
}

// Reaper sweeps stale reviews.
type Reaper struct {
	store    *store.Store
	activity audit.Logger
	clock    func() time.Time
	logger   *slog.Logger
}

// New creates a reaper.
func New(s *store.Store, activity audit.Logger) *Reaper {
	if activity == nil {
		activity = audit.NopLogger{}
	}
	return &Reaper{
		store:    s,
		activity: activity,
		clock:    time.Now,
		logger:   slog.Default().With("component", "reaper"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Reaper) WithClock(clock func() time.Time) *Reaper {
	r.clock = clock
	return r
}

// Run expires every pending review past its deadline and fails the owning
// executions. A review being decided concurrently loses or wins the race at
// the store's conditional update; either way no decision is overwritten.
func (r *Reaper) Run(ctx context.Context) (*RunResult, error) {
	now := r.clock().UTC()
	expired, staleExecutions, err := r.store.ExpireReviews(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("expire reviews: %w", err)
	}

	for _, review := range expired {
		r.activity.Record(ctx, contracts.ActivityEntry{
			Type:        contracts.ActivityReviewExpired,
			ExecutionID: review.EngineExecutionID,
			StepID:      review.StepID,
			Message:     fmt.Sprintf("review %s expired after %s without a decision", review.ID, now.Sub(review.CreatedAt).Round(time.Minute)),
		})
	}

	if len(expired) > 0 {
		r.logger.Info("reaper sweep finished",
			"expiredReviews", len(expired), "staleExecutions", staleExecutions)
	}

	return &RunResult{
		Success:             true,
		ExpiredReviewCount:  len(expired),
		StaleExecutionCount: staleExecutions,
		Message:             fmt.Sprintf("expired %d reviews, failed %d executions", len(expired), staleExecutions),
	}, nil
}

// Status reports review counts by status and how many pending reviews will
// expire within the next 24 hours.
func (r *Reaper) Status(ctx context.Context) (*StatusResult, error) {
	now := r.clock().UTC()
	counts, err := r.store.ReviewStatusCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("review status counts: %w", err)
	}
	expiringSoon, err := r.store.CountReviewsExpiringWithin(ctx, now, 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("count expiring reviews: %w", err)
	}
	return &StatusResult{
		ReviewStatusCounts: counts,
		ExpiringSoon24h:    expiringSoon,
		LastChecked:        now,
	}, nil
}
