// Package queue implements the persistent enrichment work queue: enqueueing
// activities for enrichment and recording the outcome of each attempt with
// exponential backoff.
package queue

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/pacecraft/enrichment/pkg/log"
	"github.com/pacecraft/enrichment/pkg/metrics"
	"github.com/pacecraft/enrichment/pkg/storage"
	"github.com/pacecraft/enrichment/pkg/types"
)

// MaxAttempts is the number of failed attempts a queue item tolerates before
// it is marked FAILED permanently rather than rescheduled.
const MaxAttempts = 3

// baseBackoffSeconds is the delay before the first retry; subsequent retries
// double it: 30s after attempt 1, 60s after attempt 2. With MaxAttempts at 3
// the third failure is permanent and gets no retry.
const baseBackoffSeconds = 30

// ErrPermanentFailure is returned by MarkFailed when the item has exhausted
// its retry budget and has been moved to FAILED.
var ErrPermanentFailure = errors.New("queue: item permanently failed")

// Queue wraps a storage.QueueStore with enqueue and outcome-recording
// behavior, including backoff scheduling.
type Queue struct {
	store storage.QueueStore
}

// New creates a Queue backed by store.
func New(store storage.QueueStore) *Queue {
	return &Queue{store: store}
}

// Enqueue adds activityID to the queue for userID at the given priority
// (0 = highest, the default). It is safe to call repeatedly for the same
// activity: the unique non-terminal index on the queue table keeps at most
// one active item per activity, so this reports whether it actually
// inserted a new row or found one already in flight.
func (q *Queue) Enqueue(ctx context.Context, activityID, userID uuid.UUID, priority int) (bool, error) {
	item := &types.EnrichmentQueueItem{
		ActivityID: activityID,
		UserID:     userID,
		Priority:   priority,
		Status:     types.QueueStatusPending,
	}
	inserted, err := q.store.Enqueue(ctx, item)
	if err != nil {
		return false, err
	}
	if inserted {
		log.WithActivityID(activityID.String()).Info().
			Str("user_id", userID.String()).
			Int("priority", priority).
			Msg("activity enqueued for enrichment")
	}
	return inserted, nil
}

// Cancel removes any still-pending queue item for activityID, e.g. when an
// upstream webhook reports the activity was deleted before it was processed.
func (q *Queue) Cancel(ctx context.Context, activityID uuid.UUID) error {
	return q.store.DeleteByActivity(ctx, activityID)
}

// ClaimBatch claims up to limit PENDING items for userID, transitioning them
// to IN_PROGRESS.
func (q *Queue) ClaimBatch(ctx context.Context, userID uuid.UUID, limit int) ([]*types.EnrichmentQueueItem, error) {
	return q.store.ClaimForUser(ctx, userID, limit)
}

// Complete marks item as COMPLETED.
func (q *Queue) Complete(ctx context.Context, itemID uuid.UUID) error {
	metrics.ItemsProcessedTotal.WithLabelValues("completed").Inc()
	return q.store.MarkCompleted(ctx, itemID)
}

// Fail records a failed attempt for item. If attempts remain it reschedules
// the item PENDING with exponential backoff; once attempts are exhausted it
// is marked FAILED and ErrPermanentFailure is returned (the item itself is
// still updated; the error only signals the caller that no further retry
// will happen).
func (q *Queue) Fail(ctx context.Context, item *types.EnrichmentQueueItem, cause error) error {
	attempts := item.Attempts + 1
	permanent := attempts >= MaxAttempts

	var nextAttempt time.Time
	if !permanent {
		delay := time.Duration(baseBackoffSeconds*math.Pow(2, float64(attempts-1))) * time.Second
		nextAttempt = time.Now().Add(delay)
		log.WithActivityID(item.ActivityID.String()).Info().
			Int("attempt", attempts).
			Int("max_attempts", MaxAttempts).
			Dur("retry_in", delay).
			Err(cause).
			Msg("enrichment attempt failed, rescheduling")
	} else {
		log.WithActivityID(item.ActivityID.String()).Warn().
			Int("attempts", attempts).
			Err(cause).
			Msg("enrichment failed permanently")
	}

	if err := q.store.MarkFailed(ctx, item.ID, cause.Error(), nextAttempt, permanent); err != nil {
		return err
	}

	if permanent {
		metrics.ItemsProcessedTotal.WithLabelValues("failed_permanent").Inc()
		return ErrPermanentFailure
	}
	metrics.ItemsProcessedTotal.WithLabelValues("failed_retry").Inc()
	return nil
}

// ListStale returns IN_PROGRESS items older than olderThan, so a reaper can
// revert them to PENDING.
func (q *Queue) ListStale(ctx context.Context, olderThan time.Duration) ([]*types.EnrichmentQueueItem, error) {
	return q.store.ListStaleInProgress(ctx, olderThan)
}

// UsersWithPendingWork lists user IDs with at least one ready PENDING item,
// ordered for round-robin scheduling (priority then age).
func (q *Queue) UsersWithPendingWork(ctx context.Context) ([]uuid.UUID, error) {
	return q.store.UsersWithPendingWork(ctx)
}

// Status is a point-in-time snapshot of the queue's depth by status plus the
// age of the oldest pending item.
type Status struct {
	Depth            map[types.QueueStatus]int
	OldestPendingAge time.Duration
	HasPending       bool
}

// Snapshot returns the current queue status, also publishing it to the
// queue depth gauge.
func (q *Queue) Snapshot(ctx context.Context) (Status, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return Status{}, err
	}
	for status, n := range counts {
		metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}

	age, has, err := q.store.OldestPendingAge(ctx)
	if err != nil {
		return Status{}, err
	}

	return Status{Depth: counts, OldestPendingAge: age, HasPending: has}, nil
}
