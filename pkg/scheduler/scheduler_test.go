package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pacecraft/enrichment/pkg/queue"
	"github.com/pacecraft/enrichment/pkg/types"
)

type fakeQueueStore struct {
	items  map[uuid.UUID]*types.EnrichmentQueueItem
	users  []uuid.UUID
	cursor int
}

func (f *fakeQueueStore) Enqueue(ctx context.Context, item *types.EnrichmentQueueItem) (bool, error) {
	return true, nil
}

func (f *fakeQueueStore) ListStaleInProgress(ctx context.Context, olderThan time.Duration) ([]*types.EnrichmentQueueItem, error) {
	return nil, nil
}
func (f *fakeQueueStore) DeleteByActivity(ctx context.Context, activityID uuid.UUID) error {
	return nil
}
func (f *fakeQueueStore) UsersWithPendingWork(ctx context.Context) ([]uuid.UUID, error) {
	return f.users, nil
}
func (f *fakeQueueStore) ClaimForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*types.EnrichmentQueueItem, error) {
	var claimed []*types.EnrichmentQueueItem
	for _, item := range f.items {
		if len(claimed) >= limit {
			break
		}
		if item.UserID == userID && item.Status == types.QueueStatusPending {
			item.Status = types.QueueStatusInProgress
			claimed = append(claimed, item)
		}
	}
	return claimed, nil
}
func (f *fakeQueueStore) MarkCompleted(ctx context.Context, id uuid.UUID) error { return nil }
func (f *fakeQueueStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextAttempt time.Time, permanent bool) error {
	return nil
}
func (f *fakeQueueStore) CountByStatus(ctx context.Context) (map[types.QueueStatus]int, error) {
	return nil, nil
}
func (f *fakeQueueStore) OldestPendingAge(ctx context.Context) (time.Duration, bool, error) {
	return 0, false, nil
}
func (f *fakeQueueStore) GetCursor(ctx context.Context) (int, error) { return f.cursor, nil }
func (f *fakeQueueStore) SetCursor(ctx context.Context, index int) error {
	f.cursor = index
	return nil
}

type noopProcessor struct{}

func (noopProcessor) Process(ctx context.Context, item *types.EnrichmentQueueItem) error {
	return nil
}

func newTestScheduler(store *fakeQueueStore) *Scheduler {
	cfg := Config{ItemsPerUserPerCycle: 1, BatchSize: 10, WorkerPoolSize: 2, CycleInterval: time.Hour}
	return New(cfg, queue.New(store), store, noopProcessor{}, nil)
}

func TestSchedulerCycleRotatesCursor(t *testing.T) {
	userA, userB, userC := uuid.New(), uuid.New(), uuid.New()
	store := &fakeQueueStore{
		users: []uuid.UUID{userA, userB, userC},
		items: map[uuid.UUID]*types.EnrichmentQueueItem{},
	}
	for _, u := range []uuid.UUID{userA, userB, userC} {
		id := uuid.New()
		store.items[id] = &types.EnrichmentQueueItem{ID: id, UserID: u, Status: types.QueueStatusPending}
	}

	sched := newTestScheduler(store)

	require.NoError(t, sched.cycle())
	assert.Equal(t, 0, store.cursor, "cursor wraps back to 0 after a full rotation through every user")
}

func TestSchedulerCycleStartsFromPersistedCursor(t *testing.T) {
	userA, userB := uuid.New(), uuid.New()
	idA, idB := uuid.New(), uuid.New()
	store := &fakeQueueStore{
		users:  []uuid.UUID{userA, userB},
		cursor: 1,
		items: map[uuid.UUID]*types.EnrichmentQueueItem{
			idA: {ID: idA, UserID: userA, Status: types.QueueStatusPending},
			idB: {ID: idB, UserID: userB, Status: types.QueueStatusPending},
		},
	}

	sched := newTestScheduler(store)
	require.NoError(t, sched.cycle())

	// both users ought to be served starting from userB, wrapping to userA;
	// cursor should land back at (1+2)%2 == 1.
	assert.Equal(t, 1, store.cursor)
	assert.Equal(t, types.QueueStatusInProgress, store.items[idA].Status)
	assert.Equal(t, types.QueueStatusInProgress, store.items[idB].Status)
}

func TestSchedulerCycleNoPendingUsersIsNoop(t *testing.T) {
	store := &fakeQueueStore{items: map[uuid.UUID]*types.EnrichmentQueueItem{}}
	sched := newTestScheduler(store)
	require.NoError(t, sched.cycle())
	assert.Equal(t, 0, store.cursor)
}
