package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pacecraft/enrichment/pkg/types"
)

type fakeQueueStore struct {
	items map[uuid.UUID]*types.EnrichmentQueueItem

	lastNextAttempt time.Time
	lastPermanent   bool
}

func newFakeQueueStore() *fakeQueueStore {
	return &fakeQueueStore{items: map[uuid.UUID]*types.EnrichmentQueueItem{}}
}

func (f *fakeQueueStore) Enqueue(ctx context.Context, item *types.EnrichmentQueueItem) (bool, error) {
	for _, existing := range f.items {
		if existing.ActivityID == item.ActivityID &&
			(existing.Status == types.QueueStatusPending || existing.Status == types.QueueStatusInProgress) {
			return false, nil
		}
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	f.items[item.ID] = item
	return true, nil
}

func (f *fakeQueueStore) ListStaleInProgress(ctx context.Context, olderThan time.Duration) ([]*types.EnrichmentQueueItem, error) {
	return nil, nil
}

func (f *fakeQueueStore) DeleteByActivity(ctx context.Context, activityID uuid.UUID) error {
	for id, item := range f.items {
		if item.ActivityID == activityID && item.Status == types.QueueStatusPending {
			delete(f.items, id)
		}
	}
	return nil
}

func (f *fakeQueueStore) UsersWithPendingWork(ctx context.Context) ([]uuid.UUID, error) {
	seen := map[uuid.UUID]bool{}
	var users []uuid.UUID
	for _, item := range f.items {
		if item.Status == types.QueueStatusPending && !seen[item.UserID] {
			seen[item.UserID] = true
			users = append(users, item.UserID)
		}
	}
	return users, nil
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

func (f *fakeQueueStore) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	f.items[id].Status = types.QueueStatusCompleted
	return nil
}

func (f *fakeQueueStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextAttempt time.Time, permanent bool) error {
	item := f.items[id]
	item.LastError = errMsg
	item.Attempts++
	item.NextAttempt = nextAttempt
	f.lastNextAttempt = nextAttempt
	f.lastPermanent = permanent
	if permanent {
		item.Status = types.QueueStatusFailed
	} else {
		item.Status = types.QueueStatusPending
	}
	return nil
}

func (f *fakeQueueStore) CountByStatus(ctx context.Context) (map[types.QueueStatus]int, error) {
	counts := map[types.QueueStatus]int{}
	for _, item := range f.items {
		counts[item.Status]++
	}
	return counts, nil
}

func (f *fakeQueueStore) OldestPendingAge(ctx context.Context) (time.Duration, bool, error) {
	return 0, false, nil
}

func (f *fakeQueueStore) GetCursor(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeQueueStore) SetCursor(ctx context.Context, index int) error { return nil }

func TestQueueFailBackoff(t *testing.T) {
	cases := []struct {
		attemptsBefore int
		wantPermanent  bool
		wantDelay      time.Duration
	}{
		{0, false, 30 * time.Second},
		{1, false, 60 * time.Second},
		{2, true, 0},
	}

	for _, tc := range cases {
		store := newFakeQueueStore()
		q := New(store)
		item := &types.EnrichmentQueueItem{ID: uuid.New(), ActivityID: uuid.New(), Attempts: tc.attemptsBefore}
		store.items[item.ID] = item

		before := time.Now()
		err := q.Fail(context.Background(), item, errors.New("boom"))

		if tc.wantPermanent {
			assert.ErrorIs(t, err, ErrPermanentFailure)
			assert.Equal(t, types.QueueStatusFailed, item.Status)
		} else {
			require.NoError(t, err)
			assert.Equal(t, types.QueueStatusPending, item.Status)
			assert.WithinDuration(t, before.Add(tc.wantDelay), item.NextAttempt, 2*time.Second)
		}
	}
}

func TestQueueEnqueueAndCancel(t *testing.T) {
	store := newFakeQueueStore()
	q := New(store)
	activityID := uuid.New()
	userID := uuid.New()

	inserted, err := q.Enqueue(context.Background(), activityID, userID, 5)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Len(t, store.items, 1)

	require.NoError(t, q.Cancel(context.Background(), activityID))
	assert.Empty(t, store.items)
}

func TestQueueClaimBatchRespectsLimit(t *testing.T) {
	store := newFakeQueueStore()
	q := New(store)
	userID := uuid.New()
	for i := 0; i < 5; i++ {
		id := uuid.New()
		store.items[id] = &types.EnrichmentQueueItem{ID: id, UserID: userID, Status: types.QueueStatusPending}
	}

	claimed, err := q.ClaimBatch(context.Background(), userID, 3)
	require.NoError(t, err)
	assert.Len(t, claimed, 3)
}
