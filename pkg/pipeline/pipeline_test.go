package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pacecraft/enrichment/pkg/storage"
	"github.com/pacecraft/enrichment/pkg/types"
)

// fakeStore embeds storage.Store (left nil) and overrides only the methods
// Process actually calls on the happy/unhappy paths exercised here, so the
// test doesn't need to hand-write every aggregate's persistence method.
type fakeStore struct {
	storage.Store

	activity      *types.Activity
	savedID       uuid.UUID
	saveWasCalled bool
}

func (f *fakeStore) GetActivity(ctx context.Context, id uuid.UUID) (*types.Activity, error) {
	if f.activity == nil {
		return nil, storage.ErrNotFound
	}
	return f.activity, nil
}

func (f *fakeStore) SaveEnrichmentData(ctx context.Context, id uuid.UUID, streamsJSON, lapsJSON []byte, polyline string, fetchedAt time.Time) error {
	f.savedID = id
	f.saveWasCalled = true
	return nil
}

func TestPipelineProcessFailsFastWhenActivityMissing(t *testing.T) {
	store := &fakeStore{}
	p := New(store, nil, nil, nil, nil)

	item := &types.EnrichmentQueueItem{ActivityID: uuid.New(), UserID: uuid.New()}
	err := p.Process(context.Background(), item)

	require.Error(t, err)
	assert.False(t, store.saveWasCalled, "a missing activity must never reach the stream-fetch stages")
}
