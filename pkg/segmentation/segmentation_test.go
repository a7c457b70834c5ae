package segmentation

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pacecraft/enrichment/pkg/types"
	"github.com/pacecraft/enrichment/pkg/upstream"
)

type fakeSegmentStore struct {
	saved []*types.Segment
}

func (f *fakeSegmentStore) ReplaceSegments(ctx context.Context, activityID uuid.UUID, segments []*types.Segment) error {
	f.saved = segments
	return nil
}

func (f *fakeSegmentStore) ListSegments(ctx context.Context, activityID uuid.UUID) ([]*types.Segment, error) {
	return f.saved, nil
}

func TestEngineSegment(t *testing.T) {
	t.Run("splits into roughly 100m slices", func(t *testing.T) {
		streams := &upstream.StreamSet{
			Distance:  []float64{0, 50, 100, 150, 205, 260},
			Time:      []float64{0, 10, 20, 30, 40, 50},
			HeartRate: []int{120, 130, 140, 150, 160, 170},
			Altitude:  []float64{10, 11, 12, 13, 14, 15},
		}

		store := &fakeSegmentStore{}
		engine := New(store)

		activityID, userID := uuid.New(), uuid.New()
		segments, err := engine.Segment(context.Background(), activityID, userID, streams)
		require.NoError(t, err)
		assert.Equal(t, segments, store.saved)
		assert.NotEmpty(t, store.saved)

		var lastDist float64
		for i, seg := range store.saved {
			assert.Equal(t, i, seg.Index)
			assert.Equal(t, activityID, seg.ActivityID)
			assert.Equal(t, userID, seg.UserID)
			assert.Greater(t, seg.DistanceMeters, 0.0)
			assert.GreaterOrEqual(t, seg.Features.CumulativeDistanceKM, lastDist)
			lastDist = seg.Features.CumulativeDistanceKM
		}

		last := store.saved[len(store.saved)-1]
		assert.InDelta(t, 100.0, last.Features.RaceCompletionPercent, 0.001, "last segment closes out the activity")
	})

	t.Run("insufficient stream data produces no segments", func(t *testing.T) {
		store := &fakeSegmentStore{}
		engine := New(store)

		segments, err := engine.Segment(context.Background(), uuid.New(), uuid.New(), &upstream.StreamSet{Distance: []float64{0}})
		require.NoError(t, err)
		assert.Empty(t, segments)
		assert.Nil(t, store.saved)
	})

	t.Run("zero or negative distance slices are skipped without advancing the index", func(t *testing.T) {
		activityID, userID := uuid.New(), uuid.New()
		streams := &upstream.StreamSet{
			// sample 2 reports the same distance as sample 1 (a stalled GPS fix).
			Distance: []float64{0, 100, 100, 205},
			Time:     []float64{0, 20, 30, 50},
		}

		segments := walkSegments(activityID, userID, streams)
		require.Len(t, segments, 2)
		assert.Equal(t, 0, segments[0].StartIndex)
		assert.Equal(t, 1, segments[0].EndIndex)
		assert.Equal(t, 1, segments[1].StartIndex)
		assert.Equal(t, 3, segments[1].EndIndex)
	})
}

func TestComputeFeatures(t *testing.T) {
	t.Run("averages heart rate and skips invalid samples", func(t *testing.T) {
		streams := &upstream.StreamSet{
			HeartRate: []int{140, invalidSample, 160},
			Altitude:  []float64{100, 105, 110},
		}

		f, gain, loss := computeFeatures(streams, 0, 2, 100, 50)
		assert.InDelta(t, 150.0, f.AvgHeartRate, 0.001)
		assert.InDelta(t, 2.0, f.AvgSpeedMPS, 0.001)
		assert.InDelta(t, 10.0, gain, 0.001)
		assert.InDelta(t, 0.0, loss, 0.001)
		assert.InDelta(t, 10.0, f.ElevationGain, 0.001)
	})

	t.Run("descending altitude accumulates as loss", func(t *testing.T) {
		streams := &upstream.StreamSet{
			HeartRate: []int{},
			Altitude:  []float64{110, 105, 95},
		}

		f, gain, loss := computeFeatures(streams, 0, 2, 100, 50)
		assert.InDelta(t, 15.0, loss, 0.001)
		assert.InDelta(t, 0.0, gain, 0.001)
		assert.InDelta(t, -15.0, f.AvgGradePercent, 0.001)
	})

	t.Run("computes pace, cadence, and midpoint from the segment's own streams", func(t *testing.T) {
		streams := &upstream.StreamSet{
			Cadence: []int{80, 85, 90},
			LatLng:  [][2]float64{{1.0, 2.0}, {1.1, 2.1}, {1.2, 2.2}},
		}

		f, _, _ := computeFeatures(streams, 0, 2, 100, 30)
		assert.InDelta(t, 85.0, f.AvgCadence, 0.1)
		assert.InDelta(t, 5.0, f.PaceMinPerKM, 0.001)
		assert.Equal(t, 1.1, f.MidpointLat)
		assert.Equal(t, 2.1, f.MidpointLon)
	})
}
