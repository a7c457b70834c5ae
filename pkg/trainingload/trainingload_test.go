package trainingload

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pacecraft/enrichment/pkg/storage"
	"github.com/pacecraft/enrichment/pkg/types"
	"github.com/pacecraft/enrichment/pkg/upstream"
)

type fakeTrainingLoadStore struct {
	days     map[string]*types.TrainingLoadDay
	activity map[uuid.UUID]*types.ActivityTrainingLoad
}

func newFakeStore() *fakeTrainingLoadStore {
	return &fakeTrainingLoadStore{
		days:     map[string]*types.TrainingLoadDay{},
		activity: map[uuid.UUID]*types.ActivityTrainingLoad{},
	}
}

func key(userID uuid.UUID, date time.Time) string {
	return userID.String() + "|" + date.Format("2006-01-02")
}

func (f *fakeTrainingLoadStore) UpsertTrainingLoadDay(ctx context.Context, day *types.TrainingLoadDay) error {
	if day.ID == uuid.Nil {
		day.ID = uuid.New()
	}
	f.days[key(day.UserID, day.Date)] = day
	return nil
}

func (f *fakeTrainingLoadStore) GetTrainingLoadDay(ctx context.Context, userID uuid.UUID, date time.Time) (*types.TrainingLoadDay, error) {
	day, ok := f.days[key(userID, date)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return day, nil
}

func (f *fakeTrainingLoadStore) RecentTrainingLoadDays(ctx context.Context, userID uuid.UUID, before time.Time, limit int) ([]*types.TrainingLoadDay, error) {
	var prior *types.TrainingLoadDay
	for _, d := range f.days {
		if d.UserID != userID || !d.Date.Before(before) {
			continue
		}
		if prior == nil || d.Date.After(prior.Date) {
			prior = d
		}
	}
	if prior == nil {
		return nil, nil
	}
	return []*types.TrainingLoadDay{prior}, nil
}

func (f *fakeTrainingLoadStore) UpsertActivityLoad(ctx context.Context, load *types.ActivityTrainingLoad) error {
	f.activity[load.ActivityID] = load
	return nil
}

func (f *fakeTrainingLoadStore) SumActivityLoadForDay(ctx context.Context, userID uuid.UUID, date time.Time) (float64, *float64, error) {
	date = truncateToDay(date)
	var intensitySum float64
	var edwardsSum *float64
	for _, load := range f.activity {
		if load.UserID != userID || !load.Date.Equal(date) {
			continue
		}
		intensitySum += load.IntensityProxy
		if load.EdwardsTRIMP != nil {
			if edwardsSum == nil {
				v := 0.0
				edwardsSum = &v
			}
			*edwardsSum += *load.EdwardsTRIMP
		}
	}
	return intensitySum, edwardsSum, nil
}

func TestEwmaStep(t *testing.T) {
	cases := []struct {
		name             string
		yesterday        float64
		input            float64
		timeConstantDays float64
		want             float64
	}{
		{"steady state stays put", 50, 50, ctlTimeConstantDays, 50},
		{"pulls toward input", 0, 100, atlTimeConstantDays, 100 * (1 - math.Exp(-1.0/7.0))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ewmaStep(tc.yesterday, tc.input, tc.timeConstantDays)
			assert.InDelta(t, tc.want, got, 0.0001)
		})
	}
}

func TestEdwardsZoneFor(t *testing.T) {
	cases := []struct {
		bpm  int
		maxHR int
		zone types.HeartRateZone
	}{
		{90, 200, types.ZoneRecovery},  // 45%
		{110, 200, types.Zone1},        // 55%
		{130, 200, types.Zone2},        // 65%
		{150, 200, types.Zone3},        // 75%
		{170, 200, types.Zone4},        // 85%
		{190, 200, types.Zone5},        // 95%
		{150, 0, types.ZoneRecovery},   // unknown max HR never climbs above recovery
	}
	for _, tc := range cases {
		assert.Equal(t, tc.zone, edwardsZoneFor(tc.bpm, tc.maxHR))
	}
}

func TestActivityMaxHR(t *testing.T) {
	assert.Equal(t, 0, ActivityMaxHR(nil))
	assert.Equal(t, 180, ActivityMaxHR(&upstream.StreamSet{HeartRate: []int{120, invalidSample, 180, 150}}))
}

func TestEdwardsTRIMPForActivity(t *testing.T) {
	t.Run("sums zone-weighted minutes when max HR is known", func(t *testing.T) {
		streams := &upstream.StreamSet{
			HeartRate: []int{100, 150, 180},
			Time:      []float64{0, 60, 120},
		}
		trimp, ok := EdwardsTRIMPForActivity(streams, 200)
		assert.True(t, ok)
		assert.Greater(t, trimp, 0.0)
	})

	t.Run("unknown max HR produces no value", func(t *testing.T) {
		streams := &upstream.StreamSet{HeartRate: []int{100, 150}, Time: []float64{0, 60}}
		_, ok := EdwardsTRIMPForActivity(streams, 0)
		assert.False(t, ok)
	})

	t.Run("nil or short streams produce no value", func(t *testing.T) {
		_, ok := EdwardsTRIMPForActivity(nil, 180)
		assert.False(t, ok)
		_, ok = EdwardsTRIMPForActivity(&upstream.StreamSet{HeartRate: []int{120}}, 180)
		assert.False(t, ok)
	})
}

func TestCalculatorRecomputeDay(t *testing.T) {
	store := newFakeStore()
	calc := New(store)
	userID := uuid.New()
	activityID := uuid.New()
	day1 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	edwards := 45.0
	require.NoError(t, calc.RecordActivityLoad(context.Background(), activityID, userID, day1, 30.0, &edwards))
	require.NoError(t, calc.RecomputeDay(context.Background(), userID, day1, nil))

	first, err := store.GetTrainingLoadDay(context.Background(), userID, day1)
	require.NoError(t, err)
	assert.Equal(t, first.ProxyCTL-first.ProxyATL, first.ProxyTSB, "TSB must come from the same day's CTL/ATL even on the very first day")
	require.NotNil(t, first.EdwardsTSB)
	require.NotNil(t, first.EdwardsCTL)
	require.NotNil(t, first.EdwardsATL)
	assert.Equal(t, *first.EdwardsCTL-*first.EdwardsATL, *first.EdwardsTSB)

	require.NoError(t, calc.RecordActivityLoad(context.Background(), uuid.New(), userID, day2, 30.0, &edwards))
	require.NoError(t, calc.RecomputeDay(context.Background(), userID, day2, nil))

	second, err := store.GetTrainingLoadDay(context.Background(), userID, day2)
	require.NoError(t, err)
	assert.Equal(t, second.ProxyCTL-second.ProxyATL, second.ProxyTSB, "TSB must come from the same day's CTL/ATL")
	assert.Greater(t, second.ProxyCTL, 0.0)
}

func TestCalculatorRecomputeDayIsIdempotent(t *testing.T) {
	store := newFakeStore()
	calc := New(store)
	userID := uuid.New()
	activityID := uuid.New()
	day := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, calc.RecordActivityLoad(context.Background(), activityID, userID, day, 40.0, nil))
	require.NoError(t, calc.RecomputeDay(context.Background(), userID, day, nil))
	first, err := store.GetTrainingLoadDay(context.Background(), userID, day)
	require.NoError(t, err)

	// Reprocessing the same activity must replace, not accumulate, its
	// contribution.
	require.NoError(t, calc.RecordActivityLoad(context.Background(), activityID, userID, day, 40.0, nil))
	require.NoError(t, calc.RecomputeDay(context.Background(), userID, day, nil))
	second, err := store.GetTrainingLoadDay(context.Background(), userID, day)
	require.NoError(t, err)

	assert.Equal(t, first.IntensityProxy, second.IntensityProxy)
	assert.Nil(t, second.EdwardsTRIMP)
}
