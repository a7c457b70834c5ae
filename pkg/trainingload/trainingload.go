// Package trainingload computes Banister training-load figures (CTL, ATL,
// TSB) from an activity's heart-rate stream and maintains each user's daily
// rolling history. Two parallel series are tracked: one driven by an
// intensity proxy (always available, from heart rate and distance alone),
// and one driven by Edwards TRIMP zones (only available when a max heart
// rate is known; the pipeline takes it from the activity's own heart-rate
// stream).
package trainingload

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/pacecraft/enrichment/pkg/log"
	"github.com/pacecraft/enrichment/pkg/metrics"
	"github.com/pacecraft/enrichment/pkg/storage"
	"github.com/pacecraft/enrichment/pkg/types"
	"github.com/pacecraft/enrichment/pkg/upstream"
)

// Exponential time constants, in days, for the chronic and acute training
// load averages.
const (
	ctlTimeConstantDays = 42.0
	atlTimeConstantDays = 7.0
)

// invalidSample marks a heart-rate reading the provider didn't actually
// record, distinguishing it from a genuine zero.
const invalidSample = -1

// Calculator recomputes and persists a user's daily training load.
type Calculator struct {
	store storage.TrainingLoadStore
}

// New creates a Calculator backed by store.
func New(store storage.TrainingLoadStore) *Calculator {
	return &Calculator{store: store}
}

// ActivityMaxHR returns the highest recorded heart rate in streams, or 0 if
// none was recorded.
func ActivityMaxHR(streams *upstream.StreamSet) int {
	if streams == nil {
		return 0
	}
	max := 0
	for _, bpm := range streams.HeartRate {
		if bpm == invalidSample {
			continue
		}
		if bpm > max {
			max = bpm
		}
	}
	return max
}

// edwardsZoneFor classifies bpm into one of the five Edwards TRIMP zones by
// its percentage of maxHR: below 50% is recovery, then five 10-point bands.
func edwardsZoneFor(bpm, maxHR int) types.HeartRateZone {
	if maxHR <= 0 {
		return types.ZoneRecovery
	}
	pct := float64(bpm) / float64(maxHR) * 100.0
	switch {
	case pct < 50:
		return types.ZoneRecovery
	case pct < 60:
		return types.Zone1
	case pct < 70:
		return types.Zone2
	case pct < 80:
		return types.Zone3
	case pct < 90:
		return types.Zone4
	default:
		return types.Zone5
	}
}

// EdwardsTRIMPForActivity sums zone-weighted minutes across the heart-rate
// stream using percentage-of-max-HR zones. ok is false when there's no
// usable heart-rate data or maxHR is unknown, in which case the Edwards
// series for that activity should be left null rather than zero.
func EdwardsTRIMPForActivity(streams *upstream.StreamSet, maxHR int) (trimp float64, ok bool) {
	if maxHR <= 0 || streams == nil || len(streams.HeartRate) < 2 || len(streams.Time) < len(streams.HeartRate) {
		return 0, false
	}

	for i := 1; i < len(streams.HeartRate); i++ {
		if streams.HeartRate[i] == invalidSample {
			continue
		}
		dtMinutes := (streams.Time[i] - streams.Time[i-1]) / 60.0
		if dtMinutes <= 0 {
			continue
		}
		zone := edwardsZoneFor(streams.HeartRate[i], maxHR)
		trimp += types.ZoneCoefficient(zone) * dtMinutes
	}
	return trimp, true
}

// RecordActivityLoad stores one activity's raw load contribution. Upserting
// by activityID makes this idempotent: reprocessing the same activity
// replaces its row instead of adding to an accumulated day total.
func (c *Calculator) RecordActivityLoad(ctx context.Context, activityID, userID uuid.UUID, day time.Time, intensityProxy float64, edwardsTRIMP *float64) error {
	return c.store.UpsertActivityLoad(ctx, &types.ActivityTrainingLoad{
		ActivityID:     activityID,
		UserID:         userID,
		Date:           truncateToDay(day),
		IntensityProxy: intensityProxy,
		EdwardsTRIMP:   edwardsTRIMP,
	})
}

// RecomputeDay recomputes userID's training load for day from scratch: it
// sums every activity's stored contribution for that day (rather than
// accumulating onto whatever was there before), then advances both the
// intensity-proxy and Edwards series by one day from the prior day's
// values. Days between the latest earlier stored row and day have no row
// and count as zero load, so that row's CTL/ATL decay across them first.
// TSB is derived from the same day's freshly computed CTL/ATL, not
// the prior day's. restingHR is optional device data; when nil the delta
// is left null.
func (c *Calculator) RecomputeDay(ctx context.Context, userID uuid.UUID, day time.Time, restingHR *float64) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TrainingLoadDuration)

	day = truncateToDay(day)

	intensitySum, edwardsSum, err := c.store.SumActivityLoadForDay(ctx, userID, day)
	if err != nil {
		return err
	}

	existing, err := c.store.GetTrainingLoadDay(ctx, userID, day)
	if err != nil && err != storage.ErrNotFound {
		return err
	}

	prior, err := c.previousDay(ctx, userID, day)
	if err != nil {
		return err
	}

	restDays := 0.0
	if !prior.Date.IsZero() {
		restDays = day.Sub(truncateToDay(prior.Date)).Hours()/24 - 1
	}
	ctlDecay := math.Exp(-restDays / ctlTimeConstantDays)
	atlDecay := math.Exp(-restDays / atlTimeConstantDays)

	proxyCTL := ewmaStep(prior.ProxyCTL*ctlDecay, intensitySum, ctlTimeConstantDays)
	proxyATL := ewmaStep(prior.ProxyATL*atlDecay, intensitySum, atlTimeConstantDays)
	proxyTSB := proxyCTL - proxyATL

	result := &types.TrainingLoadDay{
		UserID:         userID,
		Date:           day,
		IntensityProxy: intensitySum,
		ProxyCTL:       proxyCTL,
		ProxyATL:       proxyATL,
		ProxyTSB:       proxyTSB,
	}

	if edwardsSum != nil {
		priorEdwardsCTL, priorEdwardsATL := 0.0, 0.0
		if prior.EdwardsCTL != nil {
			priorEdwardsCTL = *prior.EdwardsCTL * ctlDecay
		}
		if prior.EdwardsATL != nil {
			priorEdwardsATL = *prior.EdwardsATL * atlDecay
		}
		edwardsCTL := ewmaStep(priorEdwardsCTL, *edwardsSum, ctlTimeConstantDays)
		edwardsATL := ewmaStep(priorEdwardsATL, *edwardsSum, atlTimeConstantDays)
		edwardsTSB := edwardsCTL - edwardsATL

		result.EdwardsTRIMP = edwardsSum
		result.EdwardsCTL = &edwardsCTL
		result.EdwardsATL = &edwardsATL
		result.EdwardsTSB = &edwardsTSB
	}

	result.RestingHR = restingHR
	if restingHR != nil {
		if weekAgo, err := c.store.GetTrainingLoadDay(ctx, userID, day.AddDate(0, 0, -7)); err == nil && weekAgo != nil && weekAgo.RestingHR != nil {
			delta := *restingHR - *weekAgo.RestingHR
			result.RestingHRDelta7d = &delta
		}
	}

	if existing != nil {
		result.ID = existing.ID
	}

	if err := c.store.UpsertTrainingLoadDay(ctx, result); err != nil {
		return err
	}

	log.Logger.Info().
		Str("user_id", userID.String()).
		Time("date", day).
		Float64("intensity_proxy", intensitySum).
		Float64("proxy_ctl", proxyCTL).
		Float64("proxy_atl", proxyATL).
		Float64("proxy_tsb", proxyTSB).
		Msg("training load recomputed")
	return nil
}

func (c *Calculator) previousDay(ctx context.Context, userID uuid.UUID, day time.Time) (*types.TrainingLoadDay, error) {
	days, err := c.store.RecentTrainingLoadDays(ctx, userID, day, 1)
	if err != nil {
		return nil, err
	}
	if len(days) == 0 {
		return &types.TrainingLoadDay{}, nil
	}
	return days[0], nil
}

// ewmaStep advances an exponentially-weighted moving average by one day:
// today = yesterday + (input - yesterday) * (1 - e^(-1/timeConstant)).
func ewmaStep(yesterday, input, timeConstantDays float64) float64 {
	alpha := 1 - math.Exp(-1/timeConstantDays)
	return yesterday + (input-yesterday)*alpha
}

func truncateToDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
