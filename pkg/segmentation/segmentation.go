// Package segmentation slices an activity's raw streams into contiguous
// ~100m segments with per-segment aggregates (speed, heart rate,
// elevation change, grade, pace, cadence) plus running cumulative totals
// for the activity as a whole.
package segmentation

import (
	"context"

	"github.com/google/uuid"

	"github.com/pacecraft/enrichment/pkg/log"
	"github.com/pacecraft/enrichment/pkg/metrics"
	"github.com/pacecraft/enrichment/pkg/storage"
	"github.com/pacecraft/enrichment/pkg/types"
	"github.com/pacecraft/enrichment/pkg/upstream"
)

// SegmentLengthMeters is the target length of each slice. A slice runs past
// this by however far its closing sample overshoots the threshold; the final
// slice, closed at the last sample, may be shorter.
const SegmentLengthMeters = 100.0

// invalidSample marks a heart-rate or altitude reading the provider didn't
// actually record, distinguishing it from a genuine zero.
const invalidSample = -1

// Engine computes and persists segments for an activity's streams.
type Engine struct {
	store storage.SegmentStore
}

// New creates an Engine backed by store.
func New(store storage.SegmentStore) *Engine {
	return &Engine{store: store}
}

// Segment recomputes every segment for activityID from streams and
// atomically replaces whatever segments existed before. Returns the
// computed segments so the caller can sum their features (e.g. for the
// training-load intensity proxy) without a second read.
func (e *Engine) Segment(ctx context.Context, activityID, userID uuid.UUID, streams *upstream.StreamSet) ([]*types.Segment, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SegmentationDuration)

	if streams == nil || len(streams.Distance) < 2 || len(streams.Time) < 2 {
		log.WithActivityID(activityID.String()).Warn().Msg("insufficient distance/time data, skipping segmentation")
		return nil, nil
	}

	segments := walkSegments(activityID, userID, streams)
	if err := e.store.ReplaceSegments(ctx, activityID, segments); err != nil {
		return nil, err
	}

	log.WithActivityID(activityID.String()).Info().Int("segment_count", len(segments)).Msg("activity segmented")
	return segments, nil
}

// walkSegments implements the anchor-walk algorithm: advance an end index
// until the accumulated distance since the last anchor reaches
// SegmentLengthMeters (or the stream ends), close out that slice, and move
// the anchor to the end index. Slices with zero or negative distance (a
// stalled or corrected distance stream) are skipped without advancing the
// segment index. Cumulative fields are running totals from the start of the
// activity: distance, elapsed time and race completion are read directly off
// the already-cumulative distance/time streams at the segment's end index,
// while elevation up/down is summed segment by segment as the walk goes.
func walkSegments(activityID, userID uuid.UUID, streams *upstream.StreamSet) []*types.Segment {
	n := len(streams.Distance)
	distance := streams.Distance
	elapsed := streams.Time
	totalDistance := distance[n-1]

	var segments []*types.Segment
	anchorIdx := 0
	anchorDist := distance[0]
	index := 0
	var cumUp, cumDown float64

	for i := 1; i < n; i++ {
		sliceDist := distance[i] - anchorDist
		if sliceDist < SegmentLengthMeters && i != n-1 {
			continue
		}

		endIdx := i
		distM := distance[endIdx] - distance[anchorIdx]
		durationSec := elapsed[endIdx] - elapsed[anchorIdx]

		if distM <= 0 {
			anchorIdx = endIdx
			anchorDist = distance[endIdx]
			continue
		}

		features, gain, loss := computeFeatures(streams, anchorIdx, endIdx, distM, durationSec)
		cumUp += gain
		cumDown += loss

		features.CumulativeDistanceKM = distance[endIdx] / 1000.0
		features.CumulativeElapsedMin = elapsed[endIdx] / 60.0
		features.CumulativeElevationUp = cumUp
		features.CumulativeElevationDown = cumDown
		if totalDistance > 0 {
			features.RaceCompletionPercent = (distance[endIdx] / totalDistance) * 100.0
		}
		if features.AvgHeartRate > 0 {
			features.IntensityProxy = features.AvgHeartRate * (distM / 1000.0)
		}

		seg := &types.Segment{
			ActivityID:     activityID,
			UserID:         userID,
			Index:          index,
			StartIndex:     anchorIdx,
			EndIndex:       endIdx,
			DistanceMeters: distM,
			DurationSec:    durationSec,
			Features:       features,
		}
		segments = append(segments, seg)

		index++
		anchorIdx = endIdx
		anchorDist = distance[endIdx]
	}

	return segments
}

// computeFeatures returns the segment's own (non-cumulative) aggregates
// along with its elevation gain/loss, so the caller can fold those into a
// running activity-wide total.
func computeFeatures(streams *upstream.StreamSet, start, end int, distM, durationSec float64) (types.SegmentFeatures, float64, float64) {
	f := types.SegmentFeatures{}
	if durationSec > 0 {
		f.AvgSpeedMPS = distM / durationSec
		f.PaceMinPerKM = (durationSec / 60.0) / (distM / 1000.0)
	}

	f.AvgHeartRate = meanInt(streams.HeartRate, start, end)
	f.AvgCadence = meanInt(streams.Cadence, start, end)
	f.MeanAltitude = meanFloat(streams.Altitude, start, end)

	if len(streams.LatLng) > end {
		mid := (start + end) / 2
		f.MidpointLat = streams.LatLng[mid][0]
		f.MidpointLon = streams.LatLng[mid][1]
	}

	gain, loss := 0.0, 0.0
	if len(streams.Altitude) > end {
		for j := start + 1; j <= end; j++ {
			prev, cur := streams.Altitude[j-1], streams.Altitude[j]
			if prev == invalidSample || cur == invalidSample {
				continue
			}
			diff := cur - prev
			if diff > 0 {
				gain += diff
			} else {
				loss += -diff
			}
		}
	}
	f.ElevationGain = gain
	f.ElevationLoss = loss

	if distM > 0 {
		f.AvgGradePercent = ((gain - loss) / distM) * 100.0
	}

	return f, gain, loss
}

// meanInt averages values[start:end+1], treating invalidSample entries as
// gaps rather than real zero readings.
func meanInt(values []int, start, end int) float64 {
	if len(values) <= end {
		return 0
	}
	sum, count := 0, 0
	for j := start; j <= end; j++ {
		if values[j] == invalidSample {
			continue
		}
		sum += values[j]
		count++
	}
	if count == 0 {
		return 0
	}
	return float64(sum) / float64(count)
}

// meanFloat averages values[start:end+1], treating invalidSample entries as
// gaps rather than real readings.
func meanFloat(values []float64, start, end int) float64 {
	if len(values) <= end {
		return 0
	}
	sum, count := 0.0, 0
	for j := start; j <= end; j++ {
		if values[j] == invalidSample {
			continue
		}
		sum += values[j]
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}
