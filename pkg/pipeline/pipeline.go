// Package pipeline implements scheduler.Processor, running one enrichment
// queue item through the full chain: fetch streams/laps/segment efforts and
// a fresh activity summary, segment, recompute training load, attach
// weather, and persist the enrichment data to the activity row.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pacecraft/enrichment/pkg/log"
	"github.com/pacecraft/enrichment/pkg/metrics"
	"github.com/pacecraft/enrichment/pkg/segmentation"
	"github.com/pacecraft/enrichment/pkg/storage"
	"github.com/pacecraft/enrichment/pkg/trainingload"
	"github.com/pacecraft/enrichment/pkg/types"
	"github.com/pacecraft/enrichment/pkg/upstream"
	"github.com/pacecraft/enrichment/pkg/weather"
)

// segmentEffortsKey is the reserved key segment efforts are merged into the
// persisted streams blob under, alongside the raw stream arrays.
const segmentEffortsKey = "segment_efforts"

// Pipeline wires the upstream fetch and the three enrichment stages
// together into one scheduler.Processor.
type Pipeline struct {
	store        storage.Store
	upstream     *upstream.Client
	segmentation *segmentation.Engine
	trainingload *trainingload.Calculator
	weather      *weather.Fetcher
}

// New creates a Pipeline from its stage dependencies.
func New(store storage.Store, upstreamClient *upstream.Client, seg *segmentation.Engine, load *trainingload.Calculator, wx *weather.Fetcher) *Pipeline {
	return &Pipeline{
		store:        store,
		upstream:     upstreamClient,
		segmentation: seg,
		trainingload: load,
		weather:      wx,
	}
}

// Process enriches the activity behind one queue item. Stage failures other
// than the stream fetch itself are logged and swallowed: a missing GPS
// stream shouldn't fail segmentation, and a weather-provider outage
// shouldn't fail training load. Only a failure to obtain the activity or
// its streams is fatal, since every other stage depends on them, along with
// a failure to persist the enrichment data at the end; a 404 from
// any of the secondary fetches (laps, segment efforts, detail) just means
// that data is gone upstream and is not treated as an error.
func (p *Pipeline) Process(ctx context.Context, item *types.EnrichmentQueueItem) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ItemProcessingDuration)

	activity, err := p.store.GetActivity(ctx, item.ActivityID)
	if err != nil {
		return fmt.Errorf("pipeline: failed to load activity %s: %w", item.ActivityID, err)
	}

	streams, err := p.upstream.GetStreams(ctx, item.UserID, activity.UpstreamID)
	if err != nil {
		return fmt.Errorf("pipeline: failed to fetch streams for activity %s: %w", item.ActivityID, err)
	}

	laps, err := p.upstream.GetLaps(ctx, item.UserID, activity.UpstreamID)
	if err != nil {
		log.WithActivityID(activity.ID.String()).Warn().Err(err).Msg("failed to fetch laps")
	}

	efforts, err := p.upstream.GetSegmentEfforts(ctx, item.UserID, activity.UpstreamID)
	if err != nil {
		log.WithActivityID(activity.ID.String()).Warn().Err(err).Msg("failed to fetch segment efforts")
	}
	if streams != nil {
		streams.SegmentEffort = efforts
	}

	detail, err := p.upstream.GetActivity(ctx, item.UserID, activity.UpstreamID)
	if err != nil {
		log.WithActivityID(activity.ID.String()).Warn().Err(err).Msg("failed to fetch activity detail")
	}
	polyline := activity.Polyline
	if detail != nil {
		polyline = detail.Polyline
	}

	var segments []*types.Segment
	if segments, err = p.segmentation.Segment(ctx, activity.ID, activity.UserID, streams); err != nil {
		log.WithActivityID(activity.ID.String()).Error().Err(err).Msg("segmentation failed")
	}

	var intensitySum float64
	for _, seg := range segments {
		intensitySum += seg.Features.IntensityProxy
	}

	maxHR := trainingload.ActivityMaxHR(streams)
	edwardsTRIMP, edwardsOK := trainingload.EdwardsTRIMPForActivity(streams, maxHR)
	var edwardsPtr *float64
	if edwardsOK {
		edwardsPtr = &edwardsTRIMP
	}

	if err := p.trainingload.RecordActivityLoad(ctx, activity.ID, activity.UserID, activity.StartDate, intensitySum, edwardsPtr); err != nil {
		log.WithActivityID(activity.ID.String()).Error().Err(err).Msg("failed to record activity training load")
	} else if err := p.trainingload.RecomputeDay(ctx, activity.UserID, activity.StartDate, nil); err != nil {
		log.WithActivityID(activity.ID.String()).Error().Err(err).Msg("training load recompute failed")
	}

	if lat, lon, ok := streams.FirstGPSPoint(); ok {
		gps := weather.GPSPoint{Lat: lat, Lon: lon}
		if err := p.weather.Attach(ctx, activity.ID, activity.StartDate, gps); err != nil {
			log.WithActivityID(activity.ID.String()).Error().Err(err).Msg("weather attach failed")
		}
	} else {
		log.WithActivityID(activity.ID.String()).Debug().Msg("no GPS stream, skipping weather attach")
	}

	streamsBlob, err := mergeSegmentEfforts(streams, efforts)
	if err != nil {
		log.WithActivityID(activity.ID.String()).Error().Err(err).Msg("failed to merge segment efforts into streams blob")
	}
	lapsBlob, err := json.Marshal(laps)
	if err != nil {
		lapsBlob = nil
	}

	if err := p.store.SaveEnrichmentData(ctx, activity.ID, streamsBlob, lapsBlob, polyline, time.Now()); err != nil {
		return fmt.Errorf("pipeline: failed to save enrichment data for activity %s: %w", activity.ID, err)
	}

	log.WithActivityID(activity.ID.String()).Info().Msg("activity enrichment complete")
	return nil
}

// mergeSegmentEfforts marshals streams to JSON and injects efforts under
// segmentEffortsKey, so the persisted blob carries both the raw stream
// arrays and the segment efforts in one document, while the typed
// StreamSet consumed by segmentation/trainingload stays unaffected.
func mergeSegmentEfforts(streams *upstream.StreamSet, efforts []upstream.SegmentEffort) ([]byte, error) {
	if streams == nil {
		return nil, nil
	}
	raw, err := json.Marshal(streams)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal streams: %w", err)
	}

	var blob map[string]json.RawMessage
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, fmt.Errorf("failed to decode streams for merge: %w", err)
	}

	effortsJSON, err := json.Marshal(efforts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal segment efforts: %w", err)
	}
	blob[segmentEffortsKey] = effortsJSON

	return json.Marshal(blob)
}

var _ interface {
	Process(ctx context.Context, item *types.EnrichmentQueueItem) error
} = (*Pipeline)(nil)
