// Package types holds the domain model shared across the enrichment
// pipeline: activities, queue items, segments, weather, and training load.
package types

import (
	"time"

	"github.com/google/uuid"
)

// QueueStatus is the lifecycle state of an EnrichmentQueueItem.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "PENDING"
	QueueStatusInProgress QueueStatus = "IN_PROGRESS"
	QueueStatusCompleted  QueueStatus = "COMPLETED"
	QueueStatusFailed     QueueStatus = "FAILED"
)

// WebhookAspect mirrors the upstream provider's webhook aspect_type field.
type WebhookAspect string

const (
	WebhookAspectCreate WebhookAspect = "create"
	WebhookAspectUpdate WebhookAspect = "update"
	WebhookAspectDelete WebhookAspect = "delete"
)

// WebhookObjectType mirrors the upstream provider's object_type field.
type WebhookObjectType string

const (
	WebhookObjectActivity WebhookObjectType = "activity"
	WebhookObjectAthlete  WebhookObjectType = "athlete"
)

// QuotaWindow identifies one of the fleet-wide rolling quota windows.
type QuotaWindow string

const (
	QuotaWindow15Min QuotaWindow = "15min"
	QuotaWindowDaily QuotaWindow = "daily"
)

// Activity is a single upstream activity and its enrichment state.
type Activity struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	UpstreamID       int64
	OwnerUpstreamID  int64 // upstream athlete id; webhook owner_id is resolved via user_credentials, not this field
	Name             string
	StartDate        time.Time
	MovingTime       int // seconds
	DistanceMeters   float64
	HasStreams       bool
	StreamsFetchedAt *time.Time
	StreamsJSON      []byte // raw stream set, with segment_efforts merged in under a reserved key
	LapsJSON         []byte
	Polyline         string
	Deleted          bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EnrichmentQueueItem is a unit of enrichment work for one activity.
type EnrichmentQueueItem struct {
	ID          uuid.UUID
	ActivityID  uuid.UUID
	UserID      uuid.UUID
	Priority    int // 0 = highest priority (default), larger numbers sort later
	Status      QueueStatus
	Attempts    int
	LastError   string
	NextAttempt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Segment is a contiguous ~100m slice of an activity's stream.
type Segment struct {
	ID             uuid.UUID
	ActivityID     uuid.UUID
	UserID         uuid.UUID
	Index          int
	StartIndex     int
	EndIndex       int
	DistanceMeters float64
	DurationSec    float64
	Features       SegmentFeatures
}

// SegmentFeatures holds per-segment aggregates, including the running
// totals for the activity up to and including this segment.
type SegmentFeatures struct {
	AvgSpeedMPS     float64
	AvgHeartRate    float64
	ElevationGain   float64
	ElevationLoss   float64
	AvgGradePercent float64
	PaceMinPerKM    float64
	AvgCadence      float64
	MeanAltitude    float64
	MidpointLat     float64
	MidpointLon     float64

	// IntensityProxy is AvgHeartRate weighted by distance, the load input of
	// the intensity-proxy training-load series (computed alongside Edwards).
	IntensityProxy float64

	// Cumulative figures are running totals of the whole activity through
	// the end of this segment, not just this segment's own contribution.
	CumulativeDistanceKM     float64
	CumulativeElapsedMin     float64
	CumulativeElevationUp    float64
	CumulativeElevationDown  float64
	RaceCompletionPercent    float64
}

// WeatherRecord is a historical or forecast weather sample for an activity.
type WeatherRecord struct {
	ID            uuid.UUID
	ActivityID    uuid.UUID
	ObservedAt    time.Time
	TemperatureC  float64
	WindSpeedKPH  float64
	Precipitation float64
	Source        string // "historical" or "forecast"
	CreatedAt     time.Time
}

// TrainingLoadDay is one user's Banister training-load figures for a
// calendar day, computed as two parallel series: one driven by the
// intensity proxy (always available), one driven by Edwards TRIMP (only
// available when max heart rate is known). Edwards fields are pointers
// because they're null on days where no activity yielded an Edwards TRIMP
// figure; the pipeline takes max_hr from each activity's own heart-rate
// stream.
type TrainingLoadDay struct {
	ID     uuid.UUID
	UserID uuid.UUID
	Date   time.Time

	IntensityProxy float64
	ProxyCTL       float64
	ProxyATL       float64
	ProxyTSB       float64

	EdwardsTRIMP *float64
	EdwardsCTL   *float64
	EdwardsATL   *float64
	EdwardsTSB   *float64

	RestingHR         *float64
	RestingHRDelta7d  *float64

	UpdatedAt time.Time
}

// ActivityTrainingLoad is one activity's raw contribution to its day's
// training load. Storing it per-activity (keyed by ActivityID) makes
// recomputing a day idempotent: re-processing the same activity replaces
// its row instead of adding to an accumulated total.
type ActivityTrainingLoad struct {
	ActivityID     uuid.UUID
	UserID         uuid.UUID
	Date           time.Time
	IntensityProxy float64
	EdwardsTRIMP   *float64
	UpdatedAt      time.Time
}

// QuotaCounters is a snapshot of the fleet-wide rolling quota usage for one
// window. Quota is a single shared budget against the upstream provider, not
// a per-user allowance.
type QuotaCounters struct {
	Window   QuotaWindow
	Count    int
	Limit    int
	ResetsAt time.Time
}

// HeartRateZone is one of the five standard training zones.
type HeartRateZone int

const (
	ZoneRecovery HeartRateZone = 0
	Zone1        HeartRateZone = 1
	Zone2        HeartRateZone = 2
	Zone3        HeartRateZone = 3
	Zone4        HeartRateZone = 4
	Zone5        HeartRateZone = 5
)

// ZoneCoefficient returns the TRIMP weighting for time spent in zone z.
func ZoneCoefficient(z HeartRateZone) float64 {
	return float64(z)
}
