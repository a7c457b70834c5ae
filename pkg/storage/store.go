// Package storage persists the enrichment domain model to Postgres.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pacecraft/enrichment/pkg/types"
)

// ActivityStore persists activities.
type ActivityStore interface {
	UpsertActivity(ctx context.Context, a *types.Activity) error
	GetActivity(ctx context.Context, id uuid.UUID) (*types.Activity, error)
	GetActivityByUpstreamID(ctx context.Context, userID uuid.UUID, upstreamID int64) (*types.Activity, error)
	ResolveUserByOwnerUpstreamID(ctx context.Context, ownerUpstreamID int64) (uuid.UUID, error)
	MarkActivityDeleted(ctx context.Context, id uuid.UUID) error

	// SaveEnrichmentData atomically persists the fetched streams, laps, and
	// polyline for an activity and marks it as having streams.
	SaveEnrichmentData(ctx context.Context, id uuid.UUID, streamsJSON, lapsJSON []byte, polyline string, fetchedAt time.Time) error

	// LinkAthlete records the upstream athlete id a user's credentials
	// belong to, letting a webhook for a brand-new athlete (no activity
	// rows exist yet) resolve to a user_id.
	LinkAthlete(ctx context.Context, userID uuid.UUID, athleteID int64) error
}

// QueueStore persists enrichment queue items and the scheduler cursor.
type QueueStore interface {
	// Enqueue inserts item if no non-terminal (PENDING/IN_PROGRESS) item
	// already exists for its activity. inserted reports whether a row was
	// actually created.
	Enqueue(ctx context.Context, item *types.EnrichmentQueueItem) (inserted bool, err error)
	DeleteByActivity(ctx context.Context, activityID uuid.UUID) error

	// UsersWithPendingWork returns distinct user IDs with at least one
	// PENDING item, ordered by MIN(priority) then MIN(created_at).
	UsersWithPendingWork(ctx context.Context) ([]uuid.UUID, error)

	// ClaimForUser atomically transitions up to limit PENDING items for a
	// user to IN_PROGRESS and returns them. Items already IN_PROGRESS for
	// the same activity are never claimed twice (enforced by the unique
	// partial index over status IN ('PENDING','IN_PROGRESS')).
	ClaimForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*types.EnrichmentQueueItem, error)

	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextAttempt time.Time, permanent bool) error

	CountByStatus(ctx context.Context) (map[types.QueueStatus]int, error)
	OldestPendingAge(ctx context.Context) (time.Duration, bool, error)

	// ListStaleInProgress returns items stuck IN_PROGRESS for longer than
	// olderThan, so a scheduler reaper can revert them.
	ListStaleInProgress(ctx context.Context, olderThan time.Duration) ([]*types.EnrichmentQueueItem, error)

	GetCursor(ctx context.Context) (int, error)
	SetCursor(ctx context.Context, index int) error
}

// SegmentStore persists computed segments for activities.
type SegmentStore interface {
	ReplaceSegments(ctx context.Context, activityID uuid.UUID, segments []*types.Segment) error
	ListSegments(ctx context.Context, activityID uuid.UUID) ([]*types.Segment, error)
}

// WeatherStore persists weather records for activities.
type WeatherStore interface {
	SaveWeather(ctx context.Context, w *types.WeatherRecord) error
	GetWeather(ctx context.Context, activityID uuid.UUID) (*types.WeatherRecord, error)
}

// TrainingLoadStore persists daily training-load figures per user and each
// activity's raw contribution to them.
type TrainingLoadStore interface {
	UpsertTrainingLoadDay(ctx context.Context, day *types.TrainingLoadDay) error
	GetTrainingLoadDay(ctx context.Context, userID uuid.UUID, date time.Time) (*types.TrainingLoadDay, error)
	RecentTrainingLoadDays(ctx context.Context, userID uuid.UUID, before time.Time, limit int) ([]*types.TrainingLoadDay, error)

	// UpsertActivityLoad stores one activity's raw load contribution,
	// replacing any prior contribution for the same activity.
	UpsertActivityLoad(ctx context.Context, load *types.ActivityTrainingLoad) error

	// SumActivityLoadForDay sums every activity's stored contribution for
	// userID on date. edwardsSum is nil if no activity that day had a
	// usable Edwards TRIMP figure.
	SumActivityLoadForDay(ctx context.Context, userID uuid.UUID, date time.Time) (intensitySum float64, edwardsSum *float64, err error)
}

// Store composes every aggregate's persistence interface, mirroring the
// teacher's single composed Store surface.
type Store interface {
	ActivityStore
	QueueStore
	SegmentStore
	WeatherStore
	TrainingLoadStore

	Close()
}
