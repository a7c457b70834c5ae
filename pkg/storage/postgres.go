package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/oauth2"

	"github.com/pacecraft/enrichment/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("storage: not found")

// PostgresStore is the pgx-backed implementation of Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and applies the schema.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the embedded schema. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Activities ---

func (s *PostgresStore) UpsertActivity(ctx context.Context, a *types.Activity) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO activities (id, user_id, upstream_id, owner_upstream_id, name, start_date,
			moving_time, distance_meters, has_streams, streams_fetched_at, streams_json, laps_json,
			polyline, deleted, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (user_id, upstream_id) DO UPDATE SET
			name = EXCLUDED.name,
			start_date = EXCLUDED.start_date,
			moving_time = EXCLUDED.moving_time,
			distance_meters = EXCLUDED.distance_meters,
			has_streams = EXCLUDED.has_streams,
			streams_fetched_at = EXCLUDED.streams_fetched_at,
			streams_json = EXCLUDED.streams_json,
			laps_json = EXCLUDED.laps_json,
			polyline = EXCLUDED.polyline,
			deleted = EXCLUDED.deleted,
			updated_at = EXCLUDED.updated_at
	`, a.ID, a.UserID, a.UpstreamID, a.OwnerUpstreamID, a.Name, a.StartDate,
		a.MovingTime, a.DistanceMeters, a.HasStreams, a.StreamsFetchedAt, a.StreamsJSON, a.LapsJSON,
		a.Polyline, a.Deleted, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActivity(ctx context.Context, id uuid.UUID) (*types.Activity, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, upstream_id, owner_upstream_id, name, start_date, moving_time,
			distance_meters, has_streams, streams_fetched_at, streams_json, laps_json, polyline,
			deleted, created_at, updated_at
		FROM activities WHERE id = $1
	`, id)
	return scanActivity(row)
}

// GetActivityByUpstreamID excludes soft-deleted rows, so a
// delete-then-create webhook sequence re-creates a fresh activity instead of
// resolving to the tombstoned one.
func (s *PostgresStore) GetActivityByUpstreamID(ctx context.Context, userID uuid.UUID, upstreamID int64) (*types.Activity, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, upstream_id, owner_upstream_id, name, start_date, moving_time,
			distance_meters, has_streams, streams_fetched_at, streams_json, laps_json, polyline,
			deleted, created_at, updated_at
		FROM activities WHERE user_id = $1 AND upstream_id = $2 AND deleted = FALSE
	`, userID, upstreamID)
	return scanActivity(row)
}

// ResolveUserByOwnerUpstreamID looks up the user a webhook's owner_id
// belongs to via the athlete mapping on user_credentials, not via any
// activity row: a brand-new athlete's very first webhook arrives before any
// activity has ever been persisted for them.
func (s *PostgresStore) ResolveUserByOwnerUpstreamID(ctx context.Context, ownerUpstreamID int64) (uuid.UUID, error) {
	var userID uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT user_id FROM user_credentials WHERE upstream_athlete_id = $1
	`, ownerUpstreamID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to resolve user by owner upstream id: %w", err)
	}
	return userID, nil
}

func (s *PostgresStore) MarkActivityDeleted(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE activities SET deleted = TRUE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark activity deleted: %w", err)
	}
	return nil
}

// SaveEnrichmentData atomically persists the streams/laps/polyline fetched
// during enrichment and flips has_streams, replacing the old
// streams-fetched-only update.
func (s *PostgresStore) SaveEnrichmentData(ctx context.Context, id uuid.UUID, streamsJSON, lapsJSON []byte, polyline string, fetchedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE activities
		SET has_streams = TRUE, streams_fetched_at = $2, streams_json = $3, laps_json = $4,
			polyline = $5, updated_at = now()
		WHERE id = $1
	`, id, fetchedAt, streamsJSON, lapsJSON, polyline)
	if err != nil {
		return fmt.Errorf("failed to save enrichment data: %w", err)
	}
	return nil
}

// LinkAthlete records the upstream athlete id behind userID's credentials,
// letting later webhooks for that athlete resolve to a user before any
// activity has ever been stored for them.
func (s *PostgresStore) LinkAthlete(ctx context.Context, userID uuid.UUID, athleteID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE user_credentials SET upstream_athlete_id = $2, updated_at = now() WHERE user_id = $1
	`, userID, athleteID)
	if err != nil {
		return fmt.Errorf("failed to link athlete: %w", err)
	}
	return nil
}

func scanActivity(row pgx.Row) (*types.Activity, error) {
	a := &types.Activity{}
	err := row.Scan(&a.ID, &a.UserID, &a.UpstreamID, &a.OwnerUpstreamID, &a.Name, &a.StartDate,
		&a.MovingTime, &a.DistanceMeters, &a.HasStreams, &a.StreamsFetchedAt, &a.StreamsJSON, &a.LapsJSON,
		&a.Polyline, &a.Deleted, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan activity: %w", err)
	}
	return a, nil
}

// --- Enrichment queue ---

// Enqueue inserts item unless a non-terminal item already exists for its
// activity (enforced by idx_enrichment_queue_one_inflight). Priority 0 is
// the default and the highest priority; it is never rewritten.
func (s *PostgresStore) Enqueue(ctx context.Context, item *types.EnrichmentQueueItem) (bool, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = types.QueueStatusPending
	}
	now := time.Now()
	item.CreatedAt, item.UpdatedAt = now, now
	if item.NextAttempt.IsZero() {
		item.NextAttempt = now
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO enrichment_queue (id, activity_id, user_id, priority, status, attempts,
			last_error, next_attempt, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT DO NOTHING
	`, item.ID, item.ActivityID, item.UserID, item.Priority, item.Status, item.Attempts,
		item.LastError, item.NextAttempt, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) DeleteByActivity(ctx context.Context, activityID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM enrichment_queue WHERE activity_id = $1 AND status = $2
	`, activityID, types.QueueStatusPending)
	if err != nil {
		return fmt.Errorf("failed to delete queue items for activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) UsersWithPendingWork(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id
		FROM enrichment_queue
		WHERE status = $1 AND next_attempt <= now()
		GROUP BY user_id
		ORDER BY MIN(priority) ASC, MIN(created_at) ASC
	`, types.QueueStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list users with pending work: %w", err)
	}
	defer rows.Close()

	var users []uuid.UUID
	for rows.Next() {
		var u uuid.UUID
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) ClaimForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*types.EnrichmentQueueItem, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id FROM enrichment_queue
		WHERE user_id = $1 AND status = $2 AND next_attempt <= now()
		ORDER BY priority ASC, created_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, userID, types.QueueStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable items: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan claimable item id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	claimed := make([]*types.EnrichmentQueueItem, 0, len(ids))
	for _, id := range ids {
		row := tx.QueryRow(ctx, `
			UPDATE enrichment_queue
			SET status = $2, updated_at = now()
			WHERE id = $1
			RETURNING id, activity_id, user_id, priority, status, attempts, last_error, next_attempt, created_at, updated_at
		`, id, types.QueueStatusInProgress)
		item, err := scanQueueItem(row)
		if err != nil {
			// Another scheduler cycle (or worker) already claimed this
			// activity's in-flight slot; skip it rather than fail the batch.
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		claimed = append(claimed, item)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}
	return claimed, nil
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE enrichment_queue SET status = $2, updated_at = now() WHERE id = $1
	`, id, types.QueueStatusCompleted)
	if err != nil {
		return fmt.Errorf("failed to mark item completed: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextAttempt time.Time, permanent bool) error {
	status := types.QueueStatusPending
	if permanent {
		status = types.QueueStatusFailed
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE enrichment_queue
		SET status = $2, attempts = attempts + 1, last_error = $3, next_attempt = $4, updated_at = now()
		WHERE id = $1
	`, id, status, errMsg, nextAttempt)
	if err != nil {
		return fmt.Errorf("failed to mark item failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[types.QueueStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM enrichment_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.QueueStatus]int)
	for rows.Next() {
		var status types.QueueStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) OldestPendingAge(ctx context.Context) (time.Duration, bool, error) {
	var createdAt time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT created_at FROM enrichment_queue WHERE status = $1 ORDER BY created_at ASC LIMIT 1
	`, types.QueueStatusPending).Scan(&createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to find oldest pending item: %w", err)
	}
	return time.Since(createdAt), true, nil
}

// ListStaleInProgress returns items that have sat IN_PROGRESS longer than
// olderThan, meaning the worker that claimed them likely died mid-attempt.
func (s *PostgresStore) ListStaleInProgress(ctx context.Context, olderThan time.Duration) ([]*types.EnrichmentQueueItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, activity_id, user_id, priority, status, attempts, last_error, next_attempt, created_at, updated_at
		FROM enrichment_queue
		WHERE status = $1 AND updated_at < $2
	`, types.QueueStatusInProgress, time.Now().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale in-progress items: %w", err)
	}
	defer rows.Close()

	var items []*types.EnrichmentQueueItem
	for rows.Next() {
		item := &types.EnrichmentQueueItem{}
		if err := rows.Scan(&item.ID, &item.ActivityID, &item.UserID, &item.Priority, &item.Status,
			&item.Attempts, &item.LastError, &item.NextAttempt, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stale queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetCursor(ctx context.Context) (int, error) {
	var idx int
	err := s.pool.QueryRow(ctx, `SELECT last_user_index FROM scheduler_cursor WHERE id = 1`).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("failed to read scheduler cursor: %w", err)
	}
	return idx, nil
}

func (s *PostgresStore) SetCursor(ctx context.Context, index int) error {
	_, err := s.pool.Exec(ctx, `UPDATE scheduler_cursor SET last_user_index = $1 WHERE id = 1`, index)
	if err != nil {
		return fmt.Errorf("failed to persist scheduler cursor: %w", err)
	}
	return nil
}

func scanQueueItem(row pgx.Row) (*types.EnrichmentQueueItem, error) {
	item := &types.EnrichmentQueueItem{}
	err := row.Scan(&item.ID, &item.ActivityID, &item.UserID, &item.Priority, &item.Status,
		&item.Attempts, &item.LastError, &item.NextAttempt, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue item: %w", err)
	}
	return item, nil
}

// --- Segments ---

func (s *PostgresStore) ReplaceSegments(ctx context.Context, activityID uuid.UUID, segments []*types.Segment) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin segment replace transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM segments WHERE activity_id = $1`, activityID); err != nil {
		return fmt.Errorf("failed to clear existing segments: %w", err)
	}

	for _, seg := range segments {
		if seg.ID == uuid.Nil {
			seg.ID = uuid.New()
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO segments (id, activity_id, user_id, index, start_index, end_index, distance_meters,
				duration_sec, avg_speed_mps, avg_heart_rate, elevation_gain, elevation_loss, avg_grade_percent,
				pace_min_per_km, avg_cadence, mean_altitude, midpoint_lat, midpoint_lon, intensity_proxy,
				cumulative_distance_km, cumulative_elapsed_min, cumulative_elevation_up,
				cumulative_elevation_down, race_completion_percent)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		`, seg.ID, activityID, seg.UserID, seg.Index, seg.StartIndex, seg.EndIndex, seg.DistanceMeters, seg.DurationSec,
			seg.Features.AvgSpeedMPS, seg.Features.AvgHeartRate, seg.Features.ElevationGain,
			seg.Features.ElevationLoss, seg.Features.AvgGradePercent, seg.Features.PaceMinPerKM,
			seg.Features.AvgCadence, seg.Features.MeanAltitude, seg.Features.MidpointLat, seg.Features.MidpointLon,
			seg.Features.IntensityProxy, seg.Features.CumulativeDistanceKM, seg.Features.CumulativeElapsedMin,
			seg.Features.CumulativeElevationUp, seg.Features.CumulativeElevationDown, seg.Features.RaceCompletionPercent)
		if err != nil {
			return fmt.Errorf("failed to insert segment: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListSegments(ctx context.Context, activityID uuid.UUID) ([]*types.Segment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, activity_id, user_id, index, start_index, end_index, distance_meters, duration_sec,
			avg_speed_mps, avg_heart_rate, elevation_gain, elevation_loss, avg_grade_percent,
			pace_min_per_km, avg_cadence, mean_altitude, midpoint_lat, midpoint_lon, intensity_proxy,
			cumulative_distance_km, cumulative_elapsed_min, cumulative_elevation_up,
			cumulative_elevation_down, race_completion_percent
		FROM segments WHERE activity_id = $1 ORDER BY index ASC
	`, activityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()

	var segments []*types.Segment
	for rows.Next() {
		seg := &types.Segment{}
		if err := rows.Scan(&seg.ID, &seg.ActivityID, &seg.UserID, &seg.Index, &seg.StartIndex, &seg.EndIndex,
			&seg.DistanceMeters, &seg.DurationSec, &seg.Features.AvgSpeedMPS, &seg.Features.AvgHeartRate,
			&seg.Features.ElevationGain, &seg.Features.ElevationLoss, &seg.Features.AvgGradePercent,
			&seg.Features.PaceMinPerKM, &seg.Features.AvgCadence, &seg.Features.MeanAltitude,
			&seg.Features.MidpointLat, &seg.Features.MidpointLon, &seg.Features.IntensityProxy,
			&seg.Features.CumulativeDistanceKM, &seg.Features.CumulativeElapsedMin,
			&seg.Features.CumulativeElevationUp, &seg.Features.CumulativeElevationDown,
			&seg.Features.RaceCompletionPercent); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// --- Weather ---

func (s *PostgresStore) SaveWeather(ctx context.Context, w *types.WeatherRecord) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO weather_records (id, activity_id, observed_at, temperature_c, wind_speed_kph,
			precipitation, source, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (activity_id) DO UPDATE SET
			observed_at = EXCLUDED.observed_at,
			temperature_c = EXCLUDED.temperature_c,
			wind_speed_kph = EXCLUDED.wind_speed_kph,
			precipitation = EXCLUDED.precipitation,
			source = EXCLUDED.source
	`, w.ID, w.ActivityID, w.ObservedAt, w.TemperatureC, w.WindSpeedKPH, w.Precipitation, w.Source, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save weather record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWeather(ctx context.Context, activityID uuid.UUID) (*types.WeatherRecord, error) {
	w := &types.WeatherRecord{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, activity_id, observed_at, temperature_c, wind_speed_kph, precipitation, source, created_at
		FROM weather_records WHERE activity_id = $1
	`, activityID).Scan(&w.ID, &w.ActivityID, &w.ObservedAt, &w.TemperatureC, &w.WindSpeedKPH,
		&w.Precipitation, &w.Source, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get weather record: %w", err)
	}
	return w, nil
}

// --- Training load ---

func (s *PostgresStore) UpsertTrainingLoadDay(ctx context.Context, day *types.TrainingLoadDay) error {
	if day.ID == uuid.Nil {
		day.ID = uuid.New()
	}
	day.UpdatedAt = time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO training_load_days (id, user_id, date, intensity_proxy, proxy_ctl, proxy_atl, proxy_tsb,
			edwards_trimp, edwards_ctl, edwards_atl, edwards_tsb, resting_hr, resting_hr_delta_7d, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (user_id, date) DO UPDATE SET
			intensity_proxy = EXCLUDED.intensity_proxy,
			proxy_ctl = EXCLUDED.proxy_ctl,
			proxy_atl = EXCLUDED.proxy_atl,
			proxy_tsb = EXCLUDED.proxy_tsb,
			edwards_trimp = EXCLUDED.edwards_trimp,
			edwards_ctl = EXCLUDED.edwards_ctl,
			edwards_atl = EXCLUDED.edwards_atl,
			edwards_tsb = EXCLUDED.edwards_tsb,
			resting_hr = EXCLUDED.resting_hr,
			resting_hr_delta_7d = EXCLUDED.resting_hr_delta_7d,
			updated_at = EXCLUDED.updated_at
	`, day.ID, day.UserID, day.Date, day.IntensityProxy, day.ProxyCTL, day.ProxyATL, day.ProxyTSB,
		day.EdwardsTRIMP, day.EdwardsCTL, day.EdwardsATL, day.EdwardsTSB, day.RestingHR, day.RestingHRDelta7d, day.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert training load day: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTrainingLoadDay(ctx context.Context, userID uuid.UUID, date time.Time) (*types.TrainingLoadDay, error) {
	day := &types.TrainingLoadDay{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, date, intensity_proxy, proxy_ctl, proxy_atl, proxy_tsb,
			edwards_trimp, edwards_ctl, edwards_atl, edwards_tsb, resting_hr, resting_hr_delta_7d, updated_at
		FROM training_load_days WHERE user_id = $1 AND date = $2
	`, userID, date).Scan(&day.ID, &day.UserID, &day.Date, &day.IntensityProxy, &day.ProxyCTL, &day.ProxyATL, &day.ProxyTSB,
		&day.EdwardsTRIMP, &day.EdwardsCTL, &day.EdwardsATL, &day.EdwardsTSB, &day.RestingHR, &day.RestingHRDelta7d, &day.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get training load day: %w", err)
	}
	return day, nil
}

func (s *PostgresStore) RecentTrainingLoadDays(ctx context.Context, userID uuid.UUID, before time.Time, limit int) ([]*types.TrainingLoadDay, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, date, intensity_proxy, proxy_ctl, proxy_atl, proxy_tsb,
			edwards_trimp, edwards_ctl, edwards_atl, edwards_tsb, resting_hr, resting_hr_delta_7d, updated_at
		FROM training_load_days
		WHERE user_id = $1 AND date < $2
		ORDER BY date DESC
		LIMIT $3
	`, userID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent training load days: %w", err)
	}
	defer rows.Close()

	var days []*types.TrainingLoadDay
	for rows.Next() {
		day := &types.TrainingLoadDay{}
		if err := rows.Scan(&day.ID, &day.UserID, &day.Date, &day.IntensityProxy, &day.ProxyCTL, &day.ProxyATL, &day.ProxyTSB,
			&day.EdwardsTRIMP, &day.EdwardsCTL, &day.EdwardsATL, &day.EdwardsTSB, &day.RestingHR, &day.RestingHRDelta7d, &day.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan training load day: %w", err)
		}
		days = append(days, day)
	}
	return days, rows.Err()
}

// UpsertActivityLoad replaces activityID's stored load contribution.
func (s *PostgresStore) UpsertActivityLoad(ctx context.Context, load *types.ActivityTrainingLoad) error {
	load.UpdatedAt = time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO activity_training_load (activity_id, user_id, date, intensity_proxy, edwards_trimp, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (activity_id) DO UPDATE SET
			intensity_proxy = EXCLUDED.intensity_proxy,
			edwards_trimp = EXCLUDED.edwards_trimp,
			updated_at = EXCLUDED.updated_at
	`, load.ActivityID, load.UserID, load.Date, load.IntensityProxy, load.EdwardsTRIMP, load.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert activity training load: %w", err)
	}
	return nil
}

// SumActivityLoadForDay sums every activity's stored contribution for
// userID on date, from scratch. edwardsSum is nil if no activity that day
// recorded a usable Edwards TRIMP figure.
func (s *PostgresStore) SumActivityLoadForDay(ctx context.Context, userID uuid.UUID, date time.Time) (float64, *float64, error) {
	var intensitySum float64
	var edwardsSum *float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(intensity_proxy), 0), SUM(edwards_trimp)
		FROM activity_training_load
		WHERE user_id = $1 AND date = $2
	`, userID, date).Scan(&intensitySum, &edwardsSum)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to sum activity training load for day: %w", err)
	}
	return intensitySum, edwardsSum, nil
}

// GetToken implements pkg/credentials.Store, letting PostgresStore double as
// the token store for the credentials Manager.
func (s *PostgresStore) GetToken(ctx context.Context, userID uuid.UUID) (*oauth2.Token, error) {
	tok := &oauth2.Token{}
	var expiry *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT access_token, refresh_token, token_type, expiry
		FROM user_credentials WHERE user_id = $1
	`, userID).Scan(&tok.AccessToken, &tok.RefreshToken, &tok.TokenType, &expiry)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user credentials: %w", err)
	}
	if expiry != nil {
		tok.Expiry = *expiry
	}
	return tok, nil
}

// SaveToken implements pkg/credentials.Store.
func (s *PostgresStore) SaveToken(ctx context.Context, userID uuid.UUID, token *oauth2.Token) error {
	var expiry *time.Time
	if !token.Expiry.IsZero() {
		expiry = &token.Expiry
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_credentials (user_id, access_token, refresh_token, token_type, expiry, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
		ON CONFLICT (user_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_type = EXCLUDED.token_type,
			expiry = EXCLUDED.expiry,
			updated_at = now()
	`, userID, token.AccessToken, token.RefreshToken, token.TokenType, expiry)
	if err != nil {
		return fmt.Errorf("failed to save user credentials: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
