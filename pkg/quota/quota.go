// Package quota tracks the fleet's shared upstream API usage against
// rolling windows backed by Redis, so every enrichment worker and process
// sees and enforces the same app-wide budget without coordinating directly.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pacecraft/enrichment/pkg/log"
	"github.com/pacecraft/enrichment/pkg/metrics"
	"github.com/pacecraft/enrichment/pkg/types"
)

const (
	shortWindow = 15 * time.Minute
	shortTTL    = 900 // seconds, matches shortWindow

	// dailyKey and shortKey are process-and-instance-wide: the upstream
	// provider's quota is a single budget for the whole fleet, not one per
	// user, so every worker in every process increments the same two keys.
	dailyKey = "strava:quota:daily"
	shortKey = "strava:quota:15min"
)

// Manager enforces rolling 15-minute and daily upstream call quotas shared
// across every worker and every process.
type Manager struct {
	rdb        *redis.Client
	dailyLimit int
	shortLimit int
}

// New creates a Manager from a Redis connection URL.
func New(redisURL string, dailyLimit, shortLimit int) (*Manager, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &Manager{
		rdb:        redis.NewClient(opt),
		dailyLimit: dailyLimit,
		shortLimit: shortLimit,
	}, nil
}

// Ping verifies connectivity to Redis.
func (m *Manager) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return m.rdb.Ping(pingCtx).Err()
}

// Close releases the underlying Redis connection.
func (m *Manager) Close() error {
	return m.rdb.Close()
}

func secondsUntilMidnightUTC() int {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	if secs := int(midnight.Sub(now).Seconds()); secs > 0 {
		return secs
	}
	return 1
}

// safeGet reads a counter, repairing a TTL-less (orphaned) key in place.
// Redis errors are treated as "no usage recorded" rather than surfaced,
// mirroring the fail-open behavior of the original quota manager.
func (m *Manager) safeGet(ctx context.Context, key string, ttlOnOrphan int) int {
	val, err := m.rdb.Get(ctx, key).Int()
	if err == redis.Nil {
		return 0
	}
	if err != nil {
		log.Logger.Warn().Err(err).Str("key", key).Msg("redis unavailable reading quota counter")
		return 0
	}

	ttl, err := m.rdb.TTL(ctx, key).Result()
	if err == nil && ttl < 0 {
		log.Logger.Warn().Str("key", key).Int("ttl_seconds", ttlOnOrphan).Msg("orphaned quota key detected on read, reapplying ttl")
		m.rdb.Expire(ctx, key, time.Duration(ttlOnOrphan)*time.Second)
	}
	return val
}

// safeIncr increments a counter atomically and guarantees a TTL is set,
// repairing a key left without one by a crash between INCR and EXPIRE.
func (m *Manager) safeIncr(ctx context.Context, key string, ttl int) int {
	newVal, err := m.rdb.Incr(ctx, key).Result()
	if err != nil {
		log.Logger.Warn().Err(err).Str("key", key).Msg("redis unavailable incrementing quota counter")
		return 0
	}

	if newVal == 1 {
		m.rdb.Expire(ctx, key, time.Duration(ttl)*time.Second)
	} else if cur, err := m.rdb.TTL(ctx, key).Result(); err == nil && cur < 0 {
		log.Logger.Warn().Str("key", key).Int("ttl_seconds", ttl).Msg("orphaned quota key detected on write, reapplying ttl")
		m.rdb.Expire(ctx, key, time.Duration(ttl)*time.Second)
	}
	return int(newVal)
}

// Allow checks whether a call may proceed. If the daily limit is exhausted
// it returns false immediately. If only the 15-minute window is exhausted it
// returns false along with the wait duration until that window resets,
// letting the caller reschedule rather than block.
func (m *Manager) Allow(ctx context.Context) (bool, time.Duration) {
	daily := m.safeGet(ctx, dailyKey, secondsUntilMidnightUTC())
	if daily >= m.dailyLimit {
		metrics.QuotaChecksTotal.WithLabelValues(string(types.QuotaWindowDaily), "exhausted").Inc()
		log.Logger.Warn().Msg("daily upstream quota exhausted")
		return false, secondsUntilMidnightDuration()
	}

	short := m.safeGet(ctx, shortKey, shortTTL)
	if short >= m.shortLimit {
		metrics.QuotaChecksTotal.WithLabelValues(string(types.QuotaWindow15Min), "exhausted").Inc()
		ttl, err := m.rdb.TTL(ctx, shortKey).Result()
		if err != nil || ttl < 0 {
			ttl = shortWindow
		}
		return false, ttl
	}

	metrics.QuotaChecksTotal.WithLabelValues("combined", "allowed").Inc()
	return true, 0
}

func secondsUntilMidnightDuration() time.Duration {
	return time.Duration(secondsUntilMidnightUTC()) * time.Second
}

// RecordUsage increments both the daily and 15-minute counters. Call this
// once per successful (2xx) upstream API call, never on an error response.
func (m *Manager) RecordUsage(ctx context.Context) {
	m.safeIncr(ctx, dailyKey, secondsUntilMidnightUTC())
	m.safeIncr(ctx, shortKey, shortTTL)
}

// ForceDailyExhausted sets the daily counter to its limit so the rest of the
// fleet stops issuing calls until the next UTC midnight. Call this when the
// provider itself answers with HTTP 429: it already knows the budget is
// spent even if our own counters disagree.
func (m *Manager) ForceDailyExhausted(ctx context.Context) {
	ttl := time.Duration(secondsUntilMidnightUTC()) * time.Second
	if err := m.rdb.Set(ctx, dailyKey, m.dailyLimit, ttl).Err(); err != nil {
		log.Logger.Warn().Err(err).Msg("redis unavailable forcing daily quota exhausted")
	}
}

// Status returns a snapshot of the fleet's current quota usage for both
// windows.
func (m *Manager) Status(ctx context.Context) (daily, short types.QuotaCounters) {
	now := time.Now()

	dailyTTL, _ := m.rdb.TTL(ctx, dailyKey).Result()
	dailyReset := now.Add(secondsUntilMidnightDuration())
	if dailyTTL > 0 {
		dailyReset = now.Add(dailyTTL)
	}
	daily = types.QuotaCounters{
		Window:   types.QuotaWindowDaily,
		Count:    m.safeGet(ctx, dailyKey, secondsUntilMidnightUTC()),
		Limit:    m.dailyLimit,
		ResetsAt: dailyReset,
	}

	shortTTLVal, _ := m.rdb.TTL(ctx, shortKey).Result()
	shortReset := now.Add(shortWindow)
	if shortTTLVal > 0 {
		shortReset = now.Add(shortTTLVal)
	}
	short = types.QuotaCounters{
		Window:   types.QuotaWindow15Min,
		Count:    m.safeGet(ctx, shortKey, shortTTL),
		Limit:    m.shortLimit,
		ResetsAt: shortReset,
	}

	return daily, short
}
