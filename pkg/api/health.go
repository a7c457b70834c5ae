package api

import (
	"context"
	"time"

	"github.com/pacecraft/enrichment/pkg/quota"
	"github.com/pacecraft/enrichment/pkg/storage"
)

// CheckType identifies what a Checker probes.
type CheckType string

const (
	CheckTypePostgres CheckType = "postgres"
	CheckTypeRedis    CheckType = "redis"
)

// Result is the outcome of one health check.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is implemented by every dependency the service probes for
// liveness/readiness.
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

type postgresChecker struct {
	store *storage.PostgresStore
}

// NewPostgresChecker probes Postgres connectivity by running the queue's
// count-by-status query.
func NewPostgresChecker(store *storage.PostgresStore) Checker {
	return &postgresChecker{store: store}
}

func (c *postgresChecker) Type() CheckType { return CheckTypePostgres }

func (c *postgresChecker) Check(ctx context.Context) Result {
	start := time.Now()
	_, err := c.store.CountByStatus(ctx)
	result := Result{CheckedAt: start, Duration: time.Since(start)}
	if err != nil {
		result.Message = err.Error()
		return result
	}
	result.Healthy = true
	return result
}

type redisChecker struct {
	quota *quota.Manager
}

// NewRedisChecker probes Redis connectivity via PING.
func NewRedisChecker(q *quota.Manager) Checker {
	return &redisChecker{quota: q}
}

func (c *redisChecker) Type() CheckType { return CheckTypeRedis }

func (c *redisChecker) Check(ctx context.Context) Result {
	start := time.Now()
	err := c.quota.Ping(ctx)
	result := Result{CheckedAt: start, Duration: time.Since(start)}
	if err != nil {
		result.Message = err.Error()
		return result
	}
	result.Healthy = true
	return result
}
