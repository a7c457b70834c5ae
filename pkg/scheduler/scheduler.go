// Package scheduler implements the round-robin enrichment scheduler: each
// cycle it picks up where the last one left off, gives every user with
// pending work a fair share of the batch, and hands claimed items to a
// bounded worker pool for processing.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pacecraft/enrichment/pkg/events"
	"github.com/pacecraft/enrichment/pkg/log"
	"github.com/pacecraft/enrichment/pkg/metrics"
	"github.com/pacecraft/enrichment/pkg/queue"
	"github.com/pacecraft/enrichment/pkg/storage"
	"github.com/pacecraft/enrichment/pkg/types"
)

// staleInProgressThreshold is how long an item may sit IN_PROGRESS before
// the reaper assumes the worker that claimed it died and reverts it.
const staleInProgressThreshold = 30 * time.Minute

var errReaped = errors.New("scheduler: item timed out in progress, reverted by reaper")

// Processor performs the actual enrichment work for one queue item
// (fetching streams, segmenting, recomputing training load, attaching
// weather). Implemented by pkg/pipeline, wiring together pkg/upstream,
// pkg/segmentation, pkg/trainingload and pkg/weather.
type Processor interface {
	Process(ctx context.Context, item *types.EnrichmentQueueItem) error
}

// Config controls one scheduling cycle's shape.
type Config struct {
	ItemsPerUserPerCycle int
	BatchSize            int
	CycleInterval        time.Duration
	WorkerPoolSize       int
}

// Scheduler runs the round-robin cycle loop and drives a worker pool that
// processes claimed queue items.
type Scheduler struct {
	cfg       Config
	queue     *queue.Queue
	cursor    storage.QueueStore
	processor Processor
	pool      *Pool
	logger    zerolog.Logger
	broker    *events.Broker

	mu      sync.Mutex
	stopCh  chan struct{}
	wake    chan struct{}
	eventCh events.Subscriber
}

// New creates a Scheduler. cursor is the same QueueStore the queue is backed
// by; it's threaded through separately so the scheduler can persist the
// round-robin cursor without widening pkg/queue's surface. broker, if
// non-nil, lets the scheduler wake immediately on a queue-item-queued event
// instead of waiting for the next tick.
func New(cfg Config, q *queue.Queue, cursor storage.QueueStore, processor Processor, broker *events.Broker) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		queue:     q,
		cursor:    cursor,
		processor: processor,
		pool:      NewPool(cfg.WorkerPoolSize, q, processor),
		logger:    log.WithComponent("scheduler"),
		broker:    broker,
		stopCh:    make(chan struct{}),
		wake:      make(chan struct{}, 1),
	}
}

// Start reaps any stale IN_PROGRESS items left over from a prior crashed
// instance, then begins the scheduler loop and the worker pool.
func (s *Scheduler) Start() {
	s.reapStale(context.Background())

	if s.broker != nil {
		s.eventCh = s.broker.Subscribe()
		go s.watchEvents()
	}

	s.pool.Start()
	go s.run()
}

// Stop stops the scheduler loop and drains the worker pool.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	if s.broker != nil && s.eventCh != nil {
		s.broker.Unsubscribe(s.eventCh)
	}
	s.pool.Stop()
}

// Wake triggers an immediate cycle without waiting for the next tick. Safe
// to call from any goroutine; non-blocking if a wake is already pending.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) watchEvents() {
	for {
		select {
		case event, ok := <-s.eventCh:
			if !ok {
				return
			}
			if event.Type == events.EventQueueItemQueued {
				s.Wake()
			}
		case <-s.stopCh:
			return
		}
	}
}

// reapStale reverts items that have sat IN_PROGRESS longer than
// staleInProgressThreshold, e.g. because the worker that claimed them
// crashed mid-attempt, routing them through the same backoff logic as any
// other failed attempt.
func (s *Scheduler) reapStale(ctx context.Context) {
	stale, err := s.queue.ListStale(ctx, staleInProgressThreshold)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list stale in-progress items")
		return
	}
	for _, item := range stale {
		if err := s.queue.Fail(ctx, item, errReaped); err != nil && !errors.Is(err, queue.ErrPermanentFailure) {
			s.logger.Error().Err(err).Str("item_id", item.ID.String()).Msg("failed to reap stale item")
		}
	}
	if len(stale) > 0 {
		s.logger.Warn().Int("count", len(stale)).Msg("reaped stale in-progress items")
	}
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.cycle(); err != nil {
				s.logger.Error().Err(err).Msg("scheduling cycle failed")
			}
		case <-s.wake:
			if err := s.cycle(); err != nil {
				s.logger.Error().Err(err).Msg("scheduling cycle failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// cycle runs one round-robin pass: list users with pending work, rotate the
// list to start after the last user served, claim up to ItemsPerUserPerCycle
// items per user until BatchSize is reached, then submit claimed items to
// the worker pool.
func (s *Scheduler) cycle() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.SchedulingCycleDuration)
		metrics.SchedulingCyclesTotal.Inc()
	}()

	ctx := context.Background()

	users, err := s.queue.UsersWithPendingWork(ctx)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		return nil
	}

	cursor, err := s.cursor.GetCursor(ctx)
	if err != nil {
		return err
	}
	if cursor >= len(users) {
		cursor = 0
	}
	rotated := append(append([]uuid.UUID{}, users[cursor:]...), users[:cursor]...)

	var claimed []*types.EnrichmentQueueItem
	usersServed := 0
	for _, userID := range rotated {
		if len(claimed) >= s.cfg.BatchSize {
			break
		}
		take := s.cfg.ItemsPerUserPerCycle
		if remaining := s.cfg.BatchSize - len(claimed); take > remaining {
			take = remaining
		}

		items, err := s.queue.ClaimBatch(ctx, userID, take)
		if err != nil {
			s.logger.Error().Err(err).Str("user_id", userID.String()).Msg("failed to claim batch for user")
			continue
		}
		claimed = append(claimed, items...)
		usersServed++
	}

	if usersServed > 0 {
		if err := s.cursor.SetCursor(ctx, (cursor+usersServed)%len(users)); err != nil {
			s.logger.Error().Err(err).Msg("failed to persist scheduler cursor")
		}
	}

	for _, item := range claimed {
		s.pool.Submit(item)
	}

	s.logger.Debug().
		Int("users_seen", len(users)).
		Int("users_served", usersServed).
		Int("items_claimed", len(claimed)).
		Msg("scheduling cycle complete")

	return nil
}
