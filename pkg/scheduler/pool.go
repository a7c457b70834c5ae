package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pacecraft/enrichment/pkg/log"
	"github.com/pacecraft/enrichment/pkg/metrics"
	"github.com/pacecraft/enrichment/pkg/queue"
	"github.com/pacecraft/enrichment/pkg/types"
)

// itemTimeout bounds how long a single enrichment attempt may run before
// it's treated as failed and retried.
const itemTimeout = 60 * time.Second

// Pool is a bounded set of goroutines that process claimed queue items
// concurrently, reporting the outcome of each back to the queue.
type Pool struct {
	size      int
	queue     *queue.Queue
	processor Processor
	logger    zerolog.Logger

	items  chan *types.EnrichmentQueueItem
	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewPool creates a worker pool with size concurrent workers.
func NewPool(size int, q *queue.Queue, processor Processor) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		size:      size,
		queue:     q,
		processor: processor,
		logger:    log.WithComponent("scheduler.pool"),
		items:     make(chan *types.EnrichmentQueueItem, size*4),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the pool's workers.
func (p *Pool) Start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop signals workers to finish their current item and exit, then waits.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// Submit enqueues item for processing. Blocks if every worker is busy and
// the internal buffer is full, applying backpressure to the scheduler.
func (p *Pool) Submit(item *types.EnrichmentQueueItem) {
	select {
	case p.items <- item:
	case <-p.stopCh:
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case item := <-p.items:
			p.process(item)
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) process(item *types.EnrichmentQueueItem) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ItemProcessingDuration)

	ctx, cancel := context.WithTimeout(context.Background(), itemTimeout)
	defer cancel()

	err := p.processor.Process(ctx, item)
	if err == nil {
		if cerr := p.queue.Complete(ctx, item.ID); cerr != nil {
			p.logger.Error().Err(cerr).Str("item_id", item.ID.String()).Msg("failed to mark item completed")
		}
		return
	}

	if ferr := p.queue.Fail(ctx, item, err); ferr != nil && ferr != queue.ErrPermanentFailure {
		p.logger.Error().Err(ferr).Str("item_id", item.ID.String()).Msg("failed to record item failure")
	}
}
