package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/pacecraft/enrichment/pkg/events"
	"github.com/pacecraft/enrichment/pkg/log"
	"github.com/pacecraft/enrichment/pkg/queue"
	"github.com/pacecraft/enrichment/pkg/storage"
	"github.com/pacecraft/enrichment/pkg/types"
	"github.com/pacecraft/enrichment/pkg/upstream"
)

// enqueuePriority is the priority new webhook-driven activities get.
// Priority 0 is the top of the queue, so webhook-triggered work jumps ahead
// of backfill/manual enrichment enqueued at a higher number.
const enqueuePriority = 0

// Processor performs the actual create/update/delete work for one webhook
// event, registered as an asynq task handler.
type Processor struct {
	store    storage.Store
	queue    *queue.Queue
	upstream *upstream.Client
	broker   *events.Broker
}

// NewProcessor creates a Processor. broker, if non-nil, is published to
// after a successful enqueue so the scheduler can wake immediately instead
// of waiting for its next tick.
func NewProcessor(store storage.Store, q *queue.Queue, upstreamClient *upstream.Client, broker *events.Broker) *Processor {
	return &Processor{store: store, queue: q, upstream: upstreamClient, broker: broker}
}

// RegisterHandlers wires the processor into an asynq ServeMux.
func (p *Processor) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskTypeProcessEvent, p.handleTask)
}

func (p *Processor) handleTask(ctx context.Context, t *asynq.Task) error {
	var event Event
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		return fmt.Errorf("invalid webhook task payload: %w", err)
	}

	switch event.AspectType {
	case types.WebhookAspectCreate:
		return p.handleCreate(ctx, event)
	case types.WebhookAspectUpdate:
		return p.handleUpdate(ctx, event)
	case types.WebhookAspectDelete:
		return p.handleDelete(ctx, event)
	default:
		log.Logger.Warn().Str("aspect_type", string(event.AspectType)).Msg("unknown webhook aspect type")
		return nil
	}
}

func (p *Processor) handleCreate(ctx context.Context, event Event) error {
	userID, err := p.store.ResolveUserByOwnerUpstreamID(ctx, event.OwnerID)
	if err != nil {
		log.Logger.Warn().Int64("owner_id", event.OwnerID).Msg("webhook create: owner_id not found, dropping event")
		return nil
	}

	if existing, err := p.store.GetActivityByUpstreamID(ctx, userID, event.ObjectID); err == nil && existing != nil {
		log.Logger.Info().Int64("upstream_id", event.ObjectID).Msg("webhook create: activity already present, skipping")
		return nil
	}

	remote, err := p.upstream.GetActivity(ctx, userID, event.ObjectID)
	if err != nil {
		return fmt.Errorf("webhook create: failed to fetch activity from upstream: %w", err)
	}
	if remote == nil {
		log.Logger.Info().Int64("upstream_id", event.ObjectID).Msg("webhook create: activity gone upstream, nothing to do")
		return nil
	}

	activity := &types.Activity{
		UserID:          userID,
		UpstreamID:      remote.ID,
		OwnerUpstreamID: event.OwnerID,
		Name:            remote.Name,
		StartDate:       remote.StartDate,
		MovingTime:      remote.MovingTime,
		DistanceMeters:  remote.DistanceMeters,
		Polyline:        remote.Polyline,
	}
	if err := p.store.UpsertActivity(ctx, activity); err != nil {
		return fmt.Errorf("webhook create: failed to save activity: %w", err)
	}

	if _, err := p.queue.Enqueue(ctx, activity.ID, userID, enqueuePriority); err != nil {
		return fmt.Errorf("webhook create: failed to enqueue activity: %w", err)
	}
	if p.broker != nil {
		p.broker.Publish(&events.Event{Type: events.EventQueueItemQueued, Message: activity.ID.String()})
	}

	log.Logger.Info().Int64("upstream_id", event.ObjectID).Str("user_id", userID.String()).Msg("webhook create: activity saved and enqueued")
	return nil
}

func (p *Processor) handleUpdate(ctx context.Context, event Event) error {
	userID, err := p.store.ResolveUserByOwnerUpstreamID(ctx, event.OwnerID)
	if err != nil {
		log.Logger.Warn().Int64("owner_id", event.OwnerID).Msg("webhook update: owner_id not found, dropping event")
		return nil
	}

	existing, err := p.store.GetActivityByUpstreamID(ctx, userID, event.ObjectID)
	if err == storage.ErrNotFound {
		log.Logger.Info().Int64("upstream_id", event.ObjectID).Msg("webhook update: activity not found locally, falling back to create")
		return p.handleCreate(ctx, event)
	}
	if err != nil {
		return fmt.Errorf("webhook update: failed to look up activity: %w", err)
	}

	remote, err := p.upstream.GetActivity(ctx, userID, event.ObjectID)
	if err != nil {
		return fmt.Errorf("webhook update: failed to fetch activity from upstream: %w", err)
	}
	if remote == nil {
		log.Logger.Info().Int64("upstream_id", event.ObjectID).Msg("webhook update: activity gone upstream, nothing to do")
		return nil
	}
	existing.Name = remote.Name
	existing.StartDate = remote.StartDate
	existing.MovingTime = remote.MovingTime
	existing.DistanceMeters = remote.DistanceMeters
	existing.Polyline = remote.Polyline

	if err := p.store.UpsertActivity(ctx, existing); err != nil {
		return fmt.Errorf("webhook update: failed to save activity: %w", err)
	}

	log.Logger.Info().Int64("upstream_id", event.ObjectID).Msg("webhook update: activity updated")
	return nil
}

func (p *Processor) handleDelete(ctx context.Context, event Event) error {
	userID, err := p.store.ResolveUserByOwnerUpstreamID(ctx, event.OwnerID)
	if err != nil {
		log.Logger.Info().Int64("owner_id", event.OwnerID).Msg("webhook delete: owner_id not found, nothing to delete")
		return nil
	}

	existing, err := p.store.GetActivityByUpstreamID(ctx, userID, event.ObjectID)
	if err == storage.ErrNotFound {
		log.Logger.Info().Int64("upstream_id", event.ObjectID).Msg("webhook delete: activity not found locally, already gone")
		return nil
	}
	if err != nil {
		return fmt.Errorf("webhook delete: failed to look up activity: %w", err)
	}

	if err := p.store.MarkActivityDeleted(ctx, existing.ID); err != nil {
		return fmt.Errorf("webhook delete: failed to mark activity deleted: %w", err)
	}
	if err := p.queue.Cancel(ctx, existing.ID); err != nil {
		log.Logger.Error().Err(err).Str("activity_id", existing.ID.String()).Msg("webhook delete: failed to cancel pending enrichment")
	}

	log.Logger.Info().Int64("upstream_id", event.ObjectID).Msg("webhook delete: activity marked deleted")
	return nil
}
