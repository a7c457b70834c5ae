// Package webhook receives upstream activity-change notifications and
// processes them asynchronously, keeping the inbound HTTP handler's ack
// time well under the provider's SLA. Processing (create/update/delete)
// runs in the background via asynq so the handler never blocks on an
// upstream API call.
package webhook

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/pacecraft/enrichment/pkg/log"
	"github.com/pacecraft/enrichment/pkg/metrics"
	"github.com/pacecraft/enrichment/pkg/types"
)

// TaskTypeProcessEvent is the asynq task type for a single webhook event.
const TaskTypeProcessEvent = "webhook:process_event"

// Event mirrors the upstream provider's webhook payload.
type Event struct {
	ObjectType types.WebhookObjectType `json:"object_type"`
	AspectType types.WebhookAspect     `json:"aspect_type"`
	ObjectID   int64                   `json:"object_id"`
	OwnerID    int64                   `json:"owner_id"`
}

// Handler serves the inbound webhook HTTP endpoint. It validates the
// subscription challenge on GET and, on POST, enqueues the event for
// background processing and acknowledges immediately.
type Handler struct {
	verifyToken string
	asynqClient *asynq.Client
}

// NewHandler creates a Handler. verifyToken must match the hub.verify_token
// the provider sends during subscription validation.
func NewHandler(verifyToken string, asynqClient *asynq.Client) *Handler {
	return &Handler{verifyToken: verifyToken, asynqClient: asynqClient}
}

// Routes mounts the webhook endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/webhooks/upstream", h.handleChallenge)
	r.Post("/webhooks/upstream", h.handleEvent)
}

// handleChallenge answers the provider's subscription validation GET
// request by echoing back hub.challenge, once hub.verify_token matches.
func (h *Handler) handleChallenge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.verify_token") != h.verifyToken {
		http.Error(w, "invalid verify token", http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"hub.challenge": q.Get("hub.challenge")})
}

// handleEvent accepts a webhook event, enqueues it for background
// processing, and acknowledges with 200 immediately. Processing failures
// never surface here; they're handled (and retried) by the asynq worker.
func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WebhookAckDuration)

	var event Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if event.ObjectType != types.WebhookObjectActivity {
		log.Logger.Debug().Str("object_type", string(event.ObjectType)).Msg("ignoring non-activity webhook event")
		w.WriteHeader(http.StatusOK)
		return
	}

	metrics.WebhookEventsTotal.WithLabelValues(string(event.AspectType)).Inc()

	payload, err := json.Marshal(event)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	task := asynq.NewTask(TaskTypeProcessEvent, payload)
	if _, err := h.asynqClient.EnqueueContext(r.Context(), task); err != nil {
		log.Logger.Error().Err(err).
			Int64("object_id", event.ObjectID).
			Str("aspect_type", string(event.AspectType)).
			Msg("failed to enqueue webhook event for processing")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	log.Logger.Info().
		Int64("object_id", event.ObjectID).
		Int64("owner_id", event.OwnerID).
		Str("aspect_type", string(event.AspectType)).
		Msg("webhook event accepted")
	w.WriteHeader(http.StatusOK)
}
