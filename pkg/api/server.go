// Package api exposes the service's internal HTTP surface: queue status,
// per-activity segments, a manual backfill trigger, Prometheus metrics, and
// a liveness/readiness probe.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/pacecraft/enrichment/pkg/events"
	"github.com/pacecraft/enrichment/pkg/log"
	"github.com/pacecraft/enrichment/pkg/metrics"
	"github.com/pacecraft/enrichment/pkg/queue"
	"github.com/pacecraft/enrichment/pkg/storage"
)

// Server is the internal HTTP API.
type Server struct {
	router   chi.Router
	store    storage.Store
	queue    *queue.Queue
	checkers []Checker
	broker   *events.Broker
}

// New builds a Server. webhookMount, if non-nil, mounts the webhook intake
// routes alongside the internal surface. broker, if non-nil, is published to
// after a manual enrich enqueues work, waking the scheduler immediately.
func New(store storage.Store, q *queue.Queue, checkers []Checker, webhookMount func(chi.Router), broker *events.Broker) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		store:    store,
		queue:    q,
		checkers: checkers,
		broker:   broker,
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metrics.Handler())

	s.router.Route("/internal", func(r chi.Router) {
		r.Get("/queue/status", s.handleQueueStatus)
		r.Get("/users/{userID}/segments", s.handleUserSegments)
		r.Post("/users/{userID}/enrich", s.handleManualEnrich)
	})

	if webhookMount != nil {
		webhookMount(s.router)
	}

	return s
}

// Router returns the underlying chi router, e.g. for http.ListenAndServe.
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	healthy := true
	checks := make(map[string]string, len(s.checkers))
	for _, c := range s.checkers {
		result := c.Check(ctx)
		if !result.Healthy {
			healthy = false
			checks[string(c.Type())] = result.Message
		} else {
			checks[string(c.Type())] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy": healthy,
		"checks":  checks,
	})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.queue.Snapshot(r.Context())
	if err != nil {
		log.Logger.Error().Err(err).Msg("failed to snapshot queue status")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"depth_by_status":    snapshot.Depth,
		"oldest_pending_age": snapshot.OldestPendingAge.String(),
		"has_pending":        snapshot.HasPending,
	})
}

func (s *Server) handleUserSegments(w http.ResponseWriter, r *http.Request) {
	activityID, err := uuid.Parse(r.URL.Query().Get("activity_id"))
	if err != nil {
		http.Error(w, "activity_id query param required", http.StatusBadRequest)
		return
	}

	segments, err := s.store.ListSegments(r.Context(), activityID)
	if err != nil {
		log.Logger.Error().Err(err).Str("activity_id", activityID.String()).Msg("failed to list segments")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, segments)
}

func (s *Server) handleManualEnrich(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	var body struct {
		ActivityIDs []uuid.UUID `json:"activity_ids"`
		Priority    int         `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	enqueued := 0
	for _, activityID := range body.ActivityIDs {
		inserted, err := s.queue.Enqueue(r.Context(), activityID, userID, body.Priority)
		if err != nil {
			log.Logger.Error().Err(err).Str("activity_id", activityID.String()).Msg("manual enrich: failed to enqueue activity")
			continue
		}
		if inserted {
			enqueued++
		}
	}
	if enqueued > 0 && s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventQueueItemQueued, Message: userID.String()})
	}

	writeJSON(w, http.StatusAccepted, map[string]int{"enqueued": enqueued})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
