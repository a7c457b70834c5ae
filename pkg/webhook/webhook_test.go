package webhook

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pacecraft/enrichment/pkg/types"
)

func newTestHandler() *Handler {
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: "127.0.0.1:0"})
	return NewHandler("expected-token", client)
}

func TestHandleChallenge(t *testing.T) {
	h := newTestHandler()

	t.Run("valid verify token echoes the challenge", func(t *testing.T) {
		q := url.Values{"hub.verify_token": {"expected-token"}, "hub.challenge": {"abc123"}}
		req := httptest.NewRequest(http.MethodGet, "/webhooks/upstream?"+q.Encode(), nil)
		rec := httptest.NewRecorder()

		h.handleChallenge(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "abc123", body["hub.challenge"])
	})

	t.Run("invalid verify token is rejected", func(t *testing.T) {
		q := url.Values{"hub.verify_token": {"wrong"}, "hub.challenge": {"abc123"}}
		req := httptest.NewRequest(http.MethodGet, "/webhooks/upstream?"+q.Encode(), nil)
		rec := httptest.NewRecorder()

		h.handleChallenge(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestHandleEventIgnoresNonActivityObjects(t *testing.T) {
	h := newTestHandler()

	event := Event{ObjectType: types.WebhookObjectAthlete, AspectType: types.WebhookAspectUpdate, ObjectID: 1, OwnerID: 2}
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/upstream", bytes.NewReader(payload))
	rec := httptest.NewRecorder()

	h.handleEvent(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEventJSONRoundTrip(t *testing.T) {
	original := Event{
		ObjectType: types.WebhookObjectActivity,
		AspectType: types.WebhookAspectCreate,
		ObjectID:   123,
		OwnerID:    456,
	}

	payload, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, original, decoded)
}
