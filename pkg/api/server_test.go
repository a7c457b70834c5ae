package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	checkType CheckType
	healthy   bool
}

func (f fakeChecker) Type() CheckType { return f.checkType }

func (f fakeChecker) Check(ctx context.Context) Result {
	if f.healthy {
		return Result{Healthy: true, CheckedAt: time.Now()}
	}
	return Result{Healthy: false, Message: "unreachable", CheckedAt: time.Now()}
}

func TestHandleHealthz(t *testing.T) {
	t.Run("all checkers healthy returns 200", func(t *testing.T) {
		s := &Server{checkers: []Checker{
			fakeChecker{checkType: CheckTypePostgres, healthy: true},
			fakeChecker{checkType: CheckTypeRedis, healthy: true},
		}}

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		s.handleHealthz(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, true, body["healthy"])
	})

	t.Run("one unhealthy checker returns 503", func(t *testing.T) {
		s := &Server{checkers: []Checker{
			fakeChecker{checkType: CheckTypePostgres, healthy: true},
			fakeChecker{checkType: CheckTypeRedis, healthy: false},
		}}

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		s.handleHealthz(rec, req)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, false, body["healthy"])
		checks := body["checks"].(map[string]interface{})
		assert.Equal(t, "unreachable", checks[string(CheckTypeRedis)])
	})
}
