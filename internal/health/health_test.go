package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error   { return nil }
func down(context.Context) error { return errors.New("down") }

func TestChecker_Healthy(t *testing.T) {
	h := NewChecker(time.Second).Add("nats", ok).Add("redis", ok)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var status map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, map[string]string{"nats": StatusConnected, "redis": StatusConnected}, status)
}

func TestChecker_Unhealthy(t *testing.T) {
	h := NewChecker(time.Second).Add("nats", ok).Add("database", down)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	h.Ready(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "Not Ready", w.Body.String())
}

func TestChecker_ProbeTimeout(t *testing.T) {
	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	h := NewChecker(20*time.Millisecond).Add("slow", slow)

	start := time.Now()
	status := h.Check(context.Background())
	assert.Equal(t, StatusDisconnected, status["slow"])
	assert.Less(t, time.Since(start), time.Second)
}
