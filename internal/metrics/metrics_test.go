package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/adaptex/internal/model"
)

func TestCollector(t *testing.T) {
	var c Collector
	c.SessionStarted("metrics-bp")
	c.SessionStarted("metrics-bp")
	c.ResponseScored("metrics-bp", true, 20*time.Second)
	c.ResponseScored("metrics-bp", false, 0)
	c.SessionFinished("metrics-bp", model.StateCompleted, model.StopItemCount)

	assert.Equal(t, 2.0, testutil.ToFloat64(sessionsStarted.WithLabelValues("metrics-bp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(responses.WithLabelValues("metrics-bp", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(responses.WithLabelValues("metrics-bp", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		sessionsFinished.WithLabelValues("metrics-bp", string(model.StateCompleted), string(model.StopItemCount))))
}

func TestMiddlewareAndHandler(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/things/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Handle("/metrics", Handler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/things/7", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `adaptex_http_request_duration_seconds_count{method="GET",route="/things/{id}",status="418"} 1`), body)
}
