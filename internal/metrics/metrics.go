// Package metrics exposes Prometheus collectors for exam activity and the
// HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pavelanni/adaptex/internal/model"
)

var (
	sessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adaptex_sessions_started_total",
			Help: "Number of exam sessions started",
		},
		[]string{"blueprint"},
	)

	sessionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adaptex_sessions_finished_total",
			Help: "Number of exam sessions that reached a terminal state",
		},
		[]string{"blueprint", "state", "reason"},
	)

	responses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adaptex_responses_total",
			Help: "Number of scored responses",
		},
		[]string{"blueprint", "correct"},
	)

	responseTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adaptex_response_seconds",
			Help:    "Time candidates spent on an item",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"blueprint"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adaptex_http_request_duration_seconds",
			Help:    "Duration of API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// Collector records session lifecycle events.
type Collector struct{}

func (Collector) SessionStarted(blueprintID string) {
	sessionsStarted.WithLabelValues(blueprintID).Inc()
}

func (Collector) ResponseScored(blueprintID string, correct bool, elapsed time.Duration) {
	responses.WithLabelValues(blueprintID, strconv.FormatBool(correct)).Inc()
	if elapsed > 0 {
		responseTime.WithLabelValues(blueprintID).Observe(elapsed.Seconds())
	}
}

func (Collector) SessionFinished(blueprintID string, state model.SessionState, reason model.StopReason) {
	sessionsFinished.WithLabelValues(blueprintID, string(state), string(reason)).Inc()
}

// Gauges registers gauges sampled from fn on every scrape. Call once per
// process.
func Gauges(sessionsInMemory, stableItems func() float64) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "adaptex_sessions_in_memory",
		Help: "Sessions held by the session manager",
	}, sessionsInMemory)
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "adaptex_calibrated_items",
		Help: "Items with a published calibration estimate",
	}, stableItems)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware observes request duration labelled by route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		requestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
	})
}
