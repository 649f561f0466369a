// Package metrics exposes Prometheus instruments for pipeline runs, the
// solver, marginalization and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nucleus_tracker"

// Run outcomes.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusCanceled = "canceled"
)

// Metrics groups the instruments registered on one registry.
type Metrics struct {
	gatherer prometheus.Gatherer

	runs          *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	solverPhases  prometheus.Histogram
	solverCost    prometheus.Histogram
	links         prometheus.Counter
	lowConfidence prometheus.Counter
	estimates     *prometheus.CounterVec
	edits         *prometheus.CounterVec

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New registers the instruments on reg. reg must also be a Gatherer for
// Handler to serve them; prometheus.Registry is both.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by outcome",
		}, []string{"status"}),

		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
		}, []string{"stage"}),

		solverPhases: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solver",
			Name:      "phases",
			Help:      "Shortest path phases per solve",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),

		solverCost: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solver",
			Name:      "cost_per_link",
			Help:      "Total solution cost divided by the number of chosen links",
			Buckets:   prometheus.LinearBuckets(-4, 1, 10),
		}),

		links: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "solver",
			Name:      "links_total",
			Help:      "Links chosen by the solver",
		}),

		lowConfidence: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "marginal",
			Name:      "low_confidence_links_total",
			Help:      "Links whose error rate exceeds the configured maximum",
		}),

		estimates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "marginal",
			Name:      "estimates_total",
			Help:      "Link probability estimates by method",
		}, []string{"method"}),

		edits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "edits_total",
			Help:      "Committed experiment edits by kind",
		}, []string{"kind"}),

		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),

		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// Run counts a finished pipeline run.
func (m *Metrics) Run(status string) {
	m.runs.WithLabelValues(status).Inc()
}

// Stage records how long a pipeline stage took.
func (m *Metrics) Stage(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Solve records the outcome of one solve.
func (m *Metrics) Solve(phases, links int, cost float64) {
	m.solverPhases.Observe(float64(phases))
	m.links.Add(float64(links))
	if links > 0 {
		m.solverCost.Observe(cost / float64(links))
	}
}

// Estimates counts marginalization results.
func (m *Metrics) Estimates(full, minimal, lowConfidence int) {
	m.estimates.WithLabelValues("full").Add(float64(full))
	m.estimates.WithLabelValues("minimal").Add(float64(minimal))
	m.lowConfidence.Add(float64(lowConfidence))
}

// Edit counts a committed edit.
func (m *Metrics) Edit(kind string) {
	m.edits.WithLabelValues(kind).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware counts requests per route template, so /api/experiments/{id}
// is one series regardless of the ID.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		m.requests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
