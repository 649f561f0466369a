package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Run(StatusOK)
	m.Run(StatusOK)
	m.Run(StatusCanceled)
	m.Solve(12, 40, -80)
	m.Estimates(30, 10, 2)
	m.Edit("add_link")
	m.Stage("solve", 20*time.Millisecond)

	assert.InDelta(t, 2, testutil.ToFloat64(m.runs.WithLabelValues(StatusOK)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.runs.WithLabelValues(StatusCanceled)), 0)
	assert.InDelta(t, 40, testutil.ToFloat64(m.links), 0)
	assert.InDelta(t, 10, testutil.ToFloat64(m.estimates.WithLabelValues("minimal")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.lowConfidence), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.edits.WithLabelValues("add_link")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.stageDuration))
}

func TestMiddlewareUsesRouteTemplate(t *testing.T) {
	m := New(prometheus.NewRegistry())
	r := mux.NewRouter()
	r.Use(m.Middleware)
	r.HandleFunc("/api/experiments/{id}", func(w http.ResponseWriter, r *http.Request) {
		if mux.Vars(r)["id"] == "missing" {
			http.NotFound(w, r)
		}
	})
	r.Handle("/metrics", m.Handler())

	for _, path := range []string{"/api/experiments/a", "/api/experiments/b", "/api/experiments/missing"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.InDelta(t, 2, testutil.ToFloat64(m.requests.WithLabelValues("/api/experiments/{id}", "200")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.requests.WithLabelValues("/api/experiments/{id}", "404")), 0)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "nucleus_tracker_http_requests_total")
}
