// Package metrics registers the Prometheus metrics of the VFS and adapts them
// to the indexing, search and garbage collection observer hooks.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"vfscore/internal/gc"
	"vfscore/internal/index"
	"vfscore/internal/indexer"
)

const namespace = "vfs"

// Metrics holds every metric owned by the process. Create one per registry
// so tests can use an isolated prometheus.Registry.
type Metrics struct {
	// indexJobsTotal counts finished indexing jobs by modality and outcome:
	// "indexed", "removed", "failed" or "disabled".
	indexJobsTotal *prometheus.CounterVec

	// indexDurationSeconds records the wall-clock duration of successful jobs.
	indexDurationSeconds *prometheus.HistogramVec

	// indexEmbeddedTotal counts segments sent to the embedding model.
	indexEmbeddedTotal *prometheus.CounterVec

	// indexStates is the number of resources per modality and state.
	indexStates *prometheus.GaugeVec

	// searchRequestsTotal counts queries by outcome: "ok" or "partial".
	searchRequestsTotal *prometheus.CounterVec

	searchDurationSeconds prometheus.Histogram
	searchResults         prometheus.Histogram

	// gcRunsTotal counts collection passes by outcome: "ok" or "error".
	gcRunsTotal       *prometheus.CounterVec
	gcOrphanVectors   prometheus.Counter
	gcBlobsDeleted    prometheus.Counter
	gcBytesFreed      prometheus.Counter
	gcResourcesReset  prometheus.Counter
	gcDurationSeconds prometheus.Histogram

	// httpRequestsTotal and httpDurationSeconds are partitioned by chi route
	// pattern rather than raw path.
	httpRequestsTotal   *prometheus.CounterVec
	httpDurationSeconds *prometheus.HistogramVec
}

// New registers all metrics against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		indexJobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "jobs_total",
			Help:      "Finished indexing jobs, partitioned by modality and outcome.",
		}, []string{"modality", "outcome"}),

		indexDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "job_duration_seconds",
			Help:      "Duration of successful indexing jobs.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"modality"}),

		indexEmbeddedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "embedded_segments_total",
			Help:      "Segments embedded by indexing jobs.",
		}, []string{"modality"}),

		indexStates: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "resources",
			Help:      "Resources per modality and indexing state.",
		}, []string{"modality", "state"}),

		searchRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "requests_total",
			Help:      "Completed search queries, partitioned by outcome.",
		}, []string{"outcome"}),

		searchDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "duration_seconds",
			Help:      "End-to-end latency of search queries.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		searchResults: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "results",
			Help:      "Number of results returned per query.",
			Buckets:   []float64{0, 1, 5, 10, 20, 50},
		}),

		gcRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "runs_total",
			Help:      "Garbage collection passes, partitioned by outcome.",
		}, []string{"outcome"}),

		gcOrphanVectors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "orphan_vectors_deleted_total",
			Help:      "Vector rows deleted because no segment referenced them.",
		}),

		gcBlobsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "blobs_deleted_total",
			Help:      "Unreferenced blobs removed by the sweep.",
		}),

		gcBytesFreed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "bytes_freed_total",
			Help:      "Bytes reclaimed by the blob sweep.",
		}),

		gcResourcesReset: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "resources_reset_total",
			Help:      "Resources returned to pending because their vectors were missing.",
		}),

		gcDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "duration_seconds",
			Help:      "Duration of garbage collection passes.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 30, 120, 600},
		}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests, partitioned by method, route pattern and status code.",
		}, []string{"method", "route", "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Progress is ignored; only terminal job events are counted.
func (m *Metrics) Progress(context.Context, indexer.Progress) {}

// Completed counts a finished job.
func (m *Metrics) Completed(_ context.Context, r *indexer.JobResult) {
	modality := string(r.Modality)
	if r.Removed {
		m.indexJobsTotal.WithLabelValues(modality, "removed").Inc()
		return
	}
	m.indexJobsTotal.WithLabelValues(modality, "indexed").Inc()
	m.indexDurationSeconds.WithLabelValues(modality).Observe(r.Duration.Seconds())
	m.indexEmbeddedTotal.WithLabelValues(modality).Add(float64(r.Embedded))
}

// Failed counts a failed job by the state it was left in.
func (m *Metrics) Failed(_ context.Context, _ string, modality index.Modality, state index.State, _ error) {
	outcome := "failed"
	if state == index.StateDisabled {
		outcome = "disabled"
	}
	m.indexJobsTotal.WithLabelValues(string(modality), outcome).Inc()
}

// ObserveStates publishes a state summary. States absent from summary are
// reported as zero.
func (m *Metrics) ObserveStates(summary index.StatusSummary) {
	for modality, states := range summary {
		for _, state := range index.AllStates() {
			m.indexStates.WithLabelValues(string(modality), string(state)).Set(float64(states[state]))
		}
	}
}

// SearchCompleted records one query.
func (m *Metrics) SearchCompleted(d time.Duration, results int, partial bool) {
	outcome := "ok"
	if partial {
		outcome = "partial"
	}
	m.searchRequestsTotal.WithLabelValues(outcome).Inc()
	m.searchDurationSeconds.Observe(d.Seconds())
	m.searchResults.Observe(float64(results))
}

// CollectionCompleted records one garbage collection pass.
func (m *Metrics) CollectionCompleted(r *gc.Report, err error) {
	if err != nil {
		m.gcRunsTotal.WithLabelValues("error").Inc()
	} else {
		m.gcRunsTotal.WithLabelValues("ok").Inc()
	}
	if r == nil {
		return
	}
	m.gcOrphanVectors.Add(float64(r.Orphans()))
	m.gcBlobsDeleted.Add(float64(r.Sweep.Deleted))
	m.gcBytesFreed.Add(float64(r.Sweep.BytesFreed))
	m.gcResourcesReset.Add(float64(len(r.Reset)))
	m.gcDurationSeconds.Observe(r.Duration.Seconds())
}

// Middleware records request counts and latency by chi route pattern, so
// /api/resources/{id} is one series regardless of the id.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDurationSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
