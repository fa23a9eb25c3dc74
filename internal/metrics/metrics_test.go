package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"vfscore/internal/blob"
	"vfscore/internal/gc"
	"vfscore/internal/index"
	"vfscore/internal/indexer"
	"vfscore/internal/search"
)

var (
	_ indexer.Reporter = (*Metrics)(nil)
	_ search.Recorder  = (*Metrics)(nil)
	_ gc.Recorder      = (*Metrics)(nil)
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return New(reg), reg
}

func TestMetrics_IndexJobs(t *testing.T) {
	m, _ := newTestMetrics(t)
	ctx := context.Background()

	m.Completed(ctx, &indexer.JobResult{Modality: index.ModalityText, Embedded: 3, Duration: time.Second})
	m.Completed(ctx, &indexer.JobResult{Modality: index.ModalityText, Removed: true})
	m.Failed(ctx, "note_1", index.ModalityText, index.StateFailed, errors.New("timeout"))
	m.Failed(ctx, "note_2", index.ModalityText, index.StateDisabled, errors.New("timeout"))

	tests := []struct {
		outcome string
		want    float64
	}{
		{"indexed", 1},
		{"removed", 1},
		{"failed", 1},
		{"disabled", 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(m.indexJobsTotal.WithLabelValues("text", tt.outcome)); got != tt.want {
			t.Errorf("jobs_total{outcome=%q} = %v, want %v", tt.outcome, got, tt.want)
		}
	}
	if got := testutil.ToFloat64(m.indexEmbeddedTotal.WithLabelValues("text")); got != 3 {
		t.Errorf("embedded_segments_total = %v, want 3", got)
	}
}

func TestMetrics_ObserveStates(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.ObserveStates(index.StatusSummary{
		index.ModalityText: {index.StateIndexed: 4, index.StatePending: 1},
	})

	if got := testutil.ToFloat64(m.indexStates.WithLabelValues("text", "indexed")); got != 4 {
		t.Errorf("resources{indexed} = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.indexStates.WithLabelValues("text", "disabled")); got != 0 {
		t.Errorf("resources{disabled} = %v, want 0", got)
	}
}

func TestMetrics_SearchAndGC(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SearchCompleted(20*time.Millisecond, 5, false)
	m.SearchCompleted(10*time.Second, 1, true)
	if got := testutil.ToFloat64(m.searchRequestsTotal.WithLabelValues("partial")); got != 1 {
		t.Errorf("search requests{partial} = %v, want 1", got)
	}

	m.CollectionCompleted(&gc.Report{
		Sweep:  blob.SweepReport{Deleted: 2, BytesFreed: 100},
		Tables: []gc.TableReport{{Table: "vfs_emb_text_8", Orphans: 3}},
		Reset:  []string{"note_1"},
	}, nil)
	m.CollectionCompleted(nil, errors.New("disk"))

	if got := testutil.ToFloat64(m.gcOrphanVectors); got != 3 {
		t.Errorf("orphan_vectors_deleted_total = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.gcBytesFreed); got != 100 {
		t.Errorf("bytes_freed_total = %v, want 100", got)
	}
	if got := testutil.ToFloat64(m.gcRunsTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("runs_total{error} = %v, want 1", got)
	}
}

func TestMetrics_MiddlewareUsesRoutePattern(t *testing.T) {
	m, reg := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/resources/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	for _, id := range []string{"note_a", "note_b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/resources/"+id, nil))
	}

	if got := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/api/resources/{id}", "404")); got != 2 {
		t.Errorf("requests_total{route=/api/resources/{id}} = %v, want 2", got)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "vfs_http_requests_total") {
		t.Error("/metrics output missing vfs_http_requests_total")
	}
}
