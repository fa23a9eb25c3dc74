// Package gc reclaims storage the VFS no longer references: unreferenced
// blobs, vector rows without a registry entry, and unused vector tables.
package gc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"vfscore/internal/blob"
	"vfscore/internal/contextutil"
	"vfscore/internal/index"
	"vfscore/internal/model"
	"vfscore/internal/resource"
	"vfscore/internal/vectorstore"
	"vfscore/internal/vfserr"
)

// DefaultDeleteBatch bounds how many vector rows one delete call removes.
const DefaultDeleteBatch = 500

// TableReport describes the reconcile of one vector table.
type TableReport struct {
	Table string `json:"table"`
	// Orphans counts vector rows deleted because no segment referenced them.
	Orphans int `json:"orphans"`
	// Missing counts segments deleted because their vector row was gone.
	Missing int `json:"missing"`
	// Deferred counts rows left for a later pass because indexing was in
	// flight: unregistered vector rows seen for the first time, and segments
	// of resources being indexed.
	Deferred int `json:"deferred,omitempty"`
}

// Report summarises one collection pass.
type Report struct {
	Sweep  blob.SweepReport `json:"sweep"`
	Tables []TableReport    `json:"tables"`
	Reset  []string         `json:"reset_resources,omitempty"`
	// Dropped lists deleted resources whose leftover index rows were removed.
	Dropped  []string      `json:"dropped_resources,omitempty"`
	Archived []string      `json:"archived_tables,omitempty"`
	Repaired []string      `json:"repaired_blobs,omitempty"`
	Duration time.Duration `json:"duration"`
	// Errors lists failures of best-effort steps that did not stop the pass.
	Errors []string `json:"errors,omitempty"`
}

// Orphans returns the total number of orphan vector rows deleted.
func (r *Report) Orphans() int {
	var n int
	for _, t := range r.Tables {
		n += t.Orphans
	}
	return n
}

// Recorder observes completed passes.
type Recorder interface {
	CollectionCompleted(r *Report, err error)
}

// Collector runs garbage collection passes. Every step is idempotent.
type Collector struct {
	blobs       *blob.Store
	index       *index.Store
	resources   *resource.Store
	vectors     vectorstore.VectorStore
	models      model.Service
	audit       bool
	deleteBatch int
	recorder    Recorder

	mu sync.Mutex
	// suspects holds, per table, unregistered vector rows deferred by the
	// previous pass.
	suspects map[string]map[string]struct{}
}

// Option configures a Collector.
type Option func(*Collector)

// WithAudit enables the blob reference count audit on every pass.
func WithAudit(enabled bool) Option {
	return func(c *Collector) { c.audit = enabled }
}

// WithDeleteBatch sets the vector delete batch size.
func WithDeleteBatch(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.deleteBatch = n
		}
	}
}

// WithRecorder reports every pass to r.
func WithRecorder(r Recorder) Option {
	return func(c *Collector) { c.recorder = r }
}

// NewCollector creates a Collector. models may be nil, which disables
// dimension pruning.
func NewCollector(
	blobs *blob.Store,
	idx *index.Store,
	resources *resource.Store,
	vectors vectorstore.VectorStore,
	models model.Service,
	opts ...Option,
) *Collector {
	c := &Collector{
		blobs:       blobs,
		index:       idx,
		resources:   resources,
		vectors:     vectors,
		models:      models,
		deleteBatch: DefaultDeleteBatch,
		suspects:    make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunOnce runs sweep, reconcile and prune, then the audit when enabled.
func (c *Collector) RunOnce(ctx context.Context) (*Report, error) {
	started := time.Now()
	logger := contextutil.LoggerFromContext(ctx)
	report := &Report{}

	err := c.runOnce(ctx, report)
	report.Duration = time.Since(started)
	if c.recorder != nil {
		c.recorder.CollectionCompleted(report, err)
	}
	if err != nil {
		logger.ErrorContext(ctx, "garbage collection failed", "error", err)
		return report, err
	}

	logger.InfoContext(ctx, "garbage collection completed",
		"blobs_deleted", report.Sweep.Deleted,
		"bytes_freed", report.Sweep.BytesFreed,
		"orphan_vectors", report.Orphans(),
		"reset_resources", len(report.Reset),
		"dropped_resources", len(report.Dropped),
		"archived_tables", len(report.Archived),
		"repaired_blobs", len(report.Repaired),
		"duration_ms", report.Duration.Milliseconds(),
	)
	return report, nil
}

func (c *Collector) runOnce(ctx context.Context, report *Report) error {
	sweep, err := c.blobs.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	report.Sweep = sweep

	if err := c.reconcile(ctx, report); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if err := c.prune(ctx, report); err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	if c.audit {
		repaired, err := c.Audit(ctx)
		if err != nil {
			return fmt.Errorf("audit: %w", err)
		}
		report.Repaired = repaired
	}
	return nil
}

// Reconcile diffs every vector table against the segment registry in both
// directions without sweeping blobs.
func (c *Collector) Reconcile(ctx context.Context) (*Report, error) {
	started := time.Now()
	report := &Report{}
	err := c.reconcile(ctx, report)
	report.Duration = time.Since(started)
	return report, err
}

func (c *Collector) reconcile(ctx context.Context, report *Report) error {
	logger := contextutil.LoggerFromContext(ctx)

	if err := c.dropDeadResources(ctx, report); err != nil {
		return err
	}

	tables, err := c.tables(ctx)
	if err != nil {
		return err
	}

	reset := make(map[string]struct{})
	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			return err
		}
		modality, ok := tableModality(table)
		if !ok {
			continue
		}
		tr := TableReport{Table: table}
		// Read before listing rows so a job claimed after this point is
		// covered by the orphan deferral below.
		inFlight, err := c.index.States.ResourcesInState(ctx, modality, index.StateIndexing)
		if err != nil {
			return err
		}

		vectorIDs, err := c.vectors.ListIDs(ctx, table)
		if err != nil {
			return err
		}
		registered, err := c.index.Segments.VectorRowIDs(ctx, table)
		if err != nil {
			return err
		}

		var orphans []string
		present := make(map[string]struct{}, len(vectorIDs))
		for _, id := range vectorIDs {
			present[id] = struct{}{}
			if _, ok := registered[id]; !ok {
				orphans = append(orphans, id)
			}
		}
		var missing []string
		for id := range registered {
			if _, ok := present[id]; !ok {
				missing = append(missing, id)
			}
		}
		sort.Strings(orphans)
		sort.Strings(missing)

		orphans, deferred := c.confirmOrphans(table, orphans, len(inFlight) > 0)
		tr.Deferred += deferred
		missing, deferred, err = c.settledMissing(ctx, missing, inFlight)
		if err != nil {
			return err
		}
		tr.Deferred += deferred

		for start := 0; start < len(orphans); start += c.deleteBatch {
			batch := orphans[start:min(start+c.deleteBatch, len(orphans))]
			if err := c.vectors.DeleteByIDs(ctx, table, batch); err != nil {
				logger.WarnContext(ctx, "failed to delete orphan vectors", "table", table, "count", len(batch), "error", err)
				report.Errors = append(report.Errors, fmt.Sprintf("%s: delete orphans: %v", table, err))
				continue
			}
			tr.Orphans += len(batch)
		}

		if len(missing) > 0 {
			resources, err := c.index.Segments.DeleteByVectorRowIDs(ctx, table, missing)
			if err != nil {
				return err
			}
			tr.Missing = len(missing)
			for _, id := range resources {
				if err := c.index.States.Reset(ctx, id, modality); err != nil && !vfserr.IsKind(err, vfserr.KindNotFound) {
					return err
				}
				reset[id] = struct{}{}
			}
			logger.WarnContext(ctx, "segments without vectors removed", "table", table, "count", len(missing), "resources", len(resources))
		}
		report.Tables = append(report.Tables, tr)
	}

	for id := range reset {
		report.Reset = append(report.Reset, id)
	}
	sort.Strings(report.Reset)

	if err := c.index.Dimensions.RefreshCounts(ctx); err != nil {
		return err
	}
	return nil
}

// confirmOrphans returns the orphans that may be deleted now. With indexing
// in flight a job may have upserted vectors whose segments are not committed
// yet, so only rows already deferred by the previous pass are confirmed; the
// rest are remembered for the next one.
func (c *Collector) confirmOrphans(table string, orphans []string, busy bool) ([]string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.suspects[table]
	delete(c.suspects, table)
	if !busy {
		return orphans, 0
	}
	var confirmed []string
	next := make(map[string]struct{})
	for _, id := range orphans {
		if _, ok := prev[id]; ok {
			confirmed = append(confirmed, id)
			continue
		}
		next[id] = struct{}{}
	}
	if len(next) > 0 {
		c.suspects[table] = next
	}
	return confirmed, len(next)
}

// settledMissing drops from missing the segments whose resource is being
// indexed; the running job replaces them.
func (c *Collector) settledMissing(ctx context.Context, missing []string, inFlight map[string]bool) ([]string, int, error) {
	if len(missing) == 0 || len(inFlight) == 0 {
		return missing, 0, nil
	}
	segments, err := c.index.Segments.ByVectorRowIDs(ctx, missing)
	if err != nil {
		return nil, 0, err
	}
	settled := missing[:0]
	for _, id := range missing {
		if seg, ok := segments[id]; ok && inFlight[seg.ResourceID] {
			continue
		}
		settled = append(settled, id)
	}
	return settled, len(missing) - len(settled), nil
}

// dropDeadResources removes index rows of resources that are purged or soft
// deleted. Segments are listed before live resources so a resource created in
// between is never mistaken for a dead one.
func (c *Collector) dropDeadResources(ctx context.Context, report *Report) error {
	logger := contextutil.LoggerFromContext(ctx)

	indexed, err := c.index.Segments.ResourceIDs(ctx)
	if err != nil {
		return err
	}
	if len(indexed) == 0 {
		return nil
	}
	liveIDs, err := c.resources.LiveIDs(ctx)
	if err != nil {
		return err
	}
	live := make(map[string]struct{}, len(liveIDs))
	for _, id := range liveIDs {
		live[id] = struct{}{}
	}

	for _, id := range indexed {
		if _, ok := live[id]; ok {
			continue
		}
		refs, err := c.index.DeleteResource(ctx, id)
		if err != nil {
			return err
		}
		for table, rowIDs := range index.GroupByTable(refs) {
			if err := c.vectors.DeleteByIDs(ctx, table, rowIDs); err != nil {
				logger.WarnContext(ctx, "failed to delete vectors of dead resource", "resource_id", id, "table", table, "error", err)
				report.Errors = append(report.Errors, fmt.Sprintf("%s: delete vectors of %s: %v", table, id, err))
			}
		}
		report.Dropped = append(report.Dropped, id)
		logger.InfoContext(ctx, "index rows of deleted resource removed", "resource_id", id, "segments", len(refs))
	}
	return nil
}

// tables returns every vector table known to the store or the registry.
func (c *Collector) tables(ctx context.Context) ([]string, error) {
	set := make(map[string]struct{})
	stored, err := c.vectors.Tables(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range stored {
		set[t] = struct{}{}
	}
	referenced, err := c.index.Segments.Tables(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range referenced {
		set[t] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// prune archives registry rows whose table is empty and whose model is no
// longer assigned to the modality, and drops the empty table.
func (c *Collector) prune(ctx context.Context, report *Report) error {
	if c.models == nil {
		return nil
	}
	logger := contextutil.LoggerFromContext(ctx)

	assigned, err := c.models.Assignments(ctx)
	if err != nil {
		logger.WarnContext(ctx, "dimension prune skipped, assignments unavailable", "error", err)
		report.Errors = append(report.Errors, fmt.Sprintf("prune: %v", err))
		return nil
	}
	dims, err := c.index.Dimensions.List(ctx, false)
	if err != nil {
		return err
	}
	segmentCounts, err := c.index.Segments.CountByTable(ctx)
	if err != nil {
		return err
	}

	for _, d := range dims {
		if d.ModelID == assigned.EmbeddingModel(string(d.Modality)) || segmentCounts[d.TableName] > 0 {
			continue
		}
		count, err := c.vectors.Count(ctx, d.TableName)
		if err != nil {
			logger.WarnContext(ctx, "failed to count vector table", "table", d.TableName, "error", err)
			continue
		}
		if count > 0 {
			continue
		}
		if err := c.index.Dimensions.Archive(ctx, d.Modality, d.Dimension); err != nil {
			if vfserr.IsKind(err, vfserr.KindNotFound) {
				continue
			}
			return err
		}
		if err := c.vectors.DropTable(ctx, d.TableName); err != nil {
			logger.WarnContext(ctx, "failed to drop archived vector table", "table", d.TableName, "error", err)
			report.Errors = append(report.Errors, fmt.Sprintf("%s: drop: %v", d.TableName, err))
		}
		report.Archived = append(report.Archived, d.TableName)
		logger.InfoContext(ctx, "vector table archived", "table", d.TableName, "model_id", d.ModelID)
	}
	return nil
}

// Audit recomputes blob reference counts from the resource tables and
// repairs any drift.
func (c *Collector) Audit(ctx context.Context) ([]string, error) {
	expected, err := c.resources.BlobReferenceCounts(ctx)
	if err != nil {
		return nil, err
	}
	return c.blobs.Audit(ctx, expected)
}

// Run collects every interval until ctx is cancelled. A failed pass is
// logged and retried on the next tick.
func (c *Collector) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return vfserr.Invalid("gc.run", "", "interval must be positive")
	}
	logger := contextutil.LoggerFromContext(ctx)
	logger.InfoContext(ctx, "garbage collector started", "interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "garbage collector stopped")
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			_, _ = c.RunOnce(ctx)
		}
	}
}

// tableModality extracts the modality from a vfs_emb_<modality>_<dim> name.
func tableModality(table string) (index.Modality, bool) {
	rest, ok := strings.CutPrefix(table, "vfs_emb_")
	if !ok {
		return "", false
	}
	i := strings.LastIndexByte(rest, '_')
	if i <= 0 {
		return "", false
	}
	m := index.Modality(rest[:i])
	return m, m.Valid()
}
