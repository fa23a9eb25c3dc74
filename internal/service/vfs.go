// Package service is the VFS façade. It composes the stores, the indexer and
// the garbage collector into the operations exposed by the HTTP API and the
// CLI: resource lifecycle with folder placement, cascade delete, index
// rebuilds and maintenance mode.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"vfscore/internal/blob"
	"vfscore/internal/contextutil"
	"vfscore/internal/folder"
	"vfscore/internal/gc"
	"vfscore/internal/ids"
	"vfscore/internal/index"
	"vfscore/internal/indexer"
	"vfscore/internal/resource"
	"vfscore/internal/search"
	"vfscore/internal/storage"
	"vfscore/internal/vectorstore"
	"vfscore/internal/vfserr"
)

// StateObserver receives the index state summary whenever Status runs.
type StateObserver interface {
	ObserveStates(summary index.StatusSummary)
}

// Deps are the collaborators of a VFS. Observer and GCInterval are optional.
type Deps struct {
	DB        *storage.DB
	Blobs     *blob.Store
	Folders   *folder.Hierarchy
	Resources *resource.Store
	Index     *index.Store
	Vectors   vectorstore.VectorStore
	Job       *indexer.Job
	Workers   *indexer.Workers
	Searcher  search.Searcher
	Collector *gc.Collector
	Observer  StateObserver

	// GCInterval schedules background collection passes; zero disables them.
	GCInterval time.Duration
}

// VFS is the entry point for every mutating operation that spans more than
// one store.
type VFS struct {
	db        *storage.DB
	blobs     *blob.Store
	folders   *folder.Hierarchy
	resources *resource.Store
	index     *index.Store
	vectors   vectorstore.VectorStore
	job       *indexer.Job
	workers   *indexer.Workers
	searcher  search.Searcher
	collector *gc.Collector
	observer  StateObserver

	gcInterval time.Duration

	mu       sync.Mutex
	startCtx context.Context
	running  bool
	// resume is set when maintenance stopped running background work.
	resume   bool
	gcCancel context.CancelFunc
	gcDone   chan struct{}

	// cleanup tracks asynchronous vector deletes.
	cleanup sync.WaitGroup
}

// New validates deps and creates a VFS.
func New(deps Deps) (*VFS, error) {
	if deps.DB == nil || deps.Blobs == nil || deps.Folders == nil || deps.Resources == nil ||
		deps.Index == nil || deps.Vectors == nil || deps.Job == nil || deps.Workers == nil ||
		deps.Searcher == nil || deps.Collector == nil {
		return nil, errors.New("service: missing dependency")
	}
	return &VFS{
		db:         deps.DB,
		blobs:      deps.Blobs,
		folders:    deps.Folders,
		resources:  deps.Resources,
		index:      deps.Index,
		vectors:    deps.Vectors,
		job:        deps.Job,
		workers:    deps.Workers,
		searcher:   deps.Searcher,
		collector:  deps.Collector,
		observer:   deps.Observer,
		gcInterval: deps.GCInterval,
	}, nil
}

// Blobs returns the blob store for read paths.
func (v *VFS) Blobs() *blob.Store { return v.blobs }

// Folders returns the folder hierarchy.
func (v *VFS) Folders() *folder.Hierarchy { return v.folders }

// Resources returns the resource tables for read paths.
func (v *VFS) Resources() *resource.Store { return v.resources }

// Start begins background indexing and, when configured, periodic garbage
// collection. Background work stops when ctx is cancelled or Close is called.
func (v *VFS) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.startCtx = ctx
	if v.db.InMaintenance() {
		v.resume = true
		return nil
	}
	return v.startBackgroundLocked(ctx)
}

// Close stops background work and waits for pending vector cleanup.
func (v *VFS) Close() {
	v.mu.Lock()
	v.stopBackgroundLocked()
	v.resume = false
	v.mu.Unlock()
	v.Wait()
}

// Wait blocks until every asynchronous vector delete has finished.
func (v *VFS) Wait() {
	v.cleanup.Wait()
}

func (v *VFS) startBackgroundLocked(ctx context.Context) error {
	if v.running {
		return nil
	}
	if err := v.workers.Start(ctx); err != nil {
		return err
	}
	if v.gcInterval > 0 {
		gcCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		v.gcCancel, v.gcDone = cancel, done
		go func() {
			defer close(done)
			if err := v.collector.Run(gcCtx, v.gcInterval); err != nil {
				contextutil.LoggerFromContext(gcCtx).ErrorContext(gcCtx, "garbage collector exited", "error", err)
			}
		}()
	}
	v.running = true
	return nil
}

func (v *VFS) stopBackgroundLocked() {
	if !v.running {
		return
	}
	v.workers.Stop()
	if v.gcCancel != nil {
		v.gcCancel()
		<-v.gcDone
		v.gcCancel, v.gcDone = nil, nil
	}
	v.running = false
}

// placeIn files a new resource into folderID inside its creating
// transaction. A nil or empty folderID leaves the resource unfiled.
func (v *VFS) placeIn(kind ids.ResourceKind, folderID *string) []resource.TxFunc {
	if folderID == nil || *folderID == "" {
		return nil
	}
	target := *folderID
	return []resource.TxFunc{func(ctx context.Context, q storage.Querier, id string) error {
		_, err := v.folders.AddItemTx(ctx, q, target, kind, id)
		return err
	}}
}

// CreateNote creates a note, optionally inside a folder, and schedules it
// for indexing.
func (v *VFS) CreateNote(ctx context.Context, in resource.NoteInput, folderID *string) (*resource.Note, error) {
	n, err := v.resources.CreateNote(ctx, in, v.placeIn(ids.KindNote, folderID)...)
	if err != nil {
		return nil, err
	}
	v.workers.Notify()
	return n, nil
}

// CreateDocument creates a file, textbook or attachment.
func (v *VFS) CreateDocument(ctx context.Context, kind ids.ResourceKind, in resource.DocumentInput, folderID *string) (*resource.Document, error) {
	d, err := v.resources.CreateDocument(ctx, kind, in, v.placeIn(kind, folderID)...)
	if err != nil {
		return nil, err
	}
	v.workers.Notify()
	return d, nil
}

// CreateEssay creates an essay.
func (v *VFS) CreateEssay(ctx context.Context, in resource.EssayInput, folderID *string) (*resource.Essay, error) {
	e, err := v.resources.CreateEssay(ctx, in, v.placeIn(ids.KindEssay, folderID)...)
	if err != nil {
		return nil, err
	}
	v.workers.Notify()
	return e, nil
}

// CreateExam creates an exam sheet.
func (v *VFS) CreateExam(ctx context.Context, in resource.ExamInput, folderID *string) (*resource.Exam, error) {
	e, err := v.resources.CreateExam(ctx, in, v.placeIn(ids.KindExam, folderID)...)
	if err != nil {
		return nil, err
	}
	v.workers.Notify()
	return e, nil
}

// CreateMindMap creates a mind map.
func (v *VFS) CreateMindMap(ctx context.Context, in resource.MindMapInput, folderID *string) (*resource.MindMap, error) {
	m, err := v.resources.CreateMindMap(ctx, in, v.placeIn(ids.KindMindMap, folderID)...)
	if err != nil {
		return nil, err
	}
	v.workers.Notify()
	return m, nil
}

// CreateTranslation creates a translation.
func (v *VFS) CreateTranslation(ctx context.Context, in resource.TranslationInput, folderID *string) (*resource.Translation, error) {
	tr, err := v.resources.CreateTranslation(ctx, in, v.placeIn(ids.KindTranslation, folderID)...)
	if err != nil {
		return nil, err
	}
	v.workers.Notify()
	return tr, nil
}

// UpdateNote applies patch. When expected is set the update fails with a
// conflict if the note changed since then.
func (v *VFS) UpdateNote(ctx context.Context, id string, patch resource.NotePatch, expected *time.Time) (*resource.Note, error) {
	n, err := v.resources.UpdateNote(ctx, id, patch, expected)
	if err != nil {
		return nil, err
	}
	v.workers.Notify()
	return n, nil
}

// UpdateDocument applies patch to a file, textbook or attachment.
func (v *VFS) UpdateDocument(ctx context.Context, id string, patch resource.DocumentPatch, expected *time.Time) (*resource.Document, error) {
	d, err := v.resources.UpdateDocument(ctx, id, patch, expected)
	if err != nil {
		return nil, err
	}
	v.workers.Notify()
	return d, nil
}

// UpdateEssay applies patch to an essay.
func (v *VFS) UpdateEssay(ctx context.Context, id string, patch resource.EssayPatch, expected *time.Time) (*resource.Essay, error) {
	e, err := v.resources.UpdateEssay(ctx, id, patch, expected)
	if err != nil {
		return nil, err
	}
	v.workers.Notify()
	return e, nil
}

// UpdateExam applies patch to an exam sheet.
func (v *VFS) UpdateExam(ctx context.Context, id string, patch resource.ExamPatch, expected *time.Time) (*resource.Exam, error) {
	e, err := v.resources.UpdateExam(ctx, id, patch, expected)
	if err != nil {
		return nil, err
	}
	v.workers.Notify()
	return e, nil
}

// UpdateMindMap applies patch to a mind map.
func (v *VFS) UpdateMindMap(ctx context.Context, id string, patch resource.MindMapPatch, expected *time.Time) (*resource.MindMap, error) {
	m, err := v.resources.UpdateMindMap(ctx, id, patch, expected)
	if err != nil {
		return nil, err
	}
	v.workers.Notify()
	return m, nil
}

// UpdateTranslation applies patch to a translation.
func (v *VFS) UpdateTranslation(ctx context.Context, id string, patch resource.TranslationPatch, expected *time.Time) (*resource.Translation, error) {
	tr, err := v.resources.UpdateTranslation(ctx, id, patch, expected)
	if err != nil {
		return nil, err
	}
	v.workers.Notify()
	return tr, nil
}

// Move files a resource into folderID, or unfiles it when folderID is nil.
func (v *VFS) Move(ctx context.Context, id string, folderID *string) error {
	kind, err := kindOf(id)
	if err != nil {
		return err
	}
	if folderID == nil || *folderID == "" {
		return v.folders.RemoveItem(ctx, kind, id)
	}
	_, err = v.folders.MoveItem(ctx, kind, id, *folderID)
	return err
}

// DeleteResult describes a delete or purge.
type DeleteResult struct {
	ResourceID string `json:"resource_id"`
	// Purged is set when the row was hard-deleted.
	Purged bool `json:"purged"`
	// Segments is the number of index segments removed; their vector rows
	// are deleted asynchronously.
	Segments int `json:"segments"`
}

// cascade unfiles the resource and removes its index rows in the deleting
// transaction, collecting the vector rows to drop afterwards.
func (v *VFS) cascade(kind ids.ResourceKind, refs *[]index.VectorRef) resource.TxFunc {
	return func(ctx context.Context, q storage.Querier, id string) error {
		if err := folder.RemoveItemTx(ctx, q, kind, id); err != nil {
			return err
		}
		removed, err := v.index.DeleteResourceTx(ctx, q, id)
		if err != nil {
			return err
		}
		*refs = removed
		return nil
	}
}

// Delete removes a resource from its folder and from the index. Most kinds
// are soft deleted and can be restored; attachments are purged. Vector rows
// are deleted after the transaction commits without blocking the caller.
func (v *VFS) Delete(ctx context.Context, id string) (*DeleteResult, error) {
	kind, err := kindOf(id)
	if err != nil {
		return nil, err
	}
	var refs []index.VectorRef
	purged, err := v.resources.Delete(ctx, id, v.cascade(kind, &refs))
	if err != nil {
		return nil, err
	}
	v.deleteVectorsAsync(ctx, id, refs)
	return &DeleteResult{ResourceID: id, Purged: purged, Segments: len(refs)}, nil
}

// Purge hard-deletes a resource, live or soft-deleted, and releases its blob
// references. Blobs whose count reaches zero are removed by the next sweep.
func (v *VFS) Purge(ctx context.Context, id string) (*DeleteResult, error) {
	kind, err := kindOf(id)
	if err != nil {
		return nil, err
	}
	var refs []index.VectorRef
	if err := v.resources.Purge(ctx, id, v.cascade(kind, &refs)); err != nil {
		return nil, err
	}
	v.deleteVectorsAsync(ctx, id, refs)
	return &DeleteResult{ResourceID: id, Purged: true, Segments: len(refs)}, nil
}

// Restore un-deletes a soft-deleted resource and schedules it for indexing.
// The resource comes back unfiled.
func (v *VFS) Restore(ctx context.Context, id string) error {
	if err := v.resources.Restore(ctx, id); err != nil {
		return err
	}
	v.workers.Notify()
	return nil
}

// deleteVectorsAsync drops vector rows in the background. Rows a failed call
// leaves behind are orphans that reconcile removes.
func (v *VFS) deleteVectorsAsync(ctx context.Context, resourceID string, refs []index.VectorRef) {
	if len(refs) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	v.cleanup.Add(1)
	go func() {
		defer v.cleanup.Done()
		logger := contextutil.LoggerFromContext(ctx)
		for table, rowIDs := range index.GroupByTable(refs) {
			if err := v.vectors.DeleteByIDs(ctx, table, rowIDs); err != nil {
				logger.WarnContext(ctx, "vector cleanup failed, left for reconcile",
					"resource_id", resourceID, "table", table, "count", len(rowIDs), "error", err)
				continue
			}
			logger.DebugContext(ctx, "vectors deleted", "resource_id", resourceID, "table", table, "count", len(rowIDs))
		}
	}()
}

// RebuildResult lists the resources scheduled by RebuildIndex.
type RebuildResult struct {
	Scheduled []string `json:"scheduled"`
	// Segments counts segments dropped by a forced rebuild.
	Segments int `json:"segments"`
}

// RebuildIndex schedules resourceID, or every live resource when it is
// empty, for indexing in all modalities. Disabled and failed rows are
// revived. With force the existing units and segments are dropped first so
// every unit is chunked and embedded again.
func (v *VFS) RebuildIndex(ctx context.Context, resourceID string, force bool) (*RebuildResult, error) {
	targets := []string{resourceID}
	if resourceID == "" {
		live, err := v.resources.LiveIDs(ctx)
		if err != nil {
			return nil, err
		}
		targets = live
	} else {
		sum, err := v.resources.Summary(ctx, resourceID)
		if err != nil {
			return nil, err
		}
		if sum.Deleted {
			return nil, vfserr.New(vfserr.KindInvalidState, vfserr.CodeInvalidTransition, "service.rebuild",
				fmt.Sprintf("%s is deleted", resourceID))
		}
	}

	result := &RebuildResult{Scheduled: make([]string, 0, len(targets))}
	for _, id := range targets {
		kind, err := kindOf(id)
		if err != nil {
			return result, err
		}
		var refs []index.VectorRef
		err = v.db.InTx(ctx, func(tx *sql.Tx) error {
			if force {
				removed, err := v.index.DeleteResourceTx(ctx, tx, id)
				if err != nil {
					return err
				}
				refs = removed
				return v.index.States.MarkPendingTx(ctx, tx, kind, id)
			}
			for _, m := range v.index.States.Modalities() {
				err := v.index.States.ResetTx(ctx, tx, id, m)
				if vfserr.IsKind(err, vfserr.KindNotFound) {
					err = v.index.States.EnsurePendingTx(ctx, tx, kind, id, m)
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return result, err
		}
		v.deleteVectorsAsync(ctx, id, refs)
		result.Scheduled = append(result.Scheduled, id)
		result.Segments += len(refs)
	}

	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "index rebuild scheduled",
		"resources", len(result.Scheduled), "force", force, "segments_dropped", result.Segments)
	v.workers.Notify()
	return result, nil
}

// IndexNow claims a pending resource and indexes it on the calling
// goroutine.
func (v *VFS) IndexNow(ctx context.Context, resourceID string, modality index.Modality) (*indexer.JobResult, error) {
	st, err := v.index.States.Claim(ctx, resourceID, modality, v.workers.ID())
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, vfserr.New(vfserr.KindInvalidState, vfserr.CodeInvalidTransition, "service.index_now",
			fmt.Sprintf("%s is not pending for %s", resourceID, modality))
	}
	return v.workers.Process(ctx, st)
}

// BatchProcessPending drains up to limit pending rows of modality.
func (v *VFS) BatchProcessPending(ctx context.Context, modality index.Modality, limit int) (*indexer.BatchResult, error) {
	return v.workers.BatchProcessPending(ctx, modality, limit)
}

// Disable excludes a resource from indexing until it is rebuilt.
func (v *VFS) Disable(ctx context.Context, resourceID string, modality index.Modality, reason string) error {
	kind, err := kindOf(resourceID)
	if err != nil {
		return err
	}
	return v.index.States.Disable(ctx, kind, resourceID, modality, reason)
}

// Search runs a hybrid query.
func (v *VFS) Search(ctx context.Context, query string, filters search.Filters, opts search.Options) (*search.Response, error) {
	return v.searcher.Search(ctx, query, filters, opts)
}

// Status describes the index and the process.
type Status struct {
	Maintenance bool                   `json:"maintenance"`
	Running     bool                   `json:"running"`
	Coverage    *indexer.CoverageStats `json:"coverage"`
}

// Status reports coverage and state counts and publishes the counts to the
// observer.
func (v *VFS) Status(ctx context.Context) (*Status, error) {
	cov, err := v.job.Coverage(ctx)
	if err != nil {
		return nil, err
	}
	if v.observer != nil {
		v.observer.ObserveStates(cov.States)
	}
	v.mu.Lock()
	running := v.running
	v.mu.Unlock()
	return &Status{Maintenance: v.db.InMaintenance(), Running: running, Coverage: cov}, nil
}

// Reconcile diffs the vector store against the segment registry.
func (v *VFS) Reconcile(ctx context.Context) (*gc.Report, error) {
	return v.collector.Reconcile(ctx)
}

// SweepBlobs removes blobs nobody references.
func (v *VFS) SweepBlobs(ctx context.Context) (blob.SweepReport, error) {
	return v.blobs.Sweep(ctx)
}

// CollectGarbage runs one full collection pass.
func (v *VFS) CollectGarbage(ctx context.Context) (*gc.Report, error) {
	return v.collector.RunOnce(ctx)
}

// EnterMaintenance stops background work and detaches the database file so
// it can be backed up or replaced. Writes fail until ExitMaintenance.
func (v *VFS) EnterMaintenance(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.db.InMaintenance() {
		return nil
	}
	wasRunning := v.running
	v.stopBackgroundLocked()
	if err := v.db.EnterMaintenance(ctx); err != nil {
		if wasRunning {
			if serr := v.startBackgroundLocked(v.startCtx); serr != nil {
				contextutil.LoggerFromContext(ctx).ErrorContext(ctx, "failed to resume background work", "error", serr)
			}
		}
		return err
	}
	v.resume = wasRunning
	return nil
}

// ExitMaintenance reattaches the database file and resumes background work
// that EnterMaintenance stopped.
func (v *VFS) ExitMaintenance(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.db.ExitMaintenance(ctx); err != nil {
		return err
	}
	if !v.resume {
		return nil
	}
	v.resume = false
	return v.startBackgroundLocked(v.startCtx)
}
