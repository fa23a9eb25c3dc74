package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"vfscore/internal/blob"
	"vfscore/internal/clock"
	"vfscore/internal/config"
	"vfscore/internal/folder"
	"vfscore/internal/gc"
	"vfscore/internal/ids"
	"vfscore/internal/index"
	"vfscore/internal/indexer"
	"vfscore/internal/model/modeltest"
	"vfscore/internal/resource"
	"vfscore/internal/search"
	searchmocks "vfscore/internal/search/mocks"
	"vfscore/internal/storage"
	"vfscore/internal/storage/storagetest"
	"vfscore/internal/vectorstore"
	vectormocks "vfscore/internal/vectorstore/mocks"
	"vfscore/internal/vfserr"
)

func init() {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

const testDim = 32

type fixture struct {
	db        *storage.DB
	blobs     *blob.Store
	folders   *folder.Hierarchy
	resources *resource.Store
	index     *index.Store
	vectors   *vectorstore.MemoryStore
	models    *modeltest.HashingService
	job       *indexer.Job
	workers   *indexer.Workers
	collector *gc.Collector
	searcher  search.Searcher
	vfs       *VFS
}

type fixtureOption func(*Deps)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	db := storagetest.Open(t)
	c := clock.NewFixed(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))

	blobs, err := blob.NewStore(db, filepath.Join(t.TempDir(), "blobs"), blob.WithClock(c))
	if err != nil {
		t.Fatalf("blob.NewStore() error = %v", err)
	}
	idx := index.NewStore(db, c, index.DefaultRetryPolicy(), []index.Modality{index.ModalityText})
	resources := resource.NewStore(db, blobs, c, idx.States)
	folders := folder.NewHierarchy(db, folder.DefaultLimits(), c, resources)
	vectors := vectorstore.NewMemoryStore()
	models := modeltest.NewHashingService(testDim)

	job, err := indexer.NewJob(indexer.JobDeps{Resources: resources, Index: idx, Vectors: vectors, Models: models})
	if err != nil {
		t.Fatalf("indexer.NewJob() error = %v", err)
	}
	workers := indexer.NewWorkers(job, idx.States, indexer.WorkerOptions{Workers: 2, ID: "service-test"})
	collector := gc.NewCollector(blobs, idx, resources, vectors, models)
	searcher := search.NewService(idx, resources, folders, vectors, models,
		config.SearchConfig{VectorWeight: 0.7, KeywordWeight: 0.3, Timeout: 5 * time.Second, DefaultTopK: 10},
		search.WithClock(c))

	deps := Deps{
		DB:        db,
		Blobs:     blobs,
		Folders:   folders,
		Resources: resources,
		Index:     idx,
		Vectors:   vectors,
		Job:       job,
		Workers:   workers,
		Searcher:  searcher,
		Collector: collector,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	v, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(v.Close)

	return &fixture{
		db:        db,
		blobs:     blobs,
		folders:   folders,
		resources: resources,
		index:     idx,
		vectors:   vectors,
		models:    models,
		job:       job,
		workers:   workers,
		collector: collector,
		searcher:  searcher,
		vfs:       v,
	}
}

func (f *fixture) indexAll(t *testing.T) {
	t.Helper()
	res, err := f.vfs.BatchProcessPending(context.Background(), index.ModalityText, 0)
	if err != nil {
		t.Fatalf("BatchProcessPending() error = %v", err)
	}
	if res.Failed != 0 {
		t.Fatalf("BatchProcessPending() = %+v, want no failures", res)
	}
}

func (f *fixture) createFolder(t *testing.T, title string) string {
	t.Helper()
	fld, err := f.folders.CreateFolder(context.Background(), folder.CreateInput{Title: title})
	if err != nil {
		t.Fatalf("CreateFolder() error = %v", err)
	}
	return fld.ID
}

func (f *fixture) createPDF(t *testing.T, folderID *string) *resource.Document {
	t.Helper()
	doc, err := f.vfs.CreateDocument(context.Background(), ids.KindFile, resource.DocumentInput{
		Name: "greek.pdf",
		Mime: "application/pdf",
		Data: []byte("%PDF-1.7 three pages"),
		Pages: []resource.Page{
			{Index: 0, Text: "alpha"},
			{Index: 1, Text: "beta alpha"},
			{Index: 2, Text: "gamma"},
		},
	}, folderID)
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	return doc
}

func (f *fixture) vectorCount(t *testing.T) int64 {
	t.Helper()
	n, err := f.vectors.Count(context.Background(), index.TableName(index.ModalityText, testDim))
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	return n
}

func TestNew_MissingDependency(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() with no dependencies succeeded, want error")
	}
}

func TestVFS_CreateInFolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	physics := f.createFolder(t, "Physics")

	note, err := f.vfs.CreateNote(ctx, resource.NoteInput{Title: "Newton", Content: "F=ma"}, &physics)
	if err != nil {
		t.Fatalf("CreateNote() error = %v", err)
	}
	got, err := f.folders.FolderOf(ctx, ids.KindNote, note.ID)
	if err != nil {
		t.Fatalf("FolderOf() error = %v", err)
	}
	if got == nil || *got != physics {
		t.Errorf("FolderOf() = %v, want %s", got, physics)
	}
	st, err := f.index.States.Get(ctx, note.ID, index.ModalityText)
	if err != nil {
		t.Fatalf("States.Get() error = %v", err)
	}
	if st.State != index.StatePending {
		t.Errorf("state = %s, want pending", st.State)
	}

	missing := "fld_missing"
	_, err = f.vfs.CreateNote(ctx, resource.NoteInput{Title: "Lost", Content: "nowhere"}, &missing)
	if !vfserr.IsKind(err, vfserr.KindNotFound) {
		t.Fatalf("CreateNote() into unknown folder error = %v, want not found", err)
	}
	notes, err := f.resources.List(ctx, ids.KindNote, resource.ListOptions{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(notes) != 1 {
		t.Errorf("notes = %d, want 1 (failed create must roll back)", len(notes))
	}
}

func TestVFS_DeleteCascade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	papers := f.createFolder(t, "Papers")
	doc := f.createPDF(t, &papers)
	f.indexAll(t)

	if n := f.vectorCount(t); n != 3 {
		t.Fatalf("vector rows before delete = %d, want 3", n)
	}

	res, err := f.vfs.Delete(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if res.Purged || res.Segments != 3 {
		t.Errorf("Delete() = %+v, want soft delete of 3 segments", res)
	}
	f.vfs.Wait()

	where, err := f.folders.FolderOf(ctx, ids.KindFile, doc.ID)
	if err != nil {
		t.Fatalf("FolderOf() error = %v", err)
	}
	if where != nil {
		t.Errorf("FolderOf() = %s, want unfiled", *where)
	}
	segments, err := f.index.Segments.ListByResource(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Segments.ListByResource() error = %v", err)
	}
	if len(segments) != 0 {
		t.Errorf("segments after delete = %d, want 0", len(segments))
	}
	if n := f.vectorCount(t); n != 0 {
		t.Errorf("vector rows after delete = %d, want 0", n)
	}

	// Soft-deleted rows keep their blob reference until purged.
	b, err := f.blobs.Get(ctx, doc.BlobHash)
	if err != nil {
		t.Fatalf("Blobs.Get() error = %v", err)
	}
	if b.RefCount != 1 {
		t.Errorf("RefCount after delete = %d, want 1", b.RefCount)
	}

	if _, err := f.vfs.Purge(ctx, doc.ID); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	b, err = f.blobs.Get(ctx, doc.BlobHash)
	if err != nil {
		t.Fatalf("Blobs.Get() after purge error = %v", err)
	}
	if b.RefCount != 0 {
		t.Errorf("RefCount after purge = %d, want 0", b.RefCount)
	}

	sweep, err := f.vfs.SweepBlobs(ctx)
	if err != nil {
		t.Fatalf("SweepBlobs() error = %v", err)
	}
	if sweep.Deleted != 1 {
		t.Errorf("SweepBlobs() deleted = %d, want 1", sweep.Deleted)
	}
	if _, err := os.Stat(filepath.Join(f.blobs.Root(), blob.RelativePath(doc.BlobHash))); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("blob file still present after sweep, stat error = %v", err)
	}
}

func TestVFS_DeleteAttachmentPurges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	att, err := f.vfs.CreateDocument(ctx, ids.KindAttachment, resource.DocumentInput{
		Name: "scratch.txt", Mime: "text/plain", Data: []byte("scratch"),
	}, nil)
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}

	res, err := f.vfs.Delete(ctx, att.ID)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !res.Purged {
		t.Errorf("Delete() = %+v, want purged", res)
	}
	if _, err := f.resources.Summary(ctx, att.ID); !vfserr.IsKind(err, vfserr.KindNotFound) {
		t.Errorf("Summary() after delete error = %v, want not found", err)
	}
	b, err := f.blobs.Get(ctx, att.BlobHash)
	if err != nil {
		t.Fatalf("Blobs.Get() error = %v", err)
	}
	if b.RefCount != 0 {
		t.Errorf("RefCount = %d, want 0", b.RefCount)
	}
}

func TestVFS_DeleteVectorFailureLeftForReconcile(t *testing.T) {
	ctrl := gomock.NewController(t)
	failing := vectormocks.NewMockVectorStore(ctrl)
	failing.EXPECT().
		DeleteByIDs(gomock.Any(), index.TableName(index.ModalityText, testDim), gomock.Len(3)).
		Return(errors.New("vector store unavailable"))

	f := newFixture(t, func(d *Deps) { d.Vectors = failing })
	ctx := context.Background()
	doc := f.createPDF(t, nil)
	f.indexAll(t)

	if _, err := f.vfs.Delete(ctx, doc.ID); err != nil {
		t.Fatalf("Delete() error = %v, want success despite vector failure", err)
	}
	f.vfs.Wait()
	if n := f.vectorCount(t); n != 3 {
		t.Fatalf("vector rows = %d, want 3 orphans", n)
	}

	report, err := f.vfs.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if report.Orphans() != 3 {
		t.Errorf("Reconcile() orphans = %d, want 3", report.Orphans())
	}
	if n := f.vectorCount(t); n != 0 {
		t.Errorf("vector rows after reconcile = %d, want 0", n)
	}
}

func TestVFS_RestoreReindexes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	note, err := f.vfs.CreateNote(ctx, resource.NoteInput{Title: "Newton", Content: "F=ma"}, nil)
	if err != nil {
		t.Fatalf("CreateNote() error = %v", err)
	}
	f.indexAll(t)
	if _, err := f.vfs.Delete(ctx, note.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	f.vfs.Wait()

	if err := f.vfs.Restore(ctx, note.ID); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	f.indexAll(t)

	st, err := f.index.States.Get(ctx, note.ID, index.ModalityText)
	if err != nil {
		t.Fatalf("States.Get() error = %v", err)
	}
	if st.State != index.StateIndexed || st.SegmentCount != 1 {
		t.Errorf("state = %s with %d segments, want indexed with 1", st.State, st.SegmentCount)
	}
	if n := f.vectorCount(t); n != 1 {
		t.Errorf("vector rows = %d, want 1", n)
	}
}

func TestVFS_Move(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createFolder(t, "A")
	b := f.createFolder(t, "B")
	note, err := f.vfs.CreateNote(ctx, resource.NoteInput{Title: "n", Content: "c"}, &a)
	if err != nil {
		t.Fatalf("CreateNote() error = %v", err)
	}

	tests := []struct {
		name   string
		target *string
		want   *string
	}{
		{name: "to other folder", target: &b, want: &b},
		{name: "unfile", target: nil, want: nil},
		{name: "file again", target: &a, want: &a},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.vfs.Move(ctx, note.ID, tt.target); err != nil {
				t.Fatalf("Move() error = %v", err)
			}
			got, err := f.folders.FolderOf(ctx, ids.KindNote, note.ID)
			if err != nil {
				t.Fatalf("FolderOf() error = %v", err)
			}
			if (got == nil) != (tt.want == nil) || (got != nil && *got != *tt.want) {
				t.Errorf("FolderOf() = %v, want %v", got, tt.want)
			}
		})
	}

	if err := f.vfs.Move(ctx, "", &a); !vfserr.IsKind(err, vfserr.KindInvalidArgument) {
		t.Errorf("Move() with empty id error = %v, want invalid argument", err)
	}
}

func TestVFS_RebuildIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	note, err := f.vfs.CreateNote(ctx, resource.NoteInput{Title: "Newton", Content: "F=ma"}, nil)
	if err != nil {
		t.Fatalf("CreateNote() error = %v", err)
	}
	other, err := f.vfs.CreateNote(ctx, resource.NoteInput{Title: "Joule", Content: "W=Fd"}, nil)
	if err != nil {
		t.Fatalf("CreateNote() error = %v", err)
	}
	f.indexAll(t)

	t.Run("revives disabled", func(t *testing.T) {
		if err := f.vfs.Disable(ctx, note.ID, index.ModalityText, "manual"); err != nil {
			t.Fatalf("Disable() error = %v", err)
		}
		res, err := f.vfs.RebuildIndex(ctx, note.ID, false)
		if err != nil {
			t.Fatalf("RebuildIndex() error = %v", err)
		}
		if !slices.Equal(res.Scheduled, []string{note.ID}) {
			t.Errorf("Scheduled = %v, want [%s]", res.Scheduled, note.ID)
		}
		st, err := f.index.States.Get(ctx, note.ID, index.ModalityText)
		if err != nil {
			t.Fatalf("States.Get() error = %v", err)
		}
		if st.State != index.StatePending {
			t.Errorf("state = %s, want pending", st.State)
		}

		before := f.models.EmbedCalls()
		f.indexAll(t)
		if got := f.models.EmbedCalls(); got != before {
			t.Errorf("unchanged content embedded again: calls %d -> %d", before, got)
		}
	})

	t.Run("force re-embeds", func(t *testing.T) {
		res, err := f.vfs.RebuildIndex(ctx, note.ID, true)
		if err != nil {
			t.Fatalf("RebuildIndex(force) error = %v", err)
		}
		if res.Segments != 1 {
			t.Errorf("Segments dropped = %d, want 1", res.Segments)
		}
		f.vfs.Wait()
		before := f.models.EmbedCalls()
		f.indexAll(t)
		if got := f.models.EmbedCalls(); got <= before {
			t.Errorf("forced rebuild did not embed: calls %d -> %d", before, got)
		}
		if n := f.vectorCount(t); n != 2 {
			t.Errorf("vector rows = %d, want 2", n)
		}
	})

	t.Run("all live resources", func(t *testing.T) {
		res, err := f.vfs.RebuildIndex(ctx, "", false)
		if err != nil {
			t.Fatalf("RebuildIndex(all) error = %v", err)
		}
		want := []string{note.ID, other.ID}
		slices.Sort(want)
		got := slices.Clone(res.Scheduled)
		slices.Sort(got)
		if !slices.Equal(got, want) {
			t.Errorf("Scheduled = %v, want %v", got, want)
		}
		f.indexAll(t)
	})

	t.Run("errors", func(t *testing.T) {
		if _, err := f.vfs.RebuildIndex(ctx, ids.New(ids.KindNote), false); !vfserr.IsKind(err, vfserr.KindNotFound) {
			t.Errorf("RebuildIndex(unknown) error = %v, want not found", err)
		}
		if _, err := f.vfs.Delete(ctx, other.ID); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := f.vfs.RebuildIndex(ctx, other.ID, false); !vfserr.IsKind(err, vfserr.KindInvalidState) {
			t.Errorf("RebuildIndex(deleted) error = %v, want invalid state", err)
		}
	})
}

func TestVFS_IndexNow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	note, err := f.vfs.CreateNote(ctx, resource.NoteInput{Title: "Newton", Content: "F=ma"}, nil)
	if err != nil {
		t.Fatalf("CreateNote() error = %v", err)
	}

	res, err := f.vfs.IndexNow(ctx, note.ID, index.ModalityText)
	if err != nil {
		t.Fatalf("IndexNow() error = %v", err)
	}
	if res.Segments != 1 {
		t.Errorf("IndexNow() segments = %d, want 1", res.Segments)
	}

	_, err = f.vfs.IndexNow(ctx, note.ID, index.ModalityText)
	if !vfserr.IsKind(err, vfserr.KindInvalidState) {
		t.Errorf("second IndexNow() error = %v, want invalid state", err)
	}
}

type recordingObserver struct {
	mu      sync.Mutex
	summary index.StatusSummary
}

func (o *recordingObserver) ObserveStates(s index.StatusSummary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.summary = s
}

func TestVFS_Status(t *testing.T) {
	obs := &recordingObserver{}
	f := newFixture(t, func(d *Deps) { d.Observer = obs })
	ctx := context.Background()
	if _, err := f.vfs.CreateNote(ctx, resource.NoteInput{Title: "Newton", Content: "F=ma"}, nil); err != nil {
		t.Fatalf("CreateNote() error = %v", err)
	}
	f.indexAll(t)

	st, err := f.vfs.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Maintenance || st.Running {
		t.Errorf("Status() = %+v, want idle and attached", st)
	}
	if st.Coverage.Segments != 1 {
		t.Errorf("Coverage.Segments = %d, want 1", st.Coverage.Segments)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if got := obs.summary[index.ModalityText][index.StateIndexed]; got != 1 {
		t.Errorf("observed indexed = %d, want 1", got)
	}
}

func TestVFS_Maintenance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.vfs.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := f.vfs.EnterMaintenance(ctx); err != nil {
		t.Fatalf("EnterMaintenance() error = %v", err)
	}
	st, err := f.vfs.Status(ctx)
	if err != nil {
		t.Fatalf("Status() in maintenance error = %v", err)
	}
	if !st.Maintenance || st.Running {
		t.Errorf("Status() = maintenance %v running %v, want true false", st.Maintenance, st.Running)
	}
	_, err = f.vfs.CreateNote(ctx, resource.NoteInput{Title: "Blocked", Content: "write"}, nil)
	if !errors.Is(err, vfserr.ErrMaintenance) {
		t.Errorf("CreateNote() in maintenance error = %v, want db_maintenance", err)
	}

	if err := f.vfs.ExitMaintenance(ctx); err != nil {
		t.Fatalf("ExitMaintenance() error = %v", err)
	}
	if _, err := f.vfs.CreateNote(ctx, resource.NoteInput{Title: "Open", Content: "write"}, nil); err != nil {
		t.Fatalf("CreateNote() after maintenance error = %v", err)
	}
	st, err = f.vfs.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Maintenance || !st.Running {
		t.Errorf("Status() = maintenance %v running %v, want false true", st.Maintenance, st.Running)
	}
}

func TestVFS_SearchDelegates(t *testing.T) {
	ctrl := gomock.NewController(t)
	searcher := searchmocks.NewMockSearcher(ctrl)
	want := &search.Response{Query: "energy", Results: []search.Result{{ResourceID: "note_1"}}}
	searcher.EXPECT().
		Search(gomock.Any(), "energy", search.Filters{ResourceKinds: []ids.ResourceKind{ids.KindNote}}, search.Options{TopK: 3}).
		Return(want, nil)

	f := newFixture(t, func(d *Deps) { d.Searcher = searcher })
	got, err := f.vfs.Search(context.Background(), "energy",
		search.Filters{ResourceKinds: []ids.ResourceKind{ids.KindNote}}, search.Options{TopK: 3})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if got != want {
		t.Errorf("Search() = %+v, want the searcher's response", got)
	}
}
