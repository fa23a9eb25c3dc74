package indexer

import (
	"context"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"vfscore/internal/blob"
	"vfscore/internal/clock"
	"vfscore/internal/index"
	"vfscore/internal/model"
	"vfscore/internal/model/modeltest"
	"vfscore/internal/resource"
	"vfscore/internal/storage/storagetest"
	"vfscore/internal/vectorstore"
	"vfscore/internal/vfserr"
)

const testDim = 64

type fixture struct {
	clock     *clock.Fixed
	index     *index.Store
	resources *resource.Store
	vectors   *vectorstore.MemoryStore
	models    *modeltest.HashingService
	job       *Job
	workers   *Workers
}

type fixtureOptions struct {
	chunkTokens  int
	chunkOverlap int
	batchSize    int
	workers      int
	models       model.Service
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	db := storagetest.Open(t)
	c := clock.NewFixed(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))

	blobs, err := blob.NewStore(db, filepath.Join(t.TempDir(), "blobs"), blob.WithClock(c))
	if err != nil {
		t.Fatalf("blob.NewStore() error = %v", err)
	}
	idx := index.NewStore(db, c, index.DefaultRetryPolicy(), []index.Modality{index.ModalityText})
	resources := resource.NewStore(db, blobs, c, idx.States)

	hashing := modeltest.NewHashingService(testDim)
	var models model.Service = hashing
	if opts.models != nil {
		models = opts.models
	}

	if opts.chunkTokens == 0 {
		opts.chunkTokens, opts.chunkOverlap = DefaultChunkTokens, DefaultChunkOverlap
	}
	chunker, err := NewChunker(opts.chunkTokens, opts.chunkOverlap, nil)
	if err != nil {
		t.Fatalf("NewChunker() error = %v", err)
	}
	vectors := vectorstore.NewMemoryStore()

	job, err := NewJob(JobDeps{
		Resources: resources,
		Index:     idx,
		Vectors:   vectors,
		Models:    models,
		Chunker:   chunker,
		Pipeline:  NewEmbeddingPipeline(models, vectors, idx.Dimensions, opts.batchSize),
	})
	if err != nil {
		t.Fatalf("NewJob() error = %v", err)
	}
	workers := NewWorkers(job, idx.States, WorkerOptions{Workers: max(1, opts.workers), QueuePerWorker: 2, PollInterval: 20 * time.Millisecond, ID: "test-worker"})

	return &fixture{clock: c, index: idx, resources: resources, vectors: vectors, models: hashing, job: job, workers: workers}
}

func (f *fixture) createNote(t *testing.T, title, content string) *resource.Note {
	t.Helper()
	n, err := f.resources.CreateNote(context.Background(), resource.NoteInput{Title: title, Content: content})
	if err != nil {
		t.Fatalf("CreateNote() error = %v", err)
	}
	return n
}

func (f *fixture) process(t *testing.T) *BatchResult {
	t.Helper()
	res, err := f.workers.BatchProcessPending(context.Background(), index.ModalityText, 0)
	if err != nil {
		t.Fatalf("BatchProcessPending() error = %v", err)
	}
	return res
}

func (f *fixture) state(t *testing.T, id string) *index.IndexState {
	t.Helper()
	st, err := f.index.States.Get(context.Background(), id, index.ModalityText)
	if err != nil {
		t.Fatalf("States.Get() error = %v", err)
	}
	return st
}

func TestJob_NoteIndexing(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	note := f.createNote(t, "Newton", "F=ma")

	res := f.process(t)
	if res.Claimed != 1 || res.Indexed != 1 || res.Failed != 0 {
		t.Fatalf("BatchProcessPending() = %+v, want 1 claimed and indexed", res)
	}

	units, err := f.index.Units.ListByResource(ctx, note.ID)
	if err != nil {
		t.Fatalf("Units.ListByResource() error = %v", err)
	}
	if len(units) != 1 || units[0].Kind != index.UnitWhole || units[0].NeedsReindex {
		t.Fatalf("units = %+v, want one indexed whole unit", units)
	}

	segments, err := f.index.Segments.ListByResource(ctx, note.ID)
	if err != nil {
		t.Fatalf("Segments.ListByResource() error = %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("segments = %d, want 1", len(segments))
	}
	seg := segments[0]
	table := index.TableName(index.ModalityText, testDim)
	if seg.TableName != table || seg.Dimension != testDim {
		t.Errorf("segment table = %s/%d, want %s", seg.TableName, seg.Dimension, table)
	}
	if seg.StartPos == nil || seg.EndPos == nil || *seg.EndPos-*seg.StartPos != len([]rune(seg.ContentText)) {
		t.Errorf("segment offsets = %v..%v, want span of content text", seg.StartPos, seg.EndPos)
	}

	rowIDs, err := f.vectors.ListIDs(ctx, table)
	if err != nil {
		t.Fatalf("ListIDs() error = %v", err)
	}
	if !slices.Equal(rowIDs, []string{seg.VectorRowID}) {
		t.Errorf("vector rows = %v, want [%s]", rowIDs, seg.VectorRowID)
	}

	st := f.state(t, note.ID)
	if st.State != index.StateIndexed || st.SegmentCount != 1 || st.WorkerID != "" {
		t.Errorf("state = %+v, want indexed with 1 segment", st)
	}
	if _, err := f.index.Dimensions.Get(ctx, index.ModalityText, testDim); err != nil {
		t.Errorf("dimension not registered: %v", err)
	}
}

func TestJob_IdempotentRerun(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	note := f.createNote(t, "Newton", "F=ma")
	f.process(t)
	calls := f.models.EmbedCalls()

	if err := f.index.States.Reset(ctx, note.ID, index.ModalityText); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	res := f.process(t)
	if res.Indexed != 1 {
		t.Fatalf("BatchProcessPending() = %+v, want 1 indexed", res)
	}
	if got := f.models.EmbedCalls(); got != calls {
		t.Errorf("EmbedCalls() = %d after unchanged rerun, want %d", got, calls)
	}
	if st := f.state(t, note.ID); st.SegmentCount != 1 {
		t.Errorf("segment count = %d, want 1", st.SegmentCount)
	}
}

func TestJob_ContentChangeReplacesVectors(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	note := f.createNote(t, "Newton", "F=ma")
	f.process(t)

	before, err := f.index.Segments.ListByResource(ctx, note.ID)
	if err != nil {
		t.Fatalf("Segments.ListByResource() error = %v", err)
	}

	content := "E=mc2"
	if _, err := f.resources.UpdateNote(ctx, note.ID, resource.NotePatch{Content: &content}, nil); err != nil {
		t.Fatalf("UpdateNote() error = %v", err)
	}
	if st := f.state(t, note.ID); st.State != index.StatePending {
		t.Fatalf("state after update = %s, want pending", st.State)
	}
	f.process(t)

	after, err := f.index.Segments.ListByResource(ctx, note.ID)
	if err != nil {
		t.Fatalf("Segments.ListByResource() error = %v", err)
	}
	if len(after) != 1 || !strings.Contains(after[0].ContentText, "E=mc2") {
		t.Fatalf("segments after update = %+v, want one with new content", after)
	}
	rowIDs, err := f.vectors.ListIDs(ctx, index.TableName(index.ModalityText, testDim))
	if err != nil {
		t.Fatalf("ListIDs() error = %v", err)
	}
	if slices.Contains(rowIDs, before[0].VectorRowID) {
		t.Error("old vector row still present after content change")
	}
	if !slices.Equal(rowIDs, []string{after[0].VectorRowID}) {
		t.Errorf("vector rows = %v, want [%s]", rowIDs, after[0].VectorRowID)
	}
}

func TestJob_EmptyNoteIndexedWithoutSegments(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	note := f.createNote(t, "", "   ")

	res := f.process(t)
	if res.Indexed != 1 {
		t.Fatalf("BatchProcessPending() = %+v, want 1 indexed", res)
	}
	st := f.state(t, note.ID)
	if st.State != index.StateIndexed || st.SegmentCount != 0 {
		t.Errorf("state = %+v, want indexed with 0 segments", st)
	}
	if f.models.EmbedCalls() != 0 {
		t.Errorf("EmbedCalls() = %d, want 0", f.models.EmbedCalls())
	}
}

func TestJob_SegmentsMatchChunks(t *testing.T) {
	f := newFixture(t, fixtureOptions{chunkTokens: 20, chunkOverlap: 4, batchSize: 2})
	ctx := context.Background()
	body := strings.Repeat("Momentum is conserved in a closed system. ", 12)
	note := f.createNote(t, "Momentum", body)

	f.process(t)

	units, err := f.index.Units.ListByResource(ctx, note.ID)
	if err != nil {
		t.Fatalf("Units.ListByResource() error = %v", err)
	}
	chunks := f.job.Chunker().Chunk(units[0].Text)
	if len(chunks) < 3 {
		t.Fatalf("Chunk() = %d chunks, want several", len(chunks))
	}
	segments, err := f.index.Segments.ListByResource(ctx, note.ID)
	if err != nil {
		t.Fatalf("Segments.ListByResource() error = %v", err)
	}
	if len(segments) != len(chunks) {
		t.Errorf("segments = %d, chunks = %d, want equal", len(segments), len(chunks))
	}
	for _, b := range f.models.Batches() {
		if len(b) > 2 {
			t.Errorf("embedding batch of %d texts exceeds batch size 2", len(b))
		}
	}
	count, err := f.vectors.Count(ctx, index.TableName(index.ModalityText, testDim))
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if int(count) != len(chunks) {
		t.Errorf("vector count = %d, want %d", count, len(chunks))
	}
}

func TestJob_RemovedResource(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	note := f.createNote(t, "Gone", "soon")
	f.process(t)

	if _, err := f.resources.Delete(ctx, note.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := f.index.States.Reset(ctx, note.ID, index.ModalityText); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	res := f.process(t)
	if res.Removed != 1 {
		t.Fatalf("BatchProcessPending() = %+v, want 1 removed", res)
	}
	if _, err := f.index.States.Get(ctx, note.ID, index.ModalityText); !vfserr.IsKind(err, vfserr.KindNotFound) {
		t.Errorf("States.Get() error = %v, want not found", err)
	}
	segments, err := f.index.Segments.ListByResource(ctx, note.ID)
	if err != nil {
		t.Fatalf("Segments.ListByResource() error = %v", err)
	}
	if len(segments) != 0 {
		t.Errorf("segments = %d, want 0", len(segments))
	}
	count, err := f.vectors.Count(ctx, index.TableName(index.ModalityText, testDim))
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 0 {
		t.Errorf("vector count = %d, want 0", count)
	}
}

func TestJob_NoModelAssigned(t *testing.T) {
	hashing := modeltest.NewHashingService(testDim)
	hashing.Assigned = model.Assignments{}
	f := newFixture(t, fixtureOptions{models: hashing})
	note := f.createNote(t, "Newton", "F=ma")

	res := f.process(t)
	if res.Failed != 1 {
		t.Fatalf("BatchProcessPending() = %+v, want 1 failed", res)
	}
	st := f.state(t, note.ID)
	if st.State != index.StateFailed || st.NextRetryAt != nil {
		t.Errorf("state = %+v, want failed without retry", st)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "model unavailable", err: &model.Error{Kind: model.ErrUnavailable}, want: true},
		{name: "model auth", err: &model.Error{Kind: model.ErrAuth}, want: false},
		{name: "model quota", err: &model.Error{Kind: model.ErrQuota}, want: false},
		{name: "invalid argument", err: vfserr.Invalid("op", "", "bad"), want: false},
		{name: "not found", err: vfserr.NotFound("op", "x"), want: false},
		{name: "database", err: vfserr.Database("op", context.DeadlineExceeded), want: true},
		{name: "cancelled", err: context.Canceled, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
