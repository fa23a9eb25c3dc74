// Package servicetest assembles a complete VFS on throwaway storage for
// tests of the layers above the service.
package servicetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"vfscore/internal/blob"
	"vfscore/internal/clock"
	"vfscore/internal/config"
	"vfscore/internal/folder"
	"vfscore/internal/gc"
	"vfscore/internal/index"
	"vfscore/internal/indexer"
	"vfscore/internal/model/modeltest"
	"vfscore/internal/resource"
	"vfscore/internal/search"
	"vfscore/internal/service"
	"vfscore/internal/storage"
	"vfscore/internal/storage/storagetest"
	"vfscore/internal/vectorstore"
)

// Dim is the embedding dimension of the hashing model.
const Dim = 32

// Env is a wired VFS and the components behind it.
type Env struct {
	DB        *storage.DB
	Blobs     *blob.Store
	Folders   *folder.Hierarchy
	Resources *resource.Store
	Index     *index.Store
	Vectors   *vectorstore.MemoryStore
	Models    *modeltest.HashingService
	Searcher  search.Searcher
	VFS       *service.VFS
}

// New builds an Env with a fixed clock, an in-memory vector store and the
// hashing embedding model. Background work is not started.
func New(t testing.TB) *Env {
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
	models := modeltest.NewHashingService(Dim)

	job, err := indexer.NewJob(indexer.JobDeps{Resources: resources, Index: idx, Vectors: vectors, Models: models})
	if err != nil {
		t.Fatalf("indexer.NewJob() error = %v", err)
	}
	workers := indexer.NewWorkers(job, idx.States, indexer.WorkerOptions{Workers: 1, ID: "servicetest"})
	searcher := search.NewService(idx, resources, folders, vectors, models,
		config.SearchConfig{VectorWeight: 0.7, KeywordWeight: 0.3, Timeout: 5 * time.Second, DefaultTopK: 10},
		search.WithClock(c))

	v, err := service.New(service.Deps{
		DB:        db,
		Blobs:     blobs,
		Folders:   folders,
		Resources: resources,
		Index:     idx,
		Vectors:   vectors,
		Job:       job,
		Workers:   workers,
		Searcher:  searcher,
		Collector: gc.NewCollector(blobs, idx, resources, vectors, models),
	})
	if err != nil {
		t.Fatalf("service.New() error = %v", err)
	}
	t.Cleanup(v.Close)

	return &Env{
		DB:        db,
		Blobs:     blobs,
		Folders:   folders,
		Resources: resources,
		Index:     idx,
		Vectors:   vectors,
		Models:    models,
		Searcher:  searcher,
		VFS:       v,
	}
}

// IndexAll drains pending text work and fails the test on any failure.
func (e *Env) IndexAll(t testing.TB) {
	t.Helper()
	res, err := e.VFS.BatchProcessPending(context.Background(), index.ModalityText, 0)
	if err != nil {
		t.Fatalf("BatchProcessPending() error = %v", err)
	}
	if res.Failed != 0 {
		t.Fatalf("BatchProcessPending() = %+v, want no failures", res)
	}
}
