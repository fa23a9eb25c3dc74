package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"vfscore/internal/blob"
	"vfscore/internal/clock"
	"vfscore/internal/config"
	"vfscore/internal/folder"
	"vfscore/internal/gc"
	"vfscore/internal/index"
	"vfscore/internal/indexer"
	"vfscore/internal/metrics"
	"vfscore/internal/model"
	"vfscore/internal/resource"
	"vfscore/internal/search"
	"vfscore/internal/service"
	"vfscore/internal/storage"
	"vfscore/internal/vectorstore"
)

// app is the fully wired process: every component the commands need.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	db       *storage.DB
	vectors  vectorstore.VectorStore
	vfs      *service.VFS
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

// modalities returns the indexing modalities enabled by cfg. Multimodal
// indexing needs a model assigned to it.
func modalities(cfg *config.Config) []index.Modality {
	out := []index.Modality{index.ModalityText}
	if cfg.Model.MultimodalModel != "" {
		out = append(out, index.ModalityMultimodal)
	}
	return out
}

// newApp opens storage and wires the VFS. The caller must call close.
func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	db, err := storage.Open(ctx, cfg.Storage.DBPath, storage.Options{
		PoolSize:    cfg.Storage.PoolSize,
		BusyTimeout: cfg.Storage.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	log.Info("database opened", "path", cfg.Storage.DBPath)

	vectors, err := vectorstore.Open(cfg.Vector)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	log.Info("vector store opened", "backend", cfg.Vector.Backend)

	a, err := wire(cfg, log, db, vectors)
	if err != nil {
		_ = vectors.Close()
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func wire(cfg *config.Config, log *slog.Logger, db *storage.DB, vectors vectorstore.VectorStore) (*app, error) {
	c := clock.System{}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	blobs, err := blob.NewStore(db, cfg.Storage.BlobDir, blob.WithMaxSize(cfg.Storage.MaxBlobSize))
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	idx := index.NewStore(db, c, index.RetryPolicy{
		MaxRetries: cfg.Indexing.MaxRetries,
		Base:       cfg.Indexing.RetryBase,
		Max:        cfg.Indexing.RetryMax,
	}, modalities(cfg))
	resources := resource.NewStore(db, blobs, c, idx.States)
	folders := folder.NewHierarchy(db, folder.Limits{
		MaxDepth: cfg.Folders.MaxDepth,
		MaxCount: cfg.Folders.MaxCount,
	}, c, resources)

	models := model.NewClient(cfg.Model, storage.NewConfigRepo(db))

	chunker, err := indexer.NewChunker(cfg.Indexing.ChunkTokens, cfg.Indexing.ChunkOverlap, nil)
	if err != nil {
		return nil, fmt.Errorf("chunker: %w", err)
	}
	job, err := indexer.NewJob(indexer.JobDeps{
		Resources: resources,
		Index:     idx,
		Vectors:   vectors,
		Models:    models,
		Chunker:   chunker,
		Pipeline:  indexer.NewEmbeddingPipeline(models, vectors, idx.Dimensions, cfg.Indexing.BatchSize),
		Reporter:  m,
	})
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	workers := indexer.NewWorkers(job, idx.States, indexer.WorkerOptions{
		Workers:        cfg.Indexing.Workers,
		QueuePerWorker: cfg.Indexing.QueuePerWorker,
		PollInterval:   cfg.Indexing.PollInterval,
		ID:             fmt.Sprintf("%s-%d", hostname, os.Getpid()),
	})

	searcher := search.NewService(idx, resources, folders, vectors, models, cfg.Search, search.WithRecorder(m))
	collector := gc.NewCollector(blobs, idx, resources, vectors, models, gc.WithRecorder(m))

	v, err := service.New(service.Deps{
		DB:         db,
		Blobs:      blobs,
		Folders:    folders,
		Resources:  resources,
		Index:      idx,
		Vectors:    vectors,
		Job:        job,
		Workers:    workers,
		Searcher:   searcher,
		Collector:  collector,
		Observer:   m,
		GCInterval: cfg.GC.Interval,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		log:      log,
		db:       db,
		vectors:  vectors,
		vfs:      v,
		registry: registry,
		metrics:  m,
	}, nil
}

// close stops background work and releases storage.
func (a *app) close() error {
	a.vfs.Close()
	return errors.Join(a.vectors.Close(), a.db.Close())
}
