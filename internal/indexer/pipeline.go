package indexer

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"vfscore/internal/contextutil"
	"vfscore/internal/index"
	"vfscore/internal/model"
	"vfscore/internal/vectorstore"
	"vfscore/internal/vfserr"
)

const DefaultBatchSize = 32

// EmbeddingPipeline turns texts into vectors in bounded batches and makes
// sure a vector table exists for every dimension it sees.
type EmbeddingPipeline struct {
	models     model.Service
	vectors    vectorstore.VectorStore
	dimensions *index.DimensionRepo
	batchSize  int

	mu     sync.Mutex
	tables map[string]string
}

// NewEmbeddingPipeline creates a pipeline. batchSize <= 0 selects DefaultBatchSize.
func NewEmbeddingPipeline(models model.Service, vectors vectorstore.VectorStore, dimensions *index.DimensionRepo, batchSize int) *EmbeddingPipeline {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &EmbeddingPipeline{
		models:     models,
		vectors:    vectors,
		dimensions: dimensions,
		batchSize:  batchSize,
		tables:     make(map[string]string),
	}
}

// BatchSize returns the maximum number of texts per embedding call.
func (p *EmbeddingPipeline) BatchSize() int {
	return p.batchSize
}

// Batch is the result of one embedding call.
type Batch struct {
	Vectors   [][]float32
	Dimension int
	Table     string
}

// EmbedBatch embeds at most BatchSize texts with modelID. Every returned
// vector has the same dimension and the table for it exists.
func (p *EmbeddingPipeline) EmbedBatch(ctx context.Context, modality index.Modality, modelID string, texts []string) (*Batch, error) {
	if len(texts) == 0 {
		return &Batch{}, nil
	}
	if len(texts) > p.batchSize {
		return nil, fmt.Errorf("batch of %d texts exceeds batch size %d", len(texts), p.batchSize)
	}

	vecs, err := p.models.Embed(ctx, texts, modelID)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, &model.Error{Kind: model.ErrBadResponse, Message: fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(vecs))}
	}
	dim := len(vecs[0])
	if dim == 0 {
		return nil, &model.Error{Kind: model.ErrBadResponse, Message: "empty embedding"}
	}
	for i, v := range vecs {
		if len(v) != dim {
			return nil, &model.Error{Kind: model.ErrBadResponse, Message: fmt.Sprintf("embedding %d has dimension %d, batch has %d", i, len(v), dim)}
		}
	}

	table, err := p.ensureTable(ctx, modality, dim, modelID)
	if err != nil {
		return nil, err
	}
	return &Batch{Vectors: vecs, Dimension: dim, Table: table}, nil
}

// ensureTable creates and registers the table for (modality, dim). A cached
// table is reused only while its registry row is live; the collector may
// archive the row and drop the table at any time.
func (p *EmbeddingPipeline) ensureTable(ctx context.Context, modality index.Modality, dim int, modelID string) (string, error) {
	key := string(modality) + "|" + strconv.Itoa(dim) + "|" + modelID

	p.mu.Lock()
	defer p.mu.Unlock()
	if table, ok := p.tables[key]; ok {
		d, err := p.dimensions.Get(ctx, modality, dim)
		switch {
		case err == nil && d.ArchivedAt == nil:
			return table, nil
		case err != nil && !vfserr.IsKind(err, vfserr.KindNotFound):
			return "", err
		}
		delete(p.tables, key)
		contextutil.LoggerFromContext(ctx).InfoContext(ctx, "vector table was pruned, recreating",
			"table", table, "modality", modality, "dimension", dim)
	}

	table, err := p.vectors.EnsureTable(ctx, modality, dim)
	if err != nil {
		return "", fmt.Errorf("failed to ensure vector table: %w", err)
	}
	if _, err := p.dimensions.Register(ctx, modality, dim, modelID); err != nil {
		return "", err
	}
	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "vector table ready",
		"table", table, "modality", modality, "dimension", dim, "model", modelID)
	p.tables[key] = table
	return table, nil
}

// Forget drops cached table registrations, e.g. after tables were pruned.
func (p *EmbeddingPipeline) Forget() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tables = make(map[string]string)
}
