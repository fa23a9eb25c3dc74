// Package vectorstore stores embedding vectors in one table per
// (modality, dimension) pair and answers nearest-neighbour queries.
package vectorstore

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_vector_store.go -package=mocks vfscore/internal/vectorstore VectorStore

import (
	"context"
	"fmt"
	"regexp"

	"vfscore/internal/index"
)

// Row is one vector keyed by its stable vector_row_id.
type Row struct {
	// VectorRowID must be a UUID (see index.VectorRowID). The Qdrant backend
	// rejects anything else; the SQLite and memory backends accept any string.
	VectorRowID  string
	ResourceID   string
	UnitID       string
	SegmentIndex int
	Vector       []float32
	Payload      map[string]any
}

// Hit is a search result. Score is cosine similarity, higher is closer.
type Hit struct {
	VectorRowID  string
	ResourceID   string
	UnitID       string
	SegmentIndex int
	Score        float32
	Payload      map[string]any
}

// Filter narrows a search. A nil ResourceIDs means any resource; an empty
// non-nil slice matches nothing.
type Filter struct {
	ResourceIDs []string
}

// VectorStore is the storage contract shared by every backend.
type VectorStore interface {
	// EnsureTable creates the table for (modality, dim) if missing and returns its name.
	EnsureTable(ctx context.Context, modality index.Modality, dim int) (string, error)
	// Upsert writes rows, overwriting any row with the same vector_row_id.
	Upsert(ctx context.Context, table string, rows []Row) error
	DeleteByIDs(ctx context.Context, table string, ids []string) error
	DeleteByResource(ctx context.Context, table, resourceID string) error
	Search(ctx context.Context, table string, query []float32, topK int, filter *Filter) ([]Hit, error)
	// ListIDs returns every vector_row_id in table.
	ListIDs(ctx context.Context, table string) ([]string, error)
	Count(ctx context.Context, table string) (int64, error)
	Tables(ctx context.Context) ([]string, error)
	DropTable(ctx context.Context, table string) error
	Close() error
}

var tableNamePattern = regexp.MustCompile(`^vfs_emb_(text|multimodal)_[1-9][0-9]*$`)

func validateTable(table string) error {
	if !tableNamePattern.MatchString(table) {
		return fmt.Errorf("invalid vector table name %q", table)
	}
	return nil
}

func validateDim(dim int) error {
	if dim <= 0 {
		return fmt.Errorf("vector dimension must be positive, got %d", dim)
	}
	return nil
}
