package vectorstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"vfscore/internal/index"
)

// MemoryStore keeps vectors in process memory. Contents are lost on Close.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]map[string]Row
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]map[string]Row)}
}

func (s *MemoryStore) EnsureTable(_ context.Context, modality index.Modality, dim int) (string, error) {
	if err := validateDim(dim); err != nil {
		return "", err
	}
	table := index.TableName(modality, dim)
	if err := validateTable(table); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[table]; !ok {
		s.tables[table] = make(map[string]Row)
	}
	return table, nil
}

func (s *MemoryStore) Upsert(_ context.Context, table string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[table]
	if !ok {
		return fmt.Errorf("vector table %s does not exist", table)
	}
	dim := dimFromTable(table)
	for _, r := range rows {
		if len(r.Vector) != dim {
			return fmt.Errorf("vector for %s has dimension %d, table %s expects %d", r.VectorRowID, len(r.Vector), table, dim)
		}
	}
	for _, r := range rows {
		r.Vector = slices.Clone(r.Vector)
		t[r.VectorRowID] = r
	}
	return nil
}

func (s *MemoryStore) DeleteByIDs(_ context.Context, table string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tables[table]
	for _, id := range ids {
		delete(t, id)
	}
	return nil
}

func (s *MemoryStore) DeleteByResource(_ context.Context, table, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.tables[table] {
		if r.ResourceID == resourceID {
			delete(s.tables[table], id)
		}
	}
	return nil
}

func (s *MemoryStore) Search(_ context.Context, table string, query []float32, k int, filter *Filter) ([]Hit, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be greater than 0")
	}
	var allowed map[string]bool
	if filter != nil {
		allowed = idSet(filter.ResourceIDs)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	hits := make([]Hit, 0, len(s.tables[table]))
	for _, r := range s.tables[table] {
		if allowed != nil && !allowed[r.ResourceID] {
			continue
		}
		hits = append(hits, Hit{
			VectorRowID:  r.VectorRowID,
			ResourceID:   r.ResourceID,
			UnitID:       r.UnitID,
			SegmentIndex: r.SegmentIndex,
			Score:        cosine(query, r.Vector),
			Payload:      r.Payload,
		})
	}
	return topK(hits, k), nil
}

func (s *MemoryStore) ListIDs(_ context.Context, table string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.tables[table])), nil
}

func (s *MemoryStore) Count(_ context.Context, table string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.tables[table])), nil
}

func (s *MemoryStore) Tables(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.tables)), nil
}

func (s *MemoryStore) DropTable(_ context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, table)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = make(map[string]map[string]Row)
	return nil
}
