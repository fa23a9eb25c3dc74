// Package modeltest provides a deterministic in-process model service.
package modeltest

import (
	"context"
	"hash/fnv"
	"math"
	"sync"

	"vfscore/internal/index"
	"vfscore/internal/model"
)

// HashingService embeds text by feature hashing its terms into Dim buckets.
// Texts sharing terms get similar vectors, which is enough for ranking tests.
type HashingService struct {
	Dim         int
	Assigned    model.Assignments
	RerankFunc  func(query string, candidates []string) []model.RerankScore
	RewriteFunc func(query string) *model.Rewrite

	mu       sync.Mutex
	failures []error
	calls    int
	batches  [][]string
}

// NewHashingService returns a service with a text embedding model assigned.
func NewHashingService(dim int) *HashingService {
	return &HashingService{
		Dim:      dim,
		Assigned: model.Assignments{EmbeddingModelID: "hashing", MultimodalModelID: "hashing"},
	}
}

// FailNext queues errors returned by the next Embed calls, in order.
func (s *HashingService) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// EmbedCalls returns the number of Embed calls, failed ones included.
func (s *HashingService) EmbedCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Batches returns the inputs of every successful Embed call.
func (s *HashingService) Batches() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.batches...)
}

func (s *HashingService) Embed(_ context.Context, texts []string, _ string) ([][]float32, error) {
	s.mu.Lock()
	s.calls++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		s.mu.Unlock()
		return nil, err
	}
	s.batches = append(s.batches, append([]string(nil), texts...))
	s.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = Vector(t, s.Dim)
	}
	return out, nil
}

func (s *HashingService) Rerank(_ context.Context, query string, candidates []string, _ string) ([]model.RerankScore, error) {
	if s.RerankFunc != nil {
		return s.RerankFunc(query, candidates), nil
	}
	q := Vector(query, s.Dim)
	scores := make([]model.RerankScore, len(candidates))
	for i, c := range candidates {
		v := Vector(c, s.Dim)
		var dot float64
		for j := range q {
			dot += float64(q[j] * v[j])
		}
		scores[i] = model.RerankScore{Index: i, Score: dot}
	}
	return scores, nil
}

func (s *HashingService) RewriteQuery(_ context.Context, query, _ string) (*model.Rewrite, error) {
	if s.RewriteFunc != nil {
		return s.RewriteFunc(query), nil
	}
	return &model.Rewrite{Query: query}, nil
}

func (s *HashingService) Assignments(context.Context) (model.Assignments, error) {
	return s.Assigned, nil
}

// Vector returns the unit-length hashed term vector of text.
func Vector(text string, dim int) []float32 {
	v := make([]float32, dim)
	for _, term := range index.Terms(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(term))
		v[h.Sum32()%uint32(dim)]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	if norm == 0 {
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}
