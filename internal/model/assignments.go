package model

import (
	"context"
	"sync"

	"vfscore/internal/contextutil"
	"vfscore/internal/vfserr"
)

// Config keys that override configured model assignments at runtime.
const (
	KeyEmbeddingModel  = "model.embedding"
	KeyMultimodalModel = "model.multimodal"
	KeyRerankerModel   = "model.reranker"
	KeyRewriteModel    = "model.rewrite"
)

// SettingsReader reads runtime settings. storage.ConfigRepo satisfies it.
type SettingsReader interface {
	Get(ctx context.Context, key string) (string, error)
}

// AssignmentCache resolves assignments from defaults overlaid with runtime
// settings and caches the result until Invalidate.
type AssignmentCache struct {
	mu       sync.RWMutex
	defaults Assignments
	settings SettingsReader
	cached   *Assignments
}

// NewAssignmentCache builds a cache. settings may be nil.
func NewAssignmentCache(defaults Assignments, settings SettingsReader) *AssignmentCache {
	return &AssignmentCache{defaults: defaults, settings: settings}
}

// Get returns the current assignments.
func (c *AssignmentCache) Get(ctx context.Context) (Assignments, error) {
	c.mu.RLock()
	if c.cached != nil {
		a := *c.cached
		c.mu.RUnlock()
		return a, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != nil {
		return *c.cached, nil
	}
	a, err := c.resolve(ctx)
	if err != nil {
		return Assignments{}, err
	}
	c.cached = &a
	return a, nil
}

// Set replaces the cached assignments.
func (c *AssignmentCache) Set(a Assignments) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = &a
}

// Invalidate drops the cached value so the next Get re-reads settings.
func (c *AssignmentCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
}

func (c *AssignmentCache) resolve(ctx context.Context) (Assignments, error) {
	a := c.defaults
	if c.settings == nil {
		return a, nil
	}
	overrides := []struct {
		key string
		dst *string
	}{
		{KeyEmbeddingModel, &a.EmbeddingModelID},
		{KeyMultimodalModel, &a.MultimodalModelID},
		{KeyRerankerModel, &a.RerankerModelID},
		{KeyRewriteModel, &a.RewriteModelID},
	}
	for _, o := range overrides {
		v, err := c.settings.Get(ctx, o.key)
		switch {
		case err == nil:
			*o.dst = v
		case vfserr.IsKind(err, vfserr.KindNotFound):
		default:
			contextutil.LoggerFromContext(ctx).WarnContext(ctx, "failed to read model assignment", "key", o.key, "error", err)
			return Assignments{}, err
		}
	}
	return a, nil
}
