package vectorstore

import (
	"fmt"

	"vfscore/internal/config"
)

// Open builds the backend selected by cfg.
func Open(cfg config.VectorConfig) (VectorStore, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return NewSQLiteStore(cfg.SQLitePath)
	case "qdrant":
		return NewQdrantStore(cfg.QdrantURL, cfg.QdrantAPIKey)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Backend)
	}
}
