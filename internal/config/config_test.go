package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearEnv blanks every variable Load reads so tests start from defaults.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"VFS_CONFIG", "VFS_DATA_DIR", "DB_PATH", "BLOB_DIR", "DB_POOL_SIZE", "MAX_BLOB_SIZE",
		"MAX_FOLDER_DEPTH", "MAX_FOLDERS", "CHUNK_TOKENS", "CHUNK_OVERLAP", "EMBED_BATCH_SIZE",
		"INDEX_WORKERS", "INDEX_QUEUE_PER_WORKER", "INDEX_MAX_RETRIES", "MODEL_BASE_URL",
		"MODEL_API_KEY", "EMBEDDING_MODEL", "MULTIMODAL_EMBEDDING_MODEL", "RERANKER_MODEL",
		"REWRITE_MODEL", "EMBED_TIMEOUT", "RERANK_TIMEOUT", "MODEL_RPS", "VECTOR_BACKEND",
		"VECTOR_DB_PATH", "QDRANT_URL", "QDRANT_API_KEY", "SEARCH_VECTOR_WEIGHT",
		"SEARCH_KEYWORD_WEIGHT", "SEARCH_TIMEOUT", "GC_INTERVAL", "API_PORT", "LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		setupEnv    func(*testing.T) string
		wantErr     bool
		checkConfig func(*Config) bool
	}{
		{
			name: "defaults",
			setupEnv: func(t *testing.T) string {
				t.Setenv("VFS_DATA_DIR", t.TempDir())
				return ""
			},
			checkConfig: func(cfg *Config) bool {
				return cfg.Indexing.ChunkTokens == 512 &&
					cfg.Indexing.ChunkOverlap == 64 &&
					cfg.Indexing.BatchSize == 32 &&
					cfg.Indexing.MaxRetries == 3 &&
					cfg.Folders.MaxDepth == 10 &&
					cfg.Folders.MaxCount == 500 &&
					cfg.Model.EmbedTimeout == 60*time.Second &&
					cfg.Model.RerankTimeout == 180*time.Second &&
					cfg.Search.Timeout == 10*time.Second &&
					cfg.Vector.Backend == "sqlite" &&
					filepath.Base(cfg.Storage.DBPath) == "vfs.db" &&
					filepath.Base(cfg.Storage.BlobDir) == "blobs"
			},
		},
		{
			name: "env overrides",
			setupEnv: func(t *testing.T) string {
				t.Setenv("VFS_DATA_DIR", t.TempDir())
				t.Setenv("CHUNK_TOKENS", "256")
				t.Setenv("CHUNK_OVERLAP", "32")
				t.Setenv("VECTOR_BACKEND", "Memory")
				t.Setenv("SEARCH_TIMEOUT", "3s")
				return ""
			},
			checkConfig: func(cfg *Config) bool {
				return cfg.Indexing.ChunkTokens == 256 &&
					cfg.Indexing.ChunkOverlap == 32 &&
					cfg.Vector.Backend == "memory" &&
					cfg.Search.Timeout == 3*time.Second
			},
		},
		{
			name: "yaml file below env",
			setupEnv: func(t *testing.T) string {
				dir := t.TempDir()
				path := filepath.Join(dir, "vfs.yaml")
				content := "storage:\n  data_dir: " + dir + "\nindexing:\n  batch_size: 8\n  workers: 2\nsearch:\n  vector_weight: 0.5\n"
				if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
					t.Fatalf("WriteFile() error = %v", err)
				}
				t.Setenv("INDEX_WORKERS", "3")
				return path
			},
			checkConfig: func(cfg *Config) bool {
				return cfg.Indexing.BatchSize == 8 &&
					cfg.Indexing.Workers == 3 &&
					cfg.Search.VectorWeight == 0.5 &&
					cfg.Path != ""
			},
		},
		{
			name: "invalid integer",
			setupEnv: func(t *testing.T) string {
				t.Setenv("VFS_DATA_DIR", t.TempDir())
				t.Setenv("EMBED_BATCH_SIZE", "many")
				return ""
			},
			wantErr: true,
		},
		{
			name: "overlap not below chunk size",
			setupEnv: func(t *testing.T) string {
				t.Setenv("VFS_DATA_DIR", t.TempDir())
				t.Setenv("CHUNK_TOKENS", "64")
				t.Setenv("CHUNK_OVERLAP", "64")
				return ""
			},
			wantErr: true,
		},
		{
			name: "unknown vector backend",
			setupEnv: func(t *testing.T) string {
				t.Setenv("VFS_DATA_DIR", t.TempDir())
				t.Setenv("VECTOR_BACKEND", "lance")
				return ""
			},
			wantErr: true,
		},
		{
			name: "missing explicit file",
			setupEnv: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "absent.yaml")
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			path := tt.setupEnv(t)

			cfg, err := Load(path)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Load() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() unexpected error: %v", err)
			}
			if tt.checkConfig != nil && !tt.checkConfig(cfg) {
				t.Errorf("Load() config validation failed: %+v", cfg)
			}
		})
	}
}

func TestLoad_CreatesDataDir(t *testing.T) {
	clearEnv(t)
	dataDir := filepath.Join(t.TempDir(), "nested", "data")
	t.Setenv("VFS_DATA_DIR", dataDir)

	if _, err := Load(""); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if info, err := os.Stat(dataDir); err != nil || !info.IsDir() {
		t.Errorf("data directory %s was not created", dataDir)
	}
}
