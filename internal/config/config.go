// Package config loads VFS configuration with a layered precedence:
// defaults → YAML file → .env file → environment variables.
//
// YAML file search order:
//  1. explicit path (the --config flag)
//  2. VFS_CONFIG environment variable
//  3. ./vfs.yaml
//
// If no file is found the process runs from defaults and env vars alone.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Folders  FolderConfig   `yaml:"folders"`
	Indexing IndexingConfig `yaml:"indexing"`
	Model    ModelConfig    `yaml:"model"`
	Vector   VectorConfig   `yaml:"vector"`
	Search   SearchConfig   `yaml:"search"`
	GC       GCConfig       `yaml:"gc"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`

	// Path is the YAML file that was loaded, empty when none was found.
	Path string `yaml:"-"`
}

// StorageConfig locates the metadata database and blob directory.
type StorageConfig struct {
	DataDir     string        `yaml:"data_dir"`
	DBPath      string        `yaml:"db_path"`
	BlobDir     string        `yaml:"blob_dir"`
	PoolSize    int           `yaml:"pool_size"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
	MaxBlobSize int64         `yaml:"max_blob_size"`
}

// FolderConfig bounds the folder tree.
type FolderConfig struct {
	MaxDepth int `yaml:"max_depth"`
	MaxCount int `yaml:"max_count"`
}

// IndexingConfig tunes chunking, embedding batches and the worker pool.
type IndexingConfig struct {
	ChunkTokens    int           `yaml:"chunk_tokens"`
	ChunkOverlap   int           `yaml:"chunk_overlap"`
	BatchSize      int           `yaml:"batch_size"`
	Workers        int           `yaml:"workers"`
	QueuePerWorker int           `yaml:"queue_per_worker"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBase      time.Duration `yaml:"retry_base"`
	RetryMax       time.Duration `yaml:"retry_max"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// ModelConfig points at an OpenAI-compatible model server.
type ModelConfig struct {
	BaseURL             string        `yaml:"base_url"`
	APIKey              string        `yaml:"api_key"`
	EmbeddingModel      string        `yaml:"embedding_model"`
	MultimodalModel     string        `yaml:"multimodal_model"`
	RerankerModel       string        `yaml:"reranker_model"`
	RewriteModel        string        `yaml:"rewrite_model"`
	EmbedTimeout        time.Duration `yaml:"embed_timeout"`
	RerankTimeout       time.Duration `yaml:"rerank_timeout"`
	RequestsPerSecond   float64       `yaml:"requests_per_second"`
	MaxTransportRetries int           `yaml:"max_transport_retries"`
}

// VectorConfig selects the vector store backend.
type VectorConfig struct {
	// Backend is one of sqlite, qdrant, memory.
	Backend      string `yaml:"backend"`
	SQLitePath   string `yaml:"sqlite_path"`
	QdrantURL    string `yaml:"qdrant_url"`
	QdrantAPIKey string `yaml:"qdrant_api_key"`
}

// SearchConfig holds fusion weights and deadlines.
type SearchConfig struct {
	VectorWeight  float64       `yaml:"vector_weight"`
	KeywordWeight float64       `yaml:"keyword_weight"`
	Timeout       time.Duration `yaml:"timeout"`
	DefaultTopK   int           `yaml:"default_top_k"`
}

// GCConfig schedules the garbage collector.
type GCConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	workers := runtime.NumCPU()
	if workers > 4 {
		workers = 4
	}
	return &Config{
		Storage: StorageConfig{
			DataDir:     "./data",
			PoolSize:    10,
			BusyTimeout: 3 * time.Second,
			MaxBlobSize: 512 << 20,
		},
		Folders: FolderConfig{
			MaxDepth: 10,
			MaxCount: 500,
		},
		Indexing: IndexingConfig{
			ChunkTokens:    512,
			ChunkOverlap:   64,
			BatchSize:      32,
			Workers:        workers,
			QueuePerWorker: 8,
			MaxRetries:     3,
			RetryBase:      100 * time.Millisecond,
			RetryMax:       5 * time.Second,
			PollInterval:   2 * time.Second,
		},
		Model: ModelConfig{
			BaseURL:             "http://localhost:8081",
			EmbeddingModel:      "text-embedding",
			EmbedTimeout:        60 * time.Second,
			RerankTimeout:       180 * time.Second,
			RequestsPerSecond:   10,
			MaxTransportRetries: 3,
		},
		Vector: VectorConfig{
			Backend:   "sqlite",
			QdrantURL: "http://localhost:6333",
		},
		Search: SearchConfig{
			VectorWeight:  0.7,
			KeywordWeight: 0.3,
			Timeout:       10 * time.Second,
			DefaultTopK:   10,
		},
		GC: GCConfig{
			Interval: 10 * time.Minute,
		},
		Server: ServerConfig{
			Port: "9000",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from an optional YAML file, a .env file and the
// environment. Environment variables already set take precedence over .env
// values, which take precedence over the YAML file.
func Load(path string) (*Config, error) {
	cfg := Default()

	resolved, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	if resolved != "" {
		raw, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", resolved, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", resolved, err)
		}
		cfg.Path = resolved
	}

	loadDotEnv()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.fillPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for values the VFS cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.PoolSize <= 0 {
		errs = append(errs, errors.New("storage.pool_size must be greater than 0"))
	}
	if c.Folders.MaxDepth <= 0 || c.Folders.MaxCount <= 0 {
		errs = append(errs, errors.New("folders.max_depth and folders.max_count must be greater than 0"))
	}
	if c.Indexing.ChunkTokens <= 0 {
		errs = append(errs, errors.New("indexing.chunk_tokens must be greater than 0"))
	}
	if c.Indexing.ChunkOverlap < 0 || c.Indexing.ChunkOverlap >= c.Indexing.ChunkTokens {
		errs = append(errs, errors.New("indexing.chunk_overlap must be in [0, chunk_tokens)"))
	}
	if c.Indexing.BatchSize <= 0 {
		errs = append(errs, errors.New("indexing.batch_size must be greater than 0"))
	}
	if c.Indexing.Workers <= 0 {
		errs = append(errs, errors.New("indexing.workers must be greater than 0"))
	}
	if c.Indexing.MaxRetries < 0 {
		errs = append(errs, errors.New("indexing.max_retries must not be negative"))
	}
	switch c.Vector.Backend {
	case "sqlite", "qdrant", "memory":
	default:
		errs = append(errs, fmt.Errorf("vector.backend %q is not one of sqlite, qdrant, memory", c.Vector.Backend))
	}
	if c.Search.VectorWeight < 0 || c.Search.KeywordWeight < 0 {
		errs = append(errs, errors.New("search weights must not be negative"))
	}
	return errors.Join(errs...)
}

func resolvePath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicit, err)
		}
		return explicit, nil
	}
	if env := os.Getenv("VFS_CONFIG"); env != "" {
		if _, err := os.Stat(env); err != nil {
			return "", fmt.Errorf("config file %s (VFS_CONFIG): %w", env, err)
		}
		return env, nil
	}
	if _, err := os.Stat("vfs.yaml"); err == nil {
		return "vfs.yaml", nil
	}
	return "", nil
}

// loadDotEnv loads the nearest .env walking up from the working directory.
func loadDotEnv() {
	wd, err := os.Getwd()
	if err != nil {
		return
	}
	dir := wd
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

func (c *Config) applyEnv() error {
	var errs []error

	c.Storage.DataDir = getEnv("VFS_DATA_DIR", c.Storage.DataDir)
	c.Storage.DBPath = getEnv("DB_PATH", c.Storage.DBPath)
	c.Storage.BlobDir = getEnv("BLOB_DIR", c.Storage.BlobDir)
	c.Storage.PoolSize = getEnvInt("DB_POOL_SIZE", c.Storage.PoolSize, &errs)
	c.Storage.MaxBlobSize = int64(getEnvInt("MAX_BLOB_SIZE", int(c.Storage.MaxBlobSize), &errs))

	c.Folders.MaxDepth = getEnvInt("MAX_FOLDER_DEPTH", c.Folders.MaxDepth, &errs)
	c.Folders.MaxCount = getEnvInt("MAX_FOLDERS", c.Folders.MaxCount, &errs)

	c.Indexing.ChunkTokens = getEnvInt("CHUNK_TOKENS", c.Indexing.ChunkTokens, &errs)
	c.Indexing.ChunkOverlap = getEnvInt("CHUNK_OVERLAP", c.Indexing.ChunkOverlap, &errs)
	c.Indexing.BatchSize = getEnvInt("EMBED_BATCH_SIZE", c.Indexing.BatchSize, &errs)
	c.Indexing.Workers = getEnvInt("INDEX_WORKERS", c.Indexing.Workers, &errs)
	c.Indexing.QueuePerWorker = getEnvInt("INDEX_QUEUE_PER_WORKER", c.Indexing.QueuePerWorker, &errs)
	c.Indexing.MaxRetries = getEnvInt("INDEX_MAX_RETRIES", c.Indexing.MaxRetries, &errs)

	c.Model.BaseURL = getEnv("MODEL_BASE_URL", c.Model.BaseURL)
	c.Model.APIKey = getEnv("MODEL_API_KEY", c.Model.APIKey)
	c.Model.EmbeddingModel = getEnv("EMBEDDING_MODEL", c.Model.EmbeddingModel)
	c.Model.MultimodalModel = getEnv("MULTIMODAL_EMBEDDING_MODEL", c.Model.MultimodalModel)
	c.Model.RerankerModel = getEnv("RERANKER_MODEL", c.Model.RerankerModel)
	c.Model.RewriteModel = getEnv("REWRITE_MODEL", c.Model.RewriteModel)
	c.Model.EmbedTimeout = getEnvDuration("EMBED_TIMEOUT", c.Model.EmbedTimeout, &errs)
	c.Model.RerankTimeout = getEnvDuration("RERANK_TIMEOUT", c.Model.RerankTimeout, &errs)
	c.Model.RequestsPerSecond = getEnvFloat("MODEL_RPS", c.Model.RequestsPerSecond, &errs)

	c.Vector.Backend = strings.ToLower(getEnv("VECTOR_BACKEND", c.Vector.Backend))
	c.Vector.SQLitePath = getEnv("VECTOR_DB_PATH", c.Vector.SQLitePath)
	c.Vector.QdrantURL = getEnv("QDRANT_URL", c.Vector.QdrantURL)
	c.Vector.QdrantAPIKey = getEnv("QDRANT_API_KEY", c.Vector.QdrantAPIKey)

	c.Search.VectorWeight = getEnvFloat("SEARCH_VECTOR_WEIGHT", c.Search.VectorWeight, &errs)
	c.Search.KeywordWeight = getEnvFloat("SEARCH_KEYWORD_WEIGHT", c.Search.KeywordWeight, &errs)
	c.Search.Timeout = getEnvDuration("SEARCH_TIMEOUT", c.Search.Timeout, &errs)

	c.GC.Interval = getEnvDuration("GC_INTERVAL", c.GC.Interval, &errs)
	c.Server.Port = getEnv("API_PORT", c.Server.Port)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)

	return errors.Join(errs...)
}

// fillPaths derives unset file locations from the data directory.
func (c *Config) fillPaths() {
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = filepath.Join(c.Storage.DataDir, "vfs.db")
	}
	if c.Storage.BlobDir == "" {
		c.Storage.BlobDir = filepath.Join(c.Storage.DataDir, "blobs")
	}
	if c.Vector.SQLitePath == "" {
		c.Vector.SQLitePath = filepath.Join(c.Storage.DataDir, "vectors.db")
	}
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int, errs *[]error) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a valid integer: %w", key, err))
		return defaultValue
	}
	return v
}

func getEnvFloat(key string, defaultValue float64, errs *[]error) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a valid number: %w", key, err))
		return defaultValue
	}
	return v
}

func getEnvDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a valid duration: %w", key, err))
		return defaultValue
	}
	return v
}
