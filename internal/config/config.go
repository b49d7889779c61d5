package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"crate-rag/internal/models"
)

type Config struct {
	LogLevel string         `yaml:"log_level"`
	RAG      RAGConfig      `yaml:"rag"`
	Database DatabaseConfig `yaml:"database"`
	EmbedLLM LLMConfig      `yaml:"embed_llm"`
	ChatLLM  LLMConfig      `yaml:"chat_llm"`
	Server   ServerConfig   `yaml:"server"`
}

// RAGConfig holds chunking, embedding and search tuning.
type RAGConfig struct {
	ChunkSize                 int     `yaml:"chunk_max_chars"`
	ChunkOverlap              int     `yaml:"chunk_overlap_chars"`
	ChunkMin                  int     `yaml:"chunk_min_chars"`
	EmbeddingBatchSize        int     `yaml:"embedding_batch_size"`
	EmbeddingCacheSize        int     `yaml:"embedding_cache_size"`
	SearchDefaultK            int     `yaml:"search_default_k"`
	ProviderRetryLimit        int     `yaml:"provider_retry_limit"`
	ProviderTimeoutMs         int     `yaml:"provider_timeout_ms"`
	ProviderRequestsPerSecond float64 `yaml:"provider_requests_per_second"`
	ProviderBurst             int     `yaml:"provider_burst"`
	StoreTimeoutMs            int     `yaml:"store_timeout_ms"`
	IngestWorkers             int     `yaml:"ingest_workers"`
}

type DatabaseConfig struct {
	// Backend is "postgres" or "chromem".
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`
	// Driver selects the database/sql driver for postgres: "pgdriver" or "pq".
	Driver string `yaml:"driver"`
	Debug  bool   `yaml:"debug"`

	ChromemPath       string `yaml:"chromem_path"`
	ChromemCollection string `yaml:"chromem_collection"`
	InMemory          bool   `yaml:"in_memory"`
	EncryptionKey     string `yaml:"encryption_key"`
}

type LLMConfig struct {
	// Provider is one of openai, openrouter, ollama or hash.
	Provider   string `yaml:"provider"`
	BaseURL    string `yaml:"base_url"`
	Key        string `yaml:"key"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

func (c RAGConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutMs) * time.Millisecond
}

func (c RAGConfig) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMs) * time.Millisecond
}

// LoadConfig reads the YAML file at path, loads a .env file if one exists,
// applies environment overrides on top of Default, and validates the
// result. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if c.EmbedLLM.Key == "" {
		c.EmbedLLM.Key = keyFromEnv(c.EmbedLLM.Provider)
	}
	if c.ChatLLM.Key == "" {
		c.ChatLLM.Key = keyFromEnv(c.ChatLLM.Provider)
	}
}

func keyFromEnv(provider string) string {
	switch provider {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	}
	return ""
}

// Default returns the configuration used for every option a config file
// leaves out. Numeric options keep an explicit zero from the file.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		RAG: RAGConfig{
			ChunkSize:          models.DefaultChunkMaxChars,
			ChunkOverlap:       models.DefaultChunkOverlapChars,
			ChunkMin:           models.DefaultChunkMinChars,
			EmbeddingBatchSize: models.DefaultEmbeddingBatch,
			SearchDefaultK:     models.DefaultSearchK,
			ProviderRetryLimit: models.DefaultRetryLimit,
			ProviderTimeoutMs:  models.DefaultProviderTimeoutMs,
			StoreTimeoutMs:     models.DefaultStoreTimeoutMs,
			IngestWorkers:      models.DefaultIngestWorkers,
		},
		Database: DatabaseConfig{
			Backend:           "chromem",
			Driver:            "pgdriver",
			ChromemPath:       "./chromemdb",
			ChromemCollection: "crate_docs",
		},
		EmbedLLM: LLMConfig{
			Provider:   "hash",
			Dimensions: models.DefaultDimensions,
		},
		Server: ServerConfig{Addr: ":8080"},
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	r := c.RAG
	switch {
	case r.ChunkSize < 16:
		return fmt.Errorf("chunk_max_chars must be at least 16, got %d", r.ChunkSize)
	case r.ChunkOverlap < 0 || r.ChunkOverlap >= r.ChunkSize:
		return fmt.Errorf("chunk_overlap_chars must be in [0, chunk_max_chars), got %d", r.ChunkOverlap)
	case r.ChunkMin < 0 || r.ChunkMin > r.ChunkSize:
		return fmt.Errorf("chunk_min_chars must be in [0, chunk_max_chars], got %d", r.ChunkMin)
	case r.EmbeddingBatchSize < 1:
		return fmt.Errorf("embedding_batch_size must be positive, got %d", r.EmbeddingBatchSize)
	case r.SearchDefaultK < 1:
		return fmt.Errorf("search_default_k must be positive, got %d", r.SearchDefaultK)
	case r.ProviderRetryLimit < 0:
		return fmt.Errorf("provider_retry_limit must not be negative, got %d", r.ProviderRetryLimit)
	case r.ProviderTimeoutMs < 1 || r.StoreTimeoutMs < 1:
		return fmt.Errorf("provider_timeout_ms and store_timeout_ms must be positive")
	case r.IngestWorkers < 1:
		return fmt.Errorf("ingest_workers must be positive, got %d", r.IngestWorkers)
	}

	switch c.Database.Backend {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn (or DATABASE_URL) is required for the postgres backend")
		}
		if c.Database.Driver != "pgdriver" && c.Database.Driver != "pq" {
			return fmt.Errorf("unknown database driver %q", c.Database.Driver)
		}
	case "chromem":
	default:
		return fmt.Errorf("unknown database backend %q", c.Database.Backend)
	}

	switch c.EmbedLLM.Provider {
	case "openai", "openrouter", "ollama", "hash":
	default:
		return fmt.Errorf("unknown embedding provider %q", c.EmbedLLM.Provider)
	}
	if c.EmbedLLM.Dimensions < 1 {
		return fmt.Errorf("embed_llm.dimensions must be positive, got %d", c.EmbedLLM.Dimensions)
	}
	return nil
}
