// Package config assembles, validates and hot-reloads the process
// configuration.
//
// Precedence is defaults, then the optional YAML file, then environment
// variables; the environment always wins so deployments can override a
// checked-in file without editing it. Secrets (API keys, passwords) are
// expected to arrive through the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/quarry-ai/quarry/internal/cache"
	"github.com/quarry-ai/quarry/internal/chunker"
	"github.com/quarry-ai/quarry/internal/embedding"
	"github.com/quarry-ai/quarry/internal/history"
	indexmemory "github.com/quarry-ai/quarry/internal/index/memory"
	indexpostgres "github.com/quarry-ai/quarry/internal/index/postgres"
	indexsqlite "github.com/quarry-ai/quarry/internal/index/sqlite"
	"github.com/quarry-ai/quarry/internal/llm"
	"github.com/quarry-ai/quarry/internal/models"
	"github.com/quarry-ai/quarry/internal/observability"
	"github.com/quarry-ai/quarry/internal/parser"
	"github.com/quarry-ai/quarry/internal/pipeline"
	"github.com/quarry-ai/quarry/internal/prompt"
	"github.com/quarry-ai/quarry/internal/retrieval"
)

// Index backend names.
const (
	IndexMemory   = "memory"
	IndexSQLite   = "sqlite"
	IndexPostgres = "postgres"
)

// History backend names.
const (
	HistoryMemory   = "memory"
	HistoryPostgres = "postgres"
)

// Embedding cache backend names.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// IndexConfig selects and configures the index store backend. Only the
// selected backend's section is validated.
type IndexConfig struct {
	Backend  string               `yaml:"backend"`
	Memory   indexmemory.Config   `yaml:"memory"`
	SQLite   indexsqlite.Config   `yaml:"sqlite"`
	Postgres indexpostgres.Config `yaml:"postgres"`
}

// HistoryConfig selects and configures the conversation log backend.
type HistoryConfig struct {
	Backend  string                 `yaml:"backend"`
	Postgres history.PostgresConfig `yaml:"postgres"`
}

// CacheConfig selects and configures the embedding cache.
type CacheConfig struct {
	Backend string `yaml:"backend"`
	// MaxEntries bounds the in-process LRU cache.
	MaxEntries int               `yaml:"max_entries"`
	Redis      cache.RedisConfig `yaml:"redis"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// Config is the root process configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Parser parser.Config `yaml:"parser"`
	// OCR enables image parsing through an external OCR service when
	// present.
	OCR        *parser.OCRConfig `yaml:"ocr,omitempty"`
	Chunker    chunker.Config    `yaml:"chunker"`
	Embedding  embedding.Config  `yaml:"embedding"`
	EmbedCache CacheConfig       `yaml:"embed_cache"`
	Index      IndexConfig       `yaml:"index"`
	Retrieval  retrieval.Config  `yaml:"retrieval"`
	Prompt     prompt.Config     `yaml:"prompt"`
	LLM        llm.Config        `yaml:"llm"`
	History    HistoryConfig     `yaml:"history"`
	Pipeline   pipeline.Config   `yaml:"pipeline"`
	Metrics    MetricsConfig     `yaml:"metrics"`
}

// Default returns the configuration used when no file and no environment
// overrides are present: everything local (Ollama, in-memory index and
// history), metrics off.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		Parser:    *parser.DefaultConfig(),
		Chunker:   *chunker.DefaultConfig(),
		Embedding: *embedding.DefaultConfig(),
		EmbedCache: CacheConfig{
			Backend:    CacheMemory,
			MaxEntries: 4096,
			Redis:      *cache.DefaultRedisConfig(),
		},
		Index: IndexConfig{
			Backend:  IndexMemory,
			Memory:   *indexmemory.DefaultConfig(),
			SQLite:   *indexsqlite.DefaultConfig(),
			Postgres: *indexpostgres.DefaultConfig(),
		},
		Retrieval: *retrieval.DefaultConfig(),
		Prompt:    *prompt.DefaultConfig(),
		LLM:       *llm.DefaultConfig(),
		History: HistoryConfig{
			Backend:  HistoryMemory,
			Postgres: *history.DefaultPostgresConfig(),
		},
		Pipeline: *pipeline.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled:   false,
			Addr:      ":9090",
			Namespace: observability.DefaultNamespace,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnv overlays QUARRY_* environment variables onto the configuration.
// It covers the operational surface (endpoints, credentials, backend
// selection, sizing) while structural knobs stay in the file.
func (c *Config) applyEnv() {
	c.LogLevel = getEnv("QUARRY_LOG_LEVEL", c.LogLevel)

	c.Embedding.Provider = getEnv("QUARRY_EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.ModelName = getEnv("QUARRY_EMBEDDING_MODEL", c.Embedding.ModelName)
	c.Embedding.BaseURL = getEnv("QUARRY_EMBEDDING_BASE_URL", c.Embedding.BaseURL)
	c.Embedding.APIKey = getEnv("QUARRY_EMBEDDING_API_KEY", c.Embedding.APIKey)

	c.LLM.Provider = getEnv("QUARRY_LLM_PROVIDER", c.LLM.Provider)
	c.LLM.ModelName = getEnv("QUARRY_LLM_MODEL", c.LLM.ModelName)
	c.LLM.BaseURL = getEnv("QUARRY_LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.APIKey = getEnv("QUARRY_LLM_API_KEY", c.LLM.APIKey)
	c.LLM.RequestTimeout = getDurationEnv("QUARRY_LLM_TIMEOUT", c.LLM.RequestTimeout)

	c.Index.Backend = getEnv("QUARRY_INDEX_BACKEND", c.Index.Backend)
	c.Index.SQLite.Path = getEnv("QUARRY_SQLITE_PATH", c.Index.SQLite.Path)
	c.Index.Postgres.Host = getEnv("QUARRY_POSTGRES_HOST", c.Index.Postgres.Host)
	c.Index.Postgres.Port = getIntEnv("QUARRY_POSTGRES_PORT", c.Index.Postgres.Port)
	c.Index.Postgres.User = getEnv("QUARRY_POSTGRES_USER", c.Index.Postgres.User)
	c.Index.Postgres.Password = getEnv("QUARRY_POSTGRES_PASSWORD", c.Index.Postgres.Password)
	c.Index.Postgres.Database = getEnv("QUARRY_POSTGRES_DATABASE", c.Index.Postgres.Database)
	c.Index.Postgres.SSLMode = getEnv("QUARRY_POSTGRES_SSLMODE", c.Index.Postgres.SSLMode)

	c.History.Backend = getEnv("QUARRY_HISTORY_BACKEND", c.History.Backend)
	c.History.Postgres.ConnString = getEnv("QUARRY_HISTORY_CONN_STRING", c.History.Postgres.ConnString)

	c.EmbedCache.Backend = getEnv("QUARRY_CACHE_BACKEND", c.EmbedCache.Backend)
	c.EmbedCache.Redis.Addr = getEnv("QUARRY_REDIS_ADDR", c.EmbedCache.Redis.Addr)
	c.EmbedCache.Redis.Password = getEnv("QUARRY_REDIS_PASSWORD", c.EmbedCache.Redis.Password)

	c.Retrieval.TopK = getIntEnv("QUARRY_TOP_K", c.Retrieval.TopK)
	c.Pipeline.MaxConcurrentIngests = getIntEnv("QUARRY_MAX_CONCURRENT_INGESTS", c.Pipeline.MaxConcurrentIngests)

	c.Metrics.Enabled = getBoolEnv("QUARRY_METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Addr = getEnv("QUARRY_METRICS_ADDR", c.Metrics.Addr)

	if base := os.Getenv("QUARRY_OCR_BASE_URL"); base != "" {
		if c.OCR == nil {
			c.OCR = parser.DefaultOCRConfig()
		}
		c.OCR.BaseURL = base
	}
}

// Validate checks the whole tree. Backend sections that are not selected
// are left alone, so an unused default section never blocks startup.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: unknown log_level %q", models.ErrInvalidConfig, c.LogLevel)
	}

	if err := c.Parser.Validate(); err != nil {
		return err
	}
	if c.OCR != nil {
		if err := c.OCR.Validate(); err != nil {
			return err
		}
	}
	if err := c.Chunker.Validate(); err != nil {
		return err
	}
	if err := c.Embedding.Validate(); err != nil {
		return err
	}
	if err := c.Retrieval.Validate(); err != nil {
		return err
	}
	if err := c.Prompt.Validate(); err != nil {
		return err
	}
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}

	switch c.Index.Backend {
	case IndexMemory:
		if err := c.Index.Memory.Validate(); err != nil {
			return err
		}
	case IndexSQLite:
		if err := c.Index.SQLite.Validate(); err != nil {
			return err
		}
	case IndexPostgres:
		if err := c.Index.Postgres.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown index backend %q", models.ErrInvalidConfig, c.Index.Backend)
	}

	switch c.History.Backend {
	case HistoryMemory:
	case HistoryPostgres:
		if err := c.History.Postgres.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown history backend %q", models.ErrInvalidConfig, c.History.Backend)
	}

	switch c.EmbedCache.Backend {
	case CacheNone:
	case CacheMemory:
		if c.EmbedCache.MaxEntries <= 0 {
			return fmt.Errorf("%w: embed_cache max_entries must be positive", models.ErrInvalidConfig)
		}
	case CacheRedis:
		if err := c.EmbedCache.Redis.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown embed_cache backend %q", models.ErrInvalidConfig, c.EmbedCache.Backend)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Addr == "" {
			return fmt.Errorf("%w: metrics addr is required when metrics are enabled", models.ErrInvalidConfig)
		}
		if c.Metrics.Namespace == "" {
			return fmt.Errorf("%w: metrics namespace is required when metrics are enabled", models.ErrInvalidConfig)
		}
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBoolEnv(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
