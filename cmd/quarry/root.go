package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/quarry-ai/quarry/internal/cache"
	"github.com/quarry-ai/quarry/internal/chunker"
	"github.com/quarry-ai/quarry/internal/config"
	"github.com/quarry-ai/quarry/internal/embedding"
	"github.com/quarry-ai/quarry/internal/history"
	"github.com/quarry-ai/quarry/internal/index"
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

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "quarry",
	Short: "Retrieval-augmented question answering over your documents",
	Long: `Quarry ingests documents into a hybrid lexical and vector index and
answers questions about them with a language model, citing the chunks each
answer was grounded on.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override configured log level (debug, info, warning, error)")
}

// app bundles the wired pipeline for one command invocation.
type app struct {
	config    *config.Config
	logger    *logrus.Logger
	metrics   *observability.Collector
	embedder  embedding.Embedder
	store     index.Store
	turns     history.TurnLog
	generator *llm.Orchestrator
	ingestor  *pipeline.Ingestor
	querier   *pipeline.Querier

	metricsSrv *http.Server
}

// buildApp loads configuration and assembles the pipeline behind it. Every
// backend choice (index, history, embedding cache) is resolved here, so the
// commands themselves never see more than Ingestor and Querier.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown log level %q", models.ErrInvalidConfig, cfg.LogLevel)
	}
	logger := logrus.New()
	logger.SetLevel(level)

	a := &app{config: cfg, logger: logger}
	built := false
	defer func() {
		if !built {
			a.Close()
		}
	}()

	a.metrics = observability.NewCollector(cfg.Metrics.Namespace)

	docParser := parser.NewParser(&cfg.Parser, logger)
	if cfg.OCR != nil {
		ocr, err := parser.NewHTTPOCRClient(cfg.OCR, logger)
		if err != nil {
			return nil, err
		}
		docParser.SetOCRClient(ocr)
	}

	chunk, err := chunker.NewChunker(&cfg.Chunker, logger)
	if err != nil {
		return nil, err
	}

	a.embedder, err = buildEmbedder(cfg, a.metrics, logger)
	if err != nil {
		return nil, err
	}

	a.store, err = buildStore(ctx, cfg, a.embedder.Dimension(), logger)
	if err != nil {
		return nil, err
	}

	retriever, err := retrieval.NewRetriever(a.store, a.embedder, &cfg.Retrieval, logger)
	if err != nil {
		return nil, err
	}

	prompts, err := prompt.NewEngine(&cfg.Prompt, logger)
	if err != nil {
		return nil, err
	}

	provider, err := llm.NewProvider(&cfg.LLM, logger)
	if err != nil {
		return nil, err
	}
	a.generator, err = llm.NewOrchestrator(provider, &cfg.LLM, logger)
	if err != nil {
		return nil, err
	}

	a.turns, err = buildTurnLog(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a.ingestor, err = pipeline.NewIngestor(docParser, chunk, a.embedder, a.store, a.metrics, &cfg.Pipeline, logger)
	if err != nil {
		return nil, err
	}
	a.querier, err = pipeline.NewQuerier(retriever, prompts, a.generator, a.turns, a.metrics, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		a.serveMetrics()
	}

	built = true
	return a, nil
}

func buildEmbedder(cfg *config.Config, metrics *observability.Collector, logger *logrus.Logger) (embedding.Embedder, error) {
	provider, err := embedding.NewProvider(&cfg.Embedding, logger)
	if err != nil {
		return nil, err
	}
	batcher := embedding.NewBatcher(provider, &cfg.Embedding, logger)

	switch cfg.EmbedCache.Backend {
	case config.CacheNone:
		return batcher, nil
	case config.CacheMemory:
		return embedding.NewCached(batcher, cache.NewMemory(cfg.EmbedCache.MaxEntries), metrics, logger), nil
	case config.CacheRedis:
		redis, err := cache.NewRedis(&cfg.EmbedCache.Redis, logger)
		if err != nil {
			return nil, err
		}
		return embedding.NewCached(batcher, redis, metrics, logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown embed_cache backend %q", models.ErrInvalidConfig, cfg.EmbedCache.Backend)
	}
}

func buildStore(ctx context.Context, cfg *config.Config, embedDim int, logger *logrus.Logger) (index.Store, error) {
	switch cfg.Index.Backend {
	case config.IndexMemory:
		if err := reconcileDimension(&cfg.Index.Memory.Dimension, embedDim); err != nil {
			return nil, err
		}
		return indexmemory.NewStore(&cfg.Index.Memory, logger)
	case config.IndexSQLite:
		if err := reconcileDimension(&cfg.Index.SQLite.Dimension, embedDim); err != nil {
			return nil, err
		}
		return indexsqlite.NewStore(&cfg.Index.SQLite, logger)
	case config.IndexPostgres:
		if err := reconcileDimension(&cfg.Index.Postgres.Dimension, embedDim); err != nil {
			return nil, err
		}
		store, err := indexpostgres.NewStore(&cfg.Index.Postgres, logger)
		if err != nil {
			return nil, err
		}
		if err := store.Connect(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: unknown index backend %q", models.ErrInvalidConfig, cfg.Index.Backend)
	}
}

// reconcileDimension pins the index to the embedder's vector width before
// any write happens. A zero configured dimension adopts the embedder's; a
// conflicting one is a configuration error.
func reconcileDimension(configured *int, embedDim int) error {
	if *configured == 0 {
		*configured = embedDim
		return nil
	}
	if embedDim != 0 && *configured != embedDim {
		return fmt.Errorf("%w: index dimension %d does not match embedder dimension %d",
			models.ErrInvalidConfig, *configured, embedDim)
	}
	return nil
}

func buildTurnLog(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (history.TurnLog, error) {
	switch cfg.History.Backend {
	case config.HistoryMemory:
		return history.NewMemoryLog(), nil
	case config.HistoryPostgres:
		turnLog, err := history.NewPostgresLog(&cfg.History.Postgres, logger)
		if err != nil {
			return nil, err
		}
		if err := turnLog.Connect(ctx); err != nil {
			return nil, err
		}
		return turnLog, nil
	default:
		return nil, fmt.Errorf("%w: unknown history backend %q", models.ErrInvalidConfig, cfg.History.Backend)
	}
}

func (a *app) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	a.metricsSrv = &http.Server{Addr: a.config.Metrics.Addr, Handler: mux}

	go func() {
		a.logger.WithField("addr", a.config.Metrics.Addr).Info("Serving metrics")
		if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Warn("Metrics server stopped")
		}
	}()
}

// Close releases backends in reverse dependency order. It tolerates a
// partially built app, so buildApp can defer it on failure.
func (a *app) Close() {
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Warn("Metrics server shutdown failed")
		}
		cancel()
	}
	if a.turns != nil {
		if err := a.turns.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close conversation log")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close index store")
		}
	}
	if a.embedder != nil {
		if err := a.embedder.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close embedder")
		}
	}
}
