// Package postgres provides an index store backed by PostgreSQL with the
// pgvector extension. Lexical search uses a generated tsvector column with a
// GIN index; vector search uses pgvector cosine distance with an HNSW index,
// so both sides of the hybrid query are served by the database itself.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/sirupsen/logrus"

	"github.com/quarry-ai/quarry/internal/index"
	"github.com/quarry-ai/quarry/internal/models"
)

// Config holds PostgreSQL index store configuration.
type Config struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`

	// Dimension is the embedding width of the vector column. Required:
	// pgvector column types carry their dimension.
	Dimension int `yaml:"dimension"`

	// TextSearchConfig names the text search configuration used for the
	// tsvector column and queries.
	TextSearchConfig string `yaml:"text_search_config"`
}

// DefaultConfig returns default PostgreSQL store configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:             "localhost",
		Port:             5432,
		User:             "postgres",
		Database:         "quarry",
		SSLMode:          "disable",
		MaxConns:         10,
		MinConns:         2,
		MaxConnLifetime:  time.Hour,
		MaxConnIdleTime:  30 * time.Minute,
		ConnectTimeout:   30 * time.Second,
		Dimension:        768,
		TextSearchConfig: "english",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", models.ErrInvalidConfig)
	}
	if c.Port <= 0 {
		return fmt.Errorf("%w: invalid port", models.ErrInvalidConfig)
	}
	if c.User == "" {
		return fmt.Errorf("%w: user is required", models.ErrInvalidConfig)
	}
	if c.Database == "" {
		return fmt.Errorf("%w: database is required", models.ErrInvalidConfig)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension is required", models.ErrInvalidConfig)
	}
	// The text search config is interpolated into DDL and queries, so it
	// must be a bare identifier.
	if c.TextSearchConfig == "" || strings.ContainsFunc(c.TextSearchConfig, func(r rune) bool {
		return (r < 'a' || r > 'z') && r != '_'
	}) {
		return fmt.Errorf("%w: text search config must be a lowercase identifier", models.ErrInvalidConfig)
	}
	return nil
}

// ConnectionString returns the PostgreSQL connection string.
func (c *Config) ConnectionString() string {
	connStr := fmt.Sprintf("host=%s port=%d user=%s dbname=%s",
		c.Host, c.Port, c.User, c.Database)
	if c.Password != "" {
		connStr += fmt.Sprintf(" password=%s", c.Password)
	}
	if c.SSLMode != "" {
		connStr += fmt.Sprintf(" sslmode=%s", c.SSLMode)
	}
	if c.ConnectTimeout > 0 {
		connStr += fmt.Sprintf(" connect_timeout=%d", int(c.ConnectTimeout.Seconds()))
	}
	return connStr
}

// Store is a PostgreSQL-backed index.Store implementation.
type Store struct {
	config    *Config
	logger    *logrus.Logger
	mu        sync.RWMutex
	pool      *pgxpool.Pool
	connected bool
}

var _ index.Store = (*Store)(nil)

// NewStore creates a new PostgreSQL store. Call Connect before use.
func NewStore(config *Config, logger *logrus.Logger) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Store{
		config: config,
		logger: logger,
	}, nil
}

// Connect establishes the connection pool, enables the pgvector extension,
// and ensures the schema exists.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	poolConfig, err := pgxpool.ParseConfig(s.config.ConnectionString())
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = s.config.MaxConns
	poolConfig.MinConns = s.config.MinConns
	poolConfig.MaxConnLifetime = s.config.MaxConnLifetime
	poolConfig.MaxConnIdleTime = s.config.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		pool.Close()
		return fmt.Errorf("failed to enable vector extension: %w", err)
	}

	if err := createSchema(ctx, pool, s.config); err != nil {
		pool.Close()
		return fmt.Errorf("failed to create schema: %w", err)
	}

	s.pool = pool
	s.connected = true
	s.logger.WithFields(logrus.Fields{
		"database":  s.config.Database,
		"dimension": s.config.Dimension,
	}).Info("Connected to PostgreSQL index")
	return nil
}

func createSchema(ctx context.Context, pool *pgxpool.Pool, config *Config) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id UUID PRIMARY KEY,
			source_uri TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			ingested_at TIMESTAMPTZ NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			chunk_id UUID PRIMARY KEY,
			document_id UUID NOT NULL,
			sequence_index INTEGER NOT NULL,
			text TEXT NOT NULL,
			token_start INTEGER NOT NULL DEFAULT 0,
			token_end INTEGER NOT NULL DEFAULT 0,
			metadata JSONB,
			embedding vector(%d),
			model_id TEXT,
			text_tsv tsvector GENERATED ALWAYS AS (to_tsvector('%s', text)) STORED
		)`, config.Dimension, config.TextSearchConfig),
		"CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks (document_id)",
		"CREATE INDEX IF NOT EXISTS idx_chunks_tsv ON chunks USING GIN (text_tsv)",
		"CREATE INDEX IF NOT EXISTS idx_chunks_embedding ON chunks USING hnsw (embedding vector_cosine_ops)",
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	s.connected = false
	return nil
}

// IsConnected returns whether the store is connected.
func (s *Store) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.connected || s.pool == nil {
		return fmt.Errorf("not connected")
	}
	return s.pool.Ping(ctx)
}

func (s *Store) notConnected(op string) error {
	return models.BackendFault(op, fmt.Errorf("not connected"))
}

// Upsert inserts or replaces entries. Each row carries both the lexical
// representation (the generated tsvector) and the embedding, so per-chunk
// atomicity falls out of row-level atomicity.
func (s *Store) Upsert(ctx context.Context, entries []models.IndexEntry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.connected {
		return s.notConnected("index.upsert")
	}
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		if e.Chunk.ID == uuid.Nil {
			return models.InputFault("index.upsert", fmt.Errorf("entry missing chunk id"))
		}
		if len(e.Embedding.Vector) != 0 && len(e.Embedding.Vector) != s.config.Dimension {
			return models.InputFault("index.upsert", fmt.Errorf(
				"chunk %s: vector dimension %d does not match store dimension %d",
				e.Chunk.ID, len(e.Embedding.Vector), s.config.Dimension))
		}

		var embedding interface{}
		if len(e.Embedding.Vector) > 0 {
			embedding = pgvector.NewVector(e.Embedding.Vector)
		}

		batch.Queue(`
			INSERT INTO chunks (chunk_id, document_id, sequence_index, text,
				token_start, token_end, metadata, embedding, model_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (chunk_id) DO UPDATE SET
				document_id = EXCLUDED.document_id,
				sequence_index = EXCLUDED.sequence_index,
				text = EXCLUDED.text,
				token_start = EXCLUDED.token_start,
				token_end = EXCLUDED.token_end,
				metadata = EXCLUDED.metadata,
				embedding = EXCLUDED.embedding,
				model_id = EXCLUDED.model_id`,
			e.Chunk.ID, e.Chunk.DocumentID, e.Chunk.SequenceIndex, e.Chunk.Text,
			e.Chunk.TokenSpan.Start, e.Chunk.TokenSpan.End, e.Chunk.Metadata,
			embedding, e.Embedding.ModelID)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()

	for range entries {
		if _, err := results.Exec(); err != nil {
			return models.BackendFault("index.upsert", err)
		}
	}

	s.logger.WithField("count", len(entries)).Debug("Entries upserted")
	return nil
}

// Delete removes the given chunks. Unknown IDs are ignored.
func (s *Store) Delete(ctx context.Context, chunkIDs []uuid.UUID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.connected {
		return s.notConnected("index.delete")
	}
	if len(chunkIDs) == 0 {
		return nil
	}

	if _, err := s.pool.Exec(ctx,
		"DELETE FROM chunks WHERE chunk_id = ANY($1)", chunkIDs); err != nil {
		return models.BackendFault("index.delete", err)
	}
	return nil
}

// DeleteByDocument removes every chunk owned by the document.
func (s *Store) DeleteByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.connected {
		return 0, s.notConnected("index.delete_document")
	}

	tag, err := s.pool.Exec(ctx,
		"DELETE FROM chunks WHERE document_id = $1", documentID)
	if err != nil {
		return 0, models.BackendFault("index.delete_document", err)
	}
	return int(tag.RowsAffected()), nil
}

// SearchLexical ranks chunks with ts_rank over the query terms.
func (s *Store) SearchLexical(ctx context.Context, query string, k int) ([]models.Hit, error) {
	if len(index.Terms(query)) == 0 || k <= 0 {
		return []models.Hit{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.connected {
		return nil, s.notConnected("index.search_lexical")
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT chunk_id, document_id, sequence_index, text, token_start, token_end, metadata,
			ts_rank(text_tsv, plainto_tsquery('%[1]s', $1)) AS rank
		FROM chunks
		WHERE text_tsv @@ plainto_tsquery('%[1]s', $1)
		ORDER BY rank DESC, sequence_index, chunk_id
		LIMIT $2`, s.config.TextSearchConfig), query, k)
	if err != nil {
		return nil, models.BackendFault("index.search_lexical", err)
	}
	defer rows.Close()

	hits := make([]models.Hit, 0, k)
	for rows.Next() {
		var (
			chunk models.Chunk
			rank  float64
		)
		if err := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.SequenceIndex,
			&chunk.Text, &chunk.TokenSpan.Start, &chunk.TokenSpan.End,
			&chunk.Metadata, &rank); err != nil {
			return nil, models.BackendFault("index.search_lexical", err)
		}
		hits = append(hits, models.Hit{Chunk: chunk, Score: rank})
	}
	if err := rows.Err(); err != nil {
		return nil, models.BackendFault("index.search_lexical", err)
	}
	return hits, nil
}

// SearchVector ranks chunks by pgvector cosine similarity.
func (s *Store) SearchVector(ctx context.Context, vector []float32, k int) ([]models.Hit, error) {
	if index.ZeroVector(vector) || k <= 0 {
		return []models.Hit{}, nil
	}
	if len(vector) != s.config.Dimension {
		return nil, models.InputFault("index.search_vector", fmt.Errorf(
			"query dimension %d does not match store dimension %d",
			len(vector), s.config.Dimension))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.connected {
		return nil, s.notConnected("index.search_vector")
	}

	// <=> is cosine distance; 1 - distance turns it into a similarity.
	rows, err := s.pool.Query(ctx, `
		SELECT chunk_id, document_id, sequence_index, text, token_start, token_end, metadata,
			1 - (embedding <=> $1) AS score
		FROM chunks
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1, sequence_index, chunk_id
		LIMIT $2`, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, models.BackendFault("index.search_vector", err)
	}
	defer rows.Close()

	hits := make([]models.Hit, 0, k)
	for rows.Next() {
		var (
			chunk models.Chunk
			score float64
		)
		if err := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.SequenceIndex,
			&chunk.Text, &chunk.TokenSpan.Start, &chunk.TokenSpan.End,
			&chunk.Metadata, &score); err != nil {
			return nil, models.BackendFault("index.search_vector", err)
		}
		hits = append(hits, models.Hit{Chunk: chunk, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, models.BackendFault("index.search_vector", err)
	}
	return hits, nil
}

// PutDocument records or supersedes document bookkeeping.
func (s *Store) PutDocument(ctx context.Context, doc models.Document) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.connected {
		return s.notConnected("index.put_document")
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (id, source_uri, mime_type, content_hash, version, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			source_uri = EXCLUDED.source_uri,
			mime_type = EXCLUDED.mime_type,
			content_hash = EXCLUDED.content_hash,
			version = EXCLUDED.version,
			ingested_at = EXCLUDED.ingested_at`,
		doc.ID, doc.SourceURI, doc.MIMEType, doc.ContentHash, doc.Version, doc.IngestedAt)
	if err != nil {
		return models.BackendFault("index.put_document", err)
	}
	return nil
}

// GetDocument looks up a document by ID.
func (s *Store) GetDocument(ctx context.Context, documentID uuid.UUID) (models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.connected {
		return models.Document{}, s.notConnected("index.get_document")
	}

	var doc models.Document
	err := s.pool.QueryRow(ctx, `
		SELECT id, source_uri, mime_type, content_hash, version, ingested_at
		FROM documents WHERE id = $1`, documentID).Scan(
		&doc.ID, &doc.SourceURI, &doc.MIMEType, &doc.ContentHash,
		&doc.Version, &doc.IngestedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, models.NotFoundFault("index.get_document",
			fmt.Errorf("document %s: %w", documentID, models.ErrNotFound))
	}
	if err != nil {
		return models.Document{}, models.BackendFault("index.get_document", err)
	}
	return doc, nil
}

// ListDocuments returns all documents ordered by source URI.
func (s *Store) ListDocuments(ctx context.Context) ([]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.connected {
		return nil, s.notConnected("index.list_documents")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, source_uri, mime_type, content_hash, version, ingested_at
		FROM documents ORDER BY source_uri`)
	if err != nil {
		return nil, models.BackendFault("index.list_documents", err)
	}
	defer rows.Close()

	docs := make([]models.Document, 0)
	for rows.Next() {
		var doc models.Document
		if err := rows.Scan(&doc.ID, &doc.SourceURI, &doc.MIMEType,
			&doc.ContentHash, &doc.Version, &doc.IngestedAt); err != nil {
			return nil, models.BackendFault("index.list_documents", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, models.BackendFault("index.list_documents", err)
	}
	return docs, nil
}

// Count reports the number of indexed chunks.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.connected {
		return 0, s.notConnected("index.count")
	}

	var count int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM chunks").Scan(&count); err != nil {
		return 0, models.BackendFault("index.count", err)
	}
	return int(count), nil
}
