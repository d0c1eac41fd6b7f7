// Package sqlite provides a single-file index store backed by SQLite. Lexical
// search uses an FTS5 external-content table kept in sync with the chunks
// table by triggers; embeddings are stored as little-endian float32 blobs and
// scored with cosine similarity in Go.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/quarry-ai/quarry/internal/index"
	"github.com/quarry-ai/quarry/internal/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    source_uri TEXT NOT NULL,
    mime_type TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    ingested_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    chunk_id TEXT NOT NULL UNIQUE,
    document_id TEXT NOT NULL,
    sequence_index INTEGER NOT NULL,
    text TEXT NOT NULL,
    token_start INTEGER NOT NULL DEFAULT 0,
    token_end INTEGER NOT NULL DEFAULT 0,
    metadata TEXT,
    embedding BLOB,
    model_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);

CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
    text,
    content='chunks',
    content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
  INSERT INTO chunks_fts(rowid, text) VALUES (new.id, new.text);
END;
CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
  INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES('delete', old.id, old.text);
END;
CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
  INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES('delete', old.id, old.text);
  INSERT INTO chunks_fts(rowid, text) VALUES (new.id, new.text);
END;
`

// Config holds SQLite store configuration.
type Config struct {
	// Path is the database file location; parent directories are created
	// on open.
	Path string `yaml:"path"`
	// Dimension pins the expected embedding width. Zero disables the
	// check.
	Dimension int `yaml:"dimension"`
}

// DefaultConfig returns default SQLite store configuration.
func DefaultConfig() *Config {
	return &Config{
		Path: "quarry.db",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: path is required", models.ErrInvalidConfig)
	}
	if c.Dimension < 0 {
		return fmt.Errorf("%w: dimension must be non-negative", models.ErrInvalidConfig)
	}
	return nil
}

// Store is a SQLite-backed index.Store implementation.
type Store struct {
	config *Config
	logger *logrus.Logger
	db     *sql.DB
}

var _ index.Store = (*Store)(nil)

// NewStore opens (creating if necessary) the database file and ensures the
// schema exists.
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

	if dir := filepath.Dir(config.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	// WAL mode keeps readers unblocked during ingestion writes.
	db, err := sql.Open("sqlite", config.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.WithField("path", config.Path).Debug("SQLite index opened")

	return &Store{
		config: config,
		logger: logger,
		db:     db,
	}, nil
}

// Upsert inserts or replaces entries. Each entry runs in its own
// transaction so a rejected entry never corrupts entries already applied,
// and the FTS triggers keep lexical and vector state visible together.
func (s *Store) Upsert(ctx context.Context, entries []models.IndexEntry) error {
	for _, e := range entries {
		if err := s.validateEntry(e); err != nil {
			return err
		}
		if err := s.upsertOne(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) validateEntry(e models.IndexEntry) error {
	if e.Chunk.ID == uuid.Nil {
		return models.InputFault("index.upsert", fmt.Errorf("entry missing chunk id"))
	}
	if s.config.Dimension > 0 && len(e.Embedding.Vector) != s.config.Dimension {
		return models.InputFault("index.upsert", fmt.Errorf(
			"chunk %s: vector dimension %d does not match store dimension %d",
			e.Chunk.ID, len(e.Embedding.Vector), s.config.Dimension))
	}
	return nil
}

func (s *Store) upsertOne(ctx context.Context, e models.IndexEntry) error {
	metadataJSON, err := json.Marshal(e.Chunk.Metadata)
	if err != nil {
		return models.InternalFault("index.upsert", fmt.Errorf("marshalling chunk metadata: %w", err))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.BackendFault("index.upsert", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM chunks WHERE chunk_id = ?", e.Chunk.ID.String()); err != nil {
		return models.BackendFault("index.upsert", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chunks (chunk_id, document_id, sequence_index, text,
			token_start, token_end, metadata, embedding, model_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Chunk.ID.String(), e.Chunk.DocumentID.String(), e.Chunk.SequenceIndex,
		e.Chunk.Text, e.Chunk.TokenSpan.Start, e.Chunk.TokenSpan.End,
		string(metadataJSON), float32SliceToBytes(e.Embedding.Vector),
		e.Embedding.ModelID); err != nil {
		return models.BackendFault("index.upsert", err)
	}

	if err := tx.Commit(); err != nil {
		return models.BackendFault("index.upsert", err)
	}
	return nil
}

// Delete removes the given chunks. Unknown IDs are ignored.
func (s *Store) Delete(ctx context.Context, chunkIDs []uuid.UUID) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	placeholders := make([]string, len(chunkIDs))
	args := make([]interface{}, len(chunkIDs))
	for i, id := range chunkIDs {
		placeholders[i] = "?"
		args[i] = id.String()
	}

	query := fmt.Sprintf("DELETE FROM chunks WHERE chunk_id IN (%s)",
		strings.Join(placeholders, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return models.BackendFault("index.delete", err)
	}
	return nil
}

// DeleteByDocument removes every chunk owned by the document.
func (s *Store) DeleteByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM chunks WHERE document_id = ?", documentID.String())
	if err != nil {
		return 0, models.BackendFault("index.delete_document", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, models.BackendFault("index.delete_document", err)
	}
	return int(affected), nil
}

// SearchLexical ranks chunks with FTS5's BM25 over the query terms.
func (s *Store) SearchLexical(ctx context.Context, query string, k int) ([]models.Hit, error) {
	terms := index.Terms(query)
	if len(terms) == 0 || k <= 0 {
		return []models.Hit{}, nil
	}

	// Quote each term so user input can never be parsed as FTS5 syntax.
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + t + `"`
	}
	match := strings.Join(quoted, " OR ")

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.chunk_id, c.document_id, c.sequence_index, c.text,
			c.token_start, c.token_end, c.metadata, bm25(chunks_fts) AS rank
		FROM chunks_fts
		JOIN chunks c ON c.id = chunks_fts.rowid
		WHERE chunks_fts MATCH ?
		ORDER BY rank, c.sequence_index, c.chunk_id
		LIMIT ?`, match, k)
	if err != nil {
		return nil, models.BackendFault("index.search_lexical", err)
	}
	defer func() { _ = rows.Close() }()

	hits := make([]models.Hit, 0, k)
	for rows.Next() {
		var (
			chunk        models.Chunk
			chunkID      string
			documentID   string
			metadataJSON sql.NullString
			rank         float64
		)
		if err := rows.Scan(&chunkID, &documentID, &chunk.SequenceIndex, &chunk.Text,
			&chunk.TokenSpan.Start, &chunk.TokenSpan.End, &metadataJSON, &rank); err != nil {
			return nil, models.BackendFault("index.search_lexical", err)
		}
		if err := fillChunk(&chunk, chunkID, documentID, metadataJSON); err != nil {
			return nil, models.InternalFault("index.search_lexical", err)
		}
		// bm25() reports smaller-is-better; negate so higher is better.
		hits = append(hits, models.Hit{Chunk: chunk, Score: -rank})
	}
	if err := rows.Err(); err != nil {
		return nil, models.BackendFault("index.search_lexical", err)
	}
	return hits, nil
}

// SearchVector scans stored embeddings and ranks them by cosine similarity.
func (s *Store) SearchVector(ctx context.Context, vector []float32, k int) ([]models.Hit, error) {
	if index.ZeroVector(vector) || k <= 0 {
		return []models.Hit{}, nil
	}
	if s.config.Dimension > 0 && len(vector) != s.config.Dimension {
		return nil, models.InputFault("index.search_vector", fmt.Errorf(
			"query dimension %d does not match store dimension %d",
			len(vector), s.config.Dimension))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, document_id, sequence_index, text,
			token_start, token_end, metadata, embedding
		FROM chunks
		WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, models.BackendFault("index.search_vector", err)
	}
	defer func() { _ = rows.Close() }()

	hits := make([]models.Hit, 0, k)
	for rows.Next() {
		var (
			chunk         models.Chunk
			chunkID       string
			documentID    string
			metadataJSON  sql.NullString
			embeddingBlob []byte
		)
		if err := rows.Scan(&chunkID, &documentID, &chunk.SequenceIndex, &chunk.Text,
			&chunk.TokenSpan.Start, &chunk.TokenSpan.End, &metadataJSON, &embeddingBlob); err != nil {
			return nil, models.BackendFault("index.search_vector", err)
		}
		if err := fillChunk(&chunk, chunkID, documentID, metadataJSON); err != nil {
			return nil, models.InternalFault("index.search_vector", err)
		}
		stored := bytesToFloat32Slice(embeddingBlob)
		if len(stored) != len(vector) {
			continue
		}
		hits = append(hits, models.Hit{Chunk: chunk, Score: index.Cosine(stored, vector)})
	}
	if err := rows.Err(); err != nil {
		return nil, models.BackendFault("index.search_vector", err)
	}

	index.SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// PutDocument records or supersedes document bookkeeping.
func (s *Store) PutDocument(ctx context.Context, doc models.Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, source_uri, mime_type, content_hash, version, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_uri = excluded.source_uri,
			mime_type = excluded.mime_type,
			content_hash = excluded.content_hash,
			version = excluded.version,
			ingested_at = excluded.ingested_at`,
		doc.ID.String(), doc.SourceURI, doc.MIMEType, doc.ContentHash,
		doc.Version, doc.IngestedAt.UTC())
	if err != nil {
		return models.BackendFault("index.put_document", err)
	}
	return nil
}

// GetDocument looks up a document by ID.
func (s *Store) GetDocument(ctx context.Context, documentID uuid.UUID) (models.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_uri, mime_type, content_hash, version, ingested_at
		FROM documents WHERE id = ?`, documentID.String())

	var (
		doc models.Document
		id  string
	)
	if err := row.Scan(&id, &doc.SourceURI, &doc.MIMEType, &doc.ContentHash,
		&doc.Version, &doc.IngestedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Document{}, models.NotFoundFault("index.get_document",
				fmt.Errorf("document %s: %w", documentID, models.ErrNotFound))
		}
		return models.Document{}, models.BackendFault("index.get_document", err)
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return models.Document{}, models.InternalFault("index.get_document",
			fmt.Errorf("parsing document id: %w", err))
	}
	doc.ID = parsed
	return doc, nil
}

// ListDocuments returns all documents ordered by source URI.
func (s *Store) ListDocuments(ctx context.Context) ([]models.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_uri, mime_type, content_hash, version, ingested_at
		FROM documents ORDER BY source_uri`)
	if err != nil {
		return nil, models.BackendFault("index.list_documents", err)
	}
	defer func() { _ = rows.Close() }()

	docs := make([]models.Document, 0)
	for rows.Next() {
		var (
			doc models.Document
			id  string
		)
		if err := rows.Scan(&id, &doc.SourceURI, &doc.MIMEType, &doc.ContentHash,
			&doc.Version, &doc.IngestedAt); err != nil {
			return nil, models.BackendFault("index.list_documents", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, models.InternalFault("index.list_documents",
				fmt.Errorf("parsing document id: %w", err))
		}
		doc.ID = parsed
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, models.BackendFault("index.list_documents", err)
	}
	return docs, nil
}

// Count reports the number of indexed chunks.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&count); err != nil {
		return 0, models.BackendFault("index.count", err)
	}
	return count, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// fillChunk parses the identifier columns and metadata JSON into the chunk.
func fillChunk(chunk *models.Chunk, chunkID, documentID string, metadataJSON sql.NullString) error {
	id, err := uuid.Parse(chunkID)
	if err != nil {
		return fmt.Errorf("parsing chunk id: %w", err)
	}
	docID, err := uuid.Parse(documentID)
	if err != nil {
		return fmt.Errorf("parsing document id: %w", err)
	}
	chunk.ID = id
	chunk.DocumentID = docID

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &chunk.Metadata); err != nil {
			return fmt.Errorf("unmarshaling chunk metadata: %w", err)
		}
	}
	return nil
}

// float32SliceToBytes converts a []float32 to a byte slice for storage.
func float32SliceToBytes(floats []float32) []byte {
	if len(floats) == 0 {
		return nil
	}
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// bytesToFloat32Slice converts a byte slice back to []float32.
func bytesToFloat32Slice(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}
