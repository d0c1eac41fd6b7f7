package history

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/quarry-ai/quarry/internal/models"
)

// PostgresConfig holds conversation log database configuration.
type PostgresConfig struct {
	ConnString string `yaml:"conn_string"`
	MaxConns   int32  `yaml:"max_conns"`
}

func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		ConnString: "postgres://postgres@localhost:5432/quarry?sslmode=disable",
		MaxConns:   4,
	}
}

func (c *PostgresConfig) Validate() error {
	if c.ConnString == "" {
		return fmt.Errorf("%w: history conn_string is required", models.ErrInvalidConfig)
	}
	return nil
}

// PostgresLog is a TurnLog persisted in PostgreSQL. The table is insert-only;
// there is no update or delete path.
type PostgresLog struct {
	config *PostgresConfig
	logger *logrus.Logger

	mu        sync.RWMutex
	pool      *pgxpool.Pool
	connected bool
}

var _ TurnLog = (*PostgresLog)(nil)

// NewPostgresLog creates a PostgreSQL turn log. Call Connect before use.
func NewPostgresLog(config *PostgresConfig, logger *logrus.Logger) (*PostgresLog, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &PostgresLog{
		config: config,
		logger: logger,
	}, nil
}

// Connect establishes the connection pool and ensures the table exists.
func (l *PostgresLog) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	poolConfig, err := pgxpool.ParseConfig(l.config.ConnString)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}
	if l.config.MaxConns > 0 {
		poolConfig.MaxConns = l.config.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			id UUID PRIMARY KEY,
			query TEXT NOT NULL,
			retrieved_chunk_ids UUID[] NOT NULL DEFAULT '{}',
			prompt_text TEXT NOT NULL,
			answer_text TEXT NOT NULL,
			model_id TEXT NOT NULL,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_turns_created ON conversation_turns (created_at)",
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	l.pool = pool
	l.connected = true
	l.logger.Info("Connected to PostgreSQL conversation log")
	return nil
}

func (l *PostgresLog) Append(ctx context.Context, turn *models.ConversationTurn) error {
	const op = "history.append"

	if turn == nil {
		return models.InputFault(op, fmt.Errorf("turn is required"))
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.connected {
		return models.BackendFault(op, fmt.Errorf("not connected"))
	}

	stamp(turn)
	_, err := l.pool.Exec(ctx, `
		INSERT INTO conversation_turns
			(id, query, retrieved_chunk_ids, prompt_text, answer_text, model_id, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		turn.ID, turn.Query, turn.RetrievedChunkIDs, turn.PromptText,
		turn.AnswerText, turn.ModelID, turn.LatencyMS, turn.CreatedAt)
	if err != nil {
		return models.BackendFault(op, err)
	}
	return nil
}

func (l *PostgresLog) Recent(ctx context.Context, n int) ([]models.ConversationTurn, error) {
	const op = "history.recent"

	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.connected {
		return nil, models.BackendFault(op, fmt.Errorf("not connected"))
	}
	if n <= 0 {
		return []models.ConversationTurn{}, nil
	}

	rows, err := l.pool.Query(ctx, `
		SELECT id, query, retrieved_chunk_ids, prompt_text, answer_text, model_id, latency_ms, created_at
		FROM conversation_turns
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, n)
	if err != nil {
		return nil, models.BackendFault(op, err)
	}
	defer rows.Close()

	var turns []models.ConversationTurn
	for rows.Next() {
		var turn models.ConversationTurn
		if err := rows.Scan(
			&turn.ID, &turn.Query, &turn.RetrievedChunkIDs, &turn.PromptText,
			&turn.AnswerText, &turn.ModelID, &turn.LatencyMS, &turn.CreatedAt,
		); err != nil {
			return nil, models.BackendFault(op, err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, models.BackendFault(op, err)
	}

	// the query reads newest-first; callers want chronological order
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (l *PostgresLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pool != nil {
		l.pool.Close()
		l.pool = nil
	}
	l.connected = false
	return nil
}
