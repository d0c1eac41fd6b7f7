// Package pipeline wires the ingestion and query services that external
// callers talk to.
//
// The Ingestor drives raw documents through parse, chunk, embed and index;
// the Querier drives a question through retrieval, prompt assembly and
// generation, and records the finished turn. Both depend only on the narrow
// contracts declared here, so every stage can be swapped or mocked
// independently.
package pipeline

import (
	"fmt"

	"github.com/quarry-ai/quarry/internal/models"
)

// Config holds pipeline service configuration.
type Config struct {
	// MaxConcurrentIngests bounds how many documents are processed at
	// once, across Ingest and IngestBatch callers alike.
	MaxConcurrentIngests int `yaml:"max_concurrent_ingests"`
}

// DefaultConfig returns default pipeline configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentIngests: 4,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.MaxConcurrentIngests <= 0 {
		return fmt.Errorf("%w: max_concurrent_ingests must be positive", models.ErrInvalidConfig)
	}
	return nil
}
