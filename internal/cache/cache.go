// Package cache stores embedding vectors keyed by model and text so
// re-ingestion and repeated queries skip the embedding backend.
package cache

import "context"

// Store is a best-effort vector cache. Lookups that fail for any reason
// report a miss; writes that fail are dropped with a warning. The pipeline
// never depends on a cache hit for correctness.
type Store interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, vector []float32)
	Len() int
	Close() error
}
