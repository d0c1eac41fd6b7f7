package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-ai/quarry/internal/models"
)

func newTestRedis(t *testing.T) *Redis {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := NewRedis(&RedisConfig{Addr: mr.Addr(), TTL: time.Hour}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestRedisGetSet(t *testing.T) {
	ctx := context.Background()
	store := newTestRedis(t)

	_, ok := store.Get(ctx, "absent")
	assert.False(t, ok)

	store.Set(ctx, "emb:abc", []float32{0.5, -0.25, 1})

	vec, ok := store.Get(ctx, "emb:abc")
	assert.True(t, ok)
	assert.Equal(t, []float32{0.5, -0.25, 1}, vec)
	assert.Equal(t, 1, store.Len())
}

func TestRedisUndecodableEntryIsAMiss(t *testing.T) {
	ctx := context.Background()

	mr := miniredis.RunT(t)
	store, err := NewRedis(&RedisConfig{Addr: mr.Addr(), TTL: time.Hour}, nil)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	require.NoError(t, mr.Set("bad", "not-json"))

	_, ok := store.Get(ctx, "bad")
	assert.False(t, ok)
}

func TestRedisUnreachableDegradesToMiss(t *testing.T) {
	ctx := context.Background()

	mr := miniredis.RunT(t)
	store, err := NewRedis(&RedisConfig{Addr: mr.Addr(), TTL: time.Hour}, nil)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	mr.Close()

	store.Set(ctx, "k", []float32{1})
	_, ok := store.Get(ctx, "k")
	assert.False(t, ok)
}

func TestRedisPing(t *testing.T) {
	store := newTestRedis(t)
	assert.NoError(t, store.Ping(context.Background()))
}

func TestRedisConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultRedisConfig().Validate())
	assert.ErrorIs(t, (&RedisConfig{}).Validate(), models.ErrInvalidConfig)
}
