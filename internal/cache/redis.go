package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/quarry-ai/quarry/internal/models"
)

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr: "localhost:6379",
		TTL:  24 * time.Hour,
	}
}

func (c *RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: redis addr is required", models.ErrInvalidConfig)
	}
	return nil
}

// Redis is a shared vector cache backed by a Redis instance. Vectors are
// stored as JSON arrays under a TTL.
type Redis struct {
	client *redis.Client
	config *RedisConfig
	logger *logrus.Logger
}

func NewRedis(config *RedisConfig, logger *logrus.Logger) (*Redis, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	return &Redis{
		client: client,
		config: config,
		logger: logger,
	}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]float32, bool) {
	data, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		r.logger.WithError(err).Warn("Redis cache read failed")
		return nil, false
	}

	var vector []float32
	if err := json.Unmarshal([]byte(data), &vector); err != nil {
		r.logger.WithError(err).WithField("key", key).Warn("Discarding undecodable cache entry")
		return nil, false
	}
	return vector, true
}

func (r *Redis) Set(ctx context.Context, key string, vector []float32) {
	data, err := json.Marshal(vector)
	if err != nil {
		r.logger.WithError(err).Warn("Failed to encode vector for cache")
		return
	}
	if err := r.client.Set(ctx, key, data, r.config.TTL).Err(); err != nil {
		r.logger.WithError(err).Warn("Redis cache write failed")
	}
}

func (r *Redis) Len() int {
	n, err := r.client.DBSize(context.Background()).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
