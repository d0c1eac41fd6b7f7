package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-ai/quarry/internal/models"
)

// fastRetryConfig keeps backoff in the microsecond range so retry tests
// finish quickly.
func fastRetryConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		JitterFactor: 0,
	}
}

func TestRetryConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RetryConfig)
		wantErr string
	}{
		{"defaults valid", func(c *RetryConfig) {}, ""},
		{"negative retries", func(c *RetryConfig) { c.MaxRetries = -1 }, "max_retries"},
		{"zero initial delay", func(c *RetryConfig) { c.InitialDelay = 0 }, "initial_delay"},
		{"max below initial", func(c *RetryConfig) { c.MaxDelay = c.InitialDelay - 1 }, "max_delay"},
		{"shrinking multiplier", func(c *RetryConfig) { c.Multiplier = 0.5 }, "multiplier"},
		{"full jitter", func(c *RetryConfig) { c.JitterFactor = 1.0 }, "jitter_factor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultRetryConfig()
			tt.mutate(&config)
			err := config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestExecuteWithRetrySucceedsFirstTry(t *testing.T) {
	calls := 0
	attempts, err := ExecuteWithRetry(context.Background(), fastRetryConfig(3), logrus.New(), "test", func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestExecuteWithRetryRecoversAfterTransientFailures(t *testing.T) {
	calls := 0
	attempts, err := ExecuteWithRetry(context.Background(), fastRetryConfig(3), logrus.New(), "test", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return models.BackendFault("test", errors.New("unavailable"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestExecuteWithRetryExhaustsBudget(t *testing.T) {
	calls := 0
	attempts, err := ExecuteWithRetry(context.Background(), fastRetryConfig(3), logrus.New(), "test", func(ctx context.Context) error {
		calls++
		return models.BackendFault("test", errors.New("still down"))
	})

	require.Error(t, err)
	assert.Equal(t, 4, attempts, "max_retries=3 means one initial attempt plus three retries")
	assert.Equal(t, 4, calls)
	assert.True(t, models.IsRetryable(err))
}

func TestExecuteWithRetryNonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	attempts, err := ExecuteWithRetry(context.Background(), fastRetryConfig(3), logrus.New(), "test", func(ctx context.Context) error {
		calls++
		return models.InputFault("test", errors.New("bad prompt"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
	assert.Equal(t, models.FaultInput, models.KindOf(err))
}

func TestExecuteWithRetryUnclassifiedErrorStopsImmediately(t *testing.T) {
	calls := 0
	attempts, err := ExecuteWithRetry(context.Background(), fastRetryConfig(3), logrus.New(), "test", func(ctx context.Context) error {
		calls++
		return errors.New("mystery failure")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestExecuteWithRetryContextAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	attempts, err := ExecuteWithRetry(ctx, fastRetryConfig(3), logrus.New(), "test", func(ctx context.Context) error {
		calls++
		return nil
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, attempts)
	assert.Equal(t, 0, calls)
}

func TestExecuteWithRetryDeadlineBeatsBackoff(t *testing.T) {
	config := RetryConfig{
		MaxRetries:   5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	calls := 0
	attempts, err := ExecuteWithRetry(ctx, config, logrus.New(), "test", func(ctx context.Context) error {
		calls++
		return models.BackendFault("test", errors.New("unavailable"))
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, attempts, "no second attempt once the deadline expires during backoff")
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "the call must not sit out the full backoff")
}

func TestAddJitter(t *testing.T) {
	d := 100 * time.Millisecond

	assert.Equal(t, d, addJitter(d, 0))

	for i := 0; i < 100; i++ {
		jittered := addJitter(d, 0.5)
		assert.GreaterOrEqual(t, jittered, 50*time.Millisecond)
		assert.LessOrEqual(t, jittered, 150*time.Millisecond)
	}
}
