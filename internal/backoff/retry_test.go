package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetguard/fleetguard/pkg/errors"
)

func quickConfig(attempts int, policy Policy) RetryConfig {
	return RetryConfig{
		MaxAttempts:  attempts,
		Policy:       policy,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestExecute_SucceedsAfterRetries(t *testing.T) {
	r := NewRetrier(quickConfig(3, PolicyExponential))

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.NewNetworkError("flaky")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecute_ExhaustsAttempts(t *testing.T) {
	r := NewRetrier(quickConfig(3, PolicyLinear))

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.NewTimeoutError("probe")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestExecute_NonRetryableStopsImmediately(t *testing.T) {
	r := NewRetrier(quickConfig(3, PolicyExponential))

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.NewCircuitOpenError("agent_db")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.IsCircuitOpen(err))
}

func TestExecute_ContextCancellationStopsRetries(t *testing.T) {
	cfg := quickConfig(5, PolicyExponential)
	cfg.InitialDelay = 50 * time.Millisecond
	r := NewRetrier(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := r.Execute(ctx, func(ctx context.Context) error {
		calls++
		return errors.NewNetworkError("flaky")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestNewRetrier_FillsDefaults(t *testing.T) {
	r := NewRetrier(RetryConfig{})

	assert.Equal(t, 1, r.config.MaxAttempts)
	assert.Equal(t, PolicyExponential, r.config.Policy)
	assert.NotNil(t, r.config.RetryableErrors)
}

func TestCalculateDelay_Policies(t *testing.T) {
	exp := NewRetrier(RetryConfig{
		MaxAttempts:  5,
		Policy:       PolicyExponential,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	})
	assert.Equal(t, 10*time.Millisecond, exp.calculateDelay(1))
	assert.Equal(t, 40*time.Millisecond, exp.calculateDelay(3))

	lin := NewRetrier(RetryConfig{
		MaxAttempts:  5,
		Policy:       PolicyLinear,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     25 * time.Millisecond,
	})
	assert.Equal(t, 20*time.Millisecond, lin.calculateDelay(2))
	assert.Equal(t, 25*time.Millisecond, lin.calculateDelay(4))
}
