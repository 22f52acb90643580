package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetguard/fleetguard/pkg/config"
	"github.com/fleetguard/fleetguard/pkg/errors"
)

func testConfig() config.BreakerConfig {
	return config.BreakerConfig{
		ErrorThresholdPercent: 50,
		MinimumThroughput:     10,
		RecoveryTimeout:       10 * time.Millisecond,
		RollingWindow:         time.Minute,
		EvalInterval:          5 * time.Second,
		AdaptiveMinThreshold:  20,
		AdaptiveMaxThreshold:  80,
		TransientWidenRatio:   0.7,
		TransientNarrowRatio:  0.3,
		PercentileWindow:      100,
		PercentileMinSamples:  20,
	}
}

func succeed(ctx context.Context) error { return nil }

func failWith(err error) Operation {
	return func(ctx context.Context) error { return err }
}

func TestCircuitBreaker_OpensAtFailureThreshold(t *testing.T) {
	cb := New("test", testConfig(), nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, cb.Call(ctx, succeed))
	}
	for i := 0; i < 6; i++ {
		err := cb.Call(ctx, failWith(errors.NewDatabaseError("query failed")))
		require.Error(t, err)
	}

	// 6 of 10 failed, 60% >= 50% with throughput satisfied
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_StaysClosedBelowThreshold(t *testing.T) {
	cb := New("test", testConfig(), nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, cb.Call(ctx, succeed))
	}
	for i := 0; i < 4; i++ {
		err := cb.Call(ctx, failWith(errors.NewDatabaseError("query failed")))
		require.Error(t, err)
	}

	// 4 of 10 failed, 40% < 50%
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_StaysClosedUnderMinimumThroughput(t *testing.T) {
	cb := New("test", testConfig(), nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := cb.Call(ctx, failWith(errors.NewNetworkError("connection refused")))
		require.Error(t, err)
	}

	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_OpenFailsFast(t *testing.T) {
	cfg := testConfig()
	cfg.RecoveryTimeout = time.Minute
	cb := New("payments", cfg, nil, nil, nil)
	cb.ForceOpen()

	called := false
	err := cb.Call(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, errors.IsCircuitOpen(err))
	assert.Contains(t, err.Error(), "payments")
}

func TestCircuitBreaker_HalfOpenClosesAfterProbeSuccesses(t *testing.T) {
	cb := New("test", testConfig(), nil, nil, nil)
	cb.ForceOpen()

	time.Sleep(15 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Call(ctx, succeed))
		assert.Equal(t, StateHalfOpen, cb.State())
	}
	require.NoError(t, cb.Call(ctx, succeed))

	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New("test", testConfig(), nil, nil, nil)
	cb.ForceOpen()

	time.Sleep(15 * time.Millisecond)
	ctx := context.Background()
	require.NoError(t, cb.Call(ctx, succeed))
	require.NoError(t, cb.Call(ctx, succeed))

	err := cb.Call(ctx, failWith(errors.NewNetworkError("connection reset")))
	require.Error(t, err)

	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_AdaptiveThresholdWidensOnTransientFailures(t *testing.T) {
	cfg := testConfig()
	cfg.MinimumThroughput = 100
	cb := New("test", cfg, nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_ = cb.Call(ctx, failWith(errors.NewTimeoutError("request")))
	}
	for i := 0; i < 2; i++ {
		_ = cb.Call(ctx, failWith(errors.NewDatabaseError("query failed")))
	}

	cb.Evaluate(time.Now())

	// 80% of failures transient, above the widen ratio
	assert.Equal(t, cfg.AdaptiveMaxThreshold, cb.Snapshot().FailureThreshold)
}

func TestCircuitBreaker_AdaptiveThresholdNarrowsOnPersistentFailures(t *testing.T) {
	cfg := testConfig()
	cfg.MinimumThroughput = 100
	cb := New("test", cfg, nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		_ = cb.Call(ctx, failWith(errors.NewDatabaseError("query failed")))
	}
	_ = cb.Call(ctx, failWith(errors.NewNetworkError("connection refused")))

	cb.Evaluate(time.Now())

	// 10% of failures transient, below the narrow ratio
	assert.Equal(t, cfg.AdaptiveMinThreshold, cb.Snapshot().FailureThreshold)
}

func TestCircuitBreaker_ResponseTimeThresholdNeedsMinimumSamples(t *testing.T) {
	cfg := testConfig()
	cfg.MinimumThroughput = 100
	cb := New("test", cfg, nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, cb.Call(ctx, succeed))
	}
	cb.Evaluate(time.Now())
	assert.Zero(t, cb.Snapshot().ResponseTimeThreshold)

	for i := 0; i < 15; i++ {
		require.NoError(t, cb.Call(ctx, succeed))
	}
	cb.Evaluate(time.Now())
	assert.NotZero(t, cb.Snapshot().ResponseTimeThreshold)
}

func TestCircuitBreaker_EvaluateTrimsOldMetrics(t *testing.T) {
	cfg := testConfig()
	cfg.RollingWindow = time.Minute
	cb := New("test", cfg, nil, nil, nil)

	now := time.Now()
	cb.mu.Lock()
	cb.window = []Metric{
		{Timestamp: now.Add(-3 * time.Minute), Success: true},
		{Timestamp: now.Add(-90 * time.Second), Success: true},
		{Timestamp: now.Add(-30 * time.Second), Success: true},
	}
	cb.mu.Unlock()

	cb.Evaluate(now)

	snap := cb.Snapshot()
	assert.Equal(t, 2, snap.WindowSize)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New("test", testConfig(), nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, cb.Call(ctx, succeed))
	}
	for i := 0; i < 6; i++ {
		_ = cb.Call(ctx, failWith(errors.NewDatabaseError("query failed")))
	}
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()

	snap := cb.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.FailureCount)
	assert.Zero(t, snap.SuccessCount)
	assert.Zero(t, snap.WindowSize)
}

func TestRegistry_LazyCreation(t *testing.T) {
	r := NewRegistry(testConfig(), nil, nil, nil)

	a := r.Get("database")
	b := r.Get("database")
	c := r.Get("redis")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Len(t, r.Snapshots(), 2)
}

func TestRegistry_CallRoutesThroughNamedBreaker(t *testing.T) {
	r := NewRegistry(testConfig(), nil, nil, nil)
	ctx := context.Background()

	require.NoError(t, r.Call(ctx, "database", succeed))
	r.Get("database").ForceOpen()

	err := r.Call(ctx, "database", succeed)
	require.Error(t, err)
	assert.True(t, errors.IsCircuitOpen(err))
}
