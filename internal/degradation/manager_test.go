package degradation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetguard/fleetguard/pkg/config"
)

type stubSource struct {
	sample SystemMetrics
}

func (s *stubSource) Collect(ctx context.Context) (SystemMetrics, error) {
	return s.sample, nil
}

func healthySample() SystemMetrics {
	return SystemMetrics{
		ErrorRate:    0.01,
		ResponseTime: 200 * time.Millisecond,
		CPUUsage:     40,
		MemoryUsage:  50,
	}
}

func testDegradationConfig() config.DegradationConfig {
	return config.DegradationConfig{
		AssessInterval:       30 * time.Second,
		RecoveryQuiet:        0,
		MaxChangesPerHour:    5,
		ErrorRateTrigger:     0.1,
		ResponseTimeTrigger:  10 * time.Second,
		CPUTrigger:           90,
		MemoryTrigger:        95,
		SevereErrorRate:      0.2,
		SevereCPU:            95,
		SevereMemory:         95,
		RecoveryErrorRate:    0.05,
		RecoveryResponseTime: 5 * time.Second,
		RecoveryCPU:          80,
		RecoveryMemory:       85,
	}
}

func newTestManager(source MetricsSource) *Manager {
	return NewManager(testDegradationConfig(), source, nil, nil, nil, nil)
}

func TestManager_EscalateSingleStep(t *testing.T) {
	m := newTestManager(&stubSource{sample: healthySample()})

	level := m.Escalate(context.Background(), Trigger{
		Metric: MetricErrorRate,
		Value:  0.15,
		Reason: "error rate above trigger",
	})

	assert.Equal(t, LevelReducedFeatures, level)
	assert.Equal(t, LevelReducedFeatures, m.CurrentLevel())
}

func TestManager_SevereCPUEscalatesTwoLevels(t *testing.T) {
	m := newTestManager(&stubSource{sample: healthySample()})

	level := m.Escalate(context.Background(), Trigger{
		Metric: MetricCPUUsage,
		Value:  97,
		Reason: "cpu saturated",
	})

	assert.Equal(t, LevelEssentialOnly, level)
}

func TestManager_EscalationCapsAtEmergency(t *testing.T) {
	m := newTestManager(&stubSource{sample: healthySample()})
	ctx := context.Background()

	m.mu.Lock()
	m.current = LevelReadOnly
	m.mu.Unlock()

	level := m.Escalate(ctx, Trigger{Metric: MetricMemoryUsage, Value: 98, Reason: "oom pressure"})

	assert.Equal(t, LevelEmergencyMode, level)
}

func TestManager_AntiFlapCapsStepAtOne(t *testing.T) {
	m := newTestManager(&stubSource{sample: healthySample()})

	now := time.Now()
	m.mu.Lock()
	m.current = LevelReducedFeatures
	for i := 0; i < 6; i++ {
		m.changeLog = append(m.changeLog, now.Add(-time.Duration(i)*time.Minute))
	}
	m.mu.Unlock()

	// Severe trigger would normally step two levels
	level := m.Escalate(context.Background(), Trigger{Metric: MetricCPUUsage, Value: 97, Reason: "cpu saturated"})

	assert.Equal(t, LevelEssentialOnly, level)
}

func TestManager_RecoveryStepsDownOneLevelAtATime(t *testing.T) {
	m := newTestManager(&stubSource{sample: healthySample()})
	ctx := context.Background()

	m.mu.Lock()
	m.current = LevelReadOnly
	m.applyFeaturesLocked(m.spec(LevelReadOnly))
	m.mu.Unlock()

	require.True(t, m.Recover(ctx))
	assert.Equal(t, LevelEssentialOnly, m.CurrentLevel())

	require.True(t, m.Recover(ctx))
	assert.Equal(t, LevelReducedFeatures, m.CurrentLevel())

	require.True(t, m.Recover(ctx))
	assert.Equal(t, LevelFullService, m.CurrentLevel())

	assert.False(t, m.Recover(ctx))
}

func TestManager_RecoveryBlockedDuringQuietPeriod(t *testing.T) {
	cfg := testDegradationConfig()
	cfg.RecoveryQuiet = 5 * time.Minute
	m := NewManager(cfg, &stubSource{sample: healthySample()}, nil, nil, nil, nil)

	m.mu.Lock()
	m.current = LevelEssentialOnly
	m.lastChange = time.Now()
	m.mu.Unlock()

	assert.False(t, m.Recover(context.Background()))
	assert.Equal(t, LevelEssentialOnly, m.CurrentLevel())
}

func TestManager_RecoveryBlockedWhileUnhealthy(t *testing.T) {
	source := &stubSource{sample: SystemMetrics{
		ErrorRate:    0.08,
		ResponseTime: time.Second,
		CPUUsage:     40,
		MemoryUsage:  50,
	}}
	m := newTestManager(source)

	m.mu.Lock()
	m.current = LevelEssentialOnly
	m.mu.Unlock()

	assert.False(t, m.Recover(context.Background()))
}

func TestManager_FeatureGatingFollowsLevel(t *testing.T) {
	m := newTestManager(&stubSource{sample: healthySample()})
	ctx := context.Background()

	assert.True(t, m.IsFeatureEnabled(FeatureAdvancedAnalytics))
	assert.True(t, m.IsFeatureEnabled(FeatureWriteOperations))

	m.Escalate(ctx, Trigger{Metric: MetricErrorRate, Value: 0.15, Reason: "errors"})
	assert.False(t, m.IsFeatureEnabled(FeatureAdvancedAnalytics))
	assert.True(t, m.IsFeatureEnabled(FeatureWriteOperations))

	m.mu.Lock()
	m.applyLevelLocked(LevelReadOnly, "escalation", "error_rate", "errors")
	m.mu.Unlock()
	assert.False(t, m.IsFeatureEnabled(FeatureWriteOperations))
	assert.True(t, m.IsFeatureEnabled(FeatureCoreAPI))

	// Untracked features are always enabled
	assert.True(t, m.IsFeatureEnabled("some_new_feature"))
}

// readbackSink reads manager state from inside the persistence callback, the
// way a handler observing a level change would. The write must therefore run
// outside the manager's lock.
type readbackSink struct {
	m       *Manager
	records []ChangeRecord
	levels  []Level
}

func (s *readbackSink) RecordDegradationEvent(ctx context.Context, rec ChangeRecord) error {
	s.levels = append(s.levels, s.m.CurrentLevel())
	s.m.IsFeatureEnabled(FeatureAdvancedAnalytics)
	s.records = append(s.records, rec)
	return nil
}

func TestManager_LevelChangeSideEffectsRunOutsideLock(t *testing.T) {
	sink := &readbackSink{}
	m := NewManager(testDegradationConfig(), &stubSource{sample: healthySample()}, sink, nil, nil, nil)
	sink.m = m
	ctx := context.Background()

	level := m.Escalate(ctx, Trigger{Metric: MetricErrorRate, Value: 0.15, Reason: "errors"})
	require.Equal(t, LevelReducedFeatures, level)

	require.True(t, m.Recover(ctx))

	require.Len(t, sink.records, 2)
	assert.Equal(t, LevelFullService, sink.records[0].FromLevel)
	assert.Equal(t, LevelReducedFeatures, sink.records[0].ToLevel)
	assert.Equal(t, "escalation", sink.records[0].Direction)
	assert.Equal(t, "recovery", sink.records[1].Direction)

	// The sink saw the new level already applied
	assert.Equal(t, []Level{LevelReducedFeatures, LevelFullService}, sink.levels)
}

func TestManager_AssessEscalatesOnTrigger(t *testing.T) {
	source := &stubSource{sample: SystemMetrics{
		ErrorRate:    0.12,
		ResponseTime: time.Second,
		CPUUsage:     40,
		MemoryUsage:  50,
	}}
	m := newTestManager(source)

	m.assess(context.Background())

	assert.Equal(t, LevelReducedFeatures, m.CurrentLevel())
}

func TestManager_AssessRecoversWhenHealthy(t *testing.T) {
	source := &stubSource{sample: healthySample()}
	m := newTestManager(source)

	m.mu.Lock()
	m.current = LevelReducedFeatures
	m.mu.Unlock()

	m.assess(context.Background())

	assert.Equal(t, LevelFullService, m.CurrentLevel())
}

func TestManager_LimitsTightenWithLevel(t *testing.T) {
	m := newTestManager(&stubSource{sample: healthySample()})

	full := m.Limits()
	m.Escalate(context.Background(), Trigger{Metric: MetricErrorRate, Value: 0.15, Reason: "errors"})
	reduced := m.Limits()

	assert.Less(t, reduced.MaxConcurrentRequests, full.MaxConcurrentRequests)
	assert.Less(t, reduced.RateLimitPerMinute, full.RateLimitPerMinute)
}

func TestCatalog_FiveOrderedLevels(t *testing.T) {
	catalog := Catalog()
	require.Len(t, catalog, 5)
	for i, spec := range catalog {
		assert.Equal(t, Level(i), spec.Level)
	}
	assert.Equal(t, "Full Service", catalog[0].Name)
	assert.Equal(t, "Emergency Mode", catalog[4].Name)
}
