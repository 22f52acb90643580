package degradation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetguard/fleetguard/pkg/config"
	"github.com/fleetguard/fleetguard/pkg/events"
	"github.com/fleetguard/fleetguard/pkg/logging"
	"github.com/fleetguard/fleetguard/pkg/metrics"
)

// SystemMetrics is one sample of fleet-wide health
type SystemMetrics struct {
	ErrorRate    float64       `json:"error_rate"`
	ResponseTime time.Duration `json:"response_time"`
	CPUUsage     float64       `json:"cpu_usage"`
	MemoryUsage  float64       `json:"memory_usage"`
}

// MetricsSource supplies health samples to the assessment loop
type MetricsSource interface {
	Collect(ctx context.Context) (SystemMetrics, error)
}

// Trigger describes why an escalation was requested
type Trigger struct {
	Metric TriggerMetric `json:"metric"`
	Value  float64       `json:"value"`
	Reason string        `json:"reason"`
}

// ChangeRecord is the persisted form of one level change
type ChangeRecord struct {
	ID        uuid.UUID `json:"id"`
	FromLevel Level     `json:"from_level"`
	ToLevel   Level     `json:"to_level"`
	Direction string    `json:"direction"`
	Metric    string    `json:"metric,omitempty"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// ChangeSink persists level changes. Writes are best-effort.
type ChangeSink interface {
	RecordDegradationEvent(ctx context.Context, rec ChangeRecord) error
}

// Manager owns the current degradation level and the feature switchboard.
// All level changes flow through it; callers consult IsFeatureEnabled before
// serving gated functionality.
type Manager struct {
	cfg     config.DegradationConfig
	catalog []LevelSpec
	source  MetricsSource
	sink    ChangeSink
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *logging.Logger

	mu         sync.Mutex
	current    Level
	lastChange time.Time
	changeLog  []time.Time
	features   map[string]bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager creates a degradation manager at full service. source and sink
// may be nil; the assessment loop is a no-op without a source.
func NewManager(cfg config.DegradationConfig, source MetricsSource, sink ChangeSink, bus *events.Bus, m *metrics.Metrics, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.GetLogger()
	}
	mgr := &Manager{
		cfg:      cfg,
		catalog:  Catalog(),
		source:   source,
		sink:     sink,
		bus:      bus,
		metrics:  m,
		logger:   logger.WithComponent("degradation"),
		current:  LevelFullService,
		features: make(map[string]bool),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	mgr.applyFeaturesLocked(mgr.spec(LevelFullService))
	return mgr
}

func (m *Manager) spec(level Level) LevelSpec {
	return m.catalog[int(level)]
}

// CurrentLevel returns the active degradation level
func (m *Manager) CurrentLevel() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CurrentSpec returns the catalog entry for the active level
func (m *Manager) CurrentSpec() LevelSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spec(m.current)
}

// Limits returns the performance limits of the active level
func (m *Manager) Limits() PerformanceLimits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spec(m.current).Limits
}

// IsFeatureEnabled reports whether a feature may be served. Features the
// catalog never mentions are considered enabled.
func (m *Manager) IsFeatureEnabled(feature string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	enabled, tracked := m.features[feature]
	if !tracked {
		return true
	}
	return enabled
}

// Escalate raises the degradation level in response to a trigger. The base
// step is one level; severe error rates or resource exhaustion step two,
// capped at the top of the catalog. When the level has changed more than the
// hourly budget allows, escalation advances at most one level regardless.
// Returns the level in effect after the call.
func (m *Manager) Escalate(ctx context.Context, trigger Trigger) Level {
	m.mu.Lock()

	step := 1
	if m.isSevere(trigger) {
		step = 2
	}

	target := m.current + Level(step)
	if target > MaxLevel {
		target = MaxLevel
	}
	if m.changesInLastHourLocked(time.Now()) > m.cfg.MaxChangesPerHour && target > m.current+1 {
		target = m.current + 1
	}

	if target <= m.current {
		current := m.current
		m.mu.Unlock()
		return current
	}

	rec, spec := m.applyLevelLocked(target, "escalation", string(trigger.Metric), trigger.Reason)
	m.mu.Unlock()

	m.announceChange(ctx, rec, spec)
	m.logger.Warn("Degradation escalated",
		"from", rec.FromLevel.String(),
		"to", rec.ToLevel.String(),
		"metric", string(trigger.Metric),
		"value", trigger.Value,
		"reason", trigger.Reason,
	)
	return rec.ToLevel
}

func (m *Manager) isSevere(trigger Trigger) bool {
	switch trigger.Metric {
	case MetricErrorRate:
		return trigger.Value > m.cfg.SevereErrorRate
	case MetricCPUUsage:
		return trigger.Value > m.cfg.SevereCPU
	case MetricMemoryUsage:
		return trigger.Value > m.cfg.SevereMemory
	default:
		return false
	}
}

// Recover steps down exactly one level when the recovery gate holds: a quiet
// period since the last change and all health metrics back under their
// recovery thresholds. Returns true when a step down happened.
func (m *Manager) Recover(ctx context.Context) bool {
	if m.source == nil {
		return false
	}
	sample, err := m.source.Collect(ctx)
	if err != nil {
		m.logger.Warn("Health sample failed, skipping recovery check", "error", err.Error())
		return false
	}

	m.mu.Lock()
	if m.current == LevelFullService {
		m.mu.Unlock()
		return false
	}
	if time.Since(m.lastChange) < m.cfg.RecoveryQuiet {
		m.mu.Unlock()
		return false
	}
	if !m.recoveryGateHolds(sample) {
		m.mu.Unlock()
		return false
	}

	rec, spec := m.applyLevelLocked(m.current-1, "recovery", "", "recovery conditions satisfied")
	m.mu.Unlock()

	m.announceChange(ctx, rec, spec)
	m.logger.Info("Degradation recovered one level", "from", rec.FromLevel.String(), "to", rec.ToLevel.String())
	return true
}

func (m *Manager) recoveryGateHolds(sample SystemMetrics) bool {
	return sample.ErrorRate <= m.cfg.RecoveryErrorRate &&
		sample.ResponseTime <= m.cfg.RecoveryResponseTime &&
		sample.CPUUsage <= m.cfg.RecoveryCPU &&
		sample.MemoryUsage <= m.cfg.RecoveryMemory
}

// applyLevelLocked moves to the target level and updates the feature
// switchboard. Caller holds the lock. Side effects (persistence, events,
// fallback activation) run in announceChange after the lock is released so
// a slow sink or metrics source never stalls the request-path reads.
func (m *Manager) applyLevelLocked(target Level, direction, metric, reason string) (ChangeRecord, LevelSpec) {
	from := m.current
	now := time.Now()
	spec := m.spec(target)

	m.current = target
	m.lastChange = now
	m.changeLog = append(m.changeLog, now)
	m.trimChangeLogLocked(now)
	m.applyFeaturesLocked(spec)

	return ChangeRecord{
		ID:        uuid.New(),
		FromLevel: from,
		ToLevel:   target,
		Direction: direction,
		Metric:    metric,
		Reason:    reason,
		Timestamp: now,
	}, spec
}

// announceChange fires the side effects of one applied level change.
// Must not hold the lock.
func (m *Manager) announceChange(ctx context.Context, rec ChangeRecord, spec LevelSpec) {
	m.metrics.SetDegradationLevel(float64(rec.ToLevel))
	m.metrics.IncDegradationChange(rec.Direction)

	if m.sink != nil {
		if err := m.sink.RecordDegradationEvent(ctx, rec); err != nil {
			m.metrics.IncStoreWriteFailure("degradation_events")
			m.logger.Warn("Failed to persist degradation change", "error", err.Error())
		}
	}

	eventType := events.DegradationEscalated
	if rec.Direction == "recovery" {
		eventType = events.DegradationRecovered
	}
	m.emit(eventType, map[string]interface{}{
		"from_level": rec.FromLevel.String(),
		"to_level":   rec.ToLevel.String(),
		"reason":     rec.Reason,
	})
	m.emit(events.PerformanceLimitsUpdated, map[string]interface{}{
		"level":                   rec.ToLevel.String(),
		"max_concurrent_requests": spec.Limits.MaxConcurrentRequests,
		"max_request_bytes":       spec.Limits.MaxRequestBytes,
		"request_timeout":         spec.Limits.RequestTimeout.String(),
		"rate_limit_per_minute":   spec.Limits.RateLimitPerMinute,
	})
	m.activateFallbacks(ctx, spec)
}

func (m *Manager) applyFeaturesLocked(spec LevelSpec) {
	for _, f := range spec.EnabledFeatures {
		m.features[f] = true
	}
	for _, f := range spec.DisabledFeatures {
		m.features[f] = false
	}
}

// activateFallbacks fires each fallback strategy whose trigger currently
// evaluates true against a fresh health sample
func (m *Manager) activateFallbacks(ctx context.Context, spec LevelSpec) {
	if m.source == nil || len(spec.Fallbacks) == 0 {
		return
	}
	sample, err := m.source.Collect(ctx)
	if err != nil {
		return
	}
	for _, fb := range spec.Fallbacks {
		if !fb.Trigger.Evaluate(sample) {
			continue
		}
		m.logger.Info("Fallback strategy activated", "strategy", fb.Name, "level", spec.Name)
		m.emit(events.FallbackStrategyActivated, map[string]interface{}{
			"strategy": fb.Name,
			"level":    spec.Name,
		})
	}
}

func (m *Manager) changesInLastHourLocked(now time.Time) int {
	m.trimChangeLogLocked(now)
	return len(m.changeLog)
}

func (m *Manager) trimChangeLogLocked(now time.Time) {
	cutoff := now.Add(-time.Hour)
	firstKept := len(m.changeLog)
	for i, ts := range m.changeLog {
		if ts.After(cutoff) {
			firstKept = i
			break
		}
	}
	if firstKept > 0 {
		m.changeLog = append([]time.Time(nil), m.changeLog[firstKept:]...)
	}
}

func (m *Manager) emit(eventType events.EventType, fields map[string]interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(eventType, "degradation", fields)
}

// Start launches the periodic assessment loop
func (m *Manager) Start(ctx context.Context) {
	go m.run(ctx)
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.AssessInterval)
	defer ticker.Stop()

	m.logger.Info("Degradation assessment loop started", "interval", m.cfg.AssessInterval.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.assess(ctx)
		}
	}
}

// assess takes one health sample and either escalates or attempts recovery
func (m *Manager) assess(ctx context.Context) {
	if m.source == nil {
		return
	}
	sample, err := m.source.Collect(ctx)
	if err != nil {
		m.logger.Warn("Health sample failed", "error", err.Error())
		return
	}

	if trigger, ok := m.escalationTrigger(sample); ok {
		m.Escalate(ctx, trigger)
		return
	}
	if m.CurrentLevel() > LevelFullService {
		m.Recover(ctx)
	}
}

func (m *Manager) escalationTrigger(sample SystemMetrics) (Trigger, bool) {
	switch {
	case sample.ErrorRate > m.cfg.ErrorRateTrigger:
		return Trigger{Metric: MetricErrorRate, Value: sample.ErrorRate, Reason: "error rate above trigger"}, true
	case sample.ResponseTime > m.cfg.ResponseTimeTrigger:
		return Trigger{Metric: MetricResponseTime, Value: float64(sample.ResponseTime.Milliseconds()), Reason: "response time above trigger"}, true
	case sample.CPUUsage > m.cfg.CPUTrigger:
		return Trigger{Metric: MetricCPUUsage, Value: sample.CPUUsage, Reason: "cpu usage above trigger"}, true
	case sample.MemoryUsage > m.cfg.MemoryTrigger:
		return Trigger{Metric: MetricMemoryUsage, Value: sample.MemoryUsage, Reason: "memory usage above trigger"}, true
	default:
		return Trigger{}, false
	}
}

// Stop terminates the assessment loop and waits for it to exit
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}
