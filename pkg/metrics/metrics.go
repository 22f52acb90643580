package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the reliability engine
type Metrics struct {
	// Circuit breaker metrics
	BreakerState *prometheus.GaugeVec
	BreakerTrips *prometheus.CounterVec
	BreakerCalls *prometheus.CounterVec

	// Recovery metrics
	RecoveryAttempts *prometheus.CounterVec
	RecoveryDuration *prometheus.HistogramVec
	ActionsExecuted  *prometheus.CounterVec

	// Degradation metrics
	DegradationLevel   prometheus.Gauge
	DegradationChanges *prometheus.CounterVec

	// Coordination metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  *prometheus.CounterVec

	// Persistence metrics
	StoreWriteFailures *prometheus.CounterVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "fleetguard",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config, registerer prometheus.Registerer) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}
	if !config.Enabled {
		return &Metrics{}
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "breaker_state",
				Help:      "Current circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"breaker"},
		),
		BreakerTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"breaker"},
		),
		BreakerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "breaker_calls_total",
				Help:      "Total calls through circuit breakers by outcome",
			},
			[]string{"breaker", "outcome"},
		),
		RecoveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "recovery_attempts_total",
				Help:      "Total recovery attempts by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		RecoveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Name:      "recovery_duration_seconds",
				Help:      "Recovery attempt duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"strategy"},
		),
		ActionsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "recovery_actions_total",
				Help:      "Total recovery actions executed by type and status",
			},
			[]string{"action_type", "status"},
		),
		DegradationLevel: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "degradation_level",
				Help:      "Current system degradation level (0 full service, 4 emergency)",
			},
		),
		DegradationChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "degradation_changes_total",
				Help:      "Total degradation level changes by direction",
			},
			[]string{"direction"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "coordination_sessions_active",
				Help:      "Number of active recovery coordination sessions",
			},
		),
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "coordination_sessions_total",
				Help:      "Total coordination sessions by terminal status",
			},
			[]string{"status"},
		),
		StoreWriteFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "store_write_failures_total",
				Help:      "Total best-effort persistence failures by table",
			},
			[]string{"table"},
		),
	}

	registerer.MustRegister(
		m.BreakerState,
		m.BreakerTrips,
		m.BreakerCalls,
		m.RecoveryAttempts,
		m.RecoveryDuration,
		m.ActionsExecuted,
		m.DegradationLevel,
		m.DegradationChanges,
		m.SessionsActive,
		m.SessionsTotal,
		m.StoreWriteFailures,
	)

	return m
}

// The helpers below are nil-safe so callers can run with metrics disabled.

// SetBreakerState records the state of a named breaker
func (m *Metrics) SetBreakerState(breaker string, state float64) {
	if m == nil || m.BreakerState == nil {
		return
	}
	m.BreakerState.WithLabelValues(breaker).Set(state)
}

// IncBreakerTrip counts a breaker trip
func (m *Metrics) IncBreakerTrip(breaker string) {
	if m == nil || m.BreakerTrips == nil {
		return
	}
	m.BreakerTrips.WithLabelValues(breaker).Inc()
}

// IncBreakerCall counts a call through a breaker
func (m *Metrics) IncBreakerCall(breaker, outcome string) {
	if m == nil || m.BreakerCalls == nil {
		return
	}
	m.BreakerCalls.WithLabelValues(breaker, outcome).Inc()
}

// ObserveRecovery records the outcome and duration of a recovery attempt
func (m *Metrics) ObserveRecovery(strategy, outcome string, seconds float64) {
	if m == nil || m.RecoveryAttempts == nil {
		return
	}
	m.RecoveryAttempts.WithLabelValues(strategy, outcome).Inc()
	m.RecoveryDuration.WithLabelValues(strategy).Observe(seconds)
}

// IncAction counts an executed recovery action
func (m *Metrics) IncAction(actionType, status string) {
	if m == nil || m.ActionsExecuted == nil {
		return
	}
	m.ActionsExecuted.WithLabelValues(actionType, status).Inc()
}

// SetDegradationLevel records the current degradation level
func (m *Metrics) SetDegradationLevel(level float64) {
	if m == nil || m.DegradationLevel == nil {
		return
	}
	m.DegradationLevel.Set(level)
}

// IncDegradationChange counts an escalation or recovery step
func (m *Metrics) IncDegradationChange(direction string) {
	if m == nil || m.DegradationChanges == nil {
		return
	}
	m.DegradationChanges.WithLabelValues(direction).Inc()
}

// SetActiveSessions records the active coordination session count
func (m *Metrics) SetActiveSessions(n float64) {
	if m == nil || m.SessionsActive == nil {
		return
	}
	m.SessionsActive.Set(n)
}

// IncSessionTerminal counts a session reaching a terminal status
func (m *Metrics) IncSessionTerminal(status string) {
	if m == nil || m.SessionsTotal == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(status).Inc()
}

// IncStoreWriteFailure counts a best-effort persistence failure
func (m *Metrics) IncStoreWriteFailure(table string) {
	if m == nil || m.StoreWriteFailures == nil {
		return
	}
	m.StoreWriteFailures.WithLabelValues(table).Inc()
}
