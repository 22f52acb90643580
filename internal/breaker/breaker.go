// Package breaker implements per-dependency failure isolation with adaptive
// thresholds. A breaker wraps one guarded operation, tracks a rolling window
// of outcomes, and fails fast while the dependency is unhealthy.
package breaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fleetguard/fleetguard/pkg/config"
	"github.com/fleetguard/fleetguard/pkg/errors"
	"github.com/fleetguard/fleetguard/pkg/events"
	"github.com/fleetguard/fleetguard/pkg/logging"
	"github.com/fleetguard/fleetguard/pkg/metrics"
)

// State represents the state of a circuit breaker
type State int

const (
	// StateClosed - normal execution, outcomes are tracked
	StateClosed State = iota
	// StateHalfOpen - limited test traffic after the cool-down
	StateHalfOpen
	// StateOpen - calls fail fast without touching the dependency
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Metric is one outcome sample in the rolling window
type Metric struct {
	Timestamp    time.Time        `json:"timestamp"`
	Success      bool             `json:"success"`
	ResponseTime time.Duration    `json:"response_time"`
	ErrorType    errors.ErrorType `json:"error_type,omitempty"`
}

// Snapshot is a read-only copy of a breaker's state
type Snapshot struct {
	Name                  string        `json:"name"`
	State                 State         `json:"state"`
	FailureCount          int           `json:"failure_count"`
	SuccessCount          int           `json:"success_count"`
	LastFailureTime       time.Time     `json:"last_failure_time"`
	LastSuccessTime       time.Time     `json:"last_success_time"`
	NextAttemptTime       time.Time     `json:"next_attempt_time"`
	WindowSize            int           `json:"window_size"`
	FailureThreshold      float64       `json:"failure_threshold"`
	ResponseTimeThreshold time.Duration `json:"response_time_threshold"`
}

// Operation is a guarded call. The breaker records its duration and outcome.
type Operation func(ctx context.Context) error

// CircuitBreaker guards one dependency. State mutation is serialized per
// instance; the guarded operation itself runs outside the lock so slow
// callers never block each other's bookkeeping.
type CircuitBreaker struct {
	name string
	cfg  config.BreakerConfig

	mu              sync.Mutex
	state           State
	window          []Metric
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastSuccessTime time.Time
	nextAttemptTime time.Time

	// Probe outcomes while half-open, newest last, at most five kept
	probeResults []bool

	// Adaptive thresholds, recomputed by the periodic evaluator
	failureThreshold      float64
	responseTimeThreshold time.Duration

	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *logging.Logger
}

const probeWindow = 5
const probeSuccessesToClose = 3

// New creates a circuit breaker with the given tuning
func New(name string, cfg config.BreakerConfig, bus *events.Bus, m *metrics.Metrics, logger *logging.Logger) *CircuitBreaker {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &CircuitBreaker{
		name:             name,
		cfg:              cfg,
		state:            StateClosed,
		failureThreshold: cfg.ErrorThresholdPercent,
		bus:              bus,
		metrics:          m,
		logger:           logger,
	}
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Call executes the operation under the breaker's guard. While open it
// returns a circuit-open error without invoking the operation; all other
// errors propagate unchanged after being recorded.
func (cb *CircuitBreaker) Call(ctx context.Context, op Operation) error {
	cb.mu.Lock()
	now := time.Now()
	cb.transitionLocked(now)

	if cb.state == StateOpen {
		cb.mu.Unlock()
		cb.metrics.IncBreakerCall(cb.name, "rejected")
		return errors.NewCircuitOpenError(cb.name)
	}
	cb.mu.Unlock()

	start := time.Now()
	err := op(ctx)
	elapsed := time.Since(start)

	if err != nil {
		cb.recordFailure(elapsed, errors.GetType(err))
		cb.metrics.IncBreakerCall(cb.name, "failure")
		return err
	}

	cb.recordSuccess(elapsed)
	cb.metrics.IncBreakerCall(cb.name, "success")
	return nil
}

func (cb *CircuitBreaker) recordSuccess(elapsed time.Duration) {
	cb.mu.Lock()
	now := time.Now()
	cb.successCount++
	cb.lastSuccessTime = now
	cb.window = append(cb.window, Metric{Timestamp: now, Success: true, ResponseTime: elapsed})

	if cb.state == StateHalfOpen {
		cb.probeResults = append(cb.probeResults, true)
		if len(cb.probeResults) > probeWindow {
			cb.probeResults = cb.probeResults[len(cb.probeResults)-probeWindow:]
		}
		if countTrue(cb.probeResults) >= probeSuccessesToClose {
			cb.setStateLocked(StateClosed, now)
		}
	}
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) recordFailure(elapsed time.Duration, errorType errors.ErrorType) {
	cb.mu.Lock()
	now := time.Now()
	cb.failureCount++
	cb.lastFailureTime = now
	cb.window = append(cb.window, Metric{Timestamp: now, Success: false, ResponseTime: elapsed, ErrorType: errorType})

	switch cb.state {
	case StateClosed:
		windowed := cb.recentWindowLocked(now)
		if len(windowed) >= cb.cfg.MinimumThroughput &&
			failurePercent(windowed) >= cb.failureThreshold {
			cb.setStateLocked(StateOpen, now)
		}
	case StateHalfOpen:
		// Any probe failure reopens the circuit
		cb.setStateLocked(StateOpen, now)
	}
	cb.mu.Unlock()
}

// transitionLocked applies time-driven state changes. Caller holds the lock.
func (cb *CircuitBreaker) transitionLocked(now time.Time) {
	if cb.state == StateOpen && !cb.nextAttemptTime.After(now) {
		cb.setStateLocked(StateHalfOpen, now)
	}
}

func (cb *CircuitBreaker) setStateLocked(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state

	switch state {
	case StateOpen:
		cb.nextAttemptTime = now.Add(cb.cfg.RecoveryTimeout)
		cb.probeResults = nil
		cb.metrics.IncBreakerTrip(cb.name)
	case StateHalfOpen:
		cb.probeResults = nil
	case StateClosed:
		cb.probeResults = nil
	}

	cb.metrics.SetBreakerState(cb.name, float64(state))
	cb.logger.Info("Circuit breaker state changed",
		"name", cb.name,
		"from", prev.String(),
		"to", state.String(),
	)
	cb.emit(stateEvent(state), map[string]interface{}{
		"from": prev.String(),
		"to":   state.String(),
	})
}

func stateEvent(state State) events.EventType {
	switch state {
	case StateOpen:
		return events.BreakerOpened
	case StateHalfOpen:
		return events.BreakerHalfOpen
	default:
		return events.BreakerClosed
	}
}

func (cb *CircuitBreaker) emit(eventType events.EventType, fields map[string]interface{}) {
	if cb.bus == nil {
		return
	}
	cb.bus.Emit(eventType, "breaker:"+cb.name, fields)
}

// Evaluate runs the periodic maintenance pass: open breakers become eligible
// for half-open probing, adaptive thresholds are recomputed from recent
// metrics, and samples older than twice the rolling window are trimmed.
func (cb *CircuitBreaker) Evaluate(now time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionLocked(now)
	cb.trimLocked(now)
	cb.adaptThresholdsLocked(now)
}

func (cb *CircuitBreaker) trimLocked(now time.Time) {
	maxAge := 2 * cb.cfg.RollingWindow
	cutoff := now.Add(-maxAge)
	firstKept := len(cb.window)
	for i, m := range cb.window {
		if m.Timestamp.After(cutoff) {
			firstKept = i
			break
		}
	}
	if firstKept > 0 {
		cb.window = append([]Metric(nil), cb.window[firstKept:]...)
	}
}

// adaptThresholdsLocked nudges the failure threshold based on the transient
// share of recent failures and pins the response-time threshold to the p95
// of recent samples.
func (cb *CircuitBreaker) adaptThresholdsLocked(now time.Time) {
	recent := cb.recentWindowLocked(now)

	var failures, transient int
	for _, m := range recent {
		if m.Success {
			continue
		}
		failures++
		if errors.IsTransient(m.ErrorType) {
			transient++
		}
	}

	if failures > 0 {
		ratio := float64(transient) / float64(failures)
		switch {
		case ratio > cb.cfg.TransientWidenRatio:
			cb.failureThreshold = cb.cfg.AdaptiveMaxThreshold
		case ratio < cb.cfg.TransientNarrowRatio:
			cb.failureThreshold = cb.cfg.AdaptiveMinThreshold
		default:
			cb.failureThreshold = cb.cfg.ErrorThresholdPercent
		}
	}

	samples := cb.window
	if len(samples) > cb.cfg.PercentileWindow {
		samples = samples[len(samples)-cb.cfg.PercentileWindow:]
	}
	if len(samples) >= cb.cfg.PercentileMinSamples {
		cb.responseTimeThreshold = percentile(samples, 0.95)
	}
}

func (cb *CircuitBreaker) recentWindowLocked(now time.Time) []Metric {
	cutoff := now.Add(-cb.cfg.RollingWindow)
	for i, m := range cb.window {
		if m.Timestamp.After(cutoff) {
			return cb.window[i:]
		}
	}
	return nil
}

// State returns the current state, applying any due time-driven transition
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(time.Now())
	return cb.state
}

// Snapshot returns a copy of the breaker's observable state
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(time.Now())
	return Snapshot{
		Name:                  cb.name,
		State:                 cb.state,
		FailureCount:          cb.failureCount,
		SuccessCount:          cb.successCount,
		LastFailureTime:       cb.lastFailureTime,
		LastSuccessTime:       cb.lastSuccessTime,
		NextAttemptTime:       cb.nextAttemptTime,
		WindowSize:            len(cb.window),
		FailureThreshold:      cb.failureThreshold,
		ResponseTimeThreshold: cb.responseTimeThreshold,
	}
}

// Reset clears all history and closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.state = StateClosed
	cb.window = nil
	cb.probeResults = nil
	cb.failureCount = 0
	cb.successCount = 0
	cb.nextAttemptTime = time.Time{}
	cb.failureThreshold = cb.cfg.ErrorThresholdPercent
	cb.responseTimeThreshold = 0
	cb.mu.Unlock()

	cb.metrics.SetBreakerState(cb.name, float64(StateClosed))
	cb.emit(events.BreakerReset, nil)
}

// ForceOpen trips the circuit regardless of metrics
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	cb.setStateLocked(StateOpen, time.Now())
	cb.mu.Unlock()
}

// ForceClose closes the circuit regardless of metrics
func (cb *CircuitBreaker) ForceClose() {
	cb.mu.Lock()
	cb.setStateLocked(StateClosed, time.Now())
	cb.mu.Unlock()
}

func failurePercent(window []Metric) float64 {
	if len(window) == 0 {
		return 0
	}
	var failures int
	for _, m := range window {
		if !m.Success {
			failures++
		}
	}
	return float64(failures) / float64(len(window)) * 100
}

func percentile(samples []Metric, p float64) time.Duration {
	times := make([]time.Duration, len(samples))
	for i, m := range samples {
		times[i] = m.ResponseTime
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	idx := int(float64(len(times)-1) * p)
	return times[idx]
}

func countTrue(results []bool) int {
	var n int
	for _, r := range results {
		if r {
			n++
		}
	}
	return n
}
