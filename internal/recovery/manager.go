package recovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetguard/fleetguard/internal/breaker"
	"github.com/fleetguard/fleetguard/internal/transport"
	"github.com/fleetguard/fleetguard/pkg/config"
	"github.com/fleetguard/fleetguard/pkg/events"
	"github.com/fleetguard/fleetguard/pkg/logging"
	"github.com/fleetguard/fleetguard/pkg/metrics"
	"github.com/fleetguard/fleetguard/pkg/types"
)

// AttemptRecord is the persisted form of one recovery attempt
type AttemptRecord struct {
	AttemptID   uuid.UUID             `json:"attempt_id"`
	ErrorID     uuid.UUID             `json:"error_id"`
	AgentID     string                `json:"agent_id"`
	StrategyID  string                `json:"strategy_id"`
	Status      string                `json:"status"` // started, succeeded, failed
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	Result      *types.RecoveryResult `json:"result,omitempty"`
}

// AttemptSink persists attempt records and the strategy catalog. All writes
// are best-effort; failures never abort the in-memory flow.
type AttemptSink interface {
	RecordRecoveryAttempt(ctx context.Context, rec AttemptRecord) error
	RecordStrategyRegistration(ctx context.Context, s *Strategy) error
}

type inflight struct {
	done   chan struct{}
	result *types.RecoveryResult
}

// Manager executes recovery strategies for single classified failures.
// Concurrent executions for the same error are coalesced onto one in-flight
// attempt that all callers share.
type Manager struct {
	cfg       config.RecoveryConfig
	executor  Executor
	transport transport.AgentTransport
	breakers  *breaker.Registry
	sink      AttemptSink
	bus       *events.Bus
	metrics   *metrics.Metrics
	logger    *logging.Logger

	strategyMu sync.RWMutex
	strategies map[string]*Strategy

	activeMu sync.Mutex
	active   map[uuid.UUID]*inflight
}

// NewManager creates a recovery manager preloaded with the default strategy
// catalog. sink may be nil.
func NewManager(cfg config.RecoveryConfig, executor Executor, t transport.AgentTransport, breakers *breaker.Registry, sink AttemptSink, bus *events.Bus, m *metrics.Metrics, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.GetLogger()
	}
	mgr := &Manager{
		cfg:        cfg,
		executor:   executor,
		transport:  t,
		breakers:   breakers,
		sink:       sink,
		bus:        bus,
		metrics:    m,
		logger:     logger.WithComponent("recovery"),
		strategies: make(map[string]*Strategy),
		active:     make(map[uuid.UUID]*inflight),
	}
	for _, s := range DefaultStrategies() {
		mgr.RegisterStrategy(context.Background(), s)
	}
	return mgr
}

// RegisterStrategy installs a strategy, overwriting any previous one with
// the same ID
func (m *Manager) RegisterStrategy(ctx context.Context, s *Strategy) {
	m.strategyMu.Lock()
	m.strategies[s.ID] = s
	m.strategyMu.Unlock()

	if m.sink != nil {
		if err := m.sink.RecordStrategyRegistration(ctx, s); err != nil {
			m.metrics.IncStoreWriteFailure("recovery_strategies")
			m.logger.Warn("Failed to persist strategy registration", "strategy", s.ID, "error", err.Error())
		}
	}
}

// Strategies returns the registered strategies, highest priority first
func (m *Manager) Strategies() []*Strategy {
	m.strategyMu.RLock()
	defer m.strategyMu.RUnlock()
	out := make([]*Strategy, 0, len(m.strategies))
	for _, s := range m.strategies {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// SelectStrategy picks the highest-scoring applicable strategy, or nil when
// none applies
func (m *Manager) SelectStrategy(cls *types.ErrorClassification) *Strategy {
	m.strategyMu.RLock()
	defer m.strategyMu.RUnlock()

	var best *Strategy
	bestScore := 0
	for _, s := range m.strategies {
		if !s.AppliesTo(cls) {
			continue
		}
		score := s.Score(cls)
		if best == nil || score > bestScore {
			best = s
			bestScore = score
		}
	}
	return best
}

// ExecuteRecovery runs the best applicable strategy for the failure. When a
// recovery for the same error id is already in flight, the caller blocks
// until it finishes and receives the same result.
func (m *Manager) ExecuteRecovery(ctx context.Context, ec *types.ErrorContext, cls *types.ErrorClassification) (*types.RecoveryResult, error) {
	m.activeMu.Lock()
	if fl, ok := m.active[ec.ErrorID]; ok {
		m.activeMu.Unlock()
		select {
		case <-fl.done:
			return fl.result, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fl := &inflight{done: make(chan struct{})}
	m.active[ec.ErrorID] = fl
	m.activeMu.Unlock()

	result := m.execute(ctx, ec, cls)

	fl.result = result
	close(fl.done)

	m.activeMu.Lock()
	delete(m.active, ec.ErrorID)
	m.activeMu.Unlock()

	return result, nil
}

func (m *Manager) execute(ctx context.Context, ec *types.ErrorContext, cls *types.ErrorClassification) *types.RecoveryResult {
	start := time.Now()

	strategy := m.SelectStrategy(cls)
	if strategy == nil {
		m.logger.Warn("No applicable recovery strategy",
			"error_id", ec.ErrorID.String(),
			"error_type", string(cls.ErrorType),
			"severity", string(cls.Severity),
		)
		return m.finish(ctx, ec, nil, start, &types.RecoveryResult{
			Success:  false,
			Duration: time.Since(start),
			Error:    "no applicable recovery strategy",
		})
	}

	m.logger.Info("Recovery started",
		"error_id", ec.ErrorID.String(),
		"agent_id", ec.AgentID,
		"strategy", strategy.ID,
	)

	attemptID := uuid.New()
	m.persistAttempt(ctx, AttemptRecord{
		AttemptID:  attemptID,
		ErrorID:    ec.ErrorID,
		AgentID:    ec.AgentID,
		StrategyID: strategy.ID,
		Status:     "started",
		StartedAt:  start,
	})

	result := m.runStrategy(ctx, strategy, ec, cls)
	result.Duration = time.Since(start)
	result.StrategyUsed = strategy.ID

	return m.finishAttempt(ctx, ec, strategy, attemptID, start, result)
}

func (m *Manager) runStrategy(ctx context.Context, s *Strategy, ec *types.ErrorContext, cls *types.ErrorClassification) *types.RecoveryResult {
	if err := m.checkPrerequisites(ctx, s, ec); err != nil {
		return &types.RecoveryResult{
			Success: false,
			Error:   fmt.Sprintf("prerequisites not met: %v", err),
		}
	}

	actions := s.BuildActions(ec, cls)
	outcomes, executed, failed := m.runActions(ctx, s, ec, actions)

	result := &types.RecoveryResult{
		ActionsExecuted:  outcomes,
		RollbackRequired: failed,
	}
	for _, a := range executed {
		result.SideEffects = append(result.SideEffects, fmt.Sprintf("%s on %s", a.Type, ec.AgentID))
	}

	result.ErrorResolved = m.verify(ctx, s, ec)
	result.Success = !failed && result.ErrorResolved

	if failed {
		result.Error = firstFailure(outcomes)
		m.rollback(ctx, s, ec, executed)
	}
	return result
}

func (m *Manager) checkPrerequisites(ctx context.Context, s *Strategy, ec *types.ErrorContext) error {
	for _, p := range s.Prerequisites {
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = m.cfg.PrerequisiteTimeout
		}
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		err := p.Check(checkCtx, ec)
		cancel()
		if err != nil {
			m.logger.Warn("Prerequisite failed", "strategy", s.ID, "prerequisite", p.Name, "error", err.Error())
			return fmt.Errorf("%s: %w", p.Name, err)
		}
	}
	return nil
}

// runActions executes the strategy's actions in order through the strategy's
// circuit breaker. The first failure stops execution; remaining actions are
// skipped.
func (m *Manager) runActions(ctx context.Context, s *Strategy, ec *types.ErrorContext, actions []types.RecoveryAction) (outcomes []types.ActionOutcome, executed []types.RecoveryAction, failed bool) {
	breakerName := "recovery_" + s.ID

	for i, action := range actions {
		if failed {
			outcomes = append(outcomes, types.ActionOutcome{
				ActionID:  action.ActionID,
				Type:      action.Type,
				Status:    types.ActionStatusSkipped,
				Timestamp: time.Now(),
			})
			continue
		}

		actionStart := time.Now()
		err := m.breakers.Call(ctx, breakerName, func(ctx context.Context) error {
			return m.executor.ExecuteAction(ctx, ec.AgentID, actions[i])
		})

		outcome := types.ActionOutcome{
			ActionID:  action.ActionID,
			Type:      action.Type,
			Duration:  time.Since(actionStart),
			Timestamp: time.Now(),
		}
		if err != nil {
			outcome.Status = types.ActionStatusFailed
			outcome.Error = err.Error()
			failed = true
			m.metrics.IncAction(string(action.Type), "failed")
			m.logger.Error("Recovery action failed",
				"strategy", s.ID,
				"action", string(action.Type),
				"agent_id", ec.AgentID,
				"error", err.Error(),
			)
		} else {
			outcome.Status = types.ActionStatusCompleted
			executed = append(executed, action)
			m.metrics.IncAction(string(action.Type), "completed")
		}
		outcomes = append(outcomes, outcome)
		m.emit(events.ActionUpdate, map[string]interface{}{
			"strategy": s.ID,
			"action":   string(action.Type),
			"status":   string(outcome.Status),
		})
	}
	return outcomes, executed, failed
}

// verify evaluates the strategy's success criteria. The verdict is about the
// original error, not about whether every action completed.
func (m *Manager) verify(ctx context.Context, s *Strategy, ec *types.ErrorContext) bool {
	verifyCtx, cancel := context.WithTimeout(ctx, m.cfg.VerificationTimeout)
	defer cancel()

	if s.Success.VerifyAgentHealth {
		if m.transport == nil {
			return false
		}
		healthy, err := m.transport.CheckHealth(verifyCtx, ec.AgentID)
		if err != nil || !healthy {
			m.logger.Warn("Agent health verification failed", "agent_id", ec.AgentID)
			return false
		}
	}
	for _, check := range s.Success.Checks {
		if err := check.Check(verifyCtx, ec); err != nil {
			m.logger.Warn("Success check failed", "check", check.Name, "error", err.Error())
			return false
		}
	}
	return true
}

// rollback executes compensating actions best-effort. Failures are logged,
// never surfaced to the caller.
func (m *Manager) rollback(ctx context.Context, s *Strategy, ec *types.ErrorContext, executed []types.RecoveryAction) {
	if s.BuildRollback == nil || len(executed) == 0 {
		return
	}
	for _, action := range s.BuildRollback(executed) {
		if err := m.executor.ExecuteAction(ctx, ec.AgentID, action); err != nil {
			m.logger.Warn("Rollback action failed",
				"strategy", s.ID,
				"action", string(action.Type),
				"error", err.Error(),
			)
		}
	}
}

func (m *Manager) finishAttempt(ctx context.Context, ec *types.ErrorContext, s *Strategy, attemptID uuid.UUID, start time.Time, result *types.RecoveryResult) *types.RecoveryResult {
	status := "failed"
	eventType := events.RecoveryFailed
	if result.Success {
		status = "succeeded"
		eventType = events.RecoveryCompleted
	}

	completed := time.Now()
	m.persistAttempt(ctx, AttemptRecord{
		AttemptID:   attemptID,
		ErrorID:     ec.ErrorID,
		AgentID:     ec.AgentID,
		StrategyID:  s.ID,
		Status:      status,
		StartedAt:   start,
		CompletedAt: &completed,
		Result:      result,
	})

	m.metrics.ObserveRecovery(s.ID, status, result.Duration.Seconds())
	m.emit(eventType, map[string]interface{}{
		"error_id":          ec.ErrorID.String(),
		"agent_id":          ec.AgentID,
		"strategy":          s.ID,
		"error_resolved":    result.ErrorResolved,
		"rollback_required": result.RollbackRequired,
	})
	m.logger.Info("Recovery finished",
		"error_id", ec.ErrorID.String(),
		"strategy", s.ID,
		"status", status,
		"duration", result.Duration.String(),
	)
	return result
}

// finish handles the no-strategy path
func (m *Manager) finish(ctx context.Context, ec *types.ErrorContext, s *Strategy, start time.Time, result *types.RecoveryResult) *types.RecoveryResult {
	m.emit(events.RecoveryFailed, map[string]interface{}{
		"error_id": ec.ErrorID.String(),
		"agent_id": ec.AgentID,
		"reason":   result.Error,
	})
	return result
}

func (m *Manager) persistAttempt(ctx context.Context, rec AttemptRecord) {
	if m.sink == nil {
		return
	}
	if err := m.sink.RecordRecoveryAttempt(ctx, rec); err != nil {
		m.metrics.IncStoreWriteFailure("recovery_attempts")
		m.logger.Warn("Failed to persist recovery attempt", "attempt_id", rec.AttemptID.String(), "error", err.Error())
	}
}

func firstFailure(outcomes []types.ActionOutcome) string {
	for _, o := range outcomes {
		if o.Status == types.ActionStatusFailed {
			return o.Error
		}
	}
	return "recovery action failed"
}

func (m *Manager) emit(eventType events.EventType, fields map[string]interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(eventType, "recovery", fields)
}
