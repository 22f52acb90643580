package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetguard/fleetguard/internal/breaker"
	"github.com/fleetguard/fleetguard/internal/transport"
	"github.com/fleetguard/fleetguard/pkg/config"
	"github.com/fleetguard/fleetguard/pkg/errors"
	"github.com/fleetguard/fleetguard/pkg/types"
)

type stubExecutor struct {
	mu     sync.Mutex
	calls  []types.RecoveryAction
	failOn types.ActionType
	block  chan struct{}
}

func (e *stubExecutor) ExecuteAction(ctx context.Context, agentID string, action types.RecoveryAction) error {
	if e.block != nil {
		<-e.block
	}
	e.mu.Lock()
	e.calls = append(e.calls, action)
	e.mu.Unlock()
	if e.failOn != "" && action.Type == e.failOn {
		return errors.NewInternalError("action failed")
	}
	return nil
}

func (e *stubExecutor) executed() []types.RecoveryAction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.RecoveryAction(nil), e.calls...)
}

type stubTransport struct {
	healthy bool
}

func (t *stubTransport) CheckHealth(ctx context.Context, agentID string) (bool, error) {
	return t.healthy, nil
}

func (t *stubTransport) Notify(ctx context.Context, agentID string, n transport.Notification) error {
	return nil
}

func (t *stubTransport) Execute(ctx context.Context, agentID string, action types.RecoveryAction) error {
	return nil
}

func testRecoveryConfig() config.RecoveryConfig {
	return config.RecoveryConfig{
		DefaultTimeout:      2 * time.Minute,
		PrerequisiteTimeout: 10 * time.Second,
		VerificationTimeout: 30 * time.Second,
	}
}

func testBreakerRegistry() *breaker.Registry {
	return breaker.NewRegistry(config.BreakerConfig{
		ErrorThresholdPercent: 50,
		MinimumThroughput:     10,
		RecoveryTimeout:       30 * time.Second,
		RollingWindow:         time.Minute,
		EvalInterval:          5 * time.Second,
		AdaptiveMinThreshold:  20,
		AdaptiveMaxThreshold:  80,
		TransientWidenRatio:   0.7,
		TransientNarrowRatio:  0.3,
		PercentileWindow:      100,
		PercentileMinSamples:  20,
	}, nil, nil, nil)
}

func newTestRecoveryManager(executor Executor, t transport.AgentTransport) *Manager {
	return NewManager(testRecoveryConfig(), executor, t, testBreakerRegistry(), nil, nil, nil, nil)
}

func networkFailure() (*types.ErrorContext, *types.ErrorClassification) {
	ec := types.NewErrorContext("agent-7", "governance", "upstream unreachable")
	cls := &types.ErrorClassification{
		ErrorType:   errors.ErrorTypeNetwork,
		Severity:    types.SeverityHigh,
		ImpactScope: types.ScopeAgent,
		IsRetryable: true,
	}
	return ec, cls
}

func TestSelectStrategy_NetworkHighPicksBreakerActivation(t *testing.T) {
	m := newTestRecoveryManager(&stubExecutor{}, &stubTransport{healthy: true})

	_, cls := networkFailure()
	s := m.SelectStrategy(cls)

	require.NotNil(t, s)
	assert.Equal(t, StrategyBreakerActivation, s.ID)
}

func TestSelectStrategy_DatabaseErrorPicksConnectionReset(t *testing.T) {
	m := newTestRecoveryManager(&stubExecutor{}, &stubTransport{healthy: true})

	s := m.SelectStrategy(&types.ErrorClassification{
		ErrorType: errors.ErrorTypeDatabase,
		Severity:  types.SeverityMedium,
	})

	require.NotNil(t, s)
	assert.Equal(t, StrategyDBConnectionReset, s.ID)
}

func TestSelectStrategy_NoneApplicable(t *testing.T) {
	m := newTestRecoveryManager(&stubExecutor{}, &stubTransport{healthy: true})

	s := m.SelectStrategy(&types.ErrorClassification{
		ErrorType: errors.ErrorTypeAuthentication,
		Severity:  types.SeverityLow,
	})

	assert.Nil(t, s)
}

func TestExecuteRecovery_Succeeds(t *testing.T) {
	executor := &stubExecutor{}
	m := newTestRecoveryManager(executor, &stubTransport{healthy: true})

	ec, cls := networkFailure()
	result, err := m.ExecuteRecovery(context.Background(), ec, cls)

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.ErrorResolved)
	assert.False(t, result.RollbackRequired)
	assert.Equal(t, StrategyBreakerActivation, result.StrategyUsed)
	require.Len(t, result.ActionsExecuted, 1)
	assert.Equal(t, types.ActionStatusCompleted, result.ActionsExecuted[0].Status)
	assert.Len(t, executor.executed(), 1)
}

func TestExecuteRecovery_NoStrategyFails(t *testing.T) {
	m := newTestRecoveryManager(&stubExecutor{}, &stubTransport{healthy: true})

	ec := types.NewErrorContext("agent-1", "governance", "bad credentials")
	result, err := m.ExecuteRecovery(context.Background(), ec, &types.ErrorClassification{
		ErrorType: errors.ErrorTypeAuthentication,
		Severity:  types.SeverityLow,
	})

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "no applicable recovery strategy")
}

func TestExecuteRecovery_CoalescesConcurrentCallsForSameError(t *testing.T) {
	executor := &stubExecutor{block: make(chan struct{})}
	m := newTestRecoveryManager(executor, &stubTransport{healthy: true})

	ec, cls := networkFailure()
	ctx := context.Background()

	results := make([]*types.RecoveryResult, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := m.ExecuteRecovery(ctx, ec, cls)
			assert.NoError(t, err)
			results[i] = r
		}(i)
		time.Sleep(50 * time.Millisecond)
	}
	close(executor.block)
	wg.Wait()

	assert.Same(t, results[0], results[1])
	assert.Len(t, executor.executed(), 1)
}

func TestExecuteRecovery_ActionFailureStopsAndRollsBack(t *testing.T) {
	executor := &stubExecutor{failOn: types.ActionResetConnections}
	m := newTestRecoveryManager(executor, &stubTransport{healthy: true})

	strategy := &Strategy{
		ID:                   "multi_step",
		Name:                 "Multi Step",
		ApplicableErrorTypes: []errors.ErrorType{errors.ErrorTypeSystem},
		ApplicableSeverities: allSeverities(),
		Priority:             200,
		Timeout:              time.Minute,
		BuildActions: func(ec *types.ErrorContext, cls *types.ErrorClassification) []types.RecoveryAction {
			return []types.RecoveryAction{
				types.NewAction(types.ActionCircuitBreakerOpen, types.BreakerParams{BreakerName: "db"}, time.Second),
				types.NewAction(types.ActionResetConnections, types.ConnectionResetParams{Pool: "primary"}, time.Second),
				types.NewAction(types.ActionRestartAgent, types.RestartParams{Mode: "graceful"}, time.Second),
			}
		},
		BuildRollback: func(executed []types.RecoveryAction) []types.RecoveryAction {
			var out []types.RecoveryAction
			for i := len(executed) - 1; i >= 0; i-- {
				out = append(out, types.NewAction(types.ActionCircuitBreakerClose, executed[i].Params, time.Second))
			}
			return out
		},
	}
	m.RegisterStrategy(context.Background(), strategy)

	ec := types.NewErrorContext("agent-3", "governance", "process wedged")
	result, err := m.ExecuteRecovery(context.Background(), ec, &types.ErrorClassification{
		ErrorType: errors.ErrorTypeSystem,
		Severity:  types.SeverityHigh,
	})

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.RollbackRequired)

	require.Len(t, result.ActionsExecuted, 3)
	assert.Equal(t, types.ActionStatusCompleted, result.ActionsExecuted[0].Status)
	assert.Equal(t, types.ActionStatusFailed, result.ActionsExecuted[1].Status)
	assert.Equal(t, types.ActionStatusSkipped, result.ActionsExecuted[2].Status)

	// Rollback compensates the one completed action
	calls := executor.executed()
	last := calls[len(calls)-1]
	assert.Equal(t, types.ActionCircuitBreakerClose, last.Type)
}

func TestExecuteRecovery_PrerequisiteFailureAbortsBeforeActions(t *testing.T) {
	executor := &stubExecutor{}
	m := newTestRecoveryManager(executor, &stubTransport{healthy: true})

	strategy := &Strategy{
		ID:                   "gated",
		Name:                 "Gated",
		ApplicableErrorTypes: []errors.ErrorType{errors.ErrorTypeSystem},
		ApplicableSeverities: allSeverities(),
		Priority:             200,
		Prerequisites: []Prerequisite{
			{
				Name:    "never_passes",
				Timeout: time.Second,
				Check: func(ctx context.Context, ec *types.ErrorContext) error {
					return errors.NewValidationError("not ready")
				},
			},
		},
		BuildActions: func(ec *types.ErrorContext, cls *types.ErrorClassification) []types.RecoveryAction {
			return []types.RecoveryAction{
				types.NewAction(types.ActionRestartAgent, types.RestartParams{Mode: "graceful"}, time.Second),
			}
		},
	}
	m.RegisterStrategy(context.Background(), strategy)

	ec := types.NewErrorContext("agent-3", "governance", "process wedged")
	result, err := m.ExecuteRecovery(context.Background(), ec, &types.ErrorClassification{
		ErrorType: errors.ErrorTypeSystem,
		Severity:  types.SeverityHigh,
	})

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "prerequisites not met")
	assert.Empty(t, executor.executed())
}

func TestExecuteRecovery_VerificationIndependentOfActionCompletion(t *testing.T) {
	// All actions complete but the agent stays unhealthy
	executor := &stubExecutor{}
	m := newTestRecoveryManager(executor, &stubTransport{healthy: false})

	ec := types.NewErrorContext("agent-9", "governance", "queries failing")
	result, err := m.ExecuteRecovery(context.Background(), ec, &types.ErrorClassification{
		ErrorType: errors.ErrorTypeDatabase,
		Severity:  types.SeverityHigh,
	})

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.False(t, result.ErrorResolved)
	assert.False(t, result.RollbackRequired)
	require.Len(t, result.ActionsExecuted, 1)
	assert.Equal(t, types.ActionStatusCompleted, result.ActionsExecuted[0].Status)
}

func TestDefaultStrategies_CatalogShape(t *testing.T) {
	byID := make(map[string]*Strategy)
	for _, s := range DefaultStrategies() {
		byID[s.ID] = s
	}

	require.Len(t, byID, 5)
	assert.Equal(t, 90, byID[StrategyBreakerActivation].Priority)
	assert.Equal(t, 80, byID[StrategyAgentRestart].Priority)
	assert.Equal(t, 70, byID[StrategyDBConnectionReset].Priority)
	assert.Equal(t, 60, byID[StrategyGracefulDegrade].Priority)
	assert.Equal(t, 50, byID[StrategyCacheClear].Priority)
}
