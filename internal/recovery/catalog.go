package recovery

import (
	"context"
	"time"

	"github.com/fleetguard/fleetguard/pkg/errors"
	"github.com/fleetguard/fleetguard/pkg/types"
)

// Default strategy identifiers
const (
	StrategyAgentRestart      = "agent_restart"
	StrategyBreakerActivation = "circuit_breaker_activation"
	StrategyDBConnectionReset = "db_connection_reset"
	StrategyGracefulDegrade   = "graceful_degradation"
	StrategyCacheClear        = "cache_clear"
)

// DefaultStrategies returns the built-in strategy catalog
func DefaultStrategies() []*Strategy {
	return []*Strategy{
		agentRestartStrategy(),
		breakerActivationStrategy(),
		dbConnectionResetStrategy(),
		gracefulDegradationStrategy(),
		cacheClearStrategy(),
	}
}

func agentRestartStrategy() *Strategy {
	return &Strategy{
		ID:   StrategyAgentRestart,
		Name: "Agent Restart",
		ApplicableErrorTypes: []errors.ErrorType{
			errors.ErrorTypeSystem, errors.ErrorTypeResourceExhaustion, errors.ErrorTypeAgentCoordination,
		},
		ApplicableSeverities:  allSeverities(),
		Priority:              80,
		MaxAttempts:           2,
		Timeout:               3 * time.Minute,
		EstimatedRecoveryTime: 2 * time.Minute,
		Prerequisites: []Prerequisite{
			{
				Name:    "agent_identified",
				Timeout: time.Second,
				Check: func(ctx context.Context, ec *types.ErrorContext) error {
					if ec.AgentID == "" {
						return errors.NewValidationError("error context has no agent id")
					}
					return nil
				},
			},
		},
		Success: SuccessCriteria{VerifyAgentHealth: true},
		BuildActions: func(ec *types.ErrorContext, cls *types.ErrorClassification) []types.RecoveryAction {
			mode := "graceful"
			if cls.Severity == types.SeverityEmergency {
				mode = "forced"
			}
			return []types.RecoveryAction{
				types.NewAction(types.ActionRestartAgent, types.RestartParams{
					Mode:         mode,
					DrainTimeout: 30 * time.Second,
				}, 2*time.Minute),
			}
		},
	}
}

func breakerActivationStrategy() *Strategy {
	return &Strategy{
		ID:   StrategyBreakerActivation,
		Name: "Circuit Breaker Activation",
		ApplicableErrorTypes: []errors.ErrorType{
			errors.ErrorTypeNetwork, errors.ErrorTypeTimeout, errors.ErrorTypeDependency,
		},
		ApplicableSeverities:  allSeverities(),
		Priority:              90,
		MaxAttempts:           1,
		Timeout:               30 * time.Second,
		EstimatedRecoveryTime: 5 * time.Second,
		Success:               SuccessCriteria{},
		BuildActions: func(ec *types.ErrorContext, cls *types.ErrorClassification) []types.RecoveryAction {
			return []types.RecoveryAction{
				types.NewAction(types.ActionCircuitBreakerOpen, types.BreakerParams{
					BreakerName: dependencyBreakerName(ec),
				}, 5*time.Second),
			}
		},
		BuildRollback: func(executed []types.RecoveryAction) []types.RecoveryAction {
			var rollback []types.RecoveryAction
			for i := len(executed) - 1; i >= 0; i-- {
				if executed[i].Type != types.ActionCircuitBreakerOpen {
					continue
				}
				rollback = append(rollback, types.NewAction(
					types.ActionCircuitBreakerClose, executed[i].Params, 5*time.Second))
			}
			return rollback
		},
	}
}

// dependencyBreakerName picks the breaker guarding the failing dependency,
// falling back to a per-agent breaker when the classifier saw no dependency
func dependencyBreakerName(ec *types.ErrorContext) string {
	if dep, ok := ec.Metadata["dependency"]; ok && dep != "" {
		return dep
	}
	return "agent_" + ec.AgentID
}

func dbConnectionResetStrategy() *Strategy {
	return &Strategy{
		ID:   StrategyDBConnectionReset,
		Name: "Database Connection Reset",
		ApplicableErrorTypes: []errors.ErrorType{
			errors.ErrorTypeDatabase,
		},
		ApplicableSeverities:  allSeverities(),
		Priority:              70,
		MaxAttempts:           2,
		Timeout:               time.Minute,
		EstimatedRecoveryTime: 30 * time.Second,
		Success:               SuccessCriteria{VerifyAgentHealth: true},
		BuildActions: func(ec *types.ErrorContext, cls *types.ErrorClassification) []types.RecoveryAction {
			return []types.RecoveryAction{
				types.NewAction(types.ActionResetConnections, types.ConnectionResetParams{
					Pool:        "primary",
					ForceReopen: cls.Severity.Rank() >= types.SeverityCritical.Rank(),
				}, 30*time.Second),
			}
		},
	}
}

func gracefulDegradationStrategy() *Strategy {
	return &Strategy{
		ID:   StrategyGracefulDegrade,
		Name: "Graceful Degradation",
		ApplicableErrorTypes: []errors.ErrorType{
			errors.ErrorTypeResourceExhaustion, errors.ErrorTypeDependency, errors.ErrorTypeSystem,
		},
		ApplicableSeverities:  allSeverities(),
		Priority:              60,
		MaxAttempts:           1,
		Timeout:               30 * time.Second,
		EstimatedRecoveryTime: 15 * time.Second,
		Success:               SuccessCriteria{},
		BuildActions: func(ec *types.ErrorContext, cls *types.ErrorClassification) []types.RecoveryAction {
			return []types.RecoveryAction{
				types.NewAction(types.ActionFallbackMode, types.FallbackModeParams{
					Reason:      ec.Message,
					TargetLevel: 1,
				}, 10*time.Second),
			}
		},
	}
}

func cacheClearStrategy() *Strategy {
	return &Strategy{
		ID:   StrategyCacheClear,
		Name: "Cache Clear",
		ApplicableErrorTypes: []errors.ErrorType{
			errors.ErrorTypeDataCorruption, errors.ErrorTypeBusinessLogic,
		},
		ApplicableSeverities:  allSeverities(),
		Priority:              50,
		MaxAttempts:           1,
		Timeout:               time.Minute,
		EstimatedRecoveryTime: 10 * time.Second,
		Success:               SuccessCriteria{VerifyAgentHealth: true},
		BuildActions: func(ec *types.ErrorContext, cls *types.ErrorClassification) []types.RecoveryAction {
			return []types.RecoveryAction{
				types.NewAction(types.ActionClearCache, types.CacheClearParams{
					Scopes: []string{"agent:" + ec.AgentID},
				}, 30*time.Second),
			}
		},
	}
}
