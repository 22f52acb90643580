package coordinator

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetguard/fleetguard/internal/backoff"
	"github.com/fleetguard/fleetguard/pkg/errors"
	"github.com/fleetguard/fleetguard/pkg/types"
)

// strategyForFleet picks the coordination strategy from the participant
// count: a single agent is driven centrally, small groups run hierarchically
// under a fixed leader, larger groups require consensus.
func strategyForFleet(agentCount int) CoordinationStrategy {
	switch {
	case agentCount == 1:
		return CoordinationStrategy{
			Type:    StrategyCentralized,
			Timeout: 5 * time.Minute,
			Retry: backoff.RetryConfig{
				MaxAttempts: 3,
				Policy:      backoff.PolicyExponential,
			},
			LeaderElection: ElectionFixed,
		}
	case agentCount <= 3:
		return CoordinationStrategy{
			Type:    StrategyHierarchical,
			Timeout: 10 * time.Minute,
			Retry: backoff.RetryConfig{
				MaxAttempts: 2,
				Policy:      backoff.PolicyLinear,
			},
			LeaderElection: ElectionFixed,
		}
	default:
		return CoordinationStrategy{
			Type:    StrategyConsensus,
			Timeout: 15 * time.Minute,
			Retry: backoff.RetryConfig{
				MaxAttempts: 3,
				Policy:      backoff.PolicyExponential,
			},
			LeaderElection:    ElectionVoting,
			DecisionThreshold: int(math.Ceil(0.6 * float64(agentCount))),
		}
	}
}

// buildPlan constructs the four-phase plan for one incident. Phases are
// sequentially dependent: assessment runs on the lead agent only, then
// stabilization isolates failing dependencies on a subset, then the
// error-specific recovery actions run across all agents, then verification
// confirms health and restores traffic.
func buildPlan(ec *types.ErrorContext, cls *types.ErrorClassification, agents []string) *RecoveryPlan {
	lead := agents[:1]

	assessment := RecoveryPhase{
		PhaseID:        uuid.New(),
		Name:           PhaseAssessment,
		AssignedAgents: lead,
		Actions: []types.RecoveryAction{
			types.NewAction(types.ActionHealthVerification, types.HealthVerificationParams{
				Checks: []string{"connectivity", "resource_headroom", "dependency_status"},
			}, 30*time.Second),
		},
		Timeout: time.Minute,
	}

	stabilization := RecoveryPhase{
		PhaseID:        uuid.New(),
		Name:           PhaseStabilization,
		AssignedAgents: frontHalf(agents),
		Actions: []types.RecoveryAction{
			types.NewAction(types.ActionCircuitBreakerOpen, types.BreakerParams{
				BreakerName: failingDependency(ec),
			}, 10*time.Second),
			types.NewAction(types.ActionFallbackMode, types.FallbackModeParams{
				Reason:      ec.Message,
				TargetLevel: 1,
			}, 10*time.Second),
		},
		Timeout:     2 * time.Minute,
		CanRollback: true,
		DependsOn:   []uuid.UUID{assessment.PhaseID},
	}

	recoveryPhase := RecoveryPhase{
		PhaseID:        uuid.New(),
		Name:           PhaseRecovery,
		AssignedAgents: agents,
		Actions:        recoveryActions(ec, cls),
		Timeout:        5 * time.Minute,
		CanRollback:    true,
		DependsOn:      []uuid.UUID{stabilization.PhaseID},
	}

	verification := RecoveryPhase{
		PhaseID:        uuid.New(),
		Name:           PhaseVerification,
		AssignedAgents: lead,
		Actions: []types.RecoveryAction{
			types.NewAction(types.ActionHealthVerification, types.HealthVerificationParams{
				Checks: []string{"connectivity", "error_rate", "dependency_status"},
			}, 30*time.Second),
			types.NewAction(types.ActionGradualRestoration, types.RestorationParams{
				StepPercent: 25,
				StepDelay:   15 * time.Second,
			}, 2*time.Minute),
		},
		Timeout:   3 * time.Minute,
		DependsOn: []uuid.UUID{recoveryPhase.PhaseID},
	}

	return &RecoveryPlan{
		PlanID: uuid.New(),
		Phases: []RecoveryPhase{assessment, stabilization, recoveryPhase, verification},
	}
}

// recoveryActions picks error-specific remediation: a connection reset when
// the failure points at the database, a cache clear under memory pressure,
// and an agent restart only as the last resort
func recoveryActions(ec *types.ErrorContext, cls *types.ErrorClassification) []types.RecoveryAction {
	var actions []types.RecoveryAction

	if cls.ErrorType == errors.ErrorTypeDatabase ||
		strings.Contains(strings.ToLower(ec.StackTrace), "database") {
		actions = append(actions, types.NewAction(types.ActionResetConnections, types.ConnectionResetParams{
			Pool:        "primary",
			ForceReopen: true,
		}, 30*time.Second))
	}
	if ec.Environment.MemoryUsage > 80 {
		actions = append(actions, types.NewAction(types.ActionClearCache, types.CacheClearParams{
			Scopes: []string{"agent:" + ec.AgentID},
		}, 30*time.Second))
	}
	if len(actions) == 0 {
		actions = append(actions, types.NewAction(types.ActionRestartAgent, types.RestartParams{
			Mode:         "graceful",
			DrainTimeout: 30 * time.Second,
		}, 2*time.Minute))
	}
	return actions
}

func failingDependency(ec *types.ErrorContext) string {
	if dep, ok := ec.Metadata["dependency"]; ok && dep != "" {
		return dep
	}
	return "agent_" + ec.AgentID
}

func frontHalf(agents []string) []string {
	n := (len(agents) + 1) / 2
	return agents[:n]
}

// fallbackPlan is the reduced plan used when consensus is not reached: only
// the first two phases of the original
func fallbackPlan(plan *RecoveryPlan) *RecoveryPlan {
	n := 2
	if len(plan.Phases) < n {
		n = len(plan.Phases)
	}
	return &RecoveryPlan{
		PlanID: uuid.New(),
		Phases: plan.Phases[:n],
	}
}

// compensate maps an executed action to its rollback counterpart. Breaker
// and scaling actions invert; everything else degrades to a generic
// fallback-mode rollback.
func compensate(action types.RecoveryAction) types.RecoveryAction {
	switch action.Type {
	case types.ActionCircuitBreakerOpen:
		return types.NewAction(types.ActionCircuitBreakerClose, action.Params, action.Timeout)
	case types.ActionCircuitBreakerClose:
		return types.NewAction(types.ActionCircuitBreakerOpen, action.Params, action.Timeout)
	case types.ActionScaleUp:
		return types.NewAction(types.ActionScaleDown, action.Params, action.Timeout)
	case types.ActionScaleDown:
		return types.NewAction(types.ActionScaleUp, action.Params, action.Timeout)
	default:
		return types.NewAction(types.ActionFallbackMode, types.FallbackModeParams{
			Reason: "rollback of " + string(action.Type),
		}, action.Timeout)
	}
}

// buildRollbackPlan mirrors the completed rollback-capable phases in strict
// reverse completion order
func buildRollbackPlan(completed []RecoveryPhase) *RollbackPlan {
	rb := &RollbackPlan{PlanID: uuid.New()}
	for i := len(completed) - 1; i >= 0; i-- {
		phase := completed[i]
		if !phase.CanRollback {
			continue
		}
		compensated := make([]types.RecoveryAction, 0, len(phase.Actions))
		for j := len(phase.Actions) - 1; j >= 0; j-- {
			compensated = append(compensated, compensate(phase.Actions[j]))
		}
		rb.Phases = append(rb.Phases, RecoveryPhase{
			PhaseID:        uuid.New(),
			Name:           "rollback_" + phase.Name,
			AssignedAgents: phase.AssignedAgents,
			Actions:        compensated,
			Timeout:        phase.Timeout,
		})
	}
	return rb
}
