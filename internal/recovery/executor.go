package recovery

import (
	"context"

	"github.com/fleetguard/fleetguard/internal/breaker"
	"github.com/fleetguard/fleetguard/internal/degradation"
	"github.com/fleetguard/fleetguard/internal/transport"
	"github.com/fleetguard/fleetguard/pkg/errors"
	"github.com/fleetguard/fleetguard/pkg/logging"
	"github.com/fleetguard/fleetguard/pkg/types"
)

// Executor performs one remediation action against an agent or the local
// control plane
type Executor interface {
	ExecuteAction(ctx context.Context, agentID string, action types.RecoveryAction) error
}

// ActionExecutor routes actions to their effector: breaker actions hit the
// local registry, fallback-mode actions hit the degradation manager, and
// everything else is dispatched to the target agent over the transport.
type ActionExecutor struct {
	transport   transport.AgentTransport
	breakers    *breaker.Registry
	degradation *degradation.Manager
	logger      *logging.Logger
}

// NewActionExecutor creates the default executor
func NewActionExecutor(t transport.AgentTransport, breakers *breaker.Registry, dm *degradation.Manager, logger *logging.Logger) *ActionExecutor {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &ActionExecutor{
		transport:   t,
		breakers:    breakers,
		degradation: dm,
		logger:      logger.WithComponent("action_executor"),
	}
}

// ExecuteAction performs one action, honoring the action's timeout
func (e *ActionExecutor) ExecuteAction(ctx context.Context, agentID string, action types.RecoveryAction) error {
	if action.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, action.Timeout)
		defer cancel()
	}

	switch action.Type {
	case types.ActionCircuitBreakerOpen:
		p, ok := action.Params.(types.BreakerParams)
		if !ok {
			return errors.NewValidationError("circuit_breaker_open requires breaker params")
		}
		e.breakers.Get(p.BreakerName).ForceOpen()
		return nil

	case types.ActionCircuitBreakerClose:
		p, ok := action.Params.(types.BreakerParams)
		if !ok {
			return errors.NewValidationError("circuit_breaker_close requires breaker params")
		}
		e.breakers.Get(p.BreakerName).ForceClose()
		return nil

	case types.ActionFallbackMode:
		p, ok := action.Params.(types.FallbackModeParams)
		if !ok {
			return errors.NewValidationError("fallback_mode requires fallback params")
		}
		if e.degradation == nil {
			return errors.NewInternalError("no degradation manager wired")
		}
		e.degradation.Escalate(ctx, degradation.Trigger{
			Metric: degradation.MetricErrorRate,
			Reason: p.Reason,
		})
		return nil

	default:
		if e.transport == nil {
			return errors.NewInternalError("no agent transport wired")
		}
		return e.transport.Execute(ctx, agentID, action)
	}
}
