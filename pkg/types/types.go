package types

import (
	"time"

	"github.com/google/uuid"

	"github.com/fleetguard/fleetguard/pkg/errors"
)

// Severity represents how serious a classified failure is
type Severity string

const (
	SeverityLow       Severity = "low"
	SeverityMedium    Severity = "medium"
	SeverityHigh      Severity = "high"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// Rank returns the ordinal position of the severity, low first
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	case SeverityEmergency:
		return 4
	default:
		return -1
	}
}

// ImpactScope describes how far a failure reaches
type ImpactScope string

const (
	ScopeSingleRequest ImpactScope = "single_request"
	ScopeAgent         ImpactScope = "agent"
	ScopeCluster       ImpactScope = "cluster"
	ScopeSystemWide    ImpactScope = "system_wide"
)

// EnvironmentSnapshot captures resource readings at failure time
type EnvironmentSnapshot struct {
	MemoryUsage  float64 `json:"memory_usage"`  // percent 0-100
	CPUUsage     float64 `json:"cpu_usage"`     // percent 0-100
	Goroutines   int     `json:"goroutines,omitempty"`
	OpenConns    int     `json:"open_conns,omitempty"`
	QueueBacklog int     `json:"queue_backlog,omitempty"`
}

// ErrorContext identifies one failure occurrence. Immutable once created.
type ErrorContext struct {
	ErrorID     uuid.UUID           `json:"error_id"`
	AgentID     string              `json:"agent_id"`
	AgentType   string              `json:"agent_type"`
	Message     string              `json:"message"`
	StackTrace  string              `json:"stack_trace,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
	Environment EnvironmentSnapshot `json:"environment"`
	Metadata    map[string]string   `json:"metadata,omitempty"`
}

// NewErrorContext creates an error context for a failure on the given agent
func NewErrorContext(agentID, agentType, message string) *ErrorContext {
	return &ErrorContext{
		ErrorID:   uuid.New(),
		AgentID:   agentID,
		AgentType: agentType,
		Message:   message,
		Timestamp: time.Now(),
		Metadata:  make(map[string]string),
	}
}

// ErrorClassification is the classifier's read-only verdict on a failure
type ErrorClassification struct {
	ErrorType                  errors.ErrorType `json:"error_type"`
	Severity                   Severity         `json:"severity"`
	ImpactScope                ImpactScope      `json:"impact_scope"`
	IsRetryable                bool             `json:"is_retryable"`
	RequiresImmediateAttention bool             `json:"requires_immediate_attention"`
}

// ActionType identifies an atomic remediation kind
type ActionType string

const (
	ActionRestartAgent        ActionType = "restart_agent"
	ActionCircuitBreakerOpen  ActionType = "circuit_breaker_open"
	ActionCircuitBreakerClose ActionType = "circuit_breaker_close"
	ActionResetConnections    ActionType = "reset_connections"
	ActionFallbackMode        ActionType = "fallback_mode"
	ActionClearCache          ActionType = "clear_cache"
	ActionScaleUp             ActionType = "scale_up"
	ActionScaleDown           ActionType = "scale_down"
	ActionHealthVerification  ActionType = "health_verification"
	ActionGradualRestoration  ActionType = "gradual_restoration"
)

// RecoveryAction is an atomic, side-effecting unit of remediation
type RecoveryAction struct {
	ActionID     uuid.UUID     `json:"action_id"`
	Type         ActionType    `json:"type"`
	Params       ActionParams  `json:"params,omitempty"`
	Timeout      time.Duration `json:"timeout"`
	Dependencies []uuid.UUID   `json:"dependencies,omitempty"`
}

// NewAction creates a recovery action of the given type
func NewAction(actionType ActionType, params ActionParams, timeout time.Duration) RecoveryAction {
	return RecoveryAction{
		ActionID: uuid.New(),
		Type:     actionType,
		Params:   params,
		Timeout:  timeout,
	}
}

// ActionStatus describes the outcome of one executed action
type ActionStatus string

const (
	ActionStatusCompleted ActionStatus = "completed"
	ActionStatusFailed    ActionStatus = "failed"
	ActionStatusSkipped   ActionStatus = "skipped"
)

// ActionOutcome records the result of executing one action
type ActionOutcome struct {
	ActionID  uuid.UUID     `json:"action_id"`
	Type      ActionType    `json:"type"`
	Status    ActionStatus  `json:"status"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// RecoveryResult is the terminal artifact of one recovery attempt
type RecoveryResult struct {
	Success          bool            `json:"success"`
	StrategyUsed     string          `json:"strategy_used,omitempty"`
	ActionsExecuted  []ActionOutcome `json:"actions_executed"`
	Duration         time.Duration   `json:"duration"`
	ErrorResolved    bool            `json:"error_resolved"`
	SideEffects      []string        `json:"side_effects,omitempty"`
	RollbackRequired bool            `json:"rollback_required"`
	Error            string          `json:"error,omitempty"`
}
