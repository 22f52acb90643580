// Package recovery selects and executes remediation strategies for single
// classified failures. Strategy actions run through a named circuit breaker
// so a consistently failing strategy isolates itself.
package recovery

import (
	"context"
	"time"

	"github.com/fleetguard/fleetguard/pkg/errors"
	"github.com/fleetguard/fleetguard/pkg/types"
)

// Prerequisite is a validator that must pass before a strategy touches the
// system. Each check carries its own timeout.
type Prerequisite struct {
	Name    string
	Timeout time.Duration
	Check   func(ctx context.Context, ec *types.ErrorContext) error
}

// CustomCheck is one named verification run after strategy execution
type CustomCheck struct {
	Name  string
	Check func(ctx context.Context, ec *types.ErrorContext) error
}

// SuccessCriteria determines whether the original error is resolved,
// independently of whether all actions completed
type SuccessCriteria struct {
	VerifyAgentHealth bool
	Checks            []CustomCheck
}

// Strategy is a named, registered remediation policy. Immutable after
// registration; re-registration overwrites by ID.
type Strategy struct {
	ID                    string
	Name                  string
	ApplicableErrorTypes  []errors.ErrorType
	ApplicableSeverities  []types.Severity
	Priority              int
	MaxAttempts           int
	Timeout               time.Duration
	EstimatedRecoveryTime time.Duration
	Prerequisites         []Prerequisite
	Success               SuccessCriteria

	// BuildActions generates the remediation steps for one failure
	BuildActions func(ec *types.ErrorContext, cls *types.ErrorClassification) []types.RecoveryAction

	// BuildRollback generates compensating actions for the executed steps.
	// Nil means the strategy has no rollback.
	BuildRollback func(executed []types.RecoveryAction) []types.RecoveryAction
}

// AppliesTo reports whether the strategy covers the classified failure
func (s *Strategy) AppliesTo(cls *types.ErrorClassification) bool {
	return containsErrorType(s.ApplicableErrorTypes, cls.ErrorType) &&
		containsSeverity(s.ApplicableSeverities, cls.Severity)
}

// Score ranks the strategy for the classified failure. Higher wins.
func (s *Strategy) Score(cls *types.ErrorClassification) int {
	score := s.Priority

	if cls.RequiresImmediateAttention {
		switch {
		case s.EstimatedRecoveryTime <= 30*time.Second:
			score += 20
		case s.EstimatedRecoveryTime <= 2*time.Minute:
			score += 10
		}
	}
	if cls.Severity == types.SeverityCritical || cls.Severity == types.SeverityEmergency {
		score += 15
	}
	if cls.ImpactScope == types.ScopeSystemWide {
		score += 10
	}
	return score
}

func containsErrorType(list []errors.ErrorType, t errors.ErrorType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func containsSeverity(list []types.Severity, s types.Severity) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func allSeverities() []types.Severity {
	return []types.Severity{
		types.SeverityLow, types.SeverityMedium, types.SeverityHigh,
		types.SeverityCritical, types.SeverityEmergency,
	}
}
