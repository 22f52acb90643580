// Package classify provides the default rule-based error classifier. It is
// the production stand-in for deployments without an external classifier
// service wired in.
package classify

import (
	"context"
	"strings"

	"github.com/fleetguard/fleetguard/pkg/errors"
	"github.com/fleetguard/fleetguard/pkg/logging"
	"github.com/fleetguard/fleetguard/pkg/types"
)

// RuleClassifier classifies failures by keyword and resource heuristics
type RuleClassifier struct {
	logger *logging.Logger
}

// NewRuleClassifier creates a rule-based classifier
func NewRuleClassifier(logger *logging.Logger) *RuleClassifier {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &RuleClassifier{logger: logger.WithComponent("classifier")}
}

// Classify derives a classification from the failure message, resource
// snapshot, and caller-supplied metadata overrides
func (c *RuleClassifier) Classify(ctx context.Context, errCtx *types.ErrorContext) (*types.ErrorClassification, error) {
	if errCtx == nil {
		return nil, errors.NewValidationError("error context is required")
	}

	errorType := classifyType(errCtx.Message)
	severity := classifySeverity(errorType, errCtx)
	scope := classifyScope(errorType, errCtx)

	cls := &types.ErrorClassification{
		ErrorType:                  errorType,
		Severity:                   severity,
		ImpactScope:                scope,
		IsRetryable:                errors.IsTransient(errorType) || errorType == errors.ErrorTypeDatabase,
		RequiresImmediateAttention: severity.Rank() >= types.SeverityCritical.Rank() || scope == types.ScopeSystemWide,
	}

	c.logger.Debug("Classified failure",
		"error_id", errCtx.ErrorID.String(),
		"agent_id", errCtx.AgentID,
		"error_type", string(cls.ErrorType),
		"severity", string(cls.Severity),
		"impact_scope", string(cls.ImpactScope),
	)
	return cls, nil
}

func classifyType(message string) errors.ErrorType {
	msg := strings.ToLower(message)
	switch {
	case containsAny(msg, "timeout", "deadline exceeded", "timed out"):
		return errors.ErrorTypeTimeout
	case containsAny(msg, "connection refused", "connection reset", "no such host", "network", "broken pipe", "dial tcp"):
		return errors.ErrorTypeNetwork
	case containsAny(msg, "database", "sql", "pq:", "deadlock", "too many connections"):
		return errors.ErrorTypeDatabase
	case containsAny(msg, "rate limit", "too many requests", "429"):
		return errors.ErrorTypeRateLimit
	case containsAny(msg, "unauthorized", "authentication", "invalid token", "expired token"):
		return errors.ErrorTypeAuthentication
	case containsAny(msg, "forbidden", "permission denied", "not allowed"):
		return errors.ErrorTypeAuthorization
	case containsAny(msg, "out of memory", "resource exhausted", "disk full", "quota"):
		return errors.ErrorTypeResourceExhaustion
	case containsAny(msg, "checksum", "corrupt", "malformed"):
		return errors.ErrorTypeDataCorruption
	case containsAny(msg, "consensus", "quorum", "coordination", "leader"):
		return errors.ErrorTypeAgentCoordination
	case containsAny(msg, "upstream", "dependency", "service unavailable", "502", "503"):
		return errors.ErrorTypeDependency
	default:
		return errors.ErrorTypeSystem
	}
}

func classifySeverity(errorType errors.ErrorType, errCtx *types.ErrorContext) types.Severity {
	if override, ok := errCtx.Metadata["severity"]; ok {
		if s := types.Severity(override); s.Rank() >= 0 {
			return s
		}
	}

	var severity types.Severity
	switch errorType {
	case errors.ErrorTypeTimeout, errors.ErrorTypeNetwork, errors.ErrorTypeRateLimit:
		severity = types.SeverityMedium
	case errors.ErrorTypeDatabase, errors.ErrorTypeDependency, errors.ErrorTypeAgentCoordination:
		severity = types.SeverityHigh
	case errors.ErrorTypeResourceExhaustion, errors.ErrorTypeDataCorruption:
		severity = types.SeverityCritical
	default:
		severity = types.SeverityMedium
	}

	// Resource pressure at failure time bumps the verdict one notch
	env := errCtx.Environment
	if (env.CPUUsage > 90 || env.MemoryUsage > 90) && severity.Rank() < types.SeverityCritical.Rank() {
		severity = bump(severity)
	}
	return severity
}

func bump(s types.Severity) types.Severity {
	switch s {
	case types.SeverityLow:
		return types.SeverityMedium
	case types.SeverityMedium:
		return types.SeverityHigh
	case types.SeverityHigh:
		return types.SeverityCritical
	default:
		return s
	}
}

func classifyScope(errorType errors.ErrorType, errCtx *types.ErrorContext) types.ImpactScope {
	if override, ok := errCtx.Metadata["scope"]; ok {
		switch types.ImpactScope(override) {
		case types.ScopeSingleRequest, types.ScopeAgent, types.ScopeCluster, types.ScopeSystemWide:
			return types.ImpactScope(override)
		}
	}

	switch errorType {
	case errors.ErrorTypeDatabase, errors.ErrorTypeDependency:
		return types.ScopeCluster
	case errors.ErrorTypeResourceExhaustion:
		if errCtx.Environment.MemoryUsage > 90 || errCtx.Environment.CPUUsage > 90 {
			return types.ScopeSystemWide
		}
		return types.ScopeAgent
	case errors.ErrorTypeAgentCoordination:
		return types.ScopeSystemWide
	case errors.ErrorTypeRateLimit, errors.ErrorTypeTimeout:
		return types.ScopeSingleRequest
	default:
		return types.ScopeAgent
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
