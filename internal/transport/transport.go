// Package transport defines how the reliability engine talks to the agent
// fleet. The engine only depends on the interfaces here; the Redis
// implementation is the production wiring.
package transport

import (
	"context"

	"github.com/google/uuid"

	"github.com/fleetguard/fleetguard/pkg/types"
)

// Notification is a control message delivered to an agent
type Notification struct {
	Type      string            `json:"type"`
	SessionID uuid.UUID         `json:"session_id,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// AgentTransport is the engine's view of the fleet. All methods honor the
// deadline on ctx; an expired deadline is a failure, never a hang.
type AgentTransport interface {
	// CheckHealth reports whether the agent is alive and responsive
	CheckHealth(ctx context.Context, agentID string) (bool, error)

	// Notify delivers a control message to the agent, fire-and-forget
	Notify(ctx context.Context, agentID string, notification Notification) error

	// Execute carries out a recovery action on the agent and waits for the
	// agent's acknowledgement within the action's timeout
	Execute(ctx context.Context, agentID string, action types.RecoveryAction) error
}

// ErrorClassifier classifies a failure occurrence. External collaborator;
// the engine trusts its output.
type ErrorClassifier interface {
	Classify(ctx context.Context, errCtx *types.ErrorContext) (*types.ErrorClassification, error)
}
