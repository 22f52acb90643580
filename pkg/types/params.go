package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionParams is the closed set of per-action parameter payloads. Each
// action type carries only the fields it needs; decoding dispatches on the
// action's Type.
type ActionParams interface {
	isActionParams()
}

// RestartParams configures an agent restart
type RestartParams struct {
	Mode         string        `json:"mode"` // graceful or forced
	DrainTimeout time.Duration `json:"drain_timeout"`
}

// BreakerParams names the circuit breaker an action opens or closes
type BreakerParams struct {
	BreakerName string `json:"breaker_name"`
}

// ConnectionResetParams configures a connection pool reset
type ConnectionResetParams struct {
	Pool        string `json:"pool"`
	MaxIdle     int    `json:"max_idle,omitempty"`
	ForceReopen bool   `json:"force_reopen,omitempty"`
}

// FallbackModeParams configures entry into a degraded operating mode
type FallbackModeParams struct {
	Reason      string `json:"reason"`
	TargetLevel int    `json:"target_level"`
}

// CacheClearParams names the cache scopes to flush
type CacheClearParams struct {
	Scopes []string `json:"scopes"`
}

// ScaleParams configures a scale up or down step
type ScaleParams struct {
	Instances int `json:"instances"`
}

// HealthVerificationParams lists the checks a verification action runs
type HealthVerificationParams struct {
	Checks []string `json:"checks"`
}

// RestorationParams configures gradual traffic restoration
type RestorationParams struct {
	StepPercent int           `json:"step_percent"`
	StepDelay   time.Duration `json:"step_delay"`
}

func (RestartParams) isActionParams()            {}
func (BreakerParams) isActionParams()            {}
func (ConnectionResetParams) isActionParams()    {}
func (FallbackModeParams) isActionParams()       {}
func (CacheClearParams) isActionParams()         {}
func (ScaleParams) isActionParams()              {}
func (HealthVerificationParams) isActionParams() {}
func (RestorationParams) isActionParams()        {}

// UnmarshalJSON decodes the params payload into the variant matching the
// action's type.
func (a *RecoveryAction) UnmarshalJSON(data []byte) error {
	var raw struct {
		ActionID     uuid.UUID       `json:"action_id"`
		Type         ActionType      `json:"type"`
		Params       json.RawMessage `json:"params,omitempty"`
		Timeout      time.Duration   `json:"timeout"`
		Dependencies []uuid.UUID     `json:"dependencies,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	a.ActionID = raw.ActionID
	a.Type = raw.Type
	a.Timeout = raw.Timeout
	a.Dependencies = raw.Dependencies

	if len(raw.Params) == 0 || string(raw.Params) == "null" {
		a.Params = nil
		return nil
	}

	params, err := decodeParams(raw.Type, raw.Params)
	if err != nil {
		return err
	}
	a.Params = params
	return nil
}

func decodeParams(actionType ActionType, data json.RawMessage) (ActionParams, error) {
	switch actionType {
	case ActionRestartAgent:
		var p RestartParams
		return p, json.Unmarshal(data, &p)
	case ActionCircuitBreakerOpen, ActionCircuitBreakerClose:
		var p BreakerParams
		return p, json.Unmarshal(data, &p)
	case ActionResetConnections:
		var p ConnectionResetParams
		return p, json.Unmarshal(data, &p)
	case ActionFallbackMode:
		var p FallbackModeParams
		return p, json.Unmarshal(data, &p)
	case ActionClearCache:
		var p CacheClearParams
		return p, json.Unmarshal(data, &p)
	case ActionScaleUp, ActionScaleDown:
		var p ScaleParams
		return p, json.Unmarshal(data, &p)
	case ActionHealthVerification:
		var p HealthVerificationParams
		return p, json.Unmarshal(data, &p)
	case ActionGradualRestoration:
		var p RestorationParams
		return p, json.Unmarshal(data, &p)
	default:
		return nil, fmt.Errorf("unknown action type %q", actionType)
	}
}
