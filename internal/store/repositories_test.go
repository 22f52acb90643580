package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetguard/fleetguard/internal/coordinator"
	"github.com/fleetguard/fleetguard/internal/recovery"
	"github.com/fleetguard/fleetguard/pkg/types"
)

func samplePlan() *coordinator.RecoveryPlan {
	return &coordinator.RecoveryPlan{
		PlanID: uuid.New(),
		Phases: []coordinator.RecoveryPhase{
			{
				PhaseID:        uuid.New(),
				Name:           coordinator.PhaseAssessment,
				AssignedAgents: []string{"agent-1"},
				Actions: []types.RecoveryAction{
					types.NewAction(types.ActionHealthVerification, types.HealthVerificationParams{
						Checks: []string{"connectivity"},
					}, 30*time.Second),
				},
				Timeout: time.Minute,
			},
			{
				PhaseID:        uuid.New(),
				Name:           coordinator.PhaseStabilization,
				AssignedAgents: []string{"agent-1", "agent-2"},
				Actions: []types.RecoveryAction{
					types.NewAction(types.ActionCircuitBreakerOpen, types.BreakerParams{
						BreakerName: "db",
					}, 10*time.Second),
				},
				Timeout:     2 * time.Minute,
				CanRollback: true,
			},
		},
	}
}

func TestSessionPlan_RoundTripsThroughJSONColumn(t *testing.T) {
	plan := samplePlan()

	value, err := SessionPlan{Plan: plan}.Value()
	require.NoError(t, err)

	var decoded SessionPlan
	require.NoError(t, decoded.Scan(value))
	require.NotNil(t, decoded.Plan)
	assert.Equal(t, plan.PlanID, decoded.Plan.PlanID)
	require.Len(t, decoded.Plan.Phases, 2)
	assert.True(t, decoded.Plan.Phases[1].CanRollback)

	// Action params decode back into their typed variants
	require.Len(t, decoded.Plan.Phases[1].Actions, 1)
	assert.Equal(t, types.BreakerParams{BreakerName: "db"}, decoded.Plan.Phases[1].Actions[0].Params)
}

func TestSessionPlan_NullColumnForMissingPlan(t *testing.T) {
	value, err := SessionPlan{}.Value()
	require.NoError(t, err)
	assert.Nil(t, value)

	var decoded SessionPlan
	require.NoError(t, decoded.Scan(nil))
	assert.Nil(t, decoded.Plan)
}

func TestNewSessionRow_CarriesRecoveryPlan(t *testing.T) {
	plan := samplePlan()
	session := &coordinator.Session{
		SessionID:           uuid.New(),
		InitiatorAgentID:    "agent-1",
		ParticipatingAgents: []string{"agent-1", "agent-2"},
		ErrorContext:        types.NewErrorContext("agent-1", "governance", "coordination lost"),
		Strategy: coordinator.CoordinationStrategy{
			Type:    coordinator.StrategyHierarchical,
			Timeout: 10 * time.Minute,
		},
		Plan:      plan,
		CreatedAt: time.Now(),
	}

	row := newSessionRow(session)

	require.NotNil(t, row.RecoveryPlan.Plan)
	assert.Equal(t, plan.PlanID, row.RecoveryPlan.Plan.PlanID)
	assert.Equal(t, []string{"agent-1", "agent-2"}, []string(row.Agents))
	assert.Equal(t, string(coordinator.StrategyHierarchical), row.StrategyType)
}

func TestNewAttemptRow_CarriesExecutedActions(t *testing.T) {
	completed := time.Now()
	outcome := types.ActionOutcome{
		ActionID:  uuid.New(),
		Type:      types.ActionResetConnections,
		Status:    types.ActionStatusCompleted,
		Duration:  time.Second,
		Timestamp: completed,
	}
	rec := recovery.AttemptRecord{
		AttemptID:   uuid.New(),
		ErrorID:     uuid.New(),
		AgentID:     "agent-1",
		StrategyID:  "db_connection_reset",
		Status:      "succeeded",
		StartedAt:   completed.Add(-time.Second),
		CompletedAt: &completed,
		Result: &types.RecoveryResult{
			Success:         true,
			ErrorResolved:   true,
			Duration:        time.Second,
			ActionsExecuted: []types.ActionOutcome{outcome},
			SideEffects:     []string{"reset_connections on agent-1"},
		},
	}

	row := newAttemptRow(rec)

	require.Len(t, row.ActionsExecuted, 1)
	assert.Equal(t, outcome.ActionID, row.ActionsExecuted[0].ActionID)

	value, err := row.ActionsExecuted.Value()
	require.NoError(t, err)

	var decoded OutcomeList
	require.NoError(t, decoded.Scan(value))
	require.Len(t, decoded, 1)
	assert.Equal(t, types.ActionStatusCompleted, decoded[0].Status)
	assert.Equal(t, types.ActionResetConnections, decoded[0].Type)
}
