package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/fleetguard/fleetguard/internal/coordinator"
	"github.com/fleetguard/fleetguard/internal/degradation"
	"github.com/fleetguard/fleetguard/internal/recovery"
	"github.com/fleetguard/fleetguard/pkg/errors"
	"github.com/fleetguard/fleetguard/pkg/types"
)

// SessionPlan stores a session's recovery plan as one JSON document
type SessionPlan struct {
	Plan *coordinator.RecoveryPlan
}

// Value implements the driver.Valuer interface for SessionPlan
func (p SessionPlan) Value() (driver.Value, error) {
	if p.Plan == nil {
		return nil, nil
	}
	return json.Marshal(p.Plan)
}

// Scan implements the sql.Scanner interface for SessionPlan
func (p *SessionPlan) Scan(value interface{}) error {
	if value == nil {
		p.Plan = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into SessionPlan", value)
	}
	plan := &coordinator.RecoveryPlan{}
	if err := json.Unmarshal(bytes, plan); err != nil {
		return err
	}
	p.Plan = plan
	return nil
}

// MarshalJSON renders the wrapped plan directly
func (p SessionPlan) MarshalJSON() ([]byte, error) {
	if p.Plan == nil {
		return []byte("null"), nil
	}
	return json.Marshal(p.Plan)
}

// OutcomeList stores executed action outcomes as one JSON document
type OutcomeList []types.ActionOutcome

// Value implements the driver.Valuer interface for OutcomeList
func (o OutcomeList) Value() (driver.Value, error) {
	if o == nil {
		return nil, nil
	}
	return json.Marshal([]types.ActionOutcome(o))
}

// Scan implements the sql.Scanner interface for OutcomeList
func (o *OutcomeList) Scan(value interface{}) error {
	if value == nil {
		*o = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into OutcomeList", value)
	}
	return json.Unmarshal(bytes, o)
}

// RecoveryAttemptRow is the persisted form of one recovery attempt
type RecoveryAttemptRow struct {
	AttemptID        uuid.UUID      `db:"attempt_id" json:"attempt_id"`
	ErrorID          uuid.UUID      `db:"error_id" json:"error_id"`
	AgentID          string         `db:"agent_id" json:"agent_id"`
	StrategyID       string         `db:"strategy_id" json:"strategy_id"`
	Status           string         `db:"status" json:"status"`
	Success          bool           `db:"success" json:"success"`
	ErrorResolved    bool           `db:"error_resolved" json:"error_resolved"`
	RollbackRequired bool           `db:"rollback_required" json:"rollback_required"`
	DurationMS       int64          `db:"duration_ms" json:"duration_ms"`
	SideEffects      pq.StringArray `db:"side_effects" json:"side_effects,omitempty"`
	ActionsExecuted  OutcomeList    `db:"actions_executed" json:"actions_executed,omitempty"`
	Error            string         `db:"error" json:"error,omitempty"`
	StartedAt        time.Time      `db:"started_at" json:"started_at"`
	CompletedAt      *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
}

// StrategyRow is the persisted form of one registered strategy
type StrategyRow struct {
	StrategyID          string         `db:"strategy_id" json:"strategy_id"`
	Name                string         `db:"name" json:"name"`
	Priority            int            `db:"priority" json:"priority"`
	MaxAttempts         int            `db:"max_attempts" json:"max_attempts"`
	TimeoutMS           int64          `db:"timeout_ms" json:"timeout_ms"`
	EstimatedRecoveryMS int64          `db:"estimated_recovery_ms" json:"estimated_recovery_ms"`
	ErrorTypes          pq.StringArray `db:"error_types" json:"error_types"`
	Severities          pq.StringArray `db:"severities" json:"severities"`
	RegisteredAt        time.Time      `db:"registered_at" json:"registered_at"`
}

// DegradationEventRow is the persisted form of one level change
type DegradationEventRow struct {
	ID        uuid.UUID `db:"id" json:"id"`
	FromLevel int       `db:"from_level" json:"from_level"`
	ToLevel   int       `db:"to_level" json:"to_level"`
	Direction string    `db:"direction" json:"direction"`
	Metric    string    `db:"metric" json:"metric,omitempty"`
	Reason    string    `db:"reason" json:"reason"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// CoordinationEventRow is the persisted form of one execution log entry
type CoordinationEventRow struct {
	EventID   uuid.UUID `db:"event_id" json:"event_id"`
	SessionID uuid.UUID `db:"session_id" json:"session_id"`
	Type      string    `db:"type" json:"type"`
	Phase     string    `db:"phase" json:"phase,omitempty"`
	Action    string    `db:"action" json:"action,omitempty"`
	AgentID   string    `db:"agent_id" json:"agent_id,omitempty"`
	Message   string    `db:"message" json:"message,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// SessionRow is the persisted form of one coordination session
type SessionRow struct {
	SessionID         uuid.UUID      `db:"session_id" json:"session_id"`
	InitiatorAgentID  string         `db:"initiator_agent_id" json:"initiator_agent_id"`
	Agents            pq.StringArray `db:"agents" json:"agents"`
	ErrorID           uuid.UUID      `db:"error_id" json:"error_id"`
	StrategyType      string         `db:"strategy_type" json:"strategy_type"`
	DecisionThreshold int            `db:"decision_threshold" json:"decision_threshold"`
	TimeoutMS         int64          `db:"timeout_ms" json:"timeout_ms"`
	Status            string         `db:"status" json:"status"`
	Leader            string         `db:"leader" json:"leader,omitempty"`
	RecoveryPlan      SessionPlan    `db:"recovery_plan" json:"recovery_plan,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
}

// Store implements the persistence sinks of the recovery, degradation and
// coordination subsystems on top of Postgres
type Store struct {
	db *DB
}

// NewStore creates the aggregate store
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

var (
	_ recovery.AttemptSink    = (*Store)(nil)
	_ degradation.ChangeSink  = (*Store)(nil)
	_ coordinator.SessionSink = (*Store)(nil)
)

func newAttemptRow(rec recovery.AttemptRecord) RecoveryAttemptRow {
	row := RecoveryAttemptRow{
		AttemptID:   rec.AttemptID,
		ErrorID:     rec.ErrorID,
		AgentID:     rec.AgentID,
		StrategyID:  rec.StrategyID,
		Status:      rec.Status,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
	}
	if rec.Result != nil {
		row.Success = rec.Result.Success
		row.ErrorResolved = rec.Result.ErrorResolved
		row.RollbackRequired = rec.Result.RollbackRequired
		row.DurationMS = rec.Result.Duration.Milliseconds()
		row.SideEffects = pq.StringArray(rec.Result.SideEffects)
		row.ActionsExecuted = OutcomeList(rec.Result.ActionsExecuted)
		row.Error = rec.Result.Error
	}
	return row
}

// RecordRecoveryAttempt upserts one attempt record. Called once when the
// attempt starts and again when it finishes.
func (s *Store) RecordRecoveryAttempt(ctx context.Context, rec recovery.AttemptRecord) error {
	row := newAttemptRow(rec)

	query := `
		INSERT INTO recovery_attempts (
			attempt_id, error_id, agent_id, strategy_id, status, success,
			error_resolved, rollback_required, duration_ms, side_effects,
			actions_executed, error, started_at, completed_at
		) VALUES (
			:attempt_id, :error_id, :agent_id, :strategy_id, :status, :success,
			:error_resolved, :rollback_required, :duration_ms, :side_effects,
			:actions_executed, :error, :started_at, :completed_at
		)
		ON CONFLICT (attempt_id) DO UPDATE SET
			status = EXCLUDED.status,
			success = EXCLUDED.success,
			error_resolved = EXCLUDED.error_resolved,
			rollback_required = EXCLUDED.rollback_required,
			duration_ms = EXCLUDED.duration_ms,
			side_effects = EXCLUDED.side_effects,
			actions_executed = EXCLUDED.actions_executed,
			error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at`

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return errors.NewInternalError("failed to record recovery attempt").WithCause(err)
	}
	return nil
}

// RecordStrategyRegistration upserts one catalog entry by strategy id
func (s *Store) RecordStrategyRegistration(ctx context.Context, strategy *recovery.Strategy) error {
	row := StrategyRow{
		StrategyID:          strategy.ID,
		Name:                strategy.Name,
		Priority:            strategy.Priority,
		MaxAttempts:         strategy.MaxAttempts,
		TimeoutMS:           strategy.Timeout.Milliseconds(),
		EstimatedRecoveryMS: strategy.EstimatedRecoveryTime.Milliseconds(),
		RegisteredAt:        time.Now(),
	}
	for _, t := range strategy.ApplicableErrorTypes {
		row.ErrorTypes = append(row.ErrorTypes, string(t))
	}
	for _, sev := range strategy.ApplicableSeverities {
		row.Severities = append(row.Severities, string(sev))
	}

	query := `
		INSERT INTO recovery_strategies (
			strategy_id, name, priority, max_attempts, timeout_ms,
			estimated_recovery_ms, error_types, severities, registered_at
		) VALUES (
			:strategy_id, :name, :priority, :max_attempts, :timeout_ms,
			:estimated_recovery_ms, :error_types, :severities, :registered_at
		)
		ON CONFLICT (strategy_id) DO UPDATE SET
			name = EXCLUDED.name,
			priority = EXCLUDED.priority,
			max_attempts = EXCLUDED.max_attempts,
			timeout_ms = EXCLUDED.timeout_ms,
			estimated_recovery_ms = EXCLUDED.estimated_recovery_ms,
			error_types = EXCLUDED.error_types,
			severities = EXCLUDED.severities,
			registered_at = EXCLUDED.registered_at`

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return errors.NewInternalError("failed to record strategy registration").WithCause(err)
	}
	return nil
}

// RecordDegradationEvent appends one level change
func (s *Store) RecordDegradationEvent(ctx context.Context, rec degradation.ChangeRecord) error {
	row := DegradationEventRow{
		ID:        rec.ID,
		FromLevel: int(rec.FromLevel),
		ToLevel:   int(rec.ToLevel),
		Direction: rec.Direction,
		Metric:    rec.Metric,
		Reason:    rec.Reason,
		CreatedAt: rec.Timestamp,
	}

	query := `
		INSERT INTO degradation_events (id, from_level, to_level, direction, metric, reason, created_at)
		VALUES (:id, :from_level, :to_level, :direction, :metric, :reason, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return errors.NewInternalError("failed to record degradation event").WithCause(err)
	}
	return nil
}

// RecordCoordinationEvent appends one execution log entry
func (s *Store) RecordCoordinationEvent(ctx context.Context, ev coordinator.CoordinationEvent) error {
	row := CoordinationEventRow{
		EventID:   ev.EventID,
		SessionID: ev.SessionID,
		Type:      ev.Type,
		Phase:     ev.Phase,
		Action:    ev.Action,
		AgentID:   ev.AgentID,
		Message:   ev.Message,
		CreatedAt: ev.Timestamp,
	}

	query := `
		INSERT INTO coordination_events (event_id, session_id, type, phase, action, agent_id, message, created_at)
		VALUES (:event_id, :session_id, :type, :phase, :action, :agent_id, :message, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return errors.NewInternalError("failed to record coordination event").WithCause(err)
	}
	return nil
}

func newSessionRow(session *coordinator.Session) SessionRow {
	// Once execution decided on a plan (consensus fallback included), that
	// plan is the document of record
	plan := session.EffectivePlan()
	if plan == nil {
		plan = session.Plan
	}
	return SessionRow{
		SessionID:         session.SessionID,
		InitiatorAgentID:  session.InitiatorAgentID,
		Agents:            pq.StringArray(session.ParticipatingAgents),
		ErrorID:           session.ErrorContext.ErrorID,
		StrategyType:      string(session.Strategy.Type),
		DecisionThreshold: session.Strategy.DecisionThreshold,
		TimeoutMS:         session.Strategy.Timeout.Milliseconds(),
		Status:            string(session.Status()),
		Leader:            session.Leader(),
		RecoveryPlan:      SessionPlan{Plan: plan},
		CreatedAt:         session.CreatedAt,
		UpdatedAt:         time.Now(),
	}
}

// RecordCoordinationSession upserts one session by id
func (s *Store) RecordCoordinationSession(ctx context.Context, session *coordinator.Session) error {
	row := newSessionRow(session)

	query := `
		INSERT INTO recovery_coordination_sessions (
			session_id, initiator_agent_id, agents, error_id, strategy_type,
			decision_threshold, timeout_ms, status, leader, recovery_plan,
			created_at, updated_at
		) VALUES (
			:session_id, :initiator_agent_id, :agents, :error_id, :strategy_type,
			:decision_threshold, :timeout_ms, :status, :leader, :recovery_plan,
			:created_at, :updated_at
		)
		ON CONFLICT (session_id) DO UPDATE SET
			status = EXCLUDED.status,
			leader = EXCLUDED.leader,
			recovery_plan = EXCLUDED.recovery_plan,
			updated_at = EXCLUDED.updated_at`

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return errors.NewInternalError("failed to record coordination session").WithCause(err)
	}
	return nil
}

// ListRecentAttempts returns the newest attempt records, newest first
func (s *Store) ListRecentAttempts(ctx context.Context, limit int) ([]RecoveryAttemptRow, error) {
	var rows []RecoveryAttemptRow
	query := `SELECT * FROM recovery_attempts ORDER BY started_at DESC LIMIT $1`
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, errors.NewInternalError("failed to list recovery attempts").WithCause(err)
	}
	return rows, nil
}

// ListSessions returns the newest coordination sessions, newest first
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRow, error) {
	var rows []SessionRow
	query := `SELECT * FROM recovery_coordination_sessions ORDER BY created_at DESC LIMIT $1`
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, errors.NewInternalError("failed to list coordination sessions").WithCause(err)
	}
	return rows, nil
}

// ListSessionEvents returns one session's execution log in insertion order
func (s *Store) ListSessionEvents(ctx context.Context, sessionID uuid.UUID) ([]CoordinationEventRow, error) {
	var rows []CoordinationEventRow
	query := `SELECT * FROM coordination_events WHERE session_id = $1 ORDER BY created_at ASC`
	if err := s.db.SelectContext(ctx, &rows, query, sessionID); err != nil {
		return nil, errors.NewInternalError("failed to list coordination events").WithCause(err)
	}
	return rows, nil
}

// ListDegradationEvents returns the newest level changes, newest first
func (s *Store) ListDegradationEvents(ctx context.Context, limit int) ([]DegradationEventRow, error) {
	var rows []DegradationEventRow
	query := `SELECT * FROM degradation_events ORDER BY created_at DESC LIMIT $1`
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, errors.NewInternalError("failed to list degradation events").WithCause(err)
	}
	return rows, nil
}
