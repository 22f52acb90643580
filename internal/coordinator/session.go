// Package coordinator orchestrates multi-agent recovery. Each incident gets
// one coordination session that moves monotonically through its lifecycle
// while a phased plan executes across the participating agents.
package coordinator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetguard/fleetguard/internal/backoff"
	"github.com/fleetguard/fleetguard/pkg/types"
)

// SessionStatus is the session lifecycle state
type SessionStatus string

const (
	StatusInitializing SessionStatus = "initializing"
	StatusPlanning     SessionStatus = "planning"
	StatusExecuting    SessionStatus = "executing"
	StatusCompleted    SessionStatus = "completed"
	StatusFailed       SessionStatus = "failed"
	StatusAborted      SessionStatus = "aborted"
)

// statusRank orders the lifecycle; transitions never move backward
func statusRank(s SessionStatus) int {
	switch s {
	case StatusInitializing:
		return 0
	case StatusPlanning:
		return 1
	case StatusExecuting:
		return 2
	case StatusCompleted, StatusFailed, StatusAborted:
		return 3
	default:
		return -1
	}
}

// IsTerminal reports whether the status ends the session
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// StrategyType selects how the fleet coordinates a recovery
type StrategyType string

const (
	StrategyCentralized  StrategyType = "centralized"
	StrategyHierarchical StrategyType = "hierarchical"
	StrategyConsensus    StrategyType = "consensus"
)

// ElectionMethod selects how the session leader is chosen
type ElectionMethod string

const (
	ElectionFixed   ElectionMethod = "fixed"
	ElectionVoting  ElectionMethod = "voting"
	ElectionDynamic ElectionMethod = "dynamic"
)

// CoordinationStrategy is the per-session coordination policy, fixed at
// initiation based on participant count
type CoordinationStrategy struct {
	Type              StrategyType        `json:"type"`
	Timeout           time.Duration       `json:"timeout"`
	Retry             backoff.RetryConfig `json:"-"`
	LeaderElection    ElectionMethod      `json:"leader_election"`
	DecisionThreshold int                 `json:"decision_threshold,omitempty"`
}

// Phase names in execution order
const (
	PhaseAssessment    = "assessment"
	PhaseStabilization = "stabilization"
	PhaseRecovery      = "recovery"
	PhaseVerification  = "verification"
)

// RecoveryPhase is one ordered step of a plan, executed across its assigned
// agents before the next phase starts
type RecoveryPhase struct {
	PhaseID        uuid.UUID              `json:"phase_id"`
	Name           string                 `json:"name"`
	AssignedAgents []string               `json:"assigned_agents"`
	Actions        []types.RecoveryAction `json:"actions"`
	Timeout        time.Duration          `json:"timeout"`
	CanRollback    bool                   `json:"can_rollback"`
	DependsOn      []uuid.UUID            `json:"depends_on,omitempty"`
}

// RecoveryPlan is an ordered list of sequentially dependent phases
type RecoveryPlan struct {
	PlanID uuid.UUID       `json:"plan_id"`
	Phases []RecoveryPhase `json:"phases"`
}

// RollbackPlan mirrors completed phases in reverse with compensating actions
type RollbackPlan struct {
	PlanID uuid.UUID       `json:"plan_id"`
	Phases []RecoveryPhase `json:"phases"`
}

// CoordinationEvent is one append-only execution log entry
type CoordinationEvent struct {
	EventID   uuid.UUID `json:"event_id"`
	SessionID uuid.UUID `json:"session_id"`
	Type      string    `json:"type"`
	Phase     string    `json:"phase,omitempty"`
	Action    string    `json:"action,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Execution log event types
const (
	EventSessionPlanned  = "session_planned"
	EventAgentJoined     = "agent_joined"
	EventLeaderElected   = "leader_elected"
	EventConsensusVote   = "consensus_vote"
	EventPlanFallback    = "plan_fallback"
	EventPhaseStarted    = "phase_started"
	EventPhaseCompleted  = "phase_completed"
	EventPhaseFailed     = "phase_failed"
	EventActionStarted   = "action_started"
	EventActionCompleted = "action_completed"
	EventActionFailed    = "action_failed"
	EventRollbackStarted = "rollback_started"
	EventRollbackDone    = "rollback_done"
	EventSessionAborted  = "session_aborted"
)

// Session is one multi-agent recovery incident. All mutation goes through
// its methods; sessions are independently lockable so work on one never
// blocks another.
type Session struct {
	SessionID           uuid.UUID                  `json:"session_id"`
	InitiatorAgentID    string                     `json:"initiator_agent_id"`
	ParticipatingAgents []string                   `json:"participating_agents"`
	ErrorContext        *types.ErrorContext        `json:"error_context"`
	Classification      *types.ErrorClassification `json:"classification"`
	Strategy            CoordinationStrategy       `json:"coordination_strategy"`
	Plan                *RecoveryPlan              `json:"recovery_plan"`
	CreatedAt           time.Time                  `json:"created_at"`

	mu          sync.Mutex
	status      SessionStatus
	leader      string
	joined      map[string]bool
	log         []CoordinationEvent
	lastEventAt time.Time

	// effectivePlan is what actually executed, after any consensus fallback
	effectivePlan *RecoveryPlan
}

func newSession(initiator string, agents []string, ec *types.ErrorContext, cls *types.ErrorClassification, strategy CoordinationStrategy) *Session {
	now := time.Now()
	return &Session{
		SessionID:           uuid.New(),
		InitiatorAgentID:    initiator,
		ParticipatingAgents: agents,
		ErrorContext:        ec,
		Classification:      cls,
		Strategy:            strategy,
		CreatedAt:           now,
		status:              StatusInitializing,
		joined:              make(map[string]bool),
		lastEventAt:         now,
	}
}

// Status returns the current lifecycle state
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// setStatus applies a lifecycle transition. Backward transitions and
// transitions out of a terminal state are rejected.
func (s *Session) setStatus(next SessionStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsTerminal() || statusRank(next) <= statusRank(s.status) {
		return false
	}
	s.status = next
	return true
}

// Leader returns the elected leader, empty until election
func (s *Session) Leader() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leader
}

func (s *Session) setLeader(agentID string) {
	s.mu.Lock()
	s.leader = agentID
	s.mu.Unlock()
}

// HasJoined reports whether the agent confirmed participation
func (s *Session) HasJoined(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined[agentID]
}

func (s *Session) markJoined(agentID string) {
	s.mu.Lock()
	s.joined[agentID] = true
	s.mu.Unlock()
}

// IsParticipant reports whether the agent was pre-authorized at initiation
func (s *Session) IsParticipant(agentID string) bool {
	for _, a := range s.ParticipatingAgents {
		if a == agentID {
			return true
		}
	}
	return false
}

func (s *Session) appendEvent(ev CoordinationEvent) {
	s.mu.Lock()
	s.log = append(s.log, ev)
	s.lastEventAt = ev.Timestamp
	s.mu.Unlock()
}

// ExecutionLog returns a copy of the append-only event log
func (s *Session) ExecutionLog() []CoordinationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CoordinationEvent(nil), s.log...)
}

// LastEventAt returns the timestamp of the most recent activity
func (s *Session) LastEventAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventAt
}

// EffectivePlan returns the plan that actually executed
func (s *Session) EffectivePlan() *RecoveryPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectivePlan
}

func (s *Session) setEffectivePlan(p *RecoveryPlan) {
	s.mu.Lock()
	s.effectivePlan = p
	s.mu.Unlock()
}
