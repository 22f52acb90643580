package coordinator

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetguard/fleetguard/internal/backoff"
	"github.com/fleetguard/fleetguard/internal/recovery"
	"github.com/fleetguard/fleetguard/internal/transport"
	"github.com/fleetguard/fleetguard/pkg/config"
	"github.com/fleetguard/fleetguard/pkg/errors"
	"github.com/fleetguard/fleetguard/pkg/events"
	"github.com/fleetguard/fleetguard/pkg/logging"
	"github.com/fleetguard/fleetguard/pkg/metrics"
	"github.com/fleetguard/fleetguard/pkg/types"
)

// SessionSink persists sessions and their execution events. Writes are
// best-effort.
type SessionSink interface {
	RecordCoordinationSession(ctx context.Context, s *Session) error
	RecordCoordinationEvent(ctx context.Context, ev CoordinationEvent) error
}

// Coordinator drives multi-agent recovery sessions end to end: candidate
// health filtering, strategy selection, plan construction, leader election,
// consensus, phased execution and rollback.
type Coordinator struct {
	cfg       config.CoordinationConfig
	transport transport.AgentTransport
	executor  recovery.Executor
	sink      SessionSink
	bus       *events.Bus
	metrics   *metrics.Metrics
	logger    *logging.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCoordinator creates a coordinator. sink may be nil.
func NewCoordinator(cfg config.CoordinationConfig, t transport.AgentTransport, executor recovery.Executor, sink SessionSink, bus *events.Bus, m *metrics.Metrics, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Coordinator{
		cfg:       cfg,
		transport: t,
		executor:  executor,
		sink:      sink,
		bus:       bus,
		metrics:   m,
		logger:    logger.WithComponent("coordinator"),
		sessions:  make(map[uuid.UUID]*Session),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// InitiateRecovery opens a coordination session for a multi-agent incident.
// Unhealthy candidates are dropped; the strategy and the initial four-phase
// plan are fixed from the survivors. The session is left in planning so
// agents can join before execution.
func (c *Coordinator) InitiateRecovery(ctx context.Context, ec *types.ErrorContext, cls *types.ErrorClassification, candidates []string) (*Session, error) {
	healthy := c.filterHealthy(ctx, candidates)
	if len(healthy) == 0 {
		return nil, errors.NewCoordinationError("no healthy agents available for coordinated recovery")
	}

	strategy := strategyForFleet(len(healthy))
	session := newSession(ec.AgentID, healthy, ec, cls, strategy)
	session.Plan = buildPlan(ec, cls, healthy)
	session.setStatus(StatusPlanning)

	c.mu.Lock()
	c.sessions[session.SessionID] = session
	c.metrics.SetActiveSessions(float64(len(c.sessions)))
	c.mu.Unlock()

	c.persistSession(ctx, session)
	c.logEvent(ctx, session, CoordinationEvent{
		Type:    EventSessionPlanned,
		Message: string(strategy.Type),
	})
	c.emit(events.SessionInitiated, map[string]interface{}{
		"session_id": session.SessionID.String(),
		"error_id":   ec.ErrorID.String(),
		"strategy":   string(strategy.Type),
		"agents":     len(healthy),
	})
	c.logger.Info("Coordination session initiated",
		"session_id", session.SessionID.String(),
		"strategy", string(strategy.Type),
		"agents", len(healthy),
	)
	return session, nil
}

func (c *Coordinator) filterHealthy(ctx context.Context, candidates []string) []string {
	var healthy []string
	for _, agentID := range candidates {
		checkCtx, cancel := context.WithTimeout(ctx, c.cfg.HealthCheckTimeout)
		ok, err := c.transport.CheckHealth(checkCtx, agentID)
		cancel()
		if err != nil || !ok {
			c.logger.Warn("Dropping unhealthy candidate", "agent_id", agentID)
			continue
		}
		healthy = append(healthy, agentID)
	}
	return healthy
}

// JoinRecoverySession confirms an agent's participation. Only pre-authorized
// participants may join, and only while the session is still planning.
func (c *Coordinator) JoinRecoverySession(ctx context.Context, sessionID uuid.UUID, agentID string) error {
	session, err := c.session(sessionID)
	if err != nil {
		return err
	}
	if session.Status() != StatusPlanning {
		return errors.NewCoordinationError("session is not accepting participants")
	}
	if !session.IsParticipant(agentID) {
		return errors.NewValidationError("agent is not authorized for this session")
	}

	session.markJoined(agentID)
	c.logEvent(ctx, session, CoordinationEvent{
		Type:    EventAgentJoined,
		AgentID: agentID,
	})
	c.emit(events.AgentJoinedSession, map[string]interface{}{
		"session_id": sessionID.String(),
		"agent_id":   agentID,
	})
	return nil
}

// ExecuteCoordinatedRecovery runs the session's plan. For consensus
// strategies the plan is first put to a vote; a rejected plan is replaced by
// the reduced fallback plan. Any action failure stops execution and rolls
// back the completed rollback-capable phases in reverse order.
func (c *Coordinator) ExecuteCoordinatedRecovery(ctx context.Context, sessionID uuid.UUID) (*types.RecoveryResult, error) {
	session, err := c.session(sessionID)
	if err != nil {
		return nil, err
	}
	if !session.setStatus(StatusExecuting) {
		return nil, errors.NewCoordinationError("session is not ready to execute")
	}
	start := time.Now()

	leader := c.electLeader(ctx, session)
	session.setLeader(leader)
	c.logEvent(ctx, session, CoordinationEvent{
		Type:    EventLeaderElected,
		AgentID: leader,
	})

	plan := session.Plan
	if session.Strategy.Type == StrategyConsensus {
		plan = c.voteOnPlan(ctx, session)
	}
	session.setEffectivePlan(plan)

	result := c.executePlan(ctx, session, plan)
	result.Duration = time.Since(start)
	result.StrategyUsed = string(session.Strategy.Type)

	status := StatusFailed
	eventType := events.SessionFailed
	if result.Success {
		status = StatusCompleted
		eventType = events.SessionCompleted
	}
	c.finishSession(ctx, session, status, eventType)
	return result, nil
}

// electLeader picks the session leader per the strategy's election method
func (c *Coordinator) electLeader(ctx context.Context, session *Session) string {
	agents := session.ParticipatingAgents
	switch session.Strategy.LeaderElection {
	case ElectionVoting:
		// Each reachable participant casts one vote for the most capable
		// reachable candidate. Without a majority of the full roster voting,
		// the election falls back to the fixed leader.
		var voters []string
		for _, agentID := range agents {
			checkCtx, cancel := context.WithTimeout(ctx, c.cfg.HealthCheckTimeout)
			ok, err := c.transport.CheckHealth(checkCtx, agentID)
			cancel()
			if err == nil && ok {
				voters = append(voters, agentID)
			}
		}
		if len(voters) > len(agents)/2 {
			return bestCandidate(voters)
		}
		c.logger.Warn("Leader election quorum not reached, using fixed leader",
			"session_id", session.SessionID.String(),
			"voters", len(voters),
			"agents", len(agents),
		)
		return agents[0]
	case ElectionDynamic:
		return bestCandidate(agents)
	default:
		return agents[0]
	}
}

// bestCandidate returns the agent with the highest capability score
func bestCandidate(agents []string) string {
	best := agents[0]
	bestScore := capabilityScore(best)
	for _, a := range agents[1:] {
		if s := capabilityScore(a); s > bestScore {
			best, bestScore = a, s
		}
	}
	return best
}

// capabilityScore is a stable per-agent score used by voting and dynamic
// election
func capabilityScore(agentID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(agentID))
	return h.Sum32()
}

// voteOnPlan asks each participant to approve the plan; a healthy agent
// approves. Without enough approvals the reduced fallback plan is used.
func (c *Coordinator) voteOnPlan(ctx context.Context, session *Session) *RecoveryPlan {
	approvals := 0
	for _, agentID := range session.ParticipatingAgents {
		checkCtx, cancel := context.WithTimeout(ctx, c.cfg.HealthCheckTimeout)
		ok, err := c.transport.CheckHealth(checkCtx, agentID)
		cancel()
		if err == nil && ok {
			approvals++
		}
	}

	c.logEvent(ctx, session, CoordinationEvent{
		Type:    EventConsensusVote,
		Message: "approvals counted",
	})

	if approvals >= session.Strategy.DecisionThreshold {
		return session.Plan
	}

	c.logger.Warn("Consensus not reached, using fallback plan",
		"session_id", session.SessionID.String(),
		"approvals", approvals,
		"threshold", session.Strategy.DecisionThreshold,
	)
	c.logEvent(ctx, session, CoordinationEvent{
		Type:    EventPlanFallback,
		Message: "consensus threshold not reached",
	})
	return fallbackPlan(session.Plan)
}

// executePlan runs phases in order, each phase's actions in order across its
// assigned agents. Execution stops at the first failed action.
func (c *Coordinator) executePlan(ctx context.Context, session *Session, plan *RecoveryPlan) *types.RecoveryResult {
	result := &types.RecoveryResult{}
	retrier := backoff.NewRetrier(session.Strategy.Retry)

	var completed []RecoveryPhase
	for i := range plan.Phases {
		if session.Status() == StatusAborted {
			result.Error = "session aborted"
			return result
		}

		phase := plan.Phases[i]
		c.logEvent(ctx, session, CoordinationEvent{Type: EventPhaseStarted, Phase: phase.Name})

		phaseCtx, cancel := context.WithTimeout(ctx, phase.Timeout)
		err := c.executePhase(phaseCtx, session, retrier, phase, result)
		cancel()

		if err != nil {
			c.logEvent(ctx, session, CoordinationEvent{
				Type:    EventPhaseFailed,
				Phase:   phase.Name,
				Message: err.Error(),
			})
			result.Error = err.Error()
			result.RollbackRequired = true
			c.rollback(ctx, session, completed)
			return result
		}

		completed = append(completed, phase)
		c.logEvent(ctx, session, CoordinationEvent{Type: EventPhaseCompleted, Phase: phase.Name})
	}

	result.Success = true
	result.ErrorResolved = true
	return result
}

func (c *Coordinator) executePhase(ctx context.Context, session *Session, retrier *backoff.Retrier, phase RecoveryPhase, result *types.RecoveryResult) error {
	for _, action := range phase.Actions {
		if session.Status() == StatusAborted {
			return errors.NewCoordinationError("session aborted")
		}
		for _, agentID := range phase.AssignedAgents {
			c.logEvent(ctx, session, CoordinationEvent{
				Type:    EventActionStarted,
				Phase:   phase.Name,
				Action:  string(action.Type),
				AgentID: agentID,
			})

			actionStart := time.Now()
			err := retrier.Execute(ctx, func(ctx context.Context) error {
				return c.executor.ExecuteAction(ctx, agentID, action)
			})

			outcome := types.ActionOutcome{
				ActionID:  action.ActionID,
				Type:      action.Type,
				Duration:  time.Since(actionStart),
				Timestamp: time.Now(),
			}
			if err != nil {
				outcome.Status = types.ActionStatusFailed
				outcome.Error = err.Error()
				result.ActionsExecuted = append(result.ActionsExecuted, outcome)
				c.metrics.IncAction(string(action.Type), "failed")
				c.logEvent(ctx, session, CoordinationEvent{
					Type:    EventActionFailed,
					Phase:   phase.Name,
					Action:  string(action.Type),
					AgentID: agentID,
					Message: err.Error(),
				})
				return err
			}

			outcome.Status = types.ActionStatusCompleted
			result.ActionsExecuted = append(result.ActionsExecuted, outcome)
			result.SideEffects = append(result.SideEffects, string(action.Type)+" on "+agentID)
			c.metrics.IncAction(string(action.Type), "completed")
			c.logEvent(ctx, session, CoordinationEvent{
				Type:    EventActionCompleted,
				Phase:   phase.Name,
				Action:  string(action.Type),
				AgentID: agentID,
			})
		}
	}
	return nil
}

// rollback compensates the completed rollback-capable phases in reverse
// order. Failures are logged, never escalated.
func (c *Coordinator) rollback(ctx context.Context, session *Session, completed []RecoveryPhase) {
	rb := buildRollbackPlan(completed)
	if len(rb.Phases) == 0 {
		return
	}
	c.logEvent(ctx, session, CoordinationEvent{Type: EventRollbackStarted})

	for _, phase := range rb.Phases {
		for _, action := range phase.Actions {
			for _, agentID := range phase.AssignedAgents {
				if err := c.executor.ExecuteAction(ctx, agentID, action); err != nil {
					c.logger.Warn("Rollback action failed",
						"session_id", session.SessionID.String(),
						"phase", phase.Name,
						"action", string(action.Type),
						"agent_id", agentID,
						"error", err.Error(),
					)
				}
			}
		}
	}
	c.logEvent(ctx, session, CoordinationEvent{Type: EventRollbackDone})
}

// MonitorRecoveryProgress returns the session's append-only execution log
func (c *Coordinator) MonitorRecoveryProgress(sessionID uuid.UUID) ([]CoordinationEvent, error) {
	session, err := c.session(sessionID)
	if err != nil {
		return nil, err
	}
	return session.ExecutionLog(), nil
}

// AbortRecoverySession terminates a session immediately, notifies all
// participants and removes the session from the active set
func (c *Coordinator) AbortRecoverySession(ctx context.Context, sessionID uuid.UUID, reason string) error {
	session, err := c.session(sessionID)
	if err != nil {
		return err
	}
	if !session.setStatus(StatusAborted) {
		return errors.NewCoordinationError("session already finished")
	}

	c.logEvent(ctx, session, CoordinationEvent{
		Type:    EventSessionAborted,
		Message: reason,
	})

	for _, agentID := range session.ParticipatingAgents {
		notifyCtx, cancel := context.WithTimeout(ctx, c.cfg.NotifyTimeout)
		err := c.transport.Notify(notifyCtx, agentID, transport.Notification{
			Type:      "session_aborted",
			SessionID: session.SessionID,
			Reason:    reason,
		})
		cancel()
		if err != nil {
			c.logger.Warn("Failed to notify agent of abort", "agent_id", agentID, "error", err.Error())
		}
	}

	c.persistSession(ctx, session)
	c.removeSession(session)
	c.metrics.IncSessionTerminal(string(StatusAborted))
	c.emit(events.SessionAborted, map[string]interface{}{
		"session_id": sessionID.String(),
		"reason":     reason,
	})
	c.logger.Warn("Coordination session aborted", "session_id", sessionID.String(), "reason", reason)
	return nil
}

func (c *Coordinator) finishSession(ctx context.Context, session *Session, status SessionStatus, eventType events.EventType) {
	if !session.setStatus(status) {
		// Already terminal: an abort raced execution and did its own
		// persistence, notification and accounting
		return
	}
	c.persistSession(ctx, session)
	c.removeSession(session)
	c.metrics.IncSessionTerminal(string(status))
	c.emit(eventType, map[string]interface{}{
		"session_id": session.SessionID.String(),
		"status":     string(status),
	})
	c.logger.Info("Coordination session finished",
		"session_id", session.SessionID.String(),
		"status", string(status),
	)
}

func (c *Coordinator) session(sessionID uuid.UUID) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, ok := c.sessions[sessionID]
	if !ok {
		return nil, errors.NewNotFoundError("coordination session")
	}
	return session, nil
}

func (c *Coordinator) removeSession(session *Session) {
	c.mu.Lock()
	delete(c.sessions, session.SessionID)
	c.metrics.SetActiveSessions(float64(len(c.sessions)))
	c.mu.Unlock()
}

// ActiveSessions returns the sessions not yet terminal
func (c *Coordinator) ActiveSessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

func (c *Coordinator) logEvent(ctx context.Context, session *Session, ev CoordinationEvent) {
	ev.EventID = uuid.New()
	ev.SessionID = session.SessionID
	ev.Timestamp = time.Now()
	session.appendEvent(ev)

	if c.sink != nil {
		if err := c.sink.RecordCoordinationEvent(ctx, ev); err != nil {
			c.metrics.IncStoreWriteFailure("coordination_events")
			c.logger.Warn("Failed to persist coordination event", "error", err.Error())
		}
	}
}

func (c *Coordinator) persistSession(ctx context.Context, session *Session) {
	if c.sink == nil {
		return
	}
	if err := c.sink.RecordCoordinationSession(ctx, session); err != nil {
		c.metrics.IncStoreWriteFailure("recovery_coordination_sessions")
		c.logger.Warn("Failed to persist session", "session_id", session.SessionID.String(), "error", err.Error())
	}
}

func (c *Coordinator) emit(eventType events.EventType, fields map[string]interface{}) {
	if c.bus == nil {
		return
	}
	c.bus.Emit(eventType, "coordinator", fields)
}

// Start launches the background session monitor
func (c *Coordinator) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.cfg.MonitorInterval)
	defer ticker.Stop()

	c.logger.Info("Session monitor started", "interval", c.cfg.MonitorInterval.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case now := <-ticker.C:
			c.sweepSessions(ctx, now)
		}
	}
}

// sweepSessions aborts sessions that exceeded their strategy timeout and
// executing sessions that have gone quiet
func (c *Coordinator) sweepSessions(ctx context.Context, now time.Time) {
	for _, session := range c.ActiveSessions() {
		switch {
		case now.Sub(session.CreatedAt) > session.Strategy.Timeout:
			if err := c.AbortRecoverySession(ctx, session.SessionID, "coordination strategy timeout exceeded"); err != nil {
				c.logger.Warn("Failed to abort timed-out session", "session_id", session.SessionID.String(), "error", err.Error())
			}
		case session.Status() == StatusExecuting && now.Sub(session.LastEventAt()) > c.cfg.StallTimeout:
			if err := c.AbortRecoverySession(ctx, session.SessionID, "no execution progress"); err != nil {
				c.logger.Warn("Failed to abort stalled session", "session_id", session.SessionID.String(), "error", err.Error())
			}
		}
	}
}

// Stop terminates the session monitor and waits for it to exit
func (c *Coordinator) Stop() {
	close(c.stopCh)
	<-c.doneCh
}
