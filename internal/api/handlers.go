package api

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fleetguard/fleetguard/internal/breaker"
	"github.com/fleetguard/fleetguard/internal/coordinator"
	"github.com/fleetguard/fleetguard/internal/degradation"
	"github.com/fleetguard/fleetguard/internal/recovery"
	"github.com/fleetguard/fleetguard/internal/store"
	"github.com/fleetguard/fleetguard/internal/transport"
	"github.com/fleetguard/fleetguard/pkg/errors"
	"github.com/fleetguard/fleetguard/pkg/logging"
	"github.com/fleetguard/fleetguard/pkg/types"
)

// Handlers bundles the ops API handlers and their collaborators
type Handlers struct {
	classifier transport.ErrorClassifier
	recovery   *recovery.Manager
	coord      *coordinator.Coordinator
	breakers   *breaker.Registry
	dm         *degradation.Manager
	store      *store.Store
	logger     *logging.Logger
}

// NewHandlers creates the ops API handlers
func NewHandlers(classifier transport.ErrorClassifier, rm *recovery.Manager, coord *coordinator.Coordinator, breakers *breaker.Registry, dm *degradation.Manager, st *store.Store, logger *logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Handlers{
		classifier: classifier,
		recovery:   rm,
		coord:      coord,
		breakers:   breakers,
		dm:         dm,
		store:      st,
		logger:     logger.WithComponent("api"),
	}
}

// ReportErrorRequest is a failure report from an agent or its supervisor
type ReportErrorRequest struct {
	AgentID        string                    `json:"agent_id" binding:"required"`
	AgentType      string                    `json:"agent_type"`
	Message        string                    `json:"message" binding:"required"`
	StackTrace     string                    `json:"stack_trace"`
	Environment    types.EnvironmentSnapshot `json:"environment"`
	Metadata       map[string]string         `json:"metadata"`
	AffectedAgents []string                  `json:"affected_agents"`
}

// ReportError classifies a failure report and routes it to single-agent
// recovery or multi-agent coordination. Execution is asynchronous; the
// response carries the identifiers needed to follow progress.
func (h *Handlers) ReportError(c *gin.Context) {
	var req ReportErrorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "invalid failure report: "+err.Error())
		return
	}

	ec := types.NewErrorContext(req.AgentID, req.AgentType, req.Message)
	ec.StackTrace = req.StackTrace
	ec.Environment = req.Environment
	for k, v := range req.Metadata {
		ec.Metadata[k] = v
	}

	cls, err := h.classifier.Classify(c.Request.Context(), ec)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	candidates := affectedAgents(req.AgentID, req.AffectedAgents)
	if len(candidates) > 1 || cls.ImpactScope == types.ScopeCluster || cls.ImpactScope == types.ScopeSystemWide {
		h.coordinate(c, ec, cls, candidates)
		return
	}

	strategy := h.recovery.SelectStrategy(cls)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := h.recovery.ExecuteRecovery(ctx, ec, cls); err != nil {
			h.logger.Error("Recovery failed",
				"error_id", ec.ErrorID.String(),
				"agent_id", ec.AgentID,
				"error", err.Error(),
			)
		}
	}()

	data := gin.H{
		"error_id":       ec.ErrorID,
		"classification": cls,
		"mode":           "single_agent",
	}
	if strategy != nil {
		data["strategy"] = strategy.ID
	}
	AcceptedResponse(c, data)
}

func (h *Handlers) coordinate(c *gin.Context, ec *types.ErrorContext, cls *types.ErrorClassification, candidates []string) {
	session, err := h.coord.InitiateRecovery(c.Request.Context(), ec, cls, candidates)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), session.Strategy.Timeout+time.Minute)
		defer cancel()
		if _, err := h.coord.ExecuteCoordinatedRecovery(ctx, session.SessionID); err != nil {
			h.logger.Error("Coordinated recovery failed",
				"session_id", session.SessionID.String(),
				"error", err.Error(),
			)
		}
	}()

	AcceptedResponse(c, gin.H{
		"error_id":       ec.ErrorID,
		"classification": cls,
		"mode":           "coordinated",
		"session_id":     session.SessionID,
		"strategy":       session.Strategy.Type,
		"participants":   session.ParticipatingAgents,
	})
}

func affectedAgents(reporter string, affected []string) []string {
	seen := map[string]bool{reporter: true}
	agents := []string{reporter}
	for _, a := range affected {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		agents = append(agents, a)
	}
	return agents
}

// ListAttempts returns recent recovery attempts from the store
func (h *Handlers) ListAttempts(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	attempts, err := h.store.ListRecentAttempts(c.Request.Context(), limit)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, attempts)
}

// ListStrategies returns the registered recovery strategy catalog
func (h *Handlers) ListStrategies(c *gin.Context) {
	strategies := h.recovery.Strategies()
	out := make([]gin.H, 0, len(strategies))
	for _, s := range strategies {
		out = append(out, gin.H{
			"id":                     s.ID,
			"name":                   s.Name,
			"applicable_error_types": s.ApplicableErrorTypes,
			"applicable_severities":  s.ApplicableSeverities,
			"priority":               s.Priority,
			"max_attempts":           s.MaxAttempts,
			"timeout":                s.Timeout.String(),
			"estimated_recovery":     s.EstimatedRecoveryTime.String(),
		})
	}
	SuccessResponse(c, out)
}

// BreakerDTO is the wire form of one breaker snapshot
type BreakerDTO struct {
	Name                  string    `json:"name"`
	State                 string    `json:"state"`
	FailureCount          int       `json:"failure_count"`
	SuccessCount          int       `json:"success_count"`
	WindowSize            int       `json:"window_size"`
	FailureThreshold      float64   `json:"failure_threshold"`
	ResponseTimeThreshold string    `json:"response_time_threshold"`
	LastFailureTime       time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime       time.Time `json:"last_success_time,omitempty"`
	NextAttemptTime       time.Time `json:"next_attempt_time,omitempty"`
}

func toBreakerDTO(s breaker.Snapshot) BreakerDTO {
	return BreakerDTO{
		Name:                  s.Name,
		State:                 s.State.String(),
		FailureCount:          s.FailureCount,
		SuccessCount:          s.SuccessCount,
		WindowSize:            s.WindowSize,
		FailureThreshold:      s.FailureThreshold,
		ResponseTimeThreshold: s.ResponseTimeThreshold.String(),
		LastFailureTime:       s.LastFailureTime,
		LastSuccessTime:       s.LastSuccessTime,
		NextAttemptTime:       s.NextAttemptTime,
	}
}

// ListBreakers returns a snapshot of every registered circuit breaker
func (h *Handlers) ListBreakers(c *gin.Context) {
	snapshots := h.breakers.Snapshots()
	out := make([]BreakerDTO, 0, len(snapshots))
	for _, s := range snapshots {
		out = append(out, toBreakerDTO(s))
	}
	SuccessResponse(c, out)
}

// ResetBreaker resets one breaker to closed with a clean window
func (h *Handlers) ResetBreaker(c *gin.Context) {
	name := c.Param("name")
	h.breakers.Get(name).Reset()
	SuccessResponse(c, gin.H{"breaker": name, "state": breaker.StateClosed.String()})
}

// ForceOpenBreaker manually trips one breaker
func (h *Handlers) ForceOpenBreaker(c *gin.Context) {
	name := c.Param("name")
	h.breakers.Get(name).ForceOpen()
	SuccessResponse(c, gin.H{"breaker": name, "state": breaker.StateOpen.String()})
}

// ForceCloseBreaker manually closes one breaker
func (h *Handlers) ForceCloseBreaker(c *gin.Context) {
	name := c.Param("name")
	h.breakers.Get(name).ForceClose()
	SuccessResponse(c, gin.H{"breaker": name, "state": breaker.StateClosed.String()})
}

// DegradationStatus returns the active level, feature set, and limits
func (h *Handlers) DegradationStatus(c *gin.Context) {
	spec := h.dm.CurrentSpec()
	SuccessResponse(c, gin.H{
		"level":       int(spec.Level),
		"name":        spec.Name,
		"description": spec.Description,
		"features":    spec.EnabledFeatures,
		"limits":      spec.Limits,
		"fallbacks":   spec.Fallbacks,
	})
}

// CheckFeature reports whether one feature is currently served
func (h *Handlers) CheckFeature(c *gin.Context) {
	feature := c.Param("name")
	SuccessResponse(c, gin.H{
		"feature": feature,
		"enabled": h.dm.IsFeatureEnabled(feature),
		"level":   int(h.dm.CurrentLevel()),
	})
}

// EscalateRequest is a manual degradation escalation
type EscalateRequest struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	Reason string  `json:"reason" binding:"required"`
}

// EscalateDegradation manually raises the degradation level
func (h *Handlers) EscalateDegradation(c *gin.Context) {
	var req EscalateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "invalid escalation request: "+err.Error())
		return
	}

	level := h.dm.Escalate(c.Request.Context(), degradation.Trigger{
		Metric: degradation.TriggerMetric(req.Metric),
		Value:  req.Value,
		Reason: req.Reason,
	})
	SuccessResponse(c, gin.H{"level": int(level), "name": level.String()})
}

// RecoverDegradation attempts one step back toward full service
func (h *Handlers) RecoverDegradation(c *gin.Context) {
	recovered := h.dm.Recover(c.Request.Context())
	level := h.dm.CurrentLevel()
	SuccessResponse(c, gin.H{
		"recovered": recovered,
		"level":     int(level),
		"name":      level.String(),
	})
}

// ListDegradationEvents returns recent level changes from the store
func (h *Handlers) ListDegradationEvents(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	events, err := h.store.ListDegradationEvents(c.Request.Context(), limit)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, events)
}

// ListSessions returns active sessions and recent persisted ones
func (h *Handlers) ListSessions(c *gin.Context) {
	limit := queryInt(c, "limit", 50)

	active := h.coord.ActiveSessions()
	activeDTO := make([]gin.H, 0, len(active))
	for _, s := range active {
		activeDTO = append(activeDTO, gin.H{
			"session_id":   s.SessionID,
			"status":       s.Status(),
			"strategy":     s.Strategy.Type,
			"leader":       s.Leader(),
			"participants": s.ParticipatingAgents,
			"created_at":   s.CreatedAt,
		})
	}

	recent, err := h.store.ListSessions(c.Request.Context(), limit)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, gin.H{"active": activeDTO, "recent": recent})
}

// JoinSessionRequest confirms an agent's participation
type JoinSessionRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
}

// JoinSession confirms an agent's participation in a planning session
func (h *Handlers) JoinSession(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	var req JoinSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "invalid join request: "+err.Error())
		return
	}
	if err := h.coord.JoinRecoverySession(c.Request.Context(), sessionID, req.AgentID); err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, gin.H{"session_id": sessionID, "agent_id": req.AgentID})
}

// ExecuteSession starts coordinated execution of a planned session
func (h *Handlers) ExecuteSession(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if _, err := h.coord.ExecuteCoordinatedRecovery(ctx, sessionID); err != nil {
			h.logger.Error("Coordinated recovery failed",
				"session_id", sessionID.String(),
				"error", err.Error(),
			)
		}
	}()
	AcceptedResponse(c, gin.H{"session_id": sessionID})
}

// AbortSessionRequest carries the abort reason
type AbortSessionRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// AbortSession aborts an active session
func (h *Handlers) AbortSession(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	var req AbortSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "invalid abort request: "+err.Error())
		return
	}
	if err := h.coord.AbortRecoverySession(c.Request.Context(), sessionID, req.Reason); err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, gin.H{"session_id": sessionID, "status": coordinator.StatusAborted})
}

// SessionEvents returns the execution log of a session, falling back to the
// store once the session leaves memory
func (h *Handlers) SessionEvents(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}

	log, err := h.coord.MonitorRecoveryProgress(sessionID)
	if err == nil {
		SuccessResponse(c, log)
		return
	}
	if !errors.IsType(err, errors.ErrorTypeNotFound) {
		ErrorResponseFromError(c, err)
		return
	}

	rows, err := h.store.ListSessionEvents(c.Request.Context(), sessionID)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	if len(rows) == 0 {
		NotFoundResponse(c, "session")
		return
	}
	SuccessResponse(c, rows)
}

func sessionIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		BadRequestResponse(c, "invalid session id")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, defaultValue int) int {
	if raw := c.Query(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return defaultValue
}
