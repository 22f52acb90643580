// Package events provides the advisory observability bus. Handlers are
// registered explicitly; emission never blocks or fails the caller, and no
// control flow depends on delivery.
package events

import (
	"sync"
	"time"

	"github.com/fleetguard/fleetguard/pkg/logging"
)

// EventType identifies an emitted lifecycle event
type EventType string

const (
	// Circuit breaker lifecycle
	BreakerOpened   EventType = "opened"
	BreakerClosed   EventType = "closed"
	BreakerHalfOpen EventType = "half_open"
	BreakerReset    EventType = "reset"

	// Recovery manager
	RecoveryCompleted EventType = "recovery_completed"
	RecoveryFailed    EventType = "recovery_failed"
	ActionUpdate      EventType = "action_update"

	// Degradation manager
	DegradationEscalated      EventType = "degradation_escalated"
	DegradationRecovered      EventType = "degradation_recovered"
	PerformanceLimitsUpdated  EventType = "performance_limits_updated"
	FallbackStrategyActivated EventType = "fallback_strategy_activated"

	// Recovery coordinator
	SessionInitiated   EventType = "recovery_session_initiated"
	AgentJoinedSession EventType = "agent_joined_session"
	SessionCompleted   EventType = "recovery_session_completed"
	SessionFailed      EventType = "recovery_session_failed"
	SessionAborted     EventType = "recovery_session_aborted"
)

// Event is one advisory observability record
type Event struct {
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Handler receives emitted events
type Handler interface {
	HandleEvent(event Event)
	Name() string
}

// Bus fans events out to registered handlers
type Bus struct {
	handlers []Handler
	mu       sync.RWMutex
	logger   *logging.Logger
}

// NewBus creates an event bus with no handlers registered
func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a handler
func (b *Bus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
	b.logger.Debug("Event handler subscribed", "handler", handler.Name())
}

// Emit delivers the event to every handler. Handler panics are contained so
// an observer can never take down the engine.
func (b *Bus) Emit(eventType EventType, source string, fields map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("Event handler panicked",
						"handler", handler.Name(),
						"event", string(eventType),
						"panic", r,
					)
				}
			}()
			handler.HandleEvent(event)
		}()
	}
}

// LoggingHandler logs every event through the structured logger
type LoggingHandler struct {
	logger *logging.Logger
}

// NewLoggingHandler creates a handler that logs events
func NewLoggingHandler(logger *logging.Logger) *LoggingHandler {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &LoggingHandler{logger: logger}
}

// HandleEvent logs the event with its fields flattened
func (h *LoggingHandler) HandleEvent(event Event) {
	kv := []interface{}{
		"event", string(event.Type),
		"source", event.Source,
	}
	for key, value := range event.Fields {
		kv = append(kv, key, value)
	}
	h.logger.Info("Reliability event", kv...)
}

// Name returns the handler name
func (h *LoggingHandler) Name() string {
	return "logging"
}
