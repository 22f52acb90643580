package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturingHandler struct {
	mu     sync.Mutex
	events []Event
}

func (h *capturingHandler) HandleEvent(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *capturingHandler) Name() string { return "capturing" }

func (h *capturingHandler) captured() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

type panickingHandler struct{}

func (panickingHandler) HandleEvent(event Event) { panic("handler bug") }
func (panickingHandler) Name() string            { return "panicking" }

func TestEmit_DeliversToAllHandlers(t *testing.T) {
	bus := NewBus(nil)
	first := &capturingHandler{}
	second := &capturingHandler{}
	bus.Subscribe(first)
	bus.Subscribe(second)

	bus.Emit(BreakerOpened, "breaker:agent_db", map[string]interface{}{"failure_pct": 62.5})

	require.Len(t, first.captured(), 1)
	require.Len(t, second.captured(), 1)

	got := first.captured()[0]
	assert.Equal(t, BreakerOpened, got.Type)
	assert.Equal(t, "breaker:agent_db", got.Source)
	assert.Equal(t, 62.5, got.Fields["failure_pct"])
	assert.False(t, got.Timestamp.IsZero())
}

func TestEmit_HandlerPanicIsContained(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe(panickingHandler{})
	after := &capturingHandler{}
	bus.Subscribe(after)

	assert.NotPanics(t, func() {
		bus.Emit(RecoveryCompleted, "recovery", nil)
	})
	assert.Len(t, after.captured(), 1)
}

func TestEmit_NoHandlersIsANoOp(t *testing.T) {
	bus := NewBus(nil)
	assert.NotPanics(t, func() {
		bus.Emit(SessionInitiated, "coordinator", nil)
	})
}
