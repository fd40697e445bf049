package signal

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/CallDub/internal/core"
)

// maxHeldEvents bounds what a session keeps before its owner releases it.
const maxHeldEvents = 128

type heldEvent struct {
	event   string
	payload []byte
}

// EventEmitter fans session events out to the handlers registered with On.
// It starts holding: events are queued in arrival order until Release.
type EventEmitter struct {
	mu       sync.RWMutex
	handlers map[string][]core.EventHandler

	// deliver serializes delivery so released events keep their order
	deliver sync.Mutex
	holding bool
	held    []heldEvent
}

func NewEventEmitter() *EventEmitter {
	return &EventEmitter{handlers: make(map[string][]core.EventHandler), holding: true}
}

func (e *EventEmitter) On(event string, h core.EventHandler) {
	if h == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], h)
}

// Off removes all handlers for event.
func (e *EventEmitter) Off(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, event)
}

func (e *EventEmitter) Emit(event string, payload []byte) {
	e.deliver.Lock()
	defer e.deliver.Unlock()
	if e.holding {
		if len(e.held) >= maxHeldEvents {
			log.Warn().Str("module", "adapters.signal").Str("event", e.held[0].event).Msg("held event dropped")
			e.held = e.held[1:]
		}
		e.held = append(e.held, heldEvent{event: event, payload: payload})
		return
	}
	e.dispatch(event, payload)
}

// Release delivers the held events and switches to direct delivery. Idempotent.
func (e *EventEmitter) Release() {
	e.deliver.Lock()
	defer e.deliver.Unlock()
	if !e.holding {
		return
	}
	e.holding = false
	held := e.held
	e.held = nil
	for _, ev := range held {
		e.dispatch(ev.event, ev.payload)
	}
}

func (e *EventEmitter) dispatch(event string, payload []byte) {
	e.mu.RLock()
	handlers := make([]core.EventHandler, len(e.handlers[event]))
	copy(handlers, e.handlers[event])
	e.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
}
