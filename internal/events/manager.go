package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler receives emitted events; it must not block for long, since
// Emit calls handlers synchronously under the manager's lock-free fan-out.
type Handler func(Event)

// Manager is a minimal in-process pub/sub: Subscribe registers a handler
// for an EventType, Emit fans an event out to every matching handler.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	log      zerolog.Logger
}

// NewManager builds an empty event manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		handlers: make(map[EventType][]Handler),
		log:      log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers handler to be called for every event of type t.
func (m *Manager) Subscribe(t EventType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[t] = append(m.handlers[t], handler)
}

// Emit fans data out to every handler subscribed to its EventType. Panics
// in a handler are recovered and logged so one bad subscriber can't take
// down the emitting request.
func (m *Manager) Emit(source string, data EventData) {
	ev := Event{Type: data.EventType(), Source: source, Timestamp: time.Now().UTC(), Data: data}

	m.mu.RLock()
	handlers := append([]Handler(nil), m.handlers[ev.Type]...)
	m.mu.RUnlock()

	for _, h := range handlers {
		m.dispatch(h, ev)
	}
}

func (m *Manager) dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("event_type", string(ev.Type)).Msg("event handler panicked")
		}
	}()
	h(ev)
}
