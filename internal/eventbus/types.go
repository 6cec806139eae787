package eventbus

import "time"

// Event is a single emission on the bus.
type Event struct {
	Name    string         `json:"event"`
	Payload map[string]any `json:"data,omitempty"`
	Time    time.Time      `json:"timestamp"`
}

// Handler receives emitted events. Handlers run synchronously on the
// emitter's goroutine and must not block.
type Handler func(evt Event)

// Subscription is the unregister handle returned when a handler is added.
type Subscription struct {
	bus     *Bus
	name    string
	id      string
	all     bool
	handler Handler
}

// Unsubscribe removes the handler from the bus. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s)
}
