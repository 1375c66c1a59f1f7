// Package wiresurface exposes the kernel over HTTP: posting inbound
// messages, an org/queue overview, a live event stream, and Prometheus
// metrics. A mux-plus-middleware chain carries bearer/JWT auth (try
// Bearer JWT, fall through if the secret is unset). The event hub is a
// typed Subscribe/Publish broadcaster decoupled from any one transport.
package wiresurface

import "sync"

// Event is one notification pushed to WebSocket subscribers, e.g.
// "agent.spawned", "agent.terminated", "agent.stalled".
type Event struct {
	Type    string         `json:"type"`
	AgentID string         `json:"agentId,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// EventHub fans out published events to every currently-subscribed
// listener. Slow subscribers are dropped rather than allowed to block
// publishers.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewEventHub constructs an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function. The channel is buffered so Publish never blocks
// on a single slow reader for long; it is closed by unsubscribe.
func (h *EventHub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
}

// Publish broadcasts ev to every current subscriber, dropping it for any
// subscriber whose buffer is full rather than blocking.
func (h *EventHub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
