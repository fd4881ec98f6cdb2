package events

import (
	"context"
	"strings"
	"sync"

	"github.com/harun/runloop/internal/observability"
)

const defaultSubscriberBuffer = 64

// Hub delivers events to in-process subscribers keyed by session id.
// A subscriber whose buffer is full misses the event.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]chan Event
	nextID      uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]map[uint64]chan Event)}
}

// Subscribe returns a channel receiving the session's events and a cancel
// function that closes it. Use "*" to receive every session.
func (h *Hub) Subscribe(sessionID string, buffer int) (<-chan Event, func()) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}

	ch := make(chan Event, buffer)

	h.mu.Lock()
	h.nextID++
	subID := h.nextID
	if _, exists := h.subscribers[sessionID]; !exists {
		h.subscribers[sessionID] = make(map[uint64]chan Event)
	}
	h.subscribers[sessionID][subID] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs, ok := h.subscribers[sessionID]
		if !ok {
			return
		}
		sub, exists := subs[subID]
		if !exists {
			return
		}
		delete(subs, subID)
		if len(subs) == 0 {
			delete(h.subscribers, sessionID)
		}
		close(sub)
	}

	return ch, cancel
}

func (h *Hub) Name() string { return "hub" }

// Publish implements Sink.
func (h *Hub) Publish(_ context.Context, evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	h.send(h.subscribers[evt.SessionID], evt)
	if evt.SessionID != "*" {
		h.send(h.subscribers["*"], evt)
	}
}

func (h *Hub) send(subs map[uint64]chan Event, evt Event) {
	for _, sub := range subs {
		select {
		case sub <- evt:
		default:
			observability.RecordEventDropped("hub")
		}
	}
}
