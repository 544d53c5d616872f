// Package events implements live timeline streaming: a Hub that lets HTTP
// long-poll/SSE handlers subscribe to newly recorded events for a run
// without re-querying the Store on every poll.
package events

import (
	"sync"

	"github.com/runforge/controlplane/pkg/models"
)

// Hub fans out recorded Events to subscribers scoped by runID.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan models.Event]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]map[chan models.Event]struct{})}
}

// Publish broadcasts ev to every subscriber of ev.RunID. Non-blocking: a
// subscriber whose channel is full misses the event and must fall back to
// listEvents(sinceSeq) to catch up.
func (h *Hub) Publish(ev models.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers[ev.RunID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel that receives new Events for runID as they
// are recorded. Call Unsubscribe when done to avoid leaking the channel.
func (h *Hub) Subscribe(runID string) chan models.Event {
	ch := make(chan models.Event, 64)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[runID] == nil {
		h.subscribers[runID] = make(map[chan models.Event]struct{})
	}
	h.subscribers[runID][ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (h *Hub) Unsubscribe(runID string, ch chan models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subscribers[runID]; ok {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(h.subscribers, runID)
		}
	}
	close(ch)
}
