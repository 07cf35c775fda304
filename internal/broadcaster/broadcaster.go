// Package broadcaster fans domain events out to subscribed WebSocket
// clients: one shared registry of subscribers, non-blocking publish that
// drops a dead subscriber on its first send failure (§4.7).
package broadcaster

import (
	"encoding/json"
	"sync"
	"time"
)

// Kind enumerates the event kinds defined in §4.7.
type Kind string

const (
	TaskCreated             Kind = "task_created"
	TaskStarted             Kind = "task_started"
	TaskProgress            Kind = "task_progress"
	TaskCompleted           Kind = "task_completed"
	TaskFailed              Kind = "task_failed"
	OrchestrationStarted    Kind = "orchestration_started"
	OrchestrationCompleted  Kind = "orchestration_completed"
	OrchestrationFailed     Kind = "orchestration_failed"
	StatsUpdated            Kind = "stats_updated"
	Heartbeat               Kind = "heartbeat"
)

// Event is one message published to every subscriber.
type Event struct {
	Kind            Kind        `json:"type"`
	TaskID          *int64      `json:"task_id,omitempty"`
	OrchestrationID *int64      `json:"orchestration_id,omitempty"`
	Payload         interface{} `json:"payload,omitempty"`
}

// subscriber receives events on ch until the Hub closes ch. Send is
// non-blocking and best-effort: a full channel is treated as a dead
// subscriber and removed.
type subscriber struct {
	id string
	ch chan Event
}

// Hub is the in-process pub-sub registry. It implements Publisher for
// executor/orchestrator and is driven by the WebSocket handler in
// internal/api for subscription management.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber

	heartbeatInterval time.Duration
	stop              chan struct{}
	stopOnce          sync.Once
}

// NewHub creates a Hub that emits a heartbeat event on interval (default
// 30s per §4.7) until Close is called.
func NewHub(interval time.Duration) *Hub {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	h := &Hub{
		subscribers:       make(map[string]*subscriber),
		heartbeatInterval: interval,
		stop:              make(chan struct{}),
	}
	go h.heartbeatLoop()
	return h
}

func (h *Hub) heartbeatLoop() {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Publish(Event{Kind: Heartbeat})
		case <-h.stop:
			return
		}
	}
}

// Close stops the heartbeat loop and disconnects every subscriber.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subscribers {
		close(sub.ch)
		delete(h.subscribers, id)
	}
}

// Subscribe registers a new client id and returns a receive-only channel of
// events plus an unsubscribe function.
func (h *Hub) Subscribe(clientID string) (<-chan Event, func()) {
	ch := make(chan Event, 32)
	sub := &subscriber{id: clientID, ch: ch}

	h.mu.Lock()
	h.subscribers[clientID] = sub
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if existing, ok := h.subscribers[clientID]; ok && existing == sub {
			close(existing.ch)
			delete(h.subscribers, clientID)
		}
	}
}

// Publish delivers evt to every current subscriber, non-blocking. A
// subscriber whose channel is full is dropped — it is assumed dead (§4.7,
// §5 suspension point (f)).
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	dead := make([]string, 0)
	for id, sub := range h.subscribers {
		select {
		case sub.ch <- evt:
		default:
			dead = append(dead, id)
		}
	}
	h.mu.RUnlock()

	if len(dead) == 0 {
		return
	}
	h.mu.Lock()
	for _, id := range dead {
		if sub, ok := h.subscribers[id]; ok {
			close(sub.ch)
			delete(h.subscribers, id)
		}
	}
	h.mu.Unlock()
}

// SubscriberCount reports the current number of connected clients, used by
// the /health handler.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Marshal renders an Event as the JSON wire frame clients receive.
func Marshal(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}
