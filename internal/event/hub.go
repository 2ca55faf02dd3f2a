// Package event fans out dispatch records to live subscribers such as the admin
// websocket feed.
package event

import (
	"strings"
	"sync"
	"time"
)

// Type names an event.
type Type string

const (
	TypeDispatched          Type = "dispatched"
	TypeDispatchError       Type = "dispatch_error"
	TypeTaskFailed          Type = "task_failed"
	TypeAccessDenied        Type = "access_denied"
	TypeConversationExpired Type = "conversation_expired"
	TypeStandbyAdded        Type = "standby_added"
	TypeStandbyPromoted     Type = "standby_promoted"
	TypeStandbyDiscarded    Type = "standby_discarded"
	TypeDeliveryFailed      Type = "delivery_failed"
)

const subscriberBuffer = 64

// Event is one published record. Fields that do not apply are left empty.
type Event struct {
	Type     Type      `json:"type"`
	Time     time.Time `json:"time"`
	UpdateID int       `json:"update_id,omitempty"`
	Kind     string    `json:"kind,omitempty"`
	Key      string    `json:"key,omitempty"`
	ChatID   int64     `json:"chat_id,omitempty"`
	Phase    string    `json:"phase,omitempty"`
	Handlers []string  `json:"handlers,omitempty"`
	From     string    `json:"from,omitempty"`
	To       string    `json:"to,omitempty"`
	Result   string    `json:"result,omitempty"`
	TaskID   string    `json:"task_id,omitempty"`
	Task     string    `json:"task,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Hub delivers every published event to every subscriber. A subscriber whose
// buffer is full misses the event; publishing never blocks.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber. The returned cancel func closes the
// channel and is safe to call more than once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	h.nextID++
	id := h.nextID
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// Publish stamps ev with the current time if unset and fans it out.
func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	ev.Error = strings.TrimSpace(ev.Error)
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Later publishes are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
