package conversation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/memohai/tgflow/internal/handler"
	"github.com/memohai/tgflow/internal/update"
)

// Key identifies one conversation.
type Key string

// KeyFunc derives the conversation key of an envelope. ok is false when the
// envelope has no identity under the strategy.
type KeyFunc func(env *update.Envelope) (Key, bool)

// Key strategy names accepted by KeyStrategy.
const (
	StrategyChat        = "chat"
	StrategyUser        = "user"
	StrategyChatAndUser = "chat_user"
)

// KeyByChat keys conversations on the effective chat.
func KeyByChat(env *update.Envelope) (Key, bool) {
	chat, ok := env.Chat()
	if !ok {
		return "", false
	}
	return Key(fmt.Sprintf("chat:%d", chat.ID)), true
}

// KeyByUser keys conversations on the effective actor across chats.
func KeyByUser(env *update.Envelope) (Key, bool) {
	user, ok := env.Actor()
	if !ok {
		return "", false
	}
	return Key(fmt.Sprintf("user:%d", user.ID)), true
}

// KeyByChatAndUser keys conversations per actor within a chat.
func KeyByChatAndUser(env *update.Envelope) (Key, bool) {
	chat, ok := env.Chat()
	if !ok {
		return "", false
	}
	user, ok := env.Actor()
	if !ok {
		return "", false
	}
	return Key(fmt.Sprintf("chat:%d:user:%d", chat.ID, user.ID)), true
}

// KeyStrategy resolves a strategy name. Empty selects KeyByChat.
func KeyStrategy(name string) (KeyFunc, error) {
	switch name {
	case "", StrategyChat:
		return KeyByChat, nil
	case StrategyUser:
		return KeyByUser, nil
	case StrategyChatAndUser:
		return KeyByChatAndUser, nil
	default:
		return nil, fmt.Errorf("unknown conversation key strategy %q", name)
	}
}

// Entry is one active conversation.
type Entry struct {
	Key       Key           `json:"key"`
	State     handler.State `json:"state"`
	StartedAt time.Time     `json:"started_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Registry maps conversation keys to their current state. Writes come from the
// machine inside drained tasks; reads may come from anywhere.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Key]Entry)}
}

// Get returns the entry for key.
func (r *Registry) Get(key Key) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	return e, ok
}

// Set records state for key, keeping the original start time.
func (r *Registry) Set(key Key, state handler.State, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		e = Entry{Key: key, StartedAt: now}
	}
	e.State = state
	e.UpdatedAt = now
	r.entries[key] = e
}

// Touch refreshes the idle timer of key without changing its state.
func (r *Registry) Touch(key Key, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return false
	}
	e.UpdatedAt = now
	r.entries[key] = e
	return true
}

// Delete removes key and reports whether it was present.
func (r *Registry) Delete(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	delete(r.entries, key)
	return ok
}

// Len returns the number of active conversations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot lists active conversations ordered by key.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// expire removes entries not updated since cutoff and returns them.
func (r *Registry) expire(cutoff time.Time) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []Entry
	for key, e := range r.entries {
		if e.UpdatedAt.Before(cutoff) {
			removed = append(removed, e)
			delete(r.entries, key)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Key < removed[j].Key })
	return removed
}
