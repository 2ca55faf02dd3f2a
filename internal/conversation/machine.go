// Package conversation routes updates through a per-conversation finite state
// machine: entry points, per-state handler lists, globals and fallbacks.
//
// The machine mutates its registry without coordination beyond the registry's
// own lock, so Handle and Expire must be called from one task at a time. The
// dispatcher guarantees this by running both on its sequential queue.
package conversation

import (
	"context"
	"log/slog"
	"time"

	"github.com/memohai/tgflow/internal/handler"
	"github.com/memohai/tgflow/internal/update"
)

// Phase names the handler list an outcome came from.
type Phase string

const (
	PhaseNone     Phase = ""
	PhaseEntry    Phase = "entry"
	PhaseGlobal   Phase = "global"
	PhaseState    Phase = "state"
	PhaseFallback Phase = "fallback"
)

// Outcome describes what the machine did with one update.
type Outcome struct {
	Handled bool
	Phase   Phase
	Handler string
	Key     Key
	From    handler.State
	To      handler.State
	Active  bool
	Result  handler.Result
	Err     error
}

// Machine is a conversation state machine.
type Machine struct {
	entryPoints []*handler.Handler
	states      map[handler.State][]*handler.Handler
	globals     []*handler.Handler
	fallbacks   []*handler.Handler

	registry *Registry
	keyFunc  KeyFunc
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithKeyFunc sets how conversation keys are derived. Defaults to KeyByChat.
func WithKeyFunc(fn KeyFunc) Option {
	return func(m *Machine) {
		if fn != nil {
			m.keyFunc = fn
		}
	}
}

// WithTimeout expires conversations idle for longer than d. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(m *Machine) { m.timeout = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Machine) {
		if log != nil {
			m.logger = log
		}
	}
}

// New creates a machine with no handlers and no active conversations.
func New(opts ...Option) *Machine {
	m := &Machine{
		states:   make(map[handler.State][]*handler.Handler),
		registry: NewRegistry(),
		keyFunc:  KeyByChat,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = m.logger.With(slog.String("component", "conversation"))
	return m
}

// AddEntryPoints appends handlers that may start a conversation.
func (m *Machine) AddEntryPoints(hs ...*handler.Handler) {
	m.entryPoints = append(m.entryPoints, hs...)
}

// AddStates appends handlers to the lists of the given states.
func (m *Machine) AddStates(states map[handler.State][]*handler.Handler) {
	for state, hs := range states {
		m.states[state] = append(m.states[state], hs...)
	}
}

// AddGlobals appends handlers tried first in every active state.
func (m *Machine) AddGlobals(hs ...*handler.Handler) {
	m.globals = append(m.globals, hs...)
}

// AddFallbacks appends handlers tried when nothing else matched.
func (m *Machine) AddFallbacks(hs ...*handler.Handler) {
	m.fallbacks = append(m.fallbacks, hs...)
}

// Registry exposes the active conversations.
func (m *Machine) Registry() *Registry { return m.registry }

// Timeout returns the idle timeout, zero when disabled.
func (m *Machine) Timeout() time.Duration { return m.timeout }

// State returns the active state for key, honouring the idle timeout.
func (m *Machine) State(key Key) (handler.State, bool) {
	e, ok := m.registry.Get(key)
	if !ok || m.stale(e) {
		return "", false
	}
	return e.State, true
}

// Lookup derives the key of env and returns its active state, if any.
func (m *Machine) Lookup(env *update.Envelope) (Key, handler.State, bool) {
	key, ok := m.keyFunc(env)
	if !ok {
		return "", "", false
	}
	state, active := m.State(key)
	return key, state, active
}

// Handle routes base.Env through the machine. Each handler runs with a copy of
// base carrying the current state. Action errors are reported in the outcome
// and leave the state unchanged. Predicate panics are not recovered.
func (m *Machine) Handle(ctx context.Context, base handler.Context) Outcome {
	env := base.Env
	key, hasKey := m.keyFunc(env)
	if hasKey {
		if out, done := m.handleKeyed(ctx, base, key); done {
			return out
		}
	}
	return m.handleFallback(ctx, base, key, hasKey)
}

func (m *Machine) handleKeyed(ctx context.Context, base handler.Context, key Key) (Outcome, bool) {
	state, active := m.current(key)
	if !active {
		for _, h := range m.entryPoints {
			if !h.CanHandle(ctx, base.Env) {
				continue
			}
			out := m.run(ctx, h, base, PhaseEntry, key, "", false)
			return out, true
		}
		return Outcome{Key: key}, false
	}

	var fired *Outcome
	for _, h := range m.globals {
		if !h.CanHandle(ctx, base.Env) {
			continue
		}
		out := m.run(ctx, h, base, PhaseGlobal, key, state, true)
		if out.Err != nil || out.Result.Kind() != handler.ResultContinue {
			return out, true
		}
		fired = &out
		break
	}
	for _, h := range m.states[state] {
		if !h.CanHandle(ctx, base.Env) {
			continue
		}
		return m.run(ctx, h, base, PhaseState, key, state, true), true
	}
	if fired != nil {
		return *fired, true
	}
	return Outcome{Key: key, From: state, To: state, Active: true}, false
}

func (m *Machine) handleFallback(ctx context.Context, base handler.Context, key Key, hasKey bool) Outcome {
	var state handler.State
	active := false
	if hasKey {
		state, active = m.current(key)
	}
	for _, h := range m.fallbacks {
		if !h.CanHandle(ctx, base.Env) {
			continue
		}
		return m.run(ctx, h, base, PhaseFallback, key, state, active)
	}
	out := Outcome{Key: key, From: state, Active: active}
	if active {
		out.To = state
	}
	return out
}

// current returns the active state for key, dropping it when idle too long.
func (m *Machine) current(key Key) (handler.State, bool) {
	e, ok := m.registry.Get(key)
	if !ok {
		return "", false
	}
	if m.stale(e) {
		m.registry.Delete(key)
		m.logger.Info("conversation expired",
			slog.String("key", string(key)),
			slog.String("state", string(e.State)),
		)
		return "", false
	}
	return e.State, true
}

func (m *Machine) stale(e Entry) bool {
	return m.timeout > 0 && m.now().Sub(e.UpdatedAt) > m.timeout
}

func (m *Machine) run(ctx context.Context, h *handler.Handler, base handler.Context, phase Phase, key Key, state handler.State, active bool) Outcome {
	hc := base
	hc.Args = nil
	hc.State = state
	res, err := h.Handle(ctx, &hc)

	out := Outcome{
		Handled: true,
		Phase:   phase,
		Handler: h.Name(),
		Key:     key,
		From:    state,
		Active:  active,
		Result:  res,
		Err:     err,
	}
	if active {
		out.To = state
	}
	if err != nil {
		if active {
			m.registry.Touch(key, m.now())
		}
		return out
	}
	m.apply(&out)
	return out
}

// apply commits the result of a fired handler to the registry. A key without an
// active conversation is only ever registered from an entry point.
func (m *Machine) apply(out *Outcome) {
	if out.Key == "" {
		return
	}
	switch out.Result.Kind() {
	case handler.ResultContinue:
		if out.Active {
			m.registry.Touch(out.Key, m.now())
		}
	case handler.ResultTerminate:
		if out.Active {
			m.registry.Delete(out.Key)
			m.logger.Debug("conversation ended",
				slog.String("key", string(out.Key)),
				slog.String("state", string(out.From)),
				slog.String("handler", out.Handler),
			)
		}
		out.Active = false
		out.To = ""
	case handler.ResultNext:
		next, _ := out.Result.State()
		if !out.Active && out.Phase != PhaseEntry {
			return
		}
		m.registry.Set(out.Key, next, m.now())
		out.Active = true
		out.To = next
		m.logger.Debug("conversation transition",
			slog.String("key", string(out.Key)),
			slog.String("from", string(out.From)),
			slog.String("to", string(next)),
			slog.String("handler", out.Handler),
		)
	}
}

// Expire removes conversations idle for longer than the timeout and returns
// them. It is a no-op when no timeout is configured.
func (m *Machine) Expire(now time.Time) []Entry {
	if m.timeout <= 0 {
		return nil
	}
	removed := m.registry.expire(now.Add(-m.timeout))
	for _, e := range removed {
		m.logger.Info("conversation expired",
			slog.String("key", string(e.Key)),
			slog.String("state", string(e.State)),
		)
	}
	return removed
}
