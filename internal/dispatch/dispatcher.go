// Package dispatch routes envelopes through the conversation machine and the
// flat handler list, one update at a time on a sequential queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/memohai/tgflow/internal/channel"
	"github.com/memohai/tgflow/internal/conversation"
	"github.com/memohai/tgflow/internal/event"
	"github.com/memohai/tgflow/internal/handler"
	"github.com/memohai/tgflow/internal/queue"
	"github.com/memohai/tgflow/internal/update"
)

// Outcome is the result of dispatching one envelope.
type Outcome struct {
	UpdateID     int
	Kind         update.Kind
	Conversation *conversation.Outcome
	Handlers     []string
	Denied       bool
	Reason       string
	Errors       []error
}

// Handled reports whether any handler fired.
func (o Outcome) Handled() bool {
	return (o.Conversation != nil && o.Conversation.Handled) || len(o.Handlers) > 0
}

// Err joins every action error recorded during dispatch.
func (o Outcome) Err() error {
	return errors.Join(o.Errors...)
}

// HandlerFunc dispatches one envelope.
type HandlerFunc func(ctx context.Context, env *update.Envelope) Outcome

// Middleware wraps the dispatch chain. A middleware that does not call next
// stops dispatch for that envelope.
type Middleware func(next HandlerFunc) HandlerFunc

// Options configures a Dispatcher.
type Options struct {
	Queue               *queue.Queue
	Sink                channel.ActionSink
	Hub                 *event.Hub
	Logger              *slog.Logger
	ConversationOptions []conversation.Option
}

// Dispatcher owns at most one conversation machine and a flat handler list.
// Registration is expected to finish before the first Submit.
type Dispatcher struct {
	mu         sync.RWMutex
	machine    *conversation.Machine
	convOpts   []conversation.Option
	handlers   []*handler.Handler
	middleware []Middleware

	queue  *queue.Queue
	sink   channel.ActionSink
	hub    *event.Hub
	logger *slog.Logger
	wg     sync.WaitGroup
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	q := opts.Queue
	if q == nil {
		q = queue.New(log)
	}
	return &Dispatcher{
		convOpts: opts.ConversationOptions,
		queue:    q,
		sink:     opts.Sink,
		hub:      opts.Hub,
		logger:   log.With(slog.String("component", "dispatcher")),
	}
}

// conversation returns the machine, creating it on first registration.
func (d *Dispatcher) conversation() *conversation.Machine {
	if d.machine == nil {
		opts := append([]conversation.Option{conversation.WithLogger(d.logger)}, d.convOpts...)
		d.machine = conversation.New(opts...)
	}
	return d.machine
}

// RegisterEntryPoints adds handlers that may start a conversation.
func (d *Dispatcher) RegisterEntryPoints(hs ...*handler.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conversation().AddEntryPoints(hs...)
}

// RegisterStates adds per-state handler lists.
func (d *Dispatcher) RegisterStates(states map[handler.State][]*handler.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conversation().AddStates(states)
}

// RegisterFallbacks adds conversation fallbacks.
func (d *Dispatcher) RegisterFallbacks(hs ...*handler.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conversation().AddFallbacks(hs...)
}

// RegisterGlobal adds handlers tried first in every active conversation state.
func (d *Dispatcher) RegisterGlobal(hs ...*handler.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conversation().AddGlobals(hs...)
}

// RegisterHandler appends to the flat list. Every matching flat handler fires.
func (d *Dispatcher) RegisterHandler(hs ...*handler.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, hs...)
}

// Use appends middleware. The first registered middleware runs outermost.
func (d *Dispatcher) Use(mw ...Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middleware = append(d.middleware, mw...)
}

// Machine returns the conversation machine, or nil when none is registered.
func (d *Dispatcher) Machine() *conversation.Machine {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.machine
}

// Queue returns the underlying queue.
func (d *Dispatcher) Queue() *queue.Queue { return d.queue }

// Hub returns the event hub, which may be nil.
func (d *Dispatcher) Hub() *event.Hub { return d.hub }

// Submit enqueues env and starts draining in the background. It matches
// channel.UpdateHandler so transports can feed the dispatcher directly.
func (d *Dispatcher) Submit(ctx context.Context, env *update.Envelope) error {
	if env == nil {
		return errors.New("nil envelope")
	}
	d.Enqueue(env)
	d.Flush(ctx)
	return nil
}

// Enqueue adds a dispatch task for env without draining.
func (d *Dispatcher) Enqueue(env *update.Envelope) *queue.Task {
	t := queue.NewTask("update:"+strconv.Itoa(env.UpdateID()), func(ctx context.Context) error {
		d.publish(ctx, env, d.Dispatch(ctx, env))
		return nil
	})
	d.queue.Enqueue(t)
	return t
}

// Flush drains the queue in the background. The drain outlives ctx
// cancellation so an accepted update is never abandoned mid-queue.
func (d *Dispatcher) Flush(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		_ = d.Drain(ctx)
	}()
}

// Drain runs queued tasks on the calling goroutine.
func (d *Dispatcher) Drain(ctx context.Context) error {
	err := d.queue.Drain(ctx)
	var taskErr *queue.TaskError
	if errors.As(err, &taskErr) {
		d.hub.Publish(event.Event{
			Type:   event.TypeTaskFailed,
			TaskID: taskErr.TaskID.String(),
			Task:   taskErr.Name,
			Error:  taskErr.Err.Error(),
		})
	}
	return err
}

// Wait blocks until background drains started by Flush return.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Dispatch runs the middleware chain and routing for env synchronously. Callers
// other than queued tasks must ensure no drain is running concurrently.
func (d *Dispatcher) Dispatch(ctx context.Context, env *update.Envelope) Outcome {
	d.mu.RLock()
	var chain HandlerFunc = d.route
	for i := len(d.middleware) - 1; i >= 0; i-- {
		chain = d.middleware[i](chain)
	}
	d.mu.RUnlock()
	return chain(ctx, env)
}

func (d *Dispatcher) route(ctx context.Context, env *update.Envelope) Outcome {
	out := Outcome{UpdateID: env.UpdateID(), Kind: env.Kind()}
	base := handler.Context{
		Env:  env,
		Sink: d.sink,
		Logger: d.logger.With(
			slog.Int("update_id", env.UpdateID()),
			slog.String("kind", env.Kind().String()),
		),
	}

	d.mu.RLock()
	machine := d.machine
	handlers := d.handlers
	d.mu.RUnlock()

	if machine != nil {
		co := machine.Handle(ctx, base)
		out.Conversation = &co
		if co.Handled {
			if co.Err != nil {
				out.Errors = append(out.Errors, fmt.Errorf("%s: %w", co.Handler, co.Err))
			}
			return out
		}
	}
	for _, h := range handlers {
		if !h.CanHandle(ctx, env) {
			continue
		}
		hc := base
		_, err := h.Handle(ctx, &hc)
		out.Handlers = append(out.Handlers, h.Name())
		if err != nil {
			out.Errors = append(out.Errors, fmt.Errorf("%s: %w", h.Name(), err))
		}
	}
	return out
}

func (d *Dispatcher) publish(ctx context.Context, env *update.Envelope, out Outcome) {
	ev := event.Event{
		Type:     event.TypeDispatched,
		UpdateID: out.UpdateID,
		Kind:     out.Kind.String(),
		Handlers: out.Handlers,
	}
	if co := out.Conversation; co != nil {
		ev.Key = string(co.Key)
		ev.Phase = string(co.Phase)
		ev.From = string(co.From)
		ev.To = string(co.To)
		if co.Handled {
			ev.Handlers = []string{co.Handler}
			ev.Result = co.Result.String()
		}
	}
	switch {
	case out.Denied:
		ev.Type = event.TypeAccessDenied
		ev.Error = out.Reason
		d.logger.Info("update denied", slog.String("update", env.Summary()), slog.String("reason", out.Reason))
	case len(out.Errors) > 0:
		ev.Type = event.TypeDispatchError
		ev.Error = out.Err().Error()
		d.logger.Error("handler failed", slog.String("update", env.Summary()), slog.Any("error", out.Err()))
	default:
		d.logger.DebugContext(ctx, "update dispatched",
			slog.String("update", env.Summary()),
			slog.Bool("handled", out.Handled()),
			slog.Any("handlers", ev.Handlers),
		)
	}
	d.hub.Publish(ev)
}

// Park adds work to the standby area. It runs only after an operator promotes it.
func (d *Dispatcher) Park(name string, fn queue.Func) *queue.Task {
	t := queue.NewTask(name, fn)
	d.queue.AddToStandby(t)
	d.hub.Publish(event.Event{Type: event.TypeStandbyAdded, TaskID: t.ID.String(), Task: name})
	d.logger.Info("task parked on standby", slog.String("task", name), slog.String("task_id", t.ID.String()))
	return t
}

// Promote moves the standby task at index to the main list. It does not drain.
func (d *Dispatcher) Promote(index int) (queue.Info, error) {
	t, err := d.queue.Promote(index)
	if err != nil {
		return queue.Info{}, err
	}
	d.hub.Publish(event.Event{Type: event.TypeStandbyPromoted, TaskID: t.ID.String(), Task: t.Name})
	return t.Info(), nil
}

// PromoteAll moves every standby task to the main list. It does not drain.
func (d *Dispatcher) PromoteAll() int {
	n := d.queue.PromoteAll()
	if n > 0 {
		d.hub.Publish(event.Event{Type: event.TypeStandbyPromoted, Result: strconv.Itoa(n)})
	}
	return n
}

// Discard drops the standby task at index.
func (d *Dispatcher) Discard(index int) (queue.Info, error) {
	t, err := d.queue.Discard(index)
	if err != nil {
		return queue.Info{}, err
	}
	d.hub.Publish(event.Event{Type: event.TypeStandbyDiscarded, TaskID: t.ID.String(), Task: t.Name})
	return t.Info(), nil
}

// ExpireConversations enqueues a sweep of idle conversations so that the
// registry is only written from drained tasks, then starts draining.
func (d *Dispatcher) ExpireConversations(ctx context.Context, now time.Time) {
	machine := d.Machine()
	if machine == nil || machine.Timeout() <= 0 {
		return
	}
	d.queue.Enqueue(queue.NewTask("conversation:expire", func(ctx context.Context) error {
		for _, e := range machine.Expire(now) {
			d.hub.Publish(event.Event{
				Type: event.TypeConversationExpired,
				Key:  string(e.Key),
				From: string(e.State),
			})
		}
		return nil
	}))
	d.Flush(ctx)
}
