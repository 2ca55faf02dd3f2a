// Package queue runs tasks strictly one at a time in FIFO order, with a standby
// area for tasks that must wait for explicit promotion.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrIndexOutOfRange is returned when a standby index does not exist.
var ErrIndexOutOfRange = errors.New("standby index out of range")

// Func is the body of a task.
type Func func(ctx context.Context) error

// Task is one unit of queued work.
type Task struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
	run       Func
}

// NewTask wraps fn with a fresh id.
func NewTask(name string, fn Func) *Task {
	return &Task{
		ID:        uuid.New(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
		run:       fn,
	}
}

// Info is a read-only view of a task for listings.
type Info struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Info returns the listing view of t.
func (t *Task) Info() Info {
	return Info{ID: t.ID.String(), Name: t.Name, CreatedAt: t.CreatedAt}
}

// TaskError reports a task that aborted a drain.
type TaskError struct {
	TaskID uuid.UUID
	Name   string
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s (%s): %v", e.Name, e.TaskID, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Queue is safe for concurrent use. At most one task from the main list runs at
// any instant; standby tasks never run until promoted.
type Queue struct {
	mu      sync.Mutex
	pending []*Task
	standby []*Task
	running bool
	logger  *slog.Logger
}

// New creates an empty queue.
func New(log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{logger: log.With(slog.String("component", "queue"))}
}

// Enqueue appends t to the main list. It does not start draining.
func (q *Queue) Enqueue(t *Task) {
	if t == nil {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, t)
	q.mu.Unlock()
}

// AddToStandby appends t to the standby list.
func (q *Queue) AddToStandby(t *Task) {
	if t == nil {
		return
	}
	q.mu.Lock()
	q.standby = append(q.standby, t)
	q.mu.Unlock()
}

// Promote moves the standby task at index to the tail of the main list and
// returns it.
func (q *Queue) Promote(index int) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index < 0 || index >= len(q.standby) {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	t := q.standby[index]
	q.standby = append(q.standby[:index], q.standby[index+1:]...)
	q.pending = append(q.pending, t)
	return t, nil
}

// PromoteAll moves every standby task to the main list in order and returns
// how many moved.
func (q *Queue) PromoteAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.standby)
	q.pending = append(q.pending, q.standby...)
	q.standby = nil
	return n
}

// Discard removes the standby task at index without running it.
func (q *Queue) Discard(index int) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index < 0 || index >= len(q.standby) {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	t := q.standby[index]
	q.standby = append(q.standby[:index], q.standby[index+1:]...)
	return t, nil
}

// Drain runs queued tasks until the main list is empty. It returns immediately
// when another drain is in progress or nothing is queued. A task that fails or
// panics aborts the loop: it is dropped, the running flag is cleared and the
// remaining tasks wait for the next Drain.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.running || len(q.pending) == 0 {
		q.mu.Unlock()
		return nil
	}
	q.running = true
	q.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			q.stop()
			return err
		}
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return nil
		}
		t := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if err := q.runTask(ctx, t); err != nil {
			q.stop()
			q.logger.Error("task aborted drain",
				slog.String("task_id", t.ID.String()),
				slog.String("task", t.Name),
				slog.Any("error", err),
			)
			return &TaskError{TaskID: t.ID, Name: t.Name, Err: err}
		}
	}
}

func (q *Queue) stop() {
	q.mu.Lock()
	q.running = false
	q.mu.Unlock()
}

func (q *Queue) runTask(ctx context.Context, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panicked",
				slog.String("task", t.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if t.run == nil {
		return nil
	}
	return t.run(ctx)
}

// Pending lists the main list in execution order.
func (q *Queue) Pending() []Info {
	q.mu.Lock()
	defer q.mu.Unlock()
	return infos(q.pending)
}

// Standby lists the standby area in promotion order.
func (q *Queue) Standby() []Info {
	q.mu.Lock()
	defer q.mu.Unlock()
	return infos(q.standby)
}

// Running reports whether a drain is in progress.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Len returns the number of tasks waiting in the main list.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func infos(tasks []*Task) []Info {
	out := make([]Info, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Info())
	}
	return out
}
