package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	log []string
}

func (r *recorder) task(id string, delay time.Duration) *Task {
	return NewTask(id, func(ctx context.Context) error {
		time.Sleep(delay)
		r.mu.Lock()
		r.log = append(r.log, id)
		r.mu.Unlock()
		return nil
	})
}

func (r *recorder) entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func TestDrainRunsInEnqueueOrder(t *testing.T) {
	t.Parallel()

	q := New(nil)
	rec := &recorder{}
	q.Enqueue(rec.task("a", 30*time.Millisecond))
	q.Enqueue(rec.task("b", 0))
	q.Enqueue(rec.task("c", 10*time.Millisecond))

	require.NoError(t, q.Drain(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, rec.entries())
	assert.Equal(t, 0, q.Len())
	assert.False(t, q.Running())
}

func TestEnqueueDoesNotDrain(t *testing.T) {
	t.Parallel()

	q := New(nil)
	rec := &recorder{}
	q.Enqueue(rec.task("a", 0))
	assert.Empty(t, rec.entries())
	assert.Equal(t, 1, q.Len())
}

func TestStandbyRunsOnlyWhenPromoted(t *testing.T) {
	t.Parallel()

	q := New(nil)
	rec := &recorder{}
	q.Enqueue(rec.task("a", 0))
	q.AddToStandby(rec.task("s1", 0))
	q.AddToStandby(rec.task("s2", 0))
	q.AddToStandby(rec.task("s3", 0))

	require.NoError(t, q.Drain(context.Background()))
	assert.Equal(t, []string{"a"}, rec.entries())
	assert.Len(t, q.Standby(), 3)

	promoted, err := q.Promote(1)
	require.NoError(t, err)
	assert.Equal(t, "s2", promoted.Name)
	assert.Equal(t, 1, q.Len(), "promote must not drain")
	require.NoError(t, q.Drain(context.Background()))
	assert.Equal(t, []string{"a", "s2"}, rec.entries())

	q.Enqueue(rec.task("b", 0))
	assert.Equal(t, 2, q.PromoteAll())
	require.NoError(t, q.Drain(context.Background()))
	assert.Equal(t, []string{"a", "s2", "b", "s1", "s3"}, rec.entries())
	assert.Empty(t, q.Standby())
}

func TestPromoteOutOfRange(t *testing.T) {
	t.Parallel()

	q := New(nil)
	_, err := q.Promote(0)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	q.AddToStandby(NewTask("s", nil))
	_, err = q.Promote(-1)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = q.Promote(1)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	assert.Equal(t, 1, q.PromoteAll())
}

func TestDiscardStandby(t *testing.T) {
	t.Parallel()

	q := New(nil)
	rec := &recorder{}
	q.AddToStandby(rec.task("keep", 0))
	q.AddToStandby(rec.task("drop", 0))

	dropped, err := q.Discard(1)
	require.NoError(t, err)
	assert.Equal(t, "drop", dropped.Name)
	_, err = q.Discard(5)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	q.PromoteAll()
	require.NoError(t, q.Drain(context.Background()))
	assert.Equal(t, []string{"keep"}, rec.entries())
}

func TestDrainIsNoOpWhileRunning(t *testing.T) {
	t.Parallel()

	q := New(nil)
	rec := &recorder{}
	release := make(chan struct{})
	started := make(chan struct{})
	q.Enqueue(NewTask("block", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	q.Enqueue(rec.task("next", 0))

	done := make(chan error, 1)
	go func() { done <- q.Drain(context.Background()) }()
	<-started

	assert.True(t, q.Running())
	require.NoError(t, q.Drain(context.Background()))
	assert.Equal(t, 1, q.Len(), "second drain must not consume tasks")
	assert.Empty(t, rec.entries())

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"next"}, rec.entries())
}

func TestNestedDrainFromTask(t *testing.T) {
	t.Parallel()

	q := New(nil)
	rec := &recorder{}
	q.Enqueue(NewTask("outer", func(ctx context.Context) error {
		q.Enqueue(rec.task("inner", 0))
		return q.Drain(ctx)
	}))
	require.NoError(t, q.Drain(context.Background()))
	assert.Equal(t, []string{"inner"}, rec.entries())
}

func TestFailingTaskAbortsDrain(t *testing.T) {
	t.Parallel()

	q := New(nil)
	rec := &recorder{}
	boom := errors.New("boom")
	q.Enqueue(rec.task("a", 0))
	q.Enqueue(NewTask("fail", func(ctx context.Context) error { return boom }))
	q.Enqueue(rec.task("c", 0))

	err := q.Drain(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, "fail", taskErr.Name)

	assert.Equal(t, []string{"a"}, rec.entries())
	assert.False(t, q.Running())
	assert.Equal(t, 1, q.Len())

	require.NoError(t, q.Drain(context.Background()))
	assert.Equal(t, []string{"a", "c"}, rec.entries())
}

func TestPanickingTaskAbortsDrain(t *testing.T) {
	t.Parallel()

	q := New(nil)
	rec := &recorder{}
	q.Enqueue(NewTask("panic", func(ctx context.Context) error { panic("predicate defect") }))
	q.Enqueue(rec.task("after", 0))

	err := q.Drain(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "predicate defect")
	assert.False(t, q.Running())
	assert.Equal(t, 1, q.Len())
}

func TestDrainStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	q := New(nil)
	rec := &recorder{}
	q.Enqueue(rec.task("a", 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, q.Drain(ctx), context.Canceled)
	assert.Empty(t, rec.entries())
	assert.Equal(t, 1, q.Len())
	assert.False(t, q.Running())
}

func TestListings(t *testing.T) {
	t.Parallel()

	q := New(nil)
	a := NewTask("a", nil)
	q.Enqueue(a)
	q.AddToStandby(NewTask("s", nil))

	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID.String(), pending[0].ID)
	assert.Equal(t, "a", pending[0].Name)
	assert.Equal(t, "s", q.Standby()[0].Name)
}
