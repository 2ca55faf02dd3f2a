package channel

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/memohai/tgflow/internal/update"
)

// ErrStopNotSupported is returned when a connection does not support graceful shutdown.
var ErrStopNotSupported = errors.New("channel connection stop not supported")

// UpdateHandler is invoked by a transport for every deduplicated inbound update.
type UpdateHandler func(ctx context.Context, env *update.Envelope) error

// Receiver is a transport capable of establishing a long-lived inbound connection.
type Receiver interface {
	Connect(ctx context.Context, handler UpdateHandler) (Connection, error)
}

// Connection represents an active inbound transport.
type Connection interface {
	Mode() string
	Stop(ctx context.Context) error
	Running() bool
}

// BaseConnection is a default Connection implementation backed by a stop function.
type BaseConnection struct {
	mode    string
	stop    func(ctx context.Context) error
	running atomic.Bool
}

// NewConnection creates a BaseConnection for the given transport mode and stop function.
func NewConnection(mode string, stop func(ctx context.Context) error) *BaseConnection {
	conn := &BaseConnection{
		mode: mode,
		stop: stop,
	}
	conn.running.Store(true)
	return conn
}

// Mode returns the transport mode ("poll" or "webhook").
func (c *BaseConnection) Mode() string {
	return c.mode
}

// Stop gracefully shuts down the connection.
func (c *BaseConnection) Stop(ctx context.Context) error {
	if c.stop == nil {
		return ErrStopNotSupported
	}
	c.running.Store(false)
	return c.stop(ctx)
}

// Running reports whether the connection is still active.
func (c *BaseConnection) Running() bool {
	return c.running.Load()
}
