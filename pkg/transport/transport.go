// Package transport carries length-prefixed frames over a stream socket.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Transport owns one streaming connection.
//
// Send may be called from many goroutines; writes never interleave.
// Recv must only be called from a single reader goroutine.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Recv() ([]byte, error)
	Close() error
	RemoteAddr() string
}

// Dialer opens new transports. Each call returns a fresh connection.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context) (Transport, error) {
	return f(ctx)
}

// Conn is a framed transport over a net.Conn
type Conn struct {
	conn   net.Conn
	r      *bufio.Reader
	limits Limits

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewConn wraps an established connection
func NewConn(conn net.Conn, limits Limits) *Conn {
	return &Conn{
		conn:   conn,
		r:      bufio.NewReaderSize(conn, 64*1024),
		limits: limits,
		closed: make(chan struct{}),
	}
}

// Send writes one frame. The context deadline, if any, bounds the write.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return fmt.Errorf("%w: %w", ErrIO, ErrClosed)
	default:
	}

	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)

	// unblock the write if the context is cancelled without a deadline
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetWriteDeadline(time.Unix(1, 0))
	})
	defer stop()

	return WriteFrame(c.conn, frame, c.limits)
}

// Recv blocks until a whole frame is available
func (c *Conn) Recv() ([]byte, error) {
	frame, err := ReadFrame(c.r, c.limits)
	if err != nil {
		select {
		case <-c.closed:
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("%w: %w", ErrIO, ErrClosed)
		default:
		}
		return nil, err
	}
	return frame, nil
}

// Close closes the underlying connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *Conn) RemoteAddr() string {
	if a := c.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
