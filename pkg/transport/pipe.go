package transport

import (
	"context"
	"fmt"
	"net"
)

// PipeDialer connects to an in-process server over net.Pipe.
// Accept receives the server end of every new connection and must not block.
type PipeDialer struct {
	Accept func(net.Conn)
	Limits Limits
}

func (d PipeDialer) Dial(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Accept == nil {
		return nil, fmt.Errorf("%w: pipe has no acceptor", ErrIO)
	}
	client, server := net.Pipe()
	d.Accept(server)

	limits := d.Limits
	if limits.MaxFrameBytes == 0 {
		limits = DefaultLimits()
	}
	return NewConn(client, limits), nil
}
