package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// TCPDialer dials a TCP server given as host:port or as a multiaddr
// such as /ip4/127.0.0.1/tcp/5222 or /dns4/chat.example.net/tcp/443.
type TCPDialer struct {
	Address   string
	Limits    Limits
	Timeout   time.Duration
	KeepAlive time.Duration
}

func (d TCPDialer) Dial(ctx context.Context) (Transport, error) {
	network, addr, err := ResolveAddress(d.Address)
	if err != nil {
		return nil, err
	}
	nd := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	conn, err := nd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrIO, d.Address, err)
	}
	return NewConn(conn, d.limits()), nil
}

func (d TCPDialer) limits() Limits {
	if d.Limits.MaxFrameBytes == 0 {
		return DefaultLimits()
	}
	return d.Limits
}

// ResolveAddress turns host:port or a multiaddr into net.Dial arguments
func ResolveAddress(address string) (network, addr string, err error) {
	if !strings.HasPrefix(address, "/") {
		if _, _, err := net.SplitHostPort(address); err != nil {
			return "", "", fmt.Errorf("invalid address %q: %w", address, err)
		}
		return "tcp", address, nil
	}
	m, err := multiaddr.NewMultiaddr(address)
	if err != nil {
		return "", "", fmt.Errorf("invalid multiaddr %q: %w", address, err)
	}
	network, addr, err = manet.DialArgs(m)
	if err != nil {
		return "", "", fmt.Errorf("unsupported multiaddr %q: %w", address, err)
	}
	if !strings.HasPrefix(network, "tcp") {
		return "", "", fmt.Errorf("unsupported multiaddr %q: network %s", address, network)
	}
	return network, addr, nil
}

// Listen opens a TCP listener on host:port or a multiaddr
func Listen(address string) (net.Listener, error) {
	network, addr, err := ResolveAddress(address)
	if err != nil {
		return nil, err
	}
	return net.Listen(network, addr)
}
