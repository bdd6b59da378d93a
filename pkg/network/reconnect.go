package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ZentaChain/pocksup/pkg/crypto"
	"github.com/ZentaChain/pocksup/pkg/protocol"
	"github.com/ZentaChain/pocksup/pkg/transport"
)

// readLoop is the only reader of the transport and the only caller of
// Channel.Open for its connection
func (c *Client) readLoop(conn *connection) {
	defer conn.wg.Done()

	for {
		sealed, err := conn.tr.Recv()
		if err != nil {
			c.connectionLost(conn, err)
			return
		}

		frame, err := conn.session.channel.Open(sealed)
		if err != nil {
			if errors.Is(err, crypto.ErrChannelClosed) {
				return
			}
			c.metrics.FramesDropped.WithLabelValues("crypto").Inc()
			c.logger.Error().Err(err).Msg("inbound frame failed authentication")
			c.connectionLost(conn, err)
			return
		}

		node, err := c.codec.Unmarshal(frame)
		if err != nil {
			conn.malformed++
			c.metrics.FramesDropped.WithLabelValues("malformed").Inc()
			c.logger.Warn().Err(err).Int("consecutive", conn.malformed).Msg("dropping malformed frame")
			if conn.malformed > c.opts.MaxMalformedFrames {
				c.connectionLost(conn, fmt.Errorf("%w: %d consecutive malformed frames: %w",
					ErrConnectionLost, conn.malformed, err))
				return
			}
			continue
		}
		conn.malformed = 0

		c.handleNode(conn, node)
	}
}

// keepalive pings the server every HeartbeatInterval. A failed ping is
// treated as an I/O failure of the connection.
func (c *Client) keepalive(conn *connection) {
	defer conn.wg.Done()

	interval := c.opts.HeartbeatInterval
	if interval <= 0 {
		return
	}
	timeout := c.opts.RequestTimeout
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.ctx.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(conn.ctx, timeout)
		_, err := c.roundTrip(ctx, conn, protocol.PingNode(c.corr.NextID()), protocol.MatchIQResult())
		cancel()

		if err == nil || errors.Is(err, ErrServer) {
			continue
		}
		if conn.ctx.Err() != nil {
			return
		}
		c.logger.Warn().Err(err).Msg("keepalive ping failed")
		c.connectionLost(conn, fmt.Errorf("%w: keepalive: %w", transport.ErrIO, err))
		return
	}
}

// ===== RECONNECTION =====

func (c *Client) startReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.disconnecting || c.reconnectCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.reconnectCancel = cancel
	c.reconnectDone = done
	go c.reconnectLoop(ctx, done)
}

// stopReconnect cancels a running reconnect loop and waits for it to exit
func (c *Client) stopReconnect() {
	c.mu.Lock()
	cancel, done := c.reconnectCancel, c.reconnectDone
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// reconnectLoop makes up to MaxReconnectAttempts fresh connection attempts.
// There is no session resumption: every attempt runs a new handshake.
func (c *Client) reconnectLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		if c.reconnectDone == done {
			c.reconnectCancel = nil
			c.reconnectDone = nil
		}
		c.mu.Unlock()
	}()

	for attempt := 1; attempt <= c.opts.MaxReconnectAttempts; attempt++ {
		delay := c.opts.Backoff(attempt)
		c.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
		if !sleepContext(ctx, delay) {
			return
		}

		c.metrics.ReconnectAttempts.Inc()
		err := c.establish(ctx, fmt.Sprintf("reconnect attempt %d", attempt))
		if err == nil {
			c.logger.Info().Int("attempt", attempt).Msg("reconnected")
			return
		}
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")

		switch {
		case errors.Is(err, crypto.ErrAuth), errors.Is(err, ErrNoCredentials):
			return
		case errors.Is(err, ErrInvalidTransition) && c.state.Current() == StateAuthenticated:
			return
		}
	}
	c.logger.Error().Int("attempts", c.opts.MaxReconnectAttempts).Msg("giving up reconnecting")
}

// sleepContext waits for d or until ctx ends. It reports whether the full
// delay elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
