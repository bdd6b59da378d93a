package network

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/pocksup/pkg/protocol"
)

func TestCorrelatorResolve(t *testing.T) {
	c := NewCorrelator(nil)
	p, err := c.Register("m-1", protocol.MatchAck(protocol.ClassMessage), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	// a receipt with the same id is not the ack
	assert.False(t, c.Resolve(protocol.ReceiptNode("m-1", "x@s.whatsapp.net", protocol.ReceiptDelivery)))
	assert.False(t, c.Resolve(protocol.AckNode("m-2", protocol.ClassMessage)))

	ack := protocol.AckNode("m-1", protocol.ClassMessage)
	assert.True(t, c.Resolve(ack))
	assert.False(t, c.Resolve(ack))

	n, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, ack, n)
	assert.Equal(t, 0, c.Len())
}

func TestCorrelatorErrors(t *testing.T) {
	tests := []struct {
		name string
		run  func(*Correlator, *PendingRequest)
		want error
	}{
		{"timeout", func(*Correlator, *PendingRequest) {}, ErrTimeout},
		{"cancel", func(c *Correlator, p *PendingRequest) { assert.True(t, c.Cancel(p.ID)) }, ErrCanceled},
		{"connection lost", func(c *Correlator, _ *PendingRequest) { c.FailAll(errors.New("eof")) }, ErrConnectionLost},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCorrelator(nil)
			p, err := c.Register(c.NextID(), nil, 20*time.Millisecond)
			require.NoError(t, err)
			tt.run(c, p)

			_, err = p.Wait(context.Background())
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 0, c.Len())
		})
	}
}

func TestCorrelatorWaitContext(t *testing.T) {
	c := NewCorrelator(nil)
	p, err := c.Register("iq-1", nil, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, c.Len())

	p, err = c.Register("iq-2", nil, 0)
	require.NoError(t, err)
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestCorrelatorRegister(t *testing.T) {
	c := NewCorrelator(nil)
	_, err := c.Register("", nil, 0)
	assert.ErrorIs(t, err, ErrBadParam)

	_, err = c.Register("dup", nil, 0)
	require.NoError(t, err)
	_, err = c.Register("dup", nil, 0)
	assert.ErrorIs(t, err, ErrDuplicateID)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := c.NextID()
		require.False(t, seen[id], id)
		seen[id] = true
	}
}

func TestCorrelatorFailAllKeepsCause(t *testing.T) {
	c := NewCorrelator(nil)
	p, err := c.Register("a", nil, 0)
	require.NoError(t, err)

	c.FailAll(ErrSessionExpired)
	_, err = p.Wait(context.Background())
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.ErrorIs(t, err, ErrSessionExpired)
}
