package network

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ZentaChain/pocksup/pkg/protocol"
)

// PendingRequest is one outbound request waiting for its response
type PendingRequest struct {
	ID       string
	Match    protocol.Matcher
	Deadline time.Time
	Sent     time.Time

	c     *Correlator
	done  chan struct{}
	once  sync.Once
	timer *time.Timer
	node  *protocol.Node
	err   error
}

// Done is closed once the request is resolved, failed or expired
func (p *PendingRequest) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the response arrives or ctx ends. Only the caller is
// suspended; ending ctx removes the request from the table.
func (p *PendingRequest) Wait(ctx context.Context) (*protocol.Node, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		cause := ErrCanceled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			cause = ErrTimeout
		}
		p.finish(nil, fmt.Errorf("%w: %s: %w", cause, p.ID, ctx.Err()))
		<-p.done
	}
	return p.node, p.err
}

// finish resolves the request exactly once and reports whether this call did
func (p *PendingRequest) finish(node *protocol.Node, err error) bool {
	resolved := false
	p.once.Do(func() {
		resolved = true
		p.c.forget(p)
		p.node = node
		p.err = err
		close(p.done)
	})
	return resolved
}

// Correlator matches inbound responses to pending requests by id
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*PendingRequest
	prefix  string
	seq     atomic.Uint64
	gauge   prometheus.Gauge
}

// NewCorrelator creates an empty table. gauge may be nil.
func NewCorrelator(gauge prometheus.Gauge) *Correlator {
	prefix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return &Correlator{
		pending: make(map[string]*PendingRequest),
		prefix:  prefix,
		gauge:   gauge,
	}
}

// NextID returns a request id of the form <prefix>-<n> that is not pending
func (c *Correlator) NextID() string {
	for {
		id := c.prefix + "-" + strconv.FormatUint(c.seq.Add(1), 10)
		c.mu.Lock()
		_, taken := c.pending[id]
		c.mu.Unlock()
		if !taken {
			return id
		}
	}
}

// Register adds a pending request. A timeout of zero means no deadline.
func (c *Correlator) Register(id string, match protocol.Matcher, timeout time.Duration) (*PendingRequest, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty request id", ErrBadParam)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	now := time.Now()
	p := &PendingRequest{
		ID:    id,
		Match: match,
		Sent:  now,
		c:     c,
		done:  make(chan struct{}),
	}
	if timeout > 0 {
		p.Deadline = now.Add(timeout)
		p.timer = time.AfterFunc(timeout, func() {
			p.finish(nil, fmt.Errorf("%w: %s after %s", ErrTimeout, id, timeout))
		})
	}
	c.pending[id] = p
	c.updateGauge()
	return p, nil
}

// Resolve completes the pending request the node answers. It returns false
// when nothing is pending under the node's id, the matcher rejects it, or
// the request was already resolved.
func (c *Correlator) Resolve(node *protocol.Node) bool {
	id := node.ID()
	if id == "" {
		return false
	}
	c.mu.Lock()
	p, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	if p.Match != nil && !p.Match(node) {
		return false
	}
	return p.finish(node, nil)
}

// Cancel fails one pending request with ErrCanceled
func (c *Correlator) Cancel(id string) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return p.finish(nil, fmt.Errorf("%w: %s", ErrCanceled, id))
}

// FailAll resolves every pending request with an error wrapping
// ErrConnectionLost and cause
func (c *Correlator) FailAll(cause error) {
	c.mu.Lock()
	all := make([]*PendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		all = append(all, p)
	}
	c.mu.Unlock()

	err := ErrConnectionLost
	if cause != nil && !errors.Is(cause, ErrConnectionLost) {
		err = fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	} else if cause != nil {
		err = cause
	}
	for _, p := range all {
		p.finish(nil, err)
	}
}

// Len returns the number of pending requests
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) forget(p *PendingRequest) {
	c.mu.Lock()
	if cur, ok := c.pending[p.ID]; ok && cur == p {
		delete(c.pending, p.ID)
	}
	t := p.timer
	c.updateGauge()
	c.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

func (c *Correlator) updateGauge() {
	if c.gauge != nil {
		c.gauge.Set(float64(len(c.pending)))
	}
}
