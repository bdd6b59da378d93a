package network

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Handler receives session events
type Handler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(Event)

func (f HandlerFunc) HandleEvent(e Event) { f(e) }

type subscription struct {
	kind    EventKind
	handler Handler
	removed atomic.Bool
}

// Dispatcher delivers events to handlers from a single goroutine. Emit never
// blocks: events wait in an unbounded FIFO, so a slow handler delays later
// events but never the read loop. Handlers run in registration order.
type Dispatcher struct {
	subsMu sync.Mutex
	subs   atomic.Pointer[[]*subscription]

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool

	closeOnce sync.Once
	done      chan struct{}
	logger    zerolog.Logger
}

// NewDispatcher starts the dispatch goroutine
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{done: make(chan struct{}), logger: logger}
	d.cond = sync.NewCond(&d.mu)
	empty := []*subscription{}
	d.subs.Store(&empty)
	go d.run()
	return d
}

// Subscribe registers h for events of kind (KindAll for every event). The
// returned func removes it; calling it from inside a handler is safe and
// takes effect for the next delivery.
func (d *Dispatcher) Subscribe(kind EventKind, h Handler) (unsubscribe func()) {
	s := &subscription{kind: kind, handler: h}

	d.subsMu.Lock()
	cur := *d.subs.Load()
	next := make([]*subscription, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, s)
	d.subs.Store(&next)
	d.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(s) })
	}
}

func (d *Dispatcher) remove(s *subscription) {
	s.removed.Store(true)

	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	cur := *d.subs.Load()
	next := make([]*subscription, 0, len(cur))
	for _, other := range cur {
		if other != s {
			next = append(next, other)
		}
	}
	d.subs.Store(&next)
}

// Len returns the number of registered handlers
func (d *Dispatcher) Len() int {
	return len(*d.subs.Load())
}

// Emit queues an event. Events emitted after Close are dropped.
func (d *Dispatcher) Emit(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, e)
	d.cond.Signal()
}

// Close delivers the events already queued, then stops the dispatch goroutine.
// It waits for that goroutine, so a handler must not call it directly; a
// handler that wants to close runs Close on a new goroutine.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		e := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.deliver(e)
	}
}

func (d *Dispatcher) deliver(e Event) {
	for _, s := range *d.subs.Load() {
		if s.removed.Load() {
			continue
		}
		if s.kind != KindAll && s.kind != e.Kind() {
			continue
		}
		d.invoke(s.handler, e)
	}
}

func (d *Dispatcher) invoke(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Stringer("kind", e.Kind()).Msg("event handler panicked")
		}
	}()
	h.HandleEvent(e)
}
