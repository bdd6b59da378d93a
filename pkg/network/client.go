package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ZentaChain/pocksup/pkg/crypto"
	"github.com/ZentaChain/pocksup/pkg/logging"
	"github.com/ZentaChain/pocksup/pkg/metrics"
	"github.com/ZentaChain/pocksup/pkg/protocol"
	"github.com/ZentaChain/pocksup/pkg/transport"
)

// Option defaults
const (
	DefaultRequestTimeout       = 15 * time.Second
	DefaultConnectTimeout       = 20 * time.Second
	DefaultHandshakeTimeout     = 20 * time.Second
	DefaultHeartbeatInterval    = 60 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultMaxMalformedFrames   = 8
	DefaultDedupWindow          = 4096
	DefaultMaxMediaBytes        = 3 << 20
)

// Options configures a Client. Dialer and Credentials are required.
type Options struct {
	Dialer      transport.Dialer
	Credentials CredentialStore
	Registrar   Registrar

	// Suite names the handshake suite; Suites resolves it
	Suite  string
	Suites *crypto.SuiteRegistry

	Dictionary           *protocol.Dictionary
	EnableCompression    bool
	CompressionThreshold int

	RequestTimeout    time.Duration // negative disables the per-request deadline
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration // zero disables keepalive pings

	AutoReconnect        bool
	MaxReconnectAttempts int
	Backoff              BackoffFunc

	MaxMalformedFrames int
	MessagesPerSecond  float64 // zero disables rate limiting
	DedupWindow        int
	MaxMediaBytes      int64

	MessageLog MessageLog
	Store      DirectoryStore
	Metrics    *metrics.Metrics
	Logger     *zerolog.Logger
	PushName   string
}

// DefaultOptions returns options with every tunable set
func DefaultOptions() Options {
	return Options{
		Suite:                crypto.DefaultSuiteName,
		RequestTimeout:       DefaultRequestTimeout,
		ConnectTimeout:       DefaultConnectTimeout,
		HandshakeTimeout:     DefaultHandshakeTimeout,
		HeartbeatInterval:    DefaultHeartbeatInterval,
		AutoReconnect:        true,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		Backoff:              ExponentialBackoff(DefaultBackoffConfig()),
		MaxMalformedFrames:   DefaultMaxMalformedFrames,
		DedupWindow:          DefaultDedupWindow,
		MaxMediaBytes:        DefaultMaxMediaBytes,
	}
}

func (o *Options) applyDefaults() {
	if o.Suite == "" {
		o.Suite = crypto.DefaultSuiteName
	}
	if o.Suites == nil {
		o.Suites = crypto.DefaultSuites()
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if o.Backoff == nil {
		o.Backoff = ExponentialBackoff(DefaultBackoffConfig())
	}
	if o.MaxMalformedFrames <= 0 {
		o.MaxMalformedFrames = DefaultMaxMalformedFrames
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = DefaultDedupWindow
	}
	if o.MaxMediaBytes <= 0 {
		o.MaxMediaBytes = DefaultMaxMediaBytes
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New(nil)
	}
}

// Session describes the authenticated session of the current connection
type Session struct {
	DeviceID    string
	Phone       string
	JID         string
	Suite       string
	Established time.Time
	ServerTime  time.Time

	channel *crypto.Channel
}

// destroy zeroes the session keys
func (s *Session) destroy() {
	if s != nil && s.channel != nil {
		s.channel.Destroy()
	}
}

// connection is one live transport plus the goroutines serving it
type connection struct {
	tr      transport.Transport
	session *Session
	writeMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	malformed int // consecutive, read loop only
}

func newConnection(tr transport.Transport, sess *Session) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{tr: tr, session: sess, ctx: ctx, cancel: cancel}
}

// shutdown cancels the connection context and closes the socket, which
// unblocks the read loop
func (conn *connection) shutdown() {
	conn.closeOnce.Do(func() {
		conn.cancel()
		conn.tr.Close()
	})
}

// Client is one logical messaging session. It owns its state machine,
// correlator, dispatcher, metrics and limiter.
type Client struct {
	opts      Options
	logger    zerolog.Logger
	codec     *protocol.Codec
	state     *StateMachine
	corr      *Correlator
	events    *Dispatcher
	metrics   *metrics.Metrics
	limiter   *rate.Limiter
	seen      *lru.Cache
	directory *Directory

	connectMu sync.Mutex // serializes establish and Disconnect

	mu              sync.Mutex
	conn            *connection
	self            string
	closed          bool
	disconnecting   bool // Disconnect in progress, no reconnect may start
	reconnectCancel context.CancelFunc
	reconnectDone   chan struct{}
}

// NewClient creates a disconnected client
func NewClient(opts Options) (*Client, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("%w: no dialer", ErrBadParam)
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("%w: no credential store", ErrBadParam)
	}
	opts.applyDefaults()
	if _, err := opts.Suites.Lookup(opts.Suite); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadParam, err)
	}

	logger := logging.Component("client")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	var codecOpts []protocol.CodecOption
	if opts.EnableCompression {
		codecOpts = append(codecOpts, protocol.WithCompression(opts.CompressionThreshold))
	}

	seen, err := lru.New(opts.DedupWindow)
	if err != nil {
		return nil, err
	}

	c := &Client{
		opts:      opts,
		logger:    logger,
		codec:     protocol.NewCodec(opts.Dictionary, codecOpts...),
		corr:      NewCorrelator(opts.Metrics.PendingRequests),
		events:    NewDispatcher(logger),
		metrics:   opts.Metrics,
		seen:      seen,
		directory: NewDirectory(),
	}
	if opts.MessagesPerSecond > 0 {
		burst := int(opts.MessagesPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.MessagesPerSecond), burst)
	}
	c.state = NewStateMachine(c.onStateChange)
	return c, nil
}

func (c *Client) onStateChange(ev ConnectionStateChanged) {
	c.metrics.StateTransitions.WithLabelValues(ev.To.String()).Inc()
	c.logger.Info().Stringer("from", ev.From).Stringer("state", ev.To).Str("reason", ev.Reason).Msg("connection state changed")
	c.events.Emit(ev)
}

// State returns the current connection state
func (c *Client) State() State {
	return c.state.Current()
}

// Session returns the current session, if authenticated
func (c *Client) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.session == nil {
		return Session{}, false
	}
	s := *c.conn.session
	s.channel = nil
	return s, true
}

// Directory returns the contact and group cache
func (c *Client) Directory() *Directory {
	return c.directory
}

// Metrics returns the client's collectors
func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

// ===== CONNECTION LIFECYCLE =====

// Connect dials the server and authenticates with the stored credentials.
// It stops a running reconnect loop first.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: client closed", ErrNotConnected)
	}
	c.mu.Unlock()

	c.stopReconnect()
	return c.establish(ctx, "connect")
}

// establish runs one full connection attempt
func (c *Client) establish(ctx context.Context, reason string) error {
	creds, err := c.opts.Credentials.LoadCredentials(ctx)
	if err != nil {
		return err
	}
	if err := creds.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrNoCredentials, err)
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.state.Current() == StateAuthenticated {
		return nil
	}
	if err := c.state.Transition(StateConnecting, reason); err != nil {
		return err
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	tr, err := c.opts.Dialer.Dial(dialCtx)
	cancelDial()
	if err != nil {
		c.state.Transition(StateFailed, err.Error())
		return fmt.Errorf("dial: %w", err)
	}
	c.state.Transition(StateAuthenticating, "socket established")

	hsCtx, cancelHS := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	sess, err := c.handshake(hsCtx, tr, creds)
	cancelHS()
	if err != nil {
		tr.Close()
		c.state.Transition(StateFailed, err.Error())
		return err
	}

	conn := newConnection(tr, sess)
	c.mu.Lock()
	c.conn = conn
	c.self = sess.JID
	c.mu.Unlock()

	c.state.Transition(StateAuthenticated, "handshake complete")
	c.logger.Info().Str("jid", sess.JID).Str("suite", sess.Suite).Str("remote", tr.RemoteAddr()).Msg("session established")

	conn.wg.Add(2)
	go c.readLoop(conn)
	go c.keepalive(conn)
	return nil
}

// Disconnect closes the connection, fails pending requests with
// ErrConnectionLost and zeroes the session keys. It stops reconnecting.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.disconnecting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.disconnecting = false
		c.mu.Unlock()
	}()
	c.stopReconnect()

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	conn.shutdown()
	conn.wg.Wait()
	c.corr.FailAll(fmt.Errorf("%w: disconnected", ErrConnectionLost))
	conn.session.destroy()
	c.state.Transition(StateDisconnected, "disconnect")
	c.logger.Info().Msg("disconnected")
	return nil
}

// Close disconnects and stops event delivery. The client cannot be reused.
// Close waits for event handlers to finish, so handlers call it as go c.Close().
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	err := c.Disconnect()
	c.events.Close()
	return err
}

// connectionLost tears down conn after a transport, crypto or protocol
// failure. It does nothing when conn is no longer current.
func (c *Client) connectionLost(conn *connection, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closed := c.closed
	c.mu.Unlock()

	conn.shutdown()
	c.corr.FailAll(cause)
	conn.session.destroy()
	c.state.Transition(StateDisconnected, cause.Error())
	c.logger.Warn().Err(cause).Msg("connection lost")

	if c.opts.AutoReconnect && !closed && reconnectable(cause) {
		c.startReconnect()
	}
}

// activeConn returns the live connection or ErrNotConnected
func (c *Client) activeConn() (*connection, error) {
	if c.state.Current() != StateAuthenticated {
		return nil, ErrNotConnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// selfJID returns the JID of the authenticated user
func (c *Client) selfJID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// ===== WRITE PATH =====

// write encodes, seals and sends one node. Sealing and the socket write share
// the connection's write lock so counters reach the wire in order.
func (c *Client) write(ctx context.Context, conn *connection, n *protocol.Node) error {
	frame, err := c.codec.Marshal(n)
	if err != nil {
		return err
	}

	conn.writeMu.Lock()
	sealed, err := conn.session.channel.Seal(frame)
	if err == nil {
		err = conn.tr.Send(ctx, sealed)
	}
	conn.writeMu.Unlock()

	switch {
	case err == nil:
		c.metrics.FramesSent.WithLabelValues(n.Tag).Inc()
		c.logger.Trace().Str("id", n.ID()).Str("tag", n.Tag).Msg("frame sent")
		return nil
	case errors.Is(err, crypto.ErrChannelClosed):
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	case errors.Is(err, transport.ErrIO):
		c.connectionLost(conn, err)
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	return err
}

// request sends a node and waits for the response matching its id
func (c *Client) request(ctx context.Context, n *protocol.Node, match protocol.Matcher) (*protocol.Node, error) {
	conn, err := c.activeConn()
	if err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limiter: %w", ErrTimeout, err)
		}
	}
	return c.roundTrip(ctx, conn, n, match)
}

func (c *Client) roundTrip(ctx context.Context, conn *connection, n *protocol.Node, match protocol.Matcher) (*protocol.Node, error) {
	id := n.ID()
	p, err := c.corr.Register(id, match, c.opts.RequestTimeout)
	if err != nil {
		return nil, err
	}
	if err := c.write(ctx, conn, n); err != nil {
		c.corr.Cancel(id)
		return nil, err
	}

	resp, err := p.Wait(ctx)
	c.metrics.ObserveRequest(n.Tag, err, time.Since(p.Sent))
	if err != nil {
		return nil, err
	}
	if serr := serverError(resp); serr != nil {
		return resp, serr
	}
	return resp, nil
}

// ===== EVENT HANDLERS =====

// Handle registers h for events of kind. KindAll receives every event.
func (c *Client) Handle(kind EventKind, h Handler) (unsubscribe func()) {
	return c.events.Subscribe(kind, h)
}

func (c *Client) OnMessage(fn func(IncomingMessage)) (unsubscribe func()) {
	return c.Handle(KindMessage, HandlerFunc(func(e Event) { fn(e.(IncomingMessage)) }))
}

func (c *Client) OnReceipt(fn func(DeliveryReceipt)) (unsubscribe func()) {
	return c.Handle(KindReceipt, HandlerFunc(func(e Event) { fn(e.(DeliveryReceipt)) }))
}

func (c *Client) OnPresence(fn func(PresenceUpdate)) (unsubscribe func()) {
	return c.Handle(KindPresence, HandlerFunc(func(e Event) { fn(e.(PresenceUpdate)) }))
}

func (c *Client) OnChatState(fn func(ChatStateUpdate)) (unsubscribe func()) {
	return c.Handle(KindChatState, HandlerFunc(func(e Event) { fn(e.(ChatStateUpdate)) }))
}

func (c *Client) OnGroupUpdate(fn func(GroupUpdate)) (unsubscribe func()) {
	return c.Handle(KindGroupUpdate, HandlerFunc(func(e Event) { fn(e.(GroupUpdate)) }))
}

func (c *Client) OnConnectionState(fn func(ConnectionStateChanged)) (unsubscribe func()) {
	return c.Handle(KindConnectionState, HandlerFunc(func(e Event) { fn(e.(ConnectionStateChanged)) }))
}
