// Package server is a reference implementation of the server side of the
// protocol. It authenticates devices, routes stanzas between them, keeps an
// offline queue and serves groups, media and registration. It runs in
// process for tests and as cmd/relay for local development.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ZentaChain/pocksup/pkg/crypto"
	"github.com/ZentaChain/pocksup/pkg/logging"
	"github.com/ZentaChain/pocksup/pkg/metrics"
	"github.com/ZentaChain/pocksup/pkg/network"
	"github.com/ZentaChain/pocksup/pkg/protocol"
	"github.com/ZentaChain/pocksup/pkg/storage"
	"github.com/ZentaChain/pocksup/pkg/transport"
)

var ErrServerClosed = errors.New("server closed")

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMediaURL         = "https://mmg.pocksup.local/d"

	originCacheSize = 1 << 16
)

// Options configures a Server. The zero value is usable.
type Options struct {
	Suites       *crypto.SuiteRegistry
	Dictionaries *protocol.DictionaryRegistry
	Limits       transport.Limits

	// Queue holds stanzas for offline devices. Nil means an in-memory queue.
	Queue storage.OfflineQueue
	// Blobs holds uploaded media. Nil means an in-memory store.
	Blobs storage.BlobStore

	HandshakeTimeout time.Duration

	// PingInterval makes the server ping every device. 0 disables it.
	PingInterval time.Duration

	// MessagesPerSecond limits messages per connection. 0 disables it.
	MessagesPerSecond float64

	MaxMediaBytes int64
	MediaURL      string

	// FixedCode is issued by the registration endpoint instead of a random code
	FixedCode string

	EnableCompression bool

	Metrics *metrics.Metrics
	Logger  *zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.Suites == nil {
		o.Suites = crypto.DefaultSuites()
	}
	if o.Dictionaries == nil {
		o.Dictionaries = protocol.DefaultDictionaries()
	}
	if o.Limits.MaxFrameBytes == 0 {
		o.Limits = transport.DefaultLimits()
	}
	if o.Queue == nil {
		o.Queue = storage.NewMemoryQueue(0)
	}
	if o.Blobs == nil {
		o.Blobs = storage.NewMemoryBlobs()
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.MaxMediaBytes <= 0 {
		o.MaxMediaBytes = network.DefaultMaxMediaBytes
	}
	if o.MediaURL == "" {
		o.MediaURL = DefaultMediaURL
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New(nil)
	}
}

// Stats is a snapshot of server activity
type Stats struct {
	Connected int    `json:"connected"`
	Accounts  int    `json:"accounts"`
	Groups    int    `json:"groups"`
	Blobs     int    `json:"blobs"`
	Queued    int    `json:"queued"`
	Routed    uint64 `json:"routed"`
	Uptime    string `json:"uptime"`
}

// Server routes stanzas between authenticated devices
type Server struct {
	opts    Options
	logger  zerolog.Logger
	codec   *protocol.Codec
	queue   storage.OfflineQueue
	metrics *metrics.Metrics
	origins *lru.Cache // "recipient/id" -> original sender
	started time.Time
	ctx     context.Context // ends on Close, aborting handshakes
	cancel  context.CancelFunc

	mu       sync.RWMutex
	accounts map[string]*account // by phone
	codes    map[string]string   // pending verification codes by phone
	peers    map[string]*peer    // by JID
	groups   map[string]*group   // by group JID
	closed   bool

	listeners map[net.Listener]struct{}
	https     map[*http.Server]struct{}
	wg        sync.WaitGroup
	routed    atomic.Uint64
}

// New creates a server
func New(opts Options) *Server {
	opts.applyDefaults()

	logger := logging.Component("server")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	codecOpts := []protocol.CodecOption{protocol.WithDictionaries(opts.Dictionaries)}
	if opts.EnableCompression {
		codecOpts = append(codecOpts, protocol.WithCompression(0))
	}
	origins, _ := lru.New(originCacheSize)
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		ctx:       ctx,
		cancel:    cancel,
		opts:      opts,
		logger:    logger,
		codec:     protocol.NewCodec(protocol.DictionaryV1, codecOpts...),
		queue:     opts.Queue,
		metrics:   opts.Metrics,
		origins:   origins,
		started:   time.Now(),
		accounts:  make(map[string]*account),
		codes:     make(map[string]string),
		peers:     make(map[string]*peer),
		groups:    make(map[string]*group),
		listeners: make(map[net.Listener]struct{}),
		https:     make(map[*http.Server]struct{}),
	}
}

// Accept serves one raw connection in the background
func (s *Server) Accept(conn net.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.handleConnection(transport.NewConn(conn, s.opts.Limits))
	}()
}

// Dialer connects clients to this server in process over net.Pipe
func (s *Server) Dialer() transport.Dialer {
	return transport.PipeDialer{Accept: s.Accept, Limits: s.opts.Limits}
}

// Serve accepts connections on l until the listener fails or the server closes
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	s.logger.Info().Str("addr", l.Addr().String()).Msg("accepting connections")
	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			delete(s.listeners, l)
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.Accept(conn)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WebSocketHandler upgrades requests and serves them as connections
func (s *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Debug().Err(err).Msg("websocket upgrade failed")
			return
		}
		s.Accept(transport.NewWebSocketConn(ws))
	})
}

// ServeWebSocket serves WebSocket connections on l
func (s *Server) ServeWebSocket(l net.Listener) error {
	return s.serveHTTP(l, s.WebSocketHandler())
}

// ServeRegistration serves the registration endpoints on l
func (s *Server) ServeRegistration(l net.Listener) error {
	return s.serveHTTP(l, s.RegistrationHandler())
}

func (s *Server) serveHTTP(l net.Listener, h http.Handler) error {
	hs := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.https[hs] = struct{}{}
	s.mu.Unlock()

	s.logger.Info().Str("addr", l.Addr().String()).Msg("serving http")
	err := hs.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return ErrServerClosed
	}
	return err
}

// Listeners groups the addresses served by ListenAndServe. Empty fields are
// skipped.
type Listeners struct {
	TCP          string // host:port or multiaddr
	WebSocket    string
	Registration string
}

// ListenAndServe serves every configured listener until ctx ends or one of
// them fails, then closes the server
func (s *Server) ListenAndServe(ctx context.Context, addrs Listeners) error {
	g, ctx := errgroup.WithContext(ctx)

	serve := func(addr string, fn func(net.Listener) error) error {
		if addr == "" {
			return nil
		}
		l, err := transport.Listen(addr)
		if err != nil {
			return err
		}
		g.Go(func() error { return fn(l) })
		return nil
	}
	if err := serve(addrs.TCP, s.Serve); err != nil {
		s.Close()
		return err
	}
	if err := serve(addrs.WebSocket, s.ServeWebSocket); err != nil {
		s.Close()
		return err
	}
	if err := serve(addrs.Registration, s.ServeRegistration); err != nil {
		s.Close()
		return err
	}

	g.Go(func() error {
		<-ctx.Done()
		s.Close()
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops all listeners and connections
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for l := range s.listeners {
		l.Close()
	}
	for hs := range s.https {
		hs.Close()
	}
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	s.cancel()
	for _, p := range peers {
		p.close()
	}
	s.wg.Wait()
	s.logger.Info().Msg("server closed")
	return nil
}

// Stats returns a snapshot of server activity
func (s *Server) Stats(ctx context.Context) Stats {
	s.mu.RLock()
	st := Stats{
		Connected: len(s.peers),
		Accounts:  len(s.accounts),
		Groups:    len(s.groups),
		Routed:    s.routed.Load(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}
	s.mu.RUnlock()

	if n, err := s.queue.Len(ctx); err == nil {
		st.Queued = n
	}
	if n, err := s.opts.Blobs.Len(ctx); err == nil {
		st.Blobs = n
	}
	return st
}

// Online reports whether a device is connected for jid
func (s *Server) Online(jid string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peers[protocol.UserJID(jid)]
	return ok
}

// Drop closes the connection of phone without notice. It reports whether
// the device was connected.
func (s *Server) Drop(phone string) bool {
	p := s.peer(protocol.UserJID(phone))
	if p == nil {
		return false
	}
	s.logger.Info().Str("jid", p.jid).Msg("dropping connection")
	p.close()
	return true
}

// Expire ends the session of phone with a stream error
func (s *Server) Expire(phone, code, text string) bool {
	p := s.peer(protocol.UserJID(phone))
	if p == nil {
		return false
	}
	n := protocol.NewNode(protocol.TagStreamError, protocol.String(protocol.AttrCode, code))
	if text != "" {
		n.SetAttr(protocol.String(protocol.AttrText, text))
	}
	p.sendAndClose(n)
	return true
}

func (s *Server) peer(jid string) *peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[jid]
}

// attach makes p the connection of its JID, replacing an older one
func (s *Server) attach(p *peer) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	old := s.peers[p.jid]
	s.peers[p.jid] = p
	s.mu.Unlock()

	if old != nil {
		s.logger.Info().Str("jid", p.jid).Msg("replacing older connection")
		old.close()
	}
	return true
}

// detach forgets p unless a newer connection took its place
func (s *Server) detach(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peers[p.jid] == p {
		delete(s.peers, p.jid)
	}
}
