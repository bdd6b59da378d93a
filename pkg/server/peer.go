package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ZentaChain/pocksup/pkg/crypto"
	"github.com/ZentaChain/pocksup/pkg/protocol"
	"github.com/ZentaChain/pocksup/pkg/transport"
)

// Failure reasons sent before a session exists
const (
	ReasonBadRequest    = "bad-request"
	ReasonNotAuthorized = "not-authorized"
	ReasonUnknownSuite  = "unknown-suite"
	ReasonUnknownDict   = "unknown-dictionary"
	ReasonVersion       = "unsupported-version"
)

// peer is one authenticated device connection. Outbound nodes go through a
// queue drained by writeLoop, so routing never blocks on a slow reader.
type peer struct {
	srv     *Server
	jid     string
	phone   string
	device  string
	tr      transport.Transport
	channel *crypto.Channel
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu      sync.Mutex
	queue   []*protocol.Node
	closing bool // no more nodes accepted, writeLoop drains then closes
	wake    chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// send queues n for the device. It reports false once the peer is closing.
func (p *peer) send(n *protocol.Node) bool {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, n)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// sendAndClose queues n as the last node and closes after writing it
func (p *peer) sendAndClose(n *protocol.Node) {
	p.mu.Lock()
	if !p.closing {
		p.queue = append(p.queue, n)
		p.closing = true
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *peer) writeLoop() {
	defer p.close()
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		}

		for {
			p.mu.Lock()
			if len(p.queue) == 0 {
				closing := p.closing
				p.mu.Unlock()
				if closing {
					return
				}
				break
			}
			n := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.mu.Unlock()

			if err := p.write(n); err != nil {
				p.logger.Debug().Err(err).Msg("write failed")
				return
			}
		}
	}
}

func (p *peer) write(n *protocol.Node) error {
	frame, err := p.srv.codec.Marshal(n)
	if err != nil {
		p.logger.Warn().Err(err).Str("node", n.String()).Msg("dropping unencodable node")
		return nil
	}
	sealed, err := p.channel.Seal(frame)
	if err != nil {
		return err
	}
	if err := p.tr.Send(context.Background(), sealed); err != nil {
		return err
	}
	p.srv.metrics.FramesSent.WithLabelValues(n.Tag).Inc()
	return nil
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closing = true
		p.queue = nil
		p.mu.Unlock()
		close(p.done)
		p.tr.Close()
	})
}

func (p *peer) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if !p.send(protocol.PingNode(protocol.GenerateMessageID())) {
				return
			}
		}
	}
}

// ===== CONNECTION LIFECYCLE =====

func (s *Server) handleConnection(tr transport.Transport) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.HandshakeTimeout)
	stop := context.AfterFunc(ctx, func() { tr.Close() })
	p, err := s.handshake(ctx, tr)
	expired := !stop()
	cancel()
	if err == nil && expired {
		s.detach(p)
		p.close()
		p.channel.Destroy()
		err = fmt.Errorf("handshake: %w", context.DeadlineExceeded)
	}
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", remoteAddr(tr)).Msg("handshake failed")
		tr.Close()
		return
	}
	p.logger.Info().Str("device", p.device).Msg("device connected")

	go p.writeLoop()
	if s.opts.PingInterval > 0 {
		go p.pingLoop(s.opts.PingInterval)
	}
	s.deliverQueued(p)

	s.readLoop(p)

	s.detach(p)
	p.close()
	p.channel.Destroy()
	s.deviceGone(p)
	p.logger.Info().Msg("device disconnected")
}

func (s *Server) readLoop(p *peer) {
	for {
		sealed, err := p.tr.Recv()
		if err != nil {
			return
		}
		frame, err := p.channel.Open(sealed)
		if err != nil {
			if !errors.Is(err, crypto.ErrChannelClosed) {
				s.metrics.FramesDropped.WithLabelValues("crypto").Inc()
				p.logger.Warn().Err(err).Msg("closing connection after undecryptable frame")
			}
			return
		}
		n, err := s.codec.Unmarshal(frame)
		if err != nil {
			s.metrics.FramesDropped.WithLabelValues("malformed").Inc()
			p.logger.Warn().Err(err).Msg("malformed frame")
			continue
		}
		s.metrics.FramesReceived.WithLabelValues(n.Tag).Inc()
		s.handleNode(p, n)
	}
}

func remoteAddr(tr transport.Transport) string {
	if c, ok := tr.(*transport.Conn); ok {
		return c.RemoteAddr()
	}
	return ""
}

// ===== HANDSHAKE =====

// handshake answers a client hello, checks its proof of the registered
// secret and confirms the session with a sealed success node
func (s *Server) handshake(ctx context.Context, tr transport.Transport) (*peer, error) {
	helloFrame, err := tr.Recv()
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	hello, err := s.codec.Unmarshal(helloFrame)
	if err != nil || hello.Tag != protocol.TagHello {
		s.reject(ctx, tr, ReasonBadRequest)
		return nil, fmt.Errorf("%w: bad hello", crypto.ErrAuth)
	}

	if v := hello.AttrString(protocol.AttrVersion); v != protocol.ProtocolVersion {
		s.reject(ctx, tr, ReasonVersion)
		return nil, fmt.Errorf("%w: protocol version %q", crypto.ErrAuth, v)
	}
	dict, _ := hello.AttrInt(protocol.AttrDict)
	if dict < 0 || dict > 255 {
		dict = -1
	}
	if _, err := s.opts.Dictionaries.Lookup(byte(dict)); err != nil || dict < 0 {
		s.reject(ctx, tr, ReasonUnknownDict)
		return nil, fmt.Errorf("%w: dictionary %d", crypto.ErrAuth, dict)
	}
	suite, err := s.opts.Suites.Lookup(hello.AttrString(protocol.AttrSuite))
	if err != nil {
		s.reject(ctx, tr, ReasonUnknownSuite)
		return nil, err
	}

	phone := protocol.NormalizePhone(hello.AttrString(protocol.AttrPhone))
	device := hello.AttrString(protocol.AttrDevice)
	acct, ok := s.account(phone)
	if !ok || acct.device != device {
		s.reject(ctx, tr, ReasonNotAuthorized)
		return nil, fmt.Errorf("%w: unknown device %s/%s", crypto.ErrAuth, phone, device)
	}

	reply, secret, err := suite.Respond(hello.Content)
	if err != nil {
		s.reject(ctx, tr, ReasonBadRequest)
		return nil, fmt.Errorf("%w: %w", crypto.ErrAuth, err)
	}
	nonce, err := crypto.GenerateNonce(16)
	if err != nil {
		crypto.Zero(secret)
		return nil, err
	}
	challenge := protocol.NewNode(protocol.TagChallenge, protocol.Bytes(protocol.AttrNonce, nonce))
	challenge.Content = reply
	challengeFrame, err := s.codec.Marshal(challenge)
	if err != nil {
		crypto.Zero(secret)
		return nil, err
	}
	if err := tr.Send(ctx, challengeFrame); err != nil {
		crypto.Zero(secret)
		return nil, fmt.Errorf("send challenge: %w", err)
	}

	transcript := crypto.Transcript(helloFrame, challengeFrame)
	keys, err := crypto.DeriveSessionKeys(secret, acct.secret, transcript, suite.Name())
	crypto.Zero(secret)
	if err != nil {
		return nil, err
	}

	authFrame, err := tr.Recv()
	if err != nil {
		keys.Destroy()
		return nil, fmt.Errorf("read auth: %w", err)
	}
	auth, err := s.codec.Unmarshal(authFrame)
	if err != nil || auth.Tag != protocol.TagAuth {
		keys.Destroy()
		s.reject(ctx, tr, ReasonBadRequest)
		return nil, fmt.Errorf("%w: bad auth node", crypto.ErrAuth)
	}
	if err := crypto.VerifyProof(keys.MAC, transcript, auth.Content); err != nil {
		keys.Destroy()
		s.reject(ctx, tr, ReasonNotAuthorized)
		return nil, err
	}

	channel, err := crypto.NewChannel(keys, false)
	if err != nil {
		keys.Destroy()
		return nil, err
	}
	success := protocol.NewNode(protocol.TagSuccess,
		protocol.Int(protocol.AttrTime, protocol.NowUnix()),
		protocol.String(protocol.AttrDevice, device),
	)
	frame, err := s.codec.Marshal(success)
	if err != nil {
		channel.Destroy()
		return nil, err
	}
	sealed, err := channel.Seal(frame)
	if err != nil {
		channel.Destroy()
		return nil, err
	}

	jid := protocol.UserJID(phone)
	p := &peer{
		srv:     s,
		jid:     jid,
		phone:   phone,
		device:  device,
		tr:      tr,
		channel: channel,
		logger:  s.logger.With().Str("jid", jid).Logger(),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if s.opts.MessagesPerSecond > 0 {
		burst := int(s.opts.MessagesPerSecond)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), burst)
	}

	// The device is routable before it learns it is authenticated. Nodes
	// queued meanwhile wait for writeLoop, which starts after success.
	if !s.attach(p) {
		channel.Destroy()
		return nil, ErrServerClosed
	}
	if err := tr.Send(ctx, sealed); err != nil {
		s.detach(p)
		p.close()
		channel.Destroy()
		return nil, fmt.Errorf("send success: %w", err)
	}
	return p, nil
}

// reject sends a plaintext failure node
func (s *Server) reject(ctx context.Context, tr transport.Transport, reason string) {
	frame, err := s.codec.Marshal(protocol.NewNode(protocol.TagFailure, protocol.String(protocol.AttrReason, reason)))
	if err != nil {
		return
	}
	_ = tr.Send(ctx, frame)
}
