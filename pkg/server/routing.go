package server

import (
	"time"

	"github.com/ZentaChain/pocksup/pkg/network"
	"github.com/ZentaChain/pocksup/pkg/protocol"
	"github.com/ZentaChain/pocksup/pkg/storage"
)

// Error codes carried by acks and iq errors
const (
	CodeBadRequest     = 400
	CodeForbidden      = 403
	CodeNotFound       = 404
	CodeNotAcceptable  = 406
	CodeTooLarge       = 413
	CodeRateLimited    = network.CodeRateLimited
	CodeInternal       = 500
	CodeNotImplemented = 501
)

// Offline queue kinds. Receipts are keyed by type, so a read receipt does
// not collide with the delivery receipt of the same message.
const (
	queueKindMessage = "message"
	queueKindReceipt = "receipt:"
	queueKindNotify  = "notification"

	// redeliveries beyond this are logged
	noisyAttempts = 3
)

var receiptTypes = []string{protocol.ReceiptDelivery, protocol.ReceiptRead, protocol.ReceiptPlayed}

func (s *Server) handleNode(p *peer, n *protocol.Node) {
	switch n.Tag {
	case protocol.TagMessage:
		s.handleMessage(p, n)
	case protocol.TagReceipt:
		s.handleReceipt(p, n)
	case protocol.TagAck:
		s.handleAck(p, n)
	case protocol.TagIQ:
		s.handleIQ(p, n)
	case protocol.TagPresence:
		s.handlePresence(p, n)
	case protocol.TagChatState:
		s.handleChatState(p, n)
	default:
		p.logger.Debug().Str("tag", n.Tag).Msg("ignoring stanza")
	}
}

func ackError(id, class string, code int64, text string) *protocol.Node {
	n := protocol.AckNode(id, class)
	n.SetAttr(protocol.Int(protocol.AttrError, code))
	n.SetAttr(protocol.String(protocol.AttrText, text))
	return n
}

// ===== OFFLINE QUEUE =====

// route queues n for jid and sends it right away when the device is
// online. The queued copy stays until the device acknowledges it.
func (s *Server) route(jid, kind, id string, n *protocol.Node) {
	payload, err := s.codec.Marshal(n)
	if err != nil {
		s.logger.Warn().Err(err).Str("jid", jid).Msg("dropping unencodable stanza")
		return
	}
	err = s.queue.Enqueue(s.ctx, storage.QueuedMessage{
		Recipient: jid,
		Kind:      kind,
		MessageID: id,
		Payload:   payload,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("jid", jid).Str("id", id).Msg("failed to queue stanza")
	}
	if p := s.peer(jid); p != nil {
		p.send(n)
	}
}

// sendLive delivers n only if the device is online
func (s *Server) sendLive(jid string, n *protocol.Node) {
	if p := s.peer(jid); p != nil {
		p.send(n)
	}
}

// deliverQueued replays everything still queued for a device that just
// authenticated
func (s *Server) deliverQueued(p *peer) {
	pending, err := s.queue.Pending(s.ctx, p.jid)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to read offline queue")
		return
	}
	for _, m := range pending {
		n, err := s.codec.Unmarshal(m.Payload)
		if err != nil {
			p.logger.Warn().Err(err).Str("id", m.MessageID).Msg("dropping unreadable queued stanza")
			_, _ = s.queue.Remove(s.ctx, m.Recipient, m.Kind, m.MessageID)
			continue
		}
		if !p.send(n) {
			return
		}
		if err := s.queue.IncrementAttempts(s.ctx, m.Recipient, m.Kind, m.MessageID); err != nil {
			p.logger.Debug().Err(err).Msg("failed to count delivery attempt")
		}
		if m.Attempts+1 >= noisyAttempts {
			p.logger.Warn().Str("id", m.MessageID).Int("attempts", m.Attempts+1).Msg("stanza redelivered repeatedly")
		}
	}
	if len(pending) > 0 {
		p.logger.Info().Int("count", len(pending)).Msg("delivered queued stanzas")
	}
}

// deviceGone broadcasts the last seen time of a device that had announced
// itself available
func (s *Server) deviceGone(p *peer) {
	s.mu.Lock()
	a, ok := s.accounts[p.phone]
	wasAvailable := ok && a.presence == protocol.PresenceAvailable
	if ok {
		a.lastSeen = time.Now()
		if wasAvailable {
			a.presence = protocol.PresenceUnavailable
		}
	}
	s.mu.Unlock()

	if wasAvailable && s.peer(p.jid) == nil {
		s.broadcastPresence(p.jid, protocol.PresenceUnavailable, time.Now())
	}
}

// ===== MESSAGES =====

func (s *Server) handleMessage(p *peer, n *protocol.Node) {
	id := n.ID()
	if id == "" {
		p.logger.Debug().Msg("message without id")
		return
	}
	if p.limiter != nil && !p.limiter.Allow() {
		p.send(ackError(id, protocol.ClassMessage, CodeRateLimited, "rate-overlimit"))
		return
	}
	to := n.AttrString(protocol.AttrTo)
	if to == "" || len(n.Children) == 0 {
		p.send(ackError(id, protocol.ClassMessage, CodeBadRequest, "bad-request"))
		return
	}

	ts := protocol.NowUnix()
	build := func(from, participant string) *protocol.Node {
		out := protocol.NewNode(protocol.TagMessage,
			protocol.String(protocol.AttrID, id),
			protocol.String(protocol.AttrFrom, from),
			protocol.String(protocol.AttrType, n.AttrString(protocol.AttrType)),
			protocol.Int(protocol.AttrTime, ts),
		)
		if participant != "" {
			out.SetAttr(protocol.String(protocol.AttrParticipant, participant))
		}
		if name := s.pushName(p.phone); name != "" {
			out.SetAttr(protocol.String(protocol.AttrNotify, name))
		}
		out.Children = n.Children
		return out
	}

	if protocol.IsGroupJID(to) {
		members, code := s.groupMembers(to, p.jid)
		if code != 0 {
			p.send(ackError(id, protocol.ClassMessage, int64(code), codeText(code)))
			return
		}
		for _, m := range members {
			if m == p.jid {
				continue
			}
			s.origins.Add(m+"/"+id, p.jid)
			s.route(m, queueKindMessage, id, build(to, p.jid))
		}
	} else {
		if protocol.ValidatePhone(protocol.PhoneFromJID(to)) != nil {
			p.send(ackError(id, protocol.ClassMessage, CodeBadRequest, "bad-recipient"))
			return
		}
		to = protocol.UserJID(to)
		s.origins.Add(to+"/"+id, p.jid)
		s.route(to, queueKindMessage, id, build(p.jid, ""))
	}

	s.routed.Add(1)
	ack := protocol.AckNode(id, protocol.ClassMessage)
	ack.SetAttr(protocol.Int(protocol.AttrTime, ts))
	p.send(ack)
}

func (s *Server) pushName(phone string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.accounts[phone]; ok {
		return a.pushName
	}
	return ""
}

// ===== RECEIPTS AND ACKS =====

// handleReceipt clears a delivered message from the queue and forwards the
// receipt to the original sender
func (s *Server) handleReceipt(p *peer, n *protocol.Node) {
	id := n.ID()
	if id == "" {
		return
	}
	p.send(protocol.AckNode(id, protocol.ClassReceipt))

	if _, err := s.queue.Remove(s.ctx, p.jid, queueKindMessage, id); err != nil {
		p.logger.Warn().Err(err).Str("id", id).Msg("failed to clear queued message")
	}

	to := n.AttrString(protocol.AttrTo)
	sender := to
	if v, ok := s.origins.Get(p.jid + "/" + id); ok {
		sender = v.(string)
	}
	if sender == "" || sender == p.jid || protocol.IsGroupJID(sender) {
		return
	}

	typ := n.AttrString(protocol.AttrType)
	if typ == "" {
		typ = protocol.ReceiptDelivery
	}
	out := protocol.NewNode(protocol.TagReceipt,
		protocol.String(protocol.AttrID, id),
		protocol.String(protocol.AttrType, typ),
		protocol.Int(protocol.AttrTime, protocol.NowUnix()),
	)
	if protocol.IsGroupJID(to) {
		out.SetAttr(protocol.String(protocol.AttrFrom, to))
		out.SetAttr(protocol.String(protocol.AttrParticipant, p.jid))
	} else {
		out.SetAttr(protocol.String(protocol.AttrFrom, p.jid))
	}
	s.route(sender, queueKindReceipt+typ, id, out)
}

func (s *Server) handleAck(p *peer, n *protocol.Node) {
	id := n.ID()
	switch n.AttrString(protocol.AttrClass) {
	case protocol.ClassReceipt:
		for _, t := range receiptTypes {
			if _, err := s.queue.Remove(s.ctx, p.jid, queueKindReceipt+t, id); err != nil {
				p.logger.Warn().Err(err).Str("id", id).Msg("failed to clear queued receipt")
			}
		}
	case protocol.ClassNotification:
		if _, err := s.queue.Remove(s.ctx, p.jid, queueKindNotify, id); err != nil {
			p.logger.Warn().Err(err).Str("id", id).Msg("failed to clear queued notification")
		}
	default:
		p.logger.Debug().Str("class", n.AttrString(protocol.AttrClass)).Msg("unexpected ack")
	}
}

// ===== PRESENCE AND CHAT STATE =====

func (s *Server) handlePresence(p *peer, n *protocol.Node) {
	id := n.ID()
	typ := n.AttrString(protocol.AttrType)
	if !protocol.ValidPresence(typ) {
		p.send(ackError(id, protocol.ClassPresence, CodeBadRequest, "bad-presence"))
		return
	}

	now := time.Now()
	s.mu.Lock()
	if a, ok := s.accounts[p.phone]; ok {
		a.presence = typ
		a.lastSeen = now
		if name := n.AttrString(protocol.AttrName); name != "" {
			a.pushName = name
		}
	}
	s.mu.Unlock()

	p.send(protocol.AckNode(id, protocol.ClassPresence))
	s.broadcastPresence(p.jid, typ, now)
}

// broadcastPresence tells every other online device about jid
func (s *Server) broadcastPresence(jid, typ string, lastSeen time.Time) {
	s.mu.RLock()
	targets := make([]*peer, 0, len(s.peers))
	for other, p := range s.peers {
		if other != jid {
			targets = append(targets, p)
		}
	}
	s.mu.RUnlock()

	for _, p := range targets {
		n := protocol.NewNode(protocol.TagPresence,
			protocol.String(protocol.AttrFrom, jid),
			protocol.String(protocol.AttrType, typ),
		)
		if typ == protocol.PresenceUnavailable {
			n.SetAttr(protocol.Int(protocol.AttrLast, lastSeen.Unix()))
		}
		p.send(n)
	}
}

func (s *Server) handleChatState(p *peer, n *protocol.Node) {
	id := n.ID()
	to := n.AttrString(protocol.AttrTo)
	if _, err := protocol.ParseChatState(n); err != nil || to == "" {
		p.send(ackError(id, protocol.ClassChatState, CodeBadRequest, "bad-chatstate"))
		return
	}
	p.send(protocol.AckNode(id, protocol.ClassChatState))

	build := func(from, participant string) *protocol.Node {
		out := protocol.NewNode(protocol.TagChatState, protocol.String(protocol.AttrFrom, from))
		if participant != "" {
			out.SetAttr(protocol.String(protocol.AttrParticipant, participant))
		}
		out.Children = n.Children
		return out
	}
	if protocol.IsGroupJID(to) {
		members, code := s.groupMembers(to, p.jid)
		if code != 0 {
			return
		}
		for _, m := range members {
			if m != p.jid {
				s.sendLive(m, build(to, p.jid))
			}
		}
		return
	}
	s.sendLive(protocol.UserJID(to), build(p.jid, ""))
}

// ===== IQ =====

func (s *Server) handleIQ(p *peer, n *protocol.Node) {
	id := n.ID()
	typ := n.AttrString(protocol.AttrType)
	xmlns := n.AttrString(protocol.AttrXMLNS)
	if typ == protocol.IQResult || typ == protocol.IQError {
		// answer to a server ping
		return
	}

	var (
		reply *protocol.Node
		err   *iqError
	)
	switch xmlns {
	case protocol.NamespacePing:
		reply = protocol.IQNode(id, protocol.IQResult, xmlns, "")
	case protocol.NamespaceMedia:
		reply, err = s.handleMedia(n)
	case protocol.NamespaceGroups:
		reply, err = s.handleGroupQuery(p, n)
	default:
		err = errCode(CodeNotImplemented)
	}
	if err != nil {
		p.logger.Debug().Str("xmlns", xmlns).Int64("code", err.code).Str("text", err.text).Msg("iq failed")
		reply = protocol.IQNode(id, protocol.IQError, xmlns, "", protocol.ErrorNode(err.code, err.text))
	}
	p.send(reply)
}

func codeText(code int) string {
	switch code {
	case CodeBadRequest:
		return "bad-request"
	case CodeForbidden:
		return "forbidden"
	case CodeNotFound:
		return "item-not-found"
	case CodeNotAcceptable:
		return "not-acceptable"
	case CodeTooLarge:
		return "too-large"
	case CodeRateLimited:
		return "rate-overlimit"
	case CodeNotImplemented:
		return "not-implemented"
	}
	return "internal-server-error"
}

// iqError is the error child of an iq error reply
type iqError struct {
	code int64
	text string
}

func errCode(code int) *iqError {
	return &iqError{int64(code), codeText(code)}
}

func iqResult(n *protocol.Node, children ...protocol.Node) *protocol.Node {
	return protocol.IQNode(n.ID(), protocol.IQResult, n.AttrString(protocol.AttrXMLNS), "", children...)
}
