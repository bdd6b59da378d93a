package network

import (
	"context"
	"fmt"
	"time"

	"github.com/ZentaChain/pocksup/pkg/protocol"
)

// MessageStatus is the delivery state of a logged message
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
	StatusReceived  MessageStatus = "received"
)

// MessageRecord is one logged message
type MessageRecord struct {
	ID          string
	Chat        string // peer or group JID
	Sender      string
	Participant string
	Outgoing    bool
	Type        string
	Text        string
	MediaURL    string
	QuotedID    string
	Status      MessageStatus
	Timestamp   time.Time
}

// MessageLog persists sent and received messages. HasMessage lets the client
// drop redelivered messages across restarts.
type MessageLog interface {
	SaveMessage(ctx context.Context, rec MessageRecord) error
	UpdateMessageStatus(ctx context.Context, id string, status MessageStatus) error
	HasMessage(ctx context.Context, chat, id string) (bool, error)
}

// handleNode routes one inbound node. Responses to pending requests take
// priority over everything else.
func (c *Client) handleNode(conn *connection, n *protocol.Node) {
	c.metrics.FramesReceived.WithLabelValues(n.Tag).Inc()
	c.logger.Trace().Str("id", n.ID()).Str("tag", n.Tag).Msg("frame received")

	if c.corr.Resolve(n) {
		return
	}

	switch n.Tag {
	case protocol.TagMessage:
		c.handleMessage(conn, n)
	case protocol.TagReceipt:
		c.handleReceipt(conn, n)
	case protocol.TagPresence:
		c.handlePresence(n)
	case protocol.TagChatState:
		c.handleChatState(n)
	case protocol.TagNotification:
		c.handleNotification(conn, n)
	case protocol.TagIQ:
		c.handleIQ(conn, n)
	case protocol.TagStreamError:
		c.handleStreamError(conn, n)
	case protocol.TagAck:
		c.logger.Debug().Str("id", n.ID()).Msg("ack for unknown request")
	default:
		c.metrics.FramesDropped.WithLabelValues("unhandled").Inc()
		c.logger.Debug().Str("tag", n.Tag).Msg("unhandled node")
	}
}

// reply writes a response from the read loop; failures tear the connection
// down through write
func (c *Client) reply(conn *connection, n *protocol.Node) {
	if err := c.write(conn.ctx, conn, n); err != nil {
		c.logger.Debug().Err(err).Str("tag", n.Tag).Str("id", n.ID()).Msg("reply failed")
	}
}

// ===== MESSAGES =====

func (c *Client) handleMessage(conn *connection, n *protocol.Node) {
	id := n.ID()
	from := n.AttrString(protocol.AttrFrom)
	if id == "" || from == "" {
		c.metrics.FramesDropped.WithLabelValues("invalid").Inc()
		c.logger.Warn().Str("node", n.String()).Msg("message without id or sender")
		return
	}

	msg, err := parseIncomingMessage(n)
	if err != nil {
		c.metrics.FramesDropped.WithLabelValues("invalid").Inc()
		c.logger.Warn().Err(err).Str("id", id).Msg("dropping unreadable message")
		c.reply(conn, protocol.ReceiptNode(id, from, protocol.ReceiptDelivery))
		return
	}

	// The receipt goes out for duplicates too, so the server stops redelivering.
	duplicate := c.isDuplicate(conn.ctx, from, id)
	c.reply(conn, protocol.ReceiptNode(id, from, protocol.ReceiptDelivery))
	if duplicate {
		c.logger.Debug().Str("id", id).Str("jid", from).Msg("duplicate message dropped")
		return
	}

	if msg.PushName != "" {
		sender := from
		if msg.Participant != "" {
			sender = msg.Participant
		}
		c.directory.updateContact(sender, func(ct *Contact) { ct.PushName = msg.PushName })
	}
	c.logMessage(conn.ctx, MessageRecord{
		ID:          msg.ID,
		Chat:        msg.From,
		Sender:      msg.From,
		Participant: msg.Participant,
		Type:        msg.Type,
		Text:        msg.Text,
		MediaURL:    mediaURL(msg.Media),
		QuotedID:    msg.QuotedID,
		Status:      StatusReceived,
		Timestamp:   msg.Timestamp,
	})
	c.events.Emit(msg)
}

// isDuplicate records the message id and reports whether it was seen before,
// in memory or in the message log
func (c *Client) isDuplicate(ctx context.Context, from, id string) bool {
	if seen, _ := c.seen.ContainsOrAdd(from+"/"+id, struct{}{}); seen {
		return true
	}
	if c.opts.MessageLog == nil {
		return false
	}
	has, err := c.opts.MessageLog.HasMessage(ctx, from, id)
	if err != nil {
		c.logger.Warn().Err(err).Str("id", id).Msg("message log lookup failed")
		return false
	}
	return has
}

func parseIncomingMessage(n *protocol.Node) (IncomingMessage, error) {
	msg := IncomingMessage{
		ID:          n.ID(),
		From:        n.AttrString(protocol.AttrFrom),
		Participant: n.AttrString(protocol.AttrParticipant),
		PushName:    n.AttrString(protocol.AttrNotify),
		Timestamp:   unixTime(n),
		Type:        n.AttrString(protocol.AttrType),
	}
	if q, ok := n.Child(protocol.TagQuoted); ok {
		msg.QuotedID = q.ID()
	}

	for i := range n.Children {
		child := &n.Children[i]
		switch child.Tag {
		case protocol.TagBody:
			msg.Text = string(child.Content)
			if msg.Type == "" {
				msg.Type = protocol.ContentTypeText
			}
		case protocol.TagMedia:
			m, err := protocol.ParseMedia(child)
			if err != nil {
				return IncomingMessage{}, err
			}
			msg.Media = &m
			msg.Text = m.Caption
			if msg.Type == "" {
				msg.Type = protocol.ContentTypeMedia
			}
		case protocol.TagLocation:
			loc, err := protocol.ParseLocation(child)
			if err != nil {
				return IncomingMessage{}, err
			}
			msg.Location = &loc
			if msg.Type == "" {
				msg.Type = protocol.ContentTypeLocation
			}
		case protocol.TagContacts:
			msg.Contacts = protocol.ParseContacts(child)
			if msg.Type == "" {
				msg.Type = protocol.ContentTypeContact
			}
		}
	}
	if msg.Type == "" {
		return IncomingMessage{}, fmt.Errorf("%w: message %s has no content", protocol.ErrInvalidNode, msg.ID)
	}
	return msg, nil
}

func mediaURL(m *protocol.MediaInfo) string {
	if m == nil {
		return ""
	}
	return m.URL
}

func (c *Client) logMessage(ctx context.Context, rec MessageRecord) {
	if c.opts.MessageLog == nil {
		return
	}
	if err := c.opts.MessageLog.SaveMessage(ctx, rec); err != nil {
		c.logger.Warn().Err(err).Str("id", rec.ID).Msg("failed to log message")
	}
}

func (c *Client) logStatus(ctx context.Context, id string, status MessageStatus) {
	if c.opts.MessageLog == nil {
		return
	}
	if err := c.opts.MessageLog.UpdateMessageStatus(ctx, id, status); err != nil {
		c.logger.Warn().Err(err).Str("id", id).Str("status", string(status)).Msg("failed to update message status")
	}
}

// ===== RECEIPTS =====

func (c *Client) handleReceipt(conn *connection, n *protocol.Node) {
	id := n.ID()
	if id == "" {
		return
	}
	c.reply(conn, protocol.AckNode(id, protocol.ClassReceipt))

	r := DeliveryReceipt{
		ID:          id,
		From:        n.AttrString(protocol.AttrFrom),
		Participant: n.AttrString(protocol.AttrParticipant),
		Type:        n.AttrString(protocol.AttrType),
		Timestamp:   unixTime(n),
	}
	if r.Type == "" {
		r.Type = protocol.ReceiptDelivery
	}
	switch r.Type {
	case protocol.ReceiptRead, protocol.ReceiptPlayed:
		c.logStatus(conn.ctx, id, StatusRead)
	default:
		c.logStatus(conn.ctx, id, StatusDelivered)
	}
	c.events.Emit(r)
}

// ===== PRESENCE AND CHAT STATE =====

func (c *Client) handlePresence(n *protocol.Node) {
	from := n.AttrString(protocol.AttrFrom)
	if from == "" {
		return
	}
	u := PresenceUpdate{From: from, Type: n.AttrString(protocol.AttrType)}
	if last, ok := n.AttrInt(protocol.AttrLast); ok && last > 0 {
		u.LastSeen = time.Unix(last, 0)
	}
	contact := c.directory.updateContact(from, func(ct *Contact) {
		ct.Presence = u.Type
		if !u.LastSeen.IsZero() {
			ct.LastSeen = u.LastSeen
		}
	})
	c.persistContact(contact)
	c.events.Emit(u)
}

func (c *Client) handleChatState(n *protocol.Node) {
	from := n.AttrString(protocol.AttrFrom)
	state, err := protocol.ParseChatState(n)
	if err != nil || from == "" {
		c.metrics.FramesDropped.WithLabelValues("invalid").Inc()
		return
	}
	c.events.Emit(ChatStateUpdate{
		From:        from,
		Participant: n.AttrString(protocol.AttrParticipant),
		State:       ChatState(state),
	})
}

// ===== GROUP NOTIFICATIONS =====

func (c *Client) handleNotification(conn *connection, n *protocol.Node) {
	if id := n.ID(); id != "" {
		c.reply(conn, protocol.AckNode(id, protocol.ClassNotification))
	}
	if n.AttrString(protocol.AttrType) != protocol.NotificationGroup {
		c.logger.Debug().Str("type", n.AttrString(protocol.AttrType)).Msg("ignoring notification")
		return
	}

	group := n.AttrString(protocol.AttrFrom)
	for i := range n.Children {
		child := &n.Children[i]
		u := GroupUpdate{
			Group:     group,
			Action:    child.Tag,
			Actor:     n.AttrString(protocol.AttrParticipant),
			Timestamp: unixTime(n),
		}
		switch child.Tag {
		case protocol.TagCreate:
			g, ok := child.Child(protocol.TagGroup)
			if !ok {
				continue
			}
			info := parseGroup(g)
			u.Group = info.ID
			u.Subject = info.Subject
			for _, p := range info.Participants {
				u.Participants = append(u.Participants, p.JID)
			}
			c.directory.PutGroup(info)
			c.persistGroup(info.ID, info, true)
		case protocol.TagAdd, protocol.TagRemove, protocol.TagLeave:
			u.Participants = protocol.ParticipantJIDs(child)
			info, ok := c.directory.applyGroupUpdate(u, c.selfJID())
			c.persistGroup(u.Group, info, ok)
		case protocol.TagSubject:
			u.Subject = string(child.Content)
			info, ok := c.directory.applyGroupUpdate(u, c.selfJID())
			c.persistGroup(u.Group, info, ok)
		default:
			continue
		}
		c.events.Emit(u)
	}
}

func (c *Client) persistContact(ct Contact) {
	if c.opts.Store == nil {
		return
	}
	if err := c.opts.Store.SaveContact(context.Background(), ct); err != nil {
		c.logger.Warn().Err(err).Str("jid", ct.JID).Msg("failed to store contact")
	}
}

// persistGroup stores the snapshot, or deletes the group when it is gone
func (c *Client) persistGroup(id string, g GroupInfo, exists bool) {
	if c.opts.Store == nil || id == "" {
		return
	}
	var err error
	if exists {
		err = c.opts.Store.SaveGroup(context.Background(), g)
	} else {
		err = c.opts.Store.DeleteGroup(context.Background(), id)
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("group", id).Msg("failed to store group")
	}
}

// ===== STREAM CONTROL =====

func (c *Client) handleIQ(conn *connection, n *protocol.Node) {
	if n.AttrString(protocol.AttrType) == protocol.IQGet && n.AttrString(protocol.AttrXMLNS) == protocol.NamespacePing {
		c.reply(conn, protocol.IQNode(n.ID(), protocol.IQResult, protocol.NamespacePing, ""))
		return
	}
	c.logger.Debug().Str("node", n.String()).Msg("unsolicited iq")
}

func (c *Client) handleStreamError(conn *connection, n *protocol.Node) {
	code := n.AttrString(protocol.AttrCode)
	text := n.AttrString(protocol.AttrText)
	c.logger.Warn().Str("code", code).Str("text", text).Msg("stream error")

	var cause error
	if code == CodeSessionExpired {
		cause = fmt.Errorf("%w: %s", ErrSessionExpired, text)
	} else {
		cause = fmt.Errorf("%w: %s %s", ErrStreamError, code, text)
	}
	c.connectionLost(conn, cause)
}
