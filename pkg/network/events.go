package network

import (
	"time"

	"github.com/ZentaChain/pocksup/pkg/protocol"
)

// EventKind selects which events a handler receives
type EventKind int

const (
	KindAll EventKind = iota
	KindMessage
	KindReceipt
	KindPresence
	KindChatState
	KindGroupUpdate
	KindConnectionState
)

func (k EventKind) String() string {
	switch k {
	case KindAll:
		return "all"
	case KindMessage:
		return "message"
	case KindReceipt:
		return "receipt"
	case KindPresence:
		return "presence"
	case KindChatState:
		return "chatstate"
	case KindGroupUpdate:
		return "group"
	case KindConnectionState:
		return "connection"
	}
	return "unknown"
}

// Event is one typed notification from the session. Events are values and
// are never modified after emission.
type Event interface {
	Kind() EventKind
}

// IncomingMessage is a message received from a contact or a group
type IncomingMessage struct {
	ID          string
	From        string // sender, or the group for group messages
	Participant string // sending member of a group message
	PushName    string
	Timestamp   time.Time
	Type        string // text, media, location, contact
	Text        string
	Media       *protocol.MediaInfo
	Location    *protocol.Location
	Contacts    []protocol.ContactCard
	QuotedID    string
}

func (IncomingMessage) Kind() EventKind { return KindMessage }

// IsGroup reports whether the message was sent to a group
func (m IncomingMessage) IsGroup() bool {
	return protocol.IsGroupJID(m.From)
}

// DeliveryReceipt reports that a sent message was delivered or read
type DeliveryReceipt struct {
	ID          string
	From        string
	Participant string
	Type        string // delivery, read, played
	Timestamp   time.Time
}

func (DeliveryReceipt) Kind() EventKind { return KindReceipt }

// PresenceUpdate is a contact's availability
type PresenceUpdate struct {
	From     string
	Type     string // available, unavailable
	LastSeen time.Time
}

func (PresenceUpdate) Kind() EventKind { return KindPresence }

// ChatStateUpdate is a contact's typing state
type ChatStateUpdate struct {
	From        string
	Participant string
	State       ChatState
}

func (ChatStateUpdate) Kind() EventKind { return KindChatState }

// GroupUpdate reports a change to a group the local user belongs to
type GroupUpdate struct {
	Group        string
	Action       string // create, add, remove, leave, subject
	Participants []string
	Subject      string
	Actor        string
	Timestamp    time.Time
}

func (GroupUpdate) Kind() EventKind { return KindGroupUpdate }

// ConnectionStateChanged is emitted on every state transition
type ConnectionStateChanged struct {
	From   State
	To     State
	Reason string
}

func (ConnectionStateChanged) Kind() EventKind { return KindConnectionState }

func unixTime(n *protocol.Node) time.Time {
	if t, ok := n.AttrInt(protocol.AttrTime); ok && t > 0 {
		return time.Unix(t, 0)
	}
	return time.Now()
}
