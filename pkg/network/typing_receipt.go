package network

import (
	"context"
	"fmt"

	"github.com/ZentaChain/pocksup/pkg/protocol"
)

// Presence is the local user's availability
type Presence string

const (
	PresenceAvailable   Presence = protocol.PresenceAvailable
	PresenceUnavailable Presence = protocol.PresenceUnavailable
)

// ChatState is a typing indicator
type ChatState string

const (
	ChatStateComposing ChatState = protocol.ChatStateComposing
	ChatStateRecording ChatState = protocol.ChatStateRecording
	ChatStatePaused    ChatState = protocol.ChatStatePaused
)

// SetPresence announces availability to the server and subscribed contacts
func (c *Client) SetPresence(ctx context.Context, p Presence) error {
	if !protocol.ValidPresence(string(p)) {
		return fmt.Errorf("%w: unknown presence %q", ErrBadParam, p)
	}
	n := protocol.PresenceNode(c.corr.NextID(), string(p), c.pushName(ctx))
	_, err := c.request(ctx, n, protocol.MatchAck(protocol.ClassPresence))
	return err
}

// SetChatState tells a contact or group that the local user is typing,
// recording or has paused
func (c *Client) SetChatState(ctx context.Context, jid string, state ChatState) error {
	to, err := recipient(jid)
	if err != nil {
		return err
	}
	n, err := protocol.ChatStateNode(c.corr.NextID(), to, string(state))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadParam, err)
	}
	_, err = c.request(ctx, n, protocol.MatchAck(protocol.ClassChatState))
	return err
}

// MarkRead sends a read receipt for a received message
func (c *Client) MarkRead(ctx context.Context, from, messageID string) error {
	to, err := recipient(from)
	if err != nil {
		return err
	}
	if messageID == "" {
		return fmt.Errorf("%w: empty message id", ErrBadParam)
	}
	n := protocol.ReceiptNode(messageID, to, protocol.ReceiptRead)
	_, err = c.request(ctx, n, protocol.MatchAck(protocol.ClassReceipt))
	return err
}

// pushName is the display name sent with presence
func (c *Client) pushName(ctx context.Context) string {
	if c.opts.PushName != "" {
		return c.opts.PushName
	}
	creds, err := c.opts.Credentials.LoadCredentials(ctx)
	if err != nil {
		return ""
	}
	return creds.PushName
}
