package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/ZentaChain/pocksup/pkg/network"
)

// Conversation summarizes one chat
type Conversation struct {
	Chat          string    `json:"chat"`
	LastMessageID string    `json:"lastMessageId"`
	LastMessage   string    `json:"lastMessage"`
	LastTimestamp time.Time `json:"lastTimestamp"`
	UnreadCount   int       `json:"unreadCount"`
}

// ===== CONVERSATION OPERATIONS =====

// updateConversation moves the chat summary to rec when rec is newer
func updateConversation(ctx context.Context, tx *sql.Tx, rec network.MessageRecord) error {
	unread := 0
	if !rec.Outgoing {
		unread = 1
	}
	query := `
		INSERT INTO conversations (chat, last_message_id, last_message, last_timestamp, unread_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat) DO UPDATE SET
			last_message_id = CASE WHEN excluded.last_timestamp >= last_timestamp
				THEN excluded.last_message_id ELSE last_message_id END,
			last_message = CASE WHEN excluded.last_timestamp >= last_timestamp
				THEN excluded.last_message ELSE last_message END,
			last_timestamp = MAX(last_timestamp, excluded.last_timestamp),
			unread_count = unread_count + excluded.unread_count
	`
	_, err := tx.ExecContext(ctx, query, rec.Chat, rec.ID, preview(rec), toUnix(rec.Timestamp), unread)
	return err
}

// Conversations lists chats, most recent first
func (d *DB) Conversations(ctx context.Context) ([]Conversation, error) {
	query := `
		SELECT chat, last_message_id, last_message, last_timestamp, unread_count
		FROM conversations
		ORDER BY last_timestamp DESC
	`
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var (
			c  Conversation
			ts int64
		)
		if err := rows.Scan(&c.Chat, &c.LastMessageID, &c.LastMessage, &ts, &c.UnreadCount); err != nil {
			return nil, err
		}
		c.LastTimestamp = fromUnix(ts)
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkConversationRead clears the unread counter of a chat
func (d *DB) MarkConversationRead(ctx context.Context, chat string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE conversations SET unread_count = 0 WHERE chat = ?`, chat)
	return err
}
