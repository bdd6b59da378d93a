package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ZentaChain/pocksup/pkg/network"
)

// ===== MESSAGE OPERATIONS =====

const messageColumns = `chat, message_id, sender, participant, is_outgoing, type,
	text, media_url, quoted_id, status, timestamp`

// SaveMessage stores a message. Saving the same chat and id again updates
// its status.
func (d *DB) SaveMessage(ctx context.Context, rec network.MessageRecord) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO messages (` + messageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat, message_id) DO NOTHING
	`
	res, err := tx.ExecContext(ctx, query,
		rec.Chat,
		rec.ID,
		rec.Sender,
		rec.Participant,
		boolToInt(rec.Outgoing),
		rec.Type,
		rec.Text,
		rec.MediaURL,
		rec.QuotedID,
		string(rec.Status),
		toUnix(rec.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE messages SET status = ? WHERE chat = ? AND message_id = ?`,
			string(rec.Status), rec.Chat, rec.ID)
	} else {
		err = updateConversation(ctx, tx, rec)
	}
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	return tx.Commit()
}

// UpdateMessageStatus updates the delivery status of an outgoing message.
// Statuses never move backwards: a read message stays read.
func (d *DB) UpdateMessageStatus(ctx context.Context, id string, status network.MessageStatus) error {
	query := `UPDATE messages SET status = ? WHERE message_id = ? AND is_outgoing = 1`
	if status != network.StatusRead {
		query += ` AND status != 'read'`
	}
	_, err := d.db.ExecContext(ctx, query, string(status), id)
	return err
}

// HasMessage reports whether a message from chat with the given id is logged
func (d *DB) HasMessage(ctx context.Context, chat, id string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE chat = ? AND message_id = ?`, chat, id).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetMessage retrieves one message
func (d *DB) GetMessage(ctx context.Context, chat, id string) (network.MessageRecord, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE chat = ? AND message_id = ?`
	rec, err := scanMessage(d.db.QueryRowContext(ctx, query, chat, id))
	if errors.Is(err, sql.ErrNoRows) {
		return network.MessageRecord{}, ErrNotFound
	}
	return rec, err
}

// ChatMessages returns messages of one chat, newest first
func (d *DB) ChatMessages(ctx context.Context, chat string, limit, offset int) ([]network.MessageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE chat = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`
	rows, err := d.db.QueryContext(ctx, query, chat, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []network.MessageRecord
	for rows.Next() {
		rec, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteMessage deletes a message
func (d *DB) DeleteMessage(ctx context.Context, chat, id string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM messages WHERE chat = ? AND message_id = ?`, chat, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (network.MessageRecord, error) {
	var (
		rec       network.MessageRecord
		outgoing  int
		status    string
		timestamp int64
	)
	err := row.Scan(
		&rec.Chat,
		&rec.ID,
		&rec.Sender,
		&rec.Participant,
		&outgoing,
		&rec.Type,
		&rec.Text,
		&rec.MediaURL,
		&rec.QuotedID,
		&status,
		&timestamp,
	)
	if err != nil {
		return network.MessageRecord{}, err
	}
	rec.Outgoing = intToBool(outgoing)
	rec.Status = network.MessageStatus(status)
	rec.Timestamp = fromUnix(timestamp)
	return rec, nil
}
