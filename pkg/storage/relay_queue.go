package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/ZentaChain/pocksup/pkg/logging"
)

// DefaultQueueTTL bounds how long a frame waits for an offline recipient
const DefaultQueueTTL = 30 * 24 * time.Hour

// QueuedMessage is a frame waiting for delivery. Kind and MessageID
// identify it per recipient: a message, a receipt and a notification may
// share an id.
type QueuedMessage struct {
	Recipient string
	Kind      string
	MessageID string
	Payload   []byte // encoded node
	Timestamp time.Time
	ExpiresAt time.Time
	Attempts  int
}

// OfflineQueue holds frames for recipients until they acknowledge them.
// Enqueueing a frame that is already queued is a no-op.
type OfflineQueue interface {
	Enqueue(ctx context.Context, m QueuedMessage) error
	Pending(ctx context.Context, recipient string) ([]QueuedMessage, error)
	Remove(ctx context.Context, recipient, kind, messageID string) (bool, error)
	IncrementAttempts(ctx context.Context, recipient, kind, messageID string) error
	Len(ctx context.Context) (int, error)
	Close() error
}

// QueueStats describes the queue contents
type QueueStats struct {
	Total       int            `json:"total_messages"`
	ByRecipient map[string]int `json:"by_recipient"`
}

// ===== SQLITE QUEUE =====

// MessageQueue is an OfflineQueue backed by SQLite
type MessageQueue struct {
	db     *sql.DB
	ttl    time.Duration
	logger zerolog.Logger
}

// NewMessageQueue opens the queue database. ttl 0 means DefaultQueueTTL.
func NewMessageQueue(dbPath string, ttl time.Duration) (*MessageQueue, error) {
	if ttl == 0 {
		ttl = DefaultQueueTTL
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	q := &MessageQueue{
		db:     db,
		ttl:    ttl,
		logger: logging.Component("queue"),
	}
	if err := q.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *MessageQueue) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS queued_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		recipient TEXT NOT NULL,
		kind TEXT NOT NULL,
		message_id TEXT NOT NULL,
		payload BLOB NOT NULL,
		timestamp INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		UNIQUE (recipient, kind, message_id)
	);

	-- Index for fast lookup by recipient
	CREATE INDEX IF NOT EXISTS idx_recipient ON queued_messages(recipient, id);

	-- Index for expiration cleanup
	CREATE INDEX IF NOT EXISTS idx_expires ON queued_messages(expires_at);
	`
	if _, err := q.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Enqueue adds a frame for an offline recipient
func (q *MessageQueue) Enqueue(ctx context.Context, m QueuedMessage) error {
	now := time.Now()
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	if m.ExpiresAt.IsZero() {
		m.ExpiresAt = now.Add(q.ttl)
	}

	query := `
		INSERT INTO queued_messages (recipient, kind, message_id, payload, timestamp, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(recipient, kind, message_id) DO NOTHING
	`
	_, err := q.db.ExecContext(ctx, query,
		m.Recipient, m.Kind, m.MessageID, m.Payload, m.Timestamp.UnixNano(), m.ExpiresAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to queue message: %w", err)
	}

	q.logger.Debug().
		Str("recipient", m.Recipient).
		Str("kind", m.Kind).
		Str("id", m.MessageID).
		Msg("queued for offline recipient")
	return nil
}

// Pending returns the unexpired frames of a recipient in queue order
func (q *MessageQueue) Pending(ctx context.Context, recipient string) ([]QueuedMessage, error) {
	query := `
		SELECT recipient, kind, message_id, payload, timestamp, expires_at, attempts
		FROM queued_messages
		WHERE recipient = ? AND expires_at > ?
		ORDER BY id ASC
	`
	rows, err := q.db.QueryContext(ctx, query, recipient, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to get queued messages: %w", err)
	}
	defer rows.Close()

	var out []QueuedMessage
	for rows.Next() {
		var (
			m           QueuedMessage
			ts, expires int64
		)
		if err := rows.Scan(&m.Recipient, &m.Kind, &m.MessageID, &m.Payload, &ts, &expires, &m.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Timestamp = time.Unix(0, ts)
		m.ExpiresAt = time.Unix(0, expires)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Remove deletes a frame after the recipient acknowledged it
func (q *MessageQueue) Remove(ctx context.Context, recipient, kind, messageID string) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM queued_messages WHERE recipient = ? AND kind = ? AND message_id = ?`,
		recipient, kind, messageID)
	if err != nil {
		return false, fmt.Errorf("failed to delete message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RemoveRecipient deletes all frames queued for a recipient
func (q *MessageQueue) RemoveRecipient(ctx context.Context, recipient string) (int, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM queued_messages WHERE recipient = ?`, recipient)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// IncrementAttempts increments the delivery attempt counter
func (q *MessageQueue) IncrementAttempts(ctx context.Context, recipient, kind, messageID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE queued_messages SET attempts = attempts + 1 WHERE recipient = ? AND kind = ? AND message_id = ?`,
		recipient, kind, messageID)
	return err
}

// Len returns the number of unexpired frames
func (q *MessageQueue) Len(ctx context.Context) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queued_messages WHERE expires_at > ?`, time.Now().UnixNano()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get queue size: %w", err)
	}
	return count, nil
}

// Stats returns queue totals per recipient
func (q *MessageQueue) Stats(ctx context.Context) (QueueStats, error) {
	query := `
		SELECT recipient, COUNT(*)
		FROM queued_messages
		WHERE expires_at > ?
		GROUP BY recipient
	`
	rows, err := q.db.QueryContext(ctx, query, time.Now().UnixNano())
	if err != nil {
		return QueueStats{}, err
	}
	defer rows.Close()

	stats := QueueStats{ByRecipient: make(map[string]int)}
	for rows.Next() {
		var (
			recipient string
			count     int
		)
		if err := rows.Scan(&recipient, &count); err != nil {
			return QueueStats{}, err
		}
		stats.ByRecipient[recipient] = count
		stats.Total += count
	}
	return stats, rows.Err()
}

// Cleanup removes expired frames and returns how many were dropped
func (q *MessageQueue) Cleanup(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM queued_messages WHERE expires_at <= ?`, time.Now().UnixNano())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RunCleanup periodically removes expired frames until ctx ends
func (q *MessageQueue) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := q.Cleanup(ctx)
			if err != nil {
				q.logger.Warn().Err(err).Msg("failed to clean up expired messages")
				continue
			}
			if count > 0 {
				q.logger.Info().Int("count", count).Msg("expired queued messages removed")
			}
		}
	}
}

// Close closes the database connection
func (q *MessageQueue) Close() error {
	return q.db.Close()
}

// ===== MEMORY QUEUE =====

type queueKey struct {
	kind, id string
}

// MemoryQueue is an OfflineQueue kept in memory
type MemoryQueue struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string][]QueuedMessage
}

// NewMemoryQueue creates an in-memory queue. ttl 0 means DefaultQueueTTL.
func NewMemoryQueue(ttl time.Duration) *MemoryQueue {
	if ttl == 0 {
		ttl = DefaultQueueTTL
	}
	return &MemoryQueue{ttl: ttl, items: make(map[string][]QueuedMessage)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, m QueuedMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := queueKey{m.Kind, m.MessageID}
	for _, existing := range q.items[m.Recipient] {
		if (queueKey{existing.Kind, existing.MessageID}) == key {
			return nil
		}
	}
	now := time.Now()
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	if m.ExpiresAt.IsZero() {
		m.ExpiresAt = now.Add(q.ttl)
	}
	m.Payload = append([]byte(nil), m.Payload...)
	q.items[m.Recipient] = append(q.items[m.Recipient], m)
	return nil
}

func (q *MemoryQueue) Pending(_ context.Context, recipient string) ([]QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var out []QueuedMessage
	for _, m := range q.items[recipient] {
		if m.ExpiresAt.After(now) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (q *MemoryQueue) Remove(_ context.Context, recipient, kind, messageID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.items[recipient]
	for i, m := range list {
		if m.Kind == kind && m.MessageID == messageID {
			list = append(list[:i:i], list[i+1:]...)
			if len(list) == 0 {
				delete(q.items, recipient)
			} else {
				q.items[recipient] = list
			}
			return true, nil
		}
	}
	return false, nil
}

func (q *MemoryQueue) IncrementAttempts(_ context.Context, recipient, kind, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.items[recipient]
	for i := range list {
		if list[i].Kind == kind && list[i].MessageID == messageID {
			list[i].Attempts++
		}
	}
	return nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	n := 0
	for _, list := range q.items {
		for _, m := range list {
			if m.ExpiresAt.After(now) {
				n++
			}
		}
	}
	return n, nil
}

func (q *MemoryQueue) Close() error {
	return nil
}

var (
	_ OfflineQueue = (*MessageQueue)(nil)
	_ OfflineQueue = (*MemoryQueue)(nil)
)
