// Package storage persists client state in SQLite: credentials, the message
// log, contacts, groups and chat summaries. It also holds the offline queue
// of the reference server.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("not found")

// DB is the client database. It implements network.CredentialStore,
// network.MessageLog and network.DirectoryStore.
type DB struct {
	db *sql.DB
}

// Open opens or creates the database at path
func Open(path string) (*DB, error) {
	// foreign_keys is per connection, so it goes in the DSN
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	d := &DB{db: db}
	if err := d.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// initSchema creates database tables
func (d *DB) initSchema(ctx context.Context) error {
	schema := `
	-- Registered device, at most one row
	CREATE TABLE IF NOT EXISTS credentials (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		phone TEXT NOT NULL,
		device_id TEXT NOT NULL,
		secret BLOB NOT NULL,
		push_name TEXT NOT NULL DEFAULT '',
		registered_at INTEGER NOT NULL
	);

	-- Message log
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat TEXT NOT NULL,
		message_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		participant TEXT NOT NULL DEFAULT '',
		is_outgoing INTEGER NOT NULL,
		type TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		media_url TEXT NOT NULL DEFAULT '',
		quoted_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		UNIQUE (chat, message_id)
	);

	-- Contacts table
	CREATE TABLE IF NOT EXISTS contacts (
		jid TEXT PRIMARY KEY,
		push_name TEXT NOT NULL DEFAULT '',
		presence TEXT NOT NULL DEFAULT '',
		last_seen INTEGER NOT NULL DEFAULT 0
	);

	-- Groups and their members
	CREATE TABLE IF NOT EXISTS groups (
		jid TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		creator TEXT NOT NULL DEFAULT '',
		created INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS group_participants (
		group_jid TEXT NOT NULL REFERENCES groups(jid) ON DELETE CASCADE,
		jid TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (group_jid, jid)
	);

	-- Conversations table
	CREATE TABLE IF NOT EXISTS conversations (
		chat TEXT PRIMARY KEY,
		last_message_id TEXT NOT NULL,
		last_message TEXT NOT NULL DEFAULT '',
		last_timestamp INTEGER NOT NULL,
		unread_count INTEGER NOT NULL DEFAULT 0
	);

	-- Indexes for performance
	CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages(message_id);
	CREATE INDEX IF NOT EXISTS idx_conversations_last_timestamp ON conversations(last_timestamp DESC);
	`

	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}
