package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ZentaChain/pocksup/pkg/network"
)

// ===== CONTACT OPERATIONS =====

// SaveContact adds or updates a contact
func (d *DB) SaveContact(ctx context.Context, c network.Contact) error {
	query := `
		INSERT INTO contacts (jid, push_name, presence, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			push_name = excluded.push_name,
			presence = excluded.presence,
			last_seen = excluded.last_seen
	`
	_, err := d.db.ExecContext(ctx, query, c.JID, c.PushName, c.Presence, toUnix(c.LastSeen))
	return err
}

// GetContact retrieves a contact by JID
func (d *DB) GetContact(ctx context.Context, jid string) (network.Contact, error) {
	query := `SELECT jid, push_name, presence, last_seen FROM contacts WHERE jid = ?`

	var (
		c        network.Contact
		lastSeen int64
	)
	err := d.db.QueryRowContext(ctx, query, jid).Scan(&c.JID, &c.PushName, &c.Presence, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return network.Contact{}, ErrNotFound
	}
	if err != nil {
		return network.Contact{}, err
	}
	c.LastSeen = fromUnix(lastSeen)
	return c, nil
}

// Contacts retrieves all contacts
func (d *DB) Contacts(ctx context.Context) ([]network.Contact, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT jid, push_name, presence, last_seen FROM contacts ORDER BY jid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []network.Contact
	for rows.Next() {
		var (
			c        network.Contact
			lastSeen int64
		)
		if err := rows.Scan(&c.JID, &c.PushName, &c.Presence, &lastSeen); err != nil {
			return nil, err
		}
		c.LastSeen = fromUnix(lastSeen)
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// ===== GROUP OPERATIONS =====

// SaveGroup replaces the stored snapshot of a group
func (d *DB) SaveGroup(ctx context.Context, g network.GroupInfo) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO groups (jid, subject, creator, created)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			subject = excluded.subject,
			creator = excluded.creator,
			created = excluded.created
	`
	if _, err := tx.ExecContext(ctx, query, g.ID, g.Subject, g.Creator, toUnix(g.Created)); err != nil {
		return fmt.Errorf("failed to save group: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM group_participants WHERE group_jid = ?`, g.ID); err != nil {
		return err
	}
	for _, p := range g.Participants {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO group_participants (group_jid, jid, role) VALUES (?, ?, ?)`, g.ID, p.JID, p.Role)
		if err != nil {
			return fmt.Errorf("failed to save participant %s: %w", p.JID, err)
		}
	}
	return tx.Commit()
}

// DeleteGroup removes a group and its members
func (d *DB) DeleteGroup(ctx context.Context, jid string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM groups WHERE jid = ?`, jid)
	return err
}

// Groups retrieves every stored group with its members
func (d *DB) Groups(ctx context.Context) ([]network.GroupInfo, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT jid, subject, creator, created FROM groups ORDER BY jid ASC`)
	if err != nil {
		return nil, err
	}

	var groups []network.GroupInfo
	index := make(map[string]int)
	for rows.Next() {
		var (
			g       network.GroupInfo
			created int64
		)
		if err := rows.Scan(&g.ID, &g.Subject, &g.Creator, &created); err != nil {
			rows.Close()
			return nil, err
		}
		g.Created = fromUnix(created)
		index[g.ID] = len(groups)
		groups = append(groups, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	prows, err := d.db.QueryContext(ctx,
		`SELECT group_jid, jid, role FROM group_participants ORDER BY group_jid, jid`)
	if err != nil {
		return nil, err
	}
	defer prows.Close()
	for prows.Next() {
		var gid string
		var p network.Participant
		if err := prows.Scan(&gid, &p.JID, &p.Role); err != nil {
			return nil, err
		}
		if i, ok := index[gid]; ok {
			groups[i].Participants = append(groups[i].Participants, p)
		}
	}
	return groups, prows.Err()
}

// LoadDirectory fills dir with the stored contacts and groups
func (d *DB) LoadDirectory(ctx context.Context, dir *network.Directory) error {
	contacts, err := d.Contacts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load contacts: %w", err)
	}
	for _, c := range contacts {
		dir.PutContact(c)
	}
	groups, err := d.Groups(ctx)
	if err != nil {
		return fmt.Errorf("failed to load groups: %w", err)
	}
	for _, g := range groups {
		dir.PutGroup(g)
	}
	return nil
}
