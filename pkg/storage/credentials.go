package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ZentaChain/pocksup/pkg/network"
)

// ===== CREDENTIALS =====

// LoadCredentials returns the registered device or network.ErrNoCredentials
func (d *DB) LoadCredentials(ctx context.Context) (network.Credentials, error) {
	query := `SELECT phone, device_id, secret, push_name, registered_at FROM credentials WHERE id = 1`

	var (
		c            network.Credentials
		registeredAt int64
	)
	err := d.db.QueryRowContext(ctx, query).Scan(&c.Phone, &c.DeviceID, &c.Secret, &c.PushName, &registeredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return network.Credentials{}, network.ErrNoCredentials
	}
	if err != nil {
		return network.Credentials{}, fmt.Errorf("failed to load credentials: %w", err)
	}
	c.RegisteredAt = fromUnix(registeredAt)
	return c, nil
}

// SaveCredentials replaces the registered device
func (d *DB) SaveCredentials(ctx context.Context, c network.Credentials) error {
	query := `
		INSERT INTO credentials (id, phone, device_id, secret, push_name, registered_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phone = excluded.phone,
			device_id = excluded.device_id,
			secret = excluded.secret,
			push_name = excluded.push_name,
			registered_at = excluded.registered_at
	`
	_, err := d.db.ExecContext(ctx, query, c.Phone, c.DeviceID, c.Secret, c.PushName, toUnix(c.RegisteredAt))
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

// DeleteCredentials forgets the registered device
func (d *DB) DeleteCredentials(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM credentials`)
	return err
}
