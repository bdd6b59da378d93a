package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ZentaChain/pocksup/pkg/protocol"
)

// Credentials identify a registered device
type Credentials struct {
	Phone        string
	DeviceID     string
	Secret       []byte // client secret issued at registration
	PushName     string
	RegisteredAt time.Time
}

// Validate checks that the credentials are usable for a handshake
func (c Credentials) Validate() error {
	if err := protocol.ValidatePhone(c.Phone); err != nil {
		return err
	}
	if c.DeviceID == "" {
		return fmt.Errorf("%w: empty device id", ErrBadParam)
	}
	if len(c.Secret) == 0 {
		return fmt.Errorf("%w: empty client secret", ErrBadParam)
	}
	return nil
}

// CredentialStore persists the credentials of the local device.
// LoadCredentials returns ErrNoCredentials when nothing is stored.
type CredentialStore interface {
	LoadCredentials(ctx context.Context) (Credentials, error)
	SaveCredentials(ctx context.Context, creds Credentials) error
}

// MemoryCredentials keeps credentials in memory
type MemoryCredentials struct {
	mu    sync.RWMutex
	creds *Credentials
}

// NewMemoryCredentials creates a store, optionally pre-filled
func NewMemoryCredentials(initial ...Credentials) *MemoryCredentials {
	m := &MemoryCredentials{}
	if len(initial) > 0 {
		c := initial[0]
		m.creds = &c
	}
	return m
}

func (m *MemoryCredentials) LoadCredentials(ctx context.Context) (Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.creds == nil {
		return Credentials{}, ErrNoCredentials
	}
	c := *m.creds
	c.Secret = append([]byte(nil), m.creds.Secret...)
	return c, nil
}

func (m *MemoryCredentials) SaveCredentials(ctx context.Context, creds Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := creds
	c.Secret = append([]byte(nil), creds.Secret...)
	m.creds = &c
	return nil
}
