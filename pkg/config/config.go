// Package config loads client settings from a TOML file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ZentaChain/pocksup/pkg/crypto"
	"github.com/ZentaChain/pocksup/pkg/logging"
	"github.com/ZentaChain/pocksup/pkg/network"
	"github.com/ZentaChain/pocksup/pkg/protocol"
	"github.com/ZentaChain/pocksup/pkg/transport"
)

const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration written as "15s" in TOML
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the client configuration file
type Config struct {
	Server          string `toml:"server"`
	Transport       string `toml:"transport"`
	Suite           string `toml:"suite"`
	Phone           string `toml:"phone"`
	PushName        string `toml:"push_name"`
	DatabasePath    string `toml:"database_path"`
	RegistrationURL string `toml:"registration_url"`

	AutoReconnect        bool     `toml:"auto_reconnect"`
	MaxReconnectAttempts int      `toml:"max_retries"`
	ReconnectDelay       Duration `toml:"reconnect_delay"`
	MaxReconnectDelay    Duration `toml:"max_reconnect_delay"`
	HeartbeatInterval    Duration `toml:"heartbeat_interval"`
	RequestTimeout       Duration `toml:"request_timeout"`
	ConnectTimeout       Duration `toml:"connect_timeout"`
	HandshakeTimeout     Duration `toml:"handshake_timeout"`

	EnableCompression bool    `toml:"enable_compression"`
	MessagesPerSecond float64 `toml:"messages_per_second"`
	MaxFrameBytes     uint32  `toml:"max_frame_bytes"`

	API API `toml:"api"`
	Log Log `toml:"log"`
}

type API struct {
	Listen     string `toml:"listen"`
	EnableCORS bool   `toml:"enable_cors"`
	RateLimit  int    `toml:"rate_limit"` // requests per minute
}

type Log struct {
	Level string `toml:"level"`
}

// Default returns the configuration used for keys a file leaves out
func Default() Config {
	return Config{
		Transport:            TransportTCP,
		Suite:                crypto.DefaultSuiteName,
		DatabasePath:         "pocksup.db",
		AutoReconnect:        true,
		MaxReconnectAttempts: network.DefaultMaxReconnectAttempts,
		ReconnectDelay:       Duration{5 * time.Second},
		MaxReconnectDelay:    Duration{30 * time.Second},
		HeartbeatInterval:    Duration{network.DefaultHeartbeatInterval},
		RequestTimeout:       Duration{network.DefaultRequestTimeout},
		ConnectTimeout:       Duration{network.DefaultConnectTimeout},
		HandshakeTimeout:     Duration{network.DefaultHandshakeTimeout},
		MaxFrameBytes:        transport.DefaultLimits().MaxFrameBytes,
		API: API{
			Listen:     ":8080",
			EnableCORS: true,
			RateLimit:  600,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path over the defaults and validates the result
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("%w: unknown keys %s", ErrInvalidConfig, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first missing or invalid setting
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server) == "" {
		return fmt.Errorf("%w: server is required", ErrInvalidConfig)
	}
	switch c.Transport {
	case TransportTCP:
		if _, _, err := transport.ResolveAddress(c.Server); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	case TransportWebSocket:
		if !strings.HasPrefix(c.Server, "ws://") && !strings.HasPrefix(c.Server, "wss://") {
			return fmt.Errorf("%w: websocket server must be a ws:// or wss:// url", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Transport)
	}
	if _, err := crypto.DefaultSuites().Lookup(c.Suite); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Phone != "" {
		if err := protocol.ValidatePhone(protocol.NormalizePhone(c.Phone)); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", ErrInvalidConfig)
	}
	if c.ReconnectDelay.Duration < 0 || c.MaxReconnectDelay.Duration < c.ReconnectDelay.Duration {
		return fmt.Errorf("%w: reconnect_delay must be between 0 and max_reconnect_delay", ErrInvalidConfig)
	}
	for name, d := range map[string]Duration{
		"heartbeat_interval": c.HeartbeatInterval,
		"connect_timeout":    c.ConnectTimeout,
		"handshake_timeout":  c.HandshakeTimeout,
	} {
		if d.Duration < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, name)
		}
	}
	if c.MessagesPerSecond < 0 {
		return fmt.Errorf("%w: messages_per_second must not be negative", ErrInvalidConfig)
	}
	if c.MaxFrameBytes == 0 {
		return fmt.Errorf("%w: max_frame_bytes must be positive", ErrInvalidConfig)
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Log.Level)
	}
	return nil
}

// Dialer returns the transport for Server
func (c Config) Dialer() transport.Dialer {
	limits := transport.Limits{MaxFrameBytes: c.MaxFrameBytes}
	if c.Transport == TransportWebSocket {
		return transport.WebSocketDialer{
			URL:              c.Server,
			Limits:           limits,
			HandshakeTimeout: c.ConnectTimeout.Duration,
		}
	}
	return transport.TCPDialer{
		Address: c.Server,
		Limits:  limits,
		Timeout: c.ConnectTimeout.Duration,
	}
}

// ClientOptions converts the file settings to client options. Credentials,
// MessageLog and Store are left for the caller.
func (c Config) ClientOptions() network.Options {
	opts := network.DefaultOptions()
	opts.Dialer = c.Dialer()
	opts.Suite = c.Suite
	opts.PushName = c.PushName
	opts.EnableCompression = c.EnableCompression
	opts.MessagesPerSecond = c.MessagesPerSecond
	opts.AutoReconnect = c.AutoReconnect
	opts.HeartbeatInterval = c.HeartbeatInterval.Duration
	opts.RequestTimeout = c.RequestTimeout.Duration
	opts.ConnectTimeout = c.ConnectTimeout.Duration
	opts.HandshakeTimeout = c.HandshakeTimeout.Duration
	if c.MaxReconnectAttempts > 0 {
		opts.MaxReconnectAttempts = c.MaxReconnectAttempts
	}

	backoff := network.DefaultBackoffConfig()
	backoff.InitialDelay = c.ReconnectDelay.Duration
	backoff.MaxDelay = c.MaxReconnectDelay.Duration
	opts.Backoff = network.ExponentialBackoff(backoff)

	if c.RegistrationURL != "" {
		opts.Registrar = network.NewHTTPRegistrar(c.RegistrationURL)
	}
	return opts
}
