package network

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// BackoffFunc returns the delay before reconnect attempt N (1-based)
type BackoffFunc func(attempt int) time.Duration

// BackoffConfig defines exponential reconnect backoff
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultBackoffConfig starts at 5s and doubles up to 30s
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 5 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
		Jitter:       true,
	}
}

// NextBackoffDelay returns the retry delay for attempt N (1-based). Jitter
// scales the delay by [0.5, 1.5) but never past MaxDelay.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	delay := float64(cfg.InitialDelay)
	if attempt > 1 {
		if cfg.Multiplier < 1.0 {
			cfg.Multiplier = 1.0
		}
		delay *= math.Pow(cfg.Multiplier, float64(attempt-1))
	}
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
		if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
			delay = float64(cfg.MaxDelay)
		}
	}
	return time.Duration(delay)
}

// ExponentialBackoff turns cfg into a BackoffFunc with its own jitter source
func ExponentialBackoff(cfg BackoffConfig) BackoffFunc {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(attempt int) time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return NextBackoffDelay(cfg, attempt, rng)
	}
}

// ConstantBackoff always waits d
func ConstantBackoff(d time.Duration) BackoffFunc {
	return func(int) time.Duration { return d }
}
