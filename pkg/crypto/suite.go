package crypto

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrAuth         = errors.New("authentication failed")
	ErrUnknownSuite = errors.New("unknown handshake suite")
	ErrInvalidKey   = errors.New("invalid key")
)

// Suite is one key-exchange strategy, identified on the wire by name.
// A Suite must be safe for concurrent use.
type Suite interface {
	Name() string

	// NewInitiator starts the client side of an exchange
	NewInitiator() (Initiator, error)

	// Respond answers a client hello with reply bytes and the shared secret
	Respond(hello []byte) (reply, secret []byte, err error)
}

// Initiator holds the client's ephemeral state for a single exchange
type Initiator interface {
	Hello() []byte
	Finish(reply []byte) (secret []byte, err error)
}

// SuiteRegistry resolves suites by name
type SuiteRegistry struct {
	mu     sync.RWMutex
	suites map[string]Suite
}

// NewSuiteRegistry creates a registry holding the given suites
func NewSuiteRegistry(suites ...Suite) *SuiteRegistry {
	r := &SuiteRegistry{suites: make(map[string]Suite)}
	for _, s := range suites {
		r.Register(s)
	}
	return r
}

// Register adds or replaces a suite
func (r *SuiteRegistry) Register(s Suite) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suites[s.Name()] = s
}

// Lookup returns the suite with the given name
func (r *SuiteRegistry) Lookup(name string) (Suite, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.suites[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSuite, name)
	}
	return s, nil
}

// Names lists the registered suite names in sorted order
func (r *SuiteRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.suites))
	for n := range r.suites {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultSuiteName is used when a client does not pick a suite
const DefaultSuiteName = X25519SuiteName

// DefaultSuites returns a registry with every built-in suite
func DefaultSuites() *SuiteRegistry {
	return NewSuiteRegistry(X25519Suite{}, HybridSuite{})
}
