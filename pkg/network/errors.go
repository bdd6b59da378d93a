package network

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ZentaChain/pocksup/pkg/crypto"
	"github.com/ZentaChain/pocksup/pkg/protocol"
	"github.com/ZentaChain/pocksup/pkg/transport"
)

var (
	ErrNotConnected      = errors.New("not connected")
	ErrTimeout           = errors.New("request timed out")
	ErrConnectionLost    = errors.New("connection lost")
	ErrBadParam          = errors.New("bad parameter")
	ErrServer            = errors.New("server error")
	ErrRateLimited       = errors.New("rate limited")
	ErrDuplicateID       = errors.New("duplicate request id")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNoCredentials     = errors.New("no credentials")
	ErrCanceled          = errors.New("request canceled")
	ErrStreamError       = errors.New("stream error")
	ErrSessionExpired    = errors.New("session expired")
	ErrMediaTooLarge     = errors.New("media too large")
)

// Server error codes with special meaning
const (
	CodeRateLimited    = 429
	CodeSessionExpired = "session_expired"
)

// ServerError is an error code returned by the server for one request
type ServerError struct {
	Code int64
	Text string
}

func (e *ServerError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("server error %d", e.Code)
	}
	return fmt.Sprintf("server error %d: %s", e.Code, e.Text)
}

func (e *ServerError) Is(target error) bool {
	switch target {
	case ErrServer:
		return true
	case ErrRateLimited:
		return e.Code == CodeRateLimited
	}
	return false
}

// StateError reports a rejected state transition
type StateError struct {
	From State
	To   State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidTransition
}

// ErrorKind is the coarse class of a failure, used by the CLI and the façade
type ErrorKind string

const (
	ErrorKindNone         ErrorKind = ""
	ErrorKindBadParam     ErrorKind = "bad_param"
	ErrorKindNotConnected ErrorKind = "not_connected"
	ErrorKindTimeout      ErrorKind = "timeout"
	ErrorKindAuth         ErrorKind = "auth"
	ErrorKindRateLimited  ErrorKind = "rate_limited"
	ErrorKindServer       ErrorKind = "server"
	ErrorKindProtocol     ErrorKind = "protocol"
	ErrorKindCrypto       ErrorKind = "crypto"
	ErrorKindIO           ErrorKind = "io"
	ErrorKindInternal     ErrorKind = "internal"
)

// KindOf classifies err. Order matters: a rate limit is also a server error.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrBadParam),
		errors.Is(err, protocol.ErrInvalidPhone),
		errors.Is(err, protocol.ErrInvalidNode),
		errors.Is(err, protocol.ErrInvalidAttrValue),
		errors.Is(err, ErrMediaTooLarge):
		return ErrorKindBadParam
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrNoCredentials):
		return ErrorKindNotConnected
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, crypto.ErrAuth):
		return ErrorKindAuth
	case errors.Is(err, ErrRateLimited):
		return ErrorKindRateLimited
	case errors.Is(err, ErrServer):
		return ErrorKindServer
	case errors.Is(err, protocol.ErrMalformedFrame), errors.Is(err, ErrStreamError):
		return ErrorKindProtocol
	case errors.Is(err, crypto.ErrDecrypt),
		errors.Is(err, crypto.ErrReplayDetected),
		errors.Is(err, crypto.ErrMediaIntegrity):
		return ErrorKindCrypto
	case errors.Is(err, transport.ErrIO),
		errors.Is(err, ErrConnectionLost),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return ErrorKindIO
	}
	return ErrorKindInternal
}

// serverError maps an error-carrying response to a ServerError
func serverError(n *protocol.Node) error {
	code, text, ok := protocol.ErrorInfo(n)
	if !ok {
		return nil
	}
	return &ServerError{Code: code, Text: text}
}

// reconnectable reports whether a connection lost to err may be re-established
// automatically. Crypto failures never are.
func reconnectable(err error) bool {
	switch {
	case errors.Is(err, crypto.ErrDecrypt), errors.Is(err, crypto.ErrReplayDetected):
		return false
	case errors.Is(err, ErrSessionExpired):
		return true
	case errors.Is(err, ErrStreamError):
		return false
	}
	return errors.Is(err, transport.ErrIO) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, ErrConnectionLost)
}
