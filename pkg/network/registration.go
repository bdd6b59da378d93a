package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/ZentaChain/pocksup/pkg/protocol"
)

// Verification code delivery methods
const (
	MethodSMS   = "sms"
	MethodVoice = "voice"
)

// Registrar talks to the registration service that issues device credentials
type Registrar interface {
	RequestCode(ctx context.Context, phone, method string) error
	VerifyCode(ctx context.Context, phone, code string) (Credentials, error)
}

// CodeRequest is the body of POST /v1/code
type CodeRequest struct {
	CountryCode string `json:"cc"`
	Number      string `json:"in"`
	Method      string `json:"method"`
}

// VerifyRequest is the body of POST /v1/register
type VerifyRequest struct {
	CountryCode string `json:"cc"`
	Number      string `json:"in"`
	Code        string `json:"code"`
}

// RegistrationResponse is returned by both registration endpoints
type RegistrationResponse struct {
	Status     string `json:"status"`
	Login      string `json:"login,omitempty"`
	Device     string `json:"device,omitempty"`
	Secret     []byte `json:"secret,omitempty"`
	Length     int    `json:"length,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
	Error      string `json:"error,omitempty"`
}

// HTTPRegistrar is the JSON-over-HTTP Registrar
type HTTPRegistrar struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPRegistrar creates a registrar for the service at baseURL
func NewHTTPRegistrar(baseURL string) *HTTPRegistrar {
	return &HTTPRegistrar{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *HTTPRegistrar) RequestCode(ctx context.Context, phone, method string) error {
	cc, in := protocol.CountryCode(phone)
	_, err := r.post(ctx, "/v1/code", CodeRequest{CountryCode: cc, Number: in, Method: method})
	return err
}

func (r *HTTPRegistrar) VerifyCode(ctx context.Context, phone, code string) (Credentials, error) {
	cc, in := protocol.CountryCode(phone)
	resp, err := r.post(ctx, "/v1/register", VerifyRequest{CountryCode: cc, Number: in, Code: code})
	if err != nil {
		return Credentials{}, err
	}
	login := resp.Login
	if login == "" {
		login = phone
	}
	creds := Credentials{
		Phone:        protocol.NormalizePhone(login),
		DeviceID:     resp.Device,
		Secret:       resp.Secret,
		RegisteredAt: time.Now(),
	}
	if err := creds.Validate(); err != nil {
		return Credentials{}, fmt.Errorf("%w: incomplete registration response: %w", ErrServer, err)
	}
	return creds, nil
}

func (r *HTTPRegistrar) post(ctx context.Context, path string, body any) (*RegistrationResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadParam, err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registration request %s: %w", path, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("registration response %s: %w", path, err)
	}
	var out RegistrationResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil && res.StatusCode < 300 {
			return nil, fmt.Errorf("%w: decode %s response: %w", ErrServer, path, err)
		}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		text := out.Error
		if text == "" {
			text = http.StatusText(res.StatusCode)
		}
		return nil, &ServerError{Code: int64(res.StatusCode), Text: text}
	}
	return &out, nil
}

// ===== CLIENT OPERATIONS =====

// Register asks the registration service to send a verification code
func (c *Client) Register(ctx context.Context, phone, method string) error {
	phone = protocol.NormalizePhone(phone)
	if err := protocol.ValidatePhone(phone); err != nil {
		return fmt.Errorf("%w: %w", ErrBadParam, err)
	}
	if method != MethodSMS && method != MethodVoice {
		return fmt.Errorf("%w: method must be %s or %s, got %q", ErrBadParam, MethodSMS, MethodVoice, method)
	}
	if c.opts.Registrar == nil {
		return fmt.Errorf("%w: no registrar configured", ErrBadParam)
	}
	if err := c.opts.Registrar.RequestCode(ctx, phone, method); err != nil {
		return err
	}
	c.logger.Info().Str("phone", phone).Str("method", method).Msg("verification code requested")
	return nil
}

// Verify submits the verification code, stores the issued credentials and
// connects with them
func (c *Client) Verify(ctx context.Context, phone, code string) error {
	phone = protocol.NormalizePhone(phone)
	if err := protocol.ValidatePhone(phone); err != nil {
		return fmt.Errorf("%w: %w", ErrBadParam, err)
	}
	code = strings.ReplaceAll(strings.TrimSpace(code), "-", "")
	if code == "" {
		return fmt.Errorf("%w: empty verification code", ErrBadParam)
	}
	if c.opts.Registrar == nil {
		return fmt.Errorf("%w: no registrar configured", ErrBadParam)
	}
	creds, err := c.opts.Registrar.VerifyCode(ctx, phone, code)
	if err != nil {
		return err
	}
	if creds.PushName == "" {
		creds.PushName = c.opts.PushName
	}
	if err := c.opts.Credentials.SaveCredentials(ctx, creds); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	c.logger.Info().Str("phone", creds.Phone).Str("device", creds.DeviceID).Msg("registered")
	return c.Connect(ctx)
}
