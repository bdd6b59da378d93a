package network

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/pocksup/pkg/transport"
)

// registrationStub answers like the registration service: code 424242 is
// accepted for every number
func registrationStub(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/code", func(w http.ResponseWriter, r *http.Request) {
		var req CodeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Method != MethodSMS && req.Method != MethodVoice {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(RegistrationResponse{Status: "fail", Error: "bad_method"})
			return
		}
		json.NewEncoder(w).Encode(RegistrationResponse{Status: "sent", Length: 6})
	})
	mux.HandleFunc("/v1/register", func(w http.ResponseWriter, r *http.Request) {
		var req VerifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Code != "424242" {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(RegistrationResponse{Status: "fail", Error: "mismatch"})
			return
		}
		json.NewEncoder(w).Encode(RegistrationResponse{
			Status: "ok",
			Login:  req.CountryCode + req.Number,
			Device: "device-1",
			Secret: []byte("0123456789abcdef0123456789abcdef"),
		})
	})
	mux.HandleFunc("/v1/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestHTTPRegistrar(t *testing.T) {
	ts := registrationStub(t)
	reg := NewHTTPRegistrar(ts.URL + "/")
	ctx := context.Background()

	require.NoError(t, reg.RequestCode(ctx, "447700900123", MethodVoice))

	_, err := reg.VerifyCode(ctx, "447700900123", "111111")
	var serr *ServerError
	require.ErrorAs(t, err, &serr)
	assert.EqualValues(t, http.StatusForbidden, serr.Code)
	assert.Equal(t, "mismatch", serr.Text)

	creds, err := reg.VerifyCode(ctx, "447700900123", "424242")
	require.NoError(t, err)
	assert.Equal(t, "447700900123", creds.Phone)
	assert.Equal(t, "device-1", creds.DeviceID)
	assert.NoError(t, creds.Validate())

	_, err = reg.post(ctx, "/v1/broken", struct{}{})
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusText(http.StatusBadGateway), serr.Text)
}

func TestClientRegisterAndVerify(t *testing.T) {
	ts := registrationStub(t)
	store := NewMemoryCredentials()
	c, err := NewClient(Options{
		// nothing listens here; Verify fails at the connect step
		Dialer:      transport.TCPDialer{Address: "127.0.0.1:1"},
		Credentials: store,
		Registrar:   NewHTTPRegistrar(ts.URL),
		PushName:    "Ada",
	})
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	tests := []struct {
		name   string
		phone  string
		method string
	}{
		{"short number", "123", MethodSMS},
		{"unknown method", "5550001234", "carrier-pigeon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, c.Register(ctx, tt.phone, tt.method), ErrBadParam)
		})
	}
	require.NoError(t, c.Register(ctx, "5550001234", MethodSMS))

	assert.ErrorIs(t, c.Verify(ctx, "5550001234", " - "), ErrBadParam)
	assert.ErrorIs(t, c.Verify(ctx, "5550001234", "000-000"), ErrServer)

	err = c.Verify(ctx, "5550001234", "424-242")
	require.Error(t, err)
	assert.Equal(t, StateFailed, c.State())

	creds, err := store.LoadCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "15550001234", creds.Phone)
	assert.Equal(t, "Ada", creds.PushName)
}

func TestNewClientRequiresDialerAndCredentials(t *testing.T) {
	_, err := NewClient(Options{Credentials: NewMemoryCredentials()})
	assert.ErrorIs(t, err, ErrBadParam)
	_, err = NewClient(Options{Dialer: transport.TCPDialer{Address: "127.0.0.1:1"}})
	assert.ErrorIs(t, err, ErrBadParam)
}
