package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/pocksup/pkg/logging"
	"github.com/ZentaChain/pocksup/pkg/metrics"
	"github.com/ZentaChain/pocksup/pkg/network"
	"github.com/ZentaChain/pocksup/pkg/protocol"
	"github.com/ZentaChain/pocksup/pkg/server"
	"github.com/ZentaChain/pocksup/pkg/storage"
)

const (
	alicePhone = "15550002001"
	bobPhone   = "15550002002"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	logging.ConfigureTests()
	os.Exit(m.Run())
}

type fixture struct {
	api     *Server
	alice   *network.Client
	bob     *network.Client
	db      *storage.DB
	reg     *prometheus.Registry
	inbox   chan network.IncomingMessage // bob's messages
	aliceIn chan network.IncomingMessage
}

func newFixture(t *testing.T, tweak func(*Config)) *fixture {
	srv := server.New(server.Options{})
	t.Cleanup(func() { srv.Close() })

	db, err := storage.Open(filepath.Join(t.TempDir(), "alice.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := prometheus.NewRegistry()
	newClient := func(phone string, opts network.Options) *network.Client {
		creds, err := srv.RegisterUser(phone)
		require.NoError(t, err)
		opts.Dialer = srv.Dialer()
		opts.Credentials = network.NewMemoryCredentials(creds)
		c, err := network.NewClient(opts)
		require.NoError(t, err)
		t.Cleanup(func() { c.Close() })
		require.NoError(t, c.Connect(context.Background()))
		return c
	}

	f := &fixture{
		alice:   newClient(alicePhone, network.Options{MessageLog: db, Store: db, Metrics: metrics.New(reg)}),
		bob:     newClient(bobPhone, network.Options{}),
		db:      db,
		reg:     reg,
		inbox:   make(chan network.IncomingMessage, 16),
		aliceIn: make(chan network.IncomingMessage, 16),
	}
	f.bob.OnMessage(func(m network.IncomingMessage) { f.inbox <- m })
	f.alice.OnMessage(func(m network.IncomingMessage) { f.aliceIn <- m })

	cfg := DefaultConfig()
	cfg.DB = db
	cfg.Gatherer = reg
	cfg.RateLimit = 0
	if tweak != nil {
		tweak(&cfg)
	}
	f.api = NewServer(f.alice, cfg)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.api.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		var zero T
		t.Fatalf("timed out waiting for %T", zero)
		return zero
	}
}

func TestHealthAndSession(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/session", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sess := decode[SessionResponse](t, w)
	assert.Equal(t, "authenticated", sess.State)
	assert.Equal(t, protocol.UserJID(alicePhone), sess.JID)

	w = f.do(t, http.MethodPost, "/api/v1/session/disconnect", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "disconnected", decode[SessionResponse](t, w).State)

	w = f.do(t, http.MethodPost, "/api/v1/messages", SendRequest{To: bobPhone, Text: "hello"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(network.ErrorKindNotConnected), decode[ErrorResponse](t, w).Kind)

	w = f.do(t, http.MethodPost, "/api/v1/session/connect", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "authenticated", decode[SessionResponse](t, w).State)
}

func TestSendMessages(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/api/v1/messages", SendRequest{To: bobPhone, Text: "hi"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	id := decode[SendResponse](t, w).ID
	msg := next(t, f.inbox)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, "hi", msg.Text)

	w = f.do(t, http.MethodPost, "/api/v1/messages", SendRequest{
		To:       bobPhone,
		Location: &LocationDTO{Latitude: 52.37, Longitude: 4.89, Name: "Dam"},
		QuotedID: id,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	msg = next(t, f.inbox)
	require.NotNil(t, msg.Location)
	assert.Equal(t, "Dam", msg.Location.Name)
	assert.Equal(t, id, msg.QuotedID)

	tests := []struct {
		name string
		body any
	}{
		{"no recipient", map[string]string{"text": "x"}},
		{"no content", SendRequest{To: bobPhone}},
		{"two contents", SendRequest{To: bobPhone, Text: "x", Contact: &ContactDTO{Name: "n", VCard: "v"}}},
		{"bad number", SendRequest{To: "12", Text: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/messages", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, string(network.ErrorKindBadParam), decode[ErrorResponse](t, w).Kind)
		})
	}

	w = f.do(t, http.MethodPost, "/api/v1/messages", SendRequest{To: "missing@g.us", Text: "x"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, string(network.ErrorKindServer), resp.Kind)
	assert.EqualValues(t, 404, resp.Code)
}

func TestHistoryAndConversations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.bob.SendText(ctx, alicePhone, "first")
	require.NoError(t, err)
	in := next(t, f.aliceIn)

	w := f.do(t, http.MethodPost, "/api/v1/messages", SendRequest{To: bobPhone, Text: "second"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/messages/"+bobPhone+"?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := decode[struct {
		Messages []MessageDTO `json:"messages"`
	}](t, w)
	require.Len(t, history.Messages, 2)

	w = f.do(t, http.MethodGet, "/api/v1/messages/"+bobPhone+"?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/conversations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	convs := decode[struct {
		Conversations []storage.Conversation `json:"conversations"`
	}](t, w)
	require.Len(t, convs.Conversations, 1)
	assert.Equal(t, 1, convs.Conversations[0].UnreadCount)

	w = f.do(t, http.MethodPost, "/api/v1/messages/read", ReadRequest{From: in.From, ID: in.ID})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	all, err := f.db.Conversations(ctx)
	require.NoError(t, err)
	assert.Zero(t, all[0].UnreadCount)
}

func TestMediaEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("to", bobPhone))
	require.NoError(t, mw.WriteField("caption", "look"))
	part, err := mw.CreateFormFile("file", "note.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("plain text attachment"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages/media", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	f.api.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	msg := next(t, f.inbox)
	require.NotNil(t, msg.Media)
	assert.Equal(t, "look", msg.Text)
	assert.Equal(t, "note.txt", msg.Media.FileName)

	w = f.do(t, http.MethodPost, "/api/v1/media/download", mediaRefFrom(msg.Media))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "plain text attachment", w.Body.String())
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "note.txt")

	ref := mediaRefFrom(msg.Media)
	ref.Hash = make([]byte, len(ref.Hash))
	w = f.do(t, http.MethodPost, "/api/v1/media/download", ref)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, string(network.ErrorKindCrypto), decode[ErrorResponse](t, w).Kind)
}

func TestGroupEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/api/v1/groups", CreateGroupRequest{Subject: "team", Participants: []string{bobPhone}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	g := decode[GroupDTO](t, w)
	assert.Equal(t, "team", g.Subject)
	assert.Len(t, g.Participants, 2)

	w = f.do(t, http.MethodPut, "/api/v1/groups/"+g.ID+"/subject", SubjectRequest{Subject: "dream team"})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = f.do(t, http.MethodDelete, "/api/v1/groups/"+g.ID+"/participants", ParticipantsRequest{Participants: []string{bobPhone}})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/api/v1/groups/"+g.ID+"/participants", ParticipantsRequest{Participants: []string{bobPhone}})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/api/v1/groups", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Groups []GroupDTO `json:"groups"`
	}](t, w)
	require.Len(t, list.Groups, 1)
	assert.Equal(t, "dream team", list.Groups[0].Subject)

	w = f.do(t, http.MethodDelete, "/api/v1/groups/"+g.ID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, f.alice.Directory().Groups())

	w = f.do(t, http.MethodPut, "/api/v1/groups/"+g.ID+"/subject", SubjectRequest{Subject: "again"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestPresenceAndChatState(t *testing.T) {
	f := newFixture(t, nil)
	presence := make(chan network.PresenceUpdate, 4)
	f.bob.OnPresence(func(p network.PresenceUpdate) { presence <- p })

	w := f.do(t, http.MethodPost, "/api/v1/presence", PresenceRequest{Type: "available"})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.Equal(t, protocol.UserJID(alicePhone), next(t, presence).From)

	w = f.do(t, http.MethodPost, "/api/v1/presence", PresenceRequest{Type: "busy"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/chatstate", ChatStateRequest{To: bobPhone, State: "composing"})
	assert.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	w = f.do(t, http.MethodPost, "/api/v1/chatstate", ChatStateRequest{To: bobPhone, State: "dancing"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/contacts", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsAndMiddleware(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RateLimit = 3 })

	w := f.do(t, http.MethodOptions, "/api/v1/messages", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	// frame counters are exported once a frame went out
	_, err := f.alice.SendText(context.Background(), bobPhone, "counted")
	require.NoError(t, err)
	next(t, f.inbox)

	w = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pocksup_session_frames_sent_total")
	assert.Contains(t, w.Body.String(), "pocksup_http_requests_total")

	// preflight requests are answered before the limiter
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil).Code)
	}
	w = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, string(network.ErrorKindRateLimited), decode[ErrorResponse](t, w).Kind)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.api.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// the stream is subscribed once headers are out; send until an event shows up
	go func() {
		for ctx.Err() == nil {
			f.bob.SendText(ctx, alicePhone, "streamed")
			time.Sleep(50 * time.Millisecond)
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev EventDTO
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &ev))
		if ev.Kind == "message" {
			assert.Equal(t, "streamed", ev.Text)
			assert.Equal(t, protocol.UserJID(bobPhone), ev.From)
			return
		}
	}
	t.Fatalf("event stream ended: %v", scanner.Err())
}

func TestEventStreamOutlivesWriteTimeout(t *testing.T) {
	f := newFixture(t, nil)
	defer func(d time.Duration) { eventKeepalive = d }(eventKeepalive)
	eventKeepalive = 100 * time.Millisecond

	ts := httptest.NewUnstartedServer(f.api.Handler())
	ts.Config.WriteTimeout = 300 * time.Millisecond
	ts.Start()
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	require.NoError(t, err)

	// headers arrive before any event
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	go func() {
		time.Sleep(700 * time.Millisecond)
		f.bob.SendText(ctx, alicePhone, "late")
	}()

	keepalives := 0
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, ": keepalive") {
			keepalives++
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev EventDTO
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &ev))
		if ev.Kind == "message" {
			assert.Equal(t, "late", ev.Text)
			assert.Positive(t, keepalives)
			return
		}
	}
	t.Fatalf("event stream ended: %v", scanner.Err())
}

func TestStatusForKinds(t *testing.T) {
	tests := []struct {
		kind network.ErrorKind
		want int
	}{
		{network.ErrorKindBadParam, http.StatusBadRequest},
		{network.ErrorKindNotConnected, http.StatusConflict},
		{network.ErrorKindTimeout, http.StatusGatewayTimeout},
		{network.ErrorKindAuth, http.StatusUnauthorized},
		{network.ErrorKindRateLimited, http.StatusTooManyRequests},
		{network.ErrorKindServer, http.StatusBadGateway},
		{network.ErrorKindCrypto, http.StatusUnprocessableEntity},
		{network.ErrorKindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.kind), string(tt.kind))
	}
}
