package server

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/pocksup/pkg/crypto"
	"github.com/ZentaChain/pocksup/pkg/logging"
	"github.com/ZentaChain/pocksup/pkg/network"
	"github.com/ZentaChain/pocksup/pkg/protocol"
	"github.com/ZentaChain/pocksup/pkg/storage"
	"github.com/ZentaChain/pocksup/pkg/transport"
)

const (
	alicePhone = "15550000001"
	bobPhone   = "15550000002"
	carolPhone = "15550000003"
)

func TestMain(m *testing.M) {
	logging.ConfigureTests()
	os.Exit(m.Run())
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	srv := New(opts)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func newClient(t *testing.T, dialer transport.Dialer, creds network.Credentials) *network.Client {
	t.Helper()
	c, err := network.NewClient(network.Options{
		Dialer:      dialer,
		Credentials: network.NewMemoryCredentials(creds),
		PushName:    "user " + creds.Phone,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// connect registers phone on srv and returns an authenticated client
func connect(t *testing.T, srv *Server, phone string) *network.Client {
	t.Helper()
	creds, err := srv.RegisterUser(phone)
	require.NoError(t, err)
	c := newClient(t, srv.Dialer(), creds)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func subscribe[T network.Event](t *testing.T, c *network.Client, kind network.EventKind) <-chan T {
	t.Helper()
	ch := make(chan T, 64)
	unsubscribe := c.Handle(kind, network.HandlerFunc(func(e network.Event) {
		if v, ok := e.(T); ok {
			ch <- v
		}
	}))
	t.Cleanup(unsubscribe)
	return ch
}

func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %T", *new(T))
	}
	panic("unreachable")
}

func drained(srv *Server) func() bool {
	return func() bool { return srv.Stats(context.Background()).Queued == 0 }
}

func TestRegistrationEndpoints(t *testing.T) {
	srv := newTestServer(t, Options{FixedCode: "123456"})
	ts := httptest.NewServer(srv.RegistrationHandler())
	defer ts.Close()

	ctx := context.Background()
	reg := network.NewHTTPRegistrar(ts.URL)

	var serr *network.ServerError
	_, err := reg.VerifyCode(ctx, alicePhone, "123456")
	require.ErrorAs(t, err, &serr)
	assert.EqualValues(t, 404, serr.Code)

	err = reg.RequestCode(ctx, alicePhone, "pigeon")
	require.ErrorAs(t, err, &serr)
	assert.EqualValues(t, 400, serr.Code)

	require.NoError(t, reg.RequestCode(ctx, alicePhone, network.MethodSMS))

	_, err = reg.VerifyCode(ctx, alicePhone, "000000")
	require.ErrorAs(t, err, &serr)
	assert.EqualValues(t, 403, serr.Code)

	creds, err := reg.VerifyCode(ctx, alicePhone, "123-456")
	require.NoError(t, err)
	assert.Equal(t, alicePhone, creds.Phone)
	assert.NotEmpty(t, creds.DeviceID)
	assert.Len(t, creds.Secret, 32)

	c := newClient(t, srv.Dialer(), creds)
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, network.StateAuthenticated, c.State())
	assert.Equal(t, 1, srv.Stats(ctx).Accounts)
}

func TestHandshakeRejections(t *testing.T) {
	srv := newTestServer(t, Options{})
	good, err := srv.RegisterUser(alicePhone)
	require.NoError(t, err)

	tests := []struct {
		name  string
		creds func(network.Credentials) network.Credentials
	}{
		{"unknown device", func(c network.Credentials) network.Credentials {
			c.DeviceID = "someone-else"
			return c
		}},
		{"wrong secret", func(c network.Credentials) network.Credentials {
			c.Secret = []byte("not the issued secret")
			return c
		}},
		{"unregistered number", func(c network.Credentials) network.Credentials {
			c.Phone = carolPhone
			return c
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, srv.Dialer(), tt.creds(good))
			err := c.Connect(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, crypto.ErrAuth)
			assert.Equal(t, network.ErrorKindAuth, network.KindOf(err))
			assert.Equal(t, network.StateFailed, c.State())
		})
	}
	assert.False(t, srv.Online(alicePhone))
}

func TestHybridSuiteOverTCP(t *testing.T) {
	srv := newTestServer(t, Options{})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)

	creds, err := srv.RegisterUser(alicePhone)
	require.NoError(t, err)
	c, err := network.NewClient(network.Options{
		Dialer:      transport.TCPDialer{Address: l.Addr().String()},
		Credentials: network.NewMemoryCredentials(creds),
		Suite:       crypto.HybridSuiteName,
	})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	sess, ok := c.Session()
	require.True(t, ok)
	assert.Equal(t, crypto.HybridSuiteName, sess.Suite)
	assert.Equal(t, protocol.UserJID(alicePhone), sess.JID)
}

func TestOfflineDelivery(t *testing.T) {
	ctx := context.Background()
	q, err := storage.NewMessageQueue(filepath.Join(t.TempDir(), "queue.db"), 0)
	require.NoError(t, err)
	defer q.Close()
	srv := newTestServer(t, Options{Queue: q})

	alice := connect(t, srv, alicePhone)
	receipts := subscribe[network.DeliveryReceipt](t, alice, network.KindReceipt)

	bobCreds, err := srv.RegisterUser(bobPhone)
	require.NoError(t, err)

	id, err := alice.SendText(ctx, bobPhone, "are you there?")
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Stats(ctx).Queued)

	bob := newClient(t, srv.Dialer(), bobCreds)
	messages := subscribe[network.IncomingMessage](t, bob, network.KindMessage)
	require.NoError(t, bob.Connect(ctx))

	msg := next(t, messages)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, protocol.UserJID(alicePhone), msg.From)
	assert.Equal(t, "are you there?", msg.Text)

	r := next(t, receipts)
	assert.Equal(t, id, r.ID)
	assert.Equal(t, protocol.UserJID(bobPhone), r.From)
	assert.Equal(t, protocol.ReceiptDelivery, r.Type)

	assert.Eventually(t, drained(srv), 2*time.Second, 10*time.Millisecond)
}

func TestRedeliveryUntilReceipted(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t, Options{})
	alice := connect(t, srv, alicePhone)
	bobCreds, err := srv.RegisterUser(bobPhone)
	require.NoError(t, err)

	_, err = alice.SendText(ctx, bobPhone, "one")
	require.NoError(t, err)
	_, err = alice.SendText(ctx, bobPhone, "two")
	require.NoError(t, err)

	pending, err := srv.queue.Pending(ctx, protocol.UserJID(bobPhone))
	require.NoError(t, err)
	require.Len(t, pending, 2)

	bob := newClient(t, srv.Dialer(), bobCreds)
	messages := subscribe[network.IncomingMessage](t, bob, network.KindMessage)
	require.NoError(t, bob.Connect(ctx))
	assert.Equal(t, "one", next(t, messages).Text)
	assert.Equal(t, "two", next(t, messages).Text)
	assert.Eventually(t, drained(srv), 2*time.Second, 10*time.Millisecond)
}

func TestMessageErrors(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t, Options{MessagesPerSecond: 1})
	alice := connect(t, srv, alicePhone)

	_, err := alice.SendText(ctx, "nosuchgroup@g.us", "hello")
	require.ErrorIs(t, err, network.ErrServer)
	var serr *network.ServerError
	require.ErrorAs(t, err, &serr)
	assert.EqualValues(t, CodeNotFound, serr.Code)

	// the failed send above used the only token
	_, err = alice.SendText(ctx, bobPhone, "hello")
	assert.ErrorIs(t, err, network.ErrRateLimited)
	assert.Equal(t, network.ErrorKindRateLimited, network.KindOf(err))
}

func TestGroups(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t, Options{})
	alice := connect(t, srv, alicePhone)
	bob := connect(t, srv, bobPhone)
	carol := connect(t, srv, carolPhone)

	bobGroups := subscribe[network.GroupUpdate](t, bob, network.KindGroupUpdate)
	carolGroups := subscribe[network.GroupUpdate](t, carol, network.KindGroupUpdate)
	bobMessages := subscribe[network.IncomingMessage](t, bob, network.KindMessage)

	g, err := alice.CreateGroup(ctx, "weekend", []string{bobPhone})
	require.NoError(t, err)
	assert.True(t, protocol.IsGroupJID(g.ID))
	assert.Equal(t, "weekend", g.Subject)
	assert.True(t, g.HasParticipant(protocol.UserJID(alicePhone)))
	assert.True(t, g.HasParticipant(protocol.UserJID(bobPhone)))

	u := next(t, bobGroups)
	assert.Equal(t, protocol.TagCreate, u.Action)
	assert.Equal(t, g.ID, u.Group)
	known, ok := bob.Directory().Group(g.ID)
	require.True(t, ok)
	assert.Equal(t, "weekend", known.Subject)

	_, err = alice.SendText(ctx, g.ID, "who is in?")
	require.NoError(t, err)
	msg := next(t, bobMessages)
	assert.True(t, msg.IsGroup())
	assert.Equal(t, g.ID, msg.From)
	assert.Equal(t, protocol.UserJID(alicePhone), msg.Participant)

	// bob is not an admin
	err = bob.AddParticipants(ctx, g.ID, []string{carolPhone})
	require.ErrorIs(t, err, network.ErrServer)

	require.NoError(t, alice.AddParticipants(ctx, g.ID, []string{carolPhone}))
	u = next(t, carolGroups)
	assert.Equal(t, protocol.TagAdd, u.Action)
	assert.Equal(t, []string{protocol.UserJID(carolPhone)}, u.Participants)

	require.NoError(t, alice.SetGroupSubject(ctx, g.ID, "long weekend"))
	for {
		u = next(t, bobGroups)
		if u.Action == protocol.TagSubject {
			break
		}
	}
	assert.Equal(t, "long weekend", u.Subject)

	require.NoError(t, bob.LeaveGroup(ctx, g.ID))
	_, ok = bob.Directory().Group(g.ID)
	assert.False(t, ok)

	_, err = bob.SendText(ctx, g.ID, "still here?")
	var serr *network.ServerError
	require.ErrorAs(t, err, &serr)
	assert.EqualValues(t, CodeForbidden, serr.Code)
	assert.Equal(t, 1, srv.Stats(ctx).Groups)
}

func TestMedia(t *testing.T) {
	ctx := context.Background()
	blobs, err := storage.NewShardedBlobs(t.TempDir())
	require.NoError(t, err)
	srv := newTestServer(t, Options{Blobs: blobs})
	alice := connect(t, srv, alicePhone)
	bob := connect(t, srv, bobPhone)
	messages := subscribe[network.IncomingMessage](t, bob, network.KindMessage)

	data := []byte("%PDF-1.4 pretend this is a document")
	_, err = alice.SendMedia(ctx, bobPhone, data, network.MediaDescriptor{FileName: "notes.pdf", Caption: "notes"})
	require.NoError(t, err)

	msg := next(t, messages)
	require.NotNil(t, msg.Media)
	assert.Equal(t, "notes", msg.Text)
	assert.Equal(t, "application/pdf", msg.Media.MimeType)
	assert.Equal(t, protocol.MediaDocument, msg.Media.Type)

	got, desc, err := bob.DownloadMedia(ctx, *msg.Media)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "notes.pdf", desc.FileName)
	assert.Equal(t, 1, srv.Stats(ctx).Blobs)

	missing := *msg.Media
	missing.URL = DefaultMediaURL + "/nothing"
	_, _, err = bob.DownloadMedia(ctx, missing)
	assert.ErrorIs(t, err, network.ErrServer)

	tampered := *msg.Media
	tampered.Hash = crypto.Hash([]byte("other"))
	_, _, err = bob.DownloadMedia(ctx, tampered)
	assert.ErrorIs(t, err, crypto.ErrMediaIntegrity)
}

func TestPresenceAndChatState(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t, Options{})
	alice := connect(t, srv, alicePhone)
	bob := connect(t, srv, bobPhone)
	presence := subscribe[network.PresenceUpdate](t, bob, network.KindPresence)
	states := subscribe[network.ChatStateUpdate](t, bob, network.KindChatState)

	require.NoError(t, alice.SetPresence(ctx, network.PresenceAvailable))
	p := next(t, presence)
	assert.Equal(t, protocol.UserJID(alicePhone), p.From)
	assert.Equal(t, protocol.PresenceAvailable, p.Type)

	require.NoError(t, alice.SetChatState(ctx, bobPhone, network.ChatStateComposing))
	s := next(t, states)
	assert.Equal(t, network.ChatStateComposing, s.State)
	assert.Equal(t, protocol.UserJID(alicePhone), s.From)

	require.NoError(t, alice.Disconnect())
	p = next(t, presence)
	assert.Equal(t, protocol.PresenceUnavailable, p.Type)
	assert.False(t, p.LastSeen.IsZero())

	ct, ok := bob.Directory().Contact(protocol.UserJID(alicePhone))
	require.True(t, ok)
	assert.Equal(t, protocol.PresenceUnavailable, ct.Presence)
}

func TestDropAndExpire(t *testing.T) {
	srv := newTestServer(t, Options{})
	alice := connect(t, srv, alicePhone)
	states := subscribe[network.ConnectionStateChanged](t, alice, network.KindConnectionState)

	assert.True(t, srv.Online(alicePhone))
	assert.True(t, srv.Drop(alicePhone))
	// the Authenticated transition from connect may still be queued
	ev := next(t, states)
	for ev.To != network.StateDisconnected {
		ev = next(t, states)
	}
	assert.Equal(t, network.StateAuthenticated, ev.From)
	assert.Eventually(t, func() bool { return !srv.Online(alicePhone) }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, srv.Drop(alicePhone))

	require.NoError(t, alice.Connect(context.Background()))
	assert.True(t, srv.Expire(alicePhone, "conflict", "replaced"))
	for ev = next(t, states); ev.To != network.StateDisconnected; ev = next(t, states) {
	}
	assert.Contains(t, ev.Reason, "conflict")
}

func TestCloseDisconnectsClients(t *testing.T) {
	srv := New(Options{})
	alice := connect(t, srv, alicePhone)

	require.NoError(t, srv.Close())
	assert.Eventually(t, func() bool { return alice.State() == network.StateDisconnected }, 2*time.Second, 10*time.Millisecond)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.True(t, errors.Is(srv.Serve(l), ErrServerClosed))
}
