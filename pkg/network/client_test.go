package network_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
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
	alice = "15550001111"
	bob   = "15550001234"
)

func TestMain(m *testing.M) {
	logging.ConfigureTests()
	os.Exit(m.Run())
}

type harness struct {
	t   *testing.T
	srv *server.Server
}

func newHarness(t *testing.T, opts server.Options) *harness {
	srv := server.New(opts)
	t.Cleanup(func() { srv.Close() })
	return &harness{t: t, srv: srv}
}

// client registers phone and returns a disconnected client for it; opts
// fields left empty get test defaults
func (h *harness) client(phone string, opts network.Options) *network.Client {
	h.t.Helper()
	creds, err := h.srv.RegisterUser(phone)
	require.NoError(h.t, err)
	opts.Dialer = h.srv.Dialer()
	if opts.Credentials == nil {
		opts.Credentials = network.NewMemoryCredentials(creds)
	} else {
		require.NoError(h.t, opts.Credentials.SaveCredentials(context.Background(), creds))
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	c, err := network.NewClient(opts)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { c.Close() })
	return c
}

func (h *harness) connected(phone string, opts network.Options) *network.Client {
	h.t.Helper()
	c := h.client(phone, opts)
	require.NoError(h.t, c.Connect(context.Background()))
	return c
}

func watch[T network.Event](t *testing.T, c *network.Client, kind network.EventKind) <-chan T {
	ch := make(chan T, 256)
	unsubscribe := c.Handle(kind, network.HandlerFunc(func(e network.Event) {
		ch <- e.(T)
	}))
	t.Cleanup(unsubscribe)
	return ch
}

func receive[T any](t *testing.T, ch <-chan T) T {
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

func framesSent(c *network.Client, tag string) float64 {
	return testutil.ToFloat64(c.Metrics().FramesSent.WithLabelValues(tag))
}

func TestRegisterVerifyConnect(t *testing.T) {
	h := newHarness(t, server.Options{FixedCode: "987654"})
	ts := httptest.NewServer(h.srv.RegistrationHandler())
	defer ts.Close()

	c, err := network.NewClient(network.Options{
		Dialer:      h.srv.Dialer(),
		Credentials: network.NewMemoryCredentials(),
		Registrar:   network.NewHTTPRegistrar(ts.URL),
		PushName:    "Ada",
	})
	require.NoError(t, err)
	defer c.Close()
	states := watch[network.ConnectionStateChanged](t, c, network.KindConnectionState)

	ctx := context.Background()
	assert.ErrorIs(t, c.Connect(ctx), network.ErrNoCredentials)

	require.NoError(t, c.Register(ctx, "+1 (555) 000-1234", network.MethodSMS))
	require.NoError(t, c.Verify(ctx, "+1 (555) 000-1234", "987-654"))
	assert.Equal(t, network.StateAuthenticated, c.State())

	sess, ok := c.Session()
	require.True(t, ok)
	assert.Equal(t, bob, sess.Phone)
	assert.Equal(t, bob+"@s.whatsapp.net", sess.JID)
	assert.False(t, sess.ServerTime.IsZero())

	for _, want := range []network.State{network.StateConnecting, network.StateAuthenticating, network.StateAuthenticated} {
		assert.Equal(t, want, receive(t, states).To)
	}
}

func TestSendTextWritesOneFrame(t *testing.T) {
	h := newHarness(t, server.Options{})
	sender := h.connected(alice, network.Options{})
	recipient := h.connected(bob, network.Options{})
	messages := watch[network.IncomingMessage](t, recipient, network.KindMessage)

	before := framesSent(sender, protocol.TagMessage)
	id, err := sender.SendText(context.Background(), bob, "hi")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, before+1, framesSent(sender, protocol.TagMessage))

	msg := receive(t, messages)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, "hi", msg.Text)
	assert.Equal(t, protocol.UserJID(alice), msg.From)
	assert.Equal(t, protocol.ContentTypeText, msg.Type)
	assert.False(t, msg.IsGroup())
}

func TestNotConnected(t *testing.T) {
	h := newHarness(t, server.Options{})
	c := h.client(alice, network.Options{})
	ctx := context.Background()

	_, err := c.SendText(ctx, bob, "hello?")
	assert.ErrorIs(t, err, network.ErrNotConnected)
	assert.Equal(t, network.ErrorKindNotConnected, network.KindOf(err))
	assert.ErrorIs(t, c.SetPresence(ctx, network.PresenceAvailable), network.ErrNotConnected)
	_, err = c.CreateGroup(ctx, "nobody", []string{bob})
	assert.ErrorIs(t, err, network.ErrNotConnected)

	assert.Zero(t, testutil.CollectAndCount(c.Metrics().FramesSent))
}

func TestBadParameters(t *testing.T) {
	h := newHarness(t, server.Options{})
	c := h.connected(alice, network.Options{})
	ctx := context.Background()

	_, err := c.SendText(ctx, "12", "short number")
	assert.ErrorIs(t, err, network.ErrBadParam)
	_, err = c.SendText(ctx, bob, "")
	assert.ErrorIs(t, err, network.ErrBadParam)
	assert.ErrorIs(t, c.SetPresence(ctx, "invisible"), network.ErrBadParam)
	assert.ErrorIs(t, c.MarkRead(ctx, bob, ""), network.ErrBadParam)
	_, err = c.CreateGroup(ctx, " ", []string{bob})
	assert.ErrorIs(t, err, network.ErrBadParam)
}

func TestReconnectAfterDrop(t *testing.T) {
	h := newHarness(t, server.Options{})
	c := h.client(alice, network.Options{
		AutoReconnect: true,
		Backoff:       network.ConstantBackoff(10 * time.Millisecond),
	})
	states := watch[network.ConnectionStateChanged](t, c, network.KindConnectionState)
	require.NoError(t, c.Connect(context.Background()))
	for range 3 {
		receive(t, states)
	}

	require.True(t, h.srv.Drop(alice))

	want := []network.State{
		network.StateDisconnected,
		network.StateConnecting,
		network.StateAuthenticating,
		network.StateAuthenticated,
	}
	prev := network.StateAuthenticated
	for _, s := range want {
		ev := receive(t, states)
		assert.Equal(t, prev, ev.From)
		assert.Equal(t, s, ev.To)
		prev = ev.To
	}
	select {
	case ev := <-states:
		t.Fatalf("unexpected transition %s -> %s", ev.From, ev.To)
	case <-time.After(50 * time.Millisecond):
	}

	_, err := c.SendText(context.Background(), bob, "back again")
	assert.NoError(t, err)
}

func TestSessionExpiredReconnects(t *testing.T) {
	h := newHarness(t, server.Options{})
	c := h.client(alice, network.Options{
		AutoReconnect: true,
		Backoff:       network.ConstantBackoff(10 * time.Millisecond),
	})
	states := watch[network.ConnectionStateChanged](t, c, network.KindConnectionState)
	require.NoError(t, c.Connect(context.Background()))
	for range 3 {
		receive(t, states)
	}

	require.True(t, h.srv.Expire(alice, network.CodeSessionExpired, "token rotated"))
	ev := receive(t, states)
	assert.Equal(t, network.StateDisconnected, ev.To)
	assert.Contains(t, ev.Reason, "session expired")

	require.Eventually(t, func() bool { return c.State() == network.StateAuthenticated }, 5*time.Second, 10*time.Millisecond)
}

func TestStreamErrorStopsReconnecting(t *testing.T) {
	h := newHarness(t, server.Options{})
	c := h.connected(alice, network.Options{
		AutoReconnect: true,
		Backoff:       network.ConstantBackoff(10 * time.Millisecond),
	})

	require.True(t, h.srv.Expire(alice, "conflict", "replaced"))
	require.Eventually(t, func() bool { return c.State() == network.StateDisconnected }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, network.StateDisconnected, c.State())
}

func TestDisconnectFailsPendingRequests(t *testing.T) {
	h := newHarness(t, server.Options{})
	c := h.connected(alice, network.Options{})

	require.NoError(t, c.Disconnect())
	assert.Equal(t, network.StateDisconnected, c.State())
	_, ok := c.Session()
	assert.False(t, ok)

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, network.StateAuthenticated, c.State())
}

func TestMessageOrdering(t *testing.T) {
	h := newHarness(t, server.Options{})
	sender := h.connected(alice, network.Options{})
	recipient := h.connected(bob, network.Options{})
	messages := watch[network.IncomingMessage](t, recipient, network.KindMessage)

	const n = 25
	for i := 0; i < n; i++ {
		_, err := sender.SendText(context.Background(), bob, fmt.Sprintf("message %d", i))
		require.NoError(t, err)
	}
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("message %d", i), receive(t, messages).Text)
	}
}

func TestReceiptsAndMarkRead(t *testing.T) {
	h := newHarness(t, server.Options{})
	sender := h.connected(alice, network.Options{})
	recipient := h.connected(bob, network.Options{})
	receipts := watch[network.DeliveryReceipt](t, sender, network.KindReceipt)
	messages := watch[network.IncomingMessage](t, recipient, network.KindMessage)

	ctx := context.Background()
	id, err := sender.SendText(ctx, bob, "read me", network.WithMessageID("CUSTOM-1"))
	require.NoError(t, err)
	assert.Equal(t, "CUSTOM-1", id)

	msg := receive(t, messages)
	r := receive(t, receipts)
	assert.Equal(t, id, r.ID)
	assert.Equal(t, protocol.ReceiptDelivery, r.Type)

	require.NoError(t, recipient.MarkRead(ctx, msg.From, msg.ID))
	r = receive(t, receipts)
	assert.Equal(t, protocol.ReceiptRead, r.Type)
	assert.Equal(t, protocol.UserJID(bob), r.From)

	_, err = sender.SendText(ctx, bob, "again", network.WithMessageID("CUSTOM-1"), network.Quoting("CUSTOM-1"))
	require.NoError(t, err)
}

func TestDuplicateMessagesSuppressed(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "bob.db"))
	require.NoError(t, err)
	defer db.Close()

	h := newHarness(t, server.Options{})
	sender := h.connected(alice, network.Options{})
	recipient := h.connected(bob, network.Options{Credentials: db, MessageLog: db})
	receipts := watch[network.DeliveryReceipt](t, sender, network.KindReceipt)
	messages := watch[network.IncomingMessage](t, recipient, network.KindMessage)
	ctx := context.Background()

	_, err = sender.SendText(ctx, bob, "once", network.WithMessageID("DUP-1"))
	require.NoError(t, err)
	assert.Equal(t, "once", receive(t, messages).Text)
	assert.Equal(t, "DUP-1", receive(t, receipts).ID)

	// redelivered after the receipt: acknowledged again, not emitted again
	_, err = sender.SendText(ctx, bob, "twice", network.WithMessageID("DUP-1"))
	require.NoError(t, err)
	assert.Equal(t, "DUP-1", receive(t, receipts).ID)
	_, err = sender.SendText(ctx, bob, "marker", network.WithMessageID("MARK-1"))
	require.NoError(t, err)
	assert.Equal(t, "marker", receive(t, messages).Text)

	// a restarted client only has the message log to go by
	require.NoError(t, recipient.Close())
	restarted, err := network.NewClient(network.Options{
		Dialer:      h.srv.Dialer(),
		Credentials: db,
		MessageLog:  db,
		Metrics:     metrics.New(nil),
	})
	require.NoError(t, err)
	defer restarted.Close()
	messages = watch[network.IncomingMessage](t, restarted, network.KindMessage)
	require.NoError(t, restarted.Connect(ctx))

	_, err = sender.SendText(ctx, bob, "thrice", network.WithMessageID("DUP-1"))
	require.NoError(t, err)
	_, err = sender.SendText(ctx, bob, "after restart", network.WithMessageID("MARK-2"))
	require.NoError(t, err)
	assert.Equal(t, "after restart", receive(t, messages).Text)
	select {
	case m := <-messages:
		t.Fatalf("unexpected message %s %q", m.ID, m.Text)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMessageLogAndDirectoryPersistence(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "bob.db"))
	require.NoError(t, err)
	defer db.Close()

	h := newHarness(t, server.Options{})
	sender := h.connected(alice, network.Options{PushName: "Alice"})
	recipient := h.connected(bob, network.Options{Credentials: db, MessageLog: db, Store: db})
	messages := watch[network.IncomingMessage](t, recipient, network.KindMessage)
	receipts := watch[network.DeliveryReceipt](t, recipient, network.KindReceipt)
	ctx := context.Background()

	in, err := sender.SendText(ctx, bob, "stored")
	require.NoError(t, err)
	receive(t, messages)

	rec, err := db.GetMessage(ctx, protocol.UserJID(alice), in)
	require.NoError(t, err)
	assert.Equal(t, "stored", rec.Text)
	assert.Equal(t, network.StatusReceived, rec.Status)

	out, err := recipient.SendText(ctx, alice, "reply")
	require.NoError(t, err)
	receive(t, receipts)
	require.Eventually(t, func() bool {
		rec, err := db.GetMessage(ctx, protocol.UserJID(alice), out)
		return err == nil && rec.Status == network.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)

	convs, err := db.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "reply", convs[0].LastMessage)

	g, err := recipient.CreateGroup(ctx, "book club", []string{alice})
	require.NoError(t, err)
	groups, err := db.Groups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, g.ID, groups[0].ID)

	require.NoError(t, sender.SetPresence(ctx, network.PresenceAvailable))
	require.Eventually(t, func() bool {
		ct, err := db.GetContact(ctx, protocol.UserJID(alice))
		return err == nil && ct.Presence == protocol.PresenceAvailable
	}, 2*time.Second, 10*time.Millisecond)

	creds, err := db.LoadCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, bob, creds.Phone)
}

func TestCompressionAndHeartbeat(t *testing.T) {
	h := newHarness(t, server.Options{EnableCompression: true})
	opts := network.Options{EnableCompression: true, CompressionThreshold: 64, HeartbeatInterval: 50 * time.Millisecond}
	sender := h.connected(alice, opts)
	recipient := h.connected(bob, opts)
	messages := watch[network.IncomingMessage](t, recipient, network.KindMessage)

	long := strings.Repeat("all work and no play ", 200)
	_, err := sender.SendText(context.Background(), bob, long)
	require.NoError(t, err)
	assert.Equal(t, long, receive(t, messages).Text)

	require.Eventually(t, func() bool { return framesSent(sender, protocol.TagIQ) >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, network.StateAuthenticated, sender.State())
}

func TestClientRateLimit(t *testing.T) {
	h := newHarness(t, server.Options{})
	c := h.connected(alice, network.Options{MessagesPerSecond: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.SendText(ctx, bob, "first")
	require.NoError(t, err)
	_, err = c.SendText(ctx, bob, "second")
	assert.ErrorIs(t, err, network.ErrTimeout)
	assert.Equal(t, float64(1), framesSent(c, protocol.TagMessage))
}
