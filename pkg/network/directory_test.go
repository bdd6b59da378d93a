package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/pocksup/pkg/crypto"
	"github.com/ZentaChain/pocksup/pkg/protocol"
	"github.com/ZentaChain/pocksup/pkg/transport"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, ErrorKindNone},
		{fmt.Errorf("send: %w", ErrBadParam), ErrorKindBadParam},
		{protocol.ErrInvalidPhone, ErrorKindBadParam},
		{ErrMediaTooLarge, ErrorKindBadParam},
		{ErrNotConnected, ErrorKindNotConnected},
		{ErrNoCredentials, ErrorKindNotConnected},
		{context.DeadlineExceeded, ErrorKindTimeout},
		{fmt.Errorf("%w: rejected", crypto.ErrAuth), ErrorKindAuth},
		{&ServerError{Code: CodeRateLimited}, ErrorKindRateLimited},
		{&ServerError{Code: 404, Text: "item-not-found"}, ErrorKindServer},
		{ErrStreamError, ErrorKindProtocol},
		{crypto.ErrReplayDetected, ErrorKindCrypto},
		{fmt.Errorf("%w: %w", ErrConnectionLost, io.EOF), ErrorKindIO},
		{transport.ErrIO, ErrorKindIO},
		{errors.New("something else"), ErrorKindInternal},
	}
	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestServerError(t *testing.T) {
	err := error(&ServerError{Code: 429, Text: "rate-overlimit"})
	assert.ErrorIs(t, err, ErrServer)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, "server error 429: rate-overlimit", err.Error())

	err = &ServerError{Code: 500}
	assert.NotErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, "server error 500", err.Error())
}

func TestReconnectable(t *testing.T) {
	assert.True(t, reconnectable(io.EOF))
	assert.False(t, reconnectable(crypto.ErrDecrypt))
	assert.False(t, reconnectable(fmt.Errorf("%w: replayed", crypto.ErrReplayDetected)))
}

func TestDirectoryGroupUpdates(t *testing.T) {
	const (
		self  = "15550000001@s.whatsapp.net"
		other = "15550000002@s.whatsapp.net"
		third = "15550000003@s.whatsapp.net"
		gid   = "15550000001-ABCDEF@g.us"
	)
	d := NewDirectory()
	now := time.Unix(1700000000, 0)

	g, ok := d.applyGroupUpdate(GroupUpdate{Group: gid, Action: protocol.TagCreate, Subject: "trip",
		Participants: []string{other, self}, Actor: self, Timestamp: now}, self)
	require.True(t, ok)
	assert.Equal(t, "trip", g.Subject)
	assert.Equal(t, self, g.Creator)
	assert.Equal(t, []Participant{{JID: self}, {JID: other}}, g.Participants)

	g, ok = d.applyGroupUpdate(GroupUpdate{Group: gid, Action: protocol.TagAdd, Participants: []string{third, other}}, self)
	require.True(t, ok)
	assert.Len(t, g.Participants, 3)

	_, ok = d.applyGroupUpdate(GroupUpdate{Group: gid, Action: protocol.TagSubject, Subject: "road trip"}, self)
	require.True(t, ok)

	g, ok = d.applyGroupUpdate(GroupUpdate{Group: gid, Action: protocol.TagRemove, Participants: []string{other}}, self)
	require.True(t, ok)
	assert.False(t, g.HasParticipant(other))
	assert.Equal(t, "road trip", g.Subject)

	// snapshots handed out earlier are not mutated
	snap, ok := d.Group(gid)
	require.True(t, ok)
	snap.Participants[0].JID = "mutated"
	again, _ := d.Group(gid)
	assert.Equal(t, self, again.Participants[0].JID)

	_, ok = d.applyGroupUpdate(GroupUpdate{Group: gid, Action: protocol.TagRemove, Participants: []string{self}}, self)
	assert.False(t, ok)
	_, ok = d.Group(gid)
	assert.False(t, ok)
	assert.Empty(t, d.Groups())
}

func TestDirectoryContacts(t *testing.T) {
	d := NewDirectory()
	d.PutContact(Contact{JID: "b@s.whatsapp.net", PushName: "Bea"})
	d.updateContact("a@s.whatsapp.net", func(c *Contact) { c.Presence = protocol.PresenceAvailable })

	all := d.Contacts()
	require.Len(t, all, 2)
	assert.Equal(t, "a@s.whatsapp.net", all[0].JID)
	assert.Equal(t, protocol.PresenceAvailable, all[0].Presence)

	c, ok := d.Contact("b@s.whatsapp.net")
	require.True(t, ok)
	assert.Equal(t, "Bea", c.PushName)
}

func TestCredentials(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCredentials()
	_, err := store.LoadCredentials(ctx)
	assert.ErrorIs(t, err, ErrNoCredentials)

	creds := Credentials{Phone: "15550000001", DeviceID: "dev", Secret: []byte("secret")}
	require.NoError(t, creds.Validate())
	require.NoError(t, store.SaveCredentials(ctx, creds))

	creds.Secret[0] = 'X'
	got, err := store.LoadCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got.Secret)

	assert.ErrorIs(t, Credentials{Phone: "15550000001", Secret: []byte("s")}.Validate(), ErrBadParam)
	assert.ErrorIs(t, Credentials{Phone: "15550000001", DeviceID: "d"}.Validate(), ErrBadParam)
	assert.Error(t, Credentials{Phone: "12", DeviceID: "d", Secret: []byte("s")}.Validate())
}
