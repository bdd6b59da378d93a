package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateMessageID(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateMessageID()
		if ids[id] {
			t.Fatalf("GenerateMessageID() collision at iteration %d", i)
		}
		ids[id] = true
	}

	id := GenerateMessageID()
	assert.True(t, strings.HasPrefix(id, "3EB0"))
	assert.Len(t, id, 36)
	assert.Equal(t, strings.ToUpper(id), id)
}

func TestMessageNode(t *testing.T) {
	n := MessageNode("m1", UserJID("15550001234"), ContentTypeText, BodyNode("hi"), "q0")

	assert.Equal(t, TagMessage, n.Tag)
	assert.Equal(t, "m1", n.ID())
	assert.Equal(t, "15550001234@s.whatsapp.net", n.AttrString(AttrTo))
	assert.Equal(t, ContentTypeText, n.AttrString(AttrType))

	body, ok := n.Child(TagBody)
	require.True(t, ok)
	assert.Equal(t, "hi", string(body.Content))

	quoted, ok := n.Child(TagQuoted)
	require.True(t, ok)
	assert.Equal(t, "q0", quoted.ID())

	require.NoError(t, n.Validate())
}

func TestMediaNodeParse(t *testing.T) {
	in := MediaInfo{
		Type:     MediaImage,
		MimeType: "image/png",
		URL:      "https://media.example.net/abc",
		FileName: "cat.png",
		Caption:  "a cat",
		Size:     1234,
		Hash:     []byte{1, 2, 3},
		Key:      []byte{4, 5, 6},
	}
	n := MediaNode(in)
	out, err := ParseMedia(&n)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = ParseMedia(&Node{Tag: TagMedia})
	assert.ErrorIs(t, err, ErrInvalidNode)
}

func TestLocationNodeParse(t *testing.T) {
	in := Location{Latitude: 52.520008, Longitude: -13.404954, Name: "Somewhere"}
	n := LocationNode(in)
	out, err := ParseLocation(&n)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = ParseLocation(&Node{Tag: TagLocation, Attrs: []Attr{String(AttrLatitude, "north")}})
	assert.ErrorIs(t, err, ErrInvalidNode)
}

func TestContactsNodeParse(t *testing.T) {
	cards := []ContactCard{
		{Name: "Alice", VCard: "BEGIN:VCARD\nFN:Alice\nEND:VCARD"},
		{Name: "Bob", VCard: "BEGIN:VCARD\nFN:Bob\nEND:VCARD"},
	}
	n := ContactsNode(cards...)
	assert.Equal(t, cards, ParseContacts(&n))
}

func TestErrorInfo(t *testing.T) {
	iqErr := IQNode("1", IQError, NamespaceGroups, "", ErrorNode(404, "item-not-found"))
	code, text, ok := ErrorInfo(iqErr)
	assert.True(t, ok)
	assert.Equal(t, int64(404), code)
	assert.Equal(t, "item-not-found", text)

	ack := AckNode("2", ClassMessage)
	_, _, ok = ErrorInfo(ack)
	assert.False(t, ok)

	ack.SetAttr(Int(AttrError, 429))
	code, _, ok = ErrorInfo(ack)
	assert.True(t, ok)
	assert.Equal(t, int64(429), code)

	_, _, ok = ErrorInfo(IQNode("3", IQResult, NamespacePing, ""))
	assert.False(t, ok)
}

func TestChatState(t *testing.T) {
	for _, state := range []string{ChatStateComposing, ChatStateRecording, ChatStatePaused} {
		n, err := ChatStateNode("c1", UserJID("15550001234"), state)
		require.NoError(t, err)
		got, err := ParseChatState(n)
		require.NoError(t, err)
		assert.Equal(t, state, got)
	}

	_, err := ChatStateNode("c1", "x", "dancing")
	assert.ErrorIs(t, err, ErrInvalidNode)
}

func TestGroupNodes(t *testing.T) {
	create := GroupCreateNode("Friends", []string{"15550001111", "15550002222@s.whatsapp.net"})
	assert.Equal(t, "Friends", create.AttrString(AttrSubject))
	assert.Equal(t, []string{
		"15550001111@s.whatsapp.net",
		"15550002222@s.whatsapp.net",
	}, ParticipantJIDs(&create))

	g := GroupNode("123-456", "Friends", "15550001111@s.whatsapp.net", 1700000000,
		map[string]string{"15550001111@s.whatsapp.net": RoleSuperAdmin})
	assert.Equal(t, "123-456@g.us", g.ID())
	p, ok := g.Child(TagParticipant)
	require.True(t, ok)
	assert.Equal(t, RoleSuperAdmin, p.AttrString(AttrType))
}

func TestNodeString(t *testing.T) {
	n := MessageNode("m1", "1@s.whatsapp.net", ContentTypeText, BodyNode("hi"), "")
	s := n.String()
	assert.Contains(t, s, `<message id="m1"`)
	assert.Contains(t, s, `<body>[2 bytes]</body>`)
}
