package network

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/ZentaChain/pocksup/pkg/crypto"
	"github.com/ZentaChain/pocksup/pkg/protocol"
)

// OutboundMessage is one message to send. Exactly one of Text, Media,
// Location and Contacts must be set.
type OutboundMessage struct {
	ID       string // generated when empty
	To       string // phone number or JID
	Text     string
	Media    *protocol.MediaInfo
	Location *protocol.Location
	Contacts []protocol.ContactCard
	QuotedID string
}

// SendOption adjusts an outbound message
type SendOption func(*OutboundMessage)

// Quoting marks the message as a reply to messageID
func Quoting(messageID string) SendOption {
	return func(m *OutboundMessage) { m.QuotedID = messageID }
}

// WithMessageID sets the message id instead of generating one
func WithMessageID(id string) SendOption {
	return func(m *OutboundMessage) { m.ID = id }
}

// MediaDescriptor describes media bytes handed to SendMedia or returned by
// DownloadMedia
type MediaDescriptor struct {
	Type     string // image, video, audio, document, sticker; derived from MimeType when empty
	MimeType string // detected from the bytes when empty
	Size     int64
	FileName string
	Caption  string
}

// MediaRef points at uploaded media, as carried by an IncomingMessage
type MediaRef = protocol.MediaInfo

// recipient validates a phone number or JID and returns the JID
func recipient(to string) (string, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return "", fmt.Errorf("%w: empty recipient", ErrBadParam)
	}
	if strings.Contains(to, "@") {
		if protocol.PhoneFromJID(to) == "" {
			return "", fmt.Errorf("%w: invalid jid %q", ErrBadParam, to)
		}
		return to, nil
	}
	phone := protocol.NormalizePhone(to)
	if err := protocol.ValidatePhone(phone); err != nil {
		return "", fmt.Errorf("%w: %w", ErrBadParam, err)
	}
	return protocol.UserJID(phone), nil
}

// payload builds the content node of msg
func (m OutboundMessage) payload() (string, protocol.Node, error) {
	var (
		contentType string
		node        protocol.Node
		variants    int
	)
	if m.Text != "" {
		contentType, node = protocol.ContentTypeText, protocol.BodyNode(m.Text)
		variants++
	}
	if m.Media != nil {
		if m.Media.URL == "" {
			return "", protocol.Node{}, fmt.Errorf("%w: media without url", ErrBadParam)
		}
		contentType, node = protocol.ContentTypeMedia, protocol.MediaNode(*m.Media)
		variants++
	}
	if m.Location != nil {
		if m.Location.Latitude < -90 || m.Location.Latitude > 90 ||
			m.Location.Longitude < -180 || m.Location.Longitude > 180 {
			return "", protocol.Node{}, fmt.Errorf("%w: location out of range", ErrBadParam)
		}
		contentType, node = protocol.ContentTypeLocation, protocol.LocationNode(*m.Location)
		variants++
	}
	if len(m.Contacts) > 0 {
		contentType, node = protocol.ContentTypeContact, protocol.ContactsNode(m.Contacts...)
		variants++
	}
	if variants != 1 {
		return "", protocol.Node{}, fmt.Errorf("%w: message needs exactly one content, has %d", ErrBadParam, variants)
	}
	return contentType, node, nil
}

// Send delivers a message and waits for the server ack. It returns the
// message id.
func (c *Client) Send(ctx context.Context, msg OutboundMessage) (string, error) {
	to, err := recipient(msg.To)
	if err != nil {
		return "", err
	}
	contentType, payload, err := msg.payload()
	if err != nil {
		return "", err
	}
	id := msg.ID
	if id == "" {
		id = protocol.GenerateMessageID()
	}

	n := protocol.MessageNode(id, to, contentType, payload, msg.QuotedID)
	_, err = c.request(ctx, n, protocol.MatchAck(protocol.ClassMessage))

	rec := MessageRecord{
		ID:        id,
		Chat:      to,
		Sender:    c.selfJID(),
		Outgoing:  true,
		Type:      contentType,
		Text:      msg.Text,
		MediaURL:  mediaURL(msg.Media),
		QuotedID:  msg.QuotedID,
		Status:    StatusSent,
		Timestamp: time.Now(),
	}
	switch {
	case err == nil:
		c.logMessage(ctx, rec)
		c.logger.Debug().Str("id", id).Str("jid", to).Str("type", contentType).Msg("message sent")
	case errors.Is(err, ErrServer):
		rec.Status = StatusFailed
		c.logMessage(ctx, rec)
	}
	return id, err
}

func (c *Client) SendText(ctx context.Context, to, text string, opts ...SendOption) (string, error) {
	if text == "" {
		return "", fmt.Errorf("%w: empty text", ErrBadParam)
	}
	return c.Send(ctx, newOutbound(OutboundMessage{To: to, Text: text}, opts))
}

func (c *Client) SendLocation(ctx context.Context, to string, loc protocol.Location, opts ...SendOption) (string, error) {
	return c.Send(ctx, newOutbound(OutboundMessage{To: to, Location: &loc}, opts))
}

func (c *Client) SendContact(ctx context.Context, to string, card protocol.ContactCard, opts ...SendOption) (string, error) {
	if card.Name == "" || card.VCard == "" {
		return "", fmt.Errorf("%w: contact needs a name and a vcard", ErrBadParam)
	}
	return c.Send(ctx, newOutbound(OutboundMessage{To: to, Contacts: []protocol.ContactCard{card}}, opts))
}

func newOutbound(m OutboundMessage, opts []SendOption) OutboundMessage {
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// ===== MEDIA =====

// SendMedia encrypts data with a fresh media key, uploads the ciphertext and
// sends a media message carrying the key and the ciphertext hash
func (c *Client) SendMedia(ctx context.Context, to string, data []byte, desc MediaDescriptor, opts ...SendOption) (string, error) {
	jid, err := recipient(to)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty media", ErrBadParam)
	}
	if int64(len(data)) > c.opts.MaxMediaBytes {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrMediaTooLarge, len(data), c.opts.MaxMediaBytes)
	}
	if _, err := c.activeConn(); err != nil {
		return "", err
	}

	desc = describeMedia(data, desc)
	ciphertext, key, err := crypto.EncryptMedia(data)
	if err != nil {
		return "", err
	}
	hash := crypto.Hash(ciphertext)

	upload := protocol.Node{
		Tag: protocol.TagUpload,
		Attrs: []protocol.Attr{
			protocol.String(protocol.AttrMediaType, desc.Type),
			protocol.String(protocol.AttrMime, desc.MimeType),
			protocol.Int(protocol.AttrSize, int64(len(ciphertext))),
			protocol.Bytes(protocol.AttrHash, hash),
		},
		Content: ciphertext,
	}
	resp, err := c.request(ctx, protocol.IQNode(c.corr.NextID(), protocol.IQSet, protocol.NamespaceMedia, "", upload),
		protocol.MatchIQResult())
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	result, ok := resp.Child(protocol.TagUpload)
	if !ok || result.AttrString(protocol.AttrURL) == "" {
		return "", fmt.Errorf("%w: upload result without url", ErrServer)
	}

	info := &protocol.MediaInfo{
		Type:     desc.Type,
		MimeType: desc.MimeType,
		URL:      result.AttrString(protocol.AttrURL),
		FileName: desc.FileName,
		Caption:  desc.Caption,
		Size:     desc.Size,
		Hash:     hash,
		Key:      key,
	}
	return c.Send(ctx, newOutbound(OutboundMessage{To: jid, Media: info}, opts))
}

// DownloadMedia fetches, verifies and decrypts the media ref points at
func (c *Client) DownloadMedia(ctx context.Context, ref MediaRef) ([]byte, MediaDescriptor, error) {
	if ref.URL == "" || len(ref.Key) != crypto.MediaKeySize {
		return nil, MediaDescriptor{}, fmt.Errorf("%w: media ref needs a url and a %d byte key", ErrBadParam, crypto.MediaKeySize)
	}
	download := protocol.Node{
		Tag:   protocol.TagDownload,
		Attrs: []protocol.Attr{protocol.String(protocol.AttrURL, ref.URL)},
	}
	resp, err := c.request(ctx, protocol.IQNode(c.corr.NextID(), protocol.IQGet, protocol.NamespaceMedia, "", download),
		protocol.MatchIQResult())
	if err != nil {
		return nil, MediaDescriptor{}, fmt.Errorf("download media: %w", err)
	}
	result, ok := resp.Child(protocol.TagDownload)
	if !ok {
		return nil, MediaDescriptor{}, fmt.Errorf("%w: download result without content", ErrServer)
	}

	if len(ref.Hash) > 0 && !crypto.VerifyHash(result.Content, ref.Hash) {
		return nil, MediaDescriptor{}, fmt.Errorf("%w: hash mismatch for %s", crypto.ErrMediaIntegrity, ref.URL)
	}
	data, err := crypto.DecryptMedia(result.Content, ref.Key)
	if err != nil {
		return nil, MediaDescriptor{}, err
	}
	return data, MediaDescriptor{
		Type:     ref.Type,
		MimeType: ref.MimeType,
		Size:     int64(len(data)),
		FileName: ref.FileName,
		Caption:  ref.Caption,
	}, nil
}

// describeMedia fills in the MIME type, media type and size
func describeMedia(data []byte, desc MediaDescriptor) MediaDescriptor {
	if desc.MimeType == "" {
		desc.MimeType = mimetype.Detect(data).String()
	}
	if desc.Type == "" {
		desc.Type = MediaTypeFor(desc.MimeType)
	}
	desc.Size = int64(len(data))
	return desc
}

// MediaTypeFor maps a MIME type to a media type
func MediaTypeFor(mimeType string) string {
	switch {
	case mimeType == "image/webp":
		return protocol.MediaSticker
	case strings.HasPrefix(mimeType, "image/"):
		return protocol.MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return protocol.MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return protocol.MediaAudio
	}
	return protocol.MediaDocument
}
