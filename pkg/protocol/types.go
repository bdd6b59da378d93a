package protocol

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Protocol constants
const (
	// Protocol version announced in the hello node
	ProtocolVersion = "1"

	// Maximum node nesting accepted by the codec
	MaxDepth = 32

	// Maximum attributes or children per node
	MaxElements = 1 << 16

	// Server names used in JIDs
	UserServer  = "s.whatsapp.net"
	GroupServer = "g.us"
)

// Tags
const (
	TagHello        = "hello"
	TagChallenge    = "challenge"
	TagAuth         = "auth"
	TagSuccess      = "success"
	TagFailure      = "failure"
	TagStreamError  = "stream:error"
	TagMessage      = "message"
	TagAck          = "ack"
	TagReceipt      = "receipt"
	TagIQ           = "iq"
	TagPresence     = "presence"
	TagChatState    = "chatstate"
	TagNotification = "notification"
	TagBody         = "body"
	TagMedia        = "media"
	TagLocation     = "location"
	TagContacts     = "contacts"
	TagVCard        = "vcard"
	TagQuoted       = "quoted"
	TagGroup        = "group"
	TagParticipant  = "participant"
	TagCreate       = "create"
	TagAdd          = "add"
	TagRemove       = "remove"
	TagLeave        = "leave"
	TagSubject      = "subject"
	TagUpload       = "upload"
	TagDownload     = "download"
	TagPing         = "ping"
	TagError        = "error"
	TagComposing    = "composing"
	TagPaused       = "paused"
)

// Attribute keys
const (
	AttrID          = "id"
	AttrTo          = "to"
	AttrFrom        = "from"
	AttrType        = "type"
	AttrClass       = "class"
	AttrTime        = "t"
	AttrParticipant = "participant"
	AttrNotify      = "notify"
	AttrXMLNS       = "xmlns"
	AttrCode        = "code"
	AttrText        = "text"
	AttrReason      = "reason"
	AttrVersion     = "v"
	AttrSuite       = "suite"
	AttrDict        = "dict"
	AttrPhone       = "phone"
	AttrDevice      = "device"
	AttrNonce       = "nonce"
	AttrName        = "name"
	AttrLast        = "last"
	AttrJID         = "jid"
	AttrSubject     = "subject"
	AttrCreator     = "creator"
	AttrCreation    = "creation"
	AttrURL         = "url"
	AttrMime        = "mimetype"
	AttrSize        = "size"
	AttrHash        = "hash"
	AttrKey         = "key"
	AttrCaption     = "caption"
	AttrFileName    = "filename"
	AttrMediaType   = "mediatype"
	AttrLatitude    = "latitude"
	AttrLongitude   = "longitude"
	AttrError       = "error"
	AttrMedia       = "media"
)

// IQ types and namespaces
const (
	IQGet    = "get"
	IQSet    = "set"
	IQResult = "result"
	IQError  = "error"

	NamespaceGroups = "w:g2"
	NamespaceMedia  = "w:m"
	NamespacePing   = "w:p"

	NotificationGroup = "w:gp2"
)

// Ack classes
const (
	ClassMessage      = "message"
	ClassReceipt      = "receipt"
	ClassPresence     = "presence"
	ClassChatState    = "chatstate"
	ClassNotification = "notification"
)

// Message content types
const (
	ContentTypeText     = "text"
	ContentTypeMedia    = "media"
	ContentTypeLocation = "location"
	ContentTypeContact  = "contact"
)

// Media types
const (
	MediaImage    = "image"
	MediaVideo    = "video"
	MediaAudio    = "audio"
	MediaDocument = "document"
	MediaSticker  = "sticker"
)

// Presence and chat states
const (
	PresenceAvailable   = "available"
	PresenceUnavailable = "unavailable"

	ChatStateComposing = "composing"
	ChatStateRecording = "recording"
	ChatStatePaused    = "paused"
)

// Receipt types
const (
	ReceiptDelivery = "delivery"
	ReceiptRead     = "read"
	ReceiptPlayed   = "played"
)

// ===== HELPER FUNCTIONS =====

// GenerateMessageID generates a message id that is unique per sending device.
func GenerateMessageID() string {
	id := uuid.New()
	return "3EB0" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))
}

// NowUnix returns current time in Unix seconds
func NowUnix() int64 {
	return time.Now().Unix()
}
