package protocol

import (
	"fmt"
	"strconv"
)

// ===== MESSAGE CONTENT =====

// MediaInfo describes an uploaded media blob
type MediaInfo struct {
	Type     string // image, video, audio, document, sticker
	MimeType string
	URL      string
	FileName string
	Caption  string
	Size     int64
	Hash     []byte // BLAKE2b-256 of the encrypted blob
	Key      []byte // media key, shared with the recipient only
}

// Location is a geographic point with an optional label
type Location struct {
	Latitude  float64
	Longitude float64
	Name      string
}

// ContactCard is one shared contact
type ContactCard struct {
	Name  string
	VCard string
}

// BodyNode builds a text body
func BodyNode(text string) Node {
	return Node{Tag: TagBody, Content: []byte(text)}
}

// MediaNode builds a media reference
func MediaNode(m MediaInfo) Node {
	n := Node{Tag: TagMedia}
	n.SetAttr(String(AttrMediaType, m.Type))
	n.SetAttr(String(AttrMime, m.MimeType))
	n.SetAttr(String(AttrURL, m.URL))
	n.SetAttr(Int(AttrSize, m.Size))
	if len(m.Hash) > 0 {
		n.SetAttr(Bytes(AttrHash, m.Hash))
	}
	if len(m.Key) > 0 {
		n.SetAttr(Bytes(AttrKey, m.Key))
	}
	if m.FileName != "" {
		n.SetAttr(String(AttrFileName, m.FileName))
	}
	if m.Caption != "" {
		n.SetAttr(String(AttrCaption, m.Caption))
	}
	return n
}

// ParseMedia reads a media reference
func ParseMedia(n *Node) (MediaInfo, error) {
	if n.Tag != TagMedia {
		return MediaInfo{}, fmt.Errorf("%w: expected <%s>, got <%s>", ErrInvalidNode, TagMedia, n.Tag)
	}
	size, _ := n.AttrInt(AttrSize)
	m := MediaInfo{
		Type:     n.AttrString(AttrMediaType),
		MimeType: n.AttrString(AttrMime),
		URL:      n.AttrString(AttrURL),
		FileName: n.AttrString(AttrFileName),
		Caption:  n.AttrString(AttrCaption),
		Size:     size,
		Hash:     n.AttrBytes(AttrHash),
		Key:      n.AttrBytes(AttrKey),
	}
	if m.URL == "" {
		return MediaInfo{}, fmt.Errorf("%w: media without url", ErrInvalidNode)
	}
	return m, nil
}

// LocationNode builds a location share
func LocationNode(loc Location) Node {
	n := Node{Tag: TagLocation, Attrs: []Attr{
		String(AttrLatitude, strconv.FormatFloat(loc.Latitude, 'f', -1, 64)),
		String(AttrLongitude, strconv.FormatFloat(loc.Longitude, 'f', -1, 64)),
	}}
	if loc.Name != "" {
		n.SetAttr(String(AttrName, loc.Name))
	}
	return n
}

// ParseLocation reads a location share
func ParseLocation(n *Node) (Location, error) {
	lat, err := strconv.ParseFloat(n.AttrString(AttrLatitude), 64)
	if err != nil {
		return Location{}, fmt.Errorf("%w: latitude: %w", ErrInvalidNode, err)
	}
	lon, err := strconv.ParseFloat(n.AttrString(AttrLongitude), 64)
	if err != nil {
		return Location{}, fmt.Errorf("%w: longitude: %w", ErrInvalidNode, err)
	}
	return Location{Latitude: lat, Longitude: lon, Name: n.AttrString(AttrName)}, nil
}

// ContactsNode builds a contact-card share
func ContactsNode(cards ...ContactCard) Node {
	n := Node{Tag: TagContacts, Children: make([]Node, 0, len(cards))}
	for _, c := range cards {
		n.AddChild(Node{
			Tag:     TagVCard,
			Attrs:   []Attr{String(AttrName, c.Name)},
			Content: []byte(c.VCard),
		})
	}
	return n
}

// ParseContacts reads a contact-card share
func ParseContacts(n *Node) []ContactCard {
	var cards []ContactCard
	for _, v := range n.ChildrenByTag(TagVCard) {
		cards = append(cards, ContactCard{Name: v.AttrString(AttrName), VCard: string(v.Content)})
	}
	return cards
}

// ===== STANZAS =====

// MessageNode builds an outbound message stanza. quoted may be empty.
func MessageNode(id, to, contentType string, payload Node, quoted string) *Node {
	n := &Node{
		Tag: TagMessage,
		Attrs: []Attr{
			String(AttrID, id),
			String(AttrTo, to),
			String(AttrType, contentType),
			Int(AttrTime, NowUnix()),
		},
		Children: []Node{payload},
	}
	if quoted != "" {
		n.AddChild(Node{Tag: TagQuoted, Attrs: []Attr{String(AttrID, quoted)}})
	}
	return n
}

// AckNode acknowledges an inbound stanza of the given class
func AckNode(id, class string) *Node {
	return NewNode(TagAck, String(AttrID, id), String(AttrClass, class))
}

// ReceiptNode reports delivery or read state of a message back to its sender
func ReceiptNode(id, to, receiptType string) *Node {
	return NewNode(TagReceipt,
		String(AttrID, id),
		String(AttrTo, to),
		String(AttrType, receiptType),
	)
}

// IQNode builds an info/query stanza. to may be empty.
func IQNode(id, iqType, xmlns, to string, children ...Node) *Node {
	n := NewNode(TagIQ, String(AttrID, id), String(AttrType, iqType), String(AttrXMLNS, xmlns))
	if to != "" {
		n.SetAttr(String(AttrTo, to))
	}
	if len(children) > 0 {
		n.Children = children
	}
	return n
}

// PingNode builds a keepalive query
func PingNode(id string) *Node {
	return IQNode(id, IQGet, NamespacePing, "", Node{Tag: TagPing})
}

// ErrorInfo extracts the server error carried by an iq error or a failed ack
func ErrorInfo(n *Node) (code int64, text string, ok bool) {
	if n.Tag == TagAck {
		if _, has := n.Attr(AttrError); !has {
			return 0, "", false
		}
		code, _ = n.AttrInt(AttrError)
		return code, n.AttrString(AttrText), true
	}
	if n.Tag == TagIQ && n.AttrString(AttrType) == IQError {
		if e, found := n.Child(TagError); found {
			code, _ = e.AttrInt(AttrCode)
			return code, e.AttrString(AttrText), true
		}
		return 0, "", true
	}
	return 0, "", false
}

// ErrorNode builds the error child of an iq error reply
func ErrorNode(code int64, text string) Node {
	return Node{Tag: TagError, Attrs: []Attr{Int(AttrCode, code), String(AttrText, text)}}
}
