package protocol

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrDuplicateToken     = errors.New("duplicate dictionary token")
	ErrUnknownDictionary  = errors.New("unknown dictionary version")
	ErrDictionaryTooLarge = errors.New("dictionary too large")
)

// Dictionary is a fixed, versioned token table shared by encoder and decoder.
// Index 0 is reserved so a zero byte never decodes to a token.
type Dictionary struct {
	version byte
	tokens  []string
	index   map[string]int
}

// NewDictionary builds a dictionary from an ordered token list
func NewDictionary(version byte, tokens []string) (*Dictionary, error) {
	if len(tokens) >= 1<<16 {
		return nil, ErrDictionaryTooLarge
	}
	d := &Dictionary{
		version: version,
		tokens:  make([]string, 0, len(tokens)+1),
		index:   make(map[string]int, len(tokens)),
	}
	d.tokens = append(d.tokens, "")
	for _, t := range tokens {
		if t == "" {
			continue
		}
		if _, dup := d.index[t]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateToken, t)
		}
		d.index[t] = len(d.tokens)
		d.tokens = append(d.tokens, t)
	}
	return d, nil
}

// MustDictionary is NewDictionary that panics on error. For package-level tables.
func MustDictionary(version byte, tokens []string) *Dictionary {
	d, err := NewDictionary(version, tokens)
	if err != nil {
		panic(err)
	}
	return d
}

// Version returns the dictionary version carried in every frame
func (d *Dictionary) Version() byte {
	return d.version
}

// Len returns the number of tokens
func (d *Dictionary) Len() int {
	return len(d.tokens) - 1
}

// Index looks up the token index of s
func (d *Dictionary) Index(s string) (int, bool) {
	i, ok := d.index[s]
	return i, ok
}

// Token returns the token at index i
func (d *Dictionary) Token(i int) (string, bool) {
	if i <= 0 || i >= len(d.tokens) {
		return "", false
	}
	return d.tokens[i], true
}

// DictionaryRegistry resolves dictionary versions at decode time
type DictionaryRegistry struct {
	mu    sync.RWMutex
	dicts map[byte]*Dictionary
}

// NewDictionaryRegistry creates a registry holding the given dictionaries
func NewDictionaryRegistry(dicts ...*Dictionary) *DictionaryRegistry {
	r := &DictionaryRegistry{dicts: make(map[byte]*Dictionary)}
	for _, d := range dicts {
		r.Register(d)
	}
	return r
}

// Register adds or replaces a dictionary version
func (r *DictionaryRegistry) Register(d *Dictionary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dicts[d.version] = d
}

// Lookup returns the dictionary for a version
func (r *DictionaryRegistry) Lookup(version byte) (*Dictionary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dicts[version]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDictionary, version)
	}
	return d, nil
}

// DictionaryV1 is the default token table.
// Append-only: changing the order of existing entries requires a new version.
var DictionaryV1 = MustDictionary(1, []string{
	// handshake
	TagHello, TagChallenge, TagAuth, TagSuccess, TagFailure, TagStreamError,
	AttrVersion, AttrSuite, AttrDict, AttrPhone, AttrDevice, AttrNonce, AttrReason,
	// stanzas
	TagMessage, TagAck, TagReceipt, TagIQ, TagPresence, TagChatState, TagNotification,
	TagBody, TagMedia, TagLocation, TagContacts, TagVCard, TagQuoted,
	TagGroup, TagParticipant, TagCreate, TagAdd, TagRemove, TagLeave, TagSubject,
	TagUpload, TagDownload, TagPing, TagError, TagComposing, TagPaused,
	// attributes
	AttrID, AttrTo, AttrFrom, AttrType, AttrClass, AttrTime, AttrNotify,
	AttrXMLNS, AttrCode, AttrText, AttrName, AttrLast, AttrJID, AttrCreator,
	AttrCreation, AttrURL, AttrMime, AttrSize, AttrHash, AttrKey, AttrCaption, AttrFileName,
	AttrMediaType, AttrLatitude, AttrLongitude,
	// values
	UserServer, GroupServer,
	IQGet, IQSet, IQResult,
	NamespaceGroups, NamespaceMedia, NamespacePing, NotificationGroup,
	ContentTypeContact,
	MediaImage, MediaVideo, MediaAudio, MediaDocument, MediaSticker,
	PresenceAvailable, PresenceUnavailable, ChatStateRecording,
	ReceiptDelivery, ReceiptRead, ReceiptPlayed,
	"admin", "superadmin", "true", "false", "0", "1",
	"image/jpeg", "image/png", "video/mp4", "audio/ogg", "application/pdf",
	"text/vcard", "application/octet-stream",
	"400", "401", "403", "404", "409", "429", "500",
	"session_expired",
})

// DefaultDictionaries returns a registry holding every built-in dictionary version
func DefaultDictionaries() *DictionaryRegistry {
	return NewDictionaryRegistry(DictionaryV1)
}
