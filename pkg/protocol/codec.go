package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// ErrMalformedFrame is returned when a frame body cannot be decoded
var ErrMalformedFrame = errors.New("malformed frame")

// Frame body flags
const (
	FlagCompressed byte = 0x02

	knownFlags = FlagCompressed
)

// Value type bytes. Every encoded string or attribute value starts with one.
const (
	valToken    byte = 0x01 // 1-byte dictionary index
	valTokenExt byte = 0x02 // 2-byte dictionary index
	valString   byte = 0x03 // uvarint length + UTF-8 bytes
	valInt      byte = 0x04 // zig-zag varint
	valBinary   byte = 0x05 // uvarint length + raw bytes
	valJID      byte = 0x06 // user string + server string
)

// Content markers following the attribute list
const (
	contentNone   byte = 0x00
	contentList   byte = 0x10
	contentBinary byte = 0x11
)

const (
	// DefaultCompressThreshold is the smallest body considered for compression
	DefaultCompressThreshold = 256

	// DefaultMaxBodyBytes bounds the decompressed body size
	DefaultMaxBodyBytes = 4 << 20
)

// Codec encodes nodes to frame bodies and back. A Codec is safe for
// concurrent use; it holds no per-frame state.
type Codec struct {
	dict              *Dictionary
	dicts             *DictionaryRegistry
	compress          bool
	compressThreshold int
	maxBodyBytes      int
}

// CodecOption configures a Codec
type CodecOption func(*Codec)

// WithCompression enables zlib compression of bodies at least threshold bytes long
func WithCompression(threshold int) CodecOption {
	return func(c *Codec) {
		c.compress = true
		if threshold > 0 {
			c.compressThreshold = threshold
		}
	}
}

// WithDictionaries sets the registry used to resolve dictionary versions on decode
func WithDictionaries(r *DictionaryRegistry) CodecOption {
	return func(c *Codec) {
		c.dicts = r
	}
}

// WithMaxBodyBytes bounds decoded body size
func WithMaxBodyBytes(n int) CodecOption {
	return func(c *Codec) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// NewCodec creates a codec that encodes with dict. A nil dict selects DictionaryV1.
func NewCodec(dict *Dictionary, opts ...CodecOption) *Codec {
	if dict == nil {
		dict = DictionaryV1
	}
	c := &Codec{
		dict:              dict,
		compressThreshold: DefaultCompressThreshold,
		maxBodyBytes:      DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dicts == nil {
		c.dicts = NewDictionaryRegistry(DictionaryV1, dict)
	}
	return c
}

// Dictionary returns the dictionary used for encoding
func (c *Codec) Dictionary() *Dictionary {
	return c.dict
}

// ===== ENCODING =====

// Marshal encodes a node into a frame body
func (c *Codec) Marshal(n *Node) ([]byte, error) {
	if n == nil {
		return nil, fmt.Errorf("%w: nil node", ErrInvalidNode)
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}

	body := make([]byte, 0, 64)
	body = c.appendNode(body, n)

	flags := byte(0)
	if c.compress && len(body) >= c.compressThreshold {
		if packed, err := deflate(body); err == nil && len(packed) < len(body) {
			body = packed
			flags |= FlagCompressed
		}
	}

	out := make([]byte, 0, len(body)+2)
	out = append(out, flags, c.dict.Version())
	return append(out, body...), nil
}

func (c *Codec) appendNode(buf []byte, n *Node) []byte {
	buf = c.appendString(buf, n.Tag)
	buf = binary.AppendUvarint(buf, uint64(len(n.Attrs)))
	for _, a := range n.Attrs {
		buf = c.appendString(buf, a.Key)
		buf = c.appendValue(buf, a.Value)
	}

	switch {
	case n.Children != nil:
		buf = append(buf, contentList)
		buf = binary.AppendUvarint(buf, uint64(len(n.Children)))
		for i := range n.Children {
			buf = c.appendNode(buf, &n.Children[i])
		}
	case n.Content != nil:
		buf = append(buf, contentBinary)
		buf = binary.AppendUvarint(buf, uint64(len(n.Content)))
		buf = append(buf, n.Content...)
	default:
		buf = append(buf, contentNone)
	}
	return buf
}

func (c *Codec) appendValue(buf []byte, v any) []byte {
	switch val := v.(type) {
	case string:
		return c.appendString(buf, val)
	case int64:
		buf = append(buf, valInt)
		return binary.AppendVarint(buf, val)
	case []byte:
		buf = append(buf, valBinary)
		buf = binary.AppendUvarint(buf, uint64(len(val)))
		return append(buf, val...)
	}
	// unreachable after Validate
	return buf
}

// appendString picks the most compact representation of s
func (c *Codec) appendString(buf []byte, s string) []byte {
	if i, ok := c.dict.Index(s); ok {
		return appendToken(buf, i)
	}
	if user, server, ok := strings.Cut(s, "@"); ok && user != "" && !strings.Contains(server, "@") {
		if i, ok := c.dict.Index(server); ok {
			buf = append(buf, valJID)
			buf = c.appendString(buf, user)
			return appendToken(buf, i)
		}
	}
	buf = append(buf, valString)
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendToken(buf []byte, i int) []byte {
	if i < 256 {
		return append(buf, valToken, byte(i))
	}
	return append(buf, valTokenExt, byte(i>>8), byte(i))
}

func deflate(body []byte) ([]byte, error) {
	var b bytes.Buffer
	w := zlib.NewWriter(&b)
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// ===== DECODING =====

// Unmarshal decodes a frame body. Any structural problem is reported as ErrMalformedFrame.
func (c *Codec) Unmarshal(data []byte) (*Node, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrMalformedFrame, len(data))
	}
	flags, version := data[0], data[1]
	if flags&^knownFlags != 0 {
		return nil, fmt.Errorf("%w: unknown flags %#02x", ErrMalformedFrame, flags)
	}
	dict, err := c.dicts.Lookup(version)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	body := data[2:]
	if flags&FlagCompressed != 0 {
		body, err = c.inflate(body)
		if err != nil {
			return nil, err
		}
	}

	d := &decoder{buf: body, dict: dict}
	n, err := d.node(0)
	if err != nil {
		return nil, err
	}
	if d.pos != len(d.buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, len(d.buf)-d.pos)
	}
	return n, nil
}

func (c *Codec) inflate(body []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, int64(c.maxBodyBytes)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if len(out) > c.maxBodyBytes {
		return nil, fmt.Errorf("%w: decompressed body exceeds %d bytes", ErrMalformedFrame, c.maxBodyBytes)
	}
	return out, nil
}

type decoder struct {
	buf  []byte
	pos  int
	dict *Dictionary
}

func (d *decoder) fail(format string, args ...any) error {
	return fmt.Errorf("%w: at offset %d: %s", ErrMalformedFrame, d.pos, fmt.Sprintf(format, args...))
}

func (d *decoder) next() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, d.fail("unexpected end of frame")
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		return 0, d.fail("bad uvarint")
	}
	d.pos += n
	return v, nil
}

func (d *decoder) varint() (int64, error) {
	v, n := binary.Varint(d.buf[d.pos:])
	if n <= 0 {
		return 0, d.fail("bad varint")
	}
	d.pos += n
	return v, nil
}

// count reads an element count and checks it against the bytes left
func (d *decoder) count() (int, error) {
	v, err := d.uvarint()
	if err != nil {
		return 0, err
	}
	if v > MaxElements || v > uint64(len(d.buf)-d.pos) {
		return 0, d.fail("element count %d out of range", v)
	}
	return int(v), nil
}

func (d *decoder) raw() ([]byte, error) {
	v, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	if v > uint64(len(d.buf)-d.pos) {
		return nil, d.fail("length %d exceeds remaining %d bytes", v, len(d.buf)-d.pos)
	}
	out := make([]byte, v)
	copy(out, d.buf[d.pos:])
	d.pos += int(v)
	return out, nil
}

func (d *decoder) token(i int) (string, error) {
	s, ok := d.dict.Token(i)
	if !ok {
		return "", d.fail("unknown token %d", i)
	}
	return s, nil
}

// value decodes one typed value. Strings come back as string, never []byte.
func (d *decoder) value() (any, error) {
	t, err := d.next()
	if err != nil {
		return nil, err
	}
	switch t {
	case valToken:
		i, err := d.next()
		if err != nil {
			return nil, err
		}
		return d.token(int(i))
	case valTokenExt:
		hi, err := d.next()
		if err != nil {
			return nil, err
		}
		lo, err := d.next()
		if err != nil {
			return nil, err
		}
		return d.token(int(hi)<<8 | int(lo))
	case valString:
		b, err := d.raw()
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case valInt:
		return d.varint()
	case valBinary:
		return d.raw()
	case valJID:
		user, err := d.string()
		if err != nil {
			return nil, err
		}
		server, err := d.string()
		if err != nil {
			return nil, err
		}
		return user + "@" + server, nil
	}
	return nil, d.fail("unknown value type %#02x", t)
}

func (d *decoder) string() (string, error) {
	v, err := d.value()
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", d.fail("expected string, got %T", v)
	}
	return s, nil
}

func (d *decoder) node(depth int) (*Node, error) {
	if depth > MaxDepth {
		return nil, d.fail("nesting deeper than %d", MaxDepth)
	}
	tag, err := d.string()
	if err != nil {
		return nil, err
	}
	if tag == "" {
		return nil, d.fail("empty tag")
	}
	n := &Node{Tag: tag}

	nattrs, err := d.count()
	if err != nil {
		return nil, err
	}
	if nattrs > 0 {
		n.Attrs = make([]Attr, 0, nattrs)
	}
	for range nattrs {
		key, err := d.string()
		if err != nil {
			return nil, err
		}
		if key == "" {
			return nil, d.fail("empty attribute key")
		}
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		n.Attrs = append(n.Attrs, Attr{Key: key, Value: v})
	}

	marker, err := d.next()
	if err != nil {
		return nil, err
	}
	switch marker {
	case contentNone:
	case contentList:
		nchildren, err := d.count()
		if err != nil {
			return nil, err
		}
		n.Children = make([]Node, 0, nchildren)
		for range nchildren {
			child, err := d.node(depth + 1)
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, *child)
		}
	case contentBinary:
		if n.Content, err = d.raw(); err != nil {
			return nil, err
		}
	default:
		return nil, d.fail("unknown content marker %#02x", marker)
	}
	return n, nil
}
