package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidNode      = errors.New("invalid node")
	ErrInvalidAttrValue = errors.New("invalid attribute value")
)

// Attr is one node attribute. Value is a string, an int64 or a []byte.
type Attr struct {
	Key   string
	Value any
}

// Node is the logical message unit carried inside a frame.
// A node has either Children or Content, never both.
//
// The wire form does not tell an empty Attrs slice from nil: decoded nodes
// without attributes have nil Attrs, and binary attribute values decode as
// non-nil slices. Use Equal to compare nodes across a round trip.
type Node struct {
	Tag      string
	Attrs    []Attr
	Children []Node
	Content  []byte
}

// NewNode creates a node with the given tag and attributes
func NewNode(tag string, attrs ...Attr) *Node {
	return &Node{Tag: tag, Attrs: attrs}
}

// String builds a string attribute
func String(key, value string) Attr {
	return Attr{Key: key, Value: value}
}

// Int builds an integer attribute
func Int(key string, value int64) Attr {
	return Attr{Key: key, Value: value}
}

// Bytes builds a binary attribute
func Bytes(key string, value []byte) Attr {
	if value == nil {
		value = []byte{}
	}
	return Attr{Key: key, Value: value}
}

// Validate checks the structural invariants of the node tree
func (n *Node) Validate() error {
	return n.validate(0)
}

func (n *Node) validate(depth int) error {
	if depth > MaxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrInvalidNode, MaxDepth)
	}
	if n.Tag == "" {
		return fmt.Errorf("%w: empty tag", ErrInvalidNode)
	}
	if n.Children != nil && n.Content != nil {
		return fmt.Errorf("%w: <%s> has both children and content", ErrInvalidNode, n.Tag)
	}
	for _, a := range n.Attrs {
		if a.Key == "" {
			return fmt.Errorf("%w: <%s> has an attribute without a key", ErrInvalidNode, n.Tag)
		}
		switch a.Value.(type) {
		case string, int64, []byte:
		default:
			return fmt.Errorf("%w: <%s %s> has type %T", ErrInvalidAttrValue, n.Tag, a.Key, a.Value)
		}
	}
	for i := range n.Children {
		if err := n.Children[i].validate(depth + 1); err != nil {
			return err
		}
	}
	return nil
}

// Equal reports whether n and o encode to the same frame body
func (n *Node) Equal(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	if n.Tag != o.Tag || len(n.Attrs) != len(o.Attrs) || len(n.Children) != len(o.Children) {
		return false
	}
	if (n.Children == nil) != (o.Children == nil) || (n.Content == nil) != (o.Content == nil) {
		return false
	}
	if !bytes.Equal(n.Content, o.Content) {
		return false
	}
	for i, a := range n.Attrs {
		b := o.Attrs[i]
		if a.Key != b.Key {
			return false
		}
		switch av := a.Value.(type) {
		case []byte:
			bv, ok := b.Value.([]byte)
			if !ok || !bytes.Equal(av, bv) {
				return false
			}
		default:
			if a.Value != b.Value {
				return false
			}
		}
	}
	for i := range n.Children {
		if !n.Children[i].Equal(&o.Children[i]) {
			return false
		}
	}
	return true
}

// Attr returns the raw value of the named attribute
func (n *Node) Attr(key string) (any, bool) {
	for _, a := range n.Attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return nil, false
}

// AttrString returns the attribute rendered as a string, or "" if absent.
func (n *Node) AttrString(key string) string {
	v, ok := n.Attr(key)
	if !ok {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case []byte:
		return string(val)
	}
	return ""
}

// AttrInt returns the attribute as an integer. String values are parsed.
func (n *Node) AttrInt(key string) (int64, bool) {
	v, ok := n.Attr(key)
	if !ok {
		return 0, false
	}
	switch val := v.(type) {
	case int64:
		return val, true
	case string:
		i, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

// AttrBytes returns a binary attribute
func (n *Node) AttrBytes(key string) []byte {
	v, ok := n.Attr(key)
	if !ok {
		return nil
	}
	switch val := v.(type) {
	case []byte:
		return val
	case string:
		return []byte(val)
	}
	return nil
}

// SetAttr replaces the named attribute or appends it
func (n *Node) SetAttr(a Attr) {
	for i := range n.Attrs {
		if n.Attrs[i].Key == a.Key {
			n.Attrs[i].Value = a.Value
			return
		}
	}
	n.Attrs = append(n.Attrs, a)
}

// Child returns the first child with the given tag
func (n *Node) Child(tag string) (*Node, bool) {
	for i := range n.Children {
		if n.Children[i].Tag == tag {
			return &n.Children[i], true
		}
	}
	return nil, false
}

// ChildrenByTag returns all children with the given tag
func (n *Node) ChildrenByTag(tag string) []Node {
	var out []Node
	for _, c := range n.Children {
		if c.Tag == tag {
			out = append(out, c)
		}
	}
	return out
}

// AddChild appends a child node
func (n *Node) AddChild(child Node) {
	n.Children = append(n.Children, child)
}

// ID returns the correlation id attribute
func (n *Node) ID() string {
	return n.AttrString(AttrID)
}

// String renders the node in a compact XML-like form for logs
func (n *Node) String() string {
	var b strings.Builder
	n.render(&b)
	return b.String()
}

func (n *Node) render(b *strings.Builder) {
	b.WriteByte('<')
	b.WriteString(n.Tag)
	for _, a := range n.Attrs {
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteString(`="`)
		switch v := a.Value.(type) {
		case []byte:
			fmt.Fprintf(b, "%x", v)
		default:
			fmt.Fprint(b, v)
		}
		b.WriteByte('"')
	}
	switch {
	case n.Children != nil:
		b.WriteByte('>')
		for i := range n.Children {
			n.Children[i].render(b)
		}
		b.WriteString("</")
		b.WriteString(n.Tag)
		b.WriteByte('>')
	case n.Content != nil:
		fmt.Fprintf(b, ">[%d bytes]</%s>", len(n.Content), n.Tag)
	default:
		b.WriteString("/>")
	}
}

// Matcher decides whether a node is the expected response to a request
type Matcher func(*Node) bool

// MatchTag matches nodes with the given tag
func MatchTag(tag string) Matcher {
	return func(n *Node) bool { return n.Tag == tag }
}

// MatchAck matches an ack of the given class
func MatchAck(class string) Matcher {
	return func(n *Node) bool {
		return n.Tag == TagAck && n.AttrString(AttrClass) == class
	}
}

// MatchIQResult matches iq result and error replies
func MatchIQResult() Matcher {
	return func(n *Node) bool {
		if n.Tag != TagIQ {
			return false
		}
		t := n.AttrString(AttrType)
		return t == IQResult || t == IQError
	}
}
