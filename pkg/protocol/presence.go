package protocol

import "fmt"

// ===== PRESENCE =====

// PresenceNode announces the local user's availability
func PresenceNode(id, presenceType, name string) *Node {
	n := NewNode(TagPresence, String(AttrID, id), String(AttrType, presenceType))
	if name != "" {
		n.SetAttr(String(AttrName, name))
	}
	return n
}

// ValidPresence reports whether t is a known presence type
func ValidPresence(t string) bool {
	return t == PresenceAvailable || t == PresenceUnavailable
}

// ===== CHAT STATE =====

// ChatStateNode tells a peer the local user is typing, recording or idle
func ChatStateNode(id, to, state string) (*Node, error) {
	var child Node
	switch state {
	case ChatStateComposing:
		child = Node{Tag: TagComposing}
	case ChatStateRecording:
		child = Node{Tag: TagComposing, Attrs: []Attr{String(AttrMedia, MediaAudio)}}
	case ChatStatePaused:
		child = Node{Tag: TagPaused}
	default:
		return nil, fmt.Errorf("%w: unknown chat state %q", ErrInvalidNode, state)
	}
	return &Node{
		Tag:      TagChatState,
		Attrs:    []Attr{String(AttrID, id), String(AttrTo, to)},
		Children: []Node{child},
	}, nil
}

// ParseChatState returns the state carried by a chatstate stanza
func ParseChatState(n *Node) (string, error) {
	if len(n.Children) == 0 {
		return "", fmt.Errorf("%w: chatstate without state", ErrInvalidNode)
	}
	c := n.Children[0]
	switch c.Tag {
	case TagComposing:
		if c.AttrString(AttrMedia) == MediaAudio {
			return ChatStateRecording, nil
		}
		return ChatStateComposing, nil
	case TagPaused:
		return ChatStatePaused, nil
	}
	return "", fmt.Errorf("%w: unknown chat state <%s>", ErrInvalidNode, c.Tag)
}
