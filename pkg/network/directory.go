package network

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ZentaChain/pocksup/pkg/protocol"
)

// Contact is the last known state of a peer
type Contact struct {
	JID      string
	PushName string
	Presence string
	LastSeen time.Time
}

// Participant is one member of a group
type Participant struct {
	JID  string
	Role string
}

// IsAdmin reports whether the member may change the group
func (p Participant) IsAdmin() bool {
	return p.Role == protocol.RoleAdmin || p.Role == protocol.RoleSuperAdmin
}

// GroupInfo is a snapshot of a group
type GroupInfo struct {
	ID           string
	Subject      string
	Creator      string
	Created      time.Time
	Participants []Participant
}

// HasParticipant reports whether jid is a member
func (g GroupInfo) HasParticipant(jid string) bool {
	for _, p := range g.Participants {
		if p.JID == jid {
			return true
		}
	}
	return false
}

func (g GroupInfo) clone() GroupInfo {
	g.Participants = append([]Participant(nil), g.Participants...)
	return g
}

// parseGroup reads a <group> node
func parseGroup(n *protocol.Node) GroupInfo {
	g := GroupInfo{
		ID:      n.AttrString(protocol.AttrID),
		Subject: n.AttrString(protocol.AttrSubject),
		Creator: n.AttrString(protocol.AttrCreator),
	}
	if t, ok := n.AttrInt(protocol.AttrCreation); ok {
		g.Created = time.Unix(t, 0)
	}
	for _, p := range n.ChildrenByTag(protocol.TagParticipant) {
		g.Participants = append(g.Participants, Participant{
			JID:  p.AttrString(protocol.AttrJID),
			Role: p.AttrString(protocol.AttrType),
		})
	}
	sort.Slice(g.Participants, func(i, j int) bool { return g.Participants[i].JID < g.Participants[j].JID })
	return g
}

// DirectoryStore persists directory snapshots
type DirectoryStore interface {
	SaveContact(ctx context.Context, c Contact) error
	SaveGroup(ctx context.Context, g GroupInfo) error
	DeleteGroup(ctx context.Context, jid string) error
}

// Directory caches contact and group snapshots. Records are replaced on
// update and never modified in place, so a snapshot handed to a caller
// stays valid.
type Directory struct {
	mu       sync.RWMutex
	contacts map[string]Contact
	groups   map[string]GroupInfo
}

func NewDirectory() *Directory {
	return &Directory{
		contacts: make(map[string]Contact),
		groups:   make(map[string]GroupInfo),
	}
}

func (d *Directory) Contact(jid string) (Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.contacts[jid]
	return c, ok
}

// Contacts lists every known contact ordered by JID
func (d *Directory) Contacts() []Contact {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Contact, 0, len(d.contacts))
	for _, c := range d.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JID < out[j].JID })
	return out
}

func (d *Directory) PutContact(c Contact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contacts[c.JID] = c
}

// updateContact replaces the contact record with fn applied to a copy
func (d *Directory) updateContact(jid string, fn func(*Contact)) Contact {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contacts[jid]
	if !ok {
		c = Contact{JID: jid}
	}
	fn(&c)
	d.contacts[jid] = c
	return c
}

func (d *Directory) Group(jid string) (GroupInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	g, ok := d.groups[jid]
	if !ok {
		return GroupInfo{}, false
	}
	return g.clone(), true
}

// Groups lists every known group ordered by JID
func (d *Directory) Groups() []GroupInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]GroupInfo, 0, len(d.groups))
	for _, g := range d.groups {
		out = append(out, g.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Directory) PutGroup(g GroupInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups[g.ID] = g.clone()
}

func (d *Directory) RemoveGroup(jid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.groups, jid)
}

// applyGroupUpdate builds the next snapshot of a group from an update.
// ok is false when the group is gone afterwards.
func (d *Directory) applyGroupUpdate(u GroupUpdate, self string) (GroupInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev, known := d.groups[u.Group]
	next := prev.clone()
	if !known {
		next = GroupInfo{ID: u.Group, Creator: u.Actor, Created: u.Timestamp}
	}

	switch u.Action {
	case protocol.TagCreate:
		next.Subject = u.Subject
		next.Participants = nil
		for _, p := range u.Participants {
			next.Participants = append(next.Participants, Participant{JID: p})
		}
	case protocol.TagAdd:
		for _, p := range u.Participants {
			if !next.HasParticipant(p) {
				next.Participants = append(next.Participants, Participant{JID: p})
			}
		}
	case protocol.TagRemove, protocol.TagLeave:
		gone := make(map[string]bool, len(u.Participants))
		for _, p := range u.Participants {
			gone[p] = true
		}
		kept := next.Participants[:0]
		for _, p := range next.Participants {
			if !gone[p.JID] {
				kept = append(kept, p)
			}
		}
		next.Participants = kept
		if gone[self] {
			delete(d.groups, u.Group)
			return GroupInfo{}, false
		}
	case protocol.TagSubject:
		next.Subject = u.Subject
	}
	sort.Slice(next.Participants, func(i, j int) bool { return next.Participants[i].JID < next.Participants[j].JID })
	d.groups[u.Group] = next
	return next.clone(), true
}
