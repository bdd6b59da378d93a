package server

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ZentaChain/pocksup/pkg/protocol"
)

const maxSubjectLength = 100

type group struct {
	id      string // group JID
	subject string
	creator string
	created int64
	members map[string]string // JID -> role
}

func (g *group) node() protocol.Node {
	return protocol.GroupNode(g.id, g.subject, g.creator, g.created, g.members)
}

func (g *group) isAdmin(jid string) bool {
	role := g.members[jid]
	return role == protocol.RoleAdmin || role == protocol.RoleSuperAdmin
}

func (g *group) memberList() []string {
	out := make([]string, 0, len(g.members))
	for jid := range g.members {
		out = append(out, jid)
	}
	sort.Strings(out)
	return out
}

// groupMembers lists the members of gid if jid belongs to it. The second
// result is an error code, 0 on success.
func (s *Server) groupMembers(gid, jid string) ([]string, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[gid]
	if !ok {
		return nil, CodeNotFound
	}
	if _, member := g.members[jid]; !member {
		return nil, CodeForbidden
	}
	return g.memberList(), 0
}

func newGroupID(creatorPhone string) string {
	short := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
	return protocol.GroupJID(creatorPhone + "-" + short)
}

// notifyGroup sends a w:gp2 notification with one child to every listed
// member
func (s *Server) notifyGroup(gid, actor string, child protocol.Node, members []string) {
	ts := protocol.NowUnix()
	for _, m := range members {
		if m == actor {
			continue
		}
		id := protocol.GenerateMessageID()
		n := protocol.NewNode(protocol.TagNotification,
			protocol.String(protocol.AttrID, id),
			protocol.String(protocol.AttrType, protocol.NotificationGroup),
			protocol.String(protocol.AttrFrom, gid),
			protocol.String(protocol.AttrParticipant, actor),
			protocol.Int(protocol.AttrTime, ts),
		)
		n.AddChild(child)
		s.route(m, queueKindNotify, id, n)
	}
}

func participantsNode(tag string, jids []string) protocol.Node {
	n := protocol.Node{Tag: tag}
	for _, j := range jids {
		n.AddChild(protocol.Node{Tag: protocol.TagParticipant, Attrs: []protocol.Attr{protocol.String(protocol.AttrJID, j)}})
	}
	return n
}

// ===== GROUP QUERIES =====

func (s *Server) handleGroupQuery(p *peer, n *protocol.Node) (*protocol.Node, *iqError) {
	if n.AttrString(protocol.AttrType) != protocol.IQSet || len(n.Children) == 0 {
		return nil, errCode(CodeBadRequest)
	}
	to := n.AttrString(protocol.AttrTo)
	q := &n.Children[0]

	switch q.Tag {
	case protocol.TagCreate:
		return s.createGroup(p, n, q)
	case protocol.TagLeave:
		return s.leaveGroup(p, n, q)
	case protocol.TagAdd, protocol.TagRemove:
		return s.changeMembers(p, n, to, q)
	case protocol.TagSubject:
		return s.setSubject(p, n, to, q)
	}
	return nil, errCode(CodeBadRequest)
}

func userJIDs(q *protocol.Node) ([]string, *iqError) {
	jids := protocol.ParticipantJIDs(q)
	if len(jids) == 0 {
		return nil, errCode(CodeBadRequest)
	}
	for i, j := range jids {
		if protocol.IsGroupJID(j) || protocol.ValidatePhone(protocol.PhoneFromJID(j)) != nil {
			return nil, errCode(CodeBadRequest)
		}
		jids[i] = protocol.UserJID(j)
	}
	return jids, nil
}

func validSubject(subject string) bool {
	subject = strings.TrimSpace(subject)
	return subject != "" && len([]rune(subject)) <= maxSubjectLength
}

func (s *Server) createGroup(p *peer, n, q *protocol.Node) (*protocol.Node, *iqError) {
	subject := q.AttrString(protocol.AttrSubject)
	if !validSubject(subject) {
		return nil, errCode(CodeBadRequest)
	}
	jids, ierr := userJIDs(q)
	if ierr != nil {
		return nil, ierr
	}

	g := &group{
		id:      newGroupID(p.phone),
		subject: subject,
		creator: p.jid,
		created: protocol.NowUnix(),
		members: map[string]string{p.jid: protocol.RoleSuperAdmin},
	}
	for _, j := range jids {
		if _, ok := g.members[j]; !ok {
			g.members[j] = protocol.RoleMember
		}
	}

	s.mu.Lock()
	s.groups[g.id] = g
	node := g.node()
	members := g.memberList()
	s.mu.Unlock()

	p.logger.Info().Str("group", g.id).Int("members", len(members)).Msg("group created")
	s.notifyGroup(g.id, p.jid, protocol.Node{Tag: protocol.TagCreate, Children: []protocol.Node{node}}, members)
	return iqResult(n, node), nil
}

func (s *Server) leaveGroup(p *peer, n, q *protocol.Node) (*protocol.Node, *iqError) {
	target, ok := q.Child(protocol.TagGroup)
	if !ok {
		return nil, errCode(CodeBadRequest)
	}
	gid := protocol.GroupJID(target.ID())

	s.mu.Lock()
	g, ok := s.groups[gid]
	if !ok {
		s.mu.Unlock()
		return nil, errCode(CodeNotFound)
	}
	if _, member := g.members[p.jid]; !member {
		s.mu.Unlock()
		return nil, errCode(CodeForbidden)
	}
	delete(g.members, p.jid)
	remaining := g.memberList()
	if len(remaining) == 0 {
		delete(s.groups, gid)
	}
	s.mu.Unlock()

	s.notifyGroup(gid, p.jid, participantsNode(protocol.TagLeave, []string{p.jid}), remaining)
	return iqResult(n), nil
}

func (s *Server) changeMembers(p *peer, n *protocol.Node, gid string, q *protocol.Node) (*protocol.Node, *iqError) {
	jids, ierr := userJIDs(q)
	if ierr != nil {
		return nil, ierr
	}

	s.mu.Lock()
	g, ok := s.groups[gid]
	if !ok {
		s.mu.Unlock()
		return nil, errCode(CodeNotFound)
	}
	if !g.isAdmin(p.jid) {
		s.mu.Unlock()
		return nil, errCode(CodeForbidden)
	}

	var audience []string
	if q.Tag == protocol.TagAdd {
		for _, j := range jids {
			if _, member := g.members[j]; !member {
				g.members[j] = protocol.RoleMember
			}
		}
		audience = g.memberList()
	} else {
		for _, j := range jids {
			if _, member := g.members[j]; !member {
				s.mu.Unlock()
				return nil, errCode(CodeNotFound)
			}
		}
		audience = g.memberList()
		for _, j := range jids {
			delete(g.members, j)
		}
	}
	s.mu.Unlock()

	s.notifyGroup(gid, p.jid, participantsNode(q.Tag, jids), audience)
	return iqResult(n), nil
}

func (s *Server) setSubject(p *peer, n *protocol.Node, gid string, q *protocol.Node) (*protocol.Node, *iqError) {
	subject := string(q.Content)
	if !validSubject(subject) {
		return nil, errCode(CodeBadRequest)
	}

	s.mu.Lock()
	g, ok := s.groups[gid]
	if !ok {
		s.mu.Unlock()
		return nil, errCode(CodeNotFound)
	}
	if _, member := g.members[p.jid]; !member {
		s.mu.Unlock()
		return nil, errCode(CodeForbidden)
	}
	g.subject = subject
	members := g.memberList()
	s.mu.Unlock()

	s.notifyGroup(gid, p.jid, protocol.Node{Tag: protocol.TagSubject, Content: []byte(subject)}, members)
	return iqResult(n), nil
}
