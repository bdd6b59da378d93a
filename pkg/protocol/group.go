package protocol

// ===== GROUP QUERIES =====

// Participant roles
const (
	RoleMember     = ""
	RoleAdmin      = "admin"
	RoleSuperAdmin = "superadmin"
)

// participantNodes builds one <participant jid=.../> per member
func participantNodes(jids []string) []Node {
	out := make([]Node, 0, len(jids))
	for _, j := range jids {
		out = append(out, Node{Tag: TagParticipant, Attrs: []Attr{String(AttrJID, ToJID(j))}})
	}
	return out
}

// GroupCreateNode builds the payload of a group creation query
func GroupCreateNode(subject string, participants []string) Node {
	return Node{
		Tag:      TagCreate,
		Attrs:    []Attr{String(AttrSubject, subject)},
		Children: participantNodes(participants),
	}
}

// GroupAddNode builds the payload adding participants to a group
func GroupAddNode(participants []string) Node {
	return Node{Tag: TagAdd, Children: participantNodes(participants)}
}

// GroupRemoveNode builds the payload removing participants from a group
func GroupRemoveNode(participants []string) Node {
	return Node{Tag: TagRemove, Children: participantNodes(participants)}
}

// GroupLeaveNode builds the payload for leaving a group
func GroupLeaveNode(groupJID string) Node {
	return Node{
		Tag:      TagLeave,
		Children: []Node{{Tag: TagGroup, Attrs: []Attr{String(AttrID, GroupJID(groupJID))}}},
	}
}

// GroupSubjectNode builds the payload changing a group's subject
func GroupSubjectNode(subject string) Node {
	return Node{Tag: TagSubject, Content: []byte(subject)}
}

// GroupNode describes a group in query results and notifications
func GroupNode(id, subject, creator string, creation int64, participants map[string]string) Node {
	n := Node{
		Tag: TagGroup,
		Attrs: []Attr{
			String(AttrID, GroupJID(id)),
			String(AttrSubject, subject),
			String(AttrCreator, creator),
			Int(AttrCreation, creation),
		},
		Children: make([]Node, 0, len(participants)),
	}
	for jid, role := range participants {
		p := Node{Tag: TagParticipant, Attrs: []Attr{String(AttrJID, jid)}}
		if role != RoleMember {
			p.SetAttr(String(AttrType, role))
		}
		n.AddChild(p)
	}
	return n
}

// ParticipantJIDs lists the jid attribute of every participant child
func ParticipantJIDs(n *Node) []string {
	var out []string
	for _, p := range n.ChildrenByTag(TagParticipant) {
		out = append(out, p.AttrString(AttrJID))
	}
	return out
}
