package network

import (
	"context"
	"fmt"
	"strings"

	"github.com/ZentaChain/pocksup/pkg/protocol"
)

// MaxSubjectLength bounds group subjects
const MaxSubjectLength = 100

func validSubject(subject string) error {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return fmt.Errorf("%w: empty group subject", ErrBadParam)
	}
	if len([]rune(subject)) > MaxSubjectLength {
		return fmt.Errorf("%w: group subject longer than %d characters", ErrBadParam, MaxSubjectLength)
	}
	return nil
}

// participantJIDs validates a list of phone numbers or JIDs
func participantJIDs(participants []string) ([]string, error) {
	if len(participants) == 0 {
		return nil, fmt.Errorf("%w: no participants", ErrBadParam)
	}
	out := make([]string, 0, len(participants))
	for _, p := range participants {
		jid, err := recipient(p)
		if err != nil {
			return nil, err
		}
		if protocol.IsGroupJID(jid) {
			return nil, fmt.Errorf("%w: participant %q is a group", ErrBadParam, p)
		}
		out = append(out, jid)
	}
	return out, nil
}

func groupTarget(group string) (string, error) {
	group = strings.TrimSpace(group)
	if group == "" {
		return "", fmt.Errorf("%w: empty group id", ErrBadParam)
	}
	return protocol.GroupJID(group), nil
}

// groupQuery sends a w:g2 query and waits for the result
func (c *Client) groupQuery(ctx context.Context, to string, payload protocol.Node) (*protocol.Node, error) {
	n := protocol.IQNode(c.corr.NextID(), protocol.IQSet, protocol.NamespaceGroups, to, payload)
	return c.request(ctx, n, protocol.MatchIQResult())
}

// CreateGroup creates a group with the local user as its creator
func (c *Client) CreateGroup(ctx context.Context, subject string, participants []string) (GroupInfo, error) {
	if err := validSubject(subject); err != nil {
		return GroupInfo{}, err
	}
	jids, err := participantJIDs(participants)
	if err != nil {
		return GroupInfo{}, err
	}
	resp, err := c.groupQuery(ctx, protocol.GroupServer, protocol.GroupCreateNode(subject, jids))
	if err != nil {
		return GroupInfo{}, err
	}
	g, ok := resp.Child(protocol.TagGroup)
	if !ok {
		return GroupInfo{}, fmt.Errorf("%w: create result without group", ErrServer)
	}
	info := parseGroup(g)
	c.directory.PutGroup(info)
	c.persistGroup(info.ID, info, true)
	c.logger.Info().Str("group", info.ID).Int("participants", len(info.Participants)).Msg("group created")
	return info, nil
}

// AddParticipants adds members to a group
func (c *Client) AddParticipants(ctx context.Context, group string, participants []string) error {
	return c.changeParticipants(ctx, group, participants, protocol.TagAdd)
}

// RemoveParticipants removes members from a group
func (c *Client) RemoveParticipants(ctx context.Context, group string, participants []string) error {
	return c.changeParticipants(ctx, group, participants, protocol.TagRemove)
}

func (c *Client) changeParticipants(ctx context.Context, group string, participants []string, action string) error {
	gid, err := groupTarget(group)
	if err != nil {
		return err
	}
	jids, err := participantJIDs(participants)
	if err != nil {
		return err
	}
	payload := protocol.GroupAddNode(jids)
	if action == protocol.TagRemove {
		payload = protocol.GroupRemoveNode(jids)
	}
	if _, err := c.groupQuery(ctx, gid, payload); err != nil {
		return err
	}
	info, ok := c.directory.applyGroupUpdate(GroupUpdate{Group: gid, Action: action, Participants: jids}, c.selfJID())
	c.persistGroup(gid, info, ok)
	return nil
}

// LeaveGroup removes the local user from a group
func (c *Client) LeaveGroup(ctx context.Context, group string) error {
	gid, err := groupTarget(group)
	if err != nil {
		return err
	}
	if _, err := c.groupQuery(ctx, protocol.GroupServer, protocol.GroupLeaveNode(gid)); err != nil {
		return err
	}
	c.directory.RemoveGroup(gid)
	c.persistGroup(gid, GroupInfo{}, false)
	return nil
}

// SetGroupSubject renames a group
func (c *Client) SetGroupSubject(ctx context.Context, group, subject string) error {
	gid, err := groupTarget(group)
	if err != nil {
		return err
	}
	if err := validSubject(subject); err != nil {
		return err
	}
	if _, err := c.groupQuery(ctx, gid, protocol.GroupSubjectNode(subject)); err != nil {
		return err
	}
	info, ok := c.directory.applyGroupUpdate(GroupUpdate{Group: gid, Action: protocol.TagSubject, Subject: subject}, c.selfJID())
	c.persistGroup(gid, info, ok)
	return nil
}
