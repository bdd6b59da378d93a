package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/pocksup/pkg/network"
)

// CreateGroupRequest creates a group
type CreateGroupRequest struct {
	Subject      string   `json:"subject" binding:"required"`
	Participants []string `json:"participants" binding:"required"`
}

// ParticipantsRequest adds or removes members
type ParticipantsRequest struct {
	Participants []string `json:"participants" binding:"required"`
}

// SubjectRequest renames a group
type SubjectRequest struct {
	Subject string `json:"subject" binding:"required"`
}

// PresenceRequest announces availability
type PresenceRequest struct {
	Type string `json:"type" binding:"required"`
}

// ChatStateRequest sends a typing indicator
type ChatStateRequest struct {
	To    string `json:"to" binding:"required"`
	State string `json:"state" binding:"required"`
}

type ParticipantDTO struct {
	JID  string `json:"jid"`
	Role string `json:"role,omitempty"`
}

type GroupDTO struct {
	ID           string           `json:"id"`
	Subject      string           `json:"subject"`
	Creator      string           `json:"creator,omitempty"`
	Created      time.Time        `json:"created"`
	Participants []ParticipantDTO `json:"participants"`
}

type ContactInfo struct {
	JID      string    `json:"jid"`
	PushName string    `json:"pushName,omitempty"`
	Presence string    `json:"presence,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
}

func groupDTO(g network.GroupInfo) GroupDTO {
	out := GroupDTO{
		ID:           g.ID,
		Subject:      g.Subject,
		Creator:      g.Creator,
		Created:      g.Created,
		Participants: make([]ParticipantDTO, 0, len(g.Participants)),
	}
	for _, p := range g.Participants {
		out.Participants = append(out.Participants, ParticipantDTO{JID: p.JID, Role: p.Role})
	}
	return out
}

// handleGroups handles GET /api/v1/groups
func (s *Server) handleGroups(c *gin.Context) {
	groups := s.client.Directory().Groups()
	out := make([]GroupDTO, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupDTO(g))
	}
	c.JSON(http.StatusOK, gin.H{"groups": out})
}

// handleCreateGroup handles POST /api/v1/groups
func (s *Server) handleCreateGroup(c *gin.Context) {
	var req CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: %v", err)
		return
	}
	g, err := s.client.CreateGroup(c.Request.Context(), req.Subject, req.Participants)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, groupDTO(g))
}

func (s *Server) bindParticipants(c *gin.Context) ([]string, bool) {
	var req ParticipantsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: %v", err)
		return nil, false
	}
	return req.Participants, true
}

// handleAddParticipants handles POST /api/v1/groups/:jid/participants
func (s *Server) handleAddParticipants(c *gin.Context) {
	participants, ok := s.bindParticipants(c)
	if !ok {
		return
	}
	if err := s.client.AddParticipants(c.Request.Context(), c.Param("jid"), participants); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleRemoveParticipants handles DELETE /api/v1/groups/:jid/participants
func (s *Server) handleRemoveParticipants(c *gin.Context) {
	participants, ok := s.bindParticipants(c)
	if !ok {
		return
	}
	if err := s.client.RemoveParticipants(c.Request.Context(), c.Param("jid"), participants); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleSubject handles PUT /api/v1/groups/:jid/subject
func (s *Server) handleSubject(c *gin.Context) {
	var req SubjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: %v", err)
		return
	}
	if err := s.client.SetGroupSubject(c.Request.Context(), c.Param("jid"), req.Subject); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleLeave handles DELETE /api/v1/groups/:jid
func (s *Server) handleLeave(c *gin.Context) {
	if err := s.client.LeaveGroup(c.Request.Context(), c.Param("jid")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleContacts handles GET /api/v1/contacts
func (s *Server) handleContacts(c *gin.Context) {
	contacts := s.client.Directory().Contacts()
	out := make([]ContactInfo, 0, len(contacts))
	for _, ct := range contacts {
		out = append(out, ContactInfo{JID: ct.JID, PushName: ct.PushName, Presence: ct.Presence, LastSeen: ct.LastSeen})
	}
	c.JSON(http.StatusOK, gin.H{"contacts": out})
}

// handlePresence handles POST /api/v1/presence
func (s *Server) handlePresence(c *gin.Context) {
	var req PresenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: %v", err)
		return
	}
	if err := s.client.SetPresence(c.Request.Context(), network.Presence(req.Type)); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleChatState handles POST /api/v1/chatstate
func (s *Server) handleChatState(c *gin.Context) {
	var req ChatStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: %v", err)
		return
	}
	if err := s.client.SetChatState(c.Request.Context(), req.To, network.ChatState(req.State)); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
