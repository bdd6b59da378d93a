package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/pocksup/pkg/network"
	"github.com/ZentaChain/pocksup/pkg/protocol"
	"github.com/ZentaChain/pocksup/pkg/storage"
)

// SendRequest is one outbound message. Exactly one of Text, Location and
// Contact must be set.
type SendRequest struct {
	ID       string       `json:"id"`
	To       string       `json:"to" binding:"required"`
	Text     string       `json:"text"`
	Location *LocationDTO `json:"location"`
	Contact  *ContactDTO  `json:"contact"`
	QuotedID string       `json:"quotedId"`
}

type LocationDTO struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
}

type ContactDTO struct {
	Name  string `json:"name"`
	VCard string `json:"vcard"`
}

// SendResponse carries the id of an acknowledged message
type SendResponse struct {
	ID string `json:"id"`
}

// MediaRef points at uploaded media
type MediaRef struct {
	Type     string `json:"type"`
	MimeType string `json:"mimeType"`
	URL      string `json:"url" binding:"required"`
	FileName string `json:"fileName,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Size     int64  `json:"size"`
	Hash     []byte `json:"hash"`
	Key      []byte `json:"key" binding:"required"`
}

func mediaRefFrom(m *protocol.MediaInfo) *MediaRef {
	if m == nil {
		return nil
	}
	return &MediaRef{
		Type:     m.Type,
		MimeType: m.MimeType,
		URL:      m.URL,
		FileName: m.FileName,
		Caption:  m.Caption,
		Size:     m.Size,
		Hash:     m.Hash,
		Key:      m.Key,
	}
}

func (r MediaRef) info() network.MediaRef {
	return network.MediaRef{
		Type:     r.Type,
		MimeType: r.MimeType,
		URL:      r.URL,
		FileName: r.FileName,
		Caption:  r.Caption,
		Size:     r.Size,
		Hash:     r.Hash,
		Key:      r.Key,
	}
}

// ReadRequest marks a received message as read
type ReadRequest struct {
	From string `json:"from" binding:"required"`
	ID   string `json:"id" binding:"required"`
}

// MessageDTO is one logged message
type MessageDTO struct {
	ID          string    `json:"id"`
	Chat        string    `json:"chat"`
	Sender      string    `json:"sender"`
	Participant string    `json:"participant,omitempty"`
	Outgoing    bool      `json:"outgoing"`
	Type        string    `json:"type"`
	Text        string    `json:"text,omitempty"`
	MediaURL    string    `json:"mediaUrl,omitempty"`
	QuotedID    string    `json:"quotedId,omitempty"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

// handleSend handles POST /api/v1/messages
func (s *Server) handleSend(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: %v", err)
		return
	}
	msg := network.OutboundMessage{
		ID:       req.ID,
		To:       req.To,
		Text:     req.Text,
		QuotedID: req.QuotedID,
	}
	if req.Location != nil {
		msg.Location = &protocol.Location{Latitude: req.Location.Latitude, Longitude: req.Location.Longitude, Name: req.Location.Name}
	}
	if req.Contact != nil {
		msg.Contacts = []protocol.ContactCard{{Name: req.Contact.Name, VCard: req.Contact.VCard}}
	}

	id, err := s.client.Send(c.Request.Context(), msg)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SendResponse{ID: id})
}

// handleSendMedia handles POST /api/v1/messages/media (multipart form with
// fields to, caption, mimeType and file)
func (s *Server) handleSendMedia(c *gin.Context) {
	to := c.PostForm("to")
	if to == "" {
		badRequest(c, "missing recipient")
		return
	}
	header, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "missing file: %v", err)
		return
	}
	if header.Size > s.config.MaxUploadBytes {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorResponse{
			Error: "file too large",
			Kind:  string(network.ErrorKindBadParam),
		})
		return
	}
	f, err := header.Open()
	if err != nil {
		fail(c, err)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		fail(c, err)
		return
	}

	id, err := s.client.SendMedia(c.Request.Context(), to, data, network.MediaDescriptor{
		MimeType: c.PostForm("mimeType"),
		FileName: header.Filename,
		Caption:  c.PostForm("caption"),
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SendResponse{ID: id})
}

// handleDownload handles POST /api/v1/media/download. The decrypted bytes are
// returned with the media MIME type.
func (s *Server) handleDownload(c *gin.Context) {
	var ref MediaRef
	if err := c.ShouldBindJSON(&ref); err != nil {
		badRequest(c, "invalid media reference: %v", err)
		return
	}
	data, desc, err := s.client.DownloadMedia(c.Request.Context(), ref.info())
	if err != nil {
		fail(c, err)
		return
	}
	mime := desc.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	if desc.FileName != "" {
		c.Header("Content-Disposition", "attachment; filename=\""+desc.FileName+"\"")
	}
	c.Data(http.StatusOK, mime, data)
}

// handleMarkRead handles POST /api/v1/messages/read
func (s *Server) handleMarkRead(c *gin.Context) {
	var req ReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: %v", err)
		return
	}
	if err := s.client.MarkRead(c.Request.Context(), req.From, req.ID); err != nil {
		fail(c, err)
		return
	}
	if s.db != nil {
		if err := s.db.MarkConversationRead(c.Request.Context(), protocol.ToJID(req.From)); err != nil {
			s.logger.Warn().Err(err).Msg("failed to reset unread count")
		}
	}
	c.Status(http.StatusNoContent)
}

// handleHistory handles GET /api/v1/messages/:chat?limit=&offset=
func (s *Server) handleHistory(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "no message store configured"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		badRequest(c, "limit must be a positive number")
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		badRequest(c, "offset must not be negative")
		return
	}

	records, err := s.db.ChatMessages(c.Request.Context(), protocol.ToJID(c.Param("chat")), limit, offset)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]MessageDTO, 0, len(records))
	for _, r := range records {
		out = append(out, MessageDTO{
			ID:          r.ID,
			Chat:        r.Chat,
			Sender:      r.Sender,
			Participant: r.Participant,
			Outgoing:    r.Outgoing,
			Type:        r.Type,
			Text:        r.Text,
			MediaURL:    r.MediaURL,
			QuotedID:    r.QuotedID,
			Status:      string(r.Status),
			Timestamp:   r.Timestamp,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

// handleConversations handles GET /api/v1/conversations
func (s *Server) handleConversations(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "no message store configured"})
		return
	}
	convs, err := s.db.Conversations(c.Request.Context())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		fail(c, err)
		return
	}
	if convs == nil {
		convs = []storage.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}
