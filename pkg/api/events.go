package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/pocksup/pkg/network"
)

const eventBuffer = 256

var eventKeepalive = 15 * time.Second

// EventDTO is one session event as streamed to HTTP clients
type EventDTO struct {
	Kind string    `json:"kind"`
	Time time.Time `json:"time"`

	ID          string    `json:"id,omitempty"`
	From        string    `json:"from,omitempty"`
	Participant string    `json:"participant,omitempty"`
	PushName    string    `json:"pushName,omitempty"`
	Type        string    `json:"type,omitempty"`
	Text        string    `json:"text,omitempty"`
	Media       *MediaRef `json:"media,omitempty"`
	QuotedID    string    `json:"quotedId,omitempty"`

	Group        string   `json:"group,omitempty"`
	Action       string   `json:"action,omitempty"`
	Participants []string `json:"participants,omitempty"`
	Subject      string   `json:"subject,omitempty"`

	State    string    `json:"state,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

func eventDTO(e network.Event) EventDTO {
	out := EventDTO{Kind: e.Kind().String(), Time: time.Now()}
	switch ev := e.(type) {
	case network.IncomingMessage:
		out.ID = ev.ID
		out.From = ev.From
		out.Participant = ev.Participant
		out.PushName = ev.PushName
		out.Type = ev.Type
		out.Text = ev.Text
		out.Media = mediaRefFrom(ev.Media)
		out.QuotedID = ev.QuotedID
		out.Time = ev.Timestamp
	case network.DeliveryReceipt:
		out.ID = ev.ID
		out.From = ev.From
		out.Participant = ev.Participant
		out.Type = ev.Type
		out.Time = ev.Timestamp
	case network.PresenceUpdate:
		out.From = ev.From
		out.Type = ev.Type
		out.LastSeen = ev.LastSeen
	case network.ChatStateUpdate:
		out.From = ev.From
		out.Participant = ev.Participant
		out.State = string(ev.State)
	case network.GroupUpdate:
		out.Group = ev.Group
		out.Action = ev.Action
		out.Participants = ev.Participants
		out.Subject = ev.Subject
		out.From = ev.Actor
		out.Time = ev.Timestamp
	case network.ConnectionStateChanged:
		out.State = ev.To.String()
		out.Reason = ev.Reason
	}
	return out
}

// handleEvents handles GET /api/v1/events as a server-sent event stream.
// Events that arrive while the buffer is full are dropped for this stream.
// The stream is exempt from the server write timeout and sends a comment
// line every eventKeepalive so idle proxies keep it open.
func (s *Server) handleEvents(c *gin.Context) {
	ch := make(chan EventDTO, eventBuffer)
	unsubscribe := s.client.Handle(network.KindAll, network.HandlerFunc(func(e network.Event) {
		select {
		case ch <- eventDTO(e):
		default:
			s.logger.Warn().Stringer("kind", e.Kind()).Msg("event stream buffer full, dropping event")
		}
	}))
	defer unsubscribe()

	if err := http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug().Err(err).Msg("event stream keeps the server write timeout")
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	keepalive := time.NewTicker(eventKeepalive)
	defer keepalive.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-keepalive.C:
			_, err := io.WriteString(w, ": keepalive\n\n")
			return err == nil
		case ev := <-ch:
			c.SSEvent(ev.Kind, ev)
			return true
		}
	})
}
