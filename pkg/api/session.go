package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/pocksup/pkg/network"
)

// SessionResponse describes the connection of the client
type SessionResponse struct {
	State       string    `json:"state"`
	Phone       string    `json:"phone,omitempty"`
	JID         string    `json:"jid,omitempty"`
	DeviceID    string    `json:"deviceId,omitempty"`
	Suite       string    `json:"suite,omitempty"`
	Established time.Time `json:"established,omitempty"`
}

// RegisterRequest asks for a verification code
type RegisterRequest struct {
	Phone  string `json:"phone" binding:"required"`
	Method string `json:"method"`
}

// VerifyRequest submits a verification code
type VerifyRequest struct {
	Phone string `json:"phone" binding:"required"`
	Code  string `json:"code" binding:"required"`
}

func (s *Server) session() SessionResponse {
	resp := SessionResponse{State: s.client.State().String()}
	if sess, ok := s.client.Session(); ok {
		resp.Phone = sess.Phone
		resp.JID = sess.JID
		resp.DeviceID = sess.DeviceID
		resp.Suite = sess.Suite
		resp.Established = sess.Established
	}
	return resp
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"state":  s.client.State().String(),
	})
}

// handleSession handles GET /api/v1/session
func (s *Server) handleSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.session())
}

// handleConnect handles POST /api/v1/session/connect
func (s *Server) handleConnect(c *gin.Context) {
	if err := s.client.Connect(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.session())
}

// handleDisconnect handles POST /api/v1/session/disconnect
func (s *Server) handleDisconnect(c *gin.Context) {
	if err := s.client.Disconnect(); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.session())
}

// handleRegister handles POST /api/v1/session/register
func (s *Server) handleRegister(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: %v", err)
		return
	}
	if req.Method == "" {
		req.Method = network.MethodSMS
	}
	if err := s.client.Register(c.Request.Context(), req.Phone, req.Method); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent", "method": req.Method})
}

// handleVerify handles POST /api/v1/session/verify
func (s *Server) handleVerify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: %v", err)
		return
	}
	if err := s.client.Verify(c.Request.Context(), req.Phone, req.Code); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.session())
}
