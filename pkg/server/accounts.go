package server

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ZentaChain/pocksup/pkg/crypto"
	"github.com/ZentaChain/pocksup/pkg/network"
	"github.com/ZentaChain/pocksup/pkg/protocol"
)

const codeLength = 6

// account is a registered device
type account struct {
	phone    string
	device   string
	secret   []byte
	pushName string
	presence string
	lastSeen time.Time
}

func (s *Server) account(phone string) (*account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[phone]
	return a, ok
}

// RegisterUser issues fresh device credentials for phone, replacing any
// earlier device of that number
func (s *Server) RegisterUser(phone string) (network.Credentials, error) {
	if err := protocol.ValidatePhone(phone); err != nil {
		return network.Credentials{}, err
	}
	phone = protocol.NormalizePhone(phone)
	secret, err := crypto.GenerateSecret()
	if err != nil {
		return network.Credentials{}, err
	}
	a := &account{
		phone:  phone,
		device: uuid.NewString(),
		secret: secret,
	}

	s.mu.Lock()
	s.accounts[phone] = a
	delete(s.codes, phone)
	s.mu.Unlock()

	s.logger.Info().Str("phone", phone).Str("device", a.device).Msg("device registered")
	return network.Credentials{
		Phone:        phone,
		DeviceID:     a.device,
		Secret:       append([]byte(nil), secret...),
		RegisteredAt: time.Now(),
	}, nil
}

// issueCode creates the verification code for phone
func (s *Server) issueCode(phone string) (string, error) {
	code := s.opts.FixedCode
	if code == "" {
		n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
		if err != nil {
			return "", err
		}
		code = fmt.Sprintf("%0*d", codeLength, n.Int64())
	}
	s.mu.Lock()
	s.codes[phone] = code
	s.mu.Unlock()
	return code, nil
}

// ===== REGISTRATION ENDPOINTS =====

// RegistrationHandler serves POST /v1/code and POST /v1/register
func (s *Server) RegistrationHandler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/v1")
	{
		v1.POST("/code", s.handleCodeRequest)
		v1.POST("/register", s.handleRegister)
	}
	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Stats(c.Request.Context()))
	})
	return router
}

func fail(c *gin.Context, status int, reason string) {
	c.JSON(status, network.RegistrationResponse{Status: "fail", Error: reason})
}

func (s *Server) handleCodeRequest(c *gin.Context) {
	var req network.CodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "bad_param")
		return
	}
	phone := protocol.NormalizePhone(req.CountryCode + req.Number)
	if protocol.ValidatePhone(phone) != nil {
		fail(c, http.StatusBadRequest, "bad_param")
		return
	}
	if req.Method != network.MethodSMS && req.Method != network.MethodVoice {
		fail(c, http.StatusBadRequest, "bad_method")
		return
	}

	code, err := s.issueCode(phone)
	if err != nil {
		fail(c, http.StatusInternalServerError, "internal")
		return
	}
	s.logger.Info().Str("phone", phone).Str("method", req.Method).Str("code", code).Msg("verification code issued")
	c.JSON(http.StatusOK, network.RegistrationResponse{Status: "sent", Length: codeLength})
}

func (s *Server) handleRegister(c *gin.Context) {
	var req network.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "bad_param")
		return
	}
	phone := protocol.NormalizePhone(req.CountryCode + req.Number)

	s.mu.RLock()
	want, ok := s.codes[phone]
	s.mu.RUnlock()
	if !ok {
		fail(c, http.StatusNotFound, "no_code")
		return
	}
	if strings.ReplaceAll(req.Code, "-", "") != want {
		fail(c, http.StatusForbidden, "mismatch")
		return
	}

	creds, err := s.RegisterUser(phone)
	if err != nil {
		fail(c, http.StatusBadRequest, "bad_param")
		return
	}
	c.JSON(http.StatusOK, network.RegistrationResponse{
		Status: "ok",
		Login:  creds.Phone,
		Device: creds.DeviceID,
		Secret: creds.Secret,
	})
}
