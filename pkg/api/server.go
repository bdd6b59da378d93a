// Package api provides the HTTP REST façade over one messaging session
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ZentaChain/pocksup/pkg/logging"
	"github.com/ZentaChain/pocksup/pkg/metrics"
	"github.com/ZentaChain/pocksup/pkg/network"
	"github.com/ZentaChain/pocksup/pkg/storage"
)

// Server is the HTTP API server for one client
type Server struct {
	client     *network.Client
	db         *storage.DB
	router     *gin.Engine
	config     Config
	httpServer *http.Server
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// Config holds server configuration
type Config struct {
	Listen         string
	EnableCORS     bool
	RateLimit      int // Requests per minute per client IP, 0 disables
	MaxUploadBytes int64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// DB serves history and conversation endpoints when set
	DB *storage.DB
	// Gatherer backs /metrics; defaults to the Prometheus default registry
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
	Logger   *zerolog.Logger
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		Listen:         ":8080",
		EnableCORS:     true,
		RateLimit:      600,
		MaxUploadBytes: network.DefaultMaxMediaBytes,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
	}
}

// NewServer creates the API server for client
func NewServer(client *network.Client, config Config) *Server {
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = network.DefaultMaxMediaBytes
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}
	if config.Metrics == nil {
		config.Metrics = client.Metrics()
	}
	logger := logging.Component("api")
	if config.Logger != nil {
		logger = *config.Logger
	}

	s := &Server{
		client:  client,
		db:      config.DB,
		router:  gin.New(),
		config:  config,
		metrics: config.Metrics,
		logger:  logger,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggingMiddleware(s.logger, s.metrics))
	if s.config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}
	if s.config.RateLimit > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.config.RateLimit)))
	}
	s.router.MaxMultipartMemory = s.config.MaxUploadBytes
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		session := v1.Group("/session")
		{
			session.GET("", s.handleSession)
			session.POST("/connect", s.handleConnect)
			session.POST("/disconnect", s.handleDisconnect)
			session.POST("/register", s.handleRegister)
			session.POST("/verify", s.handleVerify)
		}

		messages := v1.Group("/messages")
		{
			messages.POST("", s.handleSend)
			messages.POST("/media", s.handleSendMedia)
			messages.POST("/read", s.handleMarkRead)
			messages.GET("/:chat", s.handleHistory)
		}
		v1.POST("/media/download", s.handleDownload)

		v1.POST("/presence", s.handlePresence)
		v1.POST("/chatstate", s.handleChatState)

		groups := v1.Group("/groups")
		{
			groups.GET("", s.handleGroups)
			groups.POST("", s.handleCreateGroup)
			groups.POST("/:jid/participants", s.handleAddParticipants)
			groups.DELETE("/:jid/participants", s.handleRemoveParticipants)
			groups.PUT("/:jid/subject", s.handleSubject)
			groups.DELETE("/:jid", s.handleLeave)
		}

		v1.GET("/contacts", s.handleContacts)
		v1.GET("/conversations", s.handleConversations)
		v1.GET("/events", s.handleEvents)
	}

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})))
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx ends, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.config.Listen).Msg("HTTP API server starting")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down HTTP API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
