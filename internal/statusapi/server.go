// Package statusapi serves the store over local HTTP so presentation layers
// can poll the live session without holding their own stream.
package statusapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/labwatch/internal/lab"
	"github.com/danmuck/labwatch/internal/observability"
	"github.com/danmuck/labwatch/internal/stream"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	component = "labwatch-status"
	version   = "0.1.0"

	shutdownTimeout = 5 * time.Second
)

// Stream is the connection surface the API reports on and forwards to.
// *stream.Client satisfies it.
type Stream interface {
	State() stream.State
	LastMessageAt() time.Time
	ReconnectPending() bool
	Send(v any) error
}

type languageRequest struct {
	Language string `json:"language"`
}

type Server struct {
	store      *lab.Store
	stream     Stream
	router     *gin.Engine
	started    time.Time
	logger     zerolog.Logger
	onLanguage func(string)
}

type Option func(*Server)

// WithLanguageHook observes accepted POST /language requests after the
// command was sent.
func WithLanguageHook(fn func(string)) Option {
	return func(s *Server) {
		s.onLanguage = fn
	}
}

func New(store *lab.Store, st Stream, corsOrigins []string, opts ...Option) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	logger := observability.Component("statusapi")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.HTTPObserver(logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		store:   store,
		stream:  st,
		router:  r,
		started: time.Now(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		body := gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.started).String(),
			"component": component,
			"version":   version,
		}
		if s.stream != nil {
			body["stream"] = s.streamStatus()
		}
		c.JSON(http.StatusOK, body)
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.store.View())
	})

	s.router.GET("/objects", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"objects": nonNil(s.store.Objects())})
	})

	s.router.GET("/alerts", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"alerts": nonNil(s.store.Alerts())})
	})

	s.router.GET("/log", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"log": nonNil(s.store.Log())})
	})

	s.router.POST("/refresh", func(c *gin.Context) {
		if !s.forward(c, lab.NewRequestState()) {
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "requested"})
	})

	s.router.POST("/language", func(c *gin.Context) {
		var req languageRequest
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Language) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "language required"})
			return
		}
		language := strings.TrimSpace(req.Language)
		if !s.forward(c, lab.NewLanguageChange(language)) {
			return
		}
		if s.onLanguage != nil {
			s.onLanguage(language)
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "sent", "language": language})
	})
}

// forward sends cmd on the stream and writes the error response when it
// cannot.
func (s *Server) forward(c *gin.Context, cmd any) bool {
	if s.stream == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream not configured"})
		return false
	}
	if err := s.stream.Send(cmd); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, stream.ErrNotConnected) || errors.Is(err, stream.ErrClientClosed) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func (s *Server) streamStatus() gin.H {
	out := gin.H{
		"state":             s.stream.State().String(),
		"reconnect_pending": s.stream.ReconnectPending(),
	}
	if last := s.stream.LastMessageAt(); !last.IsZero() {
		out["last_message_at"] = last.UTC().Format(time.RFC3339Nano)
	}
	return out
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("statusapi.Server.Serve listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info().Msg("statusapi.Server.Serve shutdown")
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
