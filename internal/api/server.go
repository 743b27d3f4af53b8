// Package api serves the read-only HTTP status API: the current session's
// scheduler snapshot, recent session history and capture counters.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zsiec/framecast/internal/capture"
	"github.com/zsiec/framecast/internal/health"
	"github.com/zsiec/framecast/internal/scheduler"
	"github.com/zsiec/framecast/internal/session"
)

const shutdownTimeout = 5 * time.Second

// ServerConfig wires the API to its data sources. Status is required.
type ServerConfig struct {
	Addr    string
	Status  func() session.Status
	Lookup  func(id string) (session.Summary, *scheduler.Snapshot, bool)
	Capture func() capture.Stats
	Log     *slog.Logger
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	session.Status
	Capture *capture.Stats `json:"capture,omitempty"`
}

// SessionResponse is the body of GET /api/sessions/:id.
type SessionResponse struct {
	Summary  session.Summary     `json:"summary"`
	Snapshot *scheduler.Snapshot `json:"snapshot,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server is the status API.
type Server struct {
	log    *slog.Logger
	config ServerConfig
	router *gin.Engine
}

// NewServer builds the router. If config.Log is nil, slog.Default() is used.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Status == nil {
		return nil, errors.New("api: Status is required")
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		log:    log.With("component", "api"),
		config: config,
		router: gin.New(),
	}
	s.router.Use(gin.Recovery(), s.requestLog(), cors())
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	api := s.router.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/sessions", s.handleListSessions)
	api.GET("/sessions/:id", s.handleSession)
}

// Handler returns the router for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on config.Addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("status API listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start))
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.config.Status()
	if st.Current == nil || st.Current.Health.State == health.Aborted.String() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "session": st.Current.SessionID})
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := StatusResponse{Status: s.config.Status()}
	if resp.History == nil {
		resp.History = make([]session.Summary, 0)
	}
	if s.config.Capture != nil {
		stats := s.config.Capture()
		resp.Capture = &stats
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListSessions(c *gin.Context) {
	st := s.config.Status()
	out := make([]session.Summary, 0, len(st.History)+1)
	out = append(out, st.History...)
	if st.Current != nil && s.config.Lookup != nil {
		if sum, _, ok := s.config.Lookup(st.Current.SessionID); ok {
			out = append(out, sum)
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleSession(c *gin.Context) {
	if s.config.Lookup == nil {
		c.JSON(http.StatusNotImplemented, errorResponse{Error: "session lookup not configured"})
		return
	}
	sum, snap, ok := s.config.Lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: "session not found"})
		return
	}
	c.JSON(http.StatusOK, SessionResponse{Summary: sum, Snapshot: snap})
}
