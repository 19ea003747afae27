// Package http provides the internal HTTP server: health, metrics and run replay.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaot623/gogo/internal/auth"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/hub"
	"github.com/xiaot623/gogo/internal/repository"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// RunResults serves recently finished runs from memory.
type RunResults interface {
	Result(userID, runID string) (domain.RunResult, bool)
	ActiveRuns() int
}

// RunJournal serves persisted runs and their events.
type RunJournal interface {
	GetRun(ctx context.Context, runID string) (*repository.RunRecord, error)
	ListEvents(ctx context.Context, runID string, afterSeq uint64, limit int) ([]repository.EventRecord, error)
}

// Server is the internal HTTP server.
type Server struct {
	echo     *echo.Echo
	hub      *hub.Hub
	runs     RunResults
	journal  RunJournal
	verifier auth.Verifier
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithJournal enables the persisted run and replay endpoints.
func WithJournal(j RunJournal) Option {
	return func(s *Server) { s.journal = j }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a new internal HTTP server. gatherer backs /metrics.
func NewServer(h *hub.Hub, runs RunResults, verifier auth.Verifier, gatherer prometheus.Gatherer, opts ...Option) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		hub:      h,
		runs:     runs,
		verifier: verifier,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "http")

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := e.Group("/v1", s.authenticate)
	v1.GET("/runs/:run_id", s.handleGetRun)
	v1.GET("/runs/:run_id/events", s.handleListEvents)

	return s
}

// Echo exposes the underlying router, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

const userKey = "user_id"

// authenticate resolves the caller the same way the WebSocket handshake does.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := s.verifier.Verify(c.Request().Context(), auth.TokenFromRequest(c.Request()))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		c.Set(userKey, userID)
		return next(c)
	}
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "healthy",
		"connections": s.hub.ConnectionCount(),
		"users":       s.hub.UserCount(),
		"active_runs": s.runs.ActiveRuns(),
	})
}

// RunResponse is the body of GET /v1/runs/:run_id.
type RunResponse struct {
	domain.RunResult
	DurationMs int64 `json:"duration_ms"`
}

// handleGetRun returns a run owned by the caller. Runs owned by someone else
// are reported as missing.
func (s *Server) handleGetRun(c echo.Context) error {
	userID := c.Get(userKey).(string)
	runID := c.Param("run_id")

	if res, ok := s.runs.Result(userID, runID); ok {
		return c.JSON(http.StatusOK, RunResponse{RunResult: res, DurationMs: res.Duration.Milliseconds()})
	}

	rec, err := s.ownedRun(c.Request().Context(), userID, runID)
	if err != nil {
		return s.runError(c, runID, err)
	}
	res := rec.Result()
	return c.JSON(http.StatusOK, RunResponse{RunResult: res, DurationMs: res.Duration.Milliseconds()})
}

// EventsResponse is the body of GET /v1/runs/:run_id/events.
type EventsResponse struct {
	RunID        string                   `json:"run_id"`
	Events       []repository.EventRecord `json:"events"`
	NextAfterSeq uint64                   `json:"next_after_seq"`
}

// handleListEvents replays journaled events after after_seq.
func (s *Server) handleListEvents(c echo.Context) error {
	userID := c.Get(userKey).(string)
	runID := c.Param("run_id")

	afterSeq := uint64(0)
	if v := c.QueryParam("after_seq"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "after_seq must be a non-negative integer"})
		}
		afterSeq = n
	}
	limit := defaultEventLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
		limit = min(n, maxEventLimit)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if _, err := s.ownedRun(ctx, userID, runID); err != nil {
		return s.runError(c, runID, err)
	}
	events, err := s.journal.ListEvents(ctx, runID, afterSeq, limit)
	if err != nil {
		s.logger.Error("failed to list events", "run_id", runID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list events"})
	}
	if events == nil {
		events = []repository.EventRecord{}
	}

	next := afterSeq
	if len(events) > 0 {
		next = events[len(events)-1].Sequence
	}
	return c.JSON(http.StatusOK, EventsResponse{RunID: runID, Events: events, NextAfterSeq: next})
}

func (s *Server) ownedRun(ctx context.Context, userID, runID string) (*repository.RunRecord, error) {
	if s.journal == nil {
		return nil, repository.ErrNotFound
	}
	rec, err := s.journal.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, repository.ErrNotFound
	}
	return rec, nil
}

func (s *Server) runError(c echo.Context, runID string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}
	s.logger.Error("failed to load run", "run_id", runID, "error", err)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to load run"})
}
