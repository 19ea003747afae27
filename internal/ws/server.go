// Package ws provides WebSocket server functionality for client connections.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/xiaot623/gogo/internal/auth"
	"github.com/xiaot623/gogo/internal/config"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/engine"
	"github.com/xiaot623/gogo/internal/hub"
	"github.com/xiaot623/gogo/internal/metrics"
	"github.com/xiaot623/gogo/internal/protocol"
)

// RunController starts and cancels runs on behalf of a connection's user.
type RunController interface {
	Submit(ctx context.Context, req engine.Request) (*domain.Run, error)
	Cancel(userID, runID string) error
}

// Server handles WebSocket connections.
type Server struct {
	ctx      context.Context
	cfg      *config.Config
	hub      *hub.Hub
	runs     RunController
	verifier auth.Verifier
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new WebSocket server. ctx is the server's lifetime:
// runs started from a connection live under it, not under the connection.
func NewServer(ctx context.Context, cfg *config.Config, h *hub.Hub, runs RunController, verifier auth.Verifier, opts ...Option) *Server {
	s := &Server{
		ctx:      ctx,
		cfg:      cfg,
		hub:      h,
		runs:     runs,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "ws")
	return s
}

// RegisterRoutes mounts the WebSocket endpoint.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", s.HandleWebSocket)
}

// HandleWebSocket authenticates the handshake, upgrades the connection and
// registers it under the verified user.
func (s *Server) HandleWebSocket(c echo.Context) error {
	userID, err := s.verifier.Verify(c.Request().Context(), auth.TokenFromRequest(c.Request()))
	if err != nil {
		s.metrics.ConnectionRejected()
		s.logger.Info("handshake rejected", "remote", c.RealIP(), "error", err)
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade WebSocket", "error", err)
		return nil
	}
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	conn, err := s.hub.Bind(ws, userID)
	if err != nil {
		s.logger.Warn("failed to bind connection", "error", err)
		return nil
	}

	if err := s.hub.SendJSON(s.ctx, conn, protocol.NewConnected(conn.ID)); err != nil {
		s.hub.Evict(conn.ID)
		return nil
	}

	go s.writePump(conn)
	go s.readPump(conn, ws)
	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection, ws *websocket.Conn) {
	defer s.hub.Evict(conn.ID)

	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	limiter := rate.NewLimiter(rate.Limit(s.cfg.InboundRate), s.cfg.InboundBurst)
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("WebSocket read error", "conn_id", conn.ID, "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		if !limiter.Allow() {
			s.metrics.Inbound("any", "rate_limited")
			s.sendError(conn, "", protocol.ErrorCodeRateLimited, "too many messages, slow down")
			continue
		}
		s.handleMessage(conn, message)
	}
}

// writePump drains the connection's queue onto the socket and keeps it alive.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case message := <-conn.Outbound():
			if err := conn.WriteMessage(websocket.TextMessage, message, s.cfg.WriteTimeout); err != nil {
				s.logger.Warn("failed to write message", "conn_id", conn.ID, "error", err)
				s.hub.Evict(conn.ID)
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil, s.cfg.WriteTimeout); err != nil {
				s.hub.Evict(conn.ID)
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	in, err := protocol.DecodeInbound(data)
	if err != nil {
		s.metrics.Inbound("unknown", "invalid")
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, err.Error())
		return
	}

	switch in.Type {
	case protocol.TypeUserMessage:
		s.handleUserMessage(conn, in.UserMessage)
	case protocol.TypeCancelRun:
		s.handleCancelRun(conn, in.CancelRun)
	case protocol.TypePing:
		s.metrics.Inbound(in.Type, "ok")
		_ = s.hub.SendJSON(s.ctx, conn, protocol.NewPong())
	}
}

// handleUserMessage starts a run for the connection's user. The run id and
// user id come from the server, never from the envelope.
func (s *Server) handleUserMessage(conn *hub.Connection, msg *protocol.UserMessage) {
	run, err := s.runs.Submit(s.ctx, engine.Request{
		UserID:   conn.UserID(),
		ThreadID: msg.ThreadID,
		Message:  msg.Message,
		Agent:    msg.Agent,
	})
	if err != nil {
		s.metrics.Inbound(protocol.TypeUserMessage, "rejected")
		s.logger.Warn("run rejected", "conn_id", conn.ID, "user_id", conn.UserID(), "error", err)
		s.sendError(conn, "", protocol.ErrorCodeRunRejected, err.Error())
		return
	}
	s.metrics.Inbound(protocol.TypeUserMessage, "ok")
	s.logger.Info("run accepted", "conn_id", conn.ID, "user_id", conn.UserID(), "run_id", run.RunID)
	_ = s.hub.SendJSON(s.ctx, conn, protocol.NewRunAccepted(run.RunID, run.ThreadID))
}

// handleCancelRun cancels one of the user's own runs.
func (s *Server) handleCancelRun(conn *hub.Connection, msg *protocol.CancelRunMessage) {
	if err := s.runs.Cancel(conn.UserID(), msg.RunID); err != nil {
		s.metrics.Inbound(protocol.TypeCancelRun, "not_found")
		code := protocol.ErrorCodeRunRejected
		if errors.Is(err, engine.ErrRunNotFound) {
			code = protocol.ErrorCodeNotFound
		}
		s.sendError(conn, msg.RunID, code, err.Error())
		return
	}
	s.metrics.Inbound(protocol.TypeCancelRun, "ok")
	s.logger.Info("run cancel requested", "user_id", conn.UserID(), "run_id", msg.RunID)
}

// sendError sends an error control frame to a single connection.
func (s *Server) sendError(conn *hub.Connection, runID, code, message string) {
	errMsg := protocol.NewError(code, message)
	errMsg.RunID = runID
	if err := s.hub.SendJSON(s.ctx, conn, errMsg); err != nil {
		s.logger.Debug("failed to send error frame", "conn_id", conn.ID, "error", err)
	}
}
