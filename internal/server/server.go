package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/kdimtricp/callpilot/internal/protocol"
	"github.com/kdimtricp/callpilot/internal/session"
)

const (
	DefaultReadLimit    = 8 << 20
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
)

type Config struct {
	ReadLimitBytes int64
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	// AllowedOrigins lists accepted Origin headers. "*" or empty accepts any.
	AllowedOrigins []string
}

// Server upgrades device connections to websockets and binds each one to a
// session for as long as the connection lives.
type Server struct {
	manager  *session.Manager
	cfg      Config
	upgrader websocket.Upgrader
	logger   hclog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func New(manager *session.Manager, cfg Config, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.ReadLimitBytes <= 0 {
		cfg.ReadLimitBytes = DefaultReadLimit
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		manager: manager,
		cfg:     cfg,
		logger:  logger.Named("server"),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 << 10,
		WriteBufferSize: 16 << 10,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Shutdown tears down every session bound to this server.
func (s *Server) Shutdown() {
	s.cancel()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess := s.manager.Open(s.ctx)
	logger := s.logger.With("session", sess.ID, "remote", r.RemoteAddr)
	logger.Info("device connected")

	if err := sess.Send(protocol.NewInit(sess.ID, sess.Rules())); err != nil {
		logger.Warn("failed to queue init", "error", err)
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(conn, sess, logger)
	}()

	s.readLoop(conn, sess, logger)

	if err := s.manager.Close(sess.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		logger.Warn("failed to close session", "error", err)
	}
	<-writerDone
	conn.Close()
	logger.Info("device disconnected")
}

func (s *Server) readLoop(conn *websocket.Conn, sess *session.Session, logger hclog.Logger) {
	pongWait := s.cfg.PingInterval * 2
	conn.SetReadLimit(s.cfg.ReadLimitBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		sess.Touch()
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("connection lost", "error", err)
			} else {
				logger.Debug("connection closed", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handle(sess, data, logger)
	}
}

func (s *Server) handle(sess *session.Session, data []byte, logger hclog.Logger) {
	msgType, msg, err := protocol.Decode(data)
	if err != nil {
		logger.Debug("bad inbound message", "type", msgType, "error", err)
		sess.Send(protocol.NewError(err.Error()))
		return
	}
	sess.Touch()

	switch m := msg.(type) {
	case *protocol.Screenshot:
		raw, err := m.Decode()
		if err != nil {
			logger.Debug("bad screenshot", "error", err)
			sess.Send(protocol.NewError(err.Error()))
			return
		}
		at := m.CapturedAt()
		if at.IsZero() {
			at = time.Now()
		}
		if err := sess.SubmitFrame(raw, at); err != nil {
			logger.Debug("frame not accepted", "error", err)
		}

	case *protocol.FilterSettings:
		rules, err := sess.ApplySettings(m.Patch())
		if err != nil {
			sess.Send(protocol.NewError(err.Error()))
		}
		sess.Send(protocol.NewConfig(rules))

	case *protocol.Status:
		sess.SetStatus(m.Status)
		logger.Debug("device status", "status", m.Status)

	case *protocol.Log:
		sess.SetLastLog(m.Message)
		logger.Info("device log", "message", m.Message)

	case *protocol.Ping:
		sess.Send(protocol.NewPong())
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, sess *session.Session, logger hclog.Logger) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-sess.Outbound():
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Warn("write failed", "error", err)
				// Unblock the reader so the session is torn down.
				conn.Close()
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logger.Debug("ping failed", "error", err)
				conn.Close()
				return
			}

		case <-sess.Done():
			deadline := time.Now().Add(time.Second)
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed")
			conn.WriteControl(websocket.CloseMessage, msg, deadline)
			// A server-side close must also stop the reader.
			conn.Close()
			return
		}
	}
}
