package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/emberdate/backend/internal/models"
)

// TokenParser resolves a bearer token to a user id.
type TokenParser interface {
	ParseToken(token string) (uuid.UUID, error)
}

// SessionPresence is the part of the presence tracker a socket drives.
type SessionPresence interface {
	Attach(ctx context.Context, userID uuid.UUID, sessionID string) error
	Heartbeat(ctx context.Context, userID uuid.UUID, sessionID string) error
	Detach(ctx context.Context, userID uuid.UUID, sessionID string)
	Get(userID uuid.UUID) models.PresenceRecord
}

// StateSource provides the initial balances sent after a watch.
type StateSource interface {
	CurrentScores(ctx context.Context, userID uuid.UUID) ([]models.ScoreUpdate, error)
}

type ServerConfig struct {
	// PingInterval must be shorter than the presence heartbeat timeout.
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
	AllowedOrigins []string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:   30 * time.Second,
		PongWait:       75 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 4096,
		SendBuffer:     64,
	}
}

// Server upgrades authenticated requests to websockets. Each socket is one
// presence session: it attaches on connect, heartbeats on every pong or
// client message, and detaches on close.
type Server struct {
	hub      *Hub
	auth     TokenParser
	presence SessionPresence
	state    StateSource
	cfg      ServerConfig
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewServer(hub *Hub, auth TokenParser, presence SessionPresence, state StateSource, cfg ServerConfig, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	def := DefaultServerConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = cfg.PingInterval * 5 / 2
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	s := &Server{
		hub:      hub,
		auth:     auth,
		presence: presence,
		state:    state,
		cfg:      cfg,
		log:      log.With("component", "feed-ws"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// bearerToken reads the Authorization header, falling back to ?token= since
// browsers cannot set headers on websocket requests.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.ParseToken(bearerToken(r))
	if err != nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	ctx := context.WithoutCancel(r.Context())
	if err := s.presence.Attach(ctx, userID, sessionID); err != nil {
		s.log.Error("attach session failed", "user_id", userID, "error", err)
		s.closeWith(conn, websocket.CloseTryAgainLater, "presence unavailable")
		return
	}
	defer s.presence.Detach(ctx, userID, sessionID)

	sub := s.hub.Subscribe(s.cfg.SendBuffer)
	defer s.hub.Remove(sub)
	s.watch(ctx, sub, userID)

	done := make(chan struct{})
	go s.writePump(conn, sub, done)
	s.readPump(ctx, conn, sub, userID, sessionID)
	close(done)
}

func (s *Server) watch(ctx context.Context, sub *Subscriber, userID uuid.UUID) {
	s.hub.Watch(sub, userID)
	rec := s.presence.Get(userID)
	s.hub.Deliver(sub, Message{Type: TypePresence, Presence: &rec})
	if s.state == nil {
		return
	}
	scores, err := s.state.CurrentScores(ctx, userID)
	if err != nil {
		s.log.Warn("initial state failed", "user_id", userID, "error", err)
		return
	}
	for i := range scores {
		s.hub.Deliver(sub, Message{Type: TypeScore, Update: &scores[i]})
	}
}

func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, sub *Subscriber, userID uuid.UUID, sessionID string) {
	conn.SetReadLimit(s.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	beat := func() {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		if err := s.presence.Heartbeat(ctx, userID, sessionID); err != nil {
			s.log.Warn("heartbeat failed", "user_id", userID, "error", err)
		}
	}
	conn.SetPongHandler(func(string) error {
		beat()
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("websocket closed", "user_id", userID, "error", err)
			}
			return
		}
		beat()

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.hub.Deliver(sub, Message{Type: TypeError, Error: "malformed message"})
			continue
		}
		switch msg.Type {
		case TypeWatch:
			if msg.UserID != nil {
				s.watch(ctx, sub, *msg.UserID)
			}
		case TypeUnwatch:
			if msg.UserID != nil && *msg.UserID != userID {
				s.hub.Unwatch(sub, *msg.UserID)
			}
		case TypePing:
			s.hub.Deliver(sub, Message{Type: TypePong})
		default:
			s.hub.Deliver(sub, Message{Type: TypeError, Error: "unknown message type"})
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, sub *Subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			s.closeWith(conn, websocket.CloseNormalClosure, "")
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (s *Server) closeWith(conn *websocket.Conn, code int, text string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(s.cfg.WriteWait))
}
