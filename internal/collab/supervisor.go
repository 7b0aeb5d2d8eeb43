package collab

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webalive/collab-server/internal/accessgate"
	"github.com/webalive/collab-server/internal/config"
	"github.com/webalive/collab-server/internal/httpx/response"
	"github.com/webalive/collab-server/internal/observability"
	"github.com/webalive/collab-server/internal/ratelimit"
	"github.com/webalive/collab-server/internal/roomname"
	"github.com/webalive/collab-server/internal/sessiongate"
)

// Transport timing, per C10.
const (
	readTimeout  = 60 * time.Second
	writeTimeout = 65 * time.Second
	idleTimeout  = 65 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
)

// Supervisor owns the WebSocket upgrade path: rate limiting, session and
// access gates, room acquisition, and the per-connection read loop.
type Supervisor struct {
	cfg       *config.AppConfig
	registry  *Registry
	sessions  *sessiongate.Gate
	access    *accessgate.Gate
	conns     *ratelimit.ConnLimiter
	messages  *ratelimit.MessageLimiter
	upgrader  websocket.Upgrader
	active    int32
	shutdownC chan struct{}
}

// NewSupervisor wires the upgrade pipeline together.
func NewSupervisor(cfg *config.AppConfig, reg *Registry, sessions *sessiongate.Gate, access *accessgate.Gate) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		registry:  reg,
		sessions:  sessions,
		access:    access,
		conns:     ratelimit.NewConnLimiter(cfg.ConnLimitPerIP, cfg.ConnLimitWindow),
		messages:  ratelimit.NewMessageLimiter(cfg.MessageLimitPerConn, cfg.MessageLimitWindow, cfg.MessageViolationMax),
		shutdownC: make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		EnableCompression: false,
		CheckOrigin:       s.CheckOrigin,
	}
	return s
}

// ConnLimiter returns the supervisor's per-IP connection limiter, shared
// with the events channel so both upgrade paths enforce the same limit.
func (s *Supervisor) ConnLimiter() *ratelimit.ConnLimiter {
	return s.conns
}

// MessageLimiter returns the supervisor's per-socket message limiter, shared
// with the events channel so both upgrade paths enforce the same limit.
func (s *Supervisor) MessageLimiter() *ratelimit.MessageLimiter {
	return s.messages
}

// CheckOrigin reports whether r's Origin header is acceptable for a
// WebSocket upgrade, shared between the collaboration and events endpoints.
func (s *Supervisor) CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		host := r.Host
		return strings.Contains(origin, host) || strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1")
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	log.Warn("Rejected WebSocket origin: %s", origin)
	return false
}

// HandleUpgrade implements the "/collaboration/{roomName}" upgrade path:
// connection rate limit, session validation, room name parse, access check,
// room acquisition, then the initial sync handshake.
func (s *Supervisor) HandleUpgrade(w http.ResponseWriter, r *http.Request, rawRoomName string) {
	ctx, span := observability.StartSpan(r.Context(), "collab.HandleUpgrade")
	defer span.End()
	r = r.WithContext(ctx)

	ip := clientIP(r)
	if res := s.conns.Allow(ip); res.Limited {
		metrics.IncCounter("connection_rate_limit_rejections")
		response.Error(w, http.StatusTooManyRequests, "Rate limited")
		return
	}

	token := s.sessions.TokenFromRequest(r)
	principal, err := s.sessions.Validate(r.Context(), token)
	if err != nil {
		response.Unauthorized(w)
		return
	}

	name, err := roomname.Parse(rawRoomName)
	if err != nil {
		response.BadRequest(w, "Invalid room")
		return
	}

	decision, err := s.access.Check(r.Context(), name.DocID, principal.UserID, principal.WorkspaceID)
	if err != nil {
		response.Error(w, http.StatusForbidden, "Forbidden")
		return
	}

	room, err := s.registry.Acquire(r.Context(), decision.DocID)
	if err != nil {
		log.Error("Failed to acquire room %s: %v", decision.DocID, err)
		response.InternalServerError(w)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("WebSocket upgrade failed: %v", err)
		return
	}
	conn.EnableWriteCompression(false)

	c := &Connection{
		Socket:      conn,
		SocketID:    newSocketID(),
		PrincipalID: principal.UserID,
		WorkspaceID: principal.WorkspaceID,
	}

	atomic.AddInt32(&s.active, 1)
	defer atomic.AddInt32(&s.active, -1)
	metrics.IncCounter("connections_opened")
	defer metrics.IncCounter("connections_closed")

	s.registry.AddConnection(room, c)
	log.Info("Connection opened | docID=%s socket=%s user=%s", room.DocID, c.SocketID, c.PrincipalID)

	s.sendInitialSync(room, c)
	s.readLoop(r.Context(), room, c)

	s.messages.Release(c.SocketID)
	s.registry.RemoveConnection(context.Background(), room, c)
	log.Info("Connection closed | docID=%s socket=%s", room.DocID, c.SocketID)
}

func (s *Supervisor) sendInitialSync(room *Room, c *Connection) {
	room.mu.Lock()
	sv := room.Doc.StateVector()
	var presence []PresenceRecord
	for _, rec := range room.Presence {
		presence = append(presence, rec)
	}
	room.mu.Unlock()

	frame, err := EncodeStep1(sv)
	if err != nil {
		log.Error("Failed to encode initial state vector: %v", err)
		return
	}
	if err := c.send(websocket.BinaryMessage, frame); err != nil {
		log.Debug("Failed to send initial sync to socket %s: %v", c.SocketID, err)
		return
	}
	if len(presence) > 0 {
		_ = c.send(websocket.BinaryMessage, EncodePresence(presence))
	}
}

// readLoop pumps frames off the socket until it closes or is rate-limited
// into a close.
func (s *Supervisor) readLoop(ctx context.Context, room *Room, c *Connection) {
	conn := c.Socket
	conn.SetReadLimit(s.cfg.MaxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingDone := make(chan struct{})
	go s.pingLoop(c, pingDone)
	defer close(pingDone)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Debug("Read error on socket %s: %v", c.SocketID, err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		if res := s.messages.Allow(c.SocketID); res.Limited {
			metrics.IncCounter("message_rate_limit_violations")
			if s.messages.ShouldClose(c.SocketID) {
				metrics.IncCounter("rate_limited_closes")
				closeConn(c, CloseRateLimited, "message rate limit exceeded")
				return
			}
			continue
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			log.Debug("Malformed frame from socket %s: %v", c.SocketID, err)
			continue
		}

		if code, reason := s.registry.Dispatch(ctx, room, c, frame); code != 0 {
			closeConn(c, code, reason)
			return
		}
	}
}

func (s *Supervisor) pingLoop(c *Connection, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.Socket.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.Socket.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Shutdown closes every socket the supervisor is tracking and waits for the
// read loops to drain, bounded by ctx.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.registry.mu.Lock()
	rooms := make([]*Room, 0, len(s.registry.rooms))
	for _, r := range s.registry.rooms {
		rooms = append(rooms, r)
	}
	s.registry.mu.Unlock()

	for _, r := range rooms {
		r.mu.Lock()
		peers := r.snapshotConnections()
		r.mu.Unlock()
		for _, c := range peers {
			closeConn(c, websocket.CloseServiceRestart, "server shutting down")
		}
	}

	s.conns.Stop()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Warn("Shutdown timeout with %d connections still active", atomic.LoadInt32(&s.active))
			return
		case <-ticker.C:
			if atomic.LoadInt32(&s.active) == 0 {
				log.Info("All collaboration connections closed")
				return
			}
		}
	}
}

func newSocketID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host := r.RemoteAddr
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		return host[:idx]
	}
	return host
}
