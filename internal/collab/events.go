package collab

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webalive/collab-server/internal/httpx/response"
	"github.com/webalive/collab-server/internal/ratelimit"
	"github.com/webalive/collab-server/internal/sessiongate"
)

// eventMessage is the line-delimited JSON frame shape for the notification
// channel: much simpler than the collaboration wire protocol, since there is
// no document state to synchronize here.
type eventMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EventHub fans out out-of-band notifications (document conversions,
// visibility changes, admin broadcasts) to every socket a user currently has
// open on the `/events` channel, independent of which collaboration rooms
// they are in.
type EventHub struct {
	sessions *sessiongate.Gate
	upgrader websocket.Upgrader
	conns    *ratelimit.ConnLimiter
	messages *ratelimit.MessageLimiter
	byUser   sync.Map // userID -> *userConns
}

type userConns struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewEventHub creates an events channel authenticated the same way as the
// collaboration upgrade path. conns and messages are the same rate limiters
// guarding the collaboration socket: rate limits and session rules are
// identical across both channels.
func NewEventHub(sessions *sessiongate.Gate, checkOrigin func(*http.Request) bool, conns *ratelimit.ConnLimiter, messages *ratelimit.MessageLimiter) *EventHub {
	return &EventHub{
		sessions: sessions,
		conns:    conns,
		messages: messages,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  512,
			WriteBufferSize: 512,
			CheckOrigin:     checkOrigin,
		},
	}
}

// HandleUpgrade implements the session-gate-authenticated "/events" endpoint.
func (h *EventHub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if res := h.conns.Allow(ip); res.Limited {
		response.Error(w, http.StatusTooManyRequests, "Rate limited")
		return
	}

	token := h.sessions.TokenFromRequest(r)
	principal, err := h.sessions.Validate(r.Context(), token)
	if err != nil {
		response.Unauthorized(w)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Events upgrade failed: %v", err)
		return
	}
	conn.EnableWriteCompression(false)

	uc := h.register(principal.UserID, conn)
	defer h.unregister(principal.UserID, uc, conn)

	h.writeJSON(conn, eventMessage{Type: "connected"})
	h.readLoop(conn, newSocketID())
}

// readLoop pumps frames off an already-registered events socket until it
// closes or is rate-limited into a close, mirroring the message-rate check
// on the collaboration socket's read loop.
func (h *EventHub) readLoop(conn *websocket.Conn, socketID string) {
	defer h.messages.Release(socketID)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if res := h.messages.Allow(socketID); res.Limited {
			if h.messages.ShouldClose(socketID) {
				closeConn(&Connection{Socket: conn, SocketID: socketID}, CloseRateLimited, "message rate limit exceeded")
				return
			}
			continue
		}

		var msg eventMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			h.writeJSON(conn, eventMessage{Type: "pong"})
		}
	}
}

func (h *EventHub) register(userID string, conn *websocket.Conn) *userConns {
	v, _ := h.byUser.LoadOrStore(userID, &userConns{conns: make(map[*websocket.Conn]struct{})})
	uc := v.(*userConns)
	uc.mu.Lock()
	uc.conns[conn] = struct{}{}
	uc.mu.Unlock()
	return uc
}

func (h *EventHub) unregister(userID string, uc *userConns, conn *websocket.Conn) {
	uc.mu.Lock()
	delete(uc.conns, conn)
	empty := len(uc.conns) == 0
	uc.mu.Unlock()
	_ = conn.Close()
	if empty {
		h.byUser.Delete(userID)
	}
}

func (h *EventHub) writeJSON(conn *websocket.Conn, msg eventMessage) {
	blob, err := json.Marshal(msg)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.TextMessage, blob)
}

// BroadcastToUser sends an event frame to every socket a user currently has
// open, silently dropping users with no live connection.
func (h *EventHub) BroadcastToUser(userID, eventType string, data any) {
	v, ok := h.byUser.Load(userID)
	if !ok {
		return
	}
	uc := v.(*userConns)

	blob, err := json.Marshal(data)
	if err != nil {
		log.Error("Failed to marshal event payload for user %s: %v", userID, err)
		return
	}
	msg := eventMessage{Type: eventType, Data: blob}

	uc.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(uc.conns))
	for c := range uc.conns {
		conns = append(conns, c)
	}
	uc.mu.Unlock()

	for _, c := range conns {
		h.writeJSON(c, msg)
	}
}
