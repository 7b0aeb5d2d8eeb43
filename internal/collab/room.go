package collab

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webalive/collab-server/internal/content"
	"github.com/webalive/collab-server/internal/crdt"
)

// writeWait bounds how long a single socket write (including the close
// handshake) may block before the connection is considered dead.
const writeWait = 10 * time.Second

// Connection is one live socket bound to a room. Sockets hold no reference
// back to the room they belong to; the room owns the connection entry.
type Connection struct {
	Socket           *websocket.Conn
	SocketID         string // unique per-connection handle, used for rate limiting
	PrincipalID      string
	WorkspaceID      string
	ClientPresenceID string // set on the first presence frame, empty until then
	writeMu          sync.Mutex
}

// Protection holds the cached authoritative content guarding a document that
// was materialized from a non-CRDT source, per C7.
type Protection struct {
	RestoredAt    time.Time
	CachedContent content.Doc
}

// active reports whether protection is still within its sliding window.
func (p *Protection) active(now time.Time, window time.Duration) bool {
	return p != nil && now.Sub(p.RestoredAt) < window
}

// Room is the in-memory binding of a room name to a live document, per §3.
// Every mutation of Doc, Presence, Connections, or Protection/write-timer
// state executes under mu: the single per-room mutual-exclusion primitive.
type Room struct {
	mu sync.Mutex

	DocID       string
	Doc         *crdt.Doc
	Presence    map[uint64]PresenceRecord // clientID -> last-writer-wins state
	Connections map[*Connection]struct{}

	LoadedFromContentFallback bool
	Protection                *Protection
	restoring                 bool

	dirty             bool
	pendingWriteTimer *time.Timer
	teardownTimer     *time.Timer

	// cachedProperties mirrors the properties column as last observed by this
	// room (loaded at acquire time, updated after each successful write) so
	// persistence can merge derived fields without a redundant read query.
	cachedProperties map[string]any
}

func newRoom(docID string) *Room {
	return &Room{
		DocID:       docID,
		Doc:         crdt.NewDoc("server"),
		Presence:    make(map[uint64]PresenceRecord),
		Connections: make(map[*Connection]struct{}),
	}
}

// snapshotConnections returns a read-only copy of the connection set, safe to range over
// after releasing mu (broadcasts must never hold the room mutex while
// blocking on a peer's socket write).
func (r *Room) snapshotConnections() []*Connection {
	out := make([]*Connection, 0, len(r.Connections))
	for c := range r.Connections {
		out = append(out, c)
	}
	return out
}

// send writes a single binary WebSocket message, serialized against
// concurrent writes to the same socket.
func (c *Connection) send(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Socket.WriteMessage(messageType, data)
}
