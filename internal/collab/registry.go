package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webalive/collab-server/internal/content"
	"github.com/webalive/collab-server/internal/crdt"
	"github.com/webalive/collab-server/internal/logger"
	"github.com/webalive/collab-server/internal/observability"
	"github.com/webalive/collab-server/internal/sentryx"
	"github.com/webalive/collab-server/internal/store"
)

var log = logger.WithComponent("REGISTRY")

// metrics is a process-wide counter registry shared by the registry and the
// supervisor; Metrics itself has no wiring dependency on either, so a single
// package-level instance is simpler than threading it through constructors.
var metrics = observability.NewMetrics()

// Close codes reserved by the external interface.
const (
	CloseRateLimited       = 1008
	CloseFrameTooLarge     = 1009
	CloseDocumentConverted = 4100
	CloseContentUpdated    = 4101
	CloseAccessRevoked     = 4403
)

// Registry is the process-wide mapping from document id to a live room. A
// room is exclusively owned by the registry; all access to its mutable
// fields is serialized through the room's own mutex, never the registry's.
type Registry struct {
	mu               sync.Mutex
	rooms            map[string]*Room
	store            *store.Store
	protectionWindow time.Duration
	persistDebounce  time.Duration
	teardownGrace    time.Duration
}

// NewRegistry creates an empty, process-wide document registry.
func NewRegistry(st *store.Store, protectionWindow, persistDebounce, teardownGrace time.Duration) *Registry {
	return &Registry{
		rooms:            make(map[string]*Room),
		store:            st,
		protectionWindow: protectionWindow,
		persistDebounce:  persistDebounce,
		teardownGrace:    teardownGrace,
	}
}

// Acquire returns the live room for docID, constructing it from storage on
// first access. The registry mutex is held only for the map lookup/insert,
// never across the storage load.
func (reg *Registry) Acquire(ctx context.Context, docID string) (*Room, error) {
	reg.mu.Lock()
	if r, ok := reg.rooms[docID]; ok {
		reg.cancelTeardownLocked(r)
		reg.mu.Unlock()
		return r, nil
	}
	reg.mu.Unlock()

	room, err := reg.load(ctx, docID)
	if err != nil {
		return nil, err
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if existing, ok := reg.rooms[docID]; ok {
		// Lost a race with another connection constructing the same room;
		// the loser's room is discarded.
		reg.cancelTeardownLocked(existing)
		return existing, nil
	}
	reg.rooms[docID] = room
	return room, nil
}

func (reg *Registry) cancelTeardownLocked(r *Room) {
	r.mu.Lock()
	if r.teardownTimer != nil {
		r.teardownTimer.Stop()
		r.teardownTimer = nil
	}
	r.mu.Unlock()
}

// load materializes a room from storage per the four-way rule in §4.5.
func (reg *Registry) load(ctx context.Context, docID string) (*Room, error) {
	row, err := reg.store.LoadDocument(ctx, docID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return newRoom(docID), nil
		}
		// Transient DB error during load: start with an empty document; the
		// first persistence attempt may succeed and overwrite. Never
		// propagate to the client.
		log.Error("Failed to load document %s, starting empty: %v", docID, err)
		sentryx.CaptureError(err, "collab: load document failed")
		return newRoom(docID), nil
	}

	metrics.IncCounter("rooms_loaded")
	room := newRoom(docID)
	room.cachedProperties = row.Properties

	switch {
	case len(row.CRDTState) > 0:
		doc, err := crdt.Decode("server", row.CRDTState)
		if err != nil {
			log.Error("Failed to decode crdt_state for %s, starting empty: %v", docID, err)
			sentryx.CaptureError(err, "collab: decode crdt_state failed")
			return room, nil
		}
		room.Doc = doc
		room.LoadedFromContentFallback = true
		tree := content.ToJSON(doc)
		if len(tree.Content) > 0 {
			room.Protection = &Protection{RestoredAt: time.Now(), CachedContent: tree}
		}

	case len(row.Content) > 0:
		d, err := content.ParseDoc(row.Content)
		if err != nil {
			log.Warn("Content structurally malformed for %s, starting empty: %v", docID, err)
			return room, nil
		}
		// Set the fallback flag before lifting so that any callback fired
		// during the lift transaction already observes it.
		room.LoadedFromContentFallback = true
		if _, err := content.Lift(room.Doc, d); err != nil {
			log.Error("Failed to lift content for %s, starting empty: %v", docID, err)
			return newRoom(docID), nil
		}
		if len(d.Content) > 0 {
			room.Protection = &Protection{RestoredAt: time.Now(), CachedContent: d}
		}

	default:
		// Empty document; nothing to do.
	}

	return room, nil
}

// AddConnection registers a connection with a room, cancelling any armed
// teardown timer.
func (reg *Registry) AddConnection(r *Room, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.teardownTimer != nil {
		r.teardownTimer.Stop()
		r.teardownTimer = nil
	}
	r.Connections[c] = struct{}{}
}

// RemoveConnection removes a connection from a room, broadcasts its presence
// removal, and — if the room now has no connections — forces a final
// persistence write and arms the teardown timer.
func (reg *Registry) RemoveConnection(ctx context.Context, r *Room, c *Connection) {
	r.mu.Lock()
	delete(r.Connections, c)

	var removalBroadcast []byte
	if c.ClientPresenceID != "" {
		clientID := parsePresenceClientID(c.ClientPresenceID)
		if _, ok := r.Presence[clientID]; ok {
			delete(r.Presence, clientID)
			removalBroadcast = EncodePresence(presenceSnapshotLocked(r))
		}
	}
	empty := len(r.Connections) == 0
	peers := r.snapshotConnections()
	r.mu.Unlock()

	if removalBroadcast != nil {
		broadcastTo(peers, nil, removalBroadcast)
	}

	if !empty {
		return
	}

	reg.persist(ctx, r, true)
	reg.armTeardown(r)
}

func (reg *Registry) armTeardown(r *Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Connections) > 0 {
		return
	}
	if r.teardownTimer != nil {
		r.teardownTimer.Stop()
	}
	r.teardownTimer = time.AfterFunc(reg.teardownGrace, func() {
		reg.evict(r)
	})
}

func (reg *Registry) evict(r *Room) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r.mu.Lock()
	stillEmpty := len(r.Connections) == 0
	r.mu.Unlock()
	if !stillEmpty {
		return
	}
	delete(reg.rooms, r.DocID)
	metrics.IncCounter("rooms_evicted")
	log.Info("Room evicted | docID=%s", r.DocID)
}

// Invalidate closes every connection to the room whose uuid is docID with
// code 4101, cancels pending writes, and drops the room so the next
// connection reloads from storage.
func (reg *Registry) Invalidate(docID string) {
	reg.mu.Lock()
	r, ok := reg.rooms[docID]
	if ok {
		delete(reg.rooms, docID)
	}
	reg.mu.Unlock()
	if !ok {
		return
	}

	reg.closeRoom(r, CloseContentUpdated, "Content updated", nil)
}

// InvalidateAll invalidates every live room.
func (reg *Registry) InvalidateAll() {
	reg.mu.Lock()
	all := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		all = append(all, r)
	}
	reg.rooms = make(map[string]*Room)
	reg.mu.Unlock()

	for _, r := range all {
		reg.closeRoom(r, CloseContentUpdated, "Content updated", nil)
	}
}

// NotifyConversion closes every connection to a room matching oldID with code
// 4100 and a JSON reason payload naming the successor.
func (reg *Registry) NotifyConversion(oldID, newID, newType string) {
	reg.mu.Lock()
	r, ok := reg.rooms[oldID]
	if ok {
		delete(reg.rooms, oldID)
	}
	reg.mu.Unlock()
	if !ok {
		return
	}

	reason, _ := json.Marshal(map[string]string{"newDocId": newID, "newDocType": newType})
	reg.closeRoom(r, CloseDocumentConverted, string(reason), nil)
}

// NotifyVisibilityChange closes connections whose principal no longer
// qualifies after a visibility change, using authorize to decide. If the new
// visibility is "workspace" this is a no-op: everyone still qualifies.
func (reg *Registry) NotifyVisibilityChange(docID, newVisibility, creatorID string, authorize func(principalID, workspaceID string) bool) {
	if newVisibility == "workspace" {
		return
	}

	reg.mu.Lock()
	r, ok := reg.rooms[docID]
	reg.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	var revoke []*Connection
	for c := range r.Connections {
		if c.PrincipalID == creatorID {
			continue
		}
		if authorize != nil && authorize(c.PrincipalID, c.WorkspaceID) {
			continue
		}
		revoke = append(revoke, c)
	}
	r.mu.Unlock()

	for _, c := range revoke {
		closeConn(c, CloseAccessRevoked, "Document access revoked")
	}
}

// MetricsSnapshot returns a point-in-time copy of the process-wide connection
// and room counters, for an operator-facing debug endpoint.
func MetricsSnapshot() map[string]int64 {
	return metrics.Snapshot()
}

// ClearProtection clears a live room's protection guard without touching its
// CRDT state. It is the documented escape hatch for a REST action that
// legitimately wants the next client-originated deletion to stick.
func (reg *Registry) ClearProtection(docID string) {
	reg.mu.Lock()
	r, ok := reg.rooms[docID]
	reg.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	r.Protection = nil
	r.mu.Unlock()
}

func (reg *Registry) closeRoom(r *Room, code int, reason string, except *Connection) {
	r.mu.Lock()
	peers := r.snapshotConnections()
	if r.pendingWriteTimer != nil {
		r.pendingWriteTimer.Stop()
		r.pendingWriteTimer = nil
	}
	if r.teardownTimer != nil {
		r.teardownTimer.Stop()
		r.teardownTimer = nil
	}
	r.mu.Unlock()

	for _, c := range peers {
		if c == except {
			continue
		}
		closeConn(c, code, reason)
	}
}

func closeConn(c *Connection, code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	c.Socket.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.Socket.WriteMessage(websocket.CloseMessage, msg)
	_ = c.Socket.Close()
}

func broadcastTo(peers []*Connection, except *Connection, data []byte) {
	for _, c := range peers {
		if c == except {
			continue
		}
		if err := c.send(websocket.BinaryMessage, data); err != nil {
			log.Debug("Broadcast send failed, dropping | socket=%s err=%v", c.SocketID, err)
		}
	}
}
