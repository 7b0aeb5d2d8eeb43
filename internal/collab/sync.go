package collab

import (
	"context"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webalive/collab-server/internal/content"
	"github.com/webalive/collab-server/internal/crdt"
)

// parsePresenceClientID recovers the numeric client id a connection claimed
// on its first presence frame. ClientPresenceID is stored as a decimal string
// so Connection stays comparable without importing crdt.
func parsePresenceClientID(s string) uint64 {
	id, _ := strconv.ParseUint(s, 10, 64)
	return id
}

// presenceSnapshotLocked returns every currently tracked presence record. The
// caller must hold r.mu.
func presenceSnapshotLocked(r *Room) []PresenceRecord {
	out := make([]PresenceRecord, 0, len(r.Presence))
	for _, rec := range r.Presence {
		out = append(out, rec)
	}
	return out
}

// Dispatch handles one decoded frame from a connection already bound to a
// room. It returns a close code and reason when the connection must be
// dropped (0 means keep going).
func (reg *Registry) Dispatch(ctx context.Context, r *Room, c *Connection, f Frame) (closeCode int, closeReason string) {
	switch f.Type {
	case msgTypeSync:
		return reg.dispatchSync(ctx, r, c, f)
	case msgTypePresence:
		reg.dispatchPresence(r, c, f)
		return 0, ""
	default:
		// Reserved message types are ignored rather than treated as
		// protocol errors, so the wire format can grow without breaking
		// older servers.
		return 0, ""
	}
}

func (reg *Registry) dispatchSync(ctx context.Context, r *Room, c *Connection, f Frame) (int, string) {
	switch f.SubType {
	case syncSubStep1:
		return reg.handleStep1(r, c, f)
	case syncSubStep2:
		return reg.handleStep2(ctx, r, c, f)
	default:
		return 0, ""
	}
}

// handleStep1 replies with the diff between the client's state vector and the
// server's document: every op the client is missing, as a single step-2 frame.
func (reg *Registry) handleStep1(r *Room, c *Connection, f Frame) (int, string) {
	sv, err := DecodeStateVector(f.Payload)
	if err != nil {
		log.Warn("Malformed step1 from socket %s: %v", c.SocketID, err)
		return 0, ""
	}

	r.mu.Lock()
	update := r.Doc.Diff(sv)
	r.mu.Unlock()

	if len(update) == 0 {
		return 0, ""
	}
	frame, err := EncodeStep2(update)
	if err != nil {
		log.Error("Failed to encode step2 reply for socket %s: %v", c.SocketID, err)
		return 0, ""
	}
	if err := c.send(websocket.BinaryMessage, frame); err != nil {
		log.Debug("Failed to send step2 reply to socket %s: %v", c.SocketID, err)
	}
	return 0, ""
}

// handleStep2 applies an inbound update, guards it against the protection
// window, broadcasts it to every other connection, and schedules persistence.
func (reg *Registry) handleStep2(ctx context.Context, r *Room, c *Connection, f Frame) (int, string) {
	update, err := DecodeUpdate(f.Payload)
	if err != nil {
		log.Warn("Malformed step2 from socket %s: %v", c.SocketID, err)
		return 0, ""
	}
	if len(update) == 0 {
		return 0, ""
	}

	r.mu.Lock()
	if r.Protection.active(time.Now(), reg.protectionWindow) && !r.restoring {
		cached := r.Protection.CachedContent
		changed, applyErr := r.Doc.Apply(update)
		peers := r.snapshotConnections()
		needsReassert := false
		if applyErr == nil && changed {
			live := content.ToJSON(r.Doc)
			needsReassert = !content.Equal(live, cached)
		}
		r.mu.Unlock()

		if applyErr != nil {
			log.Warn("Failed to apply guarded update for doc %s: %v", r.DocID, applyErr)
			return 0, ""
		}
		if changed {
			reg.broadcastUpdate(r, c, update, peers)
		}
		if needsReassert {
			reg.reassertProtection(r)
		}
		if changed {
			reg.scheduleWrite(r)
		}
		return 0, ""
	}

	changed, applyErr := r.Doc.Apply(update)
	wasFallback := applyErr == nil && r.LoadedFromContentFallback && isEffectivelyEmptyLocked(r)
	peers := r.snapshotConnections()
	r.mu.Unlock()

	if applyErr != nil {
		log.Warn("Failed to apply update for doc %s: %v", r.DocID, applyErr)
		return 0, ""
	}
	if !changed {
		return 0, ""
	}

	reg.broadcastUpdate(r, c, update, peers)

	if wasFallback {
		reg.restoreFromStorage(ctx, r)
	}

	reg.scheduleWrite(r)
	return 0, ""
}

func isEffectivelyEmptyLocked(r *Room) bool {
	tree := r.Doc.Tree()
	return crdt.EffectivelyEmpty(tree)
}

func (reg *Registry) broadcastUpdate(r *Room, origin *Connection, update crdt.Update, peers []*Connection) {
	frame, err := EncodeStep2(update)
	if err != nil {
		log.Error("Failed to encode broadcast update for doc %s: %v", r.DocID, err)
		return
	}
	broadcastTo(peers, origin, frame)
}

// dispatchPresence records the sender's client id on first contact, applies
// last-writer-wins ordering by clock, and rebroadcasts the delta.
func (reg *Registry) dispatchPresence(r *Room, c *Connection, f Frame) {
	records, err := DecodePresence(f.Payload)
	if err != nil {
		log.Warn("Malformed presence frame from socket %s: %v", c.SocketID, err)
		return
	}
	if len(records) == 0 {
		return
	}

	r.mu.Lock()
	applied := make([]PresenceRecord, 0, len(records))
	for _, rec := range records {
		existing, ok := r.Presence[rec.ClientID]
		if ok && existing.Clock >= rec.Clock {
			continue
		}
		r.Presence[rec.ClientID] = rec
		applied = append(applied, rec)
	}
	if c.ClientPresenceID == "" && len(records) > 0 {
		c.ClientPresenceID = strconv.FormatUint(records[0].ClientID, 10)
	}
	peers := r.snapshotConnections()
	r.mu.Unlock()

	if len(applied) == 0 {
		return
	}
	broadcastTo(peers, c, EncodePresence(applied))
}

