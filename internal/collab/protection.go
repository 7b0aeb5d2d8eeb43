package collab

import (
	"context"
	"time"

	"github.com/webalive/collab-server/internal/content"
	"github.com/webalive/collab-server/internal/crdt"
	"github.com/webalive/collab-server/internal/sentryx"
)

// restoreFromStorage re-lifts the authoritative content over a document that
// was just found effectively empty despite having been loaded from a
// non-CRDT fallback, guarding against stale client tombstones deleting
// content that was never replicated to that client in the first place.
//
// Preference order: crdt_state if present (a scratch document is decoded and
// its live tree re-lifted), else the content column. The clear-and-re-lift
// happens inside a single "server"-origin transaction so observers never see
// an intermediate empty state.
func (reg *Registry) restoreFromStorage(ctx context.Context, r *Room) {
	r.mu.Lock()
	if r.restoring {
		r.mu.Unlock()
		return
	}
	r.restoring = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.restoring = false
		r.mu.Unlock()
	}()

	row, err := reg.store.LoadDocument(ctx, r.DocID)
	if err != nil {
		log.Error("Failed to reload document %s for restore: %v", r.DocID, err)
		sentryx.CaptureError(err, "collab: restore reload failed")
		return
	}

	var restored content.Doc
	switch {
	case len(row.CRDTState) > 0:
		scratch, err := crdt.Decode("server", row.CRDTState)
		if err != nil {
			log.Error("Failed to decode crdt_state during restore of %s: %v", r.DocID, err)
			return
		}
		restored = content.ToJSON(scratch)
	case len(row.Content) > 0:
		d, err := content.ParseDoc(row.Content)
		if err != nil {
			log.Warn("Content malformed during restore of %s: %v", r.DocID, err)
			return
		}
		restored = d
	default:
		return
	}

	if len(restored.Content) == 0 {
		return
	}

	r.mu.Lock()
	update, err := r.Doc.Transaction(func(tx *crdt.Tx) error {
		tx.ClearChildren(crdt.RootID)
		return content.LiftInto(tx, restored)
	})
	if err != nil {
		r.mu.Unlock()
		log.Error("Failed to restore content into doc %s: %v", r.DocID, err)
		return
	}
	r.Protection = &Protection{RestoredAt: time.Now(), CachedContent: restored}
	peers := r.snapshotConnections()
	r.mu.Unlock()

	if len(update) > 0 {
		reg.broadcastUpdate(r, nil, update, peers)
	}
	reg.scheduleWrite(r)

	log.Info("Restored stale document | docID=%s", r.DocID)
}

// reassertProtection re-installs the cached authoritative content over a
// document whose live tree has drifted from it while still inside the
// protection window, and refreshes the window.
func (reg *Registry) reassertProtection(r *Room) {
	r.mu.Lock()
	if r.Protection == nil {
		r.mu.Unlock()
		return
	}
	cached := r.Protection.CachedContent

	update, err := r.Doc.Transaction(func(tx *crdt.Tx) error {
		tx.ClearChildren(crdt.RootID)
		return content.LiftInto(tx, cached)
	})
	if err != nil {
		r.mu.Unlock()
		log.Error("Failed to reassert protection for doc %s: %v", r.DocID, err)
		return
	}
	r.Protection.RestoredAt = time.Now()
	peers := r.snapshotConnections()
	r.mu.Unlock()

	if len(update) > 0 {
		reg.broadcastUpdate(r, nil, update, peers)
	}
}
