package collab

import (
	"context"
	"strings"
	"time"

	"github.com/webalive/collab-server/internal/content"
	"github.com/webalive/collab-server/internal/crdt"
	"github.com/webalive/collab-server/internal/sentryx"
)

// scheduleWrite arms (or re-arms) the room's debounce timer. The timer fires
// at most once per persistDebounce interval regardless of how many edits
// land in between.
//
// The deferred persist call intentionally does not inherit the context of
// whichever connection triggered it: the timer can fire well after that
// connection's read loop — and therefore its request context — has gone
// away, while the room itself (and the write it owes storage) outlives any
// one socket.
func (reg *Registry) scheduleWrite(r *Room) {
	r.mu.Lock()
	r.dirty = true
	if r.pendingWriteTimer != nil {
		r.mu.Unlock()
		return
	}
	r.pendingWriteTimer = time.AfterFunc(reg.persistDebounce, func() {
		r.mu.Lock()
		r.pendingWriteTimer = nil
		r.mu.Unlock()
		reg.persist(context.Background(), r, false)
	})
	r.mu.Unlock()
}

// persist writes the room's current CRDT state and derived properties to
// storage. When force is false, a room that was loaded from stored content
// (crdt_state or the content column) and is now effectively empty is skipped:
// the emptiness comes from a client sync rather than from the stored
// document, so writing here would overwrite perfectly good content with an
// empty crdt_state.
//
// The room mutex is released before the storage round-trip: persistence must
// never block edits to this room, let alone serialize against other rooms.
func (reg *Registry) persist(ctx context.Context, r *Room, force bool) {
	r.mu.Lock()
	if !force && !r.dirty {
		r.mu.Unlock()
		return
	}
	if !force && r.LoadedFromContentFallback && crdt.EffectivelyEmpty(r.Doc.Tree()) {
		r.mu.Unlock()
		return
	}

	snapshot, err := r.Doc.Encode()
	if err != nil {
		r.mu.Unlock()
		log.Error("Failed to encode crdt state for doc %s: %v", r.DocID, err)
		sentryx.CaptureError(err, "collab: encode crdt state failed")
		return
	}
	tree := content.ToJSON(r.Doc)
	properties := deriveProperties(tree, r.cachedProperties)
	r.dirty = false
	r.mu.Unlock()

	if err := reg.store.SaveDocument(ctx, r.DocID, snapshot, properties); err != nil {
		log.Error("Failed to persist doc %s: %v", r.DocID, err)
		sentryx.CaptureError(err, "collab: save document failed")
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	r.cachedProperties = properties
	r.mu.Unlock()
}

// Derived property keys scanned out of the content tree on every persist.
// There is no wire-level marker for these; the convention mirrors how a rich
// document editor typically tags structural sections: the first heading node
// whose text starts with one of these labels (case-insensitively, followed by
// a colon) donates the remainder of that heading's text, trimmed, as the
// field's value. A document with no such heading has the corresponding field
// removed from the merged properties map.
var derivedPropertyLabels = map[string]string{
	"hypothesis":       "hypothesis",
	"success criteria": "successCriteria",
	"vision":           "vision",
	"goals":            "goals",
}

// deriveProperties scans a structured-content tree for labeled heading nodes
// and merges any it finds into a copy of the previously cached properties map,
// so unrelated fields set elsewhere (e.g. by a REST endpoint) are preserved.
// A known label whose heading is no longer present in the scan is explicitly
// cleared rather than left at its stale cached value, since a deleted heading
// means "null", not "whatever this field was last time".
func deriveProperties(d content.Doc, cached map[string]any) map[string]any {
	out := make(map[string]any, len(cached)+len(derivedPropertyLabels))
	for k, v := range cached {
		out[k] = v
	}

	found := make(map[string]bool, len(derivedPropertyLabels))
	for _, n := range d.Content {
		label, rest, ok := splitHeadingLabel(n)
		if !ok {
			continue
		}
		key, known := derivedPropertyLabels[label]
		if !known || found[key] {
			continue
		}
		out[key] = rest
		found[key] = true
	}

	for _, key := range derivedPropertyLabels {
		if !found[key] {
			delete(out, key)
		}
	}
	return out
}

// splitHeadingLabel recognizes a heading node of the form "Label: rest" and
// returns the lower-cased label and trimmed remainder.
func splitHeadingLabel(n content.Node) (label, rest string, ok bool) {
	if n.Type != "heading" {
		return "", "", false
	}
	text := flattenText(n)
	idx := strings.IndexByte(text, ':')
	if idx < 0 {
		return "", "", false
	}
	return strings.ToLower(strings.TrimSpace(text[:idx])), strings.TrimSpace(text[idx+1:]), true
}

func flattenText(n content.Node) string {
	if n.Type == "text" {
		return n.Text
	}
	var b strings.Builder
	for _, c := range n.Content {
		b.WriteString(flattenText(c))
	}
	return b.String()
}
