// Package crdt implements an operation-based CRDT over a tree of element and
// text nodes: per-actor causal ids, state-vector sync, and atomic
// transactions. It stands in for the document-sync algebra that the
// collaboration server assumes is available as a library (state encoding,
// state-vector diffing, update application); no such package exists in the
// surrounding module set, so this is a from-scratch substrate built the way
// the reference RGA sketch frames the problem: per-node causal ids, a vector
// clock, and a deterministic tie-break for concurrent inserts.
package crdt

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"
)

// NodeID is a globally unique, causally ordered identifier: the pair of an
// actor (replica) id and that actor's local sequence counter at the time of
// creation.
type NodeID struct {
	Actor string
	Seq   uint64
}

// IsZero reports whether id is the zero value, used as the sentinel "root" or
// "no predecessor" reference.
func (id NodeID) IsZero() bool {
	return id.Actor == "" && id.Seq == 0
}

// Kind distinguishes element nodes from text leaves.
type Kind int

const (
	KindElement Kind = iota
	KindText
)

// node is the internal representation of one tree node, including tombstone
// state. Exported as Node via snapshotting only.
type node struct {
	ID      NodeID
	Parent  NodeID
	After   NodeID // the sibling (or zero, meaning "first child") this node was inserted after
	Kind    Kind
	Tag     string
	Attrs   map[string]string
	Text    string
	Marks   map[string]string
	Deleted bool
	// DeletedBy is the causal id of the delete itself, distinct from ID (the
	// node's creation id). A peer can have already seen ID's creation while
	// still being behind on DeletedBy, which is what lets Diff detect and
	// re-send a deletion of an already-known node.
	DeletedBy NodeID
}

func (n *node) clone() *node {
	c := *n
	c.Attrs = cloneStrMap(n.Attrs)
	c.Marks = cloneStrMap(n.Marks)
	return &c
}

func cloneStrMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Op is a single causal operation: either the creation of a node (Deleted ==
// false, all node fields populated) or a tombstone of an existing node
// (Deleted == true, ID identifying the node being deleted and DeletedBy the
// delete's own causal id).
type Op struct {
	ID        NodeID
	Parent    NodeID
	After     NodeID
	Kind      Kind
	Tag       string
	Attrs     map[string]string
	Text      string
	Marks     map[string]string
	Deleted   bool
	DeletedBy NodeID
}

// Update is a batch of operations produced by one transaction or received
// from a peer.
type Update []Op

// StateVector summarizes, per actor, the highest sequence number observed.
type StateVector map[string]uint64

// Clone returns a defensive copy.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}

// RootID is the implicit root fragment; every top-level node has Parent == RootID.
var RootID = NodeID{}

// Doc is one replica of a document tree.
type Doc struct {
	mu       sync.Mutex
	actor    string
	localSeq uint64
	nodes    map[NodeID]*node
	children map[NodeID][]NodeID // parent -> ordered child ids, in causal order (including tombstoned)
	clock    StateVector
}

// NewDoc creates an empty document replica identified by actor (typically a
// socket id, or "server" for server-originated transactions).
func NewDoc(actor string) *Doc {
	return &Doc{
		actor:    actor,
		nodes:    make(map[NodeID]*node),
		children: make(map[NodeID][]NodeID),
		clock:    make(StateVector),
	}
}

// StateVector returns a snapshot of the document's current state vector.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock.Clone()
}

// Diff returns every operation this replica has observed that is not
// reflected in sv — the minimal update needed to bring a peer holding sv up
// to date (step 2 of the sync handshake). A node's creation and its
// deletion carry independent causal ids, so a peer that already knows about
// a node's creation but hasn't seen its later deletion still gets a
// delete-only op here.
func (d *Doc) Diff(sv StateVector) Update {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out Update
	for _, kids := range d.children {
		for _, id := range kids {
			n := d.nodes[id]
			if id.Seq > sv[id.Actor] {
				out = append(out, d.opFor(n))
				continue
			}
			if n.Deleted && n.DeletedBy.Seq > sv[n.DeletedBy.Actor] {
				out = append(out, Op{ID: n.ID, Deleted: true, DeletedBy: n.DeletedBy})
			}
		}
	}
	// Deterministic order: by actor then seq, so repeated diffs are stable.
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID.Actor != out[j].ID.Actor {
			return out[i].ID.Actor < out[j].ID.Actor
		}
		return out[i].ID.Seq < out[j].ID.Seq
	})
	return out
}

func (d *Doc) opFor(n *node) Op {
	return Op{
		ID: n.ID, Parent: n.Parent, After: n.After, Kind: n.Kind,
		Tag: n.Tag, Attrs: cloneStrMap(n.Attrs), Text: n.Text, Marks: cloneStrMap(n.Marks),
		Deleted: n.Deleted, DeletedBy: n.DeletedBy,
	}
}

// Apply applies a remote update to this replica. It records no origin for
// the update; excluding the sender from a broadcast is left to the caller.
// It reports whether any op was newly applied (a retransmitted op that is
// already known is a no-op).
func (d *Doc) Apply(update Update) (changed bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, op := range update {
		if d.applyLocked(op) {
			changed = true
		}
	}
	return changed, nil
}

func (d *Doc) applyLocked(op Op) bool {
	if op.Deleted {
		n, ok := d.nodes[op.ID]
		if !ok || n.Deleted {
			return false
		}
		n.Deleted = true
		n.DeletedBy = op.DeletedBy
		if op.DeletedBy.Seq > d.clock[op.DeletedBy.Actor] {
			d.clock[op.DeletedBy.Actor] = op.DeletedBy.Seq
		}
		return true
	}

	if _, exists := d.nodes[op.ID]; exists {
		return false
	}

	n := &node{
		ID: op.ID, Parent: op.Parent, After: op.After, Kind: op.Kind,
		Tag: op.Tag, Attrs: cloneStrMap(op.Attrs), Text: op.Text, Marks: cloneStrMap(op.Marks),
	}
	d.nodes[op.ID] = n
	d.insertIntoParent(n)

	if op.ID.Seq > d.clock[op.ID.Actor] {
		d.clock[op.ID.Actor] = op.ID.Seq
	}
	return true
}

// insertIntoParent places n into d.children[n.Parent] using the RGA
// insertion rule: among siblings sharing the same After anchor, higher
// priority (Seq desc, then Actor asc) sorts first, guaranteeing the same
// final order regardless of delivery order of concurrent inserts.
func (d *Doc) insertIntoParent(n *node) {
	siblings := d.children[n.Parent]

	pos := len(siblings)
	if !n.After.IsZero() {
		idx := indexOf(siblings, n.After)
		if idx < 0 {
			// Anchor not seen yet (out-of-order delivery); append at the end.
			// A well-formed causal broadcast never triggers this path.
			pos = len(siblings)
		} else {
			pos = idx + 1
			for pos < len(siblings) {
				other := d.nodes[siblings[pos]]
				if other.After != n.After {
					break
				}
				if higherPriority(n.ID, other.ID) {
					break
				}
				pos++
			}
		}
	} else {
		// Insert at the front, subject to the same tie-break against other
		// nodes that were also inserted at the front.
		pos = 0
		for pos < len(siblings) {
			other := d.nodes[siblings[pos]]
			if !other.After.IsZero() {
				break
			}
			if higherPriority(n.ID, other.ID) {
				break
			}
			pos++
		}
	}

	siblings = append(siblings, NodeID{})
	copy(siblings[pos+1:], siblings[pos:])
	siblings[pos] = n.ID
	d.children[n.Parent] = siblings
}

func indexOf(ids []NodeID, target NodeID) int {
	for i, id := range ids {
		if id == target {
			return i
		}
	}
	return -1
}

func higherPriority(a, b NodeID) bool {
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}
	return a.Actor < b.Actor
}

// Tx is a builder for a single atomic transaction: every node inserted
// through it is immediately visible to the local replica (so the codec can
// read its own writes mid-transaction) but the full batch is only returned to
// the caller — and therefore only broadcast — once the transaction commits.
type Tx struct {
	d   *Doc
	ops Update
}

// Transaction runs fn against a transaction handle and returns the batch of
// operations it produced. No intermediate state within fn is observable to
// other replicas: the caller broadcasts the returned Update only after fn
// returns successfully.
func (d *Doc) Transaction(fn func(tx *Tx) error) (Update, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx := &Tx{d: d}
	if err := fn(tx); err != nil {
		return nil, err
	}
	return tx.ops, nil
}

func (tx *Tx) nextID() NodeID {
	tx.d.localSeq++
	id := NodeID{Actor: tx.d.actor, Seq: tx.d.localSeq}
	if id.Seq > tx.d.clock[id.Actor] {
		tx.d.clock[id.Actor] = id.Seq
	}
	return id
}

// InsertElement creates a new element node under parent, immediately after
// the sibling after (zero value = first child), and returns its id.
func (tx *Tx) InsertElement(parent, after NodeID, tag string, attrs map[string]string) NodeID {
	id := tx.nextID()
	n := &node{ID: id, Parent: parent, After: after, Kind: KindElement, Tag: tag, Attrs: cloneStrMap(attrs)}
	tx.d.nodes[id] = n
	tx.d.insertIntoParent(n)
	tx.ops = append(tx.ops, tx.d.opFor(n))
	return id
}

// InsertText creates a new text node under parent, immediately after after,
// and returns its id.
func (tx *Tx) InsertText(parent, after NodeID, text string, marks map[string]string) NodeID {
	id := tx.nextID()
	n := &node{ID: id, Parent: parent, After: after, Kind: KindText, Text: text, Marks: cloneStrMap(marks)}
	tx.d.nodes[id] = n
	tx.d.insertIntoParent(n)
	tx.ops = append(tx.ops, tx.d.opFor(n))
	return id
}

// Delete tombstones an existing node. It is a no-op (emits nothing) if the
// node is unknown or already deleted. The delete itself gets its own causal
// id from the same per-actor clock as creations, so a peer that already
// knew about id's creation can still be told about this deletion later.
func (tx *Tx) Delete(id NodeID) {
	n, ok := tx.d.nodes[id]
	if !ok || n.Deleted {
		return
	}
	deleteID := tx.nextID()
	n.Deleted = true
	n.DeletedBy = deleteID
	tx.ops = append(tx.ops, Op{ID: id, Deleted: true, DeletedBy: deleteID})
}

// ClearChildren tombstones every direct, non-deleted child of parent. Used by
// the protection engine to wipe the live tree before re-lifting cached
// content in a single atomic transaction.
func (tx *Tx) ClearChildren(parent NodeID) {
	for _, id := range tx.d.children[parent] {
		tx.Delete(id)
	}
}

// Tree is a materialized, tombstone-free view of the document, suitable for
// the content codec and the emptiness test.
type Tree struct {
	ID       NodeID
	Kind     Kind
	Tag      string
	Attrs    map[string]string
	Text     string
	Marks    map[string]string
	Children []*Tree
}

// Tree renders the current document state, skipping deleted nodes.
func (d *Doc) Tree() *Tree {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.renderLocked(RootID)
}

func (d *Doc) renderLocked(parent NodeID) *Tree {
	root := &Tree{ID: parent, Kind: KindElement, Tag: "doc"}
	for _, id := range d.children[parent] {
		n := d.nodes[id]
		if n.Deleted {
			continue
		}
		t := &Tree{ID: n.ID, Kind: n.Kind, Tag: n.Tag, Attrs: cloneStrMap(n.Attrs), Text: n.Text, Marks: cloneStrMap(n.Marks)}
		if n.Kind == KindElement {
			t.Children = d.renderLocked(n.ID).Children
		}
		root.Children = append(root.Children, t)
	}
	return root
}

// EffectivelyEmpty reports whether t has no recursive text-leaf descendant
// containing a non-whitespace character.
func EffectivelyEmpty(t *Tree) bool {
	if t == nil {
		return true
	}
	if t.Kind == KindText {
		return isBlank(t.Text)
	}
	for _, c := range t.Children {
		if !EffectivelyEmpty(c) {
			return false
		}
	}
	return true
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

// snapshot is the gob-encoded persistence format for a document's full
// operation log, sufficient to reconstruct the replica (and its state
// vector) exactly.
type snapshot struct {
	Ops []Op
}

func init() {
	gob.Register(Op{})
}

// Encode serializes the full operation history for persistence as crdt_state.
func (d *Doc) Encode() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ops []Op
	for parent := range d.children {
		for _, id := range d.children[parent] {
			ops = append(ops, d.opFor(d.nodes[id]))
		}
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].ID.Actor != ops[j].ID.Actor {
			return ops[i].ID.Actor < ops[j].ID.Actor
		}
		return ops[i].ID.Seq < ops[j].ID.Seq
	})

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshot{Ops: ops}); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reconstructs a document replica from a snapshot previously produced
// by Encode, under the given local actor id for any subsequent local edits.
// Unlike Apply, this rebuilds each node directly from its stored state
// (including an already-set Deleted flag) rather than treating Op.Deleted as
// a tombstone command against an already-created node.
func Decode(actor string, data []byte) (*Doc, error) {
	d := NewDoc(actor)
	if len(data) == 0 {
		return d, nil
	}

	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Anchors (After / Parent) may belong to any actor, so a single pass in
	// encoded order is not guaranteed to see a node's anchor before the node
	// itself. Resolve in dependency order: repeatedly place every op whose
	// Parent and After are already known, until a full pass places nothing.
	pending := make([]Op, len(snap.Ops))
	copy(pending, snap.Ops)

	placed := map[NodeID]bool{RootID: true}
	for len(pending) > 0 {
		progressed := false
		var remaining []Op
		for _, op := range pending {
			if !placed[op.Parent] || (!op.After.IsZero() && !placed[op.After]) {
				remaining = append(remaining, op)
				continue
			}
			n := &node{
				ID: op.ID, Parent: op.Parent, After: op.After, Kind: op.Kind,
				Tag: op.Tag, Attrs: cloneStrMap(op.Attrs), Text: op.Text, Marks: cloneStrMap(op.Marks),
				Deleted: op.Deleted, DeletedBy: op.DeletedBy,
			}
			d.nodes[n.ID] = n
			d.insertIntoParent(n)
			if n.ID.Seq > d.clock[n.ID.Actor] {
				d.clock[n.ID.Actor] = n.ID.Seq
			}
			if op.Deleted && op.DeletedBy.Seq > d.clock[op.DeletedBy.Actor] {
				d.clock[op.DeletedBy.Actor] = op.DeletedBy.Seq
			}
			placed[n.ID] = true
			progressed = true
		}
		if !progressed {
			// Dangling references (should not occur for a well-formed
			// snapshot); append whatever is left at the root so no data is
			// silently dropped.
			for _, op := range remaining {
				op.Parent = RootID
				n := &node{
					ID: op.ID, Parent: op.Parent, After: NodeID{}, Kind: op.Kind,
					Tag: op.Tag, Attrs: cloneStrMap(op.Attrs), Text: op.Text, Marks: cloneStrMap(op.Marks),
					Deleted: op.Deleted, DeletedBy: op.DeletedBy,
				}
				d.nodes[n.ID] = n
				d.insertIntoParent(n)
				if op.Deleted && op.DeletedBy.Seq > d.clock[op.DeletedBy.Actor] {
					d.clock[op.DeletedBy.Actor] = op.DeletedBy.Seq
				}
			}
			break
		}
		pending = remaining
	}
	d.localSeq = d.clock[actor]
	return d, nil
}
