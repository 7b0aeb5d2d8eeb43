package crdt

import "testing"

func Test_SingleActorInsertProducesVisibleTree(t *testing.T) {
	d := NewDoc("a")
	_, err := d.Transaction(func(tx *Tx) error {
		p := tx.InsertElement(RootID, NodeID{}, "paragraph", nil)
		tx.InsertText(p, NodeID{}, "hi", nil)
		return nil
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	tree := d.Tree()
	if len(tree.Children) != 1 || tree.Children[0].Tag != "paragraph" {
		t.Fatalf("expected one paragraph child, got %+v", tree.Children)
	}
	if len(tree.Children[0].Children) != 1 || tree.Children[0].Children[0].Text != "hi" {
		t.Fatalf("expected text leaf 'hi', got %+v", tree.Children[0].Children)
	}
}

func Test_ConcurrentInsertsConverge(t *testing.T) {
	a := NewDoc("a")
	update, err := a.Transaction(func(tx *Tx) error {
		tx.InsertText(RootID, NodeID{}, "base", nil)
		return nil
	})
	if err != nil {
		t.Fatalf("setup transaction failed: %v", err)
	}

	b := NewDoc("b")
	if _, err := b.Apply(update); err != nil {
		t.Fatalf("b apply base: %v", err)
	}

	// a and b both insert after the "base" node concurrently.
	baseID := a.Tree().Children[0].ID

	updA, err := a.Transaction(func(tx *Tx) error {
		tx.InsertText(RootID, baseID, "A", nil)
		return nil
	})
	if err != nil {
		t.Fatalf("a insert: %v", err)
	}
	updB, err := b.Transaction(func(tx *Tx) error {
		tx.InsertText(RootID, baseID, "B", nil)
		return nil
	})
	if err != nil {
		t.Fatalf("b insert: %v", err)
	}

	// Cross-apply in opposite orders; both replicas must converge to the
	// same final order regardless of delivery order.
	if _, err := a.Apply(updB); err != nil {
		t.Fatalf("a apply b: %v", err)
	}
	if _, err := b.Apply(updA); err != nil {
		t.Fatalf("b apply a: %v", err)
	}

	textOf := func(d *Doc) string {
		var out string
		for _, c := range d.Tree().Children {
			out += c.Text
		}
		return out
	}

	ta, tb := textOf(a), textOf(b)
	if ta != tb {
		t.Fatalf("replicas diverged: a=%q b=%q", ta, tb)
	}
	if len(ta) != len("base")+2 {
		t.Fatalf("expected both insertions present, got %q", ta)
	}
}

func Test_DeleteTombstonesButKeepsAnchor(t *testing.T) {
	d := NewDoc("a")
	var id NodeID
	_, err := d.Transaction(func(tx *Tx) error {
		id = tx.InsertText(RootID, NodeID{}, "gone", nil)
		return nil
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := d.Transaction(func(tx *Tx) error {
		tx.Delete(id)
		return nil
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	tree := d.Tree()
	if len(tree.Children) != 0 {
		t.Fatalf("expected deleted node hidden from tree, got %+v", tree.Children)
	}
}

func Test_EffectivelyEmptyIgnoresWhitespace(t *testing.T) {
	d := NewDoc("a")
	d.Transaction(func(tx *Tx) error {
		p := tx.InsertElement(RootID, NodeID{}, "paragraph", nil)
		tx.InsertText(p, NodeID{}, "   \n\t", nil)
		return nil
	})

	if !EffectivelyEmpty(d.Tree()) {
		t.Fatalf("expected whitespace-only tree to be effectively empty")
	}
}

func Test_EncodeDecodeRoundTrip(t *testing.T) {
	d := NewDoc("a")
	d.Transaction(func(tx *Tx) error {
		p := tx.InsertElement(RootID, NodeID{}, "paragraph", map[string]string{"level": "1"})
		tx.InsertText(p, NodeID{}, "hello", nil)
		return nil
	})

	blob, err := d.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	restored, err := Decode("a", blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	origTree, restoredTree := d.Tree(), restored.Tree()
	if len(origTree.Children) != len(restoredTree.Children) {
		t.Fatalf("child count mismatch after round trip")
	}
	if restoredTree.Children[0].Attrs["level"] != "1" {
		t.Fatalf("expected attr to survive round trip, got %+v", restoredTree.Children[0].Attrs)
	}
	if restoredTree.Children[0].Children[0].Text != "hello" {
		t.Fatalf("expected text to survive round trip, got %+v", restoredTree.Children[0].Children)
	}

	sv := restored.StateVector()
	if sv["a"] == 0 {
		t.Fatalf("expected state vector to reflect restored ops, got %+v", sv)
	}
}

// Test_DiffResendsDeletionOfAlreadyKnownNode covers the catch-up case where a
// peer's state vector already reflects a node's creation but predates its
// later deletion: Diff must still surface the deletion, not treat the node as
// fully caught up.
func Test_DiffResendsDeletionOfAlreadyKnownNode(t *testing.T) {
	d := NewDoc("a")
	var id NodeID
	if _, err := d.Transaction(func(tx *Tx) error {
		id = tx.InsertText(RootID, NodeID{}, "gone", nil)
		return nil
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// A peer syncs here, after the creation but before the deletion.
	peerSV := d.StateVector()

	if _, err := d.Transaction(func(tx *Tx) error {
		tx.Delete(id)
		return nil
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	update := d.Diff(peerSV)
	if len(update) != 1 {
		t.Fatalf("expected 1 op (the deletion) for a peer that already saw the creation, got %d: %+v", len(update), update)
	}
	if !update[0].Deleted || update[0].ID != id {
		t.Fatalf("expected a tombstone op for %+v, got %+v", id, update[0])
	}

	// Once applied, the peer's own state vector also reflects the deletion
	// for later diffs.
	peer := NewDoc("b")
	if _, err := peer.Apply(d.Diff(StateVector{})); err != nil {
		t.Fatalf("peer initial sync: %v", err)
	}
	if !EffectivelyEmpty(peer.Tree()) {
		t.Fatalf("expected peer to see the node deleted after a full resync")
	}
}

func Test_DiffReturnsOnlyMissingOps(t *testing.T) {
	d := NewDoc("a")
	d.Transaction(func(tx *Tx) error {
		tx.InsertText(RootID, NodeID{}, "x", nil)
		return nil
	})
	emptySV := StateVector{}
	full := d.Diff(emptySV)
	if len(full) != 1 {
		t.Fatalf("expected 1 op against empty state vector, got %d", len(full))
	}

	caughtUp := d.Diff(d.StateVector())
	if len(caughtUp) != 0 {
		t.Fatalf("expected no ops against current state vector, got %d", len(caughtUp))
	}
}
