package collab

import (
	"context"
	"testing"

	"github.com/webalive/collab-server/internal/content"
)

func Test_SplitHeadingLabelRecognizesLabelColonRest(t *testing.T) {
	n := content.Node{Type: "heading", Content: []content.Node{
		{Type: "text", Text: "Hypothesis: "},
		{Type: "text", Text: "users will pay for faster onboarding"},
	}}
	label, rest, ok := splitHeadingLabel(n)
	if !ok {
		t.Fatalf("expected a recognized label")
	}
	if label != "hypothesis" {
		t.Fatalf("expected label %q, got %q", "hypothesis", label)
	}
	if rest != "users will pay for faster onboarding" {
		t.Fatalf("unexpected rest: %q", rest)
	}
}

func Test_SplitHeadingLabelRejectsNonHeading(t *testing.T) {
	n := content.Node{Type: "paragraph", Content: []content.Node{
		{Type: "text", Text: "Hypothesis: not a heading"},
	}}
	if _, _, ok := splitHeadingLabel(n); ok {
		t.Fatalf("expected a non-heading node to be rejected")
	}
}

func Test_SplitHeadingLabelRejectsMissingColon(t *testing.T) {
	n := content.Node{Type: "heading", Content: []content.Node{
		{Type: "text", Text: "Just a plain title"},
	}}
	if _, _, ok := splitHeadingLabel(n); ok {
		t.Fatalf("expected a heading without a colon to be rejected")
	}
}

func Test_DeriveProperties_MergesLabeledHeadingsPreservingCached(t *testing.T) {
	doc := content.Doc{Type: "doc", Content: []content.Node{
		{Type: "heading", Content: []content.Node{{Type: "text", Text: "Vision: a faster onboarding flow"}}},
		{Type: "paragraph", Content: []content.Node{{Type: "text", Text: "irrelevant body text"}}},
		{Type: "heading", Content: []content.Node{{Type: "text", Text: "Goals: ship by Q3"}}},
	}}

	cached := map[string]any{"unrelatedField": "keep-me", "vision": "stale"}
	out := deriveProperties(doc, cached)

	if out["unrelatedField"] != "keep-me" {
		t.Fatalf("expected unrelated cached field to survive, got %+v", out)
	}
	if out["vision"] != "a faster onboarding flow" {
		t.Fatalf("expected vision to be refreshed, got %+v", out)
	}
	if out["goals"] != "ship by Q3" {
		t.Fatalf("expected goals to be derived, got %+v", out)
	}
	if _, ok := out["successCriteria"]; ok {
		t.Fatalf("expected no success criteria field when no matching heading exists")
	}
}

func Test_DeriveProperties_ClearsStaleLabelWhoseHeadingWasDeleted(t *testing.T) {
	doc := content.Doc{Type: "doc", Content: []content.Node{
		{Type: "heading", Content: []content.Node{{Type: "text", Text: "Vision: a faster onboarding flow"}}},
	}}

	cached := map[string]any{
		"unrelatedField":  "keep-me",
		"successCriteria": "stale, heading since deleted",
		"vision":          "stale",
	}
	out := deriveProperties(doc, cached)

	if out["unrelatedField"] != "keep-me" {
		t.Fatalf("expected unrelated cached field to survive, got %+v", out)
	}
	if out["vision"] != "a faster onboarding flow" {
		t.Fatalf("expected vision to be refreshed, got %+v", out)
	}
	if _, ok := out["successCriteria"]; ok {
		t.Fatalf("expected the stale successCriteria value to be cleared once its heading is gone, got %+v", out)
	}
}

func Test_DeriveProperties_IgnoresUnknownLabels(t *testing.T) {
	doc := content.Doc{Type: "doc", Content: []content.Node{
		{Type: "heading", Content: []content.Node{{Type: "text", Text: "Random: whatever"}}},
	}}
	out := deriveProperties(doc, nil)
	if len(out) != 0 {
		t.Fatalf("expected no derived fields for an unrecognized label, got %+v", out)
	}
}

func Test_FlattenText_ConcatenatesNestedTextNodes(t *testing.T) {
	n := content.Node{Type: "heading", Content: []content.Node{
		{Type: "text", Text: "Hello "},
		{Type: "text", Text: "World"},
	}}
	if got := flattenText(n); got != "Hello World" {
		t.Fatalf("unexpected flattened text: %q", got)
	}
}

// persist must skip the storage round-trip entirely when there is nothing to
// write, even against a nil store, since a debounce timer armed against an
// idle room should never dereference it.
func Test_Persist_SkipsStorageWhenNotDirtyAndNotForced(t *testing.T) {
	reg := newTestRegistry()
	r := newRoom("doc-1")
	r.dirty = false

	reg.persist(context.Background(), r, false)
}

func Test_Persist_SkipsStorageWhenFallbackStillEmpty(t *testing.T) {
	reg := newTestRegistry()
	r := newRoom("doc-1")
	r.dirty = true
	r.LoadedFromContentFallback = true

	reg.persist(context.Background(), r, false)
}
