// Package content implements the bidirectional translation between the
// nested structured-content JSON value and the CRDT document tree (C4).
package content

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/webalive/collab-server/internal/crdt"
)

// levelAttr is the one attribute key subject to the documented string↔int
// typing coercion; every other attribute round-trips as a string.
const levelAttr = "level"

const markKeyPrefix = "mark:"

// Node is the JSON form of one structured-content value: either an element
// (Type != "text", optional Attrs and Content) or a text leaf (Type ==
// "text", Text and optional Marks).
type Node struct {
	Type    string                 `json:"type"`
	Attrs   map[string]interface{} `json:"attrs,omitempty"`
	Content []Node                 `json:"content,omitempty"`
	Text    string                 `json:"text,omitempty"`
	Marks   []Mark                 `json:"marks,omitempty"`
}

// Mark is a single inline formatting mark (e.g. bold, link) with optional
// attributes.
type Mark struct {
	Type  string                 `json:"type"`
	Attrs map[string]interface{} `json:"attrs,omitempty"`
}

// Doc is the top-level structured-content value: { type: "doc", content: [...] }.
type Doc struct {
	Type    string `json:"type"`
	Content []Node `json:"content,omitempty"`
}

// ErrNotLiftable means the input is not a well-formed `{type:"doc",...}`
// value and should be treated as absent content.
var ErrNotLiftable = fmt.Errorf("content: input is not a liftable doc value")

// ParseDoc decodes raw JSON into a Doc, validating the precondition that it
// is of the form {type:"doc", content:[...]}. XML-like input (a leading '<')
// and any value failing to parse is reported as ErrNotLiftable so the caller
// treats it as absent content rather than crashing.
func ParseDoc(raw []byte) (Doc, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || strings.HasPrefix(trimmed, "<") {
		return Doc{}, ErrNotLiftable
	}

	var d Doc
	if err := json.Unmarshal(raw, &d); err != nil {
		return Doc{}, ErrNotLiftable
	}
	if d.Type != "doc" {
		return Doc{}, ErrNotLiftable
	}
	return d, nil
}

// Lift translates a parsed Doc into the live CRDT tree, inside a single
// atomic transaction so no intermediate state is observable to peers. It
// returns the update to broadcast.
func Lift(doc *crdt.Doc, d Doc) (crdt.Update, error) {
	return doc.Transaction(func(tx *crdt.Tx) error {
		return LiftInto(tx, d)
	})
}

// LiftInto lifts a parsed Doc's content under the root of an already-open
// transaction, for callers composing a lift with other operations (such as
// clearing the existing tree first) inside one atomic update.
func LiftInto(tx *crdt.Tx, d Doc) error {
	liftChildren(tx, crdt.RootID, d.Content)
	return nil
}

func liftChildren(tx *crdt.Tx, parent crdt.NodeID, nodes []Node) {
	var after crdt.NodeID
	for _, n := range nodes {
		after = liftNode(tx, parent, after, n)
	}
}

func liftNode(tx *crdt.Tx, parent, after crdt.NodeID, n Node) crdt.NodeID {
	if n.Type == "text" {
		return tx.InsertText(parent, after, n.Text, liftMarks(n.Marks))
	}
	id := tx.InsertElement(parent, after, n.Type, liftAttrs(n.Attrs))
	liftChildren(tx, id, n.Content)
	return id
}

func liftAttrs(attrs map[string]interface{}) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		if k == levelAttr {
			out[k] = normalizeLevel(v)
			continue
		}
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

func normalizeLevel(v interface{}) string {
	switch t := v.(type) {
	case float64:
		return strconv.Itoa(int(t))
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return strconv.Itoa(n)
		}
		return t
	default:
		return fmt.Sprintf("%v", v)
	}
}

func liftMarks(marks []Mark) map[string]string {
	if len(marks) == 0 {
		return nil
	}
	out := make(map[string]string, len(marks))
	for _, m := range marks {
		key := markKeyPrefix + m.Type
		if len(m.Attrs) == 0 {
			out[key] = ""
			continue
		}
		blob, err := json.Marshal(m.Attrs)
		if err != nil {
			out[key] = ""
			continue
		}
		out[key] = string(blob)
	}
	return out
}

// ToJSON renders the live CRDT tree back into the structured-content JSON
// form, performing the inverse level coercion and eliding empty content
// arrays.
func ToJSON(doc *crdt.Doc) Doc {
	return ToJSONTree(doc.Tree())
}

// ToJSONTree renders an already-materialized crdt.Tree (e.g. a scratch tree
// used while restoring from storage) into the structured-content JSON form.
func ToJSONTree(tree *crdt.Tree) Doc {
	return Doc{Type: "doc", Content: unliftChildren(tree.Children)}
}

func unliftChildren(children []*crdt.Tree) []Node {
	if len(children) == 0 {
		return nil
	}
	out := make([]Node, 0, len(children))
	for _, c := range children {
		out = append(out, unliftNode(c))
	}
	return out
}

func unliftNode(t *crdt.Tree) Node {
	if t.Kind == crdt.KindText {
		return Node{Type: "text", Text: t.Text, Marks: unliftMarks(t.Marks)}
	}
	return Node{Type: t.Tag, Attrs: unliftAttrs(t.Attrs), Content: unliftChildren(t.Children)}
}

func unliftAttrs(attrs map[string]string) map[string]interface{} {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		if k == levelAttr {
			if n, err := strconv.Atoi(v); err == nil {
				out[k] = n
				continue
			}
		}
		out[k] = v
	}
	return out
}

func unliftMarks(marks map[string]string) []Mark {
	if len(marks) == 0 {
		return nil
	}
	keys := make([]string, 0, len(marks))
	for k := range marks {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Mark, 0, len(keys))
	for _, k := range keys {
		if !strings.HasPrefix(k, markKeyPrefix) {
			continue
		}
		m := Mark{Type: strings.TrimPrefix(k, markKeyPrefix)}
		if v := marks[k]; v != "" {
			var attrs map[string]interface{}
			if err := json.Unmarshal([]byte(v), &attrs); err == nil {
				m.Attrs = attrs
			}
		}
		out = append(out, m)
	}
	return out
}

// IsEmpty reports whether a structured-content Doc is effectively empty: no
// recursive text-leaf descendant contains a non-whitespace character.
func IsEmpty(d Doc) bool {
	for _, n := range d.Content {
		if !nodeEmpty(n) {
			return false
		}
	}
	return true
}

func nodeEmpty(n Node) bool {
	if n.Type == "text" {
		return isBlank(n.Text)
	}
	for _, c := range n.Content {
		if !nodeEmpty(c) {
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

// Equal reports whether two structured-content Docs are structurally equal,
// used by the protection engine to compare the post-merge tree against the
// cached authoritative content. encoding/json sorts map keys, so two
// structurally identical trees always marshal to identical bytes.
func Equal(a, b Doc) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}
