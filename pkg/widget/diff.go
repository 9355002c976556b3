package widget

import (
	"fmt"
	"reflect"
	"strings"
)

// Delta describes one incremental change between two widget snapshots.
type Delta interface {
	deltaKind() string
}

// RootUpdated replaces the whole widget tree.
type RootUpdated struct {
	Widget Node
}

// StreamingTextDelta appends text to a single id-bearing text node.
type StreamingTextDelta struct {
	ComponentID string
	Delta       string
	Done        bool
}

func (RootUpdated) deltaKind() string        { return "root_updated" }
func (StreamingTextDelta) deltaKind() string { return "streaming_text_delta" }

// StructuralError reports a node id present in the new snapshot but absent
// from the prior one. Node identity must be stable once assigned; this is a
// caller bug, not a recoverable runtime condition.
type StructuralError struct {
	ComponentID string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("widget diff: component %q not present in prior snapshot", e.ComponentID)
}

// NonCumulativeError reports a streaming text value that regressed instead of
// extending. Same severity as StructuralError.
type NonCumulativeError struct {
	ComponentID string
	Before      string
	After       string
}

func (e *NonCumulativeError) Error() string {
	return fmt.Sprintf("widget diff: component %q value is not a prefix extension (%q -> %q)", e.ComponentID, e.Before, e.After)
}

// Diff compares two widget snapshots and returns the minimal set of deltas
// that turns before into after. It is pure: neither tree is mutated.
//
// If any non-exempt field differs anywhere in the tree, the sole delta is a
// RootUpdated carrying after. Two exemptions keep incremental text generation
// from forcing full re-renders: a value that is a prefix extension of the
// prior value, and a streaming flag flip. Otherwise every id-bearing text
// node whose value grew contributes one StreamingTextDelta. An empty result
// means no visible change.
//
// Identity and value of id-bearing text nodes are validated in the collect
// phase, not the structural phase: an id unknown to the prior snapshot is a
// StructuralError and a value regression is a NonCumulativeError. Both are
// caller bugs surfaced as errors, never resolved into a silent full replace.
func Diff(before, after Node) ([]Delta, error) {
	if before == nil || after == nil {
		if before == nil && after == nil {
			return nil, nil
		}
		return []Delta{RootUpdated{Widget: after}}, nil
	}
	if needsReplace(before, after) {
		return []Delta{RootUpdated{Widget: after}}, nil
	}

	prior := map[string]textState{}
	collectTextNodes(before, func(id string, st textState) {
		prior[id] = st
	})

	var deltas []Delta
	var diffErr error
	collectTextNodes(after, func(id string, st textState) {
		if diffErr != nil {
			return
		}
		prev, ok := prior[id]
		if !ok {
			diffErr = &StructuralError{ComponentID: id}
			return
		}
		if prev.value == st.value && prev.streaming == st.streaming {
			return
		}
		// a bare streaming flip still yields a delta (empty, carrying done)
		if !strings.HasPrefix(st.value, prev.value) {
			diffErr = &NonCumulativeError{ComponentID: id, Before: prev.value, After: st.value}
			return
		}
		deltas = append(deltas, StreamingTextDelta{
			ComponentID: id,
			Delta:       st.value[len(prev.value):],
			Done:        !st.streaming,
		})
	})
	if diffErr != nil {
		return nil, diffErr
	}
	return deltas, nil
}

type textState struct {
	value     string
	streaming bool
}

// collectTextNodes walks the tree in document order and reports every
// id-bearing streaming-capable text node.
func collectTextNodes(n Node, visit func(id string, st textState)) {
	switch t := n.(type) {
	case *Text:
		if t.ID != "" {
			visit(t.ID, textState{value: t.Value, streaming: t.Streaming})
		}
	case *Markdown:
		if t.ID != "" {
			visit(t.ID, textState{value: t.Value, streaming: t.Streaming})
		}
	default:
		for _, child := range Children(n) {
			collectTextNodes(child, visit)
		}
	}
}

// needsReplace reports whether any non-exempt field differs between the two
// trees. Child list length mismatches always force a replace. Id and value of
// id-bearing text nodes are left to the collect phase, which raises
// StructuralError/NonCumulativeError for identity violations.
func needsReplace(before, after Node) bool {
	if before.NodeType() != after.NodeType() ||
		before.NodeKey() != after.NodeKey() {
		return true
	}
	if before.NodeID() != after.NodeID() && !idBearingText(after) {
		return true
	}
	switch b := before.(type) {
	case *Card:
		a := after.(*Card)
		if b.Size != a.Size {
			return true
		}
		return childrenNeedReplace(b.Children, a.Children)
	case *ListView:
		a := after.(*ListView)
		if b.Limit != a.Limit {
			return true
		}
		return childrenNeedReplace(b.Children, a.Children)
	case *Box:
		a := after.(*Box)
		if b.Direction != a.Direction || b.Gap != a.Gap || b.Align != a.Align {
			return true
		}
		return childrenNeedReplace(b.Children, a.Children)
	case *Text:
		a := after.(*Text)
		if b.Italic != a.Italic || b.Size != a.Size {
			return true
		}
		if a.ID != "" {
			return false
		}
		return b.Value != a.Value
	case *Markdown:
		a := after.(*Markdown)
		if a.ID != "" {
			return false
		}
		return b.Value != a.Value
	case *Title:
		a := after.(*Title)
		return b.Text != a.Text || b.Size != a.Size
	case *Badge:
		a := after.(*Badge)
		return b.Label != a.Label || b.Color != a.Color
	case *Button:
		a := after.(*Button)
		if b.Label != a.Label || b.Style != a.Style {
			return true
		}
		// action payloads are opaque: compared by equality, never recursed
		return !reflect.DeepEqual(b.Action, a.Action)
	case *Divider:
		a := after.(*Divider)
		return b.Spacing != a.Spacing
	case *Image:
		a := after.(*Image)
		return b.URL != a.URL || b.Alt != a.Alt
	default:
		return true
	}
}

// idBearingText reports whether n is a streaming-capable text node addressed
// by a stable component id.
func idBearingText(n Node) bool {
	switch t := n.(type) {
	case *Text:
		return t.ID != ""
	case *Markdown:
		return t.ID != ""
	default:
		return false
	}
}

func childrenNeedReplace(before, after []Node) bool {
	if len(before) != len(after) {
		return true
	}
	for i := range before {
		if needsReplace(before[i], after[i]) {
			return true
		}
	}
	return false
}

// ApplyDelta applies a single delta to a snapshot and returns the resulting
// tree. The input tree is not mutated. Replaying every delta between an
// initial snapshot and completion reconstructs the final tree.
func ApplyDelta(root Node, d Delta) (Node, error) {
	switch dd := d.(type) {
	case RootUpdated:
		return dd.Widget, nil
	case StreamingTextDelta:
		out := Clone(root)
		if !appendText(out, dd.ComponentID, dd.Delta, dd.Done) {
			return nil, &StructuralError{ComponentID: dd.ComponentID}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("widget: unknown delta kind %T", d)
	}
}

func appendText(n Node, id, delta string, done bool) bool {
	switch t := n.(type) {
	case *Text:
		if t.ID == id {
			t.Value += delta
			t.Streaming = !done
			return true
		}
	case *Markdown:
		if t.ID == id {
			t.Value += delta
			t.Streaming = !done
			return true
		}
	default:
		for _, child := range Children(n) {
			if appendText(child, id, delta, done) {
				return true
			}
		}
	}
	return false
}
