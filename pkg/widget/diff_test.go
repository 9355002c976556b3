package widget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func card(children ...Node) *Card {
	return &Card{ID: "root", Children: children}
}

func TestDiffIdenticalTreesYieldsNothing(t *testing.T) {
	tree := card(
		&Title{ID: "t", Text: "Report"},
		&Text{ID: "body", Value: "done", Streaming: false},
	)
	deltas, err := Diff(tree, Clone(tree))
	require.NoError(t, err)
	assert.Empty(t, deltas)
}

func TestDiffPrefixExtensionYieldsTextDelta(t *testing.T) {
	before := card(&Text{ID: "body", Value: "Hello", Streaming: true})
	after := card(&Text{ID: "body", Value: "Hello, world", Streaming: true})

	deltas, err := Diff(before, after)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	d, ok := deltas[0].(StreamingTextDelta)
	require.True(t, ok)
	assert.Equal(t, "body", d.ComponentID)
	assert.Equal(t, ", world", d.Delta)
	assert.False(t, d.Done)
}

func TestDiffStreamingFlipYieldsEmptyDoneDelta(t *testing.T) {
	before := card(&Markdown{ID: "md", Value: "final text", Streaming: true})
	after := card(&Markdown{ID: "md", Value: "final text", Streaming: false})

	deltas, err := Diff(before, after)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	d, ok := deltas[0].(StreamingTextDelta)
	require.True(t, ok)
	assert.Equal(t, "md", d.ComponentID)
	assert.Empty(t, d.Delta)
	assert.True(t, d.Done)
}

func TestDiffMultipleTextNodesInDocumentOrder(t *testing.T) {
	before := card(
		&Box{ID: "row", Children: []Node{
			&Text{ID: "a", Value: "x", Streaming: true},
			&Text{ID: "b", Value: "y", Streaming: true},
		}},
	)
	after := card(
		&Box{ID: "row", Children: []Node{
			&Text{ID: "a", Value: "x1", Streaming: true},
			&Text{ID: "b", Value: "y2", Streaming: false},
		}},
	)

	deltas, err := Diff(before, after)
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	assert.Equal(t, StreamingTextDelta{ComponentID: "a", Delta: "1"}, deltas[0])
	assert.Equal(t, StreamingTextDelta{ComponentID: "b", Delta: "2", Done: true}, deltas[1])
}

func TestDiffNonExemptChangeForcesRootReplace(t *testing.T) {
	before := card(
		&Badge{ID: "status", Label: "running"},
		&Text{ID: "body", Value: "Hello", Streaming: true},
	)
	after := card(
		&Badge{ID: "status", Label: "finished"},
		&Text{ID: "body", Value: "Hello, world", Streaming: true},
	)

	deltas, err := Diff(before, after)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	r, ok := deltas[0].(RootUpdated)
	require.True(t, ok)
	assert.Same(t, after, r.Widget)
}

func TestDiffChildCountChangeForcesRootReplace(t *testing.T) {
	before := card(&Text{ID: "a", Value: "x"})
	after := card(&Text{ID: "a", Value: "x"}, &Divider{})

	deltas, err := Diff(before, after)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	_, ok := deltas[0].(RootUpdated)
	assert.True(t, ok)
}

func TestDiffButtonActionComparedOpaquely(t *testing.T) {
	mk := func(url string) Node {
		return card(&Button{ID: "open", Label: "Open", Action: map[string]any{"type": "open_url", "url": url}})
	}

	deltas, err := Diff(mk("https://a.example"), mk("https://a.example"))
	require.NoError(t, err)
	assert.Empty(t, deltas)

	deltas, err = Diff(mk("https://a.example"), mk("https://b.example"))
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	_, ok := deltas[0].(RootUpdated)
	assert.True(t, ok)
}

func TestDiffUnknownComponentIsStructuralError(t *testing.T) {
	before := card(&Box{ID: "row", Children: []Node{&Text{ID: "a", Value: "x", Streaming: true}}})
	after := card(&Box{ID: "row", Children: []Node{&Text{ID: "ghost", Value: "x", Streaming: true}}})

	_, err := Diff(before, after)
	var sErr *StructuralError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, "ghost", sErr.ComponentID)
}

func TestDiffValueRegressionIsNonCumulativeError(t *testing.T) {
	before := card(&Text{ID: "body", Value: "Hello, world", Streaming: true})
	after := card(&Text{ID: "body", Value: "Hello", Streaming: true})

	_, err := Diff(before, after)
	var ncErr *NonCumulativeError
	require.ErrorAs(t, err, &ncErr)
	assert.Equal(t, "body", ncErr.ComponentID)
	assert.Equal(t, "Hello, world", ncErr.Before)
	assert.Equal(t, "Hello", ncErr.After)
}

// Text nodes without a component id cannot receive targeted deltas, so any
// value change on them falls back to a full replace instead of an error.
func TestDiffAnonymousTextChangeForcesRootReplace(t *testing.T) {
	before := card(&Text{Value: "draft"})
	after := card(&Text{Value: "rewritten"})

	deltas, err := Diff(before, after)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	_, ok := deltas[0].(RootUpdated)
	assert.True(t, ok)
}

func TestDiffNilBeforeReplacesRoot(t *testing.T) {
	after := card(&Text{ID: "a", Value: "x"})
	deltas, err := Diff(nil, after)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	_, ok := deltas[0].(RootUpdated)
	assert.True(t, ok)
}

// Replaying the deltas of every step must reconstruct the producer's final
// snapshot exactly.
func TestDiffReplayReconstructsFinalTree(t *testing.T) {
	snapshots := []Node{
		card(&Title{ID: "t", Text: "Echo"}, &Markdown{ID: "md", Value: "", Streaming: true}),
		card(&Title{ID: "t", Text: "Echo"}, &Markdown{ID: "md", Value: "Hello", Streaming: true}),
		card(&Title{ID: "t", Text: "Echo"}, &Markdown{ID: "md", Value: "Hello, world", Streaming: true}),
		card(&Title{ID: "t", Text: "Echo"}, &Markdown{ID: "md", Value: "Hello, world", Streaming: false}),
	}

	current := snapshots[0]
	for i := 1; i < len(snapshots); i++ {
		deltas, err := Diff(snapshots[i-1], snapshots[i])
		require.NoError(t, err)
		for _, d := range deltas {
			next, err := ApplyDelta(current, d)
			require.NoError(t, err)
			current = next
		}
	}
	assert.Equal(t, snapshots[len(snapshots)-1], current)
}
