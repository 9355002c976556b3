package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/widget"
)

func TestEventWireFormatCarriesTypeTag(t *testing.T) {
	frame, err := MarshalEvent(&StreamOptions{AllowCancel: true})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(frame, &raw))
	assert.Equal(t, EventStreamOptions, raw["type"])
	assert.Equal(t, true, raw["allow_cancel"])
}

func TestThreadUpdatedRoundTripWithMixedItems(t *testing.T) {
	th := &Thread{
		ID:        "thr_1",
		Title:     "demo",
		CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Status:    ThreadStatus{State: ThreadActive},
	}
	ev := &ThreadUpdated{
		Thread: th,
		Items: []Item{
			&UserMessageItem{
				ItemBase: ItemBase{ID: "msg_1", ThreadID: "thr_1", CreatedAt: th.CreatedAt},
				Text:     "show me a card",
			},
			&WidgetItem{
				ItemBase: ItemBase{ID: "msg_2", ThreadID: "thr_1", CreatedAt: th.CreatedAt},
				Widget: &widget.Card{ID: "c", Children: []widget.Node{
					&widget.Text{ID: "t", Value: "hello", Streaming: true},
				}},
				CopyText: "hello",
			},
		},
	}

	frame, err := MarshalEvent(ev)
	require.NoError(t, err)
	decoded, err := UnmarshalEvent(frame)
	require.NoError(t, err)

	out, ok := decoded.(*ThreadUpdated)
	require.True(t, ok)
	assert.Equal(t, "thr_1", out.Thread.ID)
	require.Len(t, out.Items, 2)
	assert.Equal(t, "show me a card", out.Items[0].(*UserMessageItem).Text)

	wi := out.Items[1].(*WidgetItem)
	card, ok := wi.Widget.(*widget.Card)
	require.True(t, ok)
	require.Len(t, card.Children, 1)
	txt := card.Children[0].(*widget.Text)
	assert.Equal(t, "hello", txt.Value)
	assert.True(t, txt.Streaming)
}

func TestItemUpdatedRoundTripPreservesUpdateUnion(t *testing.T) {
	ev := &ItemUpdated{
		ItemID: "msg_1",
		Update: &WidgetTextDelta{ComponentID: "body", Delta: ", world", Done: true},
	}
	frame, err := MarshalEvent(ev)
	require.NoError(t, err)
	decoded, err := UnmarshalEvent(frame)
	require.NoError(t, err)

	out := decoded.(*ItemUpdated)
	assert.Equal(t, "msg_1", out.ItemID)
	delta, ok := out.Update.(*WidgetTextDelta)
	require.True(t, ok)
	assert.Equal(t, "body", delta.ComponentID)
	assert.Equal(t, ", world", delta.Delta)
	assert.True(t, delta.Done)
}

func TestErrorEventRoundTrip(t *testing.T) {
	frame, err := MarshalEvent(&ErrorEvent{Code: CodeRateLimited, AllowRetry: true})
	require.NoError(t, err)
	decoded, err := UnmarshalEvent(frame)
	require.NoError(t, err)
	out := decoded.(*ErrorEvent)
	assert.Equal(t, CodeRateLimited, out.Code)
	assert.True(t, out.AllowRetry)
}

func TestUnmarshalEventRejectsUnknownType(t *testing.T) {
	_, err := UnmarshalEvent([]byte(`{"type":"thread.exploded"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "thread.exploded")
}

func TestUnmarshalItemRejectsUnknownKind(t *testing.T) {
	_, err := UnmarshalItem([]byte(`{"type":"hologram"}`))
	require.Error(t, err)
}

func TestCloneItemIsDeep(t *testing.T) {
	orig := &ClientToolCallItem{
		ItemBase:  ItemBase{ID: "tc_1", ThreadID: "thr_1", CreatedAt: time.Now().UTC().Truncate(time.Second)},
		Status:    ToolCallPending,
		CallID:    "call_1",
		Name:      "lookup",
		Arguments: map[string]any{"q": "weather"},
	}
	cloned, err := CloneItem(orig)
	require.NoError(t, err)

	orig.Arguments["q"] = "mutated"
	orig.Status = ToolCallCompleted

	out := cloned.(*ClientToolCallItem)
	assert.Equal(t, "weather", out.Arguments["q"])
	assert.Equal(t, ToolCallPending, out.Status)
}
