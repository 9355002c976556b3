package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/widget"
)

func TestApplyContentPartSequence(t *testing.T) {
	msg := &AssistantMessageItem{ItemBase: ItemBase{ID: "msg_1"}}

	require.NoError(t, ApplyItemUpdate(msg, &ContentPartAdded{ContentIndex: 0, Content: AssistantContent{}}))
	require.NoError(t, ApplyItemUpdate(msg, &ContentPartTextDelta{ContentIndex: 0, Delta: "Hello"}))
	require.NoError(t, ApplyItemUpdate(msg, &ContentPartTextDelta{ContentIndex: 0, Delta: ", world"}))
	require.NoError(t, ApplyItemUpdate(msg, &ContentPartAnnotationAdded{
		ContentIndex: 0,
		Annotation:   Annotation{Type: "url_citation", Title: "source", URL: "https://example.com"},
	}))
	require.NoError(t, ApplyItemUpdate(msg, &ContentPartDone{
		ContentIndex: 0,
		Content: AssistantContent{
			Text:        "Hello, world",
			Annotations: []Annotation{{Type: "url_citation", Title: "source", URL: "https://example.com"}},
		},
	}))

	assert.Equal(t, "Hello, world", AssistantText(msg))
	require.Len(t, msg.Content, 1)
	require.Len(t, msg.Content[0].Annotations, 1)
}

func TestApplyTextDeltaPadsMissingParts(t *testing.T) {
	msg := &AssistantMessageItem{ItemBase: ItemBase{ID: "msg_1"}}
	require.NoError(t, ApplyItemUpdate(msg, &ContentPartTextDelta{ContentIndex: 2, Delta: "tail"}))
	require.Len(t, msg.Content, 3)
	assert.Empty(t, msg.Content[0].Text)
	assert.Equal(t, "tail", msg.Content[2].Text)
}

func TestApplyAnnotationInsertsAtIndex(t *testing.T) {
	msg := &AssistantMessageItem{
		ItemBase: ItemBase{ID: "msg_1"},
		Content: []AssistantContent{{
			Text:        "cited",
			Annotations: []Annotation{{Type: "url_citation", URL: "https://b.example"}},
		}},
	}
	require.NoError(t, ApplyItemUpdate(msg, &ContentPartAnnotationAdded{
		ContentIndex:    0,
		AnnotationIndex: 0,
		Annotation:      Annotation{Type: "url_citation", URL: "https://a.example"},
	}))
	require.Len(t, msg.Content[0].Annotations, 2)
	assert.Equal(t, "https://a.example", msg.Content[0].Annotations[0].URL)
	assert.Equal(t, "https://b.example", msg.Content[0].Annotations[1].URL)
}

func TestApplyContentUpdateOnWrongKindFails(t *testing.T) {
	user := &UserMessageItem{ItemBase: ItemBase{ID: "msg_1"}, Text: "hi"}
	err := ApplyItemUpdate(user, &ContentPartTextDelta{ContentIndex: 0, Delta: "x"})
	require.Error(t, err)

	w := &WidgetItem{ItemBase: ItemBase{ID: "msg_2"}}
	err = ApplyItemUpdate(w, &ContentPartAdded{ContentIndex: 0, Content: AssistantContent{}})
	require.Error(t, err)
}

func TestApplyWidgetUpdatesRebuildTree(t *testing.T) {
	w := &WidgetItem{
		ItemBase: ItemBase{ID: "msg_1"},
		Widget: &widget.Card{ID: "c", Children: []widget.Node{
			&widget.Markdown{ID: "md", Value: "Hel", Streaming: true},
		}},
	}
	require.NoError(t, ApplyItemUpdate(w, &WidgetTextDelta{ComponentID: "md", Delta: "lo", Done: true}))

	md := w.Widget.(*widget.Card).Children[0].(*widget.Markdown)
	assert.Equal(t, "Hello", md.Value)
	assert.False(t, md.Streaming)

	replacement := &widget.ListView{ID: "l"}
	require.NoError(t, ApplyItemUpdate(w, &WidgetRootReplaced{Widget: replacement}))
	assert.Equal(t, replacement, w.Widget)
}
