package cmds

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/go-go-golems/marionette/pkg/protocol"
	"github.com/go-go-golems/marionette/pkg/server"
	"github.com/go-go-golems/marionette/pkg/store"
	"github.com/go-go-golems/marionette/pkg/widget"
)

// echoResponder is the demo turn source: it streams the user's text back as
// an assistant message, or as a live-updating card when the message starts
// with "/widget". It exists to exercise the engine, not to be useful.
type echoResponder struct {
	ids store.IDGenerator
}

var _ server.Responder = (*echoResponder)(nil)

func (e *echoResponder) Respond(ctx context.Context, th *protocol.Thread, input protocol.Item) protocol.Stream {
	text := "Tool output received."
	if msg, ok := input.(*protocol.UserMessageItem); ok {
		text = msg.Text
	}
	if rest, ok := strings.CutPrefix(text, "/widget"); ok {
		return e.respondWidget(ctx, th, strings.TrimSpace(rest))
	}
	return e.respondMessage(ctx, th, text)
}

func (e *echoResponder) respondMessage(ctx context.Context, th *protocol.Thread, text string) protocol.Stream {
	return func(yield func(protocol.Event, error) bool) {
		if !yield(&protocol.ProgressUpdate{Text: "Thinking..."}, nil) {
			return
		}
		id, err := e.ids.NewItemID(ctx, protocol.ItemKindAssistantMessage)
		if err != nil {
			yield(nil, err)
			return
		}
		item := &protocol.AssistantMessageItem{
			ItemBase: protocol.ItemBase{ID: id, ThreadID: th.ID, CreatedAt: time.Now().UTC()},
			Content:  []protocol.AssistantContent{{}},
		}
		if !yield(&protocol.ItemAdded{Item: item}, nil) {
			return
		}
		if !yield(&protocol.ItemUpdated{
			ItemID: id,
			Update: &protocol.ContentPartAdded{ContentIndex: 0, Content: protocol.AssistantContent{}},
		}, nil) {
			return
		}

		reply := "You said: " + text
		var acc strings.Builder
		for _, word := range strings.SplitAfter(reply, " ") {
			acc.WriteString(word)
			if !yield(&protocol.ItemUpdated{
				ItemID: id,
				Update: &protocol.ContentPartTextDelta{ContentIndex: 0, Delta: word},
			}, nil) {
				return
			}
		}

		final := protocol.AssistantContent{Text: acc.String()}
		if !yield(&protocol.ItemUpdated{
			ItemID: id,
			Update: &protocol.ContentPartDone{ContentIndex: 0, Content: final},
		}, nil) {
			return
		}
		item.Content = []protocol.AssistantContent{final}
		yield(&protocol.ItemDone{Item: item}, nil)
	}
}

func (e *echoResponder) respondWidget(ctx context.Context, th *protocol.Thread, text string) protocol.Stream {
	if text == "" {
		text = "Hello from the widget stream."
	}
	snapshots := func(yield func(widget.Node) bool) {
		acc := ""
		if !yield(echoCard(acc, true)) {
			return
		}
		for _, word := range strings.SplitAfter(text, " ") {
			acc += word
			if !yield(echoCard(acc, true)) {
				return
			}
		}
		yield(echoCard(acc, false))
	}
	return server.StreamWidget(ctx, e.ids, th, iter.Seq[widget.Node](snapshots), text)
}

func echoCard(body string, streaming bool) widget.Node {
	return &widget.Card{
		ID: "echo-card",
		Children: []widget.Node{
			&widget.Title{ID: "title", Text: "Echo"},
			&widget.Markdown{ID: "body", Value: body, Streaming: streaming},
		},
	}
}

func (e *echoResponder) Action(ctx context.Context, th *protocol.Thread, action server.Action, item protocol.Item) protocol.Stream {
	return func(yield func(protocol.Event, error) bool) {
		if !yield(&protocol.ClientEffect{Name: "toast", Payload: map[string]any{"text": "action received: " + action.Type}}, nil) {
			return
		}
		if item == nil {
			return
		}
		// flip the referenced card's title so the action is visible in the thread
		wi, ok := item.(*protocol.WidgetItem)
		if !ok {
			return
		}
		card, ok := wi.Widget.(*widget.Card)
		if !ok || len(card.Children) == 0 {
			return
		}
		if title, ok := card.Children[0].(*widget.Title); ok {
			title.Text = "Echo (" + action.Type + ")"
		}
		yield(&protocol.ItemReplaced{Item: wi}, nil)
	}
}
