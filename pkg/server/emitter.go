package server

import (
	"context"
	"iter"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/marionette/pkg/protocol"
	"github.com/go-go-golems/marionette/pkg/store"
	"github.com/go-go-golems/marionette/pkg/widget"
)

// EmitWidget produces the event sequence for a widget that is already
// complete: a single terminal done event, no added/updated phase.
func EmitWidget(ctx context.Context, ids store.IDGenerator, th *protocol.Thread, root widget.Node, copyText string) protocol.Stream {
	return func(yield func(protocol.Event, error) bool) {
		item, err := newWidgetItem(ctx, ids, th, root, copyText)
		if err != nil {
			yield(nil, err)
			return
		}
		yield(&protocol.ItemDone{Item: item}, nil)
	}
}

// StreamWidget drives a producer of successive widget snapshots through the
// diff engine, yielding the added/updated/done sequence for one new widget
// item. A producer that yields nothing produces nothing: the response chose
// not to materialize an item. The done event always carries the producer's
// own final snapshot.
func StreamWidget(ctx context.Context, ids store.IDGenerator, th *protocol.Thread, snapshots iter.Seq[widget.Node], copyText string) protocol.Stream {
	return func(yield func(protocol.Event, error) bool) {
		next, stop := iter.Pull(snapshots)
		defer stop()

		first, ok := next()
		if !ok {
			return
		}
		item, err := newWidgetItem(ctx, ids, th, first, copyText)
		if err != nil {
			yield(nil, err)
			return
		}
		if !yield(&protocol.ItemAdded{Item: item}, nil) {
			return
		}

		last := first
		for {
			snap, ok := next()
			if !ok {
				break
			}
			deltas, err := widget.Diff(last, snap)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, d := range deltas {
				ev := &protocol.ItemUpdated{
					ItemID: item.ID,
					Update: protocol.UpdateFromWidgetDelta(d),
				}
				if !yield(ev, nil) {
					return
				}
			}
			last = snap
		}

		final := &protocol.WidgetItem{
			ItemBase: item.ItemBase,
			Widget:   last,
			CopyText: copyText,
		}
		yield(&protocol.ItemDone{Item: final}, nil)
	}
}

func newWidgetItem(ctx context.Context, ids store.IDGenerator, th *protocol.Thread, root widget.Node, copyText string) (*protocol.WidgetItem, error) {
	if root != nil && !widget.IsRoot(root) {
		return nil, errors.Errorf("stream widget: %s is not a root node type", root.NodeType())
	}
	id, err := ids.NewItemID(ctx, protocol.ItemKindWidget)
	if err != nil {
		return nil, errors.Wrap(err, "stream widget: mint item id")
	}
	return &protocol.WidgetItem{
		ItemBase: protocol.ItemBase{
			ID:        id,
			ThreadID:  th.ID,
			CreatedAt: time.Now().UTC(),
		},
		Widget:   root,
		CopyText: copyText,
	}, nil
}
