package server

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/protocol"
	"github.com/go-go-golems/marionette/pkg/store"
)

// CancelledStreamNotice is the hidden-context content recorded when a client
// abandons a turn mid-stream.
const CancelledStreamNotice = "The user cancelled the stream. Stop responding to the prior request."

const defaultErrorMessage = "Something went wrong while generating a response."

// Coordinator consumes one turn source, applies each event's persistence
// side effect, tracks pending (not-yet-durable) items, and re-emits a
// protocol-shaped stream with synthesized thread snapshots. One Coordinator
// serves exactly one in-flight turn; its pending set is discarded with it.
type Coordinator struct {
	store       store.Store
	thread      *protocol.Thread
	allowCancel bool
	metrics     *Metrics
	logger      zerolog.Logger

	pendingOrder []string
	pending      map[string]protocol.Item
	metaDigest   string
	cancelled    bool
}

// NewCoordinator binds a coordinator to one thread for one turn. The thread
// value is the coordinator's working copy: turn sources may mutate its
// title, status, or metadata, and the coordinator re-saves it when they do.
func NewCoordinator(st store.Store, th *protocol.Thread, allowCancel bool, metrics *Metrics) *Coordinator {
	return &Coordinator{
		store:       st,
		thread:      th,
		allowCancel: allowCancel,
		metrics:     metrics,
		logger:      log.With().Str("component", "coordinator").Str("thread_id", th.ID).Logger(),
		pending:     map[string]protocol.Item{},
		metaDigest:  threadDigest(th),
	}
}

// Thread returns the coordinator's working copy of the thread.
func (c *Coordinator) Thread() *protocol.Thread { return c.thread }

// Process wraps the turn source. The returned stream always starts with a
// stream-options event and, barring early consumer termination, always ends
// with exactly one trailing thread snapshot — on success and on failure
// alike. Errors from the source are converted to wire error events, never
// propagated.
func (c *Coordinator) Process(ctx context.Context, source protocol.Stream) protocol.Stream {
	return func(yield func(protocol.Event, error) bool) {
		c.metrics.countEvent(protocol.EventStreamOptions)
		if !yield(&protocol.StreamOptions{AllowCancel: c.allowCancel}, nil) {
			return
		}

		var turnErr error
		for ev, err := range source {
			if err != nil {
				turnErr = err
				break
			}
			mutated, forward, perr := c.apply(ctx, ev)
			if perr != nil {
				turnErr = perr
				break
			}
			if forward {
				c.metrics.countEvent(ev.EventType())
				if !yield(ev, nil) {
					return
				}
			}
			dirty, serr := c.syncThreadMetadata(ctx)
			if serr != nil {
				turnErr = serr
				break
			}
			if mutated || dirty {
				snap, serr := c.snapshot(ctx)
				if serr != nil {
					turnErr = serr
					break
				}
				c.metrics.countEvent(protocol.EventThreadUpdated)
				if !yield(snap, nil) {
					return
				}
			}
		}

		if turnErr != nil {
			c.metrics.countStreamError()
			c.metrics.countTurn("error")
			c.metrics.countEvent(protocol.EventError)
			errEv := c.errorEvent(turnErr)
			if _, serr := c.syncThreadMetadata(ctx); serr != nil {
				c.logger.Error().Err(serr).Msg("final thread save failed after turn error")
			}
			if !yield(errEv, nil) {
				return
			}
			if snap, serr := c.snapshot(ctx); serr == nil {
				yield(snap, nil)
			} else {
				c.logger.Error().Err(serr).Msg("final snapshot failed after turn error")
			}
			return
		}

		c.metrics.countTurn("ok")
		if _, serr := c.syncThreadMetadata(ctx); serr != nil {
			c.logger.Error().Err(serr).Msg("final thread save failed")
		}
		snap, serr := c.snapshot(ctx)
		if serr != nil {
			c.logger.Error().Err(serr).Msg("trailing snapshot failed")
			yield(nil, serr)
			return
		}
		yield(snap, nil)
	}
}

// apply performs the persistence and pending-set side effects for one event
// and reports whether state changed and whether the event is forwarded.
func (c *Coordinator) apply(ctx context.Context, ev protocol.Event) (mutated bool, forward bool, err error) {
	switch e := ev.(type) {
	case *protocol.ItemAdded:
		if e.Item == nil {
			return false, false, errors.New("item added event without item")
		}
		clone, err := protocol.CloneItem(e.Item)
		if err != nil {
			return false, false, err
		}
		c.pendingPut(clone)
		return true, true, nil

	case *protocol.ItemUpdated:
		item, ok := c.pending[e.ItemID]
		if !ok {
			c.logger.Warn().Str("item_id", e.ItemID).Msg("update for item not in pending set; forwarding unapplied")
			return false, true, nil
		}
		switch e.Update.(type) {
		case *protocol.WidgetTextDelta, *protocol.WidgetRootReplaced:
			// informational only; the done event carries the authoritative widget
			return false, true, nil
		default:
			if err := protocol.ApplyItemUpdate(item, e.Update); err != nil {
				return false, false, err
			}
			return true, true, nil
		}

	case *protocol.ItemDone:
		if e.Item == nil {
			return false, false, errors.New("item done event without item")
		}
		if err := c.store.AddItem(ctx, c.thread.ID, e.Item); err != nil {
			return false, false, errors.Wrap(err, "persist done item")
		}
		c.metrics.countPersisted()
		c.pendingDelete(e.Item.Base().ID)
		// hidden context is persisted but never forwarded
		return true, !protocol.IsHiddenKind(e.Item.Kind()), nil

	case *protocol.ItemReplaced:
		if e.Item == nil {
			return false, false, errors.New("item replaced event without item")
		}
		if err := c.store.SaveItem(ctx, c.thread.ID, e.Item); err != nil {
			return false, false, errors.Wrap(err, "persist replaced item")
		}
		c.metrics.countPersisted()
		c.pendingDelete(e.Item.Base().ID)
		return true, !protocol.IsHiddenKind(e.Item.Kind()), nil

	case *protocol.ItemRemoved:
		if err := c.store.DeleteItem(ctx, c.thread.ID, e.ItemID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return false, false, errors.Wrap(err, "persist item deletion")
		}
		c.pendingDelete(e.ItemID)
		return true, true, nil

	default:
		// framing and passthrough events (thread.created, progress, effects, ...)
		return false, true, nil
	}
}

// snapshot loads the durable thread fresh and overlays pending items whose
// ids are not yet durable, so clients see partial content before it lands.
func (c *Coordinator) snapshot(ctx context.Context) (*protocol.ThreadUpdated, error) {
	th, err := c.store.LoadThread(ctx, c.thread.ID)
	if err != nil {
		return nil, errors.Wrap(err, "snapshot: load thread")
	}

	var items []protocol.Item
	durable := map[string]bool{}
	after := ""
	for {
		page, err := c.store.LoadItems(ctx, c.thread.ID, after, store.DefaultPageSize, store.OrderAsc)
		if err != nil {
			return nil, errors.Wrap(err, "snapshot: load items")
		}
		for _, item := range page.Items {
			if protocol.IsHiddenKind(item.Kind()) {
				continue
			}
			durable[item.Base().ID] = true
			items = append(items, item)
		}
		if !page.HasMore {
			break
		}
		after = page.After
	}

	for _, id := range c.pendingOrder {
		item, ok := c.pending[id]
		if !ok || durable[id] {
			continue
		}
		if protocol.IsHiddenKind(item.Kind()) {
			continue
		}
		items = append(items, item)
	}

	return &protocol.ThreadUpdated{Thread: th, Items: items}, nil
}

// syncThreadMetadata re-saves the working copy when the turn source mutated
// its title, status, or metadata since the last check.
func (c *Coordinator) syncThreadMetadata(ctx context.Context) (bool, error) {
	digest := threadDigest(c.thread)
	if digest == c.metaDigest {
		return false, nil
	}
	if err := c.store.SaveThread(ctx, c.thread); err != nil {
		return false, errors.Wrap(err, "save mutated thread")
	}
	c.metaDigest = digest
	return true, nil
}

func (c *Coordinator) errorEvent(err error) *protocol.ErrorEvent {
	var coded *protocol.CodedError
	if errors.As(err, &coded) {
		return &protocol.ErrorEvent{Code: coded.Code, AllowRetry: coded.AllowRetry}
	}
	var userErr *protocol.UserError
	if errors.As(err, &userErr) {
		return &protocol.ErrorEvent{Code: protocol.CodeCustom, Message: userErr.Message, AllowRetry: userErr.AllowRetry}
	}
	c.logger.Error().Err(err).Msg("turn source failed")
	return &protocol.ErrorEvent{Code: protocol.CodeStreamError, Message: defaultErrorMessage, AllowRetry: true}
}

// Cancel is the cancellation hook. The transport layer calls it once when
// the consumer stops iterating before the stream completes. Pending
// assistant messages with non-blank text are persisted as-is, and one
// hidden-context item always records the cancellation so later turns stop
// responding to the interrupted request.
func (c *Coordinator) Cancel(ctx context.Context) error {
	if c.cancelled {
		return nil
	}
	c.cancelled = true
	c.metrics.countTurn("cancelled")

	for _, id := range c.pendingOrder {
		item, ok := c.pending[id]
		if !ok {
			continue
		}
		msg, ok := item.(*protocol.AssistantMessageItem)
		if !ok {
			continue
		}
		if !hasVisibleText(msg) {
			continue
		}
		if err := c.store.AddItem(ctx, c.thread.ID, msg); err != nil {
			return errors.Wrap(err, "cancel: persist pending assistant message")
		}
		c.metrics.countPersisted()
	}

	id, err := c.store.NewItemID(ctx, protocol.ItemKindHiddenContext)
	if err != nil {
		return errors.Wrap(err, "cancel: mint hidden context id")
	}
	notice := &protocol.HiddenContextItem{
		ItemBase: protocol.ItemBase{
			ID:        id,
			ThreadID:  c.thread.ID,
			CreatedAt: time.Now().UTC(),
		},
		Content: CancelledStreamNotice,
	}
	if err := c.store.AddItem(ctx, c.thread.ID, notice); err != nil {
		return errors.Wrap(err, "cancel: persist cancellation notice")
	}
	c.logger.Info().Int("pending", len(c.pending)).Msg("turn cancelled; durable tail written")
	return nil
}

// PendingItems returns the current pending values in insertion order.
func (c *Coordinator) PendingItems() []protocol.Item {
	out := make([]protocol.Item, 0, len(c.pending))
	for _, id := range c.pendingOrder {
		if item, ok := c.pending[id]; ok {
			out = append(out, item)
		}
	}
	return out
}

func (c *Coordinator) pendingPut(item protocol.Item) {
	id := item.Base().ID
	if _, ok := c.pending[id]; !ok {
		c.pendingOrder = append(c.pendingOrder, id)
	}
	c.pending[id] = item
}

func (c *Coordinator) pendingDelete(id string) {
	if _, ok := c.pending[id]; !ok {
		return
	}
	delete(c.pending, id)
	for i, existing := range c.pendingOrder {
		if existing == id {
			c.pendingOrder = append(c.pendingOrder[:i], c.pendingOrder[i+1:]...)
			break
		}
	}
}

func hasVisibleText(msg *protocol.AssistantMessageItem) bool {
	for _, part := range msg.Content {
		if strings.TrimSpace(part.Text) != "" {
			return true
		}
	}
	return false
}

// threadDigest fingerprints the mutable surface of a thread.
func threadDigest(th *protocol.Thread) string {
	b, err := json.Marshal(struct {
		Title    string                `json:"t"`
		Status   protocol.ThreadStatus `json:"s"`
		Metadata map[string]any        `json:"m"`
	}{th.Title, th.Status, th.Metadata})
	if err != nil {
		return ""
	}
	return string(b)
}
