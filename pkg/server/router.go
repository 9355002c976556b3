package server

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/protocol"
	"github.com/go-go-golems/marionette/pkg/store"
)

// Router-level sentinel errors. These escape to the transport layer, which
// maps them to request failures; they never become wire error events.
var (
	// ErrInvalidState signals tool output submitted with no pending call.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidRequest signals a malformed or unknown request.
	ErrInvalidRequest = errors.New("invalid request")
)

// Responder is the application turn source: it produces the protocol events
// of one turn. input is nil when the turn continues from a tool result.
type Responder interface {
	Respond(ctx context.Context, thread *protocol.Thread, input protocol.Item) protocol.Stream
	Action(ctx context.Context, thread *protocol.Thread, action Action, item protocol.Item) protocol.Stream
}

// Action is a custom client action payload, optionally referencing an item.
type Action struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	ItemID  string         `json:"item_id,omitempty"`
}

// UserMessageInput is the client-supplied content of a new user message.
type UserMessageInput struct {
	Text          string   `json:"text"`
	QuotedText    string   `json:"quoted_text,omitempty"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
}

// Turn is one live streaming response. Events must be consumed exactly once;
// if the consumer stops early it must call CancelHook once before touching
// the thread again.
type Turn struct {
	ThreadID   string
	Events     protocol.Stream
	CancelHook func(ctx context.Context) error
}

// Router maps inbound request kinds onto store mutations and coordinator
// invocations.
type Router struct {
	store       store.Store
	responder   Responder
	allowCancel bool
	metrics     *Metrics
}

func NewRouter(st store.Store, responder Responder, allowCancel bool, metrics *Metrics) (*Router, error) {
	if st == nil {
		return nil, errors.New("router: store is nil")
	}
	if responder == nil {
		return nil, errors.New("router: responder is nil")
	}
	return &Router{store: st, responder: responder, allowCancel: allowCancel, metrics: metrics}, nil
}

// CreateThread allocates and persists a new empty thread, then runs the
// first turn with the given user message. The stream opens with the
// thread-created frame.
func (r *Router) CreateThread(ctx context.Context, input UserMessageInput) (*Turn, error) {
	id, err := r.store.NewThreadID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "create thread: mint id")
	}
	th := &protocol.Thread{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Status:    protocol.ThreadStatus{State: protocol.ThreadActive},
	}
	if err := r.store.SaveThread(ctx, th); err != nil {
		return nil, errors.Wrap(err, "create thread: persist")
	}
	userItem, err := r.buildUserMessage(ctx, th, input)
	if err != nil {
		return nil, err
	}
	prelude := protocol.Of(&protocol.ThreadCreated{Thread: th.Clone()})
	return r.newItemTurn(ctx, th, userItem, prelude)
}

// AddUserMessage appends a user message to an existing thread and runs a
// turn responding to it.
func (r *Router) AddUserMessage(ctx context.Context, threadID string, input UserMessageInput) (*Turn, error) {
	th, err := r.loadWritableThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	userItem, err := r.buildUserMessage(ctx, th, input)
	if err != nil {
		return nil, err
	}
	return r.newItemTurn(ctx, th, userItem, nil)
}

// AddClientToolOutput completes the most recent pending client tool call and
// continues the turn. The completed call becomes context for the responder;
// no new input item is passed.
func (r *Router) AddClientToolOutput(ctx context.Context, threadID string, output any) (*Turn, error) {
	th, err := r.loadWritableThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	call, err := r.latestPendingToolCall(ctx, th.ID)
	if err != nil {
		return nil, err
	}
	call.Output = output
	call.Status = protocol.ToolCallCompleted

	if err := r.cleanupStaleToolCalls(ctx, th.ID, call.ID); err != nil {
		return nil, err
	}

	coord := NewCoordinator(r.store, th, r.allowCancel, r.metrics)
	source := protocol.Concat(
		protocol.Of(&protocol.ItemReplaced{Item: call}),
		r.responder.Respond(ctx, th, nil),
	)
	return &Turn{
		ThreadID:   th.ID,
		Events:     coord.Process(ctx, source),
		CancelHook: coord.Cancel,
	}, nil
}

// RetryAfterItem deletes every item after the target user message and
// re-runs the turn from it, superseding the previous response.
func (r *Router) RetryAfterItem(ctx context.Context, threadID, itemID string) (*Turn, error) {
	th, err := r.loadWritableThread(ctx, threadID)
	if err != nil {
		return nil, err
	}

	items, err := r.allItems(ctx, th.ID)
	if err != nil {
		return nil, err
	}
	var target *protocol.UserMessageItem
	var superseded []protocol.Item
	for _, item := range items {
		if target != nil {
			superseded = append(superseded, item)
			continue
		}
		if item.Base().ID == itemID {
			msg, ok := item.(*protocol.UserMessageItem)
			if !ok {
				return nil, errors.Wrapf(ErrInvalidRequest, "retry target %s is a %s, not a user message", itemID, item.Kind())
			}
			target = msg
		}
	}
	if target == nil {
		return nil, errors.Wrapf(store.ErrNotFound, "item %s", itemID)
	}

	removals := make([]protocol.Event, 0, len(superseded))
	for _, item := range superseded {
		removals = append(removals, &protocol.ItemRemoved{ItemID: item.Base().ID})
	}

	coord := NewCoordinator(r.store, th, r.allowCancel, r.metrics)
	source := protocol.Concat(
		protocol.Of(removals...),
		r.responder.Respond(ctx, th, target),
	)
	return &Turn{
		ThreadID:   th.ID,
		Events:     coord.Process(ctx, source),
		CancelHook: coord.Cancel,
	}, nil
}

// CustomAction runs the application's action handler, optionally against a
// referenced widget item. A non-widget reference produces a non-retryable
// wire error rather than a request failure.
func (r *Router) CustomAction(ctx context.Context, threadID string, action Action) (*Turn, error) {
	th, err := r.loadWritableThread(ctx, threadID)
	if err != nil {
		return nil, err
	}

	coord := NewCoordinator(r.store, th, r.allowCancel, r.metrics)
	var source protocol.Stream
	if action.ItemID != "" {
		item, err := r.store.LoadItem(ctx, th.ID, action.ItemID)
		if err != nil {
			return nil, err
		}
		if _, ok := item.(*protocol.WidgetItem); !ok {
			source = protocol.Fail(&protocol.UserError{Message: "This action is not available for that item."})
		} else {
			source = r.responder.Action(ctx, th, action, item)
		}
	} else {
		source = r.responder.Action(ctx, th, action, nil)
	}
	return &Turn{
		ThreadID:   th.ID,
		Events:     coord.Process(ctx, source),
		CancelHook: coord.Cancel,
	}, nil
}

// newItemTurn persists the user message through the coordinator (its done
// event is the append), cleans up dangling tool calls, and hands the thread
// to the responder.
func (r *Router) newItemTurn(ctx context.Context, th *protocol.Thread, userItem *protocol.UserMessageItem, prelude protocol.Stream) (*Turn, error) {
	if err := r.cleanupStaleToolCalls(ctx, th.ID, ""); err != nil {
		return nil, err
	}
	coord := NewCoordinator(r.store, th, r.allowCancel, r.metrics)
	source := protocol.Concat(
		prelude,
		protocol.Of(&protocol.ItemDone{Item: userItem}),
		r.responder.Respond(ctx, th, userItem),
	)
	return &Turn{
		ThreadID:   th.ID,
		Events:     coord.Process(ctx, source),
		CancelHook: coord.Cancel,
	}, nil
}

func (r *Router) buildUserMessage(ctx context.Context, th *protocol.Thread, input UserMessageInput) (*protocol.UserMessageItem, error) {
	id, err := r.store.NewItemID(ctx, protocol.ItemKindUserMessage)
	if err != nil {
		return nil, errors.Wrap(err, "build user message: mint id")
	}
	var attachments []protocol.Attachment
	for _, attID := range input.AttachmentIDs {
		att, err := r.store.LoadAttachment(ctx, attID)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve attachment %s", attID)
		}
		attachments = append(attachments, att)
	}
	return &protocol.UserMessageItem{
		ItemBase: protocol.ItemBase{
			ID:        id,
			ThreadID:  th.ID,
			CreatedAt: time.Now().UTC(),
		},
		Text:        input.Text,
		QuotedText:  input.QuotedText,
		Attachments: attachments,
	}, nil
}

// latestPendingToolCall returns the most recent pending client tool call.
func (r *Router) latestPendingToolCall(ctx context.Context, threadID string) (*protocol.ClientToolCallItem, error) {
	items, err := r.allItems(ctx, threadID)
	if err != nil {
		return nil, err
	}
	for i := len(items) - 1; i >= 0; i-- {
		call, ok := items[i].(*protocol.ClientToolCallItem)
		if ok && call.Status == protocol.ToolCallPending {
			return call, nil
		}
	}
	return nil, errors.Wrap(ErrInvalidState, "no pending client tool call")
}

// cleanupStaleToolCalls deletes any tool call still marked pending, except
// the one identified by keep. A dangling pending call cannot be completed
// once a new turn starts, so it is logged and removed.
func (r *Router) cleanupStaleToolCalls(ctx context.Context, threadID, keep string) error {
	items, err := r.allItems(ctx, threadID)
	if err != nil {
		return err
	}
	for _, item := range items {
		call, ok := item.(*protocol.ClientToolCallItem)
		if !ok || call.Status != protocol.ToolCallPending || call.ID == keep {
			continue
		}
		log.Warn().
			Str("component", "router").
			Str("thread_id", threadID).
			Str("item_id", call.ID).
			Str("tool", call.Name).
			Msg("deleting stale pending tool call")
		if err := r.store.DeleteItem(ctx, threadID, call.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return errors.Wrap(err, "delete stale tool call")
		}
	}
	return nil
}

func (r *Router) allItems(ctx context.Context, threadID string) ([]protocol.Item, error) {
	var items []protocol.Item
	after := ""
	for {
		page, err := r.store.LoadItems(ctx, threadID, after, store.DefaultPageSize, store.OrderAsc)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		if !page.HasMore {
			break
		}
		after = page.After
	}
	return items, nil
}

// loadWritableThread loads a thread and rejects turns against locked or
// closed threads.
func (r *Router) loadWritableThread(ctx context.Context, threadID string) (*protocol.Thread, error) {
	th, err := r.store.LoadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	switch th.Status.State {
	case protocol.ThreadLocked:
		return nil, errors.Wrapf(ErrInvalidRequest, "thread %s is locked", threadID)
	case protocol.ThreadClosed:
		reason := th.Status.Reason
		if reason == "" {
			reason = "closed"
		}
		return nil, errors.Wrapf(ErrInvalidRequest, "thread %s is closed: %s", threadID, reason)
	}
	return th, nil
}
