package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/protocol"
	"github.com/go-go-golems/marionette/pkg/store"
)

type stubResponder struct {
	respond func(ctx context.Context, th *protocol.Thread, input protocol.Item) protocol.Stream
	action  func(ctx context.Context, th *protocol.Thread, action Action, item protocol.Item) protocol.Stream
}

func (s *stubResponder) Respond(ctx context.Context, th *protocol.Thread, input protocol.Item) protocol.Stream {
	if s.respond == nil {
		return protocol.Of()
	}
	return s.respond(ctx, th, input)
}

func (s *stubResponder) Action(ctx context.Context, th *protocol.Thread, action Action, item protocol.Item) protocol.Stream {
	if s.action == nil {
		return protocol.Of()
	}
	return s.action(ctx, th, action, item)
}

func newTestRouter(t *testing.T, responder Responder) (*Router, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	if responder == nil {
		responder = &stubResponder{}
	}
	r, err := NewRouter(st, responder, true, nil)
	require.NoError(t, err)
	return r, st
}

func seedThread(t *testing.T, st store.Store, state protocol.ThreadState) *protocol.Thread {
	t.Helper()
	ctx := context.Background()
	id, err := st.NewThreadID(ctx)
	require.NoError(t, err)
	th := &protocol.Thread{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Status:    protocol.ThreadStatus{State: state},
	}
	require.NoError(t, st.SaveThread(ctx, th))
	return th
}

func eventTypes(events []protocol.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.EventType())
	}
	return out
}

func TestCreateThreadStreamsCreatedAndUserMessage(t *testing.T) {
	router, st := newTestRouter(t, nil)
	ctx := context.Background()

	turn, err := router.CreateThread(ctx, UserMessageInput{Text: "hello"})
	require.NoError(t, err)
	events, err := protocol.Collect(turn.Events)
	require.NoError(t, err)

	types := eventTypes(events)
	require.GreaterOrEqual(t, len(types), 4)
	assert.Equal(t, protocol.EventStreamOptions, types[0])
	assert.Equal(t, protocol.EventThreadCreated, types[1])
	assert.Contains(t, types, protocol.EventItemDone)
	assert.Equal(t, protocol.EventThreadUpdated, types[len(types)-1])

	// the user message is durable after the turn
	page, err := st.LoadItems(ctx, turn.ThreadID, "", 0, store.OrderAsc)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	msg := page.Items[0].(*protocol.UserMessageItem)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, turn.ThreadID, msg.ThreadID)
}

func TestAddUserMessagePassesItemToResponder(t *testing.T) {
	var got protocol.Item
	responder := &stubResponder{
		respond: func(_ context.Context, _ *protocol.Thread, input protocol.Item) protocol.Stream {
			got = input
			return protocol.Of()
		},
	}
	router, st := newTestRouter(t, responder)
	th := seedThread(t, st, protocol.ThreadActive)

	turn, err := router.AddUserMessage(context.Background(), th.ID, UserMessageInput{Text: "ping"})
	require.NoError(t, err)
	_, err = protocol.Collect(turn.Events)
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, "ping", got.(*protocol.UserMessageItem).Text)
}

func TestAddUserMessageRejectsLockedAndClosedThreads(t *testing.T) {
	router, st := newTestRouter(t, nil)
	locked := seedThread(t, st, protocol.ThreadLocked)
	closed := seedThread(t, st, protocol.ThreadClosed)

	_, err := router.AddUserMessage(context.Background(), locked.ID, UserMessageInput{Text: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = router.AddUserMessage(context.Background(), closed.ID, UserMessageInput{Text: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestAddUserMessageUnknownThreadIsNotFound(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	_, err := router.AddUserMessage(context.Background(), "thr_missing", UserMessageInput{Text: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestToolOutputCompletesMostRecentPendingCall(t *testing.T) {
	router, st := newTestRouter(t, nil)
	th := seedThread(t, st, protocol.ThreadActive)
	ctx := context.Background()

	call := &protocol.ClientToolCallItem{
		ItemBase: protocol.ItemBase{ID: "tc_1", ThreadID: th.ID, CreatedAt: time.Now().UTC()},
		Status:   protocol.ToolCallPending,
		CallID:   "call_1",
		Name:     "get_weather",
	}
	require.NoError(t, st.AddItem(ctx, th.ID, call))

	turn, err := router.AddClientToolOutput(ctx, th.ID, map[string]any{"temp": 21})
	require.NoError(t, err)
	events, err := protocol.Collect(turn.Events)
	require.NoError(t, err)
	assert.Contains(t, eventTypes(events), protocol.EventItemReplaced)

	stored, err := st.LoadItem(ctx, th.ID, "tc_1")
	require.NoError(t, err)
	updated := stored.(*protocol.ClientToolCallItem)
	assert.Equal(t, protocol.ToolCallCompleted, updated.Status)
	assert.NotNil(t, updated.Output)
}

func TestToolOutputWithoutPendingCallIsInvalidState(t *testing.T) {
	router, st := newTestRouter(t, nil)
	th := seedThread(t, st, protocol.ThreadActive)

	_, err := router.AddClientToolOutput(context.Background(), th.ID, "whatever")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestNewMessageDeletesStalePendingToolCalls(t *testing.T) {
	router, st := newTestRouter(t, nil)
	th := seedThread(t, st, protocol.ThreadActive)
	ctx := context.Background()

	stale := &protocol.ClientToolCallItem{
		ItemBase: protocol.ItemBase{ID: "tc_stale", ThreadID: th.ID, CreatedAt: time.Now().UTC()},
		Status:   protocol.ToolCallPending,
		CallID:   "call_0",
		Name:     "lookup",
	}
	require.NoError(t, st.AddItem(ctx, th.ID, stale))

	turn, err := router.AddUserMessage(ctx, th.ID, UserMessageInput{Text: "moving on"})
	require.NoError(t, err)
	_, err = protocol.Collect(turn.Events)
	require.NoError(t, err)

	_, err = st.LoadItem(ctx, th.ID, "tc_stale")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRetryDeletesEverythingAfterTarget(t *testing.T) {
	_, st := newTestRouter(t, nil)
	th := seedThread(t, st, protocol.ThreadActive)
	ctx := context.Background()

	first := userMessage(th, "msg_u1", "first question")
	reply := &protocol.AssistantMessageItem{
		ItemBase: protocol.ItemBase{ID: "msg_a1", ThreadID: th.ID, CreatedAt: time.Now().UTC()},
		Content:  []protocol.AssistantContent{{Text: "first answer"}},
	}
	followup := userMessage(th, "msg_u2", "second question")
	require.NoError(t, st.AddItem(ctx, th.ID, first))
	require.NoError(t, st.AddItem(ctx, th.ID, reply))
	require.NoError(t, st.AddItem(ctx, th.ID, followup))

	var retried protocol.Item
	responder := &stubResponder{
		respond: func(_ context.Context, _ *protocol.Thread, input protocol.Item) protocol.Stream {
			retried = input
			return protocol.Of()
		},
	}
	router2, err := NewRouter(st, responder, true, nil)
	require.NoError(t, err)

	turn, err := router2.RetryAfterItem(ctx, th.ID, "msg_u1")
	require.NoError(t, err)
	events, err := protocol.Collect(turn.Events)
	require.NoError(t, err)

	removed := 0
	for _, ev := range events {
		if _, ok := ev.(*protocol.ItemRemoved); ok {
			removed++
		}
	}
	assert.Equal(t, 2, removed)
	require.NotNil(t, retried)
	assert.Equal(t, "msg_u1", retried.Base().ID)

	page, err := st.LoadItems(ctx, th.ID, "", 0, store.OrderAsc)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "msg_u1", page.Items[0].Base().ID)
}

func TestRetryNonUserMessageTargetIsInvalidRequest(t *testing.T) {
	router, st := newTestRouter(t, nil)
	th := seedThread(t, st, protocol.ThreadActive)
	ctx := context.Background()

	reply := &protocol.AssistantMessageItem{
		ItemBase: protocol.ItemBase{ID: "msg_a1", ThreadID: th.ID, CreatedAt: time.Now().UTC()},
		Content:  []protocol.AssistantContent{{Text: "answer"}},
	}
	require.NoError(t, st.AddItem(ctx, th.ID, reply))

	_, err := router.RetryAfterItem(ctx, th.ID, "msg_a1")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = router.RetryAfterItem(ctx, th.ID, "msg_missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCustomActionOnNonWidgetItemYieldsUserError(t *testing.T) {
	router, st := newTestRouter(t, nil)
	th := seedThread(t, st, protocol.ThreadActive)
	ctx := context.Background()
	require.NoError(t, st.AddItem(ctx, th.ID, userMessage(th, "msg_u1", "hi")))

	turn, err := router.CustomAction(ctx, th.ID, Action{Type: "refresh", ItemID: "msg_u1"})
	require.NoError(t, err)
	events, err := protocol.Collect(turn.Events)
	require.NoError(t, err)

	var errEv *protocol.ErrorEvent
	for _, ev := range events {
		if e, ok := ev.(*protocol.ErrorEvent); ok {
			errEv = e
		}
	}
	require.NotNil(t, errEv)
	assert.Equal(t, protocol.CodeCustom, errEv.Code)
	assert.NotEmpty(t, errEv.Message)
	assert.False(t, errEv.AllowRetry)
}

func TestCustomActionWithoutItemReachesResponder(t *testing.T) {
	var gotAction Action
	responder := &stubResponder{
		action: func(_ context.Context, _ *protocol.Thread, action Action, item protocol.Item) protocol.Stream {
			gotAction = action
			return protocol.Of(&protocol.ClientEffect{Name: "toast"})
		},
	}
	router, st := newTestRouter(t, responder)
	th := seedThread(t, st, protocol.ThreadActive)

	turn, err := router.CustomAction(context.Background(), th.ID, Action{Type: "ping"})
	require.NoError(t, err)
	events, err := protocol.Collect(turn.Events)
	require.NoError(t, err)

	assert.Equal(t, "ping", gotAction.Type)
	assert.Contains(t, eventTypes(events), protocol.EventClientEffect)
}
