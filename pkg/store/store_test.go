package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/protocol"
)

// Both backends run the same behavioral suite.
func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "store_test.db"))
	require.NoError(t, err)
	sq, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })

	mem := NewMemoryStore()
	t.Cleanup(func() { _ = mem.Close() })

	return map[string]Store{"memory": mem, "sqlite": sq}
}

func newThread(t *testing.T, ctx context.Context, st Store) *protocol.Thread {
	t.Helper()
	id, err := st.NewThreadID(ctx)
	require.NoError(t, err)
	th := &protocol.Thread{
		ID:        id,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		Status:    protocol.ThreadStatus{State: protocol.ThreadActive},
	}
	require.NoError(t, st.SaveThread(ctx, th))
	return th
}

func newUserItem(t *testing.T, ctx context.Context, st Store, th *protocol.Thread, text string) *protocol.UserMessageItem {
	t.Helper()
	id, err := st.NewItemID(ctx, protocol.ItemKindUserMessage)
	require.NoError(t, err)
	return &protocol.UserMessageItem{
		ItemBase: protocol.ItemBase{
			ID:        id,
			ThreadID:  th.ID,
			CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		},
		Text: text,
	}
}

func TestThreadRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			th := newThread(t, ctx, st)
			th.Title = "weather chat"
			th.Metadata = map[string]any{"tenant": "acme"}
			require.NoError(t, st.SaveThread(ctx, th))

			loaded, err := st.LoadThread(ctx, th.ID)
			require.NoError(t, err)
			assert.Equal(t, th.ID, loaded.ID)
			assert.Equal(t, "weather chat", loaded.Title)
			assert.Equal(t, protocol.ThreadActive, loaded.Status.State)
			assert.Equal(t, "acme", loaded.Metadata["tenant"])

			require.NoError(t, st.DeleteThread(ctx, th.ID))
			_, err = st.LoadThread(ctx, th.ID)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestLoadThreadUnknownIsNotFound(t *testing.T) {
	ctx := context.Background()
	for name, st := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := st.LoadThread(ctx, "thr_nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestItemOrderAndKindsSurviveRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			th := newThread(t, ctx, st)

			user := newUserItem(t, ctx, st, th, "what's the weather")
			call := &protocol.ClientToolCallItem{
				ItemBase:  protocol.ItemBase{ID: "tc_1", ThreadID: th.ID, CreatedAt: time.Now().UTC()},
				Status:    protocol.ToolCallPending,
				CallID:    "call_1",
				Name:      "get_weather",
				Arguments: map[string]any{"city": "Berlin"},
			}
			hidden := &protocol.HiddenContextItem{
				ItemBase: protocol.ItemBase{ID: "shcx_1", ThreadID: th.ID, CreatedAt: time.Now().UTC()},
				Content:  "note",
			}
			for _, item := range []protocol.Item{user, call, hidden} {
				require.NoError(t, st.AddItem(ctx, th.ID, item))
			}

			page, err := st.LoadItems(ctx, th.ID, "", 0, OrderAsc)
			require.NoError(t, err)
			require.Len(t, page.Items, 3)
			assert.Equal(t, user.ID, page.Items[0].Base().ID)
			assert.Equal(t, "tc_1", page.Items[1].Base().ID)
			assert.Equal(t, "shcx_1", page.Items[2].Base().ID)

			loadedCall := page.Items[1].(*protocol.ClientToolCallItem)
			assert.Equal(t, protocol.ToolCallPending, loadedCall.Status)
			assert.Equal(t, "Berlin", loadedCall.Arguments["city"])
		})
	}
}

func TestSaveItemOverwritesInPlace(t *testing.T) {
	ctx := context.Background()
	for name, st := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			th := newThread(t, ctx, st)
			call := &protocol.ClientToolCallItem{
				ItemBase: protocol.ItemBase{ID: "tc_1", ThreadID: th.ID, CreatedAt: time.Now().UTC()},
				Status:   protocol.ToolCallPending,
				CallID:   "call_1",
				Name:     "lookup",
			}
			require.NoError(t, st.AddItem(ctx, th.ID, call))

			call.Status = protocol.ToolCallCompleted
			call.Output = "done"
			require.NoError(t, st.SaveItem(ctx, th.ID, call))

			loaded, err := st.LoadItem(ctx, th.ID, "tc_1")
			require.NoError(t, err)
			assert.Equal(t, protocol.ToolCallCompleted, loaded.(*protocol.ClientToolCallItem).Status)

			// position is unchanged after the overwrite
			other := newUserItem(t, ctx, st, th, "second")
			require.NoError(t, st.AddItem(ctx, th.ID, other))
			page, err := st.LoadItems(ctx, th.ID, "", 0, OrderAsc)
			require.NoError(t, err)
			require.Len(t, page.Items, 2)
			assert.Equal(t, "tc_1", page.Items[0].Base().ID)
		})
	}
}

func TestSaveItemUnknownIsNotFound(t *testing.T) {
	ctx := context.Background()
	for name, st := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			th := newThread(t, ctx, st)
			ghost := newUserItem(t, ctx, st, th, "never added")
			err := st.SaveItem(ctx, th.ID, ghost)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestItemPagination(t *testing.T) {
	ctx := context.Background()
	for name, st := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			th := newThread(t, ctx, st)
			var ids []string
			for i := 0; i < 5; i++ {
				item := newUserItem(t, ctx, st, th, "msg")
				require.NoError(t, st.AddItem(ctx, th.ID, item))
				ids = append(ids, item.ID)
			}

			var got []string
			after := ""
			pages := 0
			for {
				page, err := st.LoadItems(ctx, th.ID, after, 2, OrderAsc)
				require.NoError(t, err)
				for _, item := range page.Items {
					got = append(got, item.Base().ID)
				}
				pages++
				if !page.HasMore {
					break
				}
				after = page.After
			}
			assert.Equal(t, ids, got)
			assert.Equal(t, 3, pages)
		})
	}
}

func TestDeleteItemRemovesFromListing(t *testing.T) {
	ctx := context.Background()
	for name, st := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			th := newThread(t, ctx, st)
			a := newUserItem(t, ctx, st, th, "a")
			b := newUserItem(t, ctx, st, th, "b")
			require.NoError(t, st.AddItem(ctx, th.ID, a))
			require.NoError(t, st.AddItem(ctx, th.ID, b))

			require.NoError(t, st.DeleteItem(ctx, th.ID, a.ID))
			_, err := st.LoadItem(ctx, th.ID, a.ID)
			assert.ErrorIs(t, err, ErrNotFound)

			page, err := st.LoadItems(ctx, th.ID, "", 0, OrderAsc)
			require.NoError(t, err)
			require.Len(t, page.Items, 1)
			assert.Equal(t, b.ID, page.Items[0].Base().ID)

			assert.ErrorIs(t, st.DeleteItem(ctx, th.ID, a.ID), ErrNotFound)
		})
	}
}

func TestThreadListingPagination(t *testing.T) {
	ctx := context.Background()
	for name, st := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Now().UTC().Truncate(time.Millisecond)
			var ids []string
			for i := 0; i < 3; i++ {
				id, err := st.NewThreadID(ctx)
				require.NoError(t, err)
				th := &protocol.Thread{
					ID:        id,
					CreatedAt: base.Add(time.Duration(i) * time.Second),
					Status:    protocol.ThreadStatus{State: protocol.ThreadActive},
				}
				require.NoError(t, st.SaveThread(ctx, th))
				ids = append(ids, id)
			}

			page, err := st.ListThreads(ctx, "", 2, OrderAsc)
			require.NoError(t, err)
			require.Len(t, page.Threads, 2)
			assert.True(t, page.HasMore)
			assert.Equal(t, ids[0], page.Threads[0].ID)

			rest, err := st.ListThreads(ctx, page.After, 2, OrderAsc)
			require.NoError(t, err)
			require.Len(t, rest.Threads, 1)
			assert.False(t, rest.HasMore)
			assert.Equal(t, ids[2], rest.Threads[0].ID)

			desc, err := st.ListThreads(ctx, "", 0, OrderDesc)
			require.NoError(t, err)
			require.Len(t, desc.Threads, 3)
			assert.Equal(t, ids[2], desc.Threads[0].ID)
		})
	}
}

func TestAttachmentRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			id, err := st.NewAttachmentID(ctx)
			require.NoError(t, err)
			att := protocol.Attachment{ID: id, Name: "report.pdf", MimeType: "application/pdf", Size: 1024}
			require.NoError(t, st.SaveAttachment(ctx, att))

			loaded, err := st.LoadAttachment(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, att, loaded)

			require.NoError(t, st.DeleteAttachment(ctx, id))
			_, err = st.LoadAttachment(ctx, id)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoredItemsAreIsolatedFromCallerMutation(t *testing.T) {
	ctx := context.Background()
	for name, st := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			th := newThread(t, ctx, st)
			item := newUserItem(t, ctx, st, th, "original")
			require.NoError(t, st.AddItem(ctx, th.ID, item))

			item.Text = "mutated after store"
			loaded, err := st.LoadItem(ctx, th.ID, item.ID)
			require.NoError(t, err)
			assert.Equal(t, "original", loaded.(*protocol.UserMessageItem).Text)
		})
	}
}

func TestIDGeneratorsPrefixByKind(t *testing.T) {
	ctx := context.Background()
	ids := NewCounterIDs()

	threadID, err := ids.NewThreadID(ctx)
	require.NoError(t, err)
	assert.Contains(t, threadID, "thr_")

	msgID, err := ids.NewItemID(ctx, protocol.ItemKindUserMessage)
	require.NoError(t, err)
	assert.Contains(t, msgID, "msg_")

	callID, err := ids.NewItemID(ctx, protocol.ItemKindClientToolCall)
	require.NoError(t, err)
	assert.Contains(t, callID, "tc_")

	attID, err := ids.NewAttachmentID(ctx)
	require.NoError(t, err)
	assert.Contains(t, attID, "atc_")
}
