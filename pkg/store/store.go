package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/marionette/pkg/protocol"
)

// ErrNotFound is returned when a thread, item, or attachment does not exist.
// It is the one error shape allowed to escape the streaming core; the HTTP
// layer maps it to a 404.
var ErrNotFound = errors.New("not found")

// Order controls item and thread listing direction.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// ItemPage is one bounded page of items. After is the cursor of the last
// item, usable for the next call; HasMore reports whether one exists.
type ItemPage struct {
	Items   []protocol.Item `json:"items"`
	After   string          `json:"after,omitempty"`
	HasMore bool            `json:"has_more"`
}

// ThreadPage is one bounded page of thread metadata.
type ThreadPage struct {
	Threads []*protocol.Thread `json:"threads"`
	After   string             `json:"after,omitempty"`
	HasMore bool               `json:"has_more"`
}

// Store is the persistence collaborator for threads, items, and attachment
// metadata. Every method takes a context that callers thread through
// unchanged; tenant isolation lives behind it, not in this interface.
type Store interface {
	IDGenerator

	SaveThread(ctx context.Context, th *protocol.Thread) error
	LoadThread(ctx context.Context, threadID string) (*protocol.Thread, error)
	DeleteThread(ctx context.Context, threadID string) error
	ListThreads(ctx context.Context, after string, limit int, order Order) (ThreadPage, error)

	AddItem(ctx context.Context, threadID string, item protocol.Item) error
	SaveItem(ctx context.Context, threadID string, item protocol.Item) error
	LoadItem(ctx context.Context, threadID, itemID string) (protocol.Item, error)
	DeleteItem(ctx context.Context, threadID, itemID string) error
	LoadItems(ctx context.Context, threadID, after string, limit int, order Order) (ItemPage, error)

	SaveAttachment(ctx context.Context, att protocol.Attachment) error
	LoadAttachment(ctx context.Context, attachmentID string) (protocol.Attachment, error)
	DeleteAttachment(ctx context.Context, attachmentID string) error

	Close() error
}

// IDGenerator mints thread, item, and attachment ids. Pluggable so hosts can
// bring their own scheme.
type IDGenerator interface {
	NewThreadID(ctx context.Context) (string, error)
	NewItemID(ctx context.Context, kind protocol.ItemKind) (string, error)
	NewAttachmentID(ctx context.Context) (string, error)
}

// DefaultPageSize bounds item and thread pages when the caller passes a
// non-positive limit.
const DefaultPageSize = 100

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	return limit
}

func normalizeOrder(order Order) Order {
	if order == OrderDesc {
		return OrderDesc
	}
	return OrderAsc
}
