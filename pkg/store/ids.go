package store

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/go-go-golems/marionette/pkg/protocol"
)

// ItemPrefix returns the fixed id prefix for an item kind. User, assistant,
// and widget items all mint message ids.
func ItemPrefix(kind protocol.ItemKind) string {
	switch kind {
	case protocol.ItemKindUserMessage, protocol.ItemKindAssistantMessage, protocol.ItemKindWidget:
		return "msg"
	case protocol.ItemKindClientToolCall:
		return "tc"
	case protocol.ItemKindWorkflow:
		return "wf"
	case protocol.ItemKindTask:
		return "tsk"
	case protocol.ItemKindAttachment:
		return "atc"
	case protocol.ItemKindHiddenContext, protocol.ItemKindAgentContext:
		return "shcx"
	default:
		return "itm"
	}
}

// CounterIDs is the default id scheme: a fixed prefix plus a process-local
// counter. Suitable for the in-memory store and for tests.
type CounterIDs struct {
	n atomic.Uint64
}

var _ IDGenerator = &CounterIDs{}

func NewCounterIDs() *CounterIDs { return &CounterIDs{} }

func (g *CounterIDs) next(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, g.n.Add(1))
}

func (g *CounterIDs) NewThreadID(context.Context) (string, error) {
	return g.next("thr"), nil
}

func (g *CounterIDs) NewItemID(_ context.Context, kind protocol.ItemKind) (string, error) {
	return g.next(ItemPrefix(kind)), nil
}

func (g *CounterIDs) NewAttachmentID(context.Context) (string, error) {
	return g.next("atc"), nil
}

// UUIDIDs mints collision-free ids with the same prefixes; the scheme used by
// durable stores shared between processes.
type UUIDIDs struct{}

var _ IDGenerator = UUIDIDs{}

func (UUIDIDs) NewThreadID(context.Context) (string, error) {
	return "thr_" + compactUUID(), nil
}

func (UUIDIDs) NewItemID(_ context.Context, kind protocol.ItemKind) (string, error) {
	return ItemPrefix(kind) + "_" + compactUUID(), nil
}

func (UUIDIDs) NewAttachmentID(context.Context) (string, error) {
	return "atc_" + compactUUID(), nil
}

func compactUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
