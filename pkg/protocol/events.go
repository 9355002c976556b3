package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/marionette/pkg/widget"
)

// Event type discriminators as they appear on the wire.
const (
	EventThreadCreated  = "thread.created"
	EventThreadUpdated  = "thread.updated"
	EventItemAdded      = "thread.item.added"
	EventItemUpdated    = "thread.item.updated"
	EventItemDone       = "thread.item.done"
	EventItemRemoved    = "thread.item.removed"
	EventItemReplaced   = "thread.item.replaced"
	EventStreamOptions  = "stream_options"
	EventProgressUpdate = "progress_update"
	EventClientEffect   = "client_effect"
	EventError          = "error"
)

// Event is one frame of the streaming protocol. The set of event kinds is
// closed; the coordinator and the wire encoder switch exhaustively.
type Event interface {
	EventType() string
}

// ThreadCreated announces a freshly created thread.
type ThreadCreated struct {
	Thread *Thread `json:"thread"`
}

// ThreadUpdated carries the merged view of durable thread state plus any
// still-pending item values.
type ThreadUpdated struct {
	Thread *Thread `json:"thread"`
	Items  []Item  `json:"items"`
}

// ItemAdded announces a new, not-yet-durable item.
type ItemAdded struct {
	Item Item `json:"item"`
}

// ItemUpdated carries one incremental update for a pending item.
type ItemUpdated struct {
	ItemID string     `json:"item_id"`
	Update ItemUpdate `json:"update"`
}

// ItemDone finalizes an item; its payload is the authoritative value.
type ItemDone struct {
	Item Item `json:"item"`
}

// ItemRemoved deletes an item from the thread.
type ItemRemoved struct {
	ItemID string `json:"item_id"`
}

// ItemReplaced overwrites a durable item in place.
type ItemReplaced struct {
	Item Item `json:"item"`
}

// StreamOptions is always the first frame of a turn.
type StreamOptions struct {
	AllowCancel bool `json:"allow_cancel"`
}

// ProgressUpdate is a transient status line shown while the turn runs.
type ProgressUpdate struct {
	Text string `json:"text"`
	Icon string `json:"icon,omitempty"`
}

// ClientEffect asks the client to perform a side effect (e.g. play a sound).
type ClientEffect struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ErrorCode classifies wire errors. CodeCustom signals a free-form
// user-facing message; everything else is a fixed code the client maps to
// its own copy.
type ErrorCode string

const (
	CodeCustom        ErrorCode = "custom"
	CodeStreamError   ErrorCode = "stream_error"
	CodeRateLimited   ErrorCode = "rate_limited"
	CodeContextWindow ErrorCode = "context_window_exceeded"
)

// ErrorEvent terminates a failed turn on the wire.
type ErrorEvent struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message,omitempty"`
	AllowRetry bool      `json:"allow_retry"`
}

func (*ThreadCreated) EventType() string  { return EventThreadCreated }
func (*ThreadUpdated) EventType() string  { return EventThreadUpdated }
func (*ItemAdded) EventType() string      { return EventItemAdded }
func (*ItemUpdated) EventType() string    { return EventItemUpdated }
func (*ItemDone) EventType() string       { return EventItemDone }
func (*ItemRemoved) EventType() string    { return EventItemRemoved }
func (*ItemReplaced) EventType() string   { return EventItemReplaced }
func (*StreamOptions) EventType() string  { return EventStreamOptions }
func (*ProgressUpdate) EventType() string { return EventProgressUpdate }
func (*ClientEffect) EventType() string   { return EventClientEffect }
func (*ErrorEvent) EventType() string     { return EventError }

// ItemUpdate discriminators.
const (
	UpdateWidgetTextDelta      = "widget.streaming_text_delta"
	UpdateWidgetRootReplaced   = "widget.root_updated"
	UpdateContentPartAdded     = "content_part.added"
	UpdateContentPartTextDelta = "content_part.text_delta"
	UpdateContentPartAnnotated = "content_part.annotation_added"
	UpdateContentPartDone      = "content_part.done"
)

// ItemUpdate is the delta payload of an ItemUpdated event: either a widget
// delta or an assistant-message content-part update.
type ItemUpdate interface {
	UpdateType() string
}

// WidgetTextDelta appends text to one component of a widget item.
type WidgetTextDelta struct {
	ComponentID string `json:"component_id"`
	Delta       string `json:"delta"`
	Done        bool   `json:"done"`
}

// WidgetRootReplaced swaps the whole widget tree of a widget item.
type WidgetRootReplaced struct {
	Widget widget.Node `json:"widget"`
}

// ContentPartAdded inserts a complete content part at ContentIndex.
type ContentPartAdded struct {
	ContentIndex int              `json:"content_index"`
	Content      AssistantContent `json:"content"`
}

// ContentPartTextDelta appends text to the part at ContentIndex.
type ContentPartTextDelta struct {
	ContentIndex int    `json:"content_index"`
	Delta        string `json:"delta"`
}

// ContentPartAnnotationAdded inserts an annotation into the part at
// ContentIndex.
type ContentPartAnnotationAdded struct {
	ContentIndex    int        `json:"content_index"`
	AnnotationIndex int        `json:"annotation_index"`
	Annotation      Annotation `json:"annotation"`
}

// ContentPartDone replaces the part at ContentIndex with its final value.
type ContentPartDone struct {
	ContentIndex int              `json:"content_index"`
	Content      AssistantContent `json:"content"`
}

func (*WidgetTextDelta) UpdateType() string            { return UpdateWidgetTextDelta }
func (*WidgetRootReplaced) UpdateType() string         { return UpdateWidgetRootReplaced }
func (*ContentPartAdded) UpdateType() string           { return UpdateContentPartAdded }
func (*ContentPartTextDelta) UpdateType() string       { return UpdateContentPartTextDelta }
func (*ContentPartAnnotationAdded) UpdateType() string { return UpdateContentPartAnnotated }
func (*ContentPartDone) UpdateType() string            { return UpdateContentPartDone }

// UpdateFromWidgetDelta converts a diff-engine delta into its wire shape.
func UpdateFromWidgetDelta(d widget.Delta) ItemUpdate {
	switch dd := d.(type) {
	case widget.StreamingTextDelta:
		return &WidgetTextDelta{ComponentID: dd.ComponentID, Delta: dd.Delta, Done: dd.Done}
	case widget.RootUpdated:
		return &WidgetRootReplaced{Widget: dd.Widget}
	default:
		return nil
	}
}

func (u *WidgetTextDelta) MarshalJSON() ([]byte, error) {
	type alias WidgetTextDelta
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: UpdateWidgetTextDelta, alias: (*alias)(u)})
}

func (u *WidgetRootReplaced) MarshalJSON() ([]byte, error) {
	type alias WidgetRootReplaced
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: UpdateWidgetRootReplaced, alias: (*alias)(u)})
}

func (u *WidgetRootReplaced) UnmarshalJSON(data []byte) error {
	aux := struct {
		Widget json.RawMessage `json:"widget"`
	}{}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Widget) > 0 && string(aux.Widget) != "null" {
		node, err := widget.UnmarshalNode(aux.Widget)
		if err != nil {
			return err
		}
		u.Widget = node
	}
	return nil
}

func (u *ContentPartAdded) MarshalJSON() ([]byte, error) {
	type alias ContentPartAdded
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: UpdateContentPartAdded, alias: (*alias)(u)})
}

func (u *ContentPartTextDelta) MarshalJSON() ([]byte, error) {
	type alias ContentPartTextDelta
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: UpdateContentPartTextDelta, alias: (*alias)(u)})
}

func (u *ContentPartAnnotationAdded) MarshalJSON() ([]byte, error) {
	type alias ContentPartAnnotationAdded
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: UpdateContentPartAnnotated, alias: (*alias)(u)})
}

func (u *ContentPartDone) MarshalJSON() ([]byte, error) {
	type alias ContentPartDone
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: UpdateContentPartDone, alias: (*alias)(u)})
}

// UnmarshalItemUpdate decodes an item update from its tagged JSON form.
func UnmarshalItemUpdate(data []byte) (ItemUpdate, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "decode item update envelope")
	}
	var u ItemUpdate
	switch env.Type {
	case UpdateWidgetTextDelta:
		u = &WidgetTextDelta{}
	case UpdateWidgetRootReplaced:
		u = &WidgetRootReplaced{}
	case UpdateContentPartAdded:
		u = &ContentPartAdded{}
	case UpdateContentPartTextDelta:
		u = &ContentPartTextDelta{}
	case UpdateContentPartAnnotated:
		u = &ContentPartAnnotationAdded{}
	case UpdateContentPartDone:
		u = &ContentPartDone{}
	default:
		return nil, errors.Errorf("unknown item update type %q", env.Type)
	}
	if err := json.Unmarshal(data, u); err != nil {
		return nil, errors.Wrapf(err, "decode %s update", env.Type)
	}
	return u, nil
}

// MarshalEvent encodes an event as one wire frame with its type tag.
func MarshalEvent(e Event) ([]byte, error) {
	if e == nil {
		return nil, errors.New("marshal event: nil event")
	}
	return json.Marshal(e)
}

func (e *ThreadCreated) MarshalJSON() ([]byte, error) {
	type alias ThreadCreated
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: EventThreadCreated, alias: (*alias)(e)})
}

func (e *ThreadUpdated) MarshalJSON() ([]byte, error) {
	type alias ThreadUpdated
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: EventThreadUpdated, alias: (*alias)(e)})
}

func (e *ItemAdded) MarshalJSON() ([]byte, error) {
	type alias ItemAdded
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: EventItemAdded, alias: (*alias)(e)})
}

func (e *ItemUpdated) MarshalJSON() ([]byte, error) {
	type alias ItemUpdated
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: EventItemUpdated, alias: (*alias)(e)})
}

func (e *ItemDone) MarshalJSON() ([]byte, error) {
	type alias ItemDone
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: EventItemDone, alias: (*alias)(e)})
}

func (e *ItemRemoved) MarshalJSON() ([]byte, error) {
	type alias ItemRemoved
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: EventItemRemoved, alias: (*alias)(e)})
}

func (e *ItemReplaced) MarshalJSON() ([]byte, error) {
	type alias ItemReplaced
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: EventItemReplaced, alias: (*alias)(e)})
}

func (e *StreamOptions) MarshalJSON() ([]byte, error) {
	type alias StreamOptions
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: EventStreamOptions, alias: (*alias)(e)})
}

func (e *ProgressUpdate) MarshalJSON() ([]byte, error) {
	type alias ProgressUpdate
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: EventProgressUpdate, alias: (*alias)(e)})
}

func (e *ClientEffect) MarshalJSON() ([]byte, error) {
	type alias ClientEffect
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: EventClientEffect, alias: (*alias)(e)})
}

func (e *ErrorEvent) MarshalJSON() ([]byte, error) {
	type alias ErrorEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: EventError, alias: (*alias)(e)})
}

// UnmarshalEvent decodes one wire frame back into an event. Item payloads and
// update payloads are decoded through their own tagged unions.
func UnmarshalEvent(data []byte) (Event, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "decode event envelope")
	}
	switch env.Type {
	case EventThreadCreated:
		e := &ThreadCreated{}
		return e, json.Unmarshal(data, e)
	case EventThreadUpdated:
		aux := struct {
			Thread *Thread           `json:"thread"`
			Items  []json.RawMessage `json:"items"`
		}{}
		if err := json.Unmarshal(data, &aux); err != nil {
			return nil, err
		}
		items := make([]Item, 0, len(aux.Items))
		for _, raw := range aux.Items {
			item, err := UnmarshalItem(raw)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return &ThreadUpdated{Thread: aux.Thread, Items: items}, nil
	case EventItemAdded, EventItemDone, EventItemReplaced:
		aux := struct {
			Item json.RawMessage `json:"item"`
		}{}
		if err := json.Unmarshal(data, &aux); err != nil {
			return nil, err
		}
		item, err := UnmarshalItem(aux.Item)
		if err != nil {
			return nil, err
		}
		switch env.Type {
		case EventItemAdded:
			return &ItemAdded{Item: item}, nil
		case EventItemDone:
			return &ItemDone{Item: item}, nil
		default:
			return &ItemReplaced{Item: item}, nil
		}
	case EventItemUpdated:
		aux := struct {
			ItemID string          `json:"item_id"`
			Update json.RawMessage `json:"update"`
		}{}
		if err := json.Unmarshal(data, &aux); err != nil {
			return nil, err
		}
		update, err := UnmarshalItemUpdate(aux.Update)
		if err != nil {
			return nil, err
		}
		return &ItemUpdated{ItemID: aux.ItemID, Update: update}, nil
	case EventItemRemoved:
		e := &ItemRemoved{}
		return e, json.Unmarshal(data, e)
	case EventStreamOptions:
		e := &StreamOptions{}
		return e, json.Unmarshal(data, e)
	case EventProgressUpdate:
		e := &ProgressUpdate{}
		return e, json.Unmarshal(data, e)
	case EventClientEffect:
		e := &ClientEffect{}
		return e, json.Unmarshal(data, e)
	case EventError:
		e := &ErrorEvent{}
		return e, json.Unmarshal(data, e)
	default:
		return nil, errors.Errorf("unknown event type %q", env.Type)
	}
}
