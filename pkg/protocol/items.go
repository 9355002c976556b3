package protocol

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/marionette/pkg/widget"
)

// ItemKind discriminates the thread item union on the wire.
type ItemKind string

const (
	ItemKindUserMessage      ItemKind = "user_message"
	ItemKindAssistantMessage ItemKind = "assistant_message"
	ItemKindWidget           ItemKind = "widget"
	ItemKindClientToolCall   ItemKind = "client_tool_call"
	ItemKindHiddenContext    ItemKind = "hidden_context"
	ItemKindAgentContext     ItemKind = "agent_context"
	ItemKindWorkflow         ItemKind = "workflow"
	ItemKindTask             ItemKind = "task"
	ItemKindAttachment       ItemKind = "attachment"
)

// IsHiddenKind reports whether items of this kind are persisted but never
// forwarded to clients.
func IsHiddenKind(k ItemKind) bool {
	return k == ItemKindHiddenContext || k == ItemKindAgentContext
}

// ItemBase carries the fields shared by every thread item.
type ItemBase struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Item is one entry in a thread's conversation log. The set of kinds is
// closed; consumers switch exhaustively.
type Item interface {
	Base() *ItemBase
	Kind() ItemKind
}

// UserMessageItem is an end-user message. It is complete on creation.
type UserMessageItem struct {
	ItemBase
	Text        string       `json:"text"`
	QuotedText  string       `json:"quoted_text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Annotation decorates a span of assistant output, e.g. a source citation.
type Annotation struct {
	Type  string `json:"type"`
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
}

// AssistantContent is one ordered content part of an assistant message.
type AssistantContent struct {
	Text        string       `json:"text"`
	Annotations []Annotation `json:"annotations,omitempty"`
}

// AssistantMessageItem accumulates streamed assistant output.
type AssistantMessageItem struct {
	ItemBase
	Content []AssistantContent `json:"content"`
}

// WidgetItem wraps one widget tree plus optional copyable text.
type WidgetItem struct {
	ItemBase
	Widget   widget.Node `json:"widget"`
	CopyText string      `json:"copy_text,omitempty"`
}

// ToolCallStatus tracks a client tool call through its two states.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallCompleted ToolCallStatus = "completed"
)

// ClientToolCallItem records a tool invocation delegated to the client.
type ClientToolCallItem struct {
	ItemBase
	Status    ToolCallStatus `json:"status"`
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Output    any            `json:"output,omitempty"`
}

// HiddenContextItem carries free-form context forward without ever being
// shown to the client.
type HiddenContextItem struct {
	ItemBase
	Content string `json:"content"`
}

// AgentContextItem is the second hidden flavor: structured context attached
// by the application rather than the engine.
type AgentContextItem struct {
	ItemBase
	Context map[string]any `json:"context,omitempty"`
}

// Task is a single unit of agent work surfaced to the client.
type Task struct {
	Type    string `json:"type"`
	Heading string `json:"heading,omitempty"`
	Content string `json:"content,omitempty"`
}

// Workflow groups tasks under a summary.
type Workflow struct {
	Type     string `json:"type"`
	Summary  string `json:"summary,omitempty"`
	Tasks    []Task `json:"tasks,omitempty"`
	Expanded bool   `json:"expanded,omitempty"`
}

// WorkflowItem surfaces a workflow in the thread.
type WorkflowItem struct {
	ItemBase
	Workflow Workflow `json:"workflow"`
}

// TaskItem surfaces a standalone task in the thread.
type TaskItem struct {
	ItemBase
	Task Task `json:"task"`
}

// AttachmentItem records attachments added outside a user message.
type AttachmentItem struct {
	ItemBase
	Attachments []Attachment `json:"attachments"`
}

func (i *UserMessageItem) Base() *ItemBase      { return &i.ItemBase }
func (i *AssistantMessageItem) Base() *ItemBase { return &i.ItemBase }
func (i *WidgetItem) Base() *ItemBase           { return &i.ItemBase }
func (i *ClientToolCallItem) Base() *ItemBase   { return &i.ItemBase }
func (i *HiddenContextItem) Base() *ItemBase    { return &i.ItemBase }
func (i *AgentContextItem) Base() *ItemBase     { return &i.ItemBase }
func (i *WorkflowItem) Base() *ItemBase         { return &i.ItemBase }
func (i *TaskItem) Base() *ItemBase             { return &i.ItemBase }
func (i *AttachmentItem) Base() *ItemBase       { return &i.ItemBase }

func (i *UserMessageItem) Kind() ItemKind      { return ItemKindUserMessage }
func (i *AssistantMessageItem) Kind() ItemKind { return ItemKindAssistantMessage }
func (i *WidgetItem) Kind() ItemKind           { return ItemKindWidget }
func (i *ClientToolCallItem) Kind() ItemKind   { return ItemKindClientToolCall }
func (i *HiddenContextItem) Kind() ItemKind    { return ItemKindHiddenContext }
func (i *AgentContextItem) Kind() ItemKind     { return ItemKindAgentContext }
func (i *WorkflowItem) Kind() ItemKind         { return ItemKindWorkflow }
func (i *TaskItem) Kind() ItemKind             { return ItemKindTask }
func (i *AttachmentItem) Kind() ItemKind       { return ItemKindAttachment }

// MarshalItem encodes an item with its kind tag.
func MarshalItem(i Item) ([]byte, error) {
	if i == nil {
		return []byte("null"), nil
	}
	return json.Marshal(i)
}

// UnmarshalItem decodes a single item from its tagged JSON form.
func UnmarshalItem(data []byte) (Item, error) {
	var env struct {
		Type ItemKind `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "decode item envelope")
	}
	var item Item
	switch env.Type {
	case ItemKindUserMessage:
		item = &UserMessageItem{}
	case ItemKindAssistantMessage:
		item = &AssistantMessageItem{}
	case ItemKindWidget:
		item = &WidgetItem{}
	case ItemKindClientToolCall:
		item = &ClientToolCallItem{}
	case ItemKindHiddenContext:
		item = &HiddenContextItem{}
	case ItemKindAgentContext:
		item = &AgentContextItem{}
	case ItemKindWorkflow:
		item = &WorkflowItem{}
	case ItemKindTask:
		item = &TaskItem{}
	case ItemKindAttachment:
		item = &AttachmentItem{}
	default:
		return nil, errors.Errorf("unknown item kind %q", env.Type)
	}
	if err := json.Unmarshal(data, item); err != nil {
		return nil, errors.Wrapf(err, "decode %s item", env.Type)
	}
	return item, nil
}

func (i *UserMessageItem) MarshalJSON() ([]byte, error) {
	type alias UserMessageItem
	return json.Marshal(struct {
		Type ItemKind `json:"type"`
		*alias
	}{Type: ItemKindUserMessage, alias: (*alias)(i)})
}

func (i *AssistantMessageItem) MarshalJSON() ([]byte, error) {
	type alias AssistantMessageItem
	return json.Marshal(struct {
		Type ItemKind `json:"type"`
		*alias
	}{Type: ItemKindAssistantMessage, alias: (*alias)(i)})
}

func (i *WidgetItem) MarshalJSON() ([]byte, error) {
	type alias WidgetItem
	return json.Marshal(struct {
		Type ItemKind `json:"type"`
		*alias
	}{Type: ItemKindWidget, alias: (*alias)(i)})
}

func (i *WidgetItem) UnmarshalJSON(data []byte) error {
	type alias WidgetItem
	aux := struct {
		*alias
		Widget json.RawMessage `json:"widget"`
	}{alias: (*alias)(i)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Widget) > 0 && string(aux.Widget) != "null" {
		node, err := widget.UnmarshalNode(aux.Widget)
		if err != nil {
			return err
		}
		i.Widget = node
	}
	return nil
}

func (i *ClientToolCallItem) MarshalJSON() ([]byte, error) {
	type alias ClientToolCallItem
	return json.Marshal(struct {
		Type ItemKind `json:"type"`
		*alias
	}{Type: ItemKindClientToolCall, alias: (*alias)(i)})
}

func (i *HiddenContextItem) MarshalJSON() ([]byte, error) {
	type alias HiddenContextItem
	return json.Marshal(struct {
		Type ItemKind `json:"type"`
		*alias
	}{Type: ItemKindHiddenContext, alias: (*alias)(i)})
}

func (i *AgentContextItem) MarshalJSON() ([]byte, error) {
	type alias AgentContextItem
	return json.Marshal(struct {
		Type ItemKind `json:"type"`
		*alias
	}{Type: ItemKindAgentContext, alias: (*alias)(i)})
}

func (i *WorkflowItem) MarshalJSON() ([]byte, error) {
	type alias WorkflowItem
	return json.Marshal(struct {
		Type ItemKind `json:"type"`
		*alias
	}{Type: ItemKindWorkflow, alias: (*alias)(i)})
}

func (i *TaskItem) MarshalJSON() ([]byte, error) {
	type alias TaskItem
	return json.Marshal(struct {
		Type ItemKind `json:"type"`
		*alias
	}{Type: ItemKindTask, alias: (*alias)(i)})
}

func (i *AttachmentItem) MarshalJSON() ([]byte, error) {
	type alias AttachmentItem
	return json.Marshal(struct {
		Type ItemKind `json:"type"`
		*alias
	}{Type: ItemKindAttachment, alias: (*alias)(i)})
}

// CloneItem returns a deep copy of an item via its wire form. The coordinator
// clones items entering the pending set so turn sources cannot mutate state
// behind its back.
func CloneItem(i Item) (Item, error) {
	if i == nil {
		return nil, nil
	}
	b, err := MarshalItem(i)
	if err != nil {
		return nil, errors.Wrap(err, "clone item: marshal")
	}
	out, err := UnmarshalItem(b)
	if err != nil {
		return nil, errors.Wrap(err, "clone item: unmarshal")
	}
	return out, nil
}
