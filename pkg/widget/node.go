package widget

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Node is a single node in a declarative widget tree. The set of node kinds
// is closed; diffing and serialization switch exhaustively over it.
//
// Nodes carry two identity fields: ID is a stable component identity used to
// address a node across snapshots for incremental text updates, Key is a
// structural identity hint. Both are optional.
type Node interface {
	NodeType() string
	NodeID() string
	NodeKey() string
}

// Node type discriminators as they appear on the wire.
const (
	TypeCard     = "card"
	TypeListView = "list_view"
	TypeBox      = "box"
	TypeText     = "text"
	TypeMarkdown = "markdown"
	TypeTitle    = "title"
	TypeBadge    = "badge"
	TypeButton   = "button"
	TypeDivider  = "divider"
	TypeImage    = "image"
)

// Card is a root container.
type Card struct {
	ID       string `json:"id,omitempty"`
	Key      string `json:"key,omitempty"`
	Size     string `json:"size,omitempty"`
	Children []Node `json:"children"`
}

// ListView is a root container rendering its children as a vertical list.
type ListView struct {
	ID       string `json:"id,omitempty"`
	Key      string `json:"key,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Children []Node `json:"children"`
}

// Box is a generic layout container.
type Box struct {
	ID        string `json:"id,omitempty"`
	Key       string `json:"key,omitempty"`
	Direction string `json:"direction,omitempty"`
	Gap       int    `json:"gap,omitempty"`
	Align     string `json:"align,omitempty"`
	Children  []Node `json:"children"`
}

// Text is a streaming-capable text leaf. While Streaming is true, Value only
// ever grows by appending; a later snapshot must present a strict prefix
// extension of the earlier one.
type Text struct {
	ID        string `json:"id,omitempty"`
	Key       string `json:"key,omitempty"`
	Value     string `json:"value"`
	Streaming bool   `json:"streaming,omitempty"`
	Italic    bool   `json:"italic,omitempty"`
	Size      string `json:"size,omitempty"`
}

// Markdown is a streaming-capable markdown leaf with the same cumulative
// value contract as Text.
type Markdown struct {
	ID        string `json:"id,omitempty"`
	Key       string `json:"key,omitempty"`
	Value     string `json:"value"`
	Streaming bool   `json:"streaming,omitempty"`
}

// Title is a static heading. Its text is compared exactly; it does not
// participate in streaming updates.
type Title struct {
	ID   string `json:"id,omitempty"`
	Key  string `json:"key,omitempty"`
	Text string `json:"text"`
	Size string `json:"size,omitempty"`
}

// Badge is a small status label.
type Badge struct {
	ID    string `json:"id,omitempty"`
	Key   string `json:"key,omitempty"`
	Label string `json:"label"`
	Color string `json:"color,omitempty"`
}

// Button triggers a client-side action. The action payload is opaque to the
// diff engine and compared by deep equality.
type Button struct {
	ID     string         `json:"id,omitempty"`
	Key    string         `json:"key,omitempty"`
	Label  string         `json:"label"`
	Style  string         `json:"style,omitempty"`
	Action map[string]any `json:"action,omitempty"`
}

// Divider is a horizontal rule.
type Divider struct {
	ID      string `json:"id,omitempty"`
	Key     string `json:"key,omitempty"`
	Spacing int    `json:"spacing,omitempty"`
}

// Image embeds a static image by URL.
type Image struct {
	ID  string `json:"id,omitempty"`
	Key string `json:"key,omitempty"`
	URL string `json:"url"`
	Alt string `json:"alt,omitempty"`
}

func (n *Card) NodeType() string     { return TypeCard }
func (n *ListView) NodeType() string { return TypeListView }
func (n *Box) NodeType() string      { return TypeBox }
func (n *Text) NodeType() string     { return TypeText }
func (n *Markdown) NodeType() string { return TypeMarkdown }
func (n *Title) NodeType() string    { return TypeTitle }
func (n *Badge) NodeType() string    { return TypeBadge }
func (n *Button) NodeType() string   { return TypeButton }
func (n *Divider) NodeType() string  { return TypeDivider }
func (n *Image) NodeType() string    { return TypeImage }

func (n *Card) NodeID() string     { return n.ID }
func (n *ListView) NodeID() string { return n.ID }
func (n *Box) NodeID() string      { return n.ID }
func (n *Text) NodeID() string     { return n.ID }
func (n *Markdown) NodeID() string { return n.ID }
func (n *Title) NodeID() string    { return n.ID }
func (n *Badge) NodeID() string    { return n.ID }
func (n *Button) NodeID() string   { return n.ID }
func (n *Divider) NodeID() string  { return n.ID }
func (n *Image) NodeID() string    { return n.ID }

func (n *Card) NodeKey() string     { return n.Key }
func (n *ListView) NodeKey() string { return n.Key }
func (n *Box) NodeKey() string      { return n.Key }
func (n *Text) NodeKey() string     { return n.Key }
func (n *Markdown) NodeKey() string { return n.Key }
func (n *Title) NodeKey() string    { return n.Key }
func (n *Badge) NodeKey() string    { return n.Key }
func (n *Button) NodeKey() string   { return n.Key }
func (n *Divider) NodeKey() string  { return n.Key }
func (n *Image) NodeKey() string    { return n.Key }

// IsRoot reports whether n may be used as the top-level node of a widget item.
func IsRoot(n Node) bool {
	switch n.(type) {
	case *Card, *ListView:
		return true
	default:
		return false
	}
}

// Children returns the child list of a container node, or nil for leaves.
func Children(n Node) []Node {
	switch c := n.(type) {
	case *Card:
		return c.Children
	case *ListView:
		return c.Children
	case *Box:
		return c.Children
	default:
		return nil
	}
}

// Clone returns a deep copy of n.
func Clone(n Node) Node {
	if n == nil {
		return nil
	}
	switch c := n.(type) {
	case *Card:
		out := *c
		out.Children = cloneChildren(c.Children)
		return &out
	case *ListView:
		out := *c
		out.Children = cloneChildren(c.Children)
		return &out
	case *Box:
		out := *c
		out.Children = cloneChildren(c.Children)
		return &out
	case *Text:
		out := *c
		return &out
	case *Markdown:
		out := *c
		return &out
	case *Title:
		out := *c
		return &out
	case *Badge:
		out := *c
		return &out
	case *Button:
		out := *c
		out.Action = cloneMap(c.Action)
		return &out
	case *Divider:
		out := *c
		return &out
	case *Image:
		out := *c
		return &out
	default:
		return nil
	}
}

func cloneChildren(children []Node) []Node {
	if children == nil {
		return nil
	}
	out := make([]Node, len(children))
	for i, ch := range children {
		out[i] = Clone(ch)
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

type nodeEnvelope struct {
	Type string `json:"type"`
}

// UnmarshalNode decodes a single node from its tagged JSON form.
func UnmarshalNode(data []byte) (Node, error) {
	var env nodeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "decode node envelope")
	}
	var n Node
	switch env.Type {
	case TypeCard:
		n = &Card{}
	case TypeListView:
		n = &ListView{}
	case TypeBox:
		n = &Box{}
	case TypeText:
		n = &Text{}
	case TypeMarkdown:
		n = &Markdown{}
	case TypeTitle:
		n = &Title{}
	case TypeBadge:
		n = &Badge{}
	case TypeButton:
		n = &Button{}
	case TypeDivider:
		n = &Divider{}
	case TypeImage:
		n = &Image{}
	default:
		return nil, errors.Errorf("unknown node type %q", env.Type)
	}
	if err := json.Unmarshal(data, n); err != nil {
		return nil, errors.Wrapf(err, "decode %s node", env.Type)
	}
	return n, nil
}

// MarshalNode encodes a node with its type tag.
func MarshalNode(n Node) ([]byte, error) {
	if n == nil {
		return []byte("null"), nil
	}
	return json.Marshal(n)
}

func (n *Card) MarshalJSON() ([]byte, error) {
	type alias Card
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: TypeCard, alias: (*alias)(n)})
}

func (n *ListView) MarshalJSON() ([]byte, error) {
	type alias ListView
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: TypeListView, alias: (*alias)(n)})
}

func (n *Box) MarshalJSON() ([]byte, error) {
	type alias Box
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: TypeBox, alias: (*alias)(n)})
}

func (n *Text) MarshalJSON() ([]byte, error) {
	type alias Text
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: TypeText, alias: (*alias)(n)})
}

func (n *Markdown) MarshalJSON() ([]byte, error) {
	type alias Markdown
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: TypeMarkdown, alias: (*alias)(n)})
}

func (n *Title) MarshalJSON() ([]byte, error) {
	type alias Title
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: TypeTitle, alias: (*alias)(n)})
}

func (n *Badge) MarshalJSON() ([]byte, error) {
	type alias Badge
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: TypeBadge, alias: (*alias)(n)})
}

func (n *Button) MarshalJSON() ([]byte, error) {
	type alias Button
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: TypeButton, alias: (*alias)(n)})
}

func (n *Divider) MarshalJSON() ([]byte, error) {
	type alias Divider
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: TypeDivider, alias: (*alias)(n)})
}

func (n *Image) MarshalJSON() ([]byte, error) {
	type alias Image
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{Type: TypeImage, alias: (*alias)(n)})
}

func unmarshalChildren(raw []json.RawMessage) ([]Node, error) {
	if raw == nil {
		return nil, nil
	}
	out := make([]Node, 0, len(raw))
	for _, r := range raw {
		child, err := UnmarshalNode(r)
		if err != nil {
			return nil, err
		}
		out = append(out, child)
	}
	return out, nil
}

func (n *Card) UnmarshalJSON(data []byte) error {
	type alias Card
	aux := struct {
		*alias
		Children []json.RawMessage `json:"children"`
	}{alias: (*alias)(n)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	children, err := unmarshalChildren(aux.Children)
	if err != nil {
		return err
	}
	n.Children = children
	return nil
}

func (n *ListView) UnmarshalJSON(data []byte) error {
	type alias ListView
	aux := struct {
		*alias
		Children []json.RawMessage `json:"children"`
	}{alias: (*alias)(n)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	children, err := unmarshalChildren(aux.Children)
	if err != nil {
		return err
	}
	n.Children = children
	return nil
}

func (n *Box) UnmarshalJSON(data []byte) error {
	type alias Box
	aux := struct {
		*alias
		Children []json.RawMessage `json:"children"`
	}{alias: (*alias)(n)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	children, err := unmarshalChildren(aux.Children)
	if err != nil {
		return err
	}
	n.Children = children
	return nil
}
