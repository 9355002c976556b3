package protocol

import (
	"github.com/pkg/errors"

	"github.com/go-go-golems/marionette/pkg/widget"
)

// ApplyItemUpdate folds one incremental update into an in-memory item.
//
// Assistant-message sub-updates mutate the item's content parts according to
// the accumulation rules: a content index past the end pads the part list
// with empty text parts, added/done replace the addressed part outright,
// text deltas append, and annotation additions insert at the annotation
// index (or append when the index is past the end).
//
// Widget deltas are also applied so that replaying added+updated events
// reconstructs the done snapshot, though the coordinator treats them as
// informational only.
func ApplyItemUpdate(item Item, update ItemUpdate) error {
	if item == nil {
		return errors.New("apply item update: nil item")
	}
	if update == nil {
		return errors.New("apply item update: nil update")
	}
	switch u := update.(type) {
	case *ContentPartAdded:
		msg, err := assistantMessage(item)
		if err != nil {
			return err
		}
		padContent(msg, u.ContentIndex)
		msg.Content[u.ContentIndex] = u.Content
	case *ContentPartDone:
		msg, err := assistantMessage(item)
		if err != nil {
			return err
		}
		padContent(msg, u.ContentIndex)
		msg.Content[u.ContentIndex] = u.Content
	case *ContentPartTextDelta:
		msg, err := assistantMessage(item)
		if err != nil {
			return err
		}
		padContent(msg, u.ContentIndex)
		msg.Content[u.ContentIndex].Text += u.Delta
	case *ContentPartAnnotationAdded:
		msg, err := assistantMessage(item)
		if err != nil {
			return err
		}
		padContent(msg, u.ContentIndex)
		part := &msg.Content[u.ContentIndex]
		if u.AnnotationIndex >= len(part.Annotations) {
			part.Annotations = append(part.Annotations, u.Annotation)
		} else {
			idx := u.AnnotationIndex
			if idx < 0 {
				idx = 0
			}
			part.Annotations = append(part.Annotations[:idx], append([]Annotation{u.Annotation}, part.Annotations[idx:]...)...)
		}
	case *WidgetTextDelta:
		w, err := widgetItem(item)
		if err != nil {
			return err
		}
		next, err := widget.ApplyDelta(w.Widget, widget.StreamingTextDelta{
			ComponentID: u.ComponentID,
			Delta:       u.Delta,
			Done:        u.Done,
		})
		if err != nil {
			return err
		}
		w.Widget = next
	case *WidgetRootReplaced:
		w, err := widgetItem(item)
		if err != nil {
			return err
		}
		w.Widget = u.Widget
	default:
		return errors.Errorf("apply item update: unknown update type %T", update)
	}
	return nil
}

func assistantMessage(item Item) (*AssistantMessageItem, error) {
	msg, ok := item.(*AssistantMessageItem)
	if !ok {
		return nil, errors.Errorf("apply item update: content-part update on %s item", item.Kind())
	}
	return msg, nil
}

func widgetItem(item Item) (*WidgetItem, error) {
	w, ok := item.(*WidgetItem)
	if !ok {
		return nil, errors.Errorf("apply item update: widget update on %s item", item.Kind())
	}
	return w, nil
}

func padContent(msg *AssistantMessageItem, index int) {
	for len(msg.Content) <= index {
		msg.Content = append(msg.Content, AssistantContent{})
	}
}

// AssistantText concatenates the text of all content parts.
func AssistantText(msg *AssistantMessageItem) string {
	out := ""
	for _, part := range msg.Content {
		out += part.Text
	}
	return out
}
