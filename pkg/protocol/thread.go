package protocol

import "time"

// ThreadState enumerates the lifecycle states of a thread.
type ThreadState string

const (
	ThreadActive ThreadState = "active"
	ThreadLocked ThreadState = "locked"
	ThreadClosed ThreadState = "closed"
)

// ThreadStatus carries the state plus a human-readable reason for closure.
type ThreadStatus struct {
	State  ThreadState `json:"state"`
	Reason string      `json:"reason,omitempty"`
}

// Thread is the durable conversation container. Items are stored and paged
// separately; a Thread value only carries metadata.
type Thread struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Status    ThreadStatus   `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Clone returns a copy of the thread with its own metadata map.
func (t *Thread) Clone() *Thread {
	if t == nil {
		return nil
	}
	out := *t
	if t.Metadata != nil {
		out.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Attachment is file metadata tracked by the store. Binary payloads live in
// an external blob store and are referenced by URL only.
type Attachment struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	MimeType   string `json:"mime_type"`
	Size       int64  `json:"size,omitempty"`
	PreviewURL string `json:"preview_url,omitempty"`
	UploadURL  string `json:"upload_url,omitempty"`
}
