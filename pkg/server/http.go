package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/protocol"
	"github.com/go-go-golems/marionette/pkg/store"
)

// API exposes the engine over HTTP. Turn endpoints stream server-sent
// events; admin endpoints return plain JSON.
type API struct {
	router *Router
	store  store.Store
	hub    *Hub
}

func NewAPI(router *Router, st store.Store, hub *Hub) *API {
	return &API{router: router, store: st, hub: hub}
}

// Register mounts all routes on the given mux router.
func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/threads", a.handleCreateThread).Methods(http.MethodPost)
	r.HandleFunc("/threads", a.handleListThreads).Methods(http.MethodGet)
	r.HandleFunc("/threads/{threadID}", a.handleGetThread).Methods(http.MethodGet)
	r.HandleFunc("/threads/{threadID}", a.handleUpdateThread).Methods(http.MethodPost)
	r.HandleFunc("/threads/{threadID}", a.handleDeleteThread).Methods(http.MethodDelete)
	r.HandleFunc("/threads/{threadID}/items", a.handleListItems).Methods(http.MethodGet)
	r.HandleFunc("/threads/{threadID}/messages", a.handleAddMessage).Methods(http.MethodPost)
	r.HandleFunc("/threads/{threadID}/tool_output", a.handleToolOutput).Methods(http.MethodPost)
	r.HandleFunc("/threads/{threadID}/retry", a.handleRetry).Methods(http.MethodPost)
	r.HandleFunc("/threads/{threadID}/actions", a.handleAction).Methods(http.MethodPost)
	r.HandleFunc("/threads/{threadID}/feedback", a.handleFeedback).Methods(http.MethodPost)
	r.HandleFunc("/threads/{threadID}/watch", a.handleWatch).Methods(http.MethodGet)
	r.HandleFunc("/attachments", a.handleCreateAttachment).Methods(http.MethodPost)
	r.HandleFunc("/attachments/{attachmentID}", a.handleDeleteAttachment).Methods(http.MethodDelete)
}

func (a *API) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var input UserMessageInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, err)
		return
	}
	turn, err := a.router.CreateThread(r.Context(), input)
	if err != nil {
		writeError(w, err)
		return
	}
	a.streamTurn(w, r, turn)
}

func (a *API) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	var input UserMessageInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, err)
		return
	}
	turn, err := a.router.AddUserMessage(r.Context(), mux.Vars(r)["threadID"], input)
	if err != nil {
		writeError(w, err)
		return
	}
	a.streamTurn(w, r, turn)
}

func (a *API) handleToolOutput(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Output any `json:"output"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	turn, err := a.router.AddClientToolOutput(r.Context(), mux.Vars(r)["threadID"], body.Output)
	if err != nil {
		writeError(w, err)
		return
	}
	a.streamTurn(w, r, turn)
}

func (a *API) handleRetry(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ItemID string `json:"item_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.ItemID == "" {
		writeError(w, errors.Wrap(ErrInvalidRequest, "item_id is required"))
		return
	}
	turn, err := a.router.RetryAfterItem(r.Context(), mux.Vars(r)["threadID"], body.ItemID)
	if err != nil {
		writeError(w, err)
		return
	}
	a.streamTurn(w, r, turn)
}

func (a *API) handleAction(w http.ResponseWriter, r *http.Request) {
	var action Action
	if err := decodeBody(r, &action); err != nil {
		writeError(w, err)
		return
	}
	if action.Type == "" {
		writeError(w, errors.Wrap(ErrInvalidRequest, "action type is required"))
		return
	}
	turn, err := a.router.CustomAction(r.Context(), mux.Vars(r)["threadID"], action)
	if err != nil {
		writeError(w, err)
		return
	}
	a.streamTurn(w, r, turn)
}

// streamTurn writes the turn as server-sent events. A write failure or client
// disconnect stops iteration and fires the cancellation hook exactly once.
func (a *API) streamTurn(w http.ResponseWriter, r *http.Request, turn *Turn) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming unsupported by connection"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	interrupted := false
	for ev, err := range turn.Events {
		if err != nil {
			// stream-level failure after headers went out; nothing more to send
			log.Error().Err(err).Str("thread_id", turn.ThreadID).Msg("turn stream failed")
			interrupted = true
			break
		}
		frame, err := protocol.MarshalEvent(ev)
		if err != nil {
			log.Error().Err(err).Str("thread_id", turn.ThreadID).Msg("event encode failed")
			interrupted = true
			break
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			interrupted = true
			break
		}
		if _, err := w.Write(frame); err != nil {
			interrupted = true
			break
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			interrupted = true
			break
		}
		flusher.Flush()
		a.hub.Publish(turn.ThreadID, frame)
		select {
		case <-r.Context().Done():
			interrupted = true
		default:
		}
		if interrupted {
			break
		}
	}

	if interrupted && turn.CancelHook != nil {
		// the request context is already dead; give the hook its own deadline
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := turn.CancelHook(ctx); err != nil {
			log.Error().Err(err).Str("thread_id", turn.ThreadID).Msg("cancellation hook failed")
		}
	}
}

func (a *API) handleListThreads(w http.ResponseWriter, r *http.Request) {
	after, limit, order := pageParams(r)
	page, err := a.store.ListThreads(r.Context(), after, limit, order)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleGetThread(w http.ResponseWriter, r *http.Request) {
	th, err := a.store.LoadThread(r.Context(), mux.Vars(r)["threadID"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, th)
}

func (a *API) handleUpdateThread(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title    *string                `json:"title,omitempty"`
		Status   *protocol.ThreadStatus `json:"status,omitempty"`
		Metadata map[string]any         `json:"metadata,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	th, err := a.store.LoadThread(r.Context(), mux.Vars(r)["threadID"])
	if err != nil {
		writeError(w, err)
		return
	}
	if body.Title != nil {
		th.Title = *body.Title
	}
	if body.Status != nil {
		switch body.Status.State {
		case protocol.ThreadActive, protocol.ThreadLocked, protocol.ThreadClosed:
			th.Status = *body.Status
		default:
			writeError(w, errors.Wrapf(ErrInvalidRequest, "unknown thread state %q", body.Status.State))
			return
		}
	}
	if body.Metadata != nil {
		th.Metadata = body.Metadata
	}
	if err := a.store.SaveThread(r.Context(), th); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, th)
}

func (a *API) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteThread(r.Context(), mux.Vars(r)["threadID"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListItems(w http.ResponseWriter, r *http.Request) {
	after, limit, order := pageParams(r)
	page, err := a.store.LoadItems(r.Context(), mux.Vars(r)["threadID"], after, limit, order)
	if err != nil {
		writeError(w, err)
		return
	}
	// hidden kinds never leave the server
	visible := page.Items[:0:0]
	for _, item := range page.Items {
		if protocol.IsHiddenKind(item.Kind()) {
			continue
		}
		visible = append(visible, item)
	}
	page.Items = visible
	writeJSON(w, http.StatusOK, page)
}

// handleFeedback records client feedback about items as hidden agent context,
// so later turns can see it without it ever reaching other clients.
func (a *API) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ItemIDs []string `json:"item_ids"`
		Kind    string   `json:"kind"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Kind != "positive" && body.Kind != "negative" {
		writeError(w, errors.Wrapf(ErrInvalidRequest, "unknown feedback kind %q", body.Kind))
		return
	}
	threadID := mux.Vars(r)["threadID"]
	if _, err := a.store.LoadThread(r.Context(), threadID); err != nil {
		writeError(w, err)
		return
	}
	id, err := a.store.NewItemID(r.Context(), protocol.ItemKindAgentContext)
	if err != nil {
		writeError(w, err)
		return
	}
	item := &protocol.AgentContextItem{
		ItemBase: protocol.ItemBase{ID: id, ThreadID: threadID, CreatedAt: time.Now().UTC()},
		Context: map[string]any{
			"feedback": body.Kind,
			"item_ids": body.ItemIDs,
		},
	}
	if err := a.store.AddItem(r.Context(), threadID, item); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleWatch(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["threadID"]
	if _, err := a.store.LoadThread(r.Context(), threadID); err != nil {
		writeError(w, err)
		return
	}
	a.hub.ServeWatch(w, r, threadID)
}

func (a *API) handleCreateAttachment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		MimeType string `json:"mime_type"`
		Size     int64  `json:"size,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Name == "" || body.MimeType == "" {
		writeError(w, errors.Wrap(ErrInvalidRequest, "name and mime_type are required"))
		return
	}
	id, err := a.store.NewAttachmentID(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	att := protocol.Attachment{
		ID:       id,
		Name:     body.Name,
		MimeType: body.MimeType,
		Size:     body.Size,
	}
	if err := a.store.SaveAttachment(r.Context(), att); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, att)
}

func (a *API) handleDeleteAttachment(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteAttachment(r.Context(), mux.Vars(r)["attachmentID"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(ErrInvalidRequest, err.Error())
	}
	return nil
}

func pageParams(r *http.Request) (after string, limit int, order store.Order) {
	q := r.URL.Query()
	after = q.Get("after")
	limit = store.DefaultPageSize
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	order = store.OrderAsc
	if q.Get("order") == string(store.OrderDesc) {
		order = store.OrderDesc
	}
	return after, limit, order
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, ErrInvalidState):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
