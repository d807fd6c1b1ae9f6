package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/vdavid/helphub/backend/internal/messaging"
	"github.com/vdavid/helphub/backend/internal/models"
)

// MessagesHandler handles message-level mutations.
type MessagesHandler struct {
	sessions SessionProvider
}

// NewMessagesHandler creates a new MessagesHandler instance.
func NewMessagesHandler(sessions SessionProvider) *MessagesHandler {
	return &MessagesHandler{sessions: sessions}
}

// SendMessageRequest is the body of a first-contact message.
type SendMessageRequest struct {
	ResourceID string          `json:"resource_id"`
	Subject    string          `json:"subject"`
	Body       string          `json:"body"`
	Priority   models.Priority `json:"priority"`
}

// DeleteResponse describes what a deletion changed locally.
type DeleteResponse struct {
	MessageID           string `json:"message_id"`
	ConversationID      string `json:"conversation_id"`
	ConversationRemoved bool   `json:"conversation_removed"`
	SelectionCleared    bool   `json:"selection_cleared"`
	UnreadCount         int    `json:"unread_count"`
	// Error is set when the server call failed after the local removal.
	Error string `json:"error,omitempty"`
}

// SendMessage starts a conversation about a resource.
func (h *MessagesHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := GetSessionFromContext(ctx, w, h.sessions)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := decodeJSONBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	msg, err := session.SendNew(ctx, messaging.NewMessage{
		ResourceID: req.ResourceID,
		Subject:    req.Subject,
		Body:       req.Body,
		Priority:   req.Priority,
	})
	if err != nil {
		dropOnAuthFailure(ctx, h.sessions, err)
		writeError(ctx, w, err)
		return
	}

	writeJSONStatus(w, http.StatusCreated, MessageResponse{Message: msg, UnreadCount: session.UnreadCount()})
}

// MarkRead marks one message read.
func (h *MessagesHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := GetSessionFromContext(ctx, w, h.sessions)
	if !ok {
		return
	}

	if err := session.MarkRead(ctx, chi.URLParam(r, "messageID")); err != nil {
		writeError(ctx, w, err)
		return
	}

	WriteJSONResponse(w, UnreadCountResponse{UnreadCount: session.UnreadCount()})
}

// DeleteMessage deletes a message. The caller confirms with ?confirm=true.
func (h *MessagesHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := GetSessionFromContext(ctx, w, h.sessions)
	if !ok {
		return
	}

	confirmed, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
	removal, err := session.Delete(ctx, chi.URLParam(r, "messageID"), confirmed)
	if removal == nil {
		writeError(ctx, w, err)
		return
	}

	response := DeleteResponse{
		MessageID:           removal.Message.ID,
		ConversationID:      removal.ConversationID,
		ConversationRemoved: removal.ConversationRemoved,
		SelectionCleared:    removal.SelectionCleared,
		UnreadCount:         session.UnreadCount(),
	}
	if err != nil {
		dropOnAuthFailure(ctx, h.sessions, err)
		response.Error = err.Error()
		writeJSONStatus(w, StatusForError(err), response)
		return
	}

	WriteJSONResponse(w, response)
}
