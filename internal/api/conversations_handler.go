package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/vdavid/helphub/backend/internal/messaging"
	"github.com/vdavid/helphub/backend/internal/models"
)

// ConversationsHandler handles the sidebar list and thread view requests.
type ConversationsHandler struct {
	sessions SessionProvider
}

// NewConversationsHandler creates a new ConversationsHandler instance.
func NewConversationsHandler(sessions SessionProvider) *ConversationsHandler {
	return &ConversationsHandler{sessions: sessions}
}

// ConversationListResponse is the sidebar payload.
type ConversationListResponse struct {
	Conversations []models.ConversationSummary `json:"conversations"`
	UnreadCount   int                          `json:"unread_count"`
	// Selected is the counterparty id of the open conversation, if any.
	Selected string `json:"selected,omitempty"`
}

// UnreadCountResponse is the navigation badge payload.
type UnreadCountResponse struct {
	UnreadCount int `json:"unread_count"`
}

// ReplyRequest is the body of a reply.
type ReplyRequest struct {
	Body string `json:"body"`
}

// MessageResponse returns a sent message together with the new badge count.
type MessageResponse struct {
	Message     *models.Message `json:"message"`
	UnreadCount int             `json:"unread_count"`
}

// BuildConversationList builds the sidebar payload for the query.
func BuildConversationList(session *messaging.Session, query string) *ConversationListResponse {
	summaries := session.Summaries(query)
	if summaries == nil {
		summaries = []models.ConversationSummary{}
	}
	response := &ConversationListResponse{
		Conversations: summaries,
		UnreadCount:   session.UnreadCount(),
	}
	if selected := session.Selected(); selected != nil {
		response.Selected = selected.ID()
	}
	return response
}

// GetConversations returns the conversation summaries, optionally filtered by q.
func (h *ConversationsHandler) GetConversations(w http.ResponseWriter, r *http.Request) {
	session, ok := GetSessionFromContext(r.Context(), w, h.sessions)
	if !ok {
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	WriteJSONResponse(w, BuildConversationList(session, query))
}

// Refresh reloads both feeds and returns the rebuilt list.
func (h *ConversationsHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := GetSessionFromContext(ctx, w, h.sessions)
	if !ok {
		return
	}

	if err := session.Load(ctx); err != nil {
		dropOnAuthFailure(ctx, h.sessions, err)
		writeError(ctx, w, err)
		return
	}

	WriteJSONResponse(w, BuildConversationList(session, ""))
}

// GetConversation returns one thread without changing read state or selection.
func (h *ConversationsHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := GetSessionFromContext(ctx, w, h.sessions)
	if !ok {
		return
	}

	conv, err := session.Conversation(chi.URLParam(r, "counterpartyID"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	WriteJSONResponse(w, conv)
}

// OpenConversation selects a thread and marks its unread incoming messages read.
func (h *ConversationsHandler) OpenConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := GetSessionFromContext(ctx, w, h.sessions)
	if !ok {
		return
	}

	conv, err := session.Open(ctx, chi.URLParam(r, "counterpartyID"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	WriteJSONResponse(w, conv)
}

// CloseConversation clears the selection.
func (h *ConversationsHandler) CloseConversation(w http.ResponseWriter, r *http.Request) {
	session, ok := GetSessionFromContext(r.Context(), w, h.sessions)
	if !ok {
		return
	}

	session.CloseConversation()
	w.WriteHeader(http.StatusNoContent)
}

// Reply answers in the open conversation.
func (h *ConversationsHandler) Reply(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := GetSessionFromContext(ctx, w, h.sessions)
	if !ok {
		return
	}

	var req ReplyRequest
	if err := decodeJSONBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	msg, err := session.Reply(ctx, chi.URLParam(r, "counterpartyID"), req.Body)
	if err != nil {
		dropOnAuthFailure(ctx, h.sessions, err)
		writeError(ctx, w, err)
		return
	}

	writeJSONStatus(w, http.StatusCreated, MessageResponse{Message: msg, UnreadCount: session.UnreadCount()})
}

// GetUnreadCount returns the navigation badge count.
func (h *ConversationsHandler) GetUnreadCount(w http.ResponseWriter, r *http.Request) {
	session, ok := GetSessionFromContext(r.Context(), w, h.sessions)
	if !ok {
		return
	}

	WriteJSONResponse(w, UnreadCountResponse{UnreadCount: session.UnreadCount()})
}
