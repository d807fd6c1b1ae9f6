package api

import (
	"net/http"
)

// ResourcesHandler seeds first-contact drafts from resource listings.
type ResourcesHandler struct {
	sessions SessionProvider
}

// NewResourcesHandler creates a new ResourcesHandler instance.
func NewResourcesHandler(sessions SessionProvider) *ResourcesHandler {
	return &ResourcesHandler{sessions: sessions}
}

// GetDraft resolves ?ref= (an id or a title) and returns a prefilled draft.
func (h *ResourcesHandler) GetDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := GetSessionFromContext(ctx, w, h.sessions)
	if !ok {
		return
	}

	draft, err := session.Draft(ctx, r.URL.Query().Get("ref"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	WriteJSONResponse(w, draft)
}
