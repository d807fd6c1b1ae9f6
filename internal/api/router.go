package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/vdavid/helphub/backend/internal/auth"
	"github.com/vdavid/helphub/backend/internal/logging"
)

// requestTimeout bounds every API request, backend round trips included.
const requestTimeout = 60 * time.Second

// NewRouter wires the handlers and middleware of the HelpHub messaging API.
func NewRouter(sessions SessionProvider, logger zerolog.Logger) http.Handler {
	conversations := NewConversationsHandler(sessions)
	messages := NewMessagesHandler(sessions)
	resourceDrafts := NewResourcesHandler(sessions)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/", handleRoot)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Get("/unread-count", conversations.GetUnreadCount)
		r.Post("/refresh", conversations.Refresh)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversations.GetConversations)
			r.Post("/close", conversations.CloseConversation)
			r.Get("/{counterpartyID}", conversations.GetConversation)
			r.Post("/{counterpartyID}/open", conversations.OpenConversation)
			r.Post("/{counterpartyID}/replies", conversations.Reply)
		})

		r.Route("/messages", func(r chi.Router) {
			r.Post("/", messages.SendMessage)
			r.Post("/{messageID}/read", messages.MarkRead)
			r.Delete("/{messageID}", messages.DeleteMessage)
		})

		r.Get("/resources/draft", resourceDrafts.GetDraft)
	})

	return r
}

// RequestLogger attaches a request-scoped logger to the context and logs
// every completed request.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLogger := logger.With().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Logger()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(logging.WithContext(r.Context(), reqLogger)))

			reqLogger.Info().
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("took", time.Since(start)).
				Msg("request")
		})
	}
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "HelpHub messaging API is running")
}
