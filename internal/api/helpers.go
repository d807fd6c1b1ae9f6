package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/vdavid/helphub/backend/internal/auth"
	"github.com/vdavid/helphub/backend/internal/logging"
	"github.com/vdavid/helphub/backend/internal/messaging"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// SessionProvider hands out the messaging session of a bearer token.
type SessionProvider interface {
	Session(ctx context.Context, token string) (*messaging.Session, error)
	Drop(token string)
}

var _ SessionProvider = (*messaging.Manager)(nil)

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error string         `json:"error"`
	Kind  messaging.Kind `json:"kind"`
}

// GetSessionFromContext resolves the caller's messaging session from the bearer
// token in context, and writes the appropriate HTTP error when it fails.
// Returns (session, true) on success.
func GetSessionFromContext(ctx context.Context, w http.ResponseWriter, sessions SessionProvider) (*messaging.Session, bool) {
	token, ok := auth.GetTokenFromContext(ctx)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}

	session, err := sessions.Session(ctx, token)
	if err != nil {
		writeError(ctx, w, err)
		return nil, false
	}
	return session, true
}

// StatusForError maps a messaging error onto an HTTP status.
func StatusForError(err error) int {
	switch messaging.KindOf(err) {
	case messaging.KindValidation:
		return http.StatusBadRequest
	case messaging.KindAuthorization:
		if errors.Is(err, messaging.ErrNotAuthenticated) {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case messaging.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

// writeError logs err and writes it as JSON with the status of its kind.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := StatusForError(err)
	logger := logging.FromContext(ctx)
	event := logger.Debug()
	if status >= http.StatusInternalServerError {
		event = logger.Warn()
	}
	event.Err(err).Int("status", status).Msg("request failed")

	writeJSONStatus(w, status, errorResponse{Error: err.Error(), Kind: messaging.KindOf(err)})
}

// dropOnAuthFailure forgets the session of a token the backend no longer accepts,
// so the next request signs in again.
func dropOnAuthFailure(ctx context.Context, sessions SessionProvider, err error) {
	if !errors.Is(err, messaging.ErrNotAuthenticated) {
		return
	}
	if token, ok := auth.GetTokenFromContext(ctx); ok {
		sessions.Drop(token)
	}
}

// decodeJSONBody decodes a bounded JSON request body into dst.
func decodeJSONBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// WriteJSONResponse encodes response into a buffer first so that an encoding
// failure never produces a partial body. Returns false if nothing could be written.
func WriteJSONResponse(w http.ResponseWriter, response any) bool {
	return writeJSONStatus(w, http.StatusOK, response)
}

func writeJSONStatus(w http.ResponseWriter, status int, response any) bool {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(response); err != nil {
		logging.Logger.Error().Err(err).Msg("failed to encode JSON response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return false
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		logging.Logger.Warn().Err(err).Msg("failed to write JSON response")
		return false
	}
	return true
}
