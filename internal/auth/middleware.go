package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/vdavid/helphub/backend/internal/logging"
)

type contextKey string

// TokenKey is the context key used to store the caller's bearer token.
const TokenKey contextKey = "bearer_token"

// RequireAuth middleware checks for a bearer token in the Authorization header
// and stores it in the request context. The token is not validated here: the
// messaging backend validates it on every call made on the user's behalf.
// Returns 401 Unauthorized if the header is missing or malformed.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := ParseBearer(r.Header.Get("Authorization"))
		if !ok {
			logger := logging.FromContext(r.Context())
			logger.Debug().Str("path", r.URL.Path).Msg("missing or malformed bearer token")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), TokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ParseBearer extracts the token from an Authorization header value.
// The scheme is case-insensitive per RFC 7235.
func ParseBearer(header string) (string, bool) {
	fields := strings.Fields(header)
	if len(fields) != 2 {
		return "", false
	}
	if !strings.EqualFold(fields[0], "Bearer") {
		return "", false
	}
	return fields[1], true
}

// GetTokenFromContext returns the bearer token from the context.
func GetTokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(TokenKey).(string)
	return token, ok && token != ""
}

// WithToken returns a copy of ctx carrying token, for tests and internal callers.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, TokenKey, token)
}
