// ABOUTME: HTTP middleware for JWT authentication on API and socket endpoints
// ABOUTME: Extracts the JWT from the Authorization header and adds the identity to context

package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// TokenFromRequest returns the bearer token, falling back to the token query
// parameter when allowQuery is set. Browsers cannot set headers on WebSocket
// handshakes.
func TokenFromRequest(r *http.Request, allowQuery bool) (string, string) {
	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" && allowQuery {
		if q := r.URL.Query().Get("token"); q != "" {
			return q, ""
		}
	}
	return token, errMsg
}

// HTTPAuthMiddleware creates an HTTP middleware that extracts and validates JWT tokens
// and attaches the Identity with WithAuth. Widget tokens are rejected unless
// allowWidget is set.
func HTTPAuthMiddleware(verifier TokenVerifier, logger *slog.Logger, allowWidget bool) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := TokenFromRequest(r, r.Method == http.MethodGet)
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			id, err := verifier.Verify(token)
			if err != nil {
				if errors.Is(err, ErrExpiredToken) {
					http.Error(w, `{"error":"token expired"}`, http.StatusUnauthorized)
					return
				}
				logger.Debug("rejected token", "path", r.URL.Path, "error", err)
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			if id.IsWidget() && !allowWidget {
				http.Error(w, `{"error":"staff token required"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), id)))
		})
	}
}

// RequireAdminHTTP creates an HTTP middleware that requires the admin role.
// Must be used after HTTPAuthMiddleware.
func RequireAdminHTTP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil {
				http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
				return
			}

			if !id.IsAdmin() {
				http.Error(w, `{"error":"admin role required"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
