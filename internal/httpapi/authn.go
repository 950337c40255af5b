package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"adminpanel.io/internal/auth"
	"adminpanel.io/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.tokens == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		identity, err := a.tokens.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		ctx := auth.ContextWithIdentity(r.Context(), identity)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ensurePermission writes the error response and returns false unless the
// caller may perform action on resource. A failed policy lookup is denied
// like any other, but reported as 503 so operators can tell the two apart.
func (a *API) ensurePermission(w http.ResponseWriter, r *http.Request, action, resource string) bool {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	if a.authz == nil {
		writeError(w, r, http.StatusServiceUnavailable, "authorization unavailable")
		return false
	}
	allowed, err := a.authz.Check(r.Context(), userID, action, resource)
	if err != nil {
		obs.Error("permission check failed", map[string]any{
			"user_id":  userID,
			"action":   action,
			"resource": resource,
			"error":    err.Error(),
		})
		writeError(w, r, http.StatusServiceUnavailable, "authorization unavailable")
		return false
	}
	if !allowed {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
