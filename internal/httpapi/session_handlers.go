package httpapi

import (
	"net/http"
	"strings"

	"adminpanel.io/internal/auth"
)

type revokeRequest struct {
	Reason string `json:"reason"`
}

type revokeResponse struct {
	Revoked int `json:"revoked"`
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if a.sessions == nil {
		writeError(w, r, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	if !a.sessions.Revoke(r.Context(), identity.UserID, identity.TokenID, "logout", identity.ExpiresAt) {
		writeError(w, r, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	a.audit(r, "auth:Logout", "session", identity.TokenID, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleUserScoped serves /v1/users/{id}/sessions/revoke.
func (a *API) handleUserScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] != "sessions" || parts[2] != "revoke" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	a.handleRevokeSessions(w, r, parts[0])
}

func (a *API) handleRevokeSessions(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.sessions == nil {
		writeError(w, r, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	if !a.ensurePermission(w, r, auth.ActionSessionRevoke, auth.UserResource(userID)) {
		return
	}
	var req revokeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "revoked by administrator"
	}

	n := a.sessions.RevokeAll(r.Context(), userID, reason)
	a.audit(r, auth.ActionSessionRevoke, "user", userID, map[string]any{
		"revoked": n,
		"reason":  reason,
	})
	writeJSON(w, http.StatusOK, revokeResponse{Revoked: n})
}
