package httpapi

import (
	"net/http"
	"strings"

	"adminpanel.io/internal/auth"
	"adminpanel.io/internal/obs"
)

type authzCheckRequest struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
}

type authzCheckResponse struct {
	Allowed bool `json:"allowed"`
}

// handleAuthzCheck lets a caller ask whether it may perform an action. Only
// the caller's own permissions can be queried.
func (a *API) handleAuthzCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if a.authz == nil {
		writeError(w, r, http.StatusServiceUnavailable, "authorization unavailable")
		return
	}

	var req authzCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Action = strings.TrimSpace(req.Action)
	req.Resource = strings.TrimSpace(req.Resource)
	if req.Action == "" || req.Resource == "" {
		writeError(w, r, http.StatusBadRequest, "action and resource are required")
		return
	}

	allowed, err := a.authz.Check(r.Context(), userID, req.Action, req.Resource)
	if err != nil {
		obs.Error("permission check failed", map[string]any{"user_id": userID, "error": err.Error()})
		writeError(w, r, http.StatusServiceUnavailable, "authorization unavailable")
		return
	}
	writeJSON(w, http.StatusOK, authzCheckResponse{Allowed: allowed})
}
