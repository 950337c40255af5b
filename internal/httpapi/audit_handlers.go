package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"adminpanel.io/internal/audit"
	"adminpanel.io/internal/auth"
	"adminpanel.io/internal/obs"
)

type auditEventsResponse struct {
	Events []audit.Event `json:"events"`
	Count  int           `json:"count"`
}

type verifyRequest struct {
	FromID int64 `json:"from_id"`
	ToID   int64 `json:"to_id"`
}

type verifyResponse struct {
	Valid           bool  `json:"valid"`
	FirstMismatchID int64 `json:"first_mismatch_id,omitempty"`
}

func (a *API) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.reader == nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit store unavailable")
		return
	}
	if !a.ensurePermission(w, r, auth.ActionAuditRead, auth.ResourceAudit) {
		return
	}
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	events, err := a.reader.Search(r.Context(), filter)
	if err != nil {
		handleAuditError(w, r, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, auditEventsResponse{Events: events, Count: len(events)})
}

func (a *API) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.reader == nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit store unavailable")
		return
	}
	if !a.ensurePermission(w, r, auth.ActionAuditExport, auth.ResourceAudit) {
		return
	}
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// Buffer so range and store errors can still become JSON responses.
	var buf bytes.Buffer
	n, err := a.reader.ExportCSV(r.Context(), &buf, filter)
	if err != nil {
		handleAuditError(w, r, err)
		return
	}
	a.audit(r, auth.ActionAuditExport, "audit", "", map[string]any{
		"rows":        n,
		"actor_id":    filter.ActorID,
		"action":      filter.Action,
		"entity_type": filter.EntityType,
	})

	name := fmt.Sprintf("audit-%s.csv", time.Now().UTC().Format("20060102T150405Z"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (a *API) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.chain == nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit store unavailable")
		return
	}
	if !a.ensurePermission(w, r, auth.ActionAuditVerify, auth.ResourceAudit) {
		return
	}
	var req verifyRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	ok, badID, err := a.chain.Verify(r.Context(), req.FromID, req.ToID)
	if err != nil {
		handleAuditError(w, r, err)
		return
	}
	if !ok {
		obs.Error("audit chain verification failed", map[string]any{
			"first_mismatch_id": badID,
			"request_id":        audit.RequestIDFromContext(r.Context()),
		})
	}
	a.audit(r, auth.ActionAuditVerify, "audit", "", map[string]any{
		"from_id": req.FromID,
		"to_id":   req.ToID,
		"valid":   ok,
	})
	writeJSON(w, http.StatusOK, verifyResponse{Valid: ok, FirstMismatchID: badID})
}

func parseFilter(q url.Values) (audit.Filter, error) {
	f := audit.Filter{
		ActorID:    strings.TrimSpace(q.Get("actor")),
		Action:     strings.TrimSpace(q.Get("action")),
		EntityType: strings.TrimSpace(q.Get("entity_type")),
		EntityID:   strings.TrimSpace(q.Get("entity_id")),
	}
	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		return f, fmt.Errorf("invalid from: %v", err)
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		return f, fmt.Errorf("invalid to: %v", err)
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		f.Limit, err = strconv.Atoi(raw)
		if err != nil || f.Limit < 0 {
			return f, errors.New("invalid limit")
		}
	}
	return f, nil
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, errors.New("expected RFC 3339 timestamp or YYYY-MM-DD")
	}
	return t.UTC(), nil
}

func handleAuditError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, audit.ErrRangeTooLarge), errors.Is(err, audit.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		obs.Error("audit request failed", map[string]any{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
