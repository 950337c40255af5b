package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"adminpanel.io/internal/audit"
	"adminpanel.io/internal/auth"
)

const streamKeepAlive = 25 * time.Second

// AuditFeed delivers audit events as they are appended.
type AuditFeed interface {
	Subscribe(ctx context.Context, filter audit.Filter) <-chan audit.Event
}

// handleAuditStream serves appended audit events as Server-Sent Events.
// The actor, action, entity_type and entity_id query filters apply.
func (a *API) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.feed == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
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
	filter.From, filter.To, filter.Limit = time.Time{}, time.Time{}, 0

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ch := a.feed.Subscribe(ctx, filter)

	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		return
	}

	ticker := time.NewTicker(streamKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
		case event, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: audit\ndata: %s\n\n", event.ID, payload); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
