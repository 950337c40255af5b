package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"adminpanel.io/internal/audit"
	"adminpanel.io/internal/auth"
	"adminpanel.io/internal/obs"
)

const (
	serviceName     = "adminpanel-authz"
	maxRequestBytes = 1 << 20
)

// Authorizer decides permission checks.
type Authorizer interface {
	Check(ctx context.Context, principalID, action, resource string) (bool, error)
}

// Authenticator turns a bearer token into an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (auth.Identity, error)
}

// SessionRevoker revokes issued tokens.
type SessionRevoker interface {
	Revoke(ctx context.Context, userID, tokenID, reason string, expiresAt time.Time) bool
	RevokeAll(ctx context.Context, userID, reason string) int
}

// AuditReader is the read side of the audit chain.
type AuditReader interface {
	Search(ctx context.Context, f audit.Filter) ([]audit.Event, error)
	ExportCSV(ctx context.Context, w io.Writer, f audit.Filter) (int, error)
}

// ChainVerifier checks chain integrity.
type ChainVerifier interface {
	Verify(ctx context.Context, fromID, toID int64) (bool, int64, error)
}

// Recorder accepts audit events without blocking the request.
type Recorder interface {
	Submit(in audit.Input) bool
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Pinger is implemented by the Postgres store and the Redis KV.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe reports ready when every configured dependency answers a ping.
type ReadyProbe struct {
	DB    Pinger
	Redis Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Deps wires the API to the authorization and audit components. Nil
// components disable the routes that need them.
type Deps struct {
	Ready      readinessChecker
	Authorizer Authorizer
	Tokens     Authenticator
	Sessions   SessionRevoker
	Audit      AuditReader
	Chain      ChainVerifier
	Recorder   Recorder
	Feed       AuditFeed
	Version    string
	RateBurst  int
	RatePerSec int
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe readinessChecker
	version    string

	authz    Authorizer
	tokens   Authenticator
	sessions SessionRevoker
	reader   AuditReader
	chain    ChainVerifier
	recorder Recorder
	feed     AuditFeed

	rateBurst  int
	ratePerSec int
}

func New(d Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: d.Ready,
		version:    d.Version,
		authz:      d.Authorizer,
		tokens:     d.Tokens,
		sessions:   d.Sessions,
		reader:     d.Audit,
		chain:      d.Chain,
		recorder:   d.Recorder,
		feed:       d.Feed,
		rateBurst:  d.RateBurst,
		ratePerSec: d.RatePerSec,
	}
	if a.readyProbe == nil {
		a.readyProbe = ReadyProbe{}
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 20
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 10
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/authz/check", a.handleAuthzCheck)
	a.mux.HandleFunc("/v1/audit/events", a.handleAuditEvents)
	a.mux.HandleFunc("/v1/audit/export", a.handleAuditExport)
	a.mux.HandleFunc("/v1/audit/verify", a.handleAuditVerify)
	a.mux.HandleFunc("/v1/audit/stream", a.handleAuditStream)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/users/", a.handleUserScoped)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	return a
}

// Handler returns the mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, maxRequestBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// audit records a mutation by the authenticated caller through the async
// writer and mirrors it to the operational log.
func (a *API) audit(r *http.Request, action, entityType, entityID string, after any) {
	ctx := r.Context()
	actor, _ := auth.UserIDFromContext(ctx)
	fields := map[string]any{"action": action, "entity_type": entityType, "entity_id": entityID}
	_ = audit.LogEvent(ctx, action, fields)
	if a.recorder == nil || actor == "" {
		return
	}
	in := audit.Input{
		ActorID:    actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		IPAddress:  clientIP(r),
		UserAgent:  r.UserAgent(),
	}
	if after != nil {
		raw, err := json.Marshal(after)
		if err == nil {
			in.After = raw
		}
	}
	a.recorder.Submit(in)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	body := map[string]any{"error": msg}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		body["request_id"] = rid
	}
	writeJSON(w, code, body)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errors.New("request body too large")
		}
		return fmt.Errorf("invalid JSON: %v", err)
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}
