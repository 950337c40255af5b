package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"adminpanel.io/internal/auth"
	"adminpanel.io/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

const redacted = "[redacted]"

// Field names whose values never reach the operational log.
var sensitiveKeys = []string{"password", "secret", "token", "authorization", "cookie"}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent mirrors an audited operation to the operational log, tagged with
// the request id, caller and session from ctx. Sensitive field values are
// redacted. The hash chain, not this line, is the record of truth.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("audit: event name is required")
	}
	entry := map[string]any{
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
		"type":   "audit",
		"event":  event,
		"fields": redact(fields),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if id, ok := auth.IdentityFromContext(ctx); ok {
		entry["user_id"] = id.UserID
		entry["session_id"] = id.TokenID
	}
	obs.LogRequest(entry)
	return nil
}

// redact copies fields, replacing sensitive values at any depth.
func redact(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch {
		case isSensitive(k):
			out[k] = redacted
		case isMap(v):
			out[k] = redact(v.(map[string]any))
		default:
			out[k] = v
		}
	}
	return out
}

func isMap(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

func isSensitive(key string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}
