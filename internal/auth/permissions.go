package auth

import "strings"

// Actions checked by the HTTP surface.
const (
	ActionAuditRead     = "audit:Read"
	ActionAuditExport   = "audit:Export"
	ActionAuditVerify   = "audit:Verify"
	ActionSessionRevoke = "session:Revoke"
)

// ResourceAudit names the audit log as a whole.
const ResourceAudit = "res:audit"

// UserResource returns the resource name of a user account.
func UserResource(userID string) string {
	return "user:" + strings.TrimSpace(userID)
}
