// Package models - audit_log.go defines the AuditLog model. Rows are append-only; the only
// removal path is an audited administrative purge.
package models

import "time"

// Audit action kinds.
const (
	ActionList            = "list"
	ActionRead            = "read"
	ActionReveal          = "reveal"
	ActionGenerateOTP     = "generate_otp"
	ActionVerifyOTP       = "verify_otp"
	ActionCreate          = "create"
	ActionUpdate          = "update"
	ActionDelete          = "delete"
	ActionRewrap          = "rewrap"
	ActionLogin           = "login"
	ActionLoginFailed     = "login_failed"
	ActionTwoFactorBypass = "two_factor_bypass"
	ActionElevatedAccess  = "elevated_access"
	ActionPurge           = "purge"
	ActionRequest         = "request"
)

// Audit target types.
const (
	TargetVaultEntry   = "vault_entry"
	TargetOrganization = "organization"
	TargetAuditLog     = "audit_log"
	TargetUser         = "user"
	TargetEndpoint     = "endpoint"
)

// AuditLog is one recorded operation.
type AuditLog struct {
	ID             string                 `json:"id"`
	ActorID        *string                `json:"actor_id,omitempty"` // nil for system events
	ActorName      string                 `json:"actor_name"`         // denormalized, survives actor deletion
	Action         string                 `json:"action"`
	TargetType     *string                `json:"target_type,omitempty"`
	TargetID       *string                `json:"target_id,omitempty"`
	TargetDisplay  *string                `json:"target_display,omitempty"`
	OrganizationID *string                `json:"organization_id,omitempty"` // nil for system-level events
	IPAddress      *string                `json:"ip_address,omitempty"`
	UserAgent      *string                `json:"user_agent,omitempty"`
	Context        map[string]interface{} `json:"context,omitempty"` // JSONB
	Success        bool                   `json:"success"`
	CreatedAt      time.Time              `json:"created_at"`
}
