// Package auth - scopes.go defines permission scopes, the fixed role-to-scope mapping used for
// organization memberships, and HasScope/HasAnyScope helpers.
package auth

import "github.com/docvault/docvault/internal/db/models"

// Scope represents a permission/scope type
type Scope string

const (
	// Vault scopes
	ScopeVaultList   Scope = "vault:list"   // list and view entry summaries
	ScopeVaultOTP    Scope = "vault:otp"    // generate one-time codes
	ScopeVaultReveal Scope = "vault:reveal" // decrypt and return secret values
	ScopeVaultWrite  Scope = "vault:write"  // create, update, delete and rewrap entries

	// Audit log scopes
	ScopeAuditRead Scope = "audit:read"

	// Membership management inside one organization
	ScopeMembersManage Scope = "members:manage"

	// Admin scope (wildcard - all permissions)
	ScopeAdmin Scope = "admin"
)

var roleScopes = map[models.Role][]Scope{
	models.RoleViewer: {ScopeVaultList, ScopeVaultOTP},
	models.RoleEditor: {ScopeVaultList, ScopeVaultOTP, ScopeVaultWrite, ScopeVaultReveal},
	models.RoleAdmin:  {ScopeVaultList, ScopeVaultOTP, ScopeVaultWrite, ScopeVaultReveal, ScopeAuditRead, ScopeMembersManage},
}

// RoleScopes returns the scopes granted by a membership role. Unknown roles grant nothing.
func RoleScopes(role models.Role) []string {
	granted := roleScopes[role]
	out := make([]string, 0, len(granted))
	for _, s := range granted {
		out = append(out, string(s))
	}
	return out
}

// RoleHasScope reports whether a membership role grants the scope.
func RoleHasScope(role models.Role, required Scope) bool {
	return HasScope(RoleScopes(role), required)
}

// HasScope checks if a scope set contains a required scope.
// The admin scope grants everything, and vault:write implies vault:list.
func HasScope(userScopes []string, required Scope) bool {
	requiredStr := string(required)

	for _, scope := range userScopes {
		if scope == requiredStr {
			return true
		}
		if scope == string(ScopeAdmin) {
			return true
		}
		if required == ScopeVaultList && scope == string(ScopeVaultWrite) {
			return true
		}
	}
	return false
}

// HasAnyScope checks if a user has at least one of the required scopes
func HasAnyScope(userScopes []string, requiredScopes []Scope) bool {
	for _, required := range requiredScopes {
		if HasScope(userScopes, required) {
			return true
		}
	}
	return false
}
