// Package models - organization_member.go defines user-to-organization membership and the
// fixed set of membership roles.
package models

import "time"

// Role is a membership role inside one organization.
type Role string

const (
	RoleViewer Role = "viewer" // list entries and generate OTP codes
	RoleEditor Role = "editor" // viewer + create/update/delete + reveal
	RoleAdmin  Role = "admin"  // editor + audit read + member management
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleViewer, RoleEditor, RoleAdmin:
		return true
	}
	return false
}

// OrganizationMember represents a user's membership in an organization
type OrganizationMember struct {
	OrganizationID string    `db:"organization_id" json:"organization_id"`
	UserID         string    `db:"user_id" json:"user_id"`
	Role           Role      `db:"role" json:"role"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// UserMembership includes organization details for a user's membership
type UserMembership struct {
	OrganizationID   string    `db:"organization_id" json:"organization_id"`
	OrganizationSlug string    `db:"organization_slug" json:"organization_slug"`
	OrganizationName string    `db:"organization_name" json:"organization_name"`
	Role             Role      `db:"role" json:"role"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// Member is a membership joined with the member's identity, as listed to organization admins.
type Member struct {
	UserID    string    `db:"user_id" json:"user_id"`
	Email     string    `db:"email" json:"email"`
	Name      string    `db:"name" json:"name"`
	Role      Role      `db:"role" json:"role"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
