// Package models - user.go defines the User model (the actor behind every request).
package models

import "time"

// Authentication sources recorded on users and carried in tokens.
const (
	AuthSourceLocal = "local"
	AuthSourceSSO   = "sso"
)

// User is an actor known to the core. Credentials live in the external authentication
// subsystem; only identity, auth source and second-factor state are stored here.
type User struct {
	ID                  string    `db:"id" json:"id"`
	Email               string    `db:"email" json:"email"`
	Name                string    `db:"name" json:"name"`
	AuthSource          string    `db:"auth_source" json:"auth_source"`
	SecondFactorEnabled bool      `db:"second_factor_enabled" json:"second_factor_enabled"`
	Superuser           bool      `db:"superuser" json:"superuser"`
	Active              bool      `db:"active" json:"active"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

// UserWithMemberships represents a user with their per-organization roles
type UserWithMemberships struct {
	User
	Memberships []UserMembership
}

// IsAdminAnywhere returns true if any membership carries the admin role
func (u *UserWithMemberships) IsAdminAnywhere() bool {
	for _, m := range u.Memberships {
		if m.Role == RoleAdmin {
			return true
		}
	}
	return false
}
