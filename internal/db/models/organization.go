// Package models defines the database model types for docvault.
// Each type corresponds to a database table and uses struct tags for both JSON serialization and sqlx row scanning.
// Models are pure data types; business logic belongs in the service packages and query logic in the repositories.
package models

import "time"

// Organization is the tenant root. It is soft-disabled, never hard-deleted, in normal operation.
type Organization struct {
	ID          string    `db:"id" json:"id"`
	Slug        string    `db:"slug" json:"slug"`                 // URL-safe unique name
	DisplayName string    `db:"display_name" json:"display_name"` // Human-readable name
	Active      bool      `db:"active" json:"active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}
