// Package models - vault_entry.go defines the VaultEntry model. Secret material is stored
// only as opaque ciphertext blobs produced by the crypto package.
package models

import "time"

// Entry types shown in vault summaries.
const (
	EntryTypePassword = "password"
	EntryTypeAPIKey   = "api_key"
	EntryTypeSSHKey   = "ssh_key"
	EntryTypeNote     = "secure_note"
)

// VaultEntry is a credential owned by exactly one organization.
type VaultEntry struct {
	ID             string     `db:"id"`
	OrganizationID string     `db:"organization_id"` // immutable after creation
	Title          string     `db:"title"`
	Username       string     `db:"username"`
	EntryType      string     `db:"entry_type"`
	Secret         []byte     `db:"secret_ciphertext"`
	TOTPSeed       []byte     `db:"totp_seed_ciphertext"` // nil when no TOTP is configured
	KeyVersion     int64      `db:"key_version"`          // master key version of Secret
	URL            string     `db:"url"`
	Notes          string     `db:"notes"`
	ExpiresAt      *time.Time `db:"expires_at"`
	Version        int64      `db:"version"` // optimistic lock
	CreatedBy      *string    `db:"created_by"`
	UpdatedBy      *string    `db:"updated_by"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

func (e *VaultEntry) EntityID() string                { return e.ID }
func (e *VaultEntry) AssignID(id string)              { e.ID = id }
func (e *VaultEntry) OwnerOrganizationID() string     { return e.OrganizationID }
func (e *VaultEntry) AssignOrganization(orgID string) { e.OrganizationID = orgID }
func (e *VaultEntry) RowVersion() int64               { return e.Version }
func (e *VaultEntry) SetRowVersion(v int64)           { e.Version = v }

// HasTOTP reports whether a TOTP seed is stored.
func (e *VaultEntry) HasTOTP() bool {
	return len(e.TOTPSeed) > 0
}

// IsExpired reports whether the entry's expiry is in the past.
func (e *VaultEntry) IsExpired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// VaultEntrySummary is the listing view of an entry. It never carries secret material.
type VaultEntrySummary struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Username  string     `json:"username"`
	EntryType string     `json:"type"`
	URL       string     `json:"url,omitempty"`
	Notes     string     `json:"notes,omitempty"`
	HasTOTP   bool       `json:"has_totp"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Expired   bool       `json:"expired"`
	Version   int64      `json:"version"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Summary returns the secret-free view of the entry.
func (e *VaultEntry) Summary(now time.Time) VaultEntrySummary {
	return VaultEntrySummary{
		ID:        e.ID,
		Title:     e.Title,
		Username:  e.Username,
		EntryType: e.EntryType,
		URL:       e.URL,
		Notes:     e.Notes,
		HasTOTP:   e.HasTOTP(),
		ExpiresAt: e.ExpiresAt,
		Expired:   e.IsExpired(now),
		Version:   e.Version,
		UpdatedAt: e.UpdatedAt,
	}
}
