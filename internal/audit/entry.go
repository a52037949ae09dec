package audit

import (
	"github.com/docvault/docvault/internal/db/models"
	"github.com/docvault/docvault/internal/tenant"
)

// Entry builds an audit record.
type Entry struct {
	rec *models.AuditLog
}

// FromTenant starts a record for an operation inside tc's organization.
func FromTenant(tc tenant.Context, action string) *Entry {
	rec := tenant.NewRecord(tc.Actor(), tc.Client(), action)
	if orgID := tc.OrganizationID(); orgID != "" {
		rec.OrganizationID = &orgID
	}
	return &Entry{rec: rec}
}

// FromElevated starts a record for a cross-organization operation. The grant id links the
// record to the elevated_access record that authorized it.
func FromElevated(el tenant.Elevated, action string) *Entry {
	rec := tenant.NewRecord(el.Actor(), el.Client(), action)
	rec.Context["grant_id"] = el.GrantID()
	return &Entry{rec: rec}
}

// FromActor starts a record with no organization, such as a failed login.
func FromActor(actor tenant.Actor, client tenant.ClientMetadata, action string) *Entry {
	return &Entry{rec: tenant.NewRecord(actor, client, action)}
}

// Target sets the record's target. Empty values are left unset.
func (e *Entry) Target(targetType, id, display string) *Entry {
	if targetType != "" {
		e.rec.TargetType = &targetType
	}
	if id != "" {
		e.rec.TargetID = &id
	}
	if display != "" {
		e.rec.TargetDisplay = &display
	}
	return e
}

// Organization overrides the owning organization.
func (e *Entry) Organization(orgID string) *Entry {
	if orgID == "" {
		e.rec.OrganizationID = nil
		return e
	}
	e.rec.OrganizationID = &orgID
	return e
}

// With adds a key to the structured context.
func (e *Entry) With(key string, value interface{}) *Entry {
	e.rec.Context[key] = value
	return e
}

// Succeeded marks the record successful.
func (e *Entry) Succeeded() *models.AuditLog {
	e.rec.Success = true
	return e.rec
}

// Failed marks the record failed with a short machine-readable reason.
func (e *Entry) Failed(reason string) *models.AuditLog {
	e.rec.Success = false
	if reason != "" {
		e.rec.Context["reason"] = reason
	}
	return e.rec
}
