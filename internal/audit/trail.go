// Package audit is the append-only audit trail. Records are committed to the audit_logs table
// and then shipped asynchronously to any configured external destinations (file, webhook).
//
// Callers choose per operation whether a failed write is fatal. Record returns a *WriteError
// that secret-revealing paths (reveal, OTP, elevation, purge) must treat as a hard failure;
// RecordBestEffort logs the failure and lets routine reads continue.
//
// Audit records are separate from application logs: application logs are debug output for
// on-call engineers, audit records are evidence for security and compliance reviews.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/docvault/docvault/internal/db/models"
	"github.com/docvault/docvault/internal/db/repositories"
	"github.com/docvault/docvault/internal/safego"
	"github.com/docvault/docvault/internal/telemetry"
	"github.com/docvault/docvault/internal/tenant"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
	purgeBatchSize    = 500
	shipTimeout       = 30 * time.Second
)

var (
	// ErrWriteFailed is matched by every *WriteError.
	ErrWriteFailed = errors.New("audit write failed")
	// ErrInvalidCutoff is returned by Purge for a cutoff in the future.
	ErrInvalidCutoff = errors.New("purge cutoff must not be in the future")
)

// WriteError reports an audit record that could not be committed.
type WriteError struct {
	Record *models.AuditLog
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("audit write failed for %s: %v", e.Record.Action, e.Err)
}

// Unwrap exposes both ErrWriteFailed and the underlying cause to errors.Is.
func (e *WriteError) Unwrap() []error {
	return []error{ErrWriteFailed, e.Err}
}

// Store is the persistence the trail needs. *repositories.AuditRepository implements it.
type Store interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
	ListAuditLogs(ctx context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditLog, int, error)
	GetAuditLog(ctx context.Context, logID string) (*models.AuditLog, error)
	SelectForPurge(ctx context.Context, before time.Time, organizationID *string, excludeID string, limit int) ([]*models.AuditLog, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// Trail records, queries and purges audit records.
type Trail struct {
	store    Store
	shipper  Shipper
	archiver *Archiver
	now      func() time.Time
}

// NewTrail creates a Trail. shipper and archiver may be nil.
func NewTrail(store Store, shipper Shipper, archiver *Archiver) *Trail {
	return &Trail{
		store:    store,
		shipper:  shipper,
		archiver: archiver,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Record commits rec and returns a *WriteError if it could not be stored. The primary
// operation must not proceed on error.
func (t *Trail) Record(ctx context.Context, rec *models.AuditLog) error {
	if err := t.write(ctx, rec, true); err != nil {
		return &WriteError{Record: rec, Err: err}
	}
	return nil
}

// RecordBestEffort commits rec and only logs a failure.
func (t *Trail) RecordBestEffort(ctx context.Context, rec *models.AuditLog) {
	_ = t.write(ctx, rec, false)
}

func (t *Trail) write(ctx context.Context, rec *models.AuditLog, required bool) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = t.now()
	}

	if err := t.store.CreateAuditLog(ctx, rec); err != nil {
		telemetry.AuditWriteFailuresTotal.WithLabelValues(rec.Action, strconv.FormatBool(required)).Inc()
		slog.Error("audit write failed",
			"action", rec.Action,
			"audit_id", rec.ID,
			"target_id", deref(rec.TargetID),
			"organization_id", deref(rec.OrganizationID),
			"required", required,
			"error", err)
		return err
	}

	t.ship(rec)
	return nil
}

func (t *Trail) ship(rec *models.AuditLog) {
	if t.shipper == nil {
		return
	}
	safego.Go("audit-ship", func() {
		ctx, cancel := context.WithTimeout(context.Background(), shipTimeout)
		defer cancel()
		if err := t.shipper.Ship(ctx, rec); err != nil {
			telemetry.AuditShipFailuresTotal.Inc()
		}
	})
}

// Query returns records matching all set filters, newest first, and the total match count.
// limit is clamped to [1, 500] with a default of 50.
func (t *Trail) Query(ctx context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditLog, int, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	if offset < 0 {
		offset = 0
	}
	logs, total, err := t.store.ListAuditLogs(ctx, filters, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit logs: %w", err)
	}
	return logs, total, nil
}

// QueryTenant is Query restricted to the context's organization. Any organization filter the
// caller set is replaced.
func (t *Trail) QueryTenant(ctx context.Context, tc tenant.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditLog, int, error) {
	if !tc.Valid() {
		return nil, 0, tenant.ErrUnauthenticated
	}
	orgID := tc.OrganizationID()
	filters.OrganizationID = &orgID
	return t.Query(ctx, filters, limit, offset)
}

// GetTenant returns one record of the context's organization. A missing record and a record of
// another organization are both repositories.ErrNotFound.
func (t *Trail) GetTenant(ctx context.Context, tc tenant.Context, id string) (*models.AuditLog, error) {
	if !tc.Valid() {
		return nil, tenant.ErrUnauthenticated
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, repositories.ErrNotFound
	}
	rec, err := t.store.GetAuditLog(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit log: %w", err)
	}
	if rec == nil || rec.OrganizationID == nil || *rec.OrganizationID != tc.OrganizationID() {
		return nil, repositories.ErrNotFound
	}
	return rec, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
