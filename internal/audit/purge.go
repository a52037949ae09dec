package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docvault/docvault/internal/db/models"
	"github.com/docvault/docvault/internal/telemetry"
	"github.com/docvault/docvault/internal/tenant"
)

// PurgeResult describes a completed purge.
type PurgeResult struct {
	PurgeID  string   `json:"purge_id"`
	Deleted  int64    `json:"deleted"`
	Archives []string `json:"archives,omitempty"`
}

// Purge deletes audit records created strictly before the cutoff, optionally limited to one
// organization. It is the only deletion path for audit records.
//
// The purge's own record is committed first; if that fails nothing is deleted. Each batch is
// archived (when an archiver is configured) before it is deleted, and a batch whose archive
// upload fails is left in place. The purge record is never selected by its own purge.
func (t *Trail) Purge(ctx context.Context, el tenant.Elevated, before time.Time, organizationID *string) (*PurgeResult, error) {
	if !el.Valid() {
		return nil, tenant.ErrUnauthorized
	}
	if before.After(t.now()) {
		return nil, ErrInvalidCutoff
	}

	start := FromElevated(el, models.ActionPurge).
		Target(models.TargetAuditLog, "", "").
		With("phase", "started").
		With("before", before.UTC().Format(time.RFC3339Nano))
	if organizationID != nil {
		start.Organization(*organizationID)
	}
	startRec := start.Succeeded()
	if err := t.Record(ctx, startRec); err != nil {
		return nil, err
	}

	result := &PurgeResult{PurgeID: startRec.ID}
	for seq := 1; ; seq++ {
		batch, err := t.store.SelectForPurge(ctx, before, organizationID, startRec.ID, purgeBatchSize)
		if err != nil {
			return result, t.purgeFailed(ctx, el, result, organizationID, err)
		}
		if len(batch) == 0 {
			break
		}

		if t.archiver != nil {
			name := fmt.Sprintf("%s/%04d", startRec.ID, seq)
			uploaded, err := t.archiver.Archive(ctx, name, batch)
			if err != nil {
				return result, t.purgeFailed(ctx, el, result, organizationID, err)
			}
			result.Archives = append(result.Archives, uploaded.Path)
		}

		ids := make([]string, len(batch))
		for i, rec := range batch {
			ids[i] = rec.ID
		}
		n, err := t.store.DeleteByIDs(ctx, ids)
		if err != nil {
			return result, t.purgeFailed(ctx, el, result, organizationID, err)
		}
		result.Deleted += n
		telemetry.AuditPurgedTotal.Add(float64(n))
	}

	done := FromElevated(el, models.ActionPurge).
		Target(models.TargetAuditLog, startRec.ID, "").
		With("phase", "completed").
		With("deleted", result.Deleted).
		With("archives", len(result.Archives))
	if organizationID != nil {
		done.Organization(*organizationID)
	}
	t.RecordBestEffort(context.WithoutCancel(ctx), done.Succeeded())

	slog.Info("audit purge completed", "purge_id", result.PurgeID, "deleted", result.Deleted, "archives", len(result.Archives))
	return result, nil
}

func (t *Trail) purgeFailed(ctx context.Context, el tenant.Elevated, result *PurgeResult, organizationID *string, cause error) error {
	e := FromElevated(el, models.ActionPurge).
		Target(models.TargetAuditLog, result.PurgeID, "").
		With("phase", "aborted").
		With("deleted", result.Deleted)
	if organizationID != nil {
		e.Organization(*organizationID)
	}
	t.RecordBestEffort(context.WithoutCancel(ctx), e.Failed("purge_error"))
	return fmt.Errorf("audit purge %s aborted after %d records: %w", result.PurgeID, result.Deleted, cause)
}
