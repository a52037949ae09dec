// audit_repository.go implements AuditRepository, providing the append, query and purge
// queries for audit records. There is no update method: rows are append-only.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/docvault/docvault/internal/db/models"
)

// AuditRepository handles audit log database operations
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// AuditFilters contains filters for querying audit logs. All set filters are ANDed.
type AuditFilters struct {
	ActorID        *string
	OrganizationID *string
	Action         *string
	TargetType     *string
	TargetID       *string
	Success        *bool
	StartDate      *time.Time
	EndDate        *time.Time
}

const auditColumns = `id, actor_id, actor_name, action, target_type, target_id, target_display,
	organization_id, ip_address, user_agent, context, success, created_at`

// CreateAuditLog appends a new audit log entry. ID and CreatedAt are assigned when empty.
func (r *AuditRepository) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	var contextJSON []byte
	if log.Context != nil {
		var err error
		contextJSON, err = json.Marshal(log.Context)
		if err != nil {
			return fmt.Errorf("failed to encode audit context: %w", err)
		}
	}

	query := `
		INSERT INTO audit_logs (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.ExecContext(ctx, query,
		log.ID,
		log.ActorID,
		log.ActorName,
		log.Action,
		log.TargetType,
		log.TargetID,
		log.TargetDisplay,
		log.OrganizationID,
		log.IPAddress,
		log.UserAgent,
		contextJSON,
		log.Success,
		log.CreatedAt,
	)
	return err
}

// ListAuditLogs retrieves audit logs with optional filters and pagination, newest first.
func (r *AuditRepository) ListAuditLogs(ctx context.Context, filters AuditFilters, limit, offset int) ([]*models.AuditLog, int, error) {
	where, args := filters.where()

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := `SELECT ` + auditColumns + ` FROM audit_logs` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, n+1, n+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	logs, err := scanAuditRows(rows)
	return logs, total, err
}

// GetAuditLog retrieves a single audit log entry by ID
func (r *AuditRepository) GetAuditLog(ctx context.Context, logID string) (*models.AuditLog, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_logs WHERE id = $1`, logID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs, err := scanAuditRows(rows)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, nil
	}
	return logs[0], nil
}

// SelectForPurge returns up to limit records created strictly before the cutoff, oldest first,
// optionally restricted to one organization. excludeID (the purge's own record) is never selected.
func (r *AuditRepository) SelectForPurge(ctx context.Context, before time.Time, organizationID *string, excludeID string, limit int) ([]*models.AuditLog, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_logs WHERE created_at < $1 AND id <> $2`
	args := []interface{}{before, excludeID}
	if organizationID != nil {
		query += ` AND organization_id = $3`
		args = append(args, *organizationID)
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select audit logs for purge: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// DeleteByIDs removes the given audit records. It is only called by the audited purge path.
func (r *AuditRepository) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := r.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit logs: %w", err)
	}
	return result.RowsAffected()
}

func (f AuditFilters) where() (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(clause string, value interface{}) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.ActorID != nil {
		add(`actor_id = $%d`, *f.ActorID)
	}
	if f.OrganizationID != nil {
		add(`organization_id = $%d`, *f.OrganizationID)
	}
	if f.Action != nil {
		add(`action = $%d`, *f.Action)
	}
	if f.TargetType != nil {
		add(`target_type = $%d`, *f.TargetType)
	}
	if f.TargetID != nil {
		add(`target_id = $%d`, *f.TargetID)
	}
	if f.Success != nil {
		add(`success = $%d`, *f.Success)
	}
	if f.StartDate != nil {
		add(`created_at >= $%d`, *f.StartDate)
	}
	if f.EndDate != nil {
		add(`created_at <= $%d`, *f.EndDate)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return ` WHERE ` + strings.Join(clauses, ` AND `), args
}

func scanAuditRows(rows *sql.Rows) ([]*models.AuditLog, error) {
	logs := make([]*models.AuditLog, 0)
	for rows.Next() {
		log := &models.AuditLog{}
		var (
			actorID, orgID sql.NullString
			contextJSON    []byte
		)
		err := rows.Scan(
			&log.ID,
			&actorID,
			&log.ActorName,
			&log.Action,
			&log.TargetType,
			&log.TargetID,
			&log.TargetDisplay,
			&orgID,
			&log.IPAddress,
			&log.UserAgent,
			&contextJSON,
			&log.Success,
			&log.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if actorID.Valid {
			log.ActorID = &actorID.String
		}
		if orgID.Valid {
			log.OrganizationID = &orgID.String
		}
		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &log.Context); err != nil {
				return nil, errors.Join(errors.New("failed to decode audit context"), err)
			}
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}
