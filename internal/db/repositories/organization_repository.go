// organization_repository.go implements OrganizationRepository, providing database queries
// for organization provisioning, soft-disable, and membership management.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/docvault/docvault/internal/db/models"
)

// OrganizationRepository handles database operations for organizations
type OrganizationRepository struct {
	db *sqlx.DB
}

// NewOrganizationRepository creates a new organization repository
func NewOrganizationRepository(db *sqlx.DB) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

const organizationColumns = `id, slug, display_name, active, created_at, updated_at`

// GetBySlug retrieves an organization by its slug
func (r *OrganizationRepository) GetBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	query := `SELECT ` + organizationColumns + ` FROM organizations WHERE slug = $1`

	var org models.Organization
	err := r.db.GetContext(ctx, &org, query, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return &org, nil
}

// GetByID retrieves an organization by ID
func (r *OrganizationRepository) GetByID(ctx context.Context, id string) (*models.Organization, error) {
	query := `SELECT ` + organizationColumns + ` FROM organizations WHERE id = $1`

	var org models.Organization
	err := r.db.GetContext(ctx, &org, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return &org, nil
}

// List returns organizations ordered by slug. Disabled organizations are included only on request.
func (r *OrganizationRepository) List(ctx context.Context, includeInactive bool) ([]models.Organization, error) {
	query := `SELECT ` + organizationColumns + ` FROM organizations`
	if !includeInactive {
		query += ` WHERE active = true`
	}
	query += ` ORDER BY slug`

	orgs := make([]models.Organization, 0)
	if err := r.db.SelectContext(ctx, &orgs, query); err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	return orgs, nil
}

// CreateOrganization provisions a new, active organization. A duplicate slug yields ErrDuplicate.
func (r *OrganizationRepository) CreateOrganization(ctx context.Context, org *models.Organization) error {
	query := `
		INSERT INTO organizations (slug, display_name, active)
		VALUES ($1, $2, true)
		RETURNING id, active, created_at, updated_at
	`

	err := r.db.QueryRowContext(ctx, query, org.Slug, org.DisplayName).Scan(
		&org.ID,
		&org.Active,
		&org.CreatedAt,
		&org.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("organization %q: %w", org.Slug, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create organization: %w", err)
	}
	return nil
}

// SetActive enables or soft-disables an organization. Organizations are never hard-deleted.
func (r *OrganizationRepository) SetActive(ctx context.Context, id string, active bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE organizations SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("failed to update organization: %w", err)
	}
	return requireRowsAffected(result)
}

// === Organization Membership Operations ===

// AddMember adds a user to an organization, or changes the role of an existing member.
func (r *OrganizationRepository) AddMember(ctx context.Context, orgID, userID string, role models.Role) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role: %s", role)
	}
	query := `
		INSERT INTO organization_members (organization_id, user_id, role, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (organization_id, user_id) DO UPDATE SET role = EXCLUDED.role
	`
	if _, err := r.db.ExecContext(ctx, query, orgID, userID, string(role)); err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

// RemoveMember removes a user from an organization. A user who is not a member yields ErrNotFound.
func (r *OrganizationRepository) RemoveMember(ctx context.Context, orgID, userID string) error {
	query := `DELETE FROM organization_members WHERE organization_id = $1 AND user_id = $2`
	result, err := r.db.ExecContext(ctx, query, orgID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	return requireRowsAffected(result)
}

// GetMember retrieves a user's membership in an organization
func (r *OrganizationRepository) GetMember(ctx context.Context, orgID, userID string) (*models.OrganizationMember, error) {
	query := `
		SELECT organization_id, user_id, role, created_at
		FROM organization_members
		WHERE organization_id = $1 AND user_id = $2
	`

	var member models.OrganizationMember
	err := r.db.GetContext(ctx, &member, query, orgID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return &member, nil
}

// ListMembers returns an organization's members ordered by email.
func (r *OrganizationRepository) ListMembers(ctx context.Context, orgID string) ([]models.Member, error) {
	query := `
		SELECT m.user_id, u.email, u.name, m.role, m.created_at
		FROM organization_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.organization_id = $1
		ORDER BY u.email
	`

	members := make([]models.Member, 0)
	if err := r.db.SelectContext(ctx, &members, query, orgID); err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return members, nil
}

// ListActiveMemberships returns the user's memberships in organizations that are still active.
// Disabled organizations never appear, so they can never be resolved as a tenant.
func (r *OrganizationRepository) ListActiveMemberships(ctx context.Context, userID string) ([]models.UserMembership, error) {
	query := `
		SELECT m.organization_id, o.slug AS organization_slug, o.display_name AS organization_name,
		       m.role, m.created_at
		FROM organization_members m
		JOIN organizations o ON o.id = m.organization_id
		WHERE m.user_id = $1 AND o.active = true
		ORDER BY o.slug
	`

	memberships := make([]models.UserMembership, 0)
	if err := r.db.SelectContext(ctx, &memberships, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	return memberships, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func requireRowsAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
