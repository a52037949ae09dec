// Package repositories implements the data access layer for docvault's platform-level entities
// (organizations, users, audit records). Tenant-owned entities go through the scoped package instead.
// Handlers never issue SQL directly; all database access goes through this layer.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/docvault/docvault/internal/db/models"
)

var (
	// ErrNotFound is returned by mutations that matched no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique constraint is violated.
	ErrDuplicate = errors.New("already exists")
)

// UserRepository handles user database operations
type UserRepository struct {
	db   *sqlx.DB
	orgs *OrganizationRepository
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db, orgs: NewOrganizationRepository(db)}
}

const userColumns = `id, email, name, auth_source, second_factor_enabled, superuser, active, created_at, updated_at`

// CreateUser creates a new user. Email is stored lower-cased.
func (r *UserRepository) CreateUser(ctx context.Context, user *models.User) error {
	if user.AuthSource == "" {
		user.AuthSource = models.AuthSourceLocal
	}
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))

	query := `
		INSERT INTO users (email, name, auth_source, second_factor_enabled, superuser, active)
		VALUES ($1, $2, $3, $4, $5, true)
		RETURNING id, active, created_at, updated_at
	`
	err := r.db.QueryRowContext(ctx, query,
		user.Email,
		user.Name,
		user.AuthSource,
		user.SecondFactorEnabled,
		user.Superuser,
	).Scan(&user.ID, &user.Active, &user.CreatedAt, &user.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %q: %w", user.Email, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUserByID retrieves a user by ID
func (r *UserRepository) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// GetUserByEmail retrieves a user by email
func (r *UserRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE email = $1`,
		strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// SetSecondFactorEnabled records whether the user has a verified second-factor device.
func (r *UserRepository) SetSecondFactorEnabled(ctx context.Context, userID string, enabled bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET second_factor_enabled = $2, updated_at = NOW() WHERE id = $1`, userID, enabled)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return requireRowsAffected(result)
}

// GetUserWithMemberships loads a user together with their active organization memberships.
func (r *UserRepository) GetUserWithMemberships(ctx context.Context, userID string) (*models.UserWithMemberships, error) {
	user, err := r.GetUserByID(ctx, userID)
	if err != nil || user == nil {
		return nil, err
	}
	memberships, err := r.orgs.ListActiveMemberships(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &models.UserWithMemberships{User: *user, Memberships: memberships}, nil
}
