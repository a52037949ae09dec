package scoped

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/docvault/docvault/internal/tenant"
)

// Elevated is the cross-organization view of a repository used by platform-operator tooling
// such as bulk key rewrapping. It can only be built from a tenant.Elevated minted by
// tenant.Resolver.Elevate, which audits the grant.
type Elevated[T any, PT interface {
	*T
	Entity
}] struct {
	repo  *Repository[T, PT]
	grant string
	valid bool
}

// AllOrganizations returns the cross-organization view. An unminted elevated context yields a
// view whose every method returns ErrElevationRequired.
func (r *Repository[T, PT]) AllOrganizations(el tenant.Elevated) *Elevated[T, PT] {
	return &Elevated[T, PT]{repo: r, grant: el.GrantID(), valid: el.Valid()}
}

// GrantID is the audit record id of the elevated_access grant behind this view.
func (e *Elevated[T, PT]) GrantID() string { return e.grant }

// Find returns the entity with the given id regardless of its organization.
func (e *Elevated[T, PT]) Find(ctx context.Context, id string) (PT, error) {
	if !e.valid {
		return nil, ErrElevationRequired
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	t := e.repo.table
	var row T
	err := e.repo.db.GetContext(ctx, &row, `SELECT `+t.selectList()+` FROM `+t.Name+` WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find %s: %w", t.Name, err)
	}
	return PT(&row), nil
}

// List returns entities of every organization matching the filter.
func (e *Elevated[T, PT]) List(ctx context.Context, filter Filter) ([]PT, error) {
	if !e.valid {
		return nil, ErrElevationRequired
	}
	return e.repo.list(ctx, filter, nil)
}

// Update writes the entity's mutable columns with the same optimistic locking as the scoped
// path. The owning organization is never changed.
func (e *Elevated[T, PT]) Update(ctx context.Context, entity PT) error {
	if !e.valid {
		return ErrElevationRequired
	}
	if _, err := uuid.Parse(entity.EntityID()); err != nil {
		return ErrNotFound
	}
	return e.repo.update(ctx, entity, false)
}
