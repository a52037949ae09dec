// Package scoped is the data-access layer for tenant-owned entities. Every query issued through
// a Scope carries an organization_id predicate taken from a tenant.Context, so a row owned by
// another organization is indistinguishable from a row that does not exist.
//
// Entity types opt in by implementing Entity. Types that do not implement it cannot be used with
// this package at all; there is no runtime probing for an organization field.
//
// Cross-organization access is a separate type, Elevated, obtained from AllOrganizations with a
// tenant.Elevated value. It is not reachable from a Scope.
package scoped

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/docvault/docvault/internal/tenant"
)

var (
	// ErrNotFound covers both absent rows and rows owned by another organization.
	ErrNotFound = errors.New("not found")
	// ErrConflict means the row changed since it was read (optimistic lock).
	ErrConflict = errors.New("row was modified concurrently")
	// ErrInvalidContext is returned when a Scope was built from a zero or incomplete tenant.Context.
	ErrInvalidContext = errors.New("invalid tenant context")
	// ErrElevationRequired is returned when AllOrganizations is used without a minted elevated context.
	ErrElevationRequired = errors.New("elevated context required")
	// ErrInvalidFilter is returned for filters naming unknown columns or operators.
	ErrInvalidFilter = errors.New("invalid filter")
)

// TenantOwned is the capability an entity type declares to be scoped by organization.
type TenantOwned interface {
	OwnerOrganizationID() string
	AssignOrganization(orgID string)
}

// Entity is a tenant-owned row with a uuid primary key and an optimistic-lock version column.
type Entity interface {
	TenantOwned
	EntityID() string
	AssignID(id string)
	RowVersion() int64
	SetRowVersion(v int64)
}

// Table describes how an entity maps onto its table. Column names must match the db tags of
// the entity struct. The id, organization_id, version, created_at and updated_at columns are
// managed by the repository and must not appear in Insert or Update.
type Table struct {
	Name    string
	Columns []string // every selected column
	Insert  []string // caller-supplied columns written on create
	Update  []string // caller-supplied columns written on update
	// DefaultOrder is used when a filter does not name an order column.
	DefaultOrder string
}

func (t Table) selectList() string {
	return strings.Join(t.Columns, ", ")
}

func (t Table) hasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Repository provides tenant-scoped CRUD for one entity type. T is the struct type and PT its
// pointer type, which must implement Entity.
type Repository[T any, PT interface {
	*T
	Entity
}] struct {
	db    *sqlx.DB
	table Table
}

// New creates a Repository for the given table.
func New[T any, PT interface {
	*T
	Entity
}](db *sqlx.DB, table Table) *Repository[T, PT] {
	return &Repository[T, PT]{db: db, table: table}
}

// Scope is a Repository bound to one organization. It is created per operation and never shared.
type Scope[T any, PT interface {
	*T
	Entity
}] struct {
	repo  *Repository[T, PT]
	orgID string
	valid bool
}

// ForTenant binds the repository to the organization of tc. An invalid context yields a Scope
// whose every method returns ErrInvalidContext.
func (r *Repository[T, PT]) ForTenant(tc tenant.Context) *Scope[T, PT] {
	return &Scope[T, PT]{repo: r, orgID: tc.OrganizationID(), valid: tc.Valid()}
}

// Find returns the entity with the given id in the scope's organization.
func (s *Scope[T, PT]) Find(ctx context.Context, id string) (PT, error) {
	if !s.valid {
		return nil, ErrInvalidContext
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	t := s.repo.table
	query := `SELECT ` + t.selectList() + ` FROM ` + t.Name + ` WHERE id = $1 AND organization_id = $2`

	var row T
	err := s.repo.db.GetContext(ctx, &row, query, id, s.orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find %s: %w", t.Name, err)
	}
	return PT(&row), nil
}

// List returns the entities of the scope's organization matching the filter.
func (s *Scope[T, PT]) List(ctx context.Context, filter Filter) ([]PT, error) {
	if !s.valid {
		return nil, ErrInvalidContext
	}
	return s.repo.list(ctx, filter, &s.orgID)
}

// Count returns the number of entities in the scope's organization matching the filter's
// conditions. Ordering and paging are ignored.
func (s *Scope[T, PT]) Count(ctx context.Context, filter Filter) (int, error) {
	if !s.valid {
		return 0, ErrInvalidContext
	}
	return s.repo.count(ctx, filter, &s.orgID)
}

// Create inserts the entity into the scope's organization. The organization, id and version are
// assigned here; any organization the caller set on the entity is overwritten.
func (s *Scope[T, PT]) Create(ctx context.Context, entity PT) error {
	if !s.valid {
		return ErrInvalidContext
	}
	entity.AssignOrganization(s.orgID)
	if entity.EntityID() == "" {
		entity.AssignID(uuid.New().String())
	}
	entity.SetRowVersion(1)

	t := s.repo.table
	cols := append([]string{"id", "organization_id", "version"}, t.Insert...)
	binds := make([]string, len(cols))
	for i, c := range cols {
		binds[i] = ":" + c
	}
	query := `INSERT INTO ` + t.Name + ` (` + strings.Join(cols, ", ") + `) VALUES (` +
		strings.Join(binds, ", ") + `) RETURNING ` + t.selectList()

	if err := s.repo.namedReturning(ctx, query, entity); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to create %s: no row returned", t.Name)
		}
		return fmt.Errorf("failed to create %s: %w", t.Name, err)
	}
	return nil
}

// Update writes the entity's mutable columns if it belongs to the scope's organization and its
// version matches the stored one. On success the entity is refreshed from the stored row,
// including the incremented version.
func (s *Scope[T, PT]) Update(ctx context.Context, entity PT) error {
	if !s.valid {
		return ErrInvalidContext
	}
	if entity.OwnerOrganizationID() != s.orgID {
		return ErrNotFound
	}
	if _, err := uuid.Parse(entity.EntityID()); err != nil {
		return ErrNotFound
	}
	return s.repo.update(ctx, entity, true)
}

// Delete removes the entity with the given id from the scope's organization.
func (s *Scope[T, PT]) Delete(ctx context.Context, id string) error {
	if !s.valid {
		return ErrInvalidContext
	}
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	t := s.repo.table
	result, err := s.repo.db.ExecContext(ctx,
		`DELETE FROM `+t.Name+` WHERE id = $1 AND organization_id = $2`, id, s.orgID)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", t.Name, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository[T, PT]) list(ctx context.Context, filter Filter, orgID *string) ([]PT, error) {
	where, args, err := filter.where(r.table, orgID)
	if err != nil {
		return nil, err
	}
	order, err := filter.orderBy(r.table)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + r.table.selectList() + ` FROM ` + r.table.Name + where + order
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows := make([]T, 0)
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", r.table.Name, err)
	}
	out := make([]PT, len(rows))
	for i := range rows {
		out[i] = PT(&rows[i])
	}
	return out, nil
}

func (r *Repository[T, PT]) count(ctx context.Context, filter Filter, orgID *string) (int, error) {
	where, args, err := filter.where(r.table, orgID)
	if err != nil {
		return 0, err
	}
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM `+r.table.Name+where, args...); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", r.table.Name, err)
	}
	return n, nil
}

// update issues the optimistic-lock UPDATE. With scopeByOrg the organization predicate is added;
// the elevated path only matches on id.
func (r *Repository[T, PT]) update(ctx context.Context, entity PT, scopeByOrg bool) error {
	t := r.table
	sets := make([]string, 0, len(t.Update)+2)
	for _, c := range t.Update {
		sets = append(sets, c+" = :"+c)
	}
	sets = append(sets, "version = version + 1", "updated_at = NOW()")

	query := `UPDATE ` + t.Name + ` SET ` + strings.Join(sets, ", ") + ` WHERE id = :id`
	if scopeByOrg {
		query += ` AND organization_id = :organization_id`
	}
	query += ` AND version = :version RETURNING ` + t.selectList()

	err := r.namedReturning(ctx, query, entity)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to update %s: %w", t.Name, err)
	}

	// Nothing matched: tell a stale version apart from a missing row.
	versionQuery := `SELECT version FROM ` + t.Name + ` WHERE id = $1`
	args := []interface{}{entity.EntityID()}
	if scopeByOrg {
		versionQuery += ` AND organization_id = $2`
		args = append(args, entity.OwnerOrganizationID())
	}
	var current int64
	perr := r.db.GetContext(ctx, &current, versionQuery, args...)
	if errors.Is(perr, sql.ErrNoRows) {
		return ErrNotFound
	}
	if perr != nil {
		return fmt.Errorf("failed to update %s: %w", t.Name, perr)
	}
	return ErrConflict
}

// namedReturning runs a named statement with a RETURNING clause and scans the single returned
// row back into entity. sql.ErrNoRows is returned when no row was produced.
func (r *Repository[T, PT]) namedReturning(ctx context.Context, query string, entity PT) error {
	rows, err := r.db.NamedQueryContext(ctx, query, entity)
	if err != nil {
		return err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return sql.ErrNoRows
	}
	return rows.StructScan(entity)
}
