package scoped

import (
	"fmt"
	"strings"
)

// Operators accepted in a Condition.
const (
	OpEq        = "="
	OpNotEq     = "<>"
	OpLt        = "<"
	OpLte       = "<="
	OpGt        = ">"
	OpGte       = ">="
	OpILike     = "ILIKE"
	OpIsNull    = "IS NULL"
	OpIsNotNull = "IS NOT NULL"
)

var validOps = map[string]bool{
	OpEq: true, OpNotEq: true, OpLt: true, OpLte: true, OpGt: true, OpGte: true,
	OpILike: true, OpIsNull: true, OpIsNotNull: true,
}

// Condition restricts a list to rows where Column Op Value holds. Value is ignored for the
// IS NULL operators.
type Condition struct {
	Column string
	Op     string
	Value  interface{}
}

// Filter narrows and pages a list. Conditions are ANDed with the organization predicate;
// column names are checked against the table descriptor and never interpolated unchecked.
type Filter struct {
	Conditions []Condition
	OrderBy    string
	Descending bool
	Limit      int
	Offset     int
}

func (f Filter) where(t Table, orgID *string) (string, []interface{}, error) {
	var (
		clauses []string
		args    []interface{}
	)
	if orgID != nil {
		args = append(args, *orgID)
		clauses = append(clauses, "organization_id = $1")
	}
	for _, c := range f.Conditions {
		if !t.hasColumn(c.Column) {
			return "", nil, fmt.Errorf("%w: unknown column %q", ErrInvalidFilter, c.Column)
		}
		op := strings.ToUpper(strings.TrimSpace(c.Op))
		if !validOps[op] {
			return "", nil, fmt.Errorf("%w: unsupported operator %q", ErrInvalidFilter, c.Op)
		}
		if op == OpIsNull || op == OpIsNotNull {
			clauses = append(clauses, c.Column+" "+op)
			continue
		}
		args = append(args, c.Value)
		clauses = append(clauses, fmt.Sprintf("%s %s $%d", c.Column, op, len(args)))
	}
	if len(clauses) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func (f Filter) orderBy(t Table) (string, error) {
	col := f.OrderBy
	if col == "" {
		col = t.DefaultOrder
	}
	if col == "" {
		col = "id"
	}
	if !t.hasColumn(col) {
		return "", fmt.Errorf("%w: unknown order column %q", ErrInvalidFilter, col)
	}
	dir := " ASC"
	if f.Descending {
		dir = " DESC"
	}
	// id breaks ties so paging is stable.
	if col == "id" {
		return " ORDER BY id" + dir, nil
	}
	return " ORDER BY " + col + dir + ", id", nil
}
