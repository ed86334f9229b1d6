package catalog

import (
	"fmt"

	"github.com/granitedb/granite/core/storage_engine/dberror"
)

const (
	MaxTableNameLen  = 64
	MaxColumnNameLen = 32
)

// Column is one column definition.
type Column struct {
	Name       string `json:"name"`
	Type       Type   `json:"type"`
	Nullable   bool   `json:"nullable,omitempty"`
	PrimaryKey bool   `json:"primary_key,omitempty"`
}

// Schema is the ordered column set of a table. Exactly one column carries the
// primary key.
type Schema struct {
	Columns []Column `json:"columns"`
}

// validIdentifier enforces the classic rule: letter or underscore first, then
// letters, digits, underscores.
func validIdentifier(name string, maxLen int) bool {
	if name == "" || len(name) > maxLen {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// ValidateTableName rejects names that are empty, too long, or not
// identifiers.
func ValidateTableName(name string) error {
	if !validIdentifier(name, MaxTableNameLen) {
		return fmt.Errorf("%w: invalid table name %q", dberror.ErrSchemaViolation, name)
	}
	return nil
}

// ValidateIndexName applies the column identifier rule to index names.
func ValidateIndexName(name string) error {
	if !validIdentifier(name, MaxColumnNameLen) {
		return fmt.Errorf("%w: invalid index name %q", dberror.ErrSchemaViolation, name)
	}
	return nil
}

// Validate checks the schema definition itself: identifier rules, unique
// column names, exactly one non-nullable primary key.
func (s Schema) Validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("%w: table needs at least one column", dberror.ErrSchemaViolation)
	}
	seen := make(map[string]struct{}, len(s.Columns))
	pks := 0
	for _, col := range s.Columns {
		if !validIdentifier(col.Name, MaxColumnNameLen) {
			return fmt.Errorf("%w: invalid column name %q", dberror.ErrSchemaViolation, col.Name)
		}
		if _, dup := seen[col.Name]; dup {
			return fmt.Errorf("%w: duplicate column %q", dberror.ErrSchemaViolation, col.Name)
		}
		seen[col.Name] = struct{}{}
		if col.Type == TypeInvalid || col.Type > TypeDecimal {
			return fmt.Errorf("%w: column %q has no valid type", dberror.ErrSchemaViolation, col.Name)
		}
		if col.PrimaryKey {
			pks++
			if col.Nullable {
				return fmt.Errorf("%w: primary key column %q cannot be nullable", dberror.ErrSchemaViolation, col.Name)
			}
		}
	}
	if pks != 1 {
		return fmt.Errorf("%w: table needs exactly one primary key column, found %d", dberror.ErrSchemaViolation, pks)
	}
	return nil
}

// PrimaryKeyIndex returns the position of the primary key column. Call only
// on a validated schema.
func (s Schema) PrimaryKeyIndex() int {
	for i, col := range s.Columns {
		if col.PrimaryKey {
			return i
		}
	}
	return -1
}

// ColumnIndex returns the position of the named column, -1 when absent.
func (s Schema) ColumnIndex(name string) int {
	for i, col := range s.Columns {
		if col.Name == name {
			return i
		}
	}
	return -1
}

// ValidateRow checks a row against the schema: arity, per-column type, null
// admissibility.
func (s Schema) ValidateRow(row []Value) error {
	if len(row) != len(s.Columns) {
		return fmt.Errorf("%w: row has %d values, table has %d columns",
			dberror.ErrSchemaViolation, len(row), len(s.Columns))
	}
	for i, v := range row {
		col := s.Columns[i]
		if v.Type() != col.Type {
			return fmt.Errorf("%w: type mismatch for column %q: want %s, got %s",
				dberror.ErrSchemaViolation, col.Name, col.Type, v.Type())
		}
		if v.IsNull() && !col.Nullable {
			return fmt.Errorf("%w: column %q cannot be NULL", dberror.ErrSchemaViolation, col.Name)
		}
	}
	return nil
}
