// Package schema describes, for each entity type, the stable mapping between
// Go values and SQL rows. Schemas are descriptive, not generative: once
// bootstrapped they define DDL and row<->entity conversion exactly, with no
// runtime reflection.
package schema

import (
	"fmt"
	"strings"

	"github.com/syncstore/engine/pkg/value"
)

// SQLType is the column type as it appears in DDL. The storage backend is
// SQLite (see pkg/storage), so these are SQLite's type affinities.
type SQLType string

const (
	SQLText     SQLType = "TEXT"
	SQLInteger  SQLType = "INTEGER"
	SQLReal     SQLType = "REAL"
	SQLBlob     SQLType = "BLOB"
	SQLBoolean  SQLType = "INTEGER" // SQLite has no native boolean
)

// FieldSchema describes one column.
type FieldSchema struct {
	Name       string
	SQLType    SQLType
	ValueKind  value.Kind
	Nullable   bool
	PrimaryKey bool
	Indexed    bool
}

// Hidden system columns present on every entity table.
const (
	ColumnChangeOrigin = "_change_origin"
	ColumnVersion      = "_version"
	ColumnDirty        = "_dirty"
)

// EntitySchema is the stable description of one entity type T's table.
type EntitySchema struct {
	EntityName string // matches the SQL table name
	ShortName  string // optional
	Fields     []FieldSchema
	primaryKey string
}

// New builds an EntitySchema, validating exactly one primary-key field.
func New(entityName, shortName string, fields []FieldSchema) (*EntitySchema, error) {
	var pk string
	for _, f := range fields {
		if f.PrimaryKey {
			if pk != "" {
				return nil, fmt.Errorf("schema %s: multiple primary key fields (%s, %s)", entityName, pk, f.Name)
			}
			pk = f.Name
		}
	}
	if pk == "" {
		return nil, fmt.Errorf("schema %s: no primary key field", entityName)
	}
	return &EntitySchema{EntityName: entityName, ShortName: shortName, Fields: fields, primaryKey: pk}, nil
}

// PrimaryKey returns the name of the primary-key column.
func (s *EntitySchema) PrimaryKey() string { return s.primaryKey }

// Field looks up a field by name.
func (s *EntitySchema) Field(name string) (FieldSchema, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSchema{}, false
}

// HasField reports whether name is a declared field of this schema.
func (s *EntitySchema) HasField(name string) bool {
	_, ok := s.Field(name)
	return ok
}

// CreateTableDDL renders the CREATE TABLE statement for this entity,
// including the hidden system columns.
func (s *EntitySchema) CreateTableDDL() string {
	var cols []string
	for _, f := range s.Fields {
		col := fmt.Sprintf("%s %s", f.Name, f.SQLType)
		if f.PrimaryKey {
			col += " PRIMARY KEY"
		} else if !f.Nullable {
			col += " NOT NULL"
		}
		cols = append(cols, col)
	}
	cols = append(cols,
		fmt.Sprintf("%s TEXT", ColumnChangeOrigin),
		fmt.Sprintf("%s TEXT", ColumnVersion),
		fmt.Sprintf("%s INTEGER DEFAULT 0", ColumnDirty),
	)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", s.EntityName, strings.Join(cols, ",\n  "))
}

// CreateIndexDDL renders one CREATE INDEX statement per indexed, non-primary
// field.
func (s *EntitySchema) CreateIndexDDL() []string {
	var stmts []string
	for _, f := range s.Fields {
		if f.Indexed && !f.PrimaryKey {
			idxName := fmt.Sprintf("idx_%s_%s", s.EntityName, f.Name)
			stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)", idxName, s.EntityName, f.Name))
		}
	}
	return stmts
}

// ColumnNames returns the declared field names in schema order (excludes
// hidden system columns).
func (s *EntitySchema) ColumnNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Row is a decoded SQL row as a field-name -> Value map, used as the
// intermediate form between T and SQL. Concrete entity types implement
// RowCodec to convert to/from this form; EntitySchema only validates shape.
type Row map[string]value.Value

// Validate checks that row carries exactly the declared fields. Missing
// nullable fields are tolerated; an unknown field is a hard error, since a
// row that silently drops data would corrupt the cache it lands in.
func (s *EntitySchema) Validate(row Row) error {
	for name := range row {
		if name == ColumnChangeOrigin || name == ColumnVersion || name == ColumnDirty {
			continue
		}
		if !s.HasField(name) {
			return fmt.Errorf("schema %s: unknown field %q", s.EntityName, name)
		}
	}
	for _, f := range s.Fields {
		v, ok := row[f.Name]
		if !ok {
			if !f.Nullable && !f.PrimaryKey {
				return fmt.Errorf("schema %s: missing required field %q", s.EntityName, f.Name)
			}
			continue
		}
		if v.IsNull() && !f.Nullable {
			return fmt.Errorf("schema %s: field %q is not nullable", s.EntityName, f.Name)
		}
	}
	return nil
}

// RowCodec is implemented by concrete entity types to convert to and from the
// schema's row representation.
type RowCodec[T any] interface {
	ToRow(T) Row
	FromRow(Row) (T, error)
}

// IdentityCodec is the RowCodec for callers that work in Row form directly,
// e.g. a provider streaming rows of a remote table with no dedicated Go
// struct.
type IdentityCodec struct{}

func (IdentityCodec) ToRow(r Row) Row            { return r }
func (IdentityCodec) FromRow(r Row) (Row, error) { return r, nil }
