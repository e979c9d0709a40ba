// Package registry builds and holds the per-entity operation descriptor
// sets: CRUD (always present), Block (hierarchy entities with parent_id/
// sort_key/depth/content), Task (completed/priority/due_date), and
// Rename/Move (filesystem-like). Each family is a plain descriptor-building
// function the caller composes explicitly per entity; there is no runtime
// capability probing.
package registry

import (
	"fmt"

	"github.com/syncstore/engine/pkg/operation"
	"github.com/syncstore/engine/pkg/schema"
	"github.com/syncstore/engine/pkg/value"
)

// Registry is the read-only-after-bootstrap map of entity_name ->
// descriptors.
type Registry struct {
	descriptors map[string][]operation.Descriptor
	frozen      bool
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{descriptors: make(map[string][]operation.Descriptor)}
}

// Register appends descriptors for entityName. Panics if the registry has
// already been frozen; bootstrap wiring is the only legal time to call
// this.
func (r *Registry) Register(entityName string, descriptors ...operation.Descriptor) {
	if r.frozen {
		panic("registry: Register called after Freeze")
	}
	r.descriptors[entityName] = append(r.descriptors[entityName], descriptors...)
}

// Freeze marks the registry read-only. Idempotent.
func (r *Registry) Freeze() { r.frozen = true }

// AllOperations returns every descriptor registered for entityName.
func (r *Registry) AllOperations(entityName string) []operation.Descriptor {
	return r.descriptors[entityName]
}

// CRUDDescriptors builds the always-present create/set_field/delete
// descriptor family for schema s.
func CRUDDescriptors(s *schema.EntitySchema) []operation.Descriptor {
	fieldsPrecondition := func(params map[string]value.Value) (bool, error) {
		name, ok := params["field"].AsString()
		if !ok {
			return false, fmt.Errorf("set_field: missing string param %q", "field")
		}
		return s.HasField(name), nil
	}

	return []operation.Descriptor{
		{
			EntityName:     s.EntityName,
			IDColumn:       s.PrimaryKey(),
			Name:           "create",
			DisplayName:    "Create",
			RequiredParams: fieldParams(s),
			AffectedFields: s.ColumnNames(),
		},
		{
			EntityName:     s.EntityName,
			IDColumn:       s.PrimaryKey(),
			Name:           "set_field",
			DisplayName:    "Edit field",
			RequiredParams: []operation.Param{{Name: "id", Kind: value.KindString, Required: true}, {Name: "field", Kind: value.KindString, Required: true}, {Name: "value", Required: true}},
			AffectedFields: s.ColumnNames(),
			Precondition:   fieldsPrecondition,
		},
		{
			EntityName:     s.EntityName,
			IDColumn:       s.PrimaryKey(),
			Name:           "delete",
			DisplayName:    "Delete",
			RequiredParams: []operation.Param{{Name: "id", Kind: value.KindString, Required: true}},
			AffectedFields: nil,
		},
	}
}

func fieldParams(s *schema.EntitySchema) []operation.Param {
	params := make([]operation.Param, 0, len(s.Fields))
	for _, f := range s.Fields {
		if f.PrimaryKey {
			continue
		}
		params = append(params, operation.Param{Name: f.Name, Kind: f.ValueKind, Required: !f.Nullable})
	}
	return params
}

// BlockFields names the columns a block-shaped entity uses for hierarchy
// and ordering.
type BlockFields struct {
	ParentID string
	SortKey  string
	Depth    string
	Content  string
}

// BlockDescriptors builds indent/outdent/move_block for a block-shaped
// entity. Each rewrites parent_id and recomputes a sort_key via
// pkg/ordering; the actual recomputation happens in the dispatcher's
// provider implementation, which is the only place that can read sibling
// keys transactionally — these descriptors only declare the operation's
// shape and affected fields.
func BlockDescriptors(s *schema.EntitySchema, f BlockFields) []operation.Descriptor {
	return []operation.Descriptor{
		{
			EntityName:     s.EntityName,
			IDColumn:       s.PrimaryKey(),
			Name:           "indent",
			DisplayName:    "Indent",
			RequiredParams: []operation.Param{{Name: "id", Kind: value.KindString, Required: true}, {Name: "new_parent_id", Kind: value.KindString, Required: true}},
			AffectedFields: []string{f.ParentID, f.SortKey, f.Depth},
		},
		{
			EntityName:     s.EntityName,
			IDColumn:       s.PrimaryKey(),
			Name:           "outdent",
			DisplayName:    "Outdent",
			RequiredParams: []operation.Param{{Name: "id", Kind: value.KindString, Required: true}},
			AffectedFields: []string{f.ParentID, f.SortKey, f.Depth},
		},
		{
			EntityName:  s.EntityName,
			IDColumn:    s.PrimaryKey(),
			Name:        "move_block",
			DisplayName: "Move",
			RequiredParams: []operation.Param{
				{Name: "id", Kind: value.KindString, Required: true},
				{Name: "new_parent_id", Kind: value.KindString, Required: true},
				{Name: "after", Kind: value.KindString, Required: false},
			},
			ParamMappings:  []operation.ParamMapping{{Provides: []string{"new_parent_id"}, From: "drop_target.id"}, {Provides: []string{"after"}, From: "drop_target.preceding_sibling_id"}},
			AffectedFields: []string{f.ParentID, f.SortKey},
		},
	}
}

// TaskFields names the columns a task-shaped entity uses.
type TaskFields struct {
	Completed string
	Priority  string
	DueDate   string
}

// TaskDescriptors builds set_completion/set_priority/set_due_date for a
// task-shaped entity.
func TaskDescriptors(s *schema.EntitySchema, f TaskFields) []operation.Descriptor {
	return []operation.Descriptor{
		{
			EntityName:     s.EntityName,
			IDColumn:       s.PrimaryKey(),
			Name:           "set_completion",
			DisplayName:    "Toggle completion",
			RequiredParams: []operation.Param{{Name: "id", Kind: value.KindString, Required: true}, {Name: "completed", Kind: value.KindBool, Required: true}},
			AffectedFields: []string{f.Completed},
			ParamMappings:  []operation.ParamMapping{{Provides: []string{"completed"}, From: "checkbox.checked"}},
		},
		{
			EntityName:     s.EntityName,
			IDColumn:       s.PrimaryKey(),
			Name:           "set_priority",
			DisplayName:    "Set priority",
			RequiredParams: []operation.Param{{Name: "id", Kind: value.KindString, Required: true}, {Name: "priority", Kind: value.KindInt64, Required: true}},
			AffectedFields: []string{f.Priority},
		},
		{
			EntityName:     s.EntityName,
			IDColumn:       s.PrimaryKey(),
			Name:           "set_due_date",
			DisplayName:    "Set due date",
			RequiredParams: []operation.Param{{Name: "id", Kind: value.KindString, Required: true}, {Name: "due_date", Kind: value.KindDateTime, Required: false}},
			AffectedFields: []string{f.DueDate},
		},
	}
}

// RenameMoveDescriptors builds rename/move for a filesystem-like entity.
func RenameMoveDescriptors(s *schema.EntitySchema, nameField, parentField string) []operation.Descriptor {
	return []operation.Descriptor{
		{
			EntityName:     s.EntityName,
			IDColumn:       s.PrimaryKey(),
			Name:           "rename",
			DisplayName:    "Rename",
			RequiredParams: []operation.Param{{Name: "id", Kind: value.KindString, Required: true}, {Name: "name", Kind: value.KindString, Required: true}},
			AffectedFields: []string{nameField},
		},
		{
			EntityName:     s.EntityName,
			IDColumn:       s.PrimaryKey(),
			Name:           "move",
			DisplayName:    "Move",
			RequiredParams: []operation.Param{{Name: "id", Kind: value.KindString, Required: true}, {Name: "parent_id", Kind: value.KindString, Required: true}},
			AffectedFields: []string{parentField},
		},
	}
}
