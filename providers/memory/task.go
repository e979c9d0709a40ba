// Package memory implements an in-memory task provider: a full operation,
// sync, and change-stream provider backed by a map instead of a network
// client. It exists for fast tests and demos, and is the reference
// implementation the end-to-end scenarios run against.
package memory

import (
	"fmt"
	"time"

	"github.com/syncstore/engine/pkg/schema"
	"github.com/syncstore/engine/pkg/value"
)

// Task is the block- and task-shaped entity this provider owns: it carries
// hierarchy fields (parent_id, sort_key, depth) and task fields (completed,
// priority, due_date), so the CRUD, block and task descriptor families in
// the registry apply.
type Task struct {
	ID        string
	Content   string
	Completed bool
	Priority  int64
	DueDate   *time.Time
	ParentID  string
	SortKey   string
	Depth     int64
}

// EntityName is the SQL table and dispatch name for tasks.
const EntityName = "tasks"

// TaskSchema builds the tasks entity schema.
func TaskSchema() (*schema.EntitySchema, error) {
	return schema.New(EntityName, "t", []schema.FieldSchema{
		{Name: "id", SQLType: schema.SQLText, ValueKind: value.KindString, PrimaryKey: true},
		{Name: "content", SQLType: schema.SQLText, ValueKind: value.KindString, Nullable: true},
		{Name: "completed", SQLType: schema.SQLInteger, ValueKind: value.KindBool, Nullable: true},
		{Name: "priority", SQLType: schema.SQLInteger, ValueKind: value.KindInt64, Nullable: true},
		{Name: "due_date", SQLType: schema.SQLText, ValueKind: value.KindDateTime, Nullable: true},
		{Name: "parent_id", SQLType: schema.SQLText, ValueKind: value.KindString, Nullable: true, Indexed: true},
		{Name: "sort_key", SQLType: schema.SQLText, ValueKind: value.KindString, Nullable: true, Indexed: true},
		{Name: "depth", SQLType: schema.SQLInteger, ValueKind: value.KindInt64, Nullable: true},
	})
}

// TaskCodec converts Task to and from the schema row form.
type TaskCodec struct{}

func (TaskCodec) ToRow(t Task) schema.Row {
	row := schema.Row{
		"id":        value.String(t.ID),
		"content":   value.String(t.Content),
		"completed": value.Bool(t.Completed),
		"priority":  value.Int64(t.Priority),
		"parent_id": value.String(t.ParentID),
		"sort_key":  value.String(t.SortKey),
		"depth":     value.Int64(t.Depth),
	}
	if t.DueDate != nil {
		row["due_date"] = value.DateTime(*t.DueDate)
	} else {
		row["due_date"] = value.Null()
	}
	return row
}

func (TaskCodec) FromRow(row schema.Row) (Task, error) {
	var t Task
	id, ok := row["id"].AsString()
	if !ok {
		return t, fmt.Errorf("task row has no id")
	}
	t.ID = id
	t.Content, _ = row["content"].AsString()
	t.Completed, _ = row["completed"].AsBool()
	t.Priority, _ = row["priority"].AsInt64()
	t.ParentID, _ = row["parent_id"].AsString()
	t.SortKey, _ = row["sort_key"].AsString()
	t.Depth, _ = row["depth"].AsInt64()
	if due, ok := row["due_date"].AsDateTime(); ok {
		t.DueDate = &due
	} else if s, ok := row["due_date"].AsString(); ok && s != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.DueDate = &parsed
		}
	}
	return t, nil
}
