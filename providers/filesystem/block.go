// Package filesystem implements a directory-backed block provider: each
// block is one JSON document in a watched directory, and OS-level
// create/write/remove events become typed change batches. The watch loop is
// built on fsnotify.
package filesystem

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/syncstore/engine/pkg/schema"
	"github.com/syncstore/engine/pkg/value"
)

// Block is a file-backed outline node.
type Block struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
	SortKey  string `json:"sort_key,omitempty"`
	Depth    int64  `json:"depth,omitempty"`
	Content  string `json:"content,omitempty"`
}

// EntityName is the SQL table and dispatch name for blocks.
const EntityName = "blocks"

const fileExt = ".json"

// BlockSchema builds the blocks entity schema.
func BlockSchema() (*schema.EntitySchema, error) {
	return schema.New(EntityName, "b", []schema.FieldSchema{
		{Name: "id", SQLType: schema.SQLText, ValueKind: value.KindString, PrimaryKey: true},
		{Name: "name", SQLType: schema.SQLText, ValueKind: value.KindString, Nullable: true},
		{Name: "parent_id", SQLType: schema.SQLText, ValueKind: value.KindString, Nullable: true, Indexed: true},
		{Name: "sort_key", SQLType: schema.SQLText, ValueKind: value.KindString, Nullable: true, Indexed: true},
		{Name: "depth", SQLType: schema.SQLInteger, ValueKind: value.KindInt64, Nullable: true},
		{Name: "content", SQLType: schema.SQLText, ValueKind: value.KindString, Nullable: true},
	})
}

// BlockCodec converts Block to and from the schema row form.
type BlockCodec struct{}

func (BlockCodec) ToRow(b Block) schema.Row {
	return schema.Row{
		"id":        value.String(b.ID),
		"name":      value.String(b.Name),
		"parent_id": value.String(b.ParentID),
		"sort_key":  value.String(b.SortKey),
		"depth":     value.Int64(b.Depth),
		"content":   value.String(b.Content),
	}
}

func (BlockCodec) FromRow(row schema.Row) (Block, error) {
	var b Block
	id, ok := row["id"].AsString()
	if !ok {
		return b, fmt.Errorf("block row has no id")
	}
	b.ID = id
	b.Name, _ = row["name"].AsString()
	b.ParentID, _ = row["parent_id"].AsString()
	b.SortKey, _ = row["sort_key"].AsString()
	b.Depth, _ = row["depth"].AsInt64()
	b.Content, _ = row["content"].AsString()
	return b, nil
}

func blockPath(dir, id string) string {
	return filepath.Join(dir, id+fileExt)
}

func readBlock(path string) (Block, error) {
	var b Block
	raw, err := os.ReadFile(path)
	if err != nil {
		return b, err
	}
	if err := json.Unmarshal(raw, &b); err != nil {
		return b, fmt.Errorf("block %s: %w", filepath.Base(path), err)
	}
	if b.ID == "" {
		b.ID = idFromPath(path)
	}
	return b, nil
}

func writeBlock(path string, b Block) error {
	raw, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func idFromPath(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(fileExt)]
}

func isBlockFile(path string) bool {
	return filepath.Ext(path) == fileExt
}
