package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncstore/engine/pkg/broadcast"
	"github.com/syncstore/engine/pkg/change"
	"github.com/syncstore/engine/pkg/schema"
	"github.com/syncstore/engine/pkg/value"
)

func openBackend(t *testing.T) (*Backend, *schema.EntitySchema) {
	t.Helper()
	ctx := context.Background()
	b, err := Open(ctx, ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	s, err := schema.New("notes", "n", []schema.FieldSchema{
		{Name: "id", SQLType: schema.SQLText, ValueKind: value.KindString, PrimaryKey: true},
		{Name: "title", SQLType: schema.SQLText, ValueKind: value.KindString, Nullable: true},
		{Name: "pinned", SQLType: schema.SQLInteger, ValueKind: value.KindBool, Nullable: true},
	})
	require.NoError(t, err)
	require.NoError(t, b.RegisterSchema(ctx, s))
	return b, s
}

func note(id, title string, pinned bool) schema.Row {
	return schema.Row{
		"id":     value.String(id),
		"title":  value.String(title),
		"pinned": value.Bool(pinned),
	}
}

func TestInsertGetUpdateDelete(t *testing.T) {
	ctx := context.Background()
	b, s := openBackend(t)

	require.NoError(t, b.Insert(ctx, s, note("n1", "first", false), change.Remote("", "")))

	row, ok, err := b.Get(ctx, s, "n1")
	require.NoError(t, err)
	require.True(t, ok)
	title, _ := row["title"].AsString()
	assert.Equal(t, "first", title)

	require.NoError(t, b.Update(ctx, s, "n1", schema.Row{"title": value.String("renamed")}, change.Remote("", "")))
	row, _, err = b.Get(ctx, s, "n1")
	require.NoError(t, err)
	title, _ = row["title"].AsString()
	assert.Equal(t, "renamed", title)
	pinned, _ := row["pinned"].AsBool()
	assert.False(t, pinned)

	require.NoError(t, b.Delete(ctx, s, "n1"))
	_, ok, err = b.Get(ctx, s, "n1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateUnknownColumnIsSchemaMismatch(t *testing.T) {
	ctx := context.Background()
	b, s := openBackend(t)
	require.NoError(t, b.Insert(ctx, s, note("n1", "x", false), change.Remote("", "")))
	err := b.Update(ctx, s, "n1", schema.Row{"bogus": value.String("y")}, change.Remote("", ""))
	assert.Error(t, err)
}

func TestUpsertInsertsThenOverwrites(t *testing.T) {
	ctx := context.Background()
	b, s := openBackend(t)

	require.NoError(t, b.Upsert(ctx, s, note("n1", "v1", false), change.Remote("", "")))
	require.NoError(t, b.Upsert(ctx, s, note("n1", "v2", true), change.Remote("", "")))

	row, ok, err := b.Get(ctx, s, "n1")
	require.NoError(t, err)
	require.True(t, ok)
	title, _ := row["title"].AsString()
	assert.Equal(t, "v2", title)
	pinned, _ := row["pinned"].AsBool()
	assert.True(t, pinned)
}

func receiveChange(t *testing.T, ch <-chan broadcast.Envelope[RowChange]) RowChange {
	t.Helper()
	select {
	case env := <-ch:
		require.Nil(t, env.Lagged)
		return env.Value
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for CDC event")
		return RowChange{}
	}
}

func TestCDCCarriesOriginOnEveryIngestWrite(t *testing.T) {
	ctx := context.Background()
	b, s := openBackend(t)

	ch, sub := b.SubscribeChanges()
	defer sub.Unsubscribe()

	origin := change.Local("op-7", "trace-7")
	require.NoError(t, b.Insert(ctx, s, note("n1", "x", false), origin))

	rc := receiveChange(t, ch)
	assert.Equal(t, "notes", rc.Table)
	assert.Equal(t, "n1", rc.ID)
	assert.Equal(t, RowAdded, rc.Kind)
	require.NotNil(t, rc.ChangeOrigin)
	assert.Equal(t, "op-7", rc.ChangeOrigin.OperationID)
	assert.True(t, rc.ChangeOrigin.IsLocal())

	require.NoError(t, b.Update(ctx, s, "n1", schema.Row{"title": value.String("y")}, change.Remote("", "")))
	rc = receiveChange(t, ch)
	assert.Equal(t, RowUpdated, rc.Kind)
	require.NotNil(t, rc.ChangeOrigin)
	assert.False(t, rc.ChangeOrigin.IsLocal())

	require.NoError(t, b.Delete(ctx, s, "n1"))
	rc = receiveChange(t, ch)
	assert.Equal(t, RowRemoved, rc.Kind)
	assert.Equal(t, "n1", rc.ID)
}

func TestCommandTablesAreCreated(t *testing.T) {
	ctx := context.Background()
	b, _ := openBackend(t)
	require.NoError(t, b.RegisterCommandTables(ctx))

	_, err := b.Execute(ctx, `INSERT INTO commands (id, entity_id, command_type, payload, target_system, created_at) VALUES ('c1', 'e1', 'create', '{}', 'remote', 0)`)
	require.NoError(t, err)
	_, err = b.Execute(ctx, `INSERT INTO id_mappings (internal_id, source, command_id, state, created_at) VALUES ('i1', 'remote', 'c1', 'pending', 0)`)
	require.NoError(t, err)
}
