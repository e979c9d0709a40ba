package oplog

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncstore/engine/pkg/operation"
	"github.com/syncstore/engine/pkg/value"
)

func openLog(t *testing.T) *Log {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	l, err := Open(context.Background(), db)
	require.NoError(t, err)
	return l
}

func TestAppendAndGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := openLog(t)

	op := operation.New("tasks", "create", "Create task", map[string]value.Value{
		"content": value.String("hello"),
	})
	inverse := operation.New("tasks", "delete", "Delete task", map[string]value.Value{
		"id": value.String("t1"),
	})

	id, err := l.Append(ctx, op, &inverse, op.DisplayName, time.Now().UnixMilli())
	require.NoError(t, err)
	require.Positive(t, id)

	entry, err := l.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, StatusPendingSync, entry.Status)
	assert.Equal(t, "tasks", entry.EntityName)
	assert.Equal(t, "create", entry.OpName)
	assert.Equal(t, "Create task", entry.DisplayName)
	require.NotNil(t, entry.Inverse)
	assert.Equal(t, "delete", entry.Inverse.OpName)
	assert.True(t, value.Equal(value.String("hello"), entry.Operation.Params["content"]))
}

func TestIrreversibleEntryHasNoInverse(t *testing.T) {
	ctx := context.Background()
	l := openLog(t)

	op := operation.New("todo.sync", "sync", "Sync todo", nil)
	id, err := l.Append(ctx, op, nil, op.DisplayName, 0)
	require.NoError(t, err)

	entry, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, entry.Inverse)
}

func TestStatusTransitions(t *testing.T) {
	ctx := context.Background()
	l := openLog(t)

	op := operation.New("tasks", "delete", "Delete", nil)
	id, err := l.Append(ctx, op, nil, "Delete", 0)
	require.NoError(t, err)

	for _, status := range []Status{StatusSynced, StatusUndone, StatusCancelled} {
		require.NoError(t, l.SetStatus(ctx, id, status))
		entry, err := l.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, status, entry.Status)
	}
}

func TestListByEntityOrdersByCreation(t *testing.T) {
	ctx := context.Background()
	l := openLog(t)

	for i, name := range []string{"first", "second", "third"} {
		op := operation.New("tasks", name, name, nil)
		_, err := l.Append(ctx, op, nil, name, int64(i))
		require.NoError(t, err)
	}
	other := operation.New("blocks", "create", "Create", nil)
	_, err := l.Append(ctx, other, nil, "Create", 99)
	require.NoError(t, err)

	entries, err := l.ListByEntity(ctx, "tasks")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "first", entries[0].OpName)
	assert.Equal(t, "third", entries[2].OpName)
}

func TestObserverPersistsWithPendingSync(t *testing.T) {
	ctx := context.Background()
	l := openLog(t)
	o := NewObserver(l)
	assert.Equal(t, "*", o.EntityFilter())

	op := operation.New("tasks", "create", "Create task", nil)
	inverse := operation.New("tasks", "delete", "Delete task", nil)
	require.NoError(t, o.Notify(ctx, op, operation.Undo(inverse)))

	entries, err := l.ListByEntity(ctx, "tasks")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusPendingSync, entries[0].Status)
	require.NotNil(t, entries[0].Inverse)
}
