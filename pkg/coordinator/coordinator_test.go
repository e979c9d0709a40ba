package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncstore/engine/pkg/cache"
	"github.com/syncstore/engine/pkg/change"
	"github.com/syncstore/engine/pkg/config"
	"github.com/syncstore/engine/pkg/errs"
	"github.com/syncstore/engine/pkg/operation"
	"github.com/syncstore/engine/pkg/schema"
	"github.com/syncstore/engine/pkg/value"
	"github.com/syncstore/engine/providers/memory"
)

type fixture struct {
	engine   *Engine
	provider *memory.Provider
	cache    *cache.Cache[memory.Task]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	cfg := config.New()
	cfg.Update(map[string]string{"storage.path": ":memory:"})
	eng := NewEngine(cfg)
	require.NoError(t, eng.Start(ctx))
	t.Cleanup(func() { eng.Stop(ctx) })

	p, err := memory.New("todo", nil)
	require.NoError(t, err)
	require.NoError(t, eng.Backend().RegisterSchema(ctx, p.Schema()))
	eng.AddProvider(memory.EntityName, p)
	eng.AddSyncable(p)
	eng.Registry().Register(memory.EntityName, p.Operations()...)
	eng.Registry().Freeze()

	c := cache.New[memory.Task](eng.Backend(), p.Schema(), memory.TaskCodec{}, nil)
	stream, sub := p.SubscribeChanges()
	t.Cleanup(sub.Unsubscribe)
	c.Ingest(ctx, stream)
	t.Cleanup(c.Stop)

	return &fixture{engine: eng, provider: p, cache: c}
}

func (f *fixture) createTask(t *testing.T, content string) string {
	t.Helper()
	_, err := f.engine.ExecuteOperation(context.Background(), operation.New(
		memory.EntityName, "create", "Create task",
		map[string]value.Value{"content": value.String(content)}))
	require.NoError(t, err)
	id, ok := f.provider.GetLastCreatedID()
	require.True(t, ok)
	return id
}

func (f *fixture) waitForContent(t *testing.T, id, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, ok, err := f.cache.GetByID(context.Background(), id)
		return err == nil && ok && task.Content == want
	}, 2*time.Second, 10*time.Millisecond, "task %s never reached content %q", id, want)
}

// Local create echoed through ingest: the operation returns a delete
// inverse, the cache materializes the row, and a watcher observes exactly
// one Created change tagged Local with the originating operation id.
func TestLocalCreateEchoedThroughIngest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	watch, unsubscribe, err := f.cache.WatchChangesSince(ctx, change.Beginning)
	require.NoError(t, err)
	defer unsubscribe()

	action, err := f.engine.ExecuteOperation(ctx, operation.New(
		memory.EntityName, "create", "Create task",
		map[string]value.Value{"content": value.String("hello")}))
	require.NoError(t, err)
	require.False(t, action.IsIrreversible())
	assert.Equal(t, "delete", action.Inverse.OpName)

	id, ok := f.provider.GetLastCreatedID()
	require.True(t, ok)
	inverseID, _ := action.Inverse.Params["id"].AsString()
	assert.Equal(t, id, inverseID)

	f.waitForContent(t, id, "hello")

	select {
	case ch := <-watch:
		assert.Equal(t, change.KindCreated, ch.Kind)
		assert.Equal(t, "hello", ch.Data.Content)
		assert.True(t, ch.Origin.IsLocal())
		assert.NotEmpty(t, ch.Origin.OperationID)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never observed the create")
	}
}

// Undo/redo of a field change: undo restores the old value, redo reapplies
// the new one, and the stacks keep their sizes through the round trip.
func TestUndoRedoFieldChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id := f.createTask(t, "a")
	f.waitForContent(t, id, "a")

	_, err := f.engine.ExecuteOperation(ctx, operation.New(
		memory.EntityName, "set_field", "Edit content to b",
		map[string]value.Value{
			"id":    value.String(id),
			"field": value.String("content"),
			"value": value.String("b"),
		}))
	require.NoError(t, err)
	f.waitForContent(t, id, "b")
	undoBefore := f.engine.UndoStack().UndoLen()

	_, err = f.engine.Undo(ctx)
	require.NoError(t, err)
	f.waitForContent(t, id, "a")
	assert.Equal(t, undoBefore-1, f.engine.UndoStack().UndoLen())
	assert.Equal(t, 1, f.engine.UndoStack().RedoLen())

	_, err = f.engine.Redo(ctx)
	require.NoError(t, err)
	f.waitForContent(t, id, "b")
	assert.Equal(t, undoBefore, f.engine.UndoStack().UndoLen())
	assert.Equal(t, 0, f.engine.UndoStack().RedoLen())
}

func TestUndoOfCreateDeletesTheRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id := f.createTask(t, "ephemeral")
	f.waitForContent(t, id, "ephemeral")

	_, err := f.engine.Undo(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok, _ := f.cache.GetByID(ctx, id)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	// Redo re-creates it under the same id.
	_, err = f.engine.Redo(ctx)
	require.NoError(t, err)
	f.waitForContent(t, id, "ephemeral")
}

func TestUndoOnEmptyStack(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Undo(context.Background())
	assert.ErrorIs(t, err, errs.ErrPreconditionFailed)
	_, err = f.engine.Redo(context.Background())
	assert.ErrorIs(t, err, errs.ErrPreconditionFailed)
}

func TestNewOperationClearsRedo(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id := f.createTask(t, "a")
	f.waitForContent(t, id, "a")
	_, err := f.engine.Undo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.engine.UndoStack().RedoLen())

	f.createTask(t, "unrelated")
	assert.Equal(t, 0, f.engine.UndoStack().RedoLen())
}

// Sync token persistence: the first sync runs from Beginning, the token it
// returns is stored, and the next sync resumes from it.
func TestSyncTokenPersistence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.createTask(t, "one")
	pos, err := f.engine.Sync(ctx, "todo")
	require.NoError(t, err)
	assert.False(t, pos.IsBeginning())

	stored, found, err := f.engine.PositionStore().Load(ctx, "todo")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, pos.Encode(), stored.Encode())

	// Nothing changed since; syncing again advances nowhere.
	pos2, err := f.engine.Sync(ctx, "todo")
	require.NoError(t, err)
	assert.Equal(t, pos.Encode(), pos2.Encode())

	_, err = f.engine.Sync(ctx, "nope")
	assert.ErrorIs(t, err, errs.ErrUnknownOperation)
}

func TestSyncAutoOperationIsDispatchable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	action, err := f.engine.ExecuteOperation(ctx, operation.New("todo.sync", "sync", "Sync todo", nil))
	require.NoError(t, err)
	assert.True(t, action.IsIrreversible())

	_, found, err := f.engine.PositionStore().Load(ctx, "todo")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestOperationLogRecordsExecutions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.createTask(t, "logged")
	entries, err := f.engine.OperationLog().ListByEntity(ctx, memory.EntityName)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "create", entries[0].OpName)
	require.NotNil(t, entries[0].Inverse)
	assert.Equal(t, "delete", entries[0].Inverse.OpName)
}

// Heterogeneous union query: every row carries its source entity name, a
// json data blob, and a change origin.
func TestHeterogeneousUnionQuery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	backend := f.engine.Backend()

	projects, err := schema.New("projects", "p", []schema.FieldSchema{
		{Name: "id", SQLType: schema.SQLText, ValueKind: value.KindString, PrimaryKey: true},
		{Name: "name", SQLType: schema.SQLText, ValueKind: value.KindString, Nullable: true},
	})
	require.NoError(t, err)
	require.NoError(t, backend.RegisterSchema(ctx, projects))
	require.NoError(t, backend.Insert(ctx, projects, schema.Row{
		"id": value.String("p1"), "name": value.String("inbox"),
	}, change.Remote("", "")))

	id := f.createTask(t, "union me")
	f.waitForContent(t, id, "union me")

	compiled, err := f.engine.CompileQuery([]byte(`{"branches":[
		{"from":"projects","columns":[{"name":"id"},{"name":"data","expr":"json_object('id', id, 'name', name)"}]},
		{"from":"tasks","columns":[{"name":"id"},{"name":"data","expr":"json_object('id', id, 'content', content)"}]}
	]}`))
	require.NoError(t, err)

	rows, err := f.engine.ExecuteQuery(ctx, compiled.SQL)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Contains(t, []string{"projects", "tasks"}, row.EntityName)
		data, ok := row.Values["data"]
		require.True(t, ok, "row of %s has no data column", row.EntityName)
		raw, _ := data.AsJSON()
		assert.NotEmpty(t, raw)
		require.NotNil(t, row.Origin, "row of %s has no origin", row.EntityName)
	}
}

func TestWatchQueryStreamsDeltas(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id := f.createTask(t, "existing")
	f.waitForContent(t, id, "existing")

	compiled, err := f.engine.CompileQuery([]byte(`{"branches":[{"from":"tasks","columns":[{"name":"id"},{"name":"content"}]}]}`))
	require.NoError(t, err)

	deltas, stop, err := f.engine.WatchQuery(ctx, compiled)
	require.NoError(t, err)
	defer stop()

	first := <-deltas
	require.NoError(t, first.Err)
	require.Len(t, first.Added, 1)
	assert.Equal(t, "tasks", first.Added[0].EntityName)

	newID := f.createTask(t, "live one")
	deadline := time.After(2 * time.Second)
	for {
		select {
		case delta := <-deltas:
			if delta.Err != nil {
				continue
			}
			if len(delta.Added) == 1 {
				got, _ := delta.Added[0].Values["id"].AsString()
				if got == newID {
					require.NotNil(t, delta.Added[0].Origin)
					assert.True(t, delta.Added[0].Origin.IsLocal())
					return
				}
			}
		case <-deadline:
			t.Fatal("watcher never saw the new task")
		}
	}
}

func TestCollectMetrics(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "counted")

	metrics := f.engine.CollectMetrics()
	assert.EqualValues(t, 1, metrics["operations_executed"])
	assert.EqualValues(t, 0, metrics["errors"])
}
