package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncstore/engine/pkg/broadcast"
	"github.com/syncstore/engine/pkg/change"
	"github.com/syncstore/engine/pkg/errs"
	"github.com/syncstore/engine/pkg/operation"
	"github.com/syncstore/engine/pkg/ordering"
	"github.com/syncstore/engine/pkg/value"
)

func newProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := New("todo", nil)
	require.NoError(t, err)
	return p
}

func receiveBatch(t *testing.T, ch <-chan broadcast.Envelope[change.WithMetadata[Task]]) change.WithMetadata[Task] {
	t.Helper()
	select {
	case env := <-ch:
		require.Nil(t, env.Lagged)
		return env.Value
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change batch")
		return change.WithMetadata[Task]{}
	}
}

func expectNoBatch(t *testing.T, ch <-chan broadcast.Envelope[change.WithMetadata[Task]]) {
	t.Helper()
	select {
	case env := <-ch:
		t.Fatalf("unexpected batch: %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCreateEmitsLocalChangeWithOperationID(t *testing.T) {
	p := newProvider(t)
	stream, sub := p.SubscribeChanges()
	defer sub.Unsubscribe()

	ctx := operation.WithID(context.Background(), "op-1")
	action, err := p.Execute(ctx, EntityName, "create", map[string]value.Value{
		"content": value.String("hello"),
	})
	require.NoError(t, err)
	require.False(t, action.IsIrreversible())
	assert.Equal(t, "delete", action.Inverse.OpName)

	id, ok := p.GetLastCreatedID()
	require.True(t, ok)
	deletedID, _ := action.Inverse.Params["id"].AsString()
	assert.Equal(t, id, deletedID)

	batch := receiveBatch(t, stream)
	require.Len(t, batch.Changes, 1)
	ch := batch.Changes[0]
	assert.Equal(t, change.KindCreated, ch.Kind)
	assert.True(t, ch.Origin.IsLocal())
	assert.Equal(t, "op-1", ch.Origin.OperationID)
	assert.Equal(t, "hello", ch.Data.Content)
	assert.NotEmpty(t, ch.Data.SortKey)
}

func TestDeleteInverseRestoresEverything(t *testing.T) {
	p := newProvider(t)
	due := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	p.Seed(Task{ID: "t1", Content: "keep me", Priority: 2, DueDate: &due, SortKey: "M"})

	action, err := p.Execute(context.Background(), EntityName, "delete", map[string]value.Value{
		"id": value.String("t1"),
	})
	require.NoError(t, err)
	inv := action.Inverse
	assert.Equal(t, "create", inv.OpName)
	content, _ := inv.Params["content"].AsString()
	assert.Equal(t, "keep me", content)
	sortKey, _ := inv.Params["sort_key"].AsString()
	assert.Equal(t, "M", sortKey)

	// Replaying the inverse restores the task under its original id.
	_, err = p.Execute(context.Background(), EntityName, inv.OpName, inv.Params)
	require.NoError(t, err)
	id, _ := p.GetLastCreatedID()
	assert.Equal(t, "t1", id)
}

func TestSetFieldInverseCapturesOldValue(t *testing.T) {
	p := newProvider(t)
	p.Seed(Task{ID: "t1", Content: "a", SortKey: "M"})

	action, err := p.Execute(context.Background(), EntityName, "set_field", map[string]value.Value{
		"id":    value.String("t1"),
		"field": value.String("content"),
		"value": value.String("b"),
	})
	require.NoError(t, err)
	old, _ := action.Inverse.Params["value"].AsString()
	assert.Equal(t, "a", old)
}

func TestSetCompletionInverseUsesNamedOp(t *testing.T) {
	p := newProvider(t)
	p.Seed(Task{ID: "t1", SortKey: "M"})

	action, err := p.Execute(context.Background(), EntityName, "set_completion", map[string]value.Value{
		"id":        value.String("t1"),
		"completed": value.Bool(true),
	})
	require.NoError(t, err)
	assert.Equal(t, "set_completion", action.Inverse.OpName)
	old, _ := action.Inverse.Params["completed"].AsBool()
	assert.False(t, old)
}

func seedSiblings(t *testing.T, p *Provider) (a, b, c Task) {
	t.Helper()
	keys, err := ordering.KeysEvenly(3)
	require.NoError(t, err)
	a = Task{ID: "A", Content: "a", SortKey: string(keys[0])}
	b = Task{ID: "B", Content: "b", SortKey: string(keys[1])}
	c = Task{ID: "C", Content: "c", SortKey: string(keys[2])}
	p.Seed(a, b, c)
	return a, b, c
}

func TestIndentMakesFirstChildAndEmitsUpdate(t *testing.T) {
	p := newProvider(t)
	seedSiblings(t, p)

	stream, sub := p.SubscribeChanges()
	defer sub.Unsubscribe()

	ctx := operation.WithID(context.Background(), "op-indent")
	action, err := p.Execute(ctx, EntityName, "indent", map[string]value.Value{
		"id":            value.String("B"),
		"new_parent_id": value.String("A"),
	})
	require.NoError(t, err)
	assert.Equal(t, "move_block", action.Inverse.OpName)

	batch := receiveBatch(t, stream)
	require.NotEmpty(t, batch.Changes)
	moved := batch.Changes[0]
	assert.Equal(t, change.KindUpdated, moved.Kind)
	assert.Equal(t, "B", moved.ID)
	assert.Equal(t, "A", moved.Data.ParentID)
	assert.EqualValues(t, 1, moved.Data.Depth)
	assert.True(t, moved.Origin.IsLocal())
	assert.Equal(t, "op-indent", moved.Origin.OperationID)
}

func TestIndentUndoRestoresPosition(t *testing.T) {
	p := newProvider(t)
	a, b, _ := seedSiblings(t, p)

	action, err := p.Execute(context.Background(), EntityName, "indent", map[string]value.Value{
		"id":            value.String("B"),
		"new_parent_id": value.String("A"),
	})
	require.NoError(t, err)

	// The inverse moves B back under the root, after A.
	after, _ := action.Inverse.Params["after"].AsString()
	assert.Equal(t, a.ID, after)

	_, err = p.Execute(context.Background(), EntityName, action.Inverse.OpName, action.Inverse.Params)
	require.NoError(t, err)

	pos, err := p.Sync(context.Background(), change.Beginning)
	require.NoError(t, err)
	assert.False(t, pos.IsBeginning())
	_ = b
}

func TestCyclicMoveIsRejected(t *testing.T) {
	p := newProvider(t)
	p.Seed(
		Task{ID: "A", SortKey: "M"},
		Task{ID: "B", ParentID: "A", SortKey: "M", Depth: 1},
	)

	_, err := p.Execute(context.Background(), EntityName, "move_block", map[string]value.Value{
		"id":            value.String("A"),
		"new_parent_id": value.String("B"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrCyclic)
}

func TestUnknownEntityAndOperation(t *testing.T) {
	p := newProvider(t)
	_, err := p.Execute(context.Background(), "widgets", "create", nil)
	assert.ErrorIs(t, err, errs.ErrUnknownOperation)

	_, err = p.Execute(context.Background(), EntityName, "frobnicate", nil)
	assert.ErrorIs(t, err, errs.ErrUnknownOperation)
}

func TestSyncFromBeginningThenFromTokenReEmitsNothing(t *testing.T) {
	p := newProvider(t)
	p.Seed(Task{ID: "t1", SortKey: "M"}, Task{ID: "t2", SortKey: "N"})

	stream, sub := p.SubscribeChanges()
	defer sub.Unsubscribe()

	pos, err := p.Sync(context.Background(), change.Beginning)
	require.NoError(t, err)
	batch := receiveBatch(t, stream)
	assert.Len(t, batch.Changes, 2)
	for _, ch := range batch.Changes {
		assert.Equal(t, change.KindCreated, ch.Kind)
	}

	// No new updates since: the second sync emits nothing.
	_, err = p.Sync(context.Background(), pos)
	require.NoError(t, err)
	expectNoBatch(t, stream)
}

func TestSyncFromTokenReplaysOnlyNewChanges(t *testing.T) {
	p := newProvider(t)
	pos, err := p.Sync(context.Background(), change.Beginning)
	require.NoError(t, err)

	_, err = p.Execute(context.Background(), EntityName, "create", map[string]value.Value{
		"content": value.String("later"),
	})
	require.NoError(t, err)

	stream, sub := p.SubscribeChanges()
	defer sub.Unsubscribe()

	_, err = p.Sync(context.Background(), pos)
	require.NoError(t, err)
	batch := receiveBatch(t, stream)
	require.Len(t, batch.Changes, 1)
	assert.Equal(t, "later", batch.Changes[0].Data.Content)
}

func TestTaskCodecRoundTrip(t *testing.T) {
	due := time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)
	original := Task{
		ID: "t1", Content: "c", Completed: true, Priority: 3,
		DueDate: &due, ParentID: "p", SortKey: "M", Depth: 2,
	}
	got, err := TaskCodec{}.FromRow(TaskCodec{}.ToRow(original))
	require.NoError(t, err)
	assert.Equal(t, original, got)
}
