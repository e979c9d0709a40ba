package filesystem

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncstore/engine/pkg/broadcast"
	"github.com/syncstore/engine/pkg/change"
	"github.com/syncstore/engine/pkg/operation"
	"github.com/syncstore/engine/pkg/value"
)

func newProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := New("fsblocks", t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func receiveBatch(t *testing.T, ch <-chan broadcast.Envelope[change.WithMetadata[Block]]) change.WithMetadata[Block] {
	t.Helper()
	select {
	case env := <-ch:
		require.Nil(t, env.Lagged)
		return env.Value
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change batch")
		return change.WithMetadata[Block]{}
	}
}

func TestCreateWritesFileAndEmitsLocalChange(t *testing.T) {
	p := newProvider(t)
	stream, sub := p.SubscribeChanges()
	defer sub.Unsubscribe()

	ctx := operation.WithID(context.Background(), "op-1")
	action, err := p.Execute(ctx, EntityName, "create", map[string]value.Value{
		"name":    value.String("inbox"),
		"content": value.String("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "delete", action.Inverse.OpName)

	id, ok := p.GetLastCreatedID()
	require.True(t, ok)
	_, err = os.Stat(blockPath(p.dir, id))
	require.NoError(t, err)

	batch := receiveBatch(t, stream)
	require.Len(t, batch.Changes, 1)
	assert.Equal(t, change.KindCreated, batch.Changes[0].Kind)
	assert.True(t, batch.Changes[0].Origin.IsLocal())
	assert.Equal(t, "op-1", batch.Changes[0].Origin.OperationID)
}

func TestExternalWriteSurfacesAsRemoteChange(t *testing.T) {
	p := newProvider(t)
	stream, sub := p.SubscribeChanges()
	defer sub.Unsubscribe()

	require.NoError(t, writeBlock(blockPath(p.dir, "ext1"), Block{ID: "ext1", Name: "external"}))

	batch := receiveBatch(t, stream)
	require.Len(t, batch.Changes, 1)
	ch := batch.Changes[0]
	assert.Equal(t, "ext1", ch.Data.ID)
	assert.False(t, ch.Origin.IsLocal())
}

func TestRenameInverseRestoresOldName(t *testing.T) {
	p := newProvider(t)
	require.NoError(t, writeBlock(blockPath(p.dir, "b1"), Block{ID: "b1", Name: "old"}))

	action, err := p.Execute(context.Background(), EntityName, "rename", map[string]value.Value{
		"id":   value.String("b1"),
		"name": value.String("new"),
	})
	require.NoError(t, err)
	assert.Equal(t, "rename", action.Inverse.OpName)
	oldName, _ := action.Inverse.Params["name"].AsString()
	assert.Equal(t, "old", oldName)

	b, err := readBlock(blockPath(p.dir, "b1"))
	require.NoError(t, err)
	assert.Equal(t, "new", b.Name)
}

func TestMoveReparentsAndRecomputesDepth(t *testing.T) {
	p := newProvider(t)
	require.NoError(t, writeBlock(blockPath(p.dir, "root1"), Block{ID: "root1", Name: "r", SortKey: "M"}))
	require.NoError(t, writeBlock(blockPath(p.dir, "child"), Block{ID: "child", Name: "c", SortKey: "N"}))

	_, err := p.Execute(context.Background(), EntityName, "move", map[string]value.Value{
		"id":        value.String("child"),
		"parent_id": value.String("root1"),
	})
	require.NoError(t, err)

	b, err := readBlock(blockPath(p.dir, "child"))
	require.NoError(t, err)
	assert.Equal(t, "root1", b.ParentID)
	assert.EqualValues(t, 1, b.Depth)
	assert.NotEmpty(t, b.SortKey)
}

func TestMoveIntoOwnSubtreeIsRejected(t *testing.T) {
	p := newProvider(t)
	require.NoError(t, writeBlock(blockPath(p.dir, "a"), Block{ID: "a", SortKey: "M"}))
	require.NoError(t, writeBlock(blockPath(p.dir, "b"), Block{ID: "b", ParentID: "a", SortKey: "M", Depth: 1}))

	_, err := p.Execute(context.Background(), EntityName, "move", map[string]value.Value{
		"id":        value.String("a"),
		"parent_id": value.String("b"),
	})
	require.Error(t, err)
}

func TestSyncFromBeginningEmitsEveryBlock(t *testing.T) {
	p := newProvider(t)
	require.NoError(t, writeBlock(blockPath(p.dir, "b1"), Block{ID: "b1"}))
	require.NoError(t, writeBlock(blockPath(p.dir, "b2"), Block{ID: "b2"}))

	// Let the watcher's own events for the two writes drain before
	// subscribing, so the first batch received is the sync snapshot.
	time.Sleep(200 * time.Millisecond)
	stream, sub := p.SubscribeChanges()
	defer sub.Unsubscribe()

	pos, err := p.Sync(context.Background(), change.Beginning)
	require.NoError(t, err)
	assert.False(t, pos.IsBeginning())

	batch := receiveBatch(t, stream)
	assert.Len(t, batch.Changes, 2)
	for _, ch := range batch.Changes {
		assert.Equal(t, change.KindCreated, ch.Kind)
	}
}

func TestBlockCodecRoundTrip(t *testing.T) {
	original := Block{ID: "b1", Name: "n", ParentID: "p", SortKey: "M", Depth: 3, Content: "body"}
	got, err := BlockCodec{}.FromRow(BlockCodec{}.ToRow(original))
	require.NoError(t, err)
	assert.Equal(t, original, got)
}
