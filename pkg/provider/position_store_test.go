package provider

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncstore/engine/pkg/change"
)

func openStore(t *testing.T) *PositionStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := OpenPositionStore(context.Background(), db)
	require.NoError(t, err)
	return s
}

func TestFirstLoadReturnsBeginning(t *testing.T) {
	s := openStore(t)
	pos, found, err := s.Load(context.Background(), "P")
	require.NoError(t, err)
	assert.False(t, found)
	assert.True(t, pos.IsBeginning())
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.Save(ctx, "P", change.Version([]byte("abc"))))
	pos, found, err := s.Load(ctx, "P")
	require.NoError(t, err)
	require.True(t, found)
	raw, ok := pos.Bytes()
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), raw)

	// Idempotent upsert: saving again overwrites.
	require.NoError(t, s.Save(ctx, "P", change.Version([]byte("def"))))
	pos, _, err = s.Load(ctx, "P")
	require.NoError(t, err)
	raw, _ = pos.Bytes()
	assert.Equal(t, []byte("def"), raw)
}

type recordingSyncable struct {
	name     string
	received []change.Position
	next     change.Position
}

func (r *recordingSyncable) ProviderName() string { return r.name }

func (r *recordingSyncable) Sync(ctx context.Context, pos change.Position) (change.Position, error) {
	r.received = append(r.received, pos)
	return r.next, nil
}

func TestStoredSyncerPersistsTokenAcrossCalls(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	p := &recordingSyncable{name: "P", next: change.Version([]byte("abc"))}
	syncer := NewStoredSyncer(store, p)

	// First call: no stored token, provider receives Beginning.
	pos, err := syncer.SyncFromStore(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", pos.Encode())
	require.Len(t, p.received, 1)
	assert.True(t, p.received[0].IsBeginning())

	// Second call: provider receives Version("abc").
	p.next = change.Version([]byte("xyz"))
	_, err = syncer.SyncFromStore(ctx)
	require.NoError(t, err)
	require.Len(t, p.received, 2)
	raw, ok := p.received[1].Bytes()
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), raw)
}
