// Package provider defines the two orthogonal capabilities an external
// collaborator (filesystem, remote task API, in-memory store) implements —
// OperationProvider and SyncableProvider — plus the position store that
// persists sync tokens between runs.
package provider

import (
	"context"

	"github.com/syncstore/engine/pkg/broadcast"
	"github.com/syncstore/engine/pkg/change"
	"github.com/syncstore/engine/pkg/operation"
	"github.com/syncstore/engine/pkg/value"
)

// OperationProvider executes operations for the entity types it owns and
// reports the descriptors it supports.
type OperationProvider interface {
	Operations() []operation.Descriptor
	Execute(ctx context.Context, entityName, opName string, params map[string]value.Value) (operation.UndoAction, error)
	// GetLastCreatedID returns the id a prior create-family call produced,
	// used by property-based tests to harvest ids without parsing params.
	GetLastCreatedID() (string, bool)
}

// SyncableProvider periodically or on-demand synchronizes with external
// state, advancing an opaque StreamPosition. Loading the starting position
// from a StreamPositionStore and saving the returned one is the provider
// side's responsibility (see StoredSyncer); the dispatcher never sees
// tokens directly.
type SyncableProvider interface {
	ProviderName() string
	Sync(ctx context.Context, position change.Position) (change.Position, error)
}

// ChangeProvider additionally exposes a live change stream for entity type
// T, batched with metadata so token/trace advance is atomic with the batch.
// The envelope channel carries lag markers when the subscriber falls behind.
type ChangeProvider[T any] interface {
	SubscribeChanges() (<-chan broadcast.Envelope[change.WithMetadata[T]], *broadcast.Subscription[change.WithMetadata[T]])
}

// StoredSyncer pairs a SyncableProvider with its PositionStore: each
// SyncFromStore loads the provider's last saved position, forwards the sync,
// and persists the returned position. This is the piece that keeps tokens
// out of the dispatcher while still satisfying "the provider receives
// Version(v) on the call after the one that returned it".
type StoredSyncer struct {
	store *PositionStore
	p     SyncableProvider
}

// NewStoredSyncer wraps p with store-backed position bookkeeping.
func NewStoredSyncer(store *PositionStore, p SyncableProvider) *StoredSyncer {
	return &StoredSyncer{store: store, p: p}
}

func (s *StoredSyncer) ProviderName() string { return s.p.ProviderName() }

// Sync forwards position verbatim without touching the store, for callers
// that manage their own cursor.
func (s *StoredSyncer) Sync(ctx context.Context, position change.Position) (change.Position, error) {
	return s.p.Sync(ctx, position)
}

// SyncFromStore loads the stored position (Beginning on first run), syncs,
// and saves the returned position before reporting it.
func (s *StoredSyncer) SyncFromStore(ctx context.Context) (change.Position, error) {
	pos, _, err := s.store.Load(ctx, s.p.ProviderName())
	if err != nil {
		return change.Beginning, err
	}
	newPos, err := s.p.Sync(ctx, pos)
	if err != nil {
		return change.Beginning, err
	}
	if err := s.store.Save(ctx, s.p.ProviderName(), newPos); err != nil {
		return change.Beginning, err
	}
	return newPos, nil
}
