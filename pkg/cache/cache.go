// Package cache implements the stream cache: a per-entity-type cache backed
// by one SQL table, kept current by a typed change stream from a provider
// and exposed as a queryable, watchable datasource. One background
// goroutine owns the ingest loop; Stop, or cancelling the context passed to
// Ingest, ends it.
package cache

import (
	"context"
	"sync"

	"github.com/syncstore/engine/pkg/broadcast"
	"github.com/syncstore/engine/pkg/change"
	"github.com/syncstore/engine/pkg/errs"
	"github.com/syncstore/engine/pkg/logger"
	"github.com/syncstore/engine/pkg/schema"
	"github.com/syncstore/engine/pkg/storage"
)

// Cache is a StreamCache for entity type T.
type Cache[T any] struct {
	backend *storage.Backend
	schema  *schema.EntitySchema
	codec   schema.RowCodec[T]
	log     *logger.Logger

	changes *broadcast.Hub[change.Change[T]]

	mu           sync.Mutex
	cancelIngest context.CancelFunc
	ingestDone   chan struct{}
}

// New creates a StreamCache for T over the given backend and schema. The
// caller must have already called backend.RegisterSchema(ctx, s).
func New[T any](backend *storage.Backend, s *schema.EntitySchema, codec schema.RowCodec[T], log *logger.Logger) *Cache[T] {
	return &Cache[T]{
		backend: backend,
		schema:  s,
		codec:   codec,
		log:     log,
		changes: broadcast.New[change.Change[T]](0),
	}
}

// Ingest spawns a background task that applies every batch from source
// transactionally. Calling Ingest again replaces the subscription: the
// previous ingest task is canceled first, satisfying the at-most-one-ingest
// invariant.
func (c *Cache[T]) Ingest(ctx context.Context, source <-chan broadcast.Envelope[change.WithMetadata[T]]) {
	c.mu.Lock()
	if c.cancelIngest != nil {
		c.cancelIngest()
		<-c.ingestDone
	}
	ingestCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancelIngest = cancel
	c.ingestDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.runIngest(ingestCtx, source)
	}()
}

// Stop cancels the ingest task, if any, and waits for it to exit.
func (c *Cache[T]) Stop() {
	c.mu.Lock()
	cancel := c.cancelIngest
	done := c.ingestDone
	c.cancelIngest = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *Cache[T]) runIngest(ctx context.Context, source <-chan broadcast.Envelope[change.WithMetadata[T]]) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-source:
			if !ok {
				return
			}
			if env.Lagged != nil {
				// Dropped batches cannot be recovered in-stream; the only
				// remedy is a fresh sync from Beginning.
				if c.log != nil {
					c.log.Error("cache[%s]: %v", c.schema.EntityName, errs.Lagged(c.schema.EntityName, env.Lagged.Dropped))
				}
				return
			}
			batch := env.Value
			if err := c.applyBatch(ctx, batch.Changes); err != nil {
				if c.log != nil {
					c.log.Error("cache[%s]: batch apply failed, token %s not advanced: %v", c.schema.EntityName, batch.Metadata.SyncToken, err)
				}
				return
			}
		}
	}
}

// applyBatch applies every change in the batch inside one transaction: the
// batch either fully applies or fails as a whole.
func (c *Cache[T]) applyBatch(ctx context.Context, batch []change.Change[T]) error {
	tx, err := c.backend.BeginTx(ctx)
	if err != nil {
		return err
	}
	for _, ch := range batch {
		if err := c.applyOne(ctx, tx, ch); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, ch := range batch {
		c.changes.Publish(ch)
	}
	return nil
}

type txApplier interface {
	Insert(ctx context.Context, s *schema.EntitySchema, row schema.Row, origin change.Origin) error
	Upsert(ctx context.Context, s *schema.EntitySchema, row schema.Row, origin change.Origin) error
	Delete(ctx context.Context, s *schema.EntitySchema, id string) error
}

func (c *Cache[T]) applyOne(ctx context.Context, tx txApplier, ch change.Change[T]) error {
	switch ch.Kind {
	case change.KindCreated:
		row := c.codec.ToRow(ch.Data)
		if err := c.schema.Validate(row); err != nil {
			return errs.SchemaMismatch(c.schema.EntityName, err.Error())
		}
		return tx.Insert(ctx, c.schema, row, ch.Origin)
	case change.KindUpdated:
		// A Change carries the full entity, so Updated applies as an
		// upsert: a cache that missed the Created still converges.
		row := c.codec.ToRow(ch.Data)
		return tx.Upsert(ctx, c.schema, row, ch.Origin)
	case change.KindDeleted:
		return tx.Delete(ctx, c.schema, ch.ID)
	default:
		return errs.Internal(c.schema.EntityName, "apply_change", nil)
	}
}

// GetAll returns every row, decoded via the schema's codec.
func (c *Cache[T]) GetAll(ctx context.Context) ([]T, error) {
	stmt := "SELECT * FROM " + c.schema.EntityName
	rows, err := c.backend.Query(ctx, c.schema, stmt)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		v, err := c.codec.FromRow(r)
		if err != nil {
			return nil, errs.Internal(c.schema.EntityName, "decode_row", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// GetByID returns one row, or ok=false if no row with that id exists.
func (c *Cache[T]) GetByID(ctx context.Context, id string) (T, bool, error) {
	var zero T
	row, ok, err := c.backend.Get(ctx, c.schema, id)
	if err != nil || !ok {
		return zero, false, err
	}
	v, err := c.codec.FromRow(row)
	if err != nil {
		return zero, false, errs.Internal(c.schema.EntityName, "decode_row", err)
	}
	return v, true, nil
}

// WatchChangesSince replays current contents as Created changes (when
// position is Beginning), then forwards live changes. The returned
// unsubscribe func must be called when the caller is done watching.
func (c *Cache[T]) WatchChangesSince(ctx context.Context, position change.Position) (<-chan change.Change[T], func(), error) {
	out := make(chan change.Change[T], broadcast.DefaultCapacity)
	liveCh, sub := c.changes.Subscribe()

	if position.IsBeginning() {
		all, err := c.GetAll(ctx)
		if err != nil {
			sub.Unsubscribe()
			close(out)
			return nil, func() {}, err
		}
		go func() {
			defer close(out)
			for _, v := range all {
				select {
				case out <- change.Created(v, change.Remote("", "")):
				case <-ctx.Done():
					return
				}
			}
			forwardLive(ctx, liveCh, out, c.log, c.schema.EntityName)
		}()
	} else {
		go func() {
			defer close(out)
			forwardLive(ctx, liveCh, out, c.log, c.schema.EntityName)
		}()
	}

	unsubscribe := func() { sub.Unsubscribe() }
	return out, unsubscribe, nil
}

func forwardLive[T any](ctx context.Context, in <-chan broadcast.Envelope[change.Change[T]], out chan<- change.Change[T], log *logger.Logger, entity string) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-in:
			if !ok {
				return
			}
			if env.Lagged != nil {
				if log != nil {
					log.Warn("cache[%s]: watcher lagged, dropped %d batches; resubscribe from Beginning to recover", entity, env.Lagged.Dropped)
				}
				continue
			}
			select {
			case out <- env.Value:
			case <-ctx.Done():
				return
			}
		}
	}
}
