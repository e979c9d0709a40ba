package coordinator

import (
	"context"

	"github.com/syncstore/engine/pkg/errs"
	"github.com/syncstore/engine/pkg/query"
	"github.com/syncstore/engine/pkg/storage"
	"github.com/syncstore/engine/pkg/value"
)

// BatchMapChange is one delta of a watched query's result set. Errors are
// reported in-band so one failed refresh does not tear the watcher down.
type BatchMapChange struct {
	Added   []query.Row
	Updated []query.Row
	Removed []query.Row
	Err     error
}

// WatchQuery executes compiled once, emitting the full result as the first
// Added set, then streams per-row deltas rebuilt from CDC events touching
// the tables the query reads. The returned stop func ends the watch; the
// channel closes when the watch ends or the backend shuts down.
func (e *Engine) WatchQuery(ctx context.Context, compiled *query.Compiled, args ...interface{}) (<-chan BatchMapChange, func(), error) {
	tables := make(map[string]struct{})
	for _, t := range compiled.Relational.Tables() {
		tables[t] = struct{}{}
	}

	cdc, sub := e.backend.SubscribeChanges()
	out := make(chan BatchMapChange, 16)

	initial, err := e.ExecuteQuery(ctx, compiled.SQL, args...)
	if err != nil {
		sub.Unsubscribe()
		close(out)
		return nil, func() {}, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)
		select {
		case out <- BatchMapChange{Added: initial}:
		case <-watchCtx.Done():
			return
		}
		for {
			select {
			case <-watchCtx.Done():
				return
			case env, ok := <-cdc:
				if !ok {
					return
				}
				if env.Lagged != nil {
					select {
					case out <- BatchMapChange{Err: errs.Lagged("watch", env.Lagged.Dropped)}:
					case <-watchCtx.Done():
						return
					}
					continue
				}
				rc := env.Value
				if _, watched := tables[rc.Table]; !watched {
					continue
				}
				select {
				case out <- deltaFor(rc):
				case <-watchCtx.Done():
					return
				}
			}
		}
	}()

	stop := func() {
		cancel()
		sub.Unsubscribe()
	}
	return out, stop, nil
}

// deltaFor translates one CDC row event into a single-row delta. The row is
// rebuilt from the event's own payload rather than by re-running the query:
// per-table commit order is the only ordering the CDC stream guarantees,
// and a re-query could observe later writes out of order.
func deltaFor(rc storage.RowChange) BatchMapChange {
	row := query.Row{
		EntityName: rc.Table,
		Origin:     rc.ChangeOrigin,
		Values:     rc.Data,
	}
	switch rc.Kind {
	case storage.RowAdded:
		return BatchMapChange{Added: []query.Row{row}}
	case storage.RowUpdated:
		return BatchMapChange{Updated: []query.Row{row}}
	default:
		// A removed row's content is gone; only its id survives.
		row.Values = map[string]value.Value{"id": value.String(rc.ID)}
		return BatchMapChange{Removed: []query.Row{row}}
	}
}
