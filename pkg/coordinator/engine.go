// Package coordinator is the top-level engine: it owns the storage backend,
// the operation dispatcher with its observers, the undo/redo stack, the
// operation log, and the query pipeline, and exposes the compile/execute/
// watch/undo/sync surface a front-end drives.
package coordinator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/syncstore/engine/pkg/change"
	"github.com/syncstore/engine/pkg/config"
	"github.com/syncstore/engine/pkg/dispatcher"
	"github.com/syncstore/engine/pkg/errs"
	"github.com/syncstore/engine/pkg/logger"
	"github.com/syncstore/engine/pkg/operation"
	"github.com/syncstore/engine/pkg/oplog"
	"github.com/syncstore/engine/pkg/provider"
	"github.com/syncstore/engine/pkg/query"
	"github.com/syncstore/engine/pkg/registry"
	"github.com/syncstore/engine/pkg/storage"
	"github.com/syncstore/engine/pkg/undo"
)

// Engine is the process-wide coordinator. Construct with NewEngine, Start
// it, then register providers and freeze the operation registry with
// Registry().Freeze(); executing an operation does not freeze it.
type Engine struct {
	config *config.Config
	log    *logger.Logger

	backend    *storage.Backend
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	undoStack  *undo.Stack
	opLog      *oplog.Log
	positions  *provider.PositionStore
	pipeline   *query.Pipeline
	syncers    map[string]*provider.StoredSyncer

	state struct {
		sync.Mutex
		isRunning bool
	}
	metrics struct {
		queriesCompiled    int64
		operationsExecuted int64
		syncsRun           int64
		errors             int64
	}
}

// NewEngine creates an engine over cfg. Nothing is opened until Start.
func NewEngine(cfg *config.Config) *Engine {
	return &Engine{
		config:   cfg,
		registry: registry.New(),
		syncers:  make(map[string]*provider.StoredSyncer),
	}
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(log *logger.Logger) {
	e.log = log
}

// Start opens the database at config "storage.path" (":memory:" by
// default), creates the bookkeeping tables, and wires the dispatcher with
// the operation-log and undo-stack observers.
func (e *Engine) Start(ctx context.Context) error {
	e.state.Lock()
	if e.state.isRunning {
		e.state.Unlock()
		return errs.Internal("coordinator", "start", nil).WithContext("reason", "already running")
	}
	e.state.isRunning = true
	e.state.Unlock()

	path := e.config.GetOr("storage.path", ":memory:")
	backend, err := storage.Open(ctx, path, e.log)
	if err != nil {
		return err
	}
	e.backend = backend

	if err := backend.RegisterCommandTables(ctx); err != nil {
		return err
	}
	e.opLog, err = oplog.Open(ctx, backend.DB())
	if err != nil {
		return err
	}
	e.positions, err = provider.OpenPositionStore(ctx, backend.DB())
	if err != nil {
		return err
	}

	e.undoStack = undo.New(undo.DefaultMaxSize)
	e.dispatcher = dispatcher.New(e.log)
	e.dispatcher.RegisterObserver(oplog.NewObserver(e.opLog))
	e.dispatcher.RegisterObserver(undo.NewObserver(e.undoStack))
	e.pipeline = query.NewPipeline(e.log)

	if e.log != nil {
		e.log.Info("coordinator: started over %s", path)
	}
	return nil
}

// Stop closes the backend. Caches and watchers draining its CDC hub see
// their channels close.
func (e *Engine) Stop(ctx context.Context) error {
	e.state.Lock()
	if !e.state.isRunning {
		e.state.Unlock()
		return nil
	}
	e.state.isRunning = false
	e.state.Unlock()

	if e.backend != nil {
		return e.backend.Close()
	}
	return nil
}

// Backend exposes the storage backend, for registering entity schemas and
// creating caches against it.
func (e *Engine) Backend() *storage.Backend { return e.backend }

// Registry exposes the operation registry for bootstrap wiring.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Dispatcher exposes the operation dispatcher.
func (e *Engine) Dispatcher() *dispatcher.Dispatcher { return e.dispatcher }

// PositionStore exposes the stream-position store for providers that manage
// their own cursors.
func (e *Engine) PositionStore() *provider.PositionStore { return e.positions }

// OperationLog exposes the persisted operation log.
func (e *Engine) OperationLog() *oplog.Log { return e.opLog }

// AddProvider routes entityName's operations to p.
func (e *Engine) AddProvider(entityName string, p provider.OperationProvider) {
	e.dispatcher.RegisterProvider(entityName, p)
}

// AddSyncable registers a syncable provider, wrapping it with store-backed
// position bookkeeping so Sync and the auto-registered "P.sync" operation
// both load the provider's last saved token.
func (e *Engine) AddSyncable(p provider.SyncableProvider) {
	syncer := provider.NewStoredSyncer(e.positions, p)
	e.syncers[p.ProviderName()] = syncer
	e.dispatcher.RegisterSyncable(syncer)
}

// CompileQuery parses and compiles a query source, resolving every render
// wiring against the dispatcher's descriptors.
func (e *Engine) CompileQuery(source []byte) (*query.Compiled, error) {
	compiled, err := e.pipeline.Compile(source)
	if err != nil {
		atomic.AddInt64(&e.metrics.errors, 1)
		return nil, err
	}
	if compiled.Render != nil {
		err := compiled.Render.ResolveOperations(func(entityName, opName string) (operation.Descriptor, bool) {
			for _, d := range e.dispatcher.Operations() {
				if d.EntityName == entityName && d.Name == opName {
					return d, true
				}
			}
			return operation.Descriptor{}, false
		})
		if err != nil {
			atomic.AddInt64(&e.metrics.errors, 1)
			return nil, err
		}
	}
	atomic.AddInt64(&e.metrics.queriesCompiled, 1)
	return compiled, nil
}

// ExecuteQuery runs compiled SQL and returns dynamic rows tagged with their
// entity names.
func (e *Engine) ExecuteQuery(ctx context.Context, sqlText string, args ...interface{}) ([]query.Row, error) {
	rows, err := e.backend.DB().QueryContext(ctx, sqlText, args...)
	if err != nil {
		atomic.AddInt64(&e.metrics.errors, 1)
		return nil, errs.Internal("coordinator", "execute_query", err)
	}
	defer rows.Close()
	return query.ScanRows(rows)
}

// ExecuteOperation dispatches op and returns its undo action.
func (e *Engine) ExecuteOperation(ctx context.Context, op operation.Operation) (operation.UndoAction, error) {
	action, err := e.dispatcher.Dispatch(ctx, op)
	if err != nil {
		atomic.AddInt64(&e.metrics.errors, 1)
		return operation.UndoAction{}, err
	}
	atomic.AddInt64(&e.metrics.operationsExecuted, 1)
	return action, nil
}

// Undo executes the inverse of the most recent reversible operation. The
// execution bypasses observers: the undo must not push itself onto the
// stack it is unwinding. The fresh inverse returned by the execution
// replaces the redo top, so redo never replays a stale inverse.
func (e *Engine) Undo(ctx context.Context) (operation.UndoAction, error) {
	inverse, ok := e.undoStack.PopForUndo()
	if !ok {
		return operation.UndoAction{}, errs.PreconditionFailed("coordinator", "undo", "nothing to undo")
	}
	action, err := e.dispatcher.ExecuteDirect(ctx, inverse)
	if err != nil {
		// Restore the pair the pop moved to redo.
		e.undoStack.PopForRedo()
		atomic.AddInt64(&e.metrics.errors, 1)
		return operation.UndoAction{}, err
	}
	if !action.IsIrreversible() {
		e.undoStack.UpdateRedoTop(action.Inverse)
	}
	return action, nil
}

// Redo re-executes the most recently undone operation, re-deriving its
// inverse from the execution rather than replaying the stored one.
func (e *Engine) Redo(ctx context.Context) (operation.UndoAction, error) {
	op, ok := e.undoStack.PopForRedo()
	if !ok {
		return operation.UndoAction{}, errs.PreconditionFailed("coordinator", "redo", "nothing to redo")
	}
	action, err := e.dispatcher.ExecuteDirect(ctx, op)
	if err != nil {
		e.undoStack.PopForUndo()
		atomic.AddInt64(&e.metrics.errors, 1)
		return operation.UndoAction{}, err
	}
	if !action.IsIrreversible() {
		e.undoStack.UpdateUndoTop(action.Inverse)
	}
	return action, nil
}

// UndoStack exposes the stack for tests asserting size parity.
func (e *Engine) UndoStack() *undo.Stack { return e.undoStack }

// Sync runs the named provider's sync from its stored position and returns
// the new position.
func (e *Engine) Sync(ctx context.Context, providerName string) (change.Position, error) {
	syncer, ok := e.syncers[providerName]
	if !ok {
		atomic.AddInt64(&e.metrics.errors, 1)
		return change.Beginning, errs.Unknown(providerName, "sync")
	}
	pos, err := syncer.SyncFromStore(ctx)
	if err != nil {
		atomic.AddInt64(&e.metrics.errors, 1)
		return change.Beginning, err
	}
	atomic.AddInt64(&e.metrics.syncsRun, 1)
	return pos, nil
}

// CollectMetrics reports engine counters.
func (e *Engine) CollectMetrics() map[string]int64 {
	return map[string]int64{
		"queries_compiled":    atomic.LoadInt64(&e.metrics.queriesCompiled),
		"operations_executed": atomic.LoadInt64(&e.metrics.operationsExecuted),
		"syncs_run":           atomic.LoadInt64(&e.metrics.syncsRun),
		"errors":              atomic.LoadInt64(&e.metrics.errors),
	}
}
