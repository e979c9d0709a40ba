// Package dispatcher routes operations to providers, captures the inverse
// each execution returns, and fans the result out to observers. The
// provider and observer registries are populated at bootstrap and read-only
// afterwards.
package dispatcher

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/syncstore/engine/pkg/change"
	"github.com/syncstore/engine/pkg/errs"
	"github.com/syncstore/engine/pkg/logger"
	"github.com/syncstore/engine/pkg/operation"
	"github.com/syncstore/engine/pkg/provider"
	"github.com/syncstore/engine/pkg/value"
)

// Observer is notified after every successful operation. EntityFilter
// returns "*" to observe all entities, or one entity name. Notify must not
// block the dispatcher for long; heavy work belongs on the observer's own
// queue. A Notify error is logged and the remaining observers still run —
// an observer failure must never mask the operation's success.
type Observer interface {
	EntityFilter() string
	Notify(ctx context.Context, op operation.Operation, undo operation.UndoAction) error
}

// syncOpSuffix is appended to a provider name to form the entity name of
// its auto-registered sync operation ("{provider_name}.sync").
const syncOpSuffix = ".sync"

// storedSyncer is what the auto-registered sync operations need from a
// registered syncable: position bookkeeping included. provider.StoredSyncer
// satisfies it.
type storedSyncer interface {
	provider.SyncableProvider
	SyncFromStore(ctx context.Context) (change.Position, error)
}

// Dispatcher owns the provider and observer registries. Both provider maps
// and the observer list are populated during bootstrap and read-only afterwards; only lastCreatedID
// mutates at runtime.
type Dispatcher struct {
	log       *logger.Logger
	providers map[string]provider.OperationProvider
	syncables map[string]provider.SyncableProvider
	observers []Observer

	mu            sync.Mutex
	lastCreatedID string
}

// New creates an empty Dispatcher.
func New(log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		log:       log,
		providers: make(map[string]provider.OperationProvider),
		syncables: make(map[string]provider.SyncableProvider),
	}
}

// RegisterProvider binds entityName to p. Bootstrap-time only.
func (d *Dispatcher) RegisterProvider(entityName string, p provider.OperationProvider) {
	d.providers[entityName] = p
}

// RegisterSyncable binds a syncable provider under its own name. Bootstrap-
// time only. The provider's sync becomes executable as the auto-registered
// operation "{provider_name}.sync".
func (d *Dispatcher) RegisterSyncable(p provider.SyncableProvider) {
	d.syncables[p.ProviderName()] = p
}

// RegisterObserver appends an observer. Bootstrap-time only.
func (d *Dispatcher) RegisterObserver(o Observer) {
	d.observers = append(d.observers, o)
}

// Operations aggregates every registered provider's descriptors plus one
// synthetic descriptor per syncable ("P.sync", no required params, no
// affected fields). This is what makes the Dispatcher itself an
// OperationProvider, enabling composition.
func (d *Dispatcher) Operations() []operation.Descriptor {
	var out []operation.Descriptor
	for _, p := range d.providers {
		out = append(out, p.Operations()...)
	}
	for name := range d.syncables {
		out = append(out, syncDescriptor(name))
	}
	return out
}

func syncDescriptor(providerName string) operation.Descriptor {
	return operation.Descriptor{
		EntityName:  providerName + syncOpSuffix,
		Name:        "sync",
		DisplayName: "Sync " + providerName,
	}
}

// OperationsFor filters entityName's descriptors to those whose required
// params are either in availableArgs or obtainable via param mappings. A UI
// calls this to compute which actions are valid at a given row/widget
// combination.
func (d *Dispatcher) OperationsFor(entityName string, availableArgs map[string]struct{}) []operation.Descriptor {
	p, ok := d.providers[entityName]
	if !ok {
		return nil
	}
	var out []operation.Descriptor
	for _, desc := range p.Operations() {
		if desc.EntityName != entityName {
			continue
		}
		if desc.Satisfiable(availableArgs) {
			out = append(out, desc)
		}
	}
	return out
}

// Dispatch resolves op's provider, evaluates the matching descriptor's
// precondition, invokes the provider, and on success notifies every
// matching observer in registration order. Errors are returned to the
// caller unchanged and observers are not invoked on failure.
//
// Dispatch is parallel-safe across distinct (entity, id) pairs; contention
// on the same id is serialized inside the provider, not here.
func (d *Dispatcher) Dispatch(ctx context.Context, op operation.Operation) (operation.UndoAction, error) {
	undo, err := d.execute(ctx, op)
	if err != nil {
		return operation.UndoAction{}, err
	}
	d.notify(ctx, op, undo)
	return undo, nil
}

// Execute implements provider.OperationProvider, so a Dispatcher can be
// registered as the fallback provider of another Dispatcher.
func (d *Dispatcher) Execute(ctx context.Context, entityName, opName string, params map[string]value.Value) (operation.UndoAction, error) {
	return d.Dispatch(ctx, operation.New(entityName, opName, "", params))
}

// ExecuteDirect executes op without notifying observers. Undo and redo go
// through this path: pushing the undo execution itself onto the undo stack
// would clear the redo stack it is in the middle of building.
func (d *Dispatcher) ExecuteDirect(ctx context.Context, op operation.Operation) (operation.UndoAction, error) {
	return d.execute(ctx, op)
}

func (d *Dispatcher) execute(ctx context.Context, op operation.Operation) (operation.UndoAction, error) {
	if _, ok := operation.IDFromContext(ctx); !ok {
		ctx = operation.WithID(ctx, uuid.NewString())
	}

	if syncable, ok := d.syncables[syncProviderName(op.EntityName)]; ok && op.OpName == "sync" {
		return d.executeSync(ctx, syncable)
	}

	p, ok := d.providers[op.EntityName]
	if !ok {
		return operation.UndoAction{}, errs.Unknown(op.EntityName, op.OpName)
	}

	desc, found := descriptorFor(p, op.EntityName, op.OpName)
	if !found {
		return operation.UndoAction{}, errs.Unknown(op.EntityName, op.OpName)
	}
	ok, err := desc.CheckPrecondition(op.Params)
	if err != nil {
		return operation.UndoAction{}, errs.Internal(op.EntityName, op.OpName, err)
	}
	if !ok {
		return operation.UndoAction{}, errs.PreconditionFailed(op.EntityName, op.OpName, "precondition not satisfied")
	}

	undo, err := p.Execute(ctx, op.EntityName, op.OpName, op.Params)
	if err != nil {
		return operation.UndoAction{}, err
	}

	if id, created := p.GetLastCreatedID(); created {
		d.mu.Lock()
		d.lastCreatedID = id
		d.mu.Unlock()
	}
	return undo, nil
}

// executeSync runs a syncable's auto-registered sync operation. Position
// bookkeeping stays on the provider side: a registered StoredSyncer loads
// and saves its own token, a bare SyncableProvider is synced from
// Beginning.
func (d *Dispatcher) executeSync(ctx context.Context, p provider.SyncableProvider) (operation.UndoAction, error) {
	var err error
	if stored, ok := p.(storedSyncer); ok {
		_, err = stored.SyncFromStore(ctx)
	} else {
		_, err = p.Sync(ctx, change.Beginning)
	}
	if err != nil {
		return operation.UndoAction{}, errs.Provider(p.ProviderName()+syncOpSuffix, "sync", err)
	}
	return operation.Irreversible, nil
}

// Sync forwards position verbatim to the named syncable provider. The
// dispatcher does not persist tokens; callers that want store-backed
// positions register a provider.StoredSyncer and execute "P.sync" instead.
func (d *Dispatcher) Sync(ctx context.Context, providerName string, position change.Position) (change.Position, error) {
	p, ok := d.syncables[providerName]
	if !ok {
		return change.Beginning, errs.Unknown(providerName, "sync")
	}
	newPos, err := p.Sync(ctx, position)
	if err != nil {
		return change.Beginning, errs.Provider(providerName, "sync", err)
	}
	return newPos, nil
}

func (d *Dispatcher) notify(ctx context.Context, op operation.Operation, undo operation.UndoAction) {
	for _, o := range d.observers {
		filter := o.EntityFilter()
		if filter != "*" && filter != op.EntityName {
			continue
		}
		if err := o.Notify(ctx, op, undo); err != nil && d.log != nil {
			d.log.Error("dispatcher: observer failed for %s.%s: %v", op.EntityName, op.OpName, err)
		}
	}
}

// GetLastCreatedID implements provider.OperationProvider over the most
// recent create across all routed providers.
func (d *Dispatcher) GetLastCreatedID() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastCreatedID, d.lastCreatedID != ""
}

func descriptorFor(p provider.OperationProvider, entityName, opName string) (operation.Descriptor, bool) {
	for _, desc := range p.Operations() {
		if desc.EntityName == entityName && desc.Name == opName {
			return desc, true
		}
	}
	return operation.Descriptor{}, false
}

var _ provider.OperationProvider = (*Dispatcher)(nil)

func syncProviderName(entityName string) string {
	if len(entityName) <= len(syncOpSuffix) {
		return ""
	}
	if entityName[len(entityName)-len(syncOpSuffix):] != syncOpSuffix {
		return ""
	}
	return entityName[:len(entityName)-len(syncOpSuffix)]
}
