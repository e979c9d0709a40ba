package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncstore/engine/pkg/change"
	"github.com/syncstore/engine/pkg/errs"
	"github.com/syncstore/engine/pkg/operation"
	"github.com/syncstore/engine/pkg/value"
)

type fakeProvider struct {
	descriptors []operation.Descriptor
	executed    []string
	lastCreated string
	failWith    error
}

func (f *fakeProvider) Operations() []operation.Descriptor { return f.descriptors }

func (f *fakeProvider) Execute(ctx context.Context, entityName, opName string, params map[string]value.Value) (operation.UndoAction, error) {
	if f.failWith != nil {
		return operation.UndoAction{}, f.failWith
	}
	f.executed = append(f.executed, opName)
	if opName == "create" {
		f.lastCreated = "created-1"
		return operation.Undo(operation.New(entityName, "delete", "Delete", nil)), nil
	}
	return operation.Irreversible, nil
}

func (f *fakeProvider) GetLastCreatedID() (string, bool) {
	return f.lastCreated, f.lastCreated != ""
}

type recordingObserver struct {
	filter   string
	notified []operation.Operation
	fail     bool
}

func (o *recordingObserver) EntityFilter() string { return o.filter }

func (o *recordingObserver) Notify(ctx context.Context, op operation.Operation, undo operation.UndoAction) error {
	o.notified = append(o.notified, op)
	if o.fail {
		return fmt.Errorf("observer exploded")
	}
	return nil
}

func tasksProvider() *fakeProvider {
	return &fakeProvider{descriptors: []operation.Descriptor{
		{EntityName: "tasks", Name: "create", DisplayName: "Create"},
		{
			EntityName:     "tasks",
			Name:           "set_field",
			DisplayName:    "Edit field",
			RequiredParams: []operation.Param{{Name: "id", Required: true}, {Name: "field", Required: true}},
			Precondition: func(params map[string]value.Value) (bool, error) {
				field, _ := params["field"].AsString()
				return field != "forbidden", nil
			},
		},
		{
			EntityName:     "tasks",
			Name:           "move_block",
			DisplayName:    "Move",
			RequiredParams: []operation.Param{{Name: "id", Required: true}, {Name: "new_parent_id", Required: true}},
			ParamMappings:  []operation.ParamMapping{{Provides: []string{"new_parent_id"}, From: "drop_target.id"}},
		},
	}}
}

func TestDispatchRoutesAndNotifies(t *testing.T) {
	p := tasksProvider()
	obs := &recordingObserver{filter: "*"}
	d := New(nil)
	d.RegisterProvider("tasks", p)
	d.RegisterObserver(obs)

	action, err := d.Dispatch(context.Background(), operation.New("tasks", "create", "Create", nil))
	require.NoError(t, err)
	assert.False(t, action.IsIrreversible())
	assert.Equal(t, []string{"create"}, p.executed)
	require.Len(t, obs.notified, 1)

	id, ok := d.GetLastCreatedID()
	require.True(t, ok)
	assert.Equal(t, "created-1", id)
}

func TestUnknownOperationIsDistinctKind(t *testing.T) {
	d := New(nil)
	d.RegisterProvider("tasks", tasksProvider())

	_, err := d.Dispatch(context.Background(), operation.New("widgets", "create", "", nil))
	assert.True(t, errors.Is(err, errs.ErrUnknownOperation))

	_, err = d.Dispatch(context.Background(), operation.New("tasks", "frobnicate", "", nil))
	assert.True(t, errors.Is(err, errs.ErrUnknownOperation))
}

func TestPreconditionFailureSkipsProviderAndObservers(t *testing.T) {
	p := tasksProvider()
	obs := &recordingObserver{filter: "*"}
	d := New(nil)
	d.RegisterProvider("tasks", p)
	d.RegisterObserver(obs)

	_, err := d.Dispatch(context.Background(), operation.New("tasks", "set_field", "", map[string]value.Value{
		"id":    value.String("t1"),
		"field": value.String("forbidden"),
	}))
	assert.True(t, errors.Is(err, errs.ErrPreconditionFailed))
	assert.Empty(t, p.executed)
	assert.Empty(t, obs.notified)
}

func TestProviderErrorSkipsObservers(t *testing.T) {
	p := tasksProvider()
	p.failWith = fmt.Errorf("remote down")
	obs := &recordingObserver{filter: "*"}
	d := New(nil)
	d.RegisterProvider("tasks", p)
	d.RegisterObserver(obs)

	_, err := d.Dispatch(context.Background(), operation.New("tasks", "create", "", nil))
	assert.Error(t, err)
	assert.Empty(t, obs.notified)
}

func TestFailingObserverDoesNotMaskSuccess(t *testing.T) {
	p := tasksProvider()
	failing := &recordingObserver{filter: "*", fail: true}
	second := &recordingObserver{filter: "*"}
	d := New(nil)
	d.RegisterProvider("tasks", p)
	d.RegisterObserver(failing)
	d.RegisterObserver(second)

	_, err := d.Dispatch(context.Background(), operation.New("tasks", "create", "", nil))
	require.NoError(t, err)
	assert.Len(t, failing.notified, 1)
	assert.Len(t, second.notified, 1)
}

func TestObserverEntityFilter(t *testing.T) {
	p := tasksProvider()
	tasksOnly := &recordingObserver{filter: "tasks"}
	blocksOnly := &recordingObserver{filter: "blocks"}
	d := New(nil)
	d.RegisterProvider("tasks", p)
	d.RegisterObserver(tasksOnly)
	d.RegisterObserver(blocksOnly)

	_, err := d.Dispatch(context.Background(), operation.New("tasks", "create", "", nil))
	require.NoError(t, err)
	assert.Len(t, tasksOnly.notified, 1)
	assert.Empty(t, blocksOnly.notified)
}

func TestExecuteDirectSkipsObservers(t *testing.T) {
	p := tasksProvider()
	obs := &recordingObserver{filter: "*"}
	d := New(nil)
	d.RegisterProvider("tasks", p)
	d.RegisterObserver(obs)

	_, err := d.ExecuteDirect(context.Background(), operation.New("tasks", "create", "", nil))
	require.NoError(t, err)
	assert.Empty(t, obs.notified)
}

func TestOperationsForFiltersBySatisfiability(t *testing.T) {
	d := New(nil)
	d.RegisterProvider("tasks", tasksProvider())

	// With only an id in hand, set_field is out (field missing) but
	// move_block stays: new_parent_id is obtainable via its mapping.
	names := map[string]bool{}
	for _, desc := range d.OperationsFor("tasks", map[string]struct{}{"id": {}}) {
		names[desc.Name] = true
	}
	assert.True(t, names["create"])
	assert.True(t, names["move_block"])
	assert.False(t, names["set_field"])
}

type fakeSyncable struct {
	name     string
	received []change.Position
}

func (f *fakeSyncable) ProviderName() string { return f.name }

func (f *fakeSyncable) Sync(ctx context.Context, pos change.Position) (change.Position, error) {
	f.received = append(f.received, pos)
	return change.Version([]byte("v1")), nil
}

func TestSyncOperationsAreAutoRegistered(t *testing.T) {
	syncable := &fakeSyncable{name: "todo"}
	d := New(nil)
	d.RegisterSyncable(syncable)

	var found bool
	for _, desc := range d.Operations() {
		if desc.EntityName == "todo.sync" && desc.Name == "sync" {
			found = true
			assert.Empty(t, desc.RequiredParams)
			assert.Empty(t, desc.AffectedFields)
		}
	}
	assert.True(t, found)

	action, err := d.Dispatch(context.Background(), operation.New("todo.sync", "sync", "", nil))
	require.NoError(t, err)
	assert.True(t, action.IsIrreversible())
	require.Len(t, syncable.received, 1)
}

func TestSyncForwardsPositionVerbatim(t *testing.T) {
	syncable := &fakeSyncable{name: "todo"}
	d := New(nil)
	d.RegisterSyncable(syncable)

	pos, err := d.Sync(context.Background(), "todo", change.Version([]byte("abc")))
	require.NoError(t, err)
	assert.Equal(t, "v1", pos.Encode())
	raw, _ := syncable.received[0].Bytes()
	assert.Equal(t, []byte("abc"), raw)

	_, err = d.Sync(context.Background(), "nope", change.Beginning)
	assert.True(t, errors.Is(err, errs.ErrUnknownOperation))
}
