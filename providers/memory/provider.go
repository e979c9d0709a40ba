package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/syncstore/engine/pkg/broadcast"
	"github.com/syncstore/engine/pkg/change"
	"github.com/syncstore/engine/pkg/errs"
	"github.com/syncstore/engine/pkg/logger"
	"github.com/syncstore/engine/pkg/operation"
	"github.com/syncstore/engine/pkg/ordering"
	"github.com/syncstore/engine/pkg/registry"
	"github.com/syncstore/engine/pkg/schema"
	"github.com/syncstore/engine/pkg/value"
)

// journal bound: a subscriber further behind than this gets a full snapshot
// instead of a replay.
const maxJournal = 1024

type journalEntry struct {
	version uint64
	ch      change.Change[Task]
}

// Provider owns an in-memory task set and a monotonically versioned change
// journal. Every mutation bumps the version, appends to the journal, and
// publishes a batch on the broadcast hub; Sync replays the journal past the
// caller's position so a late subscriber converges without re-emitting what
// it already saw.
type Provider struct {
	name   string
	log    *logger.Logger
	schema *schema.EntitySchema

	mu      sync.Mutex
	tasks   map[string]*Task
	version uint64
	journal []journalEntry

	lastCreated string

	hub         *broadcast.Hub[change.WithMetadata[Task]]
	descriptors []operation.Descriptor
}

// New creates a provider named name (also its sync-provider name).
func New(name string, log *logger.Logger) (*Provider, error) {
	s, err := TaskSchema()
	if err != nil {
		return nil, err
	}
	p := &Provider{
		name:   name,
		log:    log,
		schema: s,
		tasks:  make(map[string]*Task),
		hub:    broadcast.New[change.WithMetadata[Task]](0),
	}
	p.descriptors = append(p.descriptors, registry.CRUDDescriptors(s)...)
	p.descriptors = append(p.descriptors, registry.BlockDescriptors(s, registry.BlockFields{
		ParentID: "parent_id", SortKey: "sort_key", Depth: "depth", Content: "content",
	})...)
	p.descriptors = append(p.descriptors, registry.TaskDescriptors(s, registry.TaskFields{
		Completed: "completed", Priority: "priority", DueDate: "due_date",
	})...)
	return p, nil
}

// Schema returns the tasks entity schema, for cache registration.
func (p *Provider) Schema() *schema.EntitySchema { return p.schema }

func (p *Provider) ProviderName() string { return p.name }

func (p *Provider) Operations() []operation.Descriptor { return p.descriptors }

// SubscribeChanges returns the live change stream.
func (p *Provider) SubscribeChanges() (<-chan broadcast.Envelope[change.WithMetadata[Task]], *broadcast.Subscription[change.WithMetadata[Task]]) {
	return p.hub.Subscribe()
}

func (p *Provider) GetLastCreatedID() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCreated, p.lastCreated != ""
}

// Sync emits the changes the caller has not seen: everything as Created
// from Beginning, the journal suffix from a Version within the journal's
// reach, and a full snapshot again when the caller is too far behind.
func (p *Provider) Sync(ctx context.Context, position change.Position) (change.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := change.Version([]byte(strconv.FormatUint(p.version, 10)))
	var batch []change.Change[Task]

	replayed := false
	if raw, ok := position.Bytes(); ok {
		if v, err := strconv.ParseUint(string(raw), 10, 64); err == nil {
			if v == p.version {
				return cur, nil
			}
			if len(p.journal) > 0 && v >= p.journal[0].version-1 {
				for _, je := range p.journal {
					if je.version > v {
						batch = append(batch, je.ch)
					}
				}
				replayed = true
			}
		}
	}
	if !replayed {
		for _, t := range p.sortedTasks() {
			copied := *t
			batch = append(batch, change.Created(copied, change.Remote("", "")))
		}
	}

	if len(batch) > 0 {
		p.hub.Publish(change.WithMetadata[Task]{
			Changes:  batch,
			Metadata: change.BatchMetadata{SyncToken: cur.Encode()},
		})
	}
	return cur, nil
}

func (p *Provider) sortedTasks() []*Task {
	out := make([]*Task, 0, len(p.tasks))
	for _, t := range p.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortKey != out[j].SortKey {
			return out[i].SortKey < out[j].SortKey
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// emit journals and publishes changes as one batch. Caller holds p.mu.
func (p *Provider) emit(changes ...change.Change[Task]) {
	for _, ch := range changes {
		p.version++
		p.journal = append(p.journal, journalEntry{version: p.version, ch: ch})
	}
	if len(p.journal) > maxJournal {
		p.journal = p.journal[len(p.journal)-maxJournal:]
	}
	p.hub.Publish(change.WithMetadata[Task]{
		Changes:  changes,
		Metadata: change.BatchMetadata{SyncToken: strconv.FormatUint(p.version, 10)},
	})
}

func originFrom(ctx context.Context) change.Origin {
	opID, _ := operation.IDFromContext(ctx)
	traceID, _ := operation.TraceIDFromContext(ctx)
	return change.Local(opID, traceID)
}

// Execute implements provider.OperationProvider.
func (p *Provider) Execute(ctx context.Context, entityName, opName string, params map[string]value.Value) (operation.UndoAction, error) {
	if entityName != EntityName {
		return operation.UndoAction{}, errs.Unknown(entityName, opName)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	origin := originFrom(ctx)
	switch opName {
	case "create":
		return p.create(params, origin)
	case "set_field":
		return p.setField(params, origin)
	case "delete":
		return p.deleteTask(params, origin)
	case "set_completion":
		return p.setNamedField(params, "completed", origin)
	case "set_priority":
		return p.setNamedField(params, "priority", origin)
	case "set_due_date":
		return p.setNamedField(params, "due_date", origin)
	case "indent":
		return p.indent(params, origin)
	case "outdent":
		return p.outdent(params, origin)
	case "move_block":
		return p.moveBlock(params, origin)
	default:
		return operation.UndoAction{}, errs.Unknown(entityName, opName)
	}
}

func strParam(params map[string]value.Value, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	return v.AsString()
}

func (p *Provider) get(params map[string]value.Value) (*Task, error) {
	id, ok := strParam(params, "id")
	if !ok {
		return nil, errs.PreconditionFailed(EntityName, "get", "missing id param")
	}
	t, ok := p.tasks[id]
	if !ok {
		return nil, errs.NotFound(EntityName, id)
	}
	return t, nil
}

func (p *Provider) create(params map[string]value.Value, origin change.Origin) (operation.UndoAction, error) {
	t := Task{}
	if id, ok := strParam(params, "id"); ok && id != "" {
		t.ID = id
	} else {
		t.ID = uuid.NewString()
	}
	if _, exists := p.tasks[t.ID]; exists {
		return operation.UndoAction{}, errs.PreconditionFailed(EntityName, "create", "id already exists")
	}
	t.Content, _ = strParam(params, "content")
	if v, ok := params["completed"]; ok {
		t.Completed, _ = v.AsBool()
	}
	if v, ok := params["priority"]; ok {
		t.Priority, _ = v.AsInt64()
	}
	if v, ok := params["due_date"]; ok {
		if due, ok := v.AsDateTime(); ok {
			t.DueDate = &due
		}
	}
	t.ParentID, _ = strParam(params, "parent_id")

	if key, ok := strParam(params, "sort_key"); ok && key != "" {
		t.SortKey = key
	} else {
		last := p.lastSiblingKey(t.ParentID, "")
		key, err := ordering.KeyBetween(last, nil)
		if err != nil {
			return operation.UndoAction{}, errs.Internal(EntityName, "create", err)
		}
		t.SortKey = string(key)
	}
	if v, ok := params["depth"]; ok {
		t.Depth, _ = v.AsInt64()
	} else if parent, ok := p.tasks[t.ParentID]; ok {
		t.Depth = parent.Depth + 1
	}

	p.tasks[t.ID] = &t
	p.lastCreated = t.ID
	p.emit(change.Created(t, origin))

	inverse := operation.New(EntityName, "delete", "Delete task",
		map[string]value.Value{"id": value.String(t.ID)})
	return operation.Undo(inverse), nil
}

func (p *Provider) setField(params map[string]value.Value, origin change.Origin) (operation.UndoAction, error) {
	field, ok := strParam(params, "field")
	if !ok {
		return operation.UndoAction{}, errs.PreconditionFailed(EntityName, "set_field", "missing field param")
	}
	newValue, ok := params["value"]
	if !ok {
		return operation.UndoAction{}, errs.PreconditionFailed(EntityName, "set_field", "missing value param")
	}
	t, err := p.get(params)
	if err != nil {
		return operation.UndoAction{}, err
	}

	row := TaskCodec{}.ToRow(*t)
	old, ok := row[field]
	if !ok {
		return operation.UndoAction{}, errs.SchemaMismatch(EntityName, field)
	}
	row[field] = newValue
	updated, err := TaskCodec{}.FromRow(row)
	if err != nil {
		return operation.UndoAction{}, errs.Internal(EntityName, "set_field", err)
	}
	*t = updated
	p.emit(change.Updated(t.ID, *t, origin))

	inverse := operation.New(EntityName, "set_field", "Edit "+field,
		map[string]value.Value{"id": value.String(t.ID), "field": value.String(field), "value": old})
	return operation.Undo(inverse), nil
}

// setNamedField adapts the task-family convenience operations
// (set_completion/set_priority/set_due_date) onto the set_field path.
func (p *Provider) setNamedField(params map[string]value.Value, field string, origin change.Origin) (operation.UndoAction, error) {
	v, ok := params[field]
	if !ok {
		if field != "due_date" {
			return operation.UndoAction{}, errs.PreconditionFailed(EntityName, "set_"+field, "missing "+field+" param")
		}
		v = value.Null()
	}
	mapped := map[string]value.Value{
		"id":    params["id"],
		"field": value.String(field),
		"value": v,
	}
	action, err := p.setField(mapped, origin)
	if err != nil {
		return operation.UndoAction{}, err
	}
	// Re-express the inverse in the same named-op vocabulary.
	old := action.Inverse.Params["value"]
	opName := "set_completion"
	switch field {
	case "priority":
		opName = "set_priority"
	case "due_date":
		opName = "set_due_date"
	}
	inverse := operation.New(EntityName, opName, action.Inverse.DisplayName,
		map[string]value.Value{"id": params["id"], field: old})
	return operation.Undo(inverse), nil
}

func (p *Provider) deleteTask(params map[string]value.Value, origin change.Origin) (operation.UndoAction, error) {
	t, err := p.get(params)
	if err != nil {
		return operation.UndoAction{}, err
	}
	snapshot := *t
	delete(p.tasks, t.ID)
	p.emit(change.Deleted[Task](snapshot.ID, origin))

	inverseParams := map[string]value.Value{
		"id":        value.String(snapshot.ID),
		"content":   value.String(snapshot.Content),
		"completed": value.Bool(snapshot.Completed),
		"priority":  value.Int64(snapshot.Priority),
		"parent_id": value.String(snapshot.ParentID),
		"sort_key":  value.String(snapshot.SortKey),
		"depth":     value.Int64(snapshot.Depth),
	}
	if snapshot.DueDate != nil {
		inverseParams["due_date"] = value.DateTime(*snapshot.DueDate)
	}
	inverse := operation.New(EntityName, "create", "Create task", inverseParams)
	return operation.Undo(inverse), nil
}

// siblings returns the children of parentID sorted by key, excluding
// excludeID.
func (p *Provider) siblings(parentID, excludeID string) []*Task {
	var out []*Task
	for _, t := range p.tasks {
		if t.ParentID == parentID && t.ID != excludeID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortKey < out[j].SortKey })
	return out
}

func (p *Provider) lastSiblingKey(parentID, excludeID string) *ordering.Key {
	sibs := p.siblings(parentID, excludeID)
	if len(sibs) == 0 {
		return nil
	}
	k := ordering.Key(sibs[len(sibs)-1].SortKey)
	return &k
}

// wouldCycle reports whether re-parenting id under targetParent closes a
// loop.
func (p *Provider) wouldCycle(id, targetParent string) bool {
	for cur := targetParent; cur != ""; {
		if cur == id {
			return true
		}
		t, ok := p.tasks[cur]
		if !ok {
			return false
		}
		cur = t.ParentID
	}
	return false
}

// moveTo re-parents t under newParent. With after == "" the task becomes
// the first child; otherwise it is placed directly after that sibling.
// Subtree depths are shifted along, and all resulting updates are emitted
// as one batch.
func (p *Provider) moveTo(t *Task, newParent, after string, origin change.Origin) error {
	if p.wouldCycle(t.ID, newParent) {
		return errs.CyclicMove(t.ID, newParent)
	}
	if newParent != "" {
		if _, ok := p.tasks[newParent]; !ok {
			return errs.NotFound(EntityName, newParent)
		}
	}

	sibs := p.siblings(newParent, t.ID)
	var prev, next *ordering.Key
	if after == "" {
		if len(sibs) > 0 {
			k := ordering.Key(sibs[0].SortKey)
			next = &k
		}
	} else {
		found := false
		for i, s := range sibs {
			if s.ID == after {
				k := ordering.Key(s.SortKey)
				prev = &k
				if i+1 < len(sibs) {
					nk := ordering.Key(sibs[i+1].SortKey)
					next = &nk
				}
				found = true
				break
			}
		}
		if !found {
			return errs.NotFound(EntityName, after)
		}
	}
	key, err := ordering.KeyBetween(prev, next)
	if err != nil {
		return errs.Internal(EntityName, "move", err)
	}

	var changes []change.Change[Task]
	if ordering.NeedsRebalance(key) {
		changes, key, err = p.rebalance(newParent, t.ID, after)
		if err != nil {
			return err
		}
	}

	newDepth := int64(0)
	if parent, ok := p.tasks[newParent]; ok {
		newDepth = parent.Depth + 1
	}
	delta := newDepth - t.Depth

	t.ParentID = newParent
	t.SortKey = string(key)
	p.shiftDepth(t, delta)
	changes = append(changes, change.Updated(t.ID, *t, origin))
	for _, c := range p.descendants(t.ID) {
		changes = append(changes, change.Updated(c.ID, *c, origin))
	}
	for i := range changes {
		changes[i].Origin = origin
	}
	p.emit(changes...)
	return nil
}

// rebalance regenerates the whole sibling set of parentID evenly and
// returns the key the moved task should take, honoring its requested
// position.
func (p *Provider) rebalance(parentID, movingID, after string) ([]change.Change[Task], ordering.Key, error) {
	sibs := p.siblings(parentID, movingID)
	keys, err := ordering.KeysEvenly(len(sibs) + 1)
	if err != nil {
		return nil, "", errs.Internal(EntityName, "rebalance", err)
	}

	slot := 0
	if after != "" {
		for i, s := range sibs {
			if s.ID == after {
				slot = i + 1
				break
			}
		}
	}

	var changes []change.Change[Task]
	ki := 0
	var movedKey ordering.Key
	for i := 0; i <= len(sibs); i++ {
		if i == slot {
			movedKey = keys[ki]
			ki++
			continue
		}
		idx := i
		if i > slot {
			idx = i - 1
		}
		sibs[idx].SortKey = string(keys[ki])
		changes = append(changes, change.Updated(sibs[idx].ID, *sibs[idx], change.Origin{}))
		ki++
	}
	return changes, movedKey, nil
}

func (p *Provider) shiftDepth(t *Task, delta int64) {
	if delta == 0 {
		return
	}
	t.Depth += delta
	for _, c := range p.tasks {
		if c.ParentID == t.ID {
			p.shiftDepth(c, delta)
		}
	}
}

func (p *Provider) descendants(id string) []*Task {
	var out []*Task
	for _, c := range p.tasks {
		if c.ParentID == id {
			out = append(out, c)
			out = append(out, p.descendants(c.ID)...)
		}
	}
	return out
}

// positionInverse captures where t currently sits, as a move_block that
// puts it back.
func (p *Provider) positionInverse(t *Task) operation.Operation {
	after := ""
	for _, s := range p.siblings(t.ParentID, t.ID) {
		if s.SortKey < t.SortKey {
			after = s.ID
		}
	}
	params := map[string]value.Value{
		"id":            value.String(t.ID),
		"new_parent_id": value.String(t.ParentID),
	}
	if after != "" {
		params["after"] = value.String(after)
	}
	return operation.New(EntityName, "move_block", "Move task", params)
}

func (p *Provider) indent(params map[string]value.Value, origin change.Origin) (operation.UndoAction, error) {
	t, err := p.get(params)
	if err != nil {
		return operation.UndoAction{}, err
	}
	newParent, ok := strParam(params, "new_parent_id")
	if !ok {
		return operation.UndoAction{}, errs.PreconditionFailed(EntityName, "indent", "missing new_parent_id param")
	}
	inverse := p.positionInverse(t)
	if err := p.moveTo(t, newParent, "", origin); err != nil {
		return operation.UndoAction{}, err
	}
	return operation.Undo(inverse), nil
}

func (p *Provider) outdent(params map[string]value.Value, origin change.Origin) (operation.UndoAction, error) {
	t, err := p.get(params)
	if err != nil {
		return operation.UndoAction{}, err
	}
	if t.ParentID == "" {
		return operation.UndoAction{}, errs.PreconditionFailed(EntityName, "outdent", "task is already at the root")
	}
	parent := p.tasks[t.ParentID]
	inverse := p.positionInverse(t)
	if err := p.moveTo(t, parent.ParentID, parent.ID, origin); err != nil {
		return operation.UndoAction{}, err
	}
	return operation.Undo(inverse), nil
}

func (p *Provider) moveBlock(params map[string]value.Value, origin change.Origin) (operation.UndoAction, error) {
	t, err := p.get(params)
	if err != nil {
		return operation.UndoAction{}, err
	}
	newParent, ok := strParam(params, "new_parent_id")
	if !ok {
		return operation.UndoAction{}, errs.PreconditionFailed(EntityName, "move_block", "missing new_parent_id param")
	}
	after, _ := strParam(params, "after")
	inverse := p.positionInverse(t)
	if err := p.moveTo(t, newParent, after, origin); err != nil {
		return operation.UndoAction{}, err
	}
	return operation.Undo(inverse), nil
}

// Seed inserts tasks directly, bypassing operations. Test setup only; no
// changes are journaled or published.
func (p *Provider) Seed(tasks ...Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range tasks {
		copied := t
		p.tasks[t.ID] = &copied
	}
}
