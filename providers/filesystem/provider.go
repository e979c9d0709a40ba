package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
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

// selfWriteWindow is how long after one of our own writes a matching
// watcher event is treated as echo and suppressed. The synthetic Local
// change was already emitted by the operation itself.
const selfWriteWindow = 2 * time.Second

// Provider maps a directory of one-file-per-block JSON documents onto the
// blocks entity. The fsnotify watcher turns external edits into Remote
// changes; operations write files and emit Local changes directly.
type Provider struct {
	name   string
	dir    string
	log    *logger.Logger
	schema *schema.EntitySchema

	mu          sync.Mutex
	selfWrites  map[string]time.Time
	lastCreated string

	watcher     *fsnotify.Watcher
	hub         *broadcast.Hub[change.WithMetadata[Block]]
	descriptors []operation.Descriptor
	done        chan struct{}
}

// New creates the directory if needed, starts the watcher, and returns the
// provider.
func New(name, dir string, log *logger.Logger) (*Provider, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Provider(EntityName, "open", err)
	}
	s, err := BlockSchema()
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.Provider(EntityName, "open", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, errs.Provider(EntityName, "open", err)
	}

	p := &Provider{
		name:       name,
		dir:        dir,
		log:        log,
		schema:     s,
		selfWrites: make(map[string]time.Time),
		watcher:    watcher,
		hub:        broadcast.New[change.WithMetadata[Block]](0),
		done:       make(chan struct{}),
	}
	p.descriptors = append(p.descriptors, registry.CRUDDescriptors(s)...)
	p.descriptors = append(p.descriptors, registry.BlockDescriptors(s, registry.BlockFields{
		ParentID: "parent_id", SortKey: "sort_key", Depth: "depth", Content: "content",
	})...)
	p.descriptors = append(p.descriptors, registry.RenameMoveDescriptors(s, "name", "parent_id")...)

	go p.watchLoop()
	return p, nil
}

// Close stops the watcher and closes the change stream.
func (p *Provider) Close() error {
	close(p.done)
	err := p.watcher.Close()
	p.hub.Close()
	return err
}

// Schema returns the blocks entity schema, for cache registration.
func (p *Provider) Schema() *schema.EntitySchema { return p.schema }

func (p *Provider) ProviderName() string { return p.name }

func (p *Provider) Operations() []operation.Descriptor { return p.descriptors }

// SubscribeChanges returns the live change stream.
func (p *Provider) SubscribeChanges() (<-chan broadcast.Envelope[change.WithMetadata[Block]], *broadcast.Subscription[change.WithMetadata[Block]]) {
	return p.hub.Subscribe()
}

func (p *Provider) GetLastCreatedID() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCreated, p.lastCreated != ""
}

func (p *Provider) watchLoop() {
	for {
		select {
		case <-p.done:
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if !isBlockFile(event.Name) || p.isSelfWrite(event.Name) {
				continue
			}
			p.handleEvent(event)
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			if p.log != nil {
				p.log.Warn("filesystem[%s]: watcher error: %v", p.name, err)
			}
		}
	}
}

func (p *Provider) handleEvent(event fsnotify.Event) {
	origin := change.Remote("", "")
	token := strconv.FormatInt(time.Now().UnixNano(), 10)

	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		b, err := readBlock(event.Name)
		if err != nil {
			// Writes often land in two events; the partial first read fails
			// to parse and the second event carries the full document.
			return
		}
		kind := change.Updated(b.ID, b, origin)
		if event.Op&fsnotify.Create != 0 {
			kind = change.Created(b, origin)
		}
		p.hub.Publish(change.WithMetadata[Block]{
			Changes:  []change.Change[Block]{kind},
			Metadata: change.BatchMetadata{SyncToken: token},
		})
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		p.hub.Publish(change.WithMetadata[Block]{
			Changes:  []change.Change[Block]{change.Deleted[Block](idFromPath(event.Name), origin)},
			Metadata: change.BatchMetadata{SyncToken: token},
		})
	}
}

func (p *Provider) isSelfWrite(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	deadline, ok := p.selfWrites[path]
	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		delete(p.selfWrites, path)
		return false
	}
	return true
}

func (p *Provider) markSelfWrite(path string) {
	p.mu.Lock()
	p.selfWrites[path] = time.Now().Add(selfWriteWindow)
	p.mu.Unlock()
}

// Sync scans the directory. From Beginning every block is emitted as
// Created; from a Version (the nanosecond mtime high-water mark of the
// previous scan) only files modified since are emitted, as Updated so the
// cache upserts. Deletions are not detectable from mtimes alone; a
// subscriber that suspects drift re-syncs from Beginning.
func (p *Provider) Sync(ctx context.Context, position change.Position) (change.Position, error) {
	var since int64
	if raw, ok := position.Bytes(); ok {
		since, _ = strconv.ParseInt(string(raw), 10, 64)
	}

	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return change.Beginning, errs.Provider(EntityName, "sync", err)
	}

	var batch []change.Change[Block]
	maxMtime := since
	for _, entry := range entries {
		if entry.IsDir() || !isBlockFile(entry.Name()) {
			continue
		}
		path := filepath.Join(p.dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		mtime := info.ModTime().UnixNano()
		if mtime > maxMtime {
			maxMtime = mtime
		}
		b, err := readBlock(path)
		if err != nil {
			if p.log != nil {
				p.log.Warn("filesystem[%s]: skipping unreadable %s: %v", p.name, entry.Name(), err)
			}
			continue
		}
		if position.IsBeginning() {
			batch = append(batch, change.Created(b, change.Remote("", "")))
		} else if mtime > since {
			batch = append(batch, change.Updated(b.ID, b, change.Remote("", "")))
		}
	}

	newPos := change.Version([]byte(strconv.FormatInt(maxMtime, 10)))
	if len(batch) > 0 {
		p.hub.Publish(change.WithMetadata[Block]{
			Changes:  batch,
			Metadata: change.BatchMetadata{SyncToken: newPos.Encode()},
		})
	}
	return newPos, nil
}

// loadAll reads every block in the directory into a map.
func (p *Provider) loadAll() (map[string]*Block, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, errs.Provider(EntityName, "load", err)
	}
	out := make(map[string]*Block)
	for _, entry := range entries {
		if entry.IsDir() || !isBlockFile(entry.Name()) {
			continue
		}
		b, err := readBlock(filepath.Join(p.dir, entry.Name()))
		if err != nil {
			continue
		}
		copied := b
		out[b.ID] = &copied
	}
	return out, nil
}

func (p *Provider) store(b Block, origin change.Origin, created bool) error {
	path := blockPath(p.dir, b.ID)
	p.markSelfWrite(path)
	if err := writeBlock(path, b); err != nil {
		return errs.Provider(EntityName, "write", err)
	}
	ch := change.Updated(b.ID, b, origin)
	if created {
		ch = change.Created(b, origin)
	}
	p.hub.Publish(change.WithMetadata[Block]{
		Changes:  []change.Change[Block]{ch},
		Metadata: change.BatchMetadata{SyncToken: strconv.FormatInt(time.Now().UnixNano(), 10)},
	})
	return nil
}

// Execute implements provider.OperationProvider.
func (p *Provider) Execute(ctx context.Context, entityName, opName string, params map[string]value.Value) (operation.UndoAction, error) {
	if entityName != EntityName {
		return operation.UndoAction{}, errs.Unknown(entityName, opName)
	}
	switch opName {
	case "create":
		return p.create(ctx, params)
	case "set_field":
		return p.setField(ctx, params)
	case "delete":
		return p.deleteBlock(ctx, params)
	case "rename":
		return p.rename(ctx, params)
	case "move", "move_block":
		return p.move(ctx, params, opName)
	case "indent":
		return p.indentOutdent(ctx, params, true)
	case "outdent":
		return p.indentOutdent(ctx, params, false)
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

func (p *Provider) load(params map[string]value.Value) (Block, error) {
	id, ok := strParam(params, "id")
	if !ok {
		return Block{}, errs.PreconditionFailed(EntityName, "get", "missing id param")
	}
	b, err := readBlock(blockPath(p.dir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return Block{}, errs.NotFound(EntityName, id)
		}
		return Block{}, errs.Provider(EntityName, "read", err)
	}
	return b, nil
}

func (p *Provider) create(ctx context.Context, params map[string]value.Value) (operation.UndoAction, error) {
	b := Block{}
	if id, ok := strParam(params, "id"); ok && id != "" {
		b.ID = id
	} else {
		b.ID = uuid.NewString()
	}
	b.Name, _ = strParam(params, "name")
	b.Content, _ = strParam(params, "content")
	b.ParentID, _ = strParam(params, "parent_id")
	if key, ok := strParam(params, "sort_key"); ok && key != "" {
		b.SortKey = key
	} else {
		all, err := p.loadAll()
		if err != nil {
			return operation.UndoAction{}, err
		}
		last := lastSiblingKey(all, b.ParentID, "")
		key, err := ordering.KeyBetween(last, nil)
		if err != nil {
			return operation.UndoAction{}, errs.Internal(EntityName, "create", err)
		}
		b.SortKey = string(key)
		if parent, ok := all[b.ParentID]; ok {
			b.Depth = parent.Depth + 1
		}
	}
	if v, ok := params["depth"]; ok {
		b.Depth, _ = v.AsInt64()
	}

	origin := originFrom(ctx)
	if err := p.store(b, origin, true); err != nil {
		return operation.UndoAction{}, err
	}
	p.mu.Lock()
	p.lastCreated = b.ID
	p.mu.Unlock()

	inverse := operation.New(EntityName, "delete", "Delete block",
		map[string]value.Value{"id": value.String(b.ID)})
	return operation.Undo(inverse), nil
}

func (p *Provider) setField(ctx context.Context, params map[string]value.Value) (operation.UndoAction, error) {
	field, ok := strParam(params, "field")
	if !ok {
		return operation.UndoAction{}, errs.PreconditionFailed(EntityName, "set_field", "missing field param")
	}
	newValue, ok := params["value"]
	if !ok {
		return operation.UndoAction{}, errs.PreconditionFailed(EntityName, "set_field", "missing value param")
	}
	b, err := p.load(params)
	if err != nil {
		return operation.UndoAction{}, err
	}

	row := BlockCodec{}.ToRow(b)
	old, ok := row[field]
	if !ok {
		return operation.UndoAction{}, errs.SchemaMismatch(EntityName, field)
	}
	row[field] = newValue
	updated, err := BlockCodec{}.FromRow(row)
	if err != nil {
		return operation.UndoAction{}, errs.Internal(EntityName, "set_field", err)
	}
	if err := p.store(updated, originFrom(ctx), false); err != nil {
		return operation.UndoAction{}, err
	}

	inverse := operation.New(EntityName, "set_field", "Edit "+field,
		map[string]value.Value{"id": value.String(b.ID), "field": value.String(field), "value": old})
	return operation.Undo(inverse), nil
}

func (p *Provider) deleteBlock(ctx context.Context, params map[string]value.Value) (operation.UndoAction, error) {
	b, err := p.load(params)
	if err != nil {
		return operation.UndoAction{}, err
	}
	path := blockPath(p.dir, b.ID)
	p.markSelfWrite(path)
	if err := os.Remove(path); err != nil {
		return operation.UndoAction{}, errs.Provider(EntityName, "delete", err)
	}
	p.hub.Publish(change.WithMetadata[Block]{
		Changes:  []change.Change[Block]{change.Deleted[Block](b.ID, originFrom(ctx))},
		Metadata: change.BatchMetadata{SyncToken: strconv.FormatInt(time.Now().UnixNano(), 10)},
	})

	inverse := operation.New(EntityName, "create", "Create block", map[string]value.Value{
		"id":        value.String(b.ID),
		"name":      value.String(b.Name),
		"content":   value.String(b.Content),
		"parent_id": value.String(b.ParentID),
		"sort_key":  value.String(b.SortKey),
		"depth":     value.Int64(b.Depth),
	})
	return operation.Undo(inverse), nil
}

func (p *Provider) rename(ctx context.Context, params map[string]value.Value) (operation.UndoAction, error) {
	name, ok := strParam(params, "name")
	if !ok {
		return operation.UndoAction{}, errs.PreconditionFailed(EntityName, "rename", "missing name param")
	}
	b, err := p.load(params)
	if err != nil {
		return operation.UndoAction{}, err
	}
	oldName := b.Name
	b.Name = name
	if err := p.store(b, originFrom(ctx), false); err != nil {
		return operation.UndoAction{}, err
	}
	inverse := operation.New(EntityName, "rename", "Rename block",
		map[string]value.Value{"id": value.String(b.ID), "name": value.String(oldName)})
	return operation.Undo(inverse), nil
}

// move handles both the filesystem-style move(id, parent_id) and the block
// family's move_block(id, new_parent_id, after?).
func (p *Provider) move(ctx context.Context, params map[string]value.Value, opName string) (operation.UndoAction, error) {
	parentKey := "parent_id"
	if opName == "move_block" {
		parentKey = "new_parent_id"
	}
	newParent, ok := strParam(params, parentKey)
	if !ok {
		return operation.UndoAction{}, errs.PreconditionFailed(EntityName, opName, "missing "+parentKey+" param")
	}
	after, _ := strParam(params, "after")
	return p.reparent(ctx, params, newParent, after, opName)
}

func (p *Provider) indentOutdent(ctx context.Context, params map[string]value.Value, indent bool) (operation.UndoAction, error) {
	b, err := p.load(params)
	if err != nil {
		return operation.UndoAction{}, err
	}
	if indent {
		newParent, ok := strParam(params, "new_parent_id")
		if !ok {
			return operation.UndoAction{}, errs.PreconditionFailed(EntityName, "indent", "missing new_parent_id param")
		}
		return p.reparent(ctx, params, newParent, "", "indent")
	}
	if b.ParentID == "" {
		return operation.UndoAction{}, errs.PreconditionFailed(EntityName, "outdent", "block is already at the root")
	}
	all, err := p.loadAll()
	if err != nil {
		return operation.UndoAction{}, err
	}
	parent := all[b.ParentID]
	if parent == nil {
		return operation.UndoAction{}, errs.NotFound(EntityName, b.ParentID)
	}
	return p.reparent(ctx, params, parent.ParentID, parent.ID, "outdent")
}

func (p *Provider) reparent(ctx context.Context, params map[string]value.Value, newParent, after, opName string) (operation.UndoAction, error) {
	b, err := p.load(params)
	if err != nil {
		return operation.UndoAction{}, err
	}
	all, err := p.loadAll()
	if err != nil {
		return operation.UndoAction{}, err
	}
	if wouldCycle(all, b.ID, newParent) {
		return operation.UndoAction{}, errs.CyclicMove(b.ID, newParent)
	}
	if newParent != "" {
		if _, ok := all[newParent]; !ok {
			return operation.UndoAction{}, errs.NotFound(EntityName, newParent)
		}
	}

	inverse := positionInverse(all, &b)

	sibs := siblings(all, newParent, b.ID)
	var prev, next *ordering.Key
	if after == "" {
		if len(sibs) > 0 {
			k := ordering.Key(sibs[0].SortKey)
			next = &k
		}
	} else {
		for i, s := range sibs {
			if s.ID == after {
				k := ordering.Key(s.SortKey)
				prev = &k
				if i+1 < len(sibs) {
					nk := ordering.Key(sibs[i+1].SortKey)
					next = &nk
				}
				break
			}
		}
	}
	key, err := ordering.KeyBetween(prev, next)
	if err != nil {
		return operation.UndoAction{}, errs.Internal(EntityName, opName, err)
	}

	b.ParentID = newParent
	b.SortKey = string(key)
	if parent, ok := all[newParent]; ok {
		b.Depth = parent.Depth + 1
	} else {
		b.Depth = 0
	}
	if err := p.store(b, originFrom(ctx), false); err != nil {
		return operation.UndoAction{}, err
	}
	return operation.Undo(inverse), nil
}

func originFrom(ctx context.Context) change.Origin {
	opID, _ := operation.IDFromContext(ctx)
	traceID, _ := operation.TraceIDFromContext(ctx)
	return change.Local(opID, traceID)
}

func siblings(all map[string]*Block, parentID, excludeID string) []*Block {
	var out []*Block
	for _, b := range all {
		if b.ParentID == parentID && b.ID != excludeID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortKey < out[j].SortKey })
	return out
}

func lastSiblingKey(all map[string]*Block, parentID, excludeID string) *ordering.Key {
	sibs := siblings(all, parentID, excludeID)
	if len(sibs) == 0 {
		return nil
	}
	k := ordering.Key(sibs[len(sibs)-1].SortKey)
	return &k
}

func wouldCycle(all map[string]*Block, id, targetParent string) bool {
	for cur := targetParent; cur != ""; {
		if cur == id {
			return true
		}
		b, ok := all[cur]
		if !ok {
			return false
		}
		cur = b.ParentID
	}
	return false
}

func positionInverse(all map[string]*Block, b *Block) operation.Operation {
	after := ""
	for _, s := range siblings(all, b.ParentID, b.ID) {
		if s.SortKey < b.SortKey {
			after = s.ID
		}
	}
	params := map[string]value.Value{
		"id":            value.String(b.ID),
		"new_parent_id": value.String(b.ParentID),
	}
	if after != "" {
		params["after"] = value.String(after)
	}
	return operation.New(EntityName, "move_block", "Move block", params)
}
