// Package postgres implements a reference external provider that tails one
// PostgreSQL table through logical replication: a publication plus a
// pgoutput slot, decoded with pglogrepl and translated into typed change
// batches whose sync token is the commit LSN. Operations execute as plain
// SQL through a pgx pool.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/syncstore/engine/pkg/broadcast"
	"github.com/syncstore/engine/pkg/change"
	"github.com/syncstore/engine/pkg/errs"
	"github.com/syncstore/engine/pkg/logger"
	"github.com/syncstore/engine/pkg/operation"
	"github.com/syncstore/engine/pkg/registry"
	"github.com/syncstore/engine/pkg/schema"
	"github.com/syncstore/engine/pkg/value"
)

// Config describes the remote table this provider owns.
type Config struct {
	// Name is the provider's sync name; also the default prefix of the
	// slot and publication names.
	Name       string
	ConnString string
	Schema     *schema.EntitySchema

	// SlotName and PublicationName are generated from Name when empty.
	SlotName        string
	PublicationName string
}

const (
	receiveTimeout  = 5 * time.Second
	standbyInterval = 10 * time.Second
	selfEchoWindow  = 5 * time.Second
)

// Provider tails cfg.Schema's table. Local operations execute as SQL and
// emit synthetic Local changes immediately; the WAL echo of those writes is
// suppressed by a short-lived (kind, id) window, so the stream carries each
// write exactly once with the right origin.
type Provider struct {
	cfg  Config
	log  *logger.Logger
	pool *pgxpool.Pool

	replConn  *pgconn.PgConn
	relations map[uint32]*pglogrepl.RelationMessage

	mu          sync.Mutex
	selfEcho    map[string]time.Time
	lastCreated string
	lastLSN     pglogrepl.LSN

	txn []change.Change[schema.Row]

	hub         *broadcast.Hub[change.WithMetadata[schema.Row]]
	descriptors []operation.Descriptor
	cancel      context.CancelFunc
	done        chan struct{}
}

// Connect opens the pool and the replication connection, ensures the
// publication and slot exist, and starts streaming.
func Connect(ctx context.Context, cfg Config, log *logger.Logger) (*Provider, error) {
	if cfg.Name == "" || cfg.Schema == nil {
		return nil, errs.Internal("postgres", "connect", fmt.Errorf("name and schema are required"))
	}
	if cfg.SlotName == "" {
		cfg.SlotName = sanitizeIdentifier("slot_" + cfg.Name)
	}
	if cfg.PublicationName == "" {
		cfg.PublicationName = sanitizeIdentifier("pub_" + cfg.Name)
	}

	pool, err := pgxpool.New(ctx, cfg.ConnString)
	if err != nil {
		return nil, errs.Provider(cfg.Schema.EntityName, "connect", err)
	}

	p := &Provider{
		cfg:       cfg,
		log:       log,
		pool:      pool,
		relations: make(map[uint32]*pglogrepl.RelationMessage),
		selfEcho:  make(map[string]time.Time),
		hub:       broadcast.New[change.WithMetadata[schema.Row]](0),
		done:      make(chan struct{}),
	}
	p.descriptors = registry.CRUDDescriptors(cfg.Schema)

	if err := p.ensureReplicationObjects(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := p.openReplicationConn(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	if err := p.startStreaming(streamCtx); err != nil {
		cancel()
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Close stops the stream and closes both connections.
func (p *Provider) Close(ctx context.Context) error {
	p.cancel()
	<-p.done
	err := p.replConn.Close(ctx)
	p.pool.Close()
	p.hub.Close()
	return err
}

func (p *Provider) ProviderName() string { return p.cfg.Name }

func (p *Provider) Operations() []operation.Descriptor { return p.descriptors }

// SubscribeChanges returns the live change stream.
func (p *Provider) SubscribeChanges() (<-chan broadcast.Envelope[change.WithMetadata[schema.Row]], *broadcast.Subscription[change.WithMetadata[schema.Row]]) {
	return p.hub.Subscribe()
}

func (p *Provider) GetLastCreatedID() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCreated, p.lastCreated != ""
}

// ensureReplicationObjects creates the publication and the pgoutput slot if
// absent, and pins REPLICA IDENTITY FULL so update/delete events carry the
// whole row rather than only key columns.
func (p *Provider) ensureReplicationObjects(ctx context.Context) error {
	table := p.cfg.Schema.EntityName

	var pubExists bool
	err := p.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM pg_publication WHERE pubname = $1)", p.cfg.PublicationName).Scan(&pubExists)
	if err != nil {
		return errs.Provider(table, "ensure_publication", err)
	}
	if !pubExists {
		_, err = p.pool.Exec(ctx, fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s", p.cfg.PublicationName, table))
		if err != nil {
			return errs.Provider(table, "ensure_publication", err)
		}
	}

	if _, err = p.pool.Exec(ctx, fmt.Sprintf("ALTER TABLE %s REPLICA IDENTITY FULL", table)); err != nil {
		return errs.Provider(table, "replica_identity", err)
	}

	var slotExists bool
	err = p.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)", p.cfg.SlotName).Scan(&slotExists)
	if err != nil {
		return errs.Provider(table, "ensure_slot", err)
	}
	if !slotExists {
		_, err = p.pool.Exec(ctx,
			fmt.Sprintf("SELECT pg_create_logical_replication_slot('%s', 'pgoutput')", p.cfg.SlotName))
		if err != nil {
			return errs.Provider(table, "ensure_slot", err)
		}
	}
	return nil
}

func (p *Provider) openReplicationConn(ctx context.Context) error {
	pgCfg, err := pgconn.ParseConfig(p.cfg.ConnString)
	if err != nil {
		return errs.Provider(p.cfg.Schema.EntityName, "connect", err)
	}
	pgCfg.RuntimeParams["replication"] = "database"
	conn, err := pgconn.ConnectConfig(ctx, pgCfg)
	if err != nil {
		return errs.Provider(p.cfg.Schema.EntityName, "connect", err)
	}
	p.replConn = conn
	return nil
}

func (p *Provider) startStreaming(ctx context.Context) error {
	sysident, err := pglogrepl.IdentifySystem(ctx, p.replConn)
	if err != nil {
		return errs.Provider(p.cfg.Schema.EntityName, "identify_system", err)
	}
	p.mu.Lock()
	p.lastLSN = sysident.XLogPos
	p.mu.Unlock()

	err = pglogrepl.StartReplication(ctx, p.replConn, p.cfg.SlotName, sysident.XLogPos,
		pglogrepl.StartReplicationOptions{PluginArgs: []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", p.cfg.PublicationName),
		}})
	if err != nil {
		return errs.Provider(p.cfg.Schema.EntityName, "start_replication", err)
	}

	go p.streamLoop(ctx)
	return nil
}

func (p *Provider) streamLoop(ctx context.Context) {
	defer close(p.done)
	nextStandby := time.Now().Add(standbyInterval)

	for {
		if ctx.Err() != nil {
			return
		}
		if time.Now().After(nextStandby) {
			p.sendStandbyStatus(ctx)
			nextStandby = time.Now().Add(standbyInterval)
		}

		readCtx, cancel := context.WithTimeout(ctx, receiveTimeout)
		msg, err := p.replConn.ReceiveMessage(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if pgconn.Timeout(err) {
				continue
			}
			if p.log != nil {
				p.log.Error("postgres[%s]: receive failed: %v", p.cfg.Name, err)
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		copyData, ok := msg.(*pgproto3.CopyData)
		if !ok {
			continue
		}
		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				continue
			}
			if pkm.ReplyRequested {
				p.sendStandbyStatus(ctx)
			}
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				continue
			}
			p.handleWAL(xld)
		}
	}
}

func (p *Provider) sendStandbyStatus(ctx context.Context) {
	p.mu.Lock()
	lsn := p.lastLSN
	p.mu.Unlock()
	err := pglogrepl.SendStandbyStatusUpdate(ctx, p.replConn,
		pglogrepl.StandbyStatusUpdate{WALWritePosition: lsn})
	if err != nil && p.log != nil {
		p.log.Warn("postgres[%s]: standby status update failed: %v", p.cfg.Name, err)
	}
}

// handleWAL decodes one XLogData frame. Changes accumulate per transaction
// and are published as one batch at commit, carrying the commit LSN as the
// sync token — the token and the batch advance atomically.
func (p *Provider) handleWAL(xld pglogrepl.XLogData) {
	logicalMsg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		if p.log != nil {
			p.log.Warn("postgres[%s]: unparseable WAL message: %v", p.cfg.Name, err)
		}
		return
	}

	p.mu.Lock()
	if xld.WALStart > p.lastLSN {
		p.lastLSN = xld.WALStart
	}
	p.mu.Unlock()

	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		p.relations[msg.RelationID] = msg
	case *pglogrepl.BeginMessage:
		p.txn = nil
	case *pglogrepl.CommitMessage:
		p.publishTxn(msg.CommitLSN)
	case *pglogrepl.InsertMessage:
		rel, ok := p.relations[msg.RelationID]
		if !ok || rel.RelationName != p.cfg.Schema.EntityName {
			return
		}
		row := p.tupleToRow(msg.Tuple, rel)
		if id, ok := p.rowID(row); ok && !p.isSelfEcho("create", id) {
			p.txn = append(p.txn, change.Created(row, change.Remote("", "")))
		}
	case *pglogrepl.UpdateMessage:
		rel, ok := p.relations[msg.RelationID]
		if !ok || rel.RelationName != p.cfg.Schema.EntityName {
			return
		}
		row := p.tupleToRow(msg.NewTuple, rel)
		if id, ok := p.rowID(row); ok && !p.isSelfEcho("update", id) {
			p.txn = append(p.txn, change.Updated(id, row, change.Remote("", "")))
		}
	case *pglogrepl.DeleteMessage:
		rel, ok := p.relations[msg.RelationID]
		if !ok || rel.RelationName != p.cfg.Schema.EntityName {
			return
		}
		row := p.tupleToRow(msg.OldTuple, rel)
		if id, ok := p.rowID(row); ok && !p.isSelfEcho("delete", id) {
			p.txn = append(p.txn, change.Deleted[schema.Row](id, change.Remote("", "")))
		}
	}
}

func (p *Provider) publishTxn(commitLSN pglogrepl.LSN) {
	batch := p.txn
	p.txn = nil
	if len(batch) == 0 {
		return
	}
	p.mu.Lock()
	if commitLSN > p.lastLSN {
		p.lastLSN = commitLSN
	}
	p.mu.Unlock()
	p.hub.Publish(change.WithMetadata[schema.Row]{
		Changes:  batch,
		Metadata: change.BatchMetadata{SyncToken: commitLSN.String()},
	})
}

func (p *Provider) rowID(row schema.Row) (string, bool) {
	v, ok := row[p.cfg.Schema.PrimaryKey()]
	if !ok {
		return "", false
	}
	return v.AsString()
}

// tupleToRow decodes a pgoutput tuple using the relation's column names and
// the entity schema's declared kinds. pgoutput sends text-format values.
func (p *Provider) tupleToRow(tuple *pglogrepl.TupleData, rel *pglogrepl.RelationMessage) schema.Row {
	row := make(schema.Row, len(rel.Columns))
	if tuple == nil {
		return row
	}
	for idx, col := range tuple.Columns {
		if idx >= len(rel.Columns) {
			continue
		}
		name := rel.Columns[idx].Name
		f, ok := p.cfg.Schema.Field(name)
		if !ok {
			continue
		}
		switch col.DataType {
		case 'n':
			row[name] = value.Null()
		case 't':
			row[name] = textToValue(f.ValueKind, string(col.Data))
		case 'u':
			// Unchanged TOAST column; the row is still valid without it.
		}
	}
	return row
}

func textToValue(kind value.Kind, text string) value.Value {
	switch kind {
	case value.KindBool:
		return value.Bool(text == "t" || text == "true")
	case value.KindInt64:
		if n, err := strconv.ParseInt(text, 10, 64); err == nil {
			return value.Int64(n)
		}
	case value.KindFloat64:
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			return value.Float64(f)
		}
	case value.KindDateTime:
		for _, layout := range []string{"2006-01-02 15:04:05.999999-07", time.RFC3339Nano, "2006-01-02"} {
			if t, err := time.Parse(layout, text); err == nil {
				return value.DateTime(t)
			}
		}
	case value.KindJSON:
		return value.JSON([]byte(text))
	case value.KindReference:
		return value.Reference(text)
	}
	return value.String(text)
}

func (p *Provider) isSelfEcho(kind, id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := kind + "/" + id
	deadline, ok := p.selfEcho[key]
	if !ok {
		return false
	}
	delete(p.selfEcho, key)
	return time.Now().Before(deadline)
}

func (p *Provider) markSelfEcho(kind, id string) {
	p.mu.Lock()
	p.selfEcho[kind+"/"+id] = time.Now().Add(selfEchoWindow)
	p.mu.Unlock()
}

// Sync from Beginning snapshots the whole table as one Created batch; from
// a Version it returns the stream's current position, since the slot has
// been delivering everything past the token already.
func (p *Provider) Sync(ctx context.Context, position change.Position) (change.Position, error) {
	table := p.cfg.Schema.EntityName

	if position.IsBeginning() {
		cols := strings.Join(p.cfg.Schema.ColumnNames(), ", ")
		rows, err := p.pool.Query(ctx, fmt.Sprintf("SELECT %s FROM %s", cols, table))
		if err != nil {
			return change.Beginning, errs.Provider(table, "sync", err)
		}
		defer rows.Close()

		var batch []change.Change[schema.Row]
		names := p.cfg.Schema.ColumnNames()
		for rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				return change.Beginning, errs.Provider(table, "sync", err)
			}
			row := make(schema.Row, len(names))
			for i, name := range names {
				if i >= len(vals) {
					break
				}
				f, _ := p.cfg.Schema.Field(name)
				row[name] = pgToValue(f.ValueKind, vals[i])
			}
			batch = append(batch, change.Created(row, change.Remote("", "")))
		}
		if rows.Err() != nil {
			return change.Beginning, errs.Provider(table, "sync", rows.Err())
		}

		p.mu.Lock()
		cur := p.lastLSN
		p.mu.Unlock()
		if len(batch) > 0 {
			p.hub.Publish(change.WithMetadata[schema.Row]{
				Changes:  batch,
				Metadata: change.BatchMetadata{SyncToken: cur.String()},
			})
		}
		return change.Version([]byte(cur.String())), nil
	}

	p.mu.Lock()
	cur := p.lastLSN
	p.mu.Unlock()
	return change.Version([]byte(cur.String())), nil
}

func pgToValue(kind value.Kind, raw interface{}) value.Value {
	if raw == nil {
		return value.Null()
	}
	switch v := raw.(type) {
	case bool:
		return value.Bool(v)
	case int16:
		return value.Int64(int64(v))
	case int32:
		return value.Int64(int64(v))
	case int64:
		return value.Int64(v)
	case float32:
		return value.Float64(float64(v))
	case float64:
		return value.Float64(v)
	case time.Time:
		return value.DateTime(v)
	case string:
		return value.String(v)
	case []byte:
		return value.String(string(v))
	}
	return value.String(fmt.Sprint(raw))
}

// Execute implements provider.OperationProvider with the CRUD family as
// SQL against the remote table.
func (p *Provider) Execute(ctx context.Context, entityName, opName string, params map[string]value.Value) (operation.UndoAction, error) {
	if entityName != p.cfg.Schema.EntityName {
		return operation.UndoAction{}, errs.Unknown(entityName, opName)
	}
	switch opName {
	case "create":
		return p.create(ctx, params)
	case "set_field":
		return p.setField(ctx, params)
	case "delete":
		return p.deleteRow(ctx, params)
	default:
		return operation.UndoAction{}, errs.Unknown(entityName, opName)
	}
}

func valueToPg(v value.Value) interface{} {
	if v.IsNull() {
		return nil
	}
	if b, ok := v.AsBool(); ok {
		return b
	}
	if n, ok := v.AsInt64(); ok {
		return n
	}
	if f, ok := v.AsFloat64(); ok {
		return f
	}
	if s, ok := v.AsString(); ok {
		return s
	}
	if t, ok := v.AsDateTime(); ok {
		return t
	}
	if raw, ok := v.AsJSON(); ok {
		return string(raw)
	}
	if r, ok := v.AsReference(); ok {
		return r
	}
	return nil
}

func (p *Provider) create(ctx context.Context, params map[string]value.Value) (operation.UndoAction, error) {
	s := p.cfg.Schema
	var cols []string
	var args []interface{}
	for _, name := range s.ColumnNames() {
		v, ok := params[name]
		if !ok {
			continue
		}
		cols = append(cols, name)
		args = append(args, valueToPg(v))
	}
	id, _ := params[s.PrimaryKey()].AsString()
	if id == "" {
		return operation.UndoAction{}, errs.PreconditionFailed(s.EntityName, "create", "missing "+s.PrimaryKey()+" param")
	}

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.EntityName, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	p.markSelfEcho("create", id)
	if _, err := p.pool.Exec(ctx, stmt, args...); err != nil {
		return operation.UndoAction{}, errs.Provider(s.EntityName, "create", err)
	}

	row := make(schema.Row, len(cols))
	for _, name := range cols {
		row[name] = params[name]
	}
	p.mu.Lock()
	p.lastCreated = id
	cur := p.lastLSN
	p.mu.Unlock()
	p.hub.Publish(change.WithMetadata[schema.Row]{
		Changes:  []change.Change[schema.Row]{change.Created(row, localOrigin(ctx))},
		Metadata: change.BatchMetadata{SyncToken: cur.String()},
	})

	inverse := operation.New(s.EntityName, "delete", "Delete "+s.EntityName,
		map[string]value.Value{"id": value.String(id)})
	return operation.Undo(inverse), nil
}

func (p *Provider) setField(ctx context.Context, params map[string]value.Value) (operation.UndoAction, error) {
	s := p.cfg.Schema
	id, ok := params["id"].AsString()
	if !ok {
		return operation.UndoAction{}, errs.PreconditionFailed(s.EntityName, "set_field", "missing id param")
	}
	field, ok := params["field"].AsString()
	if !ok {
		return operation.UndoAction{}, errs.PreconditionFailed(s.EntityName, "set_field", "missing field param")
	}
	newValue, ok := params["value"]
	if !ok {
		return operation.UndoAction{}, errs.PreconditionFailed(s.EntityName, "set_field", "missing value param")
	}
	f, ok := s.Field(field)
	if !ok {
		return operation.UndoAction{}, errs.SchemaMismatch(s.EntityName, field)
	}

	var oldRaw interface{}
	err := p.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1", field, s.EntityName, s.PrimaryKey()), id).Scan(&oldRaw)
	if err != nil {
		return operation.UndoAction{}, errs.NotFound(s.EntityName, id)
	}
	old := pgToValue(f.ValueKind, oldRaw)

	p.markSelfEcho("update", id)
	_, err = p.pool.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET %s = $1 WHERE %s = $2", s.EntityName, field, s.PrimaryKey()),
		valueToPg(newValue), id)
	if err != nil {
		return operation.UndoAction{}, errs.Provider(s.EntityName, "set_field", err)
	}

	row, err := p.fetchRow(ctx, id)
	if err == nil {
		p.mu.Lock()
		cur := p.lastLSN
		p.mu.Unlock()
		p.hub.Publish(change.WithMetadata[schema.Row]{
			Changes:  []change.Change[schema.Row]{change.Updated(id, row, localOrigin(ctx))},
			Metadata: change.BatchMetadata{SyncToken: cur.String()},
		})
	}

	inverse := operation.New(s.EntityName, "set_field", "Edit "+field,
		map[string]value.Value{"id": value.String(id), "field": value.String(field), "value": old})
	return operation.Undo(inverse), nil
}

func (p *Provider) deleteRow(ctx context.Context, params map[string]value.Value) (operation.UndoAction, error) {
	s := p.cfg.Schema
	id, ok := params["id"].AsString()
	if !ok {
		return operation.UndoAction{}, errs.PreconditionFailed(s.EntityName, "delete", "missing id param")
	}
	row, err := p.fetchRow(ctx, id)
	if err != nil {
		return operation.UndoAction{}, err
	}

	p.markSelfEcho("delete", id)
	_, err = p.pool.Exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = $1", s.EntityName, s.PrimaryKey()), id)
	if err != nil {
		return operation.UndoAction{}, errs.Provider(s.EntityName, "delete", err)
	}

	p.mu.Lock()
	cur := p.lastLSN
	p.mu.Unlock()
	p.hub.Publish(change.WithMetadata[schema.Row]{
		Changes:  []change.Change[schema.Row]{change.Deleted[schema.Row](id, localOrigin(ctx))},
		Metadata: change.BatchMetadata{SyncToken: cur.String()},
	})

	inverseParams := make(map[string]value.Value, len(row))
	for k, v := range row {
		inverseParams[k] = v
	}
	inverse := operation.New(s.EntityName, "create", "Create "+s.EntityName, inverseParams)
	return operation.Undo(inverse), nil
}

func (p *Provider) fetchRow(ctx context.Context, id string) (schema.Row, error) {
	s := p.cfg.Schema
	names := s.ColumnNames()
	pgRows, err := p.pool.Query(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1", strings.Join(names, ", "), s.EntityName, s.PrimaryKey()), id)
	if err != nil {
		return nil, errs.Provider(s.EntityName, "get", err)
	}
	defer pgRows.Close()
	if !pgRows.Next() {
		return nil, errs.NotFound(s.EntityName, id)
	}
	vals, err := pgRows.Values()
	if err != nil {
		return nil, errs.Provider(s.EntityName, "get", err)
	}
	row := make(schema.Row, len(names))
	for i, name := range names {
		if i >= len(vals) {
			break
		}
		f, _ := s.Field(name)
		row[name] = pgToValue(f.ValueKind, vals[i])
	}
	return row, nil
}

func localOrigin(ctx context.Context) change.Origin {
	opID, _ := operation.IDFromContext(ctx)
	traceID, _ := operation.TraceIDFromContext(ctx)
	return change.Local(opID, traceID)
}

var identifierRe = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// sanitizeIdentifier lowercases and strips anything PostgreSQL would reject
// in a slot or publication name.
func sanitizeIdentifier(input string) string {
	s := strings.ToLower(identifierRe.ReplaceAllString(input, "_"))
	if s != "" && s[0] >= '0' && s[0] <= '9' {
		s = "id_" + s
	}
	if len(s) > 50 {
		s = s[:50]
	}
	return s
}
