// Package storage implements the embedded table-oriented storage backend
// over SQLite, with change data capture wired through mattn/go-sqlite3's
// per-connection update hook rather than polling.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/syncstore/engine/pkg/broadcast"
	"github.com/syncstore/engine/pkg/change"
	"github.com/syncstore/engine/pkg/errs"
	"github.com/syncstore/engine/pkg/logger"
	"github.com/syncstore/engine/pkg/schema"
	"github.com/syncstore/engine/pkg/value"
)

// RowChangeKind tags the kind of row-level mutation CDC observed.
type RowChangeKind int

const (
	RowAdded RowChangeKind = iota
	RowUpdated
	RowRemoved
)

func (k RowChangeKind) String() string {
	switch k {
	case RowAdded:
		return "added"
	case RowUpdated:
		return "updated"
	case RowRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// RowChange is one CDC event surfaced by SubscribeChanges.
type RowChange struct {
	Table        string
	ID           string
	Kind         RowChangeKind
	Data         schema.Row
	ChangeOrigin *change.Origin
}

// pendingWrite is the row content of an in-flight Insert/Update/Upsert/
// Delete, captured before the statement executes. The update hook fires
// synchronously inside that statement, where touching the database again is
// forbidden (and with a one-connection pool would block forever), so this
// buffer is the only place the hook can get row content from.
type pendingWrite struct {
	table  string
	id     string
	row    schema.Row
	origin *change.Origin
}

// Backend is the embedded SQL engine. One Backend owns one SQLite database
// file (or in-memory database) and fans out CDC events for every registered
// schema's table through a single broadcast.Hub.
type Backend struct {
	db  *sql.DB
	log *logger.Logger

	// writeMu serializes the row-level write methods so that at most one
	// pendingWrite is in flight when the update hook fires.
	writeMu sync.Mutex

	mu        sync.RWMutex
	pending   *pendingWrite
	schemas   map[string]*schema.EntitySchema
	rowidToPK map[string]map[int64]string // table -> rowid -> primary key
	hub       *broadcast.Hub[RowChange]
}

// Open creates (or attaches to) a SQLite database at path (":memory:" for an
// in-memory instance) and installs the CDC update hook on its single
// underlying connection. The pool is capped at one connection; SQLite
// serializes writers regardless.
func Open(ctx context.Context, path string, log *logger.Logger) (*Backend, error) {
	b := &Backend{
		log:       log,
		schemas:   make(map[string]*schema.EntitySchema),
		rowidToPK: make(map[string]map[int64]string),
		hub:       broadcast.New[RowChange](0),
	}

	connector, err := (&sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			conn.RegisterUpdateHook(func(op int, dbName, table string, rowid int64) {
				b.onUpdateHook(op, table, rowid)
			})
			return nil
		},
	}).OpenConnector(path)
	if err != nil {
		return nil, errs.Internal("storage", "open", err)
	}

	b.db = sql.OpenDB(connector)
	b.db.SetMaxOpenConns(1)

	if err := b.db.PingContext(ctx); err != nil {
		return nil, errs.Internal("storage", "open", err)
	}
	return b, nil
}

// DB exposes the underlying handle for the tables that live in the same
// database but have no per-entity schema (operations, sync_states,
// id_mappings/commands) and for raw query execution by the coordinator.
func (b *Backend) DB() *sql.DB { return b.db }

// Close shuts down the underlying database and closes the CDC hub.
func (b *Backend) Close() error {
	b.hub.Close()
	return b.db.Close()
}

// RegisterSchema creates the table and indexes for s if they do not already
// exist, and primes the rowid->primary-key cache used by delete events.
func (b *Backend) RegisterSchema(ctx context.Context, s *schema.EntitySchema) error {
	b.mu.Lock()
	b.schemas[s.EntityName] = s
	b.rowidToPK[s.EntityName] = make(map[int64]string)
	b.mu.Unlock()

	if _, err := b.db.ExecContext(ctx, s.CreateTableDDL()); err != nil {
		return errs.Internal(s.EntityName, "register_schema", err)
	}
	for _, stmt := range s.CreateIndexDDL() {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return errs.Internal(s.EntityName, "register_schema", err)
		}
	}
	return b.primeRowidCache(ctx, s)
}

func (b *Backend) primeRowidCache(ctx context.Context, s *schema.EntitySchema) error {
	q := fmt.Sprintf("SELECT rowid, %s FROM %s", s.PrimaryKey(), s.EntityName)
	rows, err := b.db.QueryContext(ctx, q)
	if err != nil {
		return errs.Internal(s.EntityName, "prime_rowid_cache", err)
	}
	defer rows.Close()

	b.mu.Lock()
	defer b.mu.Unlock()
	cache := b.rowidToPK[s.EntityName]
	for rows.Next() {
		var rowid int64
		var pk string
		if err := rows.Scan(&rowid, &pk); err != nil {
			return errs.Internal(s.EntityName, "prime_rowid_cache", err)
		}
		cache[rowid] = pk
	}
	return rows.Err()
}

// Execute runs a statement with no result set expected.
func (b *Backend) Execute(ctx context.Context, stmt string, args ...interface{}) (sql.Result, error) {
	res, err := b.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, errs.Internal("storage", "execute", err)
	}
	return res, nil
}

// Query runs a read statement and decodes rows into schema.Row values typed
// according to s's declared field kinds.
func (b *Backend) Query(ctx context.Context, s *schema.EntitySchema, stmt string, args ...interface{}) ([]schema.Row, error) {
	rows, err := b.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, errs.Internal(s.EntityName, "query", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errs.Internal(s.EntityName, "query", err)
	}

	var out []schema.Row
	for rows.Next() {
		scanned := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range scanned {
			ptrs[i] = &scanned[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errs.Internal(s.EntityName, "query", err)
		}
		row, err := decodeRow(s, cols, scanned)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func decodeRow(s *schema.EntitySchema, cols []string, scanned []interface{}) (schema.Row, error) {
	row := make(schema.Row, len(cols))
	for i, col := range cols {
		if col == schema.ColumnChangeOrigin || col == schema.ColumnVersion || col == schema.ColumnDirty {
			continue
		}
		f, ok := s.Field(col)
		if !ok {
			continue
		}
		row[col] = sqlToValue(f.ValueKind, scanned[i])
	}
	return row, nil
}

func sqlToValue(kind value.Kind, raw interface{}) value.Value {
	if raw == nil {
		return value.Null()
	}
	switch kind {
	case value.KindBool:
		switch v := raw.(type) {
		case int64:
			return value.Bool(v != 0)
		case bool:
			return value.Bool(v)
		}
	case value.KindInt64:
		if v, ok := raw.(int64); ok {
			return value.Int64(v)
		}
	case value.KindFloat64:
		if v, ok := raw.(float64); ok {
			return value.Float64(v)
		}
	case value.KindReference:
		if v, ok := raw.(string); ok {
			return value.Reference(v)
		}
	case value.KindJSON:
		switch v := raw.(type) {
		case string:
			return value.JSON(json.RawMessage(v))
		case []byte:
			return value.JSON(json.RawMessage(v))
		}
	}
	switch v := raw.(type) {
	case string:
		return value.String(v)
	case []byte:
		return value.String(string(v))
	case int64:
		return value.Int64(v)
	case float64:
		return value.Float64(v)
	}
	return value.Null()
}

func valueToSQL(v value.Value) interface{} {
	if v.IsNull() {
		return nil
	}
	if b, ok := v.AsBool(); ok {
		if b {
			return int64(1)
		}
		return int64(0)
	}
	if i, ok := v.AsInt64(); ok {
		return i
	}
	if f, ok := v.AsFloat64(); ok {
		return f
	}
	if s, ok := v.AsString(); ok {
		return s
	}
	if t, ok := v.AsDateTime(); ok {
		return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
	}
	if raw, ok := v.AsJSON(); ok {
		return string(raw)
	}
	if r, ok := v.AsReference(); ok {
		return r
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func encodeOrigin(origin change.Origin) (string, error) {
	b, err := json.Marshal(origin)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting Insert/Update/
// Delete run either standalone or as part of a caller-managed transaction
// (see Tx, used by pkg/cache to apply a batch atomically).
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// withPending runs fn with p buffered for the update hook. writeMu is held
// for the whole statement so the hook always reads the write that
// triggered it.
func (b *Backend) withPending(p *pendingWrite, fn func() error) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	b.mu.Lock()
	b.pending = p
	b.mu.Unlock()
	err := fn()
	b.mu.Lock()
	b.pending = nil
	b.mu.Unlock()
	return err
}

// rowPrimaryKey extracts the primary-key value from row.
func rowPrimaryKey(s *schema.EntitySchema, row schema.Row) string {
	v := row[s.PrimaryKey()]
	if id, ok := v.AsString(); ok {
		return id
	}
	if id, ok := v.AsReference(); ok {
		return id
	}
	return ""
}

// Insert writes a new row and tags it with origin in the hidden column.
func (b *Backend) Insert(ctx context.Context, s *schema.EntitySchema, row schema.Row, origin change.Origin) error {
	return b.withPending(&pendingWrite{table: s.EntityName, id: rowPrimaryKey(s, row), row: row, origin: &origin}, func() error {
		return insertRow(ctx, b.db, s, row, origin)
	})
}

func insertRow(ctx context.Context, ex execer, s *schema.EntitySchema, row schema.Row, origin change.Origin) error {
	if err := s.Validate(row); err != nil {
		return errs.SchemaMismatch(s.EntityName, err.Error())
	}
	originJSON, err := encodeOrigin(origin)
	if err != nil {
		return errs.Internal(s.EntityName, "insert", err)
	}

	cols := s.ColumnNames()
	cols = append(cols, schema.ColumnChangeOrigin)
	placeholders := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	for i, name := range cols[:len(cols)-1] {
		placeholders[i] = "?"
		args[i] = valueToSQL(row[name])
	}
	placeholders[len(cols)-1] = "?"
	args[len(cols)-1] = originJSON

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", s.EntityName, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := ex.ExecContext(ctx, stmt, args...); err != nil {
		return errs.Internal(s.EntityName, "insert", err)
	}
	return nil
}

// Update overwrites the named fields of row id, tagging the change with
// origin. Only keys present in row are updated; others are left untouched.
func (b *Backend) Update(ctx context.Context, s *schema.EntitySchema, id string, row schema.Row, origin change.Origin) error {
	return b.withPending(&pendingWrite{table: s.EntityName, id: id, row: row, origin: &origin}, func() error {
		return updateRow(ctx, b.db, s, id, row, origin)
	})
}

func updateRow(ctx context.Context, ex execer, s *schema.EntitySchema, id string, row schema.Row, origin change.Origin) error {
	if len(row) == 0 {
		return nil
	}
	originJSON, err := encodeOrigin(origin)
	if err != nil {
		return errs.Internal(s.EntityName, "update", err)
	}

	var setClauses []string
	var args []interface{}
	for name, v := range row {
		if !s.HasField(name) {
			return errs.SchemaMismatch(s.EntityName, name)
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = ?", name))
		args = append(args, valueToSQL(v))
	}
	setClauses = append(setClauses, fmt.Sprintf("%s = ?", schema.ColumnChangeOrigin))
	args = append(args, originJSON)
	args = append(args, id)

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", s.EntityName, strings.Join(setClauses, ", "), s.PrimaryKey())
	if _, err := ex.ExecContext(ctx, stmt, args...); err != nil {
		return errs.Internal(s.EntityName, "update", err)
	}
	return nil
}

// Upsert inserts the row or, when a row with the same primary key exists,
// overwrites its columns. Requires a complete row; pkg/cache uses this for
// Updated changes so a cache that missed the Created still converges.
func (b *Backend) Upsert(ctx context.Context, s *schema.EntitySchema, row schema.Row, origin change.Origin) error {
	return b.withPending(&pendingWrite{table: s.EntityName, id: rowPrimaryKey(s, row), row: row, origin: &origin}, func() error {
		return upsertRow(ctx, b.db, s, row, origin)
	})
}

func upsertRow(ctx context.Context, ex execer, s *schema.EntitySchema, row schema.Row, origin change.Origin) error {
	if err := s.Validate(row); err != nil {
		return errs.SchemaMismatch(s.EntityName, err.Error())
	}
	originJSON, err := encodeOrigin(origin)
	if err != nil {
		return errs.Internal(s.EntityName, "upsert", err)
	}

	cols := append(append([]string{}, s.ColumnNames()...), schema.ColumnChangeOrigin)
	placeholders := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	var sets []string
	for i, name := range cols {
		placeholders[i] = "?"
		if name == schema.ColumnChangeOrigin {
			args[i] = originJSON
		} else {
			args[i] = valueToSQL(row[name])
		}
		if name != s.PrimaryKey() {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", name, name))
		}
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		s.EntityName, strings.Join(cols, ", "), strings.Join(placeholders, ", "), s.PrimaryKey(), strings.Join(sets, ", "))
	if _, err := ex.ExecContext(ctx, stmt, args...); err != nil {
		return errs.Internal(s.EntityName, "upsert", err)
	}
	return nil
}

// Delete removes row id.
func (b *Backend) Delete(ctx context.Context, s *schema.EntitySchema, id string) error {
	return b.withPending(&pendingWrite{table: s.EntityName, id: id}, func() error {
		return deleteRow(ctx, b.db, s, id)
	})
}

func deleteRow(ctx context.Context, ex execer, s *schema.EntitySchema, id string) error {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", s.EntityName, s.PrimaryKey())
	if _, err := ex.ExecContext(ctx, stmt, id); err != nil {
		return errs.Internal(s.EntityName, "delete", err)
	}
	return nil
}

// Tx wraps a SQL transaction with the same Insert/Update/Delete surface as
// Backend, used by pkg/cache so an ingest batch either fully applies or
// fails as a whole.
type Tx struct {
	b  *Backend
	tx *sql.Tx
}

// BeginTx starts a transaction against the backend's single connection.
func (b *Backend) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Internal("storage", "begin_tx", err)
	}
	return &Tx{b: b, tx: tx}, nil
}

func (t *Tx) Insert(ctx context.Context, s *schema.EntitySchema, row schema.Row, origin change.Origin) error {
	return t.b.withPending(&pendingWrite{table: s.EntityName, id: rowPrimaryKey(s, row), row: row, origin: &origin}, func() error {
		return insertRow(ctx, t.tx, s, row, origin)
	})
}

func (t *Tx) Update(ctx context.Context, s *schema.EntitySchema, id string, row schema.Row, origin change.Origin) error {
	return t.b.withPending(&pendingWrite{table: s.EntityName, id: id, row: row, origin: &origin}, func() error {
		return updateRow(ctx, t.tx, s, id, row, origin)
	})
}

func (t *Tx) Upsert(ctx context.Context, s *schema.EntitySchema, row schema.Row, origin change.Origin) error {
	return t.b.withPending(&pendingWrite{table: s.EntityName, id: rowPrimaryKey(s, row), row: row, origin: &origin}, func() error {
		return upsertRow(ctx, t.tx, s, row, origin)
	})
}

func (t *Tx) Delete(ctx context.Context, s *schema.EntitySchema, id string) error {
	return t.b.withPending(&pendingWrite{table: s.EntityName, id: id}, func() error {
		return deleteRow(ctx, t.tx, s, id)
	})
}

func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return errs.Internal("storage", "commit", err)
	}
	return nil
}

func (t *Tx) Rollback() error { return t.tx.Rollback() }

// Get fetches one row by id, returning ok=false if not found.
func (b *Backend) Get(ctx context.Context, s *schema.EntitySchema, id string) (schema.Row, bool, error) {
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", strings.Join(s.ColumnNames(), ", "), s.EntityName, s.PrimaryKey())
	rows, err := b.Query(ctx, s, stmt, id)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

// SubscribeChanges returns a channel of RowChange events for every table
// this Backend has registered a schema for.
func (b *Backend) SubscribeChanges() (<-chan broadcast.Envelope[RowChange], *broadcast.Subscription[RowChange]) {
	return b.hub.Subscribe()
}

// onUpdateHook runs synchronously inside the SQLite connection during the
// triggering statement. The connection is busy with that statement — any
// query through b.db from here would wait on the one-connection pool
// forever — so row content comes from the pendingWrite the triggering
// writer buffered, never from the database. The rowid->primary-key cache is
// maintained as a fallback for writes that bypassed the row-level methods.
func (b *Backend) onUpdateHook(op int, table string, rowid int64) {
	b.mu.RLock()
	_, known := b.schemas[table]
	pending := b.pending
	b.mu.RUnlock()
	if !known {
		return
	}
	if pending != nil && pending.table != table {
		pending = nil
	}

	switch op {
	case sqlite3.SQLITE_INSERT, sqlite3.SQLITE_UPDATE:
		kind := RowAdded
		if op == sqlite3.SQLITE_UPDATE {
			kind = RowUpdated
		}
		if pending == nil || pending.id == "" {
			// A raw statement touched a registered table. Without a
			// buffered row the best available event is id-only, and only
			// when a prior write recorded this rowid.
			b.mu.RLock()
			pk, ok := b.rowidToPK[table][rowid]
			b.mu.RUnlock()
			if !ok {
				if b.log != nil {
					b.log.Warn("storage: CDC event for %s rowid %d has no captured row; dropped", table, rowid)
				}
				return
			}
			b.hub.Publish(RowChange{Table: table, ID: pk, Kind: kind})
			return
		}
		b.mu.Lock()
		b.rowidToPK[table][rowid] = pending.id
		b.mu.Unlock()
		b.hub.Publish(RowChange{Table: table, ID: pending.id, Kind: kind, Data: pending.row, ChangeOrigin: pending.origin})
	case sqlite3.SQLITE_DELETE:
		id := ""
		if pending != nil {
			id = pending.id
		}
		b.mu.Lock()
		if pk, ok := b.rowidToPK[table][rowid]; ok {
			if id == "" {
				id = pk
			}
			delete(b.rowidToPK[table], rowid)
		}
		b.mu.Unlock()
		if id == "" {
			return
		}
		b.hub.Publish(RowChange{Table: table, ID: id, Kind: RowRemoved})
	}
}
