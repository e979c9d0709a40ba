// Package oplog persists operation log entries to the operations table, the
// durable half of the undo/redo story: every operation the dispatcher
// executes with its observers is logged here regardless of whether it was
// reversible, so a host can audit or replay history independent of the
// in-memory undo stack. Undo and redo run through ExecuteDirect, which
// skips the observers, so they are not appended.
package oplog

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/syncstore/engine/pkg/errs"
	"github.com/syncstore/engine/pkg/operation"
)

// Status is the lifecycle state of a persisted operation entry.
type Status string

const (
	StatusPendingSync Status = "PendingSync"
	StatusSynced      Status = "Synced"
	StatusUndone      Status = "Undone"
	StatusCancelled   Status = "Cancelled"
)

// Entry is one persisted OperationLogEntry.
type Entry struct {
	ID          int64
	Operation   operation.Operation
	Inverse     *operation.Operation
	Status      Status
	CreatedAtMs int64
	DisplayName string
	EntityName  string
	OpName      string
}

const createTableDDL = `CREATE TABLE IF NOT EXISTS operations (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  operation TEXT,
  inverse TEXT,
  status TEXT,
  created_at INTEGER,
  display_name TEXT,
  entity_name TEXT,
  op_name TEXT
)`

var indexDDL = []string{
	`CREATE INDEX IF NOT EXISTS idx_operations_created_at ON operations(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_operations_entity_name ON operations(entity_name)`,
}

// Log persists OperationLogEntry rows over a plain *sql.DB (shared with
// pkg/storage's Backend, since this table lives in the same database but
// has no per-entity schema of its own).
type Log struct {
	db *sql.DB
}

// Open creates the operations table (if absent) and returns a Log bound to
// db.
func Open(ctx context.Context, db *sql.DB) (*Log, error) {
	if _, err := db.ExecContext(ctx, createTableDDL); err != nil {
		return nil, errs.Internal("oplog", "open", err)
	}
	for _, stmt := range indexDDL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, errs.Internal("oplog", "open", err)
		}
	}
	return &Log{db: db}, nil
}

// Append inserts a new entry with status PendingSync and the given
// createdAtMs, returning the assigned id.
func (l *Log) Append(ctx context.Context, op operation.Operation, inverse *operation.Operation, displayName string, createdAtMs int64) (int64, error) {
	opJSON, err := json.Marshal(op)
	if err != nil {
		return 0, errs.Internal("oplog", "append", err)
	}
	var invJSON sql.NullString
	if inverse != nil {
		b, err := json.Marshal(*inverse)
		if err != nil {
			return 0, errs.Internal("oplog", "append", err)
		}
		invJSON = sql.NullString{String: string(b), Valid: true}
	}

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO operations (operation, inverse, status, created_at, display_name, entity_name, op_name) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(opJSON), invJSON, string(StatusPendingSync), createdAtMs, displayName, op.EntityName, op.OpName)
	if err != nil {
		return 0, errs.Internal("oplog", "append", err)
	}
	return res.LastInsertId()
}

// SetStatus transitions entry id to status. Callers are responsible for
// only making a legal transition (undo requires inverse present and status
// in {PendingSync, Synced}; redo requires status == Undone); Log itself
// does not re-validate the transition.
func (l *Log) SetStatus(ctx context.Context, id int64, status Status) error {
	if _, err := l.db.ExecContext(ctx, `UPDATE operations SET status = ? WHERE id = ?`, string(status), id); err != nil {
		return errs.Internal("oplog", "set_status", err)
	}
	return nil
}

// Get fetches one entry by id.
func (l *Log) Get(ctx context.Context, id int64) (*Entry, error) {
	row := l.db.QueryRowContext(ctx, `SELECT id, operation, inverse, status, created_at, display_name, entity_name, op_name FROM operations WHERE id = ?`, id)
	return scanEntry(row)
}

// ListByEntity returns entries for entityName ordered by created_at
// ascending, using the entity_name index.
func (l *Log) ListByEntity(ctx context.Context, entityName string) ([]*Entry, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id, operation, inverse, status, created_at, display_name, entity_name, op_name FROM operations WHERE entity_name = ? ORDER BY created_at ASC`, entityName)
	if err != nil {
		return nil, errs.Internal("oplog", "list_by_entity", err)
	}
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*Entry, error) {
	return scanEntryRows(row)
}

func scanEntryRows(row scanner) (*Entry, error) {
	var e Entry
	var opJSON string
	var invJSON sql.NullString
	var status string
	if err := row.Scan(&e.ID, &opJSON, &invJSON, &status, &e.CreatedAtMs, &e.DisplayName, &e.EntityName, &e.OpName); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errs.Internal("oplog", "scan", err)
	}
	if err := json.Unmarshal([]byte(opJSON), &e.Operation); err != nil {
		return nil, errs.Internal("oplog", "scan", err)
	}
	if invJSON.Valid {
		var inv operation.Operation
		if err := json.Unmarshal([]byte(invJSON.String), &inv); err != nil {
			return nil, errs.Internal("oplog", "scan", err)
		}
		e.Inverse = &inv
	}
	e.Status = Status(status)
	return &e, nil
}
