package provider

import (
	"context"
	"database/sql"

	"github.com/syncstore/engine/pkg/change"
	"github.com/syncstore/engine/pkg/errs"
)

const createSyncStatesDDL = `CREATE TABLE IF NOT EXISTS sync_states (
  provider_name TEXT PRIMARY KEY,
  sync_token TEXT,
  updated_at TEXT DEFAULT (datetime('now'))
)`

// PositionStore persists provider_name -> position pairs in the
// sync_states table. Single-writer per provider is the caller's
// discipline, not enforced here.
type PositionStore struct {
	db *sql.DB
}

// OpenPositionStore creates the sync_states table (if absent) and returns a
// PositionStore bound to db.
func OpenPositionStore(ctx context.Context, db *sql.DB) (*PositionStore, error) {
	if _, err := db.ExecContext(ctx, createSyncStatesDDL); err != nil {
		return nil, errs.Internal("sync_states", "open", err)
	}
	return &PositionStore{db: db}, nil
}

// Load returns the stored position for providerName, or change.Beginning
// (with found=false) if no row exists yet.
func (s *PositionStore) Load(ctx context.Context, providerName string) (pos change.Position, found bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT sync_token FROM sync_states WHERE provider_name = ?`, providerName)
	var token string
	if scanErr := row.Scan(&token); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return change.Beginning, false, nil
		}
		return change.Beginning, false, errs.Internal("sync_states", "load", scanErr)
	}
	return change.DecodePosition(token), true, nil
}

// Save upserts the position for providerName.
func (s *PositionStore) Save(ctx context.Context, providerName string, pos change.Position) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_states (provider_name, sync_token, updated_at) VALUES (?, ?, datetime('now'))
		 ON CONFLICT(provider_name) DO UPDATE SET sync_token = excluded.sync_token, updated_at = excluded.updated_at`,
		providerName, pos.Encode())
	if err != nil {
		return errs.Internal("sync_states", "save", err)
	}
	return nil
}
