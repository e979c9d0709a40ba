package storage

import "context"

// Command-sourced optimistic-update scaffolding. How shadow ids reconcile
// with a confirmed external id is undecided (see DESIGN.md), so these
// tables are created and can be read/written generically through
// Execute/Query but no apply/confirm engine is built on top of them here.

const createIDMappingsDDL = `CREATE TABLE IF NOT EXISTS id_mappings (
  internal_id TEXT PRIMARY KEY,
  external_id TEXT,
  source TEXT,
  command_id TEXT,
  state TEXT,
  created_at INTEGER,
  synced_at INTEGER
)`

const createCommandsDDL = `CREATE TABLE IF NOT EXISTS commands (
  id TEXT PRIMARY KEY,
  entity_id TEXT,
  command_type TEXT,
  payload TEXT,
  status TEXT DEFAULT 'pending',
  target_system TEXT,
  created_at INTEGER,
  synced_at INTEGER,
  error_details TEXT
)`

var commandIndexDDL = []string{
	`CREATE INDEX IF NOT EXISTS idx_commands_status_created ON commands(status, created_at) WHERE status='pending'`,
	`CREATE INDEX IF NOT EXISTS idx_commands_entity_created ON commands(entity_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_commands_command_id ON commands(command_id)`,
	`CREATE INDEX IF NOT EXISTS idx_id_mappings_source_external ON id_mappings(source, external_id) WHERE external_id IS NOT NULL`,
}

// RegisterCommandTables creates the id_mappings and commands tables used by
// the (unimplemented) optimistic-apply path, so a future provider can adopt
// them without a schema migration.
func (b *Backend) RegisterCommandTables(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, createIDMappingsDDL); err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, createCommandsDDL); err != nil {
		return err
	}
	for _, stmt := range commandIndexDDL {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
