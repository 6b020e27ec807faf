package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Rich structures (task DAG, criteria, snapshots) live in JSON columns; the
// scalar columns next to them are what queries filter and sort on.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		goal TEXT NOT NULL,
		repo_path TEXT NOT NULL,
		phase TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		max_iterations INTEGER NOT NULL,
		data TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);

	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		step_id TEXT,
		title TEXT NOT NULL,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		control TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		data TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_nodes_run_id ON nodes(run_id, created_at);

	CREATE TABLE IF NOT EXISTS edges (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		from_node TEXT NOT NULL,
		to_node TEXT NOT NULL,
		kind TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE,
		FOREIGN KEY (from_node) REFERENCES nodes(id) ON DELETE CASCADE,
		FOREIGN KEY (to_node) REFERENCES nodes(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_edges_run_id ON edges(run_id);

	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		node_id TEXT,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_artifacts_run_kind ON artifacts(run_id, kind, created_at);

	CREATE TABLE IF NOT EXISTS run_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		node_id TEXT,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		ts DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events(run_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
