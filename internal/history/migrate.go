package history

import (
	"context"
	"fmt"
	"time"
)

// migrations are applied in order. Each entry is a list of single statements
// so drivers that reject multi-statement Exec can run them.
var migrations = []struct {
	version    int
	statements []string
}{
	{1, []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			branch TEXT NOT NULL,
			mode TEXT NOT NULL,
			max_iterations INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS iterations (
			run_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			story_id TEXT NOT NULL,
			status TEXT NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			tokens INTEGER NOT NULL DEFAULT 0,
			commit_hash TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (run_id, iteration, story_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_iterations_story ON iterations(story_id)`,
	}},
	{2, []string{
		`CREATE TABLE IF NOT EXISTS hook_events (
			run_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			event TEXT NOT NULL,
			story_id TEXT NOT NULL,
			handler TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			duration_ms BIGINT NOT NULL DEFAULT 0,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (run_id, iteration, event, story_id, handler)
		)`,
	}},
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var version int
	row := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&version); err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := s.exec(ctx, stmt); err != nil {
				return fmt.Errorf("migration %d failed: %w", m.version, err)
			}
		}
		if _, err := s.exec(ctx, "INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			m.version, formatTime(time.Now())); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Version returns the applied schema version.
func (s *Store) Version(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}
