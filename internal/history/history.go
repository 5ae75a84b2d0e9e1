// Package history keeps a durable record of loop runs, their iterations,
// and hook deliveries. It is an audit trail only: the loop never reads it
// back to make decisions.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

// Driver names registered by the imported database/sql drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
	DriverLibSQL   = "libsql"
)

// Run is one loop from start to termination.
type Run struct {
	ID            string
	Project       string
	Branch        string
	Mode          string
	MaxIterations int
	StartedAt     time.Time
	FinishedAt    time.Time // Zero while the run is active
	Reason        string    // Terminal reason, empty while active
}

// Iteration is one applied story attempt.
type Iteration struct {
	RunID      string
	Iteration  int
	StoryID    string
	Status     string
	DurationMs int64
	Tokens     int
	CommitHash string
	Error      string
	RecordedAt time.Time
}

// HookEvent is one hook delivery outcome.
type HookEvent struct {
	RunID      string
	Iteration  int
	Event      string
	StoryID    string
	Handler    string
	Status     string
	Reason     string
	DurationMs int64
	RecordedAt time.Time
}

// Store reads and writes history rows.
type Store struct {
	db     *sql.DB
	driver string
}

// ResolveDSN picks the driver for a DSN. An empty DSN means the sqlite file
// at defaultPath; postgres:// and libsql:// URLs select those drivers; any
// other value is treated as a sqlite path.
func ResolveDSN(dsn, defaultPath string) (driver, source string) {
	switch {
	case dsn == "":
		return DriverSQLite, defaultPath
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return DriverPostgres, dsn
	case strings.HasPrefix(dsn, "libsql://"):
		return DriverLibSQL, dsn
	default:
		return DriverSQLite, strings.TrimPrefix(dsn, "sqlite://")
	}
}

// Open connects to the history database and applies pending migrations.
func Open(ctx context.Context, dsn, defaultPath string) (*Store, error) {
	driver, source := ResolveDSN(dsn, defaultPath)

	if driver == DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(source), 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if driver == DriverSQLite {
		// A single writer avoids SQLITE_BUSY between parallel story results.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns the database/sql driver in use.
func (s *Store) Driver() string { return s.driver }

// StartRun records a run. Recording the same run twice is a no-op.
func (s *Store) StartRun(ctx context.Context, r Run) error {
	_, err := s.exec(ctx, `
		INSERT INTO runs (id, project, branch, mode, max_iterations, started_at, finished_at, reason)
		VALUES (?, ?, ?, ?, ?, ?, '', '')
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.Project, r.Branch, r.Mode, r.MaxIterations, formatTime(r.StartedAt))
	if err != nil {
		return fmt.Errorf("recording run %s: %w", r.ID, err)
	}
	return nil
}

// FinishRun sets the terminal reason of a run.
func (s *Store) FinishRun(ctx context.Context, runID, reason string, at time.Time) error {
	_, err := s.exec(ctx, `UPDATE runs SET finished_at = ?, reason = ? WHERE id = ?`,
		formatTime(at), reason, runID)
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", runID, err)
	}
	return nil
}

// RecordIteration stores an applied attempt. Re-recording the same
// (run, iteration, story) is a no-op.
func (s *Store) RecordIteration(ctx context.Context, it Iteration) error {
	_, err := s.exec(ctx, `
		INSERT INTO iterations (run_id, iteration, story_id, status, duration_ms, tokens, commit_hash, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, iteration, story_id) DO NOTHING`,
		it.RunID, it.Iteration, it.StoryID, it.Status, it.DurationMs, it.Tokens, it.CommitHash, it.Error, formatTime(it.RecordedAt))
	if err != nil {
		return fmt.Errorf("recording iteration %d of %s: %w", it.Iteration, it.StoryID, err)
	}
	return nil
}

// RecordHook stores a hook delivery outcome.
func (s *Store) RecordHook(ctx context.Context, ev HookEvent) error {
	_, err := s.exec(ctx, `
		INSERT INTO hook_events (run_id, iteration, event, story_id, handler, status, reason, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, iteration, event, story_id, handler) DO NOTHING`,
		ev.RunID, ev.Iteration, ev.Event, ev.StoryID, ev.Handler, ev.Status, ev.Reason, ev.DurationMs, formatTime(ev.RecordedAt))
	if err != nil {
		return fmt.Errorf("recording %s hook for %s: %w", ev.Event, ev.StoryID, err)
	}
	return nil
}

// Runs returns the most recent runs first. limit <= 0 returns all.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT id, project, branch, mode, max_iterations, started_at, finished_at, reason
		FROM runs ORDER BY started_at DESC, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, finished string
		if err := rows.Scan(&r.ID, &r.Project, &r.Branch, &r.Mode, &r.MaxIterations, &started, &finished, &r.Reason); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Iterations returns a run's attempts in iteration order.
func (s *Store) Iterations(ctx context.Context, runID string) ([]Iteration, error) {
	rows, err := s.query(ctx, `
		SELECT run_id, iteration, story_id, status, duration_ms, tokens, commit_hash, error, recorded_at
		FROM iterations WHERE run_id = ? ORDER BY iteration, story_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing iterations: %w", err)
	}
	defer rows.Close()

	var its []Iteration
	for rows.Next() {
		var it Iteration
		var recorded string
		if err := rows.Scan(&it.RunID, &it.Iteration, &it.StoryID, &it.Status, &it.DurationMs, &it.Tokens, &it.CommitHash, &it.Error, &recorded); err != nil {
			return nil, err
		}
		it.RecordedAt = parseTime(recorded)
		its = append(its, it)
	}
	return its, rows.Err()
}

// HookEvents returns a run's hook deliveries in the order they were recorded.
func (s *Store) HookEvents(ctx context.Context, runID string) ([]HookEvent, error) {
	rows, err := s.query(ctx, `
		SELECT run_id, iteration, event, story_id, handler, status, reason, duration_ms, recorded_at
		FROM hook_events WHERE run_id = ? ORDER BY recorded_at, iteration`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing hook events: %w", err)
	}
	defer rows.Close()

	var evs []HookEvent
	for rows.Next() {
		var ev HookEvent
		var recorded string
		if err := rows.Scan(&ev.RunID, &ev.Iteration, &ev.Event, &ev.StoryID, &ev.Handler, &ev.Status, &ev.Reason, &ev.DurationMs, &recorded); err != nil {
			return nil, err
		}
		ev.RecordedAt = parseTime(recorded)
		evs = append(evs, ev)
	}
	return evs, rows.Err()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

// rebind rewrites ? placeholders to $N for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Timestamps are stored as RFC 3339 text so every backend sorts them the same.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
