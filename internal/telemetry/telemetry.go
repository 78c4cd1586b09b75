// Package telemetry is a pure-Go run-history store: one row per worker
// execution recording its verdict, iteration count, timing and hprintf line
// count. This is observability, not crash triage — nothing here classifies,
// deduplicates, or scores a crash.
package telemetry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DB wraps a pure-Go SQLite run-history database.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at dbPath, enabling WAL mode
// for concurrent readers while a worker is still writing.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("telemetry: create db directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry: set WAL mode: %w", err)
	}
	t := &DB{db: db}
	if err := t.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry: migrate: %w", err)
	}
	return t, nil
}

// Close closes the database.
func (t *DB) Close() error { return t.db.Close() }

func (t *DB) migrate() error {
	_, err := t.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id           TEXT PRIMARY KEY,
			worker_id    INTEGER NOT NULL,
			started_at   TEXT NOT NULL,
			ended_at     TEXT,
			iterations   INTEGER NOT NULL DEFAULT 0,
			last_verdict TEXT NOT NULL DEFAULT '',
			hprintf_lines INTEGER NOT NULL DEFAULT 0
		)
	`)
	return err
}

// Run tracks one worker's lifetime: created by StartRun, attached to a
// worker with nyx.Worker.AttachTelemetry, updated after every Exec, and
// finished on Shutdown.
type Run struct {
	ID        string
	db        *DB
	startedAt time.Time
}

// StartRun inserts a new run row for workerID and returns a handle callers
// update as iterations complete.
func (t *DB) StartRun(workerID int) (*Run, error) {
	id := uuid.NewString()
	now := time.Now()
	_, err := t.db.Exec(
		`INSERT INTO runs (id, worker_id, started_at) VALUES (?, ?, ?)`,
		id, workerID, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: start run: %w", err)
	}
	return &Run{ID: id, db: t, startedAt: now}, nil
}

// RecordIteration bumps the run's iteration count, records the most recent
// verdict string (e.g. "normal", "crash", "timeout"), and adds hprintfLines
// (the lines drained during this iteration) to the run's running total.
func (r *Run) RecordIteration(verdict string, hprintfLines int) error {
	_, err := r.db.db.Exec(
		`UPDATE runs SET iterations = iterations + 1, last_verdict = ?, hprintf_lines = hprintf_lines + ? WHERE id = ?`,
		verdict, hprintfLines, r.ID,
	)
	if err != nil {
		return fmt.Errorf("telemetry: record iteration: %w", err)
	}
	return nil
}

// Finish marks the run as ended, timestamping it now.
func (r *Run) Finish() error {
	_, err := r.db.db.Exec(
		`UPDATE runs SET ended_at = ? WHERE id = ?`,
		time.Now().Format(time.RFC3339Nano), r.ID,
	)
	if err != nil {
		return fmt.Errorf("telemetry: finish run: %w", err)
	}
	return nil
}

// RunSummary is one row of run-history, as returned by ListRuns.
type RunSummary struct {
	ID           string
	WorkerID     int
	StartedAt    time.Time
	EndedAt      *time.Time
	Iterations   int
	LastVerdict  string
	HprintfLines int
}

// ListRuns returns every recorded run, most recent first.
func (t *DB) ListRuns() ([]RunSummary, error) {
	rows, err := t.db.Query(`
		SELECT id, worker_id, started_at, ended_at, iterations, last_verdict, hprintf_lines
		FROM runs ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("telemetry: list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var s RunSummary
		var startedAt string
		var endedAt sql.NullString
		if err := rows.Scan(&s.ID, &s.WorkerID, &startedAt, &endedAt, &s.Iterations, &s.LastVerdict, &s.HprintfLines); err != nil {
			return nil, fmt.Errorf("telemetry: scan run: %w", err)
		}
		s.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if endedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, endedAt.String)
			if err == nil {
				s.EndedAt = &t
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
