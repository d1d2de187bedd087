// Package archive provides a WAL-mode SQLite-backed session archive (C7a):
// optional persistence of every completed trace line (call, slow call, or
// GC bracket, at any nesting depth), tagged with the tracer that produced
// it, so a session can be replayed or queried after
// the controller exits.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that a query
// against a live archive (e.g. from the control API) can proceed
// concurrently with the writer goroutine appending new trace rows.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Store is a WAL-mode SQLite-backed session archive. It is safe for
// concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("archive: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single pooled connection
	// serialises every Record call through it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS trace_line (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    pid         INTEGER NOT NULL,
    tracer_id   INTEGER NOT NULL,
    qualified   TEXT    NOT NULL,
    duration_us INTEGER NOT NULL DEFAULT 0,
    nesting     INTEGER NOT NULL DEFAULT 0,
    recorded_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_trace_line_pid ON trace_line (pid, id);
`

// TraceLine is one rendered call: a method (or "garbage_collect") that
// returned, along with the tracer that produced it and how deeply it was
// nested.
type TraceLine struct {
	ID         int64
	PID        int
	TracerID   int
	Qualified  string
	DurationUs int64
	Nesting    int
	RecordedAt time.Time
}

// Record persists one rendered call. It is intended to be called from the
// renderer's return/slow/gc_end handlers when an archive is configured for
// the session.
func (s *Store) Record(ctx context.Context, line TraceLine) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trace_line (pid, tracer_id, qualified, duration_us, nesting)
		 VALUES (?, ?, ?, ?, ?)`,
		line.PID, line.TracerID, line.Qualified, line.DurationUs, line.Nesting,
	)
	if err != nil {
		return fmt.Errorf("archive: record: %w", err)
	}
	return nil
}

// Query returns up to limit archived trace lines for pid, most recent
// first. If limit <= 0, Query returns nil without querying the database.
func (s *Store) Query(ctx context.Context, pid, limit int) ([]TraceLine, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pid, tracer_id, qualified, duration_us, nesting, recorded_at
		 FROM   trace_line
		 WHERE  pid = ?
		 ORDER  BY id DESC
		 LIMIT  ?`, pid, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: query: %w", err)
	}
	defer rows.Close()

	var out []TraceLine
	for rows.Next() {
		var l TraceLine
		var recordedAt string
		if err := rows.Scan(&l.ID, &l.PID, &l.TracerID, &l.Qualified, &l.DurationUs, &l.Nesting, &recordedAt); err != nil {
			return nil, fmt.Errorf("archive: query scan: %w", err)
		}
		l.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: query rows: %w", err)
	}
	return out, nil
}

// Count returns the total number of archived trace lines for pid.
func (s *Store) Count(ctx context.Context, pid int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trace_line WHERE pid = ?`, pid).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("archive: count: %w", err)
	}
	return n, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
