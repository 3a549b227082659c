// Package journal keeps a local SQLite history of report submissions for
// troubleshooting. It is diagnostics only: rows are never replayed or
// retried.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/statbeacon/statbeacon/pkg/telemetry"
)

// Compile-time interface guard.
var _ telemetry.Recorder = (*Journal)(nil)

// Journal records submission outcomes in a SQLite database via
// modernc.org/sqlite.
type Journal struct {
	db *sql.DB
}

// Entry is one recorded submission.
type Entry struct {
	ID          int64
	At          time.Time
	Ping        bool
	FirstUpdate bool
	OK          bool
	Detail      string
	Bytes       int
}

// Open opens (or creates) the journal database at path and applies the
// schema. Use ":memory:" for an ephemeral journal.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// SQLite performs best with a single write connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS submissions (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			submitted_at DATETIME NOT NULL,
			ping         INTEGER  NOT NULL,
			first_update INTEGER  NOT NULL,
			ok           INTEGER  NOT NULL,
			detail       TEXT     NOT NULL DEFAULT '',
			bytes        INTEGER  NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create submissions table: %w", err)
	}

	return &Journal{db: db}, nil
}

// Record inserts one submission outcome.
func (j *Journal) Record(ctx context.Context, rec telemetry.SubmissionRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO submissions (submitted_at, ping, first_update, ok, detail, bytes)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.At, rec.Ping, rec.FirstUpdate, rec.OK, rec.Detail, rec.Bytes,
	)
	if err != nil {
		return fmt.Errorf("record submission: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, submitted_at, ping, first_update, ok, detail, bytes
		FROM submissions
		ORDER BY id DESC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.At, &e.Ping, &e.FirstUpdate, &e.OK, &e.Detail, &e.Bytes); err != nil {
			return nil, fmt.Errorf("scan submission row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}
