// Package cdr implements the call detail record store (§6 expansion):
// write-only call telemetry, one row per finished call. It is never read
// by the core pipeline, mirroring NeboLoop-nebo's single-writer-connection
// SQLite setup (internal/db/sqlite.go) applied to a much narrower schema.
package cdr

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Record is one completed call's telemetry.
type Record struct {
	CallID    string
	CallerID  string
	StartedAt time.Time
	EndedAt   time.Time
	Chunks    int
	EndReason string
}

// Store owns the single SQLite connection backing the CDR table.
type Store struct {
	db *sql.DB
}

// Open creates (or reuses) the SQLite database at path, migrating it to the
// latest schema, and forces a single connection since SQLite does not
// tolerate concurrent writers well (same constraint NeboLoop-nebo documents
// for its own session store).
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cdr directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open cdr database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping cdr database: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return nil, fmt.Errorf("migrate cdr database: %w", err)
	}

	return &Store{db: db}, nil
}

// Append writes one row for a finished call. Called from the Call
// Controller's Ended state handler, never from the hot call path.
func (s *Store) Append(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_records (call_id, caller_id, started_at, ended_at, chunks, end_reason)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.CallID, r.CallerID, r.StartedAt.Unix(), r.EndedAt.Unix(), r.Chunks, r.EndReason,
	)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}
