package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/docvault/docvault/internal/metrics"
)

const schema = `
	CREATE TABLE IF NOT EXISTS backup_runs (
		run_id           VARCHAR(64) PRIMARY KEY,
		started_at       TIMESTAMP NOT NULL,
		finished_at      TIMESTAMP NOT NULL,
		run_dir          TEXT NOT NULL,
		status           VARCHAR(32) NOT NULL,
		projects         INTEGER NOT NULL DEFAULT 0,
		failed_projects  INTEGER NOT NULL DEFAULT 0,
		copied_files     INTEGER NOT NULL DEFAULT 0,
		copied_bytes     BIGINT NOT NULL DEFAULT 0,
		downloaded_files INTEGER NOT NULL DEFAULT 0,
		downloaded_bytes BIGINT NOT NULL DEFAULT 0,
		failed_files     INTEGER NOT NULL DEFAULT 0,
		efficiency       DOUBLE PRECISION NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_backup_runs_started ON backup_runs(started_at);
`

const columns = `run_id, started_at, finished_at, run_dir, status, projects, failed_projects,
	copied_files, copied_bytes, downloaded_files, downloaded_bytes, failed_files, efficiency`

// SQLStore stores records in PostgreSQL or SQLite.
type SQLStore struct {
	db      *sql.DB
	backend string
	// bind rewrites '?' placeholders for the driver.
	bind func(string) string
}

// NewPostgres opens a PostgreSQL store and creates its schema.
func NewPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return newSQLStore(ctx, db, "postgres", dollarPlaceholders)
}

// NewSQLite opens a SQLite store and creates its schema.
func NewSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	return newSQLStore(ctx, db, "sqlite", func(q string) string { return q })
}

func newSQLStore(ctx context.Context, db *sql.DB, backend string, bind func(string) string) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLStore{db: db, backend: backend, bind: bind}, nil
}

func dollarPlaceholders(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Save inserts or replaces a record.
func (s *SQLStore) Save(ctx context.Context, r Record) error {
	query := s.bind(`INSERT INTO backup_runs (` + columns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			finished_at = excluded.finished_at,
			status = excluded.status,
			projects = excluded.projects,
			failed_projects = excluded.failed_projects,
			copied_files = excluded.copied_files,
			copied_bytes = excluded.copied_bytes,
			downloaded_files = excluded.downloaded_files,
			downloaded_bytes = excluded.downloaded_bytes,
			failed_files = excluded.failed_files,
			efficiency = excluded.efficiency`)

	_, err := s.db.ExecContext(ctx, query,
		r.RunID, r.StartedAt.UTC(), r.FinishedAt.UTC(), r.RunDir, r.Status,
		r.Projects, r.FailedProjects,
		r.CopiedFiles, r.CopiedBytes, r.DownloadedFiles, r.DownloadedBytes, r.FailedFiles,
		r.Efficiency)
	metrics.RecordHistoryWrite(s.backend, err == nil)
	if err != nil {
		return fmt.Errorf("save run %s: %w", r.RunID, err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *SQLStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		s.bind(`SELECT `+columns+` FROM backup_runs ORDER BY started_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.RunID, &r.StartedAt, &r.FinishedAt, &r.RunDir, &r.Status,
			&r.Projects, &r.FailedProjects,
			&r.CopiedFiles, &r.CopiedBytes, &r.DownloadedFiles, &r.DownloadedBytes, &r.FailedFiles,
			&r.Efficiency); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Type returns the backend name.
func (s *SQLStore) Type() string { return s.backend }

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
