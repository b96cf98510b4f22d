package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Record is the persisted part of a registry entry.
type Record struct {
	TerminalID   string
	SessionName  string
	TerminalType string
	WorkingDir   string
	Command      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DB persists registry records so a restarted server can find the tmux
// sessions it created.
type DB struct {
	db *sql.DB
}

var migrations = []struct {
	Version int
	UpSQL   string
}{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS sessions (
	terminal_id TEXT PRIMARY KEY,
	session_name TEXT NOT NULL UNIQUE CHECK(session_name NOT GLOB '*[^A-Za-z0-9_-]*'),
	terminal_type TEXT NOT NULL,
	working_dir TEXT NOT NULL DEFAULT '',
	command TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`,
	},
}

func OpenDB(ctx context.Context, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	d := &DB{db: db}
	if err := d.migrate(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return d, nil
}

func (d *DB) migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range migrations {
		var exists int
		err := d.db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Upsert stores rec, replacing any row with the same terminal id or the
// same session name.
func (d *DB) Upsert(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_name = ? AND terminal_id != ?`, rec.SessionName, rec.TerminalID); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO sessions(terminal_id, session_name, terminal_type, working_dir, command, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(terminal_id) DO UPDATE SET
	session_name=excluded.session_name,
	terminal_type=excluded.terminal_type,
	working_dir=excluded.working_dir,
	command=excluded.command,
	updated_at=excluded.updated_at
`, rec.TerminalID, rec.SessionName, rec.TerminalType, rec.WorkingDir, rec.Command, ts(rec.CreatedAt), ts(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return tx.Commit()
}

func (d *DB) Delete(ctx context.Context, terminalID string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM sessions WHERE terminal_id = ?`, terminalID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (d *DB) All(ctx context.Context) ([]Record, error) {
	rows, err := d.db.QueryContext(ctx, `
SELECT terminal_id, session_name, terminal_type, working_dir, command, created_at, updated_at
FROM sessions ORDER BY created_at, terminal_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var created, updated string
		if err := rows.Scan(&rec.TerminalID, &rec.SessionName, &rec.TerminalType, &rec.WorkingDir, &rec.Command, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if rec.CreatedAt, err = parseTS(created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if rec.UpdatedAt, err = parseTS(updated); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
