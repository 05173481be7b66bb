// Package state persists settled project records to SQLite so run
// history survives process restarts.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/projectloom/loom/pkg/models"
)

// DB wraps an SQLite connection holding run history.
type DB struct {
	mu   sync.Mutex
	conn *sql.DB
	path string
}

// DefaultDBPath returns the XDG data path for the history database.
func DefaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "loom", "history.db")
}

// Open opens the history database at path, creating parent directories
// and the schema as needed. WAL mode is enabled for concurrent reads.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) migrate() error {
	_, err := d.conn.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			project_id   TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			tier         TEXT NOT NULL,
			request      TEXT NOT NULL,
			status       TEXT NOT NULL,
			progress     INTEGER NOT NULL,
			cost_usd     REAL NOT NULL,
			error        TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMP NOT NULL,
			started_at   TIMESTAMP,
			completed_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_runs_user ON runs(user_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("migrate runs table: %w", err)
	}
	return nil
}

// RecordRun upserts one settled project record.
func (d *DB) RecordRun(p models.Project) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.conn.Exec(`
		INSERT INTO runs (project_id, user_id, tier, request, status, progress, cost_usd, error, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			cost_usd = excluded.cost_usd,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`, p.ID, p.UserID, string(p.Tier), p.Request, string(p.Status), p.Progress,
		p.CostUSD, p.Error, p.CreatedAt, p.StartedAt, p.CompletedAt)
	if err != nil {
		return fmt.Errorf("record run %s: %w", p.ID, err)
	}
	return nil
}

// Run returns one recorded project by ID.
func (d *DB) Run(projectID string) (models.Project, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	row := d.conn.QueryRow(`
		SELECT project_id, user_id, tier, request, status, progress, cost_usd, error, created_at, started_at, completed_at
		FROM runs WHERE project_id = ?`, projectID)
	return scanRun(row)
}

// RecentRuns returns up to limit records, newest first.
func (d *DB) RecentRuns(limit int) ([]models.Project, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.conn.Query(`
		SELECT project_id, user_id, tier, request, status, progress, cost_usd, error, created_at, started_at, completed_at
		FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		p, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (models.Project, error) {
	var p models.Project
	var tier, status string
	var started, completed sql.NullTime
	err := row.Scan(&p.ID, &p.UserID, &tier, &p.Request, &status, &p.Progress,
		&p.CostUSD, &p.Error, &p.CreatedAt, &started, &completed)
	if err != nil {
		return models.Project{}, fmt.Errorf("scan run: %w", err)
	}
	p.Tier = models.Tier(tier)
	p.Status = models.ProjectStatus(status)
	if started.Valid {
		t := started.Time
		p.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		p.CompletedAt = &t
	}
	return p, nil
}

// Path returns the database file location.
func (d *DB) Path() string { return d.path }

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}
