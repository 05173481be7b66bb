package budget

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLStore is a SQLite-backed Store. Spend rows are keyed by
// (day, user_id); WAL mode is enabled for concurrent reads.
type SQLStore struct {
	conn *sql.DB
	path string
	mu   sync.Mutex
}

// DefaultDBPath returns the conventional ledger location.
func DefaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "loom", "budget.db")
}

// OpenSQL opens (creating if needed) a SQLite ledger store at path.
func OpenSQL(path string) (*SQLStore, error) {
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

	s := &SQLStore{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS budget_entries (
	day        TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	spent_usd  REAL NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (day, user_id)
);`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("migrate budget schema: %w", err)
	}
	return nil
}

// Spent returns the accumulated spend for the key, 0 if absent.
func (s *SQLStore) Spent(day, userID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var spent float64
	err := s.conn.QueryRow(
		"SELECT spent_usd FROM budget_entries WHERE day = ? AND user_id = ?",
		day, userID).Scan(&spent)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query spend: %w", err)
	}
	return spent, nil
}

// Add atomically adds amount and returns the new total. The upsert and
// read happen in one transaction so concurrent callers never lose an
// update.
func (s *SQLStore) Add(day, userID string, amount float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
INSERT INTO budget_entries (day, user_id, spent_usd, updated_at)
VALUES (?, ?, ?, datetime('now'))
ON CONFLICT (day, user_id)
DO UPDATE SET spent_usd = spent_usd + excluded.spent_usd,
              updated_at = datetime('now')`,
		day, userID, amount)
	if err != nil {
		return 0, fmt.Errorf("upsert spend: %w", err)
	}

	var total float64
	if err := tx.QueryRow(
		"SELECT spent_usd FROM budget_entries WHERE day = ? AND user_id = ?",
		day, userID).Scan(&total); err != nil {
		return 0, fmt.Errorf("read back spend: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return total, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.conn.Close()
}

// Path returns the database file location.
func (s *SQLStore) Path() string {
	return s.path
}
