package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SessionStore backed by a local SQLite database of
// (user_id, thread_id) grants.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the grants database under
// dataDir.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "grants.db")
	// Enable WAL mode and busy timeout for better concurrent access
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS thread_grants (
		user_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		granted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, thread_id)
	);
	CREATE INDEX IF NOT EXISTS idx_grants_thread ON thread_grants(thread_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// IsAuthorized implements SessionStore.
func (s *SQLiteStore) IsAuthorized(ctx context.Context, userID, threadID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM thread_grants WHERE user_id = ? AND thread_id = ?",
		userID, threadID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to query grant: %w", err)
	}
	return count > 0, nil
}

// Grant authorizes a user for a thread. Idempotent.
func (s *SQLiteStore) Grant(ctx context.Context, userID, threadID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO thread_grants (user_id, thread_id) VALUES (?, ?)",
		userID, threadID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert grant: %w", err)
	}
	return nil
}

// Revoke removes a user's authorization for a thread.
func (s *SQLiteStore) Revoke(ctx context.Context, userID, threadID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM thread_grants WHERE user_id = ? AND thread_id = ?",
		userID, threadID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
