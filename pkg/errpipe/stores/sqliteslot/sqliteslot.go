// Package sqliteslot provides a SQLite-backed slot store.
// The slot is a single row, so readers and writers never race on
// partial content, and the database survives process restarts.
package sqliteslot

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS slot (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	data BLOB NOT NULL
);
`

// Slot persists the queue mirror in a SQLite database.
type Slot struct {
	db *sql.DB
}

// Open opens or creates the slot database at the given path.
func Open(path string) (*Slot, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create slot table: %w", err)
	}
	return &Slot{db: db}, nil
}

// Read returns the slot contents, nil when the slot is empty.
func (s *Slot) Read() ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM slot WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read slot: %w", err)
	}
	return data, nil
}

// Write replaces the slot contents.
func (s *Slot) Write(data []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO slot (id, data) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data
	`, data)
	if err != nil {
		return fmt.Errorf("write slot: %w", err)
	}
	return nil
}

// Clear empties the slot.
func (s *Slot) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM slot WHERE id = 1`); err != nil {
		return fmt.Errorf("clear slot: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (s *Slot) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
