// Package prefstore persists string-list preferences in SQLite, giving the
// scan history a durable key/value home that survives restarts. Each list is
// stored as a single JSON-encoded row so a write replaces the whole list
// atomically.
package prefstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store is a SQLite-backed string-list key/value store. It satisfies
// scanlog.ListStore.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and ensures the schema
// exists. A single connection keeps writes serialized.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("prefstore: database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("prefstore: ensure dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("prefstore: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(`pragma journal_mode=WAL; pragma synchronous=NORMAL; pragma busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("prefstore: pragmas: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS string_lists (
    key TEXT PRIMARY KEY,
    payload TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("prefstore: init schema: %w", err)
	}
	return nil
}

// GetStringList returns the list stored under key, or ok=false when nothing
// is stored there.
func (s *Store) GetStringList(key string) ([]string, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("prefstore: store is not initialized")
	}
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM string_lists WHERE key = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("prefstore: get %s: %w", key, err)
	}
	var values []string
	if err := json.UnmarshalFromString(payload, &values); err != nil {
		return nil, false, fmt.Errorf("prefstore: decode %s: %w", key, err)
	}
	return values, true, nil
}

// SetStringList replaces the list stored under key in one upsert. The new
// list is either fully visible or not at all; readers never see a partial
// write.
func (s *Store) SetStringList(key string, values []string) error {
	if s == nil || s.db == nil {
		return errors.New("prefstore: store is not initialized")
	}
	if values == nil {
		values = []string{}
	}
	payload, err := json.MarshalToString(values)
	if err != nil {
		return fmt.Errorf("prefstore: encode %s: %w", key, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO string_lists (key, payload) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET payload = excluded.payload`,
		key, payload,
	)
	if err != nil {
		return fmt.Errorf("prefstore: set %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
