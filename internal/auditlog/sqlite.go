package auditlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// storageKey is the single key the bounded entry array lives under.
const storageKey = "audit_log"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pageshield_state (
    key     TEXT PRIMARY KEY,
    value   TEXT NOT NULL
);`

// SQLiteStorage persists the entry array as one JSON document keyed in a
// SQLite state table. This is the privileged-storage collaborator of the
// gateway: it outlives a single page session and crosses the process
// boundary to the viewing UI.
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLite creates or opens the state database at the given path.
func OpenSQLite(path string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// OpenSQLiteMemory opens an in-memory state database (testing).
func OpenSQLiteMemory() (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) LoadEntries() ([]Entry, error) {
	data, err := s.LoadState(storageKey)
	if err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing stored audit log: %w", err)
	}
	return entries, nil
}

func (s *SQLiteStorage) SaveEntries(entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding audit log: %w", err)
	}
	if err := s.SaveState(storageKey, data); err != nil {
		return fmt.Errorf("writing audit log: %w", err)
	}
	return nil
}

// LoadState reads a raw state value. Missing keys return nil.
func (s *SQLiteStorage) LoadState(key string) ([]byte, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM pageshield_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

// SaveState upserts a raw state value.
func (s *SQLiteStorage) SaveState(key string, value []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO pageshield_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, string(value))
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteStorage) Close() error { return s.db.Close() }
