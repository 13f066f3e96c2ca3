// Package state persists the engine's installed-program record across
// restarts. The record is a single versioned blob in a SQLite database
// opened in WAL mode: one row, rewritten atomically on every save, so
// a crash mid-write never leaves a torn snapshot behind.
//
// SQLite driver is modernc.org/sqlite (pure Go, no CGO), which keeps
// cross-compiled builds working on embedded targets.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// FormatVersion is the snapshot payload format this build writes and
// accepts. A stored snapshot with a different version is refused with
// ErrVersionMismatch rather than silently reinterpreted.
const FormatVersion = 1

// Common errors.
var (
	ErrNoSnapshot      = errors.New("no snapshot stored")
	ErrVersionMismatch = errors.New("snapshot format version mismatch")
	ErrStoreClosed     = errors.New("store is closed")
)

// PersistenceError wraps a failure to read or write the snapshot. The
// engine logs these and retries the write on the next mutation instead
// of failing the mutation itself.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting state (%s): %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Store holds the one snapshot row.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// Open opens or creates the snapshot database. Pass ":memory:" for an
// ephemeral store in tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &PersistenceError{Op: "open", Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &PersistenceError{Op: "open", Err: err}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS snapshot (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			format_version INTEGER NOT NULL,
			payload BLOB NOT NULL,
			saved_at DATETIME NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &PersistenceError{Op: "init", Err: err}
	}
	return &Store{db: db}, nil
}

// Save replaces the stored snapshot with payload.
func (s *Store) Save(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &PersistenceError{Op: "save", Err: ErrStoreClosed}
	}

	_, err := s.db.Exec(`
		INSERT INTO snapshot (id, format_version, payload, saved_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			format_version = excluded.format_version,
			payload = excluded.payload,
			saved_at = excluded.saved_at
	`, FormatVersion, payload, time.Now().UTC())
	if err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	return nil
}

// Load returns the stored snapshot payload. ErrNoSnapshot (wrapped in
// a PersistenceError) means a clean first start; ErrVersionMismatch
// means the blob was written by an incompatible build.
func (s *Store) Load() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, &PersistenceError{Op: "load", Err: ErrStoreClosed}
	}

	var (
		version int
		payload []byte
	)
	err := s.db.QueryRow(`SELECT format_version, payload FROM snapshot WHERE id = 1`).
		Scan(&version, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &PersistenceError{Op: "load", Err: ErrNoSnapshot}
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}
	if version != FormatVersion {
		return nil, &PersistenceError{
			Op:  "load",
			Err: fmt.Errorf("%w: stored %d, want %d", ErrVersionMismatch, version, FormatVersion),
		}
	}
	return payload, nil
}

// Clear drops the stored snapshot.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &PersistenceError{Op: "clear", Err: ErrStoreClosed}
	}
	if _, err := s.db.Exec(`DELETE FROM snapshot`); err != nil {
		return &PersistenceError{Op: "clear", Err: err}
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
