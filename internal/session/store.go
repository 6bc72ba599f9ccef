// Package session persists agent session/thread identity per
// conversation key in SQLite.
package session

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"relaybot/internal/domain"
)

// SQLiteStore implements domain.SessionStore.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (and migrates) the store at dbPath.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// SQLite wants a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("session store migration failed: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		key        TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		topic      TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so other persistence (pairing) can
// share the single SQLite file and its one-writer connection.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Get(key string) (*domain.SessionRecord, error) {
	var rec domain.SessionRecord
	var topic sql.NullString
	err := s.db.QueryRow(
		`SELECT session_id, topic, updated_at FROM sessions WHERE key = ?`, key,
	).Scan(&rec.ID, &topic, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session get %s: %w", key, err)
	}
	rec.Topic = topic.String
	return &rec, nil
}

// Set stores the session ID for key. The topic is set on the first turn
// of a session, preserved while the ID stays the same, and replaced when
// the ID changes.
func (s *SQLiteStore) Set(key, id, topic string) error {
	existing, err := s.Get(key)
	if err != nil {
		return err
	}
	if existing != nil && existing.ID == id && existing.Topic != "" {
		topic = existing.Topic
	}

	_, err = s.db.Exec(`
		INSERT INTO sessions (key, session_id, topic, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			session_id = excluded.session_id,
			topic      = excluded.topic,
			updated_at = excluded.updated_at`,
		key, id, topic, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("session set %s: %w", key, err)
	}
	s.logger.Debug("session stored", "key", key, "session", id)
	return nil
}

func (s *SQLiteStore) Clear(key string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("session clear %s: %w", key, err)
	}
	s.logger.Info("session cleared", "key", key)
	return nil
}

var _ domain.SessionStore = (*SQLiteStore)(nil)
