// Package store keeps a local registry of sessions this client has created
// or resumed, so recent work is listable without asking the orchestrator.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the sqlite-backed session registry.
type Store struct {
	db *sql.DB
}

// SessionRecord is one session the client has touched.
type SessionRecord struct {
	SessionID  string
	WorkingDir string
	Summary    string
	ForkedFrom string
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Open opens (creating if needed) the registry at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record upserts a session. LastUsedAt always moves forward; CreatedAt is
// kept from the first insert.
func (s *Store) Record(ctx context.Context, rec SessionRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastUsedAt.IsZero() {
		rec.LastUsedAt = now
	}

	query := `
	INSERT INTO sessions (session_id, working_dir, summary, forked_from, created_at, last_used_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		working_dir = excluded.working_dir,
		summary = CASE WHEN excluded.summary != '' THEN excluded.summary ELSE sessions.summary END,
		last_used_at = excluded.last_used_at
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.SessionID, rec.WorkingDir, rec.Summary, rec.ForkedFrom,
		rec.CreatedAt.Format(time.RFC3339), rec.LastUsedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

// Touch bumps the last-used timestamp of an existing session.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	query := "UPDATE sessions SET last_used_at = ? WHERE session_id = ?"
	_, err := s.db.ExecContext(ctx, query, time.Now().UTC().Format(time.RFC3339), sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// Recent returns up to limit sessions, most recently used first.
func (s *Store) Recent(ctx context.Context, limit int) ([]SessionRecord, error) {
	query := `
	SELECT session_id, working_dir, summary, forked_from, created_at, last_used_at
	FROM sessions
	ORDER BY last_used_at DESC
	LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var createdAt, lastUsedAt string
		if err := rows.Scan(&rec.SessionID, &rec.WorkingDir, &rec.Summary, &rec.ForkedFrom, &createdAt, &lastUsedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		rec.LastUsedAt, _ = time.Parse(time.RFC3339, lastUsedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Get returns one session by id.
func (s *Store) Get(ctx context.Context, sessionID string) (SessionRecord, error) {
	query := `
	SELECT session_id, working_dir, summary, forked_from, created_at, last_used_at
	FROM sessions
	WHERE session_id = ?
	`
	var rec SessionRecord
	var createdAt, lastUsedAt string
	err := s.db.QueryRowContext(ctx, query, sessionID).
		Scan(&rec.SessionID, &rec.WorkingDir, &rec.Summary, &rec.ForkedFrom, &createdAt, &lastUsedAt)
	if err != nil {
		return SessionRecord{}, err
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.LastUsedAt, _ = time.Parse(time.RFC3339, lastUsedAt)
	return rec, nil
}
