// Package sqlite persists ceremony challenges in a SQLite file so the two
// legs of a ceremony survive a process restart.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/oktadev/okta-webauthn-go/internal/challenge"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS ceremony_challenges (
	session_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	login TEXT NOT NULL DEFAULT '',
	first_name TEXT NOT NULL DEFAULT '',
	last_name TEXT NOT NULL DEFAULT '',
	data BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ceremony_challenges_expires_at
	ON ceremony_challenges (expires_at);
`

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements challenge persistence over SQLite.
type Store struct {
	sqlDB *sql.DB
	clock func() time.Time
}

// Open opens a challenge SQLite store and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{sqlDB: sqlDB, clock: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Put stores the session, replacing any live one for its SessionID.
func (s *Store) Put(ctx context.Context, session challenge.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(session.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO ceremony_challenges (session_id, kind, login, first_name, last_name, data, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			kind = excluded.kind,
			login = excluded.login,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			data = excluded.data,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		session.SessionID, string(session.Kind), session.Login, session.FirstName, session.LastName,
		session.Data, toMillis(session.CreatedAt), toMillis(session.ExpiresAt))
	if err != nil {
		return fmt.Errorf("put challenge: %w", err)
	}
	return nil
}

// Get returns the live session, or challenge.ErrNotFound when absent or expired.
func (s *Store) Get(ctx context.Context, sessionID string) (challenge.Session, error) {
	if err := ctx.Err(); err != nil {
		return challenge.Session{}, err
	}
	if s == nil || s.sqlDB == nil {
		return challenge.Session{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
		SELECT session_id, kind, login, first_name, last_name, data, created_at, expires_at
		FROM ceremony_challenges
		WHERE session_id = ?`, sessionID)

	var session challenge.Session
	var kind string
	var createdAt, expiresAt int64
	err := row.Scan(&session.SessionID, &kind, &session.Login, &session.FirstName, &session.LastName,
		&session.Data, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return challenge.Session{}, challenge.ErrNotFound
	}
	if err != nil {
		return challenge.Session{}, fmt.Errorf("get challenge: %w", err)
	}

	session.Kind = challenge.Kind(kind)
	session.CreatedAt = fromMillis(createdAt)
	session.ExpiresAt = fromMillis(expiresAt)

	if !session.ExpiresAt.After(s.clock().UTC()) {
		_ = s.Delete(ctx, sessionID)
		return challenge.Session{}, challenge.ErrNotFound
	}
	return session, nil
}

// Delete clears the session.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM ceremony_challenges WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete challenge: %w", err)
	}
	return nil
}

// DeleteExpired removes sessions whose expiry is at or before now.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM ceremony_challenges WHERE expires_at <= ?`, toMillis(now)); err != nil {
		return fmt.Errorf("delete expired challenges: %w", err)
	}
	return nil
}
