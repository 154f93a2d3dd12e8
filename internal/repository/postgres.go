package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat-relay/internal/domain"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore archives transcript entries in PostgreSQL.
type PostgresStore struct {
	db    execer
	close func()
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("repository: connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{db: pool, close: pool.Close}, nil
}

func initSchema(ctx context.Context, db execer) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transcript_entries (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			question TEXT NOT NULL,
			answer TEXT NOT NULL,
			mode TEXT NOT NULL,
			model TEXT NOT NULL,
			partial BOOLEAN NOT NULL DEFAULT FALSE,
			turns INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transcript_entries_session_created ON transcript_entries (session_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS transcript_resets (
			session_id TEXT NOT NULL,
			reset_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("repository: init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTranscript(ctx context.Context, entry domain.TranscriptEntry) error {
	createdAt, err := time.Parse(time.RFC3339Nano, entry.CreatedAt)
	if err != nil {
		createdAt = now().UTC()
	}
	var expiresAt *time.Time
	if entry.TTL > 0 {
		t := time.Unix(entry.TTL, 0).UTC()
		expiresAt = &t
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO transcript_entries (id, session_id, question, answer, mode, model, partial, turns, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.NewString(),
		entry.SessionID,
		entry.Question,
		entry.Answer,
		entry.Mode,
		entry.Model,
		entry.Partial,
		entry.Turns,
		createdAt,
		expiresAt,
	)
	if err != nil {
		return fmt.Errorf("repository: save transcript: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkReset(ctx context.Context, sessionID string) error {
	if _, err := s.db.Exec(ctx,
		`INSERT INTO transcript_resets (session_id, reset_at) VALUES ($1, $2)`,
		sessionID, now().UTC(),
	); err != nil {
		return fmt.Errorf("repository: mark reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
