package repository

import (
	"context"
	"strings"
	"time"

	"chat-relay/internal/domain"
)

const (
	skPrefixTurn = "TURN#"
	skMeta       = "META#"
	ttlDuration  = 30 * 24 * time.Hour // 30-day TTL
)

// now is swapped in tests.
var now = time.Now

// TranscriptStore is a write-only archive of completed exchanges. Nothing in
// the relay reads it back; sessions live only in process memory.
type TranscriptStore interface {
	SaveTranscript(ctx context.Context, entry domain.TranscriptEntry) error
	MarkReset(ctx context.Context, sessionID string) error
	Close() error
}

// Options selects the archive backend. Table wins over DatabaseURL.
type Options struct {
	Dynamo      DynamoAPI
	Table       string
	DatabaseURL string
}

// NewTranscriptStore returns a DynamoDB store when a table is configured, a
// PostgreSQL store when a database URL is set, and a no-op store otherwise.
func NewTranscriptStore(ctx context.Context, opts Options) (TranscriptStore, error) {
	if strings.TrimSpace(opts.Table) != "" {
		s, err := NewDynamoStore(opts.Dynamo, opts.Table)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	if strings.TrimSpace(opts.DatabaseURL) != "" {
		s, err := NewPostgresStore(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return NoopStore{}, nil
}

// NewEntry constructs a TranscriptEntry with PK/SK/TTL set from sessionID and
// the current time.
func NewEntry(sessionID, question, answer, mode, model string, partial bool, turns int) domain.TranscriptEntry {
	ts := now().UTC()
	return domain.TranscriptEntry{
		PK:        sessionPK(sessionID),
		SK:        skPrefixTurn + ts.Format(time.RFC3339Nano),
		SessionID: sessionID,
		Question:  question,
		Answer:    answer,
		Mode:      mode,
		Model:     model,
		Partial:   partial,
		Turns:     turns,
		CreatedAt: ts.Format(time.RFC3339Nano),
		TTL:       ts.Add(ttlDuration).Unix(),
	}
}

func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

// NoopStore discards everything.
type NoopStore struct{}

func (NoopStore) SaveTranscript(context.Context, domain.TranscriptEntry) error { return nil }
func (NoopStore) MarkReset(context.Context, string) error { return nil }
func (NoopStore) Close() error { return nil }
