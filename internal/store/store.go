// Package store provides the durable Persistence Port described in
// spec.md §4.6 and its PostgreSQL implementation.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"chatrelay/internal/chatmodel"
)

// Port is the Persistence Port: the set of durable operations the
// Session Handler and Message Processor depend on. Defined as an
// interface so a fake can stand in for tests without a live database.
type Port interface {
	UpsertClient(ctx context.Context, clientID, timezone string) error
	InsertMessage(ctx context.Context, msg *chatmodel.Message) (int64, error)
	InsertReply(ctx context.Context, reply *chatmodel.Reply) (int64, error)
	CountMessages(ctx context.Context, clientID string) (int, error)
	History(ctx context.Context, clientID string, limit, offset int) ([]chatmodel.HistoryEntry, int, error)
}

// maxRetries and retryBackoff ground the retry loop of the original
// DatabaseManager.save_message/save_reply: on a "database is locked"
// style error, retry up to three times with a linearly increasing delay.
const (
	maxRetries   = 3
	retryBackoff = 100 * time.Millisecond
)

// DB wraps sqlx.DB with the migration helper the teacher's database
// package exposes.
type DB struct {
	*sqlx.DB
}

// New connects to PostgreSQL, configures the pool, and pings it.
func New(databaseURL string) (*DB, error) {
	if databaseURL == "" {
		return nil, errors.New("DATABASE_URL environment variable is not set")
	}

	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping the database: %w", err)
	}

	log.Println("[Store] connected to PostgreSQL")

	return &DB{DB: db}, nil
}

// Migrate applies all pending migrations found under migrationsPath.
func (db *DB) Migrate(databaseURL, migrationsPath string) error {
	sourceURL := fmt.Sprintf("file://%s", migrationsPath)

	m, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		log.Printf("[Store] could not get migration version: %v", err)
	}
	if dirty {
		return fmt.Errorf("database is in a dirty migration state at version %d", version)
	}

	log.Printf("[Store] migrations applied, version=%d", version)
	return nil
}

// isLockedErr reports whether err looks like a transient "database is
// locked" condition worth retrying, per the original DatabaseManager.
func isLockedErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "database is locked")
}

// withRetry runs fn up to maxRetries times, retrying only on a
// lock-contention error, with a linearly increasing backoff.
func withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isLockedErr(lastErr) {
			return fmt.Errorf("%s: %w", op, lastErr)
		}
		log.Printf("[Store] %s: database locked, retrying (attempt %d/%d)", op, attempt, maxRetries)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("%s: %w (after %d retries)", op, lastErr, maxRetries)
}

// UpsertClient records or refreshes a client's declared identity and
// timezone, mirroring the unconditional overwrite semantics of the
// original connection manager's handshake handling.
func (db *DB) UpsertClient(ctx context.Context, clientID, timezone string) error {
	const query = `
		INSERT INTO clients (client_id, timezone)
		VALUES ($1, $2)
		ON CONFLICT (client_id) DO UPDATE SET timezone = EXCLUDED.timezone`
	_, err := db.ExecContext(ctx, query, clientID, timezone)
	if err != nil {
		return fmt.Errorf("upsert client %s: %w", clientID, err)
	}
	return nil
}

// InsertMessage persists an inbound message record, accepted or not,
// and returns its generated ID.
func (db *DB) InsertMessage(ctx context.Context, msg *chatmodel.Message) (int64, error) {
	const query = `
		INSERT INTO messages (client_id, message_type, content, client_timestamp, timezone, is_accepted, status_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`
	var id int64
	err := withRetry(ctx, "insert_message", func() error {
		return db.GetContext(ctx, &id, query,
			msg.ClientID, msg.MessageType, msg.Content, msg.ClientTimestamp, msg.Timezone, msg.IsAccepted, msg.StatusMessage)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// InsertReply persists an outbound reply row, initially marked
// delivered per spec.md §3 (the reply is only constructed once it has
// been produced for immediate delivery).
func (db *DB) InsertReply(ctx context.Context, reply *chatmodel.Reply) (int64, error) {
	const query = `
		INSERT INTO replies (message_id, content, reply_type, is_delivered)
		VALUES ($1, $2, $3, $4)
		RETURNING id`
	var id int64
	err := withRetry(ctx, "insert_reply", func() error {
		return db.GetContext(ctx, &id, query, reply.MessageID, reply.Content, reply.ReplyType, reply.IsDelivered)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// CountMessages returns the total number of messages ever recorded for
// a client, used by History for the pagination total.
func (db *DB) CountMessages(ctx context.Context, clientID string) (int, error) {
	var count int
	err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages WHERE client_id = $1`, clientID)
	if err != nil {
		return 0, fmt.Errorf("count messages for %s: %w", clientID, err)
	}
	return count, nil
}

// History returns a client's messages, newest first, each with its
// replies, clamped and paginated as the original /chat-history endpoint
// does: limit clamped to [1,100], offset clamped to >= 0.
func (db *DB) History(ctx context.Context, clientID string, limit, offset int) ([]chatmodel.HistoryEntry, int, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	total, err := db.CountMessages(ctx, clientID)
	if err != nil {
		return nil, 0, err
	}

	var messages []chatmodel.Message
	const msgQuery = `
		SELECT id, client_id, message_type, content, client_timestamp, timezone, is_accepted, status_message
		FROM messages
		WHERE client_id = $1
		ORDER BY client_timestamp DESC
		LIMIT $2 OFFSET $3`
	if err := db.SelectContext(ctx, &messages, msgQuery, clientID, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("select messages for %s: %w", clientID, err)
	}

	entries := make([]chatmodel.HistoryEntry, 0, len(messages))
	for _, m := range messages {
		var replies []chatmodel.Reply
		const replyQuery = `
			SELECT id, message_id, content, reply_type, is_delivered
			FROM replies
			WHERE message_id = $1
			ORDER BY id ASC`
		if err := db.SelectContext(ctx, &replies, replyQuery, m.ID); err != nil {
			return nil, 0, fmt.Errorf("select replies for message %d: %w", m.ID, err)
		}
		entries = append(entries, chatmodel.HistoryEntry{Message: m, Replies: replies})
	}

	return entries, total, nil
}
