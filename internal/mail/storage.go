// Package mail provides the SmartMail service: Postgres-backed internal
// messaging with threads and per-recipient folder rows, plus an outbound
// bridge for external email.
package mail

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smartnet-labs/smartnet/internal/model"
)

// ErrUserNotFound is returned when no account exists for the given username.
var ErrUserNotFound = errors.New("mail: user not found")

// ErrThreadNotFound is returned when a thread does not exist or has no
// messages visible to the caller.
var ErrThreadNotFound = errors.New("mail: thread not found")

// DB is the PostgreSQL storage layer for SmartMail.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("mail: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("mail: ping pool: %w", err)
	}
	return &DB{pool: pool, logger: logger}, nil
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// RunMigrations executes unapplied SQL migration files from the provided
// filesystem in order. Applied migrations are tracked in a schema_migrations
// table so each file runs at most once. Forward-only.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("mail: create schema_migrations: %w", err)
	}

	applied, err := db.loadAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("mail: load applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("mail: read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		name := entry.Name()
		if applied[name] {
			db.logger.Debug("migration already applied, skipping", "file", name)
			continue
		}

		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("mail: read migration %s: %w", name, err)
		}

		db.logger.Info("running migration", "file", name)
		if _, err := db.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("mail: execute migration %s: %w", name, err)
		}

		if _, err := db.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name,
		); err != nil {
			return fmt.Errorf("mail: record migration %s: %w", name, err)
		}
	}

	return nil
}

func (db *DB) loadAppliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := db.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// UserByUsername resolves a username to an account.
func (db *DB) UserByUsername(ctx context.Context, username string) (model.MailUser, error) {
	var u model.MailUser
	err := db.pool.QueryRow(ctx,
		`SELECT id, username, email FROM users WHERE username = $1`, username,
	).Scan(&u.ID, &u.Username, &u.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.MailUser{}, fmt.Errorf("%w: %s", ErrUserNotFound, username)
		}
		return model.MailUser{}, fmt.Errorf("mail: get user %s: %w", username, err)
	}
	return u, nil
}

// SearchUsers returns accounts whose username contains q, ordered by
// username, capped at limit.
func (db *DB) SearchUsers(ctx context.Context, q string, limit int) ([]model.MailUser, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, username, email FROM users
		 WHERE username ILIKE '%' || $1 || '%'
		 ORDER BY username
		 LIMIT $2`, q, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("mail: search users: %w", err)
	}
	defer rows.Close()

	var users []model.MailUser
	for rows.Next() {
		var u model.MailUser
		if err := rows.Scan(&u.ID, &u.Username, &u.Email); err != nil {
			return nil, fmt.Errorf("mail: scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SendInternal delivers a message to the named recipients: one thread (new or
// existing), one message, a read "sent" row for the sender, and an unread
// "inbox" row per addressee. All rows are written in a single transaction;
// any unknown username aborts with ErrUserNotFound before anything persists.
func (db *DB) SendInternal(ctx context.Context, senderUsername string, req model.SendInternalRequest) (model.SendInternalResult, error) {
	sender, err := db.UserByUsername(ctx, senderUsername)
	if err != nil {
		return model.SendInternalResult{}, err
	}

	// Resolve every recipient up front. Duplicate usernames collapse to one
	// inbox row.
	seen := make(map[uuid.UUID]bool, len(req.ToUsernames))
	recipients := make([]model.MailUser, 0, len(req.ToUsernames))
	for _, username := range req.ToUsernames {
		u, err := db.UserByUsername(ctx, username)
		if err != nil {
			return model.SendInternalResult{}, err
		}
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		recipients = append(recipients, u)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.SendInternalResult{}, fmt.Errorf("mail: begin send: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	now := time.Now().UTC()

	var threadID uuid.UUID
	if req.ThreadID != nil {
		threadID = *req.ThreadID
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM threads WHERE id = $1)`, threadID,
		).Scan(&exists); err != nil {
			return model.SendInternalResult{}, fmt.Errorf("mail: check thread: %w", err)
		}
		if !exists {
			return model.SendInternalResult{}, ErrThreadNotFound
		}
	} else {
		threadID = uuid.New()
		if _, err := tx.Exec(ctx,
			`INSERT INTO threads (id, created_at, created_by) VALUES ($1, $2, $3)`,
			threadID, now, sender.ID,
		); err != nil {
			return model.SendInternalResult{}, fmt.Errorf("mail: create thread: %w", err)
		}
	}

	messageID := uuid.New()
	if _, err := tx.Exec(ctx,
		`INSERT INTO messages (id, thread_id, sender_id, subject, body, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		messageID, threadID, sender.ID, req.Subject, req.Body, now,
	); err != nil {
		return model.SendInternalResult{}, fmt.Errorf("mail: create message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO recipients (message_id, user_id, folder, is_read, created_at)
		 VALUES ($1, $2, $3, TRUE, $4)`,
		messageID, sender.ID, model.FolderSent, now,
	); err != nil {
		return model.SendInternalResult{}, fmt.Errorf("mail: create sent row: %w", err)
	}

	for _, recipient := range recipients {
		if _, err := tx.Exec(ctx,
			`INSERT INTO recipients (message_id, user_id, folder, is_read, created_at)
			 VALUES ($1, $2, $3, FALSE, $4)`,
			messageID, recipient.ID, model.FolderInbox, now,
		); err != nil {
			return model.SendInternalResult{}, fmt.Errorf("mail: create inbox row for %s: %w", recipient.Username, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.SendInternalResult{}, fmt.Errorf("mail: commit send: %w", err)
	}

	db.logger.Info("mail: internal message sent",
		"sender", sender.Username,
		"recipients", len(recipients),
		"thread_id", threadID,
		"message_id", messageID,
	)
	return model.SendInternalResult{ThreadID: threadID, MessageID: messageID}, nil
}

// RecordExternalCopy stores the sender's local trace of an external send:
// a fresh thread, the message with external_to set, and a read "sent" row.
func (db *DB) RecordExternalCopy(ctx context.Context, senderUsername, to, subject, body string) (model.SendInternalResult, error) {
	sender, err := db.UserByUsername(ctx, senderUsername)
	if err != nil {
		return model.SendInternalResult{}, err
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.SendInternalResult{}, fmt.Errorf("mail: begin external copy: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	now := time.Now().UTC()
	threadID := uuid.New()
	messageID := uuid.New()

	if _, err := tx.Exec(ctx,
		`INSERT INTO threads (id, created_at, created_by) VALUES ($1, $2, $3)`,
		threadID, now, sender.ID,
	); err != nil {
		return model.SendInternalResult{}, fmt.Errorf("mail: create thread: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO messages (id, thread_id, sender_id, subject, body, external_to, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		messageID, threadID, sender.ID, subject, body, to, now,
	); err != nil {
		return model.SendInternalResult{}, fmt.Errorf("mail: create message: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO recipients (message_id, user_id, folder, is_read, created_at)
		 VALUES ($1, $2, $3, TRUE, $4)`,
		messageID, sender.ID, model.FolderSent, now,
	); err != nil {
		return model.SendInternalResult{}, fmt.Errorf("mail: create sent row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.SendInternalResult{}, fmt.Errorf("mail: commit external copy: %w", err)
	}
	return model.SendInternalResult{ThreadID: threadID, MessageID: messageID}, nil
}

// Mailbox lists the caller's folder, newest first. Peer is the sender for
// inbox rows and the first addressee (or external address) for sent rows.
// The handler owns page-size limits; this only guards nonsense values.
func (db *DB) Mailbox(ctx context.Context, username string, folder model.Folder, limit, offset int) ([]model.MailboxEntry, error) {
	user, err := db.UserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := db.pool.Query(ctx,
		`SELECT m.id, m.thread_id,
		        CASE WHEN r.folder = 'sent' THEN
		            COALESCE(
		                (SELECT u2.username FROM recipients r2
		                 JOIN users u2 ON u2.id = r2.user_id
		                 WHERE r2.message_id = m.id AND r2.folder = 'inbox'
		                 ORDER BY u2.username LIMIT 1),
		                m.external_to, '')
		        ELSE su.username END AS peer,
		        m.subject, LEFT(m.body, $1), r.is_read, m.created_at
		 FROM recipients r
		 JOIN messages m ON m.id = r.message_id
		 JOIN users su ON su.id = m.sender_id
		 WHERE r.user_id = $2 AND r.folder = $3
		 ORDER BY m.created_at DESC, m.id DESC
		 LIMIT $4 OFFSET $5`,
		model.SnippetLen, user.ID, string(folder), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("mail: list mailbox: %w", err)
	}
	defer rows.Close()

	var entries []model.MailboxEntry
	for rows.Next() {
		var e model.MailboxEntry
		if err := rows.Scan(&e.MessageID, &e.ThreadID, &e.Peer, &e.Subject, &e.Snippet, &e.IsRead, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("mail: scan mailbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Thread returns the thread's messages in chronological order, full bodies
// included. Only messages the caller has a recipient row for are visible;
// an empty result is ErrThreadNotFound.
func (db *DB) Thread(ctx context.Context, username string, threadID uuid.UUID) ([]model.ThreadMessage, error) {
	user, err := db.UserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}

	rows, err := db.pool.Query(ctx,
		`SELECT m.id, su.username, m.subject, m.body, m.created_at
		 FROM messages m
		 JOIN users su ON su.id = m.sender_id
		 WHERE m.thread_id = $1
		   AND EXISTS (SELECT 1 FROM recipients r WHERE r.message_id = m.id AND r.user_id = $2)
		 ORDER BY m.created_at ASC, m.id ASC`,
		threadID, user.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("mail: list thread: %w", err)
	}
	defer rows.Close()

	var messages []model.ThreadMessage
	for rows.Next() {
		var m model.ThreadMessage
		if err := rows.Scan(&m.MessageID, &m.Sender, &m.Subject, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("mail: scan thread message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, ErrThreadNotFound
	}
	return messages, nil
}
