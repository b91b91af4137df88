// ABOUTME: SQLite implementation of the durable delivery store using modernc.org/sqlite
// ABOUTME: Queue entries, delivered idempotency keys, and offline caches with schema bootstrap

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists queue entries and offline caches. Both the foreground
// page and the background sync worker open the same file; concurrent writers
// are reconciled by idempotency keys, not by locking.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a store at the given path. The schema is created if
// it doesn't exist; parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode: the foreground and the worker read and write concurrently.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS queue_entries (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT,
			idempotency_key TEXT NOT NULL UNIQUE,
			payload_json    TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending',
			attempts        INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (status IN ('pending', 'delivering', 'permanently_failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_queue_status_created
			ON queue_entries(status, created_at);

		CREATE TABLE IF NOT EXISTS delivered_keys (
			idempotency_key TEXT PRIMARY KEY,
			delivered_at    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cached_responses (
			conversation_id TEXT PRIMARY KEY,
			content         TEXT NOT NULL,
			cached_at       TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cached_templates (
			name      TEXT PRIMARY KEY,
			title     TEXT NOT NULL,
			body      TEXT NOT NULL,
			cached_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// EnqueueEntry persists a new entry in pending state.
// Returns ErrDuplicateEntry if the id or idempotency key is already present.
func (s *SQLiteStore) EnqueueEntry(ctx context.Context, entry *QueueEntry) error {
	payloadJSON, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	query := `
		INSERT INTO queue_entries (id, conversation_id, idempotency_key, payload_json, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		entry.ID,
		nullableString(entry.ConversationID),
		entry.IdempotencyKey,
		string(payloadJSON),
		string(StatusPending),
		entry.Attempts,
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		entry.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateEntry
		}
		return fmt.Errorf("inserting queue entry: %w", err)
	}

	s.logger.Debug("queue entry persisted", "id", entry.ID, "key", entry.IdempotencyKey)
	return nil
}

// GetEntry retrieves an entry by id. Returns ErrNotFound if absent (which
// includes delivered entries, since delivery deletes the row).
func (s *SQLiteStore) GetEntry(ctx context.Context, id string) (*QueueEntry, error) {
	query := `
		SELECT id, conversation_id, idempotency_key, payload_json, status, attempts, created_at, updated_at
		FROM queue_entries
		WHERE id = ?
	`
	return s.scanEntry(s.db.QueryRowContext(ctx, query, id))
}

// PendingEntries returns all pending entries oldest-first, preserving
// conversational order for delivery.
func (s *SQLiteStore) PendingEntries(ctx context.Context) ([]*QueueEntry, error) {
	return s.listEntries(ctx, StatusPending)
}

// FailedEntries returns entries that exhausted their delivery attempts.
func (s *SQLiteStore) FailedEntries(ctx context.Context) ([]*QueueEntry, error) {
	return s.listEntries(ctx, StatusPermanentlyFailed)
}

func (s *SQLiteStore) listEntries(ctx context.Context, status EntryStatus) ([]*QueueEntry, error) {
	query := `
		SELECT id, conversation_id, idempotency_key, payload_json, status, attempts, created_at, updated_at
		FROM queue_entries
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("querying queue entries: %w", err)
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		entry, err := s.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ClaimEntry transitions an entry from pending to delivering. Returns
// ErrNotFound when the entry is absent or already claimed by the other
// execution context; callers skip such entries.
func (s *SQLiteStore) ClaimEntry(ctx context.Context, id string) error {
	query := `
		UPDATE queue_entries
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(StatusDelivering),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("claiming queue entry: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking claim result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDelivered removes the entry and records its idempotency key so a
// concurrent delivery attempt from the other context is recognized as a
// duplicate rather than creating a second conversation turn.
func (s *SQLiteStore) MarkDelivered(ctx context.Context, id, idempotencyKey string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting delivered entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO delivered_keys (idempotency_key, delivered_at) VALUES (?, ?)`,
		idempotencyKey,
		time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("recording delivered key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delivery: %w", err)
	}

	s.logger.Debug("queue entry delivered", "id", id, "key", idempotencyKey)
	return nil
}

// RecordFailure increments the attempt counter and returns the entry to
// pending, or marks it permanently failed once attempts reach maxAttempts.
// Returns the resulting status.
func (s *SQLiteStore) RecordFailure(ctx context.Context, id string, maxAttempts int) (EntryStatus, error) {
	query := `
		UPDATE queue_entries
		SET attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= ? THEN 'permanently_failed' ELSE 'pending' END,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		maxAttempts,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return "", fmt.Errorf("recording failure: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("checking failure result: %w", err)
	}
	if affected == 0 {
		return "", ErrNotFound
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM queue_entries WHERE id = ?`, id).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("reading status after failure: %w", err)
	}
	return EntryStatus(status), nil
}

// ReleaseEntry returns a delivering entry to pending without counting an
// attempt. Used when a claimed attempt is aborted before reaching the
// network (shutdown, context cancellation).
func (s *SQLiteStore) ReleaseEntry(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusPending),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		string(StatusDelivering),
	)
	if err != nil {
		return fmt.Errorf("releasing entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking release result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseStaleClaims returns delivering entries whose claim is older than
// olderThan to pending, without counting an attempt. A claim that old means
// the claiming pass died between ClaimEntry and its outcome; left alone the
// entry would count in QueueDepth but never be retried or surfaced.
func (s *SQLiteStore) ReleaseStaleClaims(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)

	result, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET status = ?, updated_at = ? WHERE status = ? AND updated_at < ?`,
		string(StatusPending),
		time.Now().UTC().Format(time.RFC3339Nano),
		string(StatusDelivering),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("releasing stale claims: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking stale claim result: %w", err)
	}
	if affected > 0 {
		s.logger.Warn("released stale delivery claims", "count", affected)
	}
	return int(affected), nil
}

// MarkPermanentlyFailed moves an entry straight to permanently_failed,
// bypassing the attempt ceiling. Used for business rejections where retrying
// cannot succeed.
func (s *SQLiteStore) MarkPermanentlyFailed(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET status = ?, updated_at = ? WHERE id = ?`,
		string(StatusPermanentlyFailed),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("marking entry failed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking mark result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RetryEntry revives a permanently failed entry: back to pending with the
// attempt counter reset. This is the user-visible manual retry affordance.
func (s *SQLiteStore) RetryEntry(ctx context.Context, id string) error {
	query := `
		UPDATE queue_entries
		SET status = ?, attempts = 0, updated_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(StatusPending),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		string(StatusPermanentlyFailed),
	)
	if err != nil {
		return fmt.Errorf("retrying entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking retry result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// QueueDepth counts entries still awaiting delivery (pending or delivering).
func (s *SQLiteStore) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_entries WHERE status IN ('pending', 'delivering')`,
	).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("counting queue depth: %w", err)
	}
	return depth, nil
}

// SeenKey reports whether an idempotency key has already been delivered.
func (s *SQLiteStore) SeenKey(ctx context.Context, idempotencyKey string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM delivered_keys WHERE idempotency_key = ?`,
		idempotencyKey,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking delivered key: %w", err)
	}
	return true, nil
}

// CacheResponse stores a completed assistant response for offline reuse,
// replacing any previous cache for the conversation.
func (s *SQLiteStore) CacheResponse(ctx context.Context, conversationID, content string) error {
	query := `
		INSERT INTO cached_responses (conversation_id, content, cached_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET content = excluded.content, cached_at = excluded.cached_at
	`
	_, err := s.db.ExecContext(ctx, query,
		conversationID,
		content,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("caching response: %w", err)
	}
	return nil
}

// CachedResponse returns the cached response for a conversation.
// Returns ErrNotFound when nothing is cached.
func (s *SQLiteStore) CachedResponse(ctx context.Context, conversationID string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM cached_responses WHERE conversation_id = ?`,
		conversationID,
	).Scan(&content)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading cached response: %w", err)
	}
	return content, nil
}

// PutTemplate caches a reference template body.
func (s *SQLiteStore) PutTemplate(ctx context.Context, tmpl *CachedTemplate) error {
	query := `
		INSERT INTO cached_templates (name, title, body, cached_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET title = excluded.title, body = excluded.body, cached_at = excluded.cached_at
	`
	_, err := s.db.ExecContext(ctx, query,
		tmpl.Name,
		tmpl.Title,
		tmpl.Body,
		tmpl.CachedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("caching template: %w", err)
	}
	return nil
}

// GetTemplate returns a cached template by name, ErrNotFound when absent.
func (s *SQLiteStore) GetTemplate(ctx context.Context, name string) (*CachedTemplate, error) {
	var tmpl CachedTemplate
	var cachedAtStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, title, body, cached_at FROM cached_templates WHERE name = ?`,
		name,
	).Scan(&tmpl.Name, &tmpl.Title, &tmpl.Body, &cachedAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading cached template: %w", err)
	}

	tmpl.CachedAt, err = time.Parse(time.RFC3339Nano, cachedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing cached_at: %w", err)
	}
	return &tmpl, nil
}

// scanner abstracts sql.Row and sql.Rows for scanEntry.
type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanEntry(row scanner) (*QueueEntry, error) {
	var entry QueueEntry
	var conversationID sql.NullString
	var payloadJSON, status, createdAtStr, updatedAtStr string

	err := row.Scan(
		&entry.ID,
		&conversationID,
		&entry.IdempotencyKey,
		&payloadJSON,
		&status,
		&entry.Attempts,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning queue entry: %w", err)
	}

	if conversationID.Valid {
		entry.ConversationID = conversationID.String
	}
	entry.Status = EntryStatus(status)

	if err := json.Unmarshal([]byte(payloadJSON), &entry.Payload); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}

	entry.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	entry.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &entry, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}
