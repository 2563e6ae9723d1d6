package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Sync status values stored alongside a cursor.
const (
	StatusSyncing = "SYNCING"
	StatusHooked  = "HOOKED"
	StatusError   = "ERROR"
)

// Store is the conversation store: accounts, sync cursors, conversations,
// messages and the event outbox all live in one database.
type Store struct {
	DB *sql.DB
}

// OutboxMessage represents a message in the outbox
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
	Retries int
}

// Conversation is the local record of an external thread, post or mailbox thread.
type Conversation struct {
	ID         string
	AccountID  string
	ExternalID string
	Title      string
	CreatedAt  time.Time
}

// Message is one reconciled item inside a conversation.
type Message struct {
	ID               string
	ConversationID   string
	AccountID        string
	ExternalID       string
	ParentExternalID string
	AuthorID         string
	AuthorName       string
	Body             string
	SentAt           time.Time
	RawJSON          string
	CreatedAt        time.Time
}

// Open opens or creates the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// Immediate transactions take the write lock up front so concurrent
	// reconcilers queue on busy_timeout instead of failing lock upgrades.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if err := addColumns(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{DB: db}, nil
}

// addedColumns were introduced after their table first shipped. The schema
// creates them on new databases; addColumns brings older files up to date.
var addedColumns = []struct {
	table, column, definition string
}{
	{"accounts", "token_expiry", "INTEGER NOT NULL DEFAULT 0"},
}

func addColumns(db *sql.DB) error {
	for _, c := range addedColumns {
		var n int
		if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, c.table, c.column).Scan(&n); err != nil {
			return fmt.Errorf("failed to inspect %s: %w", c.table, err)
		}
		if n > 0 {
			continue
		}
		if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", c.table, c.column, c.definition)); err != nil {
			return fmt.Errorf("failed to add %s.%s: %w", c.table, c.column, err)
		}
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// LoadCursor returns the stored sync cursor for an account, or "" when none is stored.
func (s *Store) LoadCursor(ctx context.Context, accountID string) (string, error) {
	var cursor sql.NullString
	err := s.DB.QueryRowContext(ctx, `
		SELECT cursor FROM sync_state WHERE account_id = ?
	`, accountID).Scan(&cursor)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to load cursor: %w", err)
	}

	return cursor.String, nil
}

// SaveCursor stores the sync cursor for an account and clears any recorded error.
func (s *Store) SaveCursor(ctx context.Context, accountID, cursor, status string) error {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_state (account_id, cursor, status, last_synced_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			cursor = excluded.cursor,
			status = excluded.status,
			last_error = NULL,
			retry_count = 0,
			last_synced_at = excluded.last_synced_at,
			updated_at = excluded.updated_at
	`, accountID, cursor, status, now, now)

	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}

	return nil
}

// UpdateSyncStatus updates sync status with error info without moving the cursor.
func (s *Store) UpdateSyncStatus(ctx context.Context, accountID, status, errorMsg string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE sync_state
		SET status = ?,
		    last_error = ?,
		    retry_count = CASE WHEN ? != '' THEN retry_count + 1 ELSE retry_count END,
		    updated_at = ?
		WHERE account_id = ?
	`, status, errorMsg, errorMsg, time.Now().Unix(), accountID)

	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	return nil
}

// SyncStatus returns the status and last error recorded for an account.
func (s *Store) SyncStatus(ctx context.Context, accountID string) (status, lastError string, err error) {
	var lastErr sql.NullString
	err = s.DB.QueryRowContext(ctx, `
		SELECT status, last_error FROM sync_state WHERE account_id = ?
	`, accountID).Scan(&status, &lastErr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", nil
		}
		return "", "", fmt.Errorf("failed to load sync status: %w", err)
	}
	return status, lastErr.String, nil
}

// FindMessageTx looks up a message by its external identity inside tx.
func (s *Store) FindMessageTx(ctx context.Context, tx *sql.Tx, accountID, externalID string) (*Message, error) {
	return scanMessage(tx.QueryRowContext(ctx, messageSelect+`
		WHERE account_id = ? AND external_id = ?
	`, accountID, externalID))
}

// FindMessage looks up a message by its external identity.
func (s *Store) FindMessage(ctx context.Context, accountID, externalID string) (*Message, error) {
	return scanMessage(s.DB.QueryRowContext(ctx, messageSelect+`
		WHERE account_id = ? AND external_id = ?
	`, accountID, externalID))
}

// EnsureConversationTx inserts the conversation unless one with the same
// (account_id, external_id) exists, and returns the stored id either way.
func (s *Store) EnsureConversationTx(ctx context.Context, tx *sql.Tx, conv Conversation) (string, bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, account_id, external_id, title, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, external_id) DO NOTHING
	`, conv.ID, conv.AccountID, conv.ExternalID, conv.Title, time.Now().Unix())
	if err != nil {
		return "", false, fmt.Errorf("failed to insert conversation: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 1 {
		return conv.ID, true, nil
	}

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM conversations WHERE account_id = ? AND external_id = ?
	`, conv.AccountID, conv.ExternalID).Scan(&id)
	if err != nil {
		return "", false, fmt.Errorf("failed to load conversation: %w", err)
	}
	return id, false, nil
}

// InsertMessageTx inserts msg unless its (account_id, external_id) already
// exists. It reports whether a row was written.
func (s *Store) InsertMessageTx(ctx context.Context, tx *sql.Tx, msg Message) (bool, error) {
	var sentAt interface{}
	if !msg.SentAt.IsZero() {
		sentAt = msg.SentAt.Unix()
	}
	var parent interface{}
	if msg.ParentExternalID != "" {
		parent = msg.ParentExternalID
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages
		(id, conversation_id, account_id, external_id, parent_external_id,
		 author_id, author_name, body, sent_at, raw_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, external_id) DO NOTHING
	`, msg.ID, msg.ConversationID, msg.AccountID, msg.ExternalID, parent,
		msg.AuthorID, msg.AuthorName, msg.Body, sentAt, msg.RawJSON, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n == 1, nil
}

// AppendOutboxTx queues an event for publication in the same transaction as the write it describes.
func (s *Store) AppendOutboxTx(ctx context.Context, tx *sql.Tx, subject, eventType string, payload []byte, msgID string) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, subject, eventType, payload, msgID, now)

	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// GetConversation returns a conversation by id, or nil when it does not exist.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	var created int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, account_id, external_id, title, created_at FROM conversations WHERE id = ?
	`, id).Scan(&conv.ID, &conv.AccountID, &conv.ExternalID, &conv.Title, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	conv.CreatedAt = time.Unix(created, 0)
	return &conv, nil
}

// ListMessages returns the messages of a conversation ordered by send time.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.DB.QueryContext(ctx, messageSelect+`
		WHERE conversation_id = ?
		ORDER BY sent_at, created_at
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// CountMessages counts the stored messages with the given external identity.
func (s *Store) CountMessages(ctx context.Context, accountID, externalID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE account_id = ? AND external_id = ?
	`, accountID, externalID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// DequeueOutbox fetches unpublished messages from outbox
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	now := time.Now().Unix()

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, now, limit)

	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID, &msg.Retries); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)

	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}

	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)

	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}

	return nil
}

const messageSelect = `
	SELECT id, conversation_id, account_id, external_id, COALESCE(parent_external_id, ''),
	       author_id, author_name, body, COALESCE(sent_at, 0), COALESCE(raw_json, ''), created_at
	FROM messages`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var sentAt, created int64
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.AccountID, &msg.ExternalID, &msg.ParentExternalID,
		&msg.AuthorID, &msg.AuthorName, &msg.Body, &sentAt, &msg.RawJSON, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	if sentAt != 0 {
		msg.SentAt = time.Unix(sentAt, 0)
	}
	msg.CreatedAt = time.Unix(created, 0)
	return &msg, nil
}
