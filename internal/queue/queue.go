package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/convosync/internal/retry"
)

// Entry is one failed inbound event waiting for redelivery.
type Entry struct {
	ID          int64
	Source      string
	Payload     []byte
	Retries     int
	MaxRetries  int
	NextRetryAt time.Time
	CreatedAt   time.Time
	LastError   string
}

// Config holds queue configuration.
type Config struct {
	Path    string       `koanf:"path"`
	Backoff retry.Config `koanf:"backoff"`
}

// DefaultConfig stores the queue next to the other state under basePath.
func DefaultConfig(basePath string) Config {
	return Config{
		Path:    filepath.Join(basePath, "queue.db"),
		Backoff: retry.QueueConfig(),
	}
}

// Queue is a durable backoff queue for events whose processing failed.
type Queue struct {
	db     *sql.DB
	config Config
}

// New opens or creates the queue database.
func New(cfg Config) (*Queue, error) {
	if cfg.Backoff.MaxRetries <= 0 {
		cfg.Backoff.MaxRetries = retry.QueueConfig().MaxRetries
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	db.SetMaxOpenConns(1)

	q := &Queue{db: db, config: cfg}
	if err := q.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}
	return q, nil
}

func (q *Queue) initialize() error {
	_, err := q.db.Exec(`
	CREATE TABLE IF NOT EXISTS failed_events (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		source        TEXT NOT NULL,
		payload       BLOB NOT NULL,
		retries       INTEGER NOT NULL DEFAULT 0,
		max_retries   INTEGER NOT NULL,
		next_retry_at INTEGER NOT NULL,
		created_at    INTEGER NOT NULL,
		last_error    TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_failed_events_next ON failed_events(next_retry_at);
	`)
	return err
}

// Enqueue stores a failed event. The first redelivery waits one base delay.
func (q *Queue) Enqueue(ctx context.Context, source string, payload []byte, lastError string) error {
	now := time.Now()
	next := now.Add(q.config.Backoff.Delay(0))

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO failed_events (source, payload, max_retries, next_retry_at, created_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?)
	`, source, payload, q.config.Backoff.MaxRetries, next.UnixMilli(), now.UnixMilli(), lastError)
	if err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}

	log.Debug().Str("source", source).Time("next_retry", next).Msg("event queued for retry")
	return nil
}

// Pending returns entries that are due and still have retries left.
func (q *Queue) Pending(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, source, payload, retries, max_retries, next_retry_at, created_at, COALESCE(last_error, '')
		FROM failed_events
		WHERE next_retry_at <= ? AND retries < max_retries
		ORDER BY next_retry_at ASC
		LIMIT ?
	`, time.Now().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var next, created int64
		if err := rows.Scan(&e.ID, &e.Source, &e.Payload, &e.Retries, &e.MaxRetries, &next, &created, &e.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		e.NextRetryAt = time.UnixMilli(next)
		e.CreatedAt = time.UnixMilli(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Remove deletes an entry once it was processed or dropped.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, "DELETE FROM failed_events WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return nil
}

// MarkFailed records another failed attempt and schedules the next one.
func (q *Queue) MarkFailed(ctx context.Context, id int64, lastError string) error {
	var retries int
	err := q.db.QueryRowContext(ctx, "SELECT retries FROM failed_events WHERE id = ?", id).Scan(&retries)
	if err != nil {
		return fmt.Errorf("failed to get retry count: %w", err)
	}

	retries++
	backoff := q.config.Backoff.Delay(retries)
	next := time.Now().Add(backoff)

	_, err = q.db.ExecContext(ctx, `
		UPDATE failed_events
		SET retries = ?, next_retry_at = ?, last_error = ?
		WHERE id = ?
	`, retries, next.UnixMilli(), lastError, id)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}

	log.Debug().Int64("id", id).Int("retries", retries).Dur("backoff", backoff).Msg("event retry scheduled")
	return nil
}

// PurgeExpired removes entries that ran out of retries.
func (q *Queue) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, "DELETE FROM failed_events WHERE retries >= max_retries")
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired events: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Warn().Int64("count", n).Msg("purged events that exhausted their retries")
	}
	return n, nil
}

// Stats summarizes the queue.
type Stats struct {
	Pending   int64      `json:"pending"`
	Expired   int64      `json:"expired"`
	NextRetry *time.Time `json:"next_retry,omitempty"`
}

// Stats returns queue statistics.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN retries < max_retries THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN retries >= max_retries THEN 1 ELSE 0 END), 0)
		FROM failed_events
	`).Scan(&stats.Pending, &stats.Expired)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}

	var next sql.NullInt64
	err = q.db.QueryRowContext(ctx, `
		SELECT MIN(next_retry_at) FROM failed_events WHERE retries < max_retries
	`).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("failed to read next retry: %w", err)
	}
	if next.Valid {
		t := time.UnixMilli(next.Int64)
		stats.NextRetry = &t
	}
	return stats, nil
}

// Close closes the database connection.
func (q *Queue) Close() error {
	return q.db.Close()
}
