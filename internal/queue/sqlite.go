package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ar-bundler/bundler/pkg/logging"
	"github.com/google/uuid"
)

// SQLiteBackend implements Backend on the bundler's own SQLite database, so
// a single-node deployment needs no separate broker. Visibility timeout is
// modeled with a nullable visible_at column: a row is claimable when
// visible_at is NULL (never leased) or in the past (lease expired).
type SQLiteBackend struct {
	db  *sql.DB
	log *logging.Logger
}

// NewSQLiteBackend wraps db, which the caller owns (typically the same
// *sql.DB the persistent state store uses). migrate() is called eagerly.
func NewSQLiteBackend(db *sql.DB) (*SQLiteBackend, error) {
	b := &SQLiteBackend{db: db, log: logging.GetDefault().Component("queue-sqlite")}
	if err := b.migrate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS queue_message (
		id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		body BLOB NOT NULL,
		delivery_count INTEGER NOT NULL DEFAULT 0,
		visible_at INTEGER,
		dead_lettered INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_queue_message_claimable ON queue_message(queue, dead_lettered, visible_at);
	`
	_, err := b.db.Exec(schema)
	return err
}

func (b *SQLiteBackend) Enqueue(ctx context.Context, queue string, body []byte) error {
	id := uuid.NewString()
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO queue_message (id, queue, body, delivery_count, visible_at, dead_lettered, created_at)
		 VALUES (?, ?, ?, 0, NULL, 0, ?)`,
		id, queue, body, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("enqueue to %s: %w", queue, err)
	}
	return nil
}

func (b *SQLiteBackend) Dequeue(ctx context.Context, queue string, batchSize int, visibilityTimeout time.Duration) ([]Message, error) {
	now := time.Now().Unix()

	rows, err := b.db.QueryContext(ctx,
		`SELECT id, body, delivery_count FROM queue_message
		 WHERE queue = ? AND dead_lettered = 0 AND (visible_at IS NULL OR visible_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		queue, now, batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("dequeue from %s: %w", queue, err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Body, &m.DeliveryCount); err != nil {
			return nil, fmt.Errorf("scan queue message: %w", err)
		}
		m.ReceiptHandle = m.ID
		m.DeliveryCount++
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	visibleAt := time.Now().Add(visibilityTimeout).Unix()
	for _, m := range messages {
		if _, err := b.db.ExecContext(ctx,
			`UPDATE queue_message SET visible_at = ?, delivery_count = ? WHERE id = ?`,
			visibleAt, m.DeliveryCount, m.ID,
		); err != nil {
			return nil, fmt.Errorf("lease message %s: %w", m.ID, err)
		}
	}
	return messages, nil
}

func (b *SQLiteBackend) Ack(ctx context.Context, queue string, msg Message) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM queue_message WHERE id = ?`, msg.ID)
	return err
}

func (b *SQLiteBackend) Nack(ctx context.Context, queue string, msg Message, maxRetries int) error {
	if msg.DeliveryCount >= maxRetries {
		_, err := b.db.ExecContext(ctx,
			`UPDATE queue_message SET dead_lettered = 1, visible_at = NULL WHERE id = ?`, msg.ID)
		return err
	}
	_, err := b.db.ExecContext(ctx,
		`UPDATE queue_message SET visible_at = NULL WHERE id = ?`, msg.ID)
	return err
}

func (b *SQLiteBackend) DLQLength(ctx context.Context, queue string) (int64, error) {
	var n int64
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_message WHERE queue = ? AND dead_lettered = 1`, queue,
	).Scan(&n)
	return n, err
}

func (b *SQLiteBackend) Close() error {
	return nil
}

var _ Backend = (*SQLiteBackend)(nil)
