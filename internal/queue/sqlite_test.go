package queue

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func newTestBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	b, err := NewSQLiteBackend(db)
	if err != nil {
		t.Fatalf("new sqlite backend: %v", err)
	}
	return b
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	if err := b.Enqueue(ctx, "plan-bundle", []byte("job-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msgs, err := b.Dequeue(ctx, "plan-bundle", 10, time.Minute)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0].Body) != "job-1" {
		t.Fatalf("want 1 message with body job-1, got %+v", msgs)
	}
	if msgs[0].DeliveryCount != 1 {
		t.Fatalf("want delivery_count 1, got %d", msgs[0].DeliveryCount)
	}

	if err := b.Ack(ctx, "plan-bundle", msgs[0]); err != nil {
		t.Fatalf("ack: %v", err)
	}

	again, err := b.Dequeue(ctx, "plan-bundle", 10, time.Minute)
	if err != nil {
		t.Fatalf("dequeue after ack: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("want no messages after ack, got %+v", again)
	}
}

func TestDequeueRespectsVisibilityTimeout(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	if err := b.Enqueue(ctx, "q", []byte("x")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := b.Dequeue(ctx, "q", 10, time.Hour); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	again, err := b.Dequeue(ctx, "q", 10, time.Hour)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("want message still invisible, got %+v", again)
	}
}

func TestDequeueRedeliversAfterExpiredVisibility(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	if err := b.Enqueue(ctx, "q", []byte("x")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := b.Dequeue(ctx, "q", 10, -time.Second); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	again, err := b.Dequeue(ctx, "q", 10, time.Minute)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(again) != 1 {
		t.Fatalf("want message redelivered after expired visibility, got %+v", again)
	}
	if again[0].DeliveryCount != 2 {
		t.Fatalf("want delivery_count 2 on redelivery, got %d", again[0].DeliveryCount)
	}
}

func TestNackRoutesToDLQAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	if err := b.Enqueue(ctx, "q", []byte("x")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msgs, err := b.Dequeue(ctx, "q", 10, time.Minute)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := b.Nack(ctx, "q", msgs[0], 1); err != nil {
		t.Fatalf("nack: %v", err)
	}

	n, err := b.DLQLength(ctx, "q")
	if err != nil {
		t.Fatalf("dlq length: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 dead-lettered message, got %d", n)
	}

	remaining, err := b.Dequeue(ctx, "q", 10, time.Minute)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("want dead-lettered message not claimable, got %+v", remaining)
	}
}

func TestNackRequeuesBelowMaxRetries(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	if err := b.Enqueue(ctx, "q", []byte("x")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msgs, _ := b.Dequeue(ctx, "q", 10, time.Minute)
	if err := b.Nack(ctx, "q", msgs[0], 5); err != nil {
		t.Fatalf("nack: %v", err)
	}

	again, err := b.Dequeue(ctx, "q", 10, time.Minute)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(again) != 1 {
		t.Fatalf("want message redelivered below max retries, got %+v", again)
	}
}
