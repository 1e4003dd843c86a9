package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ar-bundler/bundler/internal/config"
	"github.com/ar-bundler/bundler/internal/errkind"
	"github.com/ar-bundler/bundler/pkg/logging"
)

func TestDispatcherAcksOnSuccess(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	if err := b.Enqueue(ctx, "q", []byte("ok")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d := NewDispatcher(b, map[string]config.QueueConfig{"q": {BatchSize: 10, VisibilityTimeout: time.Minute, MaxRetries: 3}})
	var handled []string
	d.Register("q", func(ctx context.Context, body []byte) error {
		handled = append(handled, string(body))
		return nil
	})

	d.pollOnce(ctx, d.registered[0], logging.GetDefault())

	if len(handled) != 1 || handled[0] != "ok" {
		t.Fatalf("want handler invoked once with body 'ok', got %+v", handled)
	}
	n, _ := b.DLQLength(ctx, "q")
	if n != 0 {
		t.Fatalf("want no dead-lettered messages, got %d", n)
	}
}

func TestDispatcherNacksRetryableFailure(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	b.Enqueue(ctx, "q", []byte("retry-me"))

	d := NewDispatcher(b, map[string]config.QueueConfig{"q": {BatchSize: 10, VisibilityTimeout: time.Minute, MaxRetries: 3}})
	d.Register("q", func(ctx context.Context, body []byte) error {
		return errkind.Wrap(errkind.Transient, errors.New("gateway timeout"))
	})

	d.pollOnce(ctx, d.registered[0], logging.GetDefault())

	n, _ := b.DLQLength(ctx, "q")
	if n != 0 {
		t.Fatalf("want transient failure requeued not dead-lettered, got dlq=%d", n)
	}
}

func TestDispatcherDeadLettersBadInputImmediately(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	b.Enqueue(ctx, "q", []byte("bad-input"))

	d := NewDispatcher(b, map[string]config.QueueConfig{"q": {BatchSize: 10, VisibilityTimeout: time.Minute, MaxRetries: 3}})
	d.Register("q", func(ctx context.Context, body []byte) error {
		return errkind.Wrap(errkind.BadInput, errors.New("malformed data item"))
	})

	d.pollOnce(ctx, d.registered[0], logging.GetDefault())

	n, _ := b.DLQLength(ctx, "q")
	if n != 1 {
		t.Fatalf("want bad_input dead-lettered on first failure, got dlq=%d", n)
	}
}
