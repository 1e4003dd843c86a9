// Package queue implements the queue dispatcher (C10): named queues with
// batched pulls, visibility-timeout leasing, ack/nack and a dead-letter
// queue. A nacked message is ready again at once; there is no delay before
// its next delivery. Two Backend
// implementations are provided: a Redis-backed one for production and a
// SQLite-backed one (sharing the bundler's own database file) for
// single-node deployments that would rather not run a broker.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty means a Dequeue call found no ready message.
var ErrEmpty = errors.New("queue empty")

// Message is one unit of work pulled from a named queue. Body is the
// caller-defined payload (usually a JSON-encoded id, e.g. a plan_id or
// bundle_id); ReceiptHandle identifies this particular delivery for Ack/Nack.
type Message struct {
	ID            string
	Body          []byte
	ReceiptHandle string
	DeliveryCount int
}

// Backend is the minimal queue substrate the dispatcher needs: enqueue,
// batched leased dequeue, ack on success, nack on failure. Implementations
// are responsible for redelivering nacked or timed-out messages and for
// routing messages over MaxRetries to a dead-letter queue.
type Backend interface {
	Enqueue(ctx context.Context, queue string, body []byte) error
	Dequeue(ctx context.Context, queue string, batchSize int, visibilityTimeout time.Duration) ([]Message, error)
	Ack(ctx context.Context, queue string, msg Message) error
	Nack(ctx context.Context, queue string, msg Message, maxRetries int) error
	DLQLength(ctx context.Context, queue string) (int64, error)
	Close() error
}

// dlqName returns the dead-letter queue name for a queue.
func dlqName(queue string) string {
	return queue + ":dlq"
}
