package queue

import (
	"context"
	"sync"
	"time"

	"github.com/ar-bundler/bundler/internal/config"
	"github.com/ar-bundler/bundler/internal/errkind"
	"github.com/ar-bundler/bundler/pkg/logging"
	"github.com/ar-bundler/bundler/pkg/metrics"
)

// Handler processes one message's body. An error's errkind determines what
// the dispatcher does with the message: AlreadyAdvanced and Irrecoverable
// are acked, the other kinds errkind.Retryable rejects (BadInput,
// MissingArtifact) are dead-lettered at once, and everything else is
// nacked for retry.
type Handler func(ctx context.Context, body []byte) error

// Dispatcher runs one poll loop per registered queue, pulling batches on a
// fixed interval and invoking a Handler for each message, one ticker-driven
// loop generalized to many named queues instead of one.
type Dispatcher struct {
	backend      Backend
	queues       map[string]config.QueueConfig
	pollInterval time.Duration
	log          *logging.Logger
	registered   []registration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewDispatcher builds a dispatcher over backend, reading batch size,
// visibility timeout and retry limit per queue from queues.
func NewDispatcher(backend Backend, queues map[string]config.QueueConfig) *Dispatcher {
	return &Dispatcher{
		backend:      backend,
		queues:       queues,
		pollInterval: 2 * time.Second,
		log:          logging.GetDefault().Component("dispatcher"),
	}
}

// Register adds a poll loop for queueName invoking handler for every
// leased message. Start launches the loop, which runs until ctx (passed to
// Start) is canceled. Register must be called before Start.
func (d *Dispatcher) Register(queueName string, handler Handler) {
	cfg, ok := d.queues[queueName]
	if !ok {
		d.log.Warn("no queue config for registered handler, using defaults", "queue", queueName)
		cfg = config.QueueConfig{BatchSize: 1, VisibilityTimeout: 30 * time.Second, MaxRetries: 3}
	}
	d.registered = append(d.registered, registration{name: queueName, cfg: cfg, handler: handler})
}

type registration struct {
	name    string
	cfg     config.QueueConfig
	handler Handler
}

// Start launches one goroutine per registered queue. Stop cancels all of
// them and waits for in-flight batches to drain.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for _, r := range d.registered {
		r := r
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.runQueue(ctx, r)
		}()
	}
}

// Stop cancels every poll loop and blocks until they exit.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) runQueue(ctx context.Context, r registration) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	log := d.log.Component(r.name)
	log.Info("queue poll loop started", "batch_size", r.cfg.BatchSize, "visibility_timeout", r.cfg.VisibilityTimeout)

	for {
		select {
		case <-ctx.Done():
			log.Info("queue poll loop stopped")
			return
		case <-ticker.C:
			d.pollOnce(ctx, r, log)
		}
	}
}

func (d *Dispatcher) pollOnce(ctx context.Context, r registration, log *logging.Logger) {
	messages, err := d.backend.Dequeue(ctx, r.name, r.cfg.BatchSize, r.cfg.VisibilityTimeout)
	if err != nil {
		log.Warn("dequeue failed", "error", err)
		return
	}

	for _, msg := range messages {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := r.handler(ctx, msg.Body); err != nil {
			if kind := errkind.Of(err); kind == errkind.AlreadyAdvanced || kind == errkind.Irrecoverable {
				if kind == errkind.Irrecoverable {
					log.Error("handler failed irrecoverably, acking without retry", "id", msg.ID, "error", err)
				} else {
					log.Info("handler reports already advanced, acking", "id", msg.ID, "error", err)
				}
				if ackErr := d.backend.Ack(ctx, r.name, msg); ackErr != nil {
					log.Error("ack failed", "id", msg.ID, "error", ackErr)
				}
				metrics.QueueMessagesProcessedTotal.WithLabelValues(r.name, "acked").Inc()
				continue
			}

			maxRetries := r.cfg.MaxRetries
			outcome := "retried"
			if errkind.Retryable(err) {
				log.Warn("handler failed, nacking for retry", "id", msg.ID, "delivery_count", msg.DeliveryCount, "kind", errkind.Of(err), "error", err)
			} else {
				log.Error("handler failed permanently, routing to DLQ", "id", msg.ID, "kind", errkind.Of(err), "error", err)
				maxRetries = 0 // force immediate dead-letter: delivery_count is always >= 1 here
				outcome = "dead_lettered"
			}
			if nackErr := d.backend.Nack(ctx, r.name, msg, maxRetries); nackErr != nil {
				log.Error("nack failed", "id", msg.ID, "error", nackErr)
			}
			metrics.QueueMessagesProcessedTotal.WithLabelValues(r.name, outcome).Inc()
			continue
		}

		if ackErr := d.backend.Ack(ctx, r.name, msg); ackErr != nil {
			log.Error("ack failed", "id", msg.ID, "error", ackErr)
		}
		metrics.QueueMessagesProcessedTotal.WithLabelValues(r.name, "acked").Inc()
	}
}

// Enqueue submits body to queueName for later processing.
func (d *Dispatcher) Enqueue(ctx context.Context, queueName string, body []byte) error {
	return d.backend.Enqueue(ctx, queueName, body)
}
