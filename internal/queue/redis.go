package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/ar-bundler/bundler/pkg/logging"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend on top of a Redis list per queue, a
// sorted-set "in-flight" index keyed by visible-again timestamp for
// visibility-timeout redelivery, and a hash holding each in-flight
// message's body and delivery count.
type RedisBackend struct {
	client *redis.Client
	log    *logging.Logger
}

// NewRedisBackend wraps an existing *redis.Client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, log: logging.GetDefault().Component("queue-redis")}
}

func queueKey(queue string) string    { return "bundler:queue:" + queue }
func inflightKey(queue string) string { return "bundler:queue:" + queue + ":inflight" }
func bodyKey(queue string) string     { return "bundler:queue:" + queue + ":body" }
func countKey(queue string) string    { return "bundler:queue:" + queue + ":count" }
func dlqKey(queue string) string      { return queueKey(dlqName(queue)) }

func (b *RedisBackend) Enqueue(ctx context.Context, queue string, body []byte) error {
	id := uuid.NewString()
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, bodyKey(queue), id, body)
	pipe.LPush(ctx, queueKey(queue), id)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("enqueue to %s: %w", queue, err)
	}
	return nil
}

// Dequeue first requeues any in-flight messages whose visibility timeout
// has expired, then pops up to batchSize fresh ids.
func (b *RedisBackend) Dequeue(ctx context.Context, queue string, batchSize int, visibilityTimeout time.Duration) ([]Message, error) {
	if err := b.reapExpired(ctx, queue); err != nil {
		b.log.Warn("reap expired in-flight messages failed", "queue", queue, "error", err)
	}

	ids, err := b.client.RPopCount(ctx, queueKey(queue), batchSize).Result()
	if err == redis.Nil || len(ids) == 0 {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue from %s: %w", queue, err)
	}

	visibleAt := float64(time.Now().Add(visibilityTimeout).Unix())
	messages := make([]Message, 0, len(ids))
	for _, id := range ids {
		pipe := b.client.TxPipeline()
		pipe.ZAdd(ctx, inflightKey(queue), redis.Z{Score: visibleAt, Member: id})
		incr := pipe.HIncrBy(ctx, countKey(queue), id, 1)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("lease message %s from %s: %w", id, queue, err)
		}

		body, err := b.client.HGet(ctx, bodyKey(queue), id).Bytes()
		if err != nil {
			b.log.Warn("missing body for in-flight message, dropping", "queue", queue, "id", id)
			continue
		}

		messages = append(messages, Message{
			ID:            id,
			Body:          body,
			ReceiptHandle: id,
			DeliveryCount: int(incr.Val()),
		})
	}
	return messages, nil
}

func (b *RedisBackend) reapExpired(ctx context.Context, queue string) error {
	now := float64(time.Now().Unix())
	expired, err := b.client.ZRangeByScore(ctx, inflightKey(queue), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil || len(expired) == 0 {
		return err
	}
	pipe := b.client.TxPipeline()
	for _, id := range expired {
		pipe.ZRem(ctx, inflightKey(queue), id)
		pipe.LPush(ctx, queueKey(queue), id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (b *RedisBackend) Ack(ctx context.Context, queue string, msg Message) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(queue), msg.ID)
	pipe.HDel(ctx, bodyKey(queue), msg.ID)
	pipe.HDel(ctx, countKey(queue), msg.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// Nack removes msg from in-flight bookkeeping. If it has exceeded
// maxRetries it is moved to the dead-letter queue; otherwise it is pushed
// back onto the main queue for immediate redelivery.
func (b *RedisBackend) Nack(ctx context.Context, queue string, msg Message, maxRetries int) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(queue), msg.ID)
	if msg.DeliveryCount >= maxRetries {
		pipe.LPush(ctx, dlqKey(queue), msg.Body)
		pipe.HDel(ctx, bodyKey(queue), msg.ID)
		pipe.HDel(ctx, countKey(queue), msg.ID)
	} else {
		pipe.LPush(ctx, queueKey(queue), msg.ID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisBackend) DLQLength(ctx context.Context, queue string) (int64, error) {
	return b.client.LLen(ctx, dlqKey(queue)).Result()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

var _ Backend = (*RedisBackend)(nil)
