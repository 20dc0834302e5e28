// Package queue provides the scrape work queue in two flavors: a Redis-backed
// queue with at-least-once delivery and a bounded in-memory queue for
// single-process deployments.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/samshad/bestbuy-product-price-tracker/internal/metrics"
	"github.com/samshad/bestbuy-product-price-tracker/internal/tracker"
)

const pollInterval = 250 * time.Millisecond

// dequeueScript moves one message pending -> processing and records its
// claim deadline in the same atomic step. A consumer dying between the move
// and the claim would otherwise leave a processing entry the reaper can
// never see.
var dequeueScript = redis.NewScript(`
local payload = redis.call("LMOVE", KEYS[1], KEYS[2], "right", "left")
if not payload then
	return false
end
redis.call("ZADD", KEYS[3], ARGV[1], payload)
return payload
`)

// RedisConfig tunes the Redis queue.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	KeyPrefix  string
	Visibility time.Duration
}

// RedisQueue implements tracker.Queue on three Redis structures: a pending
// list, a processing list, and a claims sorted set scored by redelivery
// deadline. A message moves pending -> processing on dequeue and is removed
// from both processing and claims on ack. If the consumer dies, the reaper
// finds the expired claim and pushes the message back to pending.
type RedisQueue struct {
	client     redis.Cmdable
	closer     func() error
	prefix     string
	visibility time.Duration
	clock      tracker.Clock
	logger     *zap.Logger
}

// NewRedisQueue dials Redis and verifies the connection.
func NewRedisQueue(ctx context.Context, cfg RedisConfig, clock tracker.Clock, logger *zap.Logger) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis ping: %v", tracker.ErrQueueUnavailable, err)
	}
	q := NewRedisQueueWithClient(client, cfg, clock, logger)
	q.closer = client.Close
	return q, nil
}

// NewRedisQueueWithClient wraps an existing client. Tests pass a client
// pointed at miniredis.
func NewRedisQueueWithClient(client redis.Cmdable, cfg RedisConfig, clock tracker.Clock, logger *zap.Logger) *RedisQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "tracker:scrape"
	}
	visibility := cfg.Visibility
	if visibility <= 0 {
		visibility = 2 * time.Minute
	}
	return &RedisQueue{
		client:     client,
		prefix:     prefix,
		visibility: visibility,
		clock:      clock,
		logger:     logger,
	}
}

func (q *RedisQueue) pendingKey() string    { return q.prefix + ":pending" }
func (q *RedisQueue) processingKey() string { return q.prefix + ":processing" }
func (q *RedisQueue) claimsKey() string     { return q.prefix + ":claims" }

// Enqueue pushes the item onto the pending list.
func (q *RedisQueue) Enqueue(ctx context.Context, item tracker.QueueItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	if err := q.client.LPush(ctx, q.pendingKey(), payload).Err(); err != nil {
		return fmt.Errorf("%w: enqueue: %v", tracker.ErrQueueUnavailable, err)
	}
	return nil
}

// Dequeue blocks until a message is available or ctx is done. The returned
// delivery carries Ack and Nack closures bound to the message payload.
func (q *RedisQueue) Dequeue(ctx context.Context) (tracker.Delivery, error) {
	keys := []string{q.pendingKey(), q.processingKey(), q.claimsKey()}
	for {
		deadline := q.clock.Now().Add(q.visibility).UnixMilli()
		payload, err := dequeueScript.Run(ctx, q.client, keys, deadline).Text()
		switch {
		case err == nil:
			return q.deliveryFor(ctx, payload)
		case errors.Is(err, redis.Nil):
			select {
			case <-ctx.Done():
				return tracker.Delivery{}, ctx.Err()
			case <-time.After(pollInterval):
			}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return tracker.Delivery{}, err
		default:
			return tracker.Delivery{}, fmt.Errorf("%w: dequeue: %v", tracker.ErrQueueUnavailable, err)
		}
	}
}

func (q *RedisQueue) deliveryFor(ctx context.Context, payload string) (tracker.Delivery, error) {
	var item tracker.QueueItem
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		// A corrupt payload can never be processed; drop it rather than
		// letting the reaper redeliver it forever.
		q.logger.Error("dropping undecodable queue payload", zap.Error(err))
		q.discard(ctx, payload)
		return tracker.Delivery{}, fmt.Errorf("unmarshal queue item: %w", err)
	}

	return tracker.Delivery{
		Item: item,
		Ack: func(ctx context.Context) error {
			return q.discard(ctx, payload)
		},
		Nack: func(ctx context.Context) error {
			if err := q.discard(ctx, payload); err != nil {
				return err
			}
			item.Attempt++
			return q.Enqueue(ctx, item)
		},
	}, nil
}

// discard removes the payload from the processing list and the claims set.
func (q *RedisQueue) discard(ctx context.Context, payload string) error {
	if err := q.client.LRem(ctx, q.processingKey(), 1, payload).Err(); err != nil {
		return fmt.Errorf("%w: ack: %v", tracker.ErrQueueUnavailable, err)
	}
	if err := q.client.ZRem(ctx, q.claimsKey(), payload).Err(); err != nil {
		return fmt.Errorf("%w: ack: %v", tracker.ErrQueueUnavailable, err)
	}
	return nil
}

// ReapExpired moves messages whose claim deadline has passed back to the
// pending list with an incremented attempt counter. Returns the number of
// messages redelivered.
func (q *RedisQueue) ReapExpired(ctx context.Context) (int, error) {
	now := q.clock.Now()
	expired, err := q.client.ZRangeByScore(ctx, q.claimsKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: reap: %v", tracker.ErrQueueUnavailable, err)
	}

	redelivered := 0
	for _, payload := range expired {
		// ZRem tells us whether we won the claim; another reaper instance
		// may have requeued this payload already.
		removed, err := q.client.ZRem(ctx, q.claimsKey(), payload).Result()
		if err != nil {
			return redelivered, fmt.Errorf("%w: reap: %v", tracker.ErrQueueUnavailable, err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LRem(ctx, q.processingKey(), 1, payload).Err(); err != nil {
			return redelivered, fmt.Errorf("%w: reap: %v", tracker.ErrQueueUnavailable, err)
		}

		var item tracker.QueueItem
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			q.logger.Error("dropping undecodable expired payload", zap.Error(err))
			continue
		}
		item.Attempt++
		if err := q.Enqueue(ctx, item); err != nil {
			return redelivered, err
		}
		redelivered++
		metrics.ObserveRedelivery()
		q.logger.Warn("redelivered expired queue claim",
			zap.String("job_id", item.JobID),
			zap.Int("attempt", item.Attempt),
		)
	}
	return redelivered, nil
}

// RunReaper periodically reaps expired claims until ctx is done.
func (q *RedisQueue) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.ReapExpired(ctx); err != nil && !errors.Is(err, context.Canceled) {
				q.logger.Error("queue reaper pass failed", zap.Error(err))
			}
		}
	}
}

// Close releases the underlying client if this queue owns it.
func (q *RedisQueue) Close() error {
	if q.closer != nil {
		return q.closer()
	}
	return nil
}
