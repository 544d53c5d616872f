package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/runforge/controlplane/internal/coreerr"
)

// RedisQueue is the QUEUE_DRIVER=redis production driver. Each topic uses
// four keys:
//
//	queue:{topic}:ready       — list, LPUSH/BRPOPLPUSH reliable-queue pattern
//	queue:{topic}:processing  — list, in-flight items popped off ready
//	queue:{topic}:delayed     — sorted set, score = deliverAt unix millis
//	queue:{topic}:dlq         — list, exhausted-retry payloads
type RedisQueue struct {
	client *redis.Client
	policy RetryPolicy

	mu      sync.Mutex
	known   map[string]bool
	closed  bool
	closeCh chan struct{}
}

// NewRedisQueue creates a RedisQueue against an already-dialled client and
// starts its delayed-item sweeper.
func NewRedisQueue(client *redis.Client, policy RetryPolicy) *RedisQueue {
	q := &RedisQueue{
		client:  client,
		policy:  policy,
		known:   make(map[string]bool),
		closeCh: make(chan struct{}),
	}
	go q.sweepLoop()
	return q
}

func (q *RedisQueue) noteTopic(topic string) {
	q.mu.Lock()
	q.known[topic] = true
	q.mu.Unlock()
}

func (q *RedisQueue) readyKey(topic string) string      { return "queue:" + topic + ":ready" }
func (q *RedisQueue) processingKey(topic string) string { return "queue:" + topic + ":processing" }
func (q *RedisQueue) delayedKey(topic string) string    { return "queue:" + topic + ":delayed" }
func (q *RedisQueue) dlqKey(topic string) string        { return "queue:" + topic + ":dlq" }

func (q *RedisQueue) sweepLoop() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-q.closeCh:
			return
		case <-ticker.C:
			q.sweepOnce()
		}
	}
}

func (q *RedisQueue) sweepOnce() {
	ctx := context.Background()
	q.mu.Lock()
	topics := make([]string, 0, len(q.known))
	for t := range q.known {
		topics = append(topics, t)
	}
	q.mu.Unlock()

	nowMs := float64(time.Now().UnixMilli())
	for _, topic := range topics {
		due, err := q.client.ZRangeByScore(ctx, q.delayedKey(topic), &redis.ZRangeBy{
			Min: "-inf", Max: strconv.FormatFloat(nowMs, 'f', 0, 64),
		}).Result()
		if err != nil || len(due) == 0 {
			continue
		}
		for _, payload := range due {
			pipe := q.client.TxPipeline()
			pipe.ZRem(ctx, q.delayedKey(topic), payload)
			pipe.LPush(ctx, q.readyKey(topic), payload)
			if _, err := pipe.Exec(ctx); err != nil {
				log.Warn().Err(err).Str("topic", topic).Msg("redis queue: failed to promote delayed item")
			}
		}
	}
}

// Enqueue implements Driver.
func (q *RedisQueue) Enqueue(ctx context.Context, topic string, payload []byte, delay time.Duration) error {
	q.noteTopic(topic)

	if ReadAttempt(payload) > q.policy.MaxAttempts {
		return q.client.LPush(ctx, q.dlqKey(topic), payload).Err()
	}

	if delay > 0 {
		score := float64(time.Now().Add(delay).UnixMilli())
		return q.client.ZAdd(ctx, q.delayedKey(topic), redis.Z{Score: score, Member: payload}).Err()
	}
	return q.client.LPush(ctx, q.readyKey(topic), payload).Err()
}

// Subscribe starts concurrency goroutines each running a blocking
// BRPOPLPUSH loop against topic's ready list.
func (q *RedisQueue) Subscribe(ctx context.Context, topic string, concurrency int, handler Handler) error {
	q.noteTopic(topic)
	if concurrency < 1 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		go q.consume(ctx, topic, handler)
	}
	return nil
}

func (q *RedisQueue) consume(ctx context.Context, topic string, handler Handler) {
	for {
		if q.isClosed() {
			return
		}
		res, err := q.client.BRPopLPush(ctx, q.readyKey(topic), q.processingKey(topic), 2*time.Second).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if q.isClosed() {
				return
			}
			log.Warn().Err(err).Str("topic", topic).Msg("redis queue: brpoplpush failed")
			time.Sleep(250 * time.Millisecond)
			continue
		}

		payload := []byte(res)
		herr := handler(ctx, payload)

		q.client.LRem(ctx, q.processingKey(topic), 1, res)

		if herr == nil {
			continue
		}

		attempt := ReadAttempt(payload)
		if !coreerr.ClassOf(herr).Retryable() {
			q.client.LPush(ctx, q.dlqKey(topic), payload)
			log.Warn().Str("topic", topic).Int("attempt", attempt).Err(herr).Msg("payload failed non-retryably, moved to dlq")
			continue
		}

		next := attempt + 1
		if next > q.policy.MaxAttempts {
			q.client.LPush(ctx, q.dlqKey(topic), payload)
			log.Warn().Str("topic", topic).Int("attempt", attempt).Err(herr).Msg("payload exhausted retry budget, moved to dlq")
			continue
		}
		delay := q.policy.Backoff(attempt)
		_ = q.Enqueue(ctx, topic, WithAttempt(payload, next), delay)
	}
}

func (q *RedisQueue) isClosed() bool {
	select {
	case <-q.closeCh:
		return true
	default:
		return false
	}
}

// ListDlq returns the DLQ payloads for topic.
func (q *RedisQueue) ListDlq(ctx context.Context, topic string) ([][]byte, error) {
	items, err := q.client.LRange(ctx, q.dlqKey(topic), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dlq %s: %w", topic, err)
	}
	out := make([][]byte, len(items))
	for i, s := range items {
		out[i] = []byte(s)
	}
	return out, nil
}

// RehydrateDlq re-enqueues up to max DLQ payloads verbatim.
func (q *RedisQueue) RehydrateDlq(ctx context.Context, topic string, max int) (int, error) {
	moved := 0
	for max <= 0 || moved < max {
		payload, err := q.client.RPop(ctx, q.dlqKey(topic)).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("rehydrate dlq %s: %w", topic, err)
		}
		if err := q.client.LPush(ctx, q.readyKey(topic), payload).Err(); err != nil {
			return moved, fmt.Errorf("rehydrate dlq %s: %w", topic, err)
		}
		moved++
	}
	return moved, nil
}

// Counts reports topic depth-by-state. Active is approximated by the
// processing list length (items currently out for delivery).
func (q *RedisQueue) Counts(ctx context.Context, topic string) (Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.readyKey(topic))
	active := pipe.LLen(ctx, q.processingKey(topic))
	failed := pipe.LLen(ctx, q.dlqKey(topic))
	delayed := pipe.ZCard(ctx, q.delayedKey(topic))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("counts %s: %w", topic, err)
	}
	return Counts{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Failed:  failed.Val(),
		Delayed: delayed.Val(),
	}, nil
}

// OldestAgeMs is unsupported precisely for the reliable-list pattern (Redis
// lists don't carry per-item timestamps); it reports 0 when the ready list
// is empty and falls back to the delayed set's earliest score otherwise.
func (q *RedisQueue) OldestAgeMs(ctx context.Context, topic string) (int64, error) {
	n, err := q.client.LLen(ctx, q.readyKey(topic)).Result()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	oldest, err := q.client.ZRangeWithScores(ctx, q.delayedKey(topic), 0, 0).Result()
	if err != nil || len(oldest) == 0 {
		return 0, nil
	}
	deliverAt := time.UnixMilli(int64(oldest[0].Score))
	age := time.Since(deliverAt).Milliseconds()
	if age < 0 {
		return 0, nil
	}
	return age, nil
}

// Close stops the sweeper; in-flight BRPOPLPUSH calls unblock on their own
// timeout and observe isClosed on their next iteration.
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeCh)
	q.mu.Unlock()
	return nil
}
