// Package queue provides the topic-keyed work distribution contract used by
// the Run Coordinator to hand ready steps to Workers. Two drivers implement
// Driver: MemoryQueue (default, in-process) and RedisQueue (production).
//
// Delivery is at-least-once: a handler may see the same payload more than
// once. Deduplication is the Store's inbox guard, not the queue's.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Handler processes one delivery. Returning a retryable (coreerr.Transient)
// error schedules a retry while the payload's __attempt counter has budget
// left; any other error, or an exhausted budget, moves the payload to the
// topic's DLQ.
type Handler func(ctx context.Context, payload []byte) error

// Counts reports telemetry-only queue depth for a topic. Business logic
// must never branch on these; only the coordinator's advisory backpressure
// check consults Waiting.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Driver is the abstract queue contract. MemoryQueue and RedisQueue
// both implement it; callers depend only on this interface.
type Driver interface {
	// Enqueue schedules payload for delivery on topic, optionally delayed.
	// A payload whose __attempt field already exceeds the retry policy's
	// MaxAttempts is routed straight to "{topic}.dlq" without ever being
	// handed to a consumer.
	Enqueue(ctx context.Context, topic string, payload []byte, delay time.Duration) error

	// Subscribe registers concurrency parallel handlers for topic. It
	// returns once the consumers are running; they keep running until
	// Close is called.
	Subscribe(ctx context.Context, topic string, concurrency int, handler Handler) error

	// ListDlq returns the raw payloads currently parked in "{topic}.dlq".
	ListDlq(ctx context.Context, topic string) ([][]byte, error)

	// RehydrateDlq re-enqueues up to max payloads from the DLQ back onto
	// topic, preserving their original bytes, and returns the count moved.
	RehydrateDlq(ctx context.Context, topic string, max int) (int, error)

	// Counts reports depth-by-state for topic. Telemetry only.
	Counts(ctx context.Context, topic string) (Counts, error)

	// OldestAgeMs reports the age in milliseconds of the oldest waiting
	// (non-delayed, non-active) item on topic, or 0 if none is waiting.
	OldestAgeMs(ctx context.Context, topic string) (int64, error)

	// Close stops all consumers and releases driver resources.
	Close() error
}

// RetryPolicy governs the queue's on-behalf-of-the-worker retry schedule:
// backoff(n) = min(maxBackoff, baseDelay*2^(n-1)) * jitter(0.5,1.5).
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy returns the documented environment defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   500 * time.Millisecond,
		MaxBackoff:  30 * time.Second,
		MaxAttempts: 4,
	}
}

// Backoff computes the delay before the attempt-th retry using
// cenkalti/backoff/v4's ExponentialBackOff, stepped attempt times so the
// jittered, capped exponential curve matches the documented formula without
// hand-rolling the math.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.MaxInterval = p.MaxBackoff
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop || d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// wireAttempt mirrors the `__attempt` field of the step.ready payload.
type wireAttempt struct {
	Attempt int `json:"__attempt"`
}

// ReadAttempt extracts the __attempt counter from a payload, defaulting to
// 1 for payloads that omit it (first delivery).
func ReadAttempt(payload []byte) int {
	var w wireAttempt
	if err := json.Unmarshal(payload, &w); err != nil || w.Attempt <= 0 {
		return 1
	}
	return w.Attempt
}

// WithAttempt returns payload with its __attempt field set to attempt,
// leaving every other field untouched.
func WithAttempt(payload []byte, attempt int) []byte {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return payload
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	b, _ := json.Marshal(attempt)
	m["__attempt"] = b
	out, err := json.Marshal(m)
	if err != nil {
		return payload
	}
	return out
}
