package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/runforge/controlplane/internal/coreerr"
)

// queuedItem is one payload waiting in a topic's ready or delayed list.
type queuedItem struct {
	payload    []byte
	enqueuedAt time.Time
	deliverAt  time.Time
}

// topicState holds one topic's FIFO ready list, delayed list, and DLQ, all
// guarded by mu. cond wakes blocked consumers when ready gains an item or
// the queue is closed.
type topicState struct {
	mu      sync.Mutex
	cond    *sync.Cond
	ready   []queuedItem
	delayed []queuedItem
	dlq     [][]byte

	active    int64
	completed int64
	failed    int64
}

func newTopicState() *topicState {
	t := &topicState{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// MemoryQueue is the default QUEUE_DRIVER=memory implementation: per-topic
// in-process FIFO lists, a background sweep that promotes delayed items
// once their deliverAt has passed, and retry scheduling via RetryPolicy.
type MemoryQueue struct {
	mu     sync.Mutex
	topics map[string]*topicState
	policy RetryPolicy

	closed  bool
	closeCh chan struct{}
}

// NewMemoryQueue creates a MemoryQueue governed by policy and starts its
// delayed-item sweeper.
func NewMemoryQueue(policy RetryPolicy) *MemoryQueue {
	q := &MemoryQueue{
		topics:  make(map[string]*topicState),
		policy:  policy,
		closeCh: make(chan struct{}),
	}
	go q.sweepLoop()
	return q
}

func (q *MemoryQueue) topic(name string) *topicState {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.topics[name]
	if !ok {
		t = newTopicState()
		q.topics[name] = t
	}
	return t
}

func (q *MemoryQueue) sweepLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
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

func (q *MemoryQueue) sweepOnce() {
	now := time.Now()
	q.mu.Lock()
	topics := make([]*topicState, 0, len(q.topics))
	for _, t := range q.topics {
		topics = append(topics, t)
	}
	q.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		var remaining []queuedItem
		moved := false
		for _, item := range t.delayed {
			if !item.deliverAt.After(now) {
				t.ready = append(t.ready, item)
				moved = true
			} else {
				remaining = append(remaining, item)
			}
		}
		t.delayed = remaining
		if moved {
			t.cond.Broadcast()
		}
		t.mu.Unlock()
	}
}

// Enqueue implements Driver. A payload whose __attempt already exceeds the
// retry budget at entry is routed straight to the DLQ without ever being
// delivered.
func (q *MemoryQueue) Enqueue(_ context.Context, topic string, payload []byte, delay time.Duration) error {
	if ReadAttempt(payload) > q.policy.MaxAttempts {
		t := q.topic(topic)
		t.mu.Lock()
		t.dlq = append(t.dlq, payload)
		t.failed++
		t.mu.Unlock()
		return nil
	}

	t := q.topic(topic)
	item := queuedItem{payload: payload, enqueuedAt: time.Now()}
	t.mu.Lock()
	if delay > 0 {
		item.deliverAt = time.Now().Add(delay)
		t.delayed = append(t.delayed, item)
	} else {
		t.ready = append(t.ready, item)
		t.cond.Broadcast()
	}
	t.mu.Unlock()
	return nil
}

// Subscribe starts concurrency goroutines pulling from topic's ready list.
func (q *MemoryQueue) Subscribe(ctx context.Context, topicName string, concurrency int, handler Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	t := q.topic(topicName)

	for i := 0; i < concurrency; i++ {
		go q.consume(ctx, topicName, t, handler)
	}
	return nil
}

func (q *MemoryQueue) consume(ctx context.Context, topicName string, t *topicState, handler Handler) {
	for {
		t.mu.Lock()
		for len(t.ready) == 0 && !q.isClosed() {
			t.cond.Wait()
		}
		if q.isClosed() && len(t.ready) == 0 {
			t.mu.Unlock()
			return
		}
		item := t.ready[0]
		t.ready = t.ready[1:]
		t.active++
		t.mu.Unlock()

		err := handler(ctx, item.payload)

		t.mu.Lock()
		t.active--
		if err == nil {
			t.completed++
			t.mu.Unlock()
			continue
		}

		attempt := ReadAttempt(item.payload)
		if !coreerr.ClassOf(err).Retryable() {
			// Fatal/timeout classifications skip the retry schedule and
			// park the payload immediately.
			t.dlq = append(t.dlq, item.payload)
			t.failed++
			t.mu.Unlock()
			log.Warn().Str("topic", topicName).Int("attempt", attempt).Err(err).Msg("payload failed non-retryably, moved to dlq")
			continue
		}

		next := attempt + 1
		if next > q.policy.MaxAttempts {
			t.dlq = append(t.dlq, item.payload)
			t.failed++
			t.mu.Unlock()
			log.Warn().Str("topic", topicName).Int("attempt", attempt).Err(err).Msg("payload exhausted retry budget, moved to dlq")
			continue
		}
		t.mu.Unlock()

		delay := q.policy.Backoff(attempt)
		retryPayload := WithAttempt(item.payload, next)
		_ = q.Enqueue(ctx, topicName, retryPayload, delay)
	}
}

func (q *MemoryQueue) isClosed() bool {
	select {
	case <-q.closeCh:
		return true
	default:
		return false
	}
}

// ListDlq returns the DLQ payloads for topic.
func (q *MemoryQueue) ListDlq(_ context.Context, topic string) ([][]byte, error) {
	t := q.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.dlq))
	copy(out, t.dlq)
	return out, nil
}

// RehydrateDlq re-enqueues up to max DLQ payloads verbatim.
func (q *MemoryQueue) RehydrateDlq(ctx context.Context, topic string, max int) (int, error) {
	t := q.topic(topic)
	t.mu.Lock()
	n := len(t.dlq)
	if max > 0 && n > max {
		n = max
	}
	batch := make([][]byte, n)
	copy(batch, t.dlq[:n])
	t.dlq = t.dlq[n:]
	t.failed -= int64(n)
	t.mu.Unlock()

	for _, payload := range batch {
		t.mu.Lock()
		t.ready = append(t.ready, queuedItem{payload: payload, enqueuedAt: time.Now()})
		t.cond.Broadcast()
		t.mu.Unlock()
	}
	return n, nil
}

// Counts reports the topic's current depth-by-state.
func (q *MemoryQueue) Counts(_ context.Context, topic string) (Counts, error) {
	t := q.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	return Counts{
		Waiting:   int64(len(t.ready)),
		Active:    t.active,
		Completed: t.completed,
		Failed:    int64(len(t.dlq)),
		Delayed:   int64(len(t.delayed)),
	}, nil
}

// OldestAgeMs reports the age of the oldest ready (non-delayed) item.
func (q *MemoryQueue) OldestAgeMs(_ context.Context, topic string) (int64, error) {
	t := q.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.ready) == 0 {
		return 0, nil
	}
	return time.Since(t.ready[0].enqueuedAt).Milliseconds(), nil
}

// Close stops all consumers across all topics.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeCh)
	topics := make([]*topicState, 0, len(q.topics))
	for _, t := range q.topics {
		topics = append(topics, t)
	}
	q.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	}
	return nil
}
