package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned when publishing to a closed queue.
var ErrClosed = errors.New("queue closed")

type envelope struct {
	data       []byte
	deliveries int
}

// Memory is an unbounded in-process queue for local development. Failed
// messages go back to the end of the queue until they reach the delivery
// ceiling, after which they are kept as dead letters.
type Memory struct {
	name          string
	logger        *slog.Logger
	maxDeliveries int
	jobTimeout    time.Duration

	mu      sync.Mutex
	pending []envelope
	dead    [][]byte
	closed  bool
	ready   chan struct{}
}

// NewMemory creates an in-process queue.
func NewMemory(name string, maxDeliveries int, jobTimeout time.Duration, logger *slog.Logger) *Memory {
	if maxDeliveries <= 0 {
		maxDeliveries = DefaultMaxDeliveries
	}
	return &Memory{
		name:          name,
		logger:        logger,
		maxDeliveries: maxDeliveries,
		jobTimeout:    jobTimeout,
		ready:         make(chan struct{}, 1),
	}
}

// Publish encodes v and appends it to the queue.
func (q *Memory) Publish(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish canceled: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if !q.push(envelope{data: data}, false) {
		return ErrClosed
	}
	return nil
}

// push appends e. A closed queue only takes redeliveries.
func (q *Memory) push(e envelope, redelivery bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		if redelivery {
			q.pending = append(q.pending, e)
		}
		return redelivery
	}
	q.pending = append(q.pending, e)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// pop returns the next message. ok is false when the queue is empty.
// done is true once the queue is closed and drained.
func (q *Memory) pop() (e envelope, ok, done bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return envelope{}, false, q.closed
	}
	e = q.pending[0]
	q.pending = q.pending[1:]
	return e, true, false
}

// Len returns the number of messages waiting for delivery.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// DeadLetters returns the messages that exhausted their deliveries.
func (q *Memory) DeadLetters() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, len(q.dead))
	copy(out, q.dead)
	return out
}

// Close stops accepting messages. Consumers drain what is left and return.
func (q *Memory) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ready)
}

// Consume delivers messages one at a time until ctx is done or the queue is
// closed and drained.
func (q *Memory) Consume(ctx context.Context, h Handler) error {
	for {
		e, ok, done := q.pop()
		if done {
			return nil
		}
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-q.ready:
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			q.push(e, true)
			return nil
		}
		q.deliver(ctx, h, e)
	}
}

func (q *Memory) deliver(ctx context.Context, h Handler, e envelope) {
	e.deliveries++
	err := handle(ctx, h, e.data, q.jobTimeout)
	if err == nil {
		return
	}
	if e.deliveries >= q.maxDeliveries {
		q.mu.Lock()
		q.dead = append(q.dead, e.data)
		q.mu.Unlock()
		q.logger.Error("Message dead-lettered", "queue", q.name, "deliveries", e.deliveries, "error", err)
		return
	}
	q.logger.Warn("Message handling failed, redelivering", "queue", q.name, "deliveries", e.deliveries, "error", err)
	q.push(e, true)
}
