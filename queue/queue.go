// Package queue delivers crawl and notification jobs with at-least-once
// semantics, over Google Cloud Pub/Sub or an in-process queue.
package queue

import (
	"context"
	"time"
)

// DefaultJobTimeout bounds the handling of one message.
const DefaultJobTimeout = time.Minute

// DefaultMaxDeliveries is the delivery ceiling before a message is dead-lettered.
const DefaultMaxDeliveries = 5

// Handler processes one message. A returned error leaves the message
// unacknowledged so that it is delivered again.
type Handler func(ctx context.Context, data []byte) error

// Publisher enqueues a job, encoded as JSON.
type Publisher interface {
	Publish(ctx context.Context, v any) error
}

// Consumer feeds messages to a handler until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, h Handler) error
}

func handle(ctx context.Context, h Handler, data []byte, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return h(jobCtx, data)
}
