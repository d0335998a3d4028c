// Package queue provides the durable at-least-once task queue consumed by
// the engine's worker pool.
package queue

import (
	"context"
	"time"
)

// Delivery is a single dequeued task reference. Ack must be called after
// the task reaches a settled state; unacked deliveries are redelivered.
type Delivery struct {
	TaskID string
	Ack    func(ctx context.Context) error
}

// Queue is the durable task queue abstraction.
// Implementations must provide at-least-once delivery.
type Queue interface {
	// Push enqueues a task for immediate delivery.
	Push(ctx context.Context, taskID string) error

	// PushDelayed enqueues a task that becomes deliverable after delay.
	PushDelayed(ctx context.Context, taskID string, delay time.Duration) error

	// Consume returns a channel of deliveries for the named consumer.
	// The channel closes when ctx is cancelled.
	Consume(ctx context.Context, consumer string) (<-chan Delivery, error)
}
