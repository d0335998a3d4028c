package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue for tests and single-node development.
type MemoryQueue struct {
	mu      sync.Mutex
	ready   chan string
	delayed map[string]time.Time
}

// NewMemoryQueue creates a MemoryQueue with the given buffer capacity.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryQueue{
		ready:   make(chan string, capacity),
		delayed: make(map[string]time.Time),
	}
}

// Push enqueues a task for immediate delivery.
func (q *MemoryQueue) Push(ctx context.Context, taskID string) error {
	select {
	case q.ready <- taskID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PushDelayed parks a task until its due time.
func (q *MemoryQueue) PushDelayed(ctx context.Context, taskID string, delay time.Duration) error {
	q.mu.Lock()
	q.delayed[taskID] = time.Now().Add(delay)
	q.mu.Unlock()
	return nil
}

// PromoteDue moves due delayed tasks into the ready channel.
func (q *MemoryQueue) PromoteDue(ctx context.Context) (int, error) {
	q.mu.Lock()
	var due []string
	now := time.Now()
	for id, at := range q.delayed {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	for _, id := range due {
		delete(q.delayed, id)
	}
	q.mu.Unlock()

	for _, id := range due {
		if err := q.Push(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(due), nil
}

// Consume returns deliveries until ctx is cancelled.
func (q *MemoryQueue) Consume(ctx context.Context, consumer string) (<-chan Delivery, error) {
	ch := make(chan Delivery)
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case id := <-q.ready:
				select {
				case ch <- Delivery{TaskID: id, Ack: func(context.Context) error { return nil }}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}
