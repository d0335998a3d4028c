//go:build integration

package queue

import (
	"context"
	"os"
	"testing"
	"time"

	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

var testRedisURL string

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		panic("start redis: " + err.Error())
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		panic("redis endpoint: " + err.Error())
	}
	testRedisURL = "redis://" + endpoint

	code := m.Run()
	container.Terminate(ctx)
	os.Exit(code)
}

func newRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	q, err := NewRedisQueue(testRedisURL, "test:"+t.Name(), zap.NewNop())
	if err != nil {
		t.Fatalf("connect redis queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func receive(t *testing.T, deliveries <-chan Delivery, want string) Delivery {
	t.Helper()
	select {
	case d := <-deliveries:
		if d.TaskID != want {
			t.Fatalf("got task %q, want %q", d.TaskID, want)
		}
		return d
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
		return Delivery{}
	}
}

func TestRedisPushConsumeAck(t *testing.T) {
	q := newRedisQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Push(ctx, "t1"); err != nil {
		t.Fatalf("push: %v", err)
	}

	deliveries, err := q.Consume(ctx, "consumer-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	d := receive(t, deliveries, "t1")
	if err := d.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestRedisDelayedPromotion(t *testing.T) {
	q := newRedisQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.PushDelayed(ctx, "later", 50*time.Millisecond); err != nil {
		t.Fatalf("push delayed: %v", err)
	}

	n, err := q.PromoteDue(ctx)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 0 {
		t.Fatalf("got %d promoted before due, want 0", n)
	}

	time.Sleep(100 * time.Millisecond)
	n, err = q.PromoteDue(ctx)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 1 {
		t.Fatalf("got %d promoted, want 1", n)
	}

	// Promotion removes from the delayed set: a second sweep is a no-op.
	n, err = q.PromoteDue(ctx)
	if err != nil {
		t.Fatalf("promote again: %v", err)
	}
	if n != 0 {
		t.Fatalf("got %d promoted twice, want 0", n)
	}

	deliveries, err := q.Consume(ctx, "consumer-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	d := receive(t, deliveries, "later")
	if err := d.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestRedisCompetingConsumers(t *testing.T) {
	q := newRedisQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const n = 6
	for i := 0; i < n; i++ {
		if err := q.Push(ctx, "job"); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	d1, err := q.Consume(ctx, "c1")
	if err != nil {
		t.Fatalf("consume c1: %v", err)
	}
	d2, err := q.Consume(ctx, "c2")
	if err != nil {
		t.Fatalf("consume c2: %v", err)
	}

	// Consumer-group semantics: each delivery goes to exactly one consumer.
	got := 0
	deadline := time.After(10 * time.Second)
	for got < n {
		select {
		case d := <-d1:
			got++
			d.Ack(ctx)
		case d := <-d2:
			got++
			d.Ack(ctx)
		case <-deadline:
			t.Fatalf("got %d deliveries, want %d", got, n)
		}
	}
}

func TestRedisHealthy(t *testing.T) {
	q := newRedisQueue(t)
	if err := q.Healthy(context.Background()); err != nil {
		t.Fatalf("healthy: %v", err)
	}
}
