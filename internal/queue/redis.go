package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	group = "workers"

	// stale deliveries older than this are reclaimed from dead consumers.
	reclaimAfter = 2 * time.Minute
)

// RedisQueue is a durable task queue on Redis Streams with a consumer group.
// Delayed deliveries are parked in a sorted set and promoted by a background
// loop once due.
type RedisQueue struct {
	rdb    *redis.Client
	stream string
	logger *zap.Logger
}

// NewRedisQueue connects to Redis and ensures the consumer group exists.
func NewRedisQueue(redisURL, stream string, logger *zap.Logger) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	// BUSYGROUP means the group already exists; any other error is fatal.
	err = rdb.XGroupCreateMkStream(context.Background(), stream, group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	return &RedisQueue{rdb: rdb, stream: stream, logger: logger}, nil
}

func (q *RedisQueue) delayedKey() string { return q.stream + ":delayed" }

// Push enqueues a task for immediate delivery.
func (q *RedisQueue) Push(ctx context.Context, taskID string) error {
	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{"task_id": taskID},
	}).Err()
	if err != nil {
		return fmt.Errorf("push task %s: %w", taskID, err)
	}
	return nil
}

// PushDelayed parks a task in the delayed set until its due time.
func (q *RedisQueue) PushDelayed(ctx context.Context, taskID string, delay time.Duration) error {
	due := time.Now().Add(delay).UnixMilli()
	err := q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(due),
		Member: taskID,
	}).Err()
	if err != nil {
		return fmt.Errorf("push delayed task %s: %w", taskID, err)
	}
	return nil
}

// PromoteDue moves due entries from the delayed set into the stream.
// Removal before push makes double promotion impossible across instances:
// ZREM returns 0 for the loser.
func (q *RedisQueue) PromoteDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list due delayed: %w", err)
	}

	promoted := 0
	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.Push(ctx, id); err != nil {
			q.logger.Error("promote delayed task failed", zap.String("task", id), zap.Error(err))
			continue
		}
		promoted++
	}
	return promoted, nil
}

// Consume reads deliveries for the named consumer. Stale pending entries
// from dead consumers are reclaimed periodically via XAUTOCLAIM.
func (q *RedisQueue) Consume(ctx context.Context, consumer string) (<-chan Delivery, error) {
	ch := make(chan Delivery, 16)

	go func() {
		defer close(ch)
		claimCursor := "0-0"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			// Reclaim deliveries abandoned by crashed consumers.
			claimed, cursor, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   q.stream,
				Group:    group,
				Consumer: consumer,
				MinIdle:  reclaimAfter,
				Start:    claimCursor,
				Count:    8,
			}).Result()
			if err == nil {
				claimCursor = cursor
				for _, msg := range claimed {
					q.deliver(ctx, ch, msg)
				}
			}

			results, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    group,
				Consumer: consumer,
				Streams:  []string{q.stream, ">"},
				Count:    8,
				Block:    2 * time.Second,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					q.deliver(ctx, ch, msg)
				}
			}
		}
	}()

	return ch, nil
}

func (q *RedisQueue) deliver(ctx context.Context, ch chan<- Delivery, msg redis.XMessage) {
	taskID, ok := msg.Values["task_id"].(string)
	if !ok {
		// Malformed entry: ack so it never redelivers.
		q.rdb.XAck(ctx, q.stream, group, msg.ID)
		return
	}
	msgID := msg.ID
	select {
	case ch <- Delivery{
		TaskID: taskID,
		Ack: func(ctx context.Context) error {
			return q.rdb.XAck(ctx, q.stream, group, msgID).Err()
		},
	}:
	case <-ctx.Done():
	}
}

// Healthy reports whether Redis answers a ping.
func (q *RedisQueue) Healthy(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Close shuts down the Redis connection.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}
