package intake

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ChuLiYu/roko-router/pkg/types"
	"github.com/redis/go-redis/v9"
)

// Queue is the external task feed.
type Queue interface {
	// Pop blocks up to timeout for the next raw task; (nil, nil) on timeout.
	Pop(ctx context.Context, timeout time.Duration) ([]byte, error)
	// PushResult publishes a processed task record.
	PushResult(ctx context.Context, data []byte) error
	// Requeue puts a raw task back at the tail of the task list.
	Requeue(ctx context.Context, data []byte) error
}

// RedisQueue keeps tasks and results in two Redis lists.
// Producers LPUSH tasks; the intake BRPOPs them, so the list is FIFO.
type RedisQueue struct {
	rdb       *redis.Client
	taskKey   string
	resultKey string
}

// NewRedisQueue wraps an existing client.
func NewRedisQueue(rdb *redis.Client, taskKey, resultKey string) *RedisQueue {
	return &RedisQueue{rdb: rdb, taskKey: taskKey, resultKey: resultKey}
}

// Dial connects to addr and checks the connection with PING.
func Dial(ctx context.Context, addr, taskKey, resultKey string) (*RedisQueue, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return NewRedisQueue(rdb, taskKey, resultKey), nil
}

// Pop implements Queue.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.taskKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// [key, value]
	return []byte(res[1]), nil
}

// PushResult implements Queue.
func (q *RedisQueue) PushResult(ctx context.Context, data []byte) error {
	return q.rdb.LPush(ctx, q.resultKey, data).Err()
}

// Requeue implements Queue.
func (q *RedisQueue) Requeue(ctx context.Context, data []byte) error {
	return q.rdb.LPush(ctx, q.taskKey, data).Err()
}

// Enqueue submits a task to the task list.
func (q *RedisQueue) Enqueue(ctx context.Context, task types.WorkflowTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, q.taskKey, data).Err()
}

// Close closes the underlying client.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}
