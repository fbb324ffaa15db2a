package intake

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/ChuLiYu/roko-router/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 需要真的 Redis：ROKO_TEST_REDIS=localhost:6379 go test ./internal/intake/
func dialTestRedis(t *testing.T) *RedisQueue {
	t.Helper()
	addr := os.Getenv("ROKO_TEST_REDIS")
	if addr == "" {
		t.Skip("ROKO_TEST_REDIS not set")
	}

	prefix := "roko-test:" + uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q, err := Dial(ctx, addr, prefix+":tasks", prefix+":results")
	require.NoError(t, err)
	t.Cleanup(func() {
		q.rdb.Del(context.Background(), q.taskKey, q.resultKey)
		q.Close()
	})
	return q
}

func TestRedisQueue_FIFO(t *testing.T) {
	q := dialTestRedis(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, types.WorkflowTask{ID: "first", TaskType: types.MarketAnalysis}))
	require.NoError(t, q.Enqueue(ctx, types.WorkflowTask{ID: "second", TaskType: types.InfraredScan}))

	for _, want := range []string{"first", "second"} {
		data, err := q.Pop(ctx, time.Second)
		require.NoError(t, err)
		var task types.WorkflowTask
		require.NoError(t, json.Unmarshal(data, &task))
		assert.Equal(t, want, task.ID)
	}
}

func TestRedisQueue_PopTimeout(t *testing.T) {
	q := dialTestRedis(t)

	data, err := q.Pop(context.Background(), 100*time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, data)
}

func TestRedisQueue_RequeueGoesToTail(t *testing.T) {
	q := dialTestRedis(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, types.WorkflowTask{ID: "waiting", TaskType: types.MarketAnalysis}))
	require.NoError(t, q.Requeue(ctx, []byte(`{"id":"deferred","task_type":"visual_processing"}`)))

	data, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(data), "waiting")
}

func TestRedisQueue_PushResult(t *testing.T) {
	q := dialTestRedis(t)
	ctx := context.Background()

	require.NoError(t, q.PushResult(ctx, []byte(`{"task_id":"m-1"}`)))

	got, err := q.rdb.RPop(ctx, q.resultKey).Result()
	require.NoError(t, err)
	assert.JSONEq(t, `{"task_id":"m-1"}`, got)
}
