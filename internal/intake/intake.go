// ============================================================================
// Roko Router Intake - 外部任務佇列
// ============================================================================
//
// Package: internal/intake
// 文件: intake.go
// 功能: 從佇列（Redis list）取出 JSON 任務，交給 Worker Pool 處理，
//       並把結果寫回結果佇列
//
// 流程:
//   Pop ──> decode ──> pool.Submit ──> coordinator.Process
//                                        │
//   PushResult <── Record <── pool.Results()
//        │
//        └─ Deferred 且 RequeueDeferred：等待 RequeueDelay × 次數後 Requeue
//           （最多 MaxRequeue 次）
//
// 關閉:
//   ctx 取消後停止取新任務，Drain Pool；等待中的 Requeue 立即送出，
//   所有結果寫回後 Run 才返回。
//
// ============================================================================

package intake

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/roko-router/internal/worker"
	"github.com/ChuLiYu/roko-router/pkg/types"
	"github.com/google/uuid"
)

var log = slog.Default()

const (
	// DefaultMaxRequeue 預設延後任務最多重新排隊次數
	DefaultMaxRequeue = 10
	// DefaultRequeueDelay 第一次重新排隊前的等待時間，之後依次數倍增
	DefaultRequeueDelay = 500 * time.Millisecond
	// maxRequeueDelay 單次等待上限
	maxRequeueDelay = 30 * time.Second
)

// Options 控制 intake 行為
type Options struct {
	PollTimeout     time.Duration // Pop 的阻塞時間
	RequeueDeferred bool          // 延後的任務是否放回佇列
	MaxRequeue      int           // 超過後以 deferred 結果回報
	RequeueDelay    time.Duration // 第 n 次重新排隊前等待 n × RequeueDelay
	RetryBackoff    time.Duration // 佇列錯誤後的等待時間
}

// Record 寫到結果佇列的資料
type Record struct {
	TaskID     string         `json:"task_id,omitempty"`
	TaskType   string         `json:"task_type,omitempty"`
	Outcome    *types.Outcome `json:"outcome,omitempty"`
	Error      string         `json:"error,omitempty"`
	Raw        string         `json:"raw,omitempty"` // 無法解析的原始任務
	Attempts   int            `json:"attempts,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// Intake 把佇列接到 Worker Pool
type Intake struct {
	queue Queue
	pool  *worker.Pool
	opts  Options

	mu       sync.Mutex
	attempts map[string]int

	pending sync.WaitGroup // 等待中的 Requeue
}

// New 建立 intake；pool 必須已 Start，Run 結束時會被 Drain
func New(queue Queue, pool *worker.Pool, opts Options) *Intake {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 5 * time.Second
	}
	if opts.MaxRequeue <= 0 {
		opts.MaxRequeue = DefaultMaxRequeue
	}
	if opts.RequeueDelay <= 0 {
		opts.RequeueDelay = DefaultRequeueDelay
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	return &Intake{
		queue:    queue,
		pool:     pool,
		opts:     opts,
		attempts: make(map[string]int),
	}
}

// Run 持續取任務直到 ctx 取消；返回前會處理完已提交的任務
func (in *Intake) Run(ctx context.Context) error {
	// 結果要在 ctx 取消後繼續寫回
	resultCtx := context.WithoutCancel(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for result := range in.pool.Results() {
			in.handleResult(ctx, resultCtx, result)
		}
	}()

	err := in.pollLoop(ctx)

	in.pool.Drain()
	<-done
	in.pending.Wait()
	log.Info("Intake stopped")
	return err
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (in *Intake) pollLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		data, err := in.queue.Pop(ctx, in.opts.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("Queue pop failed", "error", err)
			select {
			case <-time.After(in.opts.RetryBackoff):
			case <-ctx.Done():
			}
			continue
		}
		if data == nil {
			continue
		}

		var task types.WorkflowTask
		if err := json.Unmarshal(data, &task); err != nil {
			log.Warn("Dropping malformed task", "error", err)
			in.publish(ctx, Record{Error: err.Error(), Raw: string(data)})
			continue
		}
		if task.ID == "" {
			task.ID = uuid.NewString()
		}

		if err := in.pool.Submit(task); err != nil {
			if errors.Is(err, worker.ErrPoolClosed) {
				return nil
			}
			return err
		}
	}
}

// handleResult 在結果 goroutine 中執行；ctx 只用來提早送出等待中的 Requeue
func (in *Intake) handleResult(ctx, resultCtx context.Context, result worker.Result) {
	task := result.Task

	in.mu.Lock()
	in.attempts[task.ID]++
	attempts := in.attempts[task.ID]
	in.mu.Unlock()

	rec := Record{
		TaskID:     task.ID,
		TaskType:   task.TaskType.String(),
		Attempts:   attempts,
		DurationMs: result.Duration.Milliseconds(),
	}
	if result.Err != nil {
		rec.Error = result.Err.Error()
	}
	if result.Outcome.Status != "" {
		outcome := result.Outcome
		rec.Outcome = &outcome
	}

	deferred := result.Err == nil && result.Outcome.Status == types.OutcomeDeferred
	if deferred && in.opts.RequeueDeferred && attempts < in.opts.MaxRequeue {
		in.pending.Add(1)
		go func() {
			defer in.pending.Done()
			in.delayedRequeue(ctx, resultCtx, task, attempts, rec)
		}()
		return
	}

	in.finish(resultCtx, rec)
}

// requeueDelay 第 n 次延後後的等待時間
func (in *Intake) requeueDelay(attempts int) time.Duration {
	d := in.opts.RequeueDelay * time.Duration(attempts)
	if d > maxRequeueDelay || d <= 0 {
		d = maxRequeueDelay
	}
	return d
}

// delayedRequeue 等待後把任務放回佇列；ctx 取消時立即送出
func (in *Intake) delayedRequeue(ctx, resultCtx context.Context, task types.WorkflowTask, attempts int, rec Record) {
	timer := time.NewTimer(in.requeueDelay(attempts))
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := in.requeue(resultCtx, task, attempts); err != nil {
		in.finish(resultCtx, rec)
	}
}

func (in *Intake) requeue(ctx context.Context, task types.WorkflowTask, attempts int) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := in.queue.Requeue(ctx, data); err != nil {
		log.Warn("Requeue failed, reporting as deferred", "taskID", task.ID, "error", err)
		return err
	}
	log.Debug("Deferred task requeued", "taskID", task.ID, "attempts", attempts)
	return nil
}

// finish 回報最終結果並清掉次數
func (in *Intake) finish(ctx context.Context, rec Record) {
	in.mu.Lock()
	delete(in.attempts, rec.TaskID)
	in.mu.Unlock()

	in.publish(ctx, rec)
}

func (in *Intake) publish(ctx context.Context, rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		log.Error("Failed to encode result", "taskID", rec.TaskID, "error", err)
		return
	}
	if err := in.queue.PushResult(ctx, data); err != nil {
		log.Error("Failed to push result", "taskID", rec.TaskID, "error", err)
	}
}
