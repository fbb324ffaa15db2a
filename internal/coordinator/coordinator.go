// ============================================================================
// Roko Router 協調器 - 准入控制與任務分派核心
// ============================================================================
//
// Package: internal/coordinator
// 文件: coordinator.go
// 功能: 對每個任務執行「估算 -> 預留 -> 分派 -> 歸還」的完整流程
//
// 架構設計:
//   協調以下組件：
//   - Estimator: 依任務類型給出資源估算
//   - Ledger: 資源帳本，check + reserve 在同一個臨界區
//   - Router: 依任務類型分派到處理器
//   - Tracker: 任務狀態機（received -> estimated -> admitted -> ... -> done）
//   - Journal: 准入事件日誌（RESERVE / RELEASE / DEFER），可選
//   - Recorder: 指標（Prometheus），可選
//
// 處理流程:
//   1. 驗證任務類型，必要時產生任務 ID
//   2. Estimate(task)
//   3. Reserve(estimate)
//      - 不足：回傳 Deferred("insufficient_resources")，帳本不變
//      - 成功：分派處理器，結束時一定 Release（包含 panic 與逾時）
//
// 並發安全:
//   - Process 可被多個 goroutine 同時呼叫
//   - 處理器在帳本鎖之外執行
//   - 每個被接受的任務只歸還一次
//
// ============================================================================

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/roko-router/internal/estimator"
	"github.com/ChuLiYu/roko-router/internal/ledger"
	"github.com/ChuLiYu/roko-router/internal/router"
	"github.com/ChuLiYu/roko-router/internal/storage/journal"
	"github.com/ChuLiYu/roko-router/internal/tracker"
	"github.com/ChuLiYu/roko-router/pkg/types"
	"github.com/google/uuid"
)

var log = slog.Default()

// ============================================================================
// 介面定義
// ============================================================================

// Recorder 指標記錄介面，由 internal/metrics.Collector 實作
type Recorder interface {
	RecordReceived(tt types.TaskType)
	RecordAdmitted(tt types.TaskType)
	RecordDeferred(tt types.TaskType)
	RecordResult(tt types.TaskType, status types.ResultStatus, elapsed time.Duration)
	RecordReleaseError()
	SetLedger(usage, capacity types.ResourceVector)
}

// EventLog 准入事件日誌介面，由 journal.Journal 實作
type EventLog interface {
	Append(eventType journal.EventType, task types.WorkflowTask, estimate types.ResourceVector) error
	LastSeq() uint64
}

type nopRecorder struct{}

func (nopRecorder) RecordReceived(types.TaskType) {}
func (nopRecorder) RecordAdmitted(types.TaskType) {}
func (nopRecorder) RecordDeferred(types.TaskType) {}
func (nopRecorder) RecordResult(types.TaskType, types.ResultStatus, time.Duration) {}
func (nopRecorder) RecordReleaseError() {}
func (nopRecorder) SetLedger(types.ResourceVector, types.ResourceVector) {}

// ============================================================================
// 資料結構定義
// ============================================================================

// Option 設定 Coordinator 的可選組件
type Option func(*Coordinator)

// WithJournal 設定准入事件日誌
func WithJournal(j EventLog) Option {
	return func(c *Coordinator) { c.journal = j }
}

// WithRecorder 設定指標記錄器
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithTracker 使用外部的任務追蹤器
func WithTracker(t *tracker.Tracker) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracker = t
		}
	}
}

// WithTaskTimeout 設定處理器的執行期限；<= 0 表示不限制
func WithTaskTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.taskTimeout = d }
}

// WithLogger 替換預設 logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// Coordinator 工作流協調器
type Coordinator struct {
	ledger      *ledger.Ledger       // 資源帳本
	estimator   *estimator.Estimator // 資源估算
	router      *router.Router       // 任務分派
	tracker     *tracker.Tracker     // 任務狀態
	journal     EventLog             // 事件日誌（可為 nil）
	recorder    Recorder             // 指標
	taskTimeout time.Duration        // 處理器期限
	log         *slog.Logger
}

// Status 協調器目前狀態
type Status struct {
	Usage      types.ResourceVector `json:"usage"`
	Capacity   types.ResourceVector `json:"capacity"`
	Available  types.ResourceVector `json:"available"`
	Tasks      tracker.Stats        `json:"tasks"`
	JournalSeq uint64               `json:"journal_seq"`
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Coordinator
//
// 估算表中出現帳本沒有的維度時回傳錯誤（啟動時就發現設定錯誤）。
func New(l *ledger.Ledger, e *estimator.Estimator, r *router.Router, opts ...Option) (*Coordinator, error) {
	if l == nil || e == nil || r == nil {
		return nil, errors.New("coordinator: ledger, estimator and router are required")
	}
	if err := e.Validate(l.Capacity()); err != nil {
		return nil, fmt.Errorf("estimator table does not match ledger: %w", err)
	}

	c := &Coordinator{
		ledger:    l,
		estimator: e,
		router:    r,
		tracker:   tracker.New(0),
		recorder:  nopRecorder{},
		log:       log,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.recorder.SetLedger(l.Usage(), l.Capacity())
	return c, nil
}

// Process 處理一個任務
//
// 回傳的 error 只代表致命錯誤（無效任務類型、未知資源維度、帳本下溢）。
// 資源不足不是錯誤，會回傳 Deferred。歸還失敗時 outcome 仍然有效，error 一併回傳。
func (c *Coordinator) Process(ctx context.Context, task types.WorkflowTask) (outcome types.Outcome, err error) {
	if err := task.Validate(); err != nil {
		return types.Outcome{}, fmt.Errorf("task %q: %w", task.ID, err)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	if err := c.tracker.Receive(task.ID, task.TaskType); err != nil {
		return types.Outcome{}, err
	}
	c.recorder.RecordReceived(task.TaskType)

	// 1. 估算
	estimate := c.estimator.Estimate(task)
	c.transition(task.ID, types.StateEstimated)

	// 2. 預留（check + reserve 在同一個臨界區）
	admitted, err := c.ledger.Reserve(estimate)
	if err != nil {
		c.transition(task.ID, types.StateRejected)
		return types.Outcome{}, fmt.Errorf("reserve %s task %s (estimate=%v): %w",
			task.TaskType, task.ID, estimate.Float64s(), err)
	}

	// 3a. 資源不足 -> 延後
	if !admitted {
		c.transition(task.ID, types.StateRejected)
		c.appendEvent(journal.EventDefer, task, estimate)
		c.recorder.RecordDeferred(task.TaskType)

		c.log.Info("Task deferred",
			"taskID", task.ID,
			"taskType", task.TaskType.String(),
			"reason", types.ReasonInsufficientResources,
			"usage", c.ledger.Usage().Float64s())
		return types.Deferred(task.ID, types.ReasonInsufficientResources), nil
	}

	// 3b. 已接受 -> 分派，結束時一定歸還
	c.transition(task.ID, types.StateAdmitted)
	c.appendEvent(journal.EventReserve, task, estimate)
	c.recorder.RecordAdmitted(task.TaskType)
	c.recorder.SetLedger(c.ledger.Usage(), c.ledger.Capacity())

	defer func() {
		if rerr := c.release(task, estimate); rerr != nil {
			err = rerr
		}
	}()

	c.transition(task.ID, types.StateDispatching)

	dctx := ctx
	if c.taskTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, c.taskTimeout)
		defer cancel()
	}

	start := time.Now()
	result := c.router.Dispatch(dctx, task)
	elapsed := time.Since(start)

	c.recorder.RecordResult(task.TaskType, result.Status, elapsed)
	if serr := c.tracker.SetResult(task.ID, result.Status); serr != nil {
		c.log.Warn("Failed to record task result", "taskID", task.ID, "error", serr)
	}

	c.log.Debug("Task dispatched",
		"taskID", task.ID,
		"taskType", task.TaskType.String(),
		"status", result.Status,
		"elapsed", elapsed)

	return types.Dispatched(task.ID, result), nil
}

// Status 回傳帳本與任務統計
func (c *Coordinator) Status() Status {
	s := Status{
		Usage:     c.ledger.Usage(),
		Capacity:  c.ledger.Capacity(),
		Available: c.ledger.Available(),
		Tasks:     c.tracker.Stats(),
	}
	if c.journal != nil {
		s.JournalSeq = c.journal.LastSeq()
	}
	return s
}

// Task 查詢單一任務的追蹤記錄
func (c *Coordinator) Task(id string) (tracker.Record, bool) {
	return c.tracker.Get(id)
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// release 歸還預留並推進狀態；只在 Process 的 defer 中呼叫一次
func (c *Coordinator) release(task types.WorkflowTask, estimate types.ResourceVector) error {
	defer c.recorder.SetLedger(c.ledger.Usage(), c.ledger.Capacity())

	if err := c.ledger.Release(estimate); err != nil {
		c.recorder.RecordReleaseError()
		c.log.Error("Ledger release failed",
			"taskID", task.ID,
			"taskType", task.TaskType.String(),
			"estimate", estimate.Float64s(),
			"error", err)
		c.transition(task.ID, types.StateReleased)
		c.transition(task.ID, types.StateDone)
		return fmt.Errorf("release %s task %s (estimate=%v): %w",
			task.TaskType, task.ID, estimate.Float64s(), err)
	}

	c.transition(task.ID, types.StateReleased)
	c.appendEvent(journal.EventRelease, task, estimate)
	c.transition(task.ID, types.StateDone)
	return nil
}

// transition 狀態轉換失敗只記錄，不影響准入結果
func (c *Coordinator) transition(id string, to types.TaskState) {
	if err := c.tracker.Transition(id, to); err != nil {
		c.log.Warn("Tracker transition failed", "taskID", id, "to", to, "error", err)
	}
}

// appendEvent 日誌寫入失敗只記錄，不影響准入結果
func (c *Coordinator) appendEvent(eventType journal.EventType, task types.WorkflowTask, estimate types.ResourceVector) {
	if c.journal == nil {
		return
	}
	if err := c.journal.Append(eventType, task, estimate); err != nil {
		c.log.Warn("Failed to append journal event",
			"type", eventType,
			"taskID", task.ID,
			"error", err)
	}
}
