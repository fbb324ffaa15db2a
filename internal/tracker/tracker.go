// ============================================================================
// Roko Router 任務追蹤器 - 任務生命週期狀態機
// ============================================================================
//
// Package: internal/tracker
// 文件: tracker.go
// 功能: 記錄每個任務在協調器中的狀態轉換，提供統計資料
//
// 任務狀態轉換 (State Machine):
//   Received (已接收)
//      ↓ Transition(estimated)
//   Estimated (已估計)
//      ↓                      ↘
//   Admitted (已准入)          Rejected (已拒絕，終止)
//      ↓
//   Dispatching (執行中)
//      ↓
//   Released (資源已歸還)
//      ↓
//   Done (完成，終止)
//
// 數據結構設計:
//   records map[string]*Record - 主存儲
//   finished []string          - 已終止任務的 FIFO，超過 maxRetained 時淘汰最舊的
//   totals                     - 累計的 rejected / done 次數（不受淘汰影響）
//
// 重新提交:
//   被拒絕（Deferred）的任務可以用同一個 ID 重新提交，Receive 會重設該筆記錄；
//   仍在進行中的 ID 重複提交則回傳 ErrDuplicateTask。
//
// 並發安全:
//   sync.RWMutex 保護所有欄位，讀操作使用 RLock
//
// ============================================================================

package tracker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/roko-router/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 已在進行中
	ErrDuplicateTask = errors.New("task already in progress")
	// 任務不存在
	ErrTaskNotFound = errors.New("task not found")
	// 不合法的狀態轉換
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// DefaultMaxRetained 預設保留的已終止任務數量
const DefaultMaxRetained = 10000

// transitions 合法的狀態轉換表
var transitions = map[types.TaskState][]types.TaskState{
	types.StateReceived:    {types.StateEstimated},
	types.StateEstimated:   {types.StateRejected, types.StateAdmitted},
	types.StateAdmitted:    {types.StateDispatching},
	types.StateDispatching: {types.StateReleased},
	types.StateReleased:    {types.StateDone},
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Record 單一任務的追蹤記錄
type Record struct {
	ID        string             `json:"id"`
	TaskType  types.TaskType     `json:"task_type"`
	State     types.TaskState    `json:"state"`
	Attempt   int                `json:"attempt"` // 第幾次提交（被拒絕後重送會遞增）
	Result    types.ResultStatus `json:"result,omitempty"`
	CreatedAt int64              `json:"created_at"` // Unix 毫秒
	UpdatedAt int64              `json:"updated_at"` // Unix 毫秒
}

// Stats 追蹤器統計
type Stats struct {
	Active   int                     `json:"active"`   // 尚未終止的任務
	ByState  map[types.TaskState]int `json:"by_state"` // 目前保留的記錄依狀態分類
	Rejected int                     `json:"rejected"` // 累計被拒絕次數
	Done     int                     `json:"done"`     // 累計完成次數
}

// Tracker 任務追蹤器
type Tracker struct {
	mu          sync.RWMutex
	records     map[string]*Record
	finished    []string
	maxRetained int
	rejected    int
	done        int
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立追蹤器；maxRetained <= 0 時使用 DefaultMaxRetained
func New(maxRetained int) *Tracker {
	if maxRetained <= 0 {
		maxRetained = DefaultMaxRetained
	}
	return &Tracker{
		records:     make(map[string]*Record),
		finished:    make([]string, 0),
		maxRetained: maxRetained,
	}
}

// Receive 登記一個新任務，狀態設為 received
func (tr *Tracker) Receive(id string, taskType types.TaskType) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	now := time.Now().UnixMilli()

	if rec, exists := tr.records[id]; exists {
		if !rec.State.Terminal() {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
		}
		// 已終止的任務重新提交
		rec.TaskType = taskType
		rec.State = types.StateReceived
		rec.Attempt++
		rec.Result = ""
		rec.UpdatedAt = now
		return nil
	}

	tr.records[id] = &Record{
		ID:        id,
		TaskType:  taskType,
		State:     types.StateReceived,
		Attempt:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

// Transition 把任務推進到下一個狀態
func (tr *Tracker) Transition(id string, to types.TaskState) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	rec, exists := tr.records[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	if !allowed(rec.State, to) {
		return fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, rec.State, to, id)
	}

	rec.State = to
	rec.UpdatedAt = time.Now().UnixMilli()

	switch to {
	case types.StateRejected:
		tr.rejected++
		tr.retireLocked(id)
	case types.StateDone:
		tr.done++
		tr.retireLocked(id)
	}
	return nil
}

// SetResult 記錄處理器結果
func (tr *Tracker) SetResult(id string, status types.ResultStatus) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	rec, exists := tr.records[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	rec.Result = status
	return nil
}

// Get 取得任務記錄的複本
func (tr *Tracker) Get(id string) (Record, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	rec, exists := tr.records[id]
	if !exists {
		return Record{}, false
	}
	return *rec, true
}

// Stats 回傳統計資料
func (tr *Tracker) Stats() Stats {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	stats := Stats{
		ByState:  make(map[types.TaskState]int),
		Rejected: tr.rejected,
		Done:     tr.done,
	}
	for _, rec := range tr.records {
		stats.ByState[rec.State]++
		if !rec.State.Terminal() {
			stats.Active++
		}
	}
	return stats
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func allowed(from, to types.TaskState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// retireLocked 把終止的任務放進 FIFO，超量時淘汰最舊的記錄
// 呼叫者必須持有 tr.mu
func (tr *Tracker) retireLocked(id string) {
	// 重新提交的任務只保留最新的位置
	for i, f := range tr.finished {
		if f == id {
			tr.finished = append(tr.finished[:i], tr.finished[i+1:]...)
			break
		}
	}
	tr.finished = append(tr.finished, id)

	for len(tr.finished) > tr.maxRetained {
		oldest := tr.finished[0]
		tr.finished = tr.finished[1:]

		// 同一個 ID 可能已重新提交並仍在進行中，不要刪掉
		if rec, ok := tr.records[oldest]; ok && rec.State.Terminal() {
			delete(tr.records, oldest)
		}
	}
}
