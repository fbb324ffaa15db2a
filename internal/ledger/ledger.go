// ============================================================================
// Roko Router 資源帳本 - 准入控制的共享狀態
// ============================================================================
//
// Package: internal/ledger
// 文件: ledger.go
// 功能: 記錄每個資源維度的目前用量與固定容量，回答「這個估計值能不能被接受」
//
// 資源維度:
//   - accelerator_memory    (GB)
//   - processor_utilization (0~1)
//   - concurrent_task_slots (數量)
//
// 操作:
//   Admit(est)   - 唯讀檢查：每個維度 usage[d] + est[d] <= capacity[d]
//   Reserve(est) - 檢查 + 扣帳，在同一個臨界區內完成
//   Release(est) - 歸還，不允許讓用量低於 0（回傳 ErrLedgerUnderflow）
//
// 並發安全:
//   所有操作共用一把 sync.Mutex。兩個並發的 Reserve 不可能同時通過一個
//   只夠一份的容量檢查。
//
// 浮點誤差:
//   0.2 + 0.3 + 0.3 這類累加不一定精確等於 0.8，比較時允許 tolerance 的誤差；
//   歸還後落在 [-tolerance, 0) 的值會被夾回 0。
//
// ============================================================================

package ledger

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/ChuLiYu/roko-router/pkg/types"
)

const tolerance = 1e-9

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrUnknownResourceDimension 估計值引用了容量中不存在的維度（設定錯誤）
	ErrUnknownResourceDimension = errors.New("unknown resource dimension")
	// ErrLedgerUnderflow 歸還量超過目前用量（reserve/release 不成對）
	ErrLedgerUnderflow = errors.New("ledger underflow")
	// ErrNegativeEstimate 估計值為負數
	ErrNegativeEstimate = errors.New("negative resource estimate")
	// ErrInvalidEstimate 估計值為 NaN 或無限大
	ErrInvalidEstimate = errors.New("invalid resource estimate")
	// ErrEmptyCapacity 容量設定為空
	ErrEmptyCapacity = errors.New("ledger capacity is empty")
)

// UnknownDimensionError 帶有維度名稱的 ErrUnknownResourceDimension
type UnknownDimensionError struct {
	Dimension types.Dimension
}

func (e *UnknownDimensionError) Error() string {
	return fmt.Sprintf("ledger: unknown resource dimension %q", e.Dimension)
}

func (e *UnknownDimensionError) Unwrap() error {
	return ErrUnknownResourceDimension
}

// UnderflowError 帶有詳細數值的 ErrLedgerUnderflow
type UnderflowError struct {
	Dimension types.Dimension
	Usage     float64 // 歸還前的用量
	Release   float64 // 嘗試歸還的量
}

func (e *UnderflowError) Error() string {
	return fmt.Sprintf("ledger: underflow on %q (usage=%g, release=%g)", e.Dimension, e.Usage, e.Release)
}

func (e *UnderflowError) Unwrap() error {
	return ErrLedgerUnderflow
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Ledger 資源帳本
type Ledger struct {
	mu       sync.Mutex
	usage    types.ResourceVector // 目前用量，只透過 Reserve/Release 改變
	capacity types.ResourceVector // 固定容量，建立後不再修改
}

// DefaultCapacity 預設容量：8GB 加速器記憶體、80% 處理器、5 個並發槽位
func DefaultCapacity() types.ResourceVector {
	return types.ResourceVector{
		types.AcceleratorMemory:    8.0,
		types.ProcessorUtilization: 0.8,
		types.ConcurrentTaskSlots:  5,
	}
}

// New 建立帳本，用量全部從 0 開始
func New(capacity types.ResourceVector) (*Ledger, error) {
	if len(capacity) == 0 {
		return nil, ErrEmptyCapacity
	}

	usage := make(types.ResourceVector, len(capacity))
	for d, c := range capacity {
		if !finite(c) {
			return nil, fmt.Errorf("ledger: capacity for %q is not a finite number (%g)", d, c)
		}
		if c < 0 {
			return nil, fmt.Errorf("ledger: capacity for %q is negative (%g)", d, c)
		}
		usage[d] = 0
	}

	return &Ledger{
		usage:    usage,
		capacity: capacity.Clone(),
	}, nil
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Admit 檢查估計值是否能被接受，不修改用量
//
// 任何一個維度不符合即整體拒絕；剛好等於容量時接受。
func (l *Ledger) Admit(estimate types.ResourceVector) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.fitsLocked(estimate)
}

// Reserve 檢查並扣帳（原子操作）
//
// 回傳 false 時用量保持不變。
func (l *Ledger) Reserve(estimate types.ResourceVector) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ok, err := l.fitsLocked(estimate)
	if err != nil || !ok {
		return false, err
	}

	for d, x := range estimate {
		l.usage[d] += x
	}
	return true, nil
}

// Release 歸還先前 Reserve 的估計值
//
// 任何維度會低於 0 時整筆拒絕，用量保持不變，回傳 *UnderflowError。
func (l *Ledger) Release(estimate types.ResourceVector) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.validateLocked(estimate); err != nil {
		return err
	}

	for _, d := range estimate.Dimensions() {
		if l.usage[d]-estimate[d] < -tolerance {
			return &UnderflowError{Dimension: d, Usage: l.usage[d], Release: estimate[d]}
		}
	}

	for d, x := range estimate {
		next := l.usage[d] - x
		if next < tolerance {
			next = 0
		}
		l.usage[d] = next
	}
	return nil
}

// Usage 回傳目前用量的複本
func (l *Ledger) Usage() types.ResourceVector {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usage.Clone()
}

// Capacity 回傳容量的複本
func (l *Ledger) Capacity() types.ResourceVector {
	return l.capacity.Clone()
}

// Available 回傳每個維度剩餘的容量
func (l *Ledger) Available() types.ResourceVector {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(types.ResourceVector, len(l.capacity))
	for d, c := range l.capacity {
		out[d] = c - l.usage[d]
	}
	return out
}

// ============================================================================
// 內部輔助方法（呼叫者必須持有 l.mu）
// ============================================================================

func (l *Ledger) fitsLocked(estimate types.ResourceVector) (bool, error) {
	if err := l.validateLocked(estimate); err != nil {
		return false, err
	}

	for d, x := range estimate {
		if l.usage[d]+x > l.capacity[d]+tolerance {
			return false, nil
		}
	}
	return true, nil
}

func (l *Ledger) validateLocked(estimate types.ResourceVector) error {
	for _, d := range estimate.Dimensions() {
		if _, ok := l.capacity[d]; !ok {
			return &UnknownDimensionError{Dimension: d}
		}
		// NaN 會讓所有比較都為 false，必須在比較容量之前擋下
		if !finite(estimate[d]) {
			return fmt.Errorf("%w: %q=%g", ErrInvalidEstimate, d, estimate[d])
		}
		if estimate[d] < 0 {
			return fmt.Errorf("%w: %q=%g", ErrNegativeEstimate, d, estimate[d])
		}
	}
	return nil
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
