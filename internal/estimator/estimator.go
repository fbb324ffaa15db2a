// Package estimator 依任務類型預估所需的資源向量
package estimator

import (
	"fmt"
	"math"

	"github.com/ChuLiYu/roko-router/internal/ledger"
	"github.com/ChuLiYu/roko-router/pkg/types"
)

// Table 任務類型 -> 資源估計
type Table map[types.TaskType]types.ResourceVector

// DefaultFallback 查無對應項目時使用的估計值
func DefaultFallback() types.ResourceVector {
	return types.ResourceVector{
		types.AcceleratorMemory:    0.5,
		types.ProcessorUtilization: 0.1,
		types.ConcurrentTaskSlots:  1,
	}
}

// DefaultTable 預設估計表，其餘類型落到 fallback
func DefaultTable() Table {
	return Table{
		types.MarketAnalysis: {
			types.AcceleratorMemory:    1.0,
			types.ProcessorUtilization: 0.2,
			types.ConcurrentTaskSlots:  1,
		},
		types.InfraredScan: {
			types.AcceleratorMemory:    2.0,
			types.ProcessorUtilization: 0.3,
			types.ConcurrentTaskSlots:  1,
		},
	}
}

// Estimator 靜態表估計器，建立後不可修改，可以並發使用
type Estimator struct {
	table    Table
	fallback types.ResourceVector
}

// New 建立估計器；table 或 fallback 為 nil 時使用預設值
func New(table Table, fallback types.ResourceVector) *Estimator {
	if table == nil {
		table = DefaultTable()
	}
	if fallback == nil {
		fallback = DefaultFallback()
	}

	copied := make(Table, len(table))
	for tt, v := range table {
		copied[tt] = v.Clone()
	}

	return &Estimator{
		table:    copied,
		fallback: fallback.Clone(),
	}
}

// NewDefault 使用預設表與 fallback
func NewDefault() *Estimator {
	return New(nil, nil)
}

// Estimate 回傳任務的資源估計（複本，呼叫者可以修改）
func (e *Estimator) Estimate(task types.WorkflowTask) types.ResourceVector {
	if v, ok := e.table[task.TaskType]; ok {
		return v.Clone()
	}
	return e.fallback.Clone()
}

// Validate 確認表中與 fallback 的每個維度都存在於容量之中，且數值有限
//
// 在啟動時呼叫，讓設定錯誤在收到第一個任務之前就被發現。
func (e *Estimator) Validate(capacity types.ResourceVector) error {
	check := func(v types.ResourceVector) error {
		for _, d := range v.Dimensions() {
			if _, ok := capacity[d]; !ok {
				return &ledger.UnknownDimensionError{Dimension: d}
			}
			if math.IsNaN(v[d]) || math.IsInf(v[d], 0) {
				return fmt.Errorf("%w: %q=%g", ledger.ErrInvalidEstimate, d, v[d])
			}
		}
		return nil
	}

	if err := check(e.fallback); err != nil {
		return err
	}
	for _, tt := range types.AllTaskTypes() {
		if v, ok := e.table[tt]; ok {
			if err := check(v); err != nil {
				return err
			}
		}
	}
	return nil
}
