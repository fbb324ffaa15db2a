package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/roko-router/pkg/types"
)

// Processor 執行單一任務，由 coordinator.Coordinator 實作
type Processor interface {
	Process(ctx context.Context, task types.WorkflowTask) (types.Outcome, error)
}

// ProcessorFunc 讓一般函式實作 Processor
type ProcessorFunc func(ctx context.Context, task types.WorkflowTask) (types.Outcome, error)

// Process 呼叫 f(ctx, task)
func (f ProcessorFunc) Process(ctx context.Context, task types.WorkflowTask) (types.Outcome, error) {
	return f(ctx, task)
}

// Result 代表任務處理結果
type Result struct {
	Task     types.WorkflowTask // 提交的任務
	Outcome  types.Outcome      // Deferred 或 Dispatched
	Err      error              // 致命錯誤（如果有）
	Duration time.Duration      // 實際處理時間
}
