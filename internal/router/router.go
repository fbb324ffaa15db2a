// ============================================================================
// Roko Router 任務路由器 - 任務類型到處理器的分派表
// ============================================================================
//
// Package: internal/router
// 文件: router.go
// 功能: 依 task_type 找到處理器並執行，只在准入成功之後被呼叫
//
// 分派表:
//   [types.NumTaskTypes]Handler 固定長度陣列，以列舉值為索引。
//   新增任務類型時陣列長度跟著列舉改變，預設處理器在 handlers.go 的
//   switch 中逐一列出。
//
// 錯誤處理:
//   - 沒有處理器       → Failure("no processor registered")
//   - 處理器 panic     → recover 成 Failure，不讓 panic 洩漏資源預留
//   - ctx 已取消/逾時  → Failure(ctx.Err())
//
// ============================================================================

package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/roko-router/pkg/types"
)

var log = slog.Default()

// Handler 任務處理器
type Handler func(ctx context.Context, task types.WorkflowTask) types.TaskResult

// Router 任務路由器，建立後唯讀，可並發使用
type Router struct {
	handlers [types.NumTaskTypes]Handler
}

// New 以指定的處理器建立路由器，未列出的類型視為未註冊
func New(handlers map[types.TaskType]Handler) (*Router, error) {
	r := &Router{}
	for tt, h := range handlers {
		if !tt.Valid() {
			return nil, fmt.Errorf("%w: %d", types.ErrInvalidTaskType, int(tt))
		}
		r.handlers[tt] = h
	}
	return r, nil
}

// Registered 是否有對應的處理器
func (r *Router) Registered(tt types.TaskType) bool {
	return tt.Valid() && r.handlers[tt] != nil
}

// Dispatch 執行任務對應的處理器
func (r *Router) Dispatch(ctx context.Context, task types.WorkflowTask) (result types.TaskResult) {
	if !r.Registered(task.TaskType) {
		return types.Failure(types.ReasonNoProcessor)
	}
	if err := ctx.Err(); err != nil {
		return types.Failure(err.Error())
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error("Handler panic recovered",
				"taskID", task.ID,
				"taskType", task.TaskType.String(),
				"panic", p)
			result = types.Failure(fmt.Sprintf("handler panic: %v", p))
		}
	}()

	return r.handlers[task.TaskType](ctx, task)
}
