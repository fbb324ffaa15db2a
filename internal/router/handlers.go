package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/roko-router/internal/backbone"
	"github.com/ChuLiYu/roko-router/pkg/types"
)

// headFor 每個任務類型使用的投影頭
func headFor(tt types.TaskType) (backbone.Head, bool) {
	switch tt {
	case types.MarketAnalysis:
		return backbone.HeadMarket, true
	case types.InfraredScan:
		return backbone.HeadScanning, true
	case types.AnomalyDetection:
		return backbone.HeadScanning, true
	case types.VisualProcessing:
		return backbone.HeadVision, true
	case types.PatternRecognition:
		return backbone.HeadMarket, true
	}
	return "", false
}

// NewDefault 為五種任務類型註冊預設處理器
//
// bb 為 nil 時處理器回傳 NotImplemented。
func NewDefault(bb backbone.Backbone) *Router {
	r := &Router{}
	for _, tt := range types.AllTaskTypes() {
		head, ok := headFor(tt)
		if !ok {
			continue
		}
		r.handlers[tt] = modelHandler(bb, head)
	}
	return r
}

// modelHandler encode -> project，輸出交給呼叫者解讀
func modelHandler(bb backbone.Backbone, head backbone.Head) Handler {
	return func(ctx context.Context, task types.WorkflowTask) types.TaskResult {
		if bb == nil {
			return types.NotImplemented()
		}

		dim, err := head.Dim()
		if err != nil {
			return types.Failure(err.Error())
		}

		text, err := taskText(task)
		if err != nil {
			return types.Failure(fmt.Sprintf("invalid task data: %v", err))
		}

		hidden, err := bb.Encode(ctx, text)
		if err != nil {
			return types.Failure(fmt.Sprintf("encode: %v", err))
		}

		out, err := bb.Project(ctx, head, hidden)
		if err != nil {
			return types.Failure(fmt.Sprintf("project %s: %v", head, err))
		}
		if len(out) != dim {
			return types.Failure(fmt.Sprintf("project %s: got %d values, want %d", head, len(out), dim))
		}

		output := make([]interface{}, len(out))
		for i, x := range out {
			output[i] = x
		}

		return types.Success(map[string]interface{}{
			"task_type":  task.TaskType.String(),
			"head":       string(head),
			"output_dim": dim,
			"output":     output,
		})
	}
}

// taskText 取出要送進模型的文字：data["text"]，否則整個 data 的 JSON
func taskText(task types.WorkflowTask) (string, error) {
	if s, ok := task.Data["text"].(string); ok {
		return s, nil
	}
	b, err := json.Marshal(task.Data)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
