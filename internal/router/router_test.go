package router

import (
	"context"
	"errors"
	"testing"

	"github.com/ChuLiYu/roko-router/internal/backbone"
	"github.com/ChuLiYu/roko-router/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type stubBackbone struct {
	lastText string
	lastHead backbone.Head
	wrongDim bool
	err      error
}

func (s *stubBackbone) Encode(ctx context.Context, text string) ([]float64, error) {
	s.lastText = text
	if s.err != nil {
		return nil, s.err
	}
	return []float64{0.25, 0.5}, nil
}

func (s *stubBackbone) Project(ctx context.Context, head backbone.Head, hidden []float64) ([]float64, error) {
	s.lastHead = head
	dim, err := head.Dim()
	if err != nil {
		return nil, err
	}
	if s.wrongDim {
		dim--
	}
	return make([]float64, dim), nil
}

func task(tt types.TaskType) types.WorkflowTask {
	return types.WorkflowTask{ID: "t-" + tt.String(), TaskType: tt}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestDispatch_RegisteredHandler(t *testing.T) {
	called := false
	r, err := New(map[types.TaskType]Handler{
		types.MarketAnalysis: func(ctx context.Context, task types.WorkflowTask) types.TaskResult {
			called = true
			return types.Success(map[string]interface{}{"id": task.ID})
		},
	})
	require.NoError(t, err)

	result := r.Dispatch(context.Background(), task(types.MarketAnalysis))
	assert.True(t, called)
	assert.Equal(t, types.ResultSuccess, result.Status)
	assert.Equal(t, "t-market_analysis", result.Payload["id"])
}

func TestDispatch_NoProcessorRegistered(t *testing.T) {
	r, err := New(map[types.TaskType]Handler{})
	require.NoError(t, err)

	for _, tt := range types.AllTaskTypes() {
		result := r.Dispatch(context.Background(), task(tt))
		assert.Equal(t, types.Failure("no processor registered"), result, "task type %s", tt)
	}

	// 列舉之外的值也不能 panic
	result := r.Dispatch(context.Background(), task(types.NumTaskTypes))
	assert.Equal(t, types.ResultFailure, result.Status)
	assert.Equal(t, types.ReasonNoProcessor, result.Reason)
}

func TestNew_RejectsInvalidTaskType(t *testing.T) {
	_, err := New(map[types.TaskType]Handler{
		types.TaskType(99): func(context.Context, types.WorkflowTask) types.TaskResult { return types.NotImplemented() },
	})
	assert.ErrorIs(t, err, types.ErrInvalidTaskType)
}

func TestDispatch_PanicRecovered(t *testing.T) {
	r, err := New(map[types.TaskType]Handler{
		types.VisualProcessing: func(context.Context, types.WorkflowTask) types.TaskResult {
			panic("tensor shape mismatch")
		},
	})
	require.NoError(t, err)

	var result types.TaskResult
	assert.NotPanics(t, func() {
		result = r.Dispatch(context.Background(), task(types.VisualProcessing))
	})
	assert.Equal(t, types.ResultFailure, result.Status)
	assert.Contains(t, result.Reason, "tensor shape mismatch")
}

func TestDispatch_CancelledContext(t *testing.T) {
	called := false
	r, err := New(map[types.TaskType]Handler{
		types.InfraredScan: func(context.Context, types.WorkflowTask) types.TaskResult {
			called = true
			return types.Success(nil)
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := r.Dispatch(ctx, task(types.InfraredScan))
	assert.False(t, called)
	assert.Equal(t, types.ResultFailure, result.Status)
	assert.Contains(t, result.Reason, "canceled")
}

func TestNewDefault_NoBackbone(t *testing.T) {
	r := NewDefault(nil)

	for _, tt := range types.AllTaskTypes() {
		assert.True(t, r.Registered(tt))
		assert.Equal(t, types.NotImplemented(), r.Dispatch(context.Background(), task(tt)))
	}
}

func TestNewDefault_WithBackbone(t *testing.T) {
	testCases := []struct {
		taskType types.TaskType
		head     backbone.Head
		dim      int
	}{
		{types.MarketAnalysis, backbone.HeadMarket, 512},
		{types.InfraredScan, backbone.HeadScanning, 256},
		{types.AnomalyDetection, backbone.HeadScanning, 256},
		{types.VisualProcessing, backbone.HeadVision, 1024},
		{types.PatternRecognition, backbone.HeadMarket, 512},
	}

	for _, tc := range testCases {
		t.Run(tc.taskType.String(), func(t *testing.T) {
			bb := &stubBackbone{}
			r := NewDefault(bb)

			tk := task(tc.taskType)
			tk.Data = map[string]interface{}{"text": "quarterly volume spike"}

			result := r.Dispatch(context.Background(), tk)
			require.Equal(t, types.ResultSuccess, result.Status, result.Reason)
			assert.Equal(t, "quarterly volume spike", bb.lastText)
			assert.Equal(t, tc.head, bb.lastHead)
			assert.Equal(t, tc.dim, result.Payload["output_dim"])
			assert.Len(t, result.Payload["output"], tc.dim)
			assert.Equal(t, tc.taskType.String(), result.Payload["task_type"])
		})
	}
}

func TestNewDefault_TextFallsBackToJSON(t *testing.T) {
	bb := &stubBackbone{}
	r := NewDefault(bb)

	tk := task(types.AnomalyDetection)
	tk.Data = map[string]interface{}{"sensor": "s-7", "reading": 41.5}

	result := r.Dispatch(context.Background(), tk)
	require.Equal(t, types.ResultSuccess, result.Status)
	assert.JSONEq(t, `{"sensor":"s-7","reading":41.5}`, bb.lastText)
}

func TestNewDefault_BackboneError(t *testing.T) {
	r := NewDefault(&stubBackbone{err: errors.New("inference service unavailable")})

	result := r.Dispatch(context.Background(), task(types.MarketAnalysis))
	assert.Equal(t, types.ResultFailure, result.Status)
	assert.Contains(t, result.Reason, "inference service unavailable")
}

func TestNewDefault_WrongOutputDim(t *testing.T) {
	r := NewDefault(&stubBackbone{wrongDim: true})

	result := r.Dispatch(context.Background(), task(types.VisualProcessing))
	assert.Equal(t, types.ResultFailure, result.Status)
	assert.Contains(t, result.Reason, "want 1024")
}
