// Package types 定義了 roko-router 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrInvalidTaskType 任務類型不在封閉列舉之內
	ErrInvalidTaskType = errors.New("invalid task type")
	// ErrInsufficientResources 資源不足，任務被延後（可重試）
	ErrInsufficientResources = errors.New("insufficient resources")
	// ErrNoProcessorRegistered 任務類型沒有註冊處理器
	ErrNoProcessorRegistered = errors.New("no processor registered")
)

// Outcome / Result 中使用的原因字串
const (
	ReasonInsufficientResources = "insufficient_resources"
	ReasonNoProcessor           = "no processor registered"
)

// ============================================================================
// 任務類型（封閉列舉）
// ============================================================================

// TaskType 任務類型
type TaskType int

const (
	MarketAnalysis TaskType = iota
	InfraredScan
	AnomalyDetection
	VisualProcessing
	PatternRecognition

	// NumTaskTypes 列舉數量，新增類型時必須放在它之前
	NumTaskTypes
)

var taskTypeNames = [NumTaskTypes]string{
	MarketAnalysis:     "market_analysis",
	InfraredScan:       "infrared_scan",
	AnomalyDetection:   "anomaly_detection",
	VisualProcessing:   "visual_processing",
	PatternRecognition: "pattern_recognition",
}

// AllTaskTypes 回傳所有任務類型（依列舉順序）
func AllTaskTypes() []TaskType {
	all := make([]TaskType, 0, NumTaskTypes)
	for t := TaskType(0); t < NumTaskTypes; t++ {
		all = append(all, t)
	}
	return all
}

// Valid 檢查是否為列舉內的值
func (t TaskType) Valid() bool {
	return t >= 0 && t < NumTaskTypes
}

func (t TaskType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("task_type(%d)", int(t))
	}
	return taskTypeNames[t]
}

// ParseTaskType 由線路名稱解析任務類型
func ParseTaskType(s string) (TaskType, error) {
	for t, name := range taskTypeNames {
		if name == s {
			return TaskType(t), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidTaskType, s)
}

// MarshalText 讓 JSON / YAML 使用線路名稱
func (t TaskType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTaskType, int(t))
	}
	return []byte(taskTypeNames[t]), nil
}

// UnmarshalText 解析線路名稱
func (t *TaskType) UnmarshalText(text []byte) error {
	parsed, err := ParseTaskType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ============================================================================
// 任務
// ============================================================================

// WorkflowTask 工作流任務，代表一次分析請求
//
// 只有 TaskType 會被驗證；Priority、Requirements、Dependencies 都只是附帶資訊，
// 核心邏輯不依它們排序或排程。
type WorkflowTask struct {
	ID           string                 `json:"id,omitempty" yaml:"id,omitempty"`
	TaskType     TaskType               `json:"task_type" yaml:"task_type"`
	Priority     int                    `json:"priority" yaml:"priority"`
	Data         map[string]interface{} `json:"data,omitempty" yaml:"data,omitempty"`
	Requirements []string               `json:"requirements,omitempty" yaml:"requirements,omitempty"`
	Dependencies []string               `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// UnmarshalJSON 要求 task_type 必須出現，避免零值被誤當成 market_analysis
func (t *WorkflowTask) UnmarshalJSON(data []byte) error {
	type alias WorkflowTask
	aux := struct {
		TaskType *TaskType `json:"task_type"`
		*alias
	}{alias: (*alias)(t)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.TaskType == nil {
		return fmt.Errorf("%w: task_type is required", ErrInvalidTaskType)
	}
	t.TaskType = *aux.TaskType
	return nil
}

// Validate 驗證任務
func (t WorkflowTask) Validate() error {
	if !t.TaskType.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidTaskType, int(t.TaskType))
	}
	return nil
}

// ============================================================================
// 資源向量
// ============================================================================

// Dimension 資源維度名稱
type Dimension string

const (
	AcceleratorMemory    Dimension = "accelerator_memory"    // GB
	ProcessorUtilization Dimension = "processor_utilization" // 0~1 比例
	ConcurrentTaskSlots  Dimension = "concurrent_task_slots" // 數量
)

// ResourceVector 維度 -> 非負數值
type ResourceVector map[Dimension]float64

// Clone 深拷貝
func (v ResourceVector) Clone() ResourceVector {
	if v == nil {
		return nil
	}
	out := make(ResourceVector, len(v))
	for d, x := range v {
		out[d] = x
	}
	return out
}

// Add 回傳 v + o（新的向量）
func (v ResourceVector) Add(o ResourceVector) ResourceVector {
	out := make(ResourceVector, len(v))
	for d, x := range v {
		out[d] = x
	}
	for d, x := range o {
		out[d] += x
	}
	return out
}

// Sub 回傳 v - o（新的向量），不做下限檢查
func (v ResourceVector) Sub(o ResourceVector) ResourceVector {
	out := make(ResourceVector, len(v))
	for d, x := range v {
		out[d] = x
	}
	for d, x := range o {
		out[d] -= x
	}
	return out
}

// IsZero 所有維度都是 0（空向量也算）
func (v ResourceVector) IsZero() bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Dimensions 回傳排序後的維度，方便穩定輸出
func (v ResourceVector) Dimensions() []Dimension {
	dims := make([]Dimension, 0, len(v))
	for d := range v {
		dims = append(dims, d)
	}
	sort.Slice(dims, func(i, j int) bool { return dims[i] < dims[j] })
	return dims
}

// Float64s 轉成一般 map，用於序列化與指標
func (v ResourceVector) Float64s() map[string]float64 {
	out := make(map[string]float64, len(v))
	for d, x := range v {
		out[string(d)] = x
	}
	return out
}

// ============================================================================
// 處理結果
// ============================================================================

// ResultStatus 處理器結果狀態
type ResultStatus string

const (
	ResultSuccess        ResultStatus = "success"
	ResultFailure        ResultStatus = "failure"
	ResultNotImplemented ResultStatus = "not_implemented"
)

// TaskResult 處理器的結果（tagged union）
type TaskResult struct {
	Status  ResultStatus           `json:"status"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Reason  string                 `json:"reason,omitempty"`
}

// Success 成功結果
func Success(payload map[string]interface{}) TaskResult {
	return TaskResult{Status: ResultSuccess, Payload: payload}
}

// Failure 失敗結果
func Failure(reason string) TaskResult {
	return TaskResult{Status: ResultFailure, Reason: reason}
}

// NotImplemented 處理器尚未實作
func NotImplemented() TaskResult {
	return TaskResult{Status: ResultNotImplemented}
}

// OutcomeStatus 協調器結果狀態
type OutcomeStatus string

const (
	OutcomeDeferred   OutcomeStatus = "deferred"
	OutcomeDispatched OutcomeStatus = "dispatched"
)

// Outcome 協調器處理一個任務的結果
type Outcome struct {
	TaskID string        `json:"task_id"`
	Status OutcomeStatus `json:"status"`
	Reason string        `json:"reason,omitempty"` // 只在 Deferred 時有值
	Result *TaskResult   `json:"result,omitempty"` // 只在 Dispatched 時有值
}

// Deferred 延後（未被接受）
func Deferred(taskID, reason string) Outcome {
	return Outcome{TaskID: taskID, Status: OutcomeDeferred, Reason: reason}
}

// Dispatched 已分派並執行
func Dispatched(taskID string, result TaskResult) Outcome {
	return Outcome{TaskID: taskID, Status: OutcomeDispatched, Result: &result}
}

// ============================================================================
// 任務生命週期狀態
// ============================================================================

// TaskState 任務在協調器中的狀態
type TaskState string

const (
	StateReceived    TaskState = "received"
	StateEstimated   TaskState = "estimated"
	StateRejected    TaskState = "rejected" // 終止狀態
	StateAdmitted    TaskState = "admitted"
	StateDispatching TaskState = "dispatching"
	StateReleased    TaskState = "released"
	StateDone        TaskState = "done" // 終止狀態
)

// Terminal 是否為終止狀態
func (s TaskState) Terminal() bool {
	return s == StateRejected || s == StateDone
}
