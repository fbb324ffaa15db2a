// ============================================================================
// Roko Router Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露准入控制與任務分派的運行指標
//
// 指標分類:
//
//   1. 任務計數器 (CounterVec, label: task_type)：
//      - roko_tasks_received_total: 收到的任務數
//      - roko_tasks_admitted_total: 通過准入的任務數
//      - roko_tasks_deferred_total: 因資源不足被延後的任務數
//      - roko_task_results_total:   分派結果（label: task_type, status）
//      - roko_ledger_release_errors_total: 歸還失敗次數（應該永遠為 0）
//
//   2. 性能指標 (HistogramVec)：
//      - roko_dispatch_latency_seconds: 處理器執行時間
//
//   3. 狀態指標 (GaugeVec, label: dimension)：
//      - roko_ledger_usage:    每個資源維度目前用量
//      - roko_ledger_capacity: 每個資源維度容量
//
// Prometheus 查詢示例:
//
//   # 延後比例
//   rate(roko_tasks_deferred_total[5m]) / rate(roko_tasks_received_total[5m])
//
//   # 加速器記憶體使用率
//   roko_ledger_usage{dimension="accelerator_memory"} / roko_ledger_capacity{dimension="accelerator_memory"}
//
//   # 95 分位處理時間
//   histogram_quantile(0.95, sum by (le, task_type) (rate(roko_dispatch_latency_seconds_bucket[5m])))
//
// HTTP 端點:
//   /metrics，默認端口 9090
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ChuLiYu/roko-router/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	tasksReceived *prometheus.CounterVec
	tasksAdmitted *prometheus.CounterVec
	tasksDeferred *prometheus.CounterVec
	taskResults   *prometheus.CounterVec
	releaseErrors prometheus.Counter

	// 效能指標
	dispatchLatency *prometheus.HistogramVec

	// 帳本狀態
	ledgerUsage    *prometheus.GaugeVec
	ledgerCapacity *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// NewCollector 創建並註冊指標收集器
//
// reg 為 nil 時使用 prometheus.DefaultRegisterer。同一個 registry 只能建立一次。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		tasksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roko_tasks_received_total",
			Help: "Total number of tasks submitted to the coordinator",
		}, []string{"task_type"}),
		tasksAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roko_tasks_admitted_total",
			Help: "Total number of tasks that passed resource admission",
		}, []string{"task_type"}),
		tasksDeferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roko_tasks_deferred_total",
			Help: "Total number of tasks deferred for insufficient resources",
		}, []string{"task_type"}),
		taskResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roko_task_results_total",
			Help: "Total number of dispatched tasks by handler result",
		}, []string{"task_type", "status"}),
		releaseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roko_ledger_release_errors_total",
			Help: "Total number of failed ledger releases",
		}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roko_dispatch_latency_seconds",
			Help:    "Handler execution time in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"task_type"}),
		ledgerUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roko_ledger_usage",
			Help: "Current reserved amount per resource dimension",
		}, []string{"dimension"}),
		ledgerCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roko_ledger_capacity",
			Help: "Configured capacity per resource dimension",
		}, []string{"dimension"}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.tasksReceived,
		c.tasksAdmitted,
		c.tasksDeferred,
		c.taskResults,
		c.releaseErrors,
		c.dispatchLatency,
		c.ledgerUsage,
		c.ledgerCapacity,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}

	return c
}

// RecordReceived 記錄收到任務
func (c *Collector) RecordReceived(tt types.TaskType) {
	c.tasksReceived.WithLabelValues(tt.String()).Inc()
}

// RecordAdmitted 記錄任務通過准入
func (c *Collector) RecordAdmitted(tt types.TaskType) {
	c.tasksAdmitted.WithLabelValues(tt.String()).Inc()
}

// RecordDeferred 記錄任務被延後
func (c *Collector) RecordDeferred(tt types.TaskType) {
	c.tasksDeferred.WithLabelValues(tt.String()).Inc()
}

// RecordResult 記錄處理器結果與執行時間
func (c *Collector) RecordResult(tt types.TaskType, status types.ResultStatus, elapsed time.Duration) {
	c.taskResults.WithLabelValues(tt.String(), string(status)).Inc()
	c.dispatchLatency.WithLabelValues(tt.String()).Observe(elapsed.Seconds())
}

// RecordReleaseError 記錄歸還失敗
func (c *Collector) RecordReleaseError() {
	c.releaseErrors.Inc()
}

// SetLedger 更新帳本用量與容量
func (c *Collector) SetLedger(usage, capacity types.ResourceVector) {
	for d, x := range usage {
		c.ledgerUsage.WithLabelValues(string(d)).Set(x)
	}
	for d, x := range capacity {
		c.ledgerCapacity.WithLabelValues(string(d)).Set(x)
	}
}

// Handler 回傳這個收集器所屬 registry 的 /metrics handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// NewServer 建立 /metrics HTTP 伺服器
//
// 呼叫者負責 ListenAndServe，結束時呼叫 Shutdown。
func NewServer(port int, handler http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
