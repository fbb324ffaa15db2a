// ============================================================================
// Roko Router Config - YAML 設定
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 讀取 YAML 設定檔，提供預設值與驗證，並轉換成各模組需要的型別
//
// 設定檔結構 (configs/default.yaml):
//   ledger:      資源容量
//   estimator:   每種任務類型的資源估算與 fallback
//   coordinator: 處理器期限、追蹤記錄保留數
//   worker:      Worker 數量與通道緩衝
//   journal:     准入事件日誌（path 為空表示停用）
//   server:      gRPC 提交服務
//   metrics:     Prometheus /metrics
//   backbone:    模型骨幹 gRPC 位址（空字串表示處理器回傳 not_implemented）
//   intake:      Redis 任務佇列
//   log:         slog 等級
//
// 讀檔時先套用 Default()，檔案中的欄位覆蓋預設值；map 欄位以 key 合併。
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/ChuLiYu/roko-router/internal/estimator"
	"github.com/ChuLiYu/roko-router/internal/ledger"
	"github.com/ChuLiYu/roko-router/pkg/types"
	"gopkg.in/yaml.v3"
)

// DefaultPath 預設設定檔路徑
const DefaultPath = "configs/default.yaml"

// Config 完整系統設定
type Config struct {
	Ledger struct {
		Capacity map[string]float64 `yaml:"capacity"`
	} `yaml:"ledger"`

	Estimator struct {
		Fallback map[string]float64            `yaml:"fallback"`
		Table    map[string]map[string]float64 `yaml:"table"`
	} `yaml:"estimator"`

	Coordinator struct {
		TaskTimeout time.Duration `yaml:"task_timeout"`
		MaxRetained int           `yaml:"max_retained"`
	} `yaml:"coordinator"`

	Worker struct {
		WorkerCount int `yaml:"worker_count"`
		BufferSize  int `yaml:"buffer_size"`
	} `yaml:"worker"`

	Journal struct {
		Path         string `yaml:"path"`
		SyncOnAppend bool   `yaml:"sync_on_append"`
		BufferSize   int    `yaml:"buffer_size"`
	} `yaml:"journal"`

	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Backbone struct {
		Addr    string        `yaml:"addr"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"backbone"`

	Intake struct {
		Enabled         bool          `yaml:"enabled"`
		RedisAddr       string        `yaml:"redis_addr"`
		TaskKey         string        `yaml:"task_key"`
		ResultKey       string        `yaml:"result_key"`
		RequeueDeferred bool          `yaml:"requeue_deferred"`
		MaxRequeue      int           `yaml:"max_requeue"`
		RequeueDelay    time.Duration `yaml:"requeue_delay"`
		PollTimeout     time.Duration `yaml:"poll_timeout"`
	} `yaml:"intake"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Default 回傳預設設定
func Default() *Config {
	var cfg Config

	cfg.Ledger.Capacity = floats(ledger.DefaultCapacity())

	cfg.Estimator.Fallback = floats(estimator.DefaultFallback())
	cfg.Estimator.Table = make(map[string]map[string]float64)
	for tt, v := range estimator.DefaultTable() {
		cfg.Estimator.Table[tt.String()] = floats(v)
	}

	cfg.Coordinator.TaskTimeout = 30 * time.Second
	cfg.Coordinator.MaxRetained = 10000

	cfg.Worker.WorkerCount = 4
	cfg.Worker.BufferSize = 64

	cfg.Journal.BufferSize = 1

	cfg.Server.Port = 50061

	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090

	cfg.Backbone.Timeout = 10 * time.Second

	cfg.Intake.RedisAddr = "localhost:6379"
	cfg.Intake.TaskKey = "roko:tasks"
	cfg.Intake.ResultKey = "roko:results"
	cfg.Intake.RequeueDeferred = true
	cfg.Intake.MaxRequeue = 10
	cfg.Intake.RequeueDelay = 500 * time.Millisecond
	cfg.Intake.PollTimeout = 5 * time.Second

	cfg.Log.Level = "info"

	return &cfg
}

// Load 讀取設定檔並驗證
//
// path 為 DefaultPath 且檔案不存在時回傳 Default()。
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if path == DefaultPath && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate 檢查設定值
func (c *Config) Validate() error {
	if len(c.Ledger.Capacity) == 0 {
		return errors.New("ledger.capacity must not be empty")
	}
	if err := checkVector("ledger.capacity", c.Ledger.Capacity); err != nil {
		return err
	}
	if err := checkVector("estimator.fallback", c.Estimator.Fallback); err != nil {
		return err
	}
	if _, err := c.EstimatorTable(); err != nil {
		return err
	}

	if c.Coordinator.TaskTimeout < 0 {
		return errors.New("coordinator.task_timeout must not be negative")
	}
	if c.Worker.WorkerCount <= 0 {
		return errors.New("worker.worker_count must be positive")
	}
	if c.Worker.BufferSize < 0 {
		return errors.New("worker.buffer_size must not be negative")
	}
	if err := checkPort("server.port", c.Server.Port); err != nil {
		return err
	}
	if c.Metrics.Enabled {
		if err := checkPort("metrics.port", c.Metrics.Port); err != nil {
			return err
		}
	}
	if c.Intake.Enabled {
		if c.Intake.RedisAddr == "" || c.Intake.TaskKey == "" || c.Intake.ResultKey == "" {
			return errors.New("intake.redis_addr, intake.task_key and intake.result_key are required when intake is enabled")
		}
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// LedgerCapacity 轉換成帳本容量
func (c *Config) LedgerCapacity() types.ResourceVector {
	return vector(c.Ledger.Capacity)
}

// EstimatorFallback 轉換成 fallback 估算
func (c *Config) EstimatorFallback() types.ResourceVector {
	if c.Estimator.Fallback == nil {
		return nil
	}
	return vector(c.Estimator.Fallback)
}

// EstimatorTable 轉換成估算表；key 必須是任務類型名稱
func (c *Config) EstimatorTable() (estimator.Table, error) {
	if c.Estimator.Table == nil {
		return nil, nil
	}
	table := make(estimator.Table, len(c.Estimator.Table))
	for name, v := range c.Estimator.Table {
		tt, err := types.ParseTaskType(name)
		if err != nil {
			return nil, fmt.Errorf("estimator.table: %w", err)
		}
		if err := checkVector("estimator.table."+name, v); err != nil {
			return nil, err
		}
		table[tt] = vector(v)
	}
	return table, nil
}

// LogLevel 解析 log.level
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if c.Log.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func floats(v types.ResourceVector) map[string]float64 {
	return v.Float64s()
}

func vector(m map[string]float64) types.ResourceVector {
	v := make(types.ResourceVector, len(m))
	for d, x := range m {
		v[types.Dimension(d)] = x
	}
	return v
}

func checkVector(field string, m map[string]float64) error {
	for d, x := range m {
		if d == "" {
			return fmt.Errorf("%s: empty dimension name", field)
		}
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%s.%s must be a finite number (%g)", field, d, x)
		}
		if x < 0 {
			return fmt.Errorf("%s.%s must not be negative (%g)", field, d, x)
		}
	}
	return nil
}

func checkPort(field string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s out of range: %d", field, port)
	}
	return nil
}
