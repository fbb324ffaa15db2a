package cli

// ============================================================================
// 系統組裝
// 職責：依設定建立 ledger / estimator / router / tracker / journal / metrics，
//       並組成 Coordinator
// ============================================================================

import (
	"fmt"
	"log"
	"log/slog"

	"github.com/ChuLiYu/roko-router/internal/backbone"
	"github.com/ChuLiYu/roko-router/internal/config"
	"github.com/ChuLiYu/roko-router/internal/coordinator"
	"github.com/ChuLiYu/roko-router/internal/estimator"
	"github.com/ChuLiYu/roko-router/internal/ledger"
	"github.com/ChuLiYu/roko-router/internal/metrics"
	"github.com/ChuLiYu/roko-router/internal/router"
	"github.com/ChuLiYu/roko-router/internal/storage/journal"
	"github.com/ChuLiYu/roko-router/internal/tracker"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// system 一個行程內的完整准入管線
type system struct {
	coord   *coordinator.Coordinator
	journal *journal.Journal
	metrics *metrics.Collector
	conn    *grpc.ClientConn // backbone 連線，未設定 backbone.addr 時為 nil
}

// buildSystem 依設定組裝系統
//
// reg 為 nil 時不收集 metrics。
func buildSystem(cfg *config.Config, reg prometheus.Registerer) (*system, error) {
	sys := &system{}

	l, err := ledger.New(cfg.LedgerCapacity())
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger: %w", err)
	}

	table, err := cfg.EstimatorTable()
	if err != nil {
		return nil, err
	}
	est := estimator.New(table, cfg.EstimatorFallback())

	var bb backbone.Backbone
	if cfg.Backbone.Addr != "" {
		conn, err := grpc.NewClient(cfg.Backbone.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to backbone: %w", err)
		}
		sys.conn = conn

		client := backbone.NewGRPCClient(conn)
		client.SetTimeout(cfg.Backbone.Timeout)
		bb = client
		log.Printf("Using model backbone at %s\n", cfg.Backbone.Addr)
	} else {
		log.Println("No backbone configured, handlers report not_implemented")
	}
	r := router.NewDefault(bb)

	opts := []coordinator.Option{
		coordinator.WithTracker(tracker.New(cfg.Coordinator.MaxRetained)),
		coordinator.WithTaskTimeout(cfg.Coordinator.TaskTimeout),
	}

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path, cfg.Journal.SyncOnAppend, cfg.Journal.BufferSize)
		if err != nil {
			sys.Close()
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		sys.journal = j
		opts = append(opts, coordinator.WithJournal(j))
		log.Printf("Admission journal: %s (last seq %d)\n", j.Path(), j.LastSeq())
	}

	if reg != nil {
		sys.metrics = metrics.NewCollector(reg)
		opts = append(opts, coordinator.WithRecorder(sys.metrics))
	}

	coord, err := coordinator.New(l, est, r, opts...)
	if err != nil {
		sys.Close()
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}
	sys.coord = coord
	return sys, nil
}

// Close 關閉 journal 與 backbone 連線
func (s *system) Close() {
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			log.Printf("Failed to close journal: %v\n", err)
		}
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

// loadConfig 讀取設定並套用 log.level
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	slog.SetLogLoggerLevel(level)
	return cfg, nil
}
