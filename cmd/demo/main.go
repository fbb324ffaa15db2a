package main

// ============================================================================
// Admission demo
//   flood: 8 個 worker 同時送出 200 個混合任務，處理器模擬 50~200ms 的推論延遲，
//          觀察帳本飽和時的延後與結束後用量歸零
//   audit: 讀取 journal.path，列出沒有 RELEASE 的任務
// ============================================================================

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/roko-router/internal/config"
	"github.com/ChuLiYu/roko-router/internal/coordinator"
	"github.com/ChuLiYu/roko-router/internal/estimator"
	"github.com/ChuLiYu/roko-router/internal/ledger"
	"github.com/ChuLiYu/roko-router/internal/router"
	"github.com/ChuLiYu/roko-router/internal/storage/journal"
	"github.com/ChuLiYu/roko-router/internal/tracker"
	"github.com/ChuLiYu/roko-router/internal/worker"
	"github.com/ChuLiYu/roko-router/pkg/types"
)

const (
	demoTasks   = 200
	demoWorkers = 8
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <flood|audit> [config.yaml]")
		os.Exit(1)
	}

	path := config.DefaultPath
	if len(os.Args) > 2 {
		path = os.Args[2]
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	switch mode := os.Args[1]; mode {
	case "flood":
		runFlood(cfg)
	case "audit":
		runAudit(cfg)
	default:
		log.Fatalf("unknown mode %q", mode)
	}
}

// simulated 模擬模型推論延遲
func simulated(ctx context.Context, task types.WorkflowTask) types.TaskResult {
	select {
	case <-time.After(time.Duration(50+rand.Intn(150)) * time.Millisecond):
		return types.Success(map[string]interface{}{"task_type": task.TaskType.String()})
	case <-ctx.Done():
		return types.Failure(ctx.Err().Error())
	}
}

func runFlood(cfg *config.Config) {
	l, err := ledger.New(cfg.LedgerCapacity())
	if err != nil {
		log.Fatalf("Failed to create ledger: %v", err)
	}
	table, err := cfg.EstimatorTable()
	if err != nil {
		log.Fatalf("Invalid estimator table: %v", err)
	}

	handlers := make(map[types.TaskType]router.Handler)
	for _, tt := range types.AllTaskTypes() {
		handlers[tt] = simulated
	}
	r, err := router.New(handlers)
	if err != nil {
		log.Fatalf("Failed to create router: %v", err)
	}

	tr := tracker.New(cfg.Coordinator.MaxRetained)
	opts := []coordinator.Option{
		coordinator.WithTracker(tr),
		coordinator.WithTaskTimeout(cfg.Coordinator.TaskTimeout),
	}
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path, cfg.Journal.SyncOnAppend, cfg.Journal.BufferSize)
		if err != nil {
			log.Fatalf("Failed to open journal: %v", err)
		}
		defer j.Close()
		opts = append(opts, coordinator.WithJournal(j))
	}

	coord, err := coordinator.New(l, estimator.New(table, cfg.EstimatorFallback()), r, opts...)
	if err != nil {
		log.Fatalf("Failed to create coordinator: %v", err)
	}

	pool := worker.NewPool(coord, demoTasks)
	if err := pool.Start(demoWorkers); err != nil {
		log.Fatalf("Failed to start worker pool: %v", err)
	}
	fmt.Printf("✓ Coordinator started, capacity %v\n", l.Capacity())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	all := types.AllTaskTypes()
	go func() {
		for i := 0; i < demoTasks; i++ {
			task := types.WorkflowTask{
				ID:       fmt.Sprintf("flood-%03d", i),
				TaskType: all[rand.Intn(len(all))],
			}
			if err := pool.Submit(task); err != nil {
				break
			}
		}
		pool.Drain()
	}()
	fmt.Printf("✓ Submitting %d tasks to %d workers\n\n", demoTasks, demoWorkers)

	var dispatched, deferred, failed int
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	results := pool.Results()
	for results != nil {
		select {
		case result, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			switch {
			case result.Err != nil:
				failed++
			case result.Outcome.Status == types.OutcomeDeferred:
				deferred++
			default:
				dispatched++
			}
		case <-ticker.C:
			fmt.Printf("📊 Usage=%v  Dispatched=%d Deferred=%d\n", l.Usage(), dispatched, deferred)
		case <-sigChan:
			fmt.Println("\n\nReceived shutdown signal, stopping...")
			pool.Stop()
			return
		}
	}

	stats := tr.Stats()
	fmt.Printf("\n📊 Final Status:\n")
	fmt.Printf("  Dispatched: %d\n", dispatched)
	fmt.Printf("  Deferred:   %d\n", deferred)
	fmt.Printf("  Failed:     %d\n", failed)
	fmt.Printf("  Tracked:    %d done, %d rejected, %d active\n", stats.Done, stats.Rejected, stats.Active)
	fmt.Printf("  Usage:      %v\n", l.Usage())
	if l.Usage().IsZero() {
		fmt.Printf("\n💡 Every reservation was released\n")
	}
}

func runAudit(cfg *config.Config) {
	if cfg.Journal.Path == "" {
		log.Fatalf("journal.path is not set")
	}

	summary, err := journal.Summarize(cfg.Journal.Path)
	if err != nil {
		log.Fatalf("Failed to read journal: %v", err)
	}

	fmt.Printf("\n📜 Journal %s\n", cfg.Journal.Path)
	fmt.Printf("  Events:   %d (last seq %d)\n", summary.Events, summary.LastSeq)
	for _, et := range []journal.EventType{journal.EventReserve, journal.EventRelease, journal.EventDefer} {
		fmt.Printf("  %-8s  %d\n", et, summary.ByType[et])
	}

	if len(summary.OpenTasks) == 0 {
		fmt.Printf("\n✓ No outstanding reservations\n")
		return
	}
	fmt.Printf("\n⚠️  %d tasks reserved without release:\n", len(summary.OpenTasks))
	for _, id := range summary.OpenTasks {
		fmt.Printf("  - %s\n", id)
	}
	fmt.Printf("  Outstanding: %v\n", summary.Outstanding)
}
