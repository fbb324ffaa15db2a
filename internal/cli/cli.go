// ============================================================================
// Roko Router CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: 基於 Cobra 的命令列介面
//
// Command Structure:
//   roko                           # Root command
//   ├── run                        # 啟動准入路由服務
//   ├── submit                     # 提交任務
//   │   ├── --file, -f            # 任務 JSON 檔
//   │   ├── --server              # 送到遠端 gRPC 服務
//   │   └── --queue               # 推到 Redis 任務佇列
//   ├── status                     # 查看設定或遠端狀態
//   │   └── --server
//   ├── journal                    # 稽核准入日誌
//   │   ├── --path
//   │   └── --dump
//   ├── --config, -c               # 設定檔（預設 configs/default.yaml）
//   └── --version
//
// run Command:
//   1. 讀取設定並套用 log.level
//   2. 組裝 Coordinator（ledger / estimator / router / tracker / journal / metrics）
//   3. 啟動 Metrics HTTP server（若啟用）
//   4. 啟動 gRPC 提交服務（server.port）
//   5. 啟動 Redis intake（若啟用）
//   6. 收到 SIGINT / SIGTERM 後依序關閉
//
//   Examples:
//     ./roko run
//     ./roko run -c custom-config.yaml
//
// submit Command:
//   JSON 檔為任務陣列:
//   [
//     {"id": "m-1", "task_type": "market_analysis", "data": {"text": "..."}},
//     {"task_type": "infrared_scan"}
//   ]
//   未指定 --server / --queue 時在本地組裝一個 Coordinator 直接處理，
//   每個結果以一行 JSON 輸出。
//
//   Examples:
//     ./roko submit -f tasks.json
//     ./roko submit -f tasks.json --server localhost:50061
//     ./roko submit -f tasks.json --queue
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/roko-router/internal/config"
	"github.com/ChuLiYu/roko-router/internal/intake"
	"github.com/ChuLiYu/roko-router/internal/metrics"
	"github.com/ChuLiYu/roko-router/internal/server"
	"github.com/ChuLiYu/roko-router/internal/storage/journal"
	"github.com/ChuLiYu/roko-router/internal/worker"
	"github.com/ChuLiYu/roko-router/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "roko",
		Short: "Roko: an admission-controlled workflow task router",
		Long: `Roko admits workflow tasks against a shared resource ledger:
- Per-type resource estimation
- All-or-nothing reservation, release on every path
- Dispatch to model-backed handlers
- gRPC, Redis queue and batch submission`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildJournalCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the Roko router service",
		Long:  "Start the gRPC submission service, metrics endpoint and optional Redis intake",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem()
		},
	}
	return cmd
}

func runSystem() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Printf("Starting Roko router with config: %s\n", configFile)
	log.Printf("Workers: %d, Task timeout: %s\n", cfg.Worker.WorkerCount, cfg.Coordinator.TaskTimeout)

	var reg prometheus.Registerer
	if cfg.Metrics.Enabled {
		reg = prometheus.DefaultRegisterer
	}
	sys, err := buildSystem(cfg, reg)
	if err != nil {
		return err
	}
	defer sys.Close()

	// Start Metrics
	if sys.metrics != nil {
		metricsServer := metrics.NewServer(cfg.Metrics.Port, sys.metrics.Handler())
		go func() {
			log.Printf("Starting metrics server on :%d\n", cfg.Metrics.Port)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("Metrics server shutdown error: %v\n", err)
			}
		}()
	}

	// Start gRPC server
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.Port, err)
	}
	grpcServer := server.NewGRPCServer(sys.coord)

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("gRPC Server listening on :%d\n", cfg.Server.Port)
		serveErr <- grpcServer.Serve(lis)
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	// Start intake
	intakeDone := make(chan error, 1)
	if cfg.Intake.Enabled {
		if err := startIntake(ctx, cfg, sys, intakeDone); err != nil {
			grpcServer.Stop()
			return err
		}
	} else {
		close(intakeDone)
	}

	log.Println("System started successfully")

	select {
	case <-ctx.Done():
		log.Println("Received shutdown signal, stopping gracefully...")
	case err := <-serveErr:
		log.Printf("gRPC server failed: %v\n", err)
		cancel()
	}

	grpcServer.GracefulStop()
	if err, ok := <-intakeDone; ok && err != nil {
		log.Printf("Intake error: %v\n", err)
	}

	status := sys.coord.Status()
	log.Printf("Final state: %d active, %d rejected, %d done, journal seq %d\n",
		status.Tasks.Active, status.Tasks.Rejected, status.Tasks.Done, status.JournalSeq)
	log.Println("System stopped. Goodbye!")
	return nil
}

// startIntake 連線 Redis 並在背景執行 intake；結束時送出結果到 done
func startIntake(ctx context.Context, cfg *config.Config, sys *system, done chan<- error) error {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	q, err := intake.Dial(dialCtx, cfg.Intake.RedisAddr, cfg.Intake.TaskKey, cfg.Intake.ResultKey)
	if err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Intake.RedisAddr, err)
	}

	pool := worker.NewPool(sys.coord, cfg.Worker.BufferSize)
	if err := pool.Start(cfg.Worker.WorkerCount); err != nil {
		q.Close()
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	in := intake.New(q, pool, intake.Options{
		PollTimeout:     cfg.Intake.PollTimeout,
		RequeueDeferred: cfg.Intake.RequeueDeferred,
		MaxRequeue:      cfg.Intake.MaxRequeue,
		RequeueDelay:    cfg.Intake.RequeueDelay,
	})

	log.Printf("Intake reading %s on %s, results to %s\n", cfg.Intake.TaskKey, cfg.Intake.RedisAddr, cfg.Intake.ResultKey)
	go func() {
		defer close(done)
		defer q.Close()
		done <- in.Run(ctx)
	}()
	return nil
}

// ============================================================================
// submit
// ============================================================================

func buildSubmitCommand() *cobra.Command {
	var taskFile string
	var serverAddr string
	var toQueue bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit tasks from a JSON file",
		Long:  "Read task definitions from a JSON file and process them locally, or send them to a running service with --server or --queue.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskFile == "" {
				return fmt.Errorf("task file is required (use --file or -f)")
			}
			if serverAddr != "" && toQueue {
				return fmt.Errorf("--server and --queue are mutually exclusive")
			}
			return submitTasks(cmd.OutOrStdout(), taskFile, serverAddr, toQueue, timeout)
		},
	}

	cmd.Flags().StringVarP(&taskFile, "file", "f", "", "JSON file containing task definitions")
	cmd.Flags().StringVar(&serverAddr, "server", "", "service address (e.g. localhost:50061) for remote submission")
	cmd.Flags().BoolVar(&toQueue, "queue", false, "push tasks to the configured Redis task list")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "deadline for remote submission")
	cmd.MarkFlagRequired("file")

	return cmd
}

// readTasks 讀取任務陣列；task_type 無效時整個檔案視為錯誤
func readTasks(path string) ([]types.WorkflowTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}

	var tasks []types.WorkflowTask
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}
	return tasks, nil
}

func submitTasks(out io.Writer, filePath, serverAddr string, toQueue bool, timeout time.Duration) error {
	tasks, err := readTasks(filePath)
	if err != nil {
		return err
	}

	switch {
	case serverAddr != "":
		return submitRemote(out, tasks, serverAddr, timeout)
	case toQueue:
		return submitQueue(tasks)
	default:
		return submitLocal(out, tasks)
	}
}

// Mode 1: Remote Submission (gRPC)
func submitRemote(out io.Writer, tasks []types.WorkflowTask, addr string, timeout time.Duration) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	client := server.NewClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	enc := json.NewEncoder(out)
	successCount := 0
	for _, task := range tasks {
		outcome, err := client.Process(ctx, task)
		if err != nil {
			log.Printf("Failed to submit task %s: %v\n", task.ID, err)
			continue
		}
		if err := enc.Encode(outcome); err != nil {
			return err
		}
		successCount++
	}
	log.Printf("Submitted %d/%d tasks to %s\n", successCount, len(tasks), addr)
	return nil
}

// Mode 2: Redis task list
func submitQueue(tasks []types.WorkflowTask) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	q, err := intake.Dial(ctx, cfg.Intake.RedisAddr, cfg.Intake.TaskKey, cfg.Intake.ResultKey)
	if err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Intake.RedisAddr, err)
	}
	defer q.Close()

	for _, task := range tasks {
		if err := q.Enqueue(ctx, task); err != nil {
			return fmt.Errorf("failed to enqueue task %s: %w", task.ID, err)
		}
	}
	log.Printf("Enqueued %d tasks to %s\n", len(tasks), cfg.Intake.TaskKey)
	return nil
}

// Mode 3: Local Submission (in-process coordinator + worker pool)
func submitLocal(out io.Writer, tasks []types.WorkflowTask) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sys, err := buildSystem(cfg, nil)
	if err != nil {
		return err
	}
	defer sys.Close()

	pool := worker.NewPool(sys.coord, cfg.Worker.BufferSize)
	if err := pool.Start(cfg.Worker.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	log.Printf("Processing %d tasks locally\n", len(tasks))
	go func() {
		for _, task := range tasks {
			if err := pool.Submit(task); err != nil {
				log.Printf("Failed to submit task %s: %v\n", task.ID, err)
				break
			}
		}
		pool.Drain()
	}()

	enc := json.NewEncoder(out)
	var dispatched, deferred, failed int
	for result := range pool.Results() {
		if result.Err != nil {
			failed++
			log.Printf("Task %s failed: %v\n", result.Task.ID, result.Err)
			continue
		}
		switch result.Outcome.Status {
		case types.OutcomeDispatched:
			dispatched++
		case types.OutcomeDeferred:
			deferred++
		}
		if err := enc.Encode(result.Outcome); err != nil {
			log.Printf("Failed to write outcome: %v\n", err)
		}
	}

	log.Printf("Done: %d dispatched, %d deferred, %d failed\n", dispatched, deferred, failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", failed, len(tasks))
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var serverAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display the configured capacity and estimates, or the live ledger and task statistics of a running service with --server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverAddr != "" {
				return showRemoteStatus(cmd.OutOrStdout(), serverAddr)
			}
			return showStatus(cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&serverAddr, "server", "", "service address to query")
	return cmd
}

func showRemoteStatus(out io.Writer, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := server.NewClient(conn).Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to query status: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}

func showStatus(out io.Writer) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           Roko Router Configuration                       ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Worker Count:    %d\n", cfg.Worker.WorkerCount)
	fmt.Fprintf(out, "  └─ Task Timeout:    %s\n", cfg.Coordinator.TaskTimeout)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📦 Ledger Capacity:")
	capacity := cfg.LedgerCapacity()
	for _, d := range capacity.Dimensions() {
		fmt.Fprintf(out, "  └─ %-24s %g\n", d, capacity[d])
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📐 Estimates:")
	table, err := cfg.EstimatorTable()
	if err != nil {
		return err
	}
	for _, tt := range types.AllTaskTypes() {
		fmt.Fprintf(out, "  └─ %-20s %v\n", tt, table[tt])
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "💾 Journal:")
	if cfg.Journal.Path != "" {
		fmt.Fprintf(out, "  └─ %s (sync=%t)\n", cfg.Journal.Path, cfg.Journal.SyncOnAppend)
	} else {
		fmt.Fprintln(out, "  └─ Disabled")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "🔌 Endpoints:")
	fmt.Fprintf(out, "  ├─ gRPC:     :%d\n", cfg.Server.Port)
	if cfg.Backbone.Addr != "" {
		fmt.Fprintf(out, "  ├─ Backbone: %s\n", cfg.Backbone.Addr)
	} else {
		fmt.Fprintln(out, "  ├─ Backbone: not configured")
	}
	if cfg.Intake.Enabled {
		fmt.Fprintf(out, "  ├─ Intake:   redis://%s/%s\n", cfg.Intake.RedisAddr, cfg.Intake.TaskKey)
	} else {
		fmt.Fprintln(out, "  ├─ Intake:   disabled")
	}
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Metrics:  ✅ http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Metrics:  ⚠️  Disabled")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

// ============================================================================
// journal
// ============================================================================

func buildJournalCommand() *cobra.Command {
	var path string
	var dump bool

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the admission journal",
		Long:  "Summarize the admission journal and list tasks that were reserved but never released. Use --dump to print every event.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				cfg, err := loadConfig(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				path = cfg.Journal.Path
			}
			if path == "" {
				return fmt.Errorf("journal.path is not set (use --path)")
			}
			return showJournal(cmd.OutOrStdout(), path, dump)
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "journal file (defaults to journal.path from config)")
	cmd.Flags().BoolVar(&dump, "dump", false, "print every event")
	return cmd
}

func showJournal(out io.Writer, path string, dump bool) error {
	if dump {
		return journal.Dump(path, out)
	}

	summary, err := journal.Summarize(path)
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
