// ============================================================================
// Roko Router Worker Pool - 並發任務處理器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine，讓批次或佇列來源的任務並發進入協調器
//
// 架構組件:
//   ┌─────────────┐
//   │ Intake/CLI  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//    ReceiveResult() / Results()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool(processor, bufferSize)
//   2. Start(n) - 啟動 n 個 Worker
//   3. Submit(task) - 提交任務
//   4. ReceiveResult() / Results() - 讀取結果
//   5. Stop() - 不再接受新任務，處理完已提交的任務後關閉 resultCh
//      Drain() - 同上，但結果一定會送達（呼叫者需持續讀取 Results()）
//
// 並發控制:
//   - mu 保護 started/stopped 狀態
//   - sendMu: Submit 持有讀鎖直到送出完成，Stop 取得寫鎖後才關閉 taskCh，
//     因此不會對已關閉的 channel 送資料
//
// ============================================================================

package worker

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/roko-router/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池
type Pool struct {
	processor Processor
	workers   []*Worker
	taskCh    chan types.WorkflowTask
	resultCh  chan Result
	stopCh    chan struct{}
	wg        sync.WaitGroup
	started   bool
	stopped   bool
	mu        sync.Mutex   // 保護 started 和 stopped
	sendMu    sync.RWMutex // Submit 送出期間持有讀鎖
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
//
// bufferSize 同時是任務與結果通道的緩衝大小。
func NewPool(processor Processor, bufferSize int) *Pool {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Pool{
		processor: processor,
		workers:   make([]*Worker, 0),
		taskCh:    make(chan types.WorkflowTask, bufferSize),
		resultCh:  make(chan Result, bufferSize),
		stopCh:    make(chan struct{}),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if p.processor == nil {
		return errors.New("pool has no processor")
	}
	if workerCount <= 0 {
		return errors.New("worker count must be positive")
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.processor, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	log.Info("Worker pool started", "workers", workerCount, "buffer", cap(p.taskCh))
	return nil
}

// Submit 提交任務；通道滿時阻塞，直到有空間或 Pool 停止
func (p *Pool) Submit(task types.WorkflowTask) error {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 取得下一個結果；Pool 停止且結果都讀完後回傳 ErrPoolClosed
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Results 回傳結果通道，Stop 之後會被關閉
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Stop 優雅地關閉 Worker Pool
//
//  1. 設定 stopped，拒絕新的 Submit
//  2. 關閉 stopCh，喚醒阻塞中的 Submit
//  3. 等待送出中的 Submit 結束後關閉 taskCh
//  4. 等待 Worker 處理完已提交的任務
//  5. 關閉 resultCh
//
// resultCh 已滿且沒有人讀取時，結果會被丟棄。
func (p *Pool) Stop() {
	p.shutdown(false)
}

// Drain 與 Stop 相同，但在所有結果送達之前不關閉 stopCh
//
// 呼叫者必須同時讀取 Results()，否則 Drain 不會返回。
func (p *Pool) Drain() {
	p.shutdown(true)
}

func (p *Pool) shutdown(drain bool) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	wasStarted := p.started
	p.stopped = true
	p.mu.Unlock()

	if !drain {
		close(p.stopCh)
	}

	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	if wasStarted {
		p.wg.Wait()
	}
	if drain {
		close(p.stopCh)
	}
	close(p.resultCh)
	log.Info("Worker pool stopped", "drained", drain)
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
