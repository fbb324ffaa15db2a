// ============================================================================
// Roko Router Worker - Task Processing Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Each Worker runs in its own goroutine and feeds tasks to the Processor
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Call Processor.Process (estimate, reserve, dispatch, release)
//   3. Send result to resultCh
//   4. Repeat until taskCh is closed
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for task := range taskCh     │   │
//   │  │   ├─ processor.Process(task) │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Timeouts are applied by the Processor (coordinator task_timeout), not here.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/roko-router/pkg/types"
)

// Worker represents a processing unit
type Worker struct {
	id        int                       // Worker identifier, used for logging
	processor Processor                 // Task processor
	taskCh    <-chan types.WorkflowTask // Task channel (read-only)
	resultCh  chan<- Result             // Result channel (write-only)
	stopCh    <-chan struct{}           // Closed when the pool stops
}

// newWorker creates a new Worker instance
func newWorker(id int, processor Processor, taskCh <-chan types.WorkflowTask, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:        id,
		processor: processor,
		taskCh:    taskCh,
		resultCh:  resultCh,
		stopCh:    stopCh,
	}
}

// Run is the main loop of Worker; it returns once taskCh is closed and drained
func (w *Worker) Run() {
	for task := range w.taskCh {
		result := w.execute(context.Background(), task)
		w.report(result)
	}
}

// execute processes one task and converts a processor panic into Result.Err
func (w *Worker) execute(ctx context.Context, task types.WorkflowTask) (result Result) {
	start := time.Now()
	result.Task = task

	defer func() {
		if p := recover(); p != nil {
			log.Error("Processor panic recovered", "worker", w.id, "taskID", task.ID, "panic", p)
			result.Err = fmt.Errorf("processor panic: %v", p)
		}
		result.Duration = time.Since(start)
	}()

	result.Outcome, result.Err = w.processor.Process(ctx, task)
	return result
}

// report delivers a result; blocks while the pool is running, drops when stopped and full
func (w *Worker) report(result Result) {
	select {
	case w.resultCh <- result:
		return
	default:
	}

	select {
	case w.resultCh <- result:
	case <-w.stopCh:
		log.Warn("Result dropped after shutdown", "worker", w.id, "taskID", result.Task.ID)
	}
}
