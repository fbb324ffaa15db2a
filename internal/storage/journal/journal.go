package journal

// ============================================================================
// Journal 核心實作
// 職責：
// 1. 追加准入事件到日誌檔案（append-only, JSON lines）
// 2. 提供重放功能，用於稽核與找出未歸還的預留
// 3. 批次寫入，Close 前一定 flush
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/roko-router/pkg/types"
)

const maxLineSize = 1 << 20

// FileInterface 定義檔案操作所需的方法，方便測試中替換
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Journal 准入事件日誌
type Journal struct {
	mu           sync.Mutex
	file         FileInterface
	encoder      *json.Encoder
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool

	buffer     []Event
	bufferSize int
}

// ============================================================================
// 公開介面
// ============================================================================

// Open 建立或開啟 journal
//
// 檔案已存在時從最後一個事件的 seq 繼續編號。
// syncOnAppend 為 true 時每次 Append 都寫入並 fsync；否則累積 bufferSize 筆才寫入。
func Open(path string, syncOnAppend bool, bufferSize int) (*Journal, error) {
	var seq uint64
	if _, err := os.Stat(path); err == nil {
		err := ReadFile(path, func(e Event) error {
			seq = e.Seq
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	if bufferSize <= 0 {
		bufferSize = 1
	}

	return &Journal{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
		buffer:       make([]Event, 0, bufferSize),
		bufferSize:   bufferSize,
	}, nil
}

// Append 追加一個事件
func (j *Journal) Append(eventType EventType, task types.WorkflowTask, estimate types.ResourceVector) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	j.seq++
	event := Event{
		Seq:       j.seq,
		Type:      eventType,
		TaskID:    task.ID,
		TaskType:  task.TaskType.String(),
		Estimate:  estimate.Float64s(),
		Timestamp: time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(event)

	j.buffer = append(j.buffer, event)

	if j.syncOnAppend || len(j.buffer) >= j.bufferSize {
		return j.flushLocked()
	}
	return nil
}

// Flush 把緩衝區寫入磁碟
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}
	return j.flushLocked()
}

// Replay 重放所有已寫入的事件（會先 flush 緩衝區）
func (j *Journal) Replay(handler EventHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.closed {
		if err := j.flushLocked(); err != nil {
			return err
		}
	}
	return ReadFile(j.path, handler)
}

// LastSeq 取得目前的事件序號
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path 回傳檔案路徑
func (j *Journal) Path() string {
	return j.path
}

// Close 關閉 journal；關閉後的實例不可再使用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}

	if err := j.flushLocked(); err != nil {
		return err
	}
	j.closed = true
	return j.file.Close()
}

// ============================================================================
// 檔案讀取
// ============================================================================

// ReadFile 依序讀取 journal 檔案中的每個事件並驗證 checksum
//
// 遇到損壞或 checksum 錯誤時立即停止。
func ReadFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		if err := handler(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// flushLocked 呼叫者必須持有 j.mu
func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		return nil
	}
	for _, event := range j.buffer {
		if err := j.encoder.Encode(event); err != nil {
			return err
		}
	}
	j.buffer = j.buffer[:0]
	return j.file.Sync()
}
