package journal

// ============================================================================
// Journal 工具函式
// 職責：把事件流整理成稽核摘要，用來找出有 RESERVE 卻沒有 RELEASE 的任務
// ============================================================================

import (
	"fmt"
	"io"
	"sort"
)

// Summary journal 的稽核摘要
type Summary struct {
	Events      int                `json:"events"`
	LastSeq     uint64             `json:"last_seq"`
	ByType      map[EventType]int  `json:"by_type"`
	Outstanding map[string]float64 `json:"outstanding"` // 尚未歸還的資源（RESERVE - RELEASE）
	OpenTasks   []string           `json:"open_tasks"`  // 有 RESERVE 但沒有 RELEASE 的任務
	open        map[string]struct{}
}

func newSummary() *Summary {
	return &Summary{
		ByType:      make(map[EventType]int),
		Outstanding: make(map[string]float64),
		open:        make(map[string]struct{}),
	}
}

func (s *Summary) apply(e Event) error {
	s.Events++
	s.LastSeq = e.Seq
	s.ByType[e.Type]++

	switch e.Type {
	case EventReserve:
		s.open[e.TaskID] = struct{}{}
		for d, x := range e.Estimate {
			s.Outstanding[d] += x
		}
	case EventRelease:
		delete(s.open, e.TaskID)
		for d, x := range e.Estimate {
			s.Outstanding[d] -= x
		}
	}
	return nil
}

func (s *Summary) finish() {
	s.OpenTasks = make([]string, 0, len(s.open))
	for id := range s.open {
		s.OpenTasks = append(s.OpenTasks, id)
	}
	sort.Strings(s.OpenTasks)
}

// Summarize 讀取 journal 檔案並產生摘要
func Summarize(path string) (*Summary, error) {
	s := newSummary()
	if err := ReadFile(path, s.apply); err != nil {
		return nil, err
	}
	s.finish()
	return s, nil
}

// Dump 以一行一筆的格式輸出所有事件
func Dump(path string, w io.Writer) error {
	return ReadFile(path, func(e Event) error {
		_, err := fmt.Fprintf(w, "%6d %-8s %-20s %-36s %v\n", e.Seq, e.Type, e.TaskType, e.TaskID, e.Estimate)
		return err
	})
}
