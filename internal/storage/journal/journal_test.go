package journal

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ChuLiYu/roko-router/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T, bufferSize int) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "admission.journal")
	j, err := Open(path, false, bufferSize)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func testTask(id string, tt types.TaskType) types.WorkflowTask {
	return types.WorkflowTask{ID: id, TaskType: tt}
}

var marketEstimate = types.ResourceVector{
	types.AcceleratorMemory:    1.0,
	types.ProcessorUtilization: 0.2,
	types.ConcurrentTaskSlots:  1,
}

func TestAppendAndReplay(t *testing.T) {
	j, _ := openTestJournal(t, 1)

	task := testTask("t-1", types.MarketAnalysis)
	require.NoError(t, j.Append(EventReserve, task, marketEstimate))
	require.NoError(t, j.Append(EventRelease, task, marketEstimate))
	require.NoError(t, j.Append(EventDefer, testTask("t-2", types.InfraredScan), nil))

	var events []Event
	require.NoError(t, j.Replay(func(e Event) error {
		events = append(events, e)
		return nil
	}))

	require.Len(t, events, 3)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, EventReserve, events[0].Type)
	assert.Equal(t, "market_analysis", events[0].TaskType)
	assert.Equal(t, 0.2, events[0].Estimate["processor_utilization"])
	assert.Equal(t, EventDefer, events[2].Type)
	assert.Equal(t, "t-2", events[2].TaskID)
	assert.Equal(t, uint64(3), j.LastSeq())
}

func TestBufferedAppendFlushedOnReplay(t *testing.T) {
	j, path := openTestJournal(t, 100)

	require.NoError(t, j.Append(EventReserve, testTask("t-1", types.VisualProcessing), marketEstimate))

	// 尚未 flush，檔案是空的
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)

	count := 0
	require.NoError(t, j.Replay(func(Event) error { count++; return nil }))
	assert.Equal(t, 1, count)
}

func TestReopenContinuesSeq(t *testing.T) {
	path := filepath.Join(t.TempDir(), "admission.journal")

	j, err := Open(path, true, 0)
	require.NoError(t, err)
	require.NoError(t, j.Append(EventReserve, testTask("t-1", types.MarketAnalysis), marketEstimate))
	require.NoError(t, j.Append(EventRelease, testTask("t-1", types.MarketAnalysis), marketEstimate))
	require.NoError(t, j.Close())

	j2, err := Open(path, true, 0)
	require.NoError(t, err)
	defer j2.Close()

	assert.Equal(t, uint64(2), j2.LastSeq())
	require.NoError(t, j2.Append(EventDefer, testTask("t-2", types.InfraredScan), nil))
	assert.Equal(t, uint64(3), j2.LastSeq())
}

func TestAppendAfterClose(t *testing.T) {
	j, _ := openTestJournal(t, 1)
	require.NoError(t, j.Close())

	err := j.Append(EventDefer, testTask("t-1", types.MarketAnalysis), nil)
	assert.ErrorIs(t, err, ErrJournalClosed)
	assert.NoError(t, j.Close(), "double close is a no-op")
}

func TestChecksumMismatch(t *testing.T) {
	j, path := openTestJournal(t, 1)
	require.NoError(t, j.Append(EventReserve, testTask("t-1", types.MarketAnalysis), marketEstimate))
	require.NoError(t, j.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"t-1"`, `"t-9"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0644))

	err = ReadFile(path, func(Event) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Contains(t, err.Error(), "seq=1")
}

func TestCorruptedRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.journal")
	require.NoError(t, os.WriteFile(path, []byte("{not json\n"), 0644))

	err := ReadFile(path, func(Event) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptedJournal)

	_, err = Open(path, false, 1)
	assert.ErrorIs(t, err, ErrCorruptedJournal)
}

func TestSummarize(t *testing.T) {
	j, path := openTestJournal(t, 1)

	done := testTask("done", types.MarketAnalysis)
	leaked := testTask("leaked", types.InfraredScan)
	infrared := types.ResourceVector{types.AcceleratorMemory: 2.0, types.ProcessorUtilization: 0.3, types.ConcurrentTaskSlots: 1}

	require.NoError(t, j.Append(EventReserve, done, marketEstimate))
	require.NoError(t, j.Append(EventReserve, leaked, infrared))
	require.NoError(t, j.Append(EventRelease, done, marketEstimate))
	require.NoError(t, j.Append(EventDefer, testTask("deferred", types.InfraredScan), infrared))
	require.NoError(t, j.Flush())

	s, err := Summarize(path)
	require.NoError(t, err)

	assert.Equal(t, 4, s.Events)
	assert.Equal(t, uint64(4), s.LastSeq)
	assert.Equal(t, 2, s.ByType[EventReserve])
	assert.Equal(t, 1, s.ByType[EventRelease])
	assert.Equal(t, 1, s.ByType[EventDefer])
	assert.Equal(t, []string{"leaked"}, s.OpenTasks)
	assert.InDelta(t, 2.0, s.Outstanding["accelerator_memory"], 1e-9)
	assert.InDelta(t, 0.3, s.Outstanding["processor_utilization"], 1e-9)
}

func TestDump(t *testing.T) {
	j, path := openTestJournal(t, 1)
	require.NoError(t, j.Append(EventReserve, testTask("t-1", types.AnomalyDetection), marketEstimate))

	var buf bytes.Buffer
	require.NoError(t, Dump(path, &buf))
	assert.Contains(t, buf.String(), "RESERVE")
	assert.Contains(t, buf.String(), "anomaly_detection")
	assert.Contains(t, buf.String(), "t-1")
}
