package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ChuLiYu/roko-router/internal/storage/journal"
	"github.com/ChuLiYu/roko-router/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644), "Failed to write test file")
	return path
}

// execute 執行 CLI 並回傳 stdout
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "roko", cmd.Use, "Root command should be 'roko'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	// 檢查子命令
	commands := cmd.Commands()
	assert.Len(t, commands, 4, "Should have 4 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Use] = true
	}

	assert.True(t, commandNames["run"], "Should have 'run' command")
	assert.True(t, commandNames["submit"], "Should have 'submit' command")
	assert.True(t, commandNames["status"], "Should have 'status' command")
	assert.True(t, commandNames["journal"], "Should have 'journal' command")

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	assert.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue, "Default config path should be configs/default.yaml")
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use, "Command should be 'run'")
	assert.Contains(t, cmd.Short, "Start", "Short description should mention 'Start'")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestBuildSubmitCommand(t *testing.T) {
	cmd := buildSubmitCommand()

	assert.Equal(t, "submit", cmd.Use, "Command should be 'submit'")

	fileFlag := cmd.Flags().Lookup("file")
	require.NotNil(t, fileFlag, "Should have --file flag")
	assert.Equal(t, "f", fileFlag.Shorthand, "Should have -f shorthand")

	assert.NotNil(t, cmd.Flags().Lookup("server"))
	assert.NotNil(t, cmd.Flags().Lookup("queue"))
	assert.Equal(t, "30s", cmd.Flags().Lookup("timeout").DefValue)
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestBuildStatusCommand(t *testing.T) {
	cmd := buildStatusCommand()

	assert.Equal(t, "status", cmd.Use, "Command should be 'status'")
	assert.Contains(t, cmd.Short, "status", "Short description should mention 'status'")
	assert.NotNil(t, cmd.Flags().Lookup("server"))
}

func TestBuildJournalCommand(t *testing.T) {
	cmd := buildJournalCommand()

	assert.Equal(t, "journal", cmd.Use)
	assert.NotNil(t, cmd.Flags().Lookup("path"))
	assert.NotNil(t, cmd.Flags().Lookup("dump"))
}

// ============================================================================
// submit
// ============================================================================

func TestSubmit_FileNotFound(t *testing.T) {
	_, err := execute(t, "submit", "-f", "/nonexistent/tasks.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read task file")
}

func TestSubmit_InvalidJSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "tasks.json", `[{"id": "x",`)

	_, err := execute(t, "submit", "-f", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse task file")
}

func TestSubmit_InvalidTaskType(t *testing.T) {
	path := writeFile(t, t.TempDir(), "tasks.json", `[{"id": "w-1", "task_type": "weather_forecast"}]`)

	_, err := execute(t, "submit", "-f", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid task type")
}

func TestSubmit_ServerAndQueueExclusive(t *testing.T) {
	path := writeFile(t, t.TempDir(), "tasks.json", `[]`)

	_, err := execute(t, "submit", "-f", path, "--server", "localhost:1", "--queue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestSubmit_Local(t *testing.T) {
	dir := t.TempDir()
	journalPath := filepath.Join(dir, "admission.journal")
	cfgPath := writeFile(t, dir, "config.yaml", `
metrics:
  enabled: false
journal:
  path: `+journalPath+`
worker:
  worker_count: 2
`)
	tasksPath := writeFile(t, dir, "tasks.json", `[
  {"id": "m-1", "task_type": "market_analysis", "data": {"text": "BTC 1h candles"}},
  {"id": "ir-1", "task_type": "infrared_scan"}
]`)

	out, err := execute(t, "-c", cfgPath, "submit", "-f", tasksPath)
	require.NoError(t, err)

	outcomes := map[string]types.Outcome{}
	dec := json.NewDecoder(bytes.NewReader([]byte(out)))
	for dec.More() {
		var o types.Outcome
		require.NoError(t, dec.Decode(&o))
		outcomes[o.TaskID] = o
	}

	require.Len(t, outcomes, 2)
	for _, id := range []string{"m-1", "ir-1"} {
		o := outcomes[id]
		assert.Equal(t, types.OutcomeDispatched, o.Status, id)
		require.NotNil(t, o.Result, id)
		// 沒有設定 backbone
		assert.Equal(t, types.ResultNotImplemented, o.Result.Status, id)
	}

	summary, err := journal.Summarize(journalPath)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Events)
	assert.Equal(t, 2, summary.ByType[journal.EventReserve])
	assert.Equal(t, 2, summary.ByType[journal.EventRelease])
	assert.Empty(t, summary.OpenTasks)

	// journal 子命令讀同一個檔案
	out, err = execute(t, "-c", cfgPath, "journal")
	require.NoError(t, err)
	var printed journal.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &printed))
	assert.Equal(t, 4, printed.Events)

	out, err = execute(t, "journal", "--path", journalPath, "--dump")
	require.NoError(t, err)
	assert.Contains(t, out, "RESERVE")
	assert.Contains(t, out, "ir-1")
}

// ============================================================================
// status / journal
// ============================================================================

func TestShowStatus(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "config.yaml", `
backbone:
  addr: localhost:50070
metrics:
  enabled: false
`)

	out, err := execute(t, "-c", cfgPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Roko Router Configuration")
	assert.Contains(t, out, "accelerator_memory")
	assert.Contains(t, out, "visual_processing")
	assert.Contains(t, out, "localhost:50070")
	assert.Contains(t, out, "Disabled")
}

func TestStatus_InvalidConfig(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "config.yaml", `
worker:
  worker_count: 0
`)

	_, err := execute(t, "-c", cfgPath, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker_count")
}

func TestJournal_NoPath(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "config.yaml", "log:\n  level: warn\n")

	_, err := execute(t, "-c", cfgPath, "journal")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal.path is not set")
}
