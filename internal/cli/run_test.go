package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/binmgr/internal/journal"
	"github.com/roach88/binmgr/internal/testutil"
)

const boardManifest = `kernel:
  version: "2.0"
  partitions:
    - number: 3
      size: 1048576
common_library:
  name: common
  size: 65536
  ram_size: 131072
binaries:
  - name: camera
    runtime: realtime
    size: 40960
    ram_size: 262144
    stack_size: 4096
    priority: 100
  - name: audio
    size: 20480
    ram_size: 131072
    stack_size: 2048
    priority: 90
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const (
	defaultTestTimeout = 2 * time.Second
	pollInterval       = 10 * time.Millisecond
)

// syncBuffer is a bytes.Buffer safe to read while a command writes to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

// restoreLogger undoes the global logger installed by the run command.
func restoreLogger(t *testing.T) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
}

func newTestRunCommand(t *testing.T, format string) (*bytes.Buffer, *bytes.Buffer, func(args ...string) error) {
	t.Helper()
	restoreLogger(t)
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	cmd := NewRunCommand(&RootOptions{Format: format})
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	exec := func(args ...string) error {
		cmd.SetArgs(args)
		return cmd.ExecuteContext(context.Background())
	}
	return out, errOut, exec
}

func TestRunOnceBootsBoard(t *testing.T) {
	manifestPath := writeFile(t, t.TempDir(), "board.yaml", boardManifest)
	out, errOut, exec := newTestRunCommand(t, "text")

	err := exec("--once", manifestPath)
	require.NoError(t, err, "stderr: %s", errOut.String())

	output := out.String()
	assert.Contains(t, output, "1 partition(s), 3 binary(ies) registered")
	assert.Contains(t, output, "✓ common")
	assert.Contains(t, output, "✓ camera")
	assert.Contains(t, output, "✓ audio")
	assert.NotContains(t, output, "Press Ctrl-C")
	assert.Contains(t, errOut.String(), "binary manager starting")
}

func TestRunOnceJSON(t *testing.T) {
	manifestPath := writeFile(t, t.TempDir(), "board.yaml", boardManifest)
	out, _, exec := newTestRunCommand(t, "json")

	require.NoError(t, exec("--once", manifestPath))

	var resp struct {
		Status string      `json:"status"`
		Data   BootSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, []string{"common", "camera", "audio"}, resp.Data.Registered)
	require.Len(t, resp.Data.Loads, 3)
	assert.Equal(t, 0, resp.Data.Failed())
}

func TestRunOnceLoadFailureExitsOne(t *testing.T) {
	manifest := boardManifest + `simulation:
  load_failures:
    camera: 5
`
	manifestPath := writeFile(t, t.TempDir(), "board.yaml", manifest)
	out, _, exec := newTestRunCommand(t, "text")

	err := exec("--once", "--load-attempts", "2", manifestPath)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "1 binary(ies) failed to load")
	assert.Contains(t, out.String(), "✗ camera (2 attempt(s))")
	assert.Contains(t, out.String(), "✓ audio")
}

func TestRunOnceSkipsUnregistrableBinary(t *testing.T) {
	manifest := boardManifest + `  - name: radio
    header: missing.bin
`
	manifestPath := writeFile(t, t.TempDir(), "board.yaml", manifest)
	out, _, exec := newTestRunCommand(t, "text")

	require.NoError(t, exec("--once", manifestPath))
	assert.Contains(t, out.String(), "skipped radio:")
}

func TestRunJournalRecordsBoot(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeFile(t, dir, "board.yaml", boardManifest)
	dbPath := filepath.Join(dir, "binmgr.db")
	restoreLogger(t)

	out := &bytes.Buffer{}
	opts := &RunOptions{
		RootOptions:     &RootOptions{Format: "text"},
		Journal:         dbPath,
		UserCapacity:    5,
		KernelCapacity:  2,
		KernelVersion:   "2.0",
		LoadAttempts:    2,
		ResponseTimeout: defaultTestTimeout,
		FaultQueueDepth: 8,
		Once:            true,
		BootIDs:         testutil.NewFixedBootIDGenerator("boot-cli"),
	}
	cmd := NewRunCommand(opts.RootOptions)
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetContext(context.Background())

	require.NoError(t, runBoot(opts, manifestPath, cmd))
	assert.Contains(t, out.String(), "Boot boot-cli:")

	j, err := journal.Open(dbPath)
	require.NoError(t, err)
	defer j.Close()

	boots, err := j.Boots(context.Background())
	require.NoError(t, err)
	require.Len(t, boots, 1)
	assert.Equal(t, "boot-cli", boots[0].ID)

	outcomes, err := j.ReadOutcomes(context.Background(), "boot-cli")
	require.NoError(t, err)
	assert.Len(t, outcomes, 3)
}

func TestRunNonExistentManifest(t *testing.T) {
	_, _, exec := newTestRunCommand(t, "text")

	err := exec("--once", "/nonexistent/board.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "manifest not found")
}

func TestRunInvalidManifest(t *testing.T) {
	manifestPath := writeFile(t, t.TempDir(), "board.yaml", "kernel:\n  partitions: []\nbinaries:\n  - size: 10\n")
	_, _, exec := newTestRunCommand(t, "text")

	err := exec("--once", manifestPath)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid manifest")
}

func TestRunInvalidConfiguration(t *testing.T) {
	manifestPath := writeFile(t, t.TempDir(), "board.yaml", boardManifest)
	_, _, exec := newTestRunCommand(t, "text")

	err := exec("--once", "--load-attempts", "0", manifestPath)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "load attempts must be positive")
}

func TestRunServesUntilCancelled(t *testing.T) {
	manifestPath := writeFile(t, t.TempDir(), "board.yaml", boardManifest)

	restoreLogger(t)
	out := &syncBuffer{}
	cmd := NewRunCommand(&RootOptions{Format: "text"})
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{manifestPath})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return bytes.Contains(out.Bytes(), []byte("Board running"))
	}, defaultTestTimeout, pollInterval)

	cancel()
	assert.NoError(t, <-done)
}

func TestBootSummaryText(t *testing.T) {
	s := BootSummary{
		BootID:     "b1",
		Partitions: 2,
		Registered: []string{"common", "camera"},
		Skipped:    []BinaryError{{Name: "radio", Error: "bad header"}},
		Loads: []LoadResult{
			{Name: "common", Attempts: 1},
			{Name: "camera", Attempts: 2, Error: "LOAD_FAILED: camera"},
		},
	}

	buf := &bytes.Buffer{}
	s.Text(buf)
	assert.Equal(t, "Boot b1: 2 partition(s), 2 binary(ies) registered\n"+
		"  skipped radio: bad header\n"+
		"  ✓ common\n"+
		"  ✗ camera (2 attempt(s)): LOAD_FAILED: camera\n", buf.String())
	assert.Equal(t, 1, s.Failed())
}
