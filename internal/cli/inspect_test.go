package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func runInspectCmd(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewInspectCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestInspectText(t *testing.T) {
	dir := t.TempDir()
	writeHeader(t, dir, "radio.bin", "radio")

	output, err := runInspectCmd(t, "text", filepath.Join(dir, "radio.bin"))
	require.NoError(t, err)
	assert.Contains(t, output, "radio (")
	assert.Contains(t, output, "type:           user")
	assert.Contains(t, output, "version:        20240301")
	assert.Contains(t, output, "runtime:        REALTIME")
	assert.Contains(t, output, "stack size:     2048")
}

func TestInspectYAML(t *testing.T) {
	dir := t.TempDir()
	writeHeader(t, dir, "radio.bin", "radio")

	output, err := runInspectCmd(t, "yaml", filepath.Join(dir, "radio.bin"))
	require.NoError(t, err)

	var resp struct {
		Status string     `yaml:"status"`
		Data   HeaderView `yaml:"data"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "radio", resp.Data.Name)
	assert.Equal(t, "2.0", resp.Data.KernelVersion)
	assert.Equal(t, uint32(8192), resp.Data.BinSize)
	assert.Equal(t, uint8(50), resp.Data.Priority)
}

func TestInspectNotFound(t *testing.T) {
	output, err := runInspectCmd(t, "text", "/nonexistent/radio.bin")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, output, "Error [E005]")
}

func TestInspectCorruptHeader(t *testing.T) {
	dir := t.TempDir()
	writeHeader(t, dir, "radio.bin", "radio")
	path := filepath.Join(dir, "radio.bin")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[24] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0644))

	output, err := runInspectCmd(t, "text", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, output, "checksum mismatch")
}

func TestInspectTruncated(t *testing.T) {
	path := writeFile(t, t.TempDir(), "short.bin", "tiny")

	output, err := runInspectCmd(t, "text", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, output, "Error [E101]")
}
