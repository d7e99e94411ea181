package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/binmgr/internal/binary"
	"github.com/roach88/binmgr/internal/header"
)

func TestLoad(t *testing.T) {
	m, err := Load(filepath.Join("testdata", "board.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "testdata", m.Dir)
	assert.Equal(t, "2.0", m.Kernel.Version)
	assert.Equal(t, 1, m.Kernel.InUse)
	assert.Equal(t, []Partition{{Number: 3, Size: 1048576}, {Number: 4, Size: 1048576}}, m.Kernel.Partitions)
	require.NotNil(t, m.CommonLibrary)
	assert.Equal(t, "common", m.CommonLibrary.Name)

	names := make([]string, 0, 3)
	for _, b := range m.All() {
		names = append(names, b.Name)
	}
	assert.Equal(t, []string{"common", "camera", "audio"}, names)
}

func TestBinaryRegistration_Inline(t *testing.T) {
	m, err := Load(filepath.Join("testdata", "board.yaml"))
	require.NoError(t, err)

	reg, err := m.Binaries[0].Registration(m.Dir, header.TypeUser)
	require.NoError(t, err)
	assert.Equal(t, "camera", reg.Attrs.Name)
	assert.Equal(t, uint32(40960), reg.Attrs.BinSize)
	assert.Equal(t, uint8(100), reg.Attrs.Priority)
	assert.Equal(t, binary.CompressionLZMA, reg.Attrs.Compression)
	assert.Equal(t, binary.RuntimeRealtime, reg.RuntimeType)
	assert.Equal(t, uint32(header.Size), reg.Attrs.Offset)

	reg, err = m.Binaries[1].Registration(m.Dir, header.TypeUser)
	require.NoError(t, err)
	assert.Equal(t, binary.RuntimeNonRealtime, reg.RuntimeType)
	assert.Equal(t, binary.CompressionNone, reg.Attrs.Compression)
}

func writeHeader(t *testing.T, dir, file string, h header.Header) {
	t.Helper()
	raw, err := h.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), raw, 0o644))
}

func TestBinaryRegistration_Header(t *testing.T) {
	dir := t.TempDir()
	writeHeader(t, dir, "wifi.bin", header.Header{
		Type:        header.TypeUser,
		RuntimeType: binary.RuntimeRealtime,
		BinSize:     8192,
		Name:        "wifi",
		Version:     "7",
	})

	reg, err := Binary{Name: "wifi", Header: "wifi.bin"}.Registration(dir, header.TypeUser)
	require.NoError(t, err)
	assert.Equal(t, uint32(8192), reg.Attrs.BinSize)
	assert.Equal(t, "7", reg.Version)

	_, err = Binary{Name: "bt", Header: "wifi.bin"}.Registration(dir, header.TypeUser)
	require.Error(t, err)
	assert.True(t, binary.IsCode(err, binary.CodeInvalidArgument))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.bin"), make([]byte, header.Size), 0o644))
	_, err = Binary{Name: "junk", Header: "junk.bin"}.Registration(dir, header.TypeUser)
	require.Error(t, err)
	assert.True(t, binary.IsCode(err, binary.CodeInvalidArgument))
}

func TestBinaryRegistration_HeaderTypeMismatch(t *testing.T) {
	dir := t.TempDir()
	writeHeader(t, dir, "wifi.bin", header.Header{Type: header.TypeUser, BinSize: 8192, Name: "wifi", Version: "7"})
	writeHeader(t, dir, "common.bin", header.Header{Type: header.TypeCommon, BinSize: 4096, Name: "common", Version: "1"})

	_, err := Binary{Name: "wifi", Header: "wifi.bin"}.Registration(dir, header.TypeCommon)
	require.Error(t, err)
	assert.True(t, binary.IsCode(err, binary.CodeInvalidArgument))
	assert.Contains(t, err.Error(), "header type user, manifest expects common")

	_, err = Binary{Name: "common", Header: "common.bin"}.Registration(dir, header.TypeUser)
	require.Error(t, err)
	assert.True(t, binary.IsCode(err, binary.CodeInvalidArgument))

	reg, err := Binary{Name: "common", Header: "common.bin"}.Registration(dir, header.TypeCommon)
	require.NoError(t, err)
	assert.Equal(t, "common", reg.Attrs.Name)
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		path string
	}{
		{"unknown field", "binaries:\n  - name: camera\n    size: 10\n    colour: red\n", "binaries.0.colour"},
		{"bad runtime", "binaries:\n  - name: camera\n    size: 10\n    runtime: fast\n", "binaries.0.runtime"},
		{"priority range", "binaries:\n  - name: camera\n    size: 10\n    priority: 300\n", "binaries.0.priority"},
		{"name too long", "binaries:\n  - name: abcdefghijklmnop\n    size: 10\n", "binaries.0.name"},
		{"partition size", "kernel:\n  partitions:\n    - number: 1\n      size: 0\n", "kernel.partitions.0.size"},
		{"top level typo", "binary:\n  - name: camera\n", "binary"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, binary.ErrInvalidArgument))

			var merr *Error
			require.True(t, errors.As(err, &merr))
			assert.Equal(t, tt.path, merr.Path)
		})
	}
}

func TestParse_Rules(t *testing.T) {
	_, err := Parse([]byte("binaries:\n  - name: camera\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size is required")

	_, err = Parse([]byte("binaries:\n  - name: camera\n    size: 1\n  - name: camera\n    size: 2\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already used")

	_, err = Parse([]byte("kernel:\n  in_use: 2\n  partitions:\n    - number: 1\n      size: 4\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kernel.in_use")
}

func TestParse_Empty(t *testing.T) {
	m, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, m.All())
}

func TestParse_Simulation(t *testing.T) {
	m, err := Parse([]byte("simulation:\n  load_failures:\n    camera: 2\n  start_failures: [audio]\n  exclude_failures: [105]\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"camera": 2}, m.Simulation.LoadFailures)
	assert.Equal(t, []string{"audio"}, m.Simulation.StartFailures)
	assert.Equal(t, []int{105}, m.Simulation.ExcludeFailures)
}
