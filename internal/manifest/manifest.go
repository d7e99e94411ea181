// Package manifest describes the binaries found on storage at boot.
//
// A manifest is a YAML document listing kernel partitions, the optional
// common library and the user binaries in registration order. It is checked
// against an embedded CUE schema before being decoded, so typos and
// out-of-range values are reported with their path. Binaries may point at a
// header file instead of listing their attributes inline.
package manifest

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/binmgr/internal/binary"
	"github.com/roach88/binmgr/internal/header"
	"github.com/roach88/binmgr/internal/registry"
)

//go:embed schema.cue
var schemaSource string

// Manifest is a decoded storage manifest.
type Manifest struct {
	Kernel        Kernel     `yaml:"kernel"`
	CommonLibrary *Binary    `yaml:"common_library,omitempty"`
	Binaries      []Binary   `yaml:"binaries"`
	Simulation    Simulation `yaml:"simulation,omitempty"`

	// Dir resolves relative header paths. Set by Load.
	Dir string `yaml:"-"`
}

// Kernel lists the kernel partitions.
type Kernel struct {
	Version    string      `yaml:"version,omitempty"`
	InUse      int         `yaml:"in_use,omitempty"`
	Partitions []Partition `yaml:"partitions"`
}

// Partition is one kernel flash partition.
type Partition struct {
	Number int `yaml:"number"`
	Size   int `yaml:"size"`
}

// Binary is one user binary or the common library.
type Binary struct {
	Name          string `yaml:"name"`
	Runtime       string `yaml:"runtime,omitempty"`
	Size          uint32 `yaml:"size,omitempty"`
	RAMSize       uint32 `yaml:"ram_size,omitempty"`
	StackSize     uint32 `yaml:"stack_size,omitempty"`
	Priority      uint8  `yaml:"priority,omitempty"`
	Compression   string `yaml:"compression,omitempty"`
	Version       string `yaml:"version,omitempty"`
	KernelVersion string `yaml:"kernel_version,omitempty"`
	Header        string `yaml:"header,omitempty"`
}

// Simulation configures failures injected by the simulated board.
type Simulation struct {
	LoadFailures    map[string]int `yaml:"load_failures,omitempty"`
	StartFailures   []string       `yaml:"start_failures,omitempty"`
	ExcludeFailures []int          `yaml:"exclude_failures,omitempty"`
}

// Error is a manifest validation failure.
type Error struct {
	Path    string
	Message string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Unwrap lets errors.Is(err, binary.ErrInvalidArgument) match.
func (e *Error) Unwrap() error {
	return binary.ErrInvalidArgument
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, err
	}
	m.Dir = filepath.Dir(path)
	return m, nil
}

// Parse validates data against the schema and decodes it. Every schema
// violation is reported; the returned error joins them.
func Parse(data []byte) (*Manifest, error) {
	var generic map[string]any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, &Error{Message: fmt.Sprintf("failed to parse YAML: %v", err)}
	}
	if generic == nil {
		generic = map[string]any{}
	}
	if err := validate(generic); err != nil {
		return nil, err
	}

	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, &Error{Message: fmt.Sprintf("failed to decode manifest: %v", err)}
	}
	if err := m.check(); err != nil {
		return nil, err
	}
	return &m, nil
}

func validate(doc map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile manifest schema: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Manifest")).Unify(ctx.Encode(doc))
	err := v.Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}

	var errs []error
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		errs = append(errs, &Error{
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		})
	}
	if len(errs) == 0 {
		return &Error{Message: err.Error()}
	}
	return errors.Join(errs...)
}

// check enforces rules the schema cannot express.
func (m *Manifest) check() error {
	seen := make(map[string]string)
	visit := func(path string, b Binary) error {
		if b.Header == "" && b.Size == 0 {
			return &Error{Path: path, Message: "size is required when no header is given"}
		}
		if prev, ok := seen[b.Name]; ok {
			return &Error{Path: path, Message: fmt.Sprintf("name %q already used by %s", b.Name, prev)}
		}
		seen[b.Name] = path
		return nil
	}

	if m.CommonLibrary != nil {
		if err := visit("common_library", *m.CommonLibrary); err != nil {
			return err
		}
	}
	for i, b := range m.Binaries {
		if err := visit(fmt.Sprintf("binaries.%d", i), b); err != nil {
			return err
		}
	}
	if n := len(m.Kernel.Partitions); n > 0 && m.Kernel.InUse >= n {
		return &Error{Path: "kernel.in_use", Message: fmt.Sprintf("partition %d out of range (%d partitions)", m.Kernel.InUse, n)}
	}
	return nil
}

// All returns the common library (if any) followed by the user binaries.
func (m *Manifest) All() []Binary {
	out := make([]Binary, 0, len(m.Binaries)+1)
	if m.CommonLibrary != nil {
		out = append(out, *m.CommonLibrary)
	}
	return append(out, m.Binaries...)
}

// Registration resolves b into a registry entry. When b names a header file
// the header is read from dir and must carry the same name and the binary
// type want; its fields win over inline attributes. A malformed or
// mismatched header yields an InvalidArgument error.
func (b Binary) Registration(dir string, want header.Type) (registry.Registration, error) {
	if b.Header != "" {
		path := b.Header
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		h, err := header.ReadFile(path)
		if err != nil {
			return registry.Registration{}, fmt.Errorf("binary %s: %w", b.Name, err)
		}
		if h.Name != b.Name {
			return registry.Registration{}, binary.Errorf(binary.CodeInvalidArgument,
				"binary %s: header names %q", b.Name, h.Name)
		}
		if h.Type != want {
			return registry.Registration{}, binary.Errorf(binary.CodeInvalidArgument,
				"binary %s: header type %s, manifest expects %s", b.Name, h.Type, want)
		}
		return h.Registration(), nil
	}

	rt, err := binary.ParseRuntimeType(b.Runtime)
	if err != nil {
		return registry.Registration{}, binary.Errorf(binary.CodeInvalidArgument, "binary %s: %v", b.Name, err)
	}
	comp, err := binary.ParseCompression(b.Compression)
	if err != nil {
		return registry.Registration{}, binary.Errorf(binary.CodeInvalidArgument, "binary %s: %v", b.Name, err)
	}
	return registry.Registration{
		Attrs: binary.LoadAttributes{
			Name:        b.Name,
			BinSize:     b.Size,
			RAMSize:     b.RAMSize,
			Offset:      header.Size,
			StackSize:   b.StackSize,
			Priority:    b.Priority,
			Compression: comp,
		},
		RuntimeType:   rt,
		Version:       b.Version,
		KernelVersion: b.KernelVersion,
	}, nil
}
