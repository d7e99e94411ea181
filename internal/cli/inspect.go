package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/binmgr/internal/header"
)

// HeaderView is the printable form of a binary header.
type HeaderView struct {
	Path          string `json:"path" yaml:"path"`
	Name          string `json:"name" yaml:"name"`
	Type          string `json:"type" yaml:"type"`
	Version       string `json:"version" yaml:"version"`
	KernelVersion string `json:"kernel_version" yaml:"kernel_version"`
	Runtime       string `json:"runtime" yaml:"runtime"`
	Compression   string `json:"compression" yaml:"compression"`
	Priority      uint8  `json:"priority" yaml:"priority"`
	BinSize       uint32 `json:"bin_size" yaml:"bin_size"`
	RAMSize       uint32 `json:"ram_size" yaml:"ram_size"`
	StackSize     uint32 `json:"stack_size" yaml:"stack_size"`
}

func newHeaderView(path string, h header.Header) HeaderView {
	return HeaderView{
		Path:          path,
		Name:          h.Name,
		Type:          h.Type.String(),
		Version:       h.Version,
		KernelVersion: h.KernelVersion,
		Runtime:       h.RuntimeType.String(),
		Compression:   h.Compression.String(),
		Priority:      h.Priority,
		BinSize:       h.BinSize,
		RAMSize:       h.RAMSize,
		StackSize:     h.StackSize,
	}
}

// Text implements Texter.
func (v HeaderView) Text(w io.Writer) {
	fmt.Fprintf(w, "%s (%s)\n", v.Name, v.Path)
	fmt.Fprintf(w, "  type:           %s\n", v.Type)
	fmt.Fprintf(w, "  version:        %s\n", v.Version)
	fmt.Fprintf(w, "  kernel version: %s\n", v.KernelVersion)
	fmt.Fprintf(w, "  runtime:        %s\n", v.Runtime)
	fmt.Fprintf(w, "  compression:    %s\n", v.Compression)
	fmt.Fprintf(w, "  priority:       %d\n", v.Priority)
	fmt.Fprintf(w, "  binary size:    %d\n", v.BinSize)
	fmt.Fprintf(w, "  RAM size:       %d\n", v.RAMSize)
	fmt.Fprintf(w, "  stack size:     %d\n", v.StackSize)
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <binary>",
		Short: "Decode the header of a binary image",
		Long: `Decode the 64-byte header at the start of a binary image.

The checksum is verified before any field is shown.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runInspect(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	h, err := header.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		msg := fmt.Sprintf("binary not found: %s", path)
		_ = formatter.Error(ErrCodeNotFound, msg, nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", ErrCodeNotFound, msg))
	}
	if err != nil {
		_ = formatter.Error(ErrCodeInvalid, err.Error(), nil)
		return WrapExitError(ExitFailure, ErrCodeInvalid, err)
	}

	return formatter.Success(newHeaderView(path, h))
}
