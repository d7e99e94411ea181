package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/binmgr/internal/journal"
	"github.com/roach88/binmgr/internal/manager"
	"github.com/roach88/binmgr/internal/manifest"
	"github.com/roach88/binmgr/internal/sim"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Journal         string
	UserCapacity    int
	KernelCapacity  int
	KernelVersion   string
	LoadAttempts    int
	ResponseTimeout time.Duration
	FaultQueueDepth int
	NoRecovery      bool
	Once            bool

	// BootIDs allows overriding the boot id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	BootIDs manager.BootIDGenerator
}

// BootSummary reports what a boot registered and loaded.
type BootSummary struct {
	BootID     string        `json:"boot_id" yaml:"boot_id"`
	Partitions int           `json:"partitions" yaml:"partitions"`
	Registered []string      `json:"registered" yaml:"registered"`
	Skipped    []BinaryError `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Loads      []LoadResult  `json:"loads" yaml:"loads"`
}

// BinaryError is a binary that could not be registered.
type BinaryError struct {
	Name  string `json:"name" yaml:"name"`
	Error string `json:"error" yaml:"error"`
}

// LoadResult is the outcome of loading one binary at boot.
type LoadResult struct {
	Name     string `json:"name" yaml:"name"`
	Attempts int    `json:"attempts" yaml:"attempts"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Failed counts binaries that did not load.
func (s BootSummary) Failed() int {
	n := 0
	for _, l := range s.Loads {
		if l.Error != "" {
			n++
		}
	}
	return n
}

// Text implements Texter.
func (s BootSummary) Text(w io.Writer) {
	fmt.Fprintf(w, "Boot %s: %d partition(s), %d binary(ies) registered\n", s.BootID, s.Partitions, len(s.Registered))
	for _, b := range s.Skipped {
		fmt.Fprintf(w, "  skipped %s: %s\n", b.Name, b.Error)
	}
	for _, l := range s.Loads {
		if l.Error != "" {
			fmt.Fprintf(w, "  ✗ %s (%d attempt(s)): %s\n", l.Name, l.Attempts, l.Error)
			continue
		}
		fmt.Fprintf(w, "  ✓ %s\n", l.Name)
	}
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}
	def := manager.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "run <manifest>",
		Short: "Boot a simulated board from a storage manifest",
		Long: `Boot a simulated board from a storage manifest.

The manifest's kernel partitions, common library and user binaries are
registered, every binary is loaded (common library first) and the manager
keeps serving until interrupted. Failures declared in the manifest's
simulation section are injected into the simulated loader and scheduler.

Example:
  binmgr run ./board.yaml
  binmgr run ./board.yaml --journal ./binmgr.db --once`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBoot(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "path to a SQLite audit journal")
	cmd.Flags().IntVar(&opts.UserCapacity, "user-capacity", def.UserCapacity, "maximum number of user binaries")
	cmd.Flags().IntVar(&opts.KernelCapacity, "kernel-capacity", def.KernelCapacity, "maximum number of kernel partitions")
	cmd.Flags().StringVar(&opts.KernelVersion, "kernel-version", def.KernelVersion, "kernel version when the manifest sets none")
	cmd.Flags().IntVar(&opts.LoadAttempts, "load-attempts", def.LoadAttempts, "load attempts per binary")
	cmd.Flags().DurationVar(&opts.ResponseTimeout, "response-timeout", def.ResponseTimeout, "how long an unload waits for subscribers")
	cmd.Flags().IntVar(&opts.FaultQueueDepth, "fault-queue", def.FaultQueueDepth, "fault reports buffered before reporters block")
	cmd.Flags().BoolVar(&opts.NoRecovery, "no-recovery", false, "leave faulted binaries in FAULT")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "exit after the boot instead of serving")

	return cmd
}

func (o *RunOptions) config(mf *manifest.Manifest) manager.Config {
	cfg := manager.Config{
		UserCapacity:    o.UserCapacity,
		KernelCapacity:  o.KernelCapacity,
		KernelVersion:   o.KernelVersion,
		LoadAttempts:    o.LoadAttempts,
		ResponseTimeout: o.ResponseTimeout,
		FaultQueueDepth: o.FaultQueueDepth,
		Recovery:        !o.NoRecovery,
	}
	if mf.Kernel.Version != "" {
		cfg.KernelVersion = mf.Kernel.Version
	}
	return cfg
}

// setupLogging installs the process logger: text on stderr, JSON when the
// output format is JSON.
func setupLogging(opts *RootOptions, w io.Writer) {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(w, hopts)
	if opts.Format == "json" {
		handler = slog.NewJSONHandler(w, hopts)
	}
	slog.SetDefault(slog.New(handler))
}

// simBoard builds the simulated collaborators with the manifest's injected
// failures.
func simBoard(s manifest.Simulation) (manager.Board, *sim.Transport) {
	ld := sim.NewLoader(sim.NewPIDAllocator(sim.DefaultFirstPID))
	for name, n := range s.LoadFailures {
		ld.FailLoads(name, n)
	}
	for _, name := range s.StartFailures {
		ld.FailStart(name)
	}
	sched := sim.NewScheduler()
	for _, pid := range s.ExcludeFailures {
		sched.FailExclude(pid)
	}
	transport := sim.NewTransport(nil)
	return manager.Board{
		Loader:    ld,
		Scheduler: sched,
		Transport: transport,
		Rebooter:  sim.NewRebooter(nil),
	}, transport
}

func runBoot(opts *RunOptions, manifestPath string, cmd *cobra.Command) error {
	setupLogging(opts.RootOptions, cmd.ErrOrStderr())
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if _, err := os.Stat(manifestPath); err != nil {
		return WrapExitError(ExitCommandError, "manifest not found", err)
	}
	mf, err := manifest.Load(manifestPath)
	if err != nil {
		return WrapExitError(ExitFailure, "invalid manifest", err)
	}

	cfg := opts.config(mf)
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	var mopts []manager.Option
	if opts.BootIDs != nil {
		mopts = append(mopts, manager.WithBootIDGenerator(opts.BootIDs))
	}
	if opts.Journal != "" {
		slog.Info("opening journal", "path", opts.Journal)
		j, err := journal.Open(opts.Journal)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		defer func() {
			if closeErr := j.Close(); closeErr != nil {
				slog.Error("error closing journal", "error", closeErr)
			}
		}()
		mopts = append(mopts, manager.WithJournal(j))
	}

	board, transport := simBoard(mf.Simulation)
	m, err := manager.New(cfg, board, mopts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create manager", err)
	}
	transport.SetAck(m.Ack)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	summary, bootErr := boot(ctx, m, mf)
	if bootErr == nil {
		if err := formatter.Success(summary); err != nil {
			bootErr = err
		}
	}

	if bootErr == nil && !opts.Once {
		if !formatter.Structured() {
			fmt.Fprintln(cmd.OutOrStdout(), "Board running. Press Ctrl-C to stop.")
		}
		if err := <-done; err != nil {
			return WrapExitError(ExitFailure, "manager error", err)
		}
		slog.Info("board stopped gracefully")
		return nil
	}

	cancel()
	if err := <-done; err != nil && bootErr == nil {
		bootErr = err
	}
	if bootErr != nil {
		if errors.Is(bootErr, context.Canceled) {
			return nil
		}
		return WrapExitError(ExitFailure, "boot failed", bootErr)
	}
	if n := summary.Failed(); n > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d binary(ies) failed to load", n))
	}
	return nil
}

// boot registers everything in mf and loads it.
func boot(ctx context.Context, m *manager.Manager, mf *manifest.Manifest) (BootSummary, error) {
	summary := BootSummary{BootID: m.BootID(), Registered: []string{}, Loads: []LoadResult{}}

	rep, err := m.Scan(ctx, mf)
	if err != nil {
		return summary, err
	}
	summary.Partitions = rep.Partitions
	summary.Registered = append(summary.Registered, rep.Registered...)
	for _, f := range rep.Failed {
		summary.Skipped = append(summary.Skipped, BinaryError{Name: f.Name, Error: f.Err.Error()})
	}

	outcomes, err := m.LoadAll(ctx)
	if err != nil {
		return summary, err
	}
	for _, o := range outcomes {
		lr := LoadResult{Name: o.Name, Attempts: o.Attempts}
		if o.Err != nil {
			lr.Error = o.Err.Error()
		}
		summary.Loads = append(summary.Loads, lr)
	}
	return summary, nil
}
