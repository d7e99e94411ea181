// Package manager is the binary manager core: it owns the registry, the
// task tracker and the notifier, and runs the three cooperating workers.
//
// Run starts, under one errgroup:
//
//   - the request loop, the single writer for registrations, subscription
//     edits and task-list edits made on behalf of callers;
//   - the loading coordinator, executing LOAD, LOAD_ALL, UPDATE, UNLOAD and
//     RELOAD commands;
//   - the recovery coordinator, handling fault reports.
//
// Status queries read registry snapshots directly and never wait on the
// workers.
package manager

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/binmgr/internal/lifecycle"
	"github.com/roach88/binmgr/internal/loader"
	"github.com/roach88/binmgr/internal/notify"
	"github.com/roach88/binmgr/internal/recovery"
	"github.com/roach88/binmgr/internal/registry"
	"github.com/roach88/binmgr/internal/tasklist"
)

// requestQueueDepth bounds callers waiting on the request loop.
const requestQueueDepth = 32

// Scheduler is the task scheduler collaborator.
type Scheduler interface {
	loader.Scheduler
	recovery.Scheduler
}

// Board groups the external collaborators.
type Board struct {
	Loader    loader.Loader
	Scheduler Scheduler
	Transport notify.Transport
	Rebooter  recovery.Rebooter
}

// Journal is the audit log of one boot.
type Journal interface {
	StartBoot(ctx context.Context, bootID, kernelVersion string, userCapacity int) error
	RecordTransition(ctx context.Context, ch registry.Change) error
	RecordOutcome(ctx context.Context, o loader.Outcome) error
	RecordFault(ctx context.Context, res recovery.Result) error
}

type options struct {
	journal   Journal
	ids       BootIDGenerator
	clock     registry.Sequencer
	onOutcome func(loader.Outcome)
	onResult  func(recovery.Result)
	observe   func(registry.Change)
}

// Option configures a Manager.
type Option func(*options)

// WithJournal records transitions, outcomes and faults in j.
func WithJournal(j Journal) Option {
	return func(o *options) {
		o.journal = j
	}
}

// WithBootIDGenerator replaces the UUIDv7 boot id generator.
func WithBootIDGenerator(g BootIDGenerator) Option {
	return func(o *options) {
		o.ids = g
	}
}

// WithClock replaces the transition sequencer.
func WithClock(c registry.Sequencer) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithOutcomeHook calls fn with every loading outcome, from the loading
// worker.
func WithOutcomeHook(fn func(loader.Outcome)) Option {
	return func(o *options) {
		o.onOutcome = fn
	}
}

// WithRecoveryHook calls fn with every handled fault report, from the
// recovery worker.
func WithRecoveryHook(fn func(recovery.Result)) Option {
	return func(o *options) {
		o.onResult = fn
	}
}

// WithTransitionObserver calls fn after every accepted transition.
func WithTransitionObserver(fn func(registry.Change)) Option {
	return func(o *options) {
		o.observe = fn
	}
}

type request struct {
	fn    func() error
	reply chan error
}

// Manager is the binary manager core.
type Manager struct {
	cfg     Config
	bootID  string
	journal Journal

	reg      *registry.Registry
	tasks    *tasklist.Tracker
	notifier *notify.Notifier
	machine  *lifecycle.Machine
	loads    *loader.Coordinator
	faults   *recovery.Coordinator

	requests chan request
}

// New wires a manager over board. Nothing runs until Run is called.
func New(cfg Config, board Board, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if board.Loader == nil || board.Scheduler == nil || board.Transport == nil || board.Rebooter == nil {
		return nil, errors.New("manager: board is missing a collaborator")
	}

	o := options{ids: UUIDv7Generator{}}
	for _, opt := range opts {
		opt(&o)
	}

	regOpts := []registry.Option{registry.WithKernelVersion(cfg.KernelVersion)}
	if o.clock != nil {
		regOpts = append(regOpts, registry.WithClock(o.clock))
	}

	m := &Manager{
		cfg:      cfg,
		bootID:   o.ids.Generate(),
		journal:  o.journal,
		reg:      registry.New(cfg.UserCapacity, cfg.KernelCapacity, regOpts...),
		tasks:    tasklist.New(),
		notifier: notify.New(board.Transport, notify.WithResponseTimeout(cfg.ResponseTimeout)),
		requests: make(chan request, requestQueueDepth),
	}

	var machineOpts []lifecycle.Option
	if o.journal != nil {
		machineOpts = append(machineOpts, lifecycle.WithJournal(o.journal))
	}
	if o.observe != nil {
		machineOpts = append(machineOpts, lifecycle.WithObserver(o.observe))
	}
	m.machine = lifecycle.New(m.reg, m.notifier, machineOpts...)

	m.loads = loader.New(m.machine, m.tasks, board.Loader, board.Scheduler,
		loader.WithAttempts(cfg.LoadAttempts),
		loader.WithRecovery(cfg.Recovery),
		loader.WithOutcomeHook(m.outcomeHook(o.onOutcome)),
	)

	recOpts := []recovery.Option{recovery.WithQueueDepth(cfg.FaultQueueDepth)}
	if o.journal != nil {
		recOpts = append(recOpts, recovery.WithJournal(o.journal))
	}
	if o.onResult != nil {
		recOpts = append(recOpts, recovery.WithResultHook(o.onResult))
	}
	m.faults = recovery.New(m.machine, m.tasks, board.Scheduler, board.Rebooter, m.loads, recOpts...)
	return m, nil
}

func (m *Manager) outcomeHook(user func(loader.Outcome)) func(loader.Outcome) {
	return func(out loader.Outcome) {
		if m.journal != nil {
			if err := m.journal.RecordOutcome(context.Background(), out); err != nil {
				slog.Error("failed to journal outcome", "command", out.Command.String(), "error", err)
			}
		}
		if user != nil {
			user(out)
		}
	}
}

// BootID returns the id of this boot.
func (m *Manager) BootID() string {
	return m.bootID
}

// Config returns the configuration the manager was built with.
func (m *Manager) Config() Config {
	return m.cfg
}

// Run starts the workers and blocks until ctx is cancelled or a worker
// fails. Cancellation is a clean shutdown and returns nil.
func (m *Manager) Run(ctx context.Context) error {
	if m.journal != nil {
		if err := m.journal.StartBoot(ctx, m.bootID, m.cfg.KernelVersion, m.cfg.UserCapacity); err != nil {
			slog.Error("failed to journal boot", "boot_id", m.bootID, "error", err)
		}
	}
	slog.Info("binary manager starting",
		"boot_id", m.bootID,
		"user_capacity", m.cfg.UserCapacity,
		"kernel_capacity", m.cfg.KernelCapacity,
		"recovery", m.cfg.Recovery,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.serve(gctx) })
	g.Go(func() error { return m.loads.Run(gctx) })
	g.Go(func() error { return m.faults.Run(gctx) })

	err := g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		slog.Info("binary manager stopped", "boot_id", m.bootID)
		return nil
	}
	return err
}

// serve is the request loop.
func (m *Manager) serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-m.requests:
			req.reply <- req.fn()
		}
	}
}

// call runs fn on the request loop and returns its error.
func (m *Manager) call(ctx context.Context, fn func() error) error {
	req := request{fn: fn, reply: make(chan error, 1)}
	select {
	case m.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
