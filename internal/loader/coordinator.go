// Package loader implements the loading coordinator: a dedicated worker that
// executes load, update, unload and reload commands against the registry and
// reports an Outcome for each.
//
// The physical loading (header read, checksum, relocation, mapping) belongs
// to the Loader collaborator; this package only sequences calls to it,
// retries transient failures a fixed number of times, and drives the state
// machine around it.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/binmgr/internal/binary"
	"github.com/roach88/binmgr/internal/lifecycle"
	"github.com/roach88/binmgr/internal/registry"
	"github.com/roach88/binmgr/internal/tasklist"
)

// DefaultAttempts is how many times a load is tried before giving up.
const DefaultAttempts = 2

// ErrStopped is returned by Submit once the coordinator has stopped.
var ErrStopped = errors.New("loading coordinator stopped")

// Descriptor is what the Loader needs to place a binary in memory.
type Descriptor struct {
	Index       int
	Attrs       binary.LoadAttributes
	RuntimeType binary.RuntimeType
	Version     string
}

// Handle identifies the entry task of a loaded binary. Its PID becomes the
// slot's bin id.
type Handle struct {
	PID int
}

// Loader is the external loading collaborator.
type Loader interface {
	// Load places the binary in memory and creates its entry task without
	// starting it.
	Load(ctx context.Context, desc Descriptor) (Handle, error)
	// Start lets the entry task run and returns once it has started.
	Start(ctx context.Context, h Handle) error
}

// Scheduler terminates tasks of a binary that is being unloaded or reloaded.
type Scheduler interface {
	Terminate(ctx context.Context, pid int) error
}

// Coordinator is the loading worker.
type Coordinator struct {
	machine  *lifecycle.Machine
	reg      *registry.Registry
	tasks    *tasklist.Tracker
	loader   Loader
	sched    Scheduler
	queue    *commandQueue
	attempts int
	recovery bool
	hook     func(Outcome)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithAttempts sets the number of load attempts per binary (minimum 1).
func WithAttempts(n int) Option {
	return func(c *Coordinator) {
		if n < 1 {
			n = 1
		}
		c.attempts = n
	}
}

// WithRecovery enables RELOAD commands.
func WithRecovery(enabled bool) Option {
	return func(c *Coordinator) {
		c.recovery = enabled
	}
}

// WithOutcomeHook calls fn with every outcome from the worker goroutine.
func WithOutcomeHook(fn func(Outcome)) Option {
	return func(c *Coordinator) {
		c.hook = fn
	}
}

// New creates a coordinator.
func New(machine *lifecycle.Machine, tasks *tasklist.Tracker, ld Loader, sched Scheduler, opts ...Option) *Coordinator {
	c := &Coordinator{
		machine:  machine,
		reg:      machine.Registry(),
		tasks:    tasks,
		loader:   ld,
		sched:    sched,
		queue:    newCommandQueue(),
		attempts: DefaultAttempts,
		recovery: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enqueue submits cmd. Safe from any goroutine. Returns false once the
// coordinator has stopped.
func (c *Coordinator) Enqueue(cmd Command) bool {
	ok := c.queue.Enqueue(job{cmd: cmd})
	if !ok {
		slog.Warn("loading queue closed, command dropped", "command", cmd.String())
	}
	return ok
}

// Submit queues cmd and waits for its outcomes. Commands queued earlier run
// first.
func (c *Coordinator) Submit(ctx context.Context, cmd Command) ([]Outcome, error) {
	reply := make(chan []Outcome, 1)
	if !c.queue.Enqueue(job{cmd: cmd, reply: reply}) {
		return nil, ErrStopped
	}
	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Sync waits until every command queued before the call has run.
func (c *Coordinator) Sync(ctx context.Context) error {
	_, err := c.Submit(ctx, Command{Kind: kindBarrier, Index: -1})
	return err
}

// Pending returns the number of queued commands.
func (c *Coordinator) Pending() int {
	return c.queue.Len()
}

// Stop closes the queue; Run returns once it is drained.
func (c *Coordinator) Stop() {
	c.queue.Close()
}

// Run executes commands until ctx is cancelled or Stop is called.
// Must be called from exactly one goroutine.
func (c *Coordinator) Run(ctx context.Context) error {
	slog.Info("loading coordinator starting", "attempts", c.attempts)

	for {
		if j, ok := c.queue.TryDequeue(); ok {
			out := c.execute(ctx, j.cmd)
			if j.reply != nil {
				j.reply <- out
			}
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("loading coordinator stopping: context cancelled")
			c.queue.Close()
			return ctx.Err()
		case <-c.queue.Wait():
			// A stale signal can arrive after the command was already taken;
			// only a closed, drained queue ends the loop.
			if c.queue.Len() == 0 && c.queue.Closed() {
				slog.Info("loading coordinator stopping: queue closed")
				return nil
			}
		}
	}
}

// Execute runs cmd synchronously on the caller's goroutine and returns its
// outcomes. Used by Run and by tests that need deterministic sequencing.
func (c *Coordinator) Execute(ctx context.Context, cmd Command) []Outcome {
	return c.execute(ctx, cmd)
}

func (c *Coordinator) execute(ctx context.Context, cmd Command) []Outcome {
	if cmd.Kind != kindBarrier {
		slog.Debug("loading command", "command", cmd.String())
	}

	var outcomes []Outcome
	switch cmd.Kind {
	case kindBarrier:
		return nil
	case KindLoadAll:
		for _, idx := range c.reg.Indices() {
			s, err := c.reg.Slot(idx)
			if err != nil || s.State != binary.StateInactive {
				continue
			}
			outcomes = append(outcomes, c.run(ctx, cmd, idx, c.load))
		}
	case KindLoad:
		outcomes = append(outcomes, c.run(ctx, cmd, cmd.Index, c.load))
	case KindUpdate:
		outcomes = append(outcomes, c.run(ctx, cmd, cmd.Index, c.update))
	case KindUnload:
		outcomes = append(outcomes, c.run(ctx, cmd, cmd.Index, c.unload))
	case KindReload:
		if !c.recovery {
			outcomes = append(outcomes, c.run(ctx, cmd, cmd.Index, func(context.Context, int) (int, error) {
				return 0, binary.Errorf(binary.CodeInvalidArgument, "recovery is disabled")
			}))
			break
		}
		outcomes = append(outcomes, c.run(ctx, cmd, cmd.Index, c.reload))
	default:
		outcomes = append(outcomes, Outcome{Command: cmd, Index: cmd.Index,
			Err: binary.Errorf(binary.CodeInvalidArgument, "unknown loading command %d", int(cmd.Kind))})
	}

	for _, o := range outcomes {
		if o.Err != nil {
			slog.Error("loading command failed",
				"command", cmd.String(),
				"index", o.Index,
				"name", o.Name,
				"attempts", o.Attempts,
				"error", o.Err,
			)
		}
		if c.hook != nil {
			c.hook(o)
		}
	}
	return outcomes
}

type step func(ctx context.Context, idx int) (attempts int, err error)

func (c *Coordinator) run(ctx context.Context, cmd Command, idx int, fn step) Outcome {
	o := Outcome{Command: cmd, Index: idx}
	if s, err := c.reg.Slot(idx); err == nil {
		o.Name = s.Name()
	}
	o.Attempts, o.Err = fn(ctx, idx)
	return o
}

// load places an INACTIVE binary in memory and starts it.
func (c *Coordinator) load(ctx context.Context, idx int) (int, error) {
	return c.loadFrom(ctx, idx, binary.StateInactive)
}

// loadFrom loads the binary at idx, which must currently be in state from
// (INACTIVE, or FAULT for a reload).
func (c *Coordinator) loadFrom(ctx context.Context, idx int, from binary.State) (int, error) {
	s, err := c.reg.Slot(idx)
	if err != nil {
		return 0, err
	}
	if s.State != from {
		return 0, binary.NewTransitionError(idx, s.Name(), s.State, from, binary.StateLoadingDone)
	}

	desc := Descriptor{
		Index:       idx,
		Attrs:       s.Attrs,
		RuntimeType: s.RuntimeType,
		Version:     s.Version,
	}

	var (
		h        Handle
		attempts int
		loadErr  error
	)
	for attempts = 1; attempts <= c.attempts; attempts++ {
		h, loadErr = c.attempt(ctx, desc)
		if loadErr == nil {
			break
		}
		slog.Warn("binary load attempt failed",
			"name", s.Name(),
			"attempt", attempts,
			"max", c.attempts,
			"error", loadErr,
		)
		if ctx.Err() != nil {
			break
		}
	}
	if attempts > c.attempts {
		attempts = c.attempts
	}
	if loadErr != nil {
		return attempts, binary.SlotErrorf(binary.CodeLoadFailed, idx, s.Name(),
			"load failed after %d attempt(s): %v", attempts, loadErr)
	}

	// No transition happens until the entry task runs.
	if err := c.commit(ctx, idx, from, h); err != nil {
		c.tasks.Remove(h.PID)
		c.kill(ctx, idx, h.PID)
		return attempts, err
	}
	return attempts, nil
}

// attempt is one Load+Start. An entry task that was placed but did not
// start is terminated before the next attempt.
func (c *Coordinator) attempt(ctx context.Context, desc Descriptor) (Handle, error) {
	h, err := c.loader.Load(ctx, desc)
	if err != nil {
		return Handle{}, err
	}
	if err := c.loader.Start(ctx, h); err != nil {
		c.kill(ctx, desc.Index, h.PID)
		return Handle{}, fmt.Errorf("start entry task %d: %w", h.PID, err)
	}
	return h, nil
}

// commit records a started entry task and walks the slot from its current
// state to RUNNING.
func (c *Coordinator) commit(ctx context.Context, idx int, from binary.State, h Handle) error {
	if from == binary.StateFault {
		if _, err := c.machine.Apply(ctx, idx, binary.StateFault, binary.StateInactive); err != nil {
			return err
		}
	}
	if err := c.reg.SetBinID(idx, h.PID); err != nil {
		return err
	}
	if _, err := c.machine.Apply(ctx, idx, binary.StateInactive, binary.StateLoadingDone); err != nil {
		return err
	}
	if _, err := c.tasks.Add(h.PID, idx); err != nil {
		slog.Warn("entry task already tracked", "pid", h.PID, "index", idx, "error", err)
	}
	_, err := c.machine.Apply(ctx, idx, binary.StateLoadingDone, binary.StateRunning)
	return err
}

// unload takes a RUNNING binary down to INACTIVE.
func (c *Coordinator) unload(ctx context.Context, idx int) (int, error) {
	if _, err := c.machine.Apply(ctx, idx, binary.StateRunning, binary.StateWaitUnload); err != nil {
		return 0, err
	}
	c.terminate(ctx, idx)
	if _, err := c.machine.Apply(ctx, idx, binary.StateWaitUnload, binary.StateInactive); err != nil {
		return 0, err
	}
	return 0, nil
}

// update unloads a RUNNING binary and loads it again.
func (c *Coordinator) update(ctx context.Context, idx int) (int, error) {
	if _, err := c.unload(ctx, idx); err != nil {
		return 0, err
	}
	return c.load(ctx, idx)
}

// reload releases a FAULT binary's tasks and loads it again. If every
// attempt fails the binary stays in FAULT.
func (c *Coordinator) reload(ctx context.Context, idx int) (int, error) {
	s, err := c.reg.Slot(idx)
	if err != nil {
		return 0, err
	}
	if s.State != binary.StateFault {
		return 0, binary.NewTransitionError(idx, s.Name(), s.State, binary.StateFault, binary.StateInactive)
	}

	c.terminate(ctx, idx)
	attempts, err := c.loadFrom(ctx, idx, binary.StateFault)
	if err != nil && binary.IsCode(err, binary.CodeLoadFailed) {
		if cur, serr := c.reg.Slot(idx); serr == nil && cur.State == binary.StateFault {
			slog.Error("binary reload failed, binary remains in FAULT",
				"name", s.Name(),
				"fault_count", cur.FaultCount,
				"event", "reload_exhausted",
			)
		}
	}
	return attempts, err
}

// terminate kills every tracked task of idx.
func (c *Coordinator) terminate(ctx context.Context, idx int) {
	for _, pid := range c.tasks.RemoveBinary(idx) {
		c.kill(ctx, idx, pid)
	}
}

func (c *Coordinator) kill(ctx context.Context, idx, pid int) {
	if err := c.sched.Terminate(ctx, pid); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("failed to terminate task", "pid", pid, "index", idx, "error", err)
	}
}
