// Package recovery isolates a faulted binary and schedules its reload.
//
// Fault reports arrive on a bounded channel. For each one the coordinator
// resolves the reporting task to its owning binary, moves the binary
// RUNNING -> FAULT, excludes every task of the binary from scheduling,
// drops the binary's subscriptions, bumps its fault count and hands a
// RELOAD command to the loading coordinator. Exclusion of all tasks always
// completes before the RELOAD is enqueued.
//
// A report that cannot be resolved to a registered binary, a fault in the
// common library and a failed exclusion are fatal: the board is reset
// through the Rebooter.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/binmgr/internal/binary"
	"github.com/roach88/binmgr/internal/lifecycle"
	"github.com/roach88/binmgr/internal/loader"
	"github.com/roach88/binmgr/internal/registry"
	"github.com/roach88/binmgr/internal/tasklist"
)

// DefaultQueueDepth is the capacity of the fault channel.
const DefaultQueueDepth = 8

// Scheduler marks tasks non-runnable.
type Scheduler interface {
	Exclude(ctx context.Context, pid int) error
}

// Rebooter resets the board. It is not expected to return in production.
type Rebooter interface {
	Reboot(reason string)
}

// Enqueuer accepts loading commands.
type Enqueuer interface {
	Enqueue(cmd loader.Command) bool
}

// Journal records handled fault reports.
type Journal interface {
	RecordFault(ctx context.Context, res Result) error
}

// Action is what the coordinator did with a report.
type Action int

const (
	// ActionRecover means the binary was isolated and a RELOAD enqueued.
	ActionRecover Action = iota + 1
	// ActionIgnore means the report was dropped, usually a duplicate for a
	// binary already in FAULT.
	ActionIgnore
	// ActionReboot means the fault was fatal.
	ActionReboot
)

func (a Action) String() string {
	switch a {
	case ActionRecover:
		return "recover"
	case ActionIgnore:
		return "ignore"
	case ActionReboot:
		return "reboot"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Result describes how one fault report was handled. Index is -1 when the
// pid could not be resolved.
type Result struct {
	PID        int
	Index      int
	Name       string
	Action     Action
	FaultCount int
	Excluded   []int
	Err        error
}

type pending struct {
	report binary.FaultReport
	done   chan<- Result
}

// Coordinator is the recovery worker.
type Coordinator struct {
	machine *lifecycle.Machine
	reg     *registry.Registry
	tasks   *tasklist.Tracker
	sched   Scheduler
	reboot  Rebooter
	loads   Enqueuer
	faults  chan pending
	journal Journal
	hook    func(Result)

	mu sync.Mutex
	// excluded holds, per binary index, the tasks excluded by its last fault.
	excluded map[int][]int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithQueueDepth sets the fault channel capacity (minimum 1).
func WithQueueDepth(n int) Option {
	return func(c *Coordinator) {
		if n < 1 {
			n = 1
		}
		c.faults = make(chan pending, n)
	}
}

// WithJournal records every handled report in j.
func WithJournal(j Journal) Option {
	return func(c *Coordinator) {
		c.journal = j
	}
}

// WithResultHook calls fn with every result from the worker goroutine.
func WithResultHook(fn func(Result)) Option {
	return func(c *Coordinator) {
		c.hook = fn
	}
}

// New creates a recovery coordinator.
func New(machine *lifecycle.Machine, tasks *tasklist.Tracker, sched Scheduler, reboot Rebooter, loads Enqueuer, opts ...Option) *Coordinator {
	c := &Coordinator{
		machine:  machine,
		reg:      machine.Registry(),
		tasks:    tasks,
		sched:    sched,
		reboot:   reboot,
		loads:    loads,
		excluded: make(map[int][]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.faults == nil {
		c.faults = make(chan pending, DefaultQueueDepth)
	}
	return c
}

// Report queues a fault report, blocking while the channel is full.
func (c *Coordinator) Report(ctx context.Context, r binary.FaultReport) error {
	return c.send(ctx, pending{report: r})
}

// ReportAndWait queues r and waits until the worker has handled it.
func (c *Coordinator) ReportAndWait(ctx context.Context, r binary.FaultReport) (Result, error) {
	done := make(chan Result, 1)
	if err := c.send(ctx, pending{report: r, done: done}); err != nil {
		return Result{}, err
	}
	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (c *Coordinator) send(ctx context.Context, p pending) error {
	select {
	case c.faults <- p:
		slog.Debug("fault report queued", "pid", p.report.PID)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run handles reports until ctx is cancelled.
// Must be called from exactly one goroutine.
func (c *Coordinator) Run(ctx context.Context) error {
	slog.Info("recovery coordinator starting", "queue_depth", cap(c.faults))

	for {
		select {
		case <-ctx.Done():
			slog.Info("recovery coordinator stopping: context cancelled")
			return ctx.Err()
		case p := <-c.faults:
			res := c.Handle(ctx, p.report)
			if p.done != nil {
				p.done <- res
			}
		}
	}
}

// Handle processes one report on the caller's goroutine. Once started a
// recovery runs to completion or escalates; it is not cancelled.
func (c *Coordinator) Handle(ctx context.Context, r binary.FaultReport) Result {
	ctx = context.WithoutCancel(ctx)
	res := c.handle(ctx, r)

	if c.journal != nil {
		if err := c.journal.RecordFault(ctx, res); err != nil {
			slog.Error("failed to journal fault", "pid", res.PID, "error", err)
		}
	}
	if c.hook != nil {
		c.hook(res)
	}
	return res
}

func (c *Coordinator) handle(ctx context.Context, r binary.FaultReport) Result {
	res := Result{PID: r.PID, Index: -1}

	idx, stale, err := c.resolve(r.PID)
	if err != nil {
		res.Err = binary.Errorf(binary.CodeUnresolvedFault, "task %d is not owned by any registered binary", r.PID)
		return c.escalate(res, res.Err.Error())
	}
	res.Index = idx
	if s, err := c.reg.Slot(idx); err == nil {
		res.Name = s.Name()
	}

	if stale {
		res.Action = ActionIgnore
		slog.Info("fault report ignored",
			"pid", r.PID,
			"index", idx,
			"name", res.Name,
			"reason", "task already excluded",
		)
		return res
	}

	if idx == binary.CommonLibraryIndex {
		res.Err = binary.SlotErrorf(binary.CodeUnresolvedFault, idx, res.Name, "fault in common library")
		return c.escalate(res, res.Err.Error())
	}

	if _, err := c.machine.Apply(ctx, idx, binary.StateRunning, binary.StateFault); err != nil {
		// Duplicate reports for a binary already under recovery land here.
		res.Action = ActionIgnore
		res.Err = err
		slog.Info("fault report ignored",
			"pid", r.PID,
			"index", idx,
			"name", res.Name,
			"reason", err,
		)
		return res
	}

	for _, pid := range c.tasks.PIDs(idx) {
		if err := c.sched.Exclude(ctx, pid); err != nil {
			res.Err = fmt.Errorf("exclude task %d of %s: %w", pid, res.Name, err)
			return c.escalate(res, res.Err.Error())
		}
		res.Excluded = append(res.Excluded, pid)
	}
	c.mu.Lock()
	c.excluded[idx] = res.Excluded
	c.mu.Unlock()

	if err := c.reg.ClearCallbacks(idx); err != nil {
		slog.Warn("failed to clear subscriptions", "index", idx, "error", err)
	}
	if res.FaultCount, err = c.reg.IncrementFaultCount(idx); err != nil {
		slog.Warn("failed to count fault", "index", idx, "error", err)
	}

	if !c.loads.Enqueue(loader.Reload(idx)) {
		res.Err = binary.SlotErrorf(binary.CodeLoadFailed, idx, res.Name, "loading coordinator stopped, reload not queued")
	}
	res.Action = ActionRecover

	slog.Warn("binary faulted, reload scheduled",
		"pid", r.PID,
		"index", idx,
		"name", res.Name,
		"excluded", len(res.Excluded),
		"fault_count", res.FaultCount,
		"event", "recovery",
	)
	return res
}

// resolve maps a faulting task to its binary: tracked tasks first, then
// entry tasks by bin id, then tasks excluded by an earlier fault. The last
// case reports stale, since a reload has released those tasks.
func (c *Coordinator) resolve(pid int) (idx int, stale bool, err error) {
	if idx, ok := c.tasks.Owner(pid); ok {
		if _, err := c.reg.Slot(idx); err == nil {
			return idx, false, nil
		}
	}
	idx, err = c.reg.LookupByID(pid)
	if err == nil {
		return idx, false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, pids := range c.excluded {
		if slices.Contains(pids, pid) {
			return i, true, nil
		}
	}
	return -1, false, err
}

func (c *Coordinator) escalate(res Result, reason string) Result {
	res.Action = ActionReboot
	slog.Error("unrecoverable fault, resetting board",
		"pid", res.PID,
		"index", res.Index,
		"name", res.Name,
		"reason", reason,
		"event", "reboot",
	)
	c.reboot.Reboot(reason)
	return res
}
