package manager

import (
	"context"
	"log/slog"

	"github.com/roach88/binmgr/internal/binary"
	"github.com/roach88/binmgr/internal/loader"
	"github.com/roach88/binmgr/internal/recovery"
	"github.com/roach88/binmgr/internal/registry"
)

// Register adds a user binary and returns its index.
func (m *Manager) Register(ctx context.Context, reg registry.Registration) (int, error) {
	idx := -1
	err := m.call(ctx, func() error {
		var err error
		idx, err = m.reg.Register(reg)
		return err
	})
	return idx, err
}

// RegisterCommonLibrary fills slot 0.
func (m *Manager) RegisterCommonLibrary(ctx context.Context, reg registry.Registration) error {
	return m.call(ctx, func() error {
		return m.reg.RegisterCommonLibrary(reg)
	})
}

// Load loads the INACTIVE binary at index and waits until it runs or the
// load is given up.
func (m *Manager) Load(ctx context.Context, index int) error {
	return m.submitOne(ctx, loader.Load(index))
}

// Update reloads the RUNNING binary at index from storage.
func (m *Manager) Update(ctx context.Context, index int) error {
	return m.submitOne(ctx, loader.Update(index))
}

// Unload stops the RUNNING binary at index.
func (m *Manager) Unload(ctx context.Context, index int) error {
	return m.submitOne(ctx, loader.Unload(index))
}

// LoadAll loads every INACTIVE binary, common library first, and returns one
// outcome per binary attempted. A failed binary does not stop the others.
func (m *Manager) LoadAll(ctx context.Context) ([]loader.Outcome, error) {
	return m.loads.Submit(ctx, loader.LoadAll())
}

func (m *Manager) submitOne(ctx context.Context, cmd loader.Command) error {
	if _, err := m.reg.Slot(cmd.Index); err != nil {
		return err
	}
	out, err := m.loads.Submit(ctx, cmd)
	if err != nil {
		return err
	}
	if len(out) == 0 {
		return nil
	}
	return out[0].Err
}

// Settle waits until every loading command queued so far, including
// reloads requested by recovery, has run.
func (m *Manager) Settle(ctx context.Context) error {
	return m.loads.Sync(ctx)
}

// Subscribe registers pid for state changes of the binary at index.
func (m *Manager) Subscribe(ctx context.Context, index, pid int, descriptor any) error {
	return m.call(ctx, func() error {
		return m.reg.Subscribe(index, pid, descriptor)
	})
}

// Unsubscribe drops every subscription of pid and releases any synchronous
// notification still waiting on it. It returns the number removed.
func (m *Manager) Unsubscribe(ctx context.Context, pid int) (int, error) {
	removed := 0
	err := m.call(ctx, func() error {
		removed = m.reg.Unsubscribe(pid)
		m.notifier.Cancel(pid)
		return nil
	})
	return removed, err
}

// Ack acknowledges the notification seq on behalf of pid.
func (m *Manager) Ack(pid int, seq int64) {
	m.notifier.Ack(pid, seq)
}

// TaskCreated attaches child to the binary owning parent. The binary must
// be LOADING_DONE or RUNNING.
func (m *Manager) TaskCreated(ctx context.Context, parent, child int) error {
	return m.call(ctx, func() error {
		idx, ok := m.tasks.Owner(parent)
		if !ok {
			var err error
			if idx, err = m.reg.LookupByID(parent); err != nil {
				return binary.Errorf(binary.CodeNotFound, "parent task %d belongs to no binary", parent)
			}
		}
		s, err := m.reg.Slot(idx)
		if err != nil {
			return err
		}
		if s.State != binary.StateLoadingDone && s.State != binary.StateRunning {
			return binary.SlotErrorf(binary.CodeInvalidArgument, idx, s.Name(),
				"cannot attach task %d to binary in state %s", child, s.State)
		}
		if _, err := m.tasks.Add(child, idx); err != nil {
			return binary.Errorf(binary.CodeInvalidArgument, "%v", err)
		}
		slog.Debug("task attached", "pid", child, "parent", parent, "index", idx)
		return nil
	})
}

// TaskExited detaches pid from its binary and drops its subscriptions.
func (m *Manager) TaskExited(ctx context.Context, pid int) error {
	return m.call(ctx, func() error {
		m.tasks.Remove(pid)
		if n := m.reg.Unsubscribe(pid); n > 0 {
			slog.Debug("exited task unsubscribed", "pid", pid, "count", n)
		}
		m.notifier.Cancel(pid)
		return nil
	})
}

// ReportFault queues a fault report for pid. Delivery is at least once;
// duplicates for a binary already in FAULT are ignored by recovery.
func (m *Manager) ReportFault(ctx context.Context, pid int) error {
	return m.faults.Report(ctx, binary.FaultReport{PID: pid})
}

// Recover reports a fault for pid and waits until recovery has handled it.
// The RELOAD it schedules may still be pending; see Settle.
func (m *Manager) Recover(ctx context.Context, pid int) (recovery.Result, error) {
	return m.faults.ReportAndWait(ctx, binary.FaultReport{PID: pid})
}
