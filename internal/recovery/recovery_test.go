package recovery_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/binmgr/internal/binary"
	"github.com/roach88/binmgr/internal/lifecycle"
	"github.com/roach88/binmgr/internal/loader"
	"github.com/roach88/binmgr/internal/recovery"
	"github.com/roach88/binmgr/internal/registry"
	"github.com/roach88/binmgr/internal/sim"
	"github.com/roach88/binmgr/internal/tasklist"
)

type enqueuer struct {
	cmds   []loader.Command
	closed bool
}

func (e *enqueuer) Enqueue(cmd loader.Command) bool {
	if e.closed {
		return false
	}
	e.cmds = append(e.cmds, cmd)
	return true
}

type faultJournal struct {
	results []recovery.Result
}

func (j *faultJournal) RecordFault(_ context.Context, res recovery.Result) error {
	j.results = append(j.results, res)
	return errors.New("disk full")
}

type fixture struct {
	reg    *registry.Registry
	tasks  *tasklist.Tracker
	sched  *sim.Scheduler
	reboot *sim.Rebooter
	queue  *enqueuer
	loads  *loader.Coordinator
	coord  *recovery.Coordinator
}

// newFixture registers camera (1) and audio (2) and loads both.
func newFixture(t *testing.T, opts ...recovery.Option) *fixture {
	t.Helper()

	f := &fixture{
		reg:    registry.New(4, 1),
		tasks:  tasklist.New(),
		sched:  sim.NewScheduler(),
		reboot: sim.NewRebooter(nil),
		queue:  &enqueuer{},
	}
	for _, name := range []string{"camera", "audio"} {
		_, err := f.reg.RegisterUserBinary(name)
		require.NoError(t, err)
	}
	m := lifecycle.New(f.reg, nil)
	f.loads = loader.New(m, f.tasks, sim.NewLoader(sim.NewPIDAllocator(sim.DefaultFirstPID)), f.sched)
	f.coord = recovery.New(m, f.tasks, f.sched, f.reboot, f.queue, opts...)

	for _, o := range f.loads.Execute(context.Background(), loader.LoadAll()) {
		require.NoError(t, o.Err)
	}
	return f
}

func (f *fixture) slot(t *testing.T, idx int) binary.Slot {
	t.Helper()
	s, err := f.reg.Slot(idx)
	require.NoError(t, err)
	return s
}

func TestHandle_RecoversBinaryWithTwoTasks(t *testing.T) {
	f := newFixture(t)
	// audio's entry task is 101; it spawned 150.
	_, err := f.tasks.Add(150, 2)
	require.NoError(t, err)
	require.NoError(t, f.reg.Subscribe(2, 7, nil))

	res := f.coord.Handle(context.Background(), binary.FaultReport{PID: 150})
	require.NoError(t, res.Err)
	assert.Equal(t, recovery.ActionRecover, res.Action)
	assert.Equal(t, 2, res.Index)
	assert.Equal(t, "audio", res.Name)
	assert.ElementsMatch(t, []int{101, 150}, res.Excluded)
	assert.Equal(t, 1, res.FaultCount)

	s := f.slot(t, 2)
	assert.Equal(t, binary.StateFault, s.State)
	assert.Empty(t, s.Callbacks)
	assert.False(t, f.sched.Runnable(101))
	assert.False(t, f.sched.Runnable(150))
	assert.Equal(t, []loader.Command{loader.Reload(2)}, f.queue.cmds)
	assert.Equal(t, binary.StateRunning, f.slot(t, 1).State, "unrelated binary untouched")

	out := f.loads.Execute(context.Background(), f.queue.cmds[0])
	require.NoError(t, out[0].Err)

	s = f.slot(t, 2)
	assert.Equal(t, binary.StateRunning, s.State)
	assert.Equal(t, 1, s.FaultCount)
	assert.Equal(t, 102, s.BinID, "fresh entry task after reload")
	assert.ElementsMatch(t, []int{101, 150}, f.sched.Terminated())
	assert.Zero(t, f.reboot.Count())
}

func TestHandle_ResolvesEntryTaskByBinID(t *testing.T) {
	f := newFixture(t)
	f.tasks.Remove(100)

	res := f.coord.Handle(context.Background(), binary.FaultReport{PID: 100})
	assert.Equal(t, recovery.ActionRecover, res.Action)
	assert.Equal(t, 1, res.Index)
	assert.Empty(t, res.Excluded)
}

func TestHandle_DuplicateReportIgnored(t *testing.T) {
	f := newFixture(t)

	first := f.coord.Handle(context.Background(), binary.FaultReport{PID: 100})
	require.Equal(t, recovery.ActionRecover, first.Action)
	second := f.coord.Handle(context.Background(), binary.FaultReport{PID: 100})

	assert.Equal(t, recovery.ActionIgnore, second.Action)
	assert.True(t, binary.IsTransitionError(second.Err))
	assert.Len(t, f.queue.cmds, 1)
	assert.Equal(t, 1, f.slot(t, 1).FaultCount)
}

func TestHandle_ExcludedChildReportedDuringReload(t *testing.T) {
	f := newFixture(t)
	_, err := f.tasks.Add(150, 2)
	require.NoError(t, err)

	first := f.coord.Handle(context.Background(), binary.FaultReport{PID: 150})
	require.Equal(t, recovery.ActionRecover, first.Action)

	// The reload has released the old tasks but not placed a new entry task.
	assert.ElementsMatch(t, []int{101, 150}, f.tasks.RemoveBinary(2))

	for _, pid := range []int{150, 101} {
		res := f.coord.Handle(context.Background(), binary.FaultReport{PID: pid})
		assert.Equal(t, recovery.ActionIgnore, res.Action, "pid %d", pid)
		assert.Equal(t, 2, res.Index)
	}
	assert.Zero(t, f.reboot.Count())
	assert.Len(t, f.queue.cmds, 1)
	assert.Equal(t, binary.StateFault, f.slot(t, 2).State)
	assert.Equal(t, 1, f.slot(t, 2).FaultCount)
}

func TestHandle_ExcludedChildReportedAfterReload(t *testing.T) {
	f := newFixture(t)
	_, err := f.tasks.Add(150, 2)
	require.NoError(t, err)

	first := f.coord.Handle(context.Background(), binary.FaultReport{PID: 150})
	require.Equal(t, recovery.ActionRecover, first.Action)
	out := f.loads.Execute(context.Background(), f.queue.cmds[0])
	require.NoError(t, out[0].Err)
	require.Equal(t, binary.StateRunning, f.slot(t, 2).State)

	res := f.coord.Handle(context.Background(), binary.FaultReport{PID: 150})
	assert.Equal(t, recovery.ActionIgnore, res.Action)
	assert.Zero(t, f.reboot.Count())
	assert.Len(t, f.queue.cmds, 1)
	assert.Equal(t, binary.StateRunning, f.slot(t, 2).State, "fresh incarnation untouched")

	// A fault in the fresh incarnation still recovers.
	res = f.coord.Handle(context.Background(), binary.FaultReport{PID: 102})
	assert.Equal(t, recovery.ActionRecover, res.Action)
	assert.Equal(t, []int{102}, res.Excluded)
	assert.Equal(t, 2, res.FaultCount)
}

func TestHandle_UnknownPIDReboots(t *testing.T) {
	f := newFixture(t)
	before := f.reg.Slots()

	res := f.coord.Handle(context.Background(), binary.FaultReport{PID: 999})
	assert.Equal(t, recovery.ActionReboot, res.Action)
	assert.Equal(t, -1, res.Index)
	assert.True(t, binary.IsCode(res.Err, binary.CodeUnresolvedFault))
	assert.Equal(t, 1, f.reboot.Count())
	assert.Equal(t, before, f.reg.Slots(), "registry untouched")
	assert.Empty(t, f.queue.cmds)
}

func TestHandle_CommonLibraryFaultReboots(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.RegisterCommonLibrary(registry.Registration{
		Attrs: binary.LoadAttributes{Name: "common"},
	}))
	out := f.loads.Execute(context.Background(), loader.Load(binary.CommonLibraryIndex))
	require.NoError(t, out[0].Err)
	pid := f.slot(t, binary.CommonLibraryIndex).BinID

	res := f.coord.Handle(context.Background(), binary.FaultReport{PID: pid})
	assert.Equal(t, recovery.ActionReboot, res.Action)
	assert.Equal(t, binary.CommonLibraryIndex, res.Index)
	assert.Equal(t, binary.StateRunning, f.slot(t, binary.CommonLibraryIndex).State)
	assert.Equal(t, 1, f.reboot.Count())
}

func TestHandle_ExclusionFailureReboots(t *testing.T) {
	f := newFixture(t)
	f.sched.FailExclude(100)

	res := f.coord.Handle(context.Background(), binary.FaultReport{PID: 100})
	assert.Equal(t, recovery.ActionReboot, res.Action)
	assert.Empty(t, f.queue.cmds)
	assert.Equal(t, 1, f.reboot.Count())
}

func TestHandle_LoaderStopped(t *testing.T) {
	f := newFixture(t)
	f.queue.closed = true

	res := f.coord.Handle(context.Background(), binary.FaultReport{PID: 100})
	assert.Equal(t, recovery.ActionRecover, res.Action)
	assert.True(t, binary.IsCode(res.Err, binary.CodeLoadFailed))
	assert.Equal(t, binary.StateFault, f.slot(t, 1).State)
}

func TestHandle_JournalFailureDoesNotStopRecovery(t *testing.T) {
	j := &faultJournal{}
	var hooked []recovery.Result
	f := newFixture(t, recovery.WithJournal(j), recovery.WithResultHook(func(r recovery.Result) {
		hooked = append(hooked, r)
	}))

	res := f.coord.Handle(context.Background(), binary.FaultReport{PID: 100})
	assert.Equal(t, recovery.ActionRecover, res.Action)
	require.Len(t, j.results, 1)
	require.Len(t, hooked, 1)
	assert.Equal(t, res.Index, hooked[0].Index)
}

func TestRun_HandlesQueuedReports(t *testing.T) {
	results := make(chan recovery.Result, 2)
	f := newFixture(t, recovery.WithQueueDepth(2), recovery.WithResultHook(func(r recovery.Result) {
		results <- r
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.coord.Run(ctx) }()

	require.NoError(t, f.coord.Report(ctx, binary.FaultReport{PID: 100}))
	require.NoError(t, f.coord.Report(ctx, binary.FaultReport{PID: 100}))

	var got []recovery.Action
	for range 2 {
		select {
		case r := <-results:
			got = append(got, r.Action)
		case <-time.After(5 * time.Second):
			t.Fatal("report not handled")
		}
	}
	assert.Equal(t, []recovery.Action{recovery.ActionRecover, recovery.ActionIgnore}, got)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestReport_RespectsContext(t *testing.T) {
	f := newFixture(t, recovery.WithQueueDepth(1))
	require.NoError(t, f.coord.Report(context.Background(), binary.FaultReport{PID: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.coord.Report(ctx, binary.FaultReport{PID: 2}), context.Canceled)
}

func TestAction_String(t *testing.T) {
	assert.Equal(t, "recover", recovery.ActionRecover.String())
	assert.Equal(t, "ignore", recovery.ActionIgnore.String())
	assert.Equal(t, "reboot", recovery.ActionReboot.String())
}

func TestReportAndWait(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = f.coord.Run(ctx) }()

	res, err := f.coord.ReportAndWait(ctx, binary.FaultReport{PID: 999})
	require.NoError(t, err)
	assert.Equal(t, recovery.ActionReboot, res.Action)
	assert.Equal(t, []string{res.Err.Error()}, f.reboot.Reasons())
}
