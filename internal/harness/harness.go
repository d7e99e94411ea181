package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/binmgr/internal/binary"
	"github.com/roach88/binmgr/internal/manager"
	"github.com/roach88/binmgr/internal/manifest"
	"github.com/roach88/binmgr/internal/registry"
	"github.com/roach88/binmgr/internal/sim"
	"github.com/roach88/binmgr/internal/testutil"
)

const (
	// defaultResponseTimeout keeps silent subscribers from slowing runs down.
	defaultResponseTimeout = 100 * time.Millisecond

	// runTimeout bounds a whole scenario.
	runTimeout = 30 * time.Second

	// defaultRegisterSize is the image size of binaries added by register steps.
	defaultRegisterSize = 4096
)

// Harness runs scenarios.
type Harness struct {
	logger *slog.Logger
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the logger used for step progress.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// New creates a harness.
func New(opts ...Option) *Harness {
	h := &Harness{logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run executes scenario with a default harness.
func Run(scenario *Scenario) (*Result, error) {
	return New().Run(scenario)
}

// run is the state of one scenario execution.
type run struct {
	m         *manager.Manager
	rec       *recorder
	transport *sim.Transport
	rebooter  *sim.Rebooter
	logger    *slog.Logger
}

// Run executes scenario on a fresh simulated board. The returned error
// reports a harness failure; step and assertion mismatches are recorded in
// the result.
func (h *Harness) Run(scenario *Scenario) (*Result, error) {
	mf, err := manifest.Load(scenario.Manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}
	cfg, err := scenario.config()
	if err != nil {
		return nil, err
	}
	failures := mergeSimulation(mf.Simulation, scenario.Simulation)

	rec := &recorder{}
	ld := sim.NewLoader(sim.NewPIDAllocator(sim.DefaultFirstPID))
	for name, n := range failures.LoadFailures {
		ld.FailLoads(name, n)
	}
	for _, name := range failures.StartFailures {
		ld.FailStart(name)
	}
	sched := sim.NewScheduler()
	for _, pid := range failures.ExcludeFailures {
		sched.FailExclude(pid)
	}
	transport := sim.NewTransport(nil)
	rebooter := sim.NewRebooter(rec.reboot)

	m, err := manager.New(cfg, manager.Board{
		Loader:    ld,
		Scheduler: sched,
		Transport: &tracingTransport{inner: transport, rec: rec},
		Rebooter:  rebooter,
	},
		manager.WithClock(testutil.NewSeqClock()),
		manager.WithBootIDGenerator(testutil.NewFixedBootIDGenerator(scenario.BootID)),
		manager.WithTransitionObserver(rec.transition),
		manager.WithOutcomeHook(rec.outcome),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create manager: %w", err)
	}
	transport.SetAck(m.Ack)

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	r := &run{m: m, rec: rec, transport: transport, rebooter: rebooter, logger: h.logger}
	result := NewResult()
	execErr := r.execute(ctx, scenario, mf, result)

	cancel()
	if err := <-done; err != nil && execErr == nil {
		execErr = fmt.Errorf("manager stopped: %w", err)
	}
	if execErr != nil {
		return nil, execErr
	}

	result.BootID = m.BootID()
	result.Trace = rec.snapshot()
	result.Final = m.GetInfoAll().Binaries
	result.Reboots = rebooter.Count()
	for _, d := range transport.Deliveries() {
		result.Inboxes[d.PID] = append(result.Inboxes[d.PID], d.Message.State.String())
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (r *run) execute(ctx context.Context, scenario *Scenario, mf *manifest.Manifest, result *Result) error {
	rep, err := r.m.Scan(ctx, mf)
	if err != nil {
		return fmt.Errorf("failed to scan manifest: %w", err)
	}
	r.rec.scan(rep)

	for i, step := range scenario.Steps {
		action, err := r.step(ctx, step)
		if ctx.Err() != nil {
			return fmt.Errorf("steps[%d] %s: %w", i, step.Op, ctx.Err())
		}
		checkStep(i, step, action, err, result)
		r.logger.Debug("scenario step completed",
			"scenario", scenario.Name,
			"step", i,
			"op", step.Op,
			"error", err,
		)
	}

	if err := r.m.Settle(ctx); err != nil {
		return fmt.Errorf("failed to settle: %w", err)
	}
	return nil
}

// step executes one step and returns the recovery action of fault steps.
func (r *run) step(ctx context.Context, s Step) (string, error) {
	switch s.Op {
	case OpRegister:
		size := s.Size
		if size == 0 {
			size = defaultRegisterSize
		}
		_, err := r.m.Register(ctx, registry.Registration{
			Attrs: binary.LoadAttributes{Name: s.Binary, BinSize: size},
		})
		return "", err
	case OpLoad, OpUpdate, OpUnload:
		idx, err := r.index(s.Binary)
		if err != nil {
			return "", err
		}
		switch s.Op {
		case OpLoad:
			return "", r.m.Load(ctx, idx)
		case OpUpdate:
			return "", r.m.Update(ctx, idx)
		default:
			return "", r.m.Unload(ctx, idx)
		}
	case OpLoadAll:
		outcomes, err := r.m.LoadAll(ctx)
		if err != nil {
			return "", err
		}
		for _, o := range outcomes {
			if o.Err != nil {
				return "", o.Err
			}
		}
		return "", nil
	case OpSubscribe:
		idx, err := r.index(s.Binary)
		if err != nil {
			return "", err
		}
		return "", r.m.Subscribe(ctx, idx, s.PID, nil)
	case OpUnsubscribe:
		_, err := r.m.Unsubscribe(ctx, s.PID)
		return "", err
	case OpTaskCreated:
		parent := s.Parent
		if s.Binary != "" {
			pid, err := r.entryTask(s.Binary)
			if err != nil {
				return "", err
			}
			parent = pid
		}
		return "", r.m.TaskCreated(ctx, parent, s.PID)
	case OpTaskExited:
		return "", r.m.TaskExited(ctx, s.PID)
	case OpFault:
		pid := s.PID
		if s.Binary != "" {
			var err error
			if pid, err = r.entryTask(s.Binary); err != nil {
				return "", err
			}
		}
		res, err := r.m.Recover(ctx, pid)
		if err != nil {
			return "", err
		}
		// Recovery queued a reload; wait for it so the trace is stable.
		if err := r.m.Settle(ctx); err != nil {
			return "", err
		}
		r.rec.recovery(res)
		return res.Action.String(), res.Err
	case OpSilence:
		r.transport.Silence(s.PID)
		return "", nil
	case OpSettle:
		return "", r.m.Settle(ctx)
	default:
		return "", fmt.Errorf("unknown op %q", s.Op)
	}
}

func (r *run) index(name string) (int, error) {
	info, err := r.m.GetInfoWithName(name)
	if err != nil {
		return -1, err
	}
	return info.Index, nil
}

func (r *run) entryTask(name string) (int, error) {
	info, err := r.m.GetInfoWithName(name)
	if err != nil {
		return 0, err
	}
	if info.BinID == binary.NoBinID {
		return 0, binary.SlotErrorf(binary.CodeInvalidArgument, info.Index, name, "binary is not running")
	}
	return info.BinID, nil
}

// checkStep compares a step's result with its expect clause.
func checkStep(i int, s Step, action string, err error, result *Result) {
	var want Expect
	if s.Expect != nil {
		want = *s.Expect
	}
	if got := errorCode(err); got != want.Error {
		msg := fmt.Sprintf("steps[%d] %s: expected error %q, got %q", i, s.Op, want.Error, got)
		if err != nil {
			msg += fmt.Sprintf(" (%v)", err)
		}
		result.AddError(msg)
	}
	if want.Action != "" && action != want.Action {
		result.AddError(fmt.Sprintf("steps[%d] %s: expected action %q, got %q", i, s.Op, want.Action, action))
	}
}

// config applies the scenario overrides to the manager defaults.
func (s *Scenario) config() (manager.Config, error) {
	cfg := manager.DefaultConfig()
	cfg.ResponseTimeout = defaultResponseTimeout
	if s.Config.UserCapacity > 0 {
		cfg.UserCapacity = s.Config.UserCapacity
	}
	if s.Config.LoadAttempts > 0 {
		cfg.LoadAttempts = s.Config.LoadAttempts
	}
	if s.Config.ResponseTimeout != "" {
		d, err := time.ParseDuration(s.Config.ResponseTimeout)
		if err != nil {
			return manager.Config{}, fmt.Errorf("config.response_timeout: %w", err)
		}
		cfg.ResponseTimeout = d
	}
	if s.Config.Recovery != nil {
		cfg.Recovery = *s.Config.Recovery
	}
	if err := cfg.Validate(); err != nil {
		return manager.Config{}, errors.Join(errors.New("invalid scenario config"), err)
	}
	return cfg, nil
}

func mergeSimulation(base, extra manifest.Simulation) manifest.Simulation {
	out := manifest.Simulation{
		LoadFailures:    make(map[string]int),
		StartFailures:   append(append([]string(nil), base.StartFailures...), extra.StartFailures...),
		ExcludeFailures: append(append([]int(nil), base.ExcludeFailures...), extra.ExcludeFailures...),
	}
	for name, n := range base.LoadFailures {
		out.LoadFailures[name] += n
	}
	for name, n := range extra.LoadFailures {
		out.LoadFailures[name] += n
	}
	return out
}
