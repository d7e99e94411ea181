package harness

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/roach88/binmgr/internal/binary"
	"github.com/roach88/binmgr/internal/loader"
	"github.com/roach88/binmgr/internal/manager"
	"github.com/roach88/binmgr/internal/notify"
	"github.com/roach88/binmgr/internal/recovery"
	"github.com/roach88/binmgr/internal/registry"
	"github.com/roach88/binmgr/internal/sim"
)

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step and assertion matched.
	Pass bool `json:"pass"`

	// BootID is the fixed boot id the manager ran with.
	BootID string `json:"boot_id"`

	// Trace holds one line per recorded event, in order.
	Trace []string `json:"trace"`

	// Errors holds step and assertion failures.
	Errors []string `json:"errors,omitempty"`

	// Final is the binary table after the last step settled.
	Final []manager.Info `json:"final"`

	// Reboots counts board resets.
	Reboots int `json:"reboots"`

	// Inboxes maps a subscriber pid to the states it was notified of.
	Inboxes map[int][]string `json:"inboxes,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []string{},
		Errors:  []string{},
		Inboxes: make(map[int][]string),
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Snapshot renders the result as the text stored in golden files.
func (r *Result) Snapshot(name string) []byte {
	var buf strings.Builder
	fmt.Fprintf(&buf, "scenario: %s\n", name)
	fmt.Fprintf(&buf, "boot: %s\n", r.BootID)
	buf.WriteString("trace:\n")
	for _, line := range r.Trace {
		fmt.Fprintf(&buf, "  %s\n", line)
	}
	buf.WriteString("final:\n")
	for _, b := range r.Final {
		fmt.Fprintf(&buf, "  %d %s %s bin=%d faults=%d subs=%d tasks=%d\n",
			b.Index, b.Name, b.State, b.BinID, b.FaultCount, b.Subscribers, b.Tasks)
	}
	fmt.Fprintf(&buf, "reboots: %d\n", r.Reboots)
	return []byte(buf.String())
}

// recorder collects trace lines from the manager's workers.
type recorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func (r *recorder) scan(rep manager.ScanReport) {
	failed := make([]string, 0, len(rep.Failed))
	for _, f := range rep.Failed {
		failed = append(failed, f.Name+":"+errorCode(f.Err))
	}
	r.add("scan partitions=%d registered=%v failed=%v", rep.Partitions, rep.Registered, failed)
}

func (r *recorder) transition(ch registry.Change) {
	r.add("transition seq=%d %s %s->%s", ch.Seq, ch.Name, ch.From, ch.To)
}

func (r *recorder) outcome(o loader.Outcome) {
	status := "ok"
	if o.Err != nil {
		status = errorCode(o.Err)
	}
	r.add("outcome %s %s attempts=%d %s", o.Command.Kind, o.Name, o.Attempts, status)
}

func (r *recorder) recovery(res recovery.Result) {
	name := res.Name
	if name == "" {
		name = "-"
	}
	excluded := res.Excluded
	if excluded == nil {
		excluded = []int{}
	}
	line := fmt.Sprintf("recovery pid=%d %s action=%s excluded=%v fault_count=%d",
		res.PID, name, res.Action, excluded, res.FaultCount)
	if res.Err != nil {
		line += " error=" + errorCode(res.Err)
	}
	r.add("%s", line)
}

func (r *recorder) reboot(reason string) {
	r.add("reboot reason=%q", reason)
}

// tracingTransport records every delivery before handing it to the
// simulated message queues.
type tracingTransport struct {
	inner *sim.Transport
	rec   *recorder
}

func (t *tracingTransport) Deliver(ctx context.Context, sub binary.Subscription, msg notify.Message) error {
	t.rec.add("notify pid=%d seq=%d %s %s sync=%t", sub.PID, msg.Seq, msg.Name, msg.State, msg.NeedResponse)
	return t.inner.Deliver(ctx, sub, msg)
}

// errorCode names err in traces and expectations. Errors without a code
// are reported as ERROR.
func errorCode(err error) string {
	if err == nil {
		return ""
	}
	if code := binary.CodeOf(err); code != "" {
		return string(code)
	}
	return "ERROR"
}
