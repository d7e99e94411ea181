package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/binmgr/internal/manager"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, line := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, line)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns one message per
// failure.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var msgs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			msgs = append(msgs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return msgs
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(result.Trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(result.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(result.Trace, a)
	case AssertFinalState:
		return assertFinalState(result.Final, a)
	case AssertReboots:
		if result.Reboots != a.Count {
			return &AssertionError{
				Type:     AssertReboots,
				Expected: fmt.Sprintf("%d reboot(s)", a.Count),
				Actual:   fmt.Sprintf("%d reboot(s)", result.Reboots),
				Trace:    result.Trace,
			}
		}
		return nil
	case AssertInbox:
		return assertInbox(result.Inboxes, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertTraceContains checks that some trace line contains the event.
func assertTraceContains(trace []string, a Assertion) error {
	for _, line := range trace {
		if strings.Contains(line, a.Event) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("a line containing %q", a.Event),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the events appear in order. Other lines may
// come in between.
func assertTraceOrder(trace []string, a Assertion) error {
	next := 0
	for _, line := range trace {
		if next < len(a.Events) && strings.Contains(line, a.Events[next]) {
			next++
		}
	}
	if next == len(a.Events) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("events in order %q", a.Events),
		Actual:   fmt.Sprintf("matched up to %q", a.Events[:next]),
		Trace:    trace,
	}
}

// assertTraceCount checks that exactly Count lines contain the event.
func assertTraceCount(trace []string, a Assertion) error {
	n := 0
	for _, line := range trace {
		if strings.Contains(line, a.Event) {
			n++
		}
	}
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%d line(s) containing %q", a.Count, a.Event),
		Actual:   fmt.Sprintf("%d line(s)", n),
		Trace:    trace,
	}
}

// assertFinalState compares the listed fields of one binary. Values are
// compared by their printed form so YAML ints and strings both match.
func assertFinalState(final []manager.Info, a Assertion) error {
	idx := slices.IndexFunc(final, func(b manager.Info) bool { return b.Name == a.Binary })
	if idx < 0 {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("binary %q in the final table", a.Binary),
			Actual:   "not registered",
		}
	}
	b := final[idx]

	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, key := range keys {
		got, err := infoField(b, key)
		if err != nil {
			return err
		}
		want := fmt.Sprint(a.Expect[key])
		if got != want {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s.%s = %s", a.Binary, key, want),
				Actual:   fmt.Sprintf("%s.%s = %s", a.Binary, key, got),
			}
		}
	}
	return nil
}

func infoField(b manager.Info, key string) (string, error) {
	switch key {
	case "state":
		return b.State, nil
	case "bin_id":
		return fmt.Sprint(b.BinID), nil
	case "fault_count":
		return fmt.Sprint(b.FaultCount), nil
	case "subscribers":
		return fmt.Sprint(b.Subscribers), nil
	case "tasks":
		return fmt.Sprint(b.Tasks), nil
	case "index":
		return fmt.Sprint(b.Index), nil
	case "runtime":
		return b.RuntimeType, nil
	case "version":
		return b.Version, nil
	default:
		return "", fmt.Errorf("final_state: unknown field %q", key)
	}
}

// assertInbox checks the states delivered to a subscriber.
func assertInbox(inboxes map[int][]string, a Assertion) error {
	got := inboxes[a.PID]
	if slices.Equal(got, a.States) || (len(got) == 0 && len(a.States) == 0) {
		return nil
	}
	return &AssertionError{
		Type:     AssertInbox,
		Expected: fmt.Sprintf("pid %d notified of %v", a.PID, a.States),
		Actual:   fmt.Sprintf("pid %d notified of %v", a.PID, got),
	}
}
