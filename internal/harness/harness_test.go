package harness

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/binmgr/internal/binary"
	"github.com/roach88/binmgr/internal/manager"
	"github.com/roach88/binmgr/internal/manifest"
)

func scenarioFrom(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario("testdata/scenarios/" + name + ".yaml")
	require.NoError(t, err)
	return s
}

func TestRun_UnexpectedStepErrorFails(t *testing.T) {
	s := scenarioFrom(t, "load_retry")
	s.Steps[0].Expect = nil

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], `steps[0] load_all: expected error "", got "LOAD_FAILED"`)
}

func TestRun_WrongActionFails(t *testing.T) {
	s := scenarioFrom(t, "fault_recovery")
	s.Steps[3].Expect = &Expect{Action: "reboot"}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors, `steps[3] fault: expected action "reboot", got "recover"`)
}

func TestRun_FailingAssertionReported(t *testing.T) {
	s := scenarioFrom(t, "camera_update")
	s.Assertions = []Assertion{{Type: AssertReboots, Count: 3}}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Assertion failed: reboots")
}

func TestRun_RecoveryDisabledLeavesFault(t *testing.T) {
	s := scenarioFrom(t, "fault_recovery")
	off := false
	s.Config.Recovery = &off
	s.Assertions = []Assertion{
		{Type: AssertFinalState, Binary: "audio", Expect: map[string]any{"state": "FAULT", "fault_count": 1}},
		{Type: AssertTraceContains, Event: "outcome RELOAD audio attempts=0 INVALID_ARGUMENT"},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_BadManifest(t *testing.T) {
	s := scenarioFrom(t, "camera_update")
	s.Manifest = "testdata/scenarios/missing.yaml"

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load manifest")
}

func TestEvaluateAssertions(t *testing.T) {
	result := NewResult()
	result.Trace = []string{
		"transition seq=1 camera INACTIVE->LOADING_DONE",
		"transition seq=2 camera LOADING_DONE->RUNNING",
		"outcome LOAD camera attempts=1 ok",
	}
	result.Final = []manager.Info{{Index: 1, Name: "camera", State: "RUNNING", BinID: 101, Tasks: 1}}
	result.Inboxes[500] = []string{"RUNNING"}

	tests := []struct {
		name      string
		assertion Assertion
		pass      bool
	}{
		{"contains", Assertion{Type: AssertTraceContains, Event: "LOADING_DONE->RUNNING"}, true},
		{"contains missing", Assertion{Type: AssertTraceContains, Event: "FAULT"}, false},
		{"order", Assertion{Type: AssertTraceOrder, Events: []string{"seq=1", "outcome LOAD"}}, true},
		{"order reversed", Assertion{Type: AssertTraceOrder, Events: []string{"outcome LOAD", "seq=1"}}, false},
		{"count", Assertion{Type: AssertTraceCount, Event: "transition", Count: 2}, true},
		{"count zero", Assertion{Type: AssertTraceCount, Event: "reboot", Count: 0}, true},
		{"count wrong", Assertion{Type: AssertTraceCount, Event: "transition", Count: 1}, false},
		{"final state", Assertion{Type: AssertFinalState, Binary: "camera", Expect: map[string]any{"state": "RUNNING", "bin_id": 101}}, true},
		{"final state mismatch", Assertion{Type: AssertFinalState, Binary: "camera", Expect: map[string]any{"tasks": 2}}, false},
		{"final state unknown binary", Assertion{Type: AssertFinalState, Binary: "audio", Expect: map[string]any{"state": "RUNNING"}}, false},
		{"final state unknown field", Assertion{Type: AssertFinalState, Binary: "camera", Expect: map[string]any{"color": "red"}}, false},
		{"reboots", Assertion{Type: AssertReboots, Count: 0}, true},
		{"inbox", Assertion{Type: AssertInbox, PID: 500, States: []string{"RUNNING"}}, true},
		{"inbox empty", Assertion{Type: AssertInbox, PID: 501}, true},
		{"inbox mismatch", Assertion{Type: AssertInbox, PID: 500, States: []string{"FAULT"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := EvaluateAssertions(result, []Assertion{tt.assertion})
			if tt.pass {
				assert.Empty(t, msgs)
			} else {
				assert.Len(t, msgs, 1)
			}
		})
	}
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceContains,
		Expected: "x",
		Actual:   "y",
		Trace:    []string{"scan partitions=0 registered=[] failed=[]"},
	}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_contains")
	assert.Contains(t, msg, "[1] scan partitions=0")
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "", errorCode(nil))
	assert.Equal(t, "NOT_FOUND", errorCode(binary.Errorf(binary.CodeNotFound, "gone")))
	assert.Equal(t, "ERROR", errorCode(errors.New("plain")))
}

func TestMergeSimulation(t *testing.T) {
	got := mergeSimulation(
		manifest.Simulation{LoadFailures: map[string]int{"camera": 1}, StartFailures: []string{"audio"}},
		manifest.Simulation{LoadFailures: map[string]int{"camera": 2}, ExcludeFailures: []int{150}},
	)
	assert.Equal(t, map[string]int{"camera": 3}, got.LoadFailures)
	assert.Equal(t, []string{"audio"}, got.StartFailures)
	assert.Equal(t, []int{150}, got.ExcludeFailures)
}

func TestScenarioConfig(t *testing.T) {
	off := false
	s := &Scenario{Config: ConfigOverrides{UserCapacity: 8, LoadAttempts: 3, ResponseTimeout: "20ms", Recovery: &off}}

	cfg, err := s.config()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.UserCapacity)
	assert.Equal(t, 3, cfg.LoadAttempts)
	assert.Equal(t, "20ms", cfg.ResponseTimeout.String())
	assert.False(t, cfg.Recovery)

	cfg, err = (&Scenario{}).config()
	require.NoError(t, err)
	assert.Equal(t, defaultResponseTimeout, cfg.ResponseTimeout)
}
