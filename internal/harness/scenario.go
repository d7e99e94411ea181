package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/binmgr/internal/manifest"
)

// Scenario defines one boot to replay.
type Scenario struct {
	// Name uniquely identifies this scenario and its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Manifest is the storage manifest to scan. Relative paths are resolved
	// against the scenario file.
	Manifest string `yaml:"manifest"`

	// BootID is the fixed boot id. Defaults to "test-boot-default".
	BootID string `yaml:"boot_id,omitempty"`

	// Config overrides the manager defaults.
	Config ConfigOverrides `yaml:"config,omitempty"`

	// Simulation adds failures to those declared by the manifest.
	Simulation manifest.Simulation `yaml:"simulation,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// ConfigOverrides are the manager settings a scenario may change.
type ConfigOverrides struct {
	UserCapacity    int    `yaml:"user_capacity,omitempty"`
	LoadAttempts    int    `yaml:"load_attempts,omitempty"`
	ResponseTimeout string `yaml:"response_timeout,omitempty"`
	Recovery        *bool  `yaml:"recovery,omitempty"`
}

// Step is one operation against the manager.
type Step struct {
	Op     string  `yaml:"op"`
	Binary string  `yaml:"binary,omitempty"`
	PID    int     `yaml:"pid,omitempty"`
	Parent int     `yaml:"parent,omitempty"`
	Size   uint32  `yaml:"size,omitempty"`
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is the expected result of a step.
type Expect struct {
	// Error is the error code the step must fail with.
	Error string `yaml:"error,omitempty"`

	// Action is the recovery action of a fault step.
	Action string `yaml:"action,omitempty"`
}

// Assertion validates the trace or the final binary table.
type Assertion struct {
	Type   string         `yaml:"type"`
	Binary string         `yaml:"binary,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
	Event  string         `yaml:"event,omitempty"`
	Events []string       `yaml:"events,omitempty"`
	Count  int            `yaml:"count,omitempty"`
	PID    int            `yaml:"pid,omitempty"`
	States []string       `yaml:"states,omitempty"`
}

// Step operations.
const (
	OpRegister    = "register"
	OpLoad        = "load"
	OpLoadAll     = "load_all"
	OpUpdate      = "update"
	OpUnload      = "unload"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpTaskCreated = "task_created"
	OpTaskExited  = "task_exited"
	OpFault       = "fault"
	OpSilence     = "silence"
	OpSettle      = "settle"
)

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertReboots       = "reboots"
	AssertInbox         = "inbox"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected and the manifest path is resolved against the scenario's
// directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if scenario.Manifest != "" && !filepath.IsAbs(scenario.Manifest) {
		scenario.Manifest = filepath.Join(filepath.Dir(path), scenario.Manifest)
	}
	if _, err := os.Stat(scenario.Manifest); err != nil {
		return nil, fmt.Errorf("invalid scenario: manifest not found: %s", scenario.Manifest)
	}
	return scenario, nil
}

// ParseScenario parses a scenario document without touching the
// filesystem.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Manifest == "" {
		return fmt.Errorf("manifest is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Config.ResponseTimeout != "" {
		if _, err := time.ParseDuration(s.Config.ResponseTimeout); err != nil {
			return fmt.Errorf("config.response_timeout: %w", err)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, s Step) error {
	switch s.Op {
	case OpRegister, OpLoad, OpUpdate, OpUnload:
		if s.Binary == "" {
			return fmt.Errorf("steps[%d]: binary is required for %s", i, s.Op)
		}
	case OpSubscribe:
		if s.Binary == "" || s.PID == 0 {
			return fmt.Errorf("steps[%d]: binary and pid are required for subscribe", i)
		}
	case OpUnsubscribe, OpTaskExited, OpSilence:
		if s.PID == 0 {
			return fmt.Errorf("steps[%d]: pid is required for %s", i, s.Op)
		}
	case OpTaskCreated:
		if s.PID == 0 {
			return fmt.Errorf("steps[%d]: pid is required for task_created", i)
		}
		if (s.Parent == 0) == (s.Binary == "") {
			return fmt.Errorf("steps[%d]: task_created needs exactly one of parent or binary", i)
		}
	case OpFault:
		if (s.PID == 0) == (s.Binary == "") {
			return fmt.Errorf("steps[%d]: fault needs exactly one of pid or binary", i)
		}
	case OpLoadAll, OpSettle:
	case "":
		return fmt.Errorf("steps[%d]: op is required", i)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", i, s.Op)
	}
	if s.Expect != nil && s.Expect.Action != "" && s.Op != OpFault {
		return fmt.Errorf("steps[%d]: expect.action only applies to fault", i)
	}
	return nil
}

func validateAssertion(i int, a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", i)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", i)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", i)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", i)
		}
	case AssertFinalState:
		if a.Binary == "" {
			return fmt.Errorf("assertions[%d]: binary is required for final_state", i)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", i)
		}
	case AssertReboots:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for reboots", i)
		}
	case AssertInbox:
		if a.PID == 0 {
			return fmt.Errorf("assertions[%d]: pid is required for inbox", i)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", i)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
	}
	return nil
}
