package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/roach88/trigcap/internal/config"
)

// Scenario is a scripted sequence of line changes and run interruptions
// with assertions on the outcome.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Watcher tunes polling and debounce. Omitted fields use the defaults.
	Watcher WatcherSettings `yaml:"watcher,omitempty"`

	// Initial sets the line levels before the watcher first samples them.
	Initial Levels `yaml:"initial,omitempty"`

	// Camera scripts capture outcomes in call order: "ok" or a failure
	// message.
	Camera []string `yaml:"camera,omitempty"`

	// Steps are executed in order until they run out or the run halts.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and run directory.
	Assertions []Assertion `yaml:"assertions"`
}

// WatcherSettings overrides edge watcher timing.
type WatcherSettings struct {
	PollInterval config.Duration  `yaml:"poll_interval,omitempty"`
	Debounce     *config.Duration `yaml:"debounce,omitempty"`
}

// Level is a line level: "high" or "low". Empty leaves the line unchanged.
type Level string

// Line levels.
const (
	LevelHigh Level = "high"
	LevelLow  Level = "low"
)

func (l Level) valid() bool {
	return l == "" || l == LevelHigh || l == LevelLow
}

// Levels sets TRIGGER and ENABLE.
type Levels struct {
	Trigger Level `yaml:"trigger,omitempty"`
	Enable  Level `yaml:"enable,omitempty"`
}

// Step is one scenario instant followed by an optional hold.
type Step struct {
	Trigger Level `yaml:"trigger,omitempty"`
	Enable  Level `yaml:"enable,omitempty"`

	// Hold advances the clock by this much, polling at every interval.
	Hold config.Duration `yaml:"hold,omitempty"`

	// Occupy creates the photo file image index Occupy would be saved as.
	Occupy uint64 `yaml:"occupy,omitempty"`

	// CorruptState overwrites state.json with unparseable data.
	CorruptState bool `yaml:"corrupt_state,omitempty"`

	// Resume closes the run and reopens it in resume mode, as after a
	// power loss.
	Resume bool `yaml:"resume,omitempty"`
}

// Assertion validates the trace or the final run directory.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an event of type Event whose fields match Where
	// - "trace_order": event types in Events occur in order
	// - "trace_count": exactly Count events of type Event
	// - "final_state": one row of Table matching Where has Expect values
	// - "counters": the final counters match Expect
	Type string `yaml:"type"`

	// Event is the trace event type (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Events is the expected event order (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Table is the index table name (final_state).
	Table string `yaml:"table,omitempty"`

	// Where filters trace event fields (trace_contains) or table rows
	// (final_state). All fields must match exactly.
	Where map[string]interface{} `yaml:"where,omitempty"`

	// Expect contains expected values (final_state, counters).
	// Subset match - only specified fields are validated.
	Expect map[string]interface{} `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertCounters      = "counters"
)

var eventTypes = map[string]bool{
	EventCapture:       true,
	EventCaptureFailed: true,
	EventDisabled:      true,
	EventResume:        true,
	EventHalt:          true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	// Parse YAML with strict field validation (catches typos like "step:" vs "steps:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every *.yaml file in dir, ordered by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if s.Watcher.PollInterval < 0 {
		return fmt.Errorf("watcher.poll_interval must not be negative")
	}
	if s.Watcher.Debounce != nil && *s.Watcher.Debounce < 0 {
		return fmt.Errorf("watcher.debounce must not be negative")
	}

	if !s.Initial.Trigger.valid() || !s.Initial.Enable.valid() {
		return fmt.Errorf("initial: levels must be high or low")
	}

	for i, step := range s.Steps {
		if !step.Trigger.valid() {
			return fmt.Errorf("steps[%d]: trigger must be high or low, got %q", i, step.Trigger)
		}
		if !step.Enable.valid() {
			return fmt.Errorf("steps[%d]: enable must be high or low, got %q", i, step.Enable)
		}
		if step.Hold < 0 {
			return fmt.Errorf("steps[%d]: hold must not be negative", i)
		}
		if step == (Step{}) {
			return fmt.Errorf("steps[%d]: step does nothing", i)
		}
	}

	// Validate assertions
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if !eventTypes[a.Event] {
			return fmt.Errorf("assertions[%d]: unknown event %q for trace_contains", index, a.Event)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
		for _, e := range a.Events {
			if !eventTypes[e] {
				return fmt.Errorf("assertions[%d]: unknown event %q for trace_order", index, e)
			}
		}
	case AssertTraceCount:
		if !eventTypes[a.Event] {
			return fmt.Errorf("assertions[%d]: unknown event %q for trace_count", index, a.Event)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertCounters:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for counters", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
