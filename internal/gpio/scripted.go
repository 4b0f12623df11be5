package gpio

import "sync"

// ScriptedLine is a Line whose level is set by code. Tests and the scenario
// harness use it in place of hardware.
type ScriptedLine struct {
	mu       sync.Mutex
	name     string
	level    bool
	failures []error
	reads    int
}

// NewScriptedLine returns a line at LOW.
func NewScriptedLine(name string) *ScriptedLine {
	return &ScriptedLine{name: name}
}

func (l *ScriptedLine) Name() string {
	return l.name
}

// Set changes the level seen by subsequent reads.
func (l *ScriptedLine) Set(high bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = high
}

// FailNext makes the next len(errs) reads return those errors in order.
func (l *ScriptedLine) FailNext(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, errs...)
}

// Reads returns how many times Read was called.
func (l *ScriptedLine) Reads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reads
}

func (l *ScriptedLine) Read() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads++
	if len(l.failures) > 0 {
		err := l.failures[0]
		l.failures = l.failures[1:]
		return false, err
	}
	return l.level, nil
}
