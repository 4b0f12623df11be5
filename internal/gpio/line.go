package gpio

import (
	"errors"
	"fmt"
)

// Line is one digital input. Read returns true for HIGH.
type Line interface {
	Name() string
	Read() (bool, error)
}

// Driver names accepted by Open.
const (
	DriverPeriph = "periph"
	DriverSysfs  = "sysfs"
	DriverSim    = "sim"
)

// Open returns the TRIGGER and ENABLE lines for driver.
func Open(driver, trigger, enable string) (Line, Line, error) {
	var open func(string) (Line, error)
	switch driver {
	case DriverPeriph, "":
		open = OpenPeriph
	case DriverSysfs:
		open = func(spec string) (Line, error) { return OpenSysfs(spec) }
	case DriverSim:
		open = func(path string) (Line, error) { return OpenSim(path) }
	default:
		return nil, nil, fmt.Errorf("unknown gpio driver %q", driver)
	}

	t, err := open(trigger)
	if err != nil {
		return nil, nil, fmt.Errorf("trigger line: %w", err)
	}
	e, err := open(enable)
	if err != nil {
		return nil, nil, fmt.Errorf("enable line: %w", err)
	}
	return t, e, nil
}

// HardwareError reports a line that kept failing after all read retries.
// It is fatal for the run.
type HardwareError struct {
	Line     string
	Attempts int
	Err      error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("gpio line %s unreadable after %d attempts: %v", e.Line, e.Attempts, e.Err)
}

func (e *HardwareError) Unwrap() error {
	return e.Err
}

// IsHardwareError reports whether err is (or wraps) a *HardwareError.
func IsHardwareError(err error) bool {
	var he *HardwareError
	return errors.As(err, &he)
}
