package gpio

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

var (
	hostOnce sync.Once
	hostErr  error
)

func initHost() error {
	hostOnce.Do(func() {
		_, hostErr = host.Init()
	})
	return hostErr
}

// periphLine reads a pin through periph.io. Reads cannot fail once the pin
// is configured.
type periphLine struct {
	pin gpio.PinIn
}

// OpenPeriph configures the named pin (e.g. "GPIO17") as an input with the
// pull-down bias the trigger wiring expects.
func OpenPeriph(name string) (Line, error) {
	if err := initHost(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("no gpio pin named %q", name)
	}
	if err := pin.In(gpio.PullDown, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("configure %s as input: %w", name, err)
	}
	return &periphLine{pin: pin}, nil
}

func (l *periphLine) Name() string {
	return l.pin.Name()
}

func (l *periphLine) Read() (bool, error) {
	return l.pin.Read() == gpio.High, nil
}
