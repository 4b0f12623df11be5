package gpio

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/trigcap/internal/clock"
)

// ArmState is the watcher's edge detection state. It is never persisted.
type ArmState int

const (
	// Armed means the next debounced HIGH on TRIGGER fires an event.
	Armed ArmState = iota
	// AwaitingLow means TRIGGER must read a debounced LOW before re-arming.
	AwaitingLow
)

func (s ArmState) String() string {
	switch s {
	case Armed:
		return "ARMED"
	case AwaitingLow:
		return "AWAITING_LOW"
	}
	return "UNKNOWN"
}

// TriggerEvent is one accepted rising edge on TRIGGER.
type TriggerEvent struct {
	// EdgeTime is when TRIGGER first read HIGH, before debounce confirmed it.
	EdgeTime time.Time
	// Enabled is ENABLE's level sampled when the edge was accepted.
	Enabled bool
}

// Defaults used by the config layer and for zero WatcherConfig fields.
const (
	DefaultPollInterval = 5 * time.Millisecond
	DefaultDebounce     = 20 * time.Millisecond
	DefaultReadRetries  = 5
	defaultRetryDelay   = 2 * time.Millisecond
	maxRetryDelay       = 200 * time.Millisecond
)

// WatcherConfig tunes polling and debouncing. Zero fields other than
// Debounce take their defaults; a zero Debounce accepts a level on the first
// read.
type WatcherConfig struct {
	PollInterval time.Duration
	Debounce     time.Duration
	ReadRetries  int
	RetryDelay   time.Duration
}

func (c WatcherConfig) withDefaults() WatcherConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Debounce < 0 {
		c.Debounce = 0
	}
	if c.ReadRetries <= 0 {
		c.ReadRetries = DefaultReadRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	return c
}

// Watcher turns raw TRIGGER/ENABLE levels into debounced TriggerEvents.
//
// A level only counts once it has been read continuously for the debounce
// window. From Armed a confirmed HIGH produces exactly one event and moves to
// AwaitingLow; only a confirmed LOW re-arms. Bounces shorter than the window
// restart the stability timer and never produce a second event.
//
// Poll is not safe for concurrent use; Run owns the watcher while it runs.
type Watcher struct {
	trigger Line
	enable  Line
	cfg     WatcherConfig
	clock   clock.Clock
	logger  *slog.Logger

	started bool
	state   ArmState
	level   bool      // last raw TRIGGER level
	since   time.Time // when level was first read
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithClock sets the time source used for debounce timing.
func WithClock(c clock.Clock) WatcherOption {
	return func(w *Watcher) {
		w.clock = clock.Or(c)
	}
}

// WithLogger sets the watcher's logger.
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher creates a watcher over the two lines.
func NewWatcher(trigger, enable Line, cfg WatcherConfig, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		trigger: trigger,
		enable:  enable,
		cfg:     cfg.withDefaults(),
		clock:   clock.System{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// State returns the current arm state.
func (w *Watcher) State() ArmState {
	return w.state
}

// Config returns the effective configuration.
func (w *Watcher) Config() WatcherConfig {
	return w.cfg
}

// Start samples TRIGGER and picks the initial state: a line already HIGH
// starts in AwaitingLow so a held trigger does not fire on startup. Poll
// calls Start on first use.
func (w *Watcher) Start(ctx context.Context) error {
	level, err := w.read(ctx, w.trigger)
	if err != nil {
		return err
	}
	w.started = true
	w.level = level
	w.since = w.clock.Now()
	w.state = Armed
	if level {
		w.state = AwaitingLow
	}
	w.logger.Info("edge watcher started",
		"trigger", w.trigger.Name(),
		"enable", w.enable.Name(),
		"state", w.state.String(),
		"debounce", w.cfg.Debounce,
		"poll_interval", w.cfg.PollInterval)
	return nil
}

// Poll reads TRIGGER once and returns an event when a rising edge has just
// been confirmed.
func (w *Watcher) Poll(ctx context.Context) (TriggerEvent, bool, error) {
	if !w.started {
		if err := w.Start(ctx); err != nil {
			return TriggerEvent{}, false, err
		}
	}

	level, err := w.read(ctx, w.trigger)
	if err != nil {
		return TriggerEvent{}, false, err
	}
	now := w.clock.Now()
	if level != w.level {
		w.level = level
		w.since = now
	}
	if now.Sub(w.since) < w.cfg.Debounce {
		return TriggerEvent{}, false, nil
	}

	switch w.state {
	case Armed:
		if !w.level {
			return TriggerEvent{}, false, nil
		}
		enabled, err := w.read(ctx, w.enable)
		if err != nil {
			return TriggerEvent{}, false, err
		}
		w.state = AwaitingLow
		w.logger.Debug("trigger edge accepted", "edge_time", w.since, "enabled", enabled)
		return TriggerEvent{EdgeTime: w.since, Enabled: enabled}, true, nil

	case AwaitingLow:
		if !w.level {
			w.state = Armed
			w.logger.Debug("trigger re-armed")
		}
	}
	return TriggerEvent{}, false, nil
}

// Run polls at the configured interval and hands each event to emit until
// ctx is cancelled (returns nil) or a line fails for good (returns a
// *HardwareError).
func (w *Watcher) Run(ctx context.Context, emit func(TriggerEvent)) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		evt, ok, err := w.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if ok {
			emit(evt)
		}
	}
}

// read retries transient failures with exponential backoff.
func (w *Watcher) read(ctx context.Context, line Line) (bool, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.RetryDelay
	b.MaxInterval = maxRetryDelay
	b.MaxElapsedTime = 0

	attempts := 0
	var level bool
	op := func() error {
		attempts++
		v, err := line.Read()
		if err != nil {
			return err
		}
		level = v
		return nil
	}
	notify := func(err error, wait time.Duration) {
		w.logger.Warn("gpio read failed, retrying",
			"line", line.Name(), "attempt", attempts, "wait", wait, "error", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.cfg.ReadRetries)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return false, err
		}
		return false, &HardwareError{Line: line.Name(), Attempts: attempts, Err: err}
	}
	return level, nil
}
