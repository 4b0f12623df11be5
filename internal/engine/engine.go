package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/trigcap/internal/capture"
	"github.com/roach88/trigcap/internal/gpio"
	"github.com/roach88/trigcap/internal/store"
)

// DefaultWarnDepth is the queue depth above which Enqueue logs a warning.
const DefaultWarnDepth = 8

// Outcome describes how one trigger event was handled.
type Outcome struct {
	TriggerIndex uint64
	ImageIndex   uint64 // zero when ENABLE was low
	Enabled      bool
	Captured     bool
	Filename     string
	CaptureErr   error // recoverable backend failure, if any
	Duration     time.Duration
}

// Stats counts handled events since the engine was created.
type Stats struct {
	Triggers int
	Captured int
	Failed   int
	Disabled int
}

// Engine is the capture orchestrator: the single consumer of trigger events
// and the only writer to the store.
//
// Thread-safety model:
//   - Enqueue(), Close(), Stats(): safe from any goroutine
//   - Run() and Handle(): must be called from exactly one goroutine
type Engine struct {
	store     *store.Store
	backend   capture.Backend
	queue     *eventQueue
	logger    *slog.Logger
	warnDepth int

	mu    sync.Mutex
	stats Stats
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithWarnDepth sets the queue depth that triggers a backlog warning.
func WithWarnDepth(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.warnDepth = n
		}
	}
}

// New creates an Engine writing to s and capturing through b.
func New(s *store.Store, b capture.Backend, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		backend:   b,
		queue:     newEventQueue(),
		logger:    slog.Default(),
		warnDepth: DefaultWarnDepth,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enqueue submits a trigger event. It never blocks and never drops an event
// unless the engine has been closed, in which case it returns false.
func (e *Engine) Enqueue(evt gpio.TriggerEvent) bool {
	depth, ok := e.queue.Enqueue(evt)
	if !ok {
		e.logger.Error("trigger event after close", "edge_time", evt.EdgeTime)
		return false
	}
	if depth > e.warnDepth {
		e.logger.Warn("trigger backlog growing", "depth", depth)
	}
	return true
}

// Close marks the end of input. Run returns after handling what is queued.
func (e *Engine) Close() {
	e.queue.Close()
}

// Pending returns the number of queued events.
func (e *Engine) Pending() int {
	return e.queue.Len()
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Run handles queued events in FIFO order until Close has been called and
// the queue is empty, or a fatal error occurs.
//
// Cancelling ctx does not stop Run: queued events are edges that already
// happened and are still recorded. Each event is handled under a context
// detached from ctx's cancellation, so a stop request never interrupts a
// reserve, capture and record sequence halfway.
func (e *Engine) Run(ctx context.Context) error {
	hctx := context.WithoutCancel(ctx)
	for {
		for {
			evt, ok := e.queue.TryDequeue()
			if !ok {
				break
			}
			if _, err := e.Handle(hctx, evt); err != nil {
				return err
			}
		}
		if e.queue.Drained() {
			s := e.Stats()
			e.logger.Info("engine stopped",
				"triggers", s.Triggers, "captured", s.Captured,
				"failed", s.Failed, "disabled", s.Disabled)
			return nil
		}
		<-e.queue.Wait()
	}
}

// Handle processes one event:
//
//  1. reserve the trigger index
//  2. ENABLE low: record the trigger as not captured
//  3. ENABLE high: reserve an image index and resolve its target file
//  4. capture, then record the outcome
//
// A failed capture is logged and recorded with captured=0; its image index
// stays consumed. Store failures and occupied targets are fatal and returned
// as *RuntimeError.
func (e *Engine) Handle(ctx context.Context, evt gpio.TriggerEvent) (Outcome, error) {
	start := time.Now()
	out := Outcome{
		TriggerIndex: e.store.ReserveTriggerIndex(),
		Enabled:      evt.Enabled,
	}
	rec := store.LogRecord{
		Timestamp:    evt.EdgeTime,
		TriggerIndex: out.TriggerIndex,
		EnableState:  evt.Enabled,
	}

	if evt.Enabled {
		out.ImageIndex = e.store.ReserveImageIndex()
		name, path, err := e.store.ImageTarget(ctx, out.ImageIndex, evt.EdgeTime)
		if err != nil {
			return out, &RuntimeError{Code: ErrCodeTarget, TriggerIndex: out.TriggerIndex, ImageIndex: out.ImageIndex, Err: err}
		}

		err = e.backend.Capture(ctx, path)
		switch {
		case err == nil:
			out.Captured = true
			out.Filename = name
		case errors.Is(err, capture.ErrTargetExists):
			fault := store.NewConsistencyFault(path, "image target appeared during capture", err)
			return out, &RuntimeError{Code: ErrCodeOverwrite, TriggerIndex: out.TriggerIndex, ImageIndex: out.ImageIndex, Err: fault}
		default:
			out.CaptureErr = err
			e.logger.Warn("capture failed",
				"trigger_index", out.TriggerIndex,
				"image_index", out.ImageIndex,
				"target", path,
				"error", err)
		}
		rec.Captured = out.Captured
		rec.Filename = out.Filename
	}

	if err := e.store.RecordEvent(ctx, rec); err != nil {
		return out, &RuntimeError{Code: ErrCodeRecord, TriggerIndex: out.TriggerIndex, ImageIndex: out.ImageIndex, Err: err}
	}
	out.Duration = time.Since(start)

	e.count(out)
	e.logger.Info("trigger recorded",
		"trigger_index", out.TriggerIndex,
		"enable", out.Enabled,
		"captured", out.Captured,
		"filename", out.Filename,
		"duration", out.Duration)
	return out, nil
}

func (e *Engine) count(out Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Triggers++
	switch {
	case !out.Enabled:
		e.stats.Disabled++
	case out.Captured:
		e.stats.Captured++
	default:
		e.stats.Failed++
	}
}
