package harness

// Trace event types.
const (
	EventCapture       = "capture"
	EventCaptureFailed = "capture_failed"
	EventDisabled      = "disabled"
	EventResume        = "resume"
	EventHalt          = "halt"
)

// TraceEvent is one observable outcome during a scenario.
//
// For trigger events AtMS is the edge time; for resume it is the moment the
// run was reopened and the indices are the ones the run continues from.
type TraceEvent struct {
	Seq          int    `json:"seq"`
	Type         string `json:"type"`
	AtMS         int64  `json:"at_ms"`
	TriggerIndex uint64 `json:"trigger_index,omitempty"`
	ImageIndex   uint64 `json:"image_index,omitempty"`
	Filename     string `json:"filename,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Counters is what the run directory holds once the scenario ends.
type Counters struct {
	NextTriggerIndex uint64 `json:"next_trigger_index"`
	NextImageIndex   uint64 `json:"next_image_index"`
	LogRows          int    `json:"log_rows"`
	Photos           int    `json:"photos"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all assertions hold.
	Pass bool `json:"pass"`

	// Halted is set when a fatal error stopped the run early.
	Halted bool `json:"halted,omitempty"`

	// Trace contains every trigger outcome, resume and halt in order.
	Trace []TraceEvent `json:"trace"`

	// Final holds the durable counters read back from disk.
	Final Counters `json:"final"`

	// Errors contains assertion failure messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddEvent appends ev to the trace with the next sequence number.
func (r *Result) AddEvent(ev TraceEvent) {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
}
