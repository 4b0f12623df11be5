// Package harness replays scripted trigger scenarios against the real edge
// watcher, orchestrator and experiment store.
//
// A scenario drives two scripted lines and a fake clock. Each hold advances
// the clock one poll interval at a time and polls the watcher; every
// accepted edge is handled synchronously by the engine, so the resulting
// trace, log.csv and state.json are fully deterministic.
//
// # Scenario Format
//
//	name: enable_gating
//	description: "ENABLE low records the trigger without capturing"
//	watcher:
//	  poll_interval: 5ms
//	  debounce: 20ms
//	initial: { trigger: low, enable: high }
//	camera: [ok, "Camera busy"]
//	steps:
//	  - { trigger: high, hold: 30ms }
//	  - { trigger: low, hold: 30ms }
//	  - { occupy: 2 }
//	  - { corrupt_state: true, resume: true }
//	assertions:
//	  - type: trace_count
//	    event: capture
//	    count: 2
//	  - type: final_state
//	    table: events
//	    where: { trigger_index: 2 }
//	    expect: { captured: 0 }
//
// Within a step the actions run in this order: occupy places a file where
// the given image index would land, corrupt_state damages state.json,
// resume closes the run and reopens it in resume mode, the line levels are
// applied, and finally the clock is held for hold.
//
// Camera entries are consumed one per capture: "ok" succeeds, any other
// string fails with that message. Captures beyond the list succeed.
//
// # Assertion Types
//
//   - trace_contains: an event of the given type whose fields match where
//   - trace_order: the listed event types occur in this order
//   - trace_count: exactly count events of the given type
//   - final_state: one row of an index table (events, run_meta) matches
//   - counters: the durable counters, log row count and photo count
//
// # Golden Files
//
// RunWithGolden compares the trace and final counters with
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
