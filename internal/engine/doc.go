// Package engine implements the capture orchestrator.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// The edge watcher runs in its own goroutine and only enqueues. Engine.Run
// is the single consumer and the only code that mutates the store, so
// counter reservation, capture and recording are strictly sequenced and one
// capture is in flight at a time.
//
// Event Processing Flow:
//  1. Watcher enqueues a TriggerEvent (never blocks, never drops)
//  2. Engine.Run() dequeues events one at a time
//  3. Handle() reserves the trigger index
//  4. ENABLE high: reserve image index, resolve target, call the backend
//  5. store.RecordEvent() appends the log row and replaces state.json
//
// Re-arm detection keeps running in the watcher while a capture blocks, so
// triggers that arrive mid-capture queue up and are handled in order.
//
// Shutdown:
// A stop request cancels the watcher. The caller then closes the engine,
// which handles the events already queued and returns. Handling uses a
// context without cancellation so an interrupted process never leaves a
// reserved trigger unrecorded.
package engine
