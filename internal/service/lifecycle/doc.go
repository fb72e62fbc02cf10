// Package lifecycle guards state transitions of operations.
//
// States:
//   - running <-> paused
//   - running | paused -> finished (terminal)
//
// Every transition goes through Guard.RequestTransition, which resolves the
// operation, rejects transitions out of the terminal state and unknown target
// states, and only then writes. The read and the write run inside a
// per-operation critical section, and stores are expected to make the write
// conditional on the row not being finished, so two concurrent requests can
// never both move an operation out of (or into) the terminal state.
// Guard.FinishRunning takes the same path but only finishes a running
// operation, so it never overrides a pause.
//
// Auditing:
//   - Successful state changes emit exactly one audit event.
//   - Rejected or no-op transitions emit nothing.
package lifecycle
