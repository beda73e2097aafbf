// Package domain defines the core types shared by the coordinator, its
// protocol faces and the reference worker.
//
// Types:
//   - Worker: a registered remote executor and its availability
//   - Session: one client query and its lifecycle
//   - QueuedTask: backlog entry awaiting an idle worker
//   - LogEntry: per-session observability trail
//
// The wire payloads exchanged over the event bus and the result callback
// (RegisterEvent, StatusEvent, LogEvent, TaskDispatch, ResultReport) are
// declared here as well so both ends of the protocol agree on one schema.
package domain
