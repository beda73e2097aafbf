// Package coordinator matches client queries to remote workers.
//
// The Coordinator owns four structures that only change together:
//
//   - WorkerRegistry: registered workers in registration order
//   - SessionStore: one Session per submitted query
//   - TaskQueue: FIFO backlog of sessions waiting for a worker
//   - LogAggregator: per-session log trail
//
// Every inbound event (worker registration, status heartbeat, worker log,
// result callback, client submission, liveness sweep) is applied under a
// single mutex. Dispatch events and log forwards produced while the lock is
// held are collected and published after it is released, so a slow broker
// never blocks other events.
//
// A worker is busy exactly while it is the assigned worker of one RUNNING
// session. Status reports that contradict that record only refresh the
// worker's last-seen time.
package coordinator
