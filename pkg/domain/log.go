package domain

import "time"

// LogSource identifies who produced a log entry
type LogSource string

const (
	LogSourceMaster LogSource = "master"
	LogSourceWorker LogSource = "worker"
)

// LogEntry is one line of a session's observability trail.
// Entries with an empty SessionID are system-level.
type LogEntry struct {
	SessionID string    `json:"sessionId,omitempty"`
	Source    LogSource `json:"source"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
