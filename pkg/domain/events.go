package domain

import "time"

// RegisterEvent is published by a worker when it joins the pool
type RegisterEvent struct {
	WorkerID  string `json:"workerId" validate:"required"`
	Status    string `json:"status,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// StatusEvent is a worker heartbeat carrying its self-reported status
type StatusEvent struct {
	WorkerID string       `json:"workerId" validate:"required"`
	Status   WorkerStatus `json:"status" validate:"required,oneof=idle busy"`
}

// LogEvent is a log line forwarded over the bus
type LogEvent struct {
	SessionID string    `json:"sessionId,omitempty"`
	WorkerID  string    `json:"workerId,omitempty"`
	Source    LogSource `json:"source" validate:"required,oneof=master worker"`
	Message   string    `json:"message" validate:"required"`
	Timestamp int64     `json:"timestamp,omitempty"`
}

// Entry converts the event to a LogEntry, stamping now when the
// publisher did not provide a timestamp
func (e LogEvent) Entry(now time.Time) LogEntry {
	ts := now
	if e.Timestamp > 0 {
		ts = time.UnixMilli(e.Timestamp)
	}
	return LogEntry{
		SessionID: e.SessionID,
		Source:    e.Source,
		Message:   e.Message,
		Timestamp: ts,
	}
}

// NewLogEvent builds the wire form of a log entry
func NewLogEvent(entry LogEntry) LogEvent {
	return LogEvent{
		SessionID: entry.SessionID,
		Source:    entry.Source,
		Message:   entry.Message,
		Timestamp: entry.Timestamp.UnixMilli(),
	}
}
