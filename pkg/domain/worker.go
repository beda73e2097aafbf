package domain

import "time"

// WorkerStatus represents worker availability
type WorkerStatus string

const (
	WorkerStatusIdle WorkerStatus = "idle"
	WorkerStatusBusy WorkerStatus = "busy"
)

// Valid reports whether s is a known worker status
func (s WorkerStatus) Valid() bool {
	return s == WorkerStatusIdle || s == WorkerStatusBusy
}

// Worker is a registered remote executor
type Worker struct {
	ID             string       `json:"id"`
	Status         WorkerStatus `json:"status"`
	ReportedStatus WorkerStatus `json:"reportedStatus,omitempty"`
	LastSeen       time.Time    `json:"lastSeen"`
	RegisteredAt   time.Time    `json:"registeredAt"`
}
