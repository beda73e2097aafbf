package domain

import "time"

// SessionStatus represents the lifecycle state of a session
type SessionStatus string

const (
	SessionStatusPending SessionStatus = "PENDING"
	SessionStatusRunning SessionStatus = "RUNNING"
	SessionStatusDone    SessionStatus = "DONE"
	SessionStatusFailed  SessionStatus = "FAILED"
)

// Terminal reports whether no further transition is possible from s
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusDone || s == SessionStatusFailed
}

// Session is one client query and its lifecycle
type Session struct {
	ID             string        `json:"sessionId"`
	UserID         string        `json:"userId"`
	Query          string        `json:"query"`
	Status         SessionStatus `json:"status"`
	Result         string        `json:"result,omitempty"`
	Error          string        `json:"error,omitempty"`
	AssignedWorker string        `json:"workerId,omitempty"`
	Duration       string        `json:"duration,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	StartedAt      *time.Time    `json:"startedAt,omitempty"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty"`
}
