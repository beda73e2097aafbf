package domain

import "time"

// QueuedTask is backlog work waiting for an idle worker
type QueuedTask struct {
	SessionID  string
	UserID     string
	Query      string
	EnqueuedAt time.Time
}

// TaskDispatch instructs one worker to start one session's task.
// It is broadcast on the tasks topic; workers filter on WorkerID.
type TaskDispatch struct {
	WorkerID     string `json:"workerId" validate:"required"`
	SessionID    string `json:"sessionId" validate:"required"`
	UserID       string `json:"userId"`
	Query        string `json:"query"`
	Model        string `json:"model"`
	GRPCCallback string `json:"grpcCallback" validate:"required"`
	Timestamp    int64  `json:"timestamp"`
}

// ResultReport is the payload of the result callback
type ResultReport struct {
	WorkerID  string `json:"workerId" validate:"required"`
	SessionID string `json:"sessionId" validate:"required"`
	Query     string `json:"query"`
	Result    string `json:"result"`
	Error     string `json:"error,omitempty"`
	Duration  string `json:"duration"`
	Timestamp int64  `json:"timestamp"`
}

// Failed reports whether the worker signalled a failure
func (r ResultReport) Failed() bool {
	return r.Error != ""
}
