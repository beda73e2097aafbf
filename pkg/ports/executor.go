package ports

import "context"

// ExecuteRequest is a query handed to a task executor
type ExecuteRequest struct {
	SessionID string
	Model     string
	Query     string
}

// Executor performs the actual work of a dispatched task
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) (string, error)
}
