package executor

import "errors"

var (
	// ErrNoExecutors means no executor is connected to serve the request.
	ErrNoExecutors = errors.New("executor: no executors connected")

	// ErrExecutorGone means the chosen executor disconnected or stopped
	// draining its channel before the request could complete.
	ErrExecutorGone = errors.New("executor: executor disconnected")
)
