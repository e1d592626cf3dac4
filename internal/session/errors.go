package session

import "errors"

// Error taxonomy for session and worker lifecycle operations.
var (
	ErrSessionNotFound = errors.New("session_not_found")
	ErrWorkerNotFound  = errors.New("worker_not_found")
	ErrPathNotFound    = errors.New("path_not_found")
	ErrAgentNotFound   = errors.New("agent_not_found")
	// ErrActivationFailed signals a PTY spawn failure; resume paths roll
	// back partially activated workers before returning it.
	ErrActivationFailed = errors.New("pty_activation_failed")
	// ErrPersistenceFailed signals a store write/delete failure after which
	// in-memory state has been restored to avoid divergence.
	ErrPersistenceFailed = errors.New("persistence_failure")
	// ErrCannotPauseQuick: quick sessions have no home to return to and
	// must be deleted instead of paused.
	ErrCannotPauseQuick = errors.New("quick sessions cannot be paused")
)
