package process

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a handle does not match the tracked child.
	ErrNotFound = errors.New("process not found")
	// ErrAlreadyRunning is returned by Spawn while a live child is tracked.
	ErrAlreadyRunning = errors.New("a child process is already running")
	// ErrWorkDir is returned when the configured working directory is unusable.
	ErrWorkDir = errors.New("invalid working directory")
	// ErrNoCommand is returned when Spawn is called without a resolved path.
	ErrNoCommand = errors.New("no command to spawn")

	errProcessGone = errors.New("process already exited")
)

// KillError reports that the OS refused to terminate a process.
type KillError struct {
	PID int
	Err error
}

func (e *KillError) Error() string {
	return fmt.Sprintf("kill pid %d: %v", e.PID, e.Err)
}

func (e *KillError) Unwrap() error { return e.Err }
