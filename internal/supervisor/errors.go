package supervisor

import (
	"errors"
	"fmt"
)

// Kind classifies failures of Service operations.
type Kind string

const (
	KindResolution       Kind = "resolution_failure"
	KindSpawn            Kind = "spawn_failure"
	KindReadinessTimeout Kind = "readiness_timeout"
	KindTermination      Kind = "termination_failure"
	KindNotRunning       Kind = "not_running"
	KindPortUnavailable  Kind = "port_unavailable"
	KindAborted          Kind = "aborted"
)

var (
	// ErrNotRunning is wrapped by errors of KindNotRunning.
	ErrNotRunning = errors.New("engine is not running")
	// ErrAborted is wrapped by errors of KindAborted.
	ErrAborted = errors.New("start aborted")
)

// Error is returned by Start, Stop and Recover.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}
