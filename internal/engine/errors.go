package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrKind classifies an engine client failure.
type ErrKind string

const (
	// KindRejected means the engine answered a submission with a non-2xx status.
	KindRejected ErrKind = "rejected"
	// KindCommunication means the engine could not be reached or the event
	// channel closed before the job finished.
	KindCommunication ErrKind = "communication"
	// KindExecution means the engine reported an error while running the job.
	KindExecution ErrKind = "execution"
)

// Error is returned by Client operations.
type Error struct {
	Kind       ErrKind
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: engine returned %d: %s", e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrKind) bool {
	var ee *Error
	return errors.As(err, &ee) && ee.Kind == kind
}

// StartError is returned by Supervisor.EnsureReady when the engine never
// became ready. ExitCode is set when the process had already exited.
type StartError struct {
	Timeout  time.Duration
	ExitCode *int
	Err      error
}

func (e *StartError) Error() string {
	switch {
	case e.ExitCode != nil:
		return fmt.Sprintf("engine exited with code %d before becoming ready", *e.ExitCode)
	case e.Err != nil:
		return fmt.Sprintf("engine failed to start: %v", e.Err)
	default:
		return fmt.Sprintf("engine did not become ready within %s", e.Timeout)
	}
}

func (e *StartError) Unwrap() error { return e.Err }
