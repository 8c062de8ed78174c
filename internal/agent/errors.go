package agent

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a run failed.
type ErrorKind string

const (
	KindNoViableRoute   ErrorKind = "no-viable-route"
	KindLoopGuard       ErrorKind = "loop-guard-exceeded"
	KindCancelled       ErrorKind = "cancelled"
	KindPersistence     ErrorKind = "persistence-failure"
	KindInvalidMutation ErrorKind = "invalid-mutation"
	KindWorkerFailed    ErrorKind = "worker-failed"
	KindInvalidInput    ErrorKind = "invalid-input"
)

var (
	ErrSessionBusy    = errors.New("agent: session already has an active run")
	ErrNoViableRoute  = errors.New("agent: no worker can be justified from the current plan")
	ErrLoopGuard      = errors.New("agent: iteration ceiling reached")
	ErrCancelled      = errors.New("agent: run cancelled")
	ErrUnknownWorker  = errors.New("agent: unknown worker")
	ErrEmptySessionID = errors.New("agent: empty session id")
)

// RunError is the terminal failure of a run.
type RunError struct {
	Kind ErrorKind
	Err  error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func runErr(kind ErrorKind, format string, args ...any) *RunError {
	return &RunError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the run error kind carried by err, or "" if none.
func KindOf(err error) ErrorKind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}
