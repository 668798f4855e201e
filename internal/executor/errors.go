// File: internal/executor/errors.go
package executor

import (
	"errors"
	"fmt"
	"time"

	"github.com/projectagentis/bridge/api/schemas"
)

var (
	// ErrNoActiveTab reports a content step attempted before any navigate
	// step created a tab. A fatal step error, not a crash.
	ErrNoActiveTab = errors.New("no active tab, task must navigate first")

	// ErrTabClosed reports that the task's tab disappeared mid-operation.
	ErrTabClosed = errors.New("tab closed")

	// ErrNavigationTimeout reports that a page never reached the loaded
	// state within the load detection bound.
	ErrNavigationTimeout = errors.New("navigation timed out")

	// ErrTaskRejected reports a task refused admission because the
	// concurrent task cap was reached.
	ErrTaskRejected = errors.New("task rejected, too many concurrent tasks")
)

// UnsupportedStepTypeError reports a step whose type tag the executor
// does not recognize.
type UnsupportedStepTypeError struct {
	Type schemas.StepType
}

func (e *UnsupportedStepTypeError) Error() string {
	return fmt.Sprintf("unsupported step type %q", e.Type)
}

// ElementWaitTimeoutError reports an element wait that never observed the
// requested state. It carries the selector and state so callers can see
// exactly what was being waited for.
type ElementWaitTimeoutError struct {
	Selector string
	State    schemas.WaitState
	Timeout  time.Duration
}

func (e *ElementWaitTimeoutError) Error() string {
	return fmt.Sprintf("element wait timed out after %s: selector %q never became %s",
		e.Timeout, e.Selector, e.State)
}
