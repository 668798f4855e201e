// File: internal/browser/context.go
package browser

import (
	"context"
	"time"
)

// combineContext derives a context from master (which carries the CDP
// target information) that is also canceled when op is canceled. Values
// and cancellation come from master; op contributes only its lifecycle.
func combineContext(master, op context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(master)

	go func() {
		select {
		case <-op.Done():
			cancel()
		case <-combined.Done():
		}
	}()

	return combined, cancel
}

// valueOnlyContext inherits values from its parent but ignores the
// parent's deadline and cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (valueOnlyContext) Done() <-chan struct{}       { return nil }
func (valueOnlyContext) Err() error                  { return nil }

// detach returns a context carrying ctx's values (the CDP target) that
// survives ctx's cancellation. Used for tab teardown, which must still
// reach the browser after the task context is gone.
func detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
