// File: internal/correlate/registry.go

// Package correlate matches asynchronous responses to their originating
// requests by task id. The registry is the sole owner of the pending-task
// map; every mutation goes through its mutex.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/projectagentis/bridge/api/schemas"
)

var (
	// ErrDuplicateTask reports a Register call for a task id that already
	// has a pending entry.
	ErrDuplicateTask = errors.New("task id already registered")

	// ErrUnknownTask reports a resolution for a task id with no
	// outstanding request.
	ErrUnknownTask = errors.New("no outstanding request for task id")

	// ErrOrphaned reports a pending request abandoned because the
	// connection carrying it went away; no response will ever arrive.
	ErrOrphaned = errors.New("request orphaned by connection loss")
)

// outcome is the single value delivered to a waiting Pending.
type outcome struct {
	env *schemas.Envelope
	err error
}

// Pending is the handle a requester waits on for its response.
type Pending struct {
	taskID string
	ch     chan outcome
}

// TaskID returns the id this handle is registered under.
func (p *Pending) TaskID() string { return p.taskID }

// Await blocks until the response arrives, the request fails, or ctx
// expires. The caller's ctx is the only deadline: the relay and executor
// impose no implicit bound on round-trips.
func (p *Pending) Await(ctx context.Context) (*schemas.Envelope, error) {
	select {
	case out := <-p.ch:
		return out.env, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Registry tracks in-flight requests by task id and guarantees
// at-most-one resolution per id.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Pending
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		pending: make(map[string]*Pending),
		logger:  logger.Named("correlate"),
	}
}

// Register creates a pending entry for taskID. A ping is registered the
// same way as a task; it is simply a degenerate task with no steps.
func (r *Registry) Register(taskID string) (*Pending, error) {
	if taskID == "" {
		return nil, fmt.Errorf("cannot register an empty task id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[taskID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, taskID)
	}

	p := &Pending{taskID: taskID, ch: make(chan outcome, 1)}
	r.pending[taskID] = p
	return p, nil
}

// Resolve delivers a response envelope to the request with the matching
// task id. A second resolution for an already-resolved id is a logged
// anomaly, not a fatal error.
func (r *Registry) Resolve(taskID string, env *schemas.Envelope) error {
	p, ok := r.take(taskID)
	if !ok {
		r.logger.Warn("Response for unknown or already-resolved task.",
			zap.String("task_id", taskID),
			zap.String("action", string(env.Action)),
			zap.String("anomaly", "duplicate or stray result"),
		)
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	p.ch <- outcome{env: env}
	return nil
}

// Fail delivers an error instead of a response, releasing the waiter.
func (r *Registry) Fail(taskID string, err error) error {
	p, ok := r.take(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	p.ch <- outcome{err: err}
	return nil
}

// Drop removes a pending entry without delivering anything. Used by a
// requester that gave up waiting and no longer wants the response.
func (r *Registry) Drop(taskID string) {
	r.take(taskID)
}

// FailAll releases every waiter with the given error. Called when the
// underlying connection dies and no pending request can ever complete.
func (r *Registry) FailAll(err error) {
	r.mu.Lock()
	orphans := r.pending
	r.pending = make(map[string]*Pending)
	r.mu.Unlock()

	for id, p := range orphans {
		r.logger.Debug("Orphaning pending request.", zap.String("task_id", id))
		p.ch <- outcome{err: err}
	}
}

// Outstanding reports the number of in-flight requests.
func (r *Registry) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// take removes and returns the pending entry for taskID, if any.
func (r *Registry) take(taskID string) (*Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[taskID]
	if ok {
		delete(r.pending, taskID)
	}
	return p, ok
}
