// File: internal/executor/executor.go

// Package executor runs a task's ordered steps against a browser tab, one
// step at a time, producing exactly one TaskResult. A failing step aborts
// the task: later steps typically assume DOM and navigation state
// established by earlier ones, so continuing past a failure would only
// compound it.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/projectagentis/bridge/api/schemas"
	"github.com/projectagentis/bridge/internal/config"
)

// Tab is the browser tab bound to one executing task. Implementations
// map their own target-gone conditions onto ErrTabClosed.
type Tab interface {
	// Navigate begins loading the URL. It does not wait for the load to
	// finish; the executor's load detection does that.
	Navigate(ctx context.Context, url string) error
	// Evaluate runs a script in the page context and unmarshals its
	// return value into out (which may be nil).
	Evaluate(ctx context.Context, script string, out interface{}) error
	Close(ctx context.Context) error
}

// TabFactory opens a fresh tab. Each task gets its own tab, created by
// the task's first navigate step and closed when the task finishes, so
// concurrent tasks never share page state.
type TabFactory interface {
	NewTab(ctx context.Context, taskID string) (Tab, error)
}

// Runner is the step execution state machine.
type Runner struct {
	tabs   TabFactory
	cfg    config.ExecutorConfig
	logger *zap.Logger
	slots  chan struct{}
}

// NewRunner creates a Runner enforcing the configured concurrency cap.
func NewRunner(tabs TabFactory, cfg config.ExecutorConfig, logger *zap.Logger) *Runner {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 1
	}
	return &Runner{
		tabs:   tabs,
		cfg:    cfg,
		logger: logger.Named("executor"),
		slots:  make(chan struct{}, cfg.MaxConcurrentTasks),
	}
}

// Run executes the task's steps in submission order and returns its
// single TaskResult. Tasks past the concurrency cap are rejected
// immediately rather than queued, so the initiator is never left waiting
// on an unbounded backlog.
func (r *Runner) Run(ctx context.Context, taskID string, task *schemas.Task) *schemas.TaskResult {
	log := r.logger.With(zap.String("task_id", taskID))

	select {
	case r.slots <- struct{}{}:
		defer func() { <-r.slots }()
	default:
		log.Warn("Rejecting task at concurrency cap.",
			zap.Int("max_concurrent_tasks", r.cfg.MaxConcurrentTasks))
		return &schemas.TaskResult{
			TaskID: taskID,
			Error:  ErrTaskRejected.Error(),
		}
	}

	log.Info("Task starting.", zap.Int("steps", len(task.Steps)))

	result := &schemas.TaskResult{TaskID: taskID}
	state := &taskState{runner: r, taskID: taskID, log: log}
	defer state.closeTab()

	for i, step := range task.Steps {
		stepLog := log.With(zap.Int("step", i), zap.String("type", string(step.Type)))
		stepLog.Debug("Executing step.")

		data, err := state.runStep(ctx, step)
		if err != nil {
			stepLog.Warn("Step failed, aborting task.", zap.Error(err))
			result.Steps = append(result.Steps, schemas.StepResult{
				Type:  step.Type,
				Error: err.Error(),
			})
			result.Error = err.Error()
			result.Success = false
			log.Info("Task aborted.", zap.Int("completed_steps", i))
			return result
		}

		result.Steps = append(result.Steps, schemas.StepResult{
			Type:    step.Type,
			Success: true,
			Data:    data,
		})
	}

	result.Success = true
	log.Info("Task completed.", zap.Int("steps", len(result.Steps)))
	return result
}

// taskState carries the mutable per-task execution state: the tab handle
// owned exclusively by this task.
type taskState struct {
	runner *Runner
	taskID string
	log    *zap.Logger
	tab    Tab
}

func (s *taskState) closeTab() {
	if s.tab == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tab.Close(closeCtx); err != nil {
		s.log.Debug("Closing task tab.", zap.Error(err))
	}
	s.tab = nil
}

// runStep dispatches one step and returns its extracted data, if any.
func (s *taskState) runStep(ctx context.Context, step schemas.Step) (interface{}, error) {
	if !isKnownType(step.Type) {
		return nil, &UnsupportedStepTypeError{Type: step.Type}
	}
	if err := step.Validate(); err != nil {
		return nil, err
	}

	if step.Type == schemas.StepNavigate {
		return nil, s.navigate(ctx, step.URL)
	}

	// Every other step kind runs in the page context of the task's tab.
	if s.tab == nil {
		return nil, ErrNoActiveTab
	}

	switch step.Type {
	case schemas.StepClick:
		return nil, s.click(ctx, step)
	case schemas.StepFill:
		return nil, s.fill(ctx, step)
	case schemas.StepWaitForSelector:
		state := step.State
		if state == "" {
			state = schemas.WaitVisible
		}
		return nil, s.waitForElement(ctx, step.Selector, state, s.stepTimeout(step))
	case schemas.StepWaitForTimeout:
		return nil, s.sleep(ctx, time.Duration(step.Timeout)*time.Millisecond)
	case schemas.StepScrape:
		return s.scrape(ctx, step)
	case schemas.StepExtract:
		return s.extract(ctx, step)
	default:
		return nil, &UnsupportedStepTypeError{Type: step.Type}
	}
}

func isKnownType(t schemas.StepType) bool {
	switch t {
	case schemas.StepNavigate, schemas.StepScrape, schemas.StepClick, schemas.StepFill,
		schemas.StepWaitForSelector, schemas.StepWaitForTimeout, schemas.StepExtract:
		return true
	}
	return false
}

// navigate creates the task's tab on first use (or reuses it for later
// navigations) and blocks until the page reports load-complete.
func (s *taskState) navigate(ctx context.Context, url string) error {
	if s.tab == nil {
		tab, err := s.runner.tabs.NewTab(ctx, s.taskID)
		if err != nil {
			return fmt.Errorf("opening tab: %w", err)
		}
		s.tab = tab
	}

	if err := s.tab.Navigate(ctx, url); err != nil {
		if errors.Is(err, ErrTabClosed) {
			return ErrTabClosed
		}
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	return s.waitForLoad(ctx)
}

// waitForLoad polls the tab's ready state at a fixed interval up to the
// configured bound, then allows a short grace interval for late dynamic
// content. Shared by navigate and click-with-wait_for_nav.
func (s *taskState) waitForLoad(ctx context.Context) error {
	deadline := time.Now().Add(s.runner.cfg.LoadTimeout)

	for {
		var readyState string
		err := s.tab.Evaluate(ctx, readyStateScript, &readyState)
		switch {
		case errors.Is(err, ErrTabClosed):
			return ErrTabClosed
		case err != nil:
			// The page may be mid-transition with no execution context yet.
			// Keep polling until the bound.
			s.log.Debug("Ready state probe failed, retrying.", zap.Error(err))
		case readyState == "complete":
			return s.sleep(ctx, s.runner.cfg.PostLoadGrace)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %s", ErrNavigationTimeout, s.runner.cfg.LoadTimeout)
		}
		if err := s.sleep(ctx, s.runner.cfg.LoadPollInterval); err != nil {
			return err
		}
	}
}

// waitForElement polls the selector at a short fixed interval until it
// satisfies the requested state or the per-step timeout elapses.
func (s *taskState) waitForElement(ctx context.Context, selector string, state schemas.WaitState, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		var satisfied bool
		err := s.tab.Evaluate(ctx, elementStateScript(selector, state), &satisfied)
		switch {
		case errors.Is(err, ErrTabClosed):
			return ErrTabClosed
		case err != nil:
			s.log.Debug("Element state probe failed, retrying.", zap.Error(err))
		case satisfied:
			return nil
		}

		if time.Now().After(deadline) {
			return &ElementWaitTimeoutError{Selector: selector, State: state, Timeout: timeout}
		}
		if err := s.sleep(ctx, s.runner.cfg.ElementPollInterval); err != nil {
			return err
		}
	}
}

func (s *taskState) click(ctx context.Context, step schemas.Step) error {
	if err := s.waitForElement(ctx, step.Selector, schemas.WaitVisible, s.stepTimeout(step)); err != nil {
		return err
	}

	var failure *string
	if err := s.tab.Evaluate(ctx, clickScript(step.Selector), &failure); err != nil {
		if errors.Is(err, ErrTabClosed) {
			return ErrTabClosed
		}
		return fmt.Errorf("clicking %q: %w", step.Selector, err)
	}
	if failure != nil {
		return errors.New(*failure)
	}

	if step.WaitForNav {
		return s.waitForLoad(ctx)
	}
	return nil
}

func (s *taskState) fill(ctx context.Context, step schemas.Step) error {
	var failure *string
	if err := s.tab.Evaluate(ctx, fillScript(step.Selector, step.Value, step.DispatchEvents), &failure); err != nil {
		if errors.Is(err, ErrTabClosed) {
			return ErrTabClosed
		}
		return fmt.Errorf("filling %q: %w", step.Selector, err)
	}
	if failure != nil {
		return errors.New(*failure)
	}
	return nil
}

func (s *taskState) scrape(ctx context.Context, step schemas.Step) (interface{}, error) {
	var rows []map[string]interface{}
	if err := s.tab.Evaluate(ctx, scrapeScript(step.ItemSelector, step.Selectors), &rows); err != nil {
		if errors.Is(err, ErrTabClosed) {
			return nil, ErrTabClosed
		}
		return nil, fmt.Errorf("scraping %q: %w", step.ItemSelector, err)
	}
	if rows == nil {
		rows = []map[string]interface{}{}
	}
	return rows, nil
}

func (s *taskState) extract(ctx context.Context, step schemas.Step) (interface{}, error) {
	if err := s.waitForElement(ctx, step.Selector, schemas.WaitAttached, s.stepTimeout(step)); err != nil {
		return nil, err
	}

	target := step.Target
	if target == "" {
		target = schemas.ExtractText
	}

	var res struct {
		Error string      `json:"error"`
		Value interface{} `json:"value"`
	}
	if err := s.tab.Evaluate(ctx, extractScript(step.Selector, target, step.AttributeName), &res); err != nil {
		if errors.Is(err, ErrTabClosed) {
			return nil, ErrTabClosed
		}
		return nil, fmt.Errorf("extracting %q: %w", step.Selector, err)
	}
	if res.Error != "" {
		return nil, errors.New(res.Error)
	}
	return map[string]interface{}{step.VariableName: res.Value}, nil
}

// stepTimeout resolves a step's timeout field, in milliseconds, against
// the configured default.
func (s *taskState) stepTimeout(step schemas.Step) time.Duration {
	if step.Timeout > 0 {
		return time.Duration(step.Timeout) * time.Millisecond
	}
	return s.runner.cfg.DefaultElementTimeout
}

// sleep waits for d or until ctx is done, whichever comes first.
func (s *taskState) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
