// File: internal/executor/executor_test.go
package executor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/projectagentis/bridge/api/schemas"
	"github.com/projectagentis/bridge/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedTab is a Tab whose script evaluation is driven by a test-supplied
// function. Return values are round-tripped through JSON so the fake is
// agnostic to the output type the executor asks for.
type scriptedTab struct {
	mu        sync.Mutex
	eval      func(script string) (interface{}, error)
	navErr    error
	navigated []string
	closed    bool
}

func (t *scriptedTab) Navigate(_ context.Context, url string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.navigated = append(t.navigated, url)
	return t.navErr
}

func (t *scriptedTab) Evaluate(_ context.Context, script string, out interface{}) error {
	t.mu.Lock()
	eval := t.eval
	t.mu.Unlock()

	v, err := eval(script)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (t *scriptedTab) Close(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *scriptedTab) wasClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type scriptedFactory struct {
	mu   sync.Mutex
	err  error
	tabs []*scriptedTab
	eval func(script string) (interface{}, error)
}

func (f *scriptedFactory) NewTab(context.Context, string) (Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	eval := f.eval
	if eval == nil {
		eval = loadedPage
	}
	tab := &scriptedTab{eval: eval}
	f.tabs = append(f.tabs, tab)
	return tab, nil
}

// loadedPage answers every probe as a fully loaded page with every
// selector satisfied.
func loadedPage(script string) (interface{}, error) {
	if script == readyStateScript {
		return "complete", nil
	}
	return true, nil
}

func fastConfig() config.ExecutorConfig {
	return config.ExecutorConfig{
		LoadPollInterval:      time.Millisecond,
		LoadTimeout:           100 * time.Millisecond,
		PostLoadGrace:         0,
		ElementPollInterval:   time.Millisecond,
		DefaultElementTimeout: 25 * time.Millisecond,
		MaxConcurrentTasks:    2,
	}
}

func newTestRunner(factory TabFactory) *Runner {
	return NewRunner(factory, fastConfig(), zap.NewNop())
}

func TestRunNavigateAndScrape(t *testing.T) {
	rows := []map[string]interface{}{
		{"title": "first", "link": "/a"},
		{"title": "second", "link": "/b"},
	}
	factory := &scriptedFactory{
		eval: func(script string) (interface{}, error) {
			if script == readyStateScript {
				return "complete", nil
			}
			if strings.Contains(script, "querySelectorAll") {
				return rows, nil
			}
			return true, nil
		},
	}
	runner := newTestRunner(factory)

	result := runner.Run(context.Background(), "task-1", &schemas.Task{Steps: []schemas.Step{
		{Type: schemas.StepNavigate, URL: "https://example.com"},
		{Type: schemas.StepScrape, ItemSelector: ".item", Selectors: []schemas.FieldSelector{
			{Name: "title", Selector: "h2"},
			{Name: "link", Selector: "a", Attribute: "href"},
		}},
	}})

	require.True(t, result.Success)
	require.Len(t, result.Steps, 2)
	assert.Equal(t, "task-1", result.TaskID)
	assert.Empty(t, result.Error)

	scraped, ok := result.Steps[1].Data.([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, scraped, 2)
	assert.Equal(t, "first", scraped[0]["title"])

	require.Len(t, factory.tabs, 1)
	assert.Equal(t, []string{"https://example.com"}, factory.tabs[0].navigated)
	assert.True(t, factory.tabs[0].wasClosed())
}

func TestRunAbortsOnFirstFailure(t *testing.T) {
	factory := &scriptedFactory{
		eval: func(script string) (interface{}, error) {
			if script == readyStateScript {
				return "complete", nil
			}
			// No selector ever resolves.
			return false, nil
		},
	}
	runner := newTestRunner(factory)

	result := runner.Run(context.Background(), "task-2", &schemas.Task{Steps: []schemas.Step{
		{Type: schemas.StepNavigate, URL: "https://example.com"},
		{Type: schemas.StepClick, Selector: "#missing", Timeout: 10},
		{Type: schemas.StepFill, Selector: "#never-reached", Value: "x"},
	}})

	assert.False(t, result.Success)
	require.Len(t, result.Steps, 2, "steps after the failing one must not run")
	assert.True(t, result.Steps[0].Success)
	assert.False(t, result.Steps[1].Success)
	assert.Equal(t, result.Steps[1].Error, result.Error)
	assert.Contains(t, result.Error, "#missing")
}

func TestRunRequiresTabForPageSteps(t *testing.T) {
	factory := &scriptedFactory{}
	runner := newTestRunner(factory)

	result := runner.Run(context.Background(), "task-3", &schemas.Task{Steps: []schemas.Step{
		{Type: schemas.StepClick, Selector: "#btn"},
		{Type: schemas.StepNavigate, URL: "https://example.com"},
	}})

	assert.False(t, result.Success)
	require.Len(t, result.Steps, 1)
	assert.Contains(t, result.Error, ErrNoActiveTab.Error())
	assert.Empty(t, factory.tabs, "no tab may be opened for a failed precondition")
}

func TestWaitForSelectorTimeoutNamesSelectorAndState(t *testing.T) {
	factory := &scriptedFactory{
		eval: func(script string) (interface{}, error) {
			if script == readyStateScript {
				return "complete", nil
			}
			return false, nil
		},
	}
	runner := newTestRunner(factory)

	result := runner.Run(context.Background(), "task-4", &schemas.Task{Steps: []schemas.Step{
		{Type: schemas.StepNavigate, URL: "https://example.com"},
		{Type: schemas.StepWaitForSelector, Selector: ".spinner", State: schemas.WaitHidden, Timeout: 10},
	}})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, ".spinner")
	assert.Contains(t, result.Error, "hidden")
}

func TestRunRejectsUnsupportedStepType(t *testing.T) {
	runner := newTestRunner(&scriptedFactory{})

	result := runner.Run(context.Background(), "task-5", &schemas.Task{Steps: []schemas.Step{
		{Type: schemas.StepType("drag_and_drop")},
	}})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "drag_and_drop")
}

func TestClickWaitsForNavigation(t *testing.T) {
	var mu sync.Mutex
	clicked := false
	ready := "complete"

	factory := &scriptedFactory{}
	factory.eval = func(script string) (interface{}, error) {
		mu.Lock()
		defer mu.Unlock()
		if script == readyStateScript {
			return ready, nil
		}
		if strings.Contains(script, ".click()") {
			clicked = true
			ready = "loading"
			// The page becomes loaded again two polls later.
			go func() {
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				ready = "complete"
				mu.Unlock()
			}()
			return nil, nil
		}
		return true, nil
	}
	runner := newTestRunner(factory)

	result := runner.Run(context.Background(), "task-6", &schemas.Task{Steps: []schemas.Step{
		{Type: schemas.StepNavigate, URL: "https://example.com"},
		{Type: schemas.StepClick, Selector: "a.next", WaitForNav: true},
	}})

	require.True(t, result.Success, result.Error)
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, clicked)
}

func TestExtractReturnsNamedVariable(t *testing.T) {
	factory := &scriptedFactory{
		eval: func(script string) (interface{}, error) {
			if script == readyStateScript {
				return "complete", nil
			}
			if strings.Contains(script, "getAttribute") || strings.Contains(script, "value:") {
				return map[string]interface{}{"value": "v1.2.3"}, nil
			}
			return true, nil
		},
	}
	runner := newTestRunner(factory)

	result := runner.Run(context.Background(), "task-7", &schemas.Task{Steps: []schemas.Step{
		{Type: schemas.StepNavigate, URL: "https://example.com"},
		{Type: schemas.StepExtract, Selector: "#version", VariableName: "version"},
	}})

	require.True(t, result.Success, result.Error)
	data, ok := result.Steps[1].Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "v1.2.3", data["version"])
}

func TestTabClosureFailsTask(t *testing.T) {
	factory := &scriptedFactory{
		eval: func(script string) (interface{}, error) {
			if script == readyStateScript {
				return "complete", nil
			}
			return nil, ErrTabClosed
		},
	}
	runner := newTestRunner(factory)

	result := runner.Run(context.Background(), "task-8", &schemas.Task{Steps: []schemas.Step{
		{Type: schemas.StepNavigate, URL: "https://example.com"},
		{Type: schemas.StepFill, Selector: "#q", Value: "hello"},
	}})

	assert.False(t, result.Success)
	assert.Equal(t, ErrTabClosed.Error(), result.Error)
}

func TestRunRejectsPastConcurrencyCap(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	factory := &scriptedFactory{}
	factory.eval = func(script string) (interface{}, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return "complete", nil
	}

	cfg := fastConfig()
	cfg.MaxConcurrentTasks = 1
	cfg.LoadTimeout = time.Second
	runner := NewRunner(factory, cfg, zap.NewNop())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		res := runner.Run(context.Background(), "task-slow", &schemas.Task{Steps: []schemas.Step{
			{Type: schemas.StepNavigate, URL: "https://example.com"},
		}})
		assert.True(t, res.Success, res.Error)
	}()

	<-started
	rejected := runner.Run(context.Background(), "task-late", &schemas.Task{Steps: []schemas.Step{
		{Type: schemas.StepNavigate, URL: "https://example.com"},
	}})
	assert.False(t, rejected.Success)
	assert.Equal(t, ErrTaskRejected.Error(), rejected.Error)
	assert.Empty(t, rejected.Steps)

	close(release)
	wg.Wait()
}

func TestContextCancellationStopsPolling(t *testing.T) {
	factory := &scriptedFactory{
		eval: func(script string) (interface{}, error) {
			if script == readyStateScript {
				return "complete", nil
			}
			return false, nil
		},
	}
	runner := newTestRunner(factory)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	result := runner.Run(ctx, "task-9", &schemas.Task{Steps: []schemas.Step{
		{Type: schemas.StepNavigate, URL: "https://example.com"},
		{Type: schemas.StepWaitForSelector, Selector: "#late", Timeout: 60_000},
	}})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, context.Canceled.Error())
}
