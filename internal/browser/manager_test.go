// File: internal/browser/manager_test.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/projectagentis/bridge/internal/config"
	"github.com/projectagentis/bridge/internal/executor"
)

func TestExecOptionsTranslation(t *testing.T) {
	base := len(execOptions(config.BrowserConfig{}))
	// Defaults plus the sandbox and shm flags.
	assert.Equal(t, len(chromedp.DefaultExecAllocatorOptions)+2, base)

	t.Run("Headless", func(t *testing.T) {
		opts := execOptions(config.BrowserConfig{Headless: true})
		assert.Len(t, opts, base+1)
	})

	t.Run("DisableGPU", func(t *testing.T) {
		opts := execOptions(config.BrowserConfig{DisableGPU: true})
		assert.Len(t, opts, base+1)
	})

	t.Run("ExtraArgs", func(t *testing.T) {
		opts := execOptions(config.BrowserConfig{
			Args: []string{"--no-zygote", "window-size=1280,720"},
		})
		assert.Len(t, opts, base+2)
	})
}

func TestIsTargetGone(t *testing.T) {
	cases := []struct {
		name string
		err  error
		gone bool
	}{
		{"ContextCanceled", context.Canceled, true},
		{"WrappedCancel", fmt.Errorf("running action: %w", context.Canceled), true},
		{"TargetClosed", errors.New("rpc error: Target closed"), true},
		{"TargetCrashed", errors.New("target crashed"), true},
		{"SessionClosed", errors.New("session closed"), true},
		{"WebsocketClose", errors.New("websocket: close 1006 (abnormal closure)"), true},
		{"ScriptError", errors.New("exception thrown in page"), false},
		{"DeadlineExceeded", context.DeadlineExceeded, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.gone, isTargetGone(tc.err))
		})
	}
}

func TestMapErrorFoldsClosedTab(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tab := &Tab{ctx: ctx, logger: zap.NewNop()}

	scriptErr := errors.New("exception thrown in page")
	assert.Equal(t, scriptErr, tab.mapError(scriptErr))
	assert.NoError(t, tab.mapError(nil))

	// Once the tab context is dead, every error is a closed tab.
	cancel()
	assert.ErrorIs(t, tab.mapError(scriptErr), executor.ErrTabClosed)
}

func TestCombineContext(t *testing.T) {
	type key struct{}
	master := context.WithValue(context.Background(), key{}, "target-info")
	op, cancelOp := context.WithCancel(context.Background())

	combined, cancel := combineContext(master, op)
	defer cancel()

	assert.Equal(t, "target-info", combined.Value(key{}))
	require.NoError(t, combined.Err())

	cancelOp()
	select {
	case <-combined.Done():
	case <-time.After(time.Second):
		t.Fatal("combined context not canceled with operational context")
	}
}

func TestDetachSurvivesParentCancel(t *testing.T) {
	type key struct{}
	parent, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, "kept"))

	detached := detach(parent)
	cancel()

	assert.NoError(t, detached.Err())
	assert.Nil(t, detached.Done())
	assert.Equal(t, "kept", detached.Value(key{}))
}

func TestShutdownWithoutLaunch(t *testing.T) {
	m := NewManager(config.BrowserConfig{Headless: true}, zap.NewNop())
	assert.Equal(t, 0, m.OpenTabs())
	assert.NoError(t, m.Shutdown(context.Background()))
}
