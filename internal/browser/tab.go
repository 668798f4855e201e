// File: internal/browser/tab.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/projectagentis/bridge/internal/config"
	"github.com/projectagentis/bridge/internal/executor"
)

// Tab is one chromedp target. Its master context carries the CDP
// connection; per-operation contexts from callers are combined with it
// so an operation stops on whichever is canceled first.
type Tab struct {
	taskID string
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
	onClose   func()
}

var _ executor.Tab = (*Tab)(nil)

func newTab(ctx context.Context, allocCtx context.Context, cfg config.BrowserConfig, logger *zap.Logger, taskID string) (*Tab, error) {
	tabCtx, cancel := chromedp.NewContext(allocCtx)

	t := &Tab{
		taskID: taskID,
		logger: logger.Named("tab").With(zap.String("task_id", taskID)),
		ctx:    tabCtx,
		cancel: cancel,
	}

	// Attach to the target now so a browser launch failure is reported
	// at tab creation rather than on the first step.
	var initActions []chromedp.Action
	if cfg.DisableCache {
		initActions = append(initActions, network.SetCacheDisabled(true))
	}
	if err := t.run(ctx, initActions...); err != nil {
		cancel()
		return nil, fmt.Errorf("attaching to browser target: %w", err)
	}
	return t, nil
}

// run executes chromedp actions against the tab under the combined
// lifetime of the tab and the caller's context.
func (t *Tab) run(ctx context.Context, actions ...chromedp.Action) error {
	opCtx, cancel := combineContext(t.ctx, ctx)
	defer cancel()
	return chromedp.Run(opCtx, actions...)
}

// Navigate starts loading the URL. It returns as soon as the navigation
// is accepted; load completion is the caller's concern.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	t.logger.Debug("Navigating tab.", zap.String("url", url))

	err := t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errorText, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errorText != "" {
			return fmt.Errorf("navigation refused: %s", errorText)
		}
		return nil
	}))
	return t.mapError(err)
}

// Evaluate runs a script in the page and unmarshals its return value
// into out, which may be nil when the caller only cares about success.
func (t *Tab) Evaluate(ctx context.Context, script string, out interface{}) error {
	err := t.run(ctx, chromedp.Evaluate(script, out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
	}))
	return t.mapError(err)
}

// Close tears the target down and releases the tab's slot in the
// manager. Safe to call more than once.
func (t *Tab) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		t.logger.Debug("Closing tab.")

		// The task context is usually done by now; teardown still has
		// to reach the browser, so detach from it with a short bound.
		closeCtx, cancel := context.WithTimeout(detach(t.ctx), 5*time.Second)
		if err := chromedp.Cancel(closeCtx); err != nil && !isTargetGone(err) {
			t.closeErr = fmt.Errorf("closing tab target: %w", err)
		}
		cancel()
		t.cancel()

		if t.onClose != nil {
			t.onClose()
		}
	})
	return t.closeErr
}

// mapError folds the various ways a dead target surfaces out of
// chromedp into the single closed-tab error the executor understands.
func (t *Tab) mapError(err error) error {
	if err == nil {
		return nil
	}
	if t.ctx.Err() != nil || isTargetGone(err) {
		return executor.ErrTabClosed
	}
	return err
}

func isTargetGone(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "target closed") ||
		strings.Contains(msg, "target crashed") ||
		strings.Contains(msg, "session closed") ||
		strings.Contains(msg, "websocket: close")
}
