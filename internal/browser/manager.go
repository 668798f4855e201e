// File: internal/browser/manager.go

// Package browser owns the headless Chrome process and hands out
// isolated tabs. One tab belongs to exactly one task; tabs never share
// page state.
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/projectagentis/bridge/internal/config"
	"github.com/projectagentis/bridge/internal/executor"
)

const shutdownGracePeriod = 15 * time.Second

// Manager handles the browser process lifecycle and tab creation. The
// browser is launched lazily on the first tab request so a host that
// only ever answers pings never pays the Chrome startup cost.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc

	mu   sync.RWMutex
	tabs map[string]*Tab
	wg   sync.WaitGroup

	initOnce sync.Once
}

var _ executor.TabFactory = (*Manager)(nil)

// NewManager creates a browser manager. Launch is deferred until the
// first tab is requested.
func NewManager(cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.Named("browser_manager"),
		tabs:   make(map[string]*Tab),
	}
}

// execOptions translates the browser config into chromedp allocator options.
func execOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		// Recommended for stability in containers and headless environments.
		chromedp.Flag("disable-dev-shm-usage", true),
	)

	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if cfg.DisableGPU {
		opts = append(opts, chromedp.DisableGPU)
	}

	for _, arg := range cfg.Args {
		if !strings.Contains(arg, "=") {
			opts = append(opts, chromedp.Flag(strings.TrimPrefix(arg, "--"), true))
			continue
		}
		parts := strings.SplitN(arg, "=", 2)
		opts = append(opts, chromedp.Flag(strings.TrimPrefix(parts[0], "--"), parts[1]))
	}
	return opts
}

// initialize sets up the exec allocator. The Chrome process itself is
// started by chromedp on the first tab's first action, so a launch
// failure surfaces from newTab, not here.
func (m *Manager) initialize() {
	m.initOnce.Do(func() {
		m.logger.Info("Configuring browser allocator.",
			zap.Bool("headless", m.cfg.Headless))

		allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), execOptions(m.cfg)...)
		m.allocCtx = allocCtx
		m.allocCancel = cancel
	})
}

// NewTab opens a fresh browser tab bound to the given task.
func (m *Manager) NewTab(ctx context.Context, taskID string) (executor.Tab, error) {
	m.initialize()

	tab, err := newTab(ctx, m.allocCtx, m.cfg, m.logger, taskID)
	if err != nil {
		return nil, fmt.Errorf("creating tab: %w", err)
	}

	m.wg.Add(1)
	tab.onClose = func() {
		m.mu.Lock()
		delete(m.tabs, taskID)
		m.mu.Unlock()
		m.wg.Done()
		m.logger.Debug("Tab removed from manager.", zap.String("task_id", taskID))
	}

	m.mu.Lock()
	m.tabs[taskID] = tab
	m.mu.Unlock()

	m.logger.Info("New tab created.", zap.String("task_id", taskID))
	return tab, nil
}

// OpenTabs reports the number of tabs currently attached to tasks.
func (m *Manager) OpenTabs() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tabs)
}

// Shutdown closes all open tabs, then the browser process. It waits for
// tab teardown up to the context deadline before forcing the allocator
// down.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down browser manager.")

	if m.allocCtx == nil {
		m.logger.Info("Browser never launched, nothing to shut down.")
		return nil
	}

	m.mu.RLock()
	open := make([]*Tab, 0, len(m.tabs))
	for _, t := range m.tabs {
		open = append(open, t)
	}
	m.mu.RUnlock()

	for _, t := range open {
		go func(t *Tab) {
			if err := t.Close(ctx); err != nil {
				m.logger.Warn("Error closing tab during shutdown.",
					zap.String("task_id", t.taskID), zap.Error(err))
			}
		}(t)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All tabs closed.")
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for tabs to close, forcing shutdown.", zap.Error(ctx.Err()))
	case <-time.After(shutdownGracePeriod):
		m.logger.Warn("Grace period elapsed waiting for tabs to close, forcing shutdown.")
	}

	m.allocCancel()
	m.logger.Info("Browser manager shutdown complete.")
	return nil
}
