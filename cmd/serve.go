// File: cmd/serve.go
package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/projectagentis/bridge/internal/browser"
	"github.com/projectagentis/bridge/internal/executor"
	"github.com/projectagentis/bridge/internal/host"
	"github.com/projectagentis/bridge/internal/observability"
)

const browserShutdownTimeout = 30 * time.Second

// serveCmd runs the long-lived process behind the local socket: it owns
// the headless browser and executes the tasks the relay forwards.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the task execution service on the local socket.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		manager := browser.NewManager(cfg.Browser, logger)
		runner := executor.NewRunner(manager, cfg.Executor, logger)
		server := host.NewServer(cfg.Relay, runner, logger)

		if err := server.Listen(); err != nil {
			return err
		}

		serveErr := server.Serve(ctx)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), browserShutdownTimeout)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Browser shutdown reported an error.", zap.Error(err))
		}

		return serveErr
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
