// File: cmd/send.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/projectagentis/bridge/api/schemas"
	"github.com/projectagentis/bridge/internal/client"
	"github.com/projectagentis/bridge/internal/observability"
)

var (
	sendTaskFile string
	sendPing     bool
	sendTimeout  time.Duration
)

// sendCmd submits a task (or a ping) to a running serve process over
// the local socket, bypassing the browser channel. Useful for smoke
// testing a deployment and for driving the executor from scripts.
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Submit a task file or a ping to the running service.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !sendPing && sendTaskFile == "" {
			return fmt.Errorf("either --file or --ping is required")
		}
		logger := observability.GetLogger()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if sendTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, sendTimeout)
			defer cancel()
		}

		c, err := client.Dial(ctx, cfg.Relay, logger)
		if err != nil {
			return err
		}
		defer c.Close()

		if sendPing {
			rtt, err := c.Ping(ctx)
			if err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pong in %s\n", rtt)
			return nil
		}

		raw, err := os.ReadFile(sendTaskFile)
		if err != nil {
			return fmt.Errorf("reading task file: %w", err)
		}
		var task schemas.Task
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(raw, &task); err != nil {
			return fmt.Errorf("parsing task file: %w", err)
		}

		result, err := c.PerformTask(ctx, &task)
		if err != nil {
			return fmt.Errorf("task failed to complete: %w", err)
		}

		out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("formatting result: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))

		if !result.Success {
			logger.Warn("Task finished with a failing step.", zap.String("error", result.Error))
			return fmt.Errorf("task did not complete: %s", result.Error)
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVarP(&sendTaskFile, "file", "f", "", "path to a JSON task file")
	sendCmd.Flags().BoolVar(&sendPing, "ping", false, "send a ping instead of a task")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 2*time.Minute, "overall deadline for the request")
	rootCmd.AddCommand(sendCmd)
}
