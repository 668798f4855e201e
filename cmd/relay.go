// File: cmd/relay.go
package cmd

import (
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/projectagentis/bridge/internal/observability"
	"github.com/projectagentis/bridge/internal/relay"
)

// relayCmd is the process the browser launches as its native messaging
// host. It shuttles frames byte for byte between the browser on
// stdin/stdout and the serve process on the local socket.
var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the native messaging relay between the browser and the local socket.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		peer, err := relay.DialPeer(ctx, cfg.Relay.ResolvedSocketPath(),
			cfg.Relay.ConnectAttempts, cfg.Relay.ConnectRetryDelay, logger)
		if err != nil {
			return err
		}

		r := relay.New(relay.NewHostStream(), peer, cfg.Relay.MaxMessageSize, logger)
		err = r.Run(ctx)
		switch {
		case err == nil:
			// Browser closed the channel; normal end of session.
			logger.Info("Relay finished.")
			return nil
		case errors.Is(err, relay.ErrPeerDisconnected):
			logger.Error("Local peer disconnected while the browser channel was open.", zap.Error(err))
			return err
		default:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(relayCmd)
}
