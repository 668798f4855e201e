// File: internal/relay/relay.go

// Package relay implements the bidirectional forwarder between the
// browser's native messaging channel and the local socket peer. The relay
// is a byte-exact forwarder keyed only on frame boundaries; envelope
// semantics stay a private contract between the two endpoints.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/projectagentis/bridge/internal/codec"
)

// ErrPeerDisconnected reports that the local peer closed or failed while
// the host channel was still open. Fatal to the relay session; the
// process should exit non-zero so a supervisor can decide what to do.
var ErrPeerDisconnected = errors.New("local peer disconnected")

// Relay forwards framed messages between the host stream and the peer
// stream, one goroutine per direction. The two directions share no state
// beyond the stream handles.
type Relay struct {
	host           io.ReadWriteCloser
	peer           io.ReadWriteCloser
	maxMessageSize int
	logger         *zap.Logger

	closeOnce    sync.Once
	shuttingDown atomic.Bool
}

// New creates a relay between the host-managed stream and the peer
// stream. A non-positive maxMessageSize falls back to the codec default.
func New(host, peer io.ReadWriteCloser, maxMessageSize int, logger *zap.Logger) *Relay {
	if maxMessageSize <= 0 {
		maxMessageSize = codec.DefaultMaxMessageSize
	}
	return &Relay{
		host:           host,
		peer:           peer,
		maxMessageSize: maxMessageSize,
		logger:         logger.Named("relay"),
	}
}

// Run forwards messages in both directions until either side closes.
// Returns nil when the host closed its write side (the normal shutdown
// path) and ErrPeerDisconnected when the peer side failed first. Both
// streams are closed before Run returns.
func (r *Relay) Run(ctx context.Context) error {
	defer r.closeStreams()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			r.logger.Info("Context canceled, tearing down relay.")
			r.closeStreams()
		case <-done:
		}
	}()

	g := new(errgroup.Group)

	g.Go(func() error {
		err := r.forward(r.host, r.peer, "host->peer")
		if err == nil {
			// Host EOF is the normal shutdown signal. Close both streams so
			// the opposite direction unblocks and exits quietly.
			r.logger.Info("Host closed its channel, shutting down.")
		}
		r.closeStreams()
		return err
	})

	g.Go(func() error {
		err := r.forward(r.peer, r.host, "peer->host")
		if err == nil && !r.shuttingDown.Load() {
			// Peer EOF while the host is still up is a peer failure.
			err = ErrPeerDisconnected
		}
		r.closeStreams()
		return err
	})

	return g.Wait()
}

// forward moves frames from src to dst until src closes. A clean EOF
// returns nil; oversized frames are dropped and the loop continues.
func (r *Relay) forward(src io.Reader, dst io.Writer, direction string) error {
	log := r.logger.With(zap.String("direction", direction))
	for {
		payload, err := codec.ReadFrame(src, r.maxMessageSize)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, codec.ErrMessageTooLarge):
			// Local to one message: drop it, keep the channel open.
			log.Warn("Dropping oversized message.", zap.Error(err))
			continue
		default:
			if r.shuttingDown.Load() {
				return nil
			}
			return fmt.Errorf("%w: reading %s: %v", ErrPeerDisconnected, direction, err)
		}

		log.Debug("Forwarding frame.", zap.Int("bytes", len(payload)))
		if err := codec.WriteFrame(dst, payload, r.maxMessageSize); err != nil {
			if r.shuttingDown.Load() {
				return nil
			}
			return fmt.Errorf("%w: writing %s: %v", ErrPeerDisconnected, direction, err)
		}
	}
}

func (r *Relay) closeStreams() {
	r.closeOnce.Do(func() {
		r.shuttingDown.Store(true)
		if err := r.peer.Close(); err != nil {
			r.logger.Debug("Closing peer stream.", zap.Error(err))
		}
		if err := r.host.Close(); err != nil {
			r.logger.Debug("Closing host stream.", zap.Error(err))
		}
	})
}

// DialPeer connects to the peer's local socket with bounded retries.
// Launching or restarting the peer process is out of scope here; if the
// peer never shows up the caller exits and leaves recovery to its
// supervisor.
func DialPeer(ctx context.Context, socketPath string, attempts int, retryDelay time.Duration, logger *zap.Logger) (net.Conn, error) {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		dialer := net.Dialer{}
		conn, err := dialer.DialContext(ctx, "unix", socketPath)
		if err == nil {
			logger.Info("Connected to peer.", zap.String("socket", socketPath))
			return conn, nil
		}
		lastErr = err
		logger.Warn("Peer connection attempt failed.",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrPeerDisconnected, lastErr)
}
