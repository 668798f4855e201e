// File: internal/host/host.go

// Package host serves the local socket end of the bridge. It accepts
// connections from the relay, answers pings, and dispatches tasks to
// the executor, echoing each envelope's task id back on its response.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/projectagentis/bridge/api/schemas"
	"github.com/projectagentis/bridge/internal/codec"
	"github.com/projectagentis/bridge/internal/config"
)

// TaskRunner executes one task to completion. Implemented by
// executor.Runner; faked in tests.
type TaskRunner interface {
	Run(ctx context.Context, taskID string, task *schemas.Task) *schemas.TaskResult
}

// Server owns the unix socket listener and its connections.
type Server struct {
	cfg    config.RelayConfig
	runner TaskRunner
	logger *zap.Logger

	ln        net.Listener
	mu        sync.Mutex
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewServer creates a host server. Listen must be called before Serve.
func NewServer(cfg config.RelayConfig, runner TaskRunner, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		runner: runner,
		logger: logger.Named("host"),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Listen binds the unix socket. A leftover socket file from a previous
// run that died without cleanup is removed and the bind retried once; a
// live socket held by another process still fails.
func (s *Server) Listen() error {
	path := s.cfg.ResolvedSocketPath()

	ln, err := net.Listen("unix", path)
	if err != nil && errors.Is(err, syscall.EADDRINUSE) {
		s.logger.Warn("Socket file already exists, removing stale socket.", zap.String("path", path))
		if rmErr := os.Remove(path); rmErr != nil {
			return fmt.Errorf("removing stale socket %s: %w", path, rmErr)
		}
		ln, err = net.Listen("unix", path)
	}
	if err != nil {
		return fmt.Errorf("listening on %s: %w", path, err)
	}

	s.ln = ln
	s.logger.Info("Listening on local socket.", zap.String("path", path))
	return nil
}

// Serve accepts connections until the context is canceled or the
// listener fails. Each connection is handled on its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return fmt.Errorf("server is not listening")
	}

	go func() {
		<-ctx.Done()
		s.close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				conn.Close()
			}()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) close() {
	s.closeOnce.Do(func() {
		if s.ln != nil {
			s.ln.Close()
		}
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	})
}

// connWriter serializes envelope writes from the read loop and from
// concurrently finishing tasks.
type connWriter struct {
	mu  sync.Mutex
	enc *codec.Encoder
}

func (w *connWriter) send(env *schemas.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(env)
}

// handleConn runs the per-connection decode loop. A malformed or
// oversized frame is logged and dropped; the connection stays up. Only
// EOF, truncation, or a transport failure ends the loop.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	log := s.logger.With(zap.String("remote", conn.RemoteAddr().String()))
	log.Info("Connection accepted.")

	dec := codec.NewDecoder(conn, s.cfg.MaxMessageSize)
	w := &connWriter{enc: codec.NewEncoder(conn, s.cfg.MaxMessageSize)}

	var tasks sync.WaitGroup
	defer tasks.Wait()

	for {
		env, err := dec.Decode()
		if err != nil {
			var malformed *codec.MalformedPayloadError
			switch {
			case errors.Is(err, io.EOF):
				log.Info("Connection closed by peer.")
				return
			case errors.As(err, &malformed):
				log.Warn("Dropping malformed envelope.", zap.Error(err))
				continue
			case errors.Is(err, codec.ErrMessageTooLarge):
				log.Warn("Dropping oversized envelope.", zap.Error(err))
				continue
			case errors.Is(err, codec.ErrFrameTruncated):
				log.Warn("Connection closed mid-frame.", zap.Error(err))
				return
			case ctx.Err() != nil:
				return
			default:
				log.Error("Read failed, closing connection.", zap.Error(err))
				return
			}
		}

		switch env.Action {
		case schemas.ActionPing:
			log.Debug("Ping received.", zap.String("task_id", env.TaskID))
			if err := w.send(schemas.NewPong(env.TaskID)); err != nil {
				log.Error("Failed to send pong.", zap.Error(err))
				return
			}

		case schemas.ActionPerformTask:
			log.Info("Task received.",
				zap.String("task_id", env.TaskID),
				zap.Int("steps", len(env.Task.Steps)))
			tasks.Add(1)
			go func(taskID string, task *schemas.Task) {
				defer tasks.Done()
				result := s.runner.Run(ctx, taskID, task)
				if err := w.send(schemas.NewTaskResultEnvelope(result)); err != nil {
					log.Error("Failed to send task result.",
						zap.String("task_id", taskID), zap.Error(err))
				}
			}(env.TaskID, env.Task)

		default:
			// pong and task_result originate here; receiving one is a
			// confused peer, not a failure.
			log.Warn("Ignoring unexpected action.",
				zap.String("action", string(env.Action)),
				zap.String("task_id", env.TaskID))
		}
	}
}

// SocketPath reports the path the server is (or will be) bound to.
func (s *Server) SocketPath() string {
	return s.cfg.ResolvedSocketPath()
}
