// File: internal/client/client.go

// Package client is the initiator side of the bridge protocol. It dials
// the local socket, stamps every request with a fresh task id, and
// matches responses back to their waiters by that id, so results may
// arrive in any order.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/projectagentis/bridge/api/schemas"
	"github.com/projectagentis/bridge/internal/codec"
	"github.com/projectagentis/bridge/internal/config"
	"github.com/projectagentis/bridge/internal/correlate"
	"github.com/projectagentis/bridge/internal/relay"
)

// ErrClosed reports an operation on a client whose connection is gone.
var ErrClosed = errors.New("client connection closed")

// Client is a connection to the bridge host.
type Client struct {
	conn   io.ReadWriteCloser
	reg    *correlate.Registry
	logger *zap.Logger

	writeMu sync.Mutex
	enc     *codec.Encoder

	closeOnce sync.Once
	readDone  chan struct{}
}

// Dial connects to the host's socket, retrying with the configured
// bounded backoff, and starts the response reader.
func Dial(ctx context.Context, cfg config.RelayConfig, logger *zap.Logger) (*Client, error) {
	conn, err := relay.DialPeer(ctx, cfg.ResolvedSocketPath(), cfg.ConnectAttempts, cfg.ConnectRetryDelay, logger)
	if err != nil {
		return nil, err
	}
	return newClient(conn, cfg.MaxMessageSize, logger), nil
}

// NewClient wraps an established connection. Used directly by tests;
// production code goes through Dial.
func NewClient(conn io.ReadWriteCloser, maxMessageSize int, logger *zap.Logger) *Client {
	return newClient(conn, maxMessageSize, logger)
}

func newClient(conn io.ReadWriteCloser, maxMessageSize int, logger *zap.Logger) *Client {
	c := &Client{
		conn:     conn,
		reg:      correlate.NewRegistry(logger),
		logger:   logger.Named("client"),
		enc:      codec.NewEncoder(conn, maxMessageSize),
		readDone: make(chan struct{}),
	}
	go c.readLoop(codec.NewDecoder(conn, maxMessageSize))
	return c
}

// readLoop delivers responses to their waiters until the connection
// dies, then orphans whatever is still outstanding.
func (c *Client) readLoop(dec *codec.Decoder) {
	defer close(c.readDone)
	defer c.reg.FailAll(correlate.ErrOrphaned)

	for {
		env, err := dec.Decode()
		if err != nil {
			var malformed *codec.MalformedPayloadError
			switch {
			case errors.Is(err, io.EOF):
				c.logger.Info("Connection closed by host.")
				return
			case errors.As(err, &malformed):
				c.logger.Warn("Dropping malformed response.", zap.Error(err))
				continue
			case errors.Is(err, codec.ErrMessageTooLarge):
				c.logger.Warn("Dropping oversized response.", zap.Error(err))
				continue
			default:
				c.logger.Warn("Read failed, closing client.", zap.Error(err))
				return
			}
		}

		switch env.Action {
		case schemas.ActionPong, schemas.ActionTaskResult:
			if err := c.reg.Resolve(env.TaskID, env); err != nil {
				c.logger.Warn("Response for unknown task id dropped.",
					zap.String("task_id", env.TaskID),
					zap.String("action", string(env.Action)))
			}
		default:
			c.logger.Warn("Ignoring unexpected action from host.",
				zap.String("action", string(env.Action)),
				zap.String("task_id", env.TaskID))
		}
	}
}

func (c *Client) send(env *schemas.Envelope) error {
	select {
	case <-c.readDone:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.Encode(env)
}

// roundTrip registers a waiter, sends the request, and blocks for the
// correlated response.
func (c *Client) roundTrip(ctx context.Context, env *schemas.Envelope) (*schemas.Envelope, error) {
	pending, err := c.reg.Register(env.TaskID)
	if err != nil {
		return nil, err
	}

	if err := c.send(env); err != nil {
		c.reg.Drop(env.TaskID)
		return nil, fmt.Errorf("sending %s: %w", env.Action, err)
	}

	reply, err := pending.Await(ctx)
	if err != nil {
		c.reg.Drop(env.TaskID)
		return nil, err
	}
	return reply, nil
}

// Ping checks host liveness and reports the round trip time.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	taskID := uuid.NewString()
	start := time.Now()

	reply, err := c.roundTrip(ctx, &schemas.Envelope{
		Action: schemas.ActionPing,
		TaskID: taskID,
		Data:   []byte(`{}`),
	})
	if err != nil {
		return 0, err
	}
	if reply.Action != schemas.ActionPong {
		return 0, fmt.Errorf("expected pong, got %s", reply.Action)
	}
	return time.Since(start), nil
}

// PerformTask submits a task and blocks until its result arrives or ctx
// expires. The result reports per-step outcomes even on failure.
func (c *Client) PerformTask(ctx context.Context, task *schemas.Task) (*schemas.TaskResult, error) {
	taskID := uuid.NewString()
	log := c.logger.With(zap.String("task_id", taskID))
	log.Info("Submitting task.", zap.Int("steps", len(task.Steps)))

	reply, err := c.roundTrip(ctx, &schemas.Envelope{
		Action: schemas.ActionPerformTask,
		TaskID: taskID,
		Task:   task,
	})
	if err != nil {
		return nil, err
	}
	if reply.Action != schemas.ActionTaskResult || reply.Result == nil {
		return nil, fmt.Errorf("expected task_result, got %s", reply.Action)
	}

	log.Info("Task result received.", zap.Bool("success", reply.Result.Success))
	return reply.Result, nil
}

// Outstanding reports requests still waiting on a response.
func (c *Client) Outstanding() int {
	return c.reg.Outstanding()
}

// Close tears the connection down and waits for the reader to finish
// orphaning outstanding requests.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		<-c.readDone
	})
	return err
}
