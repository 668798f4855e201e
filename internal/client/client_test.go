// File: internal/client/client_test.go
package client

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/projectagentis/bridge/api/schemas"
	"github.com/projectagentis/bridge/internal/codec"
	"github.com/projectagentis/bridge/internal/correlate"
)

const testMaxMessage = 1 << 16

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeHost answers client requests on the far end of a pipe through a
// test-supplied handler. A nil reply suppresses the response.
type fakeHost struct {
	conn    net.Conn
	handler func(env *schemas.Envelope) *schemas.Envelope
	done    chan struct{}

	mu       sync.Mutex
	enc      *codec.Encoder
	received []*schemas.Envelope
}

// reply writes an envelope to the client outside the handler flow.
func (h *fakeHost) reply(env *schemas.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enc.Encode(env)
}

func startFakeHost(t *testing.T, handler func(env *schemas.Envelope) *schemas.Envelope) (*Client, *fakeHost) {
	t.Helper()

	server, clientConn := net.Pipe()
	h := &fakeHost{
		conn:    server,
		handler: handler,
		done:    make(chan struct{}),
		enc:     codec.NewEncoder(server, testMaxMessage),
	}

	go func() {
		defer close(h.done)
		dec := codec.NewDecoder(server, testMaxMessage)
		for {
			env, err := dec.Decode()
			if err != nil {
				return
			}
			h.mu.Lock()
			h.received = append(h.received, env)
			h.mu.Unlock()
			if reply := h.handler(env); reply != nil {
				if err := h.reply(reply); err != nil {
					return
				}
			}
		}
	}()

	c := NewClient(clientConn, testMaxMessage, zap.NewNop())
	t.Cleanup(func() {
		c.Close()
		server.Close()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Fatal("fake host did not stop")
		}
	})
	return c, h
}

func echoHost(env *schemas.Envelope) *schemas.Envelope {
	switch env.Action {
	case schemas.ActionPing:
		return schemas.NewPong(env.TaskID)
	case schemas.ActionPerformTask:
		return schemas.NewTaskResultEnvelope(&schemas.TaskResult{
			TaskID:  env.TaskID,
			Success: true,
			Steps:   []schemas.StepResult{{Type: schemas.StepNavigate, Success: true}},
		})
	}
	return nil
}

func navigateTask() *schemas.Task {
	return &schemas.Task{Steps: []schemas.Step{
		{Type: schemas.StepNavigate, URL: "https://example.com"},
	}}
}

func TestPingRoundTrip(t *testing.T) {
	c, _ := startFakeHost(t, echoHost)

	rtt, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
	assert.Equal(t, 0, c.Outstanding())
}

func TestPerformTaskReturnsResult(t *testing.T) {
	c, h := startFakeHost(t, echoHost)

	result, err := c.PerformTask(context.Background(), navigateTask())
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, result.Steps, 1)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.received, 1)
	assert.Equal(t, result.TaskID, h.received[0].TaskID, "host must see the id the result echoes")
}

func TestEachRequestGetsFreshTaskID(t *testing.T) {
	c, h := startFakeHost(t, echoHost)

	_, err := c.Ping(context.Background())
	require.NoError(t, err)
	_, err = c.Ping(context.Background())
	require.NoError(t, err)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.received, 2)
	assert.NotEqual(t, h.received[0].TaskID, h.received[1].TaskID)
}

func TestOutOfOrderResponsesReachTheirWaiters(t *testing.T) {
	var mu sync.Mutex
	var held *schemas.Envelope
	release := make(chan struct{})

	// The first task's response is held until the second one has been
	// answered, forcing results to arrive out of submission order.
	c, h := startFakeHost(t, func(env *schemas.Envelope) *schemas.Envelope {
		result := schemas.NewTaskResultEnvelope(&schemas.TaskResult{
			TaskID: env.TaskID, Success: true,
		})
		mu.Lock()
		defer mu.Unlock()
		if held == nil {
			held = result
			close(release)
			return nil
		}
		return result
	})

	firstDone := make(chan *schemas.TaskResult, 1)
	go func() {
		res, err := c.PerformTask(context.Background(), navigateTask())
		assert.NoError(t, err)
		firstDone <- res
	}()

	<-release
	second, err := c.PerformTask(context.Background(), navigateTask())
	require.NoError(t, err)

	// Now deliver the held first response.
	mu.Lock()
	firstReply := held
	mu.Unlock()
	require.NoError(t, h.reply(firstReply))

	select {
	case first := <-firstDone:
		assert.NotEqual(t, first.TaskID, second.TaskID)
		assert.True(t, first.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("first task result never delivered")
	}
}

func TestAwaitTimeoutAbandonsRequest(t *testing.T) {
	c, _ := startFakeHost(t, func(*schemas.Envelope) *schemas.Envelope {
		return nil // never answer
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Ping(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Outstanding(), "abandoned request must be dropped")
}

func TestConnectionLossOrphansWaiters(t *testing.T) {
	server, clientConn := net.Pipe()
	c := NewClient(clientConn, testMaxMessage, zap.NewNop())
	defer c.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.PerformTask(context.Background(), navigateTask())
		errCh <- err
	}()

	// Consume the request, then drop the connection without answering.
	dec := codec.NewDecoder(server, testMaxMessage)
	_, err := dec.Decode()
	require.NoError(t, err)
	server.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, correlate.ErrOrphaned)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never released after connection loss")
	}

	_, err = c.Ping(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseIsIdempotent(t *testing.T) {
	c, _ := startFakeHost(t, echoHost)
	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}
