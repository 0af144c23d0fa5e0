package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cascade-ai/cascade/internal/proclife"
)

// Transport is one connection to a worker. Implementations are selected by
// the worker configuration at connect time.
type Transport interface {
	// Connect establishes the connection and starts the background reader.
	Connect(ctx context.Context) error

	// Close tears the connection down, gracefully where the transport
	// allows it, forcefully after the grace period.
	Close(ctx context.Context) error

	// Call sends a request and awaits the correlated response. Only one
	// call is in flight per connection at a time.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a fire-and-forget notification.
	Notify(ctx context.Context, method string, params any) error

	// Healthy is a non-blocking liveness check: the backing process or
	// socket is alive and the reader is still running.
	Healthy() bool
}

// newTransport selects the transport strategy for a worker config.
func newTransport(cfg *WorkerConfig, super *proclife.Supervisor, logger *slog.Logger) Transport {
	switch cfg.Kind {
	case TransportTCP:
		return newTCPTransport(cfg, logger)
	default:
		return newStdioTransport(cfg, super, logger)
	}
}

// rpcCore carries the request/response correlation machinery shared by all
// transports: a pending completion handle per request id, resolved directly
// by the reader loop, and a binary semaphore serializing send+await so only
// one request is in flight per connection (the framing makes no multiplexing
// assumption).
type rpcCore struct {
	server      string
	logger      *slog.Logger
	callTimeout time.Duration

	writer  io.Writer
	writeMu sync.Mutex

	pending   map[int64]chan *jsonrpcResponse
	pendingMu sync.Mutex

	inflight  chan struct{}
	nextID    atomic.Int64
	connected atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
}

func newRPCCore(server string, callTimeout time.Duration, logger *slog.Logger) *rpcCore {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &rpcCore{
		server:      server,
		logger:      logger,
		callTimeout: callTimeout,
		pending:     make(map[int64]chan *jsonrpcResponse),
		inflight:    make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
}

func (c *rpcCore) start(w io.Writer) {
	c.writer = w
	c.connected.Store(true)
}

func (c *rpcCore) shutdown() {
	c.connected.Store(false)
	c.stopOnce.Do(func() { close(c.stop) })
}

// call performs one serialized send+await cycle. A timeout fails the call,
// not the connection.
func (c *rpcCore) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	// Acquire the single-flight slot.
	select {
	case c.inflight <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stop:
		return nil, ErrConnectionClosed
	}
	defer func() { <-c.inflight }()

	id := c.nextID.Add(1)
	req := jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = raw
	}

	done := make(chan *jsonrpcResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = done
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case resp := <-done:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stop:
		return nil, ErrConnectionClosed
	case <-timer.C:
		return nil, &TimeoutError{Server: c.server, Method: method, Timeout: c.callTimeout}
	}
}

func (c *rpcCore) notify(method string, params any) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	note := jsonrpcNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		note.Params = raw
	}
	return c.write(note)
}

func (c *rpcCore) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.writer.Write(append(data, '\n'))
	return err
}

// readLoop consumes the inbound stream until error or shutdown, resolving
// pending completion handles by correlation id.
func (c *rpcCore) readLoop(r io.Reader) {
	defer c.connected.Store(false)

	frames := newFrameReader(r)
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		frame, err := frames.Next()
		if err != nil {
			if err != io.EOF {
				c.logger.Debug("reader stopped", "error", err)
			}
			return
		}
		c.dispatch(frame)
	}
}

func (c *rpcCore) dispatch(frame []byte) {
	var resp jsonrpcResponse
	if err := json.Unmarshal(frame, &resp); err != nil {
		c.logger.Warn("discarding malformed message", "error", err)
		return
	}

	if resp.ID == nil {
		// Server-initiated notification; this client does not consume them.
		c.logger.Debug("ignoring notification", "method", resp.Method)
		return
	}

	c.pendingMu.Lock()
	done, ok := c.pending[*resp.ID]
	if ok {
		delete(c.pending, *resp.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		// Late response to a timed-out call.
		c.logger.Debug("unmatched response", "id", *resp.ID)
		return
	}
	done <- &resp
}
