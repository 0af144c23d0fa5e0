package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// tcpTransport reaches a worker over a socket. Framing and correlation are
// identical to stdio; only connection setup and teardown differ.
type tcpTransport struct {
	cfg    *WorkerConfig
	logger *slog.Logger

	core *rpcCore
	conn net.Conn
	wg   sync.WaitGroup
}

func newTCPTransport(cfg *WorkerConfig, logger *slog.Logger) *tcpTransport {
	return &tcpTransport{
		cfg:    cfg,
		logger: logger.With("worker", cfg.Name, "transport", "tcp"),
	}
}

func (t *tcpTransport) Connect(ctx context.Context) error {
	if t.cfg.Address == "" {
		return fmt.Errorf("worker %s: address is required", t.cfg.Name)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", t.cfg.Address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.cfg.Address, err)
	}

	t.conn = conn
	t.core = newRPCCore(t.cfg.Name, t.cfg.callTimeout(), t.logger)
	t.core.start(conn)

	t.logger.Info("connected to worker", "address", t.cfg.Address)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.core.readLoop(conn)
	}()
	return nil
}

func (t *tcpTransport) Close(_ context.Context) error {
	if t.core == nil {
		return nil
	}
	t.core.shutdown()
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

func (t *tcpTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if t.core == nil {
		return nil, ErrNotConnected
	}
	return t.core.call(ctx, method, params)
}

func (t *tcpTransport) Notify(_ context.Context, method string, params any) error {
	if t.core == nil {
		return ErrNotConnected
	}
	return t.core.notify(method, params)
}

func (t *tcpTransport) Healthy() bool {
	return t.core != nil && t.core.connected.Load()
}
