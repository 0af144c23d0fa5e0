package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/cascade-ai/cascade/internal/proclife"
)

// stdioTransport runs the worker as a child process and speaks the protocol
// over its stdin/stdout. Process lifetime is enforced by the injected
// proclife supervisor so helper processes the worker spawns cannot leak.
type stdioTransport struct {
	cfg    *WorkerConfig
	super  *proclife.Supervisor
	logger *slog.Logger

	core       *rpcCore
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	exited     chan struct{}
	procExited atomic.Bool
	wg         sync.WaitGroup
}

func newStdioTransport(cfg *WorkerConfig, super *proclife.Supervisor, logger *slog.Logger) *stdioTransport {
	return &stdioTransport{
		cfg:    cfg,
		super:  super,
		logger: logger.With("worker", cfg.Name, "transport", "stdio"),
	}
}

func (t *stdioTransport) Connect(ctx context.Context) error {
	if t.cfg.Command == "" {
		return fmt.Errorf("worker %s: command is required", t.cfg.Name)
	}

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range t.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if t.cfg.WorkDir != "" {
		cmd.Dir = t.cfg.WorkDir
	}
	t.super.Prepare(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	if err := t.super.Assign(cmd.Process); err != nil {
		t.logger.Warn("worker running without kernel lifetime guarantee", "error", err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.exited = make(chan struct{})
	t.core = newRPCCore(t.cfg.Name, t.cfg.callTimeout(), t.logger)
	t.core.start(stdin)

	t.logger.Info("started worker process", "command", t.cfg.Command, "pid", cmd.Process.Pid)

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.core.readLoop(stdout)
	}()
	go func() {
		defer t.wg.Done()
		t.drainStderr(stderr)
	}()

	// Reaper: funnels process exit into liveness state.
	go func() {
		_ = cmd.Wait()
		t.procExited.Store(true)
		t.core.connected.Store(false)
		close(t.exited)
	}()

	return nil
}

// drainStderr logs the worker's stderr line by line. The buffer is sized
// well past the scanner default so one long diagnostic line does not end
// stderr logging for the connection's lifetime.
func (t *stdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			t.logger.Debug("worker stderr", "message", line)
		}
	}
}

// Close shuts the worker down in two phases: close its input side and wait
// for a natural exit, then kill the entire process tree.
func (t *stdioTransport) Close(ctx context.Context) error {
	if t.core == nil {
		return nil
	}
	t.core.shutdown()

	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	err := t.super.Shutdown(ctx, t.cmd.Process, t.exited, t.cfg.GracePeriod)
	t.wg.Wait()
	return err
}

func (t *stdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if t.core == nil {
		return nil, ErrNotConnected
	}
	return t.core.call(ctx, method, params)
}

func (t *stdioTransport) Notify(_ context.Context, method string, params any) error {
	if t.core == nil {
		return ErrNotConnected
	}
	return t.core.notify(method, params)
}

func (t *stdioTransport) Healthy() bool {
	return t.core != nil && t.core.connected.Load() && !t.procExited.Load()
}
