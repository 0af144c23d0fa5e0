package mcp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cascade-ai/cascade/internal/observability"
	"github.com/cascade-ai/cascade/internal/proclife"
)

// DefaultHealthInterval is the period of the connection health loop.
const DefaultHealthInterval = 30 * time.Second

// Manager presents a single logical tool-invocation surface over all
// configured worker connections. Tool names are resolved by scanning live
// connections in first-connected order, so name collisions resolve
// deterministically to the earliest-connected worker.
type Manager struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	super   *proclife.Supervisor

	interval time.Duration

	mu      sync.RWMutex
	configs map[string]*WorkerConfig
	order   []string // connection order, drives tie-breaks
	clients map[string]*Client

	healthStop chan struct{}
	healthDone chan struct{}
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Logger         *slog.Logger
	Metrics        *observability.Metrics
	Supervisor     *proclife.Supervisor
	HealthInterval time.Duration
}

// NewManager creates a manager for the given worker configurations.
func NewManager(configs []*WorkerConfig, opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	super := opts.Supervisor
	if super == nil {
		super = proclife.New(logger)
	}
	interval := opts.HealthInterval
	if interval <= 0 {
		interval = DefaultHealthInterval
	}

	m := &Manager{
		logger:   logger.With("component", "mcp"),
		metrics:  opts.Metrics,
		super:    super,
		interval: interval,
		configs:  make(map[string]*WorkerConfig, len(configs)),
		clients:  make(map[string]*Client),
	}
	for _, cfg := range configs {
		m.configs[cfg.Name] = cfg
		m.order = append(m.order, cfg.Name)
	}
	return m
}

// Initialize connects to every configured worker and starts the health loop.
// A failed connection is logged and skipped: partial tool availability beats
// none, and the health loop keeps retrying failed workers.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.RLock()
	names := append([]string(nil), m.order...)
	m.mu.RUnlock()

	for _, name := range names {
		if err := m.connect(ctx, name); err != nil {
			m.logger.Error("failed to connect to worker, will retry on health cycle",
				"worker", name, "error", err)
		}
	}

	m.startHealthLoop()
	return nil
}

func (m *Manager) connect(ctx context.Context, name string) error {
	m.mu.RLock()
	cfg := m.configs[name]
	_, exists := m.clients[name]
	m.mu.RUnlock()
	if cfg == nil || exists {
		return nil
	}

	client := NewClient(cfg, m.super, m.logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.clients[name] = client
	m.mu.Unlock()
	m.setWorkerGauge()
	m.warnOnCollisions(client)
	return nil
}

// warnOnCollisions logs tool names already claimed by an earlier connection.
func (m *Manager) warnOnCollisions(added *Client) {
	for _, tool := range added.ListTools() {
		if owner, _, ok := m.findTool(tool.Name); ok && owner.Config().Name != added.Config().Name {
			m.logger.Warn("tool name collision, earliest-connected worker wins",
				"tool", tool.Name,
				"owner", owner.Config().Name,
				"duplicate", added.Config().Name)
		}
	}
}

// ListAllTools returns the union of every live connection's cached tools, in
// connection order.
func (m *Manager) ListAllTools() []*ToolDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ToolDefinition
	for _, name := range m.order {
		if client, ok := m.clients[name]; ok && client.Healthy() {
			out = append(out, client.ListTools()...)
		}
	}
	return out
}

// FindTool resolves a tool name against live connections, scanning afresh on
// every call so the result reflects the latest reconnection state.
func (m *Manager) FindTool(name string) (*ToolDefinition, bool) {
	_, tool, ok := m.findTool(name)
	return tool, ok
}

func (m *Manager) findTool(name string) (*Client, *ToolDefinition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, server := range m.order {
		client, ok := m.clients[server]
		if !ok || !client.Healthy() {
			continue
		}
		if tool, ok := client.Tool(name); ok {
			return client, tool, true
		}
	}
	return nil, nil, false
}

// CallTool invokes the named tool on whichever live connection advertises
// it. Unknown names fail fast with ToolNotFoundError.
func (m *Manager) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolResult, error) {
	client, _, ok := m.findTool(name)
	if !ok {
		return nil, &ToolNotFoundError{Name: name}
	}

	start := time.Now()
	result, err := client.CallTool(ctx, name, arguments)
	if m.metrics != nil {
		m.metrics.ToolCallDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		status := "success"
		if err != nil || (result != nil && result.IsError) {
			status = "error"
		}
		m.metrics.ToolCallCounter.WithLabelValues(name, status).Inc()
	}
	return result, err
}

// Shutdown stops the health loop and disconnects all workers concurrently,
// returning once every disconnect has completed.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopHealthLoop()

	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for name, client := range clients {
		wg.Add(1)
		go func(name string, client *Client) {
			defer wg.Done()
			if err := client.Close(ctx); err != nil {
				m.logger.Warn("worker disconnect failed", "worker", name, "error", err)
			}
		}(name, client)
	}
	wg.Wait()
	m.setWorkerGauge()
}

func (m *Manager) startHealthLoop() {
	m.mu.Lock()
	if m.healthStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.healthStop = stop
	m.healthDone = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.CheckHealth(context.Background())
			}
		}
	}()
}

func (m *Manager) stopHealthLoop() {
	m.mu.Lock()
	stop, done := m.healthStop, m.healthDone
	m.healthStop, m.healthDone = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// CheckHealth probes every configured worker and performs exactly one
// disconnect-then-reconnect per unhealthy connection, using the original
// configuration. A failed reconnect waits for the next interval; the health
// loop is the only long-running retry loop in the system.
// Exported so tests and diagnostics can trigger a cycle directly.
func (m *Manager) CheckHealth(ctx context.Context) {
	m.mu.RLock()
	names := append([]string(nil), m.order...)
	m.mu.RUnlock()

	for _, name := range names {
		m.mu.RLock()
		client, connected := m.clients[name]
		m.mu.RUnlock()

		if connected && client.Healthy() {
			continue
		}

		if connected {
			m.logger.Warn("worker unhealthy, reconnecting", "worker", name)
			m.mu.Lock()
			delete(m.clients, name)
			m.mu.Unlock()
			closeCtx, cancel := context.WithTimeout(ctx, proclife.DefaultGracePeriod*2)
			_ = client.Close(closeCtx)
			cancel()
		}

		err := m.connect(ctx, name)
		if m.metrics != nil {
			status := "success"
			if err != nil {
				status = "error"
			}
			m.metrics.ReconnectCounter.WithLabelValues(name, status).Inc()
		}
		if err != nil {
			m.logger.Error("worker reconnect failed, will retry next interval",
				"worker", name, "error", err, "retry_in", m.interval)
		}
	}
}

// ConnectedWorkers returns the names of live connections in connection order.
func (m *Manager) ConnectedWorkers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for _, name := range m.order {
		if _, ok := m.clients[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// WorkerStatus summarizes one configured worker for diagnostics.
type WorkerStatus struct {
	Name      string        `json:"name"`
	Transport TransportKind `json:"transport"`
	Connected bool          `json:"connected"`
	Healthy   bool          `json:"healthy"`
	Server    ServerInfo    `json:"server,omitempty"`
	Tools     int           `json:"tools"`
}

// Status reports the state of every configured worker.
func (m *Manager) Status() []WorkerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]WorkerStatus, 0, len(m.order))
	for _, name := range m.order {
		status := WorkerStatus{Name: name}
		if cfg, ok := m.configs[name]; ok {
			status.Transport = cfg.Kind
			if status.Transport == "" {
				status.Transport = TransportStdio
			}
		}
		if client, ok := m.clients[name]; ok {
			status.Connected = true
			status.Healthy = client.Healthy()
			status.Server = client.ServerInfo()
			status.Tools = len(client.ListTools())
		}
		out = append(out, status)
	}
	return out
}

func (m *Manager) setWorkerGauge() {
	if m.metrics == nil {
		return
	}
	m.mu.RLock()
	n := len(m.clients)
	m.mu.RUnlock()
	m.metrics.ConnectedWorkers.Set(float64(n))
}
