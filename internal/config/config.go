// Package config loads and validates the Cascade runtime configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cascade-ai/cascade/internal/llm"
	"github.com/cascade-ai/cascade/internal/mcp"
	"github.com/cascade-ai/cascade/internal/observability"
)

// Config is the main configuration structure for Cascade.
type Config struct {
	Logging      observability.LogConfig `yaml:"logging"`
	Metrics      MetricsConfig           `yaml:"metrics"`
	LLM          llm.Config              `yaml:"llm"`
	Workers      []*mcp.WorkerConfig     `yaml:"workers"`
	Orchestrator OrchestratorConfig      `yaml:"orchestrator"`
	Store        StoreConfig             `yaml:"store"`
	Prompts      PromptsConfig           `yaml:"prompts"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// OrchestratorConfig tunes the phase state machine.
type OrchestratorConfig struct {
	// MaxLoopIterations bounds how often any single phase may be revisited
	// within one turn.
	MaxLoopIterations int `yaml:"max_loop_iterations"`

	// MaxTurnIterations is the hard ceiling on phase executions per turn.
	MaxTurnIterations int `yaml:"max_turn_iterations"`

	// PhaseTimeouts overrides the per-phase deadlines, keyed by phase name
	// ("intent_analysis", "function_selection", ...).
	PhaseTimeouts map[string]time.Duration `yaml:"phase_timeouts"`

	// HealthInterval is the worker health check period.
	HealthInterval time.Duration `yaml:"health_interval"`
}

// StoreConfig selects and configures conversation persistence.
type StoreConfig struct {
	// Kind is "memory" or "sqlite".
	Kind string `yaml:"kind"`

	// Path is the SQLite database file. Ignored for the memory store.
	Path string `yaml:"path"`

	// Retention expires conversations idle longer than this. Zero disables
	// expiry.
	Retention time.Duration `yaml:"retention"`
}

// PromptsConfig points at optional prompt template overrides.
type PromptsConfig struct {
	Dir string `yaml:"dir"`
}

// Load reads, parses, and validates the configuration file. Environment
// variables in the file are expanded before parsing, and unknown keys are
// rejected so typos fail loudly at startup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a runnable configuration with no workers configured.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9461"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.MaxAttempts == 0 {
		cfg.LLM.MaxAttempts = 3
	}
	if cfg.Orchestrator.MaxLoopIterations == 0 {
		cfg.Orchestrator.MaxLoopIterations = 5
	}
	if cfg.Orchestrator.MaxTurnIterations == 0 {
		cfg.Orchestrator.MaxTurnIterations = 24
	}
	if cfg.Orchestrator.HealthInterval == 0 {
		cfg.Orchestrator.HealthInterval = mcp.DefaultHealthInterval
	}
	if cfg.Store.Kind == "" {
		cfg.Store.Kind = "memory"
	}
	if cfg.Store.Kind == "sqlite" && cfg.Store.Path == "" {
		cfg.Store.Path = "cascade.db"
	}
}

// Validate checks cross-field constraints after defaulting.
func (c *Config) Validate() error {
	switch c.Store.Kind {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown store kind %q", c.Store.Kind)
	}

	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}

	if c.Orchestrator.MaxLoopIterations < 1 {
		return fmt.Errorf("orchestrator.max_loop_iterations must be at least 1")
	}
	if c.Orchestrator.MaxTurnIterations < 5 {
		return fmt.Errorf("orchestrator.max_turn_iterations must allow one pass through all phases")
	}
	for name, d := range c.Orchestrator.PhaseTimeouts {
		if d <= 0 {
			return fmt.Errorf("orchestrator.phase_timeouts.%s must be positive", name)
		}
	}

	seen := make(map[string]bool, len(c.Workers))
	for i, w := range c.Workers {
		if w == nil {
			return fmt.Errorf("workers[%d] is empty", i)
		}
		if err := w.Validate(); err != nil {
			return fmt.Errorf("workers[%d]: %w", i, err)
		}
		if seen[w.Name] {
			return fmt.Errorf("workers[%d]: duplicate worker name %q", i, w.Name)
		}
		seen[w.Name] = true
	}
	return nil
}
