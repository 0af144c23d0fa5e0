// Package llm abstracts the completion service the phase executors call.
package llm

import (
	"context"
	"fmt"
)

// Provider is a text completion backend. Implementations must be safe for
// concurrent use and must honor context cancellation.
type Provider interface {
	// Name identifies the provider for logs and metrics.
	Name() string

	// Generate produces a completion for the prompt.
	Generate(ctx context.Context, prompt string) (string, error)
}

// ProviderError wraps a backend failure with the provider's identity.
type ProviderError struct {
	Provider string
	Cause    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("llm provider %s: %v", e.Provider, e.Cause)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Config selects and parameterizes a provider.
type Config struct {
	// Provider is "anthropic" or "openai".
	Provider string `yaml:"provider"`

	// Model is the backend model identifier. Empty uses the provider default.
	Model string `yaml:"model"`

	// APIKey authenticates against the backend. Usually supplied through
	// environment expansion in the config file.
	APIKey string `yaml:"api_key"`

	// MaxTokens bounds completion length. Zero uses the provider default.
	MaxTokens int `yaml:"max_tokens"`

	// MaxAttempts bounds retries on transient provider failures.
	MaxAttempts int `yaml:"max_attempts"`
}

// New constructs the configured provider.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropic(cfg), nil
	case "openai":
		return NewOpenAI(cfg), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
