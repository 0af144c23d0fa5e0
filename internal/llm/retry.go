package llm

import (
	"context"
	"log/slog"

	"github.com/cascade-ai/cascade/internal/backoff"
	"github.com/cascade-ai/cascade/internal/observability"
)

// retryingProvider wraps a Provider with bounded retry on transient
// failures. Context cancellation is never retried.
type retryingProvider struct {
	inner       Provider
	policy      backoff.Policy
	maxAttempts int
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// WithRetry wraps provider so transient backend failures are retried with
// jittered exponential backoff. maxAttempts below 1 defaults to 3.
func WithRetry(provider Provider, maxAttempts int, logger *slog.Logger, metrics *observability.Metrics) Provider {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &retryingProvider{
		inner:       provider,
		policy:      backoff.Default(),
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "llm"),
		metrics:     metrics,
	}
}

func (r *retryingProvider) Name() string { return r.inner.Name() }

func (r *retryingProvider) Generate(ctx context.Context, prompt string) (string, error) {
	var out string
	err := backoff.Retry(ctx, r.policy, r.maxAttempts, func(attempt int) error {
		text, err := r.inner.Generate(ctx, prompt)
		if err != nil {
			r.logger.Warn("completion attempt failed",
				"provider", r.inner.Name(), "attempt", attempt, "error", err)
			return err
		}
		out = text
		return nil
	})

	if r.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		r.metrics.LLMRequestCounter.WithLabelValues(r.inner.Name(), status).Inc()
	}
	return out, err
}
