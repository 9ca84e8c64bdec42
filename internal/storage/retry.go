package storage

import (
	"bytes"
	"context"
	"io"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy defines how transient storage failures are retried.
// Permanent errors are surfaced immediately and never retried.
type RetryPolicy struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	jitter       bool
	logger       *zap.Logger
}

// RetryOption configures retry behavior
type RetryOption func(*RetryPolicy)

// WithMaxAttempts sets maximum retry attempts
func WithMaxAttempts(n int) RetryOption {
	return func(p *RetryPolicy) { p.maxAttempts = n }
}

// WithInitialDelay sets the initial retry delay
func WithInitialDelay(d time.Duration) RetryOption {
	return func(p *RetryPolicy) { p.initialDelay = d }
}

// WithMaxDelay sets the maximum retry delay
func WithMaxDelay(d time.Duration) RetryOption {
	return func(p *RetryPolicy) { p.maxDelay = d }
}

// WithJitter enables jitter to prevent thundering herd
func WithJitter(enabled bool) RetryOption {
	return func(p *RetryPolicy) { p.jitter = enabled }
}

// WithRetryLogger adds logging to retry attempts
func WithRetryLogger(logger *zap.Logger) RetryOption {
	return func(p *RetryPolicy) { p.logger = logger }
}

// NewRetryPolicy creates a new retry policy
func NewRetryPolicy(opts ...RetryOption) *RetryPolicy {
	p := &RetryPolicy{
		maxAttempts:  3,
		initialDelay: 100 * time.Millisecond,
		maxDelay:     30 * time.Second,
		multiplier:   2.0,
		jitter:       true,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute runs a function, retrying transient errors with backoff.
func (p *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return &TransientError{Op: "retry", Err: ctx.Err()}
		}

		err := fn()
		if err == nil {
			if attempt > 0 {
				p.logger.Debug("operation succeeded after retry",
					zap.Int("attempt", attempt+1),
					zap.Int("maxAttempts", p.maxAttempts))
			}
			return nil
		}
		lastErr = err

		// Permanent failures fail immediately, no backoff.
		if !IsTransient(err) {
			return err
		}

		if attempt == p.maxAttempts-1 {
			break
		}

		delay := p.calculateDelay(attempt)
		p.logger.Debug("operation failed, retrying",
			zap.Error(lastErr),
			zap.Int("attempt", attempt+1),
			zap.Int("maxAttempts", p.maxAttempts),
			zap.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &TransientError{Op: "retry", Err: ctx.Err()}
		}
	}

	p.logger.Error("operation failed after all retries",
		zap.Error(lastErr),
		zap.Int("attempts", p.maxAttempts))
	return lastErr
}

func (p *RetryPolicy) calculateDelay(attempt int) time.Duration {
	delay := float64(p.initialDelay) * math.Pow(p.multiplier, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	if p.jitter {
		// Jitter between 0.5x and 1.5x the delay
		delay = delay * (0.5 + rand.Float64())
	}
	return time.Duration(delay)
}

// Gateway wraps a Driver with the retry policy. This is the type the
// rest of the system talks to; callers never see a transient failure
// until the attempt budget is exhausted.
type Gateway struct {
	driver Driver
	policy *RetryPolicy
}

// NewGateway creates a gateway over the given driver.
func NewGateway(driver Driver, policy *RetryPolicy) *Gateway {
	if policy == nil {
		policy = NewRetryPolicy()
	}
	return &Gateway{driver: driver, policy: policy}
}

// Name returns the underlying driver name.
func (g *Gateway) Name() string { return g.driver.Name() }

// Put uploads with retry. The payload is buffered so a retried attempt
// replays the full body rather than a drained reader.
func (g *Gateway) Put(ctx context.Context, container, artifact string, data io.Reader) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return &TransientError{Op: "put", Err: err}
	}
	return g.policy.Execute(ctx, func() error {
		return g.driver.Put(ctx, container, artifact, bytes.NewReader(buf))
	})
}

// Get downloads with retry.
func (g *Gateway) Get(ctx context.Context, container, artifact string) (io.ReadCloser, error) {
	var result io.ReadCloser
	err := g.policy.Execute(ctx, func() error {
		var err error
		result, err = g.driver.Get(ctx, container, artifact)
		return err
	})
	return result, err
}

// GetBytes downloads an artifact fully into memory with retry.
func (g *Gateway) GetBytes(ctx context.Context, container, artifact string) ([]byte, error) {
	var result []byte
	err := g.policy.Execute(ctx, func() error {
		rc, err := g.driver.Get(ctx, container, artifact)
		if err != nil {
			return err
		}
		defer func() { _ = rc.Close() }()
		result, err = io.ReadAll(rc)
		if err != nil {
			return &TransientError{Op: "get", Err: err}
		}
		return nil
	})
	return result, err
}

// Delete removes with retry (idempotent).
func (g *Gateway) Delete(ctx context.Context, container, artifact string) error {
	return g.policy.Execute(ctx, func() error {
		return g.driver.Delete(ctx, container, artifact)
	})
}

// List lists with retry.
func (g *Gateway) List(ctx context.Context, container, prefix string) ([]string, error) {
	var result []string
	err := g.policy.Execute(ctx, func() error {
		var err error
		result, err = g.driver.List(ctx, container, prefix)
		return err
	})
	return result, err
}

// Exists checks with retry.
func (g *Gateway) Exists(ctx context.Context, container, artifact string) (bool, error) {
	var result bool
	err := g.policy.Execute(ctx, func() error {
		var err error
		result, err = g.driver.Exists(ctx, container, artifact)
		return err
	})
	return result, err
}
