package failover

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthCheckTimeout marks a probe that exceeded its deadline. It counts
// toward the unhealthy streak but is not immediately fatal.
type HealthCheckTimeout struct {
	Slot Slot
	Err  error
}

func (e *HealthCheckTimeout) Error() string {
	return fmt.Sprintf("health check of slot %s timed out: %v", e.Slot, e.Err)
}

func (e *HealthCheckTimeout) Unwrap() error { return e.Err }

// Checker probes one slot's health.
type Checker interface {
	Check(ctx context.Context, slot Slot) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, slot Slot) error

func (f CheckerFunc) Check(ctx context.Context, slot Slot) error { return f(ctx, slot) }

// HTTPChecker probes slots over their liveness endpoints.
type HTTPChecker struct {
	endpoints map[Slot]string
	client    *http.Client
	timeout   time.Duration
}

// NewHTTPChecker creates a checker for the given slot endpoints.
func NewHTTPChecker(endpoints map[Slot]string, timeout time.Duration) *HTTPChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPChecker{
		endpoints: endpoints,
		client:    &http.Client{Timeout: timeout},
		timeout:   timeout,
	}
}

// Check performs one liveness probe with a deadline.
func (c *HTTPChecker) Check(ctx context.Context, slot Slot) error {
	endpoint, ok := c.endpoints[slot]
	if !ok {
		return fmt.Errorf("no endpoint configured for slot %s", slot)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &HealthCheckTimeout{Slot: slot, Err: err}
		}
		return fmt.Errorf("probe %s: %w", slot, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe %s: status %d", slot, resp.StatusCode)
	}
	return nil
}

// Prober tracks per-slot health: a slot is unhealthy after threshold
// consecutive failed probes within the sliding window.
type Prober struct {
	checker   Checker
	threshold int
	window    time.Duration
	logger    *zap.Logger

	mu        sync.Mutex
	streak    map[Slot]int
	lastProbe map[Slot]time.Time
}

// ProberConfig configures a prober.
type ProberConfig struct {
	Threshold int           `yaml:"threshold"`
	Window    time.Duration `yaml:"window"`
}

// DefaultProberConfig returns sensible defaults.
func DefaultProberConfig() *ProberConfig {
	return &ProberConfig{Threshold: 3, Window: 2 * time.Minute}
}

// NewProber creates a prober over a checker.
func NewProber(checker Checker, cfg *ProberConfig, logger *zap.Logger) *Prober {
	if cfg == nil {
		cfg = DefaultProberConfig()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		checker:   checker,
		threshold: cfg.Threshold,
		window:    cfg.Window,
		logger:    logger,
		streak:    make(map[Slot]int),
		lastProbe: make(map[Slot]time.Time),
	}
}

// Probe performs one health check and updates the slot's streak. Returns
// whether this probe succeeded.
func (p *Prober) Probe(ctx context.Context, slot Slot) bool {
	err := p.checker.Check(ctx, slot)

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	// A gap longer than the sliding window resets the streak: stale
	// failures do not count toward unhealthiness.
	if p.window > 0 {
		if last, ok := p.lastProbe[slot]; ok && now.Sub(last) > p.window {
			p.streak[slot] = 0
		}
	}
	p.lastProbe[slot] = now

	if err != nil {
		p.streak[slot]++
		p.logger.Warn("health probe failed",
			zap.String("slot", string(slot)),
			zap.Int("streak", p.streak[slot]),
			zap.Error(err))
		return false
	}
	p.streak[slot] = 0
	return true
}

// Unhealthy reports whether a slot crossed the consecutive-failure
// threshold.
func (p *Prober) Unhealthy(slot Slot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streak[slot] >= p.threshold
}

// Healthy reports the inverse of Unhealthy with at least one recent
// successful probe.
func (p *Prober) Healthy(slot Slot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streak[slot] == 0
}

// Streak returns the current consecutive-failure count.
func (p *Prober) Streak(slot Slot) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streak[slot]
}
