package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/FairForge/bastion/internal/events"
)

// AlertPayload is the wire shape pushed to the alert webhook.
type AlertPayload struct {
	EventType string    `json:"eventType"`
	Component string    `json:"component,omitempty"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// AlerterConfig configures the webhook pusher.
type AlerterConfig struct {
	URL string `yaml:"url"`

	// RatePerMinute caps webhook posts. Excess alerts are dropped with a
	// log line rather than queued: a flapping component must not build an
	// unbounded backlog.
	RatePerMinute int           `yaml:"rate_per_minute"`
	Timeout       time.Duration `yaml:"timeout"`
}

// DefaultAlerterConfig returns sensible defaults.
func DefaultAlerterConfig() *AlerterConfig {
	return &AlerterConfig{
		RatePerMinute: 30,
		Timeout:       5 * time.Second,
	}
}

// Alerter pushes warning and critical events to an external webhook.
// Every failure mode is logged and swallowed.
type Alerter struct {
	cfg     *AlerterConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewAlerter creates a webhook pusher.
func NewAlerter(cfg *AlerterConfig, logger *zap.Logger) *Alerter {
	if cfg == nil {
		cfg = DefaultAlerterConfig()
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 30
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	perSecond := rate.Limit(float64(cfg.RatePerMinute) / 60.0)
	return &Alerter{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(perSecond, cfg.RatePerMinute),
		logger:  logger,
	}
}

// Push posts one alert, subject to the rate limit.
func (a *Alerter) Push(ev events.Event) {
	if a.cfg.URL == "" {
		return
	}
	if !a.limiter.Allow() {
		a.logger.Warn("alert webhook rate limit exceeded, dropping alert",
			zap.String("type", string(ev.Type)),
			zap.String("component", ev.Component))
		return
	}

	payload := AlertPayload{
		EventType: string(ev.Type),
		Component: ev.Component,
		Severity:  string(ev.Severity),
		Timestamp: ev.Timestamp,
		Detail:    ev.Detail,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		a.logger.Error("encode alert payload", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(body))
	if err != nil {
		a.logger.Error("build alert request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn("alert webhook unreachable", zap.Error(err))
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.logger.Warn("alert webhook rejected alert",
			zap.Int("status", resp.StatusCode),
			zap.String("type", string(ev.Type)))
	}
}
