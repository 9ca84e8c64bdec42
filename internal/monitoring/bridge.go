package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/bastion/internal/events"
)

// Bridge consumes the internal event stream and fans it out to prometheus
// and the alert webhook. Bridge failures are logged and swallowed: the DR
// path never depends on the monitoring path.
type Bridge struct {
	bus     *events.Bus
	metrics *Metrics
	alerter *Alerter
	logger  *zap.Logger
	now     func() time.Time

	mu          sync.Mutex
	lastSuccess map[string]time.Time
	lastDropped int64
}

// NewBridge creates a bridge over the bus. alerter may be nil when no
// webhook is configured.
func NewBridge(bus *events.Bus, metrics *Metrics, alerter *Alerter, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		bus:         bus,
		metrics:     metrics,
		alerter:     alerter,
		logger:      logger,
		now:         time.Now,
		lastSuccess: make(map[string]time.Time),
	}
}

// Run consumes events until the bus closes or ctx is done. The age gauges
// are refreshed between events so they keep climbing during quiet periods.
func (b *Bridge) Run(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.refreshAges()
		case ev, ok := <-b.bus.Events():
			if !ok {
				return
			}
			b.Observe(ev)
		}
	}
}

// Observe applies one event to the metric families and forwards alertable
// events to the webhook.
func (b *Bridge) Observe(ev events.Event) {
	switch ev.Type {
	case events.BackupCompleted:
		b.metrics.backupsTotal.WithLabelValues("succeeded").Inc()
		b.markSuccess(ev.Component, ev.Timestamp)
	case events.BackupFailed:
		b.metrics.backupsTotal.WithLabelValues("failed").Inc()
	case events.RestoreCompleted:
		b.metrics.restoresTotal.WithLabelValues("succeeded").Inc()
	case events.RestoreFailed:
		b.metrics.restoresTotal.WithLabelValues("failed").Inc()
	case events.CorruptionFound:
		b.metrics.corruptionAlerts.WithLabelValues(ev.Fields["severity"]).Inc()
	case events.FailoverTransition:
		b.metrics.failoverTransitions.WithLabelValues(ev.Fields["from"], ev.Fields["to"]).Inc()
		if v, ok := stateValues[ev.Fields["to"]]; ok {
			b.metrics.failoverState.WithLabelValues(ev.Component).Set(v)
		}
	case events.TaskFinished:
		b.metrics.tasksTotal.WithLabelValues(ev.Fields["outcome"]).Inc()
	}

	if b.alerter != nil && ev.Severity != events.SeverityInfo {
		b.alerter.Push(ev)
	}
}

func (b *Bridge) markSuccess(component string, at time.Time) {
	if component == "" {
		return
	}
	if at.IsZero() {
		at = b.now()
	}
	b.mu.Lock()
	b.lastSuccess[component] = at
	b.mu.Unlock()
	b.metrics.lastBackupAge.WithLabelValues(component).Set(b.now().Sub(at).Seconds())
}

func (b *Bridge) refreshAges() {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for component, at := range b.lastSuccess {
		b.metrics.lastBackupAge.WithLabelValues(component).Set(now.Sub(at).Seconds())
	}
	if dropped := b.bus.Dropped(); dropped > b.lastDropped {
		b.metrics.eventsDropped.Add(float64(dropped - b.lastDropped))
		b.lastDropped = dropped
	}
}
