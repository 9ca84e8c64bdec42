package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/bastion/internal/events"
)

func TestBridge_CountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	bus := events.NewBus(16)
	b := NewBridge(bus, metrics, nil, nil)

	b.Observe(events.Event{Type: events.BackupCompleted, Component: "database", Timestamp: time.Now()})
	b.Observe(events.Event{Type: events.BackupCompleted, Component: "database", Timestamp: time.Now()})
	b.Observe(events.Event{Type: events.BackupFailed, Component: "database"})
	b.Observe(events.Event{Type: events.RestoreCompleted, Component: "database"})
	b.Observe(events.Event{Type: events.CorruptionFound, Component: "database",
		Fields: map[string]string{"severity": "high"}})
	b.Observe(events.Event{Type: events.FailoverTransition, Component: "production",
		Fields: map[string]string{"from": "STEADY", "to": "EVALUATING"}})
	b.Observe(events.Event{Type: events.TaskFinished,
		Fields: map[string]string{"outcome": "succeeded"}})

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.backupsTotal.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.backupsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.restoresTotal.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.corruptionAlerts.WithLabelValues("high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.failoverTransitions.WithLabelValues("STEADY", "EVALUATING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.tasksTotal.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.failoverState.WithLabelValues("production")))
}

func TestBridge_BackupAgeGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	bus := events.NewBus(16)
	b := NewBridge(bus, metrics, nil, nil)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return base }
	b.Observe(events.Event{Type: events.BackupCompleted, Component: "database", Timestamp: base})
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.lastBackupAge.WithLabelValues("database")))

	// Quiet period: the gauge keeps climbing on refresh.
	b.now = func() time.Time { return base.Add(90 * time.Second) }
	b.refreshAges()
	assert.Equal(t, 90.0, testutil.ToFloat64(metrics.lastBackupAge.WithLabelValues("database")))
}

func TestAlerter_PushesWarnings(t *testing.T) {
	var mu sync.Mutex
	var got []AlertPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p AlertPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	a := NewAlerter(&AlerterConfig{URL: srv.URL, RatePerMinute: 60}, nil)
	a.Push(events.Event{
		Type:      events.CorruptionEscalated,
		Component: "database",
		Severity:  events.SeverityCritical,
		Timestamp: time.Now(),
		Detail:    "auto-recovery failed",
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "corruption.escalated", got[0].EventType)
	assert.Equal(t, "critical", got[0].Severity)
	assert.Equal(t, "database", got[0].Component)
}

func TestAlerter_RateLimitDrops(t *testing.T) {
	var mu sync.Mutex
	count := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		count++
		mu.Unlock()
	}))
	defer srv.Close()

	// Burst of 2, negligible refill during the test.
	a := NewAlerter(&AlerterConfig{URL: srv.URL, RatePerMinute: 2}, nil)
	for i := 0; i < 10; i++ {
		a.Push(events.Event{Type: events.BackupFailed, Severity: events.SeverityWarning})
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, count, "excess alerts dropped, not queued")
}

func TestAlerter_FailuresAreSwallowed(t *testing.T) {
	a := NewAlerter(&AlerterConfig{URL: "http://127.0.0.1:1", RatePerMinute: 60}, nil)
	// Must not panic or block beyond the client timeout.
	a.Push(events.Event{Type: events.BackupFailed, Severity: events.SeverityWarning})

	t.Run("no url configured is a no-op", func(t *testing.T) {
		quiet := NewAlerter(&AlerterConfig{}, nil)
		quiet.Push(events.Event{Type: events.BackupFailed, Severity: events.SeverityWarning})
	})
}

func TestBridge_ForwardsAlertableEventsOnly(t *testing.T) {
	var mu sync.Mutex
	count := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		count++
		mu.Unlock()
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	bus := events.NewBus(16)
	a := NewAlerter(&AlerterConfig{URL: srv.URL, RatePerMinute: 60}, nil)
	b := NewBridge(bus, NewMetrics(reg), a, nil)

	b.Observe(events.Event{Type: events.BackupCompleted, Component: "database", Severity: events.SeverityInfo})
	b.Observe(events.Event{Type: events.BackupFailed, Component: "database", Severity: events.SeverityWarning})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count, "info events stay off the webhook")
}
