package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// stateValues maps failover states onto the gauge scale.
var stateValues = map[string]float64{
	"STEADY":       0,
	"EVALUATING":   1,
	"SWITCHING":    2,
	"SWITCHED":     3,
	"ROLLING_BACK": 4,
}

// Metrics holds the DR metric families. Registered against an explicit
// registerer so nothing hides in package globals.
type Metrics struct {
	backupsTotal        *prometheus.CounterVec
	restoresTotal       *prometheus.CounterVec
	corruptionAlerts    *prometheus.CounterVec
	failoverTransitions *prometheus.CounterVec
	tasksTotal          *prometheus.CounterVec
	eventsDropped       prometheus.Counter

	lastBackupAge *prometheus.GaugeVec
	failoverState *prometheus.GaugeVec
}

// NewMetrics registers the DR metric families. reg may be nil for the
// default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		backupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_backups_total",
				Help: "Backup operations by terminal status",
			},
			[]string{"status"},
		),
		restoresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_restores_total",
				Help: "Restore operations by terminal status",
			},
			[]string{"status"},
		),
		corruptionAlerts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_corruption_alerts_total",
				Help: "Corruption alerts raised, by severity",
			},
			[]string{"severity"},
		),
		failoverTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_failover_transitions_total",
				Help: "Failover state machine transitions",
			},
			[]string{"from", "to"},
		),
		tasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_scheduled_tasks_total",
				Help: "Scheduled task executions by outcome",
			},
			[]string{"outcome"},
		),
		eventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bastion_events_dropped_total",
				Help: "Internal events dropped because the bus was full",
			},
		),
		lastBackupAge: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bastion_last_successful_backup_age_seconds",
				Help: "Seconds since the last successful backup per component",
			},
			[]string{"component"},
		),
		failoverState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bastion_failover_state",
				Help: "Current failover state (0 STEADY, 1 EVALUATING, 2 SWITCHING, 3 SWITCHED, 4 ROLLING_BACK)",
			},
			[]string{"machine"},
		),
	}
}
