package corruption

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/bastion/internal/backup"
	"github.com/FairForge/bastion/internal/events"
)

// ScanState is the detector's per-cycle state machine.
type ScanState string

const (
	StateIdle         ScanState = "IDLE"
	StateScanning     ScanState = "SCANNING"
	StateClean        ScanState = "CLEAN"
	StateAnomalyFound ScanState = "ANOMALY_FOUND"
)

// Stats is one observation of a component's live data store.
type Stats struct {
	RecordCount  int64    // total live records/objects
	FormatErrors int64    // records failing schema/format validation
	Fingerprint  string   // content fingerprint of a stable sample
	SampleBad    []string // sample of anomalous records for evidence
}

// Probe inspects one component's live data. The underlying store is
// platform-specific and lives behind this interface.
type Probe interface {
	Component() backup.Component
	Inspect(ctx context.Context) (Stats, error)
}

// Recovery is the slice of the backup orchestrator the detector calls into:
// find the newest trusted backup and restore it.
type Recovery interface {
	LatestVerified(comp backup.Component) (id string, ok bool)
	Restore(ctx context.Context, id, target string) error
}

// OrchestratorRecovery adapts *backup.Orchestrator to Recovery.
type OrchestratorRecovery struct {
	Orch *backup.Orchestrator
}

func (r *OrchestratorRecovery) LatestVerified(comp backup.Component) (string, bool) {
	rec, ok := r.Orch.Catalog().LatestVerified(comp)
	if !ok {
		return "", false
	}
	return rec.ID, true
}

func (r *OrchestratorRecovery) Restore(ctx context.Context, id, target string) error {
	_, err := r.Orch.RestoreBackup(ctx, id, target)
	return err
}

// Config holds the detector's thresholds. All statistical cutoffs are
// configuration, not constants, so deployments can tune them.
type Config struct {
	// RowCountDeltaPct flags a scan when the record count moved more than
	// this fraction from the last-known-good baseline (0.5 = 50%).
	RowCountDeltaPct float64 `yaml:"row_count_delta_pct"`
	// MediumFraction splits statistical outliers into low vs medium.
	MediumFraction float64 `yaml:"medium_fraction"`
	// AutoRecover lists components recovered automatically even below
	// high severity.
	AutoRecover []backup.Component `yaml:"auto_recover"`
	// RestoreTarget names the target restores are applied to.
	RestoreTarget string `yaml:"restore_target"`
	// ScanInterval is the cadence used when the detector runs its own loop.
	ScanInterval time.Duration `yaml:"scan_interval"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RowCountDeltaPct: 0.5,
		MediumFraction:   0.2,
		RestoreTarget:    "live",
		ScanInterval:     10 * time.Minute,
	}
}

type baseline struct {
	recordCount int64
	fingerprint string
}

// Detector scans live data stores for integrity anomalies and drives
// auto-recovery through the backup orchestrator.
type Detector struct {
	cfg      *Config
	probes   map[backup.Component]Probe
	recovery Recovery
	alerts   *AlertStore
	bus      *events.Bus
	logger   *zap.Logger

	mu        sync.Mutex
	state     map[backup.Component]ScanState
	baselines map[backup.Component]baseline
	// Alerts whose one allowed auto-recovery attempt already failed.
	// The circuit breaker: no further auto-restores for these.
	tripped map[string]bool
}

// NewDetector creates a corruption detector.
func NewDetector(cfg *Config, recovery Recovery, alerts *AlertStore, bus *events.Bus, logger *zap.Logger) *Detector {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if alerts == nil {
		alerts = NewAlertStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		cfg:       cfg,
		probes:    make(map[backup.Component]Probe),
		recovery:  recovery,
		alerts:    alerts,
		bus:       bus,
		logger:    logger,
		state:     make(map[backup.Component]ScanState),
		baselines: make(map[backup.Component]baseline),
		tripped:   make(map[string]bool),
	}
}

// Alerts exposes the alert store.
func (d *Detector) Alerts() *AlertStore { return d.alerts }

// RegisterProbe adds a probe for a component.
func (d *Detector) RegisterProbe(p Probe) error {
	if p == nil {
		return fmt.Errorf("probe required")
	}
	comp := p.Component()
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.probes[comp]; exists {
		return fmt.Errorf("probe already registered for %s", comp)
	}
	d.probes[comp] = p
	d.state[comp] = StateIdle
	return nil
}

// State returns the current scan state for a component.
func (d *Detector) State(comp backup.Component) ScanState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.state[comp]
	if !ok {
		return StateIdle
	}
	return st
}

func (d *Detector) setState(comp backup.Component, st ScanState) {
	d.mu.Lock()
	d.state[comp] = st
	d.mu.Unlock()
}

func (d *Detector) emit(t events.Type, sev events.Severity, comp backup.Component, detail string, fields map[string]string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.Event{Type: t, Component: string(comp), Severity: sev, Detail: detail, Fields: fields})
}

// finding is an internal anomaly classification.
type finding struct {
	severity       Severity
	description    string
	sample         []string
	formatBreaking bool
}

func (d *Detector) evaluate(comp backup.Component, base baseline, s Stats) *finding {
	// Format-breaking beats everything: corrupted structure is high severity
	// regardless of how few records it touches.
	if s.FormatErrors > 0 {
		frac := 0.0
		if s.RecordCount > 0 {
			frac = float64(s.FormatErrors) / float64(s.RecordCount)
		}
		return &finding{
			severity:       SeverityHigh,
			description:    fmt.Sprintf("%d records failed format validation (%.1f%%)", s.FormatErrors, frac*100),
			sample:         s.SampleBad,
			formatBreaking: true,
		}
	}

	if base.fingerprint != "" && s.Fingerprint != "" && s.Fingerprint != base.fingerprint {
		return &finding{
			severity:       SeverityHigh,
			description:    "content fingerprint diverged from last-known-good",
			sample:         s.SampleBad,
			formatBreaking: true,
		}
	}

	if base.recordCount > 0 {
		delta := float64(s.RecordCount-base.recordCount) / float64(base.recordCount)
		if delta < 0 {
			delta = -delta
		}
		if delta > d.cfg.RowCountDeltaPct {
			sev := SeverityLow
			if delta >= d.cfg.RowCountDeltaPct+d.cfg.MediumFraction {
				sev = SeverityMedium
			}
			return &finding{
				severity: sev,
				description: fmt.Sprintf("record count moved %.1f%% from baseline (%d -> %d)",
					delta*100, base.recordCount, s.RecordCount),
				sample: s.SampleBad,
			}
		}
	}
	return nil
}

func (d *Detector) autoRecoverEnabled(comp backup.Component) bool {
	for _, c := range d.cfg.AutoRecover {
		if c == comp {
			return true
		}
	}
	return false
}

// Scan runs one detection cycle for a component:
// IDLE -> SCANNING -> (CLEAN | ANOMALY_FOUND) -> IDLE.
// On an anomaly it raises an alert and, when policy allows, performs exactly
// one auto-recovery attempt followed by a confirming re-scan.
func (d *Detector) Scan(ctx context.Context, comp backup.Component) (*Alert, error) {
	d.mu.Lock()
	probe, ok := d.probes[comp]
	base := d.baselines[comp]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no probe registered for %s", comp)
	}

	d.setState(comp, StateScanning)
	d.emit(events.ScanStarted, events.SeverityInfo, comp, "", nil)

	stats, err := probe.Inspect(ctx)
	if err != nil {
		d.setState(comp, StateIdle)
		return nil, fmt.Errorf("inspect %s: %w", comp, err)
	}

	f := d.evaluate(comp, base, stats)
	if f == nil {
		d.setState(comp, StateClean)
		d.emit(events.ScanClean, events.SeverityInfo, comp, "", nil)

		d.mu.Lock()
		d.baselines[comp] = baseline{recordCount: stats.RecordCount, fingerprint: stats.Fingerprint}
		d.mu.Unlock()

		d.setState(comp, StateIdle)
		return nil, nil
	}

	d.setState(comp, StateAnomalyFound)

	// An open manual-required alert means the circuit breaker already
	// tripped for this component; keep surfacing it instead of stacking
	// fresh alerts and futile restores.
	for _, open := range d.alerts.Open(string(comp)) {
		if open.RecoveryAction == RecoveryManualRequired {
			d.setState(comp, StateIdle)
			return open, nil
		}
	}

	alert := &Alert{
		ID:             "ca-" + uuid.NewString(),
		DetectedAt:     time.Now(),
		Component:      string(comp),
		Severity:       f.severity,
		Evidence:       Evidence{Description: f.description, SampleRecords: f.sample},
		RecoveryAction: RecoveryNone,
	}
	d.alerts.Add(alert)

	d.logger.Warn("corruption detected",
		zap.String("component", string(comp)),
		zap.String("severity", string(f.severity)),
		zap.String("evidence", f.description))
	d.emit(events.CorruptionFound, severityToEvent(f.severity), comp, f.description,
		map[string]string{"alert_id": alert.ID, "severity": string(f.severity)})

	if f.severity == SeverityHigh || d.autoRecoverEnabled(comp) {
		d.autoRecover(ctx, comp, probe, alert)
	}

	d.setState(comp, StateIdle)
	out, _ := d.alerts.Get(alert.ID)
	return out, nil
}

// autoRecover makes exactly one restore attempt and re-scans. A second
// failure is deliberately not retried: repeated futile restores would churn
// the target without fixing the underlying fault.
func (d *Detector) autoRecover(ctx context.Context, comp backup.Component, probe Probe, alert *Alert) {
	d.mu.Lock()
	blocked := d.tripped[alert.ID]
	d.mu.Unlock()
	if blocked {
		return
	}
	if d.recovery == nil {
		d.alerts.SetAction(alert.ID, RecoveryManualRequired)
		return
	}

	id, ok := d.recovery.LatestVerified(comp)
	if !ok {
		d.logger.Error("no verified backup available for auto-recovery",
			zap.String("component", string(comp)))
		d.alerts.SetAction(alert.ID, RecoveryManualRequired)
		d.emit(events.CorruptionEscalated, events.SeverityCritical, comp,
			"no verified backup available", map[string]string{"alert_id": alert.ID})
		return
	}

	if err := d.recovery.Restore(ctx, id, d.cfg.RestoreTarget); err != nil {
		d.logger.Error("auto-recovery restore failed",
			zap.String("component", string(comp)),
			zap.String("backup_id", id),
			zap.Error(err))
		d.escalate(comp, alert)
		return
	}
	d.alerts.SetAction(alert.ID, RecoveryAutoRestored)

	// Re-scan to confirm the restore actually cleared the anomaly.
	stats, err := probe.Inspect(ctx)
	if err != nil {
		d.escalate(comp, alert)
		return
	}
	d.mu.Lock()
	base := d.baselines[comp]
	d.mu.Unlock()

	if d.evaluate(comp, base, stats) != nil {
		d.escalate(comp, alert)
		return
	}

	now := time.Now()
	d.alerts.Resolve(alert.ID, now)
	d.mu.Lock()
	d.baselines[comp] = baseline{recordCount: stats.RecordCount, fingerprint: stats.Fingerprint}
	d.mu.Unlock()

	d.logger.Info("corruption auto-recovered",
		zap.String("component", string(comp)),
		zap.String("alert_id", alert.ID),
		zap.String("backup_id", id))
	d.emit(events.CorruptionResolved, events.SeverityInfo, comp, "",
		map[string]string{"alert_id": alert.ID, "backup_id": id})
}

func (d *Detector) escalate(comp backup.Component, alert *Alert) {
	d.mu.Lock()
	d.tripped[alert.ID] = true
	d.mu.Unlock()

	d.alerts.SetAction(alert.ID, RecoveryManualRequired)
	d.emit(events.CorruptionEscalated, events.SeverityCritical, comp,
		"auto-recovery did not clear the anomaly", map[string]string{"alert_id": alert.ID})
}

// ScanAll scans every registered component.
func (d *Detector) ScanAll(ctx context.Context) error {
	d.mu.Lock()
	comps := make([]backup.Component, 0, len(d.probes))
	for comp := range d.probes {
		comps = append(comps, comp)
	}
	d.mu.Unlock()

	for _, comp := range comps {
		if _, err := d.Scan(ctx, comp); err != nil {
			return err
		}
	}
	return nil
}

// Run drives scans on the configured interval until ctx is done. The
// scheduler normally owns cadence; this loop exists for standalone use.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.ScanAll(ctx); err != nil {
				d.logger.Error("scan cycle failed", zap.Error(err))
			}
		}
	}
}

func severityToEvent(s Severity) events.Severity {
	switch s {
	case SeverityHigh:
		return events.SeverityCritical
	case SeverityMedium:
		return events.SeverityWarning
	default:
		return events.SeverityInfo
	}
}
