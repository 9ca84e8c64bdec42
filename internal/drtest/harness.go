package drtest

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/bastion/internal/backup"
	"github.com/FairForge/bastion/internal/events"
	"github.com/FairForge/bastion/internal/failover"
)

// TargetReader reads back what a restore applied to an isolated target so
// the harness can assert data equivalence.
type TargetReader func(ctx context.Context, comp backup.Component, target string) ([]byte, error)

// Harness runs DR drills against real components but isolated targets:
// a drill never touches live data.
type Harness struct {
	orch    *backup.Orchestrator
	sources *backup.SourceRegistry
	read    TargetReader
	bus     *events.Bus
	logger  *zap.Logger
	now     func() time.Time
}

// NewHarness creates a DR drill harness.
func NewHarness(orch *backup.Orchestrator, sources *backup.SourceRegistry, read TargetReader,
	bus *events.Bus, logger *zap.Logger) *Harness {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harness{
		orch:    orch,
		sources: sources,
		read:    read,
		bus:     bus,
		logger:  logger,
		now:     time.Now,
	}
}

// Run executes every scenario and returns the report. A failing scenario
// never aborts the run; later scenarios still execute.
func (h *Harness) Run(ctx context.Context, scenarios []Scenario) *Report {
	results := make([]ScenarioResult, 0, len(scenarios))
	for _, sc := range scenarios {
		results = append(results, h.runScenario(ctx, sc))
	}
	rep := buildReport(h.now(), results)

	h.logger.Info("dr drill run complete",
		zap.Int("total", rep.Total),
		zap.Int("passed", rep.Passed),
		zap.Int("failed", rep.Failed),
		zap.Float64("rto_compliance", rep.RTOCompliance))
	if h.bus != nil {
		sev := events.SeverityInfo
		if rep.Failed > 0 {
			sev = events.SeverityWarning
		}
		h.bus.Publish(events.Event{
			Type:     events.HarnessReport,
			Severity: sev,
			Detail:   fmt.Sprintf("%d/%d scenarios passed", rep.Passed, rep.Total),
			Fields: map[string]string{
				"passed": fmt.Sprintf("%d", rep.Passed),
				"failed": fmt.Sprintf("%d", rep.Failed),
			},
		})
	}
	return rep
}

func (h *Harness) runScenario(ctx context.Context, sc Scenario) ScenarioResult {
	res := ScenarioResult{Scenario: sc, ExecutedAt: h.now()}
	if err := sc.Budget.Validate(); err != nil {
		res.Error = fmt.Sprintf("invalid budget: %v", err)
		return res
	}

	timeout := sc.Timeout
	if timeout <= 0 {
		timeout = sc.Budget.RTO
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	switch sc.Kind {
	case KindBackupRestore:
		h.backupRestoreDrill(ctx, &res)
	case KindFailover:
		h.failoverDrill(ctx, &res)
	default:
		res.Error = fmt.Sprintf("unknown scenario kind %q", sc.Kind)
		return res
	}
	res.TotalTime = time.Since(start)

	res.RTOMet = res.TotalTime <= sc.Budget.RTO
	res.Passed = res.Passed && res.RTOMet
	return res
}

// step times one drill step and records its outcome. Returns false when
// the step failed, which ends the scenario.
func (res *ScenarioResult) step(name string, fn func() error) bool {
	start := time.Now()
	err := fn()
	sr := StepResult{Name: name, Duration: time.Since(start), Passed: err == nil}
	if err != nil {
		sr.Detail = err.Error()
		res.Error = fmt.Sprintf("%s: %v", name, err)
	}
	res.Steps = append(res.Steps, sr)
	return err == nil
}

// backupRestoreDrill runs a full backup of the component, restores it onto
// the isolated target, and asserts the restored bytes equal the snapshot.
func (h *Harness) backupRestoreDrill(ctx context.Context, res *ScenarioResult) {
	comp := backup.Component(res.Scenario.Component)
	target := res.Scenario.Target
	if target == "" {
		target = "drtest"
	}

	var expected []byte
	var rec *backup.Record

	if !res.step("snapshot reference data", func() error {
		src, err := h.sources.Get(comp)
		if err != nil {
			return err
		}
		expected, _, err = src.Snapshot(ctx)
		return err
	}) {
		return
	}

	if !res.step("create and verify backup", func() error {
		var err error
		rec, err = h.orch.CreateBackup(ctx, comp, backup.ModeFull)
		if err != nil {
			return err
		}
		if !rec.Verified {
			return fmt.Errorf("backup %s not verified after creation", rec.ID)
		}
		return nil
	}) {
		return
	}

	if !res.step("restore onto isolated target", func() error {
		_, err := h.orch.RestoreBackup(ctx, rec.ID, target)
		return err
	}) {
		return
	}

	restoreDone := h.now()
	if !res.step("assert data equivalence", func() error {
		if h.read == nil {
			return fmt.Errorf("no target reader configured")
		}
		got, err := h.read(ctx, comp, target)
		if err != nil {
			return err
		}
		if !bytes.Equal(expected, got) {
			return fmt.Errorf("restored data differs from snapshot (%d vs %d bytes)", len(got), len(expected))
		}
		return nil
	}) {
		return
	}

	// Staleness of the restored data: snapshot age at the moment the
	// restore finished.
	res.RPOMet = restoreDone.Sub(rec.CreatedAt) <= res.Scenario.Budget.RPO
	if !res.RPOMet {
		res.Error = fmt.Sprintf("restored data staleness %s exceeds RPO %s",
			restoreDone.Sub(rec.CreatedAt), res.Scenario.Budget.RPO)
		return
	}
	res.Passed = true
}

// drillChecker drives the simulated failover: the active slot is reported
// down, the standby healthy.
type drillChecker struct{ down failover.Slot }

func (c drillChecker) Check(ctx context.Context, slot failover.Slot) error {
	if slot == c.down {
		return fmt.Errorf("slot %s simulated down", slot)
	}
	return nil
}

type drillSwitcher struct{ active failover.Slot }

func (s *drillSwitcher) SwitchTo(ctx context.Context, slot failover.Slot) error {
	s.active = slot
	return nil
}

func (s *drillSwitcher) Active() failover.Slot { return s.active }

// failoverDrill runs a simulated blue/green failover on an isolated state
// machine and asserts the transition sequence, never touching live traffic.
func (h *Harness) failoverDrill(ctx context.Context, res *ScenarioResult) {
	machine := failover.NewMachine("drtest", failover.SlotBlue, nil, h.logger)
	checker := drillChecker{down: failover.SlotBlue}
	switcher := &drillSwitcher{active: failover.SlotBlue}
	prober := failover.NewProber(checker, &failover.ProberConfig{Threshold: 3}, h.logger)
	orch := failover.NewOrchestrator(&failover.Config{BackupBeforeFailover: false},
		machine, prober, checker, switcher, nil, h.logger)

	if !res.step("fail active slot and reach SWITCHED", func() error {
		for i := 0; i < 6; i++ {
			orch.Tick(ctx)
			if machine.Status().Kind == failover.StateSwitched {
				return nil
			}
		}
		return fmt.Errorf("never reached SWITCHED, state %s", machine.Status().Kind)
	}) {
		return
	}

	if !res.step("assert traffic on standby", func() error {
		status := machine.Status()
		if status.ActiveSlot != failover.SlotGreen {
			return fmt.Errorf("active slot %s, want %s", status.ActiveSlot, failover.SlotGreen)
		}
		if switcher.Active() != failover.SlotGreen {
			return fmt.Errorf("traffic still on %s", switcher.Active())
		}
		return nil
	}) {
		return
	}

	if !res.step("assert transition sequence", func() error {
		want := []failover.StateKind{
			failover.StateEvaluating,
			failover.StateSwitching,
			failover.StateSwitched,
		}
		history := machine.History()
		if len(history) != len(want) {
			return fmt.Errorf("saw %d transitions, want %d", len(history), len(want))
		}
		for i, tr := range history {
			if tr.To.Kind != want[i] {
				return fmt.Errorf("transition %d was %s, want %s", i, tr.To.Kind, want[i])
			}
		}
		return nil
	}) {
		return
	}

	// No data moved in a simulated failover.
	res.RPOMet = true
	res.Passed = true
}
