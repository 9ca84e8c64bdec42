package failover

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// TrafficSwitcher redirects traffic between deployment slots. The real
// implementation sits in front of the platform's load balancer.
type TrafficSwitcher interface {
	SwitchTo(ctx context.Context, slot Slot) error
	Active() Slot
}

// EmergencyBackup is invoked before a switch so the failover path never
// touches the storage gateway or encryption service directly.
type EmergencyBackup func(ctx context.Context) error

// Config configures the deployment failover orchestrator.
type Config struct {
	ProbeInterval        time.Duration `yaml:"probe_interval"`
	BackupBeforeFailover bool          `yaml:"backup_before_failover"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval:        10 * time.Second,
		BackupBeforeFailover: true,
	}
}

// Orchestrator runs the blue/green failover loop for one environment.
type Orchestrator struct {
	cfg       *Config
	machine   *Machine
	prober    *Prober
	checker   Checker // independent post-switch verification
	switcher  TrafficSwitcher
	emergency EmergencyBackup
	logger    *zap.Logger
}

// NewOrchestrator creates a deployment failover orchestrator.
func NewOrchestrator(cfg *Config, machine *Machine, prober *Prober, checker Checker,
	switcher TrafficSwitcher, emergency EmergencyBackup, logger *zap.Logger) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg,
		machine:   machine,
		prober:    prober,
		checker:   checker,
		switcher:  switcher,
		emergency: emergency,
		logger:    logger,
	}
}

// Machine exposes the underlying state machine for status reads.
func (o *Orchestrator) Machine() *Machine { return o.machine }

// Run drives the health-check loop until ctx is done. This loop is
// independent of the scheduler.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick performs one probe-and-evaluate cycle. Exposed for deterministic
// tests and for the manual trigger path.
func (o *Orchestrator) Tick(ctx context.Context) {
	status := o.machine.Status()

	active := status.ActiveSlot
	standby := active.Other()
	o.prober.Probe(ctx, active)
	o.prober.Probe(ctx, standby)

	if o.machine.RequiresManual() {
		return
	}

	switch status.Kind {
	case StateSteady:
		if o.prober.Unhealthy(active) {
			_ = o.machine.Transition(Status{Kind: StateEvaluating, ActiveSlot: active})
		}

	case StateEvaluating:
		if o.prober.Healthy(active) {
			// The active slot recovered before we committed to a switch.
			_ = o.machine.Transition(Status{Kind: StateSteady, ActiveSlot: active})
			return
		}
		if !o.prober.Healthy(standby) {
			// Never switch traffic to an unverified target. Stay here and
			// keep alerting until a slot is usable.
			o.logger.Warn("both slots unhealthy, holding in EVALUATING",
				zap.String("machine", o.machine.Name()),
				zap.String("active", string(active)))
			return
		}
		o.performSwitch(ctx, active, standby)

	case StateSwitched:
		// Settle into steady operation on the new slot.
		_ = o.machine.Transition(Status{Kind: StateSteady, ActiveSlot: status.ActiveSlot})
	}
}

// performSwitch executes SWITCHING -> (SWITCHED | ROLLING_BACK -> STEADY).
func (o *Orchestrator) performSwitch(ctx context.Context, from, to Slot) {
	if o.cfg.BackupBeforeFailover && o.emergency != nil {
		if err := o.emergency(ctx); err != nil {
			// An emergency backup failure is logged but does not block the
			// switch: the active slot is already down.
			o.logger.Error("emergency backup before failover failed", zap.Error(err))
		}
	}

	if err := o.machine.Transition(Status{Kind: StateSwitching, FromSlot: from, ToSlot: to}); err != nil {
		o.logger.Error("cannot begin switch", zap.Error(err))
		return
	}

	if err := o.switcher.SwitchTo(ctx, to); err != nil {
		o.logger.Error("traffic switch failed", zap.Error(err))
		o.rollBack(ctx, from)
		return
	}

	// Independent post-switch verification. Traffic stays on the target
	// only if this passes; SWITCHED always has a health-verified target.
	if err := o.checker.Check(ctx, to); err != nil {
		o.logger.Error("post-switch health check failed",
			zap.String("target", string(to)),
			zap.Error(err))
		o.rollBack(ctx, from)
		return
	}

	_ = o.machine.Transition(Status{Kind: StateSwitched, ActiveSlot: to})
	o.logger.Info("failover complete",
		zap.String("machine", o.machine.Name()),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}

// rollBack reverts traffic to the original slot. This path reduces risk and
// has no further failure branch: a failure here escalates to manual
// intervention.
func (o *Orchestrator) rollBack(ctx context.Context, original Slot) {
	_ = o.machine.Transition(Status{Kind: StateRollingBack, ActiveSlot: original})

	if err := o.switcher.SwitchTo(ctx, original); err != nil {
		o.machine.Escalate(fmt.Sprintf("rollback to %s failed: %v", original, err))
	}
	_ = o.machine.Transition(Status{Kind: StateSteady, ActiveSlot: original})
}

// TriggerManual forces an evaluation and switch attempt regardless of the
// unhealthy streak. The target must still pass its health check.
func (o *Orchestrator) TriggerManual(ctx context.Context) error {
	status := o.machine.Status()
	if status.Kind != StateSteady {
		return fmt.Errorf("manual failover requires STEADY, currently %s", status.Kind)
	}

	active := status.ActiveSlot
	standby := active.Other()
	if err := o.checker.Check(ctx, standby); err != nil {
		return fmt.Errorf("target slot %s is not healthy: %w", standby, err)
	}

	if err := o.machine.Transition(Status{Kind: StateEvaluating, ActiveSlot: active}); err != nil {
		return err
	}
	o.performSwitch(ctx, active, standby)

	if got := o.machine.Status(); got.Kind == StateSwitched || (got.Kind == StateSteady && got.ActiveSlot == standby) {
		return nil
	}
	return fmt.Errorf("manual failover did not complete, state %s", o.machine.Status().Kind)
}
