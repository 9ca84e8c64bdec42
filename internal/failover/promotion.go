package failover

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ReplicaManager controls the database primary/replica pair through the
// platform's cluster control capability.
type ReplicaManager interface {
	// ReplicationLag returns the replica's current lag behind the primary.
	ReplicationLag(ctx context.Context) (time.Duration, error)

	// Promote makes the replica the new primary.
	Promote(ctx context.Context) error
}

// Database slot names for the promotion state machine.
const (
	SlotPrimary Slot = "primary"
	SlotReplica Slot = "replica"
)

// deployGuard is the slice of the deployment machine the promoter consults:
// a database promotion is refused while a deployment switch is in flight.
type deployGuard interface {
	Status() Status
}

// PromoterConfig configures database failover.
type PromoterConfig struct {
	// MaxLag is the replication lag ceiling for a safe promotion.
	// Promoting a replica lagging beyond it is disallowed.
	MaxLag time.Duration `yaml:"max_lag"`
}

// DefaultPromoterConfig returns sensible defaults.
func DefaultPromoterConfig() *PromoterConfig {
	return &PromoterConfig{MaxLag: 5 * time.Second}
}

// Promoter performs gated database replica promotion. It shares the
// failover state machine type with the deployment orchestrator but runs an
// independent instance with its own lock.
type Promoter struct {
	cfg      *PromoterConfig
	machine  *Machine
	replicas ReplicaManager
	deploy   deployGuard
	logger   *zap.Logger
}

// NewPromoter creates a database failover promoter. deploy may be nil when
// there is no deployment machine to coordinate with.
func NewPromoter(cfg *PromoterConfig, machine *Machine, replicas ReplicaManager, deploy *Machine, logger *zap.Logger) *Promoter {
	if cfg == nil {
		cfg = DefaultPromoterConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Promoter{
		cfg:      cfg,
		machine:  machine,
		replicas: replicas,
		logger:   logger,
	}
	if deploy != nil {
		p.deploy = deploy
	}
	return p
}

// Machine exposes the promotion state machine.
func (p *Promoter) Machine() *Machine { return p.machine }

// Promote runs one gated promotion: the replica must be within the lag
// threshold at the moment of promotion, and no deployment switch may be in
// flight. A lagging replica escalates instead of promoting.
func (p *Promoter) Promote(ctx context.Context) error {
	if p.deploy != nil {
		switch p.deploy.Status().Kind {
		case StateSwitching, StateRollingBack:
			return fmt.Errorf("deployment switch in flight, refusing database promotion")
		}
	}

	if p.machine.RequiresManual() {
		return fmt.Errorf("promotion frozen pending manual intervention")
	}

	status := p.machine.Status()
	if status.Kind != StateSteady {
		return fmt.Errorf("promotion requires STEADY, currently %s", status.Kind)
	}

	if err := p.machine.Transition(Status{Kind: StateEvaluating, ActiveSlot: status.ActiveSlot}); err != nil {
		return err
	}

	lag, err := p.replicas.ReplicationLag(ctx)
	if err != nil {
		_ = p.machine.Transition(Status{Kind: StateSteady, ActiveSlot: status.ActiveSlot})
		return fmt.Errorf("read replication lag: %w", err)
	}
	if lag > p.cfg.MaxLag {
		_ = p.machine.Transition(Status{Kind: StateSteady, ActiveSlot: status.ActiveSlot})
		p.machine.Escalate(fmt.Sprintf("replica lag %s exceeds safety threshold %s", lag, p.cfg.MaxLag))
		return fmt.Errorf("replica lagging by %s, promotion disallowed", lag)
	}

	if err := p.machine.Transition(Status{Kind: StateSwitching, FromSlot: SlotPrimary, ToSlot: SlotReplica}); err != nil {
		return err
	}

	if err := p.replicas.Promote(ctx); err != nil {
		_ = p.machine.Transition(Status{Kind: StateRollingBack, ActiveSlot: SlotPrimary})
		_ = p.machine.Transition(Status{Kind: StateSteady, ActiveSlot: SlotPrimary})
		return fmt.Errorf("promote replica: %w", err)
	}

	_ = p.machine.Transition(Status{Kind: StateSwitched, ActiveSlot: SlotReplica})
	_ = p.machine.Transition(Status{Kind: StateSteady, ActiveSlot: SlotReplica})

	p.logger.Info("database replica promoted",
		zap.String("machine", p.machine.Name()),
		zap.Duration("lag_at_promotion", lag))
	return nil
}
