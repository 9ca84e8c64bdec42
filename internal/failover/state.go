package failover

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/bastion/internal/events"
)

// Slot names a deployment slot.
type Slot string

const (
	SlotBlue  Slot = "blue"
	SlotGreen Slot = "green"
)

// Other returns the opposite slot of a blue/green pair.
func (s Slot) Other() Slot {
	if s == SlotBlue {
		return SlotGreen
	}
	return SlotBlue
}

// StateKind enumerates the failover states.
type StateKind string

const (
	StateSteady      StateKind = "STEADY"
	StateEvaluating  StateKind = "EVALUATING"
	StateSwitching   StateKind = "SWITCHING"
	StateSwitched    StateKind = "SWITCHED"
	StateRollingBack StateKind = "ROLLING_BACK"
)

// Status is the machine's current state plus its slot payload.
type Status struct {
	Kind       StateKind `json:"kind"`
	ActiveSlot Slot      `json:"active_slot,omitempty"`
	FromSlot   Slot      `json:"from_slot,omitempty"`
	ToSlot     Slot      `json:"to_slot,omitempty"`
	ChangedAt  time.Time `json:"changed_at"`
}

// Transition records one state change.
type Transition struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
}

var allowed = map[StateKind][]StateKind{
	StateSteady:      {StateEvaluating},
	StateEvaluating:  {StateSteady, StateSwitching, StateEvaluating},
	StateSwitching:   {StateSwitched, StateRollingBack},
	StateSwitched:    {StateSteady},
	StateRollingBack: {StateSteady},
}

// Machine is the failover state machine. A single mutex guarantees at most
// one transition is ever in flight per instance.
type Machine struct {
	mu      sync.Mutex
	name    string
	status  Status
	history []Transition
	manual  bool // escalated: automatic transitions are frozen
	bus     *events.Bus
	logger  *zap.Logger
}

// NewMachine creates a machine in STEADY with the given active slot.
func NewMachine(name string, active Slot, bus *events.Bus, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		name:   name,
		status: Status{Kind: StateSteady, ActiveSlot: active, ChangedAt: time.Now()},
		bus:    bus,
		logger: logger,
	}
}

// Name returns the machine's environment name.
func (m *Machine) Name() string { return m.name }

// Status returns the current status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// History returns a copy of the transition log.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// RequiresManual reports whether the machine escalated to manual
// intervention and froze automatic transitions.
func (m *Machine) RequiresManual() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.manual
}

// Escalate freezes automatic transitions until ClearManual.
func (m *Machine) Escalate(reason string) {
	m.mu.Lock()
	m.manual = true
	m.mu.Unlock()

	m.logger.Error("failover escalated to manual intervention",
		zap.String("machine", m.name),
		zap.String("reason", reason))
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:      events.FailoverEscalated,
			Component: m.name,
			Severity:  events.SeverityCritical,
			Detail:    reason,
		})
	}
}

// ClearManual re-enables automatic transitions after operator action.
func (m *Machine) ClearManual() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manual = false
}

// Transition moves the machine to a new status, validating the edge.
func (m *Machine) Transition(to Status) error {
	m.mu.Lock()
	from := m.status

	ok := false
	for _, k := range allowed[from.Kind] {
		if k == to.Kind {
			ok = true
			break
		}
	}
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("illegal transition %s -> %s", from.Kind, to.Kind)
	}

	to.ChangedAt = time.Now()
	m.status = to
	m.history = append(m.history, Transition{From: from, To: to, At: to.ChangedAt})
	m.mu.Unlock()

	m.logger.Info("failover state transition",
		zap.String("machine", m.name),
		zap.String("from", string(from.Kind)),
		zap.String("to", string(to.Kind)),
		zap.String("active", string(to.ActiveSlot)))
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:      events.FailoverTransition,
			Component: m.name,
			Severity:  events.SeverityWarning,
			Fields: map[string]string{
				"from":   string(from.Kind),
				"to":     string(to.Kind),
				"active": string(to.ActiveSlot),
			},
		})
	}
	return nil
}
