package drtest

import (
	"errors"
	"time"
)

// ScenarioKind selects which drill a scenario runs.
type ScenarioKind string

const (
	KindBackupRestore ScenarioKind = "backup-restore"
	KindFailover      ScenarioKind = "failover"
)

// ServiceTier groups components by how fast they must recover.
type ServiceTier string

const (
	TierCritical   ServiceTier = "critical"
	TierStandard   ServiceTier = "standard"
	TierBestEffort ServiceTier = "best-effort"
)

// Budget is the recovery objective a scenario is measured against.
type Budget struct {
	// RTO is the recovery time objective: the drill itself must complete
	// within it.
	RTO time.Duration `yaml:"rto"`

	// RPO is the recovery point objective: the restored data may be at
	// most this stale.
	RPO time.Duration `yaml:"rpo"`

	Tier ServiceTier `yaml:"tier"`
}

// Validate checks the budget is usable.
func (b Budget) Validate() error {
	if b.RTO <= 0 {
		return errors.New("RTO must be greater than zero")
	}
	if b.RPO <= 0 {
		return errors.New("RPO must be greater than zero")
	}
	if b.RPO > b.RTO {
		return errors.New("RPO should not exceed RTO")
	}
	return nil
}

// TierBudget returns the default budget for a service tier.
func TierBudget(tier ServiceTier) Budget {
	switch tier {
	case TierCritical:
		return Budget{RTO: time.Minute, RPO: 30 * time.Second, Tier: tier}
	case TierBestEffort:
		return Budget{RTO: time.Hour, RPO: 30 * time.Minute, Tier: tier}
	default:
		return Budget{RTO: 15 * time.Minute, RPO: 5 * time.Minute, Tier: TierStandard}
	}
}

// Scenario is one configured drill.
type Scenario struct {
	Name      string        `yaml:"name"`
	Kind      ScenarioKind  `yaml:"kind"`
	Component string        `yaml:"component,omitempty"`
	Target    string        `yaml:"target,omitempty"`
	Budget    Budget        `yaml:"budget"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
}

// StepResult records one timed step of a drill.
type StepResult struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Passed   bool          `json:"passed"`
	Detail   string        `json:"detail,omitempty"`
}

// ScenarioResult is the outcome of one drill.
type ScenarioResult struct {
	Scenario   Scenario      `json:"scenario"`
	Passed     bool          `json:"passed"`
	Steps      []StepResult  `json:"steps"`
	TotalTime  time.Duration `json:"total_time"`
	RTOMet     bool          `json:"rto_met"`
	RPOMet     bool          `json:"rpo_met"`
	Error      string        `json:"error,omitempty"`
	ExecutedAt time.Time     `json:"executed_at"`
}

// Report summarizes one harness run.
type Report struct {
	GeneratedAt   time.Time        `json:"generated_at"`
	Total         int              `json:"total"`
	Passed        int              `json:"passed"`
	Failed        int              `json:"failed"`
	RTOCompliance float64          `json:"rto_compliance"`
	Results       []ScenarioResult `json:"results"`
}

func buildReport(now time.Time, results []ScenarioResult) *Report {
	rep := &Report{GeneratedAt: now, Total: len(results), Results: results}
	rtoMet := 0
	for _, r := range results {
		if r.Passed {
			rep.Passed++
		} else {
			rep.Failed++
		}
		if r.RTOMet {
			rtoMet++
		}
	}
	if rep.Total > 0 {
		rep.RTOCompliance = float64(rtoMet) / float64(rep.Total)
	}
	return rep
}
