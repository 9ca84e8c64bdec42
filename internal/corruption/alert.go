package corruption

import (
	"sort"
	"sync"
	"time"
)

// Severity grades how bad an anomaly is.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// RecoveryAction records what the detector did about an alert.
type RecoveryAction string

const (
	RecoveryNone           RecoveryAction = "none"
	RecoveryAutoRestored   RecoveryAction = "auto-restored"
	RecoveryManualRequired RecoveryAction = "manual-required"
)

// Evidence describes why the detector flagged a component.
type Evidence struct {
	Description   string   `json:"description"`
	SampleRecords []string `json:"sample_records,omitempty"`
}

// Alert is one corruption finding. Severity transitions to resolved only
// after a successful restore plus a clean re-scan.
type Alert struct {
	ID             string         `json:"id"`
	DetectedAt     time.Time      `json:"detected_at"`
	Component      string         `json:"component"`
	Severity       Severity       `json:"severity"`
	Evidence       Evidence       `json:"evidence"`
	RecoveryAction RecoveryAction `json:"recovery_action"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}

// AlertStore keeps alerts in memory.
type AlertStore struct {
	mu     sync.RWMutex
	alerts map[string]*Alert
}

// NewAlertStore creates an empty store.
func NewAlertStore() *AlertStore {
	return &AlertStore{alerts: make(map[string]*Alert)}
}

// Add inserts an alert.
func (s *AlertStore) Add(a *Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID] = a
}

// Get returns a copy of an alert.
func (s *AlertStore) Get(id string) (*Alert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

// SetAction updates an alert's recovery action.
func (s *AlertStore) SetAction(id string, action RecoveryAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.alerts[id]; ok {
		a.RecoveryAction = action
	}
}

// Resolve marks an alert resolved at now.
func (s *AlertStore) Resolve(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.alerts[id]; ok {
		a.ResolvedAt = &now
	}
}

// List returns all alerts, newest first.
func (s *AlertStore) List() []*Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	return out
}

// Open returns unresolved alerts for a component.
func (s *AlertStore) Open(component string) []*Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Alert
	for _, a := range s.alerts {
		if a.Component == component && a.ResolvedAt == nil {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out
}
