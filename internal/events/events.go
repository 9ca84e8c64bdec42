package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type categorizes DR events.
type Type string

const (
	BackupStarted       Type = "backup.started"
	BackupCompleted     Type = "backup.completed"
	BackupFailed        Type = "backup.failed"
	RestoreStarted      Type = "restore.started"
	RestoreCompleted    Type = "restore.completed"
	RestoreFailed       Type = "restore.failed"
	BackupPruned        Type = "backup.pruned"
	ScanStarted         Type = "scan.started"
	ScanClean           Type = "scan.clean"
	CorruptionFound     Type = "corruption.found"
	CorruptionResolved  Type = "corruption.resolved"
	CorruptionEscalated Type = "corruption.escalated"
	FailoverTransition  Type = "failover.transition"
	FailoverEscalated   Type = "failover.escalated"
	TaskDispatched      Type = "task.dispatched"
	TaskFinished        Type = "task.finished"
	HarnessReport       Type = "harness.report"
)

// Severity grades an event for alerting.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is the single payload type flowing to the monitoring bridge.
type Event struct {
	Type      Type              `json:"type"`
	Component string            `json:"component,omitempty"`
	Severity  Severity          `json:"severity"`
	Timestamp time.Time         `json:"timestamp"`
	Detail    string            `json:"detail,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Bus is a bounded, non-blocking event channel. A slow or dead consumer
// never blocks the DR critical path: when the buffer is full the event is
// dropped and counted.
type Bus struct {
	ch      chan Event
	dropped atomic.Int64
	closed  atomic.Bool
	mu      sync.Mutex
}

// NewBus creates a bus with the given buffer size.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = 1024
	}
	return &Bus{ch: make(chan Event, size)}
}

// Publish enqueues an event without blocking. Returns false if the event
// was dropped.
func (b *Bus) Publish(ev Event) bool {
	if b.closed.Load() {
		b.dropped.Add(1)
		return false
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		b.dropped.Add(1)
		return false
	}
	select {
	case b.ch <- ev:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Events returns the receive side for the bridge.
func (b *Bus) Events() <-chan Event { return b.ch }

// Dropped returns how many events were discarded due to backpressure.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close stops the bus. Publishes after Close are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.CompareAndSwap(false, true) {
		close(b.ch)
	}
}
