package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/FairForge/bastion/internal/storage"
)

// Outcome is the terminal result of a dispatched task.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed-out"
	OutcomeSkipped   Outcome = "skipped"
)

// TaskExecutionRecord is one append-only row of the execution log. Rows are
// never mutated after being written.
type TaskExecutionRecord struct {
	ScheduleEntryName string    `json:"schedule_entry_name"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
	Outcome           Outcome   `json:"outcome"`
	ErrorDetail       string    `json:"error_detail,omitempty"`
}

// History is the persisted task execution log. It lives in the same object
// store as the backups, so a restart replays it from storage.
type History struct {
	gateway   *storage.Gateway
	container string
	artifact  string

	mu      sync.Mutex
	records []TaskExecutionRecord
	loaded  bool
}

// NewHistory creates the execution log at <container>/scheduler/history.json.
func NewHistory(gateway *storage.Gateway, container string) *History {
	return &History{
		gateway:   gateway,
		container: container,
		artifact:  "scheduler/history.json",
	}
}

// Load replays the persisted log. A missing artifact is a fresh install,
// not an error.
func (h *History) Load(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := h.gateway.GetBytes(ctx, h.container, h.artifact)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.loaded = true
			return nil
		}
		return fmt.Errorf("load execution history: %w", err)
	}
	if err := json.Unmarshal(data, &h.records); err != nil {
		return fmt.Errorf("decode execution history: %w", err)
	}
	h.loaded = true
	return nil
}

// Append adds one record and persists the log.
func (h *History) Append(ctx context.Context, rec TaskExecutionRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records = append(h.records, rec)
	data, err := json.Marshal(h.records)
	if err != nil {
		return fmt.Errorf("encode execution history: %w", err)
	}
	if err := h.gateway.Put(ctx, h.container, h.artifact, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("persist execution history: %w", err)
	}
	return nil
}

// Records returns a snapshot of the log, newest last.
func (h *History) Records() []TaskExecutionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]TaskExecutionRecord, len(h.records))
	copy(out, h.records)
	return out
}

// PruneBefore drops records finished before the cutoff. This is the only
// way rows leave the log, run as an explicit retention job.
func (h *History) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	kept := h.records[:0]
	removed := 0
	for _, rec := range h.records {
		if rec.FinishedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	if removed == 0 {
		return 0, nil
	}
	h.records = kept

	data, err := json.Marshal(h.records)
	if err != nil {
		return removed, fmt.Errorf("encode execution history: %w", err)
	}
	if err := h.gateway.Put(ctx, h.container, h.artifact, bytes.NewReader(data)); err != nil {
		return removed, fmt.Errorf("persist execution history: %w", err)
	}
	return removed, nil
}
