package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/FairForge/bastion/internal/events"
)

// TaskKind classifies what a schedule entry dispatches.
type TaskKind string

const (
	TaskBackup      TaskKind = "backup"
	TaskScan        TaskKind = "scan"
	TaskTest        TaskKind = "test"
	TaskPrune       TaskKind = "prune"
	TaskMaintenance TaskKind = "maintenance"
)

// ScheduleEntry is one row of the schedule table. Cadence is either a
// standard cron expression or a fixed interval ("@every 6h").
type ScheduleEntry struct {
	Name          string    `json:"name" yaml:"name"`
	Cadence       string    `json:"cadence" yaml:"cadence"`
	TaskKind      TaskKind  `json:"task_kind" yaml:"task_kind"`
	Component     string    `json:"component,omitempty" yaml:"component,omitempty"`
	Mode          string    `json:"mode,omitempty" yaml:"mode,omitempty"`
	Enabled       bool      `json:"enabled" yaml:"enabled"`
	RetentionDays int       `json:"retention_days,omitempty" yaml:"retention_days,omitempty"`
	LastRun       time.Time `json:"last_run,omitempty" yaml:"-"`
	LastResult    Outcome   `json:"last_result,omitempty" yaml:"-"`
}

// TaskFunc executes one dispatched task.
type TaskFunc func(ctx context.Context, entry ScheduleEntry) error

// Window is a blocked maintenance window in local wall-clock time,
// "15:04" format. Windows may wrap midnight.
type Window struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

func (w Window) contains(now time.Time) (bool, error) {
	start, err := time.Parse("15:04", w.Start)
	if err != nil {
		return false, fmt.Errorf("parse window start %q: %w", w.Start, err)
	}
	end, err := time.Parse("15:04", w.End)
	if err != nil {
		return false, fmt.Errorf("parse window end %q: %w", w.End, err)
	}
	minutes := now.Hour()*60 + now.Minute()
	s := start.Hour()*60 + start.Minute()
	e := end.Hour()*60 + end.Minute()
	if s <= e {
		return minutes >= s && minutes < e, nil
	}
	return minutes >= s || minutes < e, nil
}

// Config configures the scheduler.
type Config struct {
	TickInterval    time.Duration `yaml:"tick_interval"`
	MaxTaskDuration time.Duration `yaml:"max_task_duration"`
	Windows         []Window      `yaml:"maintenance_windows"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		TickInterval:    30 * time.Second,
		MaxTaskDuration: time.Hour,
	}
}

type entryState struct {
	entry   ScheduleEntry
	sched   cron.Schedule
	running bool
}

// Scheduler maintains the schedule table and dispatches due entries.
// There is no global lookup: one Scheduler is constructed at startup and
// handed to whoever needs it.
type Scheduler struct {
	cfg      *Config
	history  *History
	bus      *events.Bus
	logger   *zap.Logger
	now      func() time.Time
	handlers map[TaskKind]TaskFunc

	mu      sync.Mutex
	entries map[string]*entryState
	wg      sync.WaitGroup
}

// New creates a scheduler. history may be nil when execution records
// should not be persisted.
func New(cfg *Config, history *History, bus *events.Bus, logger *zap.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		history:  history,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
		handlers: make(map[TaskKind]TaskFunc),
		entries:  make(map[string]*entryState),
	}
}

// Handle registers the task function for a kind. Entries of an
// unregistered kind are skipped with a warning.
func (s *Scheduler) Handle(kind TaskKind, fn TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = fn
}

// Reload replaces the schedule table, keeping last-run bookkeeping for
// entries that survive the reload. Called on config change.
func (s *Scheduler) Reload(entries []ScheduleEntry) error {
	parsed := make(map[string]*entryState, len(entries))
	for _, e := range entries {
		sched, err := cron.ParseStandard(e.Cadence)
		if err != nil {
			return fmt.Errorf("entry %q: invalid cadence %q: %w", e.Name, e.Cadence, err)
		}
		parsed[e.Name] = &entryState{entry: e, sched: sched}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, st := range parsed {
		if old, ok := s.entries[name]; ok {
			st.entry.LastRun = old.entry.LastRun
			st.entry.LastResult = old.entry.LastResult
			st.running = old.running
		}
	}
	s.entries = parsed

	s.logger.Info("schedule table reloaded", zap.Int("entries", len(parsed)))
	return nil
}

// Entries returns a snapshot of the schedule table.
func (s *Scheduler) Entries() []ScheduleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleEntry, 0, len(s.entries))
	for _, st := range s.entries {
		out = append(out, st.entry)
	}
	return out
}

// Run drives the tick loop until ctx is done, then waits for in-flight
// tasks to finish.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick dispatches every due entry once. Exposed for deterministic tests.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*entryState
	for _, st := range s.entries {
		if !st.entry.Enabled || st.running {
			continue
		}
		if !s.due(st, now) {
			continue
		}
		if s.blocked(st.entry, now) {
			s.logger.Debug("entry blocked by maintenance window",
				zap.String("entry", st.entry.Name))
			continue
		}
		st.running = true
		st.entry.LastRun = now
		due = append(due, st)
	}
	s.mu.Unlock()

	for _, st := range due {
		entry := st.entry
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(ctx, entry)
		}()
	}
}

func (s *Scheduler) due(st *entryState, now time.Time) bool {
	last := st.entry.LastRun
	if last.IsZero() {
		return true
	}
	return !st.sched.Next(last).After(now)
}

// blocked reports whether the entry must wait out a maintenance window.
// Maintenance tasks are exempt: windows exist so they can run alone.
func (s *Scheduler) blocked(entry ScheduleEntry, now time.Time) bool {
	if entry.TaskKind == TaskMaintenance {
		return false
	}
	for _, w := range s.cfg.Windows {
		in, err := w.contains(now)
		if err != nil {
			s.logger.Warn("malformed maintenance window", zap.Error(err))
			continue
		}
		if in {
			return true
		}
	}
	return false
}

func (s *Scheduler) dispatch(ctx context.Context, entry ScheduleEntry) {
	s.mu.Lock()
	fn, ok := s.handlers[entry.TaskKind]
	s.mu.Unlock()

	rec := TaskExecutionRecord{
		ScheduleEntryName: entry.Name,
		StartedAt:         s.now(),
	}

	if !ok {
		s.logger.Warn("no handler registered for task kind",
			zap.String("entry", entry.Name),
			zap.String("kind", string(entry.TaskKind)))
		s.finish(entry.Name, rec, OutcomeSkipped, "no handler registered")
		return
	}

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:      events.TaskDispatched,
			Component: entry.Component,
			Severity:  events.SeverityInfo,
			Detail:    entry.Name,
		})
	}

	taskCtx := ctx
	cancel := func() {}
	if s.cfg.MaxTaskDuration > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, s.cfg.MaxTaskDuration)
		// A handler that ignores its context keeps the entry's running
		// flag set, so the entry is skipped on every later tick and
		// nothing lands in History until the handler returns. The
		// watchdog at least makes the hang visible in the logs.
		watchdog := time.AfterFunc(s.cfg.MaxTaskDuration+s.cfg.MaxTaskDuration/4, func() {
			s.logger.Error("task ignored its deadline and is still running",
				zap.String("entry", entry.Name),
				zap.Duration("max_duration", s.cfg.MaxTaskDuration))
		})
		defer watchdog.Stop()
	}
	err := fn(taskCtx, entry)
	cancel()

	switch {
	case err == nil:
		s.finish(entry.Name, rec, OutcomeSucceeded, "")
	case errors.Is(err, context.DeadlineExceeded):
		// The deadline cancelled the task's context, which released any
		// component lock the task held on its way out.
		s.finish(entry.Name, rec, OutcomeTimedOut, err.Error())
	default:
		s.finish(entry.Name, rec, OutcomeFailed, err.Error())
	}
}

func (s *Scheduler) finish(name string, rec TaskExecutionRecord, outcome Outcome, detail string) {
	rec.FinishedAt = s.now()
	rec.Outcome = outcome
	rec.ErrorDetail = detail

	s.mu.Lock()
	if st, ok := s.entries[name]; ok {
		st.running = false
		st.entry.LastResult = outcome
	}
	s.mu.Unlock()

	if outcome == OutcomeFailed || outcome == OutcomeTimedOut {
		s.logger.Warn("scheduled task did not succeed",
			zap.String("entry", name),
			zap.String("outcome", string(outcome)),
			zap.String("detail", detail))
	} else {
		s.logger.Info("scheduled task finished",
			zap.String("entry", name),
			zap.String("outcome", string(outcome)))
	}

	if s.history != nil {
		if err := s.history.Append(context.Background(), rec); err != nil {
			s.logger.Error("persist task execution record", zap.Error(err))
		}
	}
	if s.bus != nil {
		sev := events.SeverityInfo
		if outcome == OutcomeFailed || outcome == OutcomeTimedOut {
			sev = events.SeverityWarning
		}
		s.bus.Publish(events.Event{
			Type:     events.TaskFinished,
			Severity: sev,
			Detail:   name,
			Fields:   map[string]string{"outcome": string(outcome)},
		})
	}
}
