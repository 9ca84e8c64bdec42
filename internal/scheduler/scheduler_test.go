package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/FairForge/bastion/internal/storage"
)

func testGateway(t *testing.T) *storage.Gateway {
	t.Helper()
	return storage.NewGateway(storage.NewLocalDriver(t.TempDir(), nil), nil)
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, st := range s.entries {
			if st.running {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_DispatchesDueEntries(t *testing.T) {
	s := New(DefaultConfig(), nil, nil, nil)
	var runs int32
	s.Handle(TaskBackup, func(ctx context.Context, entry ScheduleEntry) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})
	require.NoError(t, s.Reload([]ScheduleEntry{
		{Name: "db-hourly", Cadence: "@every 1h", TaskKind: TaskBackup, Component: "database", Enabled: true},
		{Name: "disabled", Cadence: "@every 1h", TaskKind: TaskBackup, Enabled: false},
	}))

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.Tick(context.Background())
	waitIdle(t, s)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs), "only the enabled entry runs")

	// Not due again until the cadence elapses.
	now = now.Add(10 * time.Minute)
	s.Tick(context.Background())
	waitIdle(t, s)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))

	now = now.Add(time.Hour)
	s.Tick(context.Background())
	waitIdle(t, s)
	assert.Equal(t, int32(2), atomic.LoadInt32(&runs))

	for _, e := range s.Entries() {
		if e.Name == "db-hourly" {
			assert.Equal(t, OutcomeSucceeded, e.LastResult)
		}
	}
}

func TestScheduler_NoOverlapPerEntry(t *testing.T) {
	s := New(DefaultConfig(), nil, nil, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var runs int32
	s.Handle(TaskScan, func(ctx context.Context, entry ScheduleEntry) error {
		atomic.AddInt32(&runs, 1)
		once.Do(func() { close(started) })
		<-release
		return nil
	})
	require.NoError(t, s.Reload([]ScheduleEntry{
		{Name: "scan-all", Cadence: "@every 1s", TaskKind: TaskScan, Enabled: true},
	}))

	now := time.Now()
	s.now = func() time.Time { return now }

	s.Tick(context.Background())
	<-started

	// Entry is still running: further ticks are benign no-ops.
	now = now.Add(time.Minute)
	s.Tick(context.Background())
	s.Tick(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))

	close(release)
	waitIdle(t, s)
}

func TestScheduler_MaintenanceWindowBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Windows = []Window{{Start: "02:00", End: "04:00"}}
	s := New(cfg, nil, nil, nil)

	var backups, maint int32
	s.Handle(TaskBackup, func(ctx context.Context, entry ScheduleEntry) error {
		atomic.AddInt32(&backups, 1)
		return nil
	})
	s.Handle(TaskMaintenance, func(ctx context.Context, entry ScheduleEntry) error {
		atomic.AddInt32(&maint, 1)
		return nil
	})
	require.NoError(t, s.Reload([]ScheduleEntry{
		{Name: "nightly", Cadence: "@every 1h", TaskKind: TaskBackup, Enabled: true},
		{Name: "compact", Cadence: "@every 1h", TaskKind: TaskMaintenance, Enabled: true},
	}))

	inside := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return inside }
	s.Tick(context.Background())
	waitIdle(t, s)

	assert.Equal(t, int32(0), atomic.LoadInt32(&backups), "backup held back inside the window")
	assert.Equal(t, int32(1), atomic.LoadInt32(&maint), "maintenance tasks are exempt")

	outside := time.Date(2026, 3, 1, 5, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return outside }
	s.Tick(context.Background())
	waitIdle(t, s)
	assert.Equal(t, int32(1), atomic.LoadInt32(&backups))
}

func TestScheduler_TaskTimeoutRecordedAsTimedOut(t *testing.T) {
	gw := testGateway(t)
	hist := NewHistory(gw, "state")
	require.NoError(t, hist.Load(context.Background()))

	cfg := DefaultConfig()
	cfg.MaxTaskDuration = 20 * time.Millisecond
	s := New(cfg, hist, nil, nil)
	s.Handle(TaskBackup, func(ctx context.Context, entry ScheduleEntry) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, s.Reload([]ScheduleEntry{
		{Name: "slow", Cadence: "@every 1h", TaskKind: TaskBackup, Enabled: true},
	}))

	s.Tick(context.Background())
	waitIdle(t, s)

	records := hist.Records()
	require.Len(t, records, 1)
	assert.Equal(t, OutcomeTimedOut, records[0].Outcome)
	assert.Equal(t, "slow", records[0].ScheduleEntryName)
}

func TestScheduler_HungTaskTripsWatchdog(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cfg := DefaultConfig()
	cfg.MaxTaskDuration = 20 * time.Millisecond
	s := New(cfg, nil, nil, zap.New(core))

	release := make(chan struct{})
	s.Handle(TaskBackup, func(ctx context.Context, entry ScheduleEntry) error {
		<-release // ignores ctx entirely
		return nil
	})
	require.NoError(t, s.Reload([]ScheduleEntry{
		{Name: "stuck", Cadence: "@every 1h", TaskKind: TaskBackup, Enabled: true},
	}))

	s.Tick(context.Background())

	// Past the deadline plus grace: the entry is still marked running (so
	// later ticks skip it) and the watchdog has logged the hang.
	require.Eventually(t, func() bool {
		return logs.FilterMessageSnippet("still running").Len() > 0
	}, 2*time.Second, 5*time.Millisecond)
	s.mu.Lock()
	assert.True(t, s.entries["stuck"].running)
	s.mu.Unlock()

	close(release)
	waitIdle(t, s)
}

func TestScheduler_ReloadPreservesBookkeeping(t *testing.T) {
	s := New(DefaultConfig(), nil, nil, nil)
	s.Handle(TaskBackup, func(ctx context.Context, entry ScheduleEntry) error { return nil })
	require.NoError(t, s.Reload([]ScheduleEntry{
		{Name: "db", Cadence: "@every 1h", TaskKind: TaskBackup, Enabled: true},
	}))

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	s.Tick(context.Background())
	waitIdle(t, s)

	// Reload with a changed cadence; last run survives, so the entry is
	// not immediately due again.
	require.NoError(t, s.Reload([]ScheduleEntry{
		{Name: "db", Cadence: "@every 2h", TaskKind: TaskBackup, Enabled: true},
		{Name: "models", Cadence: "0 3 * * *", TaskKind: TaskBackup, Enabled: true},
	}))

	for _, e := range s.Entries() {
		if e.Name == "db" {
			assert.Equal(t, now, e.LastRun)
			assert.Equal(t, OutcomeSucceeded, e.LastResult)
		}
	}

	t.Run("invalid cadence rejected", func(t *testing.T) {
		err := s.Reload([]ScheduleEntry{
			{Name: "bad", Cadence: "not-a-cron", TaskKind: TaskBackup, Enabled: true},
		})
		assert.Error(t, err)
	})
}

func TestHistory_PersistsAcrossRestart(t *testing.T) {
	gw := testGateway(t)
	ctx := context.Background()

	hist := NewHistory(gw, "state")
	require.NoError(t, hist.Load(ctx))
	started := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	require.NoError(t, hist.Append(ctx, TaskExecutionRecord{
		ScheduleEntryName: "db-hourly",
		StartedAt:         started,
		FinishedAt:        started.Add(time.Minute),
		Outcome:           OutcomeSucceeded,
	}))
	require.NoError(t, hist.Append(ctx, TaskExecutionRecord{
		ScheduleEntryName: "scan-all",
		StartedAt:         started.Add(time.Hour),
		FinishedAt:        started.Add(time.Hour + time.Minute),
		Outcome:           OutcomeFailed,
		ErrorDetail:       "probe mismatch",
	}))

	// Fresh instance over the same store sees the full log.
	reborn := NewHistory(gw, "state")
	require.NoError(t, reborn.Load(ctx))
	records := reborn.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "db-hourly", records[0].ScheduleEntryName)
	assert.Equal(t, OutcomeFailed, records[1].Outcome)

	t.Run("prune drops only old rows", func(t *testing.T) {
		removed, err := reborn.PruneBefore(ctx, started.Add(30*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
		assert.Len(t, reborn.Records(), 1)
	})
}
