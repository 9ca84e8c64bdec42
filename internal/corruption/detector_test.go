package corruption

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/bastion/internal/backup"
	"github.com/FairForge/bastion/internal/events"
)

// fakeProbe replays a scripted sequence of observations.
type fakeProbe struct {
	mu        sync.Mutex
	component backup.Component
	stats     []Stats
	idx       int
}

func (p *fakeProbe) Component() backup.Component { return p.component }

func (p *fakeProbe) Inspect(ctx context.Context) (Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats[p.idx]
	if p.idx < len(p.stats)-1 {
		p.idx++
	}
	return s, nil
}

// fakeRecovery counts restore attempts and can be told whether the restore
// actually fixes anything.
type fakeRecovery struct {
	mu        sync.Mutex
	restores  int
	backupID  string
	onRestore func()
}

func (r *fakeRecovery) LatestVerified(comp backup.Component) (string, bool) {
	if r.backupID == "" {
		return "", false
	}
	return r.backupID, true
}

func (r *fakeRecovery) Restore(ctx context.Context, id, target string) error {
	r.mu.Lock()
	r.restores++
	r.mu.Unlock()
	if r.onRestore != nil {
		r.onRestore()
	}
	return nil
}

func (r *fakeRecovery) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restores
}

func TestDetector_CleanScanUpdatesBaseline(t *testing.T) {
	d := NewDetector(nil, nil, nil, nil, nil)
	probe := &fakeProbe{
		component: backup.ComponentDatabase,
		stats:     []Stats{{RecordCount: 1000, Fingerprint: "fp-1"}},
	}
	require.NoError(t, d.RegisterProbe(probe))

	alert, err := d.Scan(context.Background(), backup.ComponentDatabase)
	require.NoError(t, err)
	assert.Nil(t, alert)
	assert.Equal(t, StateIdle, d.State(backup.ComponentDatabase))
}

func TestDetector_FormatBreakingIsHighSeverity(t *testing.T) {
	d := NewDetector(nil, nil, nil, nil, nil)
	probe := &fakeProbe{
		component: backup.ComponentConfiguration,
		stats: []Stats{
			{RecordCount: 100, Fingerprint: "fp"},
			{RecordCount: 100, FormatErrors: 3, Fingerprint: "fp", SampleBad: []string{"cfg-17"}},
		},
	}
	require.NoError(t, d.RegisterProbe(probe))
	ctx := context.Background()

	_, err := d.Scan(ctx, backup.ComponentConfiguration)
	require.NoError(t, err)

	alert, err := d.Scan(ctx, backup.ComponentConfiguration)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, SeverityHigh, alert.Severity)
	assert.Contains(t, alert.Evidence.Description, "format validation")
	assert.Equal(t, []string{"cfg-17"}, alert.Evidence.SampleRecords)
}

func TestDetector_RowCountDeltaIsStatistical(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RowCountDeltaPct = 0.3
	cfg.MediumFraction = 0.2
	d := NewDetector(cfg, nil, nil, nil, nil)
	probe := &fakeProbe{
		component: backup.ComponentDatabase,
		stats: []Stats{
			{RecordCount: 1000, Fingerprint: "fp"},
			{RecordCount: 600, Fingerprint: "fp"}, // 40% drop: low
		},
	}
	require.NoError(t, d.RegisterProbe(probe))
	ctx := context.Background()

	_, err := d.Scan(ctx, backup.ComponentDatabase)
	require.NoError(t, err)

	alert, err := d.Scan(ctx, backup.ComponentDatabase)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, SeverityLow, alert.Severity)
	assert.Equal(t, RecoveryNone, alert.RecoveryAction, "low severity does not auto-restore by default")
}

func TestDetector_AutoRecoveryResolvesAlert(t *testing.T) {
	probe := &fakeProbe{
		component: backup.ComponentDatabase,
		stats: []Stats{
			{RecordCount: 1000, Fingerprint: "fp"},
			{RecordCount: 1000, FormatErrors: 10, Fingerprint: "fp"},
		},
	}
	rec := &fakeRecovery{backupID: "bk-1"}
	// The restore fixes the data: the confirming re-scan sees clean stats.
	rec.onRestore = func() {
		probe.mu.Lock()
		probe.stats = append(probe.stats, Stats{RecordCount: 1000, Fingerprint: "fp"})
		probe.idx = len(probe.stats) - 1
		probe.mu.Unlock()
	}

	bus := events.NewBus(64)
	d := NewDetector(nil, rec, nil, bus, nil)
	require.NoError(t, d.RegisterProbe(probe))
	ctx := context.Background()

	_, err := d.Scan(ctx, backup.ComponentDatabase)
	require.NoError(t, err)

	alert, err := d.Scan(ctx, backup.ComponentDatabase)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, RecoveryAutoRestored, alert.RecoveryAction)
	assert.NotNil(t, alert.ResolvedAt, "resolved only after restore plus clean re-scan")
}

func TestDetector_CircuitBreakerAfterOneAttempt(t *testing.T) {
	// The corruption persists: every inspection after the restore still
	// reports format errors.
	probe := &fakeProbe{
		component: backup.ComponentDatabase,
		stats: []Stats{
			{RecordCount: 1000, Fingerprint: "fp"},
			{RecordCount: 1000, FormatErrors: 10, Fingerprint: "fp"},
		},
	}
	rec := &fakeRecovery{backupID: "bk-1"}
	d := NewDetector(nil, rec, nil, nil, nil)
	require.NoError(t, d.RegisterProbe(probe))
	ctx := context.Background()

	_, err := d.Scan(ctx, backup.ComponentDatabase)
	require.NoError(t, err)

	alert, err := d.Scan(ctx, backup.ComponentDatabase)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, 1, rec.count(), "exactly one restore attempt")
	assert.Equal(t, RecoveryManualRequired, alert.RecoveryAction)
	assert.Nil(t, alert.ResolvedAt)

	// Further scans surface the same alert and never restore again.
	for i := 0; i < 3; i++ {
		again, err := d.Scan(ctx, backup.ComponentDatabase)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, alert.ID, again.ID)
	}
	assert.Equal(t, 1, rec.count(), "circuit breaker holds across scans")
}

func TestDetector_ConcurrentScansAcrossComponents(t *testing.T) {
	// Both components stay corrupted, so each scan walks the escalate and
	// circuit-breaker paths. Run under -race: the breaker bookkeeping is
	// shared state and concurrent scans are the scheduler's normal mode.
	components := []backup.Component{backup.ComponentDatabase, backup.ComponentModelArtifacts}
	rec := &fakeRecovery{backupID: "bk-1"}
	d := NewDetector(nil, rec, nil, nil, nil)
	for _, comp := range components {
		require.NoError(t, d.RegisterProbe(&fakeProbe{
			component: comp,
			stats: []Stats{
				{RecordCount: 100, Fingerprint: "fp"},
				{RecordCount: 100, FormatErrors: 5, Fingerprint: "fp"},
			},
		}))
	}
	ctx := context.Background()

	// Establish baselines serially, then scan concurrently, repeatedly.
	for _, comp := range components {
		_, err := d.Scan(ctx, comp)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for round := 0; round < 4; round++ {
		for _, comp := range components {
			wg.Add(1)
			go func(comp backup.Component) {
				defer wg.Done()
				alert, err := d.Scan(ctx, comp)
				assert.NoError(t, err)
				assert.NotNil(t, alert)
			}(comp)
		}
		wg.Wait()
	}
	assert.Equal(t, 2, rec.count(), "one restore attempt per component")
}

func TestDetector_NoVerifiedBackupEscalates(t *testing.T) {
	probe := &fakeProbe{
		component: backup.ComponentModelArtifacts,
		stats: []Stats{
			{RecordCount: 10, Fingerprint: "fp"},
			{RecordCount: 10, FormatErrors: 1, Fingerprint: "fp"},
		},
	}
	rec := &fakeRecovery{} // no verified backups at all
	d := NewDetector(nil, rec, nil, nil, nil)
	require.NoError(t, d.RegisterProbe(probe))
	ctx := context.Background()

	_, err := d.Scan(ctx, backup.ComponentModelArtifacts)
	require.NoError(t, err)

	alert, err := d.Scan(ctx, backup.ComponentModelArtifacts)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, RecoveryManualRequired, alert.RecoveryAction)
	assert.Zero(t, rec.count())
}
