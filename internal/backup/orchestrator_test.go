package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/bastion/internal/crypto"
	"github.com/FairForge/bastion/internal/events"
	"github.com/FairForge/bastion/internal/storage"
)

// fakeSource serves deterministic component data and records restores.
type fakeSource struct {
	mu          sync.Mutex
	component   Component
	data        []byte
	marker      uint64
	targets     map[string][]byte
	snapGate    chan struct{} // when set, Snapshot blocks until closed
	snapStarted chan struct{} // closed when a gated Snapshot begins
	applyErr    error
	gateOnce    sync.Once
}

func newFakeSource(comp Component, data []byte) *fakeSource {
	return &fakeSource{component: comp, data: data, targets: make(map[string][]byte)}
}

func (f *fakeSource) Component() Component { return f.component }

func (f *fakeSource) Snapshot(ctx context.Context) ([]byte, uint64, error) {
	if f.snapGate != nil {
		f.gateOnce.Do(func() { close(f.snapStarted) })
		select {
		case <-f.snapGate:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marker++
	return append([]byte(nil), f.data...), f.marker, nil
}

func (f *fakeSource) Apply(ctx context.Context, target string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.targets[target] = append([]byte(nil), data...)
	return nil
}

func (f *fakeSource) targetData(target string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.targets[target]
}

type fixture struct {
	dir     string
	orch    *Orchestrator
	catalog *Catalog
	sources *SourceRegistry
	bus     *events.Bus
}

func newFixture(t *testing.T, cfg *OrchestratorConfig) *fixture {
	t.Helper()

	dir := t.TempDir()
	gw := storage.NewGateway(
		storage.NewLocalDriver(dir, nil),
		storage.NewRetryPolicy(storage.WithInitialDelay(time.Millisecond)),
	)

	km, err := crypto.NewKeyManager(&crypto.KeyManagerConfig{MasterKey: bytes.Repeat([]byte{7}, 32)})
	require.NoError(t, err)
	enc, err := crypto.NewService(nil, km, nil)
	require.NoError(t, err)

	catalog := NewCatalog(nil, nil)
	sources := NewSourceRegistry()
	bus := events.NewBus(256)

	return &fixture{
		dir:     dir,
		orch:    NewOrchestrator(cfg, gw, enc, catalog, sources, bus, nil),
		catalog: catalog,
		sources: sources,
		bus:     bus,
	}
}

func syntheticDataset(n int) []byte {
	r := rand.New(rand.NewSource(1))
	data := make([]byte, n)
	r.Read(data)
	return data
}

func TestOrchestrator_FullBackupRoundTrip(t *testing.T) {
	fx := newFixture(t, nil)
	dataset := syntheticDataset(10 << 20) // 10 MB synthetic database
	src := newFakeSource(ComponentDatabase, dataset)
	require.NoError(t, fx.sources.Register(src))
	ctx := context.Background()

	rec, err := fx.orch.CreateBackup(ctx, ComponentDatabase, ModeFull)
	require.NoError(t, err)
	assert.True(t, rec.Verified, "self-verification marks the record trusted")
	assert.NotEmpty(t, rec.Checksum)
	assert.Equal(t, ModeFull, rec.Mode)

	ok, err := fx.orch.VerifyBackup(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	result, err := fx.orch.RestoreBackup(ctx, rec.ID, "scratch-1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(dataset)), result.BytesRestored)
	assert.Equal(t, uint64(1), result.Marker)
	assert.Equal(t, dataset, src.targetData("scratch-1"), "restore must be bit-for-bit")

	// Restoring the same backup twice onto a clean target is idempotent.
	_, err = fx.orch.RestoreBackup(ctx, rec.ID, "scratch-1")
	require.NoError(t, err)
	assert.Equal(t, dataset, src.targetData("scratch-1"))
}

func TestOrchestrator_IncrementalBackupRoundTrip(t *testing.T) {
	fx := newFixture(t, nil)
	dataset := syntheticDataset(3 << 20)
	src := newFakeSource(ComponentModelArtifacts, dataset)
	require.NoError(t, fx.sources.Register(src))
	ctx := context.Background()

	rec, err := fx.orch.CreateBackup(ctx, ComponentModelArtifacts, ModeIncremental)
	require.NoError(t, err)
	assert.True(t, rec.Verified)

	ok, err := fx.orch.VerifyBackup(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = fx.orch.RestoreBackup(ctx, rec.ID, "scratch")
	require.NoError(t, err)
	assert.Equal(t, dataset, src.targetData("scratch"))

	// An unchanged dataset dedupes: the second incremental reuses chunks.
	rec2, err := fx.orch.CreateBackup(ctx, ComponentModelArtifacts, ModeIncremental)
	require.NoError(t, err)
	_, err = fx.orch.RestoreBackup(ctx, rec2.ID, "scratch-2")
	require.NoError(t, err)
	assert.Equal(t, dataset, src.targetData("scratch-2"))
}

func corruptArtifact(t *testing.T, dir string, rec *Record) {
	t.Helper()
	path := filepath.Join(dir, "backups", string(rec.Component), rec.ID+".bak")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0x01 // flip one byte
	require.NoError(t, os.WriteFile(path, data, 0600))
}

func TestOrchestrator_TamperDetection(t *testing.T) {
	fx := newFixture(t, nil)
	src := newFakeSource(ComponentDatabase, syntheticDataset(10<<20))
	require.NoError(t, fx.sources.Register(src))
	ctx := context.Background()

	rec, err := fx.orch.CreateBackup(ctx, ComponentDatabase, ModeFull)
	require.NoError(t, err)

	ok, err := fx.orch.VerifyBackup(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, ok, "pristine backup verifies")

	corruptArtifact(t, fx.dir, rec)

	ok, err = fx.orch.VerifyBackup(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, ok, "flipped byte must fail verification")

	_, err = fx.orch.RestoreBackup(ctx, rec.ID, "scratch")
	require.Error(t, err)
	var rfe *RestoreFailedError
	require.True(t, errors.As(err, &rfe))
	var ie *crypto.IntegrityError
	assert.True(t, errors.As(err, &ie), "corrupted data surfaces as integrity error, never as silent data")
	assert.Nil(t, src.targetData("scratch"), "no corrupted bytes reach the target")

	failedBy, failed := fx.orch.TargetFailed("scratch")
	assert.True(t, failed, "target explicitly marked restore-failed")
	assert.Equal(t, rec.ID, failedBy)
}

func TestOrchestrator_ConcurrentCreateConflict(t *testing.T) {
	fx := newFixture(t, nil)
	src := newFakeSource(ComponentConfiguration, []byte("config data"))
	src.snapGate = make(chan struct{})
	src.snapStarted = make(chan struct{})
	require.NoError(t, fx.sources.Register(src))
	ctx := context.Background()

	firstDone := make(chan error, 1)
	go func() {
		_, err := fx.orch.CreateBackup(ctx, ComponentConfiguration, ModeFull)
		firstDone <- err
	}()

	// Wait until the first call holds the component lock inside Snapshot.
	<-src.snapStarted

	_, err := fx.orch.CreateBackup(ctx, ComponentConfiguration, ModeFull)
	assert.True(t, errors.Is(err, ErrConcurrencyConflict), "second concurrent create must be a benign conflict")

	close(src.snapGate)
	require.NoError(t, <-firstDone)

	assert.Len(t, fx.catalog.List(ComponentConfiguration), 1, "exactly one record in the catalog")
}

func TestOrchestrator_RetentionFloor(t *testing.T) {
	cfg := DefaultOrchestratorConfig()
	cfg.RetentionDays = -1 // every record is born expired
	fx := newFixture(t, cfg)
	src := newFakeSource(ComponentDatabase, []byte("rows"))
	require.NoError(t, fx.sources.Register(src))
	ctx := context.Background()

	var last *Record
	for i := 0; i < 3; i++ {
		rec, err := fx.orch.CreateBackup(ctx, ComponentDatabase, ModeFull)
		require.NoError(t, err)
		last = rec
	}

	pruned, err := fx.orch.PruneExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)
	assert.Equal(t, 1, fx.catalog.VerifiedCount(ComponentDatabase))

	// Repeated pruning never reduces the floor below one verified backup.
	for i := 0; i < 3; i++ {
		pruned, err = fx.orch.PruneExpired(ctx)
		require.NoError(t, err)
		assert.Zero(t, pruned)
	}
	_, ok := fx.catalog.Get(last.ID)
	assert.True(t, ok, "newest verified backup survives")
}

func TestOrchestrator_VerifyMissingArtifact(t *testing.T) {
	fx := newFixture(t, nil)
	src := newFakeSource(ComponentConfiguration, []byte("settings"))
	require.NoError(t, fx.sources.Register(src))
	ctx := context.Background()

	rec, err := fx.orch.CreateBackup(ctx, ComponentConfiguration, ModeFull)
	require.NoError(t, err)

	// A record whose artifact is gone fails VerifyBackup with a storage
	// error, not a false "verified" result.
	require.NoError(t, os.Remove(filepath.Join(fx.dir, "backups", "configuration", rec.ID+".bak")))
	_, err = fx.orch.VerifyBackup(ctx, rec.ID)
	require.Error(t, err)
	assert.True(t, storage.IsPermanent(err))
}

func TestCatalog_MarkerMonotonicity(t *testing.T) {
	c := NewCatalog(nil, nil)
	ctx := context.Background()

	add := func(id string, marker uint64) error {
		return c.Add(ctx,
			&Record{ID: id, Component: ComponentDatabase, Mode: ModeFull, CreatedAt: time.Now()},
			&RecoveryPoint{BackupID: id, Component: ComponentDatabase, Marker: marker, CreatedAt: time.Now()})
	}

	require.NoError(t, add("bk-1", 5))
	require.NoError(t, add("bk-2", 6))

	err := add("bk-3", 6)
	require.Error(t, err, "recovery point markers must increase")
	err = add("bk-4", 2)
	require.Error(t, err)
}

func TestOrchestrator_EmitsEventsForOutcomes(t *testing.T) {
	fx := newFixture(t, nil)
	src := newFakeSource(ComponentDatabase, []byte("rows"))
	require.NoError(t, fx.sources.Register(src))
	ctx := context.Background()

	rec, err := fx.orch.CreateBackup(ctx, ComponentDatabase, ModeFull)
	require.NoError(t, err)
	_, err = fx.orch.RestoreBackup(ctx, rec.ID, "scratch")
	require.NoError(t, err)

	seen := map[events.Type]bool{}
	for {
		select {
		case ev := <-fx.bus.Events():
			seen[ev.Type] = true
		default:
			goto done
		}
	}
done:
	for _, want := range []events.Type{events.BackupStarted, events.BackupCompleted, events.RestoreStarted, events.RestoreCompleted} {
		assert.True(t, seen[want], fmt.Sprintf("expected event %s", want))
	}
}
