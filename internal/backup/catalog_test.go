package backup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/bastion/internal/storage"
)

func TestCatalog_FileStoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	gw := storage.NewGateway(
		storage.NewLocalDriver(dir, nil),
		storage.NewRetryPolicy(storage.WithInitialDelay(time.Millisecond)),
	)
	ctx := context.Background()

	first := NewCatalog(nil, nil).WithFileStore(gw, "backups")
	require.NoError(t, first.Load(ctx), "fresh install loads cleanly")

	created := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, first.Add(ctx, &Record{
		ID:        "bk-db-1",
		Component: ComponentDatabase,
		Mode:      ModeFull,
		CreatedAt: created,
		Checksum:  "abc",
	}, &RecoveryPoint{BackupID: "bk-db-1", Component: ComponentDatabase, Marker: 42, CreatedAt: created}))
	require.NoError(t, first.MarkVerified(ctx, "bk-db-1"))

	// A new process over the same storage sees the records.
	second := NewCatalog(nil, nil).WithFileStore(gw, "backups")
	require.NoError(t, second.Load(ctx))

	rec, ok := second.Get("bk-db-1")
	require.True(t, ok, "record survives the restart")
	assert.True(t, rec.Verified)
	assert.Equal(t, ComponentDatabase, rec.Component)

	point, ok := second.RecoveryPointFor("bk-db-1")
	require.True(t, ok)
	assert.Equal(t, uint64(42), point.Marker)

	// Marker monotonicity carries over: reusing an old marker is rejected.
	err := second.Add(ctx, &Record{
		ID:        "bk-db-2",
		Component: ComponentDatabase,
		Mode:      ModeFull,
		CreatedAt: time.Now(),
	}, &RecoveryPoint{BackupID: "bk-db-2", Component: ComponentDatabase, Marker: 42})
	require.Error(t, err)

	t.Run("remove persists too", func(t *testing.T) {
		require.NoError(t, second.Remove(ctx, "bk-db-1"))

		third := NewCatalog(nil, nil).WithFileStore(gw, "backups")
		require.NoError(t, third.Load(ctx))
		_, ok := third.Get("bk-db-1")
		assert.False(t, ok)
	})
}
