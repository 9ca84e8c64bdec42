package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/bastion/internal/scheduler"
)

func TestLoad_FileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bastion.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
backup:
  retention_days: 7
scheduler:
  tick_interval: 5s
  entries:
    - name: db-nightly
      cadence: "0 3 * * *"
      task_kind: backup
      component: database
      enabled: true
failover:
  endpoints:
    blue: http://blue.internal/healthz
    green: http://green.internal/healthz
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 7, cfg.Backup.RetentionDays)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.TickInterval)
	require.Len(t, cfg.Scheduler.Entries, 1)
	assert.Equal(t, scheduler.TaskBackup, cfg.Scheduler.Entries[0].TaskKind)
	assert.Equal(t, "http://green.internal/healthz", cfg.Failover.Endpoints["green"])

	// Untouched sections keep their defaults.
	assert.Equal(t, "local", cfg.Storage.Mode)
	assert.Equal(t, "backups", cfg.Backup.Container)
	assert.True(t, cfg.Backup.VerifyAfter)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30, cfg.Backup.RetentionDays)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BASTION_STORAGE_MODE", "s3")
	t.Setenv("BASTION_S3_BUCKET", "dr-backups")
	t.Setenv("BASTION_MASTER_KEY", "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	t.Setenv("BASTION_RETENTION_DAYS", "14")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "s3", cfg.Storage.Mode)
	assert.Equal(t, "dr-backups", cfg.Storage.Bucket)
	assert.Equal(t, 14, cfg.Backup.RetentionDays)
	assert.NotEmpty(t, cfg.Crypto.MasterKeyHex)
}

func TestValidate(t *testing.T) {
	t.Run("s3 without bucket", func(t *testing.T) {
		cfg := Default()
		cfg.Storage.Mode = "s3"
		assert.Error(t, cfg.Validate())
	})
	t.Run("unknown storage mode", func(t *testing.T) {
		cfg := Default()
		cfg.Storage.Mode = "ftp"
		assert.Error(t, cfg.Validate())
	})
	t.Run("nameless schedule entry", func(t *testing.T) {
		cfg := Default()
		cfg.Scheduler.Entries = []scheduler.ScheduleEntry{{Cadence: "@every 1h"}}
		assert.Error(t, cfg.Validate())
	})
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bastion.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":8080\"\n"), 0o600))

	var mu sync.Mutex
	var got *Config
	w := NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		got = cfg
		mu.Unlock()
	}, nil)
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":7070\"\n"), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil && got.Server.Addr == ":7070"
	}, 5*time.Second, 20*time.Millisecond)

	t.Run("broken edit keeps previous config", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte(":: not yaml ::"), 0o600))
		time.Sleep(200 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, ":7070", got.Server.Addr)
	})

	cancel()
	<-done
}
