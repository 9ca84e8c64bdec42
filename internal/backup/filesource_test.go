package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		require.NoError(t, err)
		if info.Mode().IsRegular() {
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			rel, err := filepath.Rel(root, path)
			require.NoError(t, err)
			out[filepath.ToSlash(rel)] = string(data)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestFileSource_SnapshotApplyRoundTrip(t *testing.T) {
	src := t.TempDir()
	dest := filepath.Join(t.TempDir(), "restored")
	files := map[string]string{
		"app.yaml":           "replicas: 3\n",
		"secrets/keys.yaml":  "ref: vault\n",
		"nested/deep/x.conf": "x=1\n",
	}
	writeTree(t, src, files)

	fs, err := NewFileSource(ComponentConfiguration, src, map[string]string{"scratch": dest})
	require.NoError(t, err)
	ctx := context.Background()

	data, marker, err := fs.Snapshot(ctx)
	require.NoError(t, err)
	assert.NotZero(t, marker)

	require.NoError(t, fs.Apply(ctx, "scratch", data))
	assert.Equal(t, files, readTree(t, dest))

	t.Run("markers increase", func(t *testing.T) {
		_, second, err := fs.Snapshot(ctx)
		require.NoError(t, err)
		assert.Greater(t, second, marker)
	})

	t.Run("apply is idempotent", func(t *testing.T) {
		// A stale file on the target disappears on re-apply.
		require.NoError(t, os.WriteFile(filepath.Join(dest, "stale.txt"), []byte("x"), 0o600))
		require.NoError(t, fs.Apply(ctx, "scratch", data))
		assert.Equal(t, files, readTree(t, dest))
	})

	t.Run("unknown target refused", func(t *testing.T) {
		assert.Error(t, fs.Apply(ctx, "live", data))
	})
}

func TestFileSource_Validation(t *testing.T) {
	_, err := NewFileSource(Component("bogus"), "/tmp/x", nil)
	assert.Error(t, err)
	_, err = NewFileSource(ComponentDatabase, "", nil)
	assert.Error(t, err)
}
