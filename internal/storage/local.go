package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// LocalDriver implements Driver for the local filesystem.
type LocalDriver struct {
	basePath string
	logger   *zap.Logger
}

// NewLocalDriver creates a new local filesystem driver rooted at basePath.
func NewLocalDriver(basePath string, logger *zap.Logger) *LocalDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalDriver{basePath: basePath, logger: logger}
}

// Name returns the driver name.
func (d *LocalDriver) Name() string { return "local" }

// Put stores an artifact in a container.
func (d *LocalDriver) Put(ctx context.Context, container, artifact string, data io.Reader) error {
	if err := ctx.Err(); err != nil {
		return &TransientError{Op: "put", Err: err}
	}

	fullPath := filepath.Join(d.basePath, container, artifact)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0750); err != nil {
		return &PermanentError{Op: "put", Err: fmt.Errorf("create directory: %w", err)}
	}

	// Write to a temp file first so a crashed upload never leaves a
	// half-written artifact at the final key.
	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*")
	if err != nil {
		return &TransientError{Op: "put", Err: fmt.Errorf("create temp file: %w", err)}
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &TransientError{Op: "put", Err: fmt.Errorf("write data: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &TransientError{Op: "put", Err: fmt.Errorf("close temp file: %w", err)}
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		_ = os.Remove(tmpName)
		return &TransientError{Op: "put", Err: fmt.Errorf("rename: %w", err)}
	}

	d.logger.Debug("LocalDriver.Put",
		zap.String("container", container),
		zap.String("artifact", artifact))
	return nil
}

// Get retrieves an artifact from a container.
func (d *LocalDriver) Get(ctx context.Context, container, artifact string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransientError{Op: "get", Err: err}
	}

	fullPath := filepath.Join(d.basePath, container, artifact)
	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &PermanentError{Op: "get", Err: fmt.Errorf("%s/%s: %w", container, artifact, ErrNotFound)}
		}
		return nil, &TransientError{Op: "get", Err: err}
	}
	return f, nil
}

// Delete removes an artifact from a container.
func (d *LocalDriver) Delete(ctx context.Context, container, artifact string) error {
	if err := ctx.Err(); err != nil {
		return &TransientError{Op: "delete", Err: err}
	}

	fullPath := filepath.Join(d.basePath, container, artifact)
	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return &PermanentError{Op: "delete", Err: fmt.Errorf("%s/%s: %w", container, artifact, ErrNotFound)}
		}
		return &TransientError{Op: "delete", Err: err}
	}
	return nil
}

// List lists artifacts in a container matching prefix.
func (d *LocalDriver) List(ctx context.Context, container, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransientError{Op: "list", Err: err}
	}

	containerPath := filepath.Join(d.basePath, container)
	var artifacts []string

	err := filepath.Walk(containerPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip unreadable entries, keep walking
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(containerPath, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			artifacts = append(artifacts, rel)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, &TransientError{Op: "list", Err: err}
	}
	return artifacts, nil
}

// Exists reports whether an artifact is present.
func (d *LocalDriver) Exists(ctx context.Context, container, artifact string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, &TransientError{Op: "exists", Err: err}
	}

	fullPath := filepath.Join(d.basePath, container, artifact)
	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &TransientError{Op: "exists", Err: err}
	}
	return true, nil
}
