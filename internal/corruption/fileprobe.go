package corruption

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/FairForge/bastion/internal/backup"
)

const maxBadSamples = 5

// FileProbe inspects a component backed by a directory tree. Record count
// is the number of regular files, a format error is a file the probe cannot
// read, and the fingerprint covers every file's path and content.
type FileProbe struct {
	component backup.Component
	root      string
}

func NewFileProbe(comp backup.Component, root string) (*FileProbe, error) {
	if comp == "" {
		return nil, fmt.Errorf("file probe: component required")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("file probe %s: %w", comp, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("file probe %s: %s is not a directory", comp, root)
	}
	return &FileProbe{component: comp, root: root}, nil
}

func (p *FileProbe) Component() backup.Component { return p.component }

func (p *FileProbe) Inspect(ctx context.Context) (Stats, error) {
	var (
		stats Stats
		paths []string
		sums  = make(map[string]string)
	)
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		stats.RecordCount++

		sum, err := hashFile(path)
		if err != nil {
			stats.FormatErrors++
			if len(stats.SampleBad) < maxBadSamples {
				stats.SampleBad = append(stats.SampleBad, rel)
			}
			return nil
		}
		paths = append(paths, rel)
		sums[rel] = sum
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("inspect %s: %w", p.component, err)
	}

	// Order-independent fingerprint over the whole tree.
	sort.Strings(paths)
	h := sha256.New()
	for _, rel := range paths {
		fmt.Fprintf(h, "%s\x00%s\x00", rel, sums[rel])
	}
	stats.Fingerprint = hex.EncodeToString(h.Sum(nil))
	return stats, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
