package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/docvault/docvault/internal/logging"
	"github.com/docvault/docvault/internal/runs"
)

// sampleSize is the number of entries checked on disk before a previous
// manifest is trusted.
const sampleSize = 10

// Previous is a validated manifest of an earlier run.
type Previous struct {
	Manifest *Manifest
	Run      runs.Run
}

// LoadLatest returns the manifest of the newest run below root other than
// exclude. Any failure (no run, missing or unreadable file, bad JSON, or a
// sample with no file on disk) is logged and yields nil, meaning a full backup.
func LoadLatest(root, exclude string) *Previous {
	all, err := runs.List(root)
	if err != nil {
		logging.Warn("cannot list previous backups, running full backup", logging.Err(err))
		return nil
	}

	for _, r := range all {
		if r.Name == exclude {
			continue
		}
		file := filepath.Join(r.Path, FileName)
		if _, err := os.Stat(file); os.IsNotExist(err) {
			continue
		}

		m, err := Load(file)
		if err != nil {
			logging.Warn("cannot load previous manifest, running full backup",
				logging.String("path", file), logging.Err(err))
			return nil
		}
		if err := Validate(m, r.Path); err != nil {
			logging.Warn("previous manifest rejected, running full backup",
				logging.String("path", file), logging.Err(err))
			return nil
		}
		logging.Info("loaded previous manifest",
			logging.String("path", file), logging.Int("entries", m.Len()))
		return &Previous{Manifest: m, Run: r}
	}

	logging.Info("no previous manifest found, running full backup")
	return nil
}

// Validate checks up to sampleSize entries of m against dir and requires at
// least one of them to exist. An empty manifest is valid.
func Validate(m *Manifest, dir string) error {
	paths := m.Paths()
	if len(paths) == 0 {
		return nil
	}
	if len(paths) > sampleSize {
		paths = paths[:sampleSize]
	}
	for _, p := range paths {
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(p))); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: none of %d sampled files exist in %s", ErrInvalidManifest, len(paths), dir)
}
