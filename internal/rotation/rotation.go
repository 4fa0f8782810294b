// Package rotation deletes the oldest backup runs beyond a retention limit.
package rotation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docvault/docvault/internal/logging"
	"github.com/docvault/docvault/internal/runs"
)

// ErrProtected is returned when a protected directory would be deleted.
var ErrProtected = errors.New("directory is protected")

// Config holds rotation settings.
type Config struct {
	Root   string // backup root holding run directories
	Keep   int    // previous runs to keep besides the active one; negative disables rotation
	Active string // name of the active run, never deleted

	// Executable is the running program's path. Directories containing it
	// are never deleted. Defaults to os.Executable().
	Executable string
}

// Result lists what a rotation pass did.
type Result struct {
	Deleted []string
	Kept    []string
}

// Rotate deletes the oldest run directories below cfg.Root until at most
// cfg.Keep previous runs remain. The active run and directories containing
// the executable are not counted and never deleted.
func Rotate(cfg Config) (Result, error) {
	var res Result
	if cfg.Keep < 0 {
		return res, nil
	}

	all, err := runs.List(cfg.Root)
	if err != nil {
		return res, err
	}

	exe := cfg.Executable
	if exe == "" {
		exe, _ = os.Executable()
	}
	exe = resolve(exe)

	// Newest first.
	var candidates []runs.Run
	for _, r := range all {
		if r.Name == cfg.Active {
			continue
		}
		if exe != "" && contains(resolve(r.Path), exe) {
			logging.Warn("skipping run directory containing the executable", logging.String("path", r.Path))
			continue
		}
		candidates = append(candidates, r)
	}

	var errs []error
	for len(candidates) > cfg.Keep {
		oldest := candidates[len(candidates)-1]
		candidates = candidates[:len(candidates)-1]

		if err := remove(oldest.Path, cfg.Root, exe); err != nil {
			logging.Error("rotation failed", logging.String("path", oldest.Path), logging.Err(err))
			errs = append(errs, err)
			continue
		}
		logging.Info("rotated old backup", logging.String("path", oldest.Path))
		res.Deleted = append(res.Deleted, oldest.Path)
	}
	for _, r := range candidates {
		res.Kept = append(res.Kept, r.Path)
	}
	return res, errors.Join(errs...)
}

func remove(dir, root, exe string) error {
	resolved := resolve(dir)
	if resolved == resolve(root) || (exe != "" && contains(resolved, exe)) {
		return fmt.Errorf("%w: %s", ErrProtected, dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	return nil
}

// contains reports whether path is dir or lies below it.
func contains(dir, path string) bool {
	if dir == path {
		return true
	}
	return strings.HasPrefix(path, strings.TrimRight(dir, string(filepath.Separator))+string(filepath.Separator))
}

func resolve(p string) string {
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if target, err := filepath.EvalSymlinks(p); err == nil {
		p = target
	}
	return filepath.Clean(p)
}
