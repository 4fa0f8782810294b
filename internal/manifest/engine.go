package manifest

import (
	"context"
	"fmt"
	"math"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/docvault/docvault/internal/logging"
	"github.com/docvault/docvault/internal/metrics"
	"github.com/docvault/docvault/internal/storage/local"
	"github.com/docvault/docvault/internal/tree"
)

// ShouldReuse reports whether f can be copied from the previous run: prev
// holds an entry at key matching f's id, version, size and modification time.
func ShouldReuse(f *tree.File, key string, prev *Manifest) bool {
	if prev == nil {
		return false
	}
	e, ok := prev.Lookup(key)
	return ok && e.Matches(f)
}

// Stats counts copied and downloaded files of a run.
type Stats struct {
	CopiedFiles     int   `json:"copiedFiles"`
	CopiedBytes     int64 `json:"copiedBytes"`
	DownloadedFiles int   `json:"downloadedFiles"`
	DownloadedBytes int64 `json:"downloadedBytes"`
	FailedFiles     int   `json:"failedFiles"`
}

// Efficiency is the share of bytes copied instead of downloaded, in percent,
// rounded to two decimals. A run that downloaded anything never reports 100.
func (s Stats) Efficiency() float64 {
	total := s.CopiedBytes + s.DownloadedBytes
	if total == 0 {
		return 0
	}
	pct := math.Round(float64(s.CopiedBytes)/float64(total)*10000) / 100
	if pct >= 100 && s.DownloadedBytes > 0 {
		return 99.99
	}
	return pct
}

// Engine applies incremental decisions for one run. The store is rooted at
// the backup root; keys are run directory name plus backup-relative path.
// Engine is safe for concurrent use by file transfers.
type Engine struct {
	store *local.LocalBackend
	run   string
	prev  *Previous

	mu      sync.Mutex
	current *Manifest
	stats   Stats
}

// NewEngine creates an engine writing into run below store's root. prev may
// be nil for a full backup.
func NewEngine(store *local.LocalBackend, run string, backupTime time.Time, prev *Previous) *Engine {
	return &Engine{
		store:   store,
		run:     run,
		prev:    prev,
		current: New(backupTime, filepath.Join(store.Root(), run)),
	}
}

// ShouldReuse applies ShouldReuse against the previous run's manifest.
func (e *Engine) ShouldReuse(f *tree.File, key string) bool {
	if e.prev == nil {
		return false
	}
	return ShouldReuse(f, key, e.prev.Manifest)
}

// Reuse copies the file recorded under key in the previous run into the
// current run, binds it to f and records it as copied. The source is the
// path the previous manifest recorded, so case-only renames still copy.
func (e *Engine) Reuse(ctx context.Context, f *tree.File, key string) (string, error) {
	if e.prev == nil {
		return "", fmt.Errorf("no previous backup to copy from")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	recorded, _, ok := e.prev.Manifest.LookupPath(key)
	if !ok {
		return "", fmt.Errorf("%s not in previous manifest", key)
	}
	// The previous run stored the file under its recorded spelling.
	src := path.Join(e.prev.Run.Name, recorded)
	dst := path.Join(e.run, key)
	if err := e.store.CopyObject(ctx, src, dst); err != nil {
		return "", err
	}
	dstPath, err := e.store.Path(dst)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(dstPath)
	if err != nil {
		return "", fmt.Errorf("stat copy: %w", err)
	}
	if !f.LastModifiedTime.IsZero() {
		if err := os.Chtimes(dstPath, time.Now(), f.LastModifiedTime); err != nil {
			logging.Debug("set modification time failed", logging.String("path", dstPath), logging.Err(err))
		}
	}

	f.Bind(dstPath, info.Size())
	e.record(f, key, true)
	logging.Debug("reused file from previous backup", logging.String("path", key))
	return dstPath, nil
}

// RecordDownload records a file that was downloaded into the current run.
func (e *Engine) RecordDownload(f *tree.File, key string) {
	e.record(f, key, false)
	logging.Debug("downloaded file", logging.String("path", key), logging.Int64("bytes", f.WrittenSize))
}

// RecordFailure counts a file that could neither be copied nor downloaded.
func (e *Engine) RecordFailure() {
	e.mu.Lock()
	e.stats.FailedFiles++
	e.mu.Unlock()
	metrics.RecordFile("failed", 0)
}

func (e *Engine) record(f *tree.File, key string, copied bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.current.Add(key, EntryFor(f))
	if copied {
		e.stats.CopiedFiles++
		e.stats.CopiedBytes += f.WrittenSize
		metrics.RecordFile("copied", f.WrittenSize)
	} else {
		e.stats.DownloadedFiles++
		e.stats.DownloadedBytes += f.WrittenSize
		metrics.RecordFile("downloaded", f.WrittenSize)
	}
}

// Stats returns a snapshot of the run's counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Save writes the current run's manifest into the run directory.
func (e *Engine) Save() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dir, err := e.store.Path(e.run)
	if err != nil {
		return "", err
	}
	file, err := e.current.Save(dir)
	if err != nil {
		return "", err
	}
	logging.Info("manifest saved",
		logging.String("path", file), logging.Int("entries", e.current.Len()))
	return file, nil
}
