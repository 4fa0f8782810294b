// Package backup runs a backup: projects are enumerated concurrently and
// handed over a queue to a single download stage, which copies unchanged
// files from the previous run and downloads the rest.
package backup

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/docvault/docvault/internal/diskspace"
	"github.com/docvault/docvault/internal/events"
	"github.com/docvault/docvault/internal/history"
	"github.com/docvault/docvault/internal/logging"
	"github.com/docvault/docvault/internal/manifest"
	"github.com/docvault/docvault/internal/metrics"
	"github.com/docvault/docvault/internal/rotation"
	"github.com/docvault/docvault/internal/runs"
	"github.com/docvault/docvault/internal/storage"
	"github.com/docvault/docvault/internal/storage/local"
	"github.com/docvault/docvault/internal/tree"
)

// Options configures a Pipeline.
type Options struct {
	Root                   string   // backup root holding run directories
	Projects               []string // include list; empty means all
	EnumerationConcurrency int
	DownloadConcurrency    int
	Incremental            bool
	BackupsToRotate        int // negative disables rotation
	MinFreeBytes           uint64
	Executable             string // protected from rotation; defaults to os.Executable()

	Events  *events.Broadcaster // optional
	Mirror  storage.Backend     // optional off-host copy of manifest and summary
	History history.Store       // optional

	// Now defaults to time.Now.
	Now func() time.Time
}

// Pipeline runs backups against a Directory.
type Pipeline struct {
	dir  Directory
	opts Options
}

// New creates a pipeline.
func New(dir Directory, opts Options) *Pipeline {
	if opts.EnumerationConcurrency <= 0 {
		opts.EnumerationConcurrency = 4
	}
	if opts.DownloadConcurrency <= 0 {
		opts.DownloadConcurrency = 8
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{dir: dir, opts: opts}
}

// Run performs one backup. It returns an error only when the run cannot
// start: the project list cannot be fetched or the run directory cannot be
// created. Everything else is reported in the summary.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	start := p.opts.Now()
	runID := uuid.NewString()
	log := logging.WithContext(logging.WithRunID(ctx, runID))

	if _, ok := diskspace.Check(p.opts.Root, p.opts.MinFreeBytes); !ok {
		log.Warn("continuing with low disk space")
	}

	all, err := p.dir.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	selected, unmatched := SelectProjects(all, p.opts.Projects)
	for _, name := range unmatched {
		log.Warn("configured project not found", logging.String("project", name))
	}
	tree.AssignLocalNames(selected)

	run, err := runs.Create(p.opts.Root, start)
	if err != nil {
		return nil, err
	}
	store, err := local.New(local.Config{RootPath: p.opts.Root, CreateDirs: true})
	if err != nil {
		return nil, err
	}

	var prev *manifest.Previous
	if p.opts.Incremental {
		prev = manifest.LoadLatest(p.opts.Root, run.Name)
	}
	engine := manifest.NewEngine(store, run.Name, start, prev)

	summary := &Summary{
		RunID:       runID,
		StartedAt:   start,
		RunDir:      run.Path,
		Incremental: prev != nil,
	}
	if prev != nil {
		summary.PreviousRun = prev.Run.Name
	}
	for _, name := range unmatched {
		summary.Warnings = append(summary.Warnings, "project not found: "+name)
	}

	log.Info("backup started",
		logging.String("run_dir", run.Path),
		logging.Int("projects", len(selected)),
		logging.Any("incremental", summary.Incremental))
	p.opts.Events.Publish(events.Event{Type: events.EventRunStarted, RunID: runID, Path: run.Path, Files: len(selected)})

	queue := p.enumerate(ctx, runID, selected)

	waitStart := time.Now()
	for pr := range queue {
		summary.IdleTime += time.Since(waitStart)

		began := time.Now()
		p.downloadProject(ctx, runID, run, engine, pr)
		summary.ActiveTime += time.Since(began)

		ps := pr.Summarize()
		summary.Projects = append(summary.Projects, ps)
		metrics.RecordProject(string(ps.Status))
		waitStart = time.Now()
	}
	metrics.SetPipelineTimes(summary.ActiveTime, summary.IdleTime)

	summary.Cancelled = ctx.Err() != nil
	summary.Stats = engine.Stats()
	summary.finalize()

	if file, err := engine.Save(); err != nil {
		log.Error("failed to save manifest", logging.Err(err))
		summary.Warnings = append(summary.Warnings, "manifest not saved: "+err.Error())
	} else {
		summary.ManifestPath = file
	}

	// Rotation only after the manifest is on disk, and never after a failed run.
	if summary.Status != StatusError && summary.ManifestPath != "" {
		res, err := rotation.Rotate(rotation.Config{
			Root:       p.opts.Root,
			Keep:       p.opts.BackupsToRotate,
			Active:     run.Name,
			Executable: p.opts.Executable,
		})
		if err != nil {
			summary.Warnings = append(summary.Warnings, "rotation: "+err.Error())
		}
		summary.Rotated = res.Deleted
	}

	summary.FinishedAt = p.opts.Now()
	metrics.SetRunDuration(summary.Duration())

	summaryFile, err := summary.Save(run.Path)
	if err != nil {
		log.Error("failed to save summary", logging.Err(err))
	}

	// Off-host and history writes must not be cut short by a cancelled run.
	bg := context.WithoutCancel(ctx)
	p.mirror(bg, run.Name, summary.Rotated, summary.ManifestPath, summaryFile)
	p.record(bg, summary)

	log.Info("backup finished",
		logging.String("status", string(summary.Status)),
		logging.Duration("duration", summary.Duration()),
		logging.Int("copied", summary.Stats.CopiedFiles),
		logging.Int("downloaded", summary.Stats.DownloadedFiles),
		logging.Int("failed", summary.Stats.FailedFiles))
	p.opts.Events.Publish(events.Event{
		Type:   events.EventRunFinished,
		RunID:  runID,
		Status: string(summary.Status),
		Files:  summary.Stats.CopiedFiles + summary.Stats.DownloadedFiles,
		Bytes:  summary.Stats.CopiedBytes + summary.Stats.DownloadedBytes,
	})
	return summary, nil
}

// enumerate starts one enumeration task per project, bounded by the
// enumeration concurrency, and returns the queue they feed. The queue is
// closed once every task has enqueued its project, failed or not.
func (p *Pipeline) enumerate(ctx context.Context, runID string, projects []*tree.Project) <-chan *ProjectRun {
	queue := make(chan *ProjectRun, len(projects))
	sem := semaphore.NewWeighted(int64(p.opts.EnumerationConcurrency))

	var wg sync.WaitGroup
	for _, project := range projects {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pr := NewProjectRun(project)
			defer func() { queue <- pr }()

			pr.EnumerationStarted = time.Now()
			if err := sem.Acquire(ctx, 1); err != nil {
				pr.Err = err
				pr.EnumerationFinished = time.Now()
				return
			}
			defer sem.Release(1)

			pr.EnumerationStarted = time.Now()
			logging.Info("enumerating project", logging.String("project", project.Name))
			pr.Err = Enumerate(ctx, p.dir, pr)
			pr.EnumerationFinished = time.Now()

			elapsed := pr.EnumerationFinished.Sub(pr.EnumerationStarted)
			metrics.RecordEnumeration(elapsed)
			if pr.Err != nil {
				logging.Error("project enumeration failed",
					logging.String("project", project.Name), logging.Err(pr.Err))
			} else {
				logging.Info("project enumerated",
					logging.String("project", project.Name),
					logging.Int("folders", project.Tree.FolderCount()),
					logging.Duration("elapsed", elapsed))
			}
			p.opts.Events.Publish(events.Event{
				Type:    events.EventProjectEnumerated,
				RunID:   runID,
				Project: project.Name,
				Error:   errString(pr.Err),
			})
		}()
	}

	go func() {
		wg.Wait()
		close(queue)
	}()
	return queue
}

// MirrorLatest is the mirror prefix holding a copy of the newest run's
// artifacts.
const MirrorLatest = "latest"

// mirror uploads the manifest and summary of the run to the mirror backend,
// refreshes the latest alias and drops the artifacts of rotated runs.
func (p *Pipeline) mirror(ctx context.Context, runName string, rotated []string, files ...string) {
	m := p.opts.Mirror
	if m == nil {
		return
	}
	for _, file := range files {
		if file == "" {
			continue
		}
		data, err := os.ReadFile(file)
		if err != nil {
			logging.Warn("mirror: read failed", logging.String("path", file), logging.Err(err))
			continue
		}
		key := path.Join(runName, filepath.Base(file))
		if err := m.PutObject(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
			logging.Warn("mirror: upload failed", logging.String("key", key), logging.Err(err))
			continue
		}
		logging.Info("mirrored run artifact",
			logging.String("backend", m.Type()), logging.String("key", key))

		latest := path.Join(MirrorLatest, filepath.Base(file))
		if err := m.CopyObject(ctx, key, latest); err != nil {
			logging.Warn("mirror: latest alias not updated", logging.String("key", latest), logging.Err(err))
		}
	}

	for _, dir := range rotated {
		for _, base := range []string{manifest.FileName, SummaryFileName} {
			key := path.Join(filepath.Base(dir), base)
			ok, err := m.ObjectExists(ctx, key)
			if err != nil || !ok {
				continue
			}
			if err := m.DeleteObject(ctx, key); err != nil {
				logging.Warn("mirror: prune failed", logging.String("key", key), logging.Err(err))
				continue
			}
			logging.Debug("pruned mirrored artifact", logging.String("key", key))
		}
	}
}

func (p *Pipeline) record(ctx context.Context, s *Summary) {
	if p.opts.History == nil {
		return
	}
	if err := p.opts.History.Save(ctx, s.HistoryRecord()); err != nil {
		logging.Warn("failed to record run history", logging.Err(err))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
