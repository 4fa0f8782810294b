package backup

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/docvault/docvault/internal/events"
	"github.com/docvault/docvault/internal/logging"
	"github.com/docvault/docvault/internal/manifest"
	"github.com/docvault/docvault/internal/runs"
	"github.com/docvault/docvault/internal/tree"
)

var errNoDirectory = errors.New("folder has no local directory")

// downloadProject materializes one enumerated project below the run
// directory: every folder is created first, then files are copied or
// downloaded with bounded parallelism. File failures are recorded, never
// returned.
func (p *Pipeline) downloadProject(ctx context.Context, runID string, run runs.Run, engine *manifest.Engine, pr *ProjectRun) {
	project := pr.Project
	pr.StartedAt = time.Now()
	defer func() {
		pr.FinishedAt = time.Now()
		s := pr.Summarize()
		logging.Info("project finished",
			logging.String("project", project.Name),
			logging.String("status", string(s.Status)),
			logging.Int("copied", s.CopiedFiles),
			logging.Int("downloaded", s.DownloadedFiles),
			logging.Int("failed", s.FailedFiles),
			logging.Duration("elapsed", pr.FinishedAt.Sub(pr.StartedAt)))
		p.opts.Events.Publish(events.Event{
			Type:    events.EventProjectFinished,
			RunID:   runID,
			Project: project.Name,
			Status:  string(s.Status),
			Files:   s.CopiedFiles + s.DownloadedFiles,
			Bytes:   s.Bytes,
			Error:   s.Error,
		})
	}()

	p.opts.Events.Publish(events.Event{Type: events.EventProjectStarted, RunID: runID, Project: project.Name})
	if project.Tree == nil || project.Tree.Root() == nil {
		if pr.Err == nil {
			pr.Err = errors.New("project was not enumerated")
		}
		return
	}
	root := project.Tree.Root()

	projectDir := filepath.Join(run.Path, project.LocalName())
	if _, err := root.CreateDirectory(projectDir); err != nil {
		pr.Err = err
		for f := range root.FilesRecursive() {
			p.fail(runID, engine, pr, f, err)
		}
		return
	}
	for folder := range root.SubfoldersRecursive() {
		if _, err := folder.CreateDirectory(projectDir); err != nil {
			logging.Warn("cannot create folder", logging.String("path", folder.Path(root)), logging.Err(err))
		}
	}

	var g errgroup.Group
	g.SetLimit(p.opts.DownloadConcurrency)
	for f := range root.FilesRecursive() {
		if ctx.Err() != nil {
			p.fail(runID, engine, pr, f, ctx.Err())
			continue
		}
		g.Go(func() error {
			p.transfer(ctx, runID, engine, pr, f)
			return nil
		})
	}
	g.Wait()
}

// transfer copies f from the previous run when its metadata is unchanged and
// downloads it otherwise. A failed copy falls back to a download.
func (p *Pipeline) transfer(ctx context.Context, runID string, engine *manifest.Engine, pr *ProjectRun, f *tree.File) {
	key := manifest.FileKey(pr.Project, f)
	folder := f.Folder()
	if folder == nil || folder.LocalDir() == "" {
		p.fail(runID, engine, pr, f, errNoDirectory)
		return
	}

	if engine.ShouldReuse(f, key) {
		if _, err := engine.Reuse(ctx, f, key); err == nil {
			pr.recordCopied(f)
			return
		} else if ctx.Err() != nil {
			p.fail(runID, engine, pr, f, ctx.Err())
			return
		} else {
			logging.Warn("copy from previous backup failed, downloading",
				logging.String("path", key), logging.Err(err))
		}
	}

	if _, err := p.dir.DownloadFile(ctx, f, folder.LocalDir()); err != nil {
		p.fail(runID, engine, pr, f, err)
		return
	}
	engine.RecordDownload(f, key)
	pr.recordDownloaded(f)
}

func (p *Pipeline) fail(runID string, engine *manifest.Engine, pr *ProjectRun, f *tree.File, err error) {
	key := manifest.FileKey(pr.Project, f)
	engine.RecordFailure()
	pr.recordFailure(key)
	if !errors.Is(err, context.Canceled) {
		logging.Error("file failed", logging.String("path", key), logging.Int("attempts", f.Attempts), logging.Err(err))
	}
	p.opts.Events.Publish(events.Event{
		Type:    events.EventFileFailed,
		RunID:   runID,
		Project: pr.Project.Name,
		Path:    key,
		Error:   err.Error(),
	})
}
