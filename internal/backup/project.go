package backup

import (
	"strings"
	"sync"
	"time"

	"github.com/docvault/docvault/internal/tree"
)

// Status is the outcome of a project or of a whole run.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialFailure Status = "partial_failure"
	StatusError          Status = "error"
)

// ProjectRun is one project's passage through the pipeline: the project plus
// its timings and transfer counters. The enumeration stage owns it until it is
// queued, the download stage afterwards.
type ProjectRun struct {
	Project *tree.Project

	EnumerationStarted  time.Time
	EnumerationFinished time.Time
	StartedAt           time.Time // download stage
	FinishedAt          time.Time

	// Err is set when the project could not be enumerated or materialized at all.
	Err error
	// FolderErrors counts subfolders whose listing failed.
	FolderErrors int

	mu              sync.Mutex
	copiedFiles     int
	downloadedFiles int
	failedFiles     int
	bytes           int64
	failures        []string
}

// NewProjectRun wraps a project for a run.
func NewProjectRun(p *tree.Project) *ProjectRun {
	return &ProjectRun{Project: p}
}

func (r *ProjectRun) recordCopied(f *tree.File) {
	r.mu.Lock()
	r.copiedFiles++
	r.bytes += f.WrittenSize
	r.mu.Unlock()
}

func (r *ProjectRun) recordDownloaded(f *tree.File) {
	r.mu.Lock()
	r.downloadedFiles++
	r.bytes += f.WrittenSize
	r.mu.Unlock()
}

func (r *ProjectRun) recordFailure(path string) {
	r.mu.Lock()
	r.failedFiles++
	r.failures = append(r.failures, path)
	r.mu.Unlock()
}

// Status derives the project status from its errors and counters.
func (r *ProjectRun) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	ok := r.copiedFiles + r.downloadedFiles
	switch {
	case (r.Err != nil || r.failedFiles > 0) && ok == 0:
		return StatusError
	case r.Err != nil || r.failedFiles > 0 || r.FolderErrors > 0:
		return StatusPartialFailure
	default:
		return StatusSuccess
	}
}

// SelectProjects filters all by include, matching project ids exactly and
// names case-insensitively. An empty include list selects every project.
// Entries that matched nothing are returned as unmatched.
func SelectProjects(all []*tree.Project, include []string) (selected []*tree.Project, unmatched []string) {
	if len(include) == 0 {
		return all, nil
	}
	matched := make([]bool, len(include))
	for _, p := range all {
		for i, want := range include {
			if p.ID == want || strings.EqualFold(p.Name, want) {
				selected = append(selected, p)
				matched[i] = true
				break
			}
		}
	}
	for i, ok := range matched {
		if !ok {
			unmatched = append(unmatched, include[i])
		}
	}
	return selected, unmatched
}
