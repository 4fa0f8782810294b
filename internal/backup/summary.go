package backup

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/docvault/docvault/internal/history"
	"github.com/docvault/docvault/internal/manifest"
)

// SummaryFileName is the summary file name inside a run directory.
const SummaryFileName = "backup-summary.json"

// ProjectSummary is the summary line of one project.
type ProjectSummary struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Status              Status    `json:"status"`
	EnumerationStarted  time.Time `json:"enumerationStarted"`
	EnumerationFinished time.Time `json:"enumerationFinished"`
	StartedAt           time.Time `json:"startedAt"`
	FinishedAt          time.Time `json:"finishedAt"`
	Folders             int       `json:"folders"`
	Files               int       `json:"files"`
	CopiedFiles         int       `json:"copiedFiles"`
	DownloadedFiles     int       `json:"downloadedFiles"`
	FailedFiles         int       `json:"failedFiles"`
	FolderErrors        int       `json:"folderErrors,omitempty"`
	Bytes               int64     `json:"bytes"`
	Failures            []string  `json:"failures,omitempty"`
	Error               string    `json:"error,omitempty"`
}

// Summarize builds the summary line of a finished project run.
func (r *ProjectRun) Summarize() ProjectSummary {
	s := ProjectSummary{
		ID:                  r.Project.ID,
		Name:                r.Project.Name,
		Status:              r.Status(),
		EnumerationStarted:  r.EnumerationStarted,
		EnumerationFinished: r.EnumerationFinished,
		StartedAt:           r.StartedAt,
		FinishedAt:          r.FinishedAt,
		FolderErrors:        r.FolderErrors,
	}
	if r.Err != nil {
		s.Error = r.Err.Error()
	}
	if t := r.Project.Tree; t != nil {
		s.Folders = t.FolderCount()
		for range t.Root().FilesRecursive() {
			s.Files++
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s.CopiedFiles = r.copiedFiles
	s.DownloadedFiles = r.downloadedFiles
	s.FailedFiles = r.failedFiles
	s.Bytes = r.bytes
	s.Failures = append([]string(nil), r.failures...)
	return s
}

// Summary describes a whole run.
type Summary struct {
	RunID       string    `json:"runId"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	RunDir      string    `json:"runDir"`
	Status      Status    `json:"status"`
	Cancelled   bool      `json:"cancelled,omitempty"`
	Incremental bool      `json:"incremental"`
	PreviousRun string    `json:"previousRun,omitempty"`

	Projects []ProjectSummary `json:"projects"`
	Stats    manifest.Stats   `json:"stats"`

	// Efficiency is the share of bytes copied from the previous run, in percent.
	Efficiency float64 `json:"efficiency"`

	ActiveTime time.Duration `json:"activeTimeNs"`
	IdleTime   time.Duration `json:"idleTimeNs"`

	ManifestPath string   `json:"manifestPath,omitempty"`
	Rotated      []string `json:"rotated,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

// Duration is the wall-clock time of the run.
func (s *Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// PipelineEfficiency is the share of download-stage time spent transferring
// rather than waiting for enumeration, in percent.
func (s *Summary) PipelineEfficiency() float64 {
	total := s.ActiveTime + s.IdleTime
	if total <= 0 {
		return 0
	}
	return math.Round(float64(s.ActiveTime)/float64(total)*10000) / 100
}

// FailedProjects counts projects that did not succeed.
func (s *Summary) FailedProjects() int {
	n := 0
	for _, p := range s.Projects {
		if p.Status != StatusSuccess {
			n++
		}
	}
	return n
}

// finalize derives the run status from the project statuses.
func (s *Summary) finalize() {
	s.Efficiency = s.Stats.Efficiency()
	errored := 0
	for _, p := range s.Projects {
		if p.Status == StatusError {
			errored++
		}
	}
	switch {
	case s.Cancelled || (len(s.Projects) > 0 && errored == len(s.Projects)):
		s.Status = StatusError
	case s.FailedProjects() > 0:
		s.Status = StatusPartialFailure
	default:
		s.Status = StatusSuccess
	}
}

// Save writes the summary as JSON into dir.
func (s *Summary) Save(dir string) (string, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode summary: %w", err)
	}
	target := filepath.Join(dir, SummaryFileName)
	if err := os.WriteFile(target, data, 0644); err != nil {
		return "", fmt.Errorf("write summary: %w", err)
	}
	return target, nil
}

// HistoryRecord converts the summary into a run history record.
func (s *Summary) HistoryRecord() history.Record {
	return history.Record{
		RunID:           s.RunID,
		StartedAt:       s.StartedAt,
		FinishedAt:      s.FinishedAt,
		RunDir:          s.RunDir,
		Status:          string(s.Status),
		Projects:        len(s.Projects),
		FailedProjects:  s.FailedProjects(),
		CopiedFiles:     s.Stats.CopiedFiles,
		CopiedBytes:     s.Stats.CopiedBytes,
		DownloadedFiles: s.Stats.DownloadedFiles,
		DownloadedBytes: s.Stats.DownloadedBytes,
		FailedFiles:     s.Stats.FailedFiles,
		Efficiency:      s.Efficiency,
	}
}
