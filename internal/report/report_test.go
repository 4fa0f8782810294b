package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/docvault/docvault/internal/backup"
	"github.com/docvault/docvault/internal/history"
	"github.com/docvault/docvault/internal/manifest"
	"github.com/docvault/docvault/internal/tree"
)

func TestSummary(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s := &backup.Summary{
		RunID:       "run-1",
		StartedAt:   start,
		FinishedAt:  start.Add(90 * time.Second),
		RunDir:      "/backups/2024-06-01_12-00",
		Status:      backup.StatusPartialFailure,
		Incremental: true,
		PreviousRun: "2024-05-31_12-00",
		Stats:       manifest.Stats{CopiedFiles: 1200, CopiedBytes: 3 << 20, DownloadedFiles: 4, DownloadedBytes: 1 << 20, FailedFiles: 1},
		Efficiency:  75,
		Projects: []backup.ProjectSummary{
			{Name: "Tower", Status: backup.StatusSuccess, CopiedFiles: 1200},
			{Name: "Bridge", Status: backup.StatusError, Error: "listing failed"},
		},
		Warnings: []string{"project not found: Dam"},
	}

	var buf bytes.Buffer
	Summary(&buf, s)
	out := buf.String()
	for _, want := range []string{"run-1", "partial_failure", "incremental from 2024-05-31_12-00", "1,200 files, 3.0 MiB", "75.00%", "Bridge", "listing failed", "project not found: Dam"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestHistory(t *testing.T) {
	var buf bytes.Buffer
	History(&buf, nil)
	if !strings.Contains(buf.String(), "no recorded runs") {
		t.Errorf("empty history = %q", buf.String())
	}

	buf.Reset()
	start := time.Now().Add(-time.Hour)
	History(&buf, []history.Record{{RunID: "r", StartedAt: start, FinishedAt: start.Add(time.Minute), Status: "success", DownloadedBytes: 2048, Efficiency: 12.5}})
	out := buf.String()
	for _, want := range []string{"success", "1m0s", "2.0 KiB", "12.50%"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestProjectsAndManifestTables(t *testing.T) {
	var buf bytes.Buffer
	Projects(&buf, []*tree.Project{{ID: "b.1", Name: "Tower", RootFolderID: "urn:f1"}, {ID: "b.2", Name: "Bridge"}}, map[string]bool{"b.1": true})
	for _, want := range []string{"ID", "b.1", "Tower", "urn:f1", "*", "Bridge"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("projects table missing %q:\n%s", want, buf.String())
		}
	}

	buf.Reset()
	m := manifest.New(time.Now(), "/backups/run")
	m.Add("Tower/Plan.pdf", manifest.Entry{FileID: "f", Version: 7, Size: 4096})
	ManifestEntries(&buf, m)
	for _, want := range []string{"Tower/Plan.pdf", "7", "4.0 KiB"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("manifest table missing %q:\n%s", want, buf.String())
		}
	}
}
