// Package report renders backup summaries and run history for the terminal.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/docvault/docvault/internal/backup"
	"github.com/docvault/docvault/internal/history"
	"github.com/docvault/docvault/internal/manifest"
	"github.com/docvault/docvault/internal/tree"
)

var (
	Primary = lipgloss.Color("#7C3AED")
	Success = lipgloss.Color("#10B981")
	Muted   = lipgloss.Color("#6B7280")
	Warning = lipgloss.Color("#F59E0B")
	Failure = lipgloss.Color("#EF4444")

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary)

	Label = lipgloss.NewStyle().
		Foreground(Muted).
		Width(22)

	Header = lipgloss.NewStyle().
		Bold(true).
		Underline(true)
)

// StatusStyle returns the style used for a run or project status.
func StatusStyle(status string) lipgloss.Style {
	s := lipgloss.NewStyle().Bold(true)
	switch backup.Status(status) {
	case backup.StatusSuccess:
		return s.Foreground(Success)
	case backup.StatusPartialFailure:
		return s.Foreground(Warning)
	default:
		return s.Foreground(Failure)
	}
}

// Summary writes a human readable rendering of s to w.
func Summary(w io.Writer, s *backup.Summary) {
	var b strings.Builder
	b.WriteString(Title.Render("Backup "+s.RunID) + "\n\n")

	row := func(label, value string) {
		b.WriteString(Label.Render(label) + value + "\n")
	}
	row("Status", StatusStyle(string(s.Status)).Render(string(s.Status)))
	row("Directory", s.RunDir)
	row("Started", s.StartedAt.Format(time.RFC3339))
	row("Duration", s.Duration().Round(time.Second).String())
	if s.Incremental {
		row("Mode", "incremental from "+s.PreviousRun)
	} else {
		row("Mode", "full")
	}
	row("Copied", fmt.Sprintf("%s files, %s", humanize.Comma(int64(s.Stats.CopiedFiles)), humanize.IBytes(uint64(s.Stats.CopiedBytes))))
	row("Downloaded", fmt.Sprintf("%s files, %s", humanize.Comma(int64(s.Stats.DownloadedFiles)), humanize.IBytes(uint64(s.Stats.DownloadedBytes))))
	row("Failed", humanize.Comma(int64(s.Stats.FailedFiles)))
	row("Efficiency", fmt.Sprintf("%.2f%%", s.Efficiency))
	row("Pipeline utilization", fmt.Sprintf("%.2f%% (idle %s)", s.PipelineEfficiency(), s.IdleTime.Round(time.Millisecond)))
	if len(s.Rotated) > 0 {
		row("Rotated", strings.Join(s.Rotated, ", "))
	}

	if len(s.Projects) > 0 {
		b.WriteString("\n" + Header.Render("Projects") + "\n")
		for _, p := range s.Projects {
			line := fmt.Sprintf("  %-30s %s  %d copied, %d downloaded, %d failed, %s",
				p.Name,
				StatusStyle(string(p.Status)).Render(fmt.Sprintf("%-15s", p.Status)),
				p.CopiedFiles, p.DownloadedFiles, p.FailedFiles,
				humanize.IBytes(uint64(p.Bytes)))
			b.WriteString(line + "\n")
			if p.Error != "" {
				b.WriteString(lipgloss.NewStyle().Foreground(Failure).Render("    "+p.Error) + "\n")
			}
		}
	}

	for _, warning := range s.Warnings {
		b.WriteString(lipgloss.NewStyle().Foreground(Warning).Render("warning: "+warning) + "\n")
	}
	fmt.Fprint(w, b.String())
}

// History writes one line per recorded run, newest first as given.
func History(w io.Writer, records []history.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "no recorded runs")
		return
	}
	fmt.Fprintln(w, Header.Render(fmt.Sprintf("%-20s %-15s %-10s %-12s %s", "STARTED", "STATUS", "DURATION", "DOWNLOADED", "EFFICIENCY")))
	for _, r := range records {
		fmt.Fprintf(w, "%-20s %s %-10s %-12s %.2f%%  (%s)\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			StatusStyle(r.Status).Render(fmt.Sprintf("%-15s", r.Status)),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Second),
			humanize.IBytes(uint64(r.DownloadedBytes)),
			r.Efficiency,
			humanize.Time(r.StartedAt))
	}
}

// Projects writes the project list as a table. Projects whose id is in
// selected are marked.
func Projects(w io.Writer, projects []*tree.Project, selected map[string]bool) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Muted)).
		Headers("", "ID", "NAME", "ROOT FOLDER")
	for _, p := range projects {
		mark := ""
		if selected[p.ID] {
			mark = "*"
		}
		t.Row(mark, p.ID, p.Name, p.RootFolderID)
	}
	fmt.Fprintln(w, t.String())
}

// ManifestEntries writes every entry of m as a table, ordered by path.
func ManifestEntries(w io.Writer, m *manifest.Manifest) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Muted)).
		Headers("PATH", "VERSION", "SIZE", "MODIFIED")
	for _, p := range m.Paths() {
		e, _ := m.Lookup(p)
		t.Row(p, fmt.Sprint(e.Version), humanize.IBytes(uint64(e.Size)), e.LastModified.Local().Format("2006-01-02 15:04"))
	}
	fmt.Fprintln(w, t.String())
}
