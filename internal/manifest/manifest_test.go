package manifest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docvault/docvault/internal/storage/local"
	"github.com/docvault/docvault/internal/tree"
)

var modified = time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)

func testFile() *tree.File {
	return &tree.File{
		ID:               "item-1",
		ProjectID:        "b.p",
		VersionNumber:    3,
		Name:             "Plan.pdf",
		Size:             1024,
		LastModifiedTime: modified,
	}
}

func TestManifest_CaseInsensitiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := New(modified, dir)
	m.Add(`Tower\Drawings\Plan.pdf`, EntryFor(testFile()))

	if _, ok := m.Lookup("tower/drawings/PLAN.PDF"); !ok {
		t.Fatal("lookup should ignore case and separators")
	}

	file, err := m.Save(dir)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(file)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Len() != 1 || !loaded.BackupTime.Equal(modified) || loaded.BackupDir != dir {
		t.Fatalf("unexpected manifest: %+v", loaded)
	}
	if got := loaded.Paths(); got[0] != "Tower/Drawings/Plan.pdf" {
		t.Errorf("stored path = %q, want original casing", got[0])
	}
	e, ok := loaded.Lookup("TOWER/drawings/plan.pdf")
	if !ok || !e.Matches(testFile()) {
		t.Errorf("entry lost in round trip: %+v", e)
	}
}

func TestLoad_Invalid(t *testing.T) {
	file := filepath.Join(t.TempDir(), FileName)
	os.WriteFile(file, []byte("{not json"), 0644)

	if _, err := Load(file); !errors.Is(err, ErrInvalidManifest) {
		t.Errorf("expected ErrInvalidManifest, got %v", err)
	}
}

func TestShouldReuse_EachFieldFlipsDecision(t *testing.T) {
	prev := New(modified, "")
	prev.Add("Tower/Plan.pdf", EntryFor(testFile()))

	if !ShouldReuse(testFile(), "tower/plan.pdf", prev) {
		t.Fatal("identical metadata should be reused")
	}
	if ShouldReuse(testFile(), "Tower/Other.pdf", prev) {
		t.Error("absent path should not be reused")
	}
	if ShouldReuse(testFile(), "Tower/Plan.pdf", nil) {
		t.Error("no manifest means no reuse")
	}

	tests := []struct {
		name   string
		change func(f *tree.File)
	}{
		{"file id", func(f *tree.File) { f.ID = "item-2" }},
		{"version", func(f *tree.File) { f.VersionNumber++ }},
		{"size", func(f *tree.File) { f.Size++ }},
		{"modified", func(f *tree.File) { f.LastModifiedTime = f.LastModifiedTime.Add(time.Second) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := testFile()
			tt.change(f)
			if ShouldReuse(f, "Tower/Plan.pdf", prev) {
				t.Errorf("changed %s should force a download", tt.name)
			}
		})
	}
}

func TestFileKey(t *testing.T) {
	tr := tree.New("b.p")
	root := &tree.Folder{ID: "r", ParentID: "x-global", Name: "Project Files"}
	tr.SetRoot(root)
	sub := &tree.Folder{ID: "s", Name: "Drawings"}
	tr.AddFolder(root, sub)
	f := testFile()
	tr.AddFile(sub, f)

	p := &tree.Project{ID: "b.p", Name: "Tower: North", Tree: tr}
	if got := FileKey(p, f); got != "Tower_ North/Drawings/Plan.pdf" {
		t.Errorf("FileKey = %q", got)
	}
}

func writeRun(t *testing.T, root, name string, files ...string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	for _, f := range files {
		p := filepath.Join(dir, filepath.FromSlash(f))
		os.MkdirAll(filepath.Dir(p), 0755)
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	os.MkdirAll(dir, 0755)
	return dir
}

func TestValidate_Sampling(t *testing.T) {
	root := t.TempDir()
	dir := writeRun(t, root, "2024-01-01_00-00", "P/a.txt")

	m := New(modified, dir)
	for _, p := range []string{"P/a.txt", "P/b.txt", "P/c.txt"} {
		m.Add(p, Entry{FileID: p})
	}
	if err := Validate(m, dir); err != nil {
		t.Errorf("one existing file should validate: %v", err)
	}

	missing := New(modified, dir)
	missing.Add("P/gone.txt", Entry{})
	if err := Validate(missing, dir); !errors.Is(err, ErrInvalidManifest) {
		t.Errorf("all-missing sample should be rejected, got %v", err)
	}

	// Only the first sampleSize paths are checked.
	beyond := New(modified, dir)
	for i := 0; i < sampleSize; i++ {
		beyond.Add("A/missing-"+string(rune('a'+i))+".txt", Entry{})
	}
	beyond.Add("P/a.txt", Entry{})
	if err := Validate(beyond, dir); err == nil {
		t.Error("existing file outside the sample should not rescue the manifest")
	}

	if err := Validate(New(modified, dir), dir); err != nil {
		t.Errorf("empty manifest should validate: %v", err)
	}
}

func TestLoadLatest(t *testing.T) {
	root := t.TempDir()

	if prev := LoadLatest(root, ""); prev != nil {
		t.Fatal("no runs should mean no manifest")
	}

	older := writeRun(t, root, "2024-01-01_00-00", "P/a.txt")
	m := New(modified, older)
	m.Add("P/a.txt", Entry{FileID: "a"})
	if _, err := m.Save(older); err != nil {
		t.Fatal(err)
	}
	// Newer run without a manifest (e.g. interrupted) is skipped.
	writeRun(t, root, "2024-01-02_00-00")
	active := writeRun(t, root, "2024-01-03_00-00")

	prev := LoadLatest(root, filepath.Base(active))
	if prev == nil {
		t.Fatal("expected previous manifest")
	}
	if prev.Run.Name != "2024-01-01_00-00" || prev.Manifest.Len() != 1 {
		t.Errorf("unexpected previous: %s %d", prev.Run.Name, prev.Manifest.Len())
	}

	os.Remove(filepath.Join(older, "P", "a.txt"))
	if prev := LoadLatest(root, filepath.Base(active)); prev != nil {
		t.Error("manifest with no files on disk should be discarded")
	}

	os.WriteFile(filepath.Join(older, FileName), []byte("garbage"), 0644)
	if prev := LoadLatest(root, filepath.Base(active)); prev != nil {
		t.Error("unparsable manifest should be discarded")
	}
}

func TestEngine_ReuseAndRecord(t *testing.T) {
	root := t.TempDir()
	prevDir := writeRun(t, root, "2024-01-01_00-00", "Tower/Plan.pdf")
	prevManifest := New(modified, prevDir)
	prevManifest.Add("Tower/Plan.pdf", EntryFor(testFile()))
	current := writeRun(t, root, "2024-01-02_00-00")

	store, err := local.New(local.Config{RootPath: root, CreateDirs: true})
	if err != nil {
		t.Fatal(err)
	}
	prev := &Previous{Manifest: prevManifest}
	prev.Run.Name = "2024-01-01_00-00"
	e := NewEngine(store, "2024-01-02_00-00", modified, prev)

	f := testFile()
	if !e.ShouldReuse(f, "Tower/Plan.pdf") {
		t.Fatal("expected reuse")
	}
	dst, err := e.Reuse(context.Background(), f, "Tower/Plan.pdf")
	if err != nil {
		t.Fatalf("Reuse: %v", err)
	}
	if dst != filepath.Join(current, "Tower", "Plan.pdf") || !f.Downloaded() {
		t.Errorf("dst = %q, bound = %v", dst, f.Downloaded())
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(modified) {
		t.Errorf("copied mtime = %s, want %s", info.ModTime(), modified)
	}

	g := &tree.File{ID: "item-2", Name: "new.pdf", Size: 3}
	g.Bind(filepath.Join(current, "Tower", "new.pdf"), 3)
	e.RecordDownload(g, "Tower/new.pdf")
	e.RecordFailure()

	s := e.Stats()
	if s.CopiedFiles != 1 || s.CopiedBytes != 1 || s.DownloadedFiles != 1 || s.DownloadedBytes != 3 || s.FailedFiles != 1 {
		t.Errorf("stats = %+v", s)
	}

	file, err := e.Save()
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	saved, err := Load(file)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Len() != 2 {
		t.Errorf("saved manifest has %d entries, want 2", saved.Len())
	}
}

func TestEngine_ReuseMissingSource(t *testing.T) {
	root := t.TempDir()
	writeRun(t, root, "2024-01-01_00-00")
	writeRun(t, root, "2024-01-02_00-00")
	store, _ := local.New(local.Config{RootPath: root, CreateDirs: true})

	prev := &Previous{Manifest: New(modified, "")}
	prev.Manifest.Add("Tower/Plan.pdf", EntryFor(testFile()))
	prev.Run.Name = "2024-01-01_00-00"
	e := NewEngine(store, "2024-01-02_00-00", modified, prev)

	if _, err := e.Reuse(context.Background(), testFile(), "Tower/Plan.pdf"); err == nil {
		t.Error("expected error when the previous copy is gone")
	}
	if _, err := e.Reuse(context.Background(), testFile(), "Tower/Other.pdf"); err == nil {
		t.Error("expected error for a path the previous manifest does not hold")
	}
	if s := e.Stats(); s.CopiedFiles != 0 {
		t.Errorf("failed reuse must not count: %+v", s)
	}
}

func TestEngine_ReuseAfterCaseOnlyRename(t *testing.T) {
	root := t.TempDir()
	prevDir := writeRun(t, root, "2024-01-01_00-00", "Tower/Docs/Plan.pdf")
	prevManifest := New(modified, prevDir)
	prevManifest.Add("Tower/Docs/Plan.pdf", EntryFor(testFile()))
	current := writeRun(t, root, "2024-01-02_00-00")

	store, err := local.New(local.Config{RootPath: root, CreateDirs: true})
	if err != nil {
		t.Fatal(err)
	}
	prev := &Previous{Manifest: prevManifest}
	prev.Run.Name = "2024-01-01_00-00"
	e := NewEngine(store, "2024-01-02_00-00", modified, prev)

	f := testFile()
	if !e.ShouldReuse(f, "Tower/docs/Plan.pdf") {
		t.Fatal("expected reuse across a case-only rename")
	}
	dst, err := e.Reuse(context.Background(), f, "Tower/docs/Plan.pdf")
	if err != nil {
		t.Fatalf("Reuse: %v", err)
	}
	if dst != filepath.Join(current, "Tower", "docs", "Plan.pdf") {
		t.Errorf("dst = %q", dst)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Errorf("copy missing: %v", err)
	}
	file, err := e.Save()
	if err != nil {
		t.Fatal(err)
	}
	saved, err := Load(file)
	if err != nil {
		t.Fatal(err)
	}
	if paths := saved.Paths(); len(paths) != 1 || paths[0] != "Tower/docs/Plan.pdf" {
		t.Errorf("current manifest paths = %v", paths)
	}
}

func TestStats_Efficiency(t *testing.T) {
	tests := []struct {
		name  string
		stats Stats
		want  float64
	}{
		{"nothing", Stats{}, 0},
		{"all copied", Stats{CopiedBytes: 100}, 100},
		{"half", Stats{CopiedBytes: 50, DownloadedBytes: 50}, 50},
		{"rounds to 100 but downloaded", Stats{CopiedBytes: 999999, DownloadedBytes: 1}, 99.99},
		{"all downloaded", Stats{DownloadedBytes: 10}, 0},
	}
	for _, tt := range tests {
		if got := tt.stats.Efficiency(); got != tt.want {
			t.Errorf("%s: Efficiency = %v, want %v", tt.name, got, tt.want)
		}
	}
}
