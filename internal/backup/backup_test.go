package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/docvault/docvault/internal/events"
	"github.com/docvault/docvault/internal/history"
	"github.com/docvault/docvault/internal/logging"
	"github.com/docvault/docvault/internal/manifest"
	"github.com/docvault/docvault/internal/runs"
	"github.com/docvault/docvault/internal/storage/local"
	"github.com/docvault/docvault/internal/tree"
)

func TestMain(m *testing.M) {
	logging.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

var modified = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

type fakeFolder struct {
	id, parent, name string
	children         []string
	files            []*fakeFile
}

type fakeFile struct {
	id, name, content string
	version           int
}

// fakeDir is an in-memory remote directory. Every call returns fresh tree
// objects, the way the real client does.
type fakeDir struct {
	mu        sync.Mutex
	projects  []tree.Project
	folders   map[string]*fakeFolder
	failList  map[string]bool
	failFile  map[string]bool
	listErr   error
	downloads int
}

func newFakeDir() *fakeDir {
	return &fakeDir{
		folders:  make(map[string]*fakeFolder),
		failList: make(map[string]bool),
		failFile: make(map[string]bool),
	}
}

// addProject registers a project whose root holds a.txt and Sub/b.txt, Sub/c.txt.
func (d *fakeDir) addProject(id, name string) {
	root, sub := id+"-root", id+"-sub"
	d.projects = append(d.projects, tree.Project{ID: id, Name: name, RootFolderID: root})
	d.folders[root] = &fakeFolder{id: root, parent: "hub-global", name: "Project Files", children: []string{sub},
		files: []*fakeFile{{id: id + "-a", name: "a.txt", content: "alpha", version: 1}}}
	d.folders[sub] = &fakeFolder{id: sub, parent: root, name: "Sub",
		files: []*fakeFile{
			{id: id + "-b", name: "b.txt", content: "bravo!", version: 1},
			{id: id + "-c", name: "c.txt", content: "charlie", version: 1},
		}}
}

func (d *fakeDir) setFile(id, content string, version int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, folder := range d.folders {
		for _, f := range folder.files {
			if f.id == id {
				f.content, f.version = content, version
			}
		}
	}
}

func (d *fakeDir) downloadCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.downloads
}

func (d *fakeDir) ListProjects(ctx context.Context) ([]*tree.Project, error) {
	if d.listErr != nil {
		return nil, d.listErr
	}
	out := make([]*tree.Project, len(d.projects))
	for i := range d.projects {
		p := d.projects[i]
		out[i] = &p
	}
	return out, nil
}

func (d *fakeDir) GetFolder(ctx context.Context, projectID, folderID string) (*tree.Folder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.folders[folderID]
	if !ok {
		return nil, errors.New("no such folder")
	}
	return &tree.Folder{ID: f.id, ParentID: f.parent, ProjectID: projectID, Name: f.name}, nil
}

func (d *fakeDir) ListFolderContents(ctx context.Context, projectID, folderID string) ([]*tree.Folder, []*tree.File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failList[folderID] {
		return nil, nil, errors.New("listing failed")
	}
	folder := d.folders[folderID]
	var folders []*tree.Folder
	for _, id := range folder.children {
		c := d.folders[id]
		folders = append(folders, &tree.Folder{ID: c.id, ParentID: c.parent, ProjectID: projectID, Name: c.name})
	}
	var files []*tree.File
	for _, f := range folder.files {
		files = append(files, &tree.File{
			ID:               f.id,
			ProjectID:        projectID,
			VersionNumber:    f.version,
			Name:             f.name,
			Size:             int64(len(f.content)),
			LastModifiedTime: modified,
			StorageID:        "urn:adsk.objects:os.object:bucket/" + f.id,
		})
	}
	return folders, files, nil
}

func (d *fakeDir) DownloadFile(ctx context.Context, file *tree.File, targetDir string) (string, error) {
	d.mu.Lock()
	file.Attempts++
	fail := d.failFile[file.ID]
	var content string
	for _, folder := range d.folders {
		for _, f := range folder.files {
			if f.id == file.ID {
				content = f.content
			}
		}
	}
	if !fail {
		d.downloads++
	}
	d.mu.Unlock()

	if fail {
		return "", errors.New("download failed")
	}
	dest := filepath.Join(targetDir, file.LocalName())
	if err := os.WriteFile(dest, []byte(content), 0644); err != nil {
		return "", err
	}
	os.Chtimes(dest, time.Now(), file.LastModifiedTime)
	file.Bind(dest, int64(len(content)))
	return dest, nil
}

// stepClock returns a clock advancing one minute per call so that every run
// gets its own directory.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 6, 1, 12, 0, 0, 0, time.Local)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Minute)
		return t
	}
}

func testOptions(root string) Options {
	return Options{
		Root:            root,
		Incremental:     true,
		BackupsToRotate: 10,
		Now:             stepClock(),
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestRun_FullBackup(t *testing.T) {
	dir := newFakeDir()
	dir.addProject("b.1", "Tower: North")
	root := t.TempDir()

	s, err := New(dir, testOptions(root)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Status != StatusSuccess || s.Incremental {
		t.Fatalf("status = %s, incremental = %v", s.Status, s.Incremental)
	}
	if s.Stats.DownloadedFiles != 3 || s.Stats.CopiedFiles != 0 || s.Efficiency != 0 {
		t.Errorf("stats = %+v, efficiency %v", s.Stats, s.Efficiency)
	}

	project := filepath.Join(s.RunDir, "Tower_ North")
	if got := readFile(t, filepath.Join(project, "a.txt")); got != "alpha" {
		t.Errorf("a.txt = %q", got)
	}
	if got := readFile(t, filepath.Join(project, "Sub", "c.txt")); got != "charlie" {
		t.Errorf("c.txt = %q", got)
	}
	info, err := os.Stat(filepath.Join(project, "Sub", "b.txt"))
	if err != nil || !info.ModTime().Equal(modified) {
		t.Errorf("b.txt stat = %v, %v", info, err)
	}

	m, err := manifest.Load(s.ManifestPath)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	want := []string{"Tower_ North/Sub/b.txt", "Tower_ North/Sub/c.txt", "Tower_ North/a.txt"}
	got := m.Paths()
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("manifest paths = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("manifest path %d = %q, want %q", i, got[i], want[i])
		}
	}
	if _, err := os.Stat(filepath.Join(s.RunDir, SummaryFileName)); err != nil {
		t.Errorf("summary not written: %v", err)
	}

	ps := s.Projects[0]
	if ps.Folders != 2 || ps.Files != 3 || ps.Bytes != int64(len("alpha")+len("bravo!")+len("charlie")) {
		t.Errorf("project summary = %+v", ps)
	}
}

func TestRun_IncrementalReusesUnchangedFiles(t *testing.T) {
	dir := newFakeDir()
	dir.addProject("b.1", "Tower")
	root := t.TempDir()
	p := New(dir, testOptions(root))

	first, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	second, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !second.Incremental || second.PreviousRun != filepath.Base(first.RunDir) {
		t.Fatalf("previous run = %q, incremental = %v", second.PreviousRun, second.Incremental)
	}
	if second.Stats.CopiedFiles != 3 || second.Stats.DownloadedFiles != 0 {
		t.Errorf("second run stats = %+v", second.Stats)
	}
	if second.Efficiency != 100 {
		t.Errorf("efficiency = %v, want 100", second.Efficiency)
	}
	if dir.downloadCount() != 3 {
		t.Errorf("downloads = %d, want 3", dir.downloadCount())
	}
	if got := readFile(t, filepath.Join(second.RunDir, "Tower", "Sub", "b.txt")); got != "bravo!" {
		t.Errorf("copied b.txt = %q", got)
	}

	dir.setFile("b.1-b", "bravo v2", 2)
	third, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if third.Stats.CopiedFiles != 2 || third.Stats.DownloadedFiles != 1 {
		t.Errorf("third run stats = %+v", third.Stats)
	}
	if got := readFile(t, filepath.Join(third.RunDir, "Tower", "Sub", "b.txt")); got != "bravo v2" {
		t.Errorf("changed b.txt = %q", got)
	}
	if third.Efficiency <= 0 || third.Efficiency >= 100 {
		t.Errorf("efficiency = %v", third.Efficiency)
	}
}

func TestRun_MissingPreviousCopyFallsBackToDownload(t *testing.T) {
	dir := newFakeDir()
	dir.addProject("b.1", "Tower")
	root := t.TempDir()
	p := New(dir, testOptions(root))

	first, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	os.Remove(filepath.Join(first.RunDir, "Tower", "a.txt"))

	second, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != StatusSuccess || second.Stats.CopiedFiles != 2 || second.Stats.DownloadedFiles != 1 {
		t.Errorf("status = %s, stats = %+v", second.Status, second.Stats)
	}
}

func TestRun_ProjectIsolation(t *testing.T) {
	dir := newFakeDir()
	dir.addProject("b.1", "Good")
	dir.addProject("b.2", "Broken")
	dir.failList["b.2-root"] = true

	s, err := New(dir, testOptions(t.TempDir())).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != StatusPartialFailure {
		t.Errorf("run status = %s, want %s", s.Status, StatusPartialFailure)
	}
	statuses := map[string]Status{}
	for _, ps := range s.Projects {
		statuses[ps.Name] = ps.Status
	}
	if statuses["Good"] != StatusSuccess || statuses["Broken"] != StatusError {
		t.Errorf("project statuses = %v", statuses)
	}
	if s.Stats.DownloadedFiles != 3 {
		t.Errorf("good project should be complete: %+v", s.Stats)
	}
}

func TestRun_FileAndFolderFailuresArePartial(t *testing.T) {
	dir := newFakeDir()
	dir.addProject("b.1", "Files")
	dir.addProject("b.2", "Folders")
	dir.failFile["b.1-c"] = true
	dir.failList["b.2-sub"] = true

	s, err := New(dir, testOptions(t.TempDir())).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != StatusPartialFailure {
		t.Errorf("run status = %s", s.Status)
	}
	for _, ps := range s.Projects {
		if ps.Status != StatusPartialFailure {
			t.Errorf("%s status = %s", ps.Name, ps.Status)
		}
	}
	if s.Stats.FailedFiles != 1 {
		t.Errorf("failed files = %d", s.Stats.FailedFiles)
	}

	m, err := manifest.Load(s.ManifestPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Lookup("Files/Sub/c.txt"); ok {
		t.Error("failed file must not be in the manifest")
	}
}

func TestRun_AllProjectsFailed(t *testing.T) {
	dir := newFakeDir()
	dir.addProject("b.1", "One")
	dir.failList["b.1-root"] = true

	s, err := New(dir, testOptions(t.TempDir())).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != StatusError {
		t.Errorf("status = %s, want error", s.Status)
	}
}

func TestRun_ListProjectsErrorAborts(t *testing.T) {
	dir := newFakeDir()
	dir.listErr = errors.New("unauthorized")
	root := t.TempDir()

	if _, err := New(dir, testOptions(root)).Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	list, _ := runs.List(root)
	if len(list) != 0 {
		t.Errorf("no run directory should be created, found %d", len(list))
	}
}

func TestRun_RotationAfterManifest(t *testing.T) {
	dir := newFakeDir()
	dir.addProject("b.1", "Tower")
	root := t.TempDir()
	opts := testOptions(root)
	opts.BackupsToRotate = 1
	p := New(dir, opts)

	var last *Summary
	for i := 0; i < 3; i++ {
		s, err := p.Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		last = s
	}
	list, err := runs.List(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Path != last.RunDir {
		t.Fatalf("runs after rotation = %+v", list)
	}
	if len(last.Rotated) != 1 {
		t.Errorf("rotated = %v", last.Rotated)
	}
	// The surviving previous run still backs the incremental copy.
	if last.Stats.CopiedFiles != 3 {
		t.Errorf("stats = %+v", last.Stats)
	}
}

func TestRun_MirrorFollowsRotation(t *testing.T) {
	dir := newFakeDir()
	dir.addProject("b.1", "Tower")
	mirrorRoot := t.TempDir()
	mirror, err := local.New(local.Config{RootPath: mirrorRoot, CreateDirs: true})
	if err != nil {
		t.Fatal(err)
	}
	opts := testOptions(t.TempDir())
	opts.BackupsToRotate = 1
	opts.Mirror = mirror
	p := New(dir, opts)

	var all []*Summary
	for i := 0; i < 3; i++ {
		s, err := p.Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		all = append(all, s)
	}

	ctx := context.Background()
	first := filepath.Base(all[0].RunDir)
	if _, err := os.Stat(filepath.Join(mirrorRoot, first)); !os.IsNotExist(err) {
		t.Errorf("mirrored artifacts of rotated run %s still present: %v", first, err)
	}
	for _, s := range all[1:] {
		key := filepath.Base(s.RunDir) + "/" + manifest.FileName
		if ok, _ := mirror.ObjectExists(ctx, key); !ok {
			t.Errorf("mirror is missing %s", key)
		}
	}

	body, _, err := mirror.GetObject(ctx, MirrorLatest+"/"+manifest.FileName)
	if err != nil {
		t.Fatalf("latest manifest: %v", err)
	}
	defer body.Close()
	latest, err := manifest.Read(body)
	if err != nil {
		t.Fatal(err)
	}
	if latest.BackupDir != all[2].RunDir || latest.Len() != 3 {
		t.Errorf("latest manifest = %s with %d entries, want %s", latest.BackupDir, latest.Len(), all[2].RunDir)
	}
}

func TestRun_SameMinuteRerun(t *testing.T) {
	dir := newFakeDir()
	dir.addProject("b.1", "Tower")
	opts := testOptions(t.TempDir())
	fixed := time.Date(2024, 6, 1, 12, 0, 30, 0, time.Local)
	opts.Now = func() time.Time { return fixed }
	p := New(dir, opts)

	first, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("rerun in the same minute: %v", err)
	}
	if filepath.Base(second.RunDir) != filepath.Base(first.RunDir)+"_2" {
		t.Errorf("rerun dir = %s, first = %s", second.RunDir, first.RunDir)
	}
	if second.Status != StatusSuccess || second.Stats.CopiedFiles != 3 {
		t.Errorf("rerun status = %s, stats = %+v", second.Status, second.Stats)
	}
}

func TestRun_CollidingLocalNamesStayApart(t *testing.T) {
	dir := newFakeDir()
	dir.addProject("b.1", "Tower")
	root := dir.folders["b.1-root"]
	root.files = append(root.files, &fakeFile{id: "b.1-x", name: "A.txt", content: "other", version: 1})
	opts := testOptions(t.TempDir())
	p := New(dir, opts)

	s, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != StatusSuccess || s.Stats.DownloadedFiles != 4 {
		t.Fatalf("status = %s, stats = %+v", s.Status, s.Stats)
	}
	if got := readFile(t, filepath.Join(s.RunDir, "Tower", "a.txt")); got != "alpha" {
		t.Errorf("a.txt = %q", got)
	}
	if got := readFile(t, filepath.Join(s.RunDir, "Tower", "A (2).txt")); got != "other" {
		t.Errorf("A (2).txt = %q", got)
	}
	m, err := manifest.Load(s.ManifestPath)
	if err != nil {
		t.Fatal(err)
	}
	if m.Len() != 4 {
		t.Errorf("manifest entries = %v", m.Paths())
	}

	again, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if again.Stats.CopiedFiles != 4 || again.Stats.DownloadedFiles != 0 {
		t.Errorf("second run stats = %+v", again.Stats)
	}
}

func TestRun_CancelledSkipsRotation(t *testing.T) {
	dir := newFakeDir()
	dir.addProject("b.1", "Tower")
	root := t.TempDir()
	opts := testOptions(root)
	opts.BackupsToRotate = 0
	p := New(dir, opts)

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := p.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !s.Cancelled || s.Status != StatusError {
		t.Errorf("cancelled = %v, status = %s", s.Cancelled, s.Status)
	}
	if len(s.Rotated) != 0 {
		t.Errorf("a failed run must not rotate: %v", s.Rotated)
	}
	list, _ := runs.List(root)
	if len(list) != 2 {
		t.Errorf("runs = %d, want 2", len(list))
	}
}

type memHistory struct {
	mu      sync.Mutex
	records []history.Record
}

func (h *memHistory) Save(ctx context.Context, r history.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *memHistory) Recent(ctx context.Context, limit int) ([]history.Record, error) {
	return h.records, nil
}

func (h *memHistory) Type() string { return "memory" }
func (h *memHistory) Close() error { return nil }

func TestRun_EventsMirrorAndHistory(t *testing.T) {
	dir := newFakeDir()
	dir.addProject("b.1", "Tower")
	dir.failFile["b.1-a"] = true

	mirror, err := local.New(local.Config{RootPath: t.TempDir(), CreateDirs: true})
	if err != nil {
		t.Fatal(err)
	}
	hist := &memHistory{}
	bus := events.NewBroadcaster()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	opts := testOptions(t.TempDir())
	opts.Events = bus
	opts.Mirror = mirror
	opts.History = hist
	s, err := New(dir, opts).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	var types []string
	var failed events.Event
	for len(ch) > 0 {
		e := <-ch
		types = append(types, e.Type)
		if e.Type == events.EventFileFailed {
			failed = e
		}
	}
	if len(types) == 0 || types[0] != events.EventRunStarted || types[len(types)-1] != events.EventRunFinished {
		t.Errorf("event order = %v", types)
	}
	if failed.Path != "Tower/a.txt" || failed.RunID != s.RunID {
		t.Errorf("file_failed event = %+v", failed)
	}

	name := filepath.Base(s.RunDir)
	for _, key := range []string{name + "/" + manifest.FileName, name + "/" + SummaryFileName} {
		if ok, _ := mirror.ObjectExists(context.Background(), key); !ok {
			t.Errorf("mirror is missing %s", key)
		}
	}

	if len(hist.records) != 1 {
		t.Fatalf("history records = %d", len(hist.records))
	}
	r := hist.records[0]
	if r.RunID != s.RunID || r.Status != string(StatusPartialFailure) || r.FailedFiles != 1 || r.DownloadedFiles != 2 {
		t.Errorf("history record = %+v", r)
	}
}

func TestRun_ProjectSelection(t *testing.T) {
	dir := newFakeDir()
	dir.addProject("b.1", "Tower")
	dir.addProject("b.2", "Bridge")
	opts := testOptions(t.TempDir())
	opts.Projects = []string{"bridge", "Missing"}

	s, err := New(dir, opts).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Projects) != 1 || s.Projects[0].Name != "Bridge" {
		t.Errorf("projects = %+v", s.Projects)
	}
	if len(s.Warnings) != 1 {
		t.Errorf("warnings = %v", s.Warnings)
	}
}

func TestSelectProjects(t *testing.T) {
	all := []*tree.Project{{ID: "b.1", Name: "Tower"}, {ID: "b.2", Name: "Bridge"}}

	tests := []struct {
		name      string
		include   []string
		want      []string
		unmatched int
	}{
		{"empty selects all", nil, []string{"b.1", "b.2"}, 0},
		{"by id", []string{"b.2"}, []string{"b.2"}, 0},
		{"by name ignoring case", []string{"TOWER"}, []string{"b.1"}, 0},
		{"unmatched", []string{"tower", "nope"}, []string{"b.1"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			selected, unmatched := SelectProjects(all, tt.include)
			if len(selected) != len(tt.want) || len(unmatched) != tt.unmatched {
				t.Fatalf("selected %d, unmatched %v", len(selected), unmatched)
			}
			for i, p := range selected {
				if p.ID != tt.want[i] {
					t.Errorf("selected[%d] = %s, want %s", i, p.ID, tt.want[i])
				}
			}
		})
	}
}

func TestSummary_Finalize(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []Status
		cancelled bool
		want      Status
	}{
		{"all good", []Status{StatusSuccess, StatusSuccess}, false, StatusSuccess},
		{"one partial", []Status{StatusSuccess, StatusPartialFailure}, false, StatusPartialFailure},
		{"one error", []Status{StatusSuccess, StatusError}, false, StatusPartialFailure},
		{"all errors", []Status{StatusError, StatusError}, false, StatusError},
		{"cancelled", []Status{StatusSuccess}, true, StatusError},
		{"no projects", nil, false, StatusSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Summary{Cancelled: tt.cancelled}
			for _, st := range tt.statuses {
				s.Projects = append(s.Projects, ProjectSummary{Status: st})
			}
			s.finalize()
			if s.Status != tt.want {
				t.Errorf("status = %s, want %s", s.Status, tt.want)
			}
		})
	}
}

func TestSummary_PipelineEfficiency(t *testing.T) {
	s := &Summary{ActiveTime: 3 * time.Second, IdleTime: time.Second}
	if got := s.PipelineEfficiency(); got != 75 {
		t.Errorf("pipeline efficiency = %v, want 75", got)
	}
	if got := (&Summary{}).PipelineEfficiency(); got != 0 {
		t.Errorf("empty pipeline efficiency = %v", got)
	}
}
