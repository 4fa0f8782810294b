// Package manifest records what a backup run wrote and decides, for the
// next run, which files can be copied from it instead of downloaded.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docvault/docvault/internal/tree"
)

// FileName is the manifest file name inside a run directory.
const FileName = "backup-manifest.json"

// ErrInvalidManifest is returned for manifests that cannot be trusted.
var ErrInvalidManifest = errors.New("invalid manifest")

// Entry is the record kept for one backed-up file.
type Entry struct {
	FileID       string    `json:"fileId"`
	Version      int       `json:"version"`
	LastModified time.Time `json:"lastModified"`
	Size         int64     `json:"size"`
	Name         string    `json:"name"`
	ProjectID    string    `json:"projectId"`
}

// EntryFor builds the entry describing a freshly enumerated file.
func EntryFor(f *tree.File) Entry {
	return Entry{
		FileID:       f.ID,
		Version:      f.VersionNumber,
		LastModified: f.LastModifiedTime,
		Size:         f.Size,
		Name:         f.Name,
		ProjectID:    f.ProjectID,
	}
}

// Matches reports whether e describes the same remote content as f.
// Only file id, version, size and modification time are compared.
func (e Entry) Matches(f *tree.File) bool {
	return e.FileID == f.ID &&
		e.Version == f.VersionNumber &&
		e.Size == f.Size &&
		e.LastModified.Equal(f.LastModifiedTime)
}

type record struct {
	path  string
	entry Entry
}

// Manifest maps backup-relative paths to entries. Path lookups ignore case.
// A Manifest is not safe for concurrent use; the Engine serializes writes.
type Manifest struct {
	BackupTime time.Time
	BackupDir  string

	files map[string]record
}

// New creates an empty manifest.
func New(backupTime time.Time, backupDir string) *Manifest {
	return &Manifest{
		BackupTime: backupTime,
		BackupDir:  backupDir,
		files:      make(map[string]record),
	}
}

// NormalizePath makes p slash-separated, clean and relative.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

func foldKey(p string) string {
	return strings.ToLower(NormalizePath(p))
}

// FileKey returns the backup-relative path of f: the sanitized project name
// followed by the file's local path below the project root.
func FileKey(p *tree.Project, f *tree.File) string {
	var root *tree.Folder
	if p.Tree != nil {
		root = p.Tree.Root()
	}
	return NormalizePath(p.LocalName() + "/" + f.LocalPath(root))
}

// Add records e under p, replacing any entry whose path differs only in case.
func (m *Manifest) Add(p string, e Entry) {
	m.files[foldKey(p)] = record{path: NormalizePath(p), entry: e}
}

// Lookup returns the entry recorded under p.
func (m *Manifest) Lookup(p string) (Entry, bool) {
	r, ok := m.files[foldKey(p)]
	return r.entry, ok
}

// LookupPath is Lookup that also returns the path as it was recorded, which
// may differ from p in case.
func (m *Manifest) LookupPath(p string) (string, Entry, bool) {
	r, ok := m.files[foldKey(p)]
	return r.path, r.entry, ok
}

// Len returns the number of entries.
func (m *Manifest) Len() int {
	return len(m.files)
}

// Paths returns the recorded paths in sorted order.
func (m *Manifest) Paths() []string {
	out := make([]string, 0, len(m.files))
	for _, r := range m.files {
		out = append(out, r.path)
	}
	sort.Strings(out)
	return out
}

type manifestJSON struct {
	BackupTime time.Time        `json:"backupTime"`
	BackupDir  string           `json:"backupDirectory"`
	Files      map[string]Entry `json:"files"`
}

// MarshalJSON implements json.Marshaler.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	files := make(map[string]Entry, len(m.files))
	for _, r := range m.files {
		files[r.path] = r.entry
	}
	return json.Marshal(manifestJSON{
		BackupTime: m.BackupTime,
		BackupDir:  m.BackupDir,
		Files:      files,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var raw manifestJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.BackupTime = raw.BackupTime
	m.BackupDir = raw.BackupDir
	m.files = make(map[string]record, len(raw.Files))
	for p, e := range raw.Files {
		m.Add(p, e)
	}
	return nil
}

// Save writes the manifest to dir/FileName (temp file then rename).
func (m *Manifest) Save(dir string) (string, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}

	target := filepath.Join(dir, FileName)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename manifest: %w", err)
	}
	return target, nil
}

// Load reads a manifest file.
func Load(file string) (*Manifest, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return m, nil
}

// Read decodes a manifest from r.
func Read(r io.Reader) (*Manifest, error) {
	m := New(time.Time{}, "")
	if err := json.NewDecoder(r).Decode(m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return m, nil
}
