package tree

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// invalidNameChars are replaced by Sanitize. Path separators are included so a
// remote name can never introduce a directory level.
const invalidNameChars = `<>:"/\|?*`

// Sanitize replaces characters that are invalid in file names with '_'.
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(invalidNameChars, r) {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimRight(b.String(), " .")
	if out == "" || out == "." || out == ".." {
		return "_"
	}
	return out
}

// nameSet holds the local names already used in one directory. Names are
// compared case-insensitively, matching the manifest and case-insensitive
// filesystems.
type nameSet map[string]struct{}

// claim reserves name, or the first free "name (n)" variant. keepExt places
// the counter before the file extension.
func (s nameSet) claim(name string, keepExt bool) string {
	base, ext := name, ""
	if keepExt {
		if e := filepath.Ext(name); e != name {
			base, ext = strings.TrimSuffix(name, e), e
		}
	}
	candidate := name
	for n := 2; ; n++ {
		key := strings.ToLower(candidate)
		if _, used := s[key]; !used {
			s[key] = struct{}{}
			return candidate
		}
		candidate = base + " (" + strconv.Itoa(n) + ")" + ext
	}
}

// AssignLocalNames gives every project a distinct local directory name.
// Projects whose names sanitize to the same string get a counter suffix in
// slice order.
func AssignLocalNames(projects []*Project) {
	taken := make(nameSet, len(projects))
	for _, p := range projects {
		p.localName = taken.claim(Sanitize(p.Name), false)
	}
}

// CreateDirectory binds and creates the folder's local directory below
// projectDir, which is the directory of the tree's root folder. The directory
// is bound once; later calls return the bound directory without touching disk.
func (f *Folder) CreateDirectory(projectDir string) (string, error) {
	if f.localDir != "" {
		return f.localDir, nil
	}

	var root *Folder
	if f.tree != nil {
		root = f.tree.Root()
	}

	dir := projectDir
	if root == nil || f.ID != root.ID {
		rel := f.LocalPath(root)
		dir = filepath.Join(projectDir, filepath.FromSlash(rel))
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	f.localDir = dir
	return dir, nil
}
