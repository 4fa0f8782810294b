// Package tree models a remote project as an arena of folders and files.
//
// Folders reference their parent and children by id; the Tree owns every
// Folder. Enumeration populates the arena, the download stage binds local
// directories and files. A Tree has a single owner at any time and is not
// safe for concurrent mutation.
package tree

import (
	"iter"
	"strings"
	"time"
)

// PathDelimiter separates names in paths returned by Path.
const PathDelimiter = "/"

// RootParentSuffix marks the parent id of a project's root folder.
const RootParentSuffix = "global"

// Project is a top-level container in the remote service.
type Project struct {
	ID           string
	AccountID    string
	Name         string
	RootFolderID string

	// Tree is nil until the project has been enumerated.
	Tree *Tree

	localName string
}

// LocalName returns the project's local directory name: the name assigned
// by AssignLocalNames, or the sanitized name.
func (p *Project) LocalName() string {
	if p.localName != "" {
		return p.localName
	}
	return Sanitize(p.Name)
}

// Tree is the arena holding one project's folders.
type Tree struct {
	ProjectID string

	rootID  string
	folders map[string]*Folder
}

// New creates an empty tree for a project.
func New(projectID string) *Tree {
	return &Tree{
		ProjectID: projectID,
		folders:   make(map[string]*Folder),
	}
}

// SetRoot registers the root folder of the tree.
func (t *Tree) SetRoot(f *Folder) {
	f.tree = t
	t.rootID = f.ID
	t.folders[f.ID] = f
}

// Root returns the root folder, or nil before SetRoot.
func (t *Tree) Root() *Folder {
	return t.folders[t.rootID]
}

// Folder looks up a folder by id.
func (t *Tree) Folder(id string) (*Folder, bool) {
	f, ok := t.folders[id]
	return f, ok
}

// AddFolder attaches child under parent. Adding an id twice is a no-op.
// The child's local name is made unique among parent's entries.
func (t *Tree) AddFolder(parent, child *Folder) {
	if _, exists := t.folders[child.ID]; exists {
		return
	}
	child.tree = t
	child.ParentID = parent.ID
	child.localName = parent.names().claim(child.sanitizedName(), false)
	t.folders[child.ID] = child
	parent.childIDs = append(parent.childIDs, child.ID)
}

// AddFile attaches a file to folder. Its local name is made unique among
// folder's entries.
func (t *Tree) AddFile(folder *Folder, f *File) {
	f.tree = t
	f.FolderID = folder.ID
	f.localName = folder.names().claim(Sanitize(f.Name), true)
	folder.files = append(folder.files, f)
}

// FolderCount returns the number of folders in the arena, root included.
func (t *Tree) FolderCount() int {
	return len(t.folders)
}

// Folder is a node of the remote tree.
type Folder struct {
	ID        string
	ParentID  string
	ProjectID string

	Name                 string
	DisplayName          string
	CreateTime           time.Time
	CreateUserName       string
	LastModifiedTime     time.Time
	LastModifiedUserName string
	ObjectCount          int

	tree      *Tree
	childIDs  []string
	files     []*File
	localDir  string
	localName string
	taken     nameSet
}

// IsRoot reports whether the folder is its project's root folder.
func (f *Folder) IsRoot() bool {
	return strings.HasSuffix(f.ParentID, RootParentSuffix)
}

// Parent returns the parent folder if it is part of the same tree.
func (f *Folder) Parent() *Folder {
	if f.tree == nil || f.ParentID == "" {
		return nil
	}
	return f.tree.folders[f.ParentID]
}

// Subfolders returns the direct children in enumeration order.
func (f *Folder) Subfolders() []*Folder {
	if f.tree == nil {
		return nil
	}
	out := make([]*Folder, 0, len(f.childIDs))
	for _, id := range f.childIDs {
		if child, ok := f.tree.folders[id]; ok {
			out = append(out, child)
		}
	}
	return out
}

// Files returns the files directly inside the folder.
func (f *Folder) Files() []*File {
	return f.files
}

// FilesRecursive yields the folder's files, then each subfolder's files, depth first.
// It reflects whatever has been enumerated so far.
func (f *Folder) FilesRecursive() iter.Seq[*File] {
	return func(yield func(*File) bool) {
		f.walkFiles(yield)
	}
}

func (f *Folder) walkFiles(yield func(*File) bool) bool {
	for _, file := range f.files {
		if !yield(file) {
			return false
		}
	}
	for _, sub := range f.Subfolders() {
		if !sub.walkFiles(yield) {
			return false
		}
	}
	return true
}

// SubfoldersRecursive yields every folder below f in pre-order.
func (f *Folder) SubfoldersRecursive() iter.Seq[*Folder] {
	return func(yield func(*Folder) bool) {
		f.walkFolders(yield)
	}
}

func (f *Folder) walkFolders(yield func(*Folder) bool) bool {
	for _, sub := range f.Subfolders() {
		if !yield(sub) {
			return false
		}
		if !sub.walkFolders(yield) {
			return false
		}
	}
	return true
}

// Path joins the names of f's ancestors below root, and f itself.
// With a nil root the path starts at the top-most known ancestor.
// Path(f) is empty.
func (f *Folder) Path(root *Folder) string {
	return strings.Join(f.segments(root, (*Folder).name), PathDelimiter)
}

// LocalPath is Path with every segment sanitized for the local filesystem.
func (f *Folder) LocalPath(root *Folder) string {
	return strings.Join(f.segments(root, (*Folder).LocalName), PathDelimiter)
}

func (f *Folder) segments(root *Folder, name func(*Folder) string) []string {
	var segs []string
	for cur := f; cur != nil; cur = cur.Parent() {
		if root != nil && cur.ID == root.ID {
			break
		}
		segs = append(segs, name(cur))
		if root == nil && cur.IsRoot() {
			break
		}
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return segs
}

func (f *Folder) name() string {
	return f.Name
}

// LocalName returns the folder's name on the local filesystem: the display
// name (or name) sanitized, with a counter when a sibling already uses it.
func (f *Folder) LocalName() string {
	if f.localName != "" {
		return f.localName
	}
	return f.sanitizedName()
}

func (f *Folder) sanitizedName() string {
	if f.DisplayName != "" {
		return Sanitize(f.DisplayName)
	}
	return Sanitize(f.Name)
}

func (f *Folder) names() nameSet {
	if f.taken == nil {
		f.taken = make(nameSet)
	}
	return f.taken
}

// LocalDir returns the bound local directory, or "".
func (f *Folder) LocalDir() string {
	return f.localDir
}

// File is a versioned leaf of the remote tree.
type File struct {
	ID            string
	ProjectID     string
	VersionNumber int

	Name                 string
	FileType             string
	Size                 int64
	CreateTime           time.Time
	LastModifiedTime     time.Time
	LastModifiedUserName string
	StorageID            string

	// DownloadURL is a time-boxed direct download reference. It is only
	// valid for the attempt that requested it.
	DownloadURL string

	FolderID string

	// Attempts counts download attempts for this file.
	Attempts    int
	WrittenSize int64

	tree      *Tree
	localPath string
	localName string
}

// Folder returns the owning folder.
func (f *File) Folder() *Folder {
	if f.tree == nil {
		return nil
	}
	return f.tree.folders[f.FolderID]
}

// Path returns the folder path below root joined with the file name.
func (f *File) Path(root *Folder) string {
	return joinPath(f.folderPath(root, (*Folder).Path), f.Name)
}

// LocalPath is Path with every segment sanitized for the local filesystem.
func (f *File) LocalPath(root *Folder) string {
	return joinPath(f.folderPath(root, (*Folder).LocalPath), f.LocalName())
}

func (f *File) folderPath(root *Folder, path func(*Folder, *Folder) string) string {
	folder := f.Folder()
	if folder == nil {
		return ""
	}
	return path(folder, root)
}

// LocalName returns the file's name on the local filesystem: the sanitized
// name, with a counter when a sibling already uses it.
func (f *File) LocalName() string {
	if f.localName != "" {
		return f.localName
	}
	return Sanitize(f.Name)
}

// Downloaded reports whether a local file has been bound.
func (f *File) Downloaded() bool {
	return f.localPath != ""
}

// Bind records the local file written for f.
func (f *File) Bind(localPath string, written int64) {
	f.localPath = localPath
	f.WrittenSize = written
}

// BoundPath returns the bound local file path, or "".
func (f *File) BoundPath() string {
	return f.localPath
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + PathDelimiter + name
}
