package backup

import (
	"context"
	"fmt"

	"github.com/docvault/docvault/internal/logging"
	"github.com/docvault/docvault/internal/tree"
)

// Directory is the remote document service as the pipeline uses it.
type Directory interface {
	ListProjects(ctx context.Context) ([]*tree.Project, error)
	GetFolder(ctx context.Context, projectID, folderID string) (*tree.Folder, error)
	ListFolderContents(ctx context.Context, projectID, folderID string) ([]*tree.Folder, []*tree.File, error)
	DownloadFile(ctx context.Context, file *tree.File, targetDir string) (string, error)
}

// Enumerate builds the project's tree by listing its root folder and every
// subfolder. A failure to fetch or list the root folder fails the project;
// a failed subfolder listing is logged and counted, and its subtree skipped.
func Enumerate(ctx context.Context, dir Directory, run *ProjectRun) error {
	p := run.Project
	if p.RootFolderID == "" {
		return fmt.Errorf("project %s has no root folder", p.Name)
	}

	root, err := dir.GetFolder(ctx, p.ID, p.RootFolderID)
	if err != nil {
		return err
	}
	t := tree.New(p.ID)
	t.SetRoot(root)
	p.Tree = t

	queue := []*tree.Folder{root}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		folder := queue[0]
		queue = queue[1:]

		folders, files, err := dir.ListFolderContents(ctx, p.ID, folder.ID)
		if err != nil {
			if folder == root || ctx.Err() != nil {
				return err
			}
			run.FolderErrors++
			logging.Warn("folder listing failed, skipping subtree",
				logging.String("project", p.Name),
				logging.String("folder", folder.Path(root)),
				logging.Err(err))
			continue
		}
		for _, sub := range folders {
			if _, seen := t.Folder(sub.ID); seen {
				continue
			}
			t.AddFolder(folder, sub)
			queue = append(queue, sub)
		}
		for _, f := range files {
			t.AddFile(folder, f)
		}
	}
	return nil
}
