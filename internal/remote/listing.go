package remote

import (
	"context"
	"fmt"
	"net/url"

	"github.com/docvault/docvault/internal/tree"
)

// Endpoint labels used for logging and metrics.
const (
	endpointProjects = "GET projects"
	endpointFolder   = "GET folder"
	endpointContents = "GET folder contents"
	endpointSign     = "GET signed download"
	endpointDownload = "GET object"
)

// maxPages guards against a listing whose next links never terminate.
const maxPages = 10000

// paginate fetches first and every page linked through links.next.href,
// calling each with every decoded page. Every page is fetched with the full
// retry policy.
func paginate[P any](ctx context.Context, c *Client, endpoint, first string, next func(*P) string, each func(*P)) error {
	seen := make(map[string]bool)
	ref := first
	for pages := 0; ref != ""; pages++ {
		if seen[ref] || pages >= maxPages {
			return fmt.Errorf("%s: pagination did not terminate at %s", endpoint, ref)
		}
		seen[ref] = true

		var page P
		if err := c.getJSON(ctx, endpoint, ref, &page); err != nil {
			return err
		}
		each(&page)
		ref = next(&page)
	}
	return nil
}

// ListProjects returns every project of the configured account.
func (c *Client) ListProjects(ctx context.Context) ([]*tree.Project, error) {
	var projects []*tree.Project
	first := "/project/v1/hubs/" + url.PathEscape(c.accountID) + "/projects"
	err := paginate(ctx, c, endpointProjects, first,
		func(p *ProjectsResponse) string { return p.Links.NextHref() },
		func(p *ProjectsResponse) {
			for _, r := range p.Data {
				projects = append(projects, &tree.Project{
					ID:           r.ID,
					AccountID:    c.accountID,
					Name:         r.Attributes.Name,
					RootFolderID: r.Relationships.RootFolder.ID(),
				})
			}
		})
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

// GetFolder fetches a single folder.
func (c *Client) GetFolder(ctx context.Context, projectID, folderID string) (*tree.Folder, error) {
	var resp FolderResponse
	if err := c.getJSON(ctx, endpointFolder, folderPath(projectID, folderID), &resp); err != nil {
		return nil, fmt.Errorf("get folder %s: %w", folderID, err)
	}
	return mapFolder(projectID, &resp.Data), nil
}

// ListFolderContents returns the direct subfolders and files of a folder,
// following pagination. Each file carries the attributes of its tip version.
func (c *Client) ListFolderContents(ctx context.Context, projectID, folderID string) ([]*tree.Folder, []*tree.File, error) {
	var (
		folders []*tree.Folder
		files   []*tree.File
	)
	err := paginate(ctx, c, endpointContents, folderPath(projectID, folderID)+"/contents",
		func(p *ContentsResponse) string { return p.Links.NextHref() },
		func(p *ContentsResponse) {
			versions := indexVersions(p.Included)
			for i := range p.Data {
				r := &p.Data[i]
				switch r.Type {
				case TypeFolders:
					f := mapFolder(projectID, r)
					if f.ParentID == "" {
						f.ParentID = folderID
					}
					folders = append(folders, f)
				case TypeItems:
					files = append(files, mapFile(projectID, r, versions.lookup(r)))
				}
			}
		})
	if err != nil {
		return nil, nil, fmt.Errorf("list folder %s: %w", folderID, err)
	}
	return folders, files, nil
}

func folderPath(projectID, folderID string) string {
	return "/data/v1/projects/" + url.PathEscape(projectID) + "/folders/" + url.PathEscape(folderID)
}

func mapFolder(projectID string, r *Resource) *tree.Folder {
	a := r.Attributes
	return &tree.Folder{
		ID:                   r.ID,
		ParentID:             r.Relationships.Parent.ID(),
		ProjectID:            projectID,
		Name:                 a.Name,
		DisplayName:          a.DisplayName,
		CreateTime:           a.CreateTime,
		CreateUserName:       a.CreateUserName,
		LastModifiedTime:     a.LastModifiedTime,
		LastModifiedUserName: a.LastModifiedUserName,
		ObjectCount:          a.ObjectCount,
	}
}

// mapFile builds a File from an item and its tip version. v may be nil when
// the listing did not include the version.
func mapFile(projectID string, item *Resource, v *Resource) *tree.File {
	f := &tree.File{
		ID:                   item.ID,
		ProjectID:            projectID,
		Name:                 item.Attributes.DisplayName,
		LastModifiedTime:     item.Attributes.LastModifiedTime,
		LastModifiedUserName: item.Attributes.LastModifiedUserName,
		CreateTime:           item.Attributes.CreateTime,
	}
	if v != nil {
		a := v.Attributes
		f.VersionNumber = a.VersionNumber
		f.Size = a.StorageSize
		f.FileType = a.FileType
		f.StorageID = v.Relationships.Storage.ID()
		if a.Name != "" {
			f.Name = a.Name
		}
		if !a.LastModifiedTime.IsZero() {
			f.LastModifiedTime = a.LastModifiedTime
			f.LastModifiedUserName = a.LastModifiedUserName
		}
	}
	if f.Name == "" {
		f.Name = item.Attributes.Name
	}
	return f
}

type versionIndex struct {
	byID   map[string]*Resource
	byItem map[string]*Resource
}

func indexVersions(included []Resource) versionIndex {
	idx := versionIndex{
		byID:   make(map[string]*Resource),
		byItem: make(map[string]*Resource),
	}
	for i := range included {
		r := &included[i]
		if r.Type != TypeVersions {
			continue
		}
		idx.byID[r.ID] = r
		if item := r.Relationships.Item.ID(); item != "" {
			if cur, ok := idx.byItem[item]; !ok || r.Attributes.VersionNumber > cur.Attributes.VersionNumber {
				idx.byItem[item] = r
			}
		}
	}
	return idx
}

// lookup prefers the item's tip relationship, then the newest included version of the item.
func (idx versionIndex) lookup(item *Resource) *Resource {
	if tip := item.Relationships.Tip.ID(); tip != "" {
		if v, ok := idx.byID[tip]; ok {
			return v
		}
	}
	return idx.byItem[item.ID]
}
