package remote

import (
	"fmt"
	"strings"
	"time"
)

// Resource types used by the data API.
const (
	TypeFolders  = "folders"
	TypeItems    = "items"
	TypeVersions = "versions"
)

// storageURNPrefix prefixes object storage ids of file versions.
const storageURNPrefix = "urn:adsk.objects:os.object:"

// Link is a hypermedia link.
type Link struct {
	Href string `json:"href"`
}

// Links holds pagination links of a listing response.
type Links struct {
	Self *Link `json:"self,omitempty"`
	Next *Link `json:"next,omitempty"`
}

// NextHref returns the next page link, or "".
func (l Links) NextHref() string {
	if l.Next == nil {
		return ""
	}
	return l.Next.Href
}

// ResourceRef identifies a related resource.
type ResourceRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Relationship wraps a related resource reference.
type Relationship struct {
	Data *ResourceRef `json:"data,omitempty"`
}

// ID returns the referenced id, or "".
func (r Relationship) ID() string {
	if r.Data == nil {
		return ""
	}
	return r.Data.ID
}

// ProjectResource is one entry of the projects listing.
type ProjectResource struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Attributes struct {
		Name string `json:"name"`
	} `json:"attributes"`
	Relationships struct {
		Hub        Relationship `json:"hub"`
		RootFolder Relationship `json:"rootFolder"`
	} `json:"relationships"`
}

// ProjectsResponse is returned by GET /project/v1/hubs/{hub}/projects.
type ProjectsResponse struct {
	Data  []ProjectResource `json:"data"`
	Links Links             `json:"links"`
}

// Attributes is the union of folder, item and version attributes.
type Attributes struct {
	Name                 string    `json:"name"`
	DisplayName          string    `json:"displayName"`
	CreateTime           time.Time `json:"createTime"`
	CreateUserName       string    `json:"createUserName"`
	LastModifiedTime     time.Time `json:"lastModifiedTime"`
	LastModifiedUserName string    `json:"lastModifiedUserName"`
	ObjectCount          int       `json:"objectCount"`
	VersionNumber        int       `json:"versionNumber"`
	StorageSize          int64     `json:"storageSize"`
	FileType             string    `json:"fileType"`
}

// Relationships is the union of the relationships the client reads.
type Relationships struct {
	Parent  Relationship `json:"parent"`
	Tip     Relationship `json:"tip"`
	Item    Relationship `json:"item"`
	Storage Relationship `json:"storage"`
}

// Resource is a folder, item or version resource.
type Resource struct {
	Type          string        `json:"type"`
	ID            string        `json:"id"`
	Attributes    Attributes    `json:"attributes"`
	Relationships Relationships `json:"relationships"`
}

// FolderResponse is returned by GET /data/v1/projects/{p}/folders/{f}.
type FolderResponse struct {
	Data Resource `json:"data"`
}

// ContentsResponse is one page of GET /data/v1/projects/{p}/folders/{f}/contents.
type ContentsResponse struct {
	Data     []Resource `json:"data"`
	Included []Resource `json:"included"`
	Links    Links      `json:"links"`
}

// SignedDownloadResponse is returned by the signed download endpoint.
type SignedDownloadResponse struct {
	Status string `json:"status"`
	URL    string `json:"url"`
	Size   int64  `json:"size"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Developer string `json:"developerMessage"`
	Reason    string `json:"reason"`
	Code      string `json:"errorCode"`
}

// ParseStorageID splits an object storage URN into bucket and object key.
func ParseStorageID(id string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(id, storageURNPrefix)
	if !ok {
		return "", "", fmt.Errorf("unexpected storage id %q", id)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("unexpected storage id %q", id)
	}
	return bucket, key, nil
}
