package store

import (
	"encoding/json"
	"time"
)

// Kind names the model type of a hierarchy node or of a node's parent
type Kind string

const (
	KindCollection Kind = "collection"
	KindFolder     Kind = "folder"
	KindItem       Kind = "item"
	KindUser       Kind = "user"
)

// Meta is the free-form JSON metadata attached to folders and items
type Meta map[string]interface{}

// String returns the string value stored under key, or "" if absent
func (m Meta) String(key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// Node is a folder, item or collection in the hierarchy. Items always have
// a folder parent; folders may hang off a collection, a user or a folder.
type Node struct {
	ID         string
	Kind       Kind
	ParentID   string
	ParentType Kind
	Name       string
	Meta       Meta
	Created    time.Time
	Updated    time.Time
}

// Identifier returns meta.identifier
func (n Node) Identifier() string { return n.Meta.String("identifier") }

// Provider returns meta.provider
func (n Node) Provider() string { return n.Meta.String("provider") }

// File is the content record attached to an item. Exactly one of LinkURL
// and AssetPath is set.
type File struct {
	ID        string
	ItemID    string
	Name      string
	Size      int64
	MimeType  string
	LinkURL   string
	AssetPath string
	SHA256    string
	Created   time.Time
}

// IsLink reports whether the file points at remote content
func (f File) IsLink() bool { return f.LinkURL != "" }

// User is the owner of tales, versions and runs
type User struct {
	ID        string    `json:"_id"`
	Email     string    `json:"email"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Created   time.Time `json:"created"`
}

// Author is a tale author record
type Author struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	ORCID     string `json:"orcid"`
}

// RelatedIdentifier links a tale to an external resource
type RelatedIdentifier struct {
	Identifier string `json:"identifier"`
	Relation   string `json:"relation"`
}

// DatasetEntry is one element of a tale's dataSet
type DatasetEntry struct {
	ItemID    string `json:"itemId"`
	MountPath string `json:"mountPath"`
	ModelType Kind   `json:"_modelType"`
}

// PublishInfo records where a tale was published or imported from
type PublishInfo struct {
	PID          string `json:"pid"`
	URI          string `json:"uri"`
	Date         string `json:"date"`
	RepositoryID string `json:"repository_id"`
	Repository   string `json:"repository"`
}

// ImageInfo describes the environment a tale was last built with
type ImageInfo struct {
	Repo2DockerVersion string `json:"repo2docker_version,omitempty"`
	Digest             string `json:"digest,omitempty"`
}

// Tale is a reproducible research object: workspace, dataset and metadata
type Tale struct {
	ID                 string                 `json:"_id"`
	Title              string                 `json:"title"`
	Description        string                 `json:"description"`
	Category           string                 `json:"category"`
	Illustration       string                 `json:"illustration"`
	ImageID            string                 `json:"imageId,omitempty"`
	ImageInfo          ImageInfo              `json:"imageInfo"`
	Format             int                    `json:"format"`
	CreatorID          string                 `json:"creatorId"`
	LicenseSPDX        string                 `json:"licenseSPDX"`
	Authors            []Author               `json:"authors"`
	RelatedIdentifiers []RelatedIdentifier    `json:"relatedIdentifiers"`
	DataSet            []DatasetEntry         `json:"dataSet"`
	PublishInfo        []PublishInfo          `json:"publishInfo"`
	Config             map[string]interface{} `json:"config,omitempty"`
	Created            time.Time              `json:"created"`
	Updated            time.Time              `json:"updated"`
}

// Version is an immutable snapshot of a tale's workspace and dataSet
type Version struct {
	ID        string         `json:"_id"`
	TaleID    string         `json:"taleId"`
	Name      string         `json:"name"`
	CreatorID string         `json:"creatorId"`
	DataSet   []DatasetEntry `json:"dataSet"`
	Created   time.Time      `json:"created"`
	Updated   time.Time      `json:"updated"`
}

// RunStatus mirrors the lifecycle of a recorded run
type RunStatus int

const (
	RunUnknown RunStatus = iota
	RunStarting
	RunRunning
	RunCompleted
	RunFailed
	RunCancelled
)

// Run is a recorded execution of a version
type Run struct {
	ID        string    `json:"_id"`
	VersionID string    `json:"runVersionId"`
	Name      string    `json:"name"`
	Status    RunStatus `json:"runStatus"`
	CreatorID string    `json:"creatorId"`
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
}

func encodeMeta(m Meta) (string, error) {
	if m == nil {
		m = Meta{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeMeta(raw string) (Meta, error) {
	m := Meta{}
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}
