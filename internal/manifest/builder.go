package manifest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BadgerOps/taleport/internal/provider"
	"github.com/BadgerOps/taleport/internal/store"
)

// Builder assembles manifests from the store.
type Builder struct {
	store          *store.Store
	registry       *provider.Registry
	layout         store.Layout
	apiURL         string
	defaultLicense string
	logger         *slog.Logger
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithAPIURL sets the base of tale, version and run ids.
func WithAPIURL(u string) BuilderOption {
	return func(b *Builder) {
		if u != "" {
			b.apiURL = strings.TrimSuffix(u, "/")
		}
	}
}

// WithDefaultLicense sets the license used for tales without one.
func WithDefaultLicense(spdx string) BuilderOption {
	return func(b *Builder) {
		if spdx != "" {
			b.defaultLicense = spdx
		}
	}
}

// NewBuilder creates a Builder. Workspace and run files are read from
// layout.
func NewBuilder(st *store.Store, registry *provider.Registry, layout store.Layout, logger *slog.Logger, opts ...BuilderOption) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Builder{
		store:          st,
		registry:       registry,
		layout:         layout,
		apiURL:         DefaultAPIURL,
		defaultLicense: DefaultLicense,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildOptions selects what to describe.
type BuildOptions struct {
	TaleID string
	// VersionID defaults to the latest version, or the tale itself when it
	// has none.
	VersionID string
	// ExpandFolders replaces folders without a stable URI by their files.
	ExpandFolders bool
}

// snapshot is the version a manifest describes.
type snapshot struct {
	id        string
	name      string
	creatorID string
	created   time.Time
	updated   time.Time
	dataSet   []store.DatasetEntry
	workspace string
	isVersion bool
}

// Build creates the manifest of a tale version.
func (b *Builder) Build(ctx context.Context, opts BuildOptions) (*Manifest, error) {
	tale, err := b.store.GetTale(opts.TaleID)
	if err != nil {
		return nil, err
	}
	if err := validateAuthors(tale.Authors); err != nil {
		return nil, err
	}
	snap, err := b.snapshot(tale, opts.VersionID)
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		Context: []interface{}{
			BundleContext,
			map[string]interface{}{"schema": SchemaContext},
			map[string]interface{}{"datacite": DataCiteContext},
			map[string]interface{}{"wt": WTContext},
			map[string]interface{}{"@base": fmt.Sprintf("arcp://uid,%s/data/", snap.id)},
		},
		ID:            fmt.Sprintf("%s/tale/%s", b.apiURL, tale.ID),
		Type:          TypeTale,
		CreatedOn:     formatTime(tale.Created),
		Keywords:      tale.Category,
		Description:   tale.Description,
		Identifier:    tale.ID,
		Image:         tale.Illustration,
		Name:          tale.Title,
		SchemaVersion: tale.Format,
		Aggregates:    []Aggregate{},
		UsesDataset:   []Dataset{},
	}

	if m.CreatedBy, err = b.person(tale.CreatorID); err != nil {
		return nil, fmt.Errorf("loading tale creator: %w", err)
	}
	m.Authors = make([]Person, 0, len(tale.Authors))
	for _, a := range tale.Authors {
		m.Authors = append(m.Authors, Person{ID: a.ORCID, Type: TypePerson, GivenName: a.FirstName, FamilyName: a.LastName})
	}
	m.RelatedIdentifiers = make([]RelatedIdentifierRecord, 0, len(tale.RelatedIdentifiers))
	for _, r := range tale.RelatedIdentifiers {
		m.RelatedIdentifiers = append(m.RelatedIdentifiers, RelatedIdentifierRecord{RelatedIdentifier{
			ID:             r.Identifier,
			RelationType:   "datacite:" + r.Relation,
			IdentifierType: identifierType(r.Identifier),
		}})
	}
	r2d := tale.ImageInfo.Repo2DockerVersion
	if r2d == "" {
		r2d = DefaultRepo2DockerVersion
	}
	m.HasPart = []SoftwareApplication{{ID: Repo2DockerID, Type: TypeSoftApp, Version: r2d}}

	workspace, err := directoryAggregates(snap.workspace, "./workspace/", "")
	if err != nil {
		return nil, err
	}
	m.Aggregates = append(m.Aggregates, workspace...)

	external, topIDs, err := b.externalObjects(ctx, snap.dataSet, "", opts.ExpandFolders)
	if err != nil {
		return nil, err
	}
	for _, obj := range external {
		m.Aggregates = append(m.Aggregates, obj.aggregate())
	}
	if m.UsesDataset, err = b.datasets(topIDs); err != nil {
		return nil, err
	}

	license := tale.LicenseSPDX
	if license == "" {
		license = b.defaultLicense
	}
	m.Aggregates = append(m.Aggregates, Aggregate{URI: LicenseURI, License: license})

	if m.HasVersion, err = b.versionRecord(snap); err != nil {
		return nil, err
	}
	if snap.isVersion {
		if err := b.addRuns(m, tale.ID, snap.id); err != nil {
			return nil, err
		}
	}

	if err := Validate(m); err != nil {
		return nil, err
	}
	b.logger.Debug("built manifest", "tale", tale.ID, "version", snap.id, "aggregates", len(m.Aggregates))
	return m, nil
}

func validateAuthors(authors []store.Author) error {
	for _, a := range authors {
		switch {
		case a.ORCID == "":
			return &ValidationError{Reason: "a tale author is missing an ORCID"}
		case a.FirstName == "":
			return &ValidationError{Reason: "a tale author is missing a first name"}
		case a.LastName == "":
			return &ValidationError{Reason: "a tale author is missing a last name"}
		}
	}
	return nil
}

func (b *Builder) snapshot(tale *store.Tale, versionID string) (*snapshot, error) {
	var v *store.Version
	if versionID != "" {
		found, err := b.store.GetVersion(versionID)
		if err != nil {
			return nil, err
		}
		if found.TaleID != tale.ID {
			return nil, fmt.Errorf("version %s does not belong to tale %s", versionID, tale.ID)
		}
		v = found
	} else {
		versions, err := b.store.ListVersions(tale.ID)
		if err != nil {
			return nil, err
		}
		if len(versions) > 0 {
			v = &versions[len(versions)-1]
		}
	}

	if v == nil {
		return &snapshot{
			id:        tale.ID,
			name:      tale.Title,
			creatorID: tale.CreatorID,
			created:   tale.Created,
			updated:   tale.Updated,
			dataSet:   tale.DataSet,
			workspace: b.layout.WorkspaceDir(tale.ID),
		}, nil
	}
	return &snapshot{
		id:        v.ID,
		name:      v.Name,
		creatorID: v.CreatorID,
		created:   v.Created,
		updated:   v.Updated,
		dataSet:   v.DataSet,
		workspace: b.layout.VersionDir(tale.ID, v.ID),
		isVersion: true,
	}, nil
}

func (b *Builder) person(userID string) (*Person, error) {
	u, err := b.store.GetUser(userID)
	if err != nil {
		return nil, err
	}
	return &Person{
		ID:         "mailto:" + u.Email,
		Type:       TypePerson,
		GivenName:  u.FirstName,
		FamilyName: u.LastName,
		Email:      u.Email,
	}, nil
}

func (b *Builder) versionRecord(snap *snapshot) (*VersionRecord, error) {
	creator, err := b.person(snap.creatorID)
	if err != nil {
		return nil, fmt.Errorf("loading version creator: %w", err)
	}
	return &VersionRecord{
		ID:           fmt.Sprintf("%s/folder/%s", b.apiURL, snap.id),
		Type:         TypeVersion,
		Name:         snap.name,
		DateCreated:  formatTime(snap.created),
		DateModified: formatTime(snap.updated),
		Creator:      creator,
	}, nil
}

func (b *Builder) addRuns(m *Manifest, taleID, versionID string) error {
	runs, err := b.store.ListRuns(versionID)
	if err != nil {
		return err
	}
	for _, r := range runs {
		creator, err := b.person(r.CreatorID)
		if err != nil {
			return fmt.Errorf("loading creator of run %s: %w", r.Name, err)
		}
		id := fmt.Sprintf("%s/run/%s", b.apiURL, r.ID)
		m.HasRecordedRuns = append(m.HasRecordedRuns, RunRecord{
			ID:           id,
			Type:         TypeRun,
			Name:         r.Name,
			DateCreated:  formatTime(r.Created),
			DateModified: formatTime(r.Updated),
			Status:       runStatusName(r.Status),
			Creator:      creator,
		})
		files, err := directoryAggregates(b.layout.RunDir(taleID, r.ID), "./runs/"+r.Name+"/", id)
		if err != nil {
			return err
		}
		m.Aggregates = append(m.Aggregates, files...)
	}
	return nil
}

func runStatusName(s store.RunStatus) string {
	switch s {
	case store.RunStarting:
		return "starting"
	case store.RunRunning:
		return "running"
	case store.RunCompleted:
		return "completed"
	case store.RunFailed:
		return "failed"
	case store.RunCancelled:
		return "cancelled"
	}
	return "unknown"
}

// ParseRunStatus maps a wt:runStatus value back to a run status. Older
// manifests carry the numeric code.
func ParseRunStatus(v string) store.RunStatus {
	for s := store.RunUnknown; s <= store.RunCancelled; s++ {
		if runStatusName(s) == v || fmt.Sprint(int(s)) == v {
			return s
		}
	}
	return store.RunUnknown
}

// directoryAggregates describes every regular file below root. A missing
// root yields nothing.
func directoryAggregates(root, prefix, run string) ([]Aggregate, error) {
	var out []Aggregate
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == root {
				return filepath.SkipDir
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		sum, size, err := md5File(p)
		if err != nil {
			return err
		}
		mimeType := mime.TypeByExtension(filepath.Ext(p))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		out = append(out, Aggregate{
			URI:         prefix + filepath.ToSlash(rel),
			Size:        int64Ptr(size),
			MD5:         sum,
			MimeType:    mimeType,
			IsPartOfRun: run,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", root, err)
	}
	return out, nil
}

func md5File(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// externalObject is one dataset entry resolved against its provider.
type externalObject struct {
	uri        string
	name       string
	relPath    string
	kind       store.Kind
	size       int64
	datasetUID string
	storeID    string
}

func (o externalObject) aggregate() Aggregate {
	var bundle *Bundle
	if o.kind == store.KindItem {
		bundle = newBundle(o.relPath, o.name)
	} else {
		bundle = newBundle(path.Join(o.relPath, o.name), "")
	}
	agg := Aggregate{
		URI:        o.uri,
		BundledAs:  bundle,
		Size:       int64Ptr(o.size),
		Identifier: o.storeID,
	}
	if o.datasetUID != "" && o.datasetUID != o.uri {
		agg.IsPartOf = o.datasetUID
	}
	return agg
}

// newBundle escapes each path segment and always ends the folder in "/".
func newBundle(folder, filename string) *Bundle {
	b := &Bundle{Folder: "./data/"}
	if folder = strings.Trim(folder, "/"); folder != "" {
		segments := strings.Split(folder, "/")
		for i, s := range segments {
			segments[i] = url.PathEscape(s)
		}
		b.Folder += strings.Join(segments, "/") + "/"
	}
	if filename != "" {
		b.Filename = url.PathEscape(filename)
	}
	return b
}

func (b *Builder) providerFor(n store.Node) (provider.Provider, error) {
	name := n.Provider()
	p, ok := b.registry.ForMeta(name)
	if !ok {
		return nil, fmt.Errorf("%s %s (%s): no provider %q: %w", n.Kind, n.Name, n.ID, name, provider.ErrNoProvider)
	}
	return p, nil
}

// externalObjects resolves dataset entries and collects the identifiers of
// the datasets they belong to.
func (b *Builder) externalObjects(ctx context.Context, entries []store.DatasetEntry, relPath string, expand bool) ([]externalObject, map[string]bool, error) {
	topIDs := map[string]bool{}
	var out []externalObject
	for _, e := range entries {
		n, err := b.store.GetNode(e.ModelType, e.ItemID)
		if err != nil {
			return nil, nil, fmt.Errorf("loading dataset entry %s: %w", e.MountPath, err)
		}
		p, err := b.providerFor(n)
		if err != nil {
			return nil, nil, err
		}
		top, err := p.DatasetUID(ctx, b.store, n)
		if err != nil {
			return nil, nil, fmt.Errorf("dataset of %s: %w", n.Name, err)
		}
		if top != "" {
			topIDs[top] = true
		}
		obj := externalObject{relPath: relPath, kind: n.Kind, datasetUID: top, storeID: n.ID}

		switch n.Kind {
		case store.KindFolder:
			isRoot := n.Identifier() == top
			uri := top
			if !isRoot {
				uri, err = p.URI(ctx, b.store, n)
				if err != nil {
					if !errors.Is(err, provider.ErrNoURI) && !errors.Is(err, provider.ErrUnsupported) {
						return nil, nil, fmt.Errorf("uri of %s: %w", n.Name, err)
					}
					uri = ""
				}
			}
			if uri == "" && expand && !isRoot {
				expanded, ids, err := b.expandFolder(ctx, n, relPath)
				if err != nil {
					return nil, nil, err
				}
				out = append(out, expanded...)
				for id := range ids {
					topIDs[id] = true
				}
				continue
			}
			if uri == "" {
				uri = "undefined"
			}
			obj.uri, obj.name = uri, n.Name
			if obj.size, err = b.store.FolderSize(n.ID); err != nil {
				return nil, nil, err
			}
		case store.KindItem:
			files, err := b.store.ItemFiles(n.ID)
			if err != nil {
				return nil, nil, err
			}
			if len(files) == 0 {
				return nil, nil, fmt.Errorf("item %s (%s) has no file", n.Name, n.ID)
			}
			f := files[0]
			obj.name, obj.size, obj.uri = f.Name, f.Size, f.LinkURL
			if obj.uri == "" {
				obj.uri = n.Identifier()
			}
			if obj.uri == "" {
				obj.uri = "undefined"
			}
		default:
			return nil, nil, fmt.Errorf("unsupported dataset entry type %q", n.Kind)
		}
		out = append(out, obj)
	}
	return out, topIDs, nil
}

// expandFolder turns a folder into one entry per file below it, keeping
// the relative path of each.
func (b *Builder) expandFolder(ctx context.Context, folder store.Node, relPath string) ([]externalObject, map[string]bool, error) {
	cur := path.Join(relPath, folder.Name)
	items, err := b.store.ChildItems(folder.ID)
	if err != nil {
		return nil, nil, err
	}
	entries := make([]store.DatasetEntry, 0, len(items))
	for _, it := range items {
		entries = append(entries, store.DatasetEntry{ItemID: it.ID, ModelType: store.KindItem, MountPath: path.Join(cur, it.Name)})
	}
	out, topIDs, err := b.externalObjects(ctx, entries, cur, true)
	if err != nil {
		return nil, nil, err
	}

	subfolders, err := b.store.ChildFolders(store.KindFolder, folder.ID)
	if err != nil {
		return nil, nil, err
	}
	for _, sub := range subfolders {
		more, ids, err := b.expandFolder(ctx, sub, cur)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, more...)
		for id := range ids {
			topIDs[id] = true
		}
	}
	return out, topIDs, nil
}

// datasets describes every used dataset that has its own folder, skipping
// plain HTTP files.
func (b *Builder) datasets(topIDs map[string]bool) ([]Dataset, error) {
	ids := make([]string, 0, len(topIDs))
	for id := range topIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := []Dataset{}
	for _, id := range ids {
		folder, ok, err := b.store.FindFolderByIdentifier(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if p := folder.Provider(); p == "HTTP" || p == "HTTPS" {
			continue
		}
		out = append(out, Dataset{ID: id, Type: TypeDataset, Name: folder.Name, Identifier: id})
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
