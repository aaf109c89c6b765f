// Package dataone imports data packages from the DataONE federation.
package dataone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BadgerOps/taleport/internal/config"
	"github.com/BadgerOps/taleport/internal/download"
	"github.com/BadgerOps/taleport/internal/provider"
	"github.com/BadgerOps/taleport/internal/store"
)

// Name is the repository name recorded in DataMaps and node metadata.
const Name = "DataONE"

// ErrNotATale is returned when a package without the Tale keyword is
// imported as a tale.
var ErrNotATale = errors.New("DataONE package is not a tale")

// ErrNoMetadata is returned for packages without a documenting metadata object.
var ErrNoMetadata = errors.New("no documenting metadata in DataONE package")

// Provider implements provider.Provider for DataONE.
type Provider struct {
	client  *download.Client
	logger  *slog.Logger
	baseURL string
}

// New creates a DataONE provider talking to the production coordinating node.
func New(client *download.Client, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{client: client, logger: logger, baseURL: config.DefaultDataONEBaseURL}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return Name }

// Configure applies the dataone config section.
func (p *Provider) Configure(raw provider.ProviderConfig) error {
	cfg, err := config.ParseProviderConfig[config.DataONEProviderConfig](raw)
	if err != nil {
		return fmt.Errorf("dataone config: %w", err)
	}
	if cfg.BaseURL != "" {
		p.baseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	return nil
}

func (p *Provider) node(baseURL string) string {
	if baseURL != "" {
		return strings.TrimSuffix(baseURL, "/")
	}
	return p.baseURL
}

// Matches implements provider.Provider. A value matches when the node can
// map it to exactly one package.
func (p *Provider) Matches(ctx context.Context, e *provider.Entity) bool {
	pid, err := p.packagePID(ctx, e.Value, p.node(e.BaseURL))
	if err != nil {
		p.logger.Debug("not a DataONE package", "value", e.Value, "error", err)
		return false
	}
	return pid != ""
}

// Lookup implements provider.Provider.
func (p *Provider) Lookup(ctx context.Context, e *provider.Entity) (*provider.DataMap, error) {
	base := p.node(e.BaseURL)
	packagePID, err := p.packagePID(ctx, e.Value, base)
	if err != nil {
		return nil, err
	}
	docs, err := p.documents(ctx, packagePID, base)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: package %s is empty", ErrNotFound, packagePID)
	}
	metadata := filterDocs(docs, "METADATA")
	if len(metadata) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMetadata, packagePID)
	}
	var total int64
	for _, d := range docs {
		total += d.Size
	}
	meta := metadata[0]
	name := meta.Title
	if name == "" {
		name = "no title"
	}
	doi := meta.Identifier
	if doi == "" {
		doi = "no DOI"
	}
	return &provider.DataMap{
		DataID:     packagePID,
		Size:       total,
		Name:       name,
		DOI:        doi,
		Repository: Name,
		Tale:       hasKeyword(meta.Keywords, "Tale"),
		BaseURL:    base,
	}, nil
}

func hasKeyword(keywords []string, want string) bool {
	for _, k := range keywords {
		if k == want {
			return true
		}
	}
	return false
}

// Traverse implements provider.Provider. Packages are flat; child packages
// become nested folders.
func (p *Provider) Traverse(ctx context.Context, req provider.TraverseRequest, emit provider.EmitFunc) error {
	progress := req.Progress
	if progress == nil {
		progress = provider.NopProgress{}
	}
	return p.walkPackage(ctx, req.DataID, req.Name, p.node(req.BaseURL), progress, emit)
}

func (p *Provider) walkPackage(ctx context.Context, pid, name, base string, progress provider.Progress, emit provider.EmitFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	progress.Update(1, fmt.Sprintf("Processing package %s.", pid))

	docs, err := p.documents(ctx, pid, base)
	if err != nil {
		return err
	}
	metadata := filterDocs(docs, "METADATA")
	if len(metadata) == 0 {
		return fmt.Errorf("%w: %s", ErrNoMetadata, pid)
	}
	data := filterDocs(docs, "DATA")
	children := filterDocs(docs, "RESOURCE")

	var primary []solrDoc
	for _, d := range metadata {
		if len(d.Documents) > 0 {
			primary = append(primary, d)
		}
	}
	switch len(primary) {
	case 0:
		return fmt.Errorf("%w: %s", ErrNoMetadata, pid)
	case 1:
	default:
		return fmt.Errorf("%w: multiple documenting metadata objects in %s", ErrAmbiguous, pid)
	}
	primaryID := primary[0].Identifier
	for _, d := range metadata {
		if d.Identifier != primaryID {
			data = append(data, d)
		}
	}
	if name == "" {
		name = primary[0].Title
	}

	if err := emit(provider.NewFolder(name, primaryID, store.Meta{"dsRelPath": "/"})); err != nil {
		return err
	}
	for _, d := range data {
		fileName := d.FileName
		if fileName == "" {
			fileName = d.Identifier
		}
		meta := store.Meta{
			"dsRelPath":        "/" + fileName,
			"directIdentifier": d.Identifier,
		}
		if d.ChecksumAlgorithm != "" {
			meta["checksum"] = map[string]interface{}{strings.ToLower(d.ChecksumAlgorithm): d.Checksum}
		}
		url := base + "/resolve/" + d.Identifier
		if err := emit(provider.NewFile(fileName, d.Size, d.FormatID, url, primaryID, meta)); err != nil {
			return err
		}
	}
	for _, child := range children {
		p.logger.Debug("registering child package", "pid", child.Identifier)
		if err := p.walkPackage(ctx, child.Identifier, "", base, progress, emit); err != nil {
			return err
		}
	}
	return emit(provider.EndFolder())
}

// DatasetUID implements provider.Provider. Items report their folder's
// identifier.
func (p *Provider) DatasetUID(_ context.Context, st *store.Store, n store.Node) (string, error) {
	if n.Kind == store.KindItem {
		folder, err := st.GetFolder(n.ParentID)
		if err != nil {
			return "", err
		}
		n = folder
	}
	if id := n.Identifier(); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("folder %s has no DataONE identifier", n.ID)
}

// URI implements provider.Provider.
func (p *Provider) URI(context.Context, *store.Store, store.Node) (string, error) {
	return "", provider.ErrNoURI
}

// PackageInfo implements provider.PackageImporter.
func (p *Provider) PackageInfo(ctx context.Context, dm provider.DataMap) (*provider.Package, error) {
	if !dm.Tale {
		return nil, fmt.Errorf("%w: %s (CN: %s)", ErrNotATale, dm.DataID, dm.BaseURL)
	}
	base := p.node(dm.BaseURL)
	docs, err := p.documents(ctx, dm.DataID, base)
	if err != nil {
		return nil, err
	}
	var metadata, archive *solrDoc
	for i := range docs {
		switch docs[i].FormatType {
		case "METADATA":
			if metadata == nil || len(docs[i].Documents) > 0 {
				metadata = &docs[i]
			}
		case "DATA":
			archive = &docs[i]
		}
	}
	if metadata == nil || archive == nil {
		return nil, fmt.Errorf("%w: %s lacks metadata or an archive", ErrNotATale, dm.DataID)
	}
	return &provider.Package{
		URL: base + "/object/" + archive.Identifier,
		PublishInfo: store.PublishInfo{
			PID:          metadata.Identifier,
			URI:          metadata.DataURL,
			Date:         metadata.DateUploaded,
			RepositoryID: dm.DataID,
			Repository:   Name,
		},
		RelatedIdentifiers: []store.RelatedIdentifier{
			{Relation: "IsDerivedFrom", Identifier: dm.DOI},
		},
	}, nil
}
