// Package globus imports Materials Data Facility datasets published through
// Globus search and served by Globus transfer endpoints.
package globus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/BadgerOps/taleport/internal/config"
	"github.com/BadgerOps/taleport/internal/download"
	"github.com/BadgerOps/taleport/internal/provider"
	"github.com/BadgerOps/taleport/internal/store"
)

// Name is the repository name recorded in DataMaps and node metadata.
const Name = "Globus"

const detailPrefix = "/mdf/detail"

var detailPattern = regexp.MustCompile(`^https://.*anl.gov/mdf/detail.*`)

var (
	// ErrNotMDF is returned for URLs that are not MDF detail pages.
	ErrNotMDF = errors.New("not an MDF resource page")
	// ErrSearch is returned when the search index does not hold exactly one
	// record for a dataset.
	ErrSearch = errors.New("unexpected MDF search result")
)

type searchRequest struct {
	DataType string `json:"@datatype"`
	Q        string `json:"q"`
	Advanced bool   `json:"advanced"`
}

type searchResponse struct {
	Count int `json:"count"`
	GMeta []struct {
		Entries []struct {
			Content struct {
				Data struct {
					EndpointPath string `json:"endpoint_path"`
				} `json:"data"`
				DC struct {
					Identifier struct {
						Identifier     string `json:"identifier"`
						IdentifierType string `json:"identifierType"`
					} `json:"identifier"`
					Titles []struct {
						Title string `json:"title"`
					} `json:"titles"`
				} `json:"dc"`
			} `json:"content"`
		} `json:"entries"`
	} `json:"gmeta"`
}

type lsResponse struct {
	Data []struct {
		Name string `json:"name"`
		Type string `json:"type"`
		Size int64  `json:"size"`
	} `json:"DATA"`
}

// datasetMeta is what the search index says about one MDF dataset.
type datasetMeta struct {
	Endpoint     string
	Path         string
	EndpointPath string
	DOI          string
	Title        string
}

// Provider implements provider.Provider for MDF/Globus.
type Provider struct {
	client      *download.Client
	logger      *slog.Logger
	patterns    *provider.Patterns
	searchURL   string
	transferURL string
	indexID     string
	token       string
}

// New creates a Globus provider using the public search index.
func New(client *download.Client, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		client:      client,
		logger:      logger,
		patterns:    provider.StaticPatterns(detailPattern),
		searchURL:   config.DefaultGlobusSearchURL,
		transferURL: config.DefaultGlobusTransferURL,
		indexID:     config.DefaultGlobusIndexID,
	}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return Name }

// Configure applies the globus config section.
func (p *Provider) Configure(raw provider.ProviderConfig) error {
	cfg, err := config.ParseProviderConfig[config.GlobusProviderConfig](raw)
	if err != nil {
		return fmt.Errorf("globus config: %w", err)
	}
	if cfg.SearchURL != "" {
		p.searchURL = strings.TrimSuffix(cfg.SearchURL, "/")
	}
	if cfg.TransferURL != "" {
		p.transferURL = strings.TrimSuffix(cfg.TransferURL, "/")
	}
	if cfg.IndexID != "" {
		p.indexID = cfg.IndexID
	}
	p.token = cfg.Token
	return nil
}

// Matches implements provider.Provider.
func (p *Provider) Matches(ctx context.Context, e *provider.Entity) bool {
	return p.patterns.Match(ctx, e.Value)
}

func (p *Provider) extractMeta(ctx context.Context, raw string) (*datasetMeta, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing MDF url %q: %w", raw, err)
	}
	if !strings.HasPrefix(u.Path, detailPrefix) {
		return nil, fmt.Errorf("%w: %s", ErrNotMDF, raw)
	}
	globusID := strings.Trim(strings.TrimPrefix(u.Path, detailPrefix), "/")

	req := searchRequest{DataType: "GSearchRequest", Q: `"` + globusID + `"`}
	var resp searchResponse
	searchURL := fmt.Sprintf("%s/index/%s/search", p.searchURL, p.indexID)
	if err := p.client.PostJSON(ctx, searchURL, nil, req, &resp); err != nil {
		return nil, fmt.Errorf("searching MDF for %s: %w", globusID, err)
	}
	if resp.Count != 1 || len(resp.GMeta) == 0 || len(resp.GMeta[0].Entries) == 0 {
		return nil, fmt.Errorf("%w: found %d results for %q", ErrSearch, resp.Count, globusID)
	}
	content := resp.GMeta[0].Entries[0].Content

	endpointURL, err := url.Parse(content.Data.EndpointPath)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint path %q: %w", content.Data.EndpointPath, err)
	}
	ident := content.DC.Identifier
	doi := ident.Identifier
	if !strings.Contains(doi, ":") {
		doi = strings.ToLower(ident.IdentifierType) + ":" + doi
	}
	var title string
	if len(content.DC.Titles) > 0 {
		title = content.DC.Titles[0].Title
	}
	return &datasetMeta{
		Endpoint:     endpointURL.Host,
		Path:         endpointURL.Path,
		EndpointPath: content.Data.EndpointPath,
		DOI:          doi,
		Title:        title,
	}, nil
}

// Lookup implements provider.Provider. The size is left unknown because
// walking a transfer endpoint is slow.
func (p *Provider) Lookup(ctx context.Context, e *provider.Entity) (*provider.DataMap, error) {
	meta, err := p.extractMeta(ctx, e.Value)
	if err != nil {
		return nil, err
	}
	return &provider.DataMap{
		DataID:     e.Value,
		Size:       -1,
		DOI:        meta.DOI,
		Name:       meta.Title,
		Repository: Name,
	}, nil
}

// Traverse implements provider.Provider.
func (p *Provider) Traverse(ctx context.Context, req provider.TraverseRequest, emit provider.EmitFunc) error {
	meta, err := p.extractMeta(ctx, req.DataID)
	if err != nil {
		return err
	}
	progress := req.Progress
	if progress == nil {
		progress = provider.NopProgress{}
	}
	rootMeta := store.Meta{"dsRelPath": "/", "endpointPath": meta.EndpointPath}
	if err := emit(provider.NewFolder(meta.Title, meta.DOI, rootMeta)); err != nil {
		return err
	}
	root := meta.Path
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	if err := p.walk(ctx, meta.Endpoint, root, "/", meta.DOI, progress, emit); err != nil {
		return err
	}
	return emit(provider.EndFolder())
}

func (p *Provider) walk(ctx context.Context, endpoint, dir, rel, doi string, progress provider.Progress, emit provider.EmitFunc) error {
	progress.Update(1, "Listing files")
	entries, err := p.ls(ctx, endpoint, dir)
	if err != nil {
		return err
	}
	for _, entry := range entries.Data {
		relPath := path.Join(rel, entry.Name)
		switch entry.Type {
		case "dir":
			if err := emit(provider.NewFolder(entry.Name, doi, store.Meta{"dsRelPath": relPath})); err != nil {
				return err
			}
			if err := p.walk(ctx, endpoint, dir+entry.Name+"/", relPath, doi, progress, emit); err != nil {
				return err
			}
			if err := emit(provider.EndFolder()); err != nil {
				return err
			}
		case "file":
			link := "globus://" + endpoint + dir + entry.Name
			if err := emit(provider.NewFile(entry.Name, entry.Size, "application/octet-stream", link, doi, store.Meta{"dsRelPath": relPath})); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Provider) ls(ctx context.Context, endpoint, dir string) (*lsResponse, error) {
	q := url.Values{}
	q.Set("path", dir)
	lsURL := fmt.Sprintf("%s/operation/endpoint/%s/ls?%s", p.transferURL, url.PathEscape(endpoint), q.Encode())

	header := http.Header{}
	if p.token != "" {
		header.Set("Authorization", "Bearer "+p.token)
	}
	var resp lsResponse
	if err := p.client.GetJSON(ctx, lsURL, header, &resp); err != nil {
		return nil, fmt.Errorf("listing %s on %s: %w", dir, endpoint, err)
	}
	return &resp, nil
}

// DatasetUID implements provider.Provider.
func (p *Provider) DatasetUID(_ context.Context, st *store.Store, n store.Node) (string, error) {
	if id := n.Identifier(); id != "" {
		return id, nil
	}
	root, err := provider.DatasetRoot(st, n, Name)
	if err != nil {
		return "", err
	}
	return root.Identifier(), nil
}

// URI implements provider.Provider. Items use their link; folders are
// addressed below the dataset's endpoint path.
func (p *Provider) URI(_ context.Context, st *store.Store, n store.Node) (string, error) {
	if n.Kind == store.KindItem {
		files, err := st.ItemFiles(n.ID)
		if err != nil {
			return "", err
		}
		if len(files) == 0 || files[0].LinkURL == "" {
			return "", provider.ErrNoURI
		}
		return files[0].LinkURL, nil
	}
	root, err := provider.DatasetRoot(st, n, Name)
	if err != nil {
		return "", err
	}
	base := root.Meta.String("endpointPath")
	if base == "" {
		return "", provider.ErrNoURI
	}
	rel := strings.TrimPrefix(n.Meta.String("dsRelPath"), "/")
	return strings.TrimSuffix(base, "/") + "/" + rel, nil
}
