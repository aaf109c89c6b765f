// Package zenodo imports Zenodo records, including records that are
// themselves published tales.
package zenodo

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
	"sync"

	"github.com/BadgerOps/taleport/internal/config"
	"github.com/BadgerOps/taleport/internal/download"
	"github.com/BadgerOps/taleport/internal/provider"
	"github.com/BadgerOps/taleport/internal/store"
)

// Name is the repository name recorded in DataMaps and node metadata.
const Name = "Zenodo"

const recordMediaType = "application/vnd.zenodo.v1+json"

var baseTargets = []string{"https://zenodo.org/record/"}

// ErrNotATale is returned when a record is imported as a tale but does not
// carry the Tale keyword with exactly one file.
var ErrNotATale = errors.New("zenodo record is not a tale")

type recordFile struct {
	Key      string `json:"key"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
	Type     string `json:"type"`
	Links    struct {
		Self string `json:"self"`
	} `json:"links"`
}

type record struct {
	ID           int64       `json:"id"`
	DOI          string      `json:"doi"`
	ConceptDOI   string      `json:"conceptdoi"`
	ConceptRecID interface{} `json:"conceptrecid"`
	Created      string      `json:"created"`
	Links        struct {
		DOI string `json:"doi"`
	} `json:"links"`
	Metadata struct {
		Title     string        `json:"title"`
		Version   interface{}   `json:"version"`
		Keywords  []string      `json:"keywords"`
		Relations *struct {
			Version []struct {
				Index int `json:"index"`
			} `json:"version"`
		} `json:"relations"`
	} `json:"metadata"`
	Files []recordFile `json:"files"`
}

func (r *record) doi() string {
	return "doi:" + r.DOI
}

func (r *record) title() string {
	var version string
	switch {
	case r.Metadata.Version != nil:
		version = fmt.Sprint(r.Metadata.Version)
	case r.Metadata.Relations != nil && len(r.Metadata.Relations.Version) > 0:
		version = fmt.Sprint(r.Metadata.Relations.Version[0].Index + 1)
	default:
		version = fmt.Sprint(r.ID)
	}
	return r.Metadata.Title + "_ver_" + version
}

func (r *record) isTale() bool {
	hasKeyword := false
	for _, k := range r.Metadata.Keywords {
		if k == "Tale" {
			hasKeyword = true
			break
		}
	}
	return hasKeyword && len(r.Files) == 1
}

func (r *record) size() int64 {
	var total int64
	for _, f := range r.Files {
		total += f.Size
	}
	return total
}

// Provider implements provider.Provider for Zenodo.
type Provider struct {
	client   *download.Client
	logger   *slog.Logger
	patterns *provider.Patterns

	mu         sync.RWMutex
	extraHosts []string
}

// New creates a Zenodo provider.
func New(client *download.Client, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{client: client, logger: logger}
	p.patterns = provider.NewPatterns(logger, p.buildPatterns)
	return p
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return Name }

// Configure applies the zenodo config section.
func (p *Provider) Configure(raw provider.ProviderConfig) error {
	cfg, err := config.ParseProviderConfig[config.ZenodoProviderConfig](raw)
	if err != nil {
		return fmt.Errorf("zenodo config: %w", err)
	}
	p.SetExtraHosts(cfg.ExtraHosts)
	return nil
}

// SetExtraHosts replaces the additional record URL prefixes, e.g.
// "https://sandbox.zenodo.org/record/".
func (p *Provider) SetExtraHosts(hosts []string) {
	p.mu.Lock()
	p.extraHosts = append([]string(nil), hosts...)
	p.mu.Unlock()
	p.patterns.Invalidate()
}

func (p *Provider) buildPatterns(context.Context) ([]*regexp.Regexp, error) {
	p.mu.RLock()
	targets := append(append([]string(nil), p.extraHosts...), baseTargets...)
	p.mu.RUnlock()

	var alts []string
	for _, t := range targets {
		u, err := url.Parse(t)
		if err != nil || u.Host == "" {
			p.logger.Warn("ignoring malformed zenodo host", "host", t)
			continue
		}
		alts = append(alts, regexp.QuoteMeta(u.Host+u.Path))
	}
	re, err := regexp.Compile("^http(s)?://(" + strings.Join(alts, "|") + ").*$")
	if err != nil {
		return nil, err
	}
	return []*regexp.Regexp{re}, nil
}

// Matches implements provider.Provider.
func (p *Provider) Matches(ctx context.Context, e *provider.Entity) bool {
	return p.patterns.Match(ctx, e.Value)
}

func (p *Provider) getRecord(ctx context.Context, rawURL string) (*record, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing record url %q: %w", rawURL, err)
	}
	recordID := path.Base(strings.TrimSuffix(u.Path, "/"))
	api := url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/api/records/" + recordID}

	header := http.Header{}
	header.Set("Accept", recordMediaType)
	var rec record
	if err := p.client.GetJSON(ctx, api.String(), header, &rec); err != nil {
		return nil, fmt.Errorf("fetching zenodo record %s: %w", recordID, err)
	}
	return &rec, nil
}

// Lookup implements provider.Provider.
func (p *Provider) Lookup(ctx context.Context, e *provider.Entity) (*provider.DataMap, error) {
	rec, err := p.getRecord(ctx, e.Value)
	if err != nil {
		return nil, err
	}
	return &provider.DataMap{
		DataID:     e.Value,
		Size:       rec.size(),
		DOI:        rec.doi(),
		Name:       rec.title(),
		Repository: Name,
		Tale:       rec.isTale(),
	}, nil
}

// dirNode groups files by directory while keeping first-seen order.
type dirNode struct {
	files    []recordFile
	names    []string
	children map[string]*dirNode
}

func newDirNode() *dirNode {
	return &dirNode{children: make(map[string]*dirNode)}
}

func hierarchy(files []recordFile) *dirNode {
	root := newDirNode()
	for _, f := range files {
		node := root
		parts := strings.Split(strings.Trim(f.Key, "/"), "/")
		for _, dir := range parts[:len(parts)-1] {
			if dir == "" || dir == "." {
				continue
			}
			child, ok := node.children[dir]
			if !ok {
				child = newDirNode()
				node.children[dir] = child
				node.names = append(node.names, dir)
			}
			node = child
		}
		node.files = append(node.files, f)
	}
	return root
}

// Traverse implements provider.Provider.
func (p *Provider) Traverse(ctx context.Context, req provider.TraverseRequest, emit provider.EmitFunc) error {
	rec, err := p.getRecord(ctx, req.DataID)
	if err != nil {
		return err
	}
	doi := rec.doi()

	var subProvider string
	if u, err := url.Parse(req.DataID); err == nil {
		subProvider = u.Host
	}
	conceptRecID := ""
	if rec.ConceptRecID != nil {
		conceptRecID = fmt.Sprint(rec.ConceptRecID)
	}
	meta := store.Meta{
		"conceptdoi":   rec.ConceptDOI,
		"conceptrecid": conceptRecID,
		"subProvider":  subProvider,
	}
	if err := emit(provider.NewFolder(rec.title(), doi, meta)); err != nil {
		return err
	}
	if err := p.walk(ctx, hierarchy(rec.Files), "/", doi, emit); err != nil {
		return err
	}
	return emit(provider.EndFolder())
}

func (p *Provider) walk(ctx context.Context, node *dirNode, prefix, doi string, emit provider.EmitFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, f := range node.files {
		name := path.Base(f.Key)
		meta := store.Meta{"dsRelPath": path.Join(prefix, name)}
		if alg, sum, ok := strings.Cut(f.Checksum, ":"); ok {
			meta["checksum"] = map[string]interface{}{alg: sum}
		}
		if err := emit(provider.NewFile(name, f.Size, "application/octet-stream", f.Links.Self, doi, meta)); err != nil {
			return err
		}
	}
	for _, dir := range node.names {
		relPath := path.Join(prefix, dir)
		if err := emit(provider.NewFolder(dir, doi, store.Meta{"dsRelPath": relPath})); err != nil {
			return err
		}
		if err := p.walk(ctx, node.children[dir], relPath, doi, emit); err != nil {
			return err
		}
		if err := emit(provider.EndFolder()); err != nil {
			return err
		}
	}
	return nil
}

// DatasetUID implements provider.Provider. Dataset roots carry the record
// DOI; anything below inherits the root's.
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

// URI implements provider.Provider. Zenodo subfolders have no landing page.
func (p *Provider) URI(context.Context, *store.Store, store.Node) (string, error) {
	return "", provider.ErrNoURI
}

// PackageInfo implements provider.PackageImporter.
func (p *Provider) PackageInfo(ctx context.Context, dm provider.DataMap) (*provider.Package, error) {
	rec, err := p.getRecord(ctx, dm.DataID)
	if err != nil {
		return nil, err
	}
	if !rec.isTale() {
		return nil, fmt.Errorf("%w: %s", ErrNotATale, rec.doi())
	}
	file := rec.Files[0]
	if file.Type != "zip" {
		return nil, fmt.Errorf("%w: %s holds a %q file, not a zip", ErrNotATale, rec.doi(), file.Type)
	}
	var netloc string
	if u, err := url.Parse(dm.DataID); err == nil {
		netloc = u.Host
	}
	return &provider.Package{
		URL: file.Links.Self,
		PublishInfo: store.PublishInfo{
			PID:          rec.doi(),
			URI:          rec.Links.DOI,
			Date:         rec.Created,
			RepositoryID: fmt.Sprint(rec.ID),
			Repository:   netloc,
		},
		RelatedIdentifiers: []store.RelatedIdentifier{
			{Relation: "IsDerivedFrom", Identifier: rec.doi()},
		},
	}, nil
}
