// Package dataverse imports datasets and single files from Dataverse
// installations.
package dataverse

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/BadgerOps/taleport/internal/config"
	"github.com/BadgerOps/taleport/internal/download"
	"github.com/BadgerOps/taleport/internal/provider"
	"github.com/BadgerOps/taleport/internal/store"
)

// Name is the repository name recorded in DataMaps and node metadata.
const Name = "Dataverse"

const installationsKey = "installations"

//go:embed installations.json
var bundledInstallations []byte

var datasetPagePattern = regexp.MustCompile(`^http.*/dataset\.xhtml\?persistentId=.*$`)

type installationList struct {
	Installations []struct {
		Name     string `json:"name"`
		Hostname string `json:"hostname"`
	} `json:"installations"`
}

// Provider implements provider.Provider for Dataverse.
type Provider struct {
	client   *download.Client
	logger   *slog.Logger
	patterns *provider.Patterns
	cache    *cache.Cache
	group    singleflight.Group

	mu               sync.RWMutex
	installationsURL string
	extraHosts       []string
}

// New creates a Dataverse provider reading the public installations list.
func New(client *download.Client, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		client:           client,
		logger:           logger,
		cache:            cache.New(time.Hour, 2*time.Hour),
		installationsURL: config.DefaultDataverseInstallationsURL,
	}
	p.patterns = provider.NewPatterns(logger, p.buildPatterns)
	return p
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return Name }

// Configure applies the dataverse config section.
func (p *Provider) Configure(raw provider.ProviderConfig) error {
	cfg, err := config.ParseProviderConfig[config.DataverseProviderConfig](raw)
	if err != nil {
		return fmt.Errorf("dataverse config: %w", err)
	}
	if cfg.CacheTTL > 0 {
		p.cache = cache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	installationsURL := cfg.InstallationsURL
	if installationsURL == "" {
		installationsURL = config.DefaultDataverseInstallationsURL
	}
	p.SetInstallations(installationsURL, cfg.ExtraHosts)
	return nil
}

// SetInstallations points the provider at an installations document (or a
// single Dataverse instance) plus extra host names, and drops cached
// patterns.
func (p *Provider) SetInstallations(installationsURL string, extraHosts []string) {
	p.mu.Lock()
	p.installationsURL = installationsURL
	p.extraHosts = append([]string(nil), extraHosts...)
	p.mu.Unlock()
	p.cache.Delete(installationsKey)
	p.patterns.Invalidate()
}

// hostnames returns the known installation hosts. Fetches are cached and
// concurrent callers share one request.
func (p *Provider) hostnames(ctx context.Context) []string {
	if v, ok := p.cache.Get(installationsKey); ok {
		return v.([]string)
	}
	v, _, _ := p.group.Do(installationsKey, func() (interface{}, error) {
		hosts := p.fetchHostnames(ctx)
		p.cache.SetDefault(installationsKey, hosts)
		return hosts, nil
	})
	return v.([]string)
}

func (p *Provider) fetchHostnames(ctx context.Context) []string {
	p.mu.RLock()
	target := p.installationsURL
	p.mu.RUnlock()

	single := ""
	fetchURL := target
	if u, err := url.Parse(target); err == nil {
		single = u.Host
		if !strings.HasSuffix(target, "json") {
			fetchURL = (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/api/info/version"}).String()
		}
	}

	var raw json.RawMessage
	if err := p.client.GetJSON(ctx, fetchURL, nil, &raw); err != nil {
		p.logger.Warn("failed to fetch dataverse installations, using bundled copy", "url", fetchURL, "error", err)
		raw = bundledInstallations
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		p.logger.Warn("unreadable dataverse installations, using bundled copy", "error", err)
		raw = bundledInstallations
		probe = map[string]json.RawMessage{installationsKey: nil}
	}
	if _, ok := probe[installationsKey]; !ok {
		// a single instance answered /api/info/version
		if single == "" {
			return nil
		}
		return []string{single}
	}

	var list installationList
	if err := json.Unmarshal(raw, &list); err != nil {
		p.logger.Warn("unreadable dataverse installations", "error", err)
		return nil
	}
	seen := make(map[string]bool)
	var hosts []string
	for _, inst := range list.Installations {
		if inst.Hostname == "" || seen[inst.Hostname] {
			continue
		}
		seen[inst.Hostname] = true
		hosts = append(hosts, inst.Hostname)
	}
	return hosts
}

func (p *Provider) buildPatterns(ctx context.Context) ([]*regexp.Regexp, error) {
	domains := p.hostnames(ctx)
	p.mu.RLock()
	domains = append(append([]string(nil), domains...), p.extraHosts...)
	p.mu.RUnlock()

	quoted := make([]string, 0, len(domains))
	for _, d := range domains {
		quoted = append(quoted, regexp.QuoteMeta(d))
	}
	exprs := []*regexp.Regexp{datasetPagePattern}
	if len(quoted) > 0 {
		re, err := regexp.Compile(`^https?://(` + strings.Join(quoted, "|") + `).*$`)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, re)
	}
	return exprs, nil
}

// Matches implements provider.Provider.
func (p *Provider) Matches(ctx context.Context, e *provider.Entity) bool {
	return p.patterns.Match(ctx, e.Value)
}

// Lookup implements provider.Provider.
func (p *Provider) Lookup(ctx context.Context, e *provider.Entity) (*provider.DataMap, error) {
	title, files, doi, err := p.parsePID(ctx, e.Value, false)
	if err != nil {
		return nil, err
	}
	var size int64
	for _, f := range files {
		size += f.Size
	}
	return &provider.DataMap{
		DataID:     e.Value,
		Size:       size,
		DOI:        doi,
		Name:       title,
		Repository: Name,
	}, nil
}

// Traverse implements provider.Provider.
func (p *Provider) Traverse(ctx context.Context, req provider.TraverseRequest, emit provider.EmitFunc) error {
	title, files, doi, err := p.parsePID(ctx, req.DataID, true)
	if err != nil {
		return err
	}
	if err := emit(provider.NewFolder(title, doi, store.Meta{"dsRelPath": "/"})); err != nil {
		return err
	}
	if err := walk(ctx, hierarchy(files), "/", doi, emit); err != nil {
		return err
	}
	return emit(provider.EndFolder())
}

// DatasetUID implements provider.Provider. Items defer to their folder and
// folders without an identifier defer to their parent.
func (p *Provider) DatasetUID(_ context.Context, st *store.Store, n store.Node) (string, error) {
	var err error
	if n.Kind == store.KindItem {
		if n, err = st.GetFolder(n.ParentID); err != nil {
			return "", err
		}
	}
	for n.Identifier() == "" {
		if n.ParentType != store.KindFolder {
			return "", fmt.Errorf("no dataset identifier above %s %s", n.Kind, n.ID)
		}
		if n, err = st.GetFolder(n.ParentID); err != nil {
			return "", err
		}
	}
	return n.Identifier(), nil
}

// URI implements provider.Provider.
func (p *Provider) URI(context.Context, *store.Store, store.Node) (string, error) {
	return "", provider.ErrNoURI
}
