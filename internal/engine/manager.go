package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BadgerOps/taleport/internal/config"
	"github.com/BadgerOps/taleport/internal/download"
	"github.com/BadgerOps/taleport/internal/manifest"
	"github.com/BadgerOps/taleport/internal/provider"
	"github.com/BadgerOps/taleport/internal/provider/null"
	"github.com/BadgerOps/taleport/internal/register"
	"github.com/BadgerOps/taleport/internal/resolver"
	"github.com/BadgerOps/taleport/internal/store"
)

// CatalogCollection is the collection external datasets are registered in
// when no parent is given.
const CatalogCollection = "WholeTale Catalog"

// Manager connects the resolver chain, the provider registry and the store.
type Manager struct {
	registry *provider.Registry
	resolver *resolver.Chain
	store    *store.Store
	client   *download.Client
	config   *config.Config
	layout   store.Layout
	logger   *slog.Logger

	// mu guards registry swaps against running lookups and registrations
	mu      sync.RWMutex
	factory ProviderFactory

	trackerMu     sync.RWMutex
	activeTracker *register.Tracker
}

// NewManager creates a Manager. A nil chain skips identifier resolution.
func NewManager(
	registry *provider.Registry,
	chain *resolver.Chain,
	st *store.Store,
	client *download.Client,
	cfg *config.Config,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Manager{
		registry: registry,
		resolver: chain,
		store:    st,
		client:   client,
		config:   cfg,
		layout:   store.Layout{Root: cfg.TaleDir()},
		logger:   logger,
	}
}

// SetProviderFactory sets the factory used by ReconfigureProviders.
func (m *Manager) SetProviderFactory(f ProviderFactory) {
	m.factory = f
}

// SetLayout overrides where workspaces, versions and runs live.
func (m *Manager) SetLayout(l store.Layout) {
	m.layout = l
}

// Layout returns the tale directory layout.
func (m *Manager) Layout() store.Layout { return m.layout }

// Store returns the object store.
func (m *Manager) Store() *store.Store { return m.store }

// Registry returns the provider registry.
func (m *Manager) Registry() *provider.Registry { return m.registry }

// ActiveProgress returns the tracker of the last registration batch, or nil.
func (m *Manager) ActiveProgress() *register.Tracker {
	m.trackerMu.RLock()
	defer m.trackerMu.RUnlock()
	return m.activeTracker
}

// LookupResult is the outcome for one identifier of a batch. Exactly one of
// DataMap, FileMap or Err is set.
type LookupResult struct {
	ID      string
	DataMap *provider.DataMap
	FileMap *provider.FileMap
	Err     error
}

// resolve canonicalizes id and picks the provider for it.
func (m *Manager) resolve(ctx context.Context, id, baseURL string) (*provider.Entity, provider.Provider, error) {
	e := provider.NewEntity(strings.TrimSpace(id))
	e.BaseURL = baseURL
	if m.resolver != nil {
		if _, err := m.resolver.Resolve(ctx, e); err != nil {
			var rerr *resolver.ResolutionError
			if errors.As(err, &rerr) {
				return nil, nil, fmt.Errorf("id %q was categorized as DOI, but its resolution failed: %w", id, err)
			}
			return nil, nil, err
		}
	}
	p, err := m.registry.GetProvider(ctx, e)
	if err != nil {
		return nil, nil, err
	}
	return e, p, nil
}

// ResolveAndLookup describes each identifier. A failing identifier does
// not stop the batch.
func (m *Manager) ResolveAndLookup(ctx context.Context, ids []string, baseURL string) []LookupResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]LookupResult, 0, len(ids))
	for _, id := range ids {
		res := LookupResult{ID: id}
		e, p, err := m.resolve(ctx, id, baseURL)
		if err == nil {
			res.DataMap, err = p.Lookup(ctx, e)
		}
		if err != nil {
			res.Err = batchError("lookup for", id, err)
			m.logger.Warn("lookup failed", "id", id, "error", err)
		} else {
			m.logger.Debug("lookup succeeded", "id", id, "provider", res.DataMap.Repository, "size", res.DataMap.Size)
		}
		results = append(results, res)
	}
	return results
}

// ListFiles previews the content of each identifier without registering
// anything.
func (m *Manager) ListFiles(ctx context.Context, ids []string, baseURL string) []LookupResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]LookupResult, 0, len(ids))
	for _, id := range ids {
		res := LookupResult{ID: id}
		e, p, err := m.resolve(ctx, id, baseURL)
		var dm *provider.DataMap
		if err == nil {
			dm, err = p.Lookup(ctx, e)
		}
		if err == nil {
			res.FileMap, err = provider.ListFiles(ctx, p, provider.RequestFor(*dm, baseURL, nil))
		}
		if err != nil {
			res.Err = batchError("listing files at", id, err)
			m.logger.Warn("listing failed", "id", id, "error", err)
		}
		results = append(results, res)
	}
	return results
}

// batchError keeps resolution failures as they are and prefixes the rest.
func batchError(action, id string, err error) error {
	var rerr *resolver.ResolutionError
	if errors.As(err, &rerr) {
		return err
	}
	return fmt.Errorf("%s %q failed: %w", action, id, err)
}

// Catalog returns the collection datasets are registered in by default.
func (m *Manager) Catalog() (store.Node, error) {
	return m.store.EnsureCollection(CatalogCollection)
}

// RegisterResult is the outcome of registering one data map.
type RegisterResult struct {
	DataMap provider.DataMap
	Root    store.Node
	Err     error
}

// RegisterMany materializes every data map below parent, several datasets
// at a time. Results are in input order. A zero parent registers into the
// catalog collection.
func (m *Manager) RegisterMany(ctx context.Context, dms []provider.DataMap, parent store.Node, baseURL string) ([]RegisterResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if parent.ID == "" {
		catalog, err := m.Catalog()
		if err != nil {
			return nil, fmt.Errorf("opening catalog: %w", err)
		}
		parent = catalog
	}

	results := make([]RegisterResult, len(dms))
	jobs := make([]register.Job, 0, len(dms))
	slots := make([]int, 0, len(dms))
	for i, dm := range dms {
		results[i].DataMap = dm
		p, err := m.registry.FromDataMap(dm)
		if err != nil {
			results[i].Err = err
			continue
		}
		jobs = append(jobs, register.Job{Provider: p, DataMap: dm, Parent: parent, BaseURL: baseURL})
		slots = append(slots, i)
	}

	tracker := register.NewTracker()
	tracker.SetTotal(len(jobs))
	tracker.SetPhase(register.PhaseRegistering)
	m.trackerMu.Lock()
	m.activeTracker = tracker
	m.trackerMu.Unlock()

	start := time.Now()
	pool := register.NewPool(
		register.New(m.store, m.logger),
		m.config.Import.MaxWorkers,
		m.config.Import.RegisterTimeout,
		m.logger,
	).WithTracker(tracker)

	failed := 0
	for j, r := range pool.Execute(ctx, jobs) {
		i := slots[j]
		results[i].Root = r.Root
		results[i].Err = r.Error
		if r.Error != nil {
			failed++
		}
	}
	if failed == len(jobs) && len(jobs) > 0 {
		tracker.SetPhase(register.PhaseFailed)
	} else {
		tracker.SetPhase(register.PhaseComplete)
	}

	m.logger.Info("registration finished",
		"datasets", len(dms),
		"failed", failed,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return results, nil
}

// ImportData resolves, looks up and registers identifiers in one go. Ids
// that fail lookup are reported without being registered.
func (m *Manager) ImportData(ctx context.Context, ids []string, parent store.Node, baseURL string) ([]RegisterResult, error) {
	lookups := m.ResolveAndLookup(ctx, ids, baseURL)
	var dms []provider.DataMap
	var out []RegisterResult
	var slots []int
	for _, l := range lookups {
		if l.Err != nil {
			out = append(out, RegisterResult{DataMap: provider.DataMap{DataID: l.ID}, Err: l.Err})
			continue
		}
		slots = append(slots, len(out))
		out = append(out, RegisterResult{})
		dms = append(dms, *l.DataMap)
	}
	registered, err := m.RegisterMany(ctx, dms, parent, baseURL)
	if err != nil {
		return nil, err
	}
	for i, r := range registered {
		out[slots[i]] = r
	}
	return out, nil
}

// ManifestBuilder returns a builder configured from the manifest settings.
func (m *Manager) ManifestBuilder() *manifest.Builder {
	return manifest.NewBuilder(m.store, m.registry, m.layout, m.logger,
		manifest.WithAPIURL(m.config.Manifest.APIURL),
		manifest.WithDefaultLicense(m.config.Manifest.DefaultLicense),
	)
}

// BuildManifest describes a tale version. A nil expand uses the configured
// default.
func (m *Manager) BuildManifest(ctx context.Context, taleID, versionID string, expand *bool) (*manifest.Manifest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts := manifest.BuildOptions{
		TaleID:        taleID,
		VersionID:     versionID,
		ExpandFolders: m.config.Manifest.ExpandFolders,
	}
	if expand != nil {
		opts.ExpandFolders = *expand
	}
	return m.ManifestBuilder().Build(ctx, opts)
}

// ParseManifest reads a manifest file and resolves it against the store.
func (m *Manager) ParseManifest(path string) (*manifest.Parser, error) {
	doc, err := manifest.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return manifest.NewParser(doc, m.store, m.logger), nil
}

// ProviderStatus summarizes a provider's state.
type ProviderStatus struct {
	Name    string
	Enabled bool
	Active  bool
}

// ProviderStatuses reports every known provider with its persisted enabled
// flag and whether it is currently registered.
func (m *Manager) ProviderStatuses() ([]ProviderStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	configs, err := m.store.ListProviderConfigs()
	if err != nil {
		return nil, err
	}
	enabled := make(map[string]bool, len(configs))
	for _, pc := range configs {
		enabled[pc.Name] = pc.Enabled
	}

	var out []ProviderStatus
	for _, name := range DefaultProviderOrder {
		e, ok := enabled[name]
		if !ok {
			e = m.config.ProviderEnabled(strings.ToLower(name))
		}
		_, active := m.registry.Get(name)
		out = append(out, ProviderStatus{Name: name, Enabled: e, Active: active})
	}
	return out, nil
}

// ReconfigureProviders rebuilds the registry in default order from the
// persisted provider configs. Disabled providers are left out; providers
// without a persisted config fall back to the config file.
func (m *Manager) ReconfigureProviders(configs []store.ProviderConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.factory == nil {
		return fmt.Errorf("provider factory not set")
	}
	byName := make(map[string]store.ProviderConfig, len(configs))
	for _, pc := range configs {
		byName[pc.Name] = pc
	}

	next := provider.NewRegistry()
	sections := make(map[string]provider.ProviderConfig)
	for _, name := range DefaultProviderOrder {
		key := strings.ToLower(name)
		section := m.config.Providers[key]
		enabled := m.config.ProviderEnabled(key)

		if pc, ok := byName[name]; ok {
			enabled = pc.Enabled
			if pc.ConfigJSON != "" && pc.ConfigJSON != "{}" {
				var raw map[string]interface{}
				if err := json.Unmarshal([]byte(pc.ConfigJSON), &raw); err != nil {
					m.logger.Warn("skipping provider: invalid config JSON", "name", name, "error", err)
					continue
				}
				section = raw
			}
		}
		// the terminal provider always stays so unmatched ids get a clear error
		if !enabled && name != null.Name {
			continue
		}

		p, err := m.factory(name)
		if err != nil {
			m.logger.Warn("skipping provider: failed to instantiate", "name", name, "error", err)
			continue
		}
		if section != nil {
			sections[key] = section
		}
		next.Register(p)
	}
	if err := next.Configure(sections); err != nil {
		return err
	}

	for _, name := range m.registry.Names() {
		m.registry.Remove(name)
	}
	for _, p := range next.All() {
		m.registry.Register(p)
	}

	m.logger.Info("providers reconfigured", "active", len(next.Names()))
	return nil
}
