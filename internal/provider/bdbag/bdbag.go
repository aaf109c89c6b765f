// Package bdbag imports BDBags: zip or compressed tar archives laid out as
// BagIt bags, possibly referencing external files through fetch.txt. The
// DERIVA provider is a BDBag served from a known set of prefixes.
package bdbag

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/BadgerOps/taleport/internal/config"
	"github.com/BadgerOps/taleport/internal/download"
	"github.com/BadgerOps/taleport/internal/provider"
	"github.com/BadgerOps/taleport/internal/store"
)

// Repository names recorded in DataMaps and node metadata.
const (
	Name       = "BDBag"
	DERIVAName = "DERIVA"
)

// Provider implements provider.Provider for bag archives.
type Provider struct {
	name   string
	client *download.Client
	logger *slog.Logger

	mu       sync.RWMutex
	prefixes []string // DERIVA only
}

// New creates a provider for bags named by any URL or path with a
// supported archive suffix.
func New(client *download.Client, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{name: Name, client: client, logger: logger}
}

// NewDERIVA creates a provider for bags exported by DERIVA catalogs.
func NewDERIVA(client *download.Client, logger *slog.Logger) *Provider {
	p := New(client, logger)
	p.name = DERIVAName
	p.prefixes = []string{config.DefaultDERIVAPrefix}
	return p
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return p.name }

func (p *Provider) deriva() bool { return p.name == DERIVAName }

// Configure applies the deriva config section. The plain bag provider has
// no settings.
func (p *Provider) Configure(raw provider.ProviderConfig) error {
	if !p.deriva() {
		return nil
	}
	cfg, err := config.ParseProviderConfig[config.DERIVAProviderConfig](raw)
	if err != nil {
		return fmt.Errorf("deriva config: %w", err)
	}
	if len(cfg.Prefixes) > 0 {
		p.mu.Lock()
		p.prefixes = append([]string(nil), cfg.Prefixes...)
		p.mu.Unlock()
	}
	return nil
}

// Matches implements provider.Provider.
func (p *Provider) Matches(_ context.Context, e *provider.Entity) bool {
	if !p.deriva() {
		return archiveSuffix(e.Value) != ""
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(e.Value, prefix) {
			return true
		}
	}
	return false
}

// displayName is the archive's base name without its suffix.
func displayName(value string) string {
	name := value
	if u, err := url.Parse(value); err == nil && u.Path != "" {
		name = u.Path
	}
	name = path.Base(strings.TrimSuffix(name, "/"))
	if s := archiveSuffix(name); s != "" {
		name = name[:len(name)-len(s)]
	}
	return name
}

// Lookup implements provider.Provider. DERIVA takes the size and name the
// caller supplied; plain bags ask the server or the filesystem for the size.
func (p *Provider) Lookup(ctx context.Context, e *provider.Entity) (*provider.DataMap, error) {
	if p.deriva() {
		name := e.HintedName
		if name == "" {
			name = displayName(e.Value)
		}
		return &provider.DataMap{DataID: e.Value, Size: e.HintedSize, Name: name, Repository: p.name}, nil
	}

	remote, local, err := location(e.Value)
	if err != nil {
		return nil, err
	}
	var size int64
	if remote {
		resp, err := p.client.Head(ctx, e.Value, nil)
		if err != nil {
			return nil, fmt.Errorf("looking up bag %s: %w", e.Value, err)
		}
		size = resp.ContentLength
	} else {
		info, err := os.Stat(local)
		if err != nil {
			return nil, fmt.Errorf("looking up bag %s: %w", e.Value, err)
		}
		size = info.Size()
	}
	name := e.HintedName
	if name == "" {
		name = displayName(e.Value)
	}
	return &provider.DataMap{DataID: e.Value, Size: size, Name: name, Repository: p.name}, nil
}

// Traverse implements provider.Provider. The bag's single top-level
// directory becomes the dataset folder; fetch.txt entries come first,
// followed by the bag content in path order.
func (p *Provider) Traverse(ctx context.Context, req provider.TraverseRequest, emit provider.EmitFunc) error {
	if req.DataID == "" {
		return fmt.Errorf("%w: data id must name a bag", ErrInvalidBag)
	}
	progress := req.Progress
	if progress == nil {
		progress = provider.NopProgress{}
	}
	progress.Update(1, fmt.Sprintf("Reading bag %s.", req.DataID))

	a, err := p.open(ctx, req.DataID)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			p.logger.Warn("failed to clean up bag", "bag", req.DataID, "error", err)
		}
	}()

	b, err := readBag(a)
	if err != nil {
		return err
	}
	p.logger.Debug("read bag", "bag", req.DataID, "name", b.name, "members", len(a.members))

	if err := emit(provider.NewFolder(b.name, a.identifier, nil)); err != nil {
		return err
	}
	if err := p.emitDir(ctx, a, b, b.tree, "", emit); err != nil {
		return err
	}
	return emit(provider.EndFolder())
}

func (p *Provider) emitDir(ctx context.Context, a *archive, b *bag, dir *entry, rel string, emit provider.EmitFunc) error {
	for _, child := range dir.children {
		if err := ctx.Err(); err != nil {
			return err
		}
		if child.dir {
			if err := emit(provider.NewFolder(child.name, "", nil)); err != nil {
				return err
			}
			if err := p.emitDir(ctx, a, b, child, rel+child.name+"/", emit); err != nil {
				return err
			}
			if err := emit(provider.EndFolder()); err != nil {
				return err
			}
			continue
		}
		if err := p.emitFile(a, b, child, rel+child.name, emit); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) emitFile(a *archive, b *bag, f *entry, rel string, emit provider.EmitFunc) error {
	meta, identifier, mimeType := b.fileMeta(rel)
	if f.url != "" {
		return emit(provider.NewFile(f.name, f.size, mimeType, f.url, identifier, meta))
	}

	m, ok := a.member(f.member)
	if !ok {
		return fmt.Errorf("%w: missing member %s", ErrInvalidBag, f.member)
	}
	link, cleanup, err := a.link(m)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}
	return emit(provider.NewFile(f.name, m.size, mimeType, link, identifier, meta))
}

// DatasetUID implements provider.Provider. Bag folders below the root carry
// no identifier of their own.
func (p *Provider) DatasetUID(_ context.Context, st *store.Store, n store.Node) (string, error) {
	if n.Kind == store.KindFolder {
		if id := n.Identifier(); id != "" {
			return id, nil
		}
	}
	root, err := provider.DatasetRoot(st, n, p.name)
	if err != nil {
		return "", err
	}
	return root.Identifier(), nil
}

// URI implements provider.Provider. Only files linked to a remote location
// have one.
func (p *Provider) URI(_ context.Context, st *store.Store, n store.Node) (string, error) {
	if n.Kind != store.KindItem {
		return "", provider.ErrNoURI
	}
	files, err := st.ItemFiles(n.ID)
	if err != nil {
		return "", err
	}
	if len(files) == 0 || files[0].LinkURL == "" || strings.HasPrefix(files[0].LinkURL, "file://") {
		return "", provider.ErrNoURI
	}
	return files[0].LinkURL, nil
}
