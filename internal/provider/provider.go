package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/BadgerOps/taleport/internal/config"
	"github.com/BadgerOps/taleport/internal/store"
)

var (
	// ErrNoProvider is returned when no registered provider matches an entity.
	ErrNoProvider = errors.New("could not find suitable provider")
	// ErrNoURI is returned by URI when a node has no stable external address.
	ErrNoURI = errors.New("no stable URI for node")
	// ErrUnsupported is returned for operations a provider does not implement.
	ErrUnsupported = errors.New("operation not supported by provider")
)

// ProviderConfig is an alias for config.ProviderConfig to avoid import cycles
type ProviderConfig = config.ProviderConfig

// Progress receives coarse progress notifications during long operations.
type Progress interface {
	Update(increment int, message string)
}

// NopProgress discards updates.
type NopProgress struct{}

// Update implements Progress.
func (NopProgress) Update(int, string) {}

// TraverseRequest names the dataset to walk.
type TraverseRequest struct {
	DataID   string
	Name     string
	BaseURL  string
	Progress Progress
}

// RequestFor builds a TraverseRequest from a DataMap.
func RequestFor(dm DataMap, baseURL string, progress Progress) TraverseRequest {
	if baseURL == "" {
		baseURL = dm.BaseURL
	}
	if progress == nil {
		progress = NopProgress{}
	}
	return TraverseRequest{DataID: dm.DataID, Name: dm.Name, BaseURL: baseURL, Progress: progress}
}

// Provider is the core interface every repository adapter implements
type Provider interface {
	// Name returns the repository name recorded in DataMaps and node metadata
	Name() string

	// Matches reports whether the entity's value belongs to this repository
	Matches(ctx context.Context, e *Entity) bool

	// Lookup describes the dataset with as few remote calls as possible and
	// never traverses it
	Lookup(ctx context.Context, e *Entity) (*DataMap, error)

	// Traverse walks the dataset depth-first, emitting FOLDER, its children
	// and END_FOLDER in order
	Traverse(ctx context.Context, req TraverseRequest, emit EmitFunc) error

	// DatasetUID returns the identifier of the dataset a stored node belongs to
	DatasetUID(ctx context.Context, st *store.Store, n store.Node) (string, error)

	// URI returns a stable external address for a stored node, or ErrNoURI
	URI(ctx context.Context, st *store.Store, n store.Node) (string, error)
}

// Registerer is implemented by providers that lay out stored nodes
// themselves instead of going through the generic materializer.
type Registerer interface {
	Register(ctx context.Context, st *store.Store, parent store.Node, dm DataMap, baseURL string, progress Progress) (store.Node, error)
}

// Package locates an exported tale archive held by a repository.
type Package struct {
	URL                string
	PublishInfo        store.PublishInfo
	RelatedIdentifiers []store.RelatedIdentifier
}

// PackageImporter is implemented by providers able to recognize datasets
// that are themselves exported tale packages.
type PackageImporter interface {
	PackageInfo(ctx context.Context, dm DataMap) (*Package, error)
}

// ProtoTaler is implemented by providers that enrich the initial tale
// created from a dataset.
type ProtoTaler interface {
	ProtoTale(ctx context.Context, dm DataMap, asTale bool) (*store.Tale, error)
}

// Configurable is implemented by providers with settings in the config file.
type Configurable interface {
	Configure(cfg ProviderConfig) error
}

// ProtoTale returns the initial tale fields for a dataset: a short title,
// the science category and a relation to the dataset.
func ProtoTale(dm DataMap, asTale bool) *store.Tale {
	relation := "Cites"
	if asTale {
		relation = "IsDerivedFrom"
	}
	identifier := dm.DOI
	if identifier == "" {
		identifier = dm.DataID
	}
	longName := strings.NewReplacer("-", " ", "_", " ").Replace(dm.Name)
	return &store.Tale{
		Title:    fmt.Sprintf("A Tale for \"%s\"", shorten(longName, 30)),
		Category: "science",
		RelatedIdentifiers: []store.RelatedIdentifier{
			{Relation: relation, Identifier: identifier},
		},
	}
}

// shorten collapses whitespace and truncates at a word boundary so the
// result, including a " [...]" marker, fits in width.
func shorten(text string, width int) string {
	words := strings.Fields(text)
	joined := strings.Join(words, " ")
	if len(joined) <= width {
		return joined
	}
	const placeholder = " [...]"
	var b strings.Builder
	for _, w := range words {
		extra := len(w)
		if b.Len() > 0 {
			extra++
		}
		if b.Len()+extra+len(placeholder) > width {
			break
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
	}
	if b.Len() == 0 {
		return strings.TrimSpace(placeholder)
	}
	return b.String() + placeholder
}

// DatasetRoot returns the top-most ancestor of n (or n itself) whose
// provider metadata equals providerName.
func DatasetRoot(st *store.Store, n store.Node, providerName string) (store.Node, error) {
	parents, err := st.ParentsToRoot(n)
	if err != nil {
		return store.Node{}, err
	}
	for _, p := range parents {
		if p.Provider() == providerName {
			return p, nil
		}
	}
	return n, nil
}

// Patterns lazily compiles a provider's match expressions and caches them
// until invalidated.
type Patterns struct {
	mu       sync.Mutex
	compiled []*regexp.Regexp
	build    func(ctx context.Context) ([]*regexp.Regexp, error)
	logger   *slog.Logger
}

// NewPatterns returns a cache around build.
func NewPatterns(logger *slog.Logger, build func(ctx context.Context) ([]*regexp.Regexp, error)) *Patterns {
	if logger == nil {
		logger = slog.Default()
	}
	return &Patterns{build: build, logger: logger}
}

// StaticPatterns returns a Patterns that never rebuilds.
func StaticPatterns(exprs ...*regexp.Regexp) *Patterns {
	return &Patterns{compiled: exprs, logger: slog.Default()}
}

// Match reports whether any pattern matches value.
func (p *Patterns) Match(ctx context.Context, value string) bool {
	for _, re := range p.get(ctx) {
		if re.MatchString(value) {
			return true
		}
	}
	return false
}

func (p *Patterns) get(ctx context.Context) []*regexp.Regexp {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.compiled != nil || p.build == nil {
		return p.compiled
	}
	compiled, err := p.build(ctx)
	if err != nil {
		p.logger.Warn("failed to build match patterns", "error", err)
		return nil
	}
	p.compiled = compiled
	return compiled
}

// Invalidate forces the next Match to rebuild the patterns.
func (p *Patterns) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.build != nil {
		p.compiled = nil
	}
}
