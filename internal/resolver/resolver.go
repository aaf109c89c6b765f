// Package resolver canonicalizes loosely formed dataset identifiers (DOIs,
// handles, minids) into the URLs repository providers match against.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/BadgerOps/taleport/internal/provider"
	"github.com/BadgerOps/taleport/internal/safety"
)

// maxPasses bounds the fixed-point loop in Chain.Resolve.
const maxPasses = 8

// ResolutionError reports an identifier that was recognized but could not
// be resolved.
type ResolutionError struct {
	Identifier string
	Message    string
	Err        error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Resolver rewrites an entity's value. It returns nil, nil when the value
// is not in a form it recognizes.
type Resolver interface {
	Resolve(ctx context.Context, e *provider.Entity) (*provider.Entity, error)
}

// Chain applies resolvers until none of them changes the entity.
type Chain struct {
	resolvers []Resolver
	cache     *cache.Cache
	logger    *slog.Logger
}

// NewChain creates a chain. A positive ttl caches resolved values keyed by
// the raw identifier.
func NewChain(logger *slog.Logger, ttl time.Duration, resolvers ...Resolver) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chain{resolvers: resolvers, logger: logger}
	if ttl > 0 {
		c.cache = cache.New(ttl, 2*ttl)
	}
	return c
}

// Add appends a resolver.
func (c *Chain) Add(r Resolver) {
	c.resolvers = append(c.resolvers, r)
}

type cachedEntity struct {
	value string
	doi   string
}

// Resolve rewrites e in place and returns it.
func (c *Chain) Resolve(ctx context.Context, e *provider.Entity) (*provider.Entity, error) {
	raw := e.Value
	if c.cache != nil {
		if hit, ok := c.cache.Get(raw); ok {
			ce := hit.(cachedEntity)
			e.Value = ce.value
			if ce.doi != "" {
				e.DOI = ce.doi
			}
			return e, nil
		}
	}

	for pass := 0; pass < maxPasses; pass++ {
		progressed := false
		for _, r := range c.resolvers {
			before := e.Value
			res, err := r.Resolve(ctx, e)
			if err != nil {
				return nil, err
			}
			if res != nil && e.Value != before {
				c.logger.Debug("resolved identifier", "from", before, "to", e.Value)
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	if c.cache != nil {
		c.cache.SetDefault(raw, cachedEntity{value: e.Value, doi: e.DOI})
	}
	return e, nil
}

// redirectResolver follows HEAD redirects from a canonical resolver URL.
type redirectResolver struct {
	client *http.Client
}

func newRedirectResolver(client *http.Client) redirectResolver {
	if client == nil {
		client = safety.NewHTTPClient(15 * time.Second)
	}
	return redirectResolver{client: client}
}

// follow issues a HEAD request for link and returns the last URL reached.
// When the final hop fails, the last redirect target still counts.
func (r redirectResolver) follow(ctx context.Context, link string) string {
	var last string
	hc := *r.client
	inner := r.client.CheckRedirect
	hc.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if inner != nil {
			if err := inner(req, via); err != nil {
				return err
			}
		} else if len(via) >= 10 {
			return fmt.Errorf("stopped after %d redirects", len(via))
		}
		last = req.URL.String()
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, link, nil)
	if err != nil {
		return link
	}
	resp, err := hc.Do(req)
	if err != nil {
		if last != "" {
			return last
		}
		return link
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 && last != "" {
		return last
	}
	return resp.Request.URL.String()
}

func compile(expr string) *regexp.Regexp {
	return regexp.MustCompile(expr)
}
