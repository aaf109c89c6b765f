package resolver

import (
	"context"
	"net/http"
	"strings"

	"github.com/BadgerOps/taleport/internal/provider"
)

// doiPattern matches bare DOIs, doi: URIs and doi.org / handle URLs.
var doiPattern = compile(`(?i)^(|https?://(dx.doi.org|doi.org|hdl.handle.net)/)(doi:)?(10.\d{4,9}/[-._;()/:A-Z0-9]+)$`)

// DefaultDOIBase is where DOIs are dereferenced.
const DefaultDOIBase = "https://doi.org/"

// DOIResolver turns DOIs into landing-page URLs.
type DOIResolver struct {
	redirectResolver
	base string
}

// NewDOIResolver returns a resolver using client, or a default client when nil.
func NewDOIResolver(client *http.Client) *DOIResolver {
	return &DOIResolver{redirectResolver: newRedirectResolver(client), base: DefaultDOIBase}
}

// WithBase points the resolver at another DOI proxy.
func (r *DOIResolver) WithBase(base string) *DOIResolver {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	r.base = base
	return r
}

// ExtractDOI returns the DOI in value, or "" if value is not a DOI form.
func ExtractDOI(value string) string {
	m := doiPattern.FindStringSubmatch(value)
	if m == nil {
		return ""
	}
	return m[len(m)-1]
}

// Resolve implements Resolver.
func (r *DOIResolver) Resolve(ctx context.Context, e *provider.Entity) (*provider.Entity, error) {
	doi := ExtractDOI(e.Value)
	if doi == "" {
		return nil, nil
	}
	url := r.base + doi
	resolved := r.follow(ctx, url)
	if resolved == url {
		return nil, &ResolutionError{Identifier: e.Value, Message: "could not resolve DOI " + doi}
	}
	e.Value = resolved
	e.DOI = doi
	return e, nil
}
