package resolver

import (
	"context"
	"net/http"
	"strings"

	"github.com/BadgerOps/taleport/internal/provider"
)

var minidPattern = compile(`(?i)^(minid:[A-Za-z0-9]+|ark:/57799/[A-Za-z0-9]+)$`)

// MinidResolver dereferences minids through identifiers.org and n2t.net.
type MinidResolver struct {
	redirectResolver
	identifiersBase string
	n2tBase         string
}

// NewMinidResolver returns a resolver using client, or a default client when nil.
func NewMinidResolver(client *http.Client) *MinidResolver {
	return &MinidResolver{
		redirectResolver: newRedirectResolver(client),
		identifiersBase:  "https://identifiers.org/",
		n2tBase:          "https://n2t.net/",
	}
}

// WithBases overrides both resolver hosts.
func (r *MinidResolver) WithBases(identifiersBase, n2tBase string) *MinidResolver {
	r.identifiersBase = strings.TrimSuffix(identifiersBase, "/") + "/"
	r.n2tBase = strings.TrimSuffix(n2tBase, "/") + "/"
	return r
}

// Resolve implements Resolver.
func (r *MinidResolver) Resolve(ctx context.Context, e *provider.Entity) (*provider.Entity, error) {
	if !minidPattern.MatchString(e.Value) {
		return nil, nil
	}
	var url string
	if strings.HasPrefix(strings.ToLower(e.Value), "minid:") {
		url = r.identifiersBase + e.Value
	} else {
		url = r.n2tBase + e.Value
	}
	resolved := r.follow(ctx, url)
	if resolved == url {
		return nil, &ResolutionError{Identifier: e.Value, Message: "could not resolve minid " + e.Value}
	}
	e.Value = resolved
	return e, nil
}
