// Package null holds the terminal provider. It accepts every entity so that
// unmatched identifiers fail with a clear error instead of reaching a
// provider that would misread them.
package null

import (
	"context"
	"errors"
	"fmt"

	"github.com/BadgerOps/taleport/internal/provider"
	"github.com/BadgerOps/taleport/internal/store"
)

// Name is the registry name of the terminal provider.
const Name = "Null"

// ErrUnsupported is returned by every operation.
var ErrUnsupported = errors.New("unsupported identifier")

// Provider implements provider.Provider by rejecting everything it matches.
type Provider struct{}

// New returns the terminal provider.
func New() *Provider { return &Provider{} }

// Name implements provider.Provider.
func (*Provider) Name() string { return Name }

// Matches implements provider.Provider.
func (*Provider) Matches(context.Context, *provider.Entity) bool { return true }

func unsupported(value string) error {
	return fmt.Errorf("%w: %w for entity %s", ErrUnsupported, provider.ErrNoProvider, value)
}

// Lookup implements provider.Provider.
func (*Provider) Lookup(_ context.Context, e *provider.Entity) (*provider.DataMap, error) {
	return nil, unsupported(e.Value)
}

// Traverse implements provider.Provider.
func (*Provider) Traverse(_ context.Context, req provider.TraverseRequest, _ provider.EmitFunc) error {
	return unsupported(req.DataID)
}

// DatasetUID implements provider.Provider.
func (*Provider) DatasetUID(_ context.Context, _ *store.Store, n store.Node) (string, error) {
	return "", unsupported(n.ID)
}

// URI implements provider.Provider.
func (*Provider) URI(context.Context, *store.Store, store.Node) (string, error) {
	return "", provider.ErrNoURI
}
