// Package providertest holds helpers for exercising providers in tests.
package providertest

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/BadgerOps/taleport/internal/download"
	"github.com/BadgerOps/taleport/internal/provider"
	"github.com/BadgerOps/taleport/internal/store"
)

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewClient returns a download client that makes a single attempt per request.
func NewClient() *download.Client {
	return download.NewClient(Logger(), download.WithRetryCount(1))
}

// NewStore opens an in-memory store with a temporary asset directory.
func NewStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:", Logger(), store.WithAssetDir(t.TempDir()))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// Scripted is a provider that replays a fixed item stream for every
// traversal and matches values with a given prefix.
type Scripted struct {
	ProviderName string
	Prefix       string
	Items        []provider.ImportItem
	Err          error
	LookupResult *provider.DataMap
	Traversals   int
}

// Name implements provider.Provider.
func (s *Scripted) Name() string { return s.ProviderName }

// Matches implements provider.Provider.
func (s *Scripted) Matches(_ context.Context, e *provider.Entity) bool {
	return s.Prefix != "" && strings.HasPrefix(e.Value, s.Prefix)
}

// Lookup implements provider.Provider.
func (s *Scripted) Lookup(_ context.Context, e *provider.Entity) (*provider.DataMap, error) {
	if s.LookupResult != nil {
		dm := *s.LookupResult
		return &dm, nil
	}
	return &provider.DataMap{DataID: e.Value, Size: -1, Name: e.Value, Repository: s.ProviderName}, nil
}

// Traverse implements provider.Provider.
func (s *Scripted) Traverse(_ context.Context, _ provider.TraverseRequest, emit provider.EmitFunc) error {
	s.Traversals++
	for _, it := range s.Items {
		if err := emit(it); err != nil {
			return err
		}
	}
	return s.Err
}

// DatasetUID implements provider.Provider.
func (s *Scripted) DatasetUID(_ context.Context, _ *store.Store, n store.Node) (string, error) {
	return n.Identifier(), nil
}

// URI implements provider.Provider.
func (s *Scripted) URI(_ context.Context, _ *store.Store, n store.Node) (string, error) {
	if id := n.Identifier(); id != "" {
		return id, nil
	}
	return "", provider.ErrNoURI
}

// Collect runs a checked traversal and returns every emitted item.
func Collect(ctx context.Context, p provider.Provider, req provider.TraverseRequest) ([]provider.ImportItem, error) {
	var items []provider.ImportItem
	err := provider.Walk(ctx, p, req, func(it provider.ImportItem) error {
		items = append(items, it)
		return nil
	})
	return items, err
}

// Paths flattens a stream into slash paths: folders end in "/", files do
// not. It is handy for asserting traversal shape.
func Paths(items []provider.ImportItem) []string {
	var stack []string
	var out []string
	for _, it := range items {
		switch it.Kind {
		case provider.KindFolder:
			stack = append(stack, it.Name)
			out = append(out, strings.Join(stack, "/")+"/")
		case provider.KindEndFolder:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case provider.KindFile:
			out = append(out, strings.Join(append(append([]string{}, stack...), it.Name), "/"))
		}
	}
	return out
}
