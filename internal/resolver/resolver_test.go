package resolver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/taleport/internal/provider"
)

// newDOIServer redirects /10.5281/zenodo.6038195 to a landing page and
// answers every other DOI without a redirect.
func newDOIServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/10.5281/zenodo.6038195", func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		http.Redirect(w, r, "/record/6038195", http.StatusFound)
	})
	mux.HandleFunc("/10.1234/gone", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/missing-landing", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/record/6038195", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestExtractDOI tests the accepted DOI spellings
func TestExtractDOI(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"10.24431/rw1k118", "10.24431/rw1k118"},
		{"doi:10.24431/rw1k118", "10.24431/rw1k118"},
		{"http://dx.doi.org/doi:10.24431/rw1k118", "10.24431/rw1k118"},
		{"https://doi.org/10.24431/rw1k118", "10.24431/rw1k118"},
		{"https://hdl.handle.net/doi:10.24431/rw1k118", "10.24431/rw1k118"},
		{"http://hdl.handle.net/10.24431/RW1K118", "10.24431/RW1K118"},
		{"https://zenodo.org/record/6038195", ""},
		{"https://example.org/10.5281/zenodo.1", ""},
		{"minid:b9dt2t", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractDOI(tt.in))
		})
	}
}

// TestDOIResolverFollowsRedirect tests a DOI becomes its landing page
func TestDOIResolverFollowsRedirect(t *testing.T) {
	srv := newDOIServer(t, nil)
	r := NewDOIResolver(srv.Client()).WithBase(srv.URL)

	e := provider.NewEntity("doi:10.5281/zenodo.6038195")
	got, err := r.Resolve(context.Background(), e)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, srv.URL+"/record/6038195", e.Value)
	assert.Equal(t, "10.5281/zenodo.6038195", e.DOI)
}

// TestDOIResolverLastRedirectWins tests a failing landing page still resolves
func TestDOIResolverLastRedirectWins(t *testing.T) {
	srv := newDOIServer(t, nil)
	r := NewDOIResolver(srv.Client()).WithBase(srv.URL)

	e := provider.NewEntity("10.1234/gone")
	_, err := r.Resolve(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/missing-landing", e.Value)
}

// TestDOIResolverNoRedirect tests the resolution error for unknown DOIs
func TestDOIResolverNoRedirect(t *testing.T) {
	srv := newDOIServer(t, nil)
	r := NewDOIResolver(srv.Client()).WithBase(srv.URL)

	_, err := r.Resolve(context.Background(), provider.NewEntity("10.9999/nothing"))
	var resErr *ResolutionError
	require.True(t, errors.As(err, &resErr), "got %v", err)
	assert.Equal(t, "10.9999/nothing", resErr.Identifier)
	assert.Contains(t, resErr.Error(), "could not resolve DOI 10.9999/nothing")
}

// TestDOIResolverIgnoresURLs tests non-DOI values are left alone
func TestDOIResolverIgnoresURLs(t *testing.T) {
	r := NewDOIResolver(nil)
	e := provider.NewEntity("https://example.org/data.csv")
	got, err := r.Resolve(context.Background(), e)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, "https://example.org/data.csv", e.Value)
}

// TestMinidResolver tests both minid spellings
func TestMinidResolver(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/minid:b9dt2t", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/landing/b9dt2t", http.StatusFound)
	})
	mux.HandleFunc("/ark:/57799/b9dt2t", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/landing/b9dt2t", http.StatusFound)
	})
	mux.HandleFunc("/landing/b9dt2t", func(w http.ResponseWriter, r *http.Request) {})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := NewMinidResolver(srv.Client()).WithBases(srv.URL, srv.URL)
	for _, in := range []string{"minid:b9dt2t", "ark:/57799/b9dt2t"} {
		e := provider.NewEntity(in)
		got, err := r.Resolve(context.Background(), e)
		require.NoError(t, err, in)
		require.NotNil(t, got, in)
		assert.Equal(t, srv.URL+"/landing/b9dt2t", e.Value)
	}

	got, err := r.Resolve(context.Background(), provider.NewEntity("doi:10.1/x"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

// TestChainIsIdempotent tests resolving a resolved entity changes nothing
func TestChainIsIdempotent(t *testing.T) {
	srv := newDOIServer(t, nil)
	chain := NewChain(testLogger(), 0,
		NewDOIResolver(srv.Client()).WithBase(srv.URL),
		NewMinidResolver(srv.Client()).WithBases(srv.URL, srv.URL),
	)

	e := provider.NewEntity("https://doi.org/10.5281/zenodo.6038195")
	_, err := chain.Resolve(context.Background(), e)
	require.NoError(t, err)
	first := e.Value
	assert.True(t, strings.HasSuffix(first, "/record/6038195"))

	_, err = chain.Resolve(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, first, e.Value)
}

// chainedResolver turns "alias:x" into a DOI so the chain needs two passes.
type chainedResolver struct{}

func (chainedResolver) Resolve(_ context.Context, e *provider.Entity) (*provider.Entity, error) {
	if !strings.HasPrefix(e.Value, "alias:") {
		return nil, nil
	}
	e.Value = "doi:10.5281/zenodo.6038195"
	return e, nil
}

// TestChainReachesFixedPoint tests a later resolver's output is fed back to
// earlier ones
func TestChainReachesFixedPoint(t *testing.T) {
	srv := newDOIServer(t, nil)
	chain := NewChain(testLogger(), 0, NewDOIResolver(srv.Client()).WithBase(srv.URL))
	chain.Add(chainedResolver{})

	e := provider.NewEntity("alias:paper")
	_, err := chain.Resolve(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/record/6038195", e.Value)
	assert.Equal(t, "10.5281/zenodo.6038195", e.DOI)
}

// TestChainCachesResolutions tests repeated identifiers skip the network
func TestChainCachesResolutions(t *testing.T) {
	var hits int32
	srv := newDOIServer(t, &hits)
	chain := NewChain(testLogger(), time.Minute, NewDOIResolver(srv.Client()).WithBase(srv.URL))

	for i := 0; i < 3; i++ {
		e := provider.NewEntity("10.5281/zenodo.6038195")
		_, err := chain.Resolve(context.Background(), e)
		require.NoError(t, err)
		assert.Equal(t, "10.5281/zenodo.6038195", e.DOI)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

// TestChainPropagatesResolutionError tests failures surface unchanged
func TestChainPropagatesResolutionError(t *testing.T) {
	srv := newDOIServer(t, nil)
	chain := NewChain(testLogger(), time.Minute, NewDOIResolver(srv.Client()).WithBase(srv.URL))

	_, err := chain.Resolve(context.Background(), provider.NewEntity("10.9999/nothing"))
	var resErr *ResolutionError
	assert.True(t, errors.As(err, &resErr))
}
