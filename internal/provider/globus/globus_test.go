package globus

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/taleport/internal/provider"
	"github.com/BadgerOps/taleport/internal/provider/providertest"
	"github.com/BadgerOps/taleport/internal/store"
)

const (
	detailURL = "https://petreldata.anl.gov/mdf/detail/foo_v1.1/"
	endpoint  = "e38ee745-6d04-11e5-ba46-22000b92c6ec"
	rootPath  = "/MDF/mdf_connect/prod/data/foo_v1.1/"
	indexID   = "test-index"
	token     = "s3cret"
)

var listings = map[string][]map[string]interface{}{
	rootPath: {
		{"name": "README.txt", "type": "file", "size": 12},
		{"name": "raw", "type": "dir", "size": 0},
		{"name": "link", "type": "symlink", "size": 0},
	},
	rootPath + "raw/": {
		{"name": "x.dat", "type": "file", "size": 1024},
	},
}

func newGlobusServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/search/index/"+indexID+"/search", func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || r.Method != http.MethodPost {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		count := 0
		var gmeta []interface{}
		if req.Q == `"foo_v1.1"` && req.DataType == "GSearchRequest" {
			count = 1
			gmeta = []interface{}{map[string]interface{}{"entries": []interface{}{map[string]interface{}{
				"content": map[string]interface{}{
					"data": map[string]interface{}{"endpoint_path": "globus://" + endpoint + rootPath},
					"dc": map[string]interface{}{
						"identifier": map[string]interface{}{"identifier": "10.18126/M2301J", "identifierType": "DOI"},
						"titles":     []interface{}{map[string]interface{}{"title": "Foo Dataset"}},
					},
				},
			}}}}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"count": count, "gmeta": gmeta})
	})
	mux.HandleFunc("/transfer/operation/endpoint/"+endpoint+"/ls", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		entries, ok := listings[r.URL.Query().Get("path")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"DATA": entries})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	srv := newGlobusServer(t)
	p := New(providertest.NewClient(), providertest.Logger())
	require.NoError(t, p.Configure(provider.ProviderConfig{
		"search_url":   srv.URL + "/search",
		"transfer_url": srv.URL + "/transfer/",
		"index_id":     indexID,
		"token":        token,
	}))
	return p
}

// TestMatches tests MDF detail pages are recognized
func TestMatches(t *testing.T) {
	p := New(providertest.NewClient(), providertest.Logger())
	ctx := context.Background()
	assert.True(t, p.Matches(ctx, provider.NewEntity(detailURL)))
	assert.False(t, p.Matches(ctx, provider.NewEntity("http://petreldata.anl.gov/mdf/detail/x")))
	assert.False(t, p.Matches(ctx, provider.NewEntity("https://zenodo.org/record/1")))
}

// TestLookup tests DOI and title extraction without a size
func TestLookup(t *testing.T) {
	p := newTestProvider(t)
	dm, err := p.Lookup(context.Background(), provider.NewEntity(detailURL))
	require.NoError(t, err)
	assert.Equal(t, provider.DataMap{
		DataID:     detailURL,
		Size:       -1,
		DOI:        "doi:10.18126/M2301J",
		Name:       "Foo Dataset",
		Repository: Name,
	}, *dm)
}

// TestLookupErrors tests non-detail pages and unknown datasets
func TestLookupErrors(t *testing.T) {
	p := newTestProvider(t)
	_, err := p.Lookup(context.Background(), provider.NewEntity("https://petreldata.anl.gov/other/foo"))
	assert.True(t, errors.Is(err, ErrNotMDF))

	_, err = p.Lookup(context.Background(), provider.NewEntity("https://petreldata.anl.gov/mdf/detail/nothing"))
	assert.True(t, errors.Is(err, ErrSearch))
}

// TestTraverse tests the endpoint walk and globus:// links
func TestTraverse(t *testing.T) {
	p := newTestProvider(t)
	items, err := providertest.Collect(context.Background(), p, provider.TraverseRequest{DataID: detailURL})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Foo Dataset/",
		"Foo Dataset/README.txt",
		"Foo Dataset/raw/",
		"Foo Dataset/raw/x.dat",
	}, providertest.Paths(items))

	assert.Equal(t, "globus://"+endpoint+rootPath+"README.txt", items[1].URL)
	assert.Equal(t, "/README.txt", items[1].Meta["dsRelPath"])
	assert.Equal(t, "/raw", items[2].Meta["dsRelPath"])
	assert.Equal(t, "globus://"+endpoint+rootPath+"raw/x.dat", items[3].URL)
	assert.Equal(t, "/raw/x.dat", items[3].Meta["dsRelPath"])
	assert.Equal(t, "doi:10.18126/M2301J", items[3].Identifier)
}

// TestURI tests items use their link and folders resolve below the endpoint path
func TestURI(t *testing.T) {
	st := providertest.NewStore(t)
	p := New(providertest.NewClient(), providertest.Logger())
	ctx := context.Background()

	coll, err := st.EnsureCollection("WholeTale Catalog")
	require.NoError(t, err)
	root, err := st.CreateOrReuseFolder(store.KindCollection, coll.ID, "Foo Dataset")
	require.NoError(t, err)
	root, err = st.SetMetadata(store.KindFolder, root.ID, store.Meta{
		"identifier": "doi:10.18126/M2301J", "provider": Name,
		"dsRelPath": "/", "endpointPath": "globus://" + endpoint + rootPath,
	})
	require.NoError(t, err)
	raw, err := st.CreateOrReuseFolder(store.KindFolder, root.ID, "raw")
	require.NoError(t, err)
	raw, err = st.SetMetadata(store.KindFolder, raw.ID, store.Meta{"provider": Name, "dsRelPath": "/raw"})
	require.NoError(t, err)
	item, err := st.CreateOrReuseItem(raw.ID, "x.dat")
	require.NoError(t, err)
	_, err = st.AttachLinkFile(item.ID, "x.dat", "globus://"+endpoint+rootPath+"raw/x.dat", 1024, "application/octet-stream")
	require.NoError(t, err)

	uri, err := p.URI(ctx, st, raw)
	require.NoError(t, err)
	assert.Equal(t, "globus://"+endpoint+rootPath+"raw", uri)

	uri, err = p.URI(ctx, st, item)
	require.NoError(t, err)
	assert.Equal(t, "globus://"+endpoint+rootPath+"raw/x.dat", uri)

	uid, err := p.DatasetUID(ctx, st, raw)
	require.NoError(t, err)
	assert.Equal(t, "doi:10.18126/M2301J", uid)
}
