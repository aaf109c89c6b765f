package zenodo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/taleport/internal/provider"
	"github.com/BadgerOps/taleport/internal/provider/providertest"
	"github.com/BadgerOps/taleport/internal/store"
)

func newRecordServer(t *testing.T, records map[string]map[string]interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != recordMediaType {
			http.Error(w, "bad accept", http.StatusNotAcceptable)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/api/records/")
		rec, ok := records[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rec)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func datasetRecord(base string) map[string]interface{} {
	return map[string]interface{}{
		"id":           3336098,
		"doi":          "10.5281/zenodo.3336098",
		"conceptdoi":   "10.5281/zenodo.3336097",
		"conceptrecid": "3336097",
		"created":      "2019-07-19T13:47:04.017045+00:00",
		"links":        map[string]interface{}{"doi": "https://doi.org/10.5281/zenodo.3336098"},
		"metadata": map[string]interface{}{
			"title":     "Blueberry dataset",
			"relations": map[string]interface{}{"version": []interface{}{map[string]interface{}{"index": 1}}},
		},
		"files": []interface{}{
			map[string]interface{}{"key": "README.md", "size": 10, "checksum": "md5:aaa", "type": "md",
				"links": map[string]interface{}{"self": base + "/files/README.md"}},
			map[string]interface{}{"key": "data/raw/a.csv", "size": 20, "checksum": "md5:bbb", "type": "csv",
				"links": map[string]interface{}{"self": base + "/files/data/raw/a.csv"}},
			map[string]interface{}{"key": "data/b.csv", "size": 30, "checksum": "md5:ccc", "type": "csv",
				"links": map[string]interface{}{"self": base + "/files/data/b.csv"}},
		},
	}
}

func taleRecord(base, fileType string) map[string]interface{} {
	return map[string]interface{}{
		"id":      4000,
		"doi":     "10.5281/zenodo.4000",
		"created": "2020-01-01T00:00:00",
		"links":   map[string]interface{}{"doi": "https://doi.org/10.5281/zenodo.4000"},
		"metadata": map[string]interface{}{
			"title":    "My Tale",
			"version":  "2.0",
			"keywords": []interface{}{"Tale", "Astronomy"},
		},
		"files": []interface{}{
			map[string]interface{}{"key": "tale.zip", "size": 100, "checksum": "md5:ddd", "type": fileType,
				"links": map[string]interface{}{"self": base + "/files/tale.zip"}},
		},
	}
}

func newTestProvider(t *testing.T, build func(base string) map[string]map[string]interface{}) (*Provider, string) {
	t.Helper()
	records := map[string]map[string]interface{}{}
	srv := newRecordServer(t, records)
	for k, v := range build(srv.URL) {
		records[k] = v
	}
	p := New(providertest.NewClient(), providertest.Logger())
	p.SetExtraHosts([]string{srv.URL + "/record/"})
	return p, srv.URL
}

// TestMatches tests the default host and configured extra hosts
func TestMatches(t *testing.T) {
	p := New(providertest.NewClient(), providertest.Logger())
	ctx := context.Background()

	assert.True(t, p.Matches(ctx, provider.NewEntity("https://zenodo.org/record/3336098")))
	assert.True(t, p.Matches(ctx, provider.NewEntity("http://zenodo.org/record/1")))
	assert.False(t, p.Matches(ctx, provider.NewEntity("https://sandbox.zenodo.org/record/1")))
	assert.False(t, p.Matches(ctx, provider.NewEntity("https://zenodoXorg/record/1")))

	require.NoError(t, p.Configure(provider.ProviderConfig{
		"extra_hosts": []interface{}{"https://sandbox.zenodo.org/record/"},
	}))
	assert.True(t, p.Matches(ctx, provider.NewEntity("https://sandbox.zenodo.org/record/1")))
	assert.True(t, p.Matches(ctx, provider.NewEntity("https://zenodo.org/record/3336098")))
}

// TestLookup tests the DataMap built from a record
func TestLookup(t *testing.T) {
	p, base := newTestProvider(t, func(base string) map[string]map[string]interface{} {
		return map[string]map[string]interface{}{"3336098": datasetRecord(base)}
	})

	dm, err := p.Lookup(context.Background(), provider.NewEntity(base+"/record/3336098"))
	require.NoError(t, err)
	assert.Equal(t, base+"/record/3336098", dm.DataID)
	assert.Equal(t, int64(60), dm.Size)
	assert.Equal(t, "doi:10.5281/zenodo.3336098", dm.DOI)
	assert.Equal(t, "Blueberry dataset_ver_2", dm.Name)
	assert.Equal(t, Name, dm.Repository)
	assert.False(t, dm.Tale)
}

// TestLookupTale tests tale detection and the explicit version title
func TestLookupTale(t *testing.T) {
	p, base := newTestProvider(t, func(base string) map[string]map[string]interface{} {
		return map[string]map[string]interface{}{"4000": taleRecord(base, "zip")}
	})

	dm, err := p.Lookup(context.Background(), provider.NewEntity(base+"/record/4000"))
	require.NoError(t, err)
	assert.True(t, dm.Tale)
	assert.Equal(t, "My Tale_ver_2.0", dm.Name)
}

// TestLookupMissingRecord tests a 404 surfaces as an error
func TestLookupMissingRecord(t *testing.T) {
	p, base := newTestProvider(t, func(string) map[string]map[string]interface{} { return nil })
	_, err := p.Lookup(context.Background(), provider.NewEntity(base+"/record/999"))
	assert.Error(t, err)
}

// TestTraverse tests files come before subfolders and carry checksums
func TestTraverse(t *testing.T) {
	p, base := newTestProvider(t, func(base string) map[string]map[string]interface{} {
		return map[string]map[string]interface{}{"3336098": datasetRecord(base)}
	})

	items, err := providertest.Collect(context.Background(), p, provider.TraverseRequest{DataID: base + "/record/3336098"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Blueberry dataset_ver_2/",
		"Blueberry dataset_ver_2/README.md",
		"Blueberry dataset_ver_2/data/",
		"Blueberry dataset_ver_2/data/b.csv",
		"Blueberry dataset_ver_2/data/raw/",
		"Blueberry dataset_ver_2/data/raw/a.csv",
	}, providertest.Paths(items))

	root := items[0]
	assert.Equal(t, "doi:10.5281/zenodo.3336098", root.Identifier)
	assert.Equal(t, "10.5281/zenodo.3336097", root.Meta["conceptdoi"])
	assert.Equal(t, "3336097", root.Meta["conceptrecid"])
	assert.Equal(t, strings.TrimPrefix(base, "http://"), root.Meta["subProvider"])

	readme := items[1]
	assert.Equal(t, int64(10), readme.Size)
	assert.Equal(t, "application/octet-stream", readme.MimeType)
	assert.Equal(t, base+"/files/README.md", readme.URL)
	assert.Equal(t, "/README.md", readme.Meta["dsRelPath"])
	assert.Equal(t, map[string]interface{}{"md5": "aaa"}, readme.Meta["checksum"])

	raw := items[4]
	assert.Equal(t, "/data/raw", raw.Meta["dsRelPath"])
	assert.Equal(t, "/data/raw/a.csv", items[5].Meta["dsRelPath"])
}

// TestListFiles tests the preview built from the traversal
func TestListFiles(t *testing.T) {
	p, base := newTestProvider(t, func(base string) map[string]map[string]interface{} {
		return map[string]map[string]interface{}{"3336098": datasetRecord(base)}
	})

	fm, err := provider.ListFiles(context.Background(), p, provider.TraverseRequest{DataID: base + "/record/3336098"})
	require.NoError(t, err)
	assert.Equal(t, "Blueberry dataset_ver_2", fm.Name)
	assert.Equal(t, []provider.FileEntry{{Name: "README.md", Size: 10}}, fm.Files)
	require.Len(t, fm.Children, 1)
	data := fm.Children[0]
	assert.Equal(t, "data", data.Name)
	assert.Equal(t, []provider.FileEntry{{Name: "b.csv", Size: 30}}, data.Files)
	require.Len(t, data.Children, 1)
	assert.Equal(t, []provider.FileEntry{{Name: "a.csv", Size: 20}}, data.Children[0].Files)
}

// TestDatasetUID tests nodes below the root inherit the record DOI
func TestDatasetUID(t *testing.T) {
	st := providertest.NewStore(t)
	p := New(providertest.NewClient(), providertest.Logger())
	ctx := context.Background()

	coll, err := st.EnsureCollection("WholeTale Catalog")
	require.NoError(t, err)
	root, err := st.CreateOrReuseFolder(store.KindCollection, coll.ID, "Blueberry")
	require.NoError(t, err)
	root, err = st.SetMetadata(store.KindFolder, root.ID, store.Meta{"identifier": "doi:10.5281/zenodo.1", "provider": Name})
	require.NoError(t, err)
	sub, err := st.CreateOrReuseFolder(store.KindFolder, root.ID, "data")
	require.NoError(t, err)
	item, err := st.CreateOrReuseItem(sub.ID, "a.csv")
	require.NoError(t, err)

	for _, n := range []store.Node{root, sub, item} {
		uid, err := p.DatasetUID(ctx, st, n)
		require.NoError(t, err)
		assert.Equal(t, "doi:10.5281/zenodo.1", uid, n.Name)
	}

	_, err = p.URI(ctx, st, sub)
	assert.ErrorIs(t, err, provider.ErrNoURI)
}

// TestPackageInfo tests published tales are recognized with publish info
func TestPackageInfo(t *testing.T) {
	p, base := newTestProvider(t, func(base string) map[string]map[string]interface{} {
		return map[string]map[string]interface{}{
			"4000":    taleRecord(base, "zip"),
			"4001":    taleRecord(base, "tar"),
			"3336098": datasetRecord(base),
		}
	})
	ctx := context.Background()

	pkg, err := p.PackageInfo(ctx, provider.DataMap{DataID: base + "/record/4000"})
	require.NoError(t, err)
	assert.Equal(t, base+"/files/tale.zip", pkg.URL)
	assert.Equal(t, store.PublishInfo{
		PID:          "doi:10.5281/zenodo.4000",
		URI:          "https://doi.org/10.5281/zenodo.4000",
		Date:         "2020-01-01T00:00:00",
		RepositoryID: "4000",
		Repository:   strings.TrimPrefix(base, "http://"),
	}, pkg.PublishInfo)
	assert.Equal(t, []store.RelatedIdentifier{{Relation: "IsDerivedFrom", Identifier: "doi:10.5281/zenodo.4000"}}, pkg.RelatedIdentifiers)

	_, err = p.PackageInfo(ctx, provider.DataMap{DataID: base + "/record/4001"})
	assert.True(t, errors.Is(err, ErrNotATale))

	_, err = p.PackageInfo(ctx, provider.DataMap{DataID: base + "/record/3336098"})
	assert.True(t, errors.Is(err, ErrNotATale))
}
