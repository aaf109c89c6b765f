package bdbag

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/BadgerOps/taleport/internal/provider"
	"github.com/BadgerOps/taleport/internal/provider/providertest"
	"github.com/BadgerOps/taleport/internal/safety"
	"github.com/BadgerOps/taleport/internal/store"
)

const manifestJSON = `{"aggregates": [
  {"uri": "../data/a.csv", "mediatype": "text/csv", "bundledAs": {"folder": "../data/"}},
  {"uri": "https://doi.org/10.1/x", "bundledAs": {"folder": "../data/ext/", "filename": "big file.bin", "uri": "doi:10.1/x"}},
  {"uri": "../LICENSE"}
]}`

func bagFiles() map[string]string {
	return map[string]string{
		"mybag/bagit.txt":              "BagIt-Version: 0.97\n",
		"mybag/data/a.csv":             "x,y\n1,2\n",
		"mybag/data/sub/b.txt":         "hello",
		"mybag/manifest-md5.txt":       "aaa data/a.csv\nbbb  data/sub/b.txt\n\n",
		"mybag/fetch.txt":              "https://example.org/big.bin 1234 data/ext/big%20file.bin\n",
		"mybag/metadata/manifest.json": manifestJSON,
	}
}

var bagPaths = []string{
	"mybag/",
	"mybag/data/",
	"mybag/data/ext/",
	"mybag/data/ext/big file.bin",
	"mybag/data/a.csv",
	"mybag/data/sub/",
	"mybag/data/sub/b.txt",
	"mybag/bagit.txt",
	"mybag/fetch.txt",
	"mybag/manifest-md5.txt",
	"mybag/metadata/",
	"mybag/metadata/manifest.json",
}

func sortedNames(files map[string]string) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func zipBag(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	_, err := zw.Create("mybag/")
	require.NoError(t, err)
	for _, name := range sortedNames(files) {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, files[name])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func tarBag(t *testing.T, files map[string]string, compress func(io.Writer) (io.WriteCloser, error)) []byte {
	t.Helper()
	var buf bytes.Buffer
	cw, err := compress(&buf)
	require.NoError(t, err)
	tw := tar.NewWriter(cw)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "mybag/", Typeflag: tar.TypeDir, Mode: 0o755}))
	for _, name := range sortedNames(files) {
		body := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}))
		_, err := io.WriteString(tw, body)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, cw.Close())
	return buf.Bytes()
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

// memArchive builds an archive straight from file contents.
func memArchive(files map[string]string) *archive {
	var members []member
	for name, body := range files {
		body := body
		members = append(members, member{
			path: name,
			size: int64(len(body)),
			open: func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(body)), nil },
		})
	}
	return newArchive("mem://bag", members)
}

func findFile(t *testing.T, items []provider.ImportItem, name string) provider.ImportItem {
	t.Helper()
	for _, it := range items {
		if it.Kind == provider.KindFile && it.Name == name {
			return it
		}
	}
	t.Fatalf("no file %q in traversal", name)
	return provider.ImportItem{}
}

func newBagServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mybag.zip" {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "mybag.zip", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// TestMatches tests archive suffixes and DERIVA prefixes
func TestMatches(t *testing.T) {
	ctx := context.Background()
	p := New(providertest.NewClient(), providertest.Logger())
	for _, v := range []string{"https://example.org/bag.zip", "/tmp/bag.tar.zst", "file:///tmp/bag.TGZ", "bag.tar.xz", "bag.tar.gz"} {
		assert.True(t, p.Matches(ctx, provider.NewEntity(v)), v)
	}
	assert.False(t, p.Matches(ctx, provider.NewEntity("https://example.org/data.csv")))

	d := NewDERIVA(providertest.NewClient(), providertest.Logger())
	assert.Equal(t, DERIVAName, d.Name())
	assert.True(t, d.Matches(ctx, provider.NewEntity("https://pbcconsortium.s3.amazonaws.com/shared/Dataset_1-882P.zip")))
	assert.False(t, d.Matches(ctx, provider.NewEntity("https://example.org/bag.zip")))

	require.NoError(t, d.Configure(provider.ProviderConfig{"prefixes": []interface{}{"https://example.org/"}}))
	assert.True(t, d.Matches(ctx, provider.NewEntity("https://example.org/bag.zip")))
	assert.False(t, d.Matches(ctx, provider.NewEntity("https://pbcconsortium.s3.amazonaws.com/shared/Dataset_1-882P.zip")))
}

// TestLookup tests bag sizes come from the server or the filesystem
func TestLookup(t *testing.T) {
	data := zipBag(t, bagFiles())
	srv := newBagServer(t, data)
	p := New(providertest.NewClient(), providertest.Logger())
	ctx := context.Background()

	dm, err := p.Lookup(ctx, provider.NewEntity(srv.URL+"/mybag.zip"))
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/mybag.zip", dm.DataID)
	assert.Equal(t, int64(len(data)), dm.Size)
	assert.Equal(t, "mybag", dm.Name)
	assert.Equal(t, Name, dm.Repository)

	local := writeFile(t, "local.tar.zst", []byte("0123456789"))
	dm, err = p.Lookup(ctx, provider.NewEntity("file://"+local))
	require.NoError(t, err)
	assert.Equal(t, int64(10), dm.Size)
	assert.Equal(t, "local", dm.Name)

	_, err = p.Lookup(ctx, provider.NewEntity(srv.URL+"/missing.zip"))
	assert.Error(t, err)
}

// TestDERIVALookup tests DERIVA bags are described from the entity hints
func TestDERIVALookup(t *testing.T) {
	d := NewDERIVA(providertest.NewClient(), providertest.Logger())
	e := provider.NewEntity("https://pbcconsortium.s3.amazonaws.com/shared/Dataset_1-882P.zip")
	dm, err := d.Lookup(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), dm.Size)
	assert.Equal(t, "Dataset_1-882P", dm.Name)
	assert.Equal(t, DERIVAName, dm.Repository)

	e.HintedSize = 42
	e.HintedName = "Beta cell"
	dm, err = d.Lookup(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, int64(42), dm.Size)
	assert.Equal(t, "Beta cell", dm.Name)
}

// TestTraverseRemoteZip tests members of a remote zip are linked by position
func TestTraverseRemoteZip(t *testing.T) {
	srv := newBagServer(t, zipBag(t, bagFiles()))
	zipURL := srv.URL + "/mybag.zip"
	p := New(providertest.NewClient(), providertest.Logger())

	items, err := providertest.Collect(context.Background(), p, provider.TraverseRequest{DataID: zipURL})
	require.NoError(t, err)
	assert.Equal(t, bagPaths, providertest.Paths(items))
	assert.Equal(t, zipURL, items[0].Identifier)
	assert.Empty(t, items[1].Identifier)

	a := findFile(t, items, "a.csv")
	assert.Equal(t, zipURL+"?path=mybag/data/a.csv", a.URL)
	assert.Equal(t, int64(8), a.Size)
	assert.Equal(t, "text/csv", a.MimeType)
	assert.Empty(t, a.Identifier)
	assert.Equal(t, store.Meta{
		"checksum":  map[string]interface{}{"md5": "aaa"},
		"mediatype": "text/csv",
		"bundledAs": map[string]interface{}{"folder": "../data/"},
	}, a.Meta)

	b := findFile(t, items, "b.txt")
	assert.Equal(t, store.Meta{"checksum": map[string]interface{}{"md5": "bbb"}}, b.Meta)
	assert.Equal(t, "application/octet-stream", b.MimeType)

	ext := findFile(t, items, "big file.bin")
	assert.Equal(t, "https://example.org/big.bin", ext.URL)
	assert.Equal(t, int64(1234), ext.Size)
	assert.Equal(t, "doi:10.1/x", ext.Identifier)
	assert.Equal(t, store.Meta{"uri": "https://doi.org/10.1/x"}, ext.Meta)

	assert.Nil(t, findFile(t, items, "bagit.txt").Meta)
}

// TestTraverseLocalZip tests local members are extracted while they are
// emitted and removed afterwards
func TestTraverseLocalZip(t *testing.T) {
	bagPath := writeFile(t, "mybag.zip", zipBag(t, bagFiles()))
	p := New(providertest.NewClient(), providertest.Logger())

	var extracted string
	var items []provider.ImportItem
	err := provider.Walk(context.Background(), p, provider.TraverseRequest{DataID: bagPath}, func(it provider.ImportItem) error {
		items = append(items, it)
		if it.Name == "a.csv" {
			local, err := safety.LocalFilePath(it.URL)
			require.NoError(t, err)
			data, err := os.ReadFile(local)
			require.NoError(t, err)
			assert.Equal(t, "x,y\n1,2\n", string(data))
			extracted = local
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, bagPaths, providertest.Paths(items))
	assert.Equal(t, "file://"+bagPath, items[0].Identifier)

	require.NotEmpty(t, extracted)
	_, err = os.Stat(extracted)
	assert.True(t, os.IsNotExist(err))
}

// TestTraverseTarBags tests compressed tar bags are unpacked and read
func TestTraverseTarBags(t *testing.T) {
	tests := []struct {
		name     string
		suffix   string
		compress func(io.Writer) (io.WriteCloser, error)
	}{
		{"zstd", ".tar.zst", func(w io.Writer) (io.WriteCloser, error) { return zstd.NewWriter(w) }},
		{"xz", ".tar.xz", func(w io.Writer) (io.WriteCloser, error) { return xz.NewWriter(w) }},
		{"gzip", ".tgz", func(w io.Writer) (io.WriteCloser, error) { return gzip.NewWriter(w), nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bagPath := writeFile(t, "mybag"+tt.suffix, tarBag(t, bagFiles(), tt.compress))
			p := New(providertest.NewClient(), providertest.Logger())

			var items []provider.ImportItem
			err := provider.Walk(context.Background(), p, provider.TraverseRequest{DataID: "file://" + bagPath}, func(it provider.ImportItem) error {
				items = append(items, it)
				if it.Name == "b.txt" {
					local, err := safety.LocalFilePath(it.URL)
					require.NoError(t, err)
					data, err := os.ReadFile(local)
					require.NoError(t, err)
					assert.Equal(t, "hello", string(data))
				}
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, bagPaths, providertest.Paths(items))
			assert.Equal(t, "file://"+bagPath, items[0].Identifier)
			assert.Equal(t, int64(5), findFile(t, items, "b.txt").Size)
		})
	}
}

// TestReadBagErrors tests malformed bags are rejected
func TestReadBagErrors(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		want  error
	}{
		{
			name: "duplicate fetch entry",
			files: map[string]string{
				"mybag/data/a.csv": "x",
				"mybag/fetch.txt":  "https://example.org/a.csv 1 data/a.csv\n",
				"mybag/bagit.txt":  "",
			},
			want: ErrDuplicateEntry,
		},
		{
			name:  "several roots",
			files: map[string]string{"one/bagit.txt": "", "two/bagit.txt": ""},
			want:  ErrInvalidBag,
		},
		{
			name:  "file in root",
			files: map[string]string{"bagit.txt": ""},
			want:  ErrInvalidBag,
		},
		{
			name:  "short fetch line",
			files: map[string]string{"mybag/fetch.txt": "https://example.org/a.csv 12\n"},
			want:  ErrInvalidBag,
		},
		{
			name:  "fetch file over directory",
			files: map[string]string{"mybag/fetch.txt": "https://example.org/a 1 data\n", "mybag/data/a.csv": "x"},
			want:  ErrInvalidBag,
		},
		{
			name:  "fetch path escapes bag",
			files: map[string]string{"mybag/fetch.txt": "https://example.org/a 1 ../../etc/passwd\n"},
			want:  ErrInvalidBag,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readBag(memArchive(tt.files))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// TestReadManifestJSONFolderForm tests aggregates addressed through
// bundledAs folder and filename
func TestReadManifestJSONFolderForm(t *testing.T) {
	b, err := readBag(memArchive(map[string]string{
		"mybag/data/sub/c.txt": "c",
		"mybag/metadata/manifest.json": `{"aggregates": [
			{"uri": "https://example.org/c.txt", "schema:license": "CC0",
			 "bundledAs": {"folder": "./data/sub/", "filename": "c.txt"}}]}`,
	}))
	require.NoError(t, err)
	meta, identifier, mimeType := b.fileMeta("data/sub/c.txt")
	assert.Equal(t, store.Meta{
		"uri":            "https://example.org/c.txt",
		"schema:license": "CC0",
	}, meta)
	assert.Empty(t, identifier)
	assert.Equal(t, "application/octet-stream", mimeType)
}

// TestDatasetUIDAndURI tests identifiers come from the bag root and only
// remote links have a URI
func TestDatasetUIDAndURI(t *testing.T) {
	st := providertest.NewStore(t)
	p := New(providertest.NewClient(), providertest.Logger())
	ctx := context.Background()

	coll, err := st.EnsureCollection("WholeTale Catalog")
	require.NoError(t, err)
	root, err := st.CreateOrReuseFolder(store.KindCollection, coll.ID, "mybag")
	require.NoError(t, err)
	root, err = st.SetMetadata(store.KindFolder, root.ID, store.Meta{"identifier": "https://example.org/mybag.zip", "provider": Name})
	require.NoError(t, err)
	sub, err := st.CreateOrReuseFolder(store.KindFolder, root.ID, "data")
	require.NoError(t, err)
	sub, err = st.SetMetadata(store.KindFolder, sub.ID, store.Meta{"provider": Name})
	require.NoError(t, err)
	remote, err := st.CreateOrReuseItem(sub.ID, "a.csv")
	require.NoError(t, err)
	_, err = st.AttachLinkFile(remote.ID, "a.csv", "https://example.org/mybag.zip?path=mybag/data/a.csv", 8, "text/csv")
	require.NoError(t, err)
	local, err := st.CreateOrReuseItem(sub.ID, "b.txt")
	require.NoError(t, err)
	_, err = st.AttachLinkFile(local.ID, "b.txt", "file:///tmp/b.txt", 5, "text/plain")
	require.NoError(t, err)

	for _, n := range []store.Node{root, sub, remote} {
		uid, err := p.DatasetUID(ctx, st, n)
		require.NoError(t, err)
		assert.Equal(t, "https://example.org/mybag.zip", uid, n.Name)
	}

	uri, err := p.URI(ctx, st, remote)
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/mybag.zip?path=mybag/data/a.csv", uri)

	_, err = p.URI(ctx, st, local)
	assert.ErrorIs(t, err, provider.ErrNoURI)
	_, err = p.URI(ctx, st, sub)
	assert.ErrorIs(t, err, provider.ErrNoURI)
}
