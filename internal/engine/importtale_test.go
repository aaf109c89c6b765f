package engine

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/taleport/internal/manifest"
	"github.com/BadgerOps/taleport/internal/provider"
	"github.com/BadgerOps/taleport/internal/provider/providertest"
	"github.com/BadgerOps/taleport/internal/store"
)

// packageProvider serves a fixed tale archive for every dataset.
type packageProvider struct {
	*providertest.Scripted
	archiveURL string
}

func (p *packageProvider) PackageInfo(_ context.Context, dm provider.DataMap) (*provider.Package, error) {
	return &provider.Package{
		URL: p.archiveURL,
		PublishInfo: store.PublishInfo{
			PID:        "doi:10.5072/pkg.1",
			URI:        "https://repo.example.org/record/1",
			Repository: p.ProviderName,
		},
		RelatedIdentifiers: []store.RelatedIdentifier{{Relation: "IsIdenticalTo", Identifier: "doi:10.5072/pkg.1"}},
	}, nil
}

func packagedManifest() *manifest.Manifest {
	size := int64(5)
	return &manifest.Manifest{
		Context:       []interface{}{manifest.BundleContext, map[string]interface{}{"schema": manifest.SchemaContext}},
		ID:            manifest.DefaultAPIURL + "/tale/abc",
		Type:          manifest.TypeTale,
		Name:          "Glacier Tale",
		Description:   "Melt rates",
		Keywords:      "science",
		SchemaVersion: 4,
		Authors: []manifest.Person{
			{ID: "https://orcid.org/0000-0002-1825-0097", Type: manifest.TypePerson, GivenName: "Ann", FamilyName: "Lee"},
		},
		RelatedIdentifiers: []manifest.RelatedIdentifierRecord{},
		HasPart: []manifest.SoftwareApplication{
			{ID: manifest.Repo2DockerID, Type: manifest.TypeSoftApp, Version: "wholetale/repo2docker_wholetale:v1.1"},
		},
		Aggregates: []manifest.Aggregate{
			{URI: "./workspace/run.py", Size: &size},
			{URI: "ext:ds", BundledAs: &manifest.Bundle{Folder: "./data/ds/"}, Size: &size},
		},
		UsesDataset: []manifest.Dataset{
			{ID: "ext:ds", Type: manifest.TypeDataset, Name: "ds", Identifier: "ext:ds"},
		},
		HasVersion: &manifest.VersionRecord{ID: manifest.DefaultAPIURL + "/folder/v1", Type: manifest.TypeVersion, Name: "Submitted"},
		HasRecordedRuns: []manifest.RunRecord{
			{ID: manifest.DefaultAPIURL + "/run/r1", Type: manifest.TypeRun, Name: "first", Status: "completed"},
		},
	}
}

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func serveArchive(t *testing.T, data []byte) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/package.zip"
}

func TestImportTale(t *testing.T) {
	doc, err := manifest.Dump(packagedManifest(), "  ")
	require.NoError(t, err)
	archive := buildArchive(t, map[string]string{
		"abc/metadata/manifest.json":   string(doc),
		"abc/workspace/run.py":         "print(1)",
		"abc/data/runs/first/out.txt":  "done",
		"abc/data/runs/other/skip.txt": "ignored",
	})

	ext := &providertest.Scripted{ProviderName: "Ext", Prefix: "ext:", Items: datasetStream("ds", "ext:ds", "x.csv")}
	pkg := &packageProvider{
		Scripted:   &providertest.Scripted{ProviderName: "Pkg", Prefix: "pkg:"},
		archiveURL: serveArchive(t, archive),
	}
	m := newTestManager(t, ext, pkg)
	ctx := context.Background()

	report, err := m.ImportTale(ctx, "pkg:1", "")
	require.NoError(t, err)
	assert.False(t, report.Existing)

	tale := report.Tale
	assert.Equal(t, "Glacier Tale", tale.Title)
	assert.Equal(t, "Melt rates", tale.Description)
	assert.Equal(t, 4, tale.Format)
	assert.Equal(t, "wholetale/repo2docker_wholetale:v1.1", tale.ImageInfo.Repo2DockerVersion)
	require.Len(t, tale.Authors, 1)
	assert.Equal(t, "Lee", tale.Authors[0].LastName)
	require.Len(t, tale.PublishInfo, 1)
	assert.Equal(t, "doi:10.5072/pkg.1", tale.PublishInfo[0].PID)
	assert.Contains(t, tale.RelatedIdentifiers, store.RelatedIdentifier{Relation: "IsIdenticalTo", Identifier: "doi:10.5072/pkg.1"})

	require.Len(t, report.Registered, 1)
	require.NoError(t, report.Registered[0].Err)
	root := report.Registered[0].Root
	require.Len(t, tale.DataSet, 1)
	assert.Equal(t, root.ID, tale.DataSet[0].ItemID)
	assert.Equal(t, store.KindFolder, tale.DataSet[0].ModelType)

	script, err := os.ReadFile(filepath.Join(m.Layout().WorkspaceDir(tale.ID), "run.py"))
	require.NoError(t, err)
	assert.Equal(t, "print(1)", string(script))

	require.NotNil(t, report.Version)
	assert.Equal(t, "Submitted", report.Version.Name)
	_, err = os.Stat(filepath.Join(m.Layout().VersionDir(tale.ID, report.Version.ID), "run.py"))
	require.NoError(t, err)

	require.Len(t, report.Runs, 1)
	run := report.Runs[0]
	assert.Equal(t, "first", run.Name)
	assert.Equal(t, store.RunCompleted, run.Status)
	out, err := os.ReadFile(filepath.Join(m.Layout().RunDir(tale.ID, run.ID), "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "done", string(out))
	_, err = os.Stat(filepath.Join(m.Layout().RunDir(tale.ID, run.ID), "skip.txt"))
	assert.True(t, os.IsNotExist(err))

	again, err := m.ImportTale(ctx, "pkg:1", "")
	require.NoError(t, err)
	assert.True(t, again.Existing)
	assert.Equal(t, tale.ID, again.Tale.ID)
	tales, err := m.Store().ListTales(0)
	require.NoError(t, err)
	assert.Len(t, tales, 1)
}

func TestImportTaleFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("provider without packages", func(t *testing.T) {
		m := newTestManager(t, &providertest.Scripted{ProviderName: "Ext", Prefix: "ext:"})
		_, err := m.ImportTale(ctx, "ext:1", "")
		assert.ErrorIs(t, err, provider.ErrUnsupported)
	})

	t.Run("archive without manifest", func(t *testing.T) {
		pkg := &packageProvider{
			Scripted:   &providertest.Scripted{ProviderName: "Pkg", Prefix: "pkg:"},
			archiveURL: serveArchive(t, buildArchive(t, map[string]string{"abc/workspace/run.py": "x"})),
		}
		m := newTestManager(t, pkg)
		_, err := m.ImportTale(ctx, "pkg:1", "")
		assert.ErrorIs(t, err, ErrNoManifest)
	})

	t.Run("unmatched id", func(t *testing.T) {
		m := newTestManager(t)
		_, err := m.ImportTale(ctx, "nowhere", "")
		assert.ErrorIs(t, err, provider.ErrNoProvider)
	})
}
