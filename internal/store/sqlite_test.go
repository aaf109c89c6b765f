package store

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
)

// newTestStore creates an in-memory SQLite store for testing
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", slog.New(slog.NewTextHandler(os.Stderr, nil)), WithAssetDir(t.TempDir()))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// newRootFolder creates a folder under the Catalog collection
func newRootFolder(t *testing.T, s *Store, name string) Node {
	t.Helper()
	coll, err := s.EnsureCollection("Catalog")
	if err != nil {
		t.Fatalf("EnsureCollection() failed: %v", err)
	}
	f, err := s.CreateOrReuseFolder(KindCollection, coll.ID, name)
	if err != nil {
		t.Fatalf("CreateOrReuseFolder() failed: %v", err)
	}
	return f
}

// ============================================================================
// Store Lifecycle Tests
// ============================================================================

func TestNew(t *testing.T) {
	store, err := New(":memory:", slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("Expected db to be initialized")
	}
	if store.logger == nil {
		t.Error("Expected logger to be initialized")
	}
}

func TestNewNilLogger(t *testing.T) {
	store, err := New(":memory:", nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer store.Close()

	if store.logger == nil {
		t.Error("Expected default logger")
	}
}

func TestClose(t *testing.T) {
	store, err := New(":memory:", slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	if _, err := store.EnsureCollection("Catalog"); err == nil {
		t.Error("Expected error when using closed store, but got nil")
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate() failed: %v", err)
	}
	var version int
	if err := s.db.QueryRow("SELECT MAX(version) FROM migrations").Scan(&version); err != nil {
		t.Fatalf("query migrations: %v", err)
	}
	if version != 3 {
		t.Errorf("expected schema version 3, got %d", version)
	}
}

// ============================================================================
// Hierarchy Tests
// ============================================================================

func TestEnsureCollectionReuses(t *testing.T) {
	s := newTestStore(t)
	a, err := s.EnsureCollection("Catalog")
	if err != nil {
		t.Fatalf("EnsureCollection() failed: %v", err)
	}
	b, err := s.EnsureCollection("Catalog")
	if err != nil {
		t.Fatalf("EnsureCollection() failed: %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("expected same collection, got %s and %s", a.ID, b.ID)
	}
	if a.Kind != KindCollection {
		t.Errorf("expected collection kind, got %s", a.Kind)
	}
}

func TestCreateOrReuseFolder(t *testing.T) {
	s := newTestStore(t)
	root := newRootFolder(t, s, "zenodo.org")

	child, err := s.CreateOrReuseFolder(KindFolder, root.ID, "data")
	if err != nil {
		t.Fatalf("CreateOrReuseFolder() failed: %v", err)
	}
	again, err := s.CreateOrReuseFolder(KindFolder, root.ID, "data")
	if err != nil {
		t.Fatalf("CreateOrReuseFolder() failed: %v", err)
	}
	if child.ID != again.ID {
		t.Errorf("expected folder reuse, got %s and %s", child.ID, again.ID)
	}
	if child.ParentID != root.ID || child.ParentType != KindFolder {
		t.Errorf("unexpected parent: %s/%s", child.ParentType, child.ParentID)
	}

	if _, err := s.CreateOrReuseFolder(KindFolder, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing parent, got %v", err)
	}
	if _, err := s.CreateOrReuseFolder(KindItem, root.ID, "x"); err == nil {
		t.Error("expected error for item parent")
	}
	if _, err := s.CreateOrReuseFolder(KindFolder, root.ID, ""); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestCreateOrReuseFolderConcurrent(t *testing.T) {
	s := newTestStore(t)
	root := newRootFolder(t, s, "root")

	const workers = 8
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, err := s.CreateOrReuseFolder(KindFolder, root.ID, "shared")
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			ids[i] = f.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("workers observed different folders: %v", ids)
		}
	}
	children, err := s.ChildFolders(KindFolder, root.ID)
	if err != nil {
		t.Fatalf("ChildFolders() failed: %v", err)
	}
	if len(children) != 1 {
		t.Errorf("expected 1 child folder, got %d", len(children))
	}
}

func TestCreateOrReuseItem(t *testing.T) {
	s := newTestStore(t)
	root := newRootFolder(t, s, "root")

	a, err := s.CreateOrReuseItem(root.ID, "file.csv")
	if err != nil {
		t.Fatalf("CreateOrReuseItem() failed: %v", err)
	}
	b, err := s.CreateOrReuseItem(root.ID, "file.csv")
	if err != nil {
		t.Fatalf("CreateOrReuseItem() failed: %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("expected item reuse")
	}
	if a.Kind != KindItem || a.ParentType != KindFolder {
		t.Errorf("unexpected item shape: %+v", a)
	}
	if _, err := s.CreateOrReuseItem("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSetMetadataMergesAndDeletes(t *testing.T) {
	s := newTestStore(t)
	root := newRootFolder(t, s, "root")

	_, err := s.SetMetadata(KindFolder, root.ID, Meta{"identifier": "doi:10.5281/zenodo.1", "provider": "Zenodo"})
	if err != nil {
		t.Fatalf("SetMetadata() failed: %v", err)
	}
	n, err := s.SetMetadata(KindFolder, root.ID, Meta{"provider": nil, "extra": float64(2)})
	if err != nil {
		t.Fatalf("SetMetadata() failed: %v", err)
	}

	if n.Identifier() != "doi:10.5281/zenodo.1" {
		t.Errorf("identifier lost: %v", n.Meta)
	}
	if _, ok := n.Meta["provider"]; ok {
		t.Errorf("expected provider to be removed: %v", n.Meta)
	}
	if n.Meta["extra"] != float64(2) {
		t.Errorf("expected extra=2, got %v", n.Meta["extra"])
	}

	if _, err := s.SetMetadata(KindItem, "missing", Meta{"a": "b"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFindFolderByIdentifier(t *testing.T) {
	s := newTestStore(t)
	root := newRootFolder(t, s, "root")
	if _, err := s.SetMetadata(KindFolder, root.ID, Meta{"identifier": "doi:10.1/abc"}); err != nil {
		t.Fatalf("SetMetadata() failed: %v", err)
	}

	got, ok, err := s.FindFolderByIdentifier("doi:10.1/abc")
	if err != nil {
		t.Fatalf("FindFolderByIdentifier() failed: %v", err)
	}
	if !ok || got.ID != root.ID {
		t.Errorf("expected to find root folder, got ok=%v id=%s", ok, got.ID)
	}

	_, ok, err = s.FindFolderByIdentifier("doi:10.1/none")
	if err != nil {
		t.Fatalf("FindFolderByIdentifier() failed: %v", err)
	}
	if ok {
		t.Error("expected no match")
	}
}

func TestFolderSizeAndNameLookup(t *testing.T) {
	s := newTestStore(t)
	root := newRootFolder(t, s, "dataset")
	sub, err := s.CreateOrReuseFolder(KindFolder, root.ID, "sub")
	if err != nil {
		t.Fatalf("CreateOrReuseFolder() failed: %v", err)
	}

	for _, tc := range []struct {
		folder string
		name   string
		size   int64
	}{
		{root.ID, "a.txt", 10},
		{sub.ID, "b.txt", 32},
	} {
		item, err := s.CreateOrReuseItem(tc.folder, tc.name)
		if err != nil {
			t.Fatalf("CreateOrReuseItem() failed: %v", err)
		}
		if _, err := s.AttachLinkFile(item.ID, tc.name, "https://example.org/"+tc.name, tc.size, ""); err != nil {
			t.Fatalf("AttachLinkFile() failed: %v", err)
		}
	}

	total, err := s.FolderSize(root.ID)
	if err != nil {
		t.Fatalf("FolderSize() failed: %v", err)
	}
	if total != 42 {
		t.Errorf("expected 42 bytes, got %d", total)
	}

	found, ok, err := s.FindFolderByNameAndSize("dataset", 42)
	if err != nil {
		t.Fatalf("FindFolderByNameAndSize() failed: %v", err)
	}
	if !ok || found.ID != root.ID {
		t.Errorf("expected root folder match")
	}
	if _, ok, _ := s.FindFolderByNameAndSize("dataset", 41); ok {
		t.Error("expected no match for wrong size")
	}
}

func TestParentsToRoot(t *testing.T) {
	s := newTestStore(t)
	root := newRootFolder(t, s, "a")
	b, _ := s.CreateOrReuseFolder(KindFolder, root.ID, "b")
	c, _ := s.CreateOrReuseFolder(KindFolder, b.ID, "c")
	item, err := s.CreateOrReuseItem(c.ID, "x")
	if err != nil {
		t.Fatalf("CreateOrReuseItem() failed: %v", err)
	}

	chain, err := s.ParentsToRoot(item)
	if err != nil {
		t.Fatalf("ParentsToRoot() failed: %v", err)
	}
	var names []string
	for _, n := range chain {
		names = append(names, n.Name)
	}
	if strings.Join(names, "/") != "a/b/c" {
		t.Errorf("unexpected chain: %v", names)
	}

	top, err := s.ParentsToRoot(root)
	if err != nil {
		t.Fatalf("ParentsToRoot() failed: %v", err)
	}
	if len(top) != 0 {
		t.Errorf("expected no folder ancestors for root, got %d", len(top))
	}
}

// ============================================================================
// File Tests
// ============================================================================

func TestAttachLinkFile(t *testing.T) {
	s := newTestStore(t)
	root := newRootFolder(t, s, "root")
	item, _ := s.CreateOrReuseItem(root.ID, "x.csv")

	has, err := s.HasFile(item.ID)
	if err != nil {
		t.Fatalf("HasFile() failed: %v", err)
	}
	if has {
		t.Error("expected new item to have no files")
	}

	f, err := s.AttachLinkFile(item.ID, "x.csv", "https://example.org/x.csv", 7, "text/csv")
	if err != nil {
		t.Fatalf("AttachLinkFile() failed: %v", err)
	}
	if !f.IsLink() || f.Size != 7 {
		t.Errorf("unexpected file: %+v", f)
	}

	has, _ = s.HasFile(item.ID)
	if !has {
		t.Error("expected item to have a file")
	}

	found, ok, err := s.FindFileByLinkURL("https://example.org/x.csv")
	if err != nil {
		t.Fatalf("FindFileByLinkURL() failed: %v", err)
	}
	if !ok || found.ID != f.ID {
		t.Error("expected to find file by link url")
	}

	if _, err := s.AttachLinkFile("missing", "x", "https://example.org", 0, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing item, got %v", err)
	}
}

func TestAttachFileFromStream(t *testing.T) {
	s := newTestStore(t)
	root := newRootFolder(t, s, "root")
	item, _ := s.CreateOrReuseItem(root.ID, "readme.txt")

	f, err := s.AttachFileFromStream(item.ID, "readme.txt", strings.NewReader("hello"), 5, "text/plain")
	if err != nil {
		t.Fatalf("AttachFileFromStream() failed: %v", err)
	}
	if f.IsLink() || f.Size != 5 {
		t.Errorf("unexpected file: %+v", f)
	}
	if f.SHA256 != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("unexpected sha256: %s", f.SHA256)
	}

	rc, err := s.OpenFile(f)
	if err != nil {
		t.Fatalf("OpenFile() failed: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "hello" {
		t.Errorf("unexpected content: %q", data)
	}

	other, _ := s.CreateOrReuseItem(root.ID, "short.txt")
	if _, err := s.AttachFileFromStream(other.ID, "short.txt", strings.NewReader("abc"), 10, ""); err == nil {
		t.Error("expected size mismatch error")
	}
	has, _ := s.HasFile(other.ID)
	if has {
		t.Error("size mismatch must not record a file")
	}
}

func TestAttachFileFromStreamWithoutAssetDir(t *testing.T) {
	s, err := New(":memory:", slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()
	if _, err := s.AttachFileFromStream("x", "y", strings.NewReader(""), 0, ""); err == nil {
		t.Error("expected error without asset dir")
	}
}

// ============================================================================
// ProviderConfig Tests
// ============================================================================

func TestSeedProviderConfigs(t *testing.T) {
	s := newTestStore(t)
	yamlProviders := map[string]map[string]interface{}{
		"globus": {"enabled": false, "token": "x"},
	}
	if err := s.SeedProviderConfigs([]string{"Zenodo", "globus"}, yamlProviders); err != nil {
		t.Fatalf("SeedProviderConfigs() failed: %v", err)
	}

	configs, err := s.ListProviderConfigs()
	if err != nil {
		t.Fatalf("ListProviderConfigs() failed: %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("expected 2 configs, got %d", len(configs))
	}

	z, err := s.GetProviderConfig("Zenodo")
	if err != nil {
		t.Fatalf("GetProviderConfig() failed: %v", err)
	}
	if !z.Enabled {
		t.Error("expected Zenodo enabled by default")
	}
	g, _ := s.GetProviderConfig("globus")
	if g.Enabled {
		t.Error("expected globus disabled from yaml")
	}

	if err := s.SetProviderEnabled("globus", true); err != nil {
		t.Fatalf("SetProviderEnabled() failed: %v", err)
	}
	// reseeding must not clobber the toggle
	if err := s.SeedProviderConfigs([]string{"globus"}, yamlProviders); err != nil {
		t.Fatalf("SeedProviderConfigs() failed: %v", err)
	}
	g, _ = s.GetProviderConfig("globus")
	if !g.Enabled {
		t.Error("expected globus to stay enabled after reseed")
	}

	if _, err := s.GetProviderConfig("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
