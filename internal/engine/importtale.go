package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/BadgerOps/taleport/internal/download"
	"github.com/BadgerOps/taleport/internal/manifest"
	"github.com/BadgerOps/taleport/internal/provider"
	"github.com/BadgerOps/taleport/internal/safety"
	"github.com/BadgerOps/taleport/internal/store"
)

// ErrNoManifest is returned for tale packages without metadata/manifest.json.
var ErrNoManifest = errors.New("package holds no metadata/manifest.json")

// ImportReport summarizes an imported tale.
type ImportReport struct {
	Tale *store.Tale
	// Existing is set when the package had been imported before.
	Existing   bool
	Version    *store.Version
	Runs       []store.Run
	Registered []RegisterResult
}

// ImportTale recreates a tale published as a package in a repository: its
// metadata, external data, workspace, version and recorded runs.
func (m *Manager) ImportTale(ctx context.Context, id, creatorID string) (*ImportReport, error) {
	lookups := m.ResolveAndLookup(ctx, []string{id}, "")
	if err := lookups[0].Err; err != nil {
		return nil, err
	}
	dm := *lookups[0].DataMap

	p, err := m.registry.FromDataMap(dm)
	if err != nil {
		return nil, err
	}
	importer, ok := p.(provider.PackageImporter)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot import tales", provider.ErrUnsupported, p.Name())
	}
	pkg, err := importer.PackageInfo(ctx, dm)
	if err != nil {
		return nil, fmt.Errorf("locating tale package for %q: %w", id, err)
	}
	if _, err := safety.ValidateHTTPURL(pkg.URL); err != nil {
		return nil, fmt.Errorf("tale package url %q: %w", pkg.URL, err)
	}

	if existing, ok, err := m.publishedTale(pkg.PublishInfo.PID); err != nil {
		return nil, err
	} else if ok {
		m.logger.Info("tale already imported", "tale", existing.ID, "pid", pkg.PublishInfo.PID)
		return &ImportReport{Tale: existing, Existing: true}, nil
	}

	tmp, err := os.MkdirTemp("", "taleport-import-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)
	archive := filepath.Join(tmp, "package.zip")
	if _, err := m.client.Download(ctx, download.DownloadOptions{URL: pkg.URL, DestPath: archive}); err != nil {
		return nil, fmt.Errorf("downloading tale package: %w", err)
	}

	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("opening tale package: %w", err)
	}
	defer zr.Close()

	root, doc, err := readPackageManifest(&zr.Reader)
	if err != nil {
		return nil, err
	}
	parser := manifest.NewParser(doc, m.store, m.logger)
	report := &ImportReport{}

	if ids := parser.ExternalDataIDs(); len(ids) > 0 {
		report.Registered, err = m.ImportData(ctx, ids, store.Node{}, "")
		if err != nil {
			return nil, fmt.Errorf("registering external data: %w", err)
		}
		for _, r := range report.Registered {
			if r.Err != nil {
				m.logger.Warn("external data not registered", "id", r.DataMap.DataID, "error", r.Err)
			}
		}
	}
	dataSet, err := parser.GetDataset()
	if err != nil {
		return nil, fmt.Errorf("resolving dataset: %w", err)
	}

	tale := taleFromManifest(parser, doc, m.config.Manifest.DefaultLicense)
	tale.CreatorID = creatorID
	tale.DataSet = dataSet
	tale.PublishInfo = []store.PublishInfo{pkg.PublishInfo}
	tale.RelatedIdentifiers = mergeRelated(tale.RelatedIdentifiers, pkg.RelatedIdentifiers)
	if err := m.CreateTale(tale); err != nil {
		return nil, err
	}
	report.Tale = tale

	for _, prefix := range []string{root + "workspace/", root + "data/workspace/"} {
		n, err := extractPrefix(&zr.Reader, prefix, m.layout.WorkspaceDir(tale.ID))
		if err != nil {
			return nil, fmt.Errorf("extracting workspace: %w", err)
		}
		if n > 0 {
			break
		}
	}

	versionName := tale.Title
	if doc.HasVersion != nil && doc.HasVersion.Name != "" {
		versionName = doc.HasVersion.Name
	}
	if report.Version, err = m.CreateVersion(tale.ID, versionName, creatorID); err != nil {
		return nil, err
	}

	for _, rec := range doc.HasRecordedRuns {
		run, err := m.RecordRun(report.Version.ID, rec.Name, creatorID, manifest.ParseRunStatus(rec.Status), "")
		if err != nil {
			return nil, err
		}
		dest := m.layout.RunDir(tale.ID, run.ID)
		for _, prefix := range []string{root + "data/runs/" + rec.Name + "/", root + "runs/" + rec.Name + "/"} {
			n, err := extractPrefix(&zr.Reader, prefix, dest)
			if err != nil {
				return nil, fmt.Errorf("extracting run %s: %w", rec.Name, err)
			}
			if n > 0 {
				break
			}
		}
		report.Runs = append(report.Runs, *run)
	}

	m.logger.Info("tale imported",
		"tale", tale.ID,
		"pid", pkg.PublishInfo.PID,
		"datasets", len(tale.DataSet),
		"runs", len(report.Runs),
	)
	return report, nil
}

// publishedTale finds a tale previously imported from pid.
func (m *Manager) publishedTale(pid string) (*store.Tale, bool, error) {
	if pid == "" {
		return nil, false, nil
	}
	tales, err := m.store.ListTales(0)
	if err != nil {
		return nil, false, err
	}
	for i := range tales {
		for _, pi := range tales[i].PublishInfo {
			if pi.PID == pid {
				return &tales[i], true, nil
			}
		}
	}
	return nil, false, nil
}

// readPackageManifest finds <root>/metadata/manifest.json and parses it.
// root is returned with a trailing slash, or empty for flat packages.
func readPackageManifest(zr *zip.Reader) (string, *manifest.Manifest, error) {
	for _, f := range zr.File {
		name, err := safety.CleanArchivePath(f.Name)
		if err != nil {
			continue
		}
		dir, base := path.Split(name)
		if base != "manifest.json" || path.Base(strings.TrimSuffix(dir, "/")) != "metadata" {
			continue
		}
		root := strings.TrimSuffix(dir, "metadata/")
		if strings.Count(root, "/") > 1 {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", nil, fmt.Errorf("opening %s: %w", f.Name, err)
		}
		doc, err := manifest.ParseReader(rc)
		rc.Close()
		if err != nil {
			return "", nil, err
		}
		return root, doc, nil
	}
	return "", nil, ErrNoManifest
}

// extractPrefix writes every member below prefix into dest and returns how
// many files were written.
func extractPrefix(zr *zip.Reader, prefix, dest string) (int, error) {
	written := 0
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name, err := safety.CleanArchivePath(f.Name)
		if err != nil || !strings.HasPrefix(name, prefix) {
			continue
		}
		target, err := safety.SafeJoinUnder(dest, strings.TrimPrefix(name, prefix))
		if err != nil {
			return written, err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return written, err
		}
		if err := extractFile(f, target); err != nil {
			return written, fmt.Errorf("extracting %s: %w", name, err)
		}
		written++
	}
	return written, nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// taleFromManifest builds the tale fields recorded in a package manifest.
func taleFromManifest(parser *manifest.Parser, doc *manifest.Manifest, defaultLicense string) *store.Tale {
	tf := parser.TaleFields(defaultLicense)
	t := &store.Tale{
		Title:              tf.Title,
		Description:        tf.Description,
		Illustration:       tf.Illustration,
		Category:           tf.Category,
		LicenseSPDX:        tf.LicenseSPDX,
		Authors:            tf.Authors,
		RelatedIdentifiers: tf.RelatedIdentifiers,
		Format:             doc.SchemaVersion,
	}
	for _, sw := range doc.HasPart {
		if sw.ID == manifest.Repo2DockerID {
			t.ImageInfo.Repo2DockerVersion = sw.Version
		}
	}
	return t
}

func mergeRelated(have, add []store.RelatedIdentifier) []store.RelatedIdentifier {
	seen := make(map[store.RelatedIdentifier]bool, len(have))
	for _, r := range have {
		seen[r] = true
	}
	for _, r := range add {
		if !seen[r] {
			seen[r] = true
			have = append(have, r)
		}
	}
	return have
}
