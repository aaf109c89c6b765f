package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BadgerOps/taleport/internal/provider"
	"github.com/BadgerOps/taleport/internal/store"
)

// CreateTale stores t and creates its empty workspace.
func (m *Manager) CreateTale(t *store.Tale) error {
	if t.LicenseSPDX == "" {
		t.LicenseSPDX = m.config.Manifest.DefaultLicense
	}
	if err := m.store.CreateTale(t); err != nil {
		return err
	}
	if err := os.MkdirAll(m.layout.WorkspaceDir(t.ID), 0o755); err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}
	m.logger.Info("tale created", "tale", t.ID, "title", t.Title)
	return nil
}

// CreateTaleFromDataset creates a tale mounting a registered dataset. The
// dataset's provider may enrich the initial fields.
func (m *Manager) CreateTaleFromDataset(ctx context.Context, dm provider.DataMap, root store.Node, creatorID string, asTale bool) (*store.Tale, error) {
	t := provider.ProtoTale(dm, asTale)
	if p, err := m.registry.FromDataMap(dm); err == nil {
		if pt, ok := p.(provider.ProtoTaler); ok {
			enriched, err := pt.ProtoTale(ctx, dm, asTale)
			if err != nil {
				m.logger.Warn("provider could not describe tale, using defaults", "provider", p.Name(), "error", err)
			} else {
				t = enriched
			}
		}
	}
	t.CreatorID = creatorID
	t.DataSet = []store.DatasetEntry{{ItemID: root.ID, MountPath: root.Name, ModelType: root.Kind}}
	if err := m.CreateTale(t); err != nil {
		return nil, err
	}
	return t, nil
}

// AddData mounts registered nodes in a tale under their own names. Nodes
// already mounted are skipped.
func (m *Manager) AddData(taleID string, nodes []store.Node) (*store.Tale, error) {
	t, err := m.store.GetTale(taleID)
	if err != nil {
		return nil, err
	}
	mounted := make(map[string]bool, len(t.DataSet))
	for _, e := range t.DataSet {
		mounted[e.ItemID] = true
	}
	for _, n := range nodes {
		if n.Kind != store.KindFolder && n.Kind != store.KindItem {
			return nil, fmt.Errorf("cannot mount %s %s", n.Kind, n.ID)
		}
		if mounted[n.ID] {
			continue
		}
		mounted[n.ID] = true
		t.DataSet = append(t.DataSet, store.DatasetEntry{ItemID: n.ID, MountPath: n.Name, ModelType: n.Kind})
	}
	if err := m.store.UpdateTale(t); err != nil {
		return nil, err
	}
	return t, nil
}

// CreateVersion snapshots the tale workspace and dataset.
func (m *Manager) CreateVersion(taleID, name, creatorID string) (*store.Version, error) {
	t, err := m.store.GetTale(taleID)
	if err != nil {
		return nil, err
	}
	if creatorID == "" {
		creatorID = t.CreatorID
	}
	v := &store.Version{
		TaleID:    taleID,
		Name:      name,
		CreatorID: creatorID,
		DataSet:   append([]store.DatasetEntry(nil), t.DataSet...),
	}
	if err := m.store.CreateVersion(v); err != nil {
		return nil, err
	}
	if err := copyTree(m.layout.WorkspaceDir(taleID), m.layout.VersionDir(taleID, v.ID)); err != nil {
		return nil, fmt.Errorf("copying workspace into version %s: %w", name, err)
	}
	m.logger.Info("version created", "tale", taleID, "version", v.ID, "name", name)
	return v, nil
}

// RecordRun records a run of a version. Files below results, when given,
// become the run's content.
func (m *Manager) RecordRun(versionID, name, creatorID string, status store.RunStatus, results string) (*store.Run, error) {
	v, err := m.store.GetVersion(versionID)
	if err != nil {
		return nil, err
	}
	if creatorID == "" {
		creatorID = v.CreatorID
	}
	r := &store.Run{VersionID: versionID, Name: name, Status: status, CreatorID: creatorID}
	if err := m.store.CreateRun(r); err != nil {
		return nil, err
	}
	dest := m.layout.RunDir(v.TaleID, r.ID)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}
	if results != "" {
		if err := copyTree(results, dest); err != nil {
			return nil, fmt.Errorf("copying run results: %w", err)
		}
	}
	m.logger.Info("run recorded", "version", versionID, "run", r.ID, "status", status)
	return r, nil
}

// copyTree copies the regular files below src into dst. A missing src
// copies nothing.
func copyTree(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == src {
				return filepath.SkipDir
			}
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(p, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
