// Package register materializes provider traversals into the object store.
package register

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BadgerOps/taleport/internal/provider"
	"github.com/BadgerOps/taleport/internal/safety"
	"github.com/BadgerOps/taleport/internal/store"
)

// Materializer turns a FOLDER/FILE/END_FOLDER stream into folders, items
// and files below a parent node. Folders and items are reused by name, so
// registering the same dataset twice creates nothing new.
type Materializer struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates a Materializer writing to st.
func New(st *store.Store, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{store: st, logger: logger}
}

// Register walks dm with p and returns the first node it created. Providers
// implementing provider.Registerer lay out their nodes themselves. On error
// the nodes created so far are kept.
func (m *Materializer) Register(ctx context.Context, p provider.Provider, parent store.Node, dm provider.DataMap, baseURL string, progress provider.Progress) (store.Node, error) {
	if progress == nil {
		progress = provider.NopProgress{}
	}
	if r, ok := p.(provider.Registerer); ok {
		return r.Register(ctx, m.store, parent, dm, baseURL, progress)
	}

	stack := []store.Node{parent}
	var root store.Node
	var haveRoot bool
	err := provider.Walk(ctx, p, provider.RequestFor(dm, baseURL, progress), func(it provider.ImportItem) error {
		top := stack[len(stack)-1]
		var node store.Node
		var err error
		switch it.Kind {
		case provider.KindFolder:
			node, err = m.registerFolder(top, it, p.Name())
			if err != nil {
				return err
			}
			stack = append(stack, node)
		case provider.KindEndFolder:
			stack = stack[:len(stack)-1]
			return nil
		case provider.KindFile:
			node, err = m.registerFile(top, it, p.Name())
			if err != nil {
				return err
			}
		}
		if !haveRoot {
			root, haveRoot = node, true
		}
		return nil
	})
	if err != nil {
		return root, fmt.Errorf("registering %s: %w", dm.DataID, err)
	}
	if !haveRoot {
		return root, fmt.Errorf("registering %s: traversal produced nothing", dm.DataID)
	}
	m.logger.Debug("registered dataset", "data_id", dm.DataID, "provider", p.Name(), "root", root.ID)
	return root, nil
}

func (m *Materializer) registerFolder(parent store.Node, it provider.ImportItem, providerName string) (store.Node, error) {
	folder, err := m.store.CreateOrReuseFolder(parent.Kind, parent.ID, it.Name)
	if err != nil {
		return store.Node{}, fmt.Errorf("creating folder %q: %w", it.Name, err)
	}
	meta := store.Meta{"provider": providerName}
	if it.Identifier != "" {
		meta["identifier"] = it.Identifier
	}
	for k, v := range it.Meta {
		meta[k] = v
	}
	return m.store.SetMetadata(store.KindFolder, folder.ID, meta)
}

func (m *Materializer) registerFile(parent store.Node, it provider.ImportItem, providerName string) (store.Node, error) {
	item, err := m.store.CreateOrReuseItem(parent.ID, it.Name)
	if err != nil {
		return store.Node{}, fmt.Errorf("creating item %q: %w", it.Name, err)
	}
	has, err := m.store.HasFile(item.ID)
	if err != nil {
		return store.Node{}, err
	}
	if has {
		m.logger.Debug("item already has a file", "item", item.ID, "name", item.Name)
		return item, nil
	}

	meta := store.Meta{"provider": providerName}
	if it.Identifier != "" {
		meta["identifier"] = it.Identifier
	}
	for k, v := range it.Meta {
		meta[k] = v
	}
	item, err = m.store.SetMetadata(store.KindItem, item.ID, meta)
	if err != nil {
		return store.Node{}, err
	}

	if strings.HasPrefix(it.URL, "file://") {
		if err := m.copyLocal(item, it); err != nil {
			return store.Node{}, err
		}
		return item, nil
	}
	if _, err := m.store.AttachLinkFile(item.ID, it.Name, it.URL, it.Size, it.MimeType); err != nil {
		return store.Node{}, fmt.Errorf("linking %s: %w", it.URL, err)
	}
	return item, nil
}

// copyLocal streams a file:// item into the asset store.
func (m *Materializer) copyLocal(item store.Node, it provider.ImportItem) error {
	local, err := safety.LocalFilePath(it.URL)
	if err != nil {
		return err
	}
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("opening %s: %w", local, err)
	}
	defer f.Close()
	if _, err := m.store.AttachFileFromStream(item.ID, it.Name, f, it.Size, it.MimeType); err != nil {
		return fmt.Errorf("uploading %s: %w", it.Name, err)
	}
	return nil
}
