package manifest

import (
	"fmt"
	"path"
	"strings"

	"github.com/BadgerOps/taleport/internal/store"
)

func depth(mountPath string) int {
	return len(strings.Split(strings.Trim(mountPath, "/"), "/"))
}

// Fold collapses nested dataset entries into the folders that hold them,
// until every entry is mounted at the top level or cannot be folded
// further. Folding a folded descriptor returns it unchanged.
func Fold(st *store.Store, entries []store.DatasetEntry) ([]store.DatasetEntry, error) {
	allItems := true
	for _, e := range entries {
		if e.ModelType != store.KindItem {
			allItems = false
			break
		}
	}
	if allItems {
		return foldItems(st, entries)
	}

	for {
		reduced, changed, err := foldOnce(st, entries)
		if err != nil {
			return nil, err
		}
		if !changed {
			return reduced, nil
		}
		entries = reduced
	}
}

// parentOf returns the folder holding an entry's node.
func parentOf(st *store.Store, e store.DatasetEntry) (store.Node, bool, error) {
	n, err := st.GetNode(e.ModelType, e.ItemID)
	if err != nil {
		return store.Node{}, false, fmt.Errorf("loading %s %s: %w", e.ModelType, e.ItemID, err)
	}
	if n.ParentType != store.KindFolder {
		return store.Node{}, false, nil
	}
	parent, err := st.GetFolder(n.ParentID)
	if err != nil {
		return store.Node{}, false, err
	}
	return parent, true, nil
}

// foldOnce lifts every nested entry one level. Siblings of a lifted entry
// are covered by its parent and dropped.
func foldOnce(st *store.Store, entries []store.DatasetEntry) ([]store.DatasetEntry, bool, error) {
	current := make(map[string]bool, len(entries))
	for _, e := range entries {
		current[e.ItemID] = true
	}
	covered := map[string]bool{}
	var reduced []store.DatasetEntry
	changed := false

	for _, e := range entries {
		if depth(e.MountPath) <= 1 {
			reduced = append(reduced, e)
			continue
		}
		if covered[e.ItemID] {
			changed = true
			continue
		}
		parent, ok, err := parentOf(st, e)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			reduced = append(reduced, e)
			continue
		}
		changed = true
		if current[parent.ID] {
			continue
		}

		items, err := st.ChildItems(parent.ID)
		if err != nil {
			return nil, false, err
		}
		for _, it := range items {
			covered[it.ID] = true
		}
		folders, err := st.ChildFolders(store.KindFolder, parent.ID)
		if err != nil {
			return nil, false, err
		}
		for _, f := range folders {
			covered[f.ID] = true
		}
		current[parent.ID] = true
		reduced = append(reduced, store.DatasetEntry{
			ItemID:    parent.ID,
			ModelType: store.KindFolder,
			MountPath: path.Dir(strings.Trim(e.MountPath, "/")),
		})
	}
	return reduced, changed, nil
}

// foldItems handles descriptors made only of items: each nested item is
// replaced by its ancestor at the top of its mount path.
func foldItems(st *store.Store, entries []store.DatasetEntry) ([]store.DatasetEntry, error) {
	seen := map[string]bool{}
	var out []store.DatasetEntry
	for _, e := range entries {
		levels := depth(e.MountPath) - 1
		if levels == 0 {
			if !seen[e.ItemID] {
				seen[e.ItemID] = true
				out = append(out, e)
			}
			continue
		}
		n, err := st.GetItem(e.ItemID)
		if err != nil {
			return nil, fmt.Errorf("loading item %s: %w", e.ItemID, err)
		}
		chain, err := st.ParentsToRoot(n)
		if err != nil {
			return nil, err
		}
		if len(chain) < levels {
			// the store nesting is shallower than the mount path
			levels = len(chain)
		}
		if levels == 0 {
			if !seen[e.ItemID] {
				seen[e.ItemID] = true
				out = append(out, e)
			}
			continue
		}
		ancestor := chain[len(chain)-levels]
		if seen[ancestor.ID] {
			continue
		}
		seen[ancestor.ID] = true
		parts := strings.Split(strings.Trim(e.MountPath, "/"), "/")
		out = append(out, store.DatasetEntry{
			ItemID:    ancestor.ID,
			ModelType: store.KindFolder,
			MountPath: strings.Join(parts[:len(parts)-levels], "/"),
		})
	}
	return out, nil
}
