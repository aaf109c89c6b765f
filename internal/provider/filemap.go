package provider

import (
	"context"
	"fmt"
)

// FileEntry is one file in a FileMap.
type FileEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// FileMap previews the shape of a dataset.
type FileMap struct {
	Name     string      `json:"name"`
	Files    []FileEntry `json:"files"`
	Children []*FileMap  `json:"children"`
}

// NewFileMap returns an empty node.
func NewFileMap(name string) *FileMap {
	return &FileMap{Name: name, Files: []FileEntry{}, Children: []*FileMap{}}
}

// AddFile appends a file entry.
func (m *FileMap) AddFile(name string, size int64) {
	m.Files = append(m.Files, FileEntry{Name: name, Size: size})
}

// AddChild appends and returns a new child node.
func (m *FileMap) AddChild(name string) *FileMap {
	child := NewFileMap(name)
	m.Children = append(m.Children, child)
	return child
}

// FileMapBuilder assembles a FileMap from a traversal stream.
type FileMapBuilder struct {
	stack []*FileMap
	last  *FileMap
}

// Emit consumes one item; it satisfies EmitFunc.
func (b *FileMapBuilder) Emit(it ImportItem) error {
	switch it.Kind {
	case KindFolder:
		var node *FileMap
		if len(b.stack) == 0 {
			node = NewFileMap(it.Name)
		} else {
			node = b.stack[len(b.stack)-1].AddChild(it.Name)
		}
		b.stack = append(b.stack, node)
	case KindFile:
		if len(b.stack) == 0 {
			return fmt.Errorf("file %q: %w", it.Name, ErrItemOutsideFolder)
		}
		b.stack[len(b.stack)-1].AddFile(it.Name, it.Size)
	case KindEndFolder:
		if len(b.stack) == 0 {
			return ErrUnbalancedStream
		}
		b.last = b.stack[len(b.stack)-1]
		b.stack = b.stack[:len(b.stack)-1]
	}
	return nil
}

// Result is the last closed top-level tree.
func (b *FileMapBuilder) Result() *FileMap {
	return b.last
}

// ListFiles performs a full traversal and returns the dataset's FileMap.
func ListFiles(ctx context.Context, p Provider, req TraverseRequest) (*FileMap, error) {
	var b FileMapBuilder
	if err := Walk(ctx, p, req, b.Emit); err != nil {
		return nil, err
	}
	if b.Result() == nil {
		return nil, fmt.Errorf("%s traversal of %s produced no folders", p.Name(), req.DataID)
	}
	return b.Result(), nil
}
