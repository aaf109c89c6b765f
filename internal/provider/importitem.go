package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/BadgerOps/taleport/internal/store"
)

// ItemKind tags an ImportItem.
type ItemKind int

const (
	KindFolder ItemKind = iota
	KindEndFolder
	KindFile
)

func (k ItemKind) String() string {
	switch k {
	case KindFolder:
		return "FOLDER"
	case KindEndFolder:
		return "END_FOLDER"
	case KindFile:
		return "FILE"
	default:
		return fmt.Sprintf("ItemKind(%d)", int(k))
	}
}

// ImportItem is one token of a dataset traversal. Folders open a level,
// EndFolder closes it and files sit between the two.
type ImportItem struct {
	Kind       ItemKind
	Name       string
	Identifier string
	Meta       store.Meta
	// Files only
	Size     int64
	MimeType string
	URL      string
}

// NewFolder opens a folder.
func NewFolder(name, identifier string, meta store.Meta) ImportItem {
	return ImportItem{Kind: KindFolder, Name: name, Identifier: identifier, Meta: meta}
}

// EndFolder closes the most recently opened folder.
func EndFolder() ImportItem {
	return ImportItem{Kind: KindEndFolder}
}

// NewFile describes one file of the current folder.
func NewFile(name string, size int64, mimeType, url, identifier string, meta store.Meta) ImportItem {
	return ImportItem{
		Kind:       KindFile,
		Name:       name,
		Size:       size,
		MimeType:   mimeType,
		URL:        url,
		Identifier: identifier,
		Meta:       meta,
	}
}

// EmitFunc receives traversal items in order. Returning an error stops the
// traversal.
type EmitFunc func(ImportItem) error

var (
	// ErrUnbalancedStream is returned when folders are not closed in order.
	ErrUnbalancedStream = errors.New("unbalanced import stream")
	// ErrItemOutsideFolder is returned for a file emitted at the top level.
	ErrItemOutsideFolder = errors.New("import item outside of a folder")
)

// StreamChecker enforces the traversal protocol.
type StreamChecker struct {
	depth int
}

// Check validates the next item.
func (c *StreamChecker) Check(it ImportItem) error {
	switch it.Kind {
	case KindFolder:
		if it.Name == "" {
			return fmt.Errorf("folder with empty name: %w", ErrUnbalancedStream)
		}
		c.depth++
	case KindEndFolder:
		if c.depth == 0 {
			return fmt.Errorf("END_FOLDER without FOLDER: %w", ErrUnbalancedStream)
		}
		c.depth--
	case KindFile:
		if c.depth == 0 {
			return fmt.Errorf("file %q: %w", it.Name, ErrItemOutsideFolder)
		}
	default:
		return fmt.Errorf("unknown import item type %s", it.Kind)
	}
	return nil
}

// Finish reports an error if any folder is still open.
func (c *StreamChecker) Finish() error {
	if c.depth != 0 {
		return fmt.Errorf("%d folder(s) left open: %w", c.depth, ErrUnbalancedStream)
	}
	return nil
}

// Walk runs a provider's traversal and feeds every item through a
// StreamChecker before passing it to emit.
func Walk(ctx context.Context, p Provider, req TraverseRequest, emit EmitFunc) error {
	var checker StreamChecker
	err := p.Traverse(ctx, req, func(it ImportItem) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := checker.Check(it); err != nil {
			return err
		}
		return emit(it)
	})
	if err != nil {
		return err
	}
	return checker.Finish()
}
