package bdbag

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/BadgerOps/taleport/internal/safety"
	"github.com/BadgerOps/taleport/internal/store"
)

var (
	// ErrInvalidBag is returned for archives that do not hold a readable bag.
	ErrInvalidBag = errors.New("invalid bag")
	// ErrDuplicateEntry is returned when a path is listed twice, for example
	// in fetch.txt and in the bag payload.
	ErrDuplicateEntry = errors.New("duplicate bag entry")
)

var manifestAlgorithms = []string{"md5", "sha1", "sha256", "sha512"}

// entry is a node of the bag file tree. Children keep insertion order.
type entry struct {
	name     string
	dir      bool
	children []*entry
	byName   map[string]*entry

	// files only; url is set for fetch.txt entries
	url    string
	size   int64
	member string
}

func newDir(name string) *entry {
	return &entry{name: name, dir: true, byName: make(map[string]*entry)}
}

func (e *entry) add(p string, leaf *entry) error {
	parts := strings.Split(p, "/")
	dir := e
	for _, part := range parts[:len(parts)-1] {
		child, ok := dir.byName[part]
		if !ok {
			child = newDir(part)
			dir.byName[part] = child
			dir.children = append(dir.children, child)
		}
		if !child.dir {
			return fmt.Errorf("%w: attempted to add a file where a directory exists: %s", ErrInvalidBag, p)
		}
		dir = child
	}
	name := parts[len(parts)-1]
	if _, ok := dir.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, p)
	}
	leaf.name = name
	dir.byName[name] = leaf
	dir.children = append(dir.children, leaf)
	return nil
}

// bag is the parsed content of one bag: its dataset name, per-file metadata
// keyed by bag-relative path and the combined payload/fetch tree.
type bag struct {
	name string
	meta map[string]store.Meta
	tree *entry
}

func readBag(a *archive) (*bag, error) {
	roots := make(map[string]bool)
	for _, m := range a.members {
		first, _, nested := strings.Cut(m.path, "/")
		if !nested {
			return nil, fmt.Errorf("%w: file %q in archive root", ErrInvalidBag, m.path)
		}
		roots[first] = true
	}
	if len(roots) != 1 {
		return nil, fmt.Errorf("%w: must have a single entry in root directory, found %d", ErrInvalidBag, len(roots))
	}
	var name string
	for r := range roots {
		name = r
	}

	b := &bag{name: name, meta: make(map[string]store.Meta), tree: newDir(name)}
	prefix := name + "/"
	if err := b.readManifests(a, prefix); err != nil {
		return nil, err
	}
	if err := b.readManifestJSON(a, prefix); err != nil {
		return nil, err
	}
	if err := b.readFetch(a, prefix); err != nil {
		return nil, err
	}
	for _, m := range a.members {
		rel := strings.TrimPrefix(m.path, prefix)
		if err := b.tree.add(rel, &entry{size: m.size, member: m.path}); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *bag) metaFor(p string) store.Meta {
	m, ok := b.meta[p]
	if !ok {
		m = store.Meta{}
		b.meta[p] = m
	}
	return m
}

func (b *bag) readManifests(a *archive, prefix string) error {
	for _, alg := range manifestAlgorithms {
		name := prefix + "manifest-" + alg + ".txt"
		data, err := a.readFile(name)
		if err != nil {
			return err
		}
		if data == nil {
			continue
		}
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			sum, p, ok := strings.Cut(line, " ")
			if !ok {
				sum, p, ok = strings.Cut(line, "\t")
			}
			if !ok {
				return fmt.Errorf("%w: invalid line in %s: %s", ErrInvalidBag, path.Base(name), line)
			}
			meta := b.metaFor(strings.TrimSpace(p))
			checksum, _ := meta["checksum"].(map[string]interface{})
			if checksum == nil {
				checksum = make(map[string]interface{})
				meta["checksum"] = checksum
			}
			checksum[alg] = sum
		}
		if err := sc.Err(); err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
	}
	return nil
}

// readManifestJSON merges the aggregates of metadata/manifest.json into the
// per-file metadata. Aggregates point into the payload either through their
// uri or through bundledAs folder and filename.
func (b *bag) readManifestJSON(a *archive, prefix string) error {
	data, err := a.readFile(prefix + "metadata/manifest.json")
	if err != nil || data == nil {
		return err
	}
	var doc struct {
		Aggregates []map[string]interface{} `json:"aggregates"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: parsing metadata/manifest.json: %v", ErrInvalidBag, err)
	}
	for _, agg := range doc.Aggregates {
		bundled, ok := agg["bundledAs"].(map[string]interface{})
		if !ok {
			continue
		}
		var p string
		if uri, _ := agg["uri"].(string); strings.HasPrefix(uri, "../data") {
			p = uri[len("../"):]
			delete(agg, "uri")
		} else {
			folder, _ := bundled["folder"].(string)
			filename, _ := bundled["filename"].(string)
			delete(bundled, "folder")
			delete(bundled, "filename")
			p = path.Join(trimRelative(folder), filename)
		}
		meta := b.metaFor(p)
		for k, v := range agg {
			meta[k] = v
		}
	}
	return nil
}

func trimRelative(folder string) string {
	if strings.HasPrefix(folder, "../") {
		return folder[len("../"):]
	}
	return strings.TrimPrefix(folder, "./")
}

// readFetch adds the external files listed in fetch.txt. Each line is
// "<url> <size> <path>" with a percent-encoded path.
func (b *bag) readFetch(a *archive, prefix string) error {
	data, err := a.readFile(prefix + "fetch.txt")
	if err != nil || data == nil {
		return err
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return fmt.Errorf("%w: invalid line in fetch.txt: %s", ErrInvalidBag, line)
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: invalid size in fetch.txt: %s", ErrInvalidBag, line)
		}
		p, err := url.PathUnescape(fields[2])
		if err != nil {
			return fmt.Errorf("%w: invalid path in fetch.txt: %s", ErrInvalidBag, line)
		}
		p, err = safety.CleanArchivePath(p)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidBag, err)
		}
		if err := b.tree.add(p, &entry{url: fields[0], size: size}); err != nil {
			return err
		}
	}
	return sc.Err()
}

// fileMeta returns the metadata, identifier and mime type of the file at p.
// The bundledAs uri becomes the identifier and is removed from the metadata.
func (b *bag) fileMeta(p string) (store.Meta, string, string) {
	src := b.meta[p]
	mimeType := "application/octet-stream"
	if len(src) == 0 {
		return nil, "", mimeType
	}
	meta := make(store.Meta, len(src))
	for k, v := range src {
		meta[k] = v
	}
	if mt, ok := meta["mediatype"].(string); ok && mt != "" {
		mimeType = mt
	}
	var identifier string
	if bundled, ok := meta["bundledAs"].(map[string]interface{}); ok {
		rest := make(map[string]interface{}, len(bundled))
		for k, v := range bundled {
			if k == "uri" {
				identifier, _ = v.(string)
				continue
			}
			rest[k] = v
		}
		if len(rest) == 0 {
			delete(meta, "bundledAs")
		} else {
			meta["bundledAs"] = rest
		}
	}
	if len(meta) == 0 {
		meta = nil
	}
	return meta, identifier, mimeType
}
