package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/BadgerOps/taleport/internal/safety"
	"github.com/BadgerOps/taleport/internal/store"
)

// maxManifestSize bounds manifests read from files and readers.
const maxManifestSize = 64 << 20

// upgradedWTContext is the wt vocabulary added to manifests written before
// the wt:Tale type existed.
const upgradedWTContext = "https://vocabularies.wholetale.org/wt/1.0/wt#"

// Parse decodes a manifest, upgrading the older shape when needed, and
// validates it.
func Parse(data []byte) (*Manifest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, &ValidationError{Reason: "manifest is not a JSON object", Err: err}
	}
	if doc == nil {
		return nil, &ValidationError{Reason: "manifest is not a JSON object"}
	}
	if _, ok := doc["@type"]; !ok {
		if err := upgrade(doc); err != nil {
			return nil, err
		}
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(normalized, &generic); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if err := validateDocument(generic); err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(normalized, &m); err != nil {
		return nil, &ValidationError{Reason: "unexpected manifest field", Err: err}
	}
	return &m, nil
}

// ParseReader reads and parses a manifest.
func ParseReader(r io.Reader) (*Manifest, error) {
	data, err := safety.ReadAllWithLimit(r, maxManifestSize)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return Parse(data)
}

// ParseFile reads and parses the manifest at p.
func ParseFile(p string) (*Manifest, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("opening manifest: %w", err)
	}
	defer f.Close()
	return ParseReader(f)
}

// upgrade rewrites a manifest from before the wt ontology in place.
func upgrade(doc map[string]interface{}) error {
	doc["@type"] = TypeTale
	if v, ok := doc["schema:version"]; ok {
		delete(doc, "schema:version")
		doc["schema:schemaVersion"] = schemaVersion(v)
	}
	if v, ok := doc["schema:category"]; ok {
		delete(doc, "schema:category")
		doc["schema:keywords"] = v
	}

	ctx, _ := doc["@context"].([]interface{})
	kept := make([]interface{}, 0, len(ctx)+1)
	for _, c := range ctx {
		if m, ok := c.(map[string]interface{}); ok {
			if _, isDatasets := m["Datasets"]; isDatasets {
				continue
			}
		}
		kept = append(kept, c)
	}
	doc["@context"] = append(kept, map[string]interface{}{"wt": upgradedWTContext})

	uses := []interface{}{}
	if old, ok := doc["Datasets"].([]interface{}); ok {
		for _, raw := range old {
			ds, ok := raw.(map[string]interface{})
			if !ok {
				return &ValidationError{Reason: "malformed Datasets entry"}
			}
			uses = append(uses, map[string]interface{}{
				"@id":               ds["@id"],
				"@type":             TypeDataset,
				"schema:identifier": ds["identifier"],
				"schema:name":       ds["name"],
			})
		}
	}
	delete(doc, "Datasets")
	doc["wt:usesDataset"] = uses

	if by, ok := doc["createdBy"].(map[string]interface{}); ok {
		if id, ok := by["@id"].(string); ok && !strings.HasPrefix(id, "mailto:") {
			by["@id"] = "mailto:" + id
		}
	}
	return nil
}

// schemaVersion accepts the numeric strings some older manifests carry.
func schemaVersion(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return v
}

// Parser resolves a manifest against a store.
type Parser struct {
	manifest *Manifest
	store    *store.Store
	logger   *slog.Logger
}

// NewParser wraps an already parsed manifest.
func NewParser(m *Manifest, st *store.Store, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{manifest: m, store: st, logger: logger}
}

// Manifest returns the parsed document.
func (p *Parser) Manifest() *Manifest { return p.manifest }

// bundlePath strips the data prefix and escaping from a bundle folder.
func bundlePath(folder string) string {
	for _, prefix := range []string{"./data/", "../data/"} {
		if strings.HasPrefix(folder, prefix) {
			folder = strings.TrimPrefix(folder, prefix)
			break
		}
	}
	folder = strings.TrimSuffix(folder, "/")
	// Segments are unescaped one by one; an escaped separator stays
	// escaped so it cannot add a level.
	segments := strings.Split(folder, "/")
	for i, seg := range segments {
		if u, err := url.PathUnescape(seg); err == nil && !strings.Contains(u, "/") {
			segments[i] = u
		}
	}
	return strings.Join(segments, "/")
}

func unescape(s string) string {
	if u, err := url.PathUnescape(s); err == nil {
		return u
	}
	return s
}

// GetDataset turns bundled aggregates back into a folded dataset
// descriptor. Aggregates that resolve to nothing in the store are dropped.
func (p *Parser) GetDataset() ([]store.DatasetEntry, error) {
	var entries []store.DatasetEntry
	for _, agg := range p.manifest.Aggregates {
		if agg.BundledAs == nil {
			continue
		}
		folderPath := bundlePath(agg.BundledAs.Folder)

		var entry store.DatasetEntry
		var ok bool
		var err error
		if agg.BundledAs.Filename != "" {
			entry, ok, err = p.resolveItem(agg, folderPath)
		} else {
			entry, ok, err = p.resolveFolder(agg, folderPath)
		}
		if err != nil {
			return nil, err
		}
		if !ok {
			p.logger.Warn("dropping unresolved aggregate", "uri", agg.URI, "folder", agg.BundledAs.Folder, "filename", agg.BundledAs.Filename)
			continue
		}
		entries = append(entries, entry)
	}
	return Fold(p.store, entries)
}

func (p *Parser) resolveItem(agg Aggregate, folderPath string) (store.DatasetEntry, bool, error) {
	name := unescape(agg.BundledAs.Filename)
	entry := store.DatasetEntry{MountPath: path.Join(folderPath, name), ModelType: store.KindItem}

	if agg.Identifier != "" {
		if item, err := p.store.GetItem(agg.Identifier); err == nil && item.Name == name {
			entry.ItemID = item.ID
			return entry, true, nil
		}
	}
	f, ok, err := p.store.FindFileByLinkURL(agg.URI)
	if err != nil || !ok {
		return entry, false, err
	}
	entry.ItemID = f.ItemID
	return entry, true, nil
}

func (p *Parser) resolveFolder(agg Aggregate, folderPath string) (store.DatasetEntry, bool, error) {
	name := path.Base(folderPath)
	entry := store.DatasetEntry{MountPath: folderPath, ModelType: store.KindFolder}

	if agg.Identifier != "" {
		if folder, err := p.store.GetFolder(agg.Identifier); err == nil && folder.Name == name {
			entry.ItemID = folder.ID
			return entry, true, nil
		}
	}
	folder, ok, err := p.store.FindFolderByIdentifier(agg.URI)
	if err != nil {
		return entry, false, err
	}
	if !ok && agg.Size != nil {
		folder, ok, err = p.store.FindFolderByNameAndSize(name, *agg.Size)
		if err != nil {
			return entry, false, err
		}
	}
	if !ok {
		return entry, false, nil
	}
	entry.ItemID = folder.ID
	return entry, true, nil
}

// ExternalDataIDs lists the identifiers of used datasets followed by every
// aggregate URI pointing at the web.
func (p *Parser) ExternalDataIDs() []string {
	var ids []string
	for _, ds := range p.manifest.UsesDataset {
		ids = append(ids, ds.Identifier)
	}
	for _, agg := range p.manifest.Aggregates {
		if strings.HasPrefix(agg.URI, "http") {
			ids = append(ids, agg.URI)
		}
	}
	return ids
}

// TaleFields are the tale attributes recorded in a manifest.
type TaleFields struct {
	Title              string
	Description        string
	Illustration       string
	Category           string
	LicenseSPDX        string
	Authors            []store.Author
	RelatedIdentifiers []store.RelatedIdentifier
}

// TaleFields extracts tale attributes. Duplicate related identifiers are
// collapsed and the license falls back to defaultLicense.
func (p *Parser) TaleFields(defaultLicense string) TaleFields {
	m := p.manifest
	tf := TaleFields{
		Title:        m.Name,
		Description:  m.Description,
		Illustration: m.Image,
		Category:     m.Keywords,
		LicenseSPDX:  defaultLicense,
	}
	if tf.LicenseSPDX == "" {
		tf.LicenseSPDX = DefaultLicense
	}
	for _, agg := range m.Aggregates {
		if agg.License != "" {
			tf.LicenseSPDX = agg.License
			break
		}
	}
	for _, a := range m.Authors {
		tf.Authors = append(tf.Authors, store.Author{FirstName: a.GivenName, LastName: a.FamilyName, ORCID: a.ID})
	}

	seen := map[store.RelatedIdentifier]bool{}
	for _, r := range m.RelatedIdentifiers {
		rel := r.RelatedIdentifier.RelationType
		if i := strings.LastIndex(rel, ":"); i >= 0 {
			rel = rel[i+1:]
		}
		ri := store.RelatedIdentifier{Identifier: r.RelatedIdentifier.ID, Relation: rel}
		if seen[ri] {
			continue
		}
		seen[ri] = true
		tf.RelatedIdentifiers = append(tf.RelatedIdentifiers, ri)
	}
	sort.SliceStable(tf.RelatedIdentifiers, func(i, j int) bool {
		a, b := tf.RelatedIdentifiers[i], tf.RelatedIdentifiers[j]
		if a.Identifier != b.Identifier {
			return a.Identifier < b.Identifier
		}
		return a.Relation < b.Relation
	})
	return tf
}
