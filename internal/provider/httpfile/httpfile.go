// Package httpfile registers single files reachable over plain HTTP(S).
// Each file is placed under folders mirroring its host and path so files
// with the same name from different places never collide.
package httpfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/BadgerOps/taleport/internal/download"
	"github.com/BadgerOps/taleport/internal/provider"
	"github.com/BadgerOps/taleport/internal/store"
)

// Name is the registry name. Stored nodes record the URL scheme instead
// (HTTP or HTTPS).
const Name = "HTTP"

const defaultMimeType = "application/octet-stream"

var urlPattern = regexp.MustCompile(`^http(s)?://.*`)

// ErrNoSize is returned when the server reports neither Content-Length
// nor Content-Range.
var ErrNoSize = errors.New("failed to get size")

// Provider implements provider.Provider and provider.Registerer.
type Provider struct {
	client   *download.Client
	logger   *slog.Logger
	patterns *provider.Patterns
}

// New creates the plain HTTP provider.
func New(client *download.Client, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{client: client, logger: logger, patterns: provider.StaticPatterns(urlPattern)}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return Name }

// Matches implements provider.Provider.
func (p *Provider) Matches(ctx context.Context, e *provider.Entity) bool {
	return p.patterns.Match(ctx, e.Value)
}

// fileInfo is what a HEAD request tells about a file.
type fileInfo struct {
	url      *url.URL
	size     int64
	mimeType string
	name     string
}

var dispositionName = regexp.MustCompile(`^.*filename=([\w.]+).*$`)

// head asks for the unencoded representation so the reported size is the
// size of the file itself.
func (p *Provider) head(ctx context.Context, raw string) (*fileInfo, error) {
	h := http.Header{}
	h.Set("Accept-Encoding", "identity")
	resp, err := p.client.Head(ctx, raw, h)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", raw, err)
	}
	final := resp.Request.URL
	if final.Scheme != "http" && final.Scheme != "https" {
		return nil, fmt.Errorf("unknown scheme %s", final.Scheme)
	}

	size := contentSize(resp.Header, resp.ContentLength)
	if size < 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoSize, final)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = defaultMimeType
	}
	return &fileInfo{
		url:      final,
		size:     size,
		mimeType: mimeType,
		name:     fileName(final, resp.Header.Get("Content-Disposition")),
	}, nil
}

// contentSize prefers Content-Length and falls back to the total of a
// Content-Range reply. It returns -1 when neither is usable.
func contentSize(h http.Header, length int64) int64 {
	if length >= 0 {
		return length
	}
	cr := h.Get("Content-Range")
	if i := strings.LastIndex(cr, "/"); i >= 0 {
		if n, err := strconv.ParseInt(cr[i+1:], 10, 64); err == nil {
			return n
		}
	}
	return -1
}

func fileName(u *url.URL, disposition string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil && params["filename"] != "" {
			return params["filename"]
		}
		if m := dispositionName.FindStringSubmatch(disposition); m != nil {
			return m[1]
		}
	}
	name := path.Base(strings.TrimSuffix(u.Path, "/"))
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return name
}

// Lookup implements provider.Provider. Redirects are followed and the final
// URL becomes the data id.
func (p *Provider) Lookup(ctx context.Context, e *provider.Entity) (*provider.DataMap, error) {
	info, err := p.head(ctx, e.Value)
	if err != nil {
		return nil, err
	}
	return &provider.DataMap{
		DataID:     info.url.String(),
		Size:       info.size,
		Name:       info.name,
		Repository: Name,
	}, nil
}

// folderSpec is one level of the host/path hierarchy above a file.
type folderSpec struct {
	name       string
	identifier string
}

// layout returns the folders holding u: the host, then one folder per path
// component. The last component is dropped when it is the file itself.
func layout(u *url.URL, fileName string) []folderSpec {
	id := u.Scheme + "://" + u.Host
	specs := []folderSpec{{name: u.Host, identifier: id}}
	parts := strings.Split(strings.Trim(u.EscapedPath(), "/"), "/")
	for i, raw := range parts {
		if raw == "" {
			continue
		}
		id += "/" + raw
		part, err := url.PathUnescape(raw)
		if err != nil {
			part = raw
		}
		if i == len(parts)-1 && part == fileName {
			continue
		}
		specs = append(specs, folderSpec{name: part, identifier: id})
	}
	return specs
}

func (p *Provider) describe(ctx context.Context, dataID, name string) (*fileInfo, []folderSpec, error) {
	info, err := p.head(ctx, dataID)
	if err != nil {
		return nil, nil, err
	}
	if name != "" {
		info.name = name
	}
	u, err := url.Parse(dataID)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing %s: %w", dataID, err)
	}
	return info, layout(u, info.name), nil
}

// Traverse implements provider.Provider. It emits the same hierarchy
// Register creates.
func (p *Provider) Traverse(ctx context.Context, req provider.TraverseRequest, emit provider.EmitFunc) error {
	info, folders, err := p.describe(ctx, req.DataID, req.Name)
	if err != nil {
		return err
	}
	for _, f := range folders {
		if err := emit(provider.NewFolder(f.name, f.identifier, nil)); err != nil {
			return err
		}
	}
	if err := emit(provider.NewFile(info.name, info.size, info.mimeType, req.DataID, req.DataID, nil)); err != nil {
		return err
	}
	for range folders {
		if err := emit(provider.EndFolder()); err != nil {
			return err
		}
	}
	return nil
}

// Register implements provider.Registerer. Nodes record the URL scheme as
// their provider and the returned node is the file's item.
func (p *Provider) Register(ctx context.Context, st *store.Store, parent store.Node, dm provider.DataMap, _ string, progress provider.Progress) (store.Node, error) {
	if progress == nil {
		progress = provider.NopProgress{}
	}
	progress.Update(1, fmt.Sprintf("Processing file %s.", dm.DataID))

	info, folders, err := p.describe(ctx, dm.DataID, dm.Name)
	if err != nil {
		return store.Node{}, err
	}
	scheme := strings.ToUpper(info.url.Scheme)

	node := parent
	for _, f := range folders {
		folder, err := st.CreateOrReuseFolder(node.Kind, node.ID, f.name)
		if err != nil {
			return store.Node{}, fmt.Errorf("creating folder %s: %w", f.name, err)
		}
		node, err = st.SetMetadata(store.KindFolder, folder.ID, store.Meta{"identifier": f.identifier, "provider": scheme})
		if err != nil {
			return store.Node{}, err
		}
	}

	item, err := st.CreateOrReuseItem(node.ID, info.name)
	if err != nil {
		return store.Node{}, fmt.Errorf("creating item %s: %w", info.name, err)
	}
	has, err := st.HasFile(item.ID)
	if err != nil {
		return store.Node{}, err
	}
	if !has {
		if _, err := st.AttachLinkFile(item.ID, info.name, dm.DataID, info.size, info.mimeType); err != nil {
			return store.Node{}, fmt.Errorf("linking %s: %w", dm.DataID, err)
		}
	}
	p.logger.Debug("registered http file", "url", dm.DataID, "item", item.ID)
	return st.SetMetadata(store.KindItem, item.ID, store.Meta{"identifier": dm.DataID, "provider": scheme})
}

// DatasetUID implements provider.Provider. Every HTTP node is its own
// dataset.
func (p *Provider) DatasetUID(_ context.Context, _ *store.Store, n store.Node) (string, error) {
	if id := n.Identifier(); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("node %s has no identifier", n.ID)
}

// URI implements provider.Provider.
func (p *Provider) URI(_ context.Context, _ *store.Store, n store.Node) (string, error) {
	if n.Kind != store.KindItem || n.Identifier() == "" {
		return "", provider.ErrNoURI
	}
	return n.Identifier(), nil
}
