package dataverse

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/BadgerOps/taleport/internal/provider"
	"github.com/BadgerOps/taleport/internal/store"
)

var (
	doiPattern    = regexp.MustCompile(`(?i)(10.\d{4,9}/[-._;()/:A-Z0-9]+)`)
	quotesPattern = regexp.MustCompile(`"(.*)"`)
)

// ErrAmbiguousFile is returned when a file search does not yield exactly
// one hit.
var ErrAmbiguousFile = errors.New("dataverse search did not return exactly one file")

// flexID accepts ids serialized either as numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("dataverse id %s: %w", data, err)
	}
	*f = flexID(n.String())
	return nil
}

type checksum struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (c checksum) String() string {
	return strings.ToLower(c.Type) + ":" + c.Value
}

// dvFile is the normalized description of one Dataverse file.
type dvFile struct {
	Filename       string
	MimeType       string
	Size           int64
	ID             string
	DOI            string
	DirectoryLabel string
	Checksum       string
	URL            string
}

type citationField struct {
	TypeName string          `json:"typeName"`
	Value    json.RawMessage `json:"value"`
}

type datasetResponse struct {
	Data struct {
		Protocol      string `json:"protocol"`
		Authority     string `json:"authority"`
		Identifier    string `json:"identifier"`
		LatestVersion struct {
			MetadataBlocks struct {
				Citation struct {
					Fields []citationField `json:"fields"`
				} `json:"citation"`
			} `json:"metadataBlocks"`
			Files []struct {
				DirectoryLabel string `json:"directoryLabel"`
				DataFile       struct {
					Filename     string   `json:"filename"`
					Filesize     int64    `json:"filesize"`
					ContentType  string   `json:"contentType"`
					ID           flexID   `json:"id"`
					PersistentID string   `json:"persistentId"`
					Checksum     checksum `json:"checksum"`
				} `json:"dataFile"`
			} `json:"files"`
		} `json:"latestVersion"`
	} `json:"data"`
}

type searchResponse struct {
	Data struct {
		CountInResponse int `json:"count_in_response"`
		Items           []struct {
			Name             string   `json:"name"`
			FileContentType  string   `json:"file_content_type"`
			SizeInBytes      int64    `json:"size_in_bytes"`
			FileID           flexID   `json:"file_id"`
			FilePersistentID string   `json:"filePersistentId"`
			Checksum         checksum `json:"checksum"`
			DatasetCitation  string   `json:"dataset_citation"`
		} `json:"items"`
	} `json:"data"`
}

// parsePID dispatches on the URL form. With sanitize set, file sizes and
// names are refreshed from the access API and tabular files are listed
// twice, once in their original format.
func (p *Provider) parsePID(ctx context.Context, pid string, sanitize bool) (string, []dvFile, string, error) {
	u, err := url.Parse(pid)
	if err != nil {
		return "", nil, "", fmt.Errorf("parsing dataverse url %q: %w", pid, err)
	}

	var (
		title string
		files []dvFile
		doi   string
	)
	switch {
	case strings.HasSuffix(u.Path, "file.xhtml") || strings.HasPrefix(u.Path, "/api/access/datafile/:persistentId"):
		title, files, doi, err = p.parseFileURL(ctx, u)
	case strings.HasPrefix(u.Path, "/api/access/datafile"):
		title, files, doi, err = p.parseAccessURL(ctx, u)
	default:
		title, files, doi, err = p.parseDataset(ctx, u)
	}
	if err != nil {
		return "", nil, "", err
	}
	if sanitize {
		files, err = p.sanitizeFiles(ctx, u, files)
		if err != nil {
			return "", nil, "", err
		}
	}
	return title, files, doi, nil
}

func (p *Provider) datasetMeta(ctx context.Context, u *url.URL) (*datasetResponse, error) {
	datasetURL := *u
	if strings.Contains(u.RawQuery, "persistentId") {
		datasetURL.Path = "/api/datasets/:persistentId"
	}
	var resp datasetResponse
	if err := p.client.GetJSON(ctx, datasetURL.String(), nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching dataverse dataset %s: %w", u, err)
	}
	return &resp, nil
}

func (p *Provider) parseDataset(ctx context.Context, u *url.URL) (string, []dvFile, string, error) {
	resp, err := p.datasetMeta(ctx, u)
	if err != nil {
		return "", nil, "", err
	}
	var title string
	for _, f := range resp.Data.LatestVersion.MetadataBlocks.Citation.Fields {
		if f.TypeName == "title" {
			_ = json.Unmarshal(f.Value, &title)
			break
		}
	}
	d := resp.Data
	doi := fmt.Sprintf("%s:%s/%s", d.Protocol, d.Authority, d.Identifier)

	files := make([]dvFile, 0, len(d.LatestVersion.Files))
	for _, obj := range d.LatestVersion.Files {
		df := obj.DataFile
		files = append(files, dvFile{
			Filename:       df.Filename,
			MimeType:       df.ContentType,
			Size:           df.Filesize,
			ID:             string(df.ID),
			DOI:            df.PersistentID,
			DirectoryLabel: obj.DirectoryLabel,
			Checksum:       df.Checksum.String(),
		})
	}
	return title, files, doi, nil
}

// parseFileURL handles file.xhtml?persistentId= and the persistent-id
// flavor of the access API.
func (p *Provider) parseFileURL(ctx context.Context, u *url.URL) (string, []dvFile, string, error) {
	fullDOI := u.Query().Get("persistentId")
	if fullDOI == "" {
		return "", nil, "", fmt.Errorf("dataverse file url %s has no persistentId", u)
	}
	filePID := path.Base(fullDOI)
	doi := path.Dir(fullDOI)

	search := url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/api/search", RawQuery: "q=filePersistentId:" + filePID}
	title, files, _, err := p.querySearch(ctx, search.String())
	if err != nil {
		return "", nil, "", err
	}
	return title, files, doi, nil
}

// parseAccessURL handles /api/access/datafile/<fileId>.
func (p *Provider) parseAccessURL(ctx context.Context, u *url.URL) (string, []dvFile, string, error) {
	fileID := path.Base(u.Path)
	search := url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/api/search", RawQuery: "q=entityId:" + fileID}
	return p.querySearch(ctx, search.String())
}

func (p *Provider) querySearch(ctx context.Context, searchURL string) (string, []dvFile, string, error) {
	var resp searchResponse
	if err := p.client.GetJSON(ctx, searchURL, nil, &resp); err != nil {
		return "", nil, "", fmt.Errorf("searching dataverse: %w", err)
	}
	if resp.Data.CountInResponse != 1 || len(resp.Data.Items) == 0 {
		return "", nil, "", fmt.Errorf("%w (%d hits for %s)", ErrAmbiguousFile, resp.Data.CountInResponse, searchURL)
	}
	item := resp.Data.Items[0]
	files := []dvFile{{
		Filename: item.Name,
		MimeType: item.FileContentType,
		Size:     item.SizeInBytes,
		ID:       string(item.FileID),
		DOI:      item.FilePersistentID,
		Checksum: item.Checksum.String(),
	}}

	title := item.Name
	if m := quotesPattern.FindStringSubmatch(item.DatasetCitation); m != nil {
		title = m[1]
	}
	var doi string
	if m := doiPattern.FindString(item.DatasetCitation); m != "" {
		doi = "doi:" + m
	}
	return title, files, doi, nil
}

// sanitizeFiles points every file at the access API. Search results
// misreport sizes, and tab-separated files are ingested copies whose
// original upload is registered alongside.
func (p *Provider) sanitizeFiles(ctx context.Context, u *url.URL, files []dvFile) ([]dvFile, error) {
	out := make([]dvFile, 0, len(files))
	for _, f := range files {
		access := url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/api/access/datafile/" + f.ID}
		if f.MimeType != "text/tab-separated-values" {
			f.URL = access.String()
			out = append(out, f)
			continue
		}

		original := f
		originalURL := access
		originalURL.RawQuery = "format=original"
		original.URL = originalURL.String()
		p.attrsViaHead(ctx, &original)
		out = append(out, original)

		ingested := f
		ingested.URL = access.String()
		if err := p.attrsViaGet(ctx, &ingested); err != nil {
			return nil, err
		}
		out = append(out, ingested)
	}
	return out, nil
}

// attrsViaHead refreshes size and name with a HEAD request, falling back
// to a tiny ranged GET for files stored on S3 where HEAD is refused.
func (p *Provider) attrsViaHead(ctx context.Context, f *dvFile) {
	var header http.Header
	resp, err := p.client.Head(ctx, f.URL, nil)
	if err == nil {
		header = resp.Header
		if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
			f.Size = n
		}
	} else {
		rangeHeader := http.Header{}
		rangeHeader.Set("Range", "bytes=0-100")
		resp, err := p.client.Get(ctx, f.URL, rangeHeader)
		if err != nil {
			p.logger.Debug("could not probe dataverse file", "url", f.URL, "error", err)
			return
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		contentRange := resp.Header.Get("Content-Range")
		if contentRange == "" {
			return
		}
		total := contentRange[strings.LastIndex(contentRange, "/")+1:]
		n, err := strconv.ParseInt(total, 10, 64)
		if err != nil {
			return
		}
		f.Size = n
		header = resp.Header
	}
	if name := dispositionFilename(header.Get("Content-Disposition")); name != "" {
		f.Filename = name
	}
}

// attrsViaGet downloads the file to compute its md5 and size.
func (p *Provider) attrsViaGet(ctx context.Context, f *dvFile) error {
	resp, err := p.client.Get(ctx, f.URL, nil)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", f.URL, err)
	}
	defer resp.Body.Close()

	h := md5.New()
	n, err := io.Copy(h, resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s: %w", f.URL, err)
	}
	f.Checksum = "md5:" + hex.EncodeToString(h.Sum(nil))
	f.Size = n
	if name := dispositionFilename(resp.Header.Get("Content-Disposition")); name != "" {
		f.Filename = name
	}
	return nil
}

func dispositionFilename(value string) string {
	if value == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(value)
	if err != nil {
		return ""
	}
	name := params["filename"]
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return name
}

// dirNode groups files by directory label while keeping first-seen order.
type dirNode struct {
	files    []dvFile
	names    []string
	children map[string]*dirNode
}

func hierarchy(files []dvFile) *dirNode {
	root := &dirNode{children: make(map[string]*dirNode)}
	for _, f := range files {
		node := root
		for _, dir := range strings.Split(f.DirectoryLabel, "/") {
			if dir == "" || dir == "." {
				continue
			}
			child, ok := node.children[dir]
			if !ok {
				child = &dirNode{children: make(map[string]*dirNode)}
				node.children[dir] = child
				node.names = append(node.names, dir)
			}
			node = child
		}
		node.files = append(node.files, f)
	}
	return root
}

func walk(ctx context.Context, node *dirNode, prefix, doi string, emit provider.EmitFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, f := range node.files {
		meta := store.Meta{"dsRelPath": path.Join(prefix, f.Filename)}
		if alg, sum, ok := strings.Cut(f.Checksum, ":"); ok && sum != "" {
			meta["checksum"] = map[string]interface{}{alg: sum}
		}
		if f.DOI != "" && f.DOI != doi {
			meta["directIdentifier"] = f.DOI
		}
		mimeType := f.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		if err := emit(provider.NewFile(f.Filename, f.Size, mimeType, f.URL, doi, meta)); err != nil {
			return err
		}
	}
	for _, dir := range node.names {
		relPath := path.Join(prefix, dir)
		if err := emit(provider.NewFolder(dir, doi, store.Meta{"dsRelPath": relPath})); err != nil {
			return err
		}
		if err := walk(ctx, node.children[dir], relPath, doi, emit); err != nil {
			return err
		}
		if err := emit(provider.EndFolder()); err != nil {
			return err
		}
	}
	return nil
}

// ProtoTale implements provider.ProtoTaler. Datasets imported as tales
// take their title, description, subjects and authors from the citation
// block.
func (p *Provider) ProtoTale(ctx context.Context, dm provider.DataMap, asTale bool) (*store.Tale, error) {
	tale := provider.ProtoTale(dm, asTale)
	if !asTale {
		return tale, nil
	}
	u, err := url.Parse(dm.DataID)
	if err != nil {
		return nil, fmt.Errorf("parsing dataverse url %q: %w", dm.DataID, err)
	}
	resp, err := p.datasetMeta(ctx, u)
	if err != nil {
		return nil, err
	}
	for _, field := range resp.Data.LatestVersion.MetadataBlocks.Citation.Fields {
		switch field.TypeName {
		case "title":
			_ = json.Unmarshal(field.Value, &tale.Title)
		case "dsDescription":
			var descs []struct {
				DsDescriptionValue struct {
					Value string `json:"value"`
				} `json:"dsDescriptionValue"`
			}
			if json.Unmarshal(field.Value, &descs) == nil && len(descs) > 0 {
				tale.Description = descs[0].DsDescriptionValue.Value
			}
		case "subject":
			var subjects []string
			if json.Unmarshal(field.Value, &subjects) == nil {
				tale.Category = strings.Join(subjects, "; ")
			}
		case "author":
			authors, err := parseAuthors(field.Value)
			if err != nil {
				p.logger.Warn("unreadable dataverse authors", "dataset", dm.DataID, "error", err)
				continue
			}
			tale.Authors = authors
		}
	}
	return tale, nil
}

type primitive struct {
	Value string `json:"value"`
}

func parseAuthors(raw json.RawMessage) ([]store.Author, error) {
	var entries []struct {
		AuthorName             primitive  `json:"authorName"`
		AuthorIdentifierScheme *primitive `json:"authorIdentifierScheme"`
		AuthorIdentifier       *primitive `json:"authorIdentifier"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	authors := make([]store.Author, 0, len(entries))
	for _, e := range entries {
		name := e.AuthorName.Value
		var first, last string
		if l, f, ok := strings.Cut(name, ","); ok {
			first, last = f, l
		} else if f, l, ok := strings.Cut(name, " "); ok {
			first, last = f, l
		} else {
			last = name
		}
		orcid := "0000-0000-0000-0000"
		if e.AuthorIdentifierScheme != nil && e.AuthorIdentifierScheme.Value == "ORCID" && e.AuthorIdentifier != nil {
			orcid = e.AuthorIdentifier.Value
		}
		authors = append(authors, store.Author{
			FirstName: strings.TrimSpace(first),
			LastName:  strings.TrimSpace(last),
			ORCID:     "https://www.orcid.org/" + orcid,
		})
	}
	return authors, nil
}
