package dataone

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// queryRows caps a single Solr page; a result this large is treated as
// possibly truncated.
const queryRows = 1000

var (
	// ErrNotFound is returned when the index holds no object for a pid.
	ErrNotFound = errors.New("no object found in the DataONE index")
	// ErrAmbiguous is returned for pids belonging to several packages.
	ErrAmbiguous = errors.New("ambiguous DataONE package")
	// ErrTruncated is returned when a query may have been cut short.
	ErrTruncated = errors.New("DataONE query result may be truncated")
)

type solrDoc struct {
	Identifier        string   `json:"identifier"`
	FormatType        string   `json:"formatType"`
	FormatID          string   `json:"formatId"`
	ResourceMap       []string `json:"resourceMap"`
	Title             string   `json:"title"`
	Size              int64    `json:"size"`
	FileName          string   `json:"fileName"`
	Documents         []string `json:"documents"`
	Checksum          string   `json:"checksum"`
	ChecksumAlgorithm string   `json:"checksumAlgorithm"`
	Keywords          []string `json:"keywords"`
	DataURL           string   `json:"dataUrl"`
	DateUploaded      string   `json:"dateUploaded"`
}

type solrResponse struct {
	ResponseHeader struct {
		Status int `json:"status"`
	} `json:"responseHeader"`
	Response *struct {
		NumFound int       `json:"numFound"`
		Docs     []solrDoc `json:"docs"`
	} `json:"response"`
}

var documentFields = []string{
	"identifier", "formatType", "title", "size", "formatId", "fileName",
	"documents", "checksum", "checksumAlgorithm", "keywords", "dataUrl", "dateUploaded",
}

var solrSpecial = strings.NewReplacer(
	`\`, `\\`, `+`, `\+`, `-`, `\-`, `&`, `\&`, `|`, `\|`, `!`, `\!`,
	`(`, `\(`, `)`, `\)`, `{`, `\{`, `}`, `\}`, `[`, `\[`, `]`, `\]`,
	`^`, `\^`, `"`, `\"`, `~`, `\~`, `*`, `\*`, `?`, `\?`, `:`, `\:`, `/`, `\/`,
)

func escapeSolr(s string) string {
	return solrSpecial.Replace(s)
}

// query runs a Solr query against a coordinating or member node.
func (p *Provider) query(ctx context.Context, baseURL, q string, fields []string) (*solrResponse, error) {
	if len(fields) == 0 {
		fields = []string{"identifier"}
	}
	params := url.Values{}
	params.Set("q", q)
	params.Set("fl", strings.Join(fields, ","))
	params.Set("rows", strconv.Itoa(queryRows))
	params.Set("start", "0")
	params.Set("wt", "json")
	queryURL := strings.TrimSuffix(baseURL, "/") + "/query/solr/?" + params.Encode()

	var resp solrResponse
	if err := p.client.GetJSON(ctx, queryURL, nil, &resp); err != nil {
		return nil, fmt.Errorf("querying DataONE: %w", err)
	}
	if resp.ResponseHeader.Status != 0 || resp.Response == nil {
		return nil, fmt.Errorf("solr query %q was not successful (status %d)", q, resp.ResponseHeader.Status)
	}
	if resp.Response.NumFound == queryRows {
		return nil, fmt.Errorf("%w: %q", ErrTruncated, q)
	}
	return &resp, nil
}

var (
	doiPattern      = regexp.MustCompile(`(?i)(10.\d{4,9}/[-._;()/:A-Z0-9]+)`)
	searchViewURL   = regexp.MustCompile(`^https?://search.dataone.org/#?view/`)
	cnEndpointURL   = regexp.MustCompile(`^https?://cn[a-z\-\d.]*\.dataone\.org/cn/v\d/[a-zA-Z]+/`)
	cnEndpointWhole = regexp.MustCompile(`^https?://cn[a-z\-\d.]*\.dataone\.org/cn/v\d/[a-zA-Z]+/.+$`)
	devViewURL      = regexp.MustCompile(`^https?://dev.nceas.ucsb.edu/#?view/`)
)

// findInitialPID pulls a DataONE identifier out of a landing page, a
// coordinating node endpoint or a DOI. Anything else is returned as is.
func findInitialPID(path string) string {
	switch {
	case searchViewURL.MatchString(path):
		return searchViewURL.ReplaceAllString(path, "")
	case cnEndpointWhole.MatchString(path):
		return cnEndpointURL.ReplaceAllString(path, "")
	case devViewURL.MatchString(path):
		return devViewURL.ReplaceAllString(path, "")
	}
	if _, after, ok := strings.Cut(path, "resolve/"); ok {
		return after
	}
	if doi := doiPattern.FindString(path); doi != "" {
		return "doi:" + doi
	}
	if _, after, ok := strings.Cut(path, "view/"); ok {
		return after
	}
	return path
}

// findResourcePID returns the resource map that holds pid, or pid itself
// when it already names a resource map.
func (p *Provider) findResourcePID(ctx context.Context, pid, baseURL string) (string, error) {
	result, err := p.query(ctx, baseURL, fmt.Sprintf(`identifier:"%s"`, escapeSolr(pid)),
		[]string{"identifier", "formatType", "formatId", "resourceMap"})
	if err != nil {
		return "", err
	}
	switch n := result.Response.NumFound; {
	case n == 0 || len(result.Response.Docs) == 0:
		return "", fmt.Errorf("%w for %s", ErrNotFound, pid)
	case n > 1:
		return "", fmt.Errorf("%w: more than one object indexed for %s", ErrAmbiguous, pid)
	}

	doc := result.Response.Docs[0]
	if doc.FormatType == "RESOURCE" {
		return doc.Identifier, nil
	}
	switch len(doc.ResourceMap) {
	case 0:
		return "", fmt.Errorf("%w: no resource map for %s", ErrNotFound, pid)
	case 1:
		return doc.ResourceMap[0], nil
	}

	current, err := p.nonObsoleteResourceMaps(ctx, doc.ResourceMap, baseURL)
	if err != nil {
		return "", err
	}
	if len(current) == 1 {
		return current[0], nil
	}
	return "", fmt.Errorf("%w: %s belongs to %d resource maps", ErrAmbiguous, pid, len(current))
}

func (p *Provider) nonObsoleteResourceMaps(ctx context.Context, pids []string, baseURL string) ([]string, error) {
	quoted := make([]string, len(pids))
	for i, pid := range pids {
		quoted[i] = `"` + escapeSolr(pid) + `"`
	}
	q := fmt.Sprintf("identifier:(%s) AND -obsoletedBy:*", strings.Join(quoted, " OR "))
	result, err := p.query(ctx, baseURL, q, nil)
	if err != nil {
		return nil, err
	}
	if result.Response.NumFound == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, strings.Join(pids, ", "))
	}
	ids := make([]string, 0, len(result.Response.Docs))
	for _, d := range result.Response.Docs {
		ids = append(ids, d.Identifier)
	}
	return ids, nil
}

func (p *Provider) packagePID(ctx context.Context, path, baseURL string) (string, error) {
	return p.findResourcePID(ctx, findInitialPID(path), baseURL)
}

func (p *Provider) documents(ctx context.Context, packagePID, baseURL string) ([]solrDoc, error) {
	result, err := p.query(ctx, baseURL, fmt.Sprintf(`resourceMap:"%s"`, escapeSolr(packagePID)), documentFields)
	if err != nil {
		return nil, err
	}
	return result.Response.Docs, nil
}

func filterDocs(docs []solrDoc, formatType string) []solrDoc {
	var out []solrDoc
	for _, d := range docs {
		if d.FormatType == formatType {
			out = append(out, d)
		}
	}
	return out
}
