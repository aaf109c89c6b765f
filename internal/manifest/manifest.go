// Package manifest converts tales to and from their portable JSON-LD
// manifest.
//
// The manifest never relies on internal store ids for correctness: external
// data is referenced by URI and bundle path, with the store id carried only
// as a shortcut for round trips within the same store.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Vocabulary and well-known values.
const (
	BundleContext   = "https://w3id.org/bundle/context"
	SchemaContext   = "http://schema.org/"
	DataCiteContext = "https://schema.datacite.org/meta/kernel-4.3/#"
	WTContext       = "https://vocabularies.wholetale.org/wt/1.0/"

	DefaultAPIURL             = "https://data.wholetale.org/api/v1"
	DefaultLicense            = "CC-BY-4.0"
	DefaultRepo2DockerVersion = "wholetale/repo2docker_wholetale:v1.2"
	Repo2DockerID             = "https://github.com/whole-tale/repo2docker_wholetale"

	TypeTale    = "wt:Tale"
	TypePerson  = "schema:Person"
	TypeDataset = "schema:Dataset"
	TypeVersion = "wt:TaleVersion"
	TypeRun     = "wt:RecordedRun"
	TypeSoftApp = "schema:SoftwareApplication"

	// LicenseURI is the aggregate carrying the tale license.
	LicenseURI = "./LICENSE"
)

// Manifest is the JSON-LD description of a tale version.
type Manifest struct {
	Context            []interface{}             `json:"@context"`
	ID                 string                    `json:"@id"`
	Type               string                    `json:"@type"`
	CreatedOn          string                    `json:"createdOn,omitempty"`
	Keywords           string                    `json:"schema:keywords"`
	Description        string                    `json:"schema:description"`
	Identifier         string                    `json:"wt:identifier,omitempty"`
	Image              string                    `json:"schema:image"`
	Name               string                    `json:"schema:name"`
	SchemaVersion      int                       `json:"schema:schemaVersion"`
	CreatedBy          *Person                   `json:"createdBy,omitempty"`
	Authors            []Person                  `json:"schema:author"`
	RelatedIdentifiers []RelatedIdentifierRecord `json:"datacite:relatedIdentifiers"`
	HasPart            []SoftwareApplication     `json:"schema:hasPart,omitempty"`
	Aggregates         []Aggregate               `json:"aggregates"`
	UsesDataset        []Dataset                 `json:"wt:usesDataset"`
	HasVersion         *VersionRecord            `json:"dct:hasVersion,omitempty"`
	HasRecordedRuns    []RunRecord               `json:"wt:hasRecordedRuns,omitempty"`
}

// Person is an author, creator or owner.
type Person struct {
	ID         string `json:"@id"`
	Type       string `json:"@type"`
	GivenName  string `json:"schema:givenName"`
	FamilyName string `json:"schema:familyName"`
	Email      string `json:"schema:email,omitempty"`
}

// RelatedIdentifierRecord wraps one DataCite related identifier.
type RelatedIdentifierRecord struct {
	RelatedIdentifier RelatedIdentifier `json:"datacite:relatedIdentifier"`
}

// RelatedIdentifier links the tale to an external resource.
type RelatedIdentifier struct {
	ID             string `json:"@id"`
	RelationType   string `json:"datacite:relationType"`
	IdentifierType string `json:"datacite:relatedIdentifierType,omitempty"`
}

// SoftwareApplication records the environment builder.
type SoftwareApplication struct {
	ID      string `json:"@id"`
	Type    string `json:"@type"`
	Version string `json:"schema:softwareVersion"`
}

// Bundle locates external data inside the exported tale.
type Bundle struct {
	Folder   string `json:"folder"`
	Filename string `json:"filename,omitempty"`
}

// Aggregate is one file or folder of the tale.
type Aggregate struct {
	URI         string  `json:"uri"`
	BundledAs   *Bundle `json:"bundledAs,omitempty"`
	IsPartOf    string  `json:"schema:isPartOf,omitempty"`
	Size        *int64  `json:"wt:size,omitempty"`
	Identifier  string  `json:"wt:identifier,omitempty"`
	MD5         string  `json:"wt:md5,omitempty"`
	MimeType    string  `json:"wt:mimeType,omitempty"`
	IsPartOfRun string  `json:"wt:isPartOfRun,omitempty"`
	License     string  `json:"schema:license,omitempty"`
}

// Dataset is an external dataset used by the tale.
type Dataset struct {
	ID         string `json:"@id"`
	Type       string `json:"@type"`
	Name       string `json:"schema:name"`
	Identifier string `json:"schema:identifier"`
}

// VersionRecord describes the version the manifest was built from.
type VersionRecord struct {
	ID           string  `json:"@id"`
	Type         string  `json:"@type"`
	Name         string  `json:"schema:name"`
	DateCreated  string  `json:"schema:dateCreated"`
	DateModified string  `json:"schema:dateModified"`
	Creator      *Person `json:"schema:creator,omitempty"`
}

// RunRecord describes a recorded run of the version.
type RunRecord struct {
	ID           string  `json:"@id"`
	Type         string  `json:"@type"`
	Name         string  `json:"schema:name"`
	DateCreated  string  `json:"schema:dateCreated"`
	DateModified string  `json:"schema:dateModified"`
	Status       string  `json:"wt:runStatus"`
	Creator      *Person `json:"schema:creator,omitempty"`
}

// ValidationError reports a tale or document that cannot be turned into a
// valid manifest.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid manifest: %s: %v", e.Reason, e.Err)
	}
	return "invalid manifest: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

const manifestSchema = `{
	"type": "object",
	"required": ["@context", "@id", "@type", "schema:name", "aggregates", "wt:usesDataset"],
	"properties": {
		"@context": {"type": "array", "minItems": 1},
		"@id": {"type": "string", "minLength": 1},
		"@type": {"const": "wt:Tale"},
		"schema:name": {"type": "string"},
		"schema:schemaVersion": {"type": "integer"},
		"schema:author": {
			"type": ["array", "null"],
			"items": {
				"type": "object",
				"required": ["@id", "schema:givenName", "schema:familyName"]
			}
		},
		"aggregates": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["uri"],
				"properties": {
					"uri": {"type": "string"},
					"bundledAs": {
						"type": "object",
						"required": ["folder"],
						"properties": {
							"folder": {"type": "string"},
							"filename": {"type": "string"}
						}
					},
					"wt:size": {"type": "integer", "minimum": 0},
					"wt:identifier": {"type": "string"}
				}
			}
		},
		"wt:usesDataset": {
			"type": ["array", "null"],
			"items": {
				"type": "object",
				"required": ["@id", "schema:identifier", "schema:name"]
			}
		},
		"dct:hasVersion": {
			"type": "object",
			"required": ["@id", "@type", "schema:name"]
		}
	}
}`

var compiledSchema = jsonschema.MustCompileString("manifest.json", manifestSchema)

// validateDocument checks a decoded JSON document against the manifest
// schema.
func validateDocument(doc interface{}) error {
	if err := compiledSchema.Validate(doc); err != nil {
		return &ValidationError{Reason: "schema validation failed", Err: err}
	}
	return nil
}

// Validate checks m against the manifest schema.
func Validate(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decoding manifest: %w", err)
	}
	return validateDocument(doc)
}

// Dump writes m as canonical JSON with sorted keys. A non-empty indent
// pretty-prints the canonical form.
func Dump(m *Manifest, indent string) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing manifest: %w", err)
	}
	if indent == "" {
		return canonical, nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, canonical, "", indent); err != nil {
		return nil, fmt.Errorf("indenting manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// identifierType classifies a related identifier by its prefix.
func identifierType(identifier string) string {
	lower := strings.ToLower(identifier)
	switch {
	case strings.HasPrefix(lower, "doi"):
		return "datacite:DOI"
	case strings.HasPrefix(lower, "http"):
		return "datacite:URL"
	case strings.HasPrefix(lower, "urn"):
		return "datacite:URN"
	}
	return ""
}

func int64Ptr(v int64) *int64 { return &v }
