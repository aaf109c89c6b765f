package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// UnknownDatasetName is the name given to data maps decoded without one.
const UnknownDatasetName = "Unknown Dataset"

// DataMap describes a located external dataset. It is produced by Lookup
// and round-trips through JSON unchanged.
type DataMap struct {
	DataID     string
	Size       int64
	DOI        string
	Name       string
	Repository string
	Tale       bool
	BaseURL    string
}

type dataMapJSON struct {
	DataID     string  `json:"dataId"`
	Size       int64   `json:"size"`
	Repository string  `json:"repository"`
	DOI        *string `json:"doi"`
	Name       *string `json:"name"`
	Tale       bool    `json:"tale"`
	BaseURL    *string `json:"base_url,omitempty"`
}

const dataMapSchema = `{
	"type": "object",
	"properties": {
		"dataId": {"type": "string", "minLength": 1},
		"repository": {"type": "string", "minLength": 1},
		"doi": {"type": ["string", "null"]},
		"name": {"type": ["string", "null"]},
		"size": {"type": "integer", "minimum": -1},
		"tale": {"type": "boolean"},
		"base_url": {"type": ["string", "null"]}
	},
	"required": ["dataId", "repository"]
}`

var compiledDataMapSchema = jsonschema.MustCompileString("datamap.json", dataMapSchema)

// MarshalJSON encodes the record shape; an empty DOI is written as null and
// an empty base_url is omitted.
func (d DataMap) MarshalJSON() ([]byte, error) {
	out := dataMapJSON{
		DataID:     d.DataID,
		Size:       d.Size,
		Repository: d.Repository,
		Tale:       d.Tale,
	}
	if d.DOI != "" {
		out.DOI = &d.DOI
	}
	name := d.Name
	out.Name = &name
	if d.BaseURL != "" {
		out.BaseURL = &d.BaseURL
	}
	return json.Marshal(out)
}

// UnmarshalJSON validates the record and applies defaults for missing
// optional fields.
func (d *DataMap) UnmarshalJSON(data []byte) error {
	var raw interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("invalid data map: %w", err)
	}
	if err := compiledDataMapSchema.Validate(raw); err != nil {
		return fmt.Errorf("invalid data map: %w", err)
	}

	var in dataMapJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("invalid data map: %w", err)
	}
	*d = DataMap{
		DataID:     in.DataID,
		Size:       in.Size,
		Repository: in.Repository,
		Tale:       in.Tale,
		Name:       UnknownDatasetName,
	}
	if in.DOI != nil {
		d.DOI = *in.DOI
	}
	if in.Name != nil {
		d.Name = *in.Name
	}
	if in.BaseURL != nil {
		d.BaseURL = *in.BaseURL
	}
	return nil
}

// DataMapsFromJSON decodes a JSON array of data maps.
func DataMapsFromJSON(data []byte) ([]DataMap, error) {
	var maps []DataMap
	if err := json.Unmarshal(data, &maps); err != nil {
		return nil, err
	}
	return maps, nil
}

// ShortDOI returns the DOI without a "doi:" prefix.
func (d DataMap) ShortDOI() string {
	return strings.TrimPrefix(d.DOI, "doi:")
}
