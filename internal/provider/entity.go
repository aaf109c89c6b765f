package provider

import "fmt"

// Entity wraps one external identifier while it is resolved and matched to
// a provider.
type Entity struct {
	// Value is the identifier, rewritten in place by resolvers.
	Value string
	// BaseURL is the catalog endpoint for catalog-style repositories.
	BaseURL string
	// HintedSize is a caller-supplied size, -1 when unknown.
	HintedSize int64
	// HintedName is a caller-supplied display name.
	HintedName string
	// DOI is set when a resolver recognized the value as a DOI.
	DOI string
}

// NewEntity returns an Entity for value with no hints.
func NewEntity(value string) *Entity {
	return &Entity{Value: value, HintedSize: -1}
}

func (e *Entity) String() string {
	return fmt.Sprintf("Entity(%s)", e.Value)
}
