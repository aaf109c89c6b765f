package null

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BadgerOps/taleport/internal/provider"
)

func TestNullRejectsEverything(t *testing.T) {
	p := New()
	ctx := context.Background()
	e := provider.NewEntity("ftp://example.org/data.csv")

	assert.True(t, p.Matches(ctx, e))

	_, err := p.Lookup(ctx, e)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorIs(t, err, provider.ErrNoProvider)
	assert.Contains(t, err.Error(), "ftp://example.org/data.csv")

	err = p.Traverse(ctx, provider.TraverseRequest{DataID: e.Value}, func(provider.ImportItem) error {
		t.Fatal("nothing should be emitted")
		return nil
	})
	assert.ErrorIs(t, err, ErrUnsupported)
}
