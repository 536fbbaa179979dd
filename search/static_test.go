package search

import (
	"context"
	"testing"

	"github.com/hupe1980/loanmesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic_Search(t *testing.T) {
	s := NewStatic().
		Add("acme", core.SearchResult{Title: "Acme Bakery", Snippet: "bakery"}).
		Add("lawsuit", core.SearchResult{Title: "No lawsuits found"})

	res, err := s.Search(context.Background(), "ACME Bakery legal issues lawsuit")
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "Acme Bakery", res[0].Title)

	res, err = s.Search(context.Background(), "globex")
	require.NoError(t, err)
	assert.Empty(t, res)

	assert.Equal(t, []string{"ACME Bakery legal issues lawsuit", "globex"}, s.Queries())
}

func TestStatic_FailWith(t *testing.T) {
	s := NewStatic()
	s.FailWith(core.ErrRateLimited)
	_, err := s.Search(context.Background(), "acme")
	assert.ErrorIs(t, err, core.ErrRateLimited)

	s.FailWith(nil)
	_, err = s.Search(context.Background(), "acme")
	assert.NoError(t, err)
}
