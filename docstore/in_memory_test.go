package docstore

import (
	"context"
	"testing"

	"github.com/hupe1980/loanmesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	rec := core.FinancialRecord{
		ApplicantRef:  "A-100",
		Documents:     []string{"itr", "gst"},
		AnnualRevenue: 1_200_000,
		Raw:           map[string]any{"gst": map[string]any{"filings": 12.0}},
	}
	require.NoError(t, s.Put(rec))

	got, err := s.Get(ctx, "A-100")
	require.NoError(t, err)
	assert.Equal(t, 1_200_000.0, got.AnnualRevenue)

	// mutating the returned copy must not affect the store
	got.Documents[0] = "tampered"
	got.Raw["gst"].(map[string]any)["filings"] = 0.0

	again, err := s.Get(ctx, "A-100")
	require.NoError(t, err)
	assert.Equal(t, "itr", again.Documents[0])
	assert.Equal(t, 12.0, again.Raw["gst"].(map[string]any)["filings"])

	docs, err := s.List(ctx, "A-100")
	require.NoError(t, err)
	assert.Equal(t, []string{"gst", "itr"}, docs)
}

func TestInMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = s.List(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, s.Delete("missing"), core.ErrNotFound)
	assert.Error(t, s.Put(core.FinancialRecord{}))
}

func TestInMemoryStore_Delete(t *testing.T) {
	s := NewInMemoryStore()
	require.NoError(t, s.Put(core.FinancialRecord{ApplicantRef: "A-1"}))
	require.NoError(t, s.Delete("A-1"))
	_, err := s.Get(context.Background(), "A-1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
