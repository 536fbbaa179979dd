package search

import (
	"context"
	"strings"
	"sync"

	"github.com/hupe1980/loanmesh/core"
)

// Static answers queries from a fixed table: a query matches every term it
// contains, case-insensitively. Useful for tests, demos and offline runs.
type Static struct {
	mu      sync.RWMutex
	entries map[string][]core.SearchResult
	order   []string
	err     error
	queries []string
}

var _ core.BusinessSearch = (*Static)(nil)

// NewStatic returns an empty static searcher.
func NewStatic() *Static {
	return &Static{entries: make(map[string][]core.SearchResult)}
}

// Add registers results returned for queries containing term.
func (s *Static) Add(term string, results ...core.SearchResult) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(term)
	if _, ok := s.entries[key]; !ok {
		s.order = append(s.order, key)
	}
	s.entries[key] = append(s.entries[key], results...)
	return s
}

// FailWith makes every following search fail with err; nil restores normal
// operation.
func (s *Static) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Queries returns the queries received so far.
func (s *Static) Queries() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.queries...)
}

// Search implements core.BusinessSearch.
func (s *Static) Search(ctx context.Context, query string) ([]core.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}

	q := strings.ToLower(query)
	results := []core.SearchResult{}
	for _, term := range s.order {
		if strings.Contains(q, term) {
			results = append(results, s.entries[term]...)
		}
	}
	return results, nil
}
