package docstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/loanmesh/core"
)

// InMemoryStore is a trivial in‑process DocumentStore useful for tests,
// examples and single‑process prototypes. Records are copied on save and
// retrieval to avoid accidental external mutation.
//
// Layout: applicantRef -> record
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]core.FinancialRecord
}

var _ core.DocumentStore = (*InMemoryStore)(nil)

// NewInMemoryStore returns an empty in‑memory document store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]core.FinancialRecord)}
}

// Put stores (or overwrites) the record under its ApplicantRef.
func (s *InMemoryStore) Put(record core.FinancialRecord) error {
	if record.ApplicantRef == "" {
		return fmt.Errorf("record has no applicant_ref")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ApplicantRef] = copyRecord(record)
	return nil
}

// Get returns a copy of the applicant's record or an error wrapping
// core.ErrNotFound.
func (s *InMemoryStore) Get(_ context.Context, applicantRef string) (*core.FinancialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[applicantRef]
	if !ok {
		return nil, fmt.Errorf("applicant %q: %w", applicantRef, core.ErrNotFound)
	}
	cp := copyRecord(r)
	return &cp, nil
}

// List returns the sorted document names held for the applicant.
func (s *InMemoryStore) List(_ context.Context, applicantRef string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[applicantRef]
	if !ok {
		return nil, fmt.Errorf("applicant %q: %w", applicantRef, core.ErrNotFound)
	}
	docs := append([]string(nil), r.Documents...)
	sort.Strings(docs)
	return docs, nil
}

// Delete removes the applicant's record if present.
func (s *InMemoryStore) Delete(applicantRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[applicantRef]; !ok {
		return fmt.Errorf("applicant %q: %w", applicantRef, core.ErrNotFound)
	}
	delete(s.records, applicantRef)
	return nil
}

func copyRecord(r core.FinancialRecord) core.FinancialRecord {
	r.Documents = append([]string(nil), r.Documents...)
	r.Periods = append([]core.Period(nil), r.Periods...)
	r.Raw = core.CloneMap(r.Raw)
	return r
}
