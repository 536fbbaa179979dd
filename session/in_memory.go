package session

import (
	"context"
	"sort"
	"sync"

	"github.com/hupe1980/loanmesh/core"
)

// InMemoryStore keeps sessions and reports in process memory. All values are
// cloned on the way in and out.
type InMemoryStore struct {
	mu       sync.RWMutex
	active   map[string]*core.Session
	archived map[string]*core.Session
	reports  map[string]core.Report
}

var (
	_ core.SessionStore  = (*InMemoryStore)(nil)
	_ core.ReportArchive = (*InMemoryStore)(nil)
)

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		active:   map[string]*core.Session{},
		archived: map[string]*core.Session{},
		reports:  map[string]core.Report{},
	}
}

// Save stores a snapshot of s in the active set.
func (m *InMemoryStore) Save(_ context.Context, s *core.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[s.ID] = s.Clone()
	return nil
}

// Load returns the latest snapshot, active or archived.
func (m *InMemoryStore) Load(_ context.Context, id string) (*core.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.active[id]; ok {
		return s.Clone(), nil
	}
	if s, ok := m.archived[id]; ok {
		return s.Clone(), nil
	}
	return nil, core.NewError(core.CodeSessionNotFound, "session %s not found", id)
}

// Archive stores the final snapshot and drops s from the active set.
func (m *InMemoryStore) Archive(_ context.Context, s *core.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, s.ID)
	m.archived[s.ID] = s.Clone()
	return nil
}

// Active lists ids of sessions not yet archived, sorted.
func (m *InMemoryStore) Active(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Put archives a report, replacing any earlier one of the same session.
func (m *InMemoryStore) Put(_ context.Context, r core.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[r.SessionID] = r.Clone()
	return nil
}

// Get returns the report of a session.
func (m *InMemoryStore) Get(_ context.Context, sessionID string) (core.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[sessionID]
	if !ok {
		return core.Report{}, core.NewError(core.CodeSessionNotFound, "no report for session %s", sessionID)
	}
	return r.Clone(), nil
}

// List returns up to limit reports, newest first. A limit <= 0 returns all.
func (m *InMemoryStore) List(_ context.Context, limit int) ([]core.Report, error) {
	m.mu.RLock()
	out := make([]core.Report, 0, len(m.reports))
	for _, r := range m.reports {
		out = append(out, r.Clone())
	}
	m.mu.RUnlock()

	sortReports(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortReports(rs []core.Report) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].SessionID < rs[j].SessionID
		}
		return rs[i].CreatedAt.After(rs[j].CreatedAt)
	})
}
