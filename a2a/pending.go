package a2a

import (
	"sync"
	"time"

	"github.com/hupe1980/loanmesh/core"
)

// Resolution is the lifecycle state of a PendingCall.
type Resolution int

const (
	ResolutionPending Resolution = iota
	ResolutionFulfilled
	ResolutionTimedOut
	ResolutionErrored
)

// String returns the lower case name of the resolution.
func (r Resolution) String() string {
	switch r {
	case ResolutionPending:
		return "pending"
	case ResolutionFulfilled:
		return "fulfilled"
	case ResolutionTimedOut:
		return "timed_out"
	case ResolutionErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// PendingCall tracks an outstanding request. The first resolution wins; the
// done channel is closed exactly once.
type PendingCall struct {
	EnvelopeID string
	SessionID  string
	Recipient  string
	Capability string
	IssuedAt   time.Time
	Timeout    time.Duration

	mu         sync.Mutex
	resolution Resolution
	reply      *Envelope
	err        error
	done       chan struct{}
}

func newPendingCall(req *Envelope, timeout time.Duration) *PendingCall {
	return &PendingCall{
		EnvelopeID: req.ID,
		SessionID:  req.SessionID,
		Recipient:  req.Recipient,
		Capability: req.Capability,
		IssuedAt:   time.Now(),
		Timeout:    timeout,
		done:       make(chan struct{}),
	}
}

// resolve settles the call. It returns false when the call was already
// resolved, in which case nothing changes.
func (p *PendingCall) resolve(res Resolution, reply *Envelope, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolution != ResolutionPending {
		return false
	}
	p.resolution = res
	p.reply = reply
	p.err = err
	close(p.done)
	return true
}

// Resolution returns the current state of the call.
func (p *PendingCall) Resolution() Resolution {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolution
}

// Done is closed once the call is resolved.
func (p *PendingCall) Done() <-chan struct{} { return p.done }

// Result returns the reply and error recorded at resolution.
func (p *PendingCall) Result() (*Envelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reply, p.err
}

// PendingTable indexes outstanding calls by envelope id and by session.
type PendingTable struct {
	mu        sync.RWMutex
	calls     map[string]*PendingCall
	bySession map[string]map[string]struct{}
}

// NewPendingTable creates an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{
		calls:     make(map[string]*PendingCall),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Add registers a call. Ids are unique per request, so a collision is a
// protocol fault.
func (t *PendingTable) Add(p *PendingCall) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.calls[p.EnvelopeID]; exists {
		return core.NewError(core.CodeProtocolFault, "duplicate pending call %s", p.EnvelopeID)
	}
	t.calls[p.EnvelopeID] = p
	if p.SessionID != "" {
		set, ok := t.bySession[p.SessionID]
		if !ok {
			set = make(map[string]struct{})
			t.bySession[p.SessionID] = set
		}
		set[p.EnvelopeID] = struct{}{}
	}
	return nil
}

// Get returns the pending call with the given envelope id.
func (t *PendingTable) Get(id string) (*PendingCall, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.calls[id]
	return p, ok
}

// Remove drops a call from the table.
func (t *PendingTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.calls[id]
	if !ok {
		return
	}
	delete(t.calls, id)
	if set, ok := t.bySession[p.SessionID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(t.bySession, p.SessionID)
		}
	}
}

// BySession returns the calls tagged with a session.
func (t *PendingTable) BySession(sessionID string) []*PendingCall {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.bySession[sessionID]
	out := make([]*PendingCall, 0, len(set))
	for id := range set {
		out = append(out, t.calls[id])
	}
	return out
}

// Len returns the number of outstanding calls.
func (t *PendingTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.calls)
}
