package testutil

import (
	"time"

	"github.com/hupe1980/loanmesh/core"
)

// SessionBuilder helps construct sessions with fluent chaining for tests.
// Example:
//
//	s := NewSessionBuilder("s-1").Applicant("A-1", 250_000).Evidence(item).To(core.StateAwaitingHuman).Build()
type SessionBuilder struct {
	id       string
	app      core.Application
	path     []core.State
	evidence []core.EvidenceItem
	prompt   string
	created  time.Time
	decision *core.Report
}

// NewSessionBuilder creates a builder for a session with the given id.
func NewSessionBuilder(id string) *SessionBuilder {
	return &SessionBuilder{id: id, app: core.Application{ApplicantRef: "A-" + id}}
}

// Application replaces the whole application (chainable).
func (b *SessionBuilder) Application(app core.Application) *SessionBuilder {
	b.app = app
	return b
}

// Applicant sets applicant reference and loan amount (chainable).
func (b *SessionBuilder) Applicant(ref string, amount float64) *SessionBuilder {
	b.app.ApplicantRef = ref
	b.app.LoanAmount = amount
	return b
}

// Evidence appends evidence items (chainable).
func (b *SessionBuilder) Evidence(items ...core.EvidenceItem) *SessionBuilder {
	b.evidence = append(b.evidence, items...)
	return b
}

// To walks the session along the shortest legal path to state (chainable).
func (b *SessionBuilder) To(state core.State) *SessionBuilder {
	b.path = pathTo(state)
	return b
}

// Prompt sets the pending human question (chainable).
func (b *SessionBuilder) Prompt(text string) *SessionBuilder {
	b.prompt = text
	return b
}

// Created overrides the creation time (chainable).
func (b *SessionBuilder) Created(t time.Time) *SessionBuilder {
	b.created = t
	return b
}

// Decision attaches a report; it implies state Done unless To was called (chainable).
func (b *SessionBuilder) Decision(r core.Report) *SessionBuilder {
	b.decision = &r
	if b.path == nil {
		b.path = pathTo(core.StateDone)
	}
	return b
}

// Build returns the session. It panics if the path is not legal, which only
// happens when the state table changes.
func (b *SessionBuilder) Build() *core.Session {
	s := core.NewSession(b.id, b.app)
	if !b.created.IsZero() {
		s.Created = b.created.UTC()
		s.Updated = s.Created
	}
	s.AppendEvidence(b.evidence...)
	for _, st := range b.path {
		if err := s.Transition(st, "test"); err != nil {
			panic(err)
		}
	}
	if b.prompt != "" {
		s.PendingHumanInput = b.prompt
		if s.HumanRounds == 0 {
			s.HumanRounds = 1
		}
	}
	if b.decision != nil {
		d := b.decision.Clone()
		if d.SessionID == "" {
			d.SessionID = s.ID
		}
		if d.ApplicantRef == "" {
			d.ApplicantRef = s.ApplicantRef
		}
		s.Decision = &d
	}
	return s
}

func pathTo(state core.State) []core.State {
	switch state {
	case core.StateGathering:
		return []core.State{core.StateGathering}
	case core.StateAwaitingHuman:
		return []core.State{core.StateGathering, core.StateAwaitingHuman}
	case core.StateDeciding:
		return []core.State{core.StateGathering, core.StateDeciding}
	case core.StateDone:
		return []core.State{core.StateGathering, core.StateDeciding, core.StateDone}
	case core.StateCancelled:
		return []core.State{core.StateCancelled}
	}
	return []core.State{}
}
