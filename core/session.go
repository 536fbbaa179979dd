package core

import (
	"context"
	"time"
)

// State is a step of the underwriting state machine.
type State string

const (
	StateCreated       State = "Created"
	StateGathering     State = "Gathering"
	StateAwaitingHuman State = "AwaitingHuman"
	StateDeciding      State = "Deciding"
	StateDone          State = "Done"
	StateCancelled     State = "Cancelled"
)

var transitions = map[State][]State{
	StateCreated:       {StateGathering, StateCancelled},
	StateGathering:     {StateAwaitingHuman, StateDeciding, StateCancelled},
	StateAwaitingHuman: {StateGathering, StateDeciding, StateCancelled},
	StateDeciding:      {StateDone, StateCancelled},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == StateDone || s == StateCancelled }

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Application is the loan request a session underwrites.
type Application struct {
	ApplicantRef    string  `json:"applicant_ref"`
	ApplicantName   string  `json:"applicant_name,omitempty"`
	BusinessName    string  `json:"business_name,omitempty"`
	BusinessType    string  `json:"business_type,omitempty"`
	LoanAmount      float64 `json:"loan_amount,omitempty"`
	LoanPurpose     string  `json:"loan_purpose,omitempty"`
	YearsInBusiness float64 `json:"years_in_business,omitempty"`
	AdditionalInfo  string  `json:"additional_info,omitempty"`
}

// Transition is one entry of a session's state audit trail.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Note is a free-form remark attached to a session by an operator.
type Note struct {
	Author string    `json:"author,omitempty"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// Session is one underwriting run. It is a plain record: the owner (the
// decision engine) serializes writers, and the whole value is JSON
// serializable so a suspended session can be restored after a restart.
type Session struct {
	ID                string         `json:"session_id"`
	ApplicantRef      string         `json:"applicant_ref"`
	Application       Application    `json:"application"`
	State             State          `json:"state"`
	Evidence          []EvidenceItem `json:"evidence"`
	PendingHumanInput string         `json:"pending_human_input,omitempty"`
	HumanRounds       int            `json:"human_rounds,omitempty"`
	Decision          *Report        `json:"decision,omitempty"`
	Notes             []Note         `json:"notes,omitempty"`
	Transitions       []Transition   `json:"transitions"`
	Version           int64          `json:"version"`
	Created           time.Time      `json:"created"`
	Updated           time.Time      `json:"updated"`
}

// NewSession creates a session in state Created.
func NewSession(id string, app Application) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           id,
		ApplicantRef: app.ApplicantRef,
		Application:  app,
		State:        StateCreated,
		Evidence:     []EvidenceItem{},
		Transitions:  []Transition{},
		Created:      now,
		Updated:      now,
	}
}

// Transition moves the session to state to, failing with InvalidTransition
// when the edge does not exist.
func (s *Session) Transition(to State, reason string) error {
	if !CanTransition(s.State, to) {
		return NewError(CodeInvalidTransition, "session %s: %s -> %s", s.ID, s.State, to).
			WithDetail("from", string(s.State)).
			WithDetail("to", string(to))
	}
	now := time.Now().UTC()
	s.Transitions = append(s.Transitions, Transition{From: s.State, To: to, At: now, Reason: reason})
	s.State = to
	s.touch(now)
	return nil
}

// AppendEvidence adds an item to the evidence trail.
func (s *Session) AppendEvidence(items ...EvidenceItem) {
	for _, it := range items {
		s.Evidence = append(s.Evidence, it.Clone())
	}
	s.touch(time.Now().UTC())
}

// AddNote appends an operator note.
func (s *Session) AddNote(author, text string) Note {
	n := Note{Author: author, Text: text, At: time.Now().UTC()}
	s.Notes = append(s.Notes, n)
	s.touch(n.At)
	return n
}

// Snapshot returns a deep copy of the evidence gathered so far.
func (s *Session) Snapshot() EvidenceSnapshot {
	items := make([]EvidenceItem, len(s.Evidence))
	for i, it := range s.Evidence {
		items[i] = it.Clone()
	}
	return EvidenceSnapshot{SessionID: s.ID, Application: s.Application, Items: items, TakenAt: time.Now().UTC()}
}

func (s *Session) touch(now time.Time) {
	s.Version++
	s.Updated = now
}

// Clone returns a deep copy safe for independent mutation.
func (s *Session) Clone() *Session {
	c := *s
	c.Evidence = make([]EvidenceItem, len(s.Evidence))
	for i, it := range s.Evidence {
		c.Evidence[i] = it.Clone()
	}
	c.Notes = append([]Note(nil), s.Notes...)
	c.Transitions = append([]Transition{}, s.Transitions...)
	if s.Decision != nil {
		d := s.Decision.Clone()
		c.Decision = &d
	}
	return &c
}

// SessionStore persists session snapshots. Load must return a
// SessionNotFound error for unknown ids.
type SessionStore interface {
	Save(ctx context.Context, s *Session) error
	Load(ctx context.Context, id string) (*Session, error)
	// Archive stores the final snapshot and removes the session from the
	// active set.
	Archive(ctx context.Context, s *Session) error
	// Active lists ids of sessions that have not been archived.
	Active(ctx context.Context) ([]string, error)
}

// ReportArchive keeps finished reports for later retrieval.
type ReportArchive interface {
	Put(ctx context.Context, r Report) error
	Get(ctx context.Context, sessionID string) (Report, error)
	List(ctx context.Context, limit int) ([]Report, error)
}
