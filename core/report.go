package core

import "time"

// Outcome is the recommendation of a finished session.
type Outcome string

const (
	OutcomeApprove Outcome = "APPROVE"
	OutcomeDecline Outcome = "DECLINE"
	OutcomeRefer   Outcome = "REFER"
)

// Valid reports whether o is one of the three known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeApprove, OutcomeDecline, OutcomeRefer:
		return true
	}
	return false
}

// Report is the final decision artifact of a session. Values handed out by
// the engine are deep copies; mutating them never affects the stored report.
// RiskScore runs from 0 (lowest risk) to 100 (highest risk).
type Report struct {
	SessionID        string           `json:"session_id"`
	ApplicantRef     string           `json:"applicant_ref"`
	Outcome          Outcome          `json:"outcome"`
	Rationale        string           `json:"rationale"`
	RiskScore        float64          `json:"risk_score,omitempty"`
	Conditions       []string         `json:"conditions,omitempty"`
	Unavailable      []string         `json:"unavailable_sources,omitempty"`
	ScoringFailed    bool             `json:"scoring_failed,omitempty"`
	EvidenceSnapshot EvidenceSnapshot `json:"evidence_snapshot"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Clone returns a deep copy.
func (r Report) Clone() Report {
	r.Conditions = append([]string(nil), r.Conditions...)
	r.Unavailable = append([]string(nil), r.Unavailable...)
	r.EvidenceSnapshot = r.EvidenceSnapshot.Clone()
	return r
}
