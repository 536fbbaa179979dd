package testutil

import (
	"time"

	"github.com/hupe1980/loanmesh/core"
)

// ReportBuilder constructs reports for archive tests.
type ReportBuilder struct {
	r core.Report
}

// NewReportBuilder starts a REFER report for sessionID created now.
func NewReportBuilder(sessionID string) *ReportBuilder {
	return &ReportBuilder{r: core.Report{
		SessionID:    sessionID,
		Outcome:      core.OutcomeRefer,
		RiskScore:    50,
		Rationale:    "test",
		CreatedAt:    time.Now().UTC(),
		EvidenceSnapshot: core.EvidenceSnapshot{
			SessionID: sessionID,
			Items:     []core.EvidenceItem{},
		},
	}}
}

// Outcome sets outcome and risk score (chainable).
func (b *ReportBuilder) Outcome(o core.Outcome, risk float64) *ReportBuilder {
	b.r.Outcome = o
	b.r.RiskScore = risk
	return b
}

// Applicant sets the applicant reference (chainable).
func (b *ReportBuilder) Applicant(ref string) *ReportBuilder {
	b.r.ApplicantRef = ref
	b.r.EvidenceSnapshot.Application.ApplicantRef = ref
	return b
}

// CreatedAt sets the creation time (chainable).
func (b *ReportBuilder) CreatedAt(t time.Time) *ReportBuilder {
	b.r.CreatedAt = t.UTC()
	return b
}

// Unavailable marks sources as unavailable in report and snapshot (chainable).
func (b *ReportBuilder) Unavailable(sources ...string) *ReportBuilder {
	for _, src := range sources {
		b.r.Unavailable = append(b.r.Unavailable, src)
		b.r.EvidenceSnapshot.Items = append(b.r.EvidenceSnapshot.Items,
			core.UnavailableEvidence(src, core.NewError(core.CodeCollaboratorUnavail, "%s down", src)))
	}
	return b
}

// Build returns a copy of the report.
func (b *ReportBuilder) Build() core.Report { return b.r.Clone() }
