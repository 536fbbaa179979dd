package scoring

import (
	"context"
	"fmt"
	"testing"

	"github.com/hupe1980/loanmesh/core"
	"github.com/hupe1980/loanmesh/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelScorer_Evaluate(t *testing.T) {
	m := model.NewMockModel("mock", "test")
	m.AddResponse("", "Here is my assessment:\n```json\n"+`{"risk_score": 25, "decision": "APPROVED_WITH_CONDITIONS", "reasoning": " Solid margins. ", "conditions": ["Quarterly statements"]}`+"\n```")

	snap := snapshot(core.Application{ApplicantRef: "A-100", LoanAmount: 250_000},
		record("itr"),
		core.UnavailableEvidence("search_business_info", core.NewError(core.CodeCallTimeout, "timeout")))

	v, err := NewModelScorer(m).Evaluate(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeApprove, v.Outcome)
	assert.Equal(t, 25.0, v.RiskScore)
	assert.Equal(t, "Solid margins.", v.Rationale)
	assert.Equal(t, []string{"Quarterly statements"}, v.Conditions)

	reqs := m.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Prompt, `"applicant_ref": "A-100"`)
	assert.Contains(t, reqs[0].Prompt, "search_business_info: unavailable (CallTimeoutError)")
	assert.Contains(t, reqs[0].Instructions, "risk score")
}

func TestModelScorer_ModelFailure(t *testing.T) {
	m := model.NewMockModel("mock", "test")
	m.SetError(fmt.Errorf("provider: %w", core.ErrServiceUnavailable))

	_, err := NewModelScorer(m).Evaluate(context.Background(), core.EvidenceSnapshot{})
	assert.ErrorIs(t, err, core.ErrServiceUnavailable)
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		outcome core.Outcome
		risk    float64
		wantErr bool
	}{
		{"approved", `{"decision": "APPROVED", "risk_score": 10}`, core.OutcomeApprove, 10, false},
		{"rejected", `{"decision": "rejected", "risk_score": 90}`, core.OutcomeDecline, 90, false},
		{"manual review", `{"decision": "MANUAL_REVIEW"}`, core.OutcomeRefer, 50, false},
		{"unknown decision", `{"decision": "MAYBE"}`, "", 0, true},
		{"no json", `I would approve this loan.`, "", 0, true},
		{"broken json", `{"decision": }`, "", 0, true},
		{"risk out of range", `{"decision": "APPROVED", "risk_score": 140}`, "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ParseVerdict(tt.text)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, v.Outcome)
			assert.Equal(t, tt.risk, v.RiskScore)
		})
	}
}
