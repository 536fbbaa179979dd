package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/loanmesh/core"
)

func TestSessionBuilder_States(t *testing.T) {
	for _, st := range []core.State{
		core.StateCreated, core.StateGathering, core.StateAwaitingHuman,
		core.StateDeciding, core.StateDone, core.StateCancelled,
	} {
		s := NewSessionBuilder("s").To(st).Build()
		assert.Equal(t, st, s.State)
		assert.Len(t, s.Transitions, len(pathTo(st)))
	}
}

func TestSessionBuilder_Decision(t *testing.T) {
	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	s := NewSessionBuilder("s1").
		Applicant("A-9", 1000).
		Created(created).
		Decision(NewReportBuilder("").Outcome(core.OutcomeApprove, 10).Build()).
		Build()

	assert.Equal(t, core.StateDone, s.State)
	assert.Equal(t, created, s.Created)
	assert.Equal(t, "s1", s.Decision.SessionID)
	assert.Equal(t, "A-9", s.Decision.ApplicantRef)
	assert.Equal(t, core.OutcomeApprove, s.Decision.Outcome)
}
