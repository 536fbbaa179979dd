package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	all := []State{StateCreated, StateGathering, StateAwaitingHuman, StateDeciding, StateDone, StateCancelled}
	allowed := map[[2]State]bool{
		{StateCreated, StateGathering}:       true,
		{StateCreated, StateCancelled}:       true,
		{StateGathering, StateAwaitingHuman}: true,
		{StateGathering, StateDeciding}:      true,
		{StateGathering, StateCancelled}:     true,
		{StateAwaitingHuman, StateGathering}: true,
		{StateAwaitingHuman, StateDeciding}:  true,
		{StateAwaitingHuman, StateCancelled}: true,
		{StateDeciding, StateDone}:           true,
		{StateDeciding, StateCancelled}:      true,
	}

	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]State{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestState_Terminal(t *testing.T) {
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.False(t, StateAwaitingHuman.Terminal())
	assert.False(t, StateCreated.Terminal())
}

func TestSession_Transition(t *testing.T) {
	s := NewSession("s-1", Application{ApplicantRef: "A-100"})
	require.Equal(t, StateCreated, s.State)

	require.NoError(t, s.Transition(StateGathering, "start"))
	require.NoError(t, s.Transition(StateDeciding, ""))

	err := s.Transition(StateGathering, "")
	require.Error(t, err)
	assert.True(t, HasCode(err, CodeInvalidTransition))
	assert.Equal(t, StateDeciding, s.State)

	require.NoError(t, s.Transition(StateDone, ""))
	assert.Error(t, s.Transition(StateCancelled, ""))

	require.Len(t, s.Transitions, 3)
	assert.Equal(t, StateCreated, s.Transitions[0].From)
	assert.Equal(t, "start", s.Transitions[0].Reason)
	assert.Equal(t, int64(3), s.Version)
}

func TestSession_CloneIsDeep(t *testing.T) {
	s := NewSession("s-1", Application{ApplicantRef: "A-100"})
	s.AppendEvidence(NewEvidence("fetch_financial_data", map[string]any{"revenue": 10.0, "nested": map[string]any{"x": 1.0}}))
	rep := Report{SessionID: "s-1", Outcome: OutcomeApprove, Conditions: []string{"c1"}}
	s.Decision = &rep

	c := s.Clone()
	c.Evidence[0].Data["revenue"] = 99.0
	c.Evidence[0].Data["nested"].(map[string]any)["x"] = 2.0
	c.Decision.Conditions[0] = "changed"
	c.AddNote("ops", "note")

	assert.Equal(t, 10.0, s.Evidence[0].Data["revenue"])
	assert.Equal(t, 1.0, s.Evidence[0].Data["nested"].(map[string]any)["x"])
	assert.Equal(t, "c1", s.Decision.Conditions[0])
	assert.Empty(t, s.Notes)
}

func TestSession_JSONSnapshot(t *testing.T) {
	s := NewSession("s-1", Application{ApplicantRef: "A-100", LoanAmount: 250000})
	require.NoError(t, s.Transition(StateGathering, ""))
	require.NoError(t, s.Transition(StateAwaitingHuman, "incomplete"))
	s.PendingHumanInput = "upload bank statements?"

	raw, err := json.Marshal(s)
	require.NoError(t, err)

	var restored Session
	require.NoError(t, json.Unmarshal(raw, &restored))
	assert.Equal(t, StateAwaitingHuman, restored.State)
	assert.Equal(t, s.PendingHumanInput, restored.PendingHumanInput)
	assert.Equal(t, 250000.0, restored.Application.LoanAmount)
	assert.Len(t, restored.Transitions, 2)
}
