package underwriter

import (
	"context"
	"fmt"

	"github.com/hupe1980/loanmesh/capability"
	"github.com/hupe1980/loanmesh/core"
)

// Name is the agent name the Underwriter registers under.
const Name = "underwriter"

// Capability names served to remote clients.
const (
	CapStartSession      = "start_session"
	CapProvideHumanInput = "provide_human_input"
	CapGetReport         = "get_report"
	CapCancelSession     = "cancel_session"
	CapSessionStatus     = "session_status"
	CapAddNote           = "add_note"
	CapListReports       = "list_reports"
)

type sessionInput struct {
	SessionID string `json:"session_id" description:"Session identifier"`
}

type humanInput struct {
	SessionID string `json:"session_id" description:"Session identifier"`
	Answer    string `json:"answer,omitempty" description:"Answer to the pending question"`
	Retry     bool   `json:"retry,omitempty" description:"Gather unavailable sources again"`
	Author    string `json:"author,omitempty"`
}

type cancelInput struct {
	SessionID string `json:"session_id" description:"Session identifier"`
	Reason    string `json:"reason,omitempty"`
}

type noteInput struct {
	SessionID string `json:"session_id" description:"Session identifier"`
	Author    string `json:"author,omitempty"`
	Text      string `json:"text" description:"Note text"`
}

type listInput struct {
	Limit int `json:"limit,omitempty" description:"Maximum number of reports, newest first"`
}

type statusOutput struct {
	SessionID         string           `json:"session_id"`
	ApplicantRef      string           `json:"applicant_ref"`
	State             core.State       `json:"state"`
	PendingHumanInput string           `json:"pending_human_input,omitempty"`
	HumanRounds       int              `json:"human_rounds"`
	Sources           []string         `json:"sources"`
	Unavailable       []string         `json:"unavailable_sources"`
	Notes             []core.Note      `json:"notes,omitempty"`
	Outcome           core.Outcome     `json:"outcome,omitempty"`
	Transitions       int              `json:"transitions"`
	Application       core.Application `json:"application"`
}

// Agent exposes an Engine as capabilities of the Underwriter.
type Agent struct {
	engine   *Engine
	registry *capability.Registry
}

// NewAgent registers the Underwriter capabilities for engine on registry. A
// nil registry creates one. Passing the registry in lets the router that
// serves it also be the engine's Caller.
func NewAgent(engine *Engine, registry *capability.Registry) (*Agent, error) {
	if engine == nil {
		return nil, fmt.Errorf("underwriter agent requires an engine")
	}
	if registry == nil {
		registry = capability.NewRegistry(Name, func(o *capability.Options) { o.Logger = engine.logger })
	}
	a := &Agent{engine: engine, registry: registry}
	if err := a.register(); err != nil {
		return nil, err
	}
	return a, nil
}

// Registry returns the Underwriter's capability registry.
func (a *Agent) Registry() *capability.Registry { return a.registry }

// Engine returns the decision engine behind the agent.
func (a *Agent) Engine() *Engine { return a.engine }

func object(required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": map[string]any{}}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (a *Agent) register() error {
	caps := []struct {
		name   string
		desc   string
		in     any
		out    map[string]any
		handle capability.Handler
	}{
		{CapStartSession, "Start underwriting a loan application", core.Application{}, object("session_id", "state"), a.startSession},
		{CapProvideHumanInput, "Answer the pending question of a suspended session", humanInput{}, object("session_id", "state"), a.provideHumanInput},
		{CapGetReport, "Return the final report of a finished session", sessionInput{}, object("session_id", "outcome"), a.getReport},
		{CapCancelSession, "Cancel a running session", cancelInput{}, object("session_id", "state"), a.cancelSession},
		{CapSessionStatus, "Describe the current state of a session", sessionInput{}, object("session_id", "state"), a.sessionStatus},
		{CapAddNote, "Attach an operator note to a session", noteInput{}, object("text"), a.addNote},
		{CapListReports, "List finished reports, newest first", listInput{}, object("reports"), a.listReports},
	}

	for _, c := range caps {
		err := a.registry.Register(c.name, capability.SchemaFor(c.in), c.out, c.handle,
			capability.WithDescription(c.desc),
			capability.WithAsync(),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) state(ctx context.Context, id string) (map[string]any, error) {
	s, err := a.engine.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session_id": id, "state": string(s.State)}, nil
}

func (a *Agent) startSession(ctx context.Context, payload map[string]any) (map[string]any, error) {
	var app core.Application
	if err := capability.Bind(payload, &app); err != nil {
		return nil, err
	}
	id, err := a.engine.Start(ctx, app)
	if err != nil {
		return nil, err
	}
	return a.state(ctx, id)
}

func (a *Agent) provideHumanInput(ctx context.Context, payload map[string]any) (map[string]any, error) {
	var in humanInput
	if err := capability.Bind(payload, &in); err != nil {
		return nil, err
	}
	if err := a.engine.ProvideInput(ctx, in.SessionID, HumanInput{Answer: in.Answer, Retry: in.Retry, Author: in.Author}); err != nil {
		return nil, err
	}
	return a.state(ctx, in.SessionID)
}

func (a *Agent) getReport(ctx context.Context, payload map[string]any) (map[string]any, error) {
	var in sessionInput
	if err := capability.Bind(payload, &in); err != nil {
		return nil, err
	}
	r, err := a.engine.Report(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	return capability.ToPayload(r)
}

func (a *Agent) cancelSession(ctx context.Context, payload map[string]any) (map[string]any, error) {
	var in cancelInput
	if err := capability.Bind(payload, &in); err != nil {
		return nil, err
	}
	if err := a.engine.Cancel(ctx, in.SessionID, in.Reason); err != nil {
		return nil, err
	}
	return a.state(ctx, in.SessionID)
}

func (a *Agent) sessionStatus(ctx context.Context, payload map[string]any) (map[string]any, error) {
	var in sessionInput
	if err := capability.Bind(payload, &in); err != nil {
		return nil, err
	}
	s, err := a.engine.Status(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	snap := s.Snapshot()
	out := statusOutput{
		SessionID:         s.ID,
		ApplicantRef:      s.ApplicantRef,
		State:             s.State,
		PendingHumanInput: s.PendingHumanInput,
		HumanRounds:       s.HumanRounds,
		Sources:           snap.Sources(),
		Unavailable:       snap.Unavailable(),
		Notes:             s.Notes,
		Transitions:       len(s.Transitions),
		Application:       s.Application,
	}
	if out.Sources == nil {
		out.Sources = []string{}
	}
	if out.Unavailable == nil {
		out.Unavailable = []string{}
	}
	if s.Decision != nil {
		out.Outcome = s.Decision.Outcome
	}
	return capability.ToPayload(out)
}

func (a *Agent) addNote(ctx context.Context, payload map[string]any) (map[string]any, error) {
	var in noteInput
	if err := capability.Bind(payload, &in); err != nil {
		return nil, err
	}
	n, err := a.engine.AddNote(ctx, in.SessionID, in.Author, in.Text)
	if err != nil {
		return nil, err
	}
	return capability.ToPayload(n)
}

func (a *Agent) listReports(ctx context.Context, payload map[string]any) (map[string]any, error) {
	var in listInput
	if err := capability.Bind(payload, &in); err != nil {
		return nil, err
	}
	reports, err := a.engine.Reports(ctx, in.Limit)
	if err != nil {
		return nil, err
	}
	if reports == nil {
		reports = []core.Report{}
	}
	return capability.ToPayload(struct {
		Reports []core.Report `json:"reports"`
	}{reports})
}
