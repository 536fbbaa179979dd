package underwriter

import (
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/loanmesh/core"
	"github.com/hupe1980/loanmesh/datafetcher"
	"github.com/hupe1980/loanmesh/scoring"
)

// GatherMode selects how the steps of one dependency wave are issued.
type GatherMode int

const (
	// Sequential issues one call at a time in step order.
	Sequential GatherMode = iota
	// Concurrent issues all calls of a wave at once. Results are still
	// appended in step order.
	Concurrent
)

func (m GatherMode) String() string {
	if m == Concurrent {
		return "concurrent"
	}
	return "sequential"
}

// PayloadFunc builds the request payload of a step from the application and
// the authoritative evidence of its dependencies. Returning false skips the
// step for this round without recording evidence.
type PayloadFunc func(app core.Application, deps map[string]core.EvidenceItem) (map[string]any, bool)

// Step is one capability call of the gathering phase.
type Step struct {
	// Source tags the evidence the step produces. Defaults to Capability.
	Source     string
	Recipient  string
	Capability string
	// DependsOn lists sources whose available evidence the step needs.
	DependsOn []string
	// Timeout overrides Policy.CallTimeout.
	Timeout time.Duration
	Payload PayloadFunc
}

func (s Step) source() string {
	if s.Source != "" {
		return s.Source
	}
	return s.Capability
}

// CompletenessFunc decides whether the evidence suffices for a decision. When
// it does not, the returned text says what is missing and becomes the prompt
// for the human reviewer.
type CompletenessFunc func(snap core.EvidenceSnapshot) (bool, string)

// Policy drives the gathering phase of every session.
type Policy struct {
	Steps       []Step
	Mode        GatherMode
	CallTimeout time.Duration
	Complete    CompletenessFunc
	// MaxHumanRounds bounds how often a session suspends for human input.
	MaxHumanRounds int
	// SessionDeadline bounds the whole workflow, measured from creation. An
	// expired session is decided on the evidence at hand. Zero disables it.
	SessionDeadline time.Duration
}

// DefaultPolicy gathers from the DataFetcher named recipient: the financial
// record, a business search when a name is known, and the analysis of the
// fetched record.
func DefaultPolicy(recipient string) *Policy {
	docs := scoring.DefaultPolicy()
	return &Policy{
		Steps: []Step{
			{
				Recipient:  recipient,
				Capability: datafetcher.CapFetchFinancialData,
				Payload: func(app core.Application, _ map[string]core.EvidenceItem) (map[string]any, bool) {
					return map[string]any{"applicant_ref": app.ApplicantRef}, true
				},
			},
			{
				Recipient:  recipient,
				Capability: datafetcher.CapSearchBusinessInfo,
				Payload: func(app core.Application, _ map[string]core.EvidenceItem) (map[string]any, bool) {
					name := app.BusinessName
					if name == "" {
						name = app.ApplicantName
					}
					if strings.TrimSpace(name) == "" {
						return nil, false
					}
					return map[string]any{"business_name": name, "search_type": "general"}, true
				},
			},
			{
				Recipient:  recipient,
				Capability: datafetcher.CapFinancialAnalysis,
				DependsOn:  []string{datafetcher.CapFetchFinancialData},
				Payload: func(_ core.Application, deps map[string]core.EvidenceItem) (map[string]any, bool) {
					return map[string]any{"record": core.CloneMap(deps[datafetcher.CapFetchFinancialData].Data)}, true
				},
			},
		},
		Mode:           Sequential,
		CallTimeout:    30 * time.Second,
		Complete:       RequireDocuments(docs.RequiredDocuments, datafetcher.CapFetchFinancialData, datafetcher.CapFinancialAnalysis),
		MaxHumanRounds: 2,
	}
}

// RequireDocuments returns a completeness predicate that needs every source
// available and the fetched record to list the documents required for the
// loan amount.
func RequireDocuments(required func(amount float64) []string, sources ...string) CompletenessFunc {
	return func(snap core.EvidenceSnapshot) (bool, string) {
		var missing []string
		for _, src := range sources {
			if it, ok := snap.Latest(src); !ok || !it.Available {
				missing = append(missing, src)
			}
		}

		var docs []string
		if rec, ok := snap.Latest(datafetcher.CapFetchFinancialData); ok && rec.Available && required != nil {
			have := map[string]bool{}
			if list, ok := rec.Data["documents"].([]any); ok {
				for _, d := range list {
					if s, ok := d.(string); ok {
						have[s] = true
					}
				}
			}
			for _, d := range required(snap.Application.LoanAmount) {
				if !have[d] {
					docs = append(docs, d)
				}
			}
		}

		if len(missing) == 0 && len(docs) == 0 {
			return true, ""
		}
		var parts []string
		if len(missing) > 0 {
			parts = append(parts, "unavailable sources: "+strings.Join(missing, ", "))
		}
		if len(docs) > 0 {
			parts = append(parts, "missing documents: "+strings.Join(docs, ", "))
		}
		return false, strings.Join(parts, "; ")
	}
}

// Validate checks step sources and dependencies.
func (p *Policy) Validate() error {
	if p.MaxHumanRounds < 0 {
		return fmt.Errorf("policy: max human rounds must not be negative")
	}
	_, err := p.waves()
	return err
}

// waves groups step indexes into dependency layers; every step only depends
// on steps of earlier layers.
func (p *Policy) waves() ([][]int, error) {
	index := map[string]int{}
	for i, s := range p.Steps {
		if s.Capability == "" || s.Recipient == "" {
			return nil, fmt.Errorf("policy: step %d needs recipient and capability", i)
		}
		if s.Payload == nil {
			return nil, fmt.Errorf("policy: step %s has no payload builder", s.source())
		}
		if _, dup := index[s.source()]; dup {
			return nil, fmt.Errorf("policy: duplicate step source %s", s.source())
		}
		index[s.source()] = i
	}
	for _, s := range p.Steps {
		for _, d := range s.DependsOn {
			if _, ok := index[d]; !ok {
				return nil, fmt.Errorf("policy: step %s depends on unknown source %s", s.source(), d)
			}
		}
	}

	level := make([]int, len(p.Steps))
	done := make([]bool, len(p.Steps))
	placed := 0
	for placed < len(p.Steps) {
		progress := false
		for i, s := range p.Steps {
			if done[i] {
				continue
			}
			ready, lvl := true, 0
			for _, d := range s.DependsOn {
				j := index[d]
				if !done[j] {
					ready = false
					break
				}
				if level[j]+1 > lvl {
					lvl = level[j] + 1
				}
			}
			if ready {
				level[i], done[i] = lvl, true
				placed++
				progress = true
			}
		}
		if !progress {
			return nil, fmt.Errorf("policy: dependency cycle between steps")
		}
	}

	var out [][]int
	for i := range p.Steps {
		for len(out) <= level[i] {
			out = append(out, nil)
		}
		out[level[i]] = append(out[level[i]], i)
	}
	return out, nil
}
