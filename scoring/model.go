package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/loanmesh/core"
	"github.com/hupe1980/loanmesh/internal/util"
	"github.com/hupe1980/loanmesh/logging"
	"github.com/hupe1980/loanmesh/model"
)

const defaultInstructions = `You are a senior loan underwriter making final decisions. Based on the application and the evidence:
1. Calculate a risk score from 0 (lowest risk) to 100 (highest risk)
2. Make a decision: APPROVED, APPROVED_WITH_CONDITIONS, REJECTED or MANUAL_REVIEW
3. Provide clear reasoning
4. List any conditions
Answer with a single JSON object with the keys risk_score, decision, reasoning and conditions.`

const defaultTemplate = `APPLICATION:
{{json .Application}}

EVIDENCE:
{{range .Evidence}}- {{.Source}}{{if .Available}}: {{json .Data}}{{else}}: unavailable ({{.Reason}}){{end}}
{{end}}`

// ModelOptions configures a ModelScorer.
type ModelOptions struct {
	Logger       logging.Logger
	Instructions string
	// Template renders the prompt from Application and Evidence.
	Template string
}

// ModelScorer asks a language model for a verdict. Replies that are not a
// JSON verdict with a known decision are reported as errors, so the caller
// falls back to referral.
type ModelScorer struct {
	model model.Model
	opts  ModelOptions
}

var _ core.Scorer = (*ModelScorer)(nil)

// NewModelScorer returns a scorer backed by m.
func NewModelScorer(m model.Model, optFns ...func(o *ModelOptions)) *ModelScorer {
	opts := ModelOptions{
		Logger:       logging.NoOpLogger{},
		Instructions: defaultInstructions,
		Template:     defaultTemplate,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &ModelScorer{model: m, opts: opts}
}

type modelVerdict struct {
	RiskScore  *float64 `json:"risk_score"`
	Decision   string   `json:"decision"`
	Reasoning  string   `json:"reasoning"`
	Conditions []string `json:"conditions"`
}

// Evaluate implements core.Scorer.
func (s *ModelScorer) Evaluate(ctx context.Context, snap core.EvidenceSnapshot) (core.Verdict, error) {
	prompt, err := util.RenderTemplate(s.opts.Template, map[string]any{
		"Application": snap.Application,
		"Evidence":    snap.Authoritative(),
	})
	if err != nil {
		return core.Verdict{}, fmt.Errorf("render scoring prompt: %w", err)
	}

	start := time.Now()
	resp, err := model.Collect(ctx, s.model, model.Request{Instructions: s.opts.Instructions, Prompt: prompt})
	if err != nil {
		s.opts.Logger.Error("scoring.model.failed", "model", s.model.Info().Name, "duration", time.Since(start), "error", err.Error())
		return core.Verdict{}, fmt.Errorf("model scorer: %w", err)
	}
	s.opts.Logger.Debug("scoring.model.ok", "model", s.model.Info().Name, "duration", time.Since(start))

	return ParseVerdict(resp.Text)
}

// ParseVerdict extracts a verdict from a model reply. The JSON object may be
// surrounded by prose or a code fence.
func ParseVerdict(text string) (core.Verdict, error) {
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return core.Verdict{}, fmt.Errorf("model reply carries no JSON verdict")
	}

	var mv modelVerdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &mv); err != nil {
		return core.Verdict{}, fmt.Errorf("decode model verdict: %w", err)
	}

	outcome, err := mapDecision(mv.Decision)
	if err != nil {
		return core.Verdict{}, err
	}

	v := core.Verdict{
		Outcome:    outcome,
		Rationale:  strings.TrimSpace(mv.Reasoning),
		Conditions: mv.Conditions,
		RiskScore:  50,
	}
	if mv.RiskScore != nil {
		if *mv.RiskScore < 0 || *mv.RiskScore > 100 {
			return core.Verdict{}, fmt.Errorf("risk score %v out of range", *mv.RiskScore)
		}
		v.RiskScore = *mv.RiskScore
	}
	return v, nil
}

func mapDecision(d string) (core.Outcome, error) {
	switch strings.ToUpper(strings.TrimSpace(d)) {
	case "APPROVED", "APPROVE", "APPROVED_WITH_CONDITIONS":
		return core.OutcomeApprove, nil
	case "REJECTED", "REJECT", "DECLINED", "DECLINE":
		return core.OutcomeDecline, nil
	case "MANUAL_REVIEW", "REFER", "REFERRED":
		return core.OutcomeRefer, nil
	}
	return "", fmt.Errorf("unknown decision %q", d)
}
