package scoring

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/hupe1980/loanmesh/core"
)

// SourceApplication is the pseudo source rules use to read the application.
const SourceApplication = "application"

// SourceFinancialData is the evidence source holding the financial record.
const SourceFinancialData = "fetch_financial_data"

// RuleScorer scores evidence against a declarative Policy. It never calls out
// and only fails on a cancelled context.
type RuleScorer struct {
	policy *Policy
}

var _ core.Scorer = (*RuleScorer)(nil)

// NewRuleScorer returns a scorer for policy; nil selects DefaultPolicy.
func NewRuleScorer(policy *Policy) *RuleScorer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &RuleScorer{policy: policy}
}

// Policy returns the policy in use.
func (s *RuleScorer) Policy() *Policy { return s.policy }

// Evaluate implements core.Scorer.
func (s *RuleScorer) Evaluate(ctx context.Context, snap core.EvidenceSnapshot) (core.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return core.Verdict{}, err
	}
	p := s.policy

	unavailable := snap.Unavailable()
	for _, src := range p.ReferWithout {
		if it, ok := snap.Latest(src); !ok || !it.Available {
			return core.Verdict{
				Outcome:   core.OutcomeRefer,
				RiskScore: 50,
				Rationale: fmt.Sprintf("No automatic decision without %s evidence.", src),
			}, nil
		}
	}

	risk := p.BaseRisk
	var (
		reasons    []string
		conditions []string
		knockout   string
	)

	for _, r := range p.Rules {
		value, ok := lookup(snap, r.Source, r.Field)
		if !ok || !r.matches(value) {
			continue
		}
		risk += r.Weight
		reasons = append(reasons, fmt.Sprintf("%s (%+g)", r.Name, r.Weight))
		if r.Condition != "" {
			conditions = append(conditions, r.Condition)
		}
		if r.Decline && knockout == "" {
			knockout = r.Name
		}
	}

	if n := len(unavailable); n > 0 {
		risk += p.MissingSourcePenalty * float64(n)
		reasons = append(reasons, fmt.Sprintf("%d unavailable source(s) (%+g)", n, p.MissingSourcePenalty*float64(n)))
	}

	missing := s.missingDocuments(snap)
	if n := len(missing); n > 0 {
		risk += p.MissingDocumentPenalty * float64(n)
		reasons = append(reasons, fmt.Sprintf("missing documents %s (%+g)", strings.Join(missing, ", "), p.MissingDocumentPenalty*float64(n)))
		for _, d := range missing {
			conditions = append(conditions, "Submit "+d+" before disbursement")
		}
	}

	risk = math.Max(0, math.Min(100, risk))

	outcome := core.OutcomeRefer
	switch {
	case knockout != "":
		outcome = core.OutcomeDecline
	case risk <= p.ApproveMax:
		outcome = core.OutcomeApprove
	case risk >= p.DeclineMin:
		outcome = core.OutcomeDecline
	}

	rationale := fmt.Sprintf("Risk %.0f/100 under policy %q.", risk, p.Name)
	if knockout != "" {
		rationale += fmt.Sprintf(" Knockout rule %s fired.", knockout)
	}
	if len(reasons) > 0 {
		rationale += " Factors: " + strings.Join(reasons, "; ") + "."
	}

	verdict := core.Verdict{Outcome: outcome, RiskScore: risk, Rationale: rationale}
	if outcome == core.OutcomeApprove {
		verdict.Conditions = conditions
	}
	return verdict, nil
}

func (s *RuleScorer) missingDocuments(snap core.EvidenceSnapshot) []string {
	it, ok := snap.Latest(SourceFinancialData)
	if !ok || !it.Available {
		return nil
	}
	have := map[string]bool{}
	if docs, ok := it.Data["documents"].([]any); ok {
		for _, d := range docs {
			if name, ok := d.(string); ok {
				have[name] = true
			}
		}
	}
	var missing []string
	for _, d := range s.policy.RequiredDocuments(snap.Application.LoanAmount) {
		if !have[d] {
			missing = append(missing, d)
		}
	}
	sort.Strings(missing)
	return missing
}

// lookup reads field from the application or the latest available evidence
// of source.
func lookup(snap core.EvidenceSnapshot, source, field string) (any, bool) {
	if source == SourceApplication {
		v, ok := applicationFields(snap.Application)[field]
		return v, ok
	}
	it, ok := snap.Latest(source)
	if !ok || !it.Available {
		return nil, false
	}
	v, ok := it.Data[field]
	return v, ok
}

// applicationFields exposes every application field to rules, zero values
// included, under its JSON name.
func applicationFields(app core.Application) map[string]any {
	return map[string]any{
		"applicant_ref":     app.ApplicantRef,
		"applicant_name":    app.ApplicantName,
		"business_name":     app.BusinessName,
		"business_type":     app.BusinessType,
		"loan_amount":       app.LoanAmount,
		"loan_purpose":      app.LoanPurpose,
		"years_in_business": app.YearsInBusiness,
		"additional_info":   app.AdditionalInfo,
	}
}

func (r Rule) matches(value any) bool {
	if r.Op == "contains" {
		want := fmt.Sprint(r.Value)
		rv := reflect.ValueOf(value)
		switch rv.Kind() {
		case reflect.Slice, reflect.Array:
			for i := 0; i < rv.Len(); i++ {
				if fmt.Sprint(rv.Index(i).Interface()) == want {
					return true
				}
			}
			return false
		case reflect.String:
			return strings.Contains(rv.String(), want)
		}
		return false
	}

	got, ok := number(value)
	want, okWant := number(r.Value)
	if !ok || !okWant {
		if r.Op == "eq" {
			return fmt.Sprint(value) == fmt.Sprint(r.Value)
		}
		return false
	}
	switch r.Op {
	case "lt":
		return got < want
	case "lte":
		return got <= want
	case "gt":
		return got > want
	case "gte":
		return got >= want
	case "eq":
		return got == want
	}
	return false
}

// number converts numeric values; slices and maps count their length.
func number(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Slice, reflect.Array, reflect.Map:
		return float64(rv.Len()), true
	}
	return 0, false
}
