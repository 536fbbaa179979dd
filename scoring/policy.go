package scoring

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default_policy.yaml
var defaultPolicyYAML []byte

// Policy is the rule set of the RuleScorer.
type Policy struct {
	Name string `yaml:"name"`

	// BaseRisk is the starting risk before any rule fires.
	BaseRisk float64 `yaml:"base_risk"`
	// ApproveMax is the highest risk still approved.
	ApproveMax float64 `yaml:"approve_max"`
	// DeclineMin is the lowest risk that is declined.
	DeclineMin float64 `yaml:"decline_min"`

	// ReferWithout lists sources without which no automatic decision is made.
	ReferWithout []string `yaml:"refer_without"`
	// MissingSourcePenalty is added per unavailable source.
	MissingSourcePenalty float64 `yaml:"missing_source_penalty"`
	// MissingDocumentPenalty is added per required document not on file.
	MissingDocumentPenalty float64 `yaml:"missing_document_penalty"`

	DocumentTiers    []DocumentTier `yaml:"document_tiers"`
	DefaultDocuments []string       `yaml:"default_documents"`

	Rules []Rule `yaml:"rules"`
}

// DocumentTier names the documents required above a loan amount.
type DocumentTier struct {
	Above     float64  `yaml:"above"`
	OrEqual   bool     `yaml:"or_equal"`
	Documents []string `yaml:"documents"`
}

func (t DocumentTier) matches(amount float64) bool {
	return amount > t.Above || (t.OrEqual && amount == t.Above)
}

// Rule adds Weight to the risk when the field of the latest evidence from
// Source satisfies Op against Value. The pseudo source "application" reads
// the loan application itself.
type Rule struct {
	Name      string  `yaml:"name"`
	Source    string  `yaml:"source"`
	Field     string  `yaml:"field"`
	Op        string  `yaml:"op"` // lt, lte, gt, gte, eq, contains
	Value     any     `yaml:"value"`
	Weight    float64 `yaml:"weight"`
	Condition string  `yaml:"condition,omitempty"`
	// Decline makes the rule a knockout.
	Decline bool `yaml:"decline,omitempty"`
}

var validOps = map[string]bool{"lt": true, "lte": true, "gt": true, "gte": true, "eq": true, "contains": true}

// Validate checks the policy for consistency.
func (p *Policy) Validate() error {
	if p.ApproveMax < 0 || p.DeclineMin > 100 || p.ApproveMax >= p.DeclineMin {
		return fmt.Errorf("policy %q: need 0 <= approve_max < decline_min <= 100", p.Name)
	}
	for i, r := range p.Rules {
		if r.Name == "" {
			return fmt.Errorf("policy %q: rule %d has no name", p.Name, i)
		}
		if r.Source == "" || r.Field == "" {
			return fmt.Errorf("policy %q: rule %q needs source and field", p.Name, r.Name)
		}
		if !validOps[r.Op] {
			return fmt.Errorf("policy %q: rule %q has unknown op %q", p.Name, r.Name, r.Op)
		}
	}
	return nil
}

// RequiredDocuments returns the documents required for a loan amount. The
// first matching tier wins.
func (p *Policy) RequiredDocuments(amount float64) []string {
	for _, t := range p.DocumentTiers {
		if t.matches(amount) {
			return append([]string(nil), t.Documents...)
		}
	}
	return append([]string(nil), p.DefaultDocuments...)
}

// ParsePolicy decodes and validates a YAML policy.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPolicy reads a YAML policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(data)
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() *Policy {
	p, err := ParsePolicy(defaultPolicyYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in scoring policy: %v", err))
	}
	return p
}
