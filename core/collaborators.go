package core

import "context"

// Period is one reporting period inside a financial record.
type Period struct {
	Label    string  `json:"label"`
	Revenue  float64 `json:"revenue"`
	Expenses float64 `json:"expenses"`
}

// FinancialRecord is the structured view of an applicant's documents.
type FinancialRecord struct {
	ApplicantRef          string         `json:"applicant_ref"`
	ApplicantName         string         `json:"applicant_name,omitempty"`
	BusinessName          string         `json:"business_name,omitempty"`
	Documents             []string       `json:"documents"`
	AnnualRevenue         float64        `json:"annual_revenue"`
	AnnualExpenses        float64        `json:"annual_expenses"`
	NetIncome             float64        `json:"net_income"`
	TotalAssets           float64        `json:"total_assets,omitempty"`
	TotalLiabilities      float64        `json:"total_liabilities,omitempty"`
	MonthlyDebtPayments   float64        `json:"monthly_debt_payments,omitempty"`
	AverageMonthlyBalance float64        `json:"average_monthly_balance,omitempty"`
	Periods               []Period       `json:"periods,omitempty"`
	Raw                   map[string]any `json:"raw,omitempty"`
}

// SearchResult is one hit returned by a business search collaborator.
type SearchResult struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
	Source  string `json:"source,omitempty"`
}

// Verdict is what a scorer returns for an evidence snapshot.
type Verdict struct {
	Outcome    Outcome  `json:"outcome"`
	Rationale  string   `json:"rationale"`
	RiskScore  float64  `json:"risk_score,omitempty"`
	Conditions []string `json:"conditions,omitempty"`
}

// DocumentStore is the applicant document / financial data source.
// Get fails with an error wrapping ErrNotFound for unknown applicants.
type DocumentStore interface {
	Get(ctx context.Context, applicantRef string) (*FinancialRecord, error)
	List(ctx context.Context, applicantRef string) ([]string, error)
}

// BusinessSearch looks businesses up. An empty result is not an error.
type BusinessSearch interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// FinancialAnalyzer derives metrics (ratios, trends) from a record.
type FinancialAnalyzer interface {
	Analyze(ctx context.Context, record FinancialRecord) (map[string]any, error)
}

// Scorer turns evidence into a verdict. It may fail with an error wrapping
// ErrServiceUnavailable.
type Scorer interface {
	Evaluate(ctx context.Context, snapshot EvidenceSnapshot) (Verdict, error)
}

// HumanChannel surfaces a question to a human reviewer. It only notifies;
// the answer is delivered back to the engine asynchronously.
type HumanChannel interface {
	Prompt(ctx context.Context, sessionID, text string) error
}
