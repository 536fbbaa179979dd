package datafetcher

import (
	"context"
	"math"
	"sort"

	"github.com/hupe1980/loanmesh/core"
)

// Trends reported for revenue and expenses across periods.
const (
	TrendIncreasing   = "increasing"
	TrendDecreasing   = "decreasing"
	TrendStable       = "stable"
	TrendInsufficient = "insufficient_data"
)

// Flags raised by the ratio analyzer.
const (
	FlagMissingRevenue    = "missing_revenue"
	FlagNegativeIncome    = "negative_net_income"
	FlagHighExpenseRatio  = "high_expense_ratio"
	FlagHighDebtToIncome  = "high_debt_to_income"
	FlagHighLeverage      = "high_leverage"
	FlagThinBalance       = "thin_balance_coverage"
	FlagDecliningRevenue  = "declining_revenue"
	FlagIncreasingExpense = "increasing_expenses"
)

// AnalyzerOptions holds the thresholds of the ratio analyzer.
type AnalyzerOptions struct {
	MaxExpenseRatio    float64
	MaxDebtToIncome    float64
	MaxDebtToAssets    float64
	MinBalanceCoverage float64
	// StableBand is the relative change still reported as stable.
	StableBand float64
}

// RatioAnalyzer derives ratios, trends and warning flags from a record
// without calling out to anything.
type RatioAnalyzer struct {
	opts AnalyzerOptions
}

var _ core.FinancialAnalyzer = (*RatioAnalyzer)(nil)

// NewRatioAnalyzer returns a RatioAnalyzer.
func NewRatioAnalyzer(optFns ...func(o *AnalyzerOptions)) *RatioAnalyzer {
	opts := AnalyzerOptions{
		MaxExpenseRatio:    0.9,
		MaxDebtToIncome:    0.4,
		MaxDebtToAssets:    0.7,
		MinBalanceCoverage: 1.5,
		StableBand:         0.05,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &RatioAnalyzer{opts: opts}
}

// Analyze implements core.FinancialAnalyzer. Ratios whose denominator is
// missing are omitted rather than reported as zero.
func (a *RatioAnalyzer) Analyze(ctx context.Context, r core.FinancialRecord) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := map[string]any{"applicant_ref": r.ApplicantRef}
	flags := []string{}

	netIncome := r.NetIncome
	if netIncome == 0 && r.AnnualRevenue > 0 && r.AnnualExpenses > 0 {
		netIncome = r.AnnualRevenue - r.AnnualExpenses
	}
	out["net_income"] = round(netIncome)

	if r.AnnualRevenue > 0 {
		out["profit_margin"] = round(netIncome / r.AnnualRevenue)
		expenseRatio := r.AnnualExpenses / r.AnnualRevenue
		out["expense_ratio"] = round(expenseRatio)
		if expenseRatio > a.opts.MaxExpenseRatio {
			flags = append(flags, FlagHighExpenseRatio)
		}
		if r.MonthlyDebtPayments > 0 {
			dti := r.MonthlyDebtPayments * 12 / r.AnnualRevenue
			out["debt_to_income"] = round(dti)
			if dti > a.opts.MaxDebtToIncome {
				flags = append(flags, FlagHighDebtToIncome)
			}
		}
	} else {
		flags = append(flags, FlagMissingRevenue)
	}

	if netIncome < 0 {
		flags = append(flags, FlagNegativeIncome)
	}

	if r.TotalAssets > 0 {
		dta := r.TotalLiabilities / r.TotalAssets
		out["debt_to_assets"] = round(dta)
		if dta > a.opts.MaxDebtToAssets {
			flags = append(flags, FlagHighLeverage)
		}
	}

	if r.MonthlyDebtPayments > 0 && r.AverageMonthlyBalance > 0 {
		coverage := r.AverageMonthlyBalance / r.MonthlyDebtPayments
		out["balance_coverage"] = round(coverage)
		if coverage < a.opts.MinBalanceCoverage {
			flags = append(flags, FlagThinBalance)
		}
	}

	periods := append([]core.Period(nil), r.Periods...)
	sort.SliceStable(periods, func(i, j int) bool { return periods[i].Label < periods[j].Label })
	out["periods"] = len(periods)

	revenueTrend, growth := a.trend(periods, func(p core.Period) float64 { return p.Revenue })
	expenseTrend, _ := a.trend(periods, func(p core.Period) float64 { return p.Expenses })
	out["revenue_trend"] = revenueTrend
	out["expense_trend"] = expenseTrend
	if revenueTrend != TrendInsufficient {
		out["revenue_growth"] = round(growth)
	}
	if revenueTrend == TrendDecreasing {
		flags = append(flags, FlagDecliningRevenue)
	}
	if expenseTrend == TrendIncreasing && revenueTrend != TrendIncreasing {
		flags = append(flags, FlagIncreasingExpense)
	}

	out["flags"] = flags
	return out, nil
}

func (a *RatioAnalyzer) trend(periods []core.Period, value func(core.Period) float64) (string, float64) {
	if len(periods) < 2 {
		return TrendInsufficient, 0
	}
	first, last := value(periods[0]), value(periods[len(periods)-1])
	if first <= 0 {
		return TrendInsufficient, 0
	}
	change := (last - first) / first
	switch {
	case change > a.opts.StableBand:
		return TrendIncreasing, change
	case change < -a.opts.StableBand:
		return TrendDecreasing, change
	default:
		return TrendStable, change
	}
}

func round(v float64) float64 {
	return math.Round(v*10000) / 10000
}
