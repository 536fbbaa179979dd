package datafetcher

import (
	"context"
	"testing"

	"github.com/hupe1980/loanmesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRatioAnalyzer_Analyze(t *testing.T) {
	a := NewRatioAnalyzer()

	tests := []struct {
		name   string
		record core.FinancialRecord
		check  func(t *testing.T, out map[string]any)
	}{
		{
			name: "healthy growing business",
			record: core.FinancialRecord{
				AnnualRevenue:         1_000_000,
				AnnualExpenses:        700_000,
				NetIncome:             300_000,
				TotalAssets:           2_000_000,
				TotalLiabilities:      500_000,
				MonthlyDebtPayments:   10_000,
				AverageMonthlyBalance: 40_000,
				Periods: []core.Period{
					{Label: "2024", Revenue: 1_000_000, Expenses: 700_000},
					{Label: "2022", Revenue: 800_000, Expenses: 690_000},
				},
			},
			check: func(t *testing.T, out map[string]any) {
				assert.Equal(t, 0.3, out["profit_margin"])
				assert.Equal(t, 0.7, out["expense_ratio"])
				assert.Equal(t, 0.12, out["debt_to_income"])
				assert.Equal(t, 0.25, out["debt_to_assets"])
				assert.Equal(t, 4.0, out["balance_coverage"])
				assert.Equal(t, 0.25, out["revenue_growth"])
				assert.Equal(t, TrendIncreasing, out["revenue_trend"])
				assert.Equal(t, TrendStable, out["expense_trend"])
				assert.Equal(t, 2, out["periods"])
				assert.Empty(t, out["flags"])
			},
		},
		{
			name: "distressed business",
			record: core.FinancialRecord{
				AnnualRevenue:         500_000,
				AnnualExpenses:        550_000,
				TotalAssets:           100_000,
				TotalLiabilities:      90_000,
				MonthlyDebtPayments:   20_000,
				AverageMonthlyBalance: 10_000,
				Periods: []core.Period{
					{Label: "2023", Revenue: 700_000, Expenses: 400_000},
					{Label: "2024", Revenue: 500_000, Expenses: 550_000},
				},
			},
			check: func(t *testing.T, out map[string]any) {
				assert.Equal(t, -50_000.0, out["net_income"])
				assert.Equal(t, TrendDecreasing, out["revenue_trend"])
				assert.ElementsMatch(t, []string{
					FlagHighExpenseRatio, FlagHighDebtToIncome, FlagNegativeIncome,
					FlagHighLeverage, FlagThinBalance, FlagDecliningRevenue, FlagIncreasingExpense,
				}, out["flags"])
			},
		},
		{
			name:   "empty record",
			record: core.FinancialRecord{ApplicantRef: "A-1"},
			check: func(t *testing.T, out map[string]any) {
				assert.NotContains(t, out, "profit_margin")
				assert.NotContains(t, out, "revenue_growth")
				assert.Equal(t, TrendInsufficient, out["revenue_trend"])
				assert.Equal(t, []string{FlagMissingRevenue}, out["flags"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := a.Analyze(context.Background(), tt.record)
			require.NoError(t, err)
			tt.check(t, out)
		})
	}
}

func TestRatioAnalyzer_Thresholds(t *testing.T) {
	a := NewRatioAnalyzer(func(o *AnalyzerOptions) { o.MaxExpenseRatio = 0.5 })
	out, err := a.Analyze(context.Background(), core.FinancialRecord{AnnualRevenue: 100, AnnualExpenses: 60})
	require.NoError(t, err)
	assert.Contains(t, out["flags"], FlagHighExpenseRatio)
}

func TestRatioAnalyzer_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRatioAnalyzer().Analyze(ctx, core.FinancialRecord{})
	assert.ErrorIs(t, err, context.Canceled)
}
