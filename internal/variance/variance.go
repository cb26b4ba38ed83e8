// Package variance compares counted stock against expected stock and declared
// cash against expected cash.
package variance

import (
	"github.com/shopspring/decimal"

	"dukapos/internal/domain"
)

// Classify maps a signed item variance to its bucket.
func Classify(v int) string {
	switch {
	case v == 0:
		return domain.VariancePerfect
	case v > 0:
		return domain.VarianceOverCount
	default:
		return domain.VarianceUnderCount
	}
}

// Lines builds report lines from stock takes in their given order.
func Lines(takes []domain.StockTake) []domain.VarianceLine {
	lines := make([]domain.VarianceLine, 0, len(takes))
	for _, take := range takes {
		v := take.CountedQty - take.ExpectedQty
		lines = append(lines, domain.VarianceLine{
			StockTakeID:    take.ID,
			ItemID:         take.ItemID,
			ExpectedQty:    take.ExpectedQty,
			CountedQty:     take.CountedQty,
			Variance:       v,
			Classification: Classify(v),
		})
	}
	return lines
}

// Summarize aggregates report lines. The max entry is the first line with the
// greatest absolute variance and keeps its sign.
func Summarize(lines []domain.VarianceLine) domain.VarianceSummary {
	summary := domain.VarianceSummary{TotalItems: len(lines)}
	if len(lines) == 0 {
		return summary
	}

	sum := 0
	maxAbs := -1
	for _, line := range lines {
		v := line.CountedQty - line.ExpectedQty
		switch Classify(v) {
		case domain.VariancePerfect:
			summary.PerfectMatches++
		case domain.VarianceOverCount:
			summary.OverCounts++
		default:
			summary.UnderCounts++
		}
		sum += v
		abs := absInt(v)
		summary.TotalAbsoluteVariance += abs
		if abs > maxAbs {
			maxAbs = abs
			summary.MaxVariance = v
			summary.MaxVarianceItemID = line.ItemID
		}
	}
	summary.AverageVariance = float64(sum) / float64(len(lines))
	return summary
}

// Report builds the full variance report for a shift.
func Report(shiftID string, takes []domain.StockTake) domain.VarianceReport {
	lines := Lines(takes)
	return domain.VarianceReport{
		ShiftID: shiftID,
		Items:   lines,
		Summary: Summarize(lines),
	}
}

var (
	hundred           = decimal.NewFromInt(100)
	warningThreshold  = decimal.NewFromInt(1)
	criticalThreshold = decimal.NewFromInt(5)
)

// Cash compares a declared amount with the expected one. Percent is relative to
// the expected amount and is zero when nothing was expected.
func Cash(expected decimal.Decimal, declared decimal.Decimal) domain.CashVariance {
	diff := declared.Sub(expected)
	pct := decimal.Zero
	if !expected.IsZero() {
		pct = diff.Div(expected).Mul(hundred).Round(2)
	} else if !diff.IsZero() {
		pct = hundred
	}
	return domain.CashVariance{
		Expected:       expected,
		Declared:       declared,
		Difference:     diff,
		Percent:        pct,
		Classification: classifyCash(pct),
	}
}

// normal: |pct| <= 1, warning: <= 5, critical: > 5
func classifyCash(pct decimal.Decimal) string {
	abs := pct.Abs()
	switch {
	case abs.LessThanOrEqual(warningThreshold):
		return domain.CashVarianceNormal
	case abs.LessThanOrEqual(criticalThreshold):
		return domain.CashVarianceWarning
	default:
		return domain.CashVarianceCritical
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
