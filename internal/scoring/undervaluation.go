package scoring

import (
	"time"

	"github.com/shopspring/decimal"
)

// Component names shared between the scorer and the persisted record.
const (
	ComponentValuation     = "valuation"
	ComponentProfitability = "profitability"
	ComponentStrength      = "financial_strength"
	ComponentCashFlow      = "cash_flow"
)

// Undervaluation component weights: valuation 40%, profitability 30%,
// financial strength 20%, cash flow 10%.
var undervaluationWeights = map[string]decimal.Decimal{
	ComponentValuation:     decimal.NewFromFloat(0.40),
	ComponentProfitability: decimal.NewFromFloat(0.30),
	ComponentStrength:      decimal.NewFromFloat(0.20),
	ComponentCashFlow:      decimal.NewFromFloat(0.10),
}

// Absolute fallback thresholds, used when sector averages are missing.
// Lower valuation ratios score higher, so those bounds are inverse.
var (
	peAbsolute        = Bounds{Floor: decimal.NewFromInt(5), Ceiling: decimal.NewFromInt(30), Inverse: true}
	pbAbsolute        = Bounds{Floor: decimal.NewFromFloat(0.5), Ceiling: decimal.NewFromInt(3), Inverse: true}
	psAbsolute        = Bounds{Floor: decimal.NewFromFloat(0.5), Ceiling: decimal.NewFromInt(5), Inverse: true}
	sectorRelative    = Bounds{Floor: decimal.NewFromFloat(0.5), Ceiling: decimal.NewFromFloat(1.5), Inverse: true}
	roeBounds         = Bounds{Floor: decimal.Zero, Ceiling: decimal.NewFromFloat(0.25)}
	roaBounds         = Bounds{Floor: decimal.Zero, Ceiling: decimal.NewFromFloat(0.10)}
	netMarginBounds   = Bounds{Floor: decimal.Zero, Ceiling: decimal.NewFromFloat(0.20)}
	debtEquityBounds  = Bounds{Floor: decimal.Zero, Ceiling: decimal.NewFromInt(2), Inverse: true}
	currentRatioBound = Bounds{Floor: decimal.NewFromFloat(0.5), Ceiling: decimal.NewFromFloat(2.5)}
	fcfYieldBounds    = Bounds{Floor: decimal.Zero, Ceiling: decimal.NewFromFloat(0.10)}
)

// FundamentalInputs carries the latest persisted fundamentals for one
// symbol. Pointer fields are nil when the value was never reported.
type FundamentalInputs struct {
	Symbol            string
	Price             decimal.Decimal
	MarketCap         decimal.Decimal
	SharesOutstanding int64

	EPS                *decimal.Decimal
	Revenue            *decimal.Decimal
	NetIncome          *decimal.Decimal
	TotalAssets        *decimal.Decimal
	TotalEquity        *decimal.Decimal
	TotalDebt          *decimal.Decimal
	CurrentAssets      *decimal.Decimal
	CurrentLiabilities *decimal.Decimal
	FreeCashFlow       *decimal.Decimal
}

// SectorAverages are sector-level valuation ratios. Nil fields fall back to
// the absolute thresholds.
type SectorAverages struct {
	PE *decimal.Decimal
	PB *decimal.Decimal
	PS *decimal.Decimal
}

// ScoreUndervaluation computes the undervaluation score for one symbol.
// It is a pure function: same inputs, same result.
func ScoreUndervaluation(in FundamentalInputs, sector SectorAverages, now time.Time) ScoreResult {
	result := ScoreResult{
		Symbol:          in.Symbol,
		ComponentScores: make(map[string]decimal.Decimal),
		CalculatedAt:    now,
	}

	flags := &result.Flags

	if score, ok := componentScore(valuationMetrics(in, sector, flags)); ok {
		result.ComponentScores[ComponentValuation] = score
	}
	if score, ok := componentScore(profitabilityMetrics(in, flags)); ok {
		result.ComponentScores[ComponentProfitability] = score
	}
	if score, ok := componentScore(strengthMetrics(in, flags)); ok {
		result.ComponentScores[ComponentStrength] = score
	}
	if score, ok := componentScore(cashFlowMetrics(in, flags)); ok {
		result.ComponentScores[ComponentCashFlow] = score
	}

	result.DataQuality = qualityFromComponents(len(result.ComponentScores))
	result.CompositeScore = weightedComposite(result.ComponentScores, undervaluationWeights)
	return result
}

func valuationMetrics(in FundamentalInputs, sector SectorAverages, flags *[]string) []metric {
	metrics := make([]metric, 0, 3)

	if in.EPS != nil {
		if ratio, ok := safeRatio(in.Price, *in.EPS, "non_positive_eps", in.Symbol, flags); ok {
			metrics = append(metrics, metric{"pe", relativeOrAbsolute(ratio, sector.PE, peAbsolute, flags)})
		} else {
			metrics = append(metrics, metric{"pe", decimal.Zero})
		}
	}

	if in.TotalEquity != nil && in.SharesOutstanding > 0 {
		bookPerShare := in.TotalEquity.Div(decimal.NewFromInt(in.SharesOutstanding))
		if ratio, ok := safeRatio(in.Price, bookPerShare, "non_positive_book_value", in.Symbol, flags); ok {
			metrics = append(metrics, metric{"pb", relativeOrAbsolute(ratio, sector.PB, pbAbsolute, flags)})
		} else {
			metrics = append(metrics, metric{"pb", decimal.Zero})
		}
	}

	if in.Revenue != nil && !in.MarketCap.IsZero() {
		if ratio, ok := safeRatio(in.MarketCap, *in.Revenue, "non_positive_revenue", in.Symbol, flags); ok {
			metrics = append(metrics, metric{"ps", relativeOrAbsolute(ratio, sector.PS, psAbsolute, flags)})
		} else {
			metrics = append(metrics, metric{"ps", decimal.Zero})
		}
	}

	return metrics
}

func profitabilityMetrics(in FundamentalInputs, flags *[]string) []metric {
	metrics := make([]metric, 0, 3)

	if in.NetIncome != nil && in.TotalEquity != nil {
		if ratio, ok := safeRatio(*in.NetIncome, *in.TotalEquity, "non_positive_equity", in.Symbol, flags); ok {
			metrics = append(metrics, metric{"roe", roeBounds.Score(ratio)})
		} else {
			metrics = append(metrics, metric{"roe", decimal.Zero})
		}
	}

	if in.NetIncome != nil && in.TotalAssets != nil {
		if ratio, ok := safeRatio(*in.NetIncome, *in.TotalAssets, "non_positive_assets", in.Symbol, flags); ok {
			metrics = append(metrics, metric{"roa", roaBounds.Score(ratio)})
		} else {
			metrics = append(metrics, metric{"roa", decimal.Zero})
		}
	}

	if in.NetIncome != nil && in.Revenue != nil {
		if ratio, ok := safeRatio(*in.NetIncome, *in.Revenue, "non_positive_revenue", in.Symbol, flags); ok {
			metrics = append(metrics, metric{"net_margin", netMarginBounds.Score(ratio)})
		} else {
			metrics = append(metrics, metric{"net_margin", decimal.Zero})
		}
	}

	return metrics
}

func strengthMetrics(in FundamentalInputs, flags *[]string) []metric {
	metrics := make([]metric, 0, 2)

	if in.TotalDebt != nil && in.TotalEquity != nil {
		if ratio, ok := safeRatio(*in.TotalDebt, *in.TotalEquity, "non_positive_equity", in.Symbol, flags); ok {
			metrics = append(metrics, metric{"debt_to_equity", debtEquityBounds.Score(ratio)})
		} else {
			metrics = append(metrics, metric{"debt_to_equity", decimal.Zero})
		}
	}

	if in.CurrentAssets != nil && in.CurrentLiabilities != nil {
		if ratio, ok := safeRatio(*in.CurrentAssets, *in.CurrentLiabilities, "non_positive_liabilities", in.Symbol, flags); ok {
			metrics = append(metrics, metric{"current_ratio", currentRatioBound.Score(ratio)})
		} else {
			metrics = append(metrics, metric{"current_ratio", decimal.Zero})
		}
	}

	return metrics
}

func cashFlowMetrics(in FundamentalInputs, flags *[]string) []metric {
	if in.FreeCashFlow == nil {
		return nil
	}
	if ratio, ok := safeRatio(*in.FreeCashFlow, in.MarketCap, "non_positive_market_cap", in.Symbol, flags); ok {
		return []metric{{"fcf_yield", fcfYieldBounds.Score(ratio)}}
	}
	return []metric{{"fcf_yield", decimal.Zero}}
}

// safeRatio divides num by den. A zero or negative denominator yields
// ok=false and records a diagnostic flag; callers score the metric 0.
func safeRatio(num, den decimal.Decimal, flag, symbol string, flags *[]string) (decimal.Decimal, bool) {
	if den.LessThanOrEqual(decimal.Zero) {
		*flags = append(*flags, flag)
		return decimal.Zero, false
	}
	return num.Div(den), true
}

// relativeOrAbsolute scores a valuation ratio against the sector average
// when one is available, otherwise against the absolute thresholds.
func relativeOrAbsolute(ratio decimal.Decimal, sectorAvg *decimal.Decimal, absolute Bounds, flags *[]string) decimal.Decimal {
	if sectorAvg != nil && sectorAvg.GreaterThan(decimal.Zero) {
		return sectorRelative.Score(ratio.Div(*sectorAvg))
	}
	return absolute.Score(ratio)
}
