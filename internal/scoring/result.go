package scoring

import (
	"time"

	"github.com/shopspring/decimal"
)

// DataQuality summarises how many scoring components had usable inputs.
type DataQuality string

const (
	QualityHigh         DataQuality = "high"
	QualityMedium       DataQuality = "medium"
	QualityLow          DataQuality = "low"
	QualityInsufficient DataQuality = "insufficient"
)

// ScoreResult is the output of either scoring engine. CompositeScore is nil
// when quality is insufficient: "not enough data" is never conflated with a
// low score.
type ScoreResult struct {
	Symbol          string
	ComponentScores map[string]decimal.Decimal
	CompositeScore  *decimal.Decimal
	DataQuality     DataQuality
	Flags           []string
	CalculatedAt    time.Time
}

// qualityFromComponents maps the number of available components (out of
// four) onto the coarse quality label.
func qualityFromComponents(available int) DataQuality {
	switch {
	case available >= 4:
		return QualityHigh
	case available == 3:
		return QualityMedium
	case available >= 1:
		return QualityLow
	default:
		return QualityInsufficient
	}
}

var (
	hundred = decimal.NewFromInt(100)
)

// Bounds is a clamp-and-scale mapping from one raw metric onto 0..100.
// Inverse bounds score the floor at 100 and the ceiling at 0.
type Bounds struct {
	Floor   decimal.Decimal
	Ceiling decimal.Decimal
	Inverse bool
}

// Score maps v linearly between the bounds, clamped outside the range.
func (b Bounds) Score(v decimal.Decimal) decimal.Decimal {
	span := b.Ceiling.Sub(b.Floor)
	if span.IsZero() {
		return decimal.Zero
	}
	scaled := v.Sub(b.Floor).Div(span).Mul(hundred)
	if scaled.IsNegative() {
		scaled = decimal.Zero
	} else if scaled.GreaterThan(hundred) {
		scaled = hundred
	}
	if b.Inverse {
		return hundred.Sub(scaled)
	}
	return scaled
}

// metric is one scored sub-signal inside a component.
type metric struct {
	name  string
	score decimal.Decimal
}

// componentScore averages the sub-scores of one component. ok is false when
// no metric was determinable.
func componentScore(metrics []metric) (decimal.Decimal, bool) {
	if len(metrics) == 0 {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, m := range metrics {
		sum = sum.Add(m.score)
	}
	return sum.Div(decimal.NewFromInt(int64(len(metrics)))), true
}

// weightedComposite combines the available components, renormalising the
// weights over the components that were present.
func weightedComposite(components map[string]decimal.Decimal, weights map[string]decimal.Decimal) *decimal.Decimal {
	totalWeight := decimal.Zero
	weighted := decimal.Zero
	for name, score := range components {
		w, ok := weights[name]
		if !ok {
			continue
		}
		weighted = weighted.Add(score.Mul(w))
		totalWeight = totalWeight.Add(w)
	}
	if totalWeight.IsZero() {
		return nil
	}
	composite := weighted.Div(totalWeight)
	if composite.IsNegative() {
		composite = decimal.Zero
	} else if composite.GreaterThan(hundred) {
		composite = hundred
	}
	return &composite
}
