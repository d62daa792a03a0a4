package scoring

import (
	"time"

	"github.com/shopspring/decimal"

	"equity-scanner/internal/fetcher"
)

// Squeeze component names.
const (
	ComponentShortInterest = "short_interest_pct"
	ComponentDaysToCover   = "days_to_cover"
	ComponentFloat         = "float_size"
	ComponentMomentum      = "momentum"
)

// Squeeze component weights: SI% 40%, days-to-cover 30%, float 15%,
// momentum 15%.
var squeezeWeights = map[string]decimal.Decimal{
	ComponentShortInterest: decimal.NewFromFloat(0.40),
	ComponentDaysToCover:   decimal.NewFromFloat(0.30),
	ComponentFloat:         decimal.NewFromFloat(0.15),
	ComponentMomentum:      decimal.NewFromFloat(0.15),
}

// Threshold pairs per squeeze metric. Float and RSI are inverse scales:
// a small float and an oversold RSI both raise squeeze susceptibility.
var (
	siBounds       = Bounds{Floor: decimal.NewFromInt(10), Ceiling: decimal.NewFromInt(40)}
	dtcBounds      = Bounds{Floor: decimal.NewFromInt(2), Ceiling: decimal.NewFromInt(10)}
	floatBoundsMln = Bounds{Floor: decimal.NewFromInt(10), Ceiling: decimal.NewFromInt(200), Inverse: true}
	rvolBounds     = Bounds{Floor: decimal.NewFromFloat(1.5), Ceiling: decimal.NewFromInt(5)}
	rsiBounds      = Bounds{Floor: decimal.NewFromInt(30), Ceiling: decimal.NewFromInt(70), Inverse: true}
	millionDivisor = decimal.NewFromInt(1_000_000)
)

// SqueezeInputs carries the latest short-interest row plus recent daily
// bars (ascending by date) for the momentum signals.
type SqueezeInputs struct {
	Symbol            string
	ShortPercentFloat *decimal.Decimal
	DaysToCover       *decimal.Decimal
	FloatShares       *int64
	Bars              []fetcher.PriceBar
}

// ScoreSqueeze computes the short-squeeze susceptibility score for one
// symbol. Pure function.
func ScoreSqueeze(in SqueezeInputs, now time.Time) ScoreResult {
	result := ScoreResult{
		Symbol:          in.Symbol,
		ComponentScores: make(map[string]decimal.Decimal),
		CalculatedAt:    now,
	}

	if in.ShortPercentFloat != nil {
		result.ComponentScores[ComponentShortInterest] = siBounds.Score(*in.ShortPercentFloat)
	}
	if in.DaysToCover != nil {
		result.ComponentScores[ComponentDaysToCover] = dtcBounds.Score(*in.DaysToCover)
	}
	if in.FloatShares != nil {
		if *in.FloatShares <= 0 {
			result.Flags = append(result.Flags, "non_positive_float")
			result.ComponentScores[ComponentFloat] = decimal.Zero
		} else {
			floatMln := decimal.NewFromInt(*in.FloatShares).Div(millionDivisor)
			result.ComponentScores[ComponentFloat] = floatBoundsMln.Score(floatMln)
		}
	}
	if momentum, ok := momentumScore(in.Bars); ok {
		result.ComponentScores[ComponentMomentum] = momentum
	}

	result.DataQuality = qualityFromComponents(len(result.ComponentScores))
	result.CompositeScore = weightedComposite(result.ComponentScores, squeezeWeights)
	return result
}

// momentumScore averages the relative-volume and RSI sub-signals, each
// independently normalised. RSI scores inversely: oversold raises squeeze
// potential.
func momentumScore(bars []fetcher.PriceBar) (decimal.Decimal, bool) {
	signals := make([]metric, 0, 2)

	if rvol := RelativeVolume(bars, rvolLookback); rvol != nil {
		signals = append(signals, metric{"rvol", rvolBounds.Score(*rvol)})
	}
	if rsi := RSI(closesOf(bars), rsiPeriod); rsi != nil {
		signals = append(signals, metric{"rsi", rsiBounds.Score(*rsi)})
	}

	return componentScore(signals)
}
