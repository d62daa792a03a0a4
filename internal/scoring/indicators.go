package scoring

import (
	"github.com/shopspring/decimal"

	"equity-scanner/internal/fetcher"
)

const (
	rsiPeriod    = 14
	rvolLookback = 10
)

// RSI computes the 14-period Relative Strength Index from daily closes in
// ascending date order. Returns nil when fewer than period+1 closes exist.
func RSI(closes []decimal.Decimal, period int) *decimal.Decimal {
	if period <= 0 || len(closes) < period+1 {
		return nil
	}

	gains := decimal.Zero
	losses := decimal.Zero
	start := len(closes) - period
	for i := start; i < len(closes); i++ {
		delta := closes[i].Sub(closes[i-1])
		if delta.IsPositive() {
			gains = gains.Add(delta)
		} else {
			losses = losses.Add(delta.Neg())
		}
	}

	if losses.IsZero() {
		v := hundred
		return &v
	}

	rs := gains.Div(losses)
	rsi := hundred.Sub(hundred.Div(decimal.NewFromInt(1).Add(rs)))
	return &rsi
}

// RelativeVolume divides the latest session volume by the average volume of
// the preceding lookback sessions. Returns nil without enough history.
func RelativeVolume(bars []fetcher.PriceBar, lookback int) *decimal.Decimal {
	if lookback <= 0 || len(bars) < lookback+1 {
		return nil
	}

	current := bars[len(bars)-1].Volume
	sum := int64(0)
	for _, bar := range bars[len(bars)-1-lookback : len(bars)-1] {
		sum = sum + bar.Volume
	}
	if sum <= 0 {
		return nil
	}

	avg := decimal.NewFromInt(sum).Div(decimal.NewFromInt(int64(lookback)))
	rvol := decimal.NewFromInt(current).Div(avg)
	return &rvol
}

// closesOf extracts the close series from ascending bars.
func closesOf(bars []fetcher.PriceBar) []decimal.Decimal {
	closes := make([]decimal.Decimal, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close
	}
	return closes
}
