package fetcher

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Profile is a company snapshot mapped from the provider wire format.
type Profile struct {
	Symbol            string
	CompanyName       string
	Sector            string
	Exchange          string
	Price             decimal.Decimal
	MarketCap         decimal.Decimal
	SharesOutstanding int64
	FloatShares       int64
	Delisted          bool
	LastTradeDate     time.Time
}

// PriceBar is a daily OHLCV observation.
type PriceBar struct {
	Symbol string
	Date   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
}

// Statement carries the fundamentals needed by the scoring engines for one
// reporting period. Pointer fields are nil when the provider did not report
// the value.
type Statement struct {
	Symbol             string
	PeriodEnd          time.Time
	Period             string
	Revenue            *decimal.Decimal
	NetIncome          *decimal.Decimal
	EPS                *decimal.Decimal
	TotalAssets        *decimal.Decimal
	TotalEquity        *decimal.Decimal
	TotalDebt          *decimal.Decimal
	CurrentAssets      *decimal.Decimal
	CurrentLiabilities *decimal.Decimal
	FreeCashFlow       *decimal.Decimal
}

// ShortInterest is the latest short-interest report for one symbol.
type ShortInterest struct {
	Symbol          string
	ReportDate      time.Time
	ShortShares     int64
	AvgDailyVolume  int64
	FloatShares     int64
	PercentOfFloat  *decimal.Decimal
	DaysToCover     *decimal.Decimal
}

// DataClient fetches one logical record per call from the external provider.
// Implementations must fail with a *ProviderError so callers can branch on
// the failure kind.
type DataClient interface {
	FetchProfile(ctx context.Context, symbol string) (Profile, error)
	FetchPriceSeries(ctx context.Context, symbol string, from, to time.Time) ([]PriceBar, error)
	FetchStatements(ctx context.Context, symbol, period string) (Statement, error)
	FetchShortInterest(ctx context.Context, symbol string) (ShortInterest, error)
	Ping(ctx context.Context) error
}
