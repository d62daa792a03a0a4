package gaps

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"equity-scanner/internal/config"
	"equity-scanner/internal/storage"
)

// dateKey renders a calendar date as its opaque YYYY-MM-DD key. Every date
// comparison in this package goes through string keys: date values are
// branched on explicitly and never used as collections or membership
// subjects themselves.
func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Clock supplies the current time.
type Clock func() time.Time

// Detector scans persisted coverage per (symbol, data type) and maintains
// the data_gaps backlog.
type Detector struct {
	cfg      config.GapConfig
	symbols  []string
	holidays map[string]struct{}
	raw      storage.RawDataStore
	gapStore storage.GapStore
	now      Clock
	logger   zerolog.Logger
}

// New constructs a Detector. A nil clock defaults to wall time.
func New(cfg config.GapConfig, symbols []string, holidays map[string]struct{}, raw storage.RawDataStore, gapStore storage.GapStore, logger zerolog.Logger, clock Clock) *Detector {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Detector{
		cfg:      cfg,
		symbols:  symbols,
		holidays: holidays,
		raw:      raw,
		gapStore: gapStore,
		now:      clock,
		logger:   logger.With().Str("component", "gap_detector").Logger(),
	}
}

// Detect scans every tracked symbol for the given data types, records newly
// found gaps, and returns the open backlog ranked attempt_count ascending
// then first_detected ascending.
func (d *Detector) Detect(ctx context.Context, dataTypes []storage.DataType) ([]storage.DataGap, error) {
	now := d.now().UTC()

	for _, symbol := range d.symbols {
		missing, err := d.scanSymbol(ctx, symbol, dataTypes, now)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", symbol, err)
		}
		for _, dataType := range missing {
			if err := d.gapStore.RecordGap(ctx, symbol, dataType, now); err != nil {
				return nil, fmt.Errorf("record gap %s/%s: %w", symbol, dataType, err)
			}
		}
	}

	backlog, err := d.gapStore.ListOpenGaps(ctx, len(d.symbols)*len(storage.AllDataTypes))
	if err != nil {
		return nil, fmt.Errorf("list open gaps: %w", err)
	}

	// The store already orders the backlog; re-assert it so fake stores in
	// tests behave like the SQL implementation.
	sort.SliceStable(backlog, func(i, j int) bool {
		if backlog[i].AttemptCount != backlog[j].AttemptCount {
			return backlog[i].AttemptCount < backlog[j].AttemptCount
		}
		return backlog[i].FirstDetectedAt.Before(backlog[j].FirstDetectedAt)
	})
	return backlog, nil
}

func (d *Detector) scanSymbol(ctx context.Context, symbol string, dataTypes []storage.DataType, now time.Time) ([]storage.DataType, error) {
	profile, profileUpdated, profileFound, err := d.raw.GetProfile(ctx, symbol)
	if err != nil {
		return nil, err
	}

	missing := make([]storage.DataType, 0, len(dataTypes))
	for _, dataType := range dataTypes {
		switch dataType {
		case storage.DataTypeProfile:
			if !profileFound || now.Sub(profileUpdated) > d.cfg.ProfileStaleAfter {
				missing = append(missing, dataType)
			}

		case storage.DataTypePrices:
			gap, err := d.priceGap(ctx, symbol, profileFound, profile.Delisted, profile.LastTradeDate, now)
			if err != nil {
				return nil, err
			}
			if gap {
				missing = append(missing, dataType)
			}

		case storage.DataTypeFundamentals:
			st, found, err := d.raw.LatestStatement(ctx, symbol)
			if err != nil {
				return nil, err
			}
			if !found || now.Sub(st.PeriodEnd) > d.cfg.StatementStaleAfter {
				missing = append(missing, dataType)
			}

		case storage.DataTypeShortInterest:
			// A symbol whose float was never reported has no short-interest
			// precedent; absence is not a gap there.
			if profileFound && profile.FloatShares == 0 {
				continue
			}
			si, found, err := d.raw.LatestShortInterest(ctx, symbol)
			if err != nil {
				return nil, err
			}
			if !found || now.Sub(si.ReportDate) > d.cfg.ShortInterestStale {
				missing = append(missing, dataType)
			}
		}
	}
	return missing, nil
}

// priceGap reports whether any expected trading day in the lookback window
// lacks a persisted bar.
func (d *Detector) priceGap(ctx context.Context, symbol string, profileFound, delisted bool, lastTradeDate, now time.Time) (bool, error) {
	lookback := d.cfg.PriceLookbackDays
	if lookback <= 0 {
		lookback = 30
	}

	from := now.AddDate(0, 0, -lookback)
	to := now.AddDate(0, 0, -1)

	// A delisted symbol stops generating new gaps past its last trade date.
	if profileFound && delisted {
		if lastTradeDate.IsZero() || lastTradeDate.Before(from) {
			return false, nil
		}
		to = lastTradeDate
	}

	covered, err := d.raw.ListPriceDates(ctx, symbol, from, to)
	if err != nil {
		return false, err
	}

	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		if !d.isTradingDay(day) {
			continue
		}
		if _, ok := covered[dateKey(day)]; !ok {
			return true, nil
		}
	}
	return false, nil
}

func (d *Detector) isTradingDay(day time.Time) bool {
	switch day.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := d.holidays[dateKey(day)]
	return !holiday
}

// RetryEligible reports whether a gap may be attempted now. A gap in
// retry_scheduled state waits out the unavailable-retry delay first;
// permanently failed gaps are never eligible.
func (d *Detector) RetryEligible(gap storage.DataGap, now time.Time) bool {
	switch gap.Status {
	case storage.GapPermanentlyFailed, storage.GapResolved:
		return false
	case storage.GapRetryScheduled:
		if gap.LastAttemptAt == nil {
			return true
		}
		return now.Sub(*gap.LastAttemptAt) >= d.cfg.UnavailableRetryDelay
	default:
		return true
	}
}
