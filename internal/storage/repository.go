package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"equity-scanner/internal/fetcher"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertProfileSQL = `INSERT INTO company_profiles (
        symbol, company_name, sector, exchange, price, market_cap,
        shares_outstanding, float_shares, delisted, last_trade_date, updated_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now())
    ON CONFLICT (symbol) DO UPDATE
    SET company_name       = EXCLUDED.company_name,
        sector             = EXCLUDED.sector,
        exchange           = EXCLUDED.exchange,
        price              = EXCLUDED.price,
        market_cap         = EXCLUDED.market_cap,
        shares_outstanding = EXCLUDED.shares_outstanding,
        float_shares       = EXCLUDED.float_shares,
        delisted           = EXCLUDED.delisted,
        last_trade_date    = EXCLUDED.last_trade_date,
        updated_at         = now();`

	getProfileSQL = `SELECT symbol, company_name, sector, exchange, price, market_cap,
        shares_outstanding, float_shares, delisted, last_trade_date, updated_at
    FROM company_profiles WHERE symbol = $1;`

	upsertPriceBarSQL = `INSERT INTO price_bars (
        symbol, bar_date, open, high, low, close, volume
    ) VALUES ($1,$2,$3,$4,$5,$6,$7)
    ON CONFLICT (symbol, bar_date) DO UPDATE
    SET open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
        close = EXCLUDED.close, volume = EXCLUDED.volume;`

	listPriceBarsSQL = `SELECT symbol, bar_date, open, high, low, close, volume
    FROM price_bars
    WHERE symbol = $1 AND bar_date >= $2 AND bar_date <= $3
    ORDER BY bar_date;`

	listPriceDatesSQL = `SELECT to_char(bar_date, 'YYYY-MM-DD')
    FROM price_bars
    WHERE symbol = $1 AND bar_date >= $2 AND bar_date <= $3;`

	upsertStatementSQL = `INSERT INTO fundamentals (
        symbol, period_end, period, revenue, net_income, eps, total_assets,
        total_equity, total_debt, current_assets, current_liabilities,
        free_cash_flow, updated_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now())
    ON CONFLICT (symbol, period_end) DO UPDATE
    SET period              = EXCLUDED.period,
        revenue             = EXCLUDED.revenue,
        net_income          = EXCLUDED.net_income,
        eps                 = EXCLUDED.eps,
        total_assets        = EXCLUDED.total_assets,
        total_equity        = EXCLUDED.total_equity,
        total_debt          = EXCLUDED.total_debt,
        current_assets      = EXCLUDED.current_assets,
        current_liabilities = EXCLUDED.current_liabilities,
        free_cash_flow      = EXCLUDED.free_cash_flow,
        updated_at          = now();`

	latestStatementSQL = `SELECT symbol, period_end, period, revenue, net_income, eps,
        total_assets, total_equity, total_debt, current_assets,
        current_liabilities, free_cash_flow
    FROM fundamentals WHERE symbol = $1
    ORDER BY period_end DESC LIMIT 1;`

	upsertShortInterestSQL = `INSERT INTO short_interest (
        symbol, report_date, short_shares, avg_daily_volume, float_shares, updated_at
    ) VALUES ($1,$2,$3,$4,$5,now())
    ON CONFLICT (symbol) DO UPDATE
    SET report_date      = EXCLUDED.report_date,
        short_shares     = EXCLUDED.short_shares,
        avg_daily_volume = EXCLUDED.avg_daily_volume,
        float_shares     = EXCLUDED.float_shares,
        updated_at       = now();`

	latestShortInterestSQL = `SELECT symbol, report_date, short_shares, avg_daily_volume, float_shares
    FROM short_interest WHERE symbol = $1;`

	sectorRatiosSQL = `SELECT
        AVG(CASE WHEN f.eps > 0 THEN p.price / f.eps END),
        AVG(CASE WHEN f.total_equity > 0 AND p.shares_outstanding > 0
                 THEN p.price / (f.total_equity / p.shares_outstanding) END),
        AVG(CASE WHEN f.revenue > 0 THEN p.market_cap / f.revenue END)
    FROM company_profiles p
    JOIN LATERAL (
        SELECT eps, total_equity, revenue
        FROM fundamentals
        WHERE fundamentals.symbol = p.symbol
        ORDER BY period_end DESC
        LIMIT 1
    ) f ON true
    WHERE p.sector = $1 AND p.delisted = FALSE;`

	upsertScoreSQLTemplate = `INSERT INTO %s (
        symbol, component_scores, composite_score, data_quality, flags, calculated_at
    ) VALUES ($1,$2,$3,$4,$5,$6)
    ON CONFLICT (symbol) DO UPDATE
    SET component_scores = EXCLUDED.component_scores,
        composite_score  = EXCLUDED.composite_score,
        data_quality     = EXCLUDED.data_quality,
        flags            = EXCLUDED.flags,
        calculated_at    = EXCLUDED.calculated_at;`

	listScoresSQLTemplate = `SELECT symbol, component_scores, composite_score, data_quality, flags, calculated_at
    FROM %s ORDER BY composite_score DESC NULLS LAST LIMIT $1;`

	insertUsageSQL = `INSERT INTO api_usage (called_at, endpoint) VALUES ($1,$2);`

	countUsageSinceSQL = `SELECT COUNT(*) FROM api_usage WHERE called_at >= $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RawDataStore persists provider records and answers coverage queries.
type RawDataStore interface {
	UpsertProfile(ctx context.Context, p fetcher.Profile) error
	UpsertPriceBars(ctx context.Context, bars []fetcher.PriceBar) error
	UpsertStatement(ctx context.Context, st fetcher.Statement) error
	UpsertShortInterest(ctx context.Context, si fetcher.ShortInterest) error

	GetProfile(ctx context.Context, symbol string) (fetcher.Profile, time.Time, bool, error)
	ListPriceBars(ctx context.Context, symbol string, from, to time.Time) ([]fetcher.PriceBar, error)
	ListPriceDates(ctx context.Context, symbol string, from, to time.Time) (map[string]struct{}, error)
	LatestStatement(ctx context.Context, symbol string) (fetcher.Statement, bool, error)
	LatestShortInterest(ctx context.Context, symbol string) (fetcher.ShortInterest, bool, error)
	SectorRatios(ctx context.Context, sector string) (SectorRatios, error)
}

// ScoreStore persists score results keyed by symbol.
type ScoreStore interface {
	UpsertUndervaluationScore(ctx context.Context, rec ScoreRecord) error
	UpsertSqueezeScore(ctx context.Context, rec ScoreRecord) error
	ListUndervaluationScores(ctx context.Context, limit int) ([]ScoreRecord, error)
	ListSqueezeScores(ctx context.Context, limit int) ([]ScoreRecord, error)
}

// UsageStore records provider calls for quota accounting.
type UsageStore interface {
	InsertUsage(ctx context.Context, rec UsageRecord) error
	CountUsageSince(ctx context.Context, since time.Time) (int, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// UpsertProfile persists or updates a company profile.
func (s *Store) UpsertProfile(ctx context.Context, p fetcher.Profile) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var lastTrade interface{}
	if !p.LastTradeDate.IsZero() {
		lastTrade = p.LastTradeDate
	}

	_, execErr := pool.Exec(ctx, upsertProfileSQL,
		p.Symbol,
		p.CompanyName,
		p.Sector,
		p.Exchange,
		p.Price.String(),
		p.MarketCap.String(),
		p.SharesOutstanding,
		p.FloatShares,
		p.Delisted,
		lastTrade,
	)
	if execErr != nil {
		return fmt.Errorf("upsert profile: %w", execErr)
	}
	s.notify(p.Symbol, DataTypeProfile)
	return nil
}

// GetProfile returns the stored profile plus its updated_at timestamp.
func (s *Store) GetProfile(ctx context.Context, symbol string) (fetcher.Profile, time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return fetcher.Profile{}, time.Time{}, false, err
	}

	var (
		p         fetcher.Profile
		priceStr  string
		capStr    string
		lastTrade *time.Time
		updatedAt time.Time
	)
	row := pool.QueryRow(ctx, getProfileSQL, symbol)
	if scanErr := row.Scan(
		&p.Symbol, &p.CompanyName, &p.Sector, &p.Exchange,
		&priceStr, &capStr, &p.SharesOutstanding, &p.FloatShares,
		&p.Delisted, &lastTrade, &updatedAt,
	); scanErr != nil {
		if isNoRows(scanErr) {
			return fetcher.Profile{}, time.Time{}, false, nil
		}
		return fetcher.Profile{}, time.Time{}, false, fmt.Errorf("get profile: %w", scanErr)
	}

	if p.Price, err = decimal.NewFromString(priceStr); err != nil {
		return fetcher.Profile{}, time.Time{}, false, fmt.Errorf("parse price: %w", err)
	}
	if p.MarketCap, err = decimal.NewFromString(capStr); err != nil {
		return fetcher.Profile{}, time.Time{}, false, fmt.Errorf("parse market cap: %w", err)
	}
	if lastTrade != nil {
		p.LastTradeDate = *lastTrade
	}
	return p, updatedAt, true, nil
}

// UpsertPriceBars persists a batch of daily bars for one symbol.
func (s *Store) UpsertPriceBars(ctx context.Context, bars []fetcher.PriceBar) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		return nil
	}

	for _, bar := range bars {
		if _, execErr := pool.Exec(ctx, upsertPriceBarSQL,
			bar.Symbol,
			bar.Date,
			bar.Open.String(),
			bar.High.String(),
			bar.Low.String(),
			bar.Close.String(),
			bar.Volume,
		); execErr != nil {
			return fmt.Errorf("upsert price bar %s %s: %w", bar.Symbol, bar.Date.Format("2006-01-02"), execErr)
		}
	}
	s.notify(bars[0].Symbol, DataTypePrices)
	return nil
}

// ListPriceBars lists bars within a date window in ascending order.
func (s *Store) ListPriceBars(ctx context.Context, symbol string, from, to time.Time) ([]fetcher.PriceBar, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPriceBarsSQL, symbol, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list price bars: %w", queryErr)
	}
	defer rows.Close()

	bars := make([]fetcher.PriceBar, 0)
	for rows.Next() {
		var (
			bar      fetcher.PriceBar
			openStr  string
			highStr  string
			lowStr   string
			closeStr string
		)
		if err := rows.Scan(&bar.Symbol, &bar.Date, &openStr, &highStr, &lowStr, &closeStr, &bar.Volume); err != nil {
			return nil, err
		}
		if bar.Open, err = decimal.NewFromString(openStr); err != nil {
			return nil, fmt.Errorf("parse open: %w", err)
		}
		if bar.High, err = decimal.NewFromString(highStr); err != nil {
			return nil, fmt.Errorf("parse high: %w", err)
		}
		if bar.Low, err = decimal.NewFromString(lowStr); err != nil {
			return nil, fmt.Errorf("parse low: %w", err)
		}
		if bar.Close, err = decimal.NewFromString(closeStr); err != nil {
			return nil, fmt.Errorf("parse close: %w", err)
		}
		bars = append(bars, bar)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return bars, nil
}

// ListPriceDates returns the set of covered bar dates as YYYY-MM-DD keys.
// The gap detector tests membership against this set.
func (s *Store) ListPriceDates(ctx context.Context, symbol string, from, to time.Time) (map[string]struct{}, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPriceDatesSQL, symbol, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list price dates: %w", queryErr)
	}
	defer rows.Close()

	dates := make(map[string]struct{})
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		dates[key] = struct{}{}
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return dates, nil
}

// UpsertStatement persists one fundamentals reporting period.
func (s *Store) UpsertStatement(ctx context.Context, st fetcher.Statement) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertStatementSQL,
		st.Symbol,
		st.PeriodEnd,
		st.Period,
		decimalArg(st.Revenue),
		decimalArg(st.NetIncome),
		decimalArg(st.EPS),
		decimalArg(st.TotalAssets),
		decimalArg(st.TotalEquity),
		decimalArg(st.TotalDebt),
		decimalArg(st.CurrentAssets),
		decimalArg(st.CurrentLiabilities),
		decimalArg(st.FreeCashFlow),
	)
	if execErr != nil {
		return fmt.Errorf("upsert statement: %w", execErr)
	}
	s.notify(st.Symbol, DataTypeFundamentals)
	return nil
}

// LatestStatement returns the newest fundamentals row for a symbol.
func (s *Store) LatestStatement(ctx context.Context, symbol string) (fetcher.Statement, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return fetcher.Statement{}, false, err
	}

	var (
		st      fetcher.Statement
		numeric [9]*string
	)
	row := pool.QueryRow(ctx, latestStatementSQL, symbol)
	scanErr := row.Scan(
		&st.Symbol, &st.PeriodEnd, &st.Period,
		&numeric[0], &numeric[1], &numeric[2], &numeric[3], &numeric[4],
		&numeric[5], &numeric[6], &numeric[7], &numeric[8],
	)
	if scanErr != nil {
		if isNoRows(scanErr) {
			return fetcher.Statement{}, false, nil
		}
		return fetcher.Statement{}, false, fmt.Errorf("latest statement: %w", scanErr)
	}

	targets := []**decimal.Decimal{
		&st.Revenue, &st.NetIncome, &st.EPS, &st.TotalAssets, &st.TotalEquity,
		&st.TotalDebt, &st.CurrentAssets, &st.CurrentLiabilities, &st.FreeCashFlow,
	}
	for i, raw := range numeric {
		if raw == nil {
			continue
		}
		d, convErr := decimal.NewFromString(*raw)
		if convErr != nil {
			return fetcher.Statement{}, false, fmt.Errorf("parse statement value: %w", convErr)
		}
		*targets[i] = &d
	}
	return st, true, nil
}

// UpsertShortInterest persists the latest short-interest report.
func (s *Store) UpsertShortInterest(ctx context.Context, si fetcher.ShortInterest) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertShortInterestSQL,
		si.Symbol,
		si.ReportDate,
		si.ShortShares,
		si.AvgDailyVolume,
		si.FloatShares,
	)
	if execErr != nil {
		return fmt.Errorf("upsert short interest: %w", execErr)
	}
	s.notify(si.Symbol, DataTypeShortInterest)
	return nil
}

// LatestShortInterest returns the stored short-interest row for a symbol.
func (s *Store) LatestShortInterest(ctx context.Context, symbol string) (fetcher.ShortInterest, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return fetcher.ShortInterest{}, false, err
	}

	var si fetcher.ShortInterest
	row := pool.QueryRow(ctx, latestShortInterestSQL, symbol)
	scanErr := row.Scan(&si.Symbol, &si.ReportDate, &si.ShortShares, &si.AvgDailyVolume, &si.FloatShares)
	if scanErr != nil {
		if isNoRows(scanErr) {
			return fetcher.ShortInterest{}, false, nil
		}
		return fetcher.ShortInterest{}, false, fmt.Errorf("latest short interest: %w", scanErr)
	}

	if si.FloatShares > 0 {
		pct := decimal.NewFromInt(si.ShortShares).
			Div(decimal.NewFromInt(si.FloatShares)).
			Mul(decimal.NewFromInt(100))
		si.PercentOfFloat = &pct
	}
	if si.AvgDailyVolume > 0 {
		dtc := decimal.NewFromInt(si.ShortShares).Div(decimal.NewFromInt(si.AvgDailyVolume))
		si.DaysToCover = &dtc
	}
	return si, true, nil
}

// SectorRatios averages P/E, P/B, and P/S across active profiles in a
// sector, pairing each with its latest statement. Degenerate denominators
// are excluded per metric, so a nil field means no peer had a usable value.
func (s *Store) SectorRatios(ctx context.Context, sector string) (SectorRatios, error) {
	pool, err := s.getPool()
	if err != nil {
		return SectorRatios{}, err
	}

	var pe, pb, ps decimal.NullDecimal
	row := pool.QueryRow(ctx, sectorRatiosSQL, sector)
	if scanErr := row.Scan(&pe, &pb, &ps); scanErr != nil {
		if isNoRows(scanErr) {
			return SectorRatios{}, nil
		}
		return SectorRatios{}, fmt.Errorf("sector ratios: %w", scanErr)
	}

	ratios := SectorRatios{}
	if pe.Valid {
		v := pe.Decimal
		ratios.PE = &v
	}
	if pb.Valid {
		v := pb.Decimal
		ratios.PB = &v
	}
	if ps.Valid {
		v := ps.Decimal
		ratios.PS = &v
	}
	return ratios, nil
}

// UpsertUndervaluationScore overwrites the undervaluation score for a symbol.
func (s *Store) UpsertUndervaluationScore(ctx context.Context, rec ScoreRecord) error {
	return s.upsertScore(ctx, "undervaluation_scores", rec)
}

// UpsertSqueezeScore overwrites the squeeze score for a symbol.
func (s *Store) UpsertSqueezeScore(ctx context.Context, rec ScoreRecord) error {
	return s.upsertScore(ctx, "squeeze_scores", rec)
}

func (s *Store) upsertScore(ctx context.Context, table string, rec ScoreRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	components, err := json.Marshal(rec.ComponentScores)
	if err != nil {
		return fmt.Errorf("marshal component scores: %w", err)
	}

	var composite interface{}
	if rec.CompositeScore != nil {
		composite = rec.CompositeScore.String()
	}

	sql := fmt.Sprintf(upsertScoreSQLTemplate, table)
	if _, execErr := pool.Exec(ctx, sql,
		rec.Symbol,
		components,
		composite,
		rec.DataQuality,
		rec.Flags,
		rec.CalculatedAt,
	); execErr != nil {
		return fmt.Errorf("upsert %s: %w", table, execErr)
	}
	return nil
}

// ListUndervaluationScores lists stored scores best-first.
func (s *Store) ListUndervaluationScores(ctx context.Context, limit int) ([]ScoreRecord, error) {
	return s.listScores(ctx, "undervaluation_scores", limit)
}

// ListSqueezeScores lists stored scores best-first.
func (s *Store) ListSqueezeScores(ctx context.Context, limit int) ([]ScoreRecord, error) {
	return s.listScores(ctx, "squeeze_scores", limit)
}

func (s *Store) listScores(ctx context.Context, table string, limit int) ([]ScoreRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	sql := fmt.Sprintf(listScoresSQLTemplate, table)
	rows, queryErr := pool.Query(ctx, sql, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list %s: %w", table, queryErr)
	}
	defer rows.Close()

	records := make([]ScoreRecord, 0, limit)
	for rows.Next() {
		var (
			rec        ScoreRecord
			components []byte
			composite  *string
		)
		if err := rows.Scan(&rec.Symbol, &components, &composite, &rec.DataQuality, &rec.Flags, &rec.CalculatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(components, &rec.ComponentScores); err != nil {
			return nil, fmt.Errorf("unmarshal component scores: %w", err)
		}
		if composite != nil {
			d, convErr := decimal.NewFromString(*composite)
			if convErr != nil {
				return nil, fmt.Errorf("parse composite score: %w", convErr)
			}
			rec.CompositeScore = &d
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// InsertUsage records one provider call.
func (s *Store) InsertUsage(ctx context.Context, rec UsageRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertUsageSQL, rec.CalledAt, rec.Endpoint); execErr != nil {
		return fmt.Errorf("insert usage: %w", execErr)
	}
	return nil
}

// CountUsageSince counts provider calls recorded at or after since.
func (s *Store) CountUsageSince(ctx context.Context, since time.Time) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int
	if scanErr := pool.QueryRow(ctx, countUsageSinceSQL, since).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count usage: %w", scanErr)
	}
	return count, nil
}

func decimalArg(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
