package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"equity-scanner/internal/config"
	"equity-scanner/internal/fetcher"
	"equity-scanner/internal/gaps"
	"equity-scanner/internal/quota"
	"equity-scanner/internal/scheduler"
	"equity-scanner/internal/storage"
)

// Clock supplies the current time.
type Clock func() time.Time

// Collector implements the scheduler's job bodies: it drives the data
// client under the usage tracker's admission gate, persists raw records,
// and maintains gap state.
type Collector struct {
	cfg      *config.Config
	client   fetcher.DataClient
	tracker  *quota.Tracker
	raw      storage.RawDataStore
	gapStore storage.GapStore
	detector *gaps.Detector
	sched    *scheduler.Scheduler
	pinger   Pinger
	now      Clock
	logger   zerolog.Logger
}

// Pinger verifies data-store connectivity for the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewCollector wires the collection jobs. A nil clock defaults to wall time.
func NewCollector(cfg *config.Config, client fetcher.DataClient, tracker *quota.Tracker, raw storage.RawDataStore, gapStore storage.GapStore, detector *gaps.Detector, sched *scheduler.Scheduler, pinger Pinger, logger zerolog.Logger, clock Clock) *Collector {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Collector{
		cfg:      cfg,
		client:   client,
		tracker:  tracker,
		raw:      raw,
		gapStore: gapStore,
		detector: detector,
		sched:    sched,
		pinger:   pinger,
		now:      clock,
		logger:   logger.With().Str("component", "collector").Logger(),
	}
}

// RegisterJobs attaches every job to the scheduler with its cadence.
func (c *Collector) RegisterJobs(sched *scheduler.Scheduler) {
	sched.Register(scheduler.Job{
		Name:         scheduler.JobDailyUpdate,
		Interval:     c.cfg.Scheduler.DailyUpdateInterval,
		UsesProvider: true,
		Run:          c.DailyUpdate,
	})
	sched.Register(scheduler.Job{
		Name:         scheduler.JobCatchup,
		Interval:     c.cfg.Scheduler.CatchupInterval,
		UsesProvider: true,
		Run:          c.Catchup,
	})
	sched.Register(scheduler.Job{
		Name:         scheduler.JobShortInterest,
		Interval:     c.cfg.Scheduler.ShortInterestInterval,
		UsesProvider: true,
		Run:          c.WeeklyShortInterest,
	})
	sched.Register(scheduler.Job{
		Name: scheduler.JobHealthCheck,
		Run:  c.HealthCheck,
	})
}

// outcome classifies one collection attempt.
type outcome int

const (
	outcomeOK outcome = iota
	outcomeSymbolFailed
	outcomeStopJob
)

// DailyUpdate refreshes profile and price data for every tracked symbol.
// A single symbol's failure never aborts the job.
func (c *Collector) DailyUpdate(ctx context.Context) (scheduler.JobReport, error) {
	report := scheduler.JobReport{}

	for _, symbol := range c.cfg.Universe.Symbols {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		for _, dataType := range []storage.DataType{storage.DataTypeProfile, storage.DataTypePrices} {
			result, err := c.collect(ctx, symbol, dataType)
			if err != nil {
				return report, err
			}
			switch result {
			case outcomeOK:
				report.Processed++
			case outcomeSymbolFailed:
				report.Failed++
			case outcomeStopJob:
				report.Detail = "stopped early: provider budget unavailable"
				return report, nil
			}
		}
	}
	return report, nil
}

// Catchup retries the current gap backlog, oldest and least-attempted
// first. It also re-runs detection so never-collected symbols are found
// even when no mutation event ever fired for them.
func (c *Collector) Catchup(ctx context.Context) (scheduler.JobReport, error) {
	report := scheduler.JobReport{}

	backlog, err := c.detector.Detect(ctx, storage.AllDataTypes)
	if err != nil {
		return report, fmt.Errorf("detect gaps: %w", err)
	}

	now := c.now().UTC()
	for _, gap := range backlog {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !c.detector.RetryEligible(gap, now) {
			continue
		}

		result, err := c.collect(ctx, gap.Symbol, gap.DataType)
		if err != nil {
			return report, err
		}
		switch result {
		case outcomeOK:
			report.Processed++
		case outcomeSymbolFailed:
			report.Failed++
		case outcomeStopJob:
			report.Detail = "stopped early: provider budget unavailable"
			return report, nil
		}
	}
	return report, nil
}

// WeeklyShortInterest refreshes short-interest data for the universe.
func (c *Collector) WeeklyShortInterest(ctx context.Context) (scheduler.JobReport, error) {
	report := scheduler.JobReport{}

	for _, symbol := range c.cfg.Universe.Symbols {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		result, err := c.collect(ctx, symbol, storage.DataTypeShortInterest)
		if err != nil {
			return report, err
		}
		switch result {
		case outcomeOK:
			report.Processed++
		case outcomeSymbolFailed:
			report.Failed++
		case outcomeStopJob:
			report.Detail = "stopped early: provider budget unavailable"
			return report, nil
		}
	}
	return report, nil
}

// HealthCheck verifies data-store and provider connectivity. The provider
// probe hits a status endpoint and is not counted against the quota.
func (c *Collector) HealthCheck(ctx context.Context) (scheduler.JobReport, error) {
	if c.pinger != nil {
		if err := c.pinger.Ping(ctx); err != nil {
			return scheduler.JobReport{Detail: "data store unreachable"}, fmt.Errorf("store ping: %w", err)
		}
	}
	if err := c.client.Ping(ctx); err != nil {
		return scheduler.JobReport{Detail: "provider unreachable"}, fmt.Errorf("provider ping: %w", err)
	}
	return scheduler.JobReport{Processed: 1, Detail: "store and provider reachable"}, nil
}

// collect fetches and persists one (symbol, data type) unit. Provider
// failures are mapped onto gap state per the retry taxonomy; only
// persistence failures surface as errors.
func (c *Collector) collect(ctx context.Context, symbol string, dataType storage.DataType) (outcome, error) {
	fetchErr := c.fetchWithRetry(ctx, symbol, dataType)
	if errors.Is(fetchErr, quota.ErrQuotaExhausted) {
		c.sched.Pause("daily provider quota exhausted")
		return outcomeStopJob, nil
	}
	if fetchErr == nil {
		c.sched.RecordProviderSuccess()
		if err := c.gapStore.ResolveGap(ctx, symbol, dataType, c.now().UTC()); err != nil {
			return outcomeSymbolFailed, fmt.Errorf("resolve gap: %w", err)
		}
		return outcomeOK, nil
	}

	switch fetcher.KindOf(fetchErr) {
	case fetcher.KindRateLimited:
		// No symbol-level penalty; defer everything to the next window.
		c.sched.Pause("provider reported rate limit")
		return outcomeStopJob, nil

	case fetcher.KindUnavailable:
		c.sched.RecordProviderSuccess()
		if err := c.recordUnavailable(ctx, symbol, dataType); err != nil {
			return outcomeSymbolFailed, err
		}
		return outcomeSymbolFailed, nil

	case fetcher.KindTransient:
		c.logger.Warn().Err(fetchErr).Str("symbol", symbol).Str("data_type", string(dataType)).Msg("transient provider failure, retries exhausted")
		c.sched.RecordTransientFailure()
		now := c.now().UTC()
		if err := c.gapStore.RecordGap(ctx, symbol, dataType, now); err != nil {
			return outcomeSymbolFailed, fmt.Errorf("record gap: %w", err)
		}
		// The attempt counts toward backlog ranking so chronic failures sink
		// behind fresh gaps, but it never consumes the unavailable budget.
		if err := c.gapStore.MarkGapAttempt(ctx, symbol, dataType, storage.GapPending, true, false, now); err != nil {
			return outcomeSymbolFailed, fmt.Errorf("mark gap attempt: %w", err)
		}
		if c.sched.Status().State == scheduler.StatePaused {
			return outcomeStopJob, nil
		}
		return outcomeSymbolFailed, nil

	case fetcher.KindInvalidSymbol:
		c.logger.Error().Err(fetchErr).Str("symbol", symbol).Msg("invalid symbol or response, skipping")
		c.sched.RecordProviderSuccess()
		return outcomeSymbolFailed, nil

	default:
		// Not a provider failure: persistence is down or similar. Fatal for
		// the whole job.
		return outcomeSymbolFailed, fetchErr
	}
}

// fetchWithRetry acquires a provider slot and fetches one unit, retrying
// transient failures with growing backoff before giving up. Each retry goes
// through the admission gate again so it is counted against the quota.
func (c *Collector) fetchWithRetry(ctx context.Context, symbol string, dataType storage.DataType) error {
	var err error
	for attempt := 0; ; attempt++ {
		if acqErr := c.tracker.Acquire(ctx, string(dataType)); acqErr != nil {
			return fmt.Errorf("admission check: %w", acqErr)
		}

		err = c.fetchAndStore(ctx, symbol, dataType)
		if err == nil || fetcher.KindOf(err) != fetcher.KindTransient || attempt >= c.cfg.Provider.TransientRetries {
			return err
		}

		c.logger.Warn().Err(err).Str("symbol", symbol).Str("data_type", string(dataType)).
			Int("attempt", attempt+1).Msg("transient provider failure, retrying")

		if backoff := c.cfg.Provider.RetryBackoff * time.Duration(attempt+1); backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

func (c *Collector) fetchAndStore(ctx context.Context, symbol string, dataType storage.DataType) error {
	switch dataType {
	case storage.DataTypeProfile:
		profile, err := c.client.FetchProfile(ctx, symbol)
		if err != nil {
			return err
		}
		return c.raw.UpsertProfile(ctx, profile)

	case storage.DataTypePrices:
		to := c.now().UTC()
		from := to.AddDate(0, 0, -c.cfg.Gaps.PriceLookbackDays)
		bars, err := c.client.FetchPriceSeries(ctx, symbol, from, to)
		if err != nil {
			return err
		}
		return c.raw.UpsertPriceBars(ctx, bars)

	case storage.DataTypeFundamentals:
		statement, err := c.client.FetchStatements(ctx, symbol, "annual")
		if err != nil {
			return err
		}
		return c.raw.UpsertStatement(ctx, statement)

	case storage.DataTypeShortInterest:
		si, err := c.client.FetchShortInterest(ctx, symbol)
		if err != nil {
			return err
		}
		return c.raw.UpsertShortInterest(ctx, si)

	default:
		return fmt.Errorf("unknown data type %q", dataType)
	}
}

// recordUnavailable applies the unavailable-data retry policy: one retry
// after the configured delay, then permanently failed. Rate-limited
// attempts never reach here, so they do not consume this budget.
func (c *Collector) recordUnavailable(ctx context.Context, symbol string, dataType storage.DataType) error {
	now := c.now().UTC()
	if err := c.gapStore.RecordGap(ctx, symbol, dataType, now); err != nil {
		return fmt.Errorf("record gap: %w", err)
	}

	gap, found, err := c.gapStore.GetGap(ctx, symbol, dataType)
	if err != nil {
		return fmt.Errorf("get gap: %w", err)
	}

	status := storage.GapRetryScheduled
	if found && gap.UnavailableCount+1 >= c.cfg.Gaps.MaxUnavailableAttempts {
		status = storage.GapPermanentlyFailed
		c.logger.Warn().Str("symbol", symbol).Str("data_type", string(dataType)).Msg("gap permanently failed after retry budget")
	}
	if err := c.gapStore.MarkGapAttempt(ctx, symbol, dataType, status, true, true, now); err != nil {
		return fmt.Errorf("mark gap attempt: %w", err)
	}
	return nil
}
