package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"equity-scanner/internal/config"
	"equity-scanner/internal/scoring"
	"equity-scanner/internal/storage"
)

// FailureNotifier surfaces entries that exhausted their attempt budget.
type FailureNotifier interface {
	NotifyQueueFailure(ctx context.Context, entry storage.QueueEntry, cause error) error
}

// Processor drains the recalculation queue in batches, runs both scoring
// engines per symbol, and writes the results idempotently.
type Processor struct {
	cfg      config.QueueConfig
	store    storage.QueueStore
	raw      storage.RawDataStore
	scores   storage.ScoreStore
	notifier FailureNotifier
	now      Clock
	logger   zerolog.Logger
}

// NewProcessor constructs a Processor. notifier may be nil.
func NewProcessor(cfg config.QueueConfig, store storage.QueueStore, raw storage.RawDataStore, scores storage.ScoreStore, notifier FailureNotifier, logger zerolog.Logger, clock Clock) *Processor {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Processor{
		cfg:      cfg,
		store:    store,
		raw:      raw,
		scores:   scores,
		notifier: notifier,
		now:      clock,
		logger:   logger.With().Str("component", "queue_processor").Logger(),
	}
}

// Run drives the drain loop until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			processed, failed, err := p.ProcessOnce(ctx)
			if err != nil {
				p.logger.Error().Err(err).Msg("drain cycle failed")
				continue
			}
			if processed > 0 || failed > 0 {
				p.logger.Info().Int("processed", processed).Int("failed", failed).Msg("drain cycle complete")
			}
		}
	}
}

// ProcessOnce claims one batch and processes it. Claims are atomic status
// transitions, so concurrent processors never share a symbol.
func (p *Processor) ProcessOnce(ctx context.Context) (processed, failed int, err error) {
	entries, err := p.store.ClaimPending(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("claim batch: %w", err)
	}

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return processed, failed, ctx.Err()
		default:
		}

		if procErr := p.processEntry(ctx, entry); procErr != nil {
			failed++
			p.logger.Error().Err(procErr).Str("symbol", entry.Symbol).Msg("recalculation failed")

			status, failErr := p.store.FailEntry(ctx, entry.Symbol, procErr.Error(), p.cfg.MaxAttempts)
			if failErr != nil {
				return processed, failed, fmt.Errorf("fail entry %s: %w", entry.Symbol, failErr)
			}
			if status == storage.QueueFailed && p.notifier != nil {
				if notifyErr := p.notifier.NotifyQueueFailure(ctx, entry, procErr); notifyErr != nil {
					p.logger.Error().Err(notifyErr).Str("symbol", entry.Symbol).Msg("failed to notify operator")
				}
			}
			continue
		}

		if completeErr := p.store.CompleteEntry(ctx, entry.Symbol, entry.EnqueuedAt); completeErr != nil {
			return processed, failed, fmt.Errorf("complete entry %s: %w", entry.Symbol, completeErr)
		}
		processed++
	}
	return processed, failed, nil
}

func (p *Processor) processEntry(ctx context.Context, entry storage.QueueEntry) error {
	now := p.now().UTC()

	underRec, err := p.computeUndervaluation(ctx, entry.Symbol, now)
	if err != nil {
		return err
	}
	if err := p.scores.UpsertUndervaluationScore(ctx, underRec); err != nil {
		return fmt.Errorf("write undervaluation score: %w", err)
	}

	squeezeRec, err := p.computeSqueeze(ctx, entry.Symbol, now)
	if err != nil {
		return err
	}
	if err := p.scores.UpsertSqueezeScore(ctx, squeezeRec); err != nil {
		return fmt.Errorf("write squeeze score: %w", err)
	}
	return nil
}

func (p *Processor) computeUndervaluation(ctx context.Context, symbol string, now time.Time) (storage.ScoreRecord, error) {
	inputs := scoring.FundamentalInputs{Symbol: symbol}

	profile, _, found, err := p.raw.GetProfile(ctx, symbol)
	if err != nil {
		return storage.ScoreRecord{}, fmt.Errorf("load profile: %w", err)
	}

	sector := scoring.SectorAverages{}
	if found {
		inputs.Price = profile.Price
		inputs.MarketCap = profile.MarketCap
		inputs.SharesOutstanding = profile.SharesOutstanding

		if profile.Sector != "" {
			ratios, err := p.raw.SectorRatios(ctx, profile.Sector)
			if err != nil {
				return storage.ScoreRecord{}, fmt.Errorf("load sector ratios: %w", err)
			}
			sector = scoring.SectorAverages{PE: ratios.PE, PB: ratios.PB, PS: ratios.PS}
		}
	}

	st, found, err := p.raw.LatestStatement(ctx, symbol)
	if err != nil {
		return storage.ScoreRecord{}, fmt.Errorf("load statement: %w", err)
	}
	if found {
		inputs.EPS = st.EPS
		inputs.Revenue = st.Revenue
		inputs.NetIncome = st.NetIncome
		inputs.TotalAssets = st.TotalAssets
		inputs.TotalEquity = st.TotalEquity
		inputs.TotalDebt = st.TotalDebt
		inputs.CurrentAssets = st.CurrentAssets
		inputs.CurrentLiabilities = st.CurrentLiabilities
		inputs.FreeCashFlow = st.FreeCashFlow
	}

	result := scoring.ScoreUndervaluation(inputs, sector, now)
	return toRecord(result), nil
}

func (p *Processor) computeSqueeze(ctx context.Context, symbol string, now time.Time) (storage.ScoreRecord, error) {
	inputs := scoring.SqueezeInputs{Symbol: symbol}

	si, found, err := p.raw.LatestShortInterest(ctx, symbol)
	if err != nil {
		return storage.ScoreRecord{}, fmt.Errorf("load short interest: %w", err)
	}
	if found {
		inputs.ShortPercentFloat = si.PercentOfFloat
		inputs.DaysToCover = si.DaysToCover
		if si.FloatShares > 0 {
			floatShares := si.FloatShares
			inputs.FloatShares = &floatShares
		}
	}

	bars, err := p.raw.ListPriceBars(ctx, symbol, now.AddDate(0, 0, -45), now)
	if err != nil {
		return storage.ScoreRecord{}, fmt.Errorf("load price bars: %w", err)
	}
	inputs.Bars = bars

	result := scoring.ScoreSqueeze(inputs, now)
	return toRecord(result), nil
}

func toRecord(result scoring.ScoreResult) storage.ScoreRecord {
	components := make(map[string]float64, len(result.ComponentScores))
	for name, score := range result.ComponentScores {
		components[name] = score.InexactFloat64()
	}
	return storage.ScoreRecord{
		Symbol:          result.Symbol,
		ComponentScores: components,
		CompositeScore:  result.CompositeScore,
		DataQuality:     string(result.DataQuality),
		Flags:           result.Flags,
		CalculatedAt:    result.CalculatedAt,
	}
}
