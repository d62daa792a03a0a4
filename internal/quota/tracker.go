package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"equity-scanner/internal/storage"
)

// ErrQuotaExhausted is returned when the daily provider budget is spent.
var ErrQuotaExhausted = errors.New("quota: daily provider budget exhausted")

// Clock supplies the current time. Injected so quota boundaries are
// deterministic under test.
type Clock func() time.Time

// Options tune the tracker.
type Options struct {
	DailyQuota      int
	MinCallInterval time.Duration
}

// Tracker enforces the external provider's daily quota and inter-call
// pacing. Every provider-bound call in the system passes through Acquire,
// which is the only global admission gate.
type Tracker struct {
	opts    Options
	store   storage.UsageStore
	limiter *rate.Limiter
	now     Clock
	logger  zerolog.Logger

	mu sync.Mutex
}

// New constructs a Tracker. A nil clock defaults to wall time.
func New(opts Options, store storage.UsageStore, logger zerolog.Logger, clock Clock) *Tracker {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.MinCallInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.MinCallInterval), 1)
	}

	return &Tracker{
		opts:    opts,
		store:   store,
		limiter: limiter,
		now:     clock,
		logger:  logger.With().Str("component", "usage_tracker").Logger(),
	}
}

// DayStart returns the current quota window boundary (UTC midnight).
func (t *Tracker) DayStart() time.Time {
	return t.now().UTC().Truncate(24 * time.Hour)
}

// Allow answers the admission question without recording a call. It never
// contacts the provider.
func (t *Tracker) Allow(ctx context.Context) (bool, error) {
	used, err := t.store.CountUsageSince(ctx, t.DayStart())
	if err != nil {
		return false, fmt.Errorf("count usage: %w", err)
	}
	return used < t.opts.DailyQuota, nil
}

// Remaining reports how many provider calls are left in today's window.
func (t *Tracker) Remaining(ctx context.Context) (int, error) {
	used, err := t.store.CountUsageSince(ctx, t.DayStart())
	if err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	remaining := t.opts.DailyQuota - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Acquire admits one provider call: checks the daily budget, waits out the
// inter-call delay, and records the call. Returns ErrQuotaExhausted when the
// budget is spent.
func (t *Tracker) Acquire(ctx context.Context, endpoint string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ok, err := t.Allow(ctx)
	if err != nil {
		return err
	}
	if !ok {
		t.logger.Warn().Str("endpoint", endpoint).Msg("provider call denied, quota exhausted")
		return ErrQuotaExhausted
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	if err := t.store.InsertUsage(ctx, storage.UsageRecord{CalledAt: t.now().UTC(), Endpoint: endpoint}); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}
