package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"equity-scanner/internal/config"
	"equity-scanner/internal/fetcher"
	"equity-scanner/internal/gaps"
	"equity-scanner/internal/quota"
	"equity-scanner/internal/scheduler"
	"equity-scanner/internal/storage"
)

// fakeClient returns canned records, or an injected error per endpoint.
// profileErrLimit caps how many profile calls fail; zero means every call.
type fakeClient struct {
	profileErr      error
	profileErrLimit int
	profileCalls    int
	pricesErr       error
	stmtErr         error
	shortErr        error
	pingErr         error
	calls           int
}

func (f *fakeClient) FetchProfile(ctx context.Context, symbol string) (fetcher.Profile, error) {
	f.calls++
	f.profileCalls++
	if f.profileErr != nil && (f.profileErrLimit == 0 || f.profileCalls <= f.profileErrLimit) {
		return fetcher.Profile{}, f.profileErr
	}
	return fetcher.Profile{Symbol: symbol, FloatShares: 1}, nil
}

func (f *fakeClient) FetchPriceSeries(ctx context.Context, symbol string, from, to time.Time) ([]fetcher.PriceBar, error) {
	f.calls++
	if f.pricesErr != nil {
		return nil, f.pricesErr
	}
	return []fetcher.PriceBar{{Symbol: symbol, Date: to}}, nil
}

func (f *fakeClient) FetchStatements(ctx context.Context, symbol, period string) (fetcher.Statement, error) {
	f.calls++
	if f.stmtErr != nil {
		return fetcher.Statement{}, f.stmtErr
	}
	return fetcher.Statement{Symbol: symbol, PeriodEnd: time.Now(), Period: period}, nil
}

func (f *fakeClient) FetchShortInterest(ctx context.Context, symbol string) (fetcher.ShortInterest, error) {
	f.calls++
	if f.shortErr != nil {
		return fetcher.ShortInterest{}, f.shortErr
	}
	return fetcher.ShortInterest{Symbol: symbol, ReportDate: time.Now()}, nil
}

func (f *fakeClient) Ping(ctx context.Context) error { return f.pingErr }

// memRaw records upserts and ignores reads.
type memRaw struct {
	profiles int
	bars     int
	stmts    int
	shorts   int
}

func (m *memRaw) UpsertProfile(ctx context.Context, p fetcher.Profile) error {
	m.profiles++
	return nil
}

func (m *memRaw) UpsertPriceBars(ctx context.Context, bars []fetcher.PriceBar) error {
	m.bars++
	return nil
}

func (m *memRaw) UpsertStatement(ctx context.Context, st fetcher.Statement) error {
	m.stmts++
	return nil
}

func (m *memRaw) UpsertShortInterest(ctx context.Context, si fetcher.ShortInterest) error {
	m.shorts++
	return nil
}

func (m *memRaw) GetProfile(ctx context.Context, symbol string) (fetcher.Profile, time.Time, bool, error) {
	return fetcher.Profile{}, time.Time{}, false, nil
}

func (m *memRaw) ListPriceBars(ctx context.Context, symbol string, from, to time.Time) ([]fetcher.PriceBar, error) {
	return nil, nil
}

func (m *memRaw) ListPriceDates(ctx context.Context, symbol string, from, to time.Time) (map[string]struct{}, error) {
	return nil, nil
}

func (m *memRaw) LatestStatement(ctx context.Context, symbol string) (fetcher.Statement, bool, error) {
	return fetcher.Statement{}, false, nil
}

func (m *memRaw) LatestShortInterest(ctx context.Context, symbol string) (fetcher.ShortInterest, bool, error) {
	return fetcher.ShortInterest{}, false, nil
}

func (m *memRaw) SectorRatios(ctx context.Context, sector string) (storage.SectorRatios, error) {
	return storage.SectorRatios{}, nil
}

// memGaps mirrors the SQL gap store's upsert-once behaviour.
type memGaps struct {
	gaps map[string]*storage.DataGap
}

func newMemGaps() *memGaps { return &memGaps{gaps: make(map[string]*storage.DataGap)} }

func gid(symbol string, dt storage.DataType) string { return symbol + "/" + string(dt) }

func (m *memGaps) RecordGap(ctx context.Context, symbol string, dt storage.DataType, at time.Time) error {
	id := gid(symbol, dt)
	if g, ok := m.gaps[id]; ok {
		if g.Status == storage.GapResolved {
			g.Status = storage.GapPending
		}
		return nil
	}
	m.gaps[id] = &storage.DataGap{Symbol: symbol, DataType: dt, Status: storage.GapPending, FirstDetectedAt: at}
	return nil
}

func (m *memGaps) GetGap(ctx context.Context, symbol string, dt storage.DataType) (storage.DataGap, bool, error) {
	if g, ok := m.gaps[gid(symbol, dt)]; ok {
		return *g, true, nil
	}
	return storage.DataGap{}, false, nil
}

func (m *memGaps) ListOpenGaps(ctx context.Context, limit int) ([]storage.DataGap, error) {
	var out []storage.DataGap
	for _, g := range m.gaps {
		if g.Status == storage.GapPending || g.Status == storage.GapRetryScheduled {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (m *memGaps) MarkGapAttempt(ctx context.Context, symbol string, dt storage.DataType, status storage.GapStatus, countAttempt, countUnavailable bool, at time.Time) error {
	g := m.gaps[gid(symbol, dt)]
	g.Status = status
	if countAttempt {
		g.AttemptCount++
	}
	if countUnavailable {
		g.UnavailableCount++
	}
	attempt := at
	g.LastAttemptAt = &attempt
	return nil
}

func (m *memGaps) ResolveGap(ctx context.Context, symbol string, dt storage.DataType, at time.Time) error {
	if g, ok := m.gaps[gid(symbol, dt)]; ok {
		g.Status = storage.GapResolved
	}
	return nil
}

func (m *memGaps) CountOpenGaps(ctx context.Context) (int, error) {
	open, _ := m.ListOpenGaps(ctx, 0)
	return len(open), nil
}

// memUsage implements storage.UsageStore in memory.
type memUsage struct {
	records []storage.UsageRecord
}

func (m *memUsage) InsertUsage(ctx context.Context, rec storage.UsageRecord) error {
	m.records = append(m.records, rec)
	return nil
}

func (m *memUsage) CountUsageSince(ctx context.Context, since time.Time) (int, error) {
	n := 0
	for _, rec := range m.records {
		if !rec.CalledAt.Before(since) {
			n++
		}
	}
	return n, nil
}

type harness struct {
	client  *fakeClient
	raw     *memRaw
	gaps    *memGaps
	sched   *scheduler.Scheduler
	tracker *quota.Tracker
	col     *Collector
	now     time.Time
}

func newHarness(t *testing.T, symbols []string, dailyQuota int) *harness {
	t.Helper()

	now := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	cfg := &config.Config{}
	cfg.Universe.Symbols = symbols
	cfg.Gaps = config.GapConfig{
		UnavailableRetryDelay:  24 * time.Hour,
		MaxUnavailableAttempts: 2,
		ProfileStaleAfter:      7 * 24 * time.Hour,
		StatementStaleAfter:    120 * 24 * time.Hour,
		ShortInterestStale:     14 * 24 * time.Hour,
		PriceLookbackDays:      5,
	}
	cfg.Scheduler.PauseDuration = time.Hour
	cfg.Scheduler.FailureThreshold = 3
	// Retries default off so failure-path tests see one attempt per unit;
	// the retry tests opt in explicitly.
	cfg.Provider.TransientRetries = 0
	cfg.Provider.RetryBackoff = 0

	client := &fakeClient{}
	raw := &memRaw{}
	gapStore := newMemGaps()
	tracker := quota.New(quota.Options{DailyQuota: dailyQuota}, &memUsage{}, zerolog.Nop(), quota.Clock(clock))
	sched := scheduler.New(scheduler.Options{PauseDuration: time.Hour, FailureThreshold: 3}, zerolog.Nop(), scheduler.Clock(clock))
	detector := gaps.New(cfg.Gaps, symbols, nil, raw, gapStore, zerolog.Nop(), gaps.Clock(clock))

	col := NewCollector(cfg, client, tracker, raw, gapStore, detector, sched, nil, zerolog.Nop(), Clock(clock))
	return &harness{client: client, raw: raw, gaps: gapStore, sched: sched, tracker: tracker, col: col, now: now}
}

func TestDailyUpdateHappyPath(t *testing.T) {
	h := newHarness(t, []string{"AAPL", "MSFT"}, 100)

	report, err := h.col.DailyUpdate(context.Background())
	if err != nil {
		t.Fatalf("daily update: %v", err)
	}
	if report.Processed != 4 || report.Failed != 0 {
		t.Fatalf("expected 4 processed units, got %#v", report)
	}
	if h.raw.profiles != 2 || h.raw.bars != 2 {
		t.Fatalf("expected 2 profiles and 2 bar sets persisted, got %d/%d", h.raw.profiles, h.raw.bars)
	}
}

func TestDailyUpdateStopsOnQuotaExhaustion(t *testing.T) {
	h := newHarness(t, []string{"AAPL", "MSFT"}, 1)

	report, err := h.col.DailyUpdate(context.Background())
	if err != nil {
		t.Fatalf("daily update: %v", err)
	}
	if report.Processed != 1 {
		t.Fatalf("only the budgeted call should process, got %#v", report)
	}
	if report.Detail == "" {
		t.Fatal("early stop should be reported in the detail")
	}
	if h.sched.Status().State != scheduler.StatePaused {
		t.Fatal("quota exhaustion should pause the scheduler")
	}
}

func TestRateLimitPausesWithoutGapPenalty(t *testing.T) {
	h := newHarness(t, []string{"AAPL"}, 100)
	h.client.profileErr = &fetcher.ProviderError{Kind: fetcher.KindRateLimited, Symbol: "AAPL", Endpoint: "/profile", Status: 429}

	report, err := h.col.DailyUpdate(context.Background())
	if err != nil {
		t.Fatalf("daily update: %v", err)
	}
	if report.Processed != 0 {
		t.Fatalf("nothing should process, got %#v", report)
	}
	if h.sched.Status().State != scheduler.StatePaused {
		t.Fatal("rate limit should pause the scheduler")
	}
	gap, found, _ := h.gaps.GetGap(context.Background(), "AAPL", storage.DataTypeProfile)
	if found && gap.AttemptCount > 0 {
		t.Fatalf("rate-limited attempts must not consume the gap budget, got %#v", gap)
	}
}

func TestUnavailableRetryThenPermanentFailure(t *testing.T) {
	h := newHarness(t, []string{"AAPL"}, 100)
	h.client.shortErr = &fetcher.ProviderError{Kind: fetcher.KindUnavailable, Symbol: "AAPL", Endpoint: "/short-interest", Status: 404}

	ctx := context.Background()

	// First attempt: schedule one delayed retry.
	report, err := h.col.WeeklyShortInterest(ctx)
	if err != nil {
		t.Fatalf("short interest: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("expected one failed unit, got %#v", report)
	}
	gap, found, _ := h.gaps.GetGap(ctx, "AAPL", storage.DataTypeShortInterest)
	if !found || gap.Status != storage.GapRetryScheduled || gap.AttemptCount != 1 {
		t.Fatalf("expected retry_scheduled with 1 attempt, got %#v", gap)
	}

	// Second attempt exhausts the budget.
	if _, err := h.col.WeeklyShortInterest(ctx); err != nil {
		t.Fatalf("short interest: %v", err)
	}
	gap, _, _ = h.gaps.GetGap(ctx, "AAPL", storage.DataTypeShortInterest)
	if gap.Status != storage.GapPermanentlyFailed || gap.AttemptCount != 2 {
		t.Fatalf("expected permanently_failed after 2 attempts, got %#v", gap)
	}
}

func TestTransientStreakPausesJob(t *testing.T) {
	h := newHarness(t, []string{"A", "B", "C", "D"}, 100)
	h.client.profileErr = &fetcher.ProviderError{Kind: fetcher.KindTransient, Symbol: "A", Endpoint: "/profile", Err: context.DeadlineExceeded}
	h.client.pricesErr = h.client.profileErr

	report, err := h.col.DailyUpdate(context.Background())
	if err != nil {
		t.Fatalf("daily update: %v", err)
	}
	// The third consecutive transient failure trips the pause, which stops
	// the job without counting that unit; the remaining symbols go untouched.
	if report.Failed != 2 {
		t.Fatalf("expected 2 failed units before the pause, got %#v", report)
	}
	if report.Detail == "" {
		t.Fatal("early stop should be reported in the detail")
	}
	if h.sched.Status().State != scheduler.StatePaused {
		t.Fatal("transient streak should pause the scheduler")
	}
}

func TestTransientRetriesBeforeCountingFailure(t *testing.T) {
	h := newHarness(t, []string{"AAPL"}, 100)
	h.col.cfg.Provider.TransientRetries = 2
	h.client.profileErr = &fetcher.ProviderError{Kind: fetcher.KindTransient, Symbol: "AAPL", Endpoint: "/profile", Err: context.DeadlineExceeded}
	h.client.profileErrLimit = 2

	report, err := h.col.DailyUpdate(context.Background())
	if err != nil {
		t.Fatalf("daily update: %v", err)
	}
	// Two transient failures are absorbed by in-unit retries; the third
	// profile call succeeds, so nothing is counted failed.
	if report.Processed != 2 || report.Failed != 0 {
		t.Fatalf("retried unit should succeed, got %#v", report)
	}
	if h.client.profileCalls != 3 {
		t.Fatalf("expected 3 profile calls, got %d", h.client.profileCalls)
	}
	if h.sched.Status().State == scheduler.StatePaused {
		t.Fatal("absorbed retries must not trip the pause")
	}
	if _, found, _ := h.gaps.GetGap(context.Background(), "AAPL", storage.DataTypeProfile); found {
		t.Fatal("absorbed retries must not record a gap")
	}
}

func TestTransientRetriesConsumeQuota(t *testing.T) {
	h := newHarness(t, []string{"AAPL"}, 100)
	h.col.cfg.Provider.TransientRetries = 2
	h.client.profileErr = &fetcher.ProviderError{Kind: fetcher.KindTransient, Symbol: "AAPL", Endpoint: "/profile", Err: context.DeadlineExceeded}
	h.client.profileErrLimit = 2

	if _, err := h.col.DailyUpdate(context.Background()); err != nil {
		t.Fatalf("daily update: %v", err)
	}
	// 3 profile calls plus 1 price call, each through the admission gate.
	remaining, err := h.tracker.Remaining(context.Background())
	if err != nil || remaining != 96 {
		t.Fatalf("each retry must count against the quota, remaining %d (%v)", remaining, err)
	}
}

func TestExhaustedTransientRetriesCountOneStreakStep(t *testing.T) {
	h := newHarness(t, []string{"AAPL"}, 100)
	h.col.cfg.Provider.TransientRetries = 2
	h.client.profileErr = &fetcher.ProviderError{Kind: fetcher.KindTransient, Symbol: "AAPL", Endpoint: "/profile", Err: context.DeadlineExceeded}

	report, err := h.col.DailyUpdate(context.Background())
	if err != nil {
		t.Fatalf("daily update: %v", err)
	}
	// One exhausted retry sequence is one failed unit and one streak step,
	// so the threshold of 3 is not reached by 3 raw calls.
	if report.Failed != 1 {
		t.Fatalf("exhausted retries should count one failed unit, got %#v", report)
	}
	if h.client.profileCalls != 3 {
		t.Fatalf("expected 3 profile calls, got %d", h.client.profileCalls)
	}
	if h.sched.Status().State == scheduler.StatePaused {
		t.Fatal("one exhausted sequence must not trip the 3-failure pause")
	}
}

func TestTransientFailureCountsGapAttempt(t *testing.T) {
	h := newHarness(t, []string{"AAPL"}, 100)
	h.client.profileErr = &fetcher.ProviderError{Kind: fetcher.KindTransient, Symbol: "AAPL", Endpoint: "/profile", Err: context.DeadlineExceeded}

	ctx := context.Background()
	if _, err := h.col.DailyUpdate(ctx); err != nil {
		t.Fatalf("daily update: %v", err)
	}

	gap, found, _ := h.gaps.GetGap(ctx, "AAPL", storage.DataTypeProfile)
	if !found || gap.AttemptCount != 1 {
		t.Fatalf("transient failure should count a ranking attempt, got %#v", gap)
	}
	if gap.UnavailableCount != 0 {
		t.Fatalf("transient failure must not consume the unavailable budget, got %#v", gap)
	}
	if gap.Status != storage.GapPending {
		t.Fatalf("transient gap should stay pending, got %q", gap.Status)
	}

	// Repeated transient failures rank the gap further back but never park
	// it as permanently failed.
	if _, err := h.col.DailyUpdate(ctx); err != nil {
		t.Fatalf("daily update: %v", err)
	}
	gap, _, _ = h.gaps.GetGap(ctx, "AAPL", storage.DataTypeProfile)
	if gap.AttemptCount != 2 || gap.Status == storage.GapPermanentlyFailed {
		t.Fatalf("transient attempts must not exhaust the budget, got %#v", gap)
	}
}

func TestSuccessResolvesGap(t *testing.T) {
	h := newHarness(t, []string{"AAPL"}, 100)
	ctx := context.Background()

	if err := h.gaps.RecordGap(ctx, "AAPL", storage.DataTypeProfile, h.now); err != nil {
		t.Fatalf("record gap: %v", err)
	}

	if _, err := h.col.DailyUpdate(ctx); err != nil {
		t.Fatalf("daily update: %v", err)
	}

	gap, _, _ := h.gaps.GetGap(ctx, "AAPL", storage.DataTypeProfile)
	if gap.Status != storage.GapResolved {
		t.Fatalf("successful fetch should resolve the gap, got %#v", gap)
	}
}

func TestHealthCheckDoesNotConsumeQuota(t *testing.T) {
	h := newHarness(t, []string{"AAPL"}, 5)

	if _, err := h.col.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check: %v", err)
	}
	remaining, err := h.tracker.Remaining(context.Background())
	if err != nil || remaining != 5 {
		t.Fatalf("health check must not consume quota, remaining %d (%v)", remaining, err)
	}
}
