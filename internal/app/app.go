package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"equity-scanner/internal/alerting"
	"equity-scanner/internal/config"
	"equity-scanner/internal/fetcher"
	"equity-scanner/internal/gaps"
	"equity-scanner/internal/logging"
	"equity-scanner/internal/queue"
	"equity-scanner/internal/quota"
	"equity-scanner/internal/scheduler"
	"equity-scanner/internal/service"
	"equity-scanner/internal/storage"
	"equity-scanner/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newClient() *fetcher.Client {
	return fetcher.NewClient(fetcher.ClientOptions{
		BaseURL:   a.Config.Provider.BaseURL,
		APIKey:    a.Config.Provider.APIKey,
		Timeout:   a.Config.Provider.RequestTimeout,
		UserAgent: a.Config.Provider.UserAgent,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Notify.Enabled && a.Config.Notify.Telegram.Enabled {
		cfg := a.Config.Notify.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// pipeline bundles the wired components behind one store handle.
type pipeline struct {
	store     *storage.Store
	client    *fetcher.Client
	tracker   *quota.Tracker
	sched     *scheduler.Scheduler
	collector *service.Collector
	recalc    *queue.Queue
	processor *queue.Processor
}

func (a *App) buildPipeline(store *storage.Store) *pipeline {
	cfg := a.Config

	client := a.newClient()
	tracker := quota.New(quota.Options{
		DailyQuota:      cfg.Provider.DailyQuota,
		MinCallInterval: cfg.Provider.MinCallInterval,
	}, store, a.Logger, nil)

	sched := scheduler.New(scheduler.Options{
		PauseDuration:    cfg.Scheduler.PauseDuration,
		FailureThreshold: cfg.Scheduler.FailureThreshold,
		StartupDelay:     cfg.Scheduler.StartupDelay,
	}, a.Logger, nil)

	detector := gaps.New(cfg.Gaps, cfg.Universe.Symbols, cfg.HolidaySet(), store, store, a.Logger, nil)

	collector := service.NewCollector(cfg, client, tracker, store, store, detector, sched, store, a.Logger, nil)
	collector.RegisterJobs(sched)

	recalc := queue.New(store, a.Logger, nil)
	store.SetMutationHook(recalc.HookFor())

	var failureNotifier queue.FailureNotifier
	if notifier := a.newNotifier(); notifier != nil {
		failureNotifier = &operatorNotifier{notifier: notifier}
	}

	processor := queue.NewProcessor(cfg.Queue, store, store, store, failureNotifier, a.Logger, nil)

	return &pipeline{
		store:     store,
		client:    client,
		tracker:   tracker,
		sched:     sched,
		collector: collector,
		recalc:    recalc,
		processor: processor,
	}
}

// operatorNotifier adapts the alerting channel onto the queue's failure
// surface.
type operatorNotifier struct {
	notifier alerting.Notifier
}

func (o *operatorNotifier) NotifyQueueFailure(ctx context.Context, entry storage.QueueEntry, cause error) error {
	return o.notifier.Notify(ctx, alerting.Notification{
		Subject:    "recalculation failed after max attempts",
		Symbol:     entry.Symbol,
		Detail:     cause.Error(),
		OccurredAt: time.Now().UTC(),
	})
}

// Run executes the long-running scheduler and queue-processor loops.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if key := a.Config.Scheduler.AdvisoryLockKey; key != 0 {
		unlock, acquired, lockErr := store.TryAdvisoryLock(ctx, key)
		if lockErr != nil {
			return fmt.Errorf("acquire advisory lock: %w", lockErr)
		}
		if !acquired {
			return errors.New("another scanner instance holds the advisory lock")
		}
		defer unlock()
	}

	p := a.buildPipeline(store)

	a.Logger.Info().Str("build", version.String()).Msg("starting scanner pipeline")

	errCh := make(chan error, 2)
	go func() { errCh <- p.sched.Run(ctx) }()
	go func() { errCh <- p.processor.Run(ctx) }()

	err = <-errCh
	cancel()
	<-errCh

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("pipeline terminated with error")
		return err
	}

	a.Logger.Info().Msg("scanner pipeline stopped")
	return nil
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ExportOptions hold parameters for exporting price history.
type ExportOptions struct {
	Symbol    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}
