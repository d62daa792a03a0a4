package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"equity-scanner/internal/storage"
)

// Clock supplies the current time.
type Clock func() time.Time

// Queue is the deduplicated recalculation work list. Enqueue is idempotent
// per symbol: repeated triggers within one processing interval collapse into
// a single pending entry carrying the most recent trigger.
type Queue struct {
	store  storage.QueueStore
	now    Clock
	logger zerolog.Logger
}

// New constructs a Queue. A nil clock defaults to wall time.
func New(store storage.QueueStore, logger zerolog.Logger, clock Clock) *Queue {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Queue{
		store:  store,
		now:    clock,
		logger: logger.With().Str("component", "recalc_queue").Logger(),
	}
}

// Enqueue records that symbol needs recalculation because of triggerSource.
func (q *Queue) Enqueue(ctx context.Context, symbol, triggerSource string) error {
	if err := q.store.EnqueueRecalc(ctx, symbol, triggerSource, q.now().UTC()); err != nil {
		return fmt.Errorf("enqueue %s: %w", symbol, err)
	}
	q.logger.Debug().Str("symbol", symbol).Str("trigger", triggerSource).Msg("recalculation queued")
	return nil
}

// Depth reports the number of non-terminal entries.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	return q.store.QueueDepth(ctx)
}

// HookFor adapts the queue into a storage mutation hook, so every raw-table
// upsert feeds the recalculation pipeline.
func (q *Queue) HookFor() storage.MutationHook {
	return func(event storage.MutationEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := q.Enqueue(ctx, event.Symbol, string(event.Table)); err != nil {
			q.logger.Error().Err(err).Str("symbol", event.Symbol).Msg("failed to enqueue from mutation event")
		}
	}
}
