package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Status prints the queryable pipeline state: quota headroom, queue depth,
// and the open gap backlog. Scheduler state lives in the running process and
// is visible there through its structured job logs.
func (a *App) Status(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	p := a.buildPipeline(store)

	remaining, err := p.tracker.Remaining(ctx)
	if err != nil {
		return fmt.Errorf("quota remaining: %w", err)
	}
	depth, err := store.QueueDepth(ctx)
	if err != nil {
		return fmt.Errorf("queue depth: %w", err)
	}
	openGaps, err := store.CountOpenGaps(ctx)
	if err != nil {
		return fmt.Errorf("open gaps: %w", err)
	}
	failed, err := store.ListFailedEntries(ctx)
	if err != nil {
		return fmt.Errorf("failed entries: %w", err)
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Quota remaining today\t%d / %d\n", remaining, a.Config.Provider.DailyQuota)
	fmt.Fprintf(writer, "Recalc queue depth\t%d\n", depth)
	fmt.Fprintf(writer, "Open data gaps\t%d\n", openGaps)
	fmt.Fprintf(writer, "Failed queue entries\t%d\n", len(failed))
	writer.Flush()

	if len(failed) == 0 {
		return nil
	}

	fmt.Fprintln(os.Stdout)
	writer = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Symbol\tAttempts\tEnqueued (UTC)\tLast error")
	for _, entry := range failed {
		errMsg := ""
		if entry.LastError != nil {
			errMsg = sanitizeInline(*entry.LastError)
		}
		fmt.Fprintf(writer, "%s\t%d\t%s\t%s\n",
			entry.Symbol,
			entry.AttemptCount,
			entry.EnqueuedAt.UTC().Format(time.RFC3339),
			errMsg,
		)
	}
	writer.Flush()
	return nil
}
