package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"equity-scanner/internal/storage"
)

// Show prints the most recent scores from both score tables.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	under, err := store.ListUndervaluationScores(ctx, opts.Limit)
	if err != nil {
		return err
	}
	squeeze, err := store.ListSqueezeScores(ctx, opts.Limit)
	if err != nil {
		return err
	}

	printScores("Undervaluation", under)
	fmt.Fprintln(os.Stdout)
	printScores("Squeeze", squeeze)
	return nil
}

func printScores(title string, records []storage.ScoreRecord) {
	fmt.Fprintf(os.Stdout, "%s scores\n", title)
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "  none")
		return
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Symbol\tComposite\tQuality\tFlags\tCalculated (UTC)")
	for _, rec := range records {
		composite := "-"
		if rec.CompositeScore != nil {
			composite = rec.CompositeScore.StringFixed(2)
		}
		flags := ""
		if len(rec.Flags) > 0 {
			flags = sanitizeInline(strings.Join(rec.Flags, ", "))
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			rec.Symbol,
			composite,
			rec.DataQuality,
			flags,
			rec.CalculatedAt.UTC().Format(time.RFC3339),
		)
	}
	writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
