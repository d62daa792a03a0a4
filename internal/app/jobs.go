package app

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"equity-scanner/internal/scheduler"
)

// StartJob runs one named job to completion and reports its result. It runs
// inside this process; a concurrently running scanner instance is fenced off
// by the advisory lock it holds, so start-job is meant for one-off operation
// against an idle database.
func (a *App) StartJob(ctx context.Context, name string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	p := a.buildPipeline(store)

	if !containsJob(p.sched.JobNames(), name) {
		return fmt.Errorf("unknown job %q (available: %s)", name, strings.Join(sortedJobs(p.sched), ", "))
	}

	result := p.sched.RunJob(ctx, name)
	fmt.Fprintf(os.Stdout, "job %s: %s (processed=%d failed=%d", result.Job, result.Status, result.Processed, result.Failed)
	if result.Detail != "" {
		fmt.Fprintf(os.Stdout, " detail=%q", result.Detail)
	}
	fmt.Fprintln(os.Stdout, ")")

	if result.Status == scheduler.StatusFailed {
		return fmt.Errorf("job %s failed: %w", name, result.Err)
	}
	return nil
}

// RunCatchup triggers one catch-up pass.
func (a *App) RunCatchup(ctx context.Context) error {
	return a.StartJob(ctx, scheduler.JobCatchup)
}

// HealthCheck probes the database and the provider. It returns an error when
// either is unreachable so the command can exit non-zero.
func (a *App) HealthCheck(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	defer closeStore()

	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	fmt.Fprintln(os.Stdout, "database: ok")

	client := a.newClient()
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("provider unreachable: %w", err)
	}
	fmt.Fprintln(os.Stdout, "provider: ok")
	return nil
}

func containsJob(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func sortedJobs(s *scheduler.Scheduler) []string {
	names := s.JobNames()
	sort.Strings(names)
	return names
}
