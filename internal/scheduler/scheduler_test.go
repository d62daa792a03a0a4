package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testScheduler(clock Clock) *Scheduler {
	return New(Options{PauseDuration: time.Hour, FailureThreshold: 3}, zerolog.Nop(), clock)
}

func TestRunJobUnknown(t *testing.T) {
	s := testScheduler(nil)
	result := s.RunJob(context.Background(), "nope")
	if result.Status != StatusFailed || result.Err == nil {
		t.Fatalf("unknown job should fail, got %#v", result)
	}
}

func TestRunJobSingleFlight(t *testing.T) {
	s := testScheduler(nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	s.Register(Job{
		Name: "slow",
		Run: func(ctx context.Context) (JobReport, error) {
			close(entered)
			<-release
			return JobReport{Processed: 1}, nil
		},
	})

	var wg sync.WaitGroup
	wg.Add(1)
	var first JobResult
	go func() {
		defer wg.Done()
		first = s.RunJob(context.Background(), "slow")
	}()

	<-entered
	second := s.RunJob(context.Background(), "slow")
	if second.Status != StatusSkipped {
		t.Fatalf("concurrent invocation should be skipped, got %s", second.Status)
	}

	close(release)
	wg.Wait()
	if first.Status != StatusCompleted || first.Processed != 1 {
		t.Fatalf("first invocation should complete, got %#v", first)
	}
}

func TestPauseBlocksProviderJobs(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	clock := now
	s := testScheduler(func() time.Time { return clock })

	ran := 0
	s.Register(Job{
		Name:         "fetch",
		UsesProvider: true,
		Run: func(ctx context.Context) (JobReport, error) {
			ran++
			return JobReport{}, nil
		},
	})
	s.Register(Job{
		Name: "maintenance",
		Run: func(ctx context.Context) (JobReport, error) {
			return JobReport{}, nil
		},
	})

	s.Pause("rate limited")

	result := s.RunJob(context.Background(), "fetch")
	if result.Status != StatusSkipped || ran != 0 {
		t.Fatalf("provider job should be refused while paused, got %#v", result)
	}

	// Non-provider work keeps running through the pause.
	if got := s.RunJob(context.Background(), "maintenance"); got.Status != StatusCompleted {
		t.Fatalf("non-provider job should run while paused, got %s", got.Status)
	}

	snap := s.Status()
	if snap.State != StatePaused || snap.PauseReason != "rate limited" {
		t.Fatalf("expected paused state, got %#v", snap)
	}
}

func TestPauseLiftsAfterCooldownAndProbe(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	clock := now
	s := testScheduler(func() time.Time { return clock })

	probeErr := errors.New("provider still down")
	s.Register(Job{
		Name: JobHealthCheck,
		Run: func(ctx context.Context) (JobReport, error) {
			return JobReport{}, probeErr
		},
	})
	s.Register(Job{
		Name:         "fetch",
		UsesProvider: true,
		Run: func(ctx context.Context) (JobReport, error) {
			return JobReport{}, nil
		},
	})

	s.Pause("quota exhausted")

	// Cool-down elapsed but the probe still fails: pause extends.
	clock = now.Add(61 * time.Minute)
	if got := s.RunJob(context.Background(), "fetch"); got.Status != StatusSkipped {
		t.Fatalf("failed probe should keep the pause, got %s", got.Status)
	}

	// Probe recovers after the extended cool-down: provider work resumes.
	probeErr = nil
	clock = clock.Add(61 * time.Minute)
	if got := s.RunJob(context.Background(), "fetch"); got.Status != StatusCompleted {
		t.Fatalf("recovered probe should lift the pause, got %#v", got)
	}
	if snap := s.Status(); snap.State == StatePaused {
		t.Fatalf("pause should be lifted, got %#v", snap)
	}
}

func TestTransientFailureStreakTripsPause(t *testing.T) {
	s := testScheduler(nil)

	s.RecordTransientFailure()
	s.RecordTransientFailure()
	if snap := s.Status(); snap.State == StatePaused {
		t.Fatal("two failures must not pause yet")
	}

	s.RecordTransientFailure()
	if snap := s.Status(); snap.State != StatePaused {
		t.Fatalf("third consecutive failure should pause, got %#v", snap)
	}
}

func TestProviderSuccessResetsStreak(t *testing.T) {
	s := testScheduler(nil)

	s.RecordTransientFailure()
	s.RecordTransientFailure()
	s.RecordProviderSuccess()
	s.RecordTransientFailure()

	if snap := s.Status(); snap.State == StatePaused {
		t.Fatal("streak should have been reset by a success")
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	s := testScheduler(nil)
	job := Job{Name: "dup", Run: func(ctx context.Context) (JobReport, error) { return JobReport{}, nil }}
	s.Register(job)

	defer func() {
		if recover() == nil {
			t.Fatal("duplicate registration should panic")
		}
	}()
	s.Register(job)
}
