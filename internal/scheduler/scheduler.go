package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Well-known job names.
const (
	JobDailyUpdate   = "daily_update"
	JobCatchup       = "catchup"
	JobShortInterest = "weekly_short_interest"
	JobHealthCheck   = "health_check"
)

// JobStatus is the terminal status of one job invocation.
type JobStatus string

const (
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
	StatusSkipped   JobStatus = "SKIPPED"
)

// JobReport is what a job body returns: per-symbol counters plus detail.
type JobReport struct {
	Processed int
	Failed    int
	Detail    string
}

// JobFunc is a job body. Per-symbol failures are counted in the report; a
// returned error is a job-level fatal condition.
type JobFunc func(ctx context.Context) (JobReport, error)

// Job couples a named body with its cadence and resource profile.
type Job struct {
	Name         string
	Interval     time.Duration
	UsesProvider bool
	Run          JobFunc
}

// JobResult is the structured record logged for every invocation.
type JobResult struct {
	Job       string
	Status    JobStatus
	StartedAt time.Time
	Duration  time.Duration
	Processed int
	Failed    int
	Detail    string
	Err       error
}

// State is the scheduler's coarse control state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// Clock supplies the current time.
type Clock func() time.Time

// Options tune scheduler behaviour.
type Options struct {
	PauseDuration    time.Duration
	FailureThreshold int
	StartupDelay     time.Duration
}

// Scheduler owns the named jobs and the pause state machine. Provider-bound
// jobs are serialized with each other and refused while paused; the pause is
// lifted only after the cool-down elapses and a health probe succeeds.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    Clock

	mu              sync.Mutex
	jobs            map[string]*Job
	running         map[string]bool
	pausedUntil     time.Time
	pauseReason     string
	transientStreak int

	providerMu sync.Mutex
}

// New constructs a Scheduler. A nil clock defaults to wall time.
func New(opts Options, logger zerolog.Logger, clock Clock) *Scheduler {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.PauseDuration <= 0 {
		opts.PauseDuration = time.Hour
	}
	return &Scheduler{
		opts:    opts,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		now:     clock,
		jobs:    make(map[string]*Job),
		running: make(map[string]bool),
	}
}

// Register adds a named job. Registering a duplicate name panics: job
// wiring is a startup-time programming error, not a runtime condition.
func (s *Scheduler) Register(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		panic("scheduler: duplicate job " + job.Name)
	}
	s.jobs[job.Name] = &job
}

// JobNames lists registered jobs.
func (s *Scheduler) JobNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

// RunJob invokes one named job and returns its structured result. Concurrent
// invocations of the same name are rejected (single-flight); provider-bound
// jobs are refused while the scheduler is paused.
func (s *Scheduler) RunJob(ctx context.Context, name string) JobResult {
	s.mu.Lock()
	job, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return JobResult{Job: name, Status: StatusFailed, StartedAt: s.now(), Err: fmt.Errorf("unknown job %q", name)}
	}
	if s.running[name] {
		s.mu.Unlock()
		return JobResult{Job: name, Status: StatusSkipped, StartedAt: s.now(), Detail: "already running"}
	}

	if job.UsesProvider {
		if blocked, reason := s.providerBlockedLocked(ctx); blocked {
			s.mu.Unlock()
			return JobResult{Job: name, Status: StatusSkipped, StartedAt: s.now(), Detail: reason}
		}
	}

	s.running[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
	}()

	if job.UsesProvider {
		s.providerMu.Lock()
		defer s.providerMu.Unlock()
	}

	started := s.now()
	report, err := job.Run(ctx)
	duration := s.now().Sub(started)

	result := JobResult{
		Job:       name,
		StartedAt: started,
		Duration:  duration,
		Processed: report.Processed,
		Failed:    report.Failed,
		Detail:    report.Detail,
	}
	if err != nil {
		result.Status = StatusFailed
		result.Err = err
	} else {
		result.Status = StatusCompleted
	}

	s.logResult(result)
	return result
}

// providerBlockedLocked decides whether provider-bound work is refused.
// Called with s.mu held. When the cool-down has elapsed it re-probes via
// the health check before resuming.
func (s *Scheduler) providerBlockedLocked(ctx context.Context) (bool, string) {
	if s.pausedUntil.IsZero() {
		return false, ""
	}
	now := s.now()
	if now.Before(s.pausedUntil) {
		return true, fmt.Sprintf("paused until %s (%s)", s.pausedUntil.UTC().Format(time.RFC3339), s.pauseReason)
	}

	probe, ok := s.jobs[JobHealthCheck]
	if ok && probe.Run != nil {
		s.mu.Unlock()
		_, err := probe.Run(ctx)
		s.mu.Lock()
		if err != nil {
			s.pausedUntil = s.now().Add(s.opts.PauseDuration)
			s.logger.Warn().Err(err).Time("paused_until", s.pausedUntil).Msg("health probe failed, pause extended")
			return true, "health probe failed"
		}
	}

	s.pausedUntil = time.Time{}
	s.pauseReason = ""
	s.transientStreak = 0
	s.logger.Info().Msg("pause lifted, resuming provider work")
	return false, ""
}

// Pause refuses provider-bound work for the configured cool-down.
func (s *Scheduler) Pause(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pausedUntil = s.now().Add(s.opts.PauseDuration)
	s.pauseReason = reason
	s.logger.Warn().Str("reason", reason).Time("paused_until", s.pausedUntil).Msg("scheduler paused")
}

// RecordProviderSuccess resets the consecutive transient-failure streak.
func (s *Scheduler) RecordProviderSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transientStreak = 0
}

// RecordTransientFailure counts one transient provider failure; the
// threshold-th consecutive failure trips the pause.
func (s *Scheduler) RecordTransientFailure() {
	s.mu.Lock()
	streak := s.transientStreak + 1
	s.transientStreak = streak
	threshold := s.opts.FailureThreshold
	s.mu.Unlock()

	if streak >= threshold {
		s.Pause(fmt.Sprintf("%d consecutive transient provider failures", streak))
	}
}

// Snapshot describes the scheduler's current state for the status surface.
type Snapshot struct {
	State       State
	RunningJobs []string
	PausedUntil time.Time
	PauseReason string
}

// Status reports the current control state.
func (s *Scheduler) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{State: StateIdle, PausedUntil: s.pausedUntil, PauseReason: s.pauseReason}
	for name, active := range s.running {
		if active {
			snap.RunningJobs = append(snap.RunningJobs, name)
		}
	}
	if len(snap.RunningJobs) > 0 {
		snap.State = StateRunning
	} else if !s.pausedUntil.IsZero() && s.now().Before(s.pausedUntil) {
		snap.State = StatePaused
	}
	return snap
}

// Run drives every registered job with an Interval on its own cadence until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	scheduled := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if job.Interval > 0 {
			scheduled = append(scheduled, job)
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, job := range scheduled {
		wg.Add(1)
		go func(job *Job) {
			defer wg.Done()
			s.runCadence(ctx, job)
		}(job)
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) runCadence(ctx context.Context, job *Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunJob(ctx, job.Name)
		}
	}
}

func (s *Scheduler) logResult(result JobResult) {
	event := s.logger.Info()
	if result.Status == StatusFailed {
		event = s.logger.Error().Err(result.Err)
	}
	event.
		Str("task", result.Job).
		Str("status", string(result.Status)).
		Dur("duration", result.Duration).
		Int("processed", result.Processed).
		Int("failed", result.Failed).
		Str("details", result.Detail).
		Msg("job finished")
}
