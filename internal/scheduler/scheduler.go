package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"foresight/internal/clock"
	"foresight/internal/domain"
	"foresight/internal/events"
)

// Handle is the job's view of its own run: it appends step records and
// checks the cooperative cancellation flag at stage boundaries.
type Handle struct {
	runID string
	repo  *Repository

	mu    sync.Mutex
	steps []StepRecord
}

// RunID returns the id of the run this handle belongs to.
func (h *Handle) RunID() string {
	return h.runID
}

// AddStep appends a step record and persists the accumulated list, so a
// crash mid-run leaves a usable audit trail.
func (h *Handle) AddStep(ctx context.Context, step StepRecord) error {
	h.mu.Lock()
	h.steps = append(h.steps, step)
	steps := make([]StepRecord, len(h.steps))
	copy(steps, h.steps)
	h.mu.Unlock()
	return h.repo.UpdateSteps(ctx, h.runID, steps)
}

// Steps returns the step records appended so far.
func (h *Handle) Steps() []StepRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	steps := make([]StepRecord, len(h.steps))
	copy(steps, h.steps)
	return steps
}

// Cancelled reads the persistent cancellation flag. Jobs check it between
// steps and exit cleanly when set.
func (h *Handle) Cancelled(ctx context.Context) bool {
	flag, err := h.repo.CancelRequested(ctx, h.runID)
	if err != nil {
		return false
	}
	return flag
}

// JobFunc is the body of a job. It returns a human-readable summary; a
// non-nil error marks the run FAILED unless the run was cancelled.
type JobFunc func(ctx context.Context, handle *Handle) (string, error)

// defaultRunRetention bounds how long finished JobRun records are kept when
// no retention is configured.
const defaultRunRetention = 14 * 24 * time.Hour

type registration struct {
	scheduleUTC string
	fn          JobFunc
	entryID     cron.EntryID
}

// Scheduler executes registered jobs on cron schedules (UTC) and on demand,
// holding a persistent lease per job so that across all workers at most one
// run is RUNNING at a time.
type Scheduler struct {
	repo      *Repository
	clock     clock.Clock
	bus       *events.Bus
	lease     time.Duration
	retention time.Duration
	owner     string
	log       zerolog.Logger

	cron *cron.Cron

	mu   sync.Mutex
	jobs map[string]*registration
}

func New(repo *Repository, clk clock.Clock, bus *events.Bus, lease, retention time.Duration, log zerolog.Logger) *Scheduler {
	if retention <= 0 {
		retention = defaultRunRetention
	}
	return &Scheduler{
		repo:      repo,
		clock:     clk,
		bus:       bus,
		lease:     lease,
		retention: retention,
		owner:     uuid.NewString(),
		log:       log.With().Str("component", "scheduler").Logger(),
		cron:      cron.New(cron.WithLocation(time.UTC)),
		jobs:      make(map[string]*registration),
	}
}

// Register adds a job with a cron schedule. An empty schedule registers a
// manual-only job.
func (s *Scheduler) Register(jobID, scheduleUTC string, fn JobFunc) error {
	if err := s.repo.EnsureJob(context.Background(), jobID, scheduleUTC); err != nil {
		return err
	}

	reg := &registration{scheduleUTC: scheduleUTC, fn: fn}
	if scheduleUTC != "" {
		entryID, err := s.cron.AddFunc(scheduleUTC, func() {
			if _, err := s.RunNow(context.Background(), jobID, TriggerCron); err != nil &&
				!errors.Is(err, domain.ErrLeaseHeld) && !errors.Is(err, ErrJobDisabled) {
				s.log.Error().Err(err).Str("job_id", jobID).Msg("Scheduled run failed to start")
			}
		})
		if err != nil {
			return fmt.Errorf("invalid schedule %q for job %s: %w", scheduleUTC, jobID, err)
		}
		reg.entryID = entryID
	}

	s.mu.Lock()
	s.jobs[jobID] = reg
	s.mu.Unlock()

	s.log.Info().Str("job_id", jobID).Str("schedule", scheduleUTC).Msg("Job registered")
	return nil
}

// Start begins firing cron triggers.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.publishNextRuns()
	s.log.Info().Msg("Scheduler started")
}

// Stop halts cron triggers and waits for in-flight runs started by this
// process to return from their cron callbacks.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("Scheduler stopped")
}

// Enable turns a job back on.
func (s *Scheduler) Enable(ctx context.Context, jobID string) error {
	return s.repo.SetEnabled(ctx, jobID, true)
}

// Disable prevents a job from starting. A run already in flight finishes.
func (s *Scheduler) Disable(ctx context.Context, jobID string) error {
	return s.repo.SetEnabled(ctx, jobID, false)
}

// State returns the persistent state of a job.
func (s *Scheduler) State(ctx context.Context, jobID string) (*JobState, error) {
	return s.repo.GetJob(ctx, jobID)
}

// RunNow executes a job immediately. Exactly one concurrent caller per job
// wins the lease and produces a JobRun; losers get domain.ErrLeaseHeld and
// no record is written for them.
func (s *Scheduler) RunNow(ctx context.Context, jobID string, trigger Trigger) (*JobRun, error) {
	s.mu.Lock()
	reg, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown job %s", jobID)
	}

	state, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !state.Enabled {
		return nil, ErrJobDisabled
	}

	now := s.clock.Now()
	runID := uuid.NewString()
	if err := s.repo.AcquireLease(ctx, jobID, s.owner, runID, now, s.lease); err != nil {
		return nil, err
	}

	run := &JobRun{
		RunID:     runID,
		JobID:     jobID,
		Trigger:   trigger,
		StartedAt: now,
		Status:    StatusRunning,
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		_ = s.repo.ReleaseLease(ctx, jobID, s.owner)
		return nil, err
	}

	s.publishJobStatus(jobID, runID, "started", trigger, 0, "")
	s.log.Info().
		Str("job_id", jobID).
		Str("run_id", runID).
		Str("trigger", string(trigger)).
		Msg("Job run started")

	handle := &Handle{runID: runID, repo: s.repo}
	summary, runErr := s.execute(ctx, reg.fn, handle)

	finished := s.clock.Now()
	status := StatusSuccess
	errText := ""
	switch {
	case runErr == nil && handle.Cancelled(ctx):
		status = StatusCancelled
	case runErr != nil && (errors.Is(runErr, context.Canceled) || handle.Cancelled(ctx)):
		status = StatusCancelled
	case runErr != nil:
		status = StatusFailed
		errText = runErr.Error()
	}

	run.Status = status
	run.FinishedAt = finished
	run.Steps = handle.Steps()
	run.Summary = summary

	if err := s.repo.FinishRun(ctx, runID, status, run.Steps, summary, finished); err != nil {
		s.log.Error().Err(err).Str("run_id", runID).Msg("Failed to finalize job run")
	}
	if err := s.repo.RecordResult(ctx, jobID, status, finished); err != nil {
		s.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to record job result")
	}
	if err := s.repo.ReleaseLease(ctx, jobID, s.owner); err != nil {
		s.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to release lease")
	}
	if pruned, err := s.repo.GC(ctx, finished.Add(-s.retention)); err != nil {
		s.log.Warn().Err(err).Msg("Run history cleanup failed")
	} else if pruned > 0 {
		s.log.Debug().Int64("pruned", pruned).Msg("Old job runs removed")
	}

	duration := finished.Sub(now).Seconds()
	switch status {
	case StatusSuccess:
		s.publishJobStatus(jobID, runID, "completed", trigger, duration, "")
		s.log.Info().
			Str("job_id", jobID).
			Str("run_id", runID).
			Float64("duration_s", duration).
			Msg("Job run completed")
	default:
		s.publishJobStatus(jobID, runID, "failed", trigger, duration, errText)
		s.log.Warn().
			Str("job_id", jobID).
			Str("run_id", runID).
			Str("status", string(status)).
			Str("error", errText).
			Msg("Job run did not succeed")
	}

	s.publishNextRuns()
	return run, nil
}

// execute runs the job body, converting a panic into a failed run rather
// than taking the scheduler down.
func (s *Scheduler) execute(ctx context.Context, fn JobFunc, handle *Handle) (summary string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx, handle)
}

// RequestCancel flags the currently running run of a job. The run exits at
// its next stage boundary.
func (s *Scheduler) RequestCancel(ctx context.Context, jobID string) error {
	state, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if state.LockRunID == "" || !s.clock.Now().Before(state.LockedUntil) {
		return ErrRunNotFound
	}
	return s.repo.RequestCancel(ctx, state.LockRunID)
}

// publishNextRuns mirrors cron's computed fire times into job_state.
func (s *Scheduler) publishNextRuns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jobID, reg := range s.jobs {
		if reg.scheduleUTC == "" {
			continue
		}
		entry := s.cron.Entry(reg.entryID)
		if entry.Next.IsZero() {
			continue
		}
		if err := s.repo.SetNextRun(context.Background(), jobID, entry.Next); err != nil {
			s.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to record next run")
		}
	}
}

func (s *Scheduler) publishJobStatus(jobID, runID, status string, trigger Trigger, duration float64, errText string) {
	if s.bus == nil {
		return
	}
	s.bus.PublishData("scheduler", &events.JobStatusData{
		JobID:     jobID,
		RunID:     runID,
		Status:    status,
		Trigger:   string(trigger),
		Duration:  duration,
		Error:     errText,
		Timestamp: s.clock.Now(),
	})
}
