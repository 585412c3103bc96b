// Package scheduler runs registered jobs on cron schedules with a
// persistent, lease-based lock per job. The lease survives process crashes:
// a run that outlives its lease is considered dead and the next tick takes
// over.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"foresight/internal/domain"
)

// RunStatus is the lifecycle state of a JobRun.
type RunStatus string

const (
	StatusRunning   RunStatus = "RUNNING"
	StatusSuccess   RunStatus = "SUCCESS"
	StatusFailed    RunStatus = "FAILED"
	StatusCancelled RunStatus = "CANCELLED"
)

// Trigger records what started a run.
type Trigger string

const (
	TriggerCron   Trigger = "CRON"
	TriggerManual Trigger = "MANUAL"
)

// StepStatus is the outcome of a single pipeline step within a run.
type StepStatus string

const (
	StepSuccess StepStatus = "SUCCESS"
	StepFailed  StepStatus = "FAILED"
	StepSkipped StepStatus = "SKIPPED"
)

// StepRecord is one step's result, stored msgpack-encoded on the run.
type StepRecord struct {
	Name       string     `msgpack:"name"`
	Status     StepStatus `msgpack:"status"`
	DurationMs float64    `msgpack:"duration_ms"`
	Count      int        `msgpack:"count"`
	Error      string     `msgpack:"error"`
}

// JobState is the persistent per-job record.
type JobState struct {
	JobID       string
	Enabled     bool
	ScheduleUTC string
	NextRunAt   time.Time
	LastRunAt   time.Time
	LastStatus  RunStatus

	LockedUntil time.Time
	LockOwner   string
	LockRunID   string
}

// JobRun is the audit record of one execution. Append-only once finalized.
type JobRun struct {
	RunID           string
	JobID           string
	Trigger         Trigger
	StartedAt       time.Time
	FinishedAt      time.Time
	Status          RunStatus
	Steps           []StepRecord
	Summary         string
	CancelRequested bool
}

// ErrRunNotFound - no JobRun with the given run id.
var ErrRunNotFound = errors.New("job run not found")

// ErrJobDisabled - the job exists but is administratively disabled.
var ErrJobDisabled = errors.New("job is disabled")

// Repository persists job state and runs in scheduler.db.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// EnsureJob creates the state row for a job if missing and records its
// schedule.
func (r *Repository) EnsureJob(ctx context.Context, jobID, scheduleUTC string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO job_state (job_id, schedule_utc) VALUES (?, ?)
		ON CONFLICT(job_id) DO UPDATE SET schedule_utc = excluded.schedule_utc`,
		jobID, scheduleUTC)
	if err != nil {
		return fmt.Errorf("failed to ensure job %s: %w", jobID, err)
	}
	return nil
}

// GetJob loads the persistent state of a job.
func (r *Repository) GetJob(ctx context.Context, jobID string) (*JobState, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT job_id, enabled, schedule_utc, next_run_at, last_run_at, last_status,
		       locked_until, lock_owner, lock_run_id
		FROM job_state WHERE job_id = ?`, jobID)

	var state JobState
	var enabled int
	var nextRun, lastRun, lockedUntil int64
	var lastStatus string
	err := row.Scan(&state.JobID, &enabled, &state.ScheduleUTC, &nextRun, &lastRun,
		&lastStatus, &lockedUntil, &state.LockOwner, &state.LockRunID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("unknown job %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	state.Enabled = enabled == 1
	state.NextRunAt = msToTime(nextRun)
	state.LastRunAt = msToTime(lastRun)
	state.LastStatus = RunStatus(lastStatus)
	state.LockedUntil = msToTime(lockedUntil)
	return &state, nil
}

// SetEnabled toggles a job.
func (r *Repository) SetEnabled(ctx context.Context, jobID string, enabled bool) error {
	flag := 0
	if enabled {
		flag = 1
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE job_state SET enabled = ? WHERE job_id = ?`, flag, jobID)
	if err != nil {
		return fmt.Errorf("failed to toggle job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown job %s", jobID)
	}
	return nil
}

// SetNextRun records the next scheduled fire time for observability.
func (r *Repository) SetNextRun(ctx context.Context, jobID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE job_state SET next_run_at = ? WHERE job_id = ?`,
		at.UTC().UnixMilli(), jobID)
	if err != nil {
		return fmt.Errorf("failed to set next run for %s: %w", jobID, err)
	}
	return nil
}

// AcquireLease atomically takes the job lock if the current lease has
// expired. Exactly one concurrent caller wins; the rest get ErrLeaseHeld.
func (r *Repository) AcquireLease(ctx context.Context, jobID, owner, runID string, now time.Time, lease time.Duration) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE job_state
		SET locked_until = ?, lock_owner = ?, lock_run_id = ?
		WHERE job_id = ? AND locked_until < ?`,
		now.Add(lease).UTC().UnixMilli(), owner, runID,
		jobID, now.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to acquire lease for %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to acquire lease for %s: %w", jobID, err)
	}
	if n == 0 {
		return domain.ErrLeaseHeld
	}
	return nil
}

// ReleaseLease clears the lock if this owner still holds it. A lease that
// expired and was taken over is left alone.
func (r *Repository) ReleaseLease(ctx context.Context, jobID, owner string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE job_state
		SET locked_until = 0, lock_owner = '', lock_run_id = ''
		WHERE job_id = ? AND lock_owner = ?`, jobID, owner)
	if err != nil {
		return fmt.Errorf("failed to release lease for %s: %w", jobID, err)
	}
	return nil
}

// CreateRun writes a RUNNING JobRun record.
func (r *Repository) CreateRun(ctx context.Context, run *JobRun) error {
	steps, err := encodeSteps(run.Steps)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO job_runs (run_id, job_id, trigger_kind, started_at, status, steps, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.JobID, string(run.Trigger),
		run.StartedAt.UTC().UnixMilli(), string(run.Status), steps, run.Summary)
	if err != nil {
		return fmt.Errorf("failed to create job run %s: %w", run.RunID, err)
	}
	return nil
}

// UpdateSteps persists the step records accumulated so far.
func (r *Repository) UpdateSteps(ctx context.Context, runID string, steps []StepRecord) error {
	blob, err := encodeSteps(steps)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE job_runs SET steps = ? WHERE run_id = ?`, blob, runID)
	if err != nil {
		return fmt.Errorf("failed to update steps for run %s: %w", runID, err)
	}
	return nil
}

// FinishRun finalizes a run. The record is append-only afterwards.
func (r *Repository) FinishRun(ctx context.Context, runID string, status RunStatus, steps []StepRecord, summary string, finishedAt time.Time) error {
	blob, err := encodeSteps(steps)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE job_runs
		SET status = ?, steps = ?, summary = ?, finished_at = ?
		WHERE run_id = ? AND status = ?`,
		string(status), blob, summary, finishedAt.UTC().UnixMilli(),
		runID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// RecordResult updates the job state after a run completes.
func (r *Repository) RecordResult(ctx context.Context, jobID string, status RunStatus, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE job_state SET last_run_at = ?, last_status = ? WHERE job_id = ?`,
		at.UTC().UnixMilli(), string(status), jobID)
	if err != nil {
		return fmt.Errorf("failed to record result for %s: %w", jobID, err)
	}
	return nil
}

// RequestCancel flags a running run for cooperative cancellation.
func (r *Repository) RequestCancel(ctx context.Context, runID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE job_runs SET cancel_requested = 1
		WHERE run_id = ? AND status = ?`, runID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to request cancel for run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// CancelRequested reads the cooperative cancellation flag.
func (r *Repository) CancelRequested(ctx context.Context, runID string) (bool, error) {
	var flag int
	err := r.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM job_runs WHERE run_id = ?`, runID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrRunNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag for run %s: %w", runID, err)
	}
	return flag == 1, nil
}

// GetRun loads one run with its decoded steps.
func (r *Repository) GetRun(ctx context.Context, runID string) (*JobRun, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT run_id, job_id, trigger_kind, started_at, finished_at, status,
		       steps, summary, cancel_requested
		FROM job_runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// RecentRuns returns the latest runs for a job, newest first.
func (r *Repository) RecentRuns(ctx context.Context, jobID string, limit int) ([]*JobRun, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT run_id, job_id, trigger_kind, started_at, finished_at, status,
		       steps, summary, cancel_requested
		FROM job_runs WHERE job_id = ?
		ORDER BY started_at DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs for %s: %w", jobID, err)
	}
	defer rows.Close()

	var runs []*JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CountRunning returns the number of RUNNING runs for a job.
func (r *Repository) CountRunning(ctx context.Context, jobID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM job_runs WHERE job_id = ? AND status = ?`,
		jobID, string(StatusRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count running runs for %s: %w", jobID, err)
	}
	return n, nil
}

// GC deletes finished runs older than the cutoff. Running runs are kept.
func (r *Repository) GC(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM job_runs WHERE started_at < ? AND status != ?`,
		before.UTC().UnixMilli(), string(StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("failed to garbage-collect job runs: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*JobRun, error) {
	var run JobRun
	var trigger, status string
	var startedAt, finishedAt int64
	var steps []byte
	var cancel int
	err := row.Scan(&run.RunID, &run.JobID, &trigger, &startedAt, &finishedAt,
		&status, &steps, &run.Summary, &cancel)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan job run: %w", err)
	}

	run.Trigger = Trigger(trigger)
	run.Status = RunStatus(status)
	run.StartedAt = msToTime(startedAt)
	run.FinishedAt = msToTime(finishedAt)
	run.CancelRequested = cancel == 1

	run.Steps, err = decodeSteps(steps)
	return &run, err
}

func encodeSteps(steps []StepRecord) ([]byte, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	blob, err := msgpack.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("failed to encode step records: %w", err)
	}
	return blob, nil
}

func decodeSteps(blob []byte) ([]StepRecord, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var steps []StepRecord
	if err := msgpack.Unmarshal(blob, &steps); err != nil {
		return nil, fmt.Errorf("failed to decode step records: %w", err)
	}
	return steps, nil
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
