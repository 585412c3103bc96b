// Package pipeline sequences the daily forecast lifecycle: integrity check,
// snapshot writing, outcome resolution, statistics refresh, quality and
// drift assessment, governance evaluation, and alerting. Each step produces
// an audit record; a failed step skips its dependents.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"foresight/internal/alerts"
	"foresight/internal/clock"
	"foresight/internal/events"
	"foresight/internal/governance"
	"foresight/internal/oracle"
	"foresight/internal/outcome"
	"foresight/internal/quality"
	"foresight/internal/scheduler"
	"foresight/internal/snapshot"
	"foresight/internal/stats"
)

// Step names in execution order.
const (
	StepIntegrityCheck  = "IntegrityCheck"
	StepSnapshotWrite   = "SnapshotWrite"
	StepOutcomeResolve  = "OutcomeResolve"
	StepStatsRefresh    = "StatsRefresh"
	StepQualityAndDrift = "QualityAndDrift"
	StepGovernance      = "Governance"
	StepAlerts          = "Alerts"
)

// Config tunes the pipeline.
type Config struct {
	MaxBarStaleness time.Duration // freshest bar older than this fails the integrity check
	ResolveBudget   time.Duration // wall-clock budget for outcome batches
	LiveWindow      int           // outcomes forming the live drift cohort
	MinSamples      int
	DecayTauDays    float64 // exponential-decay constant for stability weights
	Thresholds      quality.DriftThresholds
	TailSpike       float64 // mcP95 drawdown at which TAIL_SPIKE fires
	TailCritical    float64 // mcP95 drawdown at which it is CRITICAL
}

// DefaultConfig is the production configuration.
func DefaultConfig() Config {
	return Config{
		MaxBarStaleness: 72 * time.Hour,
		ResolveBudget:   2 * time.Minute,
		LiveWindow:      30,
		MinSamples:      5,
		DecayTauDays:    45,
		Thresholds:      quality.DefaultThresholds(),
		TailSpike:       0.40,
		TailCritical:    0.55,
	}
}

// Pipeline wires the lifecycle components into the fixed daily sequence.
type Pipeline struct {
	bars      *oracle.BarRepository
	outputs   *oracle.ModelOutputRepository
	snapshots *snapshot.Repository
	writer    *snapshot.Writer
	tracker   *outcome.Tracker
	outcomes  *outcome.Repository
	refresher *stats.Refresher
	machine   *governance.Machine
	govRepo   *governance.Repository
	gate      *alerts.Gate
	bus       *events.Bus
	clock     clock.Clock
	cfg       Config
	log       zerolog.Logger
}

func New(
	bars *oracle.BarRepository,
	outputs *oracle.ModelOutputRepository,
	snapshots *snapshot.Repository,
	writer *snapshot.Writer,
	tracker *outcome.Tracker,
	outcomes *outcome.Repository,
	refresher *stats.Refresher,
	machine *governance.Machine,
	govRepo *governance.Repository,
	gate *alerts.Gate,
	bus *events.Bus,
	clk clock.Clock,
	cfg Config,
	log zerolog.Logger,
) *Pipeline {
	return &Pipeline{
		bars:      bars,
		outputs:   outputs,
		snapshots: snapshots,
		writer:    writer,
		tracker:   tracker,
		outcomes:  outcomes,
		refresher: refresher,
		machine:   machine,
		govRepo:   govRepo,
		gate:      gate,
		bus:       bus,
		clock:     clk,
		cfg:       cfg,
		log:       log.With().Str("component", "pipeline").Logger(),
	}
}

// Options hook a run into its surroundings. Both fields are optional.
type Options struct {
	// OnStep is called with each finished step record, letting the
	// scheduler persist the audit trail incrementally.
	OnStep func(ctx context.Context, step scheduler.StepRecord) error

	// Cancelled is consulted between steps; when it reports true the
	// remaining steps are skipped.
	Cancelled func(ctx context.Context) bool
}

// Result is the outcome of one pipeline run.
type Result struct {
	Steps     []scheduler.StepRecord
	Cancelled bool

	SnapshotsWritten int
	OutcomesResolved int
	AlertsSent       int
}

// Success reports whether every step either succeeded or was skipped for a
// non-failure reason.
func (r *Result) Success() bool {
	if r.Cancelled {
		return false
	}
	for _, s := range r.Steps {
		if s.Status == scheduler.StepFailed {
			return false
		}
	}
	return true
}

// FailedSteps counts steps that failed outright.
func (r *Result) FailedSteps() int {
	n := 0
	for _, s := range r.Steps {
		if s.Status == scheduler.StepFailed {
			n++
		}
	}
	return n
}

// Summary is the one-line description stored on the JobRun.
func (r *Result) Summary() string {
	return fmt.Sprintf("%d snapshots, %d outcomes, %d alerts",
		r.SnapshotsWritten, r.OutcomesResolved, r.AlertsSent)
}

// runState is the data threaded from step to step within one run.
type runState struct {
	symbols []string
	health  map[string]*symbolHealth
	alerts  []alerts.Event
}

// Run executes the sequence. The returned error is the first step failure;
// the Result always describes the whole run.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Result, error) {
	started := p.clock.Now()
	res := &Result{}
	state := &runState{health: make(map[string]*symbolHealth)}

	steps := []struct {
		name string
		fn   func(ctx context.Context, state *runState, res *Result) (int, error)
	}{
		{StepIntegrityCheck, p.integrityCheck},
		{StepSnapshotWrite, p.snapshotWrite},
		{StepOutcomeResolve, p.outcomeResolve},
		{StepStatsRefresh, p.statsRefresh},
		{StepQualityAndDrift, p.qualityAndDrift},
		{StepGovernance, p.governanceStep},
		{StepAlerts, p.alertsStep},
	}

	var firstErr error
	failedStep := ""

	for _, step := range steps {
		if opts.Cancelled != nil && opts.Cancelled(ctx) {
			res.Cancelled = true
		}

		rec := scheduler.StepRecord{Name: step.name}
		switch {
		case res.Cancelled:
			rec.Status = scheduler.StepSkipped
			rec.Error = "skipped: run cancelled"
		case failedStep != "":
			rec.Status = scheduler.StepSkipped
			rec.Error = fmt.Sprintf("skipped: %s failed", failedStep)
		default:
			stepStart := p.clock.Now()
			count, err := step.fn(ctx, state, res)
			rec.DurationMs = float64(p.clock.Now().Sub(stepStart).Microseconds()) / 1000
			rec.Count = count
			if err != nil {
				rec.Status = scheduler.StepFailed
				rec.Error = err.Error()
				failedStep = step.name
				firstErr = fmt.Errorf("%s: %w", step.name, err)
				p.log.Error().Err(err).Str("step", step.name).Msg("Pipeline step failed")
			} else {
				rec.Status = scheduler.StepSuccess
				p.log.Info().
					Str("step", step.name).
					Int("count", count).
					Float64("duration_ms", rec.DurationMs).
					Msg("Pipeline step complete")
			}
		}

		res.Steps = append(res.Steps, rec)
		if opts.OnStep != nil {
			if err := opts.OnStep(ctx, rec); err != nil {
				p.log.Error().Err(err).Str("step", step.name).Msg("Failed to persist step record")
			}
		}
	}

	p.publishFinished(res, started)
	return res, firstErr
}

// Job adapts the pipeline to the scheduler.
func (p *Pipeline) Job() scheduler.JobFunc {
	return func(ctx context.Context, handle *scheduler.Handle) (string, error) {
		res, err := p.Run(ctx, Options{
			OnStep: func(ctx context.Context, step scheduler.StepRecord) error {
				return handle.AddStep(ctx, step)
			},
			Cancelled: handle.Cancelled,
		})
		return res.Summary(), err
	}
}

// integrityCheck gathers the active symbol universe and verifies each has
// fresh price coverage.
func (p *Pipeline) integrityCheck(ctx context.Context, state *runState, _ *Result) (int, error) {
	now := p.clock.Now()

	staged, err := p.outputs.DistinctSymbols(ctx, now)
	if err != nil {
		return 0, err
	}
	historical, err := p.outcomes.DistinctSymbols(ctx)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]bool)
	for _, s := range append(staged, historical...) {
		seen[s] = true
	}
	for s := range seen {
		state.symbols = append(state.symbols, s)
	}
	sort.Strings(state.symbols)

	var stale []string
	for _, symbol := range state.symbols {
		if err := p.bars.CheckCoverage(ctx, symbol, now, p.cfg.MaxBarStaleness); err != nil {
			stale = append(stale, symbol)
			p.log.Warn().Err(err).Str("symbol", symbol).Msg("Price coverage check failed")
		}
	}
	if len(stale) > 0 {
		return len(state.symbols), fmt.Errorf("stale price coverage for %s", strings.Join(stale, ", "))
	}
	return len(state.symbols), nil
}

// snapshotWrite runs the writer over every active symbol.
func (p *Pipeline) snapshotWrite(ctx context.Context, state *runState, res *Result) (int, error) {
	var total snapshot.WriteSummary
	for _, symbol := range state.symbols {
		summary, err := p.writer.WriteAll(ctx, symbol)
		if err != nil {
			return total.Written, err
		}
		total.Written += summary.Written
		total.Duplicates += summary.Duplicates
		total.Rejected += summary.Rejected
	}

	res.SnapshotsWritten = total.Written
	if p.bus != nil {
		p.bus.PublishData("pipeline", &events.SnapshotsWrittenData{
			Symbols:    len(state.symbols),
			Written:    total.Written,
			Duplicates: total.Duplicates,
			Rejected:   total.Rejected,
		})
	}
	return total.Written, nil
}

// outcomeResolve drains due snapshots batch by batch until the store is
// empty or the wall budget is spent.
func (p *Pipeline) outcomeResolve(ctx context.Context, _ *runState, res *Result) (int, error) {
	deadline := p.clock.Now().Add(p.cfg.ResolveBudget)
	var total outcome.Summary

	for {
		summary, err := p.tracker.ResolveDue(ctx)
		if err != nil {
			return total.Processed, err
		}
		total.Processed += summary.Processed
		total.Wins += summary.Wins
		total.Losses += summary.Losses
		total.Draws += summary.Draws
		total.Skipped += summary.Skipped
		total.Errors += summary.Errors

		if summary.Processed == 0 || !p.clock.Now().Before(deadline) {
			break
		}
	}

	res.OutcomesResolved = total.Processed
	if p.bus != nil {
		p.bus.PublishData("pipeline", &events.OutcomesResolvedData{
			Processed: total.Processed,
			Wins:      total.Wins,
			Losses:    total.Losses,
			Draws:     total.Draws,
			Skipped:   total.Skipped,
		})
	}
	return total.Processed, nil
}

func (p *Pipeline) statsRefresh(ctx context.Context, _ *runState, _ *Result) (int, error) {
	cohorts, err := p.refresher.RefreshAll(ctx)
	if err != nil {
		return 0, err
	}
	if p.bus != nil {
		p.bus.PublishData("pipeline", &events.StatsRefreshedData{Cohorts: cohorts})
	}
	return cohorts, nil
}

func (p *Pipeline) publishFinished(res *Result, started time.Time) {
	if p.bus == nil {
		return
	}
	status := "SUCCESS"
	switch {
	case res.Cancelled:
		status = "CANCELLED"
	case !res.Success():
		status = "FAILED"
	}
	skipped := 0
	for _, s := range res.Steps {
		if s.Status == scheduler.StepSkipped {
			skipped++
		}
	}
	p.bus.PublishData("pipeline", &events.PipelineFinishedData{
		Status:     status,
		Steps:      len(res.Steps),
		Failed:     res.FailedSteps(),
		Skipped:    skipped,
		DurationMs: float64(p.clock.Now().Sub(started).Microseconds()) / 1000,
	})
}
