package pipeline

import (
	"context"
	"fmt"
	"sort"

	"foresight/internal/alerts"
	"foresight/internal/domain"
	"foresight/internal/events"
	"foresight/internal/governance"
	"foresight/internal/quality"
	"foresight/internal/resolver"
	"foresight/internal/stats"
)

// symbolHealth is the per-symbol aggregation of cohort-level reads that the
// governance step consumes. Worst-wins across cohorts.
type symbolHealth struct {
	drift           quality.Severity
	driftConfidence quality.Confidence
	driftHitPP      float64

	quality       quality.State
	qualityCapped bool
	winRate       float64
	samples       int

	tail float64
}

func newSymbolHealth() *symbolHealth {
	return &symbolHealth{
		drift:           quality.SeverityOK,
		driftConfidence: quality.ConfidenceLow,
		quality:         quality.StateGood,
		qualityCapped:   true,
	}
}

// absorbDrift keeps the worst drift report seen so far.
func (h *symbolHealth) absorbDrift(report quality.Report) {
	if report.Overall.Worse(h.drift) {
		h.drift = report.Overall
		h.driftConfidence = report.Confidence
		for _, c := range report.Comparisons {
			if c.Severity == report.Overall {
				h.driftHitPP = c.DeltaHitRatePP
				break
			}
		}
	}
}

// absorbQuality keeps the worst quality read. A non-capped read always
// outranks a capped one; among reads of equal standing the worse state wins.
func (h *symbolHealth) absorbQuality(a quality.Assessment) {
	current := qualityRank[h.quality]
	candidate := qualityRank[a.State]

	replace := false
	switch {
	case h.qualityCapped && !a.SampleCapped:
		replace = true
	case h.qualityCapped == a.SampleCapped && candidate > current:
		replace = true
	}
	if replace {
		h.quality = a.State
		h.qualityCapped = a.SampleCapped
		h.winRate = a.WinRate
		h.samples = a.Total
	}
}

var qualityRank = map[quality.State]int{
	quality.StateGood:    0,
	quality.StateNeutral: 1,
	quality.StateWeak:    2,
}

// qualityAndDrift assesses every cohort: the most recent LiveWindow outcomes
// form the live cohort, everything older is the vintage baseline. Per-symbol
// aggregates and alert candidates accumulate on the run state.
func (p *Pipeline) qualityAndDrift(ctx context.Context, state *runState, _ *Result) (int, error) {
	now := p.clock.Now()
	cohorts, err := p.outcomes.DistinctCohorts(ctx)
	if err != nil {
		return 0, err
	}
	sort.Slice(cohorts, func(i, j int) bool {
		a, b := cohorts[i], cohorts[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if a.Horizon != b.Horizon {
			return a.Horizon < b.Horizon
		}
		if a.Preset != b.Preset {
			return a.Preset < b.Preset
		}
		return a.Role < b.Role
	})

	symbolReturns := make(map[string][]*domain.ForecastOutcome)

	assessed := 0
	for _, cohort := range cohorts {
		all, err := p.outcomes.Query(ctx, cohort, 0)
		if err != nil {
			return assessed, err
		}
		if len(all) == 0 {
			continue
		}

		live := all
		var baseline []*domain.ForecastOutcome
		if len(all) > p.cfg.LiveWindow {
			split := len(all) - p.cfg.LiveWindow
			baseline = all[:split]
			live = all[split:]
		}

		liveStats := stats.Compute(cohort, live, p.cfg.LiveWindow, p.cfg.MinSamples, p.cfg.DecayTauDays, now)
		assessment := quality.Classify(&liveStats, p.cfg.MinSamples)

		baselines := make(map[string]quality.CohortSummary)
		if len(baseline) >= p.cfg.MinSamples {
			baseStats := stats.Compute(cohort, baseline, 0, p.cfg.MinSamples, p.cfg.DecayTauDays, now)
			baselines["vintage"] = summaryFromStats(&baseStats)
		}
		report := quality.Assess(summaryFromStats(&liveStats), baselines, p.cfg.Thresholds)

		health := state.health[cohort.Symbol]
		if health == nil {
			health = newSymbolHealth()
			state.health[cohort.Symbol] = health
		}
		health.absorbDrift(report)
		health.absorbQuality(assessment)
		symbolReturns[cohort.Symbol] = append(symbolReturns[cohort.Symbol], all...)
		assessed++
	}

	for _, symbol := range state.symbols {
		health := state.health[symbol]
		if health == nil {
			continue
		}
		health.tail = stats.TailRisk(symbolReturns[symbol])
		p.collectHealthAlerts(state, symbol, health)
	}
	return assessed, nil
}

func summaryFromStats(s *domain.CohortStats) quality.CohortSummary {
	return quality.CohortSummary{
		Total:         s.Total,
		WinRate:       s.WinRate,
		SharpeLike:    s.SharpeLike,
		SharpeDefined: s.SharpeDefined,
		Expectancy:    s.Expectancy,
		Calibration:   s.CalibrationError,
	}
}

// collectHealthAlerts turns a symbol's aggregated reads into alert
// candidates and stream events.
func (p *Pipeline) collectHealthAlerts(state *runState, symbol string, health *symbolHealth) {
	if health.drift == quality.SeverityWarn || health.drift == quality.SeverityCritical {
		level := alerts.LevelHigh
		if health.drift == quality.SeverityCritical {
			level = alerts.LevelCritical
		}
		state.alerts = append(state.alerts, alerts.Event{
			Symbol:     symbol,
			Type:       alerts.TypeDrift,
			Level:      level,
			KeyContext: string(health.drift),
			Message: fmt.Sprintf("drift %s vs vintage: hit rate %+.1fpp (confidence %s)",
				health.drift, health.driftHitPP, health.driftConfidence),
		})
		if p.bus != nil {
			p.bus.PublishData("pipeline", &events.DriftDetectedData{
				Symbol:     symbol,
				Severity:   string(health.drift),
				Confidence: string(health.driftConfidence),
				HitRatePP:  health.driftHitPP,
			})
		}
	}

	if health.quality == quality.StateWeak && !health.qualityCapped {
		state.alerts = append(state.alerts, alerts.Event{
			Symbol:     symbol,
			Type:       alerts.TypeHealthDrop,
			Level:      alerts.LevelHigh,
			KeyContext: string(quality.StateWeak),
			Message: fmt.Sprintf("quality WEAK: win rate %.0f%% over %d outcomes",
				health.winRate*100, health.samples),
		})
		if p.bus != nil {
			p.bus.PublishData("pipeline", &events.HealthDroppedData{
				Symbol:  symbol,
				State:   string(health.quality),
				WinRate: health.winRate,
				Samples: health.samples,
			})
		}
	}

	if health.tail >= p.cfg.TailSpike {
		level := alerts.LevelHigh
		band := "ELEVATED"
		if health.tail >= p.cfg.TailCritical {
			level = alerts.LevelCritical
			band = "EXTREME"
		}
		state.alerts = append(state.alerts, alerts.Event{
			Symbol:     symbol,
			Type:       alerts.TypeTailSpike,
			Level:      level,
			KeyContext: band,
			Message:    fmt.Sprintf("tail risk %s: mcP95 drawdown %.2f", band, health.tail),
		})
		if p.bus != nil {
			p.bus.PublishData("pipeline", &events.TailSpikedData{
				Symbol:  symbol,
				MCP95DD: health.tail,
			})
		}
	}
}

// governanceStep evaluates the state machine for every symbol and turns
// transitions into alert candidates.
func (p *Pipeline) governanceStep(ctx context.Context, state *runState, _ *Result) (int, error) {
	now := p.clock.Now()
	evaluated := 0

	for _, symbol := range state.symbols {
		health := state.health[symbol]
		if health == nil {
			health = newSymbolHealth()
		}

		before, err := p.govRepo.Get(ctx, symbol, now)
		if err != nil {
			return evaluated, err
		}
		fromMode := before.Mode

		after, err := p.machine.Evaluate(ctx, governance.Evaluation{
			Symbol:           symbol,
			Drift:            health.drift,
			DriftConfidence:  health.driftConfidence,
			Quality:          health.quality,
			QualityCapped:    health.qualityCapped,
			MCP95DD:          health.tail,
			ActivePolicyHash: p.activePolicyHash(ctx, symbol),
		})
		if err != nil {
			return evaluated, err
		}
		evaluated++

		if after.Mode != fromMode {
			p.collectTransitionAlert(state, symbol, fromMode, after.Mode)
		}
	}
	return evaluated, nil
}

// activePolicyHash reads the policy hash of the symbol's newest snapshot.
func (p *Pipeline) activePolicyHash(ctx context.Context, symbol string) string {
	latest, err := p.snapshots.List(ctx, symbol, 1)
	if err != nil || len(latest) == 0 {
		return ""
	}
	return latest[0].PolicyHash
}

func (p *Pipeline) collectTransitionAlert(state *runState, symbol string, from, to resolver.GovernanceMode) {
	var event alerts.Event
	switch {
	case to == resolver.ModeHalt:
		event = alerts.Event{
			Symbol:     symbol,
			Type:       alerts.TypeCrisisEnter,
			Level:      alerts.LevelCritical,
			KeyContext: string(to),
			Message:    fmt.Sprintf("governance %s -> HALT", from),
		}
	case from == resolver.ModeHalt:
		event = alerts.Event{
			Symbol:     symbol,
			Type:       alerts.TypeCrisisExit,
			Level:      alerts.LevelHigh,
			KeyContext: string(to),
			Message:    fmt.Sprintf("governance HALT -> %s", to),
		}
	default:
		event = alerts.Event{
			Symbol:     symbol,
			Type:       alerts.TypeRegimeShift,
			Level:      alerts.LevelHigh,
			KeyContext: fmt.Sprintf("%s->%s", from, to),
			Message:    fmt.Sprintf("governance %s -> %s", from, to),
		}
	}
	state.alerts = append(state.alerts, event)

	if p.bus != nil {
		p.bus.PublishData("pipeline", &events.GovernanceChangedData{
			Symbol:   symbol,
			FromMode: string(from),
			ToMode:   string(to),
			Actor:    "SYSTEM",
		})
	}
}

// alertsStep feeds the accumulated candidates through the policy gate.
func (p *Pipeline) alertsStep(ctx context.Context, state *runState, res *Result) (int, error) {
	summary, err := p.gate.Process(ctx, state.alerts)
	if err != nil {
		return 0, err
	}
	res.AlertsSent = summary.Sent
	return summary.Sent, nil
}
