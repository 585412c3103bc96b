package server

import (
	"context"

	"foresight/internal/domain"
	"foresight/internal/quality"
	"foresight/internal/stats"
)

// CohortDrift pairs one cohort with its drift report.
type CohortDrift struct {
	Cohort domain.Cohort  `json:"cohort"`
	Live   int            `json:"live_outcomes"`
	Report quality.Report `json:"report"`
}

// DriftReports recomputes the live-vs-vintage drift report for every cohort
// of a symbol, mirroring what the daily assessment does: the most recent
// LiveWindow outcomes form the live cohort, everything older is the
// baseline.
func DriftReports(ctx context.Context, cfg Config, symbol string) ([]CohortDrift, error) {
	now := cfg.Clock.Now()
	cohorts, err := cfg.Outcomes.DistinctCohorts(ctx)
	if err != nil {
		return nil, err
	}

	reports := make([]CohortDrift, 0)
	for _, cohort := range cohorts {
		if cohort.Symbol != symbol {
			continue
		}
		all, err := cfg.Outcomes.Query(ctx, cohort, 0)
		if err != nil {
			return nil, err
		}
		if len(all) == 0 {
			continue
		}

		live := all
		var baseline []*domain.ForecastOutcome
		if len(all) > cfg.LiveWindow {
			split := len(all) - cfg.LiveWindow
			baseline = all[:split]
			live = all[split:]
		}

		liveStats := stats.Compute(cohort, live, cfg.LiveWindow, cfg.MinSamples, cfg.DecayTauDays, now)
		baselines := make(map[string]quality.CohortSummary)
		if len(baseline) >= cfg.MinSamples {
			baseStats := stats.Compute(cohort, baseline, 0, cfg.MinSamples, cfg.DecayTauDays, now)
			baselines["vintage"] = cohortSummary(&baseStats)
		}

		reports = append(reports, CohortDrift{
			Cohort: cohort,
			Live:   len(live),
			Report: quality.Assess(cohortSummary(&liveStats), baselines, cfg.Thresholds),
		})
	}
	return reports, nil
}

func cohortSummary(s *domain.CohortStats) quality.CohortSummary {
	return quality.CohortSummary{
		Total:         s.Total,
		WinRate:       s.WinRate,
		SharpeLike:    s.SharpeLike,
		SharpeDefined: s.SharpeDefined,
		Expectancy:    s.Expectancy,
		Calibration:   s.CalibrationError,
	}
}
