// Command pipeline runs the daily forecast lifecycle once and exits. Exit
// codes: 0 full success, 1 partial (a step failed or the run was cancelled),
// 2 run could not execute, 3 misconfiguration.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"foresight/internal/config"
	"foresight/internal/di"
	"foresight/internal/domain"
	"foresight/internal/scheduler"
	"foresight/pkg/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Error().Err(err).Msg("Failed to load configuration")
		return 3
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to wire dependencies")
		return 3
	}
	defer container.Close()

	if err := container.Scheduler.Register(di.JobDailyRun, "", container.Pipeline.Job()); err != nil {
		log.Error().Err(err).Msg("Failed to register pipeline job")
		return 2
	}

	// SIGINT/SIGTERM cancel the run cooperatively between steps.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runRec, err := container.Scheduler.RunNow(ctx, di.JobDailyRun, scheduler.TriggerManual)
	switch {
	case errors.Is(err, domain.ErrLeaseHeld):
		log.Error().Msg("Another worker holds the pipeline lease")
		return 2
	case runRec == nil:
		log.Error().Err(err).Msg("Pipeline run could not start")
		return 2
	}

	log.Info().
		Str("run_id", runRec.RunID).
		Str("status", string(runRec.Status)).
		Str("summary", runRec.Summary).
		Msg("Pipeline run finished")

	if runRec.Status != scheduler.StatusSuccess {
		return 1
	}
	return 0
}
