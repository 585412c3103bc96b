// Package di wires the application: databases, repositories, engines,
// scheduler jobs, and the HTTP server configuration. All dependencies flow
// through constructor injection; nothing here holds behavior of its own.
package di

import (
	"time"

	"github.com/rs/zerolog"

	"foresight/internal/alerts"
	"foresight/internal/clock"
	"foresight/internal/config"
	"foresight/internal/database"
	"foresight/internal/events"
	"foresight/internal/governance"
	"foresight/internal/oracle"
	"foresight/internal/outcome"
	"foresight/internal/pipeline"
	"foresight/internal/quality"
	"foresight/internal/reliability"
	"foresight/internal/resolver"
	"foresight/internal/scheduler"
	"foresight/internal/server"
	"foresight/internal/snapshot"
	"foresight/internal/stats"
)

// Job identifiers registered with the scheduler.
const (
	JobDailyRun = "daily-run"
	JobBackup   = "cloud-backup"
)

// Cron schedules (UTC).
const (
	scheduleDailyRun = "30 0 * * *" // 00:30 UTC, after the trading day closes everywhere
	scheduleBackup   = "0 3 * * *"
)

// Container holds the wired application.
type Container struct {
	ForecastDB   *database.DB
	MarketDB     *database.DB
	GovernanceDB *database.DB
	SchedulerDB  *database.DB

	Clock    clock.Clock
	EventBus *events.Bus

	Bars      *oracle.BarRepository
	Outputs   *oracle.ModelOutputRepository
	Snapshots *snapshot.Repository
	Writer    *snapshot.Writer
	Outcomes  *outcome.Repository
	Tracker   *outcome.Tracker
	Stats     *stats.Repository
	Refresher *stats.Refresher
	GovRepo   *governance.Repository
	Machine   *governance.Machine
	AlertRepo *alerts.Repository
	Gate      *alerts.Gate
	Resolver  *resolver.Resolver

	SchedRepo *scheduler.Repository
	Scheduler *scheduler.Scheduler
	Pipeline  *pipeline.Pipeline

	Backups     *reliability.BackupService
	CloudBackup *reliability.CloudBackupService
}

// Wire builds the full dependency graph from configuration.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	forecastDB, marketDB, governanceDB, schedulerDB, err := initDatabases(cfg, log)
	if err != nil {
		return nil, err
	}

	clk := clock.NewSystem()
	bus := events.NewBus(log)
	lc := cfg.Lifecycle

	c := &Container{
		ForecastDB:   forecastDB,
		MarketDB:     marketDB,
		GovernanceDB: governanceDB,
		SchedulerDB:  schedulerDB,
		Clock:        clk,
		EventBus:     bus,
	}

	c.Bars = oracle.NewBarRepository(marketDB.Conn(), log)
	c.Outputs = oracle.NewModelOutputRepository(marketDB.Conn())
	c.Snapshots = snapshot.NewRepository(forecastDB.Conn())
	c.Writer = snapshot.NewWriter(c.Snapshots, c.Outputs, clk, log)
	c.Outcomes = outcome.NewRepository(forecastDB.Conn())
	c.Tracker = outcome.NewTracker(c.Snapshots, c.Outcomes, c.Bars, clk,
		lc.OutcomeEpsilon, lc.OutcomeBatchSize, log)
	c.Stats = stats.NewRepository(forecastDB.Conn())
	c.Refresher = stats.NewRefresher(c.Outcomes, c.Stats, clk,
		lc.DefaultWindow, lc.MinSamples, lc.DecayTauDays, log)

	govCfg := governance.DefaultConfig()
	govCfg.RecoveryDays = lc.RecoveryDays
	govCfg.ProtectionLatch = lc.ProtectionLatch
	govCfg.FrozenLatch = lc.FrozenLatch
	govCfg.HaltLatch = lc.HaltLatch
	c.GovRepo = governance.NewRepository(governanceDB.Conn())
	c.Machine = governance.NewMachine(c.GovRepo, clk, govCfg, log)

	c.AlertRepo = alerts.NewRepository(governanceDB.Conn())
	c.Gate = alerts.NewGate(c.AlertRepo, alerts.NewLogSink(log), clk, alerts.GateConfig{
		Quota:            lc.AlertQuota,
		QuotaWindow:      24 * time.Hour,
		Cooldown:         lc.AlertCooldown,
		CriticalCooldown: lc.CriticalCooldown,
		BatchCap:         lc.AlertBatchCap,
	}, log)

	weights := resolver.DefaultWeights()
	weights.BiasThreshold = lc.BiasThreshold
	weights.TimingThreshold = lc.TimingThreshold
	c.Resolver = resolver.New(weights)

	c.SchedRepo = scheduler.NewRepository(schedulerDB.Conn())
	c.Scheduler = scheduler.New(c.SchedRepo, clk, bus, lc.LeaseDuration, lc.JobRunRetention, log)

	pipeCfg := pipeline.DefaultConfig()
	pipeCfg.MinSamples = lc.MinSamples
	pipeCfg.DecayTauDays = lc.DecayTauDays
	pipeCfg.Thresholds = driftThresholds(lc)
	c.Pipeline = pipeline.New(c.Bars, c.Outputs, c.Snapshots, c.Writer,
		c.Tracker, c.Outcomes, c.Refresher, c.Machine, c.GovRepo, c.Gate,
		bus, clk, pipeCfg, log)

	c.Backups = reliability.NewBackupService(map[string]*database.DB{
		"forecast":   forecastDB,
		"market":     marketDB,
		"governance": governanceDB,
		"scheduler":  schedulerDB,
	}, cfg.DataDir+"/backups", clk, log)

	if cfg.BackupBucket != "" {
		store, err := reliability.NewR2Client(cfg.BackupEndpoint,
			cfg.BackupAccessKey, cfg.BackupSecretKey, cfg.BackupBucket, log)
		if err != nil {
			log.Warn().Err(err).Msg("Cloud backup disabled: client init failed")
		} else {
			c.CloudBackup = reliability.NewCloudBackupService(store, c.Backups, cfg.DataDir, clk, log)
		}
	}

	return c, nil
}

// RegisterJobs registers the recurring jobs with the scheduler.
func (c *Container) RegisterJobs(cfg *config.Config) error {
	if err := c.Scheduler.Register(JobDailyRun, scheduleDailyRun, c.Pipeline.Job()); err != nil {
		return err
	}
	if c.CloudBackup != nil {
		if err := c.Scheduler.Register(JobBackup, scheduleBackup, c.CloudBackup.Job(cfg.BackupKeep)); err != nil {
			return err
		}
	}
	return nil
}

// ServerConfig assembles the HTTP server configuration.
func (c *Container) ServerConfig(cfg *config.Config, log zerolog.Logger) server.Config {
	return server.Config{
		Log:           log,
		Port:          cfg.Port,
		DevMode:       cfg.DevMode,
		DataDir:       cfg.DataDir,
		ForecastDB:    c.ForecastDB,
		MarketDB:      c.MarketDB,
		GovernanceDB:  c.GovernanceDB,
		SchedulerDB:   c.SchedulerDB,
		Clock:         c.Clock,
		EventBus:      c.EventBus,
		Resolver:      c.Resolver,
		Snapshots:     c.Snapshots,
		Writer:        c.Writer,
		Tracker:       c.Tracker,
		Outcomes:      c.Outcomes,
		Stats:         c.Stats,
		Machine:       c.Machine,
		GovRepo:       c.GovRepo,
		Alerts:        c.AlertRepo,
		Scheduler:     c.Scheduler,
		SchedRepo:     c.SchedRepo,
		LiveWindow:    pipeline.DefaultConfig().LiveWindow,
		MinSamples:    cfg.Lifecycle.MinSamples,
		DefaultWindow: cfg.Lifecycle.DefaultWindow,
		DecayTauDays:  cfg.Lifecycle.DecayTauDays,
		Thresholds:    driftThresholds(cfg.Lifecycle),
	}
}

// Close shuts the stores down in reverse dependency order.
func (c *Container) Close() {
	for _, db := range []*database.DB{c.SchedulerDB, c.GovernanceDB, c.MarketDB, c.ForecastDB} {
		if db != nil {
			_ = db.Close()
		}
	}
}

// driftThresholds overlays the configured hit-rate ladder on the defaults.
func driftThresholds(lc config.LifecycleConfig) quality.DriftThresholds {
	t := quality.DefaultThresholds()
	t.WatchHitPP = lc.DriftWatchHitPP
	t.WarnHitPP = lc.DriftWarnHitPP
	t.CriticalHitPP = lc.DriftCriticalHitPP
	return t
}
