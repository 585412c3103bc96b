package alerts

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"foresight/internal/clock"
)

// Sink delivers an alert to the outside world. Transport errors are
// retriable: a failed delivery is audited as sent-but-undelivered and the
// emitter may re-raise the condition on the next run.
type Sink interface {
	Send(ctx context.Context, event Event) error
}

// LogSink is the default sink: it writes alerts to the structured log.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "alert_sink").Logger()}
}

func (s *LogSink) Send(_ context.Context, event Event) error {
	s.log.Warn().
		Str("symbol", event.Symbol).
		Str("type", string(event.Type)).
		Str("level", string(event.Level)).
		Str("message", event.Message).
		Msg("ALERT")
	return nil
}

// GateConfig tunes the policy gate.
type GateConfig struct {
	Quota            int           // INFO/HIGH per symbol per window
	QuotaWindow      time.Duration // rolling window, default 24h
	Cooldown         time.Duration // INFO/HIGH fingerprint cooldown
	CriticalCooldown time.Duration // CRITICAL per-type cooldown
	BatchCap         int           // max alerts per level per run
}

// DefaultGateConfig is the production configuration.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Quota:            3,
		QuotaWindow:      24 * time.Hour,
		Cooldown:         6 * time.Hour,
		CriticalCooldown: 1 * time.Hour,
		BatchCap:         5,
	}
}

// Gate is the alert policy gate. Every decision, sent or blocked, lands in
// the audit log.
type Gate struct {
	repo  *Repository
	sink  Sink
	clock clock.Clock
	cfg   GateConfig
	log   zerolog.Logger
}

func NewGate(repo *Repository, sink Sink, clk clock.Clock, cfg GateConfig, log zerolog.Logger) *Gate {
	return &Gate{
		repo:  repo,
		sink:  sink,
		clock: clk,
		cfg:   cfg,
		log:   log.With().Str("component", "alert_gate").Logger(),
	}
}

// ProcessSummary reports one gate run.
type ProcessSummary struct {
	Sent    int
	Blocked int
}

// Process runs a batch of events through the gate in priority order.
func (g *Gate) Process(ctx context.Context, events []Event) (ProcessSummary, error) {
	var summary ProcessSummary
	now := g.clock.Now()

	ordered := make([]Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return priority[ordered[i].Type] < priority[ordered[j].Type]
	})

	sentPerLevel := map[Level]int{}

	for _, event := range ordered {
		if event.TriggeredAt.IsZero() {
			event.TriggeredAt = now
		}

		reason, err := g.classify(ctx, event, now, sentPerLevel)
		if err != nil {
			return summary, err
		}

		rec := Record{
			Symbol:      event.Symbol,
			Type:        event.Type,
			Level:       event.Level,
			Fingerprint: event.Fingerprint(),
			Message:     event.Message,
			BlockedBy:   reason,
			TriggeredAt: event.TriggeredAt,
		}

		if reason == BlockNone {
			sentPerLevel[event.Level]++
			summary.Sent++
			if err := g.sink.Send(ctx, event); err != nil {
				g.log.Error().Err(err).
					Str("symbol", event.Symbol).
					Str("type", string(event.Type)).
					Msg("Alert delivery failed")
			} else {
				rec.Delivered = true
			}
		} else {
			summary.Blocked++
		}

		if err := g.repo.Append(ctx, rec); err != nil {
			return summary, err
		}
	}

	g.log.Info().
		Int("sent", summary.Sent).
		Int("blocked", summary.Blocked).
		Msg("Alert gate run complete")
	return summary, nil
}

// classify decides the gate outcome for one event. Checks run in a fixed
// order: dedup, cooldown, quota, batch cap.
func (g *Gate) classify(ctx context.Context, event Event, now time.Time, sentPerLevel map[Level]int) (BlockReason, error) {
	cooldown := g.cfg.Cooldown
	if event.Level == LevelCritical {
		cooldown = g.cfg.CriticalCooldown
	}

	deduped, err := g.repo.SentFingerprintSince(ctx, event.Fingerprint(), now.Add(-cooldown))
	if err != nil {
		return "", err
	}
	if deduped {
		return BlockDedup, nil
	}

	if event.Level == LevelCritical {
		// CRITICAL bypasses the quota but honors a per-type cooldown.
		cooled, err := g.repo.SentTypeSince(ctx, event.Symbol, event.Type, now.Add(-g.cfg.CriticalCooldown))
		if err != nil {
			return "", err
		}
		if cooled {
			return BlockCooldown, nil
		}
	} else {
		sent, err := g.repo.CountSent(ctx, event.Symbol, now.Add(-g.cfg.QuotaWindow))
		if err != nil {
			return "", err
		}
		if sent >= g.cfg.Quota {
			return BlockQuota, nil
		}
	}

	if sentPerLevel[event.Level] >= g.cfg.BatchCap {
		return BlockBatchSuppressed, nil
	}
	return BlockNone, nil
}
