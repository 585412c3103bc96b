package governance

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"foresight/internal/clock"
	"foresight/internal/domain"
	"foresight/internal/quality"
	"foresight/internal/resolver"
)

// Mode order on the escalation ladder.
var modeRank = map[resolver.GovernanceMode]int{
	resolver.ModeNormal:     0,
	resolver.ModeProtection: 1,
	resolver.ModeFrozenOnly: 2,
	resolver.ModeHalt:       3,
}

// stepDown is the single-state de-escalation path.
var stepDown = map[resolver.GovernanceMode]resolver.GovernanceMode{
	resolver.ModeHalt:       resolver.ModeFrozenOnly,
	resolver.ModeFrozenOnly: resolver.ModeProtection,
	resolver.ModeProtection: resolver.ModeNormal,
	resolver.ModeNormal:     resolver.ModeNormal,
}

// Config tunes the state machine.
type Config struct {
	RecoveryDays int // consecutive healthy evaluations to step down

	ProtectionLatch time.Duration
	FrozenLatch     time.Duration
	HaltLatch       time.Duration

	// Tail thresholds on mcP95 drawdown.
	ProtectionTail float64 // >= enters PROTECTION
	FrozenTail     float64 // >= enters FROZEN_ONLY
	HaltTail       float64 // >= enters HALT

	WeakStreakForHalt int // consecutive WEAK evaluations forcing HALT
}

// DefaultConfig is the production configuration.
func DefaultConfig() Config {
	return Config{
		RecoveryDays:      3,
		ProtectionLatch:   24 * time.Hour,
		FrozenLatch:       48 * time.Hour,
		HaltLatch:         72 * time.Hour,
		ProtectionTail:    0.25,
		FrozenTail:        0.40,
		HaltTail:          0.55,
		WeakStreakForHalt: 3,
	}
}

// Evaluation is one day's health read for a symbol.
type Evaluation struct {
	Symbol string

	Drift           quality.Severity
	DriftConfidence quality.Confidence
	Quality         quality.State
	QualityCapped   bool
	MCP95DD         float64

	// ActivePolicyHash is frozen when FROZEN_ONLY is entered.
	ActivePolicyHash string
}

// Machine runs the daily governance evaluation. Transitions for a symbol
// are serialized by the single-writer pipeline; the machine itself holds no
// in-memory state.
type Machine struct {
	repo  *Repository
	clock clock.Clock
	cfg   Config
	log   zerolog.Logger
}

func NewMachine(repo *Repository, clk clock.Clock, cfg Config, log zerolog.Logger) *Machine {
	return &Machine{
		repo:  repo,
		clock: clk,
		cfg:   cfg,
		log:   log.With().Str("component", "governance").Logger(),
	}
}

// Evaluate applies one evaluation and returns the resulting state. Latched
// states only escalate; de-escalation requires recoveryDays consecutive
// healthy evaluations and an expired latch.
func (m *Machine) Evaluate(ctx context.Context, eval Evaluation) (*State, error) {
	now := m.clock.Now()
	state, err := m.repo.Get(ctx, eval.Symbol, now)
	if err != nil {
		return nil, err
	}

	if eval.Quality == quality.StateWeak && !eval.QualityCapped {
		state.ConsecutiveWeak++
	} else {
		state.ConsecutiveWeak = 0
	}

	target, reason := m.target(eval, state)

	switch {
	case target != "" && modeRank[target] > modeRank[state.Mode]:
		m.transition(ctx, state, target, reason, "SYSTEM", now, eval)

	case target != "":
		// Unhealthy at or below the current mode: hold, reset recovery.
		state.ConsecutiveHealthyDays = 0

	case eval.Quality == quality.StateWeak && !eval.QualityCapped:
		// WEAK below the HALT streak: not a transition, but not all clear.
		state.ConsecutiveHealthyDays = 0

	default:
		state.ConsecutiveHealthyDays++
		latched := now.Before(state.LatchUntil)
		if state.ConsecutiveHealthyDays >= m.cfg.RecoveryDays &&
			state.Mode != resolver.ModeNormal && !latched {
			m.transition(ctx, state, stepDown[state.Mode],
				fmt.Sprintf("healthy for %d evaluations", state.ConsecutiveHealthyDays),
				"SYSTEM", now, eval)
			state.ConsecutiveHealthyDays = 0
		}
	}

	state.UpdatedAt = now
	if err := m.repo.Save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// target returns the mode the evaluation calls for, or "" when all clear.
func (m *Machine) target(eval Evaluation, state *State) (resolver.GovernanceMode, string) {
	// LOW-confidence drift must not drive transitions on its own.
	drift := eval.Drift
	if eval.DriftConfidence == quality.ConfidenceLow {
		drift = quality.SeverityOK
	}

	switch {
	case drift == quality.SeverityCritical:
		return resolver.ModeHalt, fmt.Sprintf("drift CRITICAL (confidence %s)", eval.DriftConfidence)
	case eval.MCP95DD >= m.cfg.HaltTail:
		return resolver.ModeHalt, fmt.Sprintf("tail risk mcP95=%.2f", eval.MCP95DD)
	case state.ConsecutiveWeak >= m.cfg.WeakStreakForHalt:
		return resolver.ModeHalt, fmt.Sprintf("quality WEAK for %d evaluations", state.ConsecutiveWeak)
	case drift == quality.SeverityWarn:
		return resolver.ModeFrozenOnly, "drift WARN"
	case eval.MCP95DD >= m.cfg.FrozenTail:
		return resolver.ModeFrozenOnly, fmt.Sprintf("tail risk mcP95=%.2f", eval.MCP95DD)
	case drift == quality.SeverityWatch:
		return resolver.ModeProtection, "drift WATCH"
	case eval.MCP95DD >= m.cfg.ProtectionTail:
		return resolver.ModeProtection, fmt.Sprintf("tail risk mcP95=%.2f", eval.MCP95DD)
	}
	return "", ""
}

func (m *Machine) transition(ctx context.Context, state *State, to resolver.GovernanceMode, reason, actor string, now time.Time, eval Evaluation) {
	from := state.Mode
	state.Mode = to
	state.ConsecutiveHealthyDays = 0
	state.LatchUntil = now.Add(m.latchFor(to))

	if to == resolver.ModeFrozenOnly && eval.ActivePolicyHash != "" {
		state.FrozenPolicyHash = eval.ActivePolicyHash
	}
	if to == resolver.ModeNormal {
		state.FrozenPolicyHash = ""
	}

	if err := m.repo.RecordTransition(ctx, Transition{
		Symbol:    state.Symbol,
		FromMode:  from,
		ToMode:    to,
		Reason:    reason,
		Actor:     actor,
		CreatedAt: now,
	}); err != nil {
		m.log.Error().Err(err).Str("symbol", state.Symbol).Msg("Failed to record transition")
	}

	m.log.Warn().
		Str("symbol", state.Symbol).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("Governance transition")
}

func (m *Machine) latchFor(mode resolver.GovernanceMode) time.Duration {
	switch mode {
	case resolver.ModeHalt:
		return m.cfg.HaltLatch
	case resolver.ModeFrozenOnly:
		return m.cfg.FrozenLatch
	case resolver.ModeProtection:
		return m.cfg.ProtectionLatch
	}
	return 0
}

// Override sets a mode directly on admin request and writes the audit
// record with the given actor.
func (m *Machine) Override(ctx context.Context, symbol string, mode resolver.GovernanceMode, actor string) (*State, error) {
	if _, ok := modeRank[mode]; !ok {
		return nil, fmt.Errorf("unknown governance mode %q", mode)
	}

	now := m.clock.Now()
	state, err := m.repo.Get(ctx, symbol, now)
	if err != nil {
		return nil, err
	}

	from := state.Mode
	state.Mode = mode
	state.ConsecutiveHealthyDays = 0
	state.LatchUntil = now.Add(m.latchFor(mode))
	if mode == resolver.ModeNormal {
		state.FrozenPolicyHash = ""
		state.LatchUntil = time.Time{}
	}
	state.UpdatedAt = now

	if err := m.repo.RecordTransition(ctx, Transition{
		Symbol:    symbol,
		FromMode:  from,
		ToMode:    mode,
		Reason:    "admin override",
		Actor:     actor,
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}
	if err := m.repo.Save(ctx, state); err != nil {
		return nil, err
	}

	m.log.Warn().
		Str("symbol", symbol).
		Str("from", string(from)).
		Str("to", string(mode)).
		Str("actor", actor).
		Msg("Governance override")
	return state, nil
}

// DirectiveFor builds the resolver directive from persisted state.
func DirectiveFor(state *State, role domain.Role, policyHash string) resolver.Directive {
	return resolver.Directive{
		Mode:            state.Mode,
		Role:            role,
		PolicyHashMatch: state.FrozenPolicyHash != "" && state.FrozenPolicyHash == policyHash,
	}
}
