// Package resolver implements the hierarchical signal resolver: per-horizon
// inputs are aggregated into a structural bias, a timing read, and a final
// (action, sizeMultiplier) decision under governance constraints.
//
// The resolver is a pure function of its input. Given the same Input it
// produces bit-identical output across runs and processes; ties resolve to
// the horizon listed first in canonical order.
package resolver

import (
	"fmt"
	"math"
	"sort"

	"foresight/internal/domain"
)

// HorizonInput is one horizon's contribution to the decision.
type HorizonInput struct {
	SignedEdge  float64 // [-1, 1]
	Confidence  float64 // [0, 1]
	Reliability float64 // [0, 1]
	PhaseRisk   float64 // [0, 1]
	Blockers    []string
}

// TailStats carries the tail-risk statistics feeding the size penalty and
// governance thresholds.
type TailStats struct {
	MCP95DD float64 // Monte Carlo 95th percentile drawdown
	MaxDDWF float64 // walk-forward max drawdown
}

// DivergenceGrade is the cross-model agreement grade.
type DivergenceGrade string

const (
	GradeA DivergenceGrade = "A"
	GradeB DivergenceGrade = "B"
	GradeC DivergenceGrade = "C"
	GradeD DivergenceGrade = "D"
	GradeF DivergenceGrade = "F"
)

// Modifiers are regime flags adjusting tier weights.
type Modifiers struct {
	VolShock     bool
	BearDrawdown bool
	Divergence   DivergenceGrade
}

// GovernanceMode mirrors the governance state machine's mode.
type GovernanceMode string

const (
	ModeNormal     GovernanceMode = "NORMAL"
	ModeProtection GovernanceMode = "PROTECTION"
	ModeFrozenOnly GovernanceMode = "FROZEN_ONLY"
	ModeHalt       GovernanceMode = "HALT"
)

// Directive is what governance hands the resolver for one evaluation.
type Directive struct {
	Mode GovernanceMode

	// FROZEN_ONLY gate: BUY/SELL survive only for ACTIVE-role inputs whose
	// policy hash equals the frozen one.
	Role            domain.Role
	PolicyHashMatch bool
}

// Input is the complete resolver input for one symbol.
type Input struct {
	Horizons   map[string]HorizonInput
	Entropy    float64 // [0, 1]
	Tail       TailStats
	Modifiers  Modifiers
	Governance Directive
}

// Direction of the structural bias.
type BiasDirection string

const (
	BiasBull    BiasDirection = "BULL"
	BiasBear    BiasDirection = "BEAR"
	BiasNeutral BiasDirection = "NEUTRAL"
)

// TimingAction is the short-horizon read.
type TimingAction string

const (
	TimingEnter TimingAction = "ENTER"
	TimingWait  TimingAction = "WAIT"
	TimingExit  TimingAction = "EXIT"
)

// DecisionMode is how bias and timing combined.
type DecisionMode string

const (
	ModeTrendFollow  DecisionMode = "TREND_FOLLOW"
	ModeCounterTrend DecisionMode = "COUNTER_TREND"
	ModeHold         DecisionMode = "HOLD"
)

// Action is the final decision verb.
type Action string

const (
	ActionBuy   Action = "BUY"
	ActionSell  Action = "SELL"
	ActionHold  Action = "HOLD"
	ActionAvoid Action = "AVOID"
)

// BiasResult is the structural stage output.
type BiasResult struct {
	Direction       BiasDirection
	Score           float64
	Strength        float64
	DominantHorizon string
}

// TimingResult is the timing stage output.
type TimingResult struct {
	Action          TimingAction
	Score           float64
	Strength        float64
	DominantHorizon string
	Blockers        []string
}

// Decision is the final resolver output.
type Decision struct {
	Bias   BiasResult
	Timing TimingResult

	Mode           DecisionMode
	Action         Action
	SizeMultiplier float64
	Confidence     float64

	Explain []string
}

// Weights configures thresholds and tier weights. Zero value is unusable;
// use DefaultWeights.
type Weights struct {
	Structure float64
	Tactical  float64
	Timing    float64

	BiasThreshold   float64
	TimingThreshold float64

	// COUNTER_TREND fires when bias and timing disagree and the weaker
	// strength is at least this fraction of the stronger.
	CounterTrendRatio float64
}

// DefaultWeights is the production configuration.
func DefaultWeights() Weights {
	return Weights{
		Structure:         0.50,
		Tactical:          0.30,
		Timing:            0.20,
		BiasThreshold:     0.15,
		TimingThreshold:   0.15,
		CounterTrendRatio: 0.75,
	}
}

var divergenceMultiplier = map[DivergenceGrade]float64{
	GradeA: 1.05,
	GradeB: 1.00,
	GradeC: 0.95,
	GradeD: 0.85,
	GradeF: 0.70,
}

// Resolver evaluates inputs under a fixed weight configuration.
type Resolver struct {
	weights Weights
}

func New(weights Weights) *Resolver {
	return &Resolver{weights: weights}
}

// Resolve produces the final decision. HALT short-circuits everything:
// AVOID, size 0, HALT as the sole explain entry.
func (r *Resolver) Resolve(in Input) Decision {
	if in.Governance.Mode == ModeHalt {
		return Decision{
			Mode:           ModeHold,
			Action:         ActionAvoid,
			SizeMultiplier: 0,
			Confidence:     0,
			Explain:        []string{"HALT"},
		}
	}

	d := Decision{}
	d.Bias = r.bias(in)
	d.Timing = r.timing(in)
	d.Explain = append(d.Explain,
		fmt.Sprintf("bias %s score=%.4f dominant=%s", d.Bias.Direction, d.Bias.Score, d.Bias.DominantHorizon),
		fmt.Sprintf("timing %s score=%.4f", d.Timing.Action, d.Timing.Score))

	r.combine(&d, in)
	r.applySize(&d, in)
	r.applyGovernance(&d, in)

	d.Confidence = r.finalConfidence(&d, in)
	return d
}

// bias aggregates STRUCTURE horizons.
func (r *Resolver) bias(in Input) BiasResult {
	score, dominant := r.aggregate(in, domain.TierStructure)
	result := BiasResult{
		Score:           score,
		Strength:        math.Min(math.Abs(score), 1),
		DominantHorizon: dominant,
	}
	switch {
	case score > r.weights.BiasThreshold:
		result.Direction = BiasBull
	case score < -r.weights.BiasThreshold:
		result.Direction = BiasBear
	default:
		result.Direction = BiasNeutral
	}
	return result
}

// timing aggregates TIMING and TACTICAL horizons; horizon blockers
// propagate verbatim.
func (r *Resolver) timing(in Input) TimingResult {
	score, dominant := r.aggregate(in, domain.TierTiming, domain.TierTactical)
	result := TimingResult{
		Score:           score,
		Strength:        math.Min(math.Abs(score), 1),
		DominantHorizon: dominant,
	}
	switch {
	case score > r.weights.TimingThreshold:
		result.Action = TimingEnter
	case score < -r.weights.TimingThreshold:
		result.Action = TimingExit
	default:
		result.Action = TimingWait
	}

	for _, name := range presentHorizons(in, domain.TierTiming, domain.TierTactical) {
		result.Blockers = append(result.Blockers, in.Horizons[name].Blockers...)
	}
	return result
}

// aggregate computes the weighted score over the given tiers and the
// dominant horizon by |contribution|, ties to canonical order.
func (r *Resolver) aggregate(in Input, tiers ...domain.Tier) (float64, string) {
	names := presentHorizons(in, tiers...)
	if len(names) == 0 {
		return 0, ""
	}

	weights := r.horizonWeights(in, names)

	var score, bestAbs float64
	dominant := ""
	for _, name := range names {
		h := in.Horizons[name]
		contribution := weights[name] * h.SignedEdge * h.Confidence * h.Reliability * (1 - h.PhaseRisk)
		score += contribution
		// Strict > keeps the first canonical horizon on ties.
		if abs := math.Abs(contribution); abs > bestAbs {
			bestAbs = abs
			dominant = name
		}
	}
	if dominant == "" {
		dominant = names[0]
	}

	if m, ok := divergenceMultiplier[in.Modifiers.Divergence]; ok {
		score *= m
	}
	return score, dominant
}

// horizonWeights distributes tier weights (with regime modifiers) among the
// present horizons and renormalizes to sum 1.
func (r *Resolver) horizonWeights(in Input, names []string) map[string]float64 {
	tierWeight := func(tier domain.Tier) float64 {
		w := 0.0
		switch tier {
		case domain.TierStructure:
			w = r.weights.Structure
			if in.Modifiers.VolShock {
				w *= 1.20
			}
			if in.Modifiers.BearDrawdown {
				w *= 1.10
			}
		case domain.TierTactical:
			w = r.weights.Tactical
		case domain.TierTiming:
			w = r.weights.Timing
			if in.Modifiers.VolShock {
				w *= 0.70
			}
		}
		return w
	}

	countPerTier := map[domain.Tier]int{}
	for _, name := range names {
		h, _ := domain.HorizonByName(name)
		countPerTier[h.Tier]++
	}

	weights := make(map[string]float64, len(names))
	total := 0.0
	for _, name := range names {
		h, _ := domain.HorizonByName(name)
		w := tierWeight(h.Tier) / float64(countPerTier[h.Tier])
		weights[name] = w
		total += w
	}
	if total > 0 {
		for name := range weights {
			weights[name] /= total
		}
	}
	return weights
}

// combine sets mode and preliminary action from bias/timing agreement.
func (r *Resolver) combine(d *Decision, in Input) {
	biasSign := sign(d.Bias.Score, r.weights.BiasThreshold)
	timingSign := sign(d.Timing.Score, r.weights.TimingThreshold)

	switch {
	case biasSign != 0 && biasSign == timingSign:
		d.Mode = ModeTrendFollow
		if biasSign > 0 {
			d.Action = ActionBuy
		} else {
			d.Action = ActionSell
		}
		d.Explain = append(d.Explain, "bias and timing agree: TREND_FOLLOW")

	case biasSign != 0 && timingSign != 0 && biasSign != timingSign &&
		similarStrength(d.Bias.Strength, d.Timing.Strength, r.weights.CounterTrendRatio):
		d.Mode = ModeCounterTrend
		if timingSign > 0 {
			d.Action = ActionBuy
		} else {
			d.Action = ActionSell
		}
		d.Explain = append(d.Explain, "bias and timing oppose at similar strength: COUNTER_TREND")

	default:
		d.Mode = ModeHold
		d.Action = ActionHold
		d.Explain = append(d.Explain, "no aligned signal: HOLD")
	}

	if len(d.Timing.Blockers) > 0 && d.Action != ActionHold {
		d.Action = ActionHold
		d.Mode = ModeHold
		d.Explain = append(d.Explain, fmt.Sprintf("timing blockers active: %v", d.Timing.Blockers))
	}
}

// applySize computes the size multiplier from strength and penalties.
func (r *Resolver) applySize(d *Decision, in Input) {
	strength := d.Bias.Strength
	if d.Mode == ModeCounterTrend {
		strength = d.Timing.Strength * 0.5
	}

	entropyPenalty := math.Min(in.Entropy, 1)
	tail := tailPenalty(in.Tail.MCP95DD)

	size := strength * (1 - entropyPenalty) * (1 - tail)
	d.SizeMultiplier = clamp01(size)

	if tail > 0 {
		d.Explain = append(d.Explain, fmt.Sprintf("tail penalty %.1f at mcP95=%.2f", tail, in.Tail.MCP95DD))
	}
	if d.Action == ActionHold {
		d.SizeMultiplier = 0
	}
}

// applyGovernance enforces the directive. AVOID is terminal: nothing after
// this point may restore BUY/SELL.
func (r *Resolver) applyGovernance(d *Decision, in Input) {
	switch in.Governance.Mode {
	case ModeProtection:
		d.SizeMultiplier = clamp01(d.SizeMultiplier * 0.5)
		d.Explain = append(d.Explain, "PROTECTION: size halved")

	case ModeFrozenOnly:
		if d.Action == ActionBuy || d.Action == ActionSell {
			allowed := in.Governance.Role == domain.RoleActive && in.Governance.PolicyHashMatch
			if !allowed {
				d.Action = ActionAvoid
				d.SizeMultiplier = 0
				d.Explain = append(d.Explain, "FROZEN_ONLY: policy not frozen-approved, AVOID")
			} else {
				d.Explain = append(d.Explain, "FROZEN_ONLY: frozen policy match, action allowed")
			}
		}
	}
}

// finalConfidence derives the decision confidence, never exceeding the base
// (weighted) horizon confidence.
func (r *Resolver) finalConfidence(d *Decision, in Input) float64 {
	if d.Action == ActionAvoid {
		return 0
	}

	names := presentHorizons(in,
		domain.TierTiming, domain.TierTactical, domain.TierStructure)
	if len(names) == 0 {
		return 0
	}
	weights := r.horizonWeights(in, names)

	base := 0.0
	for _, name := range names {
		base += weights[name] * in.Horizons[name].Confidence
	}

	conf := base * math.Max(d.Bias.Strength, d.Timing.Strength)
	return math.Min(conf, base)
}

// presentHorizons lists horizons of the given tiers in canonical order.
func presentHorizons(in Input, tiers ...domain.Tier) []string {
	wanted := map[domain.Tier]bool{}
	for _, t := range tiers {
		wanted[t] = true
	}

	var names []string
	for name := range in.Horizons {
		h, err := domain.HorizonByName(name)
		if err != nil {
			continue // unknown horizons never contribute
		}
		if wanted[h.Tier] {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return domain.CanonicalIndex(names[i]) < domain.CanonicalIndex(names[j])
	})
	return names
}

// tailPenalty is the step function over the Monte Carlo 95th percentile
// drawdown.
func tailPenalty(mcP95 float64) float64 {
	switch {
	case mcP95 < 0.25:
		return 0
	case mcP95 < 0.40:
		return 0.3
	case mcP95 < 0.55:
		return 0.6
	default:
		return 0.9
	}
}

func sign(score, threshold float64) int {
	if score > threshold {
		return 1
	}
	if score < -threshold {
		return -1
	}
	return 0
}

func similarStrength(a, b, ratio float64) bool {
	hi, lo := a, b
	if b > a {
		hi, lo = b, a
	}
	if hi == 0 {
		return false
	}
	return lo/hi >= ratio
}

// ClampModifier bounds an externally supplied multiplier: anything above
// 1.0 is clamped before use.
func ClampModifier(m float64) float64 {
	if m > 1 {
		return 1
	}
	if m < 0 {
		return 0
	}
	return m
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
