// Package domain holds the pure value types of the forecast lifecycle.
// Nothing in here touches a database, the clock, or the network; all state
// flows through the stores and every cross-entity reference is by value
// (fingerprint / snapshotRef), never by live pointer.
package domain

import "time"

// Direction is the predicted direction of a forecast.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
	DirectionFlat Direction = "FLAT"
)

// Valid reports whether the direction is a member of the closed set.
func (d Direction) Valid() bool {
	return d == DirectionUp || d == DirectionDown || d == DirectionFlat
}

// Result is the graded outcome of a resolved forecast.
type Result string

const (
	ResultWin  Result = "WIN"
	ResultLoss Result = "LOSS"
	ResultDraw Result = "DRAW"
)

// Preset selects the threshold/sizing family a forecast was produced under.
// Presets affect thresholds and acceptance criteria, never the algorithms.
type Preset string

const (
	PresetConservative Preset = "CONSERVATIVE"
	PresetBalanced     Preset = "BALANCED"
	PresetAggressive   Preset = "AGGRESSIVE"
)

// Valid reports whether the preset is a member of the closed set.
func (p Preset) Valid() bool {
	return p == PresetConservative || p == PresetBalanced || p == PresetAggressive
}

// Role separates live forecasts from shadow candidates. SHADOW outputs are
// recorded and evaluated but must never influence live decisions.
type Role string

const (
	RoleActive Role = "ACTIVE"
	RoleShadow Role = "SHADOW"
)

// Valid reports whether the role is a member of the closed set.
func (r Role) Valid() bool {
	return r == RoleActive || r == RoleShadow
}

// EvaluationStatus is the lifecycle state of a snapshot.
// It transitions PENDING -> RESOLVED exactly once.
type EvaluationStatus string

const (
	StatusPending  EvaluationStatus = "PENDING"
	StatusResolved EvaluationStatus = "RESOLVED"
)

// ForecastSnapshot is the immutable record created at forecast time (t0).
// Once persisted, no field other than the evaluation block ever changes;
// direction and confidence are frozen at creation.
type ForecastSnapshot struct {
	Fingerprint   string
	Symbol        string
	Horizon       string
	Preset        Preset
	Role          Role
	PolicyHash    string
	EngineVersion string

	CreatedAt time.Time // t0
	ResolveAt time.Time // t0 + horizon days

	StartPrice      float64
	TargetPrice     float64
	ExpectedMovePct float64
	Direction       Direction
	Confidence      float64 // [0,1]

	Status Evaluation
}

// Evaluation is the mutable tail of a snapshot, written exactly once when
// the tracker resolves it.
type Evaluation struct {
	State      EvaluationStatus
	RealPrice  float64
	Result     Result
	Deviation  float64
	ResolvedAt time.Time
}

// Resolved reports whether the snapshot has been graded.
func (s *ForecastSnapshot) Resolved() bool {
	return s.Status.State == StatusResolved
}

// ForecastOutcome is the one-to-one companion of a RESOLVED snapshot.
// Symbol/horizon/preset/role are denormalized so cohort queries never need
// to join back to the snapshot table.
type ForecastOutcome struct {
	SnapshotRef string // snapshot fingerprint
	Symbol      string
	Horizon     string
	Preset      Preset
	Role        Role
	PolicyHash  string

	StartPrice  float64
	TargetPrice float64
	RealPrice   float64

	Result           Result
	DirectionCorrect bool
	Deviation        float64
	Confidence       float64

	CreatedAt  time.Time // of the snapshot
	ResolvedAt time.Time
}

// RealizedReturn is the signed return of the outcome aligned with the
// predicted direction: a correct UP or DOWN call yields a positive return,
// an incorrect one a negative return. DRAW contributes zero.
func (o *ForecastOutcome) RealizedReturn() float64 {
	if o.StartPrice == 0 || o.Result == ResultDraw {
		return 0
	}
	move := (o.RealPrice - o.StartPrice) / o.StartPrice
	magnitude := move
	if magnitude < 0 {
		magnitude = -magnitude
	}
	if o.Result == ResultWin {
		return magnitude
	}
	return -magnitude
}

// ModelOutput is the raw model bundle the snapshot writer consumes for one
// (symbol, horizon, preset, role) tuple.
type ModelOutput struct {
	Symbol          string
	Horizon         string
	Preset          Preset
	Role            Role
	Direction       Direction
	Confidence      float64
	ExpectedMovePct float64
	CurrentPrice    float64
	PolicyHash      string
	EngineVersion   string
	AsOf            time.Time
}

// Cohort identifies a slice of outcomes sharing symbol/horizon/preset/role.
type Cohort struct {
	Symbol  string
	Horizon string
	Preset  Preset
	Role    Role
}

// CohortStats is the derived rollup for a cohort and window size. It is
// regenerated from the outcome store and never authoritative.
type CohortStats struct {
	Cohort
	WindowSize int

	Total  int
	Wins   int
	Losses int

	WinRate          float64
	RollingWinRate   float64
	CalibrationError float64
	Expectancy       float64
	SharpeLike       float64
	SharpeDefined    bool
	MaxDrawdown      float64
	Stability        float64
	EffectiveN       float64

	SampleCapped bool
	UpdatedAt    time.Time
}

// DayBucket normalizes a timestamp to UTC midnight. Fingerprints are
// bucketed by day so re-running the writer within the same day is a no-op.
func DayBucket(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
