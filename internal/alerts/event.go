// Package alerts implements the alert policy gate: quota, cooldown, dedup,
// and batch suppression over the events the quality and governance engines
// emit, with an append-only audit log.
package alerts

import (
	"time"

	"foresight/internal/domain"
)

// Type is the alert taxonomy.
type Type string

const (
	TypeCrisisEnter Type = "CRISIS_ENTER"
	TypeCrisisExit  Type = "CRISIS_EXIT"
	TypeTailSpike   Type = "TAIL_SPIKE"
	TypeHealthDrop  Type = "HEALTH_DROP"
	TypeRegimeShift Type = "REGIME_SHIFT"
	TypeDrift       Type = "DRIFT"
)

// priority orders types for within-batch suppression; lower is more urgent.
var priority = map[Type]int{
	TypeCrisisEnter: 0,
	TypeCrisisExit:  1,
	TypeTailSpike:   2,
	TypeHealthDrop:  3,
	TypeRegimeShift: 4,
	TypeDrift:       5,
}

// Level is the alert severity.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// BlockReason records why the gate suppressed an event.
type BlockReason string

const (
	BlockNone            BlockReason = "NONE"
	BlockDedup           BlockReason = "DEDUP"
	BlockQuota           BlockReason = "QUOTA"
	BlockCooldown        BlockReason = "COOLDOWN"
	BlockBatchSuppressed BlockReason = "BATCH_SUPPRESSED"
)

// Event is one alert candidate entering the gate.
type Event struct {
	Symbol  string
	Type    Type
	Level   Level
	Message string

	// KeyContext distinguishes otherwise-identical alerts (e.g. the target
	// governance mode). Part of the dedup fingerprint.
	KeyContext string

	TriggeredAt time.Time
}

// Fingerprint is the deterministic dedup key of the event.
func (e Event) Fingerprint() string {
	return domain.AlertFingerprint(e.Symbol, string(e.Type), string(e.Level), e.KeyContext)
}

// Record is the audit row written for every gate decision.
type Record struct {
	Symbol      string
	Type        Type
	Level       Level
	Fingerprint string
	Message     string
	BlockedBy   BlockReason
	Delivered   bool
	TriggeredAt time.Time
}
