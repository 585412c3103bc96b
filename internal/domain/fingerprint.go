package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// SnapshotFingerprint builds the deterministic dedup key of a snapshot.
// Identical inputs always yield the identical fingerprint; the writer relies
// on this for insert-if-absent semantics. The asOf timestamp is bucketed to
// its UTC day before hashing.
func SnapshotFingerprint(symbol, horizon string, preset Preset, role Role, asOf time.Time, policyHash string) string {
	day := DayBucket(asOf).Format("2006-01-02")
	payload := strings.Join([]string{symbol, horizon, string(preset), string(role), day, policyHash}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// AlertFingerprint builds the dedup key of an alert event from its symbol,
// type, level and key context. Duplicate fingerprints inside the cooldown
// window are suppressed by the policy gate.
func AlertFingerprint(symbol, alertType, level, keyContext string) string {
	payload := fmt.Sprintf("%s|%s|%s|%s", symbol, alertType, level, keyContext)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:16])
}
