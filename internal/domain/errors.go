package domain

import "errors"

// Sentinel errors shared across the lifecycle. Callers classify with
// errors.Is; everything transient is recovered by the next scheduled run.
var (
	// ErrPriceUnavailable - no bar covers the requested time within
	// tolerance. Transient: the snapshot stays PENDING and is retried.
	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrAlreadyResolved - compare-and-set on snapshot status lost the
	// race. Another worker is doing the work; yield silently.
	ErrAlreadyResolved = errors.New("snapshot already resolved")

	// ErrSnapshotNotFound - no snapshot with the given fingerprint.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrInvalidSnapshotInput - a model-output field is out of bounds.
	// Contract violation: surfaced to the caller, nothing is persisted.
	ErrInvalidSnapshotInput = errors.New("invalid snapshot input")

	// ErrLeaseHeld - another worker holds the job lease.
	ErrLeaseHeld = errors.New("job lease held by another worker")
)
