// Package oracle provides the price oracle port used to resolve forecast
// outcomes, plus its SQLite daily-bar implementation. Concrete market-data
// providers live outside the core; anything that can fill the price_bars
// table can back this oracle.
package oracle

import (
	"context"
	"time"
)

// Quote is a historical close returned by the oracle. ActualTs may differ
// from the requested timestamp by up to the lookup tolerance.
type Quote struct {
	Price    float64
	ActualTs time.Time
}

// PriceProvider resolves a historical price for a symbol at a timestamp.
// Implementations return domain.ErrPriceUnavailable when no bar covers the
// requested time after tolerance; the tracker retries on the next run.
type PriceProvider interface {
	PriceAt(ctx context.Context, symbol string, ts time.Time) (Quote, error)
}

// DefaultTolerance is one daily bar: requests are matched against the
// nearest bar within a day of the requested instant.
const DefaultTolerance = 24 * time.Hour

// MaxTolerance caps per-oracle tolerance overrides.
const MaxTolerance = 7 * 24 * time.Hour
