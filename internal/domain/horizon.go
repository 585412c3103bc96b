package domain

import "fmt"

// Tier groups horizons by the regime they react to. STRUCTURE horizons move
// slowest and carry the most weight in aggregation; TIMING horizons are the
// most reactive and carry the least.
type Tier string

const (
	TierTiming    Tier = "TIMING"
	TierTactical  Tier = "TACTICAL"
	TierStructure Tier = "STRUCTURE"
)

// Horizon is a named forecast span. Price horizons use lowercase names
// ("7d"), verdict horizons uppercase ("7D"); the two namespaces never mix.
type Horizon struct {
	Name string
	Days int
	Tier Tier
}

// PriceHorizons is the closed, canonically ordered set of price-forecast
// horizons. Iteration order is the tie-break order everywhere horizons are
// compared.
var PriceHorizons = []Horizon{
	{Name: "7d", Days: 7, Tier: TierTiming},
	{Name: "14d", Days: 14, Tier: TierTiming},
	{Name: "30d", Days: 30, Tier: TierTactical},
	{Name: "90d", Days: 90, Tier: TierTactical},
	{Name: "180d", Days: 180, Tier: TierStructure},
	{Name: "365d", Days: 365, Tier: TierStructure},
}

// VerdictHorizons is the closed set of aggregated-verdict horizons.
var VerdictHorizons = []Horizon{
	{Name: "1D", Days: 1, Tier: TierTiming},
	{Name: "7D", Days: 7, Tier: TierTactical},
	{Name: "30D", Days: 30, Tier: TierStructure},
}

var horizonsByName = func() map[string]Horizon {
	m := make(map[string]Horizon, len(PriceHorizons)+len(VerdictHorizons))
	for _, h := range PriceHorizons {
		m[h.Name] = h
	}
	for _, h := range VerdictHorizons {
		m[h.Name] = h
	}
	return m
}()

// HorizonByName resolves a horizon name from either closed set. Unknown
// names are a contract violation.
func HorizonByName(name string) (Horizon, error) {
	h, ok := horizonsByName[name]
	if !ok {
		return Horizon{}, fmt.Errorf("%w: unknown horizon %q", ErrInvalidSnapshotInput, name)
	}
	return h, nil
}

// CanonicalIndex returns the position of a horizon in canonical order
// (price horizons first, then verdict horizons). Unknown names sort last.
func CanonicalIndex(name string) int {
	for i, h := range PriceHorizons {
		if h.Name == name {
			return i
		}
	}
	for i, h := range VerdictHorizons {
		if h.Name == name {
			return len(PriceHorizons) + i
		}
	}
	return len(PriceHorizons) + len(VerdictHorizons)
}
