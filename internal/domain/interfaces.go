package domain

// PriceOracle supplies current prices for symbols. Implementations must be
// safe for concurrent use from multiple scheduler loops; a lookup failure is
// non-fatal and handled by the caller's staleness policy.
type PriceOracle interface {
	GetCurrentPrice(symbol string) (float64, error)
}
