// Package indicator provides streaming technical indicators over tick prices.
//
// Indicators are fed one price at a time and hold bounded state, so the
// cost per update is O(1) regardless of how long the stream runs.
package indicator

// Indicator is the interface for streaming price indicators.
type Indicator interface {
	// Name returns the indicator name (e.g., "ATR_14").
	Name() string

	// Update feeds a new price and recalculates.
	Update(price float64)

	// Value returns the current calculated value. Returns 0 if not enough data.
	Value() float64

	// Ready returns true when enough data has been accumulated.
	Ready() bool

	// Peek computes what Value() would be if price were added next,
	// WITHOUT mutating internal state.
	Peek(price float64) float64
}
