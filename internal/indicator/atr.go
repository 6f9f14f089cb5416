package indicator

import (
	"math"
	"strconv"

	"feedsignal/internal/ringbuf"
)

// ATR is an Average True Range over single-price ticks.
//
// Without separate high/low/close inputs the true range collapses to the
// absolute change between consecutive prices. The price window keeps the
// last period+1 prices, the true-range window the last period ranges; the
// value is the mean of a full true-range window.
type ATR struct {
	period int
	prices *ringbuf.Window
	ranges *ringbuf.Window
}

// NewATR creates an ATR with the given period (minimum 1).
func NewATR(period int) *ATR {
	if period < 1 {
		period = 1
	}
	return &ATR{
		period: period,
		prices: ringbuf.New(period + 1),
		ranges: ringbuf.New(period),
	}
}

func (a *ATR) Name() string { return "ATR_" + strconv.Itoa(a.period) }

// Update appends price and, once a previous price exists, its true range.
func (a *ATR) Update(price float64) {
	if prev, ok := a.prices.Last(0); ok {
		a.ranges.Push(math.Abs(price - prev))
	}
	a.prices.Push(price)
}

// Value returns the mean true range, or 0 while warming up.
func (a *ATR) Value() float64 {
	if !a.Ready() {
		return 0
	}
	return a.ranges.Mean()
}

// Ready is true once the true-range window holds period values.
func (a *ATR) Ready() bool { return a.ranges.Full() }

// Peek returns what Value() would be after Update(price).
// Returns 0 if that update would still leave the window short.
func (a *ATR) Peek(price float64) float64 {
	prev, ok := a.prices.Last(0)
	if !ok {
		return 0
	}
	tr := math.Abs(price - prev)
	switch {
	case a.ranges.Full():
		oldest := a.ranges.At(0)
		return (a.ranges.Sum() - oldest + tr) / float64(a.period)
	case a.ranges.Len()+1 == a.period:
		return (a.ranges.Sum() + tr) / float64(a.period)
	default:
		return 0
	}
}

// Period returns the configured period.
func (a *ATR) Period() int { return a.period }

// LastTrueRange returns the newest true range, if any.
func (a *ATR) LastTrueRange() (float64, bool) { return a.ranges.Last(0) }

// PrevPrice returns the price before the newest one, if any.
func (a *ATR) PrevPrice() (float64, bool) { return a.prices.Last(1) }

// Samples returns the number of prices and true ranges currently held.
func (a *ATR) Samples() (prices, ranges int) { return a.prices.Len(), a.ranges.Len() }

// Reset clears all state.
func (a *ATR) Reset() {
	a.prices.Reset()
	a.ranges.Reset()
}
