package strategy

import (
	"feedsignal/internal/indicator"
	"feedsignal/internal/model"
)

// Status classifies what a tick did to the breakout rule.
type Status int

const (
	// StatusIgnored: wrong symbol or no usable price; no state was touched.
	StatusIgnored Status = iota
	// StatusWarmup: the true-range window is not full yet, so no decision is possible.
	StatusWarmup
	// StatusInBand: price stayed inside the band.
	StatusInBand
	// StatusHold: price broke the band in the direction already held.
	StatusHold
	// StatusSignal: price broke the band and the position changed.
	StatusSignal
)

func (s Status) String() string {
	switch s {
	case StatusIgnored:
		return "ignored"
	case StatusWarmup:
		return "warmup"
	case StatusInBand:
		return "in_band"
	case StatusHold:
		return "hold"
	case StatusSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// Decision is the outcome of one tick.
type Decision struct {
	Status   Status
	Symbol   string
	Price    float64
	ATR      float64
	Upper    float64
	Lower    float64
	Position model.Position
	Signal   *model.Signal // set only when Status == StatusSignal
}

// ATRBreakout turns the trade ticks of one symbol into BUY/SELL signals.
//
// The band is centred on the previous tick's price:
//
//	upper = prev + multiplier*ATR, lower = prev - multiplier*ATR
//
// A break above upper goes LONG and emits BUY unless already LONG; a break
// below lower goes SHORT and emits SELL unless already SHORT. Repeated breaks
// in the held direction emit nothing.
//
// Not safe for concurrent use; one goroutine owns each instance.
type ATRBreakout struct {
	name       string
	symbol     string
	multiplier float64
	atr        *indicator.ATR
	position   model.Position
}

// NewATRBreakout creates a breakout rule for symbol. Position starts FLAT.
func NewATRBreakout(symbol string, period int, multiplier float64) *ATRBreakout {
	return &ATRBreakout{
		name:       "ATR_Breakout",
		symbol:     symbol,
		multiplier: multiplier,
		atr:        indicator.NewATR(period),
		position:   model.PositionFlat,
	}
}

func (b *ATRBreakout) Name() string             { return b.name }
func (b *ATRBreakout) Symbol() string           { return b.symbol }
func (b *ATRBreakout) Position() model.Position { return b.position }

// Samples exposes the window fill levels (prices, true ranges).
func (b *ATRBreakout) Samples() (prices, ranges int) { return b.atr.Samples() }

// OnEvent evaluates one event.
func (b *ATRBreakout) OnEvent(ev model.Event) Decision {
	if ev.Symbol != b.symbol || !ev.HasPrice() {
		return Decision{Status: StatusIgnored, Symbol: ev.Symbol, Position: b.position}
	}

	price := ev.Price
	b.atr.Update(price)

	d := Decision{Symbol: b.symbol, Price: price, Position: b.position}
	if !b.atr.Ready() {
		d.Status = StatusWarmup
		return d
	}

	prev, _ := b.atr.PrevPrice()
	atr := b.atr.Value()
	d.ATR = atr
	d.Upper = prev + b.multiplier*atr
	d.Lower = prev - b.multiplier*atr

	var action model.Action
	switch {
	case price > d.Upper:
		if b.position == model.PositionLong {
			d.Status = StatusHold
			return d
		}
		b.position = model.PositionLong
		action = model.ActionBuy
	case price < d.Lower:
		if b.position == model.PositionShort {
			d.Status = StatusHold
			return d
		}
		b.position = model.PositionShort
		action = model.ActionSell
	default:
		d.Status = StatusInBand
		return d
	}

	d.Status = StatusSignal
	d.Position = b.position
	d.Signal = &model.Signal{
		Strategy: b.name,
		Action:   action,
		Symbol:   b.symbol,
		Price:    price,
		ATR:      atr,
		Upper:    d.Upper,
		Lower:    d.Lower,
		Position: b.position,
		TS:       ev.ReceivedAt,
	}
	return d
}
