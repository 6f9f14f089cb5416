// Package strategy runs the ATR breakout rule over the normalized event stream.
//
// The Engine owns one ATRBreakout per configured symbol and is driven by a
// single goroutine reading a bounded channel, so per-symbol ordering is the
// channel's ordering and no locks are needed.
package strategy

import (
	"context"
	"log/slog"

	"feedsignal/internal/model"
)

// Config configures the breakout engine.
type Config struct {
	Symbols      []string
	Period       int
	Multiplier   float64
	SignalBuffer int
}

// Engine routes events to their symbol's breakout rule and collects signals.
type Engine struct {
	rules    map[string]*ATRBreakout
	signalCh chan model.Signal

	// Optional hooks
	OnDecision      func(d Decision)
	OnSignalDropped func(sig model.Signal)
}

// NewEngine creates an engine with one breakout rule per symbol.
func NewEngine(cfg Config) *Engine {
	if cfg.SignalBuffer <= 0 {
		cfg.SignalBuffer = 64
	}
	rules := make(map[string]*ATRBreakout, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		rules[sym] = NewATRBreakout(sym, cfg.Period, cfg.Multiplier)
	}
	return &Engine{
		rules:    rules,
		signalCh: make(chan model.Signal, cfg.SignalBuffer),
	}
}

// Signals returns the channel of emitted signals.
func (e *Engine) Signals() <-chan model.Signal {
	return e.signalCh
}

// Rule returns the breakout rule for symbol, if configured.
func (e *Engine) Rule(symbol string) (*ATRBreakout, bool) {
	r, ok := e.rules[symbol]
	return r, ok
}

// Process evaluates one event. Events for unconfigured symbols are ignored.
func (e *Engine) Process(ev model.Event) Decision {
	rule, ok := e.rules[ev.Symbol]
	if !ok {
		return Decision{Status: StatusIgnored, Symbol: ev.Symbol}
	}
	d := rule.OnEvent(ev)
	if e.OnDecision != nil && d.Status != StatusIgnored {
		e.OnDecision(d)
	}
	if d.Signal != nil {
		slog.Info("signal",
			slog.String("action", string(d.Signal.Action)),
			slog.String("symbol", d.Symbol),
			slog.Float64("price", d.Price),
			slog.Float64("atr", d.ATR),
			slog.Float64("upper", d.Upper),
			slog.Float64("lower", d.Lower),
		)
		e.emit(*d.Signal)
	}
	return d
}

// Run consumes events until ctx is cancelled or in is closed, then closes
// the signal channel.
func (e *Engine) Run(ctx context.Context, in <-chan model.Event) {
	defer close(e.signalCh)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			e.Process(ev)
		}
	}
}

func (e *Engine) emit(sig model.Signal) {
	select {
	case e.signalCh <- sig:
	default:
		if e.OnSignalDropped != nil {
			e.OnSignalDropped(sig)
		}
		slog.Warn("signal channel full, dropping signal",
			slog.String("action", string(sig.Action)), slog.String("symbol", sig.Symbol))
	}
}
