package strategy

import (
	"context"
	"testing"
	"time"

	"feedsignal/internal/model"
)

func TestEngine_RoutesPerSymbol(t *testing.T) {
	e := NewEngine(Config{Symbols: []string{"SPY", "QQQ"}, Period: 3, Multiplier: 3})

	for i := 0; i < 4; i++ {
		e.Process(trade("SPY", 100+float64(i%2)))
	}
	e.Process(trade("QQQ", 50))

	spy, _ := e.Rule("SPY")
	qqq, _ := e.Rule("QQQ")
	if p, r := spy.Samples(); p != 4 || r != 3 {
		t.Errorf("SPY: expected 4 prices / 3 ranges, got %d / %d", p, r)
	}
	if p, r := qqq.Samples(); p != 1 || r != 0 {
		t.Errorf("QQQ: expected 1 price / 0 ranges, got %d / %d", p, r)
	}

	if d := e.Process(trade("IWM", 10)); d.Status != StatusIgnored {
		t.Errorf("expected unconfigured symbol to be ignored, got %s", d.Status)
	}
}

func TestEngine_RunEmitsSignals(t *testing.T) {
	e := NewEngine(Config{Symbols: []string{"SPY"}, Period: 14, Multiplier: 3, SignalBuffer: 8})

	in := make(chan model.Event, 64)
	for i := 0; i < 15; i++ {
		in <- trade("SPY", 100+float64(i%2))
	}
	in <- trade("SPY", 101)
	in <- trade("SPY", 115)
	close(in)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go e.Run(ctx, in)

	var got []model.Signal
	for sig := range e.Signals() {
		got = append(got, sig)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 signal, got %d", len(got))
	}
	if got[0].Action != model.ActionBuy || got[0].Symbol != "SPY" || got[0].Price != 115 {
		t.Errorf("unexpected signal %+v", got[0])
	}
}

func TestEngine_DropsWhenSignalChannelFull(t *testing.T) {
	e := NewEngine(Config{Symbols: []string{"SPY"}, Period: 14, Multiplier: 3, SignalBuffer: 1})
	dropped := 0
	e.OnSignalDropped = func(model.Signal) { dropped++ }

	for i := 0; i < 15; i++ {
		e.Process(trade("SPY", 100+float64(i%2)))
	}
	e.Process(trade("SPY", 101))
	e.Process(trade("SPY", 115)) // BUY fills the buffer
	e.Process(trade("SPY", 40))  // SELL has nowhere to go

	if dropped != 1 {
		t.Fatalf("expected 1 dropped signal, got %d", dropped)
	}
}
