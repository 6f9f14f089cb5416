package main

import (
	"context"
	"testing"
	"time"

	"feedsignal/internal/model"
)

func TestRelay_ForwardsInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan model.Event, 4)
	out := make(chan model.Event, 4)
	seen := make(chan string, 4)
	go relay(ctx, in, out, func(ev model.Event) { seen <- ev.Symbol })

	for _, sym := range []string{"SPY", "QQQ", "IWM"} {
		in <- model.Event{Type: model.EventTrade, Symbol: sym, Price: 1}
	}
	for _, want := range []string{"SPY", "QQQ", "IWM"} {
		select {
		case ev := <-out:
			if ev.Symbol != want {
				t.Fatalf("expected %s, got %s", want, ev.Symbol)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
		if got := <-seen; got != want {
			t.Fatalf("expected seen %s, got %s", want, got)
		}
	}
}

func TestRelay_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan model.Event, 1)
	out := make(chan model.Event)
	done := make(chan struct{})
	go func() {
		relay(ctx, in, out, func(model.Event) {})
		close(done)
	}()

	in <- model.Event{Type: model.EventTrade, Symbol: "SPY"}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after cancel")
	}
}
