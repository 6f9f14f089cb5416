package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"feedsignal/internal/model"
	"feedsignal/internal/strategy"
)

func series(symbol string, prices ...float64) []model.Event {
	base := time.Date(2026, 1, 2, 14, 30, 0, 0, time.UTC)
	events := make([]model.Event, 0, len(prices))
	for i, p := range prices {
		events = append(events, model.Event{
			Type:       model.EventTrade,
			Symbol:     symbol,
			Price:      p,
			ReceivedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	return events
}

func TestBacktest_BreakoutBothWays(t *testing.T) {
	var prices []float64
	for i := 0; i < 15; i++ {
		prices = append(prices, 100+float64(i%2))
	}
	prices = append(prices, 120, 80)
	events := series("SPY", prices...)
	events = append(events, series("QQQ", 1, 500)...)

	var out bytes.Buffer
	res := backtest(context.Background(), events, strategy.Config{
		Symbols:    []string{"SPY"},
		Period:     14,
		Multiplier: 3,
	}, 0, &out)

	if res.Signals != 2 {
		t.Fatalf("expected 2 signals, got %d:\n%s", res.Signals, out.String())
	}
	if res.Positions["SPY"] != model.PositionShort {
		t.Fatalf("expected SHORT, got %s", res.Positions["SPY"])
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if !strings.Contains(lines[0], "BUY") || !strings.Contains(lines[1], "SELL") {
		t.Fatalf("expected BUY then SELL, got:\n%s", out.String())
	}
}

func TestLoad_JSONLinesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	var buf bytes.Buffer
	for _, ev := range series("SPY", 100, 101) {
		buf.Write(ev.JSON())
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	events, err := load(path, "", []string{"SPY"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 || events[1].Price != 101 {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestLoad_RequiresOneSource(t *testing.T) {
	if _, err := load("", "", []string{"SPY"}, ""); err == nil {
		t.Fatal("expected error without a source")
	}
	if _, err := load("a.jsonl", "b.db", []string{"SPY"}, ""); err == nil {
		t.Fatal("expected error with both sources")
	}
}
