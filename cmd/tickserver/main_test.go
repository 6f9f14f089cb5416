package main

import "testing"

func TestParsePrices(t *testing.T) {
	got := parsePrices("spy:500, QQQ:430.5,bad,IWM:-1,:3")
	if len(got) != 2 {
		t.Fatalf("expected 2 seeds, got %v", got)
	}
	if got["SPY"] != 500 || got["QQQ"] != 430.5 {
		t.Fatalf("unexpected seeds: %v", got)
	}
}
