// cmd/backtest replays recorded events through the ATR breakout engine to
// validate parameters without live market data.
//
// Usage:
//
//	go run ./cmd/backtest -file events.jsonl -symbol SPY -period 14 -multiplier 3
//	go run ./cmd/backtest -db data/events.db -symbol SPY,QQQ -speed 100
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"feedsignal/config"
	"feedsignal/internal/logger"
	"feedsignal/internal/marketdata/replay"
	"feedsignal/internal/model"
	sqlitestore "feedsignal/internal/store/sqlite"
	"feedsignal/internal/strategy"
)

func main() {
	file := flag.String("file", "", "JSON-lines event file (one normalized event per line)")
	dbPath := flag.String("db", "", "Warehouse SQLite database to replay instead of -file")
	symbols := flag.String("symbol", "SPY", "Comma-separated symbols to evaluate")
	period := flag.Int("period", 14, "ATR period")
	multiplier := flag.Float64("multiplier", 3.0, "ATR band multiplier")
	speed := flag.Float64("speed", 0, "Playback speed multiplier (0=max, 1=realtime, 100=100x)")
	from := flag.String("from", "", "With -db, replay events received at or after this RFC 3339 time")
	level := flag.String("log-level", "warn", "Log level")
	flag.Parse()

	logger.InitWriter(os.Stderr, "backtest", logger.ParseLevel(*level))

	syms := config.ParseSymbols(*symbols)
	if len(syms) == 0 || *period < 1 || *multiplier <= 0 {
		fmt.Fprintln(os.Stderr, "[backtest] need at least one symbol, period >= 1 and multiplier > 0")
		os.Exit(2)
	}

	events, err := load(*file, *dbPath, syms, *from)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[backtest] load failed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	res := backtest(ctx, events, strategy.Config{
		Symbols:      syms,
		Period:       *period,
		Multiplier:   *multiplier,
		SignalBuffer: 1024,
	}, *speed, os.Stdout)

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Println("║        BACKTEST COMPLETE             ║")
	fmt.Println("╠══════════════════════════════════════╣")
	fmt.Printf("║  Events loaded:     %-16d ║\n", res.Events)
	fmt.Printf("║  Signals:           %-16d ║\n", res.Signals)
	for _, sym := range syms {
		fmt.Printf("║  %-8s position:  %-16s ║\n", sym, res.Positions[sym])
	}
	fmt.Println("╚══════════════════════════════════════╝")
}

func load(file, dbPath string, symbols []string, from string) ([]model.Event, error) {
	switch {
	case file != "" && dbPath != "":
		return nil, fmt.Errorf("use either -file or -db, not both")
	case file != "":
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		events, skipped, err := replay.ReadJSONLines(f)
		if skipped > 0 {
			fmt.Fprintf(os.Stderr, "[backtest] skipped %d undecodable lines\n", skipped)
		}
		return events, err
	case dbPath != "":
		var since time.Time
		if from != "" {
			t, err := time.Parse(time.RFC3339, from)
			if err != nil {
				return nil, fmt.Errorf("invalid -from: %w", err)
			}
			since = t
		}
		reader, err := sqlitestore.NewReader(dbPath)
		if err != nil {
			return nil, err
		}
		defer reader.Close()
		var all []model.Event
		for _, sym := range symbols {
			evs, err := reader.Events(context.Background(), sym, since)
			if err != nil {
				return nil, err
			}
			all = append(all, evs...)
		}
		return all, nil
	}
	return nil, fmt.Errorf("one of -file or -db is required")
}

type result struct {
	Events    int
	Signals   int
	Positions map[string]model.Position
}

// backtest replays events through a fresh engine, printing each signal to w.
func backtest(ctx context.Context, events []model.Event, cfg strategy.Config, speed float64, w io.Writer) result {
	engine := strategy.NewEngine(cfg)

	in := make(chan model.Event, 1024)
	go func() {
		_ = replay.New(speed).Run(ctx, events, in)
	}()
	go engine.Run(ctx, in)

	res := result{Events: len(events), Positions: make(map[string]model.Position, len(cfg.Symbols))}
	for sig := range engine.Signals() {
		res.Signals++
		fmt.Fprintf(w, "  [%s] %-4s %-6s price=%.4f atr=%.4f band=[%.4f, %.4f]\n",
			sig.TS.UTC().Format(time.RFC3339), sig.Action, sig.Symbol, sig.Price, sig.ATR, sig.Lower, sig.Upper)
	}
	for _, sym := range cfg.Symbols {
		if rule, ok := engine.Rule(sym); ok {
			res.Positions[sym] = rule.Position()
		}
	}
	return res
}
